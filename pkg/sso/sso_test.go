package sso

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmware/govmomi/ssoadmin"
)

func TestMinInt(t *testing.T) {
	assert.Equal(t, 3, minInt(3, 5))
	assert.Equal(t, 5, minInt(7, 5))
	assert.Equal(t, 0, minInt(0, 5))
}

func TestSetCredentialsDropsCachedConnections(t *testing.T) {
	c := New("user", "pass")
	c.byHost["vc-az1-1"] = &entry{client: nil, retries: 2}

	c.SetCredentials("newuser", "newpass")

	assert.Equal(t, "newuser", c.username)
	assert.Equal(t, "newpass", c.password)
	assert.Empty(t, c.byHost)
}

func TestGetSkipsWithinBackoffWindow(t *testing.T) {
	c := New("user", "pass")
	host := "vc-az1-1"
	c.byHost[host] = &entry{retries: 1, lastRetry: time.Now()}

	_, err := c.get(context.Background(), host, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSkipped)
}

func TestGetReturnsCachedClientWithoutReconnecting(t *testing.T) {
	c := New("user", "pass")
	host := "vc-az1-1"
	cached := &ssoadmin.Client{}
	c.byHost[host] = &entry{client: cached}

	got, err := c.get(context.Background(), host, nil)
	require.NoError(t, err)
	assert.Same(t, cached, got)
}

func TestDropClearsCachedClientButKeepsRetryCounter(t *testing.T) {
	c := New("user", "pass")
	host := "vc-az1-1"
	c.byHost[host] = &entry{client: &ssoadmin.Client{}, retries: 2}

	c.drop(host)

	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Nil(t, c.byHost[host].client)
	assert.Equal(t, 2, c.byHost[host].retries)
}
