package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmware/govmomi/simulator"
)

func TestBackoffSkipsUntilWindowElapses(t *testing.T) {
	host := "backoff-host-1"
	defer func() { backoffMU.Lock(); delete(backoff, host); backoffMU.Unlock() }()

	assert.False(t, ShouldSkip(host))

	RecordFailure(host)
	assert.True(t, ShouldSkip(host))

	backoffMU.Lock()
	backoff[host].notUntil = time.Now().Add(-time.Second)
	backoffMU.Unlock()
	assert.False(t, ShouldSkip(host))
}

func TestBackoffCapsAtTenMinutes(t *testing.T) {
	host := "backoff-host-2"
	defer func() { backoffMU.Lock(); delete(backoff, host); backoffMU.Unlock() }()

	for i := 0; i < 20; i++ {
		RecordFailure(host)
	}

	backoffMU.Lock()
	notUntil := backoff[host].notUntil
	backoffMU.Unlock()

	assert.WithinDuration(t, time.Now().Add(10*time.Minute), notUntil, 5*time.Second)
}

func TestRecordSuccessClearsBackoff(t *testing.T) {
	host := "backoff-host-3"
	RecordFailure(host)
	assert.True(t, ShouldSkip(host))

	RecordSuccess(host)
	assert.False(t, ShouldSkip(host))
}

func TestGetOrCreateReusesLiveSession(t *testing.T) {
	model := simulator.VPX()
	defer model.Remove()
	require.NoError(t, model.Create())
	server := model.Service.NewServer()
	defer server.Close()
	defer Clear()

	password, _ := server.URL.User.Password()
	params := NewParams().
		WithServer(server.URL.Host).
		WithUserInfo(server.URL.User.Username(), password)

	ctx := context.Background()
	first, err := GetOrCreate(ctx, params)
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := GetOrCreate(ctx, params)
	require.NoError(t, err)
	assert.Same(t, first, second)
}
