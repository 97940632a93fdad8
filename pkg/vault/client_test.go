package vault

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	vaultapi "github.com/hashicorp/vault/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeVaultLogin starts an httptest server that answers exactly one Vault
// endpoint, auth/approle/login, counting how many times it was hit.
func fakeVaultLogin(t *testing.T, leaseSeconds int) (*httptest.Server, *int) {
	t.Helper()
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"auth": map[string]interface{}{
				"client_token":   "test_token",
				"lease_duration": leaseSeconds,
			},
		})
	}))
	return srv, &calls
}

func clientAgainst(t *testing.T, addr string) *Client {
	t.Helper()
	vc := vaultapi.DefaultConfig()
	vc.Address = addr
	underlying, err := vaultapi.NewClient(vc)
	require.NoError(t, err)
	return &Client{
		underlying: underlying,
		approle:    AppRole{RoleID: "test_role_id", SecretID: "test_secret_id"},
		mountRead:  "test_mount_point_read",
		mountWrite: "test_mount_point_write",
	}
}

func TestLogin(t *testing.T) {
	srv, calls := fakeVaultLogin(t, 1000)
	defer srv.Close()
	c := clientAgainst(t, srv.URL)

	require.NoError(t, c.login(context.Background()))

	assert.Equal(t, 1, *calls)
	assert.Equal(t, "test_token", c.token)
	now := time.Now()
	assert.True(t, c.nextRenew.Before(now.Add(1000*time.Second-300*time.Second)))
	assert.True(t, c.nextRenew.After(now.Add(1000*time.Second-301*time.Second)))
}

func TestLoginSkipsWhenRenewStillValid(t *testing.T) {
	srv, calls := fakeVaultLogin(t, 1000)
	defer srv.Close()
	c := clientAgainst(t, srv.URL)
	c.token = "test_token"
	c.nextRenew = time.Now().Add(1000 * time.Second)

	require.NoError(t, c.login(context.Background()))

	assert.Equal(t, 0, *calls)
	assert.Equal(t, "test_token", c.token)
}

// fakeVaultUser serves the read/write endpoints CheckAndUpdateUsernameIfNecessary
// touches: a data read, and on rotation a gen/password plus data+metadata writes.
func fakeVaultUser(t *testing.T, readUsername, readPassword, readVersion, genPassword string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/v1/auth/approle/login":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"auth": map[string]interface{}{"client_token": "test_token", "lease_duration": 1000},
			})
		case r.URL.Path == "/v1/test_mount_point_read/data/test_path" && r.Method == http.MethodGet:
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"data": map[string]interface{}{
					"data":     map[string]interface{}{"username": readUsername, "password": readPassword},
					"metadata": map[string]interface{}{"version": readVersion},
				},
			})
		case r.URL.Path == "/v1/gen/password":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": map[string]interface{}{"value": genPassword}})
		case r.URL.Path == "/v1/test_mount_point_write/data/test_path":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": map[string]interface{}{"version": "5"}})
		case r.URL.Path == "/v1/test_mount_point_write/metadata/test_path":
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func TestCheckAndUpdateUsernameValidName(t *testing.T) {
	srv := fakeVaultUser(t, "test_service_user0003", "test#password1Tert23", "3", "")
	defer srv.Close()
	c := clientAgainst(t, srv.URL)
	c.constraints = PasswordConstraints{Length: 20, Digits: 1, Symbols: 1}

	version, err := c.CheckAndUpdateUsernameIfNecessary(context.Background(), "test_path", "test_service", "test_service_user")
	require.NoError(t, err)
	assert.Equal(t, "3", version)
}

func TestCheckAndUpdateUsernameInvalidPassword(t *testing.T) {
	srv := fakeVaultUser(t, "test_service_user0003", "test_password", "4", "test_p4ssword/1")
	defer srv.Close()
	c := clientAgainst(t, srv.URL)
	c.constraints = PasswordConstraints{Length: 15, Digits: 1, Symbols: 1}

	version, err := c.CheckAndUpdateUsernameIfNecessary(context.Background(), "test_path", "test_service", "test_service_user")
	require.NoError(t, err)
	assert.Equal(t, "5", version)
}

func TestLoginRenewsWhenExpired(t *testing.T) {
	srv, calls := fakeVaultLogin(t, 1000)
	defer srv.Close()
	c := clientAgainst(t, srv.URL)
	c.token = "stale_token"
	c.nextRenew = time.Now().Add(-1000 * time.Second)

	require.NoError(t, c.login(context.Background()))

	assert.Equal(t, 1, *calls)
	assert.Equal(t, "test_token", c.token)
	now := time.Now()
	assert.True(t, c.nextRenew.Before(now.Add(1000*time.Second-300*time.Second)))
	assert.True(t, c.nextRenew.After(now.Add(1000*time.Second-301*time.Second)))
}

func newTestClient() *Client {
	return &Client{
		mountRead:  "read",
		mountWrite: "write",
		constraints: PasswordConstraints{
			Length:  20,
			Digits:  1,
			Symbols: 1,
		},
	}
}

func TestCheckPasswordStrength(t *testing.T) {
	c := newTestClient()

	assert.True(t, c.CheckPasswordStrength("abcdefghijklmnopqr1!"))
	assert.False(t, c.CheckPasswordStrength("short1!"))
	assert.False(t, c.CheckPasswordStrength("aaaaaaaaaaaaaaaaaaaa"))
}

func TestMetadataLatestVersion(t *testing.T) {
	m := &Metadata{Versions: map[string]VersionInfo{
		"1": {},
		"2": {},
		"3": {DeletionTime: "2024-01-01T00:00:00Z"},
	}}
	assert.Equal(t, "2", m.LatestVersion())

	empty := &Metadata{Versions: map[string]VersionInfo{}}
	assert.Equal(t, "", empty.LatestVersion())
}

func TestParseMetadataCustomFields(t *testing.T) {
	data := map[string]interface{}{
		"versions": map[string]interface{}{
			"1": map[string]interface{}{},
			"2": map[string]interface{}{"deletion_time": "2024-01-01T00:00:00Z"},
		},
		"custom_metadata": map[string]interface{}{
			"expiry_date": "2025-01-01",
			"username":    "svc0001",
		},
	}

	m := parseMetadata(data)
	assert.Len(t, m.Versions, 2)
	assert.True(t, m.Versions["2"].Deleted())
	assert.False(t, m.Versions["1"].Deleted())
	assert.Equal(t, "2025-01-01", m.Custom.ExpiryDate)
	assert.Equal(t, "svc0001", m.Custom.Username)
}
