package nsxtuser

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBuildingBlock(t *testing.T) {
	cases := map[string]string{
		"42":   "bb042",
		"bb42": "bb042",
		"b42":  "bb042",
		"BB42": "bb042",
		"007":  "bb007",
	}
	for in, want := range cases {
		got, err := ParseBuildingBlock(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
}

func TestParseBuildingBlockRejectsGarbage(t *testing.T) {
	for _, bad := range []string{"", "bbx", "productionbb0003", "-1"} {
		_, err := ParseBuildingBlock(bad)
		assert.Error(t, err, bad)
	}
}

func TestHasAllRoles(t *testing.T) {
	u := User{Roles: []string{"enterprise_admin", "network_admin"}}
	assert.True(t, u.HasAllRoles([]string{"enterprise_admin"}))
	assert.True(t, u.HasAllRoles([]string{"enterprise_admin", "network_admin"}))
	assert.False(t, u.HasAllRoles([]string{"enterprise_admin", "auditor"}))
	assert.True(t, u.HasAllRoles(nil))
}

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	return &Client{
		baseURL:  srv.URL,
		user:     "svc_test",
		password: "pw",
		httpc:    srv.Client(),
	}, srv
}

func TestCreateServiceUserSuccess(t *testing.T) {
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "session/create") {
			w.Header().Set("X-XSRF-TOKEN", "tok")
			w.WriteHeader(http.StatusOK)
			return
		}
		assert.Equal(t, "tok", r.Header.Get("X-XSRF-TOKEN"))
		w.WriteHeader(http.StatusCreated)
	})
	defer srv.Close()

	err := c.CreateServiceUser(context.Background(), "svc-user", "pw")
	require.NoError(t, err)
}

func TestCreateServiceUserConflict(t *testing.T) {
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "session/create") {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusConflict)
	})
	defer srv.Close()

	err := c.CreateServiceUser(context.Background(), "svc-user", "pw")
	assert.ErrorIs(t, err, ErrObjectAlreadyExists)
}

func TestGetUserRoleMappingNotFoundWhenNoMatch(t *testing.T) {
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "session/create") {
			w.WriteHeader(http.StatusOK)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"results": []interface{}{}})
	})
	defer srv.Close()

	_, err := c.GetUserRoleMapping(context.Background(), "svc-user")
	assert.ErrorIs(t, err, ErrObjectDoesNotExist)
}

func TestListUsersFiltersByPrefix(t *testing.T) {
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "session/create") {
			w.WriteHeader(http.StatusOK)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"results": []map[string]string{
				{"username": "svc-vcenter-operator-nova"},
				{"username": "root"},
			},
		})
	})
	defer srv.Close()

	users, err := c.ListUsers(context.Background(), "svc-vcenter-operator")
	require.NoError(t, err)
	assert.Equal(t, []string{"svc-vcenter-operator-nova"}, users)
}

func TestReauthenticatesAfterForbidden(t *testing.T) {
	loginCalls := 0
	forbiddenOnce := true
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "session/create") {
			loginCalls++
			w.Header().Set("X-XSRF-TOKEN", "tok")
			w.WriteHeader(http.StatusOK)
			return
		}
		if forbiddenOnce {
			forbiddenOnce = false
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.WriteHeader(http.StatusCreated)
	})
	defer srv.Close()

	err := c.CreateServiceUser(context.Background(), "svc-user", "pw")
	require.ErrorIs(t, err, ErrNotAuthorized)
	assert.Equal(t, 1, loginCalls)

	err = c.CreateServiceUser(context.Background(), "svc-user", "pw")
	require.NoError(t, err)
	assert.Equal(t, 2, loginCalls)
}
