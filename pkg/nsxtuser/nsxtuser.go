// Package nsxtuser implements component D: a client for the NSX-T Manager
// node-local-user and role-binding endpoints used to provision per-building-
// block service users. Grounded on
// _examples/original_source/vcenter_operator/nsxt_user_manager.py for the
// operations and status-code mapping, and on the teacher's pkg/nsxt/nsxt.go
// for the idiom: NSX-T's node-local-user API isn't covered by
// github.com/vmware/go-vmware-nsxt (that client targets the policy/infra
// API, not node/users and aaa/role-bindings), so this talks to it directly
// over net/http the same way pkg/nsxt/nsxt.go's sibling load-balancer
// client would if it needed an uncovered endpoint.
package nsxtuser

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

var (
	// ErrNotAuthorized maps NSX-T's 403 responses.
	ErrNotAuthorized = errors.New("nsxtuser: not authorized")
	// ErrObjectAlreadyExists maps NSX-T's 409 responses on create.
	ErrObjectAlreadyExists = errors.New("nsxtuser: object already exists")
	// ErrObjectDoesNotExist maps NSX-T's 404 responses.
	ErrObjectDoesNotExist = errors.New("nsxtuser: object does not exist")

	buildingBlockMatch = regexp.MustCompile(`^b?b?(?P<num>\d+)$`)
)

// ParseBuildingBlock normalizes a building-block identifier ("42", "bb42",
// "b42") to its zero-padded canonical form "bb042", per
// nsxt_user_manager.py:parse_buildingblock.
func ParseBuildingBlock(bb string) (string, error) {
	m := buildingBlockMatch.FindStringSubmatch(strings.ToLower(bb))
	if m == nil {
		return "", errors.Errorf("%q is not a valid building block", bb)
	}
	num, err := strconv.Atoi(m[1])
	if err != nil {
		return "", errors.Errorf("%q is not a valid building block", bb)
	}
	return fmt.Sprintf("bb%03d", num), nil
}

// User is a node-local NSX-T user with its assigned roles, per
// nsxt_user_manager.py's User class.
type User struct {
	Name  string
	ID    string
	Roles []string
}

// HasAllRoles reports whether u holds every role in expected.
func (u User) HasAllRoles(expected []string) bool {
	have := map[string]bool{}
	for _, r := range u.Roles {
		have[r] = true
	}
	for _, r := range expected {
		if !have[r] {
			return false
		}
	}
	return true
}

// Client is a session-authenticated client for one NSX-T Manager endpoint,
// identified by its building block and region.
type Client struct {
	baseURL  string
	user     string
	password string
	httpc    *http.Client

	mu       sync.Mutex
	xsrf     string
	loggedIn bool
}

// New returns a client targeting the NSX-T manager for buildingBlock in
// region, per nsxt_user_manager.py:gen_fullpath
// ("https://nsx-ctl-{bb}.cc.{region}.cloud.sap").
func New(buildingBlock, region, user, password string, insecureSkipVerify bool) (*Client, error) {
	bb, err := ParseBuildingBlock(buildingBlock)
	if err != nil {
		return nil, err
	}
	return &Client{
		baseURL:  fmt.Sprintf("https://nsx-ctl-%s.cc.%s.cloud.sap", bb, region),
		user:     user,
		password: password,
		httpc: &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: insecureSkipVerify}, //nolint:gosec
			},
		},
	}, nil
}

func (c *Client) url(subpath string) string {
	return c.baseURL + "/" + strings.TrimPrefix(subpath, "/")
}

// connect logs in and captures the XSRF token, per
// nsxt_user_manager.py:NsxtLoginHelper.connect.
func (c *Client) connect(ctx context.Context) error {
	form := url.Values{"j_username": {c.user}, "j_password": {c.password}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url("api/session/create"), strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return errors.Wrap(err, "connecting to NSX-T manager")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return ErrNotAuthorized
	}

	c.mu.Lock()
	c.xsrf = resp.Header.Get("X-XSRF-TOKEN")
	c.loggedIn = true
	c.mu.Unlock()
	return nil
}

func (c *Client) ensureSession(ctx context.Context) error {
	c.mu.Lock()
	loggedIn := c.loggedIn
	c.mu.Unlock()
	if loggedIn {
		return nil
	}
	return c.connect(ctx)
}

func (c *Client) do(ctx context.Context, method, subpath string, query url.Values, body interface{}) (*http.Response, error) {
	if err := c.ensureSession(ctx); err != nil {
		return nil, err
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(payload)
	}

	u := c.url(subpath)
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.mu.Lock()
	xsrf := c.xsrf
	c.mu.Unlock()
	if xsrf != "" {
		req.Header.Set("X-XSRF-TOKEN", xsrf)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "calling NSX-T manager")
	}
	if resp.StatusCode == http.StatusForbidden {
		c.mu.Lock()
		c.loggedIn = false
		c.mu.Unlock()
		resp.Body.Close()
		return nil, ErrNotAuthorized
	}
	return resp, nil
}

type roleForPath struct {
	Role string `json:"role"`
}

type rolesForPath struct {
	Path  string        `json:"path"`
	Roles []roleForPath `json:"roles"`
}

type roleBinding struct {
	Name              string         `json:"name"`
	ReadRolesForPaths bool           `json:"read_roles_for_paths"`
	Type              string         `json:"type"`
	RolesForPaths     []rolesForPath `json:"roles_for_paths"`
}

type roleBindingResult struct {
	Name   string `json:"name"`
	UserID string `json:"user_id"`
	Roles  []struct {
		Role string `json:"role"`
	} `json:"roles"`
}

type listResponse struct {
	Results json.RawMessage `json:"results"`
}

// GetUserRoleMapping fetches the role-binding entry for the given username,
// returning ErrObjectDoesNotExist if exactly one match isn't found, per
// nsxt_user_manager.py:get_user_role_mapping.
func (c *Client) GetUserRoleMapping(ctx context.Context, username string) (User, error) {
	resp, err := c.do(ctx, http.MethodGet, "api/v1/aaa/role-bindings", url.Values{"name": {username}}, nil)
	if err != nil {
		return User{}, err
	}
	defer resp.Body.Close()

	var results []roleBindingResult
	if err := decodeResults(resp, &results); err != nil {
		return User{}, err
	}
	if len(results) != 1 {
		return User{}, ErrObjectDoesNotExist
	}

	roles := make([]string, 0, len(results[0].Roles))
	for _, r := range results[0].Roles {
		roles = append(roles, r.Role)
	}
	return User{Name: results[0].Name, ID: results[0].UserID, Roles: roles}, nil
}

// ListUsers returns node-local users whose username contains prefix.
func (c *Client) ListUsers(ctx context.Context, prefix string) ([]string, error) {
	resp, err := c.do(ctx, http.MethodGet, "api/v1/node/users", nil, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var users []struct {
		Username string `json:"username"`
	}
	if err := decodeResults(resp, &users); err != nil {
		return nil, err
	}

	var matching []string
	for _, u := range users {
		if prefix == "" || strings.Contains(u.Username, prefix) {
			matching = append(matching, u.Username)
		}
	}
	return matching, nil
}

// RoleExists checks that roleName is a known NSX-T role.
func (c *Client) RoleExists(ctx context.Context, roleName string) (bool, error) {
	resp, err := c.do(ctx, http.MethodGet, "api/v1/aaa/roles/"+url.PathEscape(roleName), nil, nil)
	if err != nil {
		if errors.Is(err, ErrObjectDoesNotExist) {
			return false, nil
		}
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	return true, nil
}

// AddUserToGroup assigns groupName as a root-path role to username, a
// no-op if the user already holds it, per
// nsxt_user_manager.py:add_user_to_group.
func (c *Client) AddUserToGroup(ctx context.Context, username, groupName string) error {
	if exists, err := c.RoleExists(ctx, groupName); err != nil {
		return err
	} else if !exists {
		return errors.Wrapf(ErrObjectDoesNotExist, "role %q", groupName)
	}

	user, err := c.GetUserRoleMapping(ctx, username)
	if err != nil {
		return err
	}
	if user.HasAllRoles([]string{groupName}) {
		return nil
	}

	body := roleBinding{
		Name:              user.Name,
		ReadRolesForPaths: true,
		Type:              "local_user",
		RolesForPaths: []rolesForPath{{
			Path:  "/",
			Roles: []roleForPath{{Role: groupName}},
		}},
	}

	resp, err := c.do(ctx, http.MethodPost, "api/v1/aaa/role-bindings", nil, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return statusToError(resp.StatusCode)
}

// CreateServiceUser creates a node-local user with password-rotation
// disabled (rotation is owned by this operator, not NSX-T), per
// nsxt_user_manager.py:create_service_user.
func (c *Client) CreateServiceUser(ctx context.Context, username, password string) error {
	body := map[string]interface{}{
		"full_name":                 username,
		"username":                  username,
		"password":                  password,
		"password_change_frequency": 0,
		"status":                    "ACTIVE",
	}
	resp, err := c.do(ctx, http.MethodPost, "api/v1/node/users", url.Values{"action": {"create_user"}}, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return statusToError(resp.StatusCode)
}

// DeleteServiceUser deletes the node-local user by looking up its ID first,
// per nsxt_user_manager.py:delete_service_user.
func (c *Client) DeleteServiceUser(ctx context.Context, username string) error {
	user, err := c.GetUserRoleMapping(ctx, username)
	if err != nil {
		return err
	}
	resp, err := c.do(ctx, http.MethodDelete, "api/v1/node/users/"+url.PathEscape(user.ID), nil, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	return statusToError(resp.StatusCode)
}

func statusToError(status int) error {
	switch status {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent:
		return nil
	case http.StatusForbidden:
		return ErrNotAuthorized
	case http.StatusConflict:
		return ErrObjectAlreadyExists
	case http.StatusNotFound:
		return ErrObjectDoesNotExist
	default:
		return errors.Errorf("unexpected NSX-T manager response: %d", status)
	}
}

func decodeResults(resp *http.Response, out interface{}) error {
	if resp.StatusCode == http.StatusNotFound {
		return ErrObjectDoesNotExist
	}
	if resp.StatusCode != http.StatusOK {
		return statusToError(resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var wrapper listResponse
	if err := json.Unmarshal(raw, &wrapper); err == nil && len(wrapper.Results) > 0 {
		return json.Unmarshal(wrapper.Results, out)
	}
	return json.Unmarshal(raw, out)
}
