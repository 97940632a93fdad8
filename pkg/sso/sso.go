// Package sso implements component C: a thin client over vCenter's SSO
// admin service for service-user lifecycle operations (list, create,
// delete, group membership). Grounded on
// _examples/original_source/vcenter_operator/vcenter_sso.py, translated
// from its hand-rolled SOAP stub onto govmomi's sts/ssoadmin packages, the
// way pkg/session wraps govmomi/session instead of raw SOAP calls.
package sso

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"
	"github.com/vmware/govmomi/ssoadmin"
	ssotypes "github.com/vmware/govmomi/ssoadmin/types"
	"github.com/vmware/govmomi/sts"
	"github.com/vmware/govmomi/vim25"
	"github.com/vmware/govmomi/vim25/soap"

	"github.com/sapcc/vcenter-operator/pkg/constants"
)

// ErrSkipped is returned when a host is within its backoff window or when
// connecting to it fails, mirroring vcenter_sso.py's SSOSkippedError. A
// call that fails on an established connection drops the cached connection
// and returns that call's own wrapped error, not ErrSkipped.
var ErrSkipped = errors.New("sso: skipped due to backoff")

type entry struct {
	client    *ssoadmin.Client
	retries   int
	lastRetry time.Time
}

// Client manages one SSO admin connection per vCenter host, applying the
// same backoff formula as pkg/session: min(retries, 10) minutes.
type Client struct {
	mu       sync.Mutex
	byHost   map[string]*entry
	domain   string
	username string
	password string
}

// New returns an SSO client authenticating as username/password (the
// technical-tower-user credentials), against constants.SSODomain.
func New(username, password string) *Client {
	return &Client{
		byHost:   map[string]*entry{},
		domain:   constants.SSODomain,
		username: username,
		password: password,
	}
}

// SetCredentials replaces the authentication credentials and drops every
// cached connection, per vcenter_sso.py:set_ad_ttu_credentials.
func (c *Client) SetCredentials(username, password string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.username, c.password = username, password
	c.byHost = map[string]*entry{}
}

func (c *Client) get(ctx context.Context, host string, vimClient *vim25.Client) (*ssoadmin.Client, error) {
	c.mu.Lock()
	e, ok := c.byHost[host]
	if ok && e.retries > 0 {
		wait := time.Duration(minInt(e.retries, constants.MaxRetryBackoffMinutes)) * time.Minute
		if time.Since(e.lastRetry) < wait {
			c.mu.Unlock()
			return nil, ErrSkipped
		}
	}
	c.mu.Unlock()

	if ok && e.client != nil {
		return e.client, nil
	}

	client, err := c.connect(ctx, host, vimClient)
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		next := &entry{lastRetry: time.Now(), retries: 1}
		if prev, ok := c.byHost[host]; ok {
			next.retries = prev.retries + 1
		}
		c.byHost[host] = next
		return nil, errors.Wrap(ErrSkipped, err.Error())
	}
	c.byHost[host] = &entry{client: client, lastRetry: time.Now()}
	return client, nil
}

func (c *Client) connect(ctx context.Context, host string, vimClient *vim25.Client) (*ssoadmin.Client, error) {
	tokens, err := sts.NewClient(ctx, vimClient)
	if err != nil {
		return nil, errors.Wrap(err, "creating STS client")
	}

	req := sts.TokenRequest{
		Userinfo:    url.UserPassword(c.username, c.password),
		Renewable:   true,
		Delegatable: true,
	}
	signer, err := tokens.Issue(ctx, req)
	if err != nil {
		return nil, errors.Wrap(err, "issuing bearer SAML token")
	}

	admin, err := ssoadmin.NewClient(ctx, vimClient)
	if err != nil {
		return nil, errors.Wrap(err, "creating SSO admin client")
	}
	header := admin.WithHeader(ctx, soap.Header{Security: signer})
	if err := admin.Login(header); err != nil {
		return nil, errors.Wrap(err, "logging in to SSO admin service")
	}
	return admin, nil
}

// drop discards the cached connection for host without touching its retry
// counter, used after an in-flight call fails so the next attempt
// reconnects, mirroring the source's `del self.sso_admin_instances[host]`.
func (c *Client) drop(host string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.byHost[host]; ok {
		e.client = nil
	}
}

// ListServiceUsers returns every local user whose name contains search.
func (c *Client) ListServiceUsers(ctx context.Context, host string, vimClient *vim25.Client, search string) ([]string, error) {
	admin, err := c.get(ctx, host, vimClient)
	if err != nil {
		return nil, err
	}
	users, err := admin.FindPersonUsers(ctx, search)
	if err != nil {
		c.drop(host)
		return nil, errors.Wrap(err, "listing service users")
	}
	names := make([]string, 0, len(users))
	for _, u := range users {
		names = append(names, u.Id.Name)
	}
	return names, nil
}

// CheckUsersInGroup reports whether username is a member of the
// Administrators group. Mirrors vcenter_sso.py:check_users_in_group, which
// re-derives the group by searching FindGroups before listing its members,
// rather than trusting the constant name to resolve on its own.
func (c *Client) CheckUsersInGroup(ctx context.Context, host string, vimClient *vim25.Client, username string) (bool, error) {
	admin, err := c.get(ctx, host, vimClient)
	if err != nil {
		return false, err
	}
	groups, err := admin.FindGroups(ctx, constants.AdministratorsGroup)
	if err != nil {
		c.drop(host)
		return false, errors.Wrap(err, "looking up Administrators group")
	}
	found := false
	for _, g := range groups {
		if g.Id.Name == constants.AdministratorsGroup {
			found = true
			break
		}
	}
	if !found {
		return false, errors.Errorf("group %q not found in vCenter %s", constants.AdministratorsGroup, host)
	}
	members, err := admin.FindUsersInGroup(ctx, constants.AdministratorsGroup, username)
	if err != nil {
		c.drop(host)
		return false, errors.Wrap(err, "checking group membership")
	}
	for _, m := range members {
		if m.Id.Name == username {
			return true, nil
		}
	}
	return false, nil
}

// CreateServiceUser creates a local SSO user for service, no-op under dry
// run.
func (c *Client) CreateServiceUser(ctx context.Context, host string, vimClient *vim25.Client, username, password, service string, dryRun bool, logger logr.Logger) error {
	admin, err := c.get(ctx, host, vimClient)
	if err != nil {
		return err
	}
	if dryRun {
		logger.Info("dry-run: would create SSO service user", "host", host, "username", username)
		return nil
	}
	description := fmt.Sprintf("Service-user for service %s", service)
	if err := admin.CreatePersonUser(ctx, username, ssotypes.AdminPersonDetails{Description: description}, password); err != nil {
		c.drop(host)
		return errors.Wrapf(err, "creating service user %q", username)
	}
	return nil
}

// AddUserToGroup adds username to the Administrators group, no-op under
// dry run.
func (c *Client) AddUserToGroup(ctx context.Context, host string, vimClient *vim25.Client, username string, dryRun bool, logger logr.Logger) error {
	admin, err := c.get(ctx, host, vimClient)
	if err != nil {
		return err
	}
	users, err := admin.FindPersonUsers(ctx, username)
	if err != nil || len(users) != 1 || users[0].Id.Name != username {
		c.drop(host)
		return errors.Errorf("user %q not found in vCenter %s", username, host)
	}
	if dryRun {
		logger.Info("dry-run: would add service user to Administrators group", "host", host, "username", username)
		return nil
	}
	if err := admin.AddUsersToGroup(ctx, constants.AdministratorsGroup, users[0].Id); err != nil {
		c.drop(host)
		return errors.Wrapf(err, "adding %q to Administrators group", username)
	}
	return nil
}

// DeleteServiceUser deletes a local SSO user, no-op under dry run. Every
// DeletePrincipal error, including not-found, is returned to the caller.
func (c *Client) DeleteServiceUser(ctx context.Context, host string, vimClient *vim25.Client, username string, dryRun bool, logger logr.Logger) error {
	admin, err := c.get(ctx, host, vimClient)
	if err != nil {
		return err
	}
	if dryRun {
		logger.Info("dry-run: would delete SSO service user", "host", host, "username", username)
		return nil
	}
	if err := admin.DeletePrincipal(ctx, username); err != nil {
		c.drop(host)
		return errors.Wrapf(err, "deleting service user %q", username)
	}
	return nil
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
