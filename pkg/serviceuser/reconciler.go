package serviceuser

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"
	"github.com/vmware/govmomi/vim25"

	"github.com/sapcc/vcenter-operator/pkg/constants"
	"github.com/sapcc/vcenter-operator/pkg/nsxtuser"
	"github.com/sapcc/vcenter-operator/pkg/vault"
)

// ErrVaultSecretNotReplicated reports that the read and write mounts are
// out of sync, per spec.md §4.H/§7. Abort-host-tick; also triggers a
// replication request.
var ErrVaultSecretNotReplicated = errors.New("VaultSecretNotReplicated")

// VaultClient is the subset of pkg/vault.Client the reconciler's vault
// phase depends on.
type VaultClient interface {
	GetSecret(ctx context.Context, path string) (*vault.Secret, error)
	GetMetadata(ctx context.Context, path string, read bool) (*vault.Metadata, error)
	CreateServiceUser(ctx context.Context, usernameTemplate, path, service, lastVersion string) (version, username, password string, err error)
	TriggerReplicate(ctx context.Context, path string) error
	CheckAndUpdateUsernameIfNecessary(ctx context.Context, path, service, usernameTemplate string) (string, error)
}

// SSOClient is the subset of pkg/sso.Client the reconciler's vCenter phase
// depends on.
type SSOClient interface {
	ListServiceUsers(ctx context.Context, host string, vimClient *vim25.Client, search string) ([]string, error)
	CheckUsersInGroup(ctx context.Context, host string, vimClient *vim25.Client, username string) (bool, error)
	CreateServiceUser(ctx context.Context, host string, vimClient *vim25.Client, username, password, service string, dryRun bool, logger logr.Logger) error
	AddUserToGroup(ctx context.Context, host string, vimClient *vim25.Client, username string, dryRun bool, logger logr.Logger) error
	DeleteServiceUser(ctx context.Context, host string, vimClient *vim25.Client, username string, dryRun bool, logger logr.Logger) error
}

// NSXTClient is the subset of pkg/nsxtuser.Client the reconciler's NSX-T
// phase depends on.
type NSXTClient interface {
	ListUsers(ctx context.Context, prefix string) ([]string, error)
	GetUserRoleMapping(ctx context.Context, username string) (nsxtuser.User, error)
	AddUserToGroup(ctx context.Context, username, groupName string) error
	CreateServiceUser(ctx context.Context, username, password string) error
	DeleteServiceUser(ctx context.Context, username string) error
}

// Declaration is the service/usernameTemplate pair driving one
// reconciliation, sourced from the service-user loader (component A).
type Declaration struct {
	Service          string
	UsernameTemplate string
}

// Reconciler drives component H against one credential store, one SSO
// client (shared across hosts, session-managed per host internally), and
// per-host/per-building-block NSX-T clients supplied by the caller.
type Reconciler struct {
	Vault              VaultClient
	SSO                SSOClient
	State              *State
	Region             string
	VaultCheckInterval time.Duration
	MaxTimeNotSeen     time.Duration
	DryRun             bool
	Now                func() time.Time
}

func (r *Reconciler) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// ReconcileHost runs the vault and vCenter phases (and, if nsxt is
// non-nil, the NSX-T phase) for every declaration against one vCenter
// host. Errors from any declaration abort the remaining declarations for
// this host, matching spec.md §7's abort-host-tick policy (the caller is
// expected to have already isolated this call at the host boundary).
func (r *Reconciler) ReconcileHost(ctx context.Context, logger logr.Logger, host, vcenterName string, vimClient *vim25.Client, nsxt NSXTClient, decls []Declaration) error {
	for _, decl := range decls {
		path := r.path(decl.Service, vcenterName)

		if r.State.ShouldCheckVault(path, r.now(), r.VaultCheckInterval) {
			if err := r.checkServiceUserVault(ctx, logger, decl, path); err != nil {
				return errors.Wrapf(err, "service %q vault phase", decl.Service)
			}
		}

		if err := r.checkServiceUserVCenter(ctx, logger, decl, path, host, vimClient); err != nil {
			return errors.Wrapf(err, "service %q vcenter phase", decl.Service)
		}

		if nsxt != nil {
			if err := r.checkNSXTServiceUser(ctx, logger, decl, path, nsxt); err != nil {
				return errors.Wrapf(err, "service %q nsxt phase", decl.Service)
			}
		}
	}
	return nil
}

func (r *Reconciler) path(service, vcenterName string) string {
	return fmt.Sprintf("%s/vcenter-operator/%s/%s", r.Region, service, vcenterName)
}

// checkServiceUserVault implements spec.md §4.H.1.
func (r *Reconciler) checkServiceUserVault(ctx context.Context, logger logr.Logger, decl Declaration, path string) error {
	writeMeta, err := r.Vault.GetMetadata(ctx, path, false)
	if err != nil {
		return err
	}
	if writeMeta == nil {
		version, _, _, err := r.Vault.CreateServiceUser(ctx, decl.UsernameTemplate, path, decl.Service, "")
		if err != nil {
			return err
		}
		r.State.SetVersions(path, []string{version})
		return nil
	}

	readMeta, err := r.Vault.GetMetadata(ctx, path, true)
	if err != nil {
		return err
	}
	if readMeta == nil {
		_ = r.Vault.TriggerReplicate(ctx, path)
		return ErrVaultSecretNotReplicated
	}

	latestRead := readMeta.LatestVersion()
	latestWrite := writeMeta.LatestVersion()
	if versionLess(latestRead, latestWrite) {
		_ = r.Vault.TriggerReplicate(ctx, path)
		return ErrVaultSecretNotReplicated
	}

	if isExpiringWithin(writeMeta.Custom.ExpiryDate, constants.DefaultExpiryRotationWindow, r.now()) {
		version, _, _, err := r.Vault.CreateServiceUser(ctx, decl.UsernameTemplate, path, decl.Service, latestWrite)
		if err != nil {
			return err
		}
		r.State.AppendVersion(path, version)
		logger.Info("rotated expiring service user credential", "service", decl.Service, "path", path, "version", version)
		return nil
	}

	if !r.State.HasPath(path) {
		version, err := r.Vault.CheckAndUpdateUsernameIfNecessary(ctx, path, decl.Service, decl.UsernameTemplate)
		if err != nil {
			return err
		}
		r.State.SetVersions(path, []string{version})
		return nil
	}

	versions := r.State.Versions(path)
	current := ""
	if len(versions) > 0 {
		current = versions[len(versions)-1]
	}
	if current != latestRead {
		version, err := r.Vault.CheckAndUpdateUsernameIfNecessary(ctx, path, decl.Service, decl.UsernameTemplate)
		if err != nil {
			return err
		}
		r.State.AppendVersion(path, version)
	}
	return nil
}

// versionLess reports whether a < b as integers, treating "" as -1 (no
// valid version present).
func versionLess(a, b string) bool {
	ai, aerr := strconv.Atoi(a)
	if aerr != nil {
		ai = -1
	}
	bi, berr := strconv.Atoi(b)
	if berr != nil {
		bi = -1
	}
	return ai < bi
}

func isExpiringWithin(expiryDate string, window time.Duration, now time.Time) bool {
	if expiryDate == "" {
		return false
	}
	t, err := time.Parse("2006-01-02", expiryDate)
	if err != nil {
		return false
	}
	return !t.After(now.Add(window))
}

// checkServiceUserVCenter implements spec.md §4.H.2.
func (r *Reconciler) checkServiceUserVCenter(ctx context.Context, logger logr.Logger, decl Declaration, path, host string, vimClient *vim25.Client) error {
	versions := r.State.Versions(path)
	if len(versions) == 0 {
		return nil
	}
	latest := versions[len(versions)-1]
	current := paddedUsername(decl.UsernameTemplate, latest)

	r.State.EnsureTracked(decl.Service, host)

	users, err := r.SSO.ListServiceUsers(ctx, host, vimClient, decl.UsernameTemplate)
	if err != nil {
		return err
	}
	present := map[string]bool{}
	for _, u := range users {
		present[u] = true
	}

	if !present[current] {
		secret, err := r.Vault.GetSecret(ctx, path)
		if err != nil {
			return err
		}
		if secret == nil || secret.Username != current {
			_ = r.Vault.TriggerReplicate(ctx, path)
			return ErrVaultSecretNotReplicated
		}
		if err := r.SSO.CreateServiceUser(ctx, host, vimClient, current, secret.Password, decl.Service, r.DryRun, logger); err != nil {
			return err
		}
		if err := r.SSO.AddUserToGroup(ctx, host, vimClient, current, r.DryRun, logger); err != nil {
			return err
		}
		r.State.Stamp(decl.Service, host, latest, r.now())
	} else {
		inGroup, err := r.SSO.CheckUsersInGroup(ctx, host, vimClient, current)
		if err != nil {
			return err
		}
		if !inGroup {
			if err := r.SSO.AddUserToGroup(ctx, host, vimClient, current, r.DryRun, logger); err != nil {
				return err
			}
		}
	}

	return r.pruneStaleTargetUsers(ctx, logger, decl, host, users, current, func(username string) error {
		return r.SSO.DeleteServiceUser(ctx, host, vimClient, username, r.DryRun, logger)
	})
}

// pruneStaleTargetUsers implements the shared rotate/reconstruct/prune
// shape used by both the vCenter and NSX-T phases (spec.md §4.H.2/§4.H.3):
// for every existing user with the declaration's prefix, seed an unknown
// tracker entry from ground truth, skip the current version and the only
// surviving user on the target, and delete anything unseen for longer than
// maxTimeNotSeen.
func (r *Reconciler) pruneStaleTargetUsers(ctx context.Context, logger logr.Logger, decl Declaration, host string, users []string, current string, del func(username string) error) error {
	for _, username := range users {
		version, ok := versionFromUsername(username, decl.UsernameTemplate)
		if !ok {
			continue
		}
		if _, seen := r.State.LastSeen(decl.Service, host, version); !seen {
			r.State.Stamp(decl.Service, host, version, r.now())
			continue
		}
		if username == current {
			continue
		}
		if len(users) == 1 {
			continue
		}
		lastSeen, _ := r.State.LastSeen(decl.Service, host, version)
		if r.now().Sub(time.Unix(lastSeen, 0)) > r.MaxTimeNotSeen {
			if err := del(username); err != nil {
				return err
			}
			r.State.Forget(decl.Service, host, version)
			logger.Info("deleted stale service user", "service", decl.Service, "host", host, "username", username)
		}
	}
	return nil
}

// checkNSXTServiceUser implements spec.md §4.H.3, reordered per spec.md §9
// so that stale-version deletion runs before a new user is created when
// the two-active-user budget is exhausted (a behavioral clarification of
// the source's racy create-then-log-then-prune sequence).
func (r *Reconciler) checkNSXTServiceUser(ctx context.Context, logger logr.Logger, decl Declaration, path string, client NSXTClient) error {
	versions := r.State.Versions(path)
	if len(versions) == 0 {
		return nil
	}
	latest := versions[len(versions)-1]
	current := paddedUsername(decl.UsernameTemplate, latest)

	const nsxtHost = "nsxt" // NSX-T has no per-vCenter-host identity; tracker keys on the building-block client's own scope.
	r.State.EnsureTracked(decl.Service, nsxtHost)

	users, err := client.ListUsers(ctx, decl.UsernameTemplate)
	if err != nil {
		return err
	}

	if err := r.pruneStaleTargetUsers(ctx, logger, decl, nsxtHost, users, current, func(username string) error {
		return client.DeleteServiceUser(ctx, username)
	}); err != nil {
		return err
	}

	// Re-list after pruning: a deletion may have freed budget for a
	// creation that would otherwise exceed NSXTMaxActiveUsers.
	users, err = client.ListUsers(ctx, decl.UsernameTemplate)
	if err != nil {
		return err
	}
	present := map[string]bool{}
	for _, u := range users {
		present[u] = true
	}

	if present[current] {
		mapping, err := client.GetUserRoleMapping(ctx, current)
		if err != nil {
			return err
		}
		if !mapping.HasAllRoles([]string{constants.AdministratorsGroup}) {
			return client.AddUserToGroup(ctx, current, constants.AdministratorsGroup)
		}
		return nil
	}

	if len(users) >= constants.NSXTMaxActiveUsers {
		logger.Info("NSX-T supports only 2 technical users, budget exhausted after pruning", "service", decl.Service)
		return nil
	}

	secret, err := r.Vault.GetSecret(ctx, path)
	if err != nil {
		return err
	}
	if secret == nil || secret.Username != current {
		_ = r.Vault.TriggerReplicate(ctx, path)
		return ErrVaultSecretNotReplicated
	}

	if r.DryRun {
		logger.Info("dry-run: would create NSX-T service user", "username", current)
		r.State.Stamp(decl.Service, nsxtHost, latest, r.now())
		return nil
	}

	if err := client.CreateServiceUser(ctx, current, secret.Password); err != nil {
		return err
	}
	if err := client.AddUserToGroup(ctx, current, constants.AdministratorsGroup); err != nil {
		return err
	}
	r.State.Stamp(decl.Service, nsxtHost, latest, r.now())
	return nil
}

func paddedUsername(template, version string) string {
	n, err := strconv.Atoi(version)
	if err != nil {
		n = 0
	}
	return fmt.Sprintf("%s%04d", template, n)
}

// versionFromUsername extracts the numeric version suffix from username
// given its declared prefix template, per spec.md §4.H's "derive its
// integer version" step.
func versionFromUsername(username, template string) (string, bool) {
	if len(username) <= len(template) {
		return "", false
	}
	suffix := username[len(template):]
	n, err := strconv.Atoi(suffix)
	if err != nil {
		return "", false
	}
	return strconv.Itoa(n), true
}
