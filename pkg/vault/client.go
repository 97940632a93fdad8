// Package vault implements the operator's credential-store client
// (component B): authenticated KV-v2 operations, password generation,
// replication triggering, and the metadata bookkeeping the service-user
// reconciler depends on. It is grounded on the upstream Vault AppRole/KV-v2
// HTTP contract consumed directly through github.com/hashicorp/vault/api,
// the way github.com/sapcc/vcenter-operator's sibling packages lean on a
// thin wrapper around a well-known upstream client rather than hand-rolled
// HTTP.
package vault

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	vaultapi "github.com/hashicorp/vault/api"
	"github.com/pkg/errors"
)

// renewMargin is subtracted from the lease duration to get the next-renew
// deadline (spec.md §4.B: nextRenew = loginTime + leaseDuration - 300s).
const renewMargin = 300 * time.Second

// ErrUnavailable reports a 5xx response from the credential store.
var ErrUnavailable = errors.New("credential store unavailable")

// AppRole holds the AppRole login credentials.
type AppRole struct {
	RoleID   string
	SecretID string
}

// PasswordConstraints bounds generated and accepted passwords.
type PasswordConstraints struct {
	Length  int
	Digits  int
	Symbols int
}

// Secret is the {username, password} pair stored at a KV-v2 data path.
type Secret struct {
	Username string
	Password string
}

// Metadata is the subset of a KV-v2 metadata response the operator reasons
// about: version bookkeeping plus the custom metadata schema consumed by
// § 4.H's vault phase.
type Metadata struct {
	Versions map[string]VersionInfo
	Custom   CustomMetadata
}

// VersionInfo describes one KV-v2 version entry.
type VersionInfo struct {
	DeletionTime string
}

// Deleted reports whether this version has been soft-deleted.
func (v VersionInfo) Deleted() bool { return v.DeletionTime != "" }

// CustomMetadata is the schema the operator writes/reads on every
// service-user credential, per spec.md §6.
type CustomMetadata struct {
	AccessedResource      string
	ApplicationCriticality string
	ExpiryDate            string // YYYY-MM-DD
	Owner                  string
	ReviewDate             string // YYYY-MM-DD
	SupportGroup           string
	Type                   string
	Username               string
	ReplicaDestSecrets     string
}

// Client is a stateful, session-managed credential-store client.
type Client struct {
	underlying  *vaultapi.Client
	approle     AppRole
	mountRead   string
	mountWrite  string
	constraints PasswordConstraints
	dryRun      bool

	token     string
	nextRenew time.Time
}

// Config carries the parameters needed to construct a Client.
type Config struct {
	Address     string
	AppRole     AppRole
	MountRead   string
	MountWrite  string
	Constraints PasswordConstraints
	DryRun      bool
}

// New constructs a credential-store client bound to the given Vault
// address. It does not log in; Login happens lazily on first use.
func New(cfg Config) (*Client, error) {
	vc := vaultapi.DefaultConfig()
	vc.Address = cfg.Address
	underlying, err := vaultapi.NewClient(vc)
	if err != nil {
		return nil, errors.Wrap(err, "constructing credential store client")
	}
	return &Client{
		underlying:  underlying,
		approle:     cfg.AppRole,
		mountRead:   cfg.MountRead,
		mountWrite:  cfg.MountWrite,
		constraints: cfg.Constraints,
		dryRun:      cfg.DryRun,
	}, nil
}

// login authenticates with AppRole if the cached token is missing or about
// to expire, per spec.md §4.B.
func (c *Client) login(ctx context.Context) error {
	if c.token != "" && time.Now().Before(c.nextRenew) {
		return nil
	}

	secret, err := c.underlying.Logical().WriteWithContext(ctx, "auth/approle/login", map[string]interface{}{
		"role_id":   c.approle.RoleID,
		"secret_id": c.approle.SecretID,
	})
	if err != nil {
		if isServerError(err) {
			return ErrUnavailable
		}
		return errors.Wrap(err, "approle login")
	}
	if secret == nil || secret.Auth == nil {
		return errors.New("approle login returned no auth block")
	}

	c.token = secret.Auth.ClientToken
	c.underlying.SetToken(c.token)
	c.nextRenew = time.Now().Add(time.Duration(secret.Auth.LeaseDuration)*time.Second - renewMargin)
	return nil
}

func isServerError(err error) bool {
	var respErr *vaultapi.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode >= 500
	}
	return false
}

// GetSecret reads {username, password} from the read mount. A 404 returns
// (nil, nil) per spec.md §4.B.
func (c *Client) GetSecret(ctx context.Context, path string) (*Secret, error) {
	if err := c.login(ctx); err != nil {
		return nil, err
	}
	s, err := c.underlying.Logical().ReadWithContext(ctx, fmt.Sprintf("%s/data/%s", c.mountRead, path))
	if err != nil {
		if isServerError(err) {
			return nil, ErrUnavailable
		}
		return nil, errors.Wrapf(err, "reading secret %q", path)
	}
	if s == nil {
		return nil, nil
	}
	data, _ := s.Data["data"].(map[string]interface{})
	return &Secret{
		Username: stringField(data, "username"),
		Password: stringField(data, "password"),
	}, nil
}

// GetMetadata reads KV-v2 metadata from either the read or write mount.
func (c *Client) GetMetadata(ctx context.Context, path string, read bool) (*Metadata, error) {
	if err := c.login(ctx); err != nil {
		return nil, err
	}
	mount := c.mountWrite
	if read {
		mount = c.mountRead
	}
	s, err := c.underlying.Logical().ReadWithContext(ctx, fmt.Sprintf("%s/metadata/%s", mount, path))
	if err != nil {
		if isServerError(err) {
			return nil, ErrUnavailable
		}
		return nil, errors.Wrapf(err, "reading metadata %q", path)
	}
	if s == nil {
		return nil, nil
	}
	return parseMetadata(s.Data), nil
}

func parseMetadata(data map[string]interface{}) *Metadata {
	m := &Metadata{Versions: map[string]VersionInfo{}}
	if versions, ok := data["versions"].(map[string]interface{}); ok {
		for v, raw := range versions {
			entry, _ := raw.(map[string]interface{})
			m.Versions[v] = VersionInfo{DeletionTime: stringField(entry, "deletion_time")}
		}
	}
	if custom, ok := data["custom_metadata"].(map[string]interface{}); ok && custom != nil {
		m.Custom = CustomMetadata{
			AccessedResource:       stringField(custom, "accessed_resource"),
			ApplicationCriticality: stringField(custom, "application_criticality"),
			ExpiryDate:             stringField(custom, "expiry_date"),
			Owner:                  stringField(custom, "owner"),
			ReviewDate:             stringField(custom, "review_date"),
			SupportGroup:           stringField(custom, "support_group"),
			Type:                   stringField(custom, "type"),
			Username:               stringField(custom, "username"),
			ReplicaDestSecrets:     stringField(custom, "replica_dest_secrets"),
		}
	}
	return m
}

func stringField(m map[string]interface{}, key string) string {
	if m == nil {
		return ""
	}
	v, _ := m[key].(string)
	return v
}

// LatestVersion returns the highest version number whose metadata lacks a
// deletion_time, or "" if none exist.
func (m *Metadata) LatestVersion() string {
	best := -1
	for v, info := range m.Versions {
		if info.Deleted() {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n <= best {
			continue
		}
		best = n
	}
	if best < 0 {
		return ""
	}
	return strconv.Itoa(best)
}

// CreateServiceUser allocates the next version, generates a password under
// the configured constraints, writes the secret and its metadata, and
// triggers replication. lastVersion, if non-empty, is the highest known
// version; the new version is lastVersion+1 (or "1" if lastVersion is
// empty). Dry-run returns ("1", username, password) without any write,
// matching the original vault.py create_service_user contract.
func (c *Client) CreateServiceUser(ctx context.Context, usernameTemplate, path, service, lastVersion string) (version, username, password string, err error) {
	next := 1
	if lastVersion != "" {
		n, convErr := strconv.Atoi(lastVersion)
		if convErr != nil {
			return "", "", "", errors.Wrapf(convErr, "parsing last version %q", lastVersion)
		}
		next = n + 1
	}
	username = usernameTemplate + fmt.Sprintf("%04d", next)

	password, err = c.GenPassword(ctx)
	if err != nil {
		return "", "", "", err
	}

	if c.dryRun {
		return "1", username, password, nil
	}

	version, err = c.storeServiceUserCredentials(ctx, username, password, path, service)
	if err != nil {
		return "", "", "", err
	}

	if err := c.TriggerReplicate(ctx, path); err != nil {
		return "", "", "", err
	}

	return version, username, password, nil
}

func (c *Client) storeServiceUserCredentials(ctx context.Context, username, password, path, service string) (string, error) {
	if err := c.login(ctx); err != nil {
		return "", err
	}

	s, err := c.underlying.Logical().WriteWithContext(ctx, fmt.Sprintf("%s/data/%s", c.mountWrite, path), map[string]interface{}{
		"data": map[string]interface{}{
			"username": username,
			"password": password,
		},
	})
	if err != nil {
		if isServerError(err) {
			return "", ErrUnavailable
		}
		return "", errors.Wrapf(err, "writing secret %q", path)
	}

	version := "1"
	if s != nil {
		if v, ok := s.Data["version"]; ok {
			version = fmt.Sprintf("%v", v)
		}
	}

	now := time.Now()
	custom := map[string]interface{}{
		"accessed_resource":      service,
		"application_criticality": "high",
		"expiry_date":            now.AddDate(0, 0, 365).Format("2006-01-02"),
		"owner":                  "vcenter-operator",
		"review_date":            now.Format("2006-01-02"),
		"support_group":          "compute-storage-api",
		"type":                   "secret",
		"username":               username,
		"replica_dest_secrets":   fmt.Sprintf("%s, %s", c.mountRead, path),
	}

	_, err = c.underlying.Logical().WriteWithContext(ctx, fmt.Sprintf("%s/metadata/%s", c.mountWrite, path), map[string]interface{}{
		"custom_metadata": custom,
	})
	if err != nil {
		if isServerError(err) {
			return "", ErrUnavailable
		}
		return "", errors.Wrapf(err, "writing metadata %q", path)
	}

	return version, nil
}

// TriggerReplicate asks the credential store to replicate the write-mount
// secret at path to the read mount.
func (c *Client) TriggerReplicate(ctx context.Context, path string) error {
	if err := c.login(ctx); err != nil {
		return err
	}
	_, err := c.underlying.Logical().WriteWithContext(ctx, "gen/replicate", map[string]interface{}{
		"mount": c.mountWrite,
		"path":  path,
	})
	if err != nil {
		if isServerError(err) {
			return ErrUnavailable
		}
		return errors.Wrapf(err, "triggering replication of %q", path)
	}
	return nil
}

// GenPassword requests a password from the credential store's generator
// under the configured length/digit/symbol constraints.
func (c *Client) GenPassword(ctx context.Context) (string, error) {
	if err := c.login(ctx); err != nil {
		return "", err
	}
	s, err := c.underlying.Logical().WriteWithContext(ctx, "gen/password", map[string]interface{}{
		"length":  c.constraints.Length,
		"digits":  c.constraints.Digits,
		"symbols": c.constraints.Symbols,
	})
	if err != nil {
		if isServerError(err) {
			return "", ErrUnavailable
		}
		return "", errors.Wrap(err, "generating password")
	}
	if s == nil {
		return "", errors.New("password generator returned no data")
	}
	return stringField(s.Data, "value"), nil
}

// CheckPasswordStrength verifies a password against the configured
// constraints without making a request.
func (c *Client) CheckPasswordStrength(password string) bool {
	if len(password) != c.constraints.Length {
		return false
	}
	digits, symbols := 0, 0
	for _, r := range password {
		switch {
		case r >= '0' && r <= '9':
			digits++
		case strings.ContainsRune(`!"#$%&'()*+,-./:;<=>?@[\]^_`+"`"+`{|}~`, r):
			symbols++
		}
	}
	return digits >= c.constraints.Digits && symbols >= c.constraints.Symbols
}

// CheckAndUpdateUsernameIfNecessary validates that the current read-side
// username/password still matches the expected template+version shape and
// satisfies the password constraints; if not, it writes a fresh version.
// Returns the version that is now valid.
func (c *Client) CheckAndUpdateUsernameIfNecessary(ctx context.Context, path, service, usernameTemplate string) (string, error) {
	if err := c.login(ctx); err != nil {
		return "", err
	}
	s, err := c.underlying.Logical().ReadWithContext(ctx, fmt.Sprintf("%s/data/%s", c.mountRead, path))
	if err != nil {
		if isServerError(err) {
			return "", ErrUnavailable
		}
		return "", errors.Wrapf(err, "reading secret %q", path)
	}
	if s == nil {
		return "", errors.Errorf("no secret data at %q", path)
	}

	var version string
	if meta, ok := s.Data["metadata"].(map[string]interface{}); ok {
		version = fmt.Sprintf("%v", meta["version"])
	}
	data, _ := s.Data["data"].(map[string]interface{})
	username := stringField(data, "username")
	password := stringField(data, "password")

	if strings.HasPrefix(username, usernameTemplate) {
		suffix := strings.TrimPrefix(username, usernameTemplate)
		if n, convErr := strconv.Atoi(suffix); convErr == nil && strconv.Itoa(n) == version && c.CheckPasswordStrength(password) {
			return version, nil
		}
	}

	n, convErr := strconv.Atoi(version)
	if convErr != nil {
		n = 0
	}
	newUsername := usernameTemplate + fmt.Sprintf("%04d", n+1)
	newPassword, err := c.GenPassword(ctx)
	if err != nil {
		return "", err
	}
	return c.storeServiceUserCredentials(ctx, newUsername, newPassword, path, service)
}

// IsUnavailable reports whether err represents a 5xx credential-store
// response.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
