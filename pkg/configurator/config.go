// Package configurator implements components I and J: the one-shot
// startup bootstrap that resolves orchestrator access, region/domain, and
// the operator secret (component J), and the root reconciliation loop
// that drives discovery -> inventory -> service-user reconciliation ->
// rendering/apply every tick, isolating failures at the host boundary
// (component I). Grounded on
// _examples/original_source/vcenter_operator/cmd.py (bootstrap) and
// configurator.py (the tick loop, `poll`/`poll_config`).
package configurator

import (
	"context"
	"encoding/json"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/sapcc/vcenter-operator/pkg/constants"
	"github.com/sapcc/vcenter-operator/pkg/vault"
)

// VaultSettings mirrors the optional credential-store configuration the
// operator secret may carry, per spec.md §3/§6.
type VaultSettings struct {
	URL         string
	MountRead   string
	MountWrite  string
	RoleID      string
	SecretID    string
	Constraints vault.PasswordConstraints
}

// Config is the process-wide configuration refreshed each tick from the
// operator secret, per spec.md §3. Credentials are held only in memory;
// the operator never persists them to disk itself.
type Config struct {
	Domain    string
	Region    string
	Namespace string
	InCluster bool

	MasterPassword string

	ManageServiceUserPasswords bool
	MaxTimeNotSeen             time.Duration
	VaultCheckInterval         time.Duration

	Vault *VaultSettings

	ADUsername string
	ADPassword string

	// Extra carries every remaining operator-secret key, parsed as JSON
	// when possible and as a raw string otherwise, per spec.md §6.
	Extra map[string]interface{}

	DryRun bool
}

// ErrInvalidStartupConfig marks a configuration error that must terminate
// the process at startup, per spec.md §7 ("only startup configuration
// errors ... terminate the process").
var ErrInvalidStartupConfig = errors.New("invalid startup configuration")

// ResolveDomain determines the operator's search domain: the
// SERVICE_DOMAIN environment variable takes precedence (spec.md §6); in
// its absence, the in-cluster resolver search path is read from
// /etc/resolv.conf, matching cmd.py's incluster fallback.
func ResolveDomain() (string, error) {
	if d := os.Getenv("SERVICE_DOMAIN"); d != "" {
		return d, nil
	}

	data, err := os.ReadFile("/etc/resolv.conf")
	if err != nil {
		return "", errors.Wrap(err, "resolving domain from /etc/resolv.conf")
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 2 && fields[0] == "search" {
			return fields[len(fields)-1], nil
		}
	}
	return "", errors.Wrap(ErrInvalidStartupConfig, "no search domain found in /etc/resolv.conf")
}

// RegionFromDomain extracts the region component out of a domain of the
// form "cc.{region}.cloud.sap", per
// _examples/original_source/vcenter_operator/cmd.py's inverse
// construction ("cc.{}.cloud.sap".format(region)).
func RegionFromDomain(domain string) (string, error) {
	parts := strings.Split(domain, ".")
	if len(parts) < 3 || parts[0] != "cc" {
		return "", errors.Wrapf(ErrInvalidStartupConfig, "cannot resolve region from domain %q", domain)
	}
	return parts[1], nil
}

// InClusterNamespace reads the namespace the operator's own pod runs in.
func InClusterNamespace() (string, error) {
	data, err := os.ReadFile("/var/run/secrets/kubernetes.io/serviceaccount/namespace")
	if err != nil {
		return "", errors.Wrap(err, "reading in-cluster namespace")
	}
	return strings.TrimSpace(string(data)), nil
}

// LoadConfig reads the operator secret (component J) from namespace and
// decodes it per spec.md §6's schema: known keys are typed fields,
// everything else is loaded into Extra as JSON when parseable, else as a
// raw string. A missing or non-numeric positive password-constraint triple
// that is entirely zero is a hard startup error.
func LoadConfig(ctx context.Context, c client.Client, namespace, domain, region string, dryRun bool) (*Config, error) {
	var secret corev1.Secret
	key := types.NamespacedName{Namespace: namespace, Name: constants.OperatorSecretName}
	if err := c.Get(ctx, key, &secret); err != nil {
		if apierrors.IsNotFound(err) {
			return nil, errors.Wrapf(ErrInvalidStartupConfig, "operator secret %s/%s not found", namespace, constants.OperatorSecretName)
		}
		return nil, errors.Wrap(err, "reading operator secret")
	}

	cfg := &Config{
		Domain:             domain,
		Region:             region,
		Namespace:          namespace,
		MaxTimeNotSeen:     constants.DefaultMaxTimeNotSeen,
		VaultCheckInterval: constants.DefaultVaultCheckInterval,
		Extra:              map[string]interface{}{},
		DryRun:             dryRun,
	}

	get := func(k string) (string, bool) {
		v, ok := secret.Data[k]
		if !ok {
			return "", false
		}
		return string(v), true
	}

	password, ok := get("password")
	if !ok || password == "" {
		return nil, errors.Wrap(ErrInvalidStartupConfig, "operator secret missing required key \"password\"")
	}
	cfg.MasterPassword = password

	if v, ok := get("manage_service_user_passwords"); ok {
		cfg.ManageServiceUserPasswords = v == "true"
	}
	if v, ok := get("max_time_not_seen"); ok {
		secs, err := strconv.Atoi(v)
		if err != nil {
			return nil, errors.Wrapf(ErrInvalidStartupConfig, "max_time_not_seen %q is not an integer", v)
		}
		cfg.MaxTimeNotSeen = time.Duration(secs) * time.Second
	}
	if v, ok := get("vault_check_interval"); ok {
		secs, err := strconv.Atoi(v)
		if err != nil {
			return nil, errors.Wrapf(ErrInvalidStartupConfig, "vault_check_interval %q is not an integer", v)
		}
		cfg.VaultCheckInterval = time.Duration(secs) * time.Second
	}
	cfg.ADUsername, _ = get("ad_ttu_username")
	cfg.ADPassword, _ = get("ad_ttu_password")

	if err := loadVaultSettings(cfg, get); err != nil {
		return nil, err
	}

	known := map[string]bool{
		"password": true, "manage_service_user_passwords": true, "max_time_not_seen": true,
		"vault_check_interval": true, "password_length": true, "password_digits": true,
		"password_symbols": true, "vault_url": true, "mount_point_read": true,
		"mount_point_write": true, "role_id": true, "secret_id": true,
		"ad_ttu_username": true, "ad_ttu_password": true, "active_directory": true,
	}
	for k, v := range secret.Data {
		if known[k] {
			continue
		}
		var parsed interface{}
		if err := json.Unmarshal(v, &parsed); err == nil {
			cfg.Extra[k] = parsed
		} else {
			cfg.Extra[k] = string(v)
		}
	}

	return cfg, nil
}

// RefreshConfig re-reads the operator secret into cfg in place, per
// spec.md §4.I ("refresh global config" every tick). Domain/Region/
// Namespace/DryRun are fixed at startup (component J) and are left
// untouched.
func RefreshConfig(ctx context.Context, c client.Client, cfg *Config) error {
	next, err := LoadConfig(ctx, c, cfg.Namespace, cfg.Domain, cfg.Region, cfg.DryRun)
	if err != nil {
		return err
	}
	next.InCluster = cfg.InCluster
	*cfg = *next
	return nil
}

func loadVaultSettings(cfg *Config, get func(string) (string, bool)) error {
	url, hasURL := get("vault_url")
	if !hasURL {
		return nil
	}

	length, lok := get("password_length")
	digits, dok := get("password_digits")
	symbols, sok := get("password_symbols")

	constraints := vault.PasswordConstraints{}
	var err error
	if lok {
		if constraints.Length, err = strconv.Atoi(length); err != nil {
			return errors.Wrapf(ErrInvalidStartupConfig, "password_length %q is not an integer", length)
		}
	}
	if dok {
		if constraints.Digits, err = strconv.Atoi(digits); err != nil {
			return errors.Wrapf(ErrInvalidStartupConfig, "password_digits %q is not an integer", digits)
		}
	}
	if sok {
		if constraints.Symbols, err = strconv.Atoi(symbols); err != nil {
			return errors.Wrapf(ErrInvalidStartupConfig, "password_symbols %q is not an integer", symbols)
		}
	}
	if constraints.Length == 0 && constraints.Digits == 0 && constraints.Symbols == 0 {
		return errors.Wrap(ErrInvalidStartupConfig, "password_length/password_digits/password_symbols are all zero")
	}

	mountRead, _ := get("mount_point_read")
	mountWrite, _ := get("mount_point_write")
	roleID, _ := get("role_id")
	secretID, _ := get("secret_id")

	cfg.Vault = &VaultSettings{
		URL:         url,
		MountRead:   mountRead,
		MountWrite:  mountWrite,
		RoleID:      roleID,
		SecretID:    secretID,
		Constraints: constraints,
	}
	return nil
}
