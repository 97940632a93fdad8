// Package constants collects the default tunables referenced across the
// operator so that a single file documents every magic number.
package constants

import "time"

const (
	// DefaultTickInterval is the nominal period of the root reconciliation loop.
	DefaultTickInterval = 10 * time.Second

	// DefaultVaultCheckInterval throttles how often a given credential-store
	// path is re-examined by the service-user reconciler.
	DefaultVaultCheckInterval = 60 * time.Second

	// DefaultMaxTimeNotSeen is how long a non-current service-user version may
	// go unobserved on a workload before it becomes a deletion candidate.
	DefaultMaxTimeNotSeen = 24 * time.Hour

	// DefaultExpiryRotationWindow is how far in advance of a credential's
	// expiry date the operator proactively rotates it.
	DefaultExpiryRotationWindow = 90 * 24 * time.Hour

	// DefaultCredentialValidityDays is the lifetime stamped onto a freshly
	// created service-user credential's expiry_date.
	DefaultCredentialValidityDays = 365

	// MaxRetryBackoffMinutes caps the linear host-connection backoff
	// (one minute per recorded failure).
	MaxRetryBackoffMinutes = 10

	// NSXTMaxActiveUsers is the number of local technical users the NSX-T
	// manager node supports concurrently for a given template prefix.
	NSXTMaxActiveUsers = 2

	// FieldManager is the field manager name used for server-side apply.
	FieldManager = "vcenter-operator"

	// OperatorSecretName is the name of the operator's own config Secret.
	OperatorSecretName = "vcenter-operator"

	// SSODomain is the vSphere SSO domain all derived local users live in.
	SSODomain = "vsphere.local"

	// AdministratorsGroup is the vCenter SSO group service-users are added to.
	AdministratorsGroup = "Administrators"
)
