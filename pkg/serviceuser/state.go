// Package serviceuser implements component H: the three-party state
// machine reconciling a service's technical-user credential between the
// credential store (component B), vCenter SSO (component C), and NSX-T
// (component D), including rotation on expiry, parallel-version
// coexistence, last-seen tracking driven by workload labels, and bounded
// deletion of stale versions. Grounded end to end on
// _examples/original_source/vcenter_operator/configurator.py's
// `_check_service_user_vault`, `_check_service_user_vcenter`,
// `_check_nsxt_service_user`, and `_check_pods_and_update_service_user_tracker`.
package serviceuser

import (
	"sync"
	"time"
)

// State holds the three pieces of global, cross-tick mutable state spec.md
// §5 names as needing a single coarse lock in a concurrent implementation:
// the path->version-list map, the last-seen tracker, and the per-path
// vault-check throttle. Reconciliation is single-threaded per tick
// (spec.md §5), but a mutex costs nothing and makes the type safe to read
// from the deployment engine's rendering path concurrently with a
// reconciliation in flight, should that ever be introduced.
type State struct {
	mu sync.Mutex

	// serviceUsers is path -> ordered active version list; the last
	// element is the current version (spec.md §3).
	serviceUsers map[string][]string

	// lastSeen is service -> host -> version -> unix seconds, stamped by
	// workload observation and by reconstruction-from-ground-truth
	// (spec.md §3/§4.H).
	lastSeen map[string]map[string]map[string]int64

	// lastVaultCheck throttles the vault phase per path to at most once
	// per vaultCheckInterval (spec.md §4.H/§5).
	lastVaultCheck map[string]time.Time
}

// NewState returns empty tracking state.
func NewState() *State {
	return &State{
		serviceUsers:   map[string][]string{},
		lastSeen:       map[string]map[string]map[string]int64{},
		lastVaultCheck: map[string]time.Time{},
	}
}

// Versions returns a copy of the active version list for path.
func (s *State) Versions(path string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.serviceUsers[path]...)
}

// SetVersions replaces the active version list for path.
func (s *State) SetVersions(path string, versions []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.serviceUsers[path] = append([]string(nil), versions...)
}

// AppendVersion appends version to path's active list.
func (s *State) AppendVersion(path, version string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.serviceUsers[path] = append(s.serviceUsers[path], version)
}

// HasPath reports whether path has ever been seeded into serviceUsers.
func (s *State) HasPath(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.serviceUsers[path]
	return ok
}

// ServiceUsersSnapshot returns a deep copy of the whole path->versions map,
// for the deployment engine's rendering-time injection (spec.md §4.G).
func (s *State) ServiceUsersSnapshot() map[string][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]string, len(s.serviceUsers))
	for k, v := range s.serviceUsers {
		out[k] = append([]string(nil), v...)
	}
	return out
}

// Stamp records that version of service was observed on host at t, per
// spec.md §3's last-seen invariant. Used both by workload observation and
// by ground-truth reconstruction.
func (s *State) Stamp(service, host, version string, t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stampLocked(service, host, version, t)
}

func (s *State) stampLocked(service, host, version string, t time.Time) {
	byHost, ok := s.lastSeen[service]
	if !ok {
		byHost = map[string]map[string]int64{}
		s.lastSeen[service] = byHost
	}
	byVersion, ok := byHost[host]
	if !ok {
		byVersion = map[string]int64{}
		byHost[host] = byVersion
	}
	byVersion[version] = t.Unix()
}

// LastSeen returns the unix timestamp version of service was last seen on
// host, and whether any sighting exists at all.
func (s *State) LastSeen(service, host, version string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.lastSeen[service][host][version]
	return t, ok
}

// EnsureTracked makes sure a (service, host) tracker entry exists, per
// spec.md §4.H's vCenter-phase precondition.
func (s *State) EnsureTracked(service, host string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.lastSeen[service]; !ok {
		s.lastSeen[service] = map[string]map[string]int64{}
	}
	if _, ok := s.lastSeen[service][host]; !ok {
		s.lastSeen[service][host] = map[string]int64{}
	}
}

// VersionsSeenOn returns a copy of the version->timestamp map for
// (service, host).
func (s *State) VersionsSeenOn(service, host string) map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int64, len(s.lastSeen[service][host]))
	for k, v := range s.lastSeen[service][host] {
		out[k] = v
	}
	return out
}

// Forget removes the tracker entry for (service, host, version), called
// once a stale version has been deleted from its target.
func (s *State) Forget(service, host, version string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.lastSeen[service][host], version)
}

// LastSeenSnapshot returns a deep copy of the whole nested tracker, for the
// deployment engine's rendering-time injection.
func (s *State) LastSeenSnapshot() map[string]map[string]map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]map[string]map[string]int64, len(s.lastSeen))
	for service, byHost := range s.lastSeen {
		hostCopy := make(map[string]map[string]int64, len(byHost))
		for host, byVersion := range byHost {
			versionCopy := make(map[string]int64, len(byVersion))
			for v, t := range byVersion {
				versionCopy[v] = t
			}
			hostCopy[host] = versionCopy
		}
		out[service] = hostCopy
	}
	return out
}

// ShouldCheckVault reports whether path's vault phase has gone unchecked
// for at least interval, per spec.md §4.H/§5's per-path throttle. A true
// result marks the path as checked as of now.
func (s *State) ShouldCheckVault(path string, now time.Time, interval time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	last, ok := s.lastVaultCheck[path]
	if ok && now.Sub(last) < interval {
		return false
	}
	s.lastVaultCheck[path] = now
	return true
}
