// Package masterpassword implements the deterministic per-identity password
// derivation primitive consumed by the template environment's
// derive-password filter and by the root loop when it establishes a
// per-host vCenter connection password. The algorithm itself is out of
// scope for this operator (spec.md §1); this package only needs to behave
// deterministically for a given (name, masterPassword, host) triple, the
// way the original MasterPassword implementation did.
package masterpassword

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base32"

	"golang.org/x/crypto/pbkdf2"
)

// Strength selects the output character set/length template. "long" mirrors
// the only strength the operator ever requests.
type Strength string

const (
	// Long produces a 52-character derived secret, the strength the
	// operator uses everywhere it derives a password.
	Long Strength = "long"

	iterations = 8192
	keyLen     = 32
)

// MasterPassword derives deterministic, per-scope passwords from a single
// identity and a master secret. Two MasterPassword values constructed from
// the same (name, password) derive identical output for the same scope.
type MasterPassword struct {
	name     string
	password string
}

// New returns a MasterPassword bound to the given identity name and secret.
func New(name, password string) *MasterPassword {
	return &MasterPassword{name: name, password: password}
}

// Derive produces a deterministic secret for the given scope (typically a
// hostname). The same inputs always yield the same output; different scopes
// yield independent secrets even for the same identity.
func (m *MasterPassword) Derive(strength Strength, scope string) string {
	salt := saltFor(m.name, string(strength), scope)
	key := pbkdf2.Key([]byte(m.password), salt, iterations, keyLen, sha256.New)
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(key)
}

func saltFor(parts ...string) []byte {
	mac := hmac.New(sha256.New, []byte("vcenter-operator.masterpassword.v1"))
	for _, p := range parts {
		mac.Write([]byte{0})
		mac.Write([]byte(p))
	}
	return mac.Sum(nil)
}
