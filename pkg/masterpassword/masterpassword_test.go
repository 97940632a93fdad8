package masterpassword

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeriveIsDeterministic(t *testing.T) {
	m1 := New("vcenter-operator-secret", "hunter2")
	m2 := New("vcenter-operator-secret", "hunter2")

	assert.Equal(t, m1.Derive(Long, "vc-az1-1"), m2.Derive(Long, "vc-az1-1"))
}

func TestDeriveDiffersByScope(t *testing.T) {
	m := New("vcenter-operator-secret", "hunter2")

	assert.NotEqual(t, m.Derive(Long, "vc-az1-1"), m.Derive(Long, "vc-az1-2"))
}

func TestDeriveDiffersByIdentity(t *testing.T) {
	a := New("vcenter-operator-secret", "hunter2")
	b := New("other-secret", "hunter2")

	assert.NotEqual(t, a.Derive(Long, "vc-az1-1"), b.Derive(Long, "vc-az1-1"))
}

func TestDeriveDiffersByPassword(t *testing.T) {
	a := New("vcenter-operator-secret", "hunter2")
	b := New("vcenter-operator-secret", "hunter3")

	assert.NotEqual(t, a.Derive(Long, "vc-az1-1"), b.Derive(Long, "vc-az1-1"))
}

func TestDeriveOutputHasNoPadding(t *testing.T) {
	m := New("vcenter-operator-secret", "hunter2")

	derived := m.Derive(Long, "vc-az1-1")
	assert.NotContains(t, derived, "=")
	assert.NotEmpty(t, derived)
}
