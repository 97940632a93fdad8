package templateenv

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIniEscapeDoublesDollarSigns(t *testing.T) {
	assert.Equal(t, "plain", iniEscape("plain"))
	assert.Equal(t, "a$$b$$$$c", iniEscape("a$b$$c"))
}

func TestListByScopeFiltersAndSorts(t *testing.T) {
	env := New()
	env.ReplaceAll(map[string]*Entry{
		"b": {Key: "b", Scope: ScopeGlobal},
		"a": {Key: "a", Scope: ScopeGlobal},
		"c": {Key: "c", Scope: ScopeCluster},
	})

	global := env.ListByScope(ScopeGlobal)
	require.Len(t, global, 2)
	assert.Equal(t, "a", global[0].Key)
	assert.Equal(t, "b", global[1].Key)

	cluster := env.ListByScope(ScopeCluster)
	require.Len(t, cluster, 1)
	assert.Equal(t, "c", cluster[0].Key)
}

func TestGetReturnsLoadedEntry(t *testing.T) {
	env := New()
	env.ReplaceAll(map[string]*Entry{"x": {Key: "x", Scope: ScopeGlobal}})

	entry, ok := env.Get("x")
	require.True(t, ok)
	assert.Equal(t, ScopeGlobal, entry.Scope)

	_, ok = env.Get("missing")
	assert.False(t, ok)
}

func TestRenderAppliesFiltersAndOptions(t *testing.T) {
	env := New()
	entry := &Entry{
		Key:    "vcenter_global/ns/test.yaml.j2",
		Scope:  ScopeGlobal,
		Source: "value: {{ name|quote }}\nsum: {{ name|sha256sum }}\nb64: {{ name|base64 }}\n",
	}

	out, err := env.Render(entry, map[string]interface{}{"name": "op$1"})
	require.NoError(t, err)

	sum := sha256.Sum256([]byte("op$1"))
	assert.Contains(t, out, `value: "op$$1"`)
	assert.Contains(t, out, "sum: "+hex.EncodeToString(sum[:]))
	assert.Contains(t, out, "b64: "+base64.StdEncoding.EncodeToString([]byte("op$1")))
}

func TestContextGlobalReturnsActiveRenderOptions(t *testing.T) {
	env := New()
	entry := &Entry{
		Key:    "vcenter_global/ns/ctx.yaml.j2",
		Scope:  ScopeGlobal,
		Source: "zone: {{ context().availability_zone }}",
	}

	out, err := env.Render(entry, map[string]interface{}{"availability_zone": "az1"})
	require.NoError(t, err)
	assert.Contains(t, out, "zone: az1")
}

func TestRenderDerivePasswordIsDeterministicForSameIdentity(t *testing.T) {
	env := New()
	entry := &Entry{
		Key:    "vcenter_global/ns/pw.yaml.j2",
		Scope:  ScopeGlobal,
		Source: "{{ username|derive_password:host }}",
	}

	options := map[string]interface{}{
		"username":        "vcenter-operator@vsphere.local",
		"master_password": "hunter2",
		"host":            "vc-az1-1",
	}

	first, err := env.Render(entry, options)
	require.NoError(t, err)
	assert.NotEmpty(t, first)

	second, err := env.Render(entry, options)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}
