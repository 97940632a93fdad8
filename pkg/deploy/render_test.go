package deploy

import (
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sapcc/vcenter-operator/pkg/templateenv"
)

type fakeDecls struct {
	decls map[string]*templateenv.ServiceUserDeclaration
}

func (f *fakeDecls) Get(service string) (*templateenv.ServiceUserDeclaration, bool) {
	d, ok := f.decls[service]
	return d, ok
}

func newEnvWithSecretTemplate() *templateenv.Environment {
	env := templateenv.New()
	env.ReplaceAll(map[string]*templateenv.Entry{
		"vcenter_cluster/ns/svc.yaml.j2": {
			Key:             "vcenter_cluster/ns/svc.yaml.j2",
			Scope:           templateenv.ScopeCluster,
			UsesServiceUser: "svc",
			Source: "" +
				"apiVersion: v1\n" +
				"kind: Secret\n" +
				"metadata:\n" +
				"  name: svc-secret\n" +
				"  namespace: ns\n" +
				"stringData:\n" +
				"  version: \"{{ service_user_version }}\"\n" +
				"  username: '{{ username }}'\n",
			Owner: templateenv.OwnerReference{APIVersion: "vcenter-operator.stable.sap.cc/v1alpha1", Kind: "VCenterTemplate", Name: "svc", UID: "uid-1"},
		},
	})
	return env
}

func TestInjectV1ScenarioFromTracker(t *testing.T) {
	env := newEnvWithSecretTemplate()
	decls := &fakeDecls{decls: map[string]*templateenv.ServiceUserDeclaration{
		"svc": {Service: "svc", UsernameTemplate: "svc-"},
	}}
	serviceUsers := map[string][]string{"r/vcenter-operator/svc/vc": {"1"}}
	lastSeen := map[string]map[string]map[string]int64{
		"svc": {"vc": {"1": 1000}},
	}

	state, err := Render(logr.Discard(), env, decls, templateenv.ScopeCluster, map[string]interface{}{}, serviceUsers, lastSeen, "r", "vc", "vc")
	require.NoError(t, err)
	require.Equal(t, 1, state.Len())

	id := state.Keys()[0]
	obj, _ := state.Get(id)
	stringData, _, _ := unstructuredNestedMap(obj.Object, "stringData")
	assert.Equal(t, "1", stringData["version"])
	assert.Contains(t, stringData["username"].(string), "version=1")
}

func TestInjectPrefersNewerVisibleVersion(t *testing.T) {
	env := newEnvWithSecretTemplate()
	decls := &fakeDecls{decls: map[string]*templateenv.ServiceUserDeclaration{
		"svc": {Service: "svc", UsernameTemplate: "svc-"},
	}}
	serviceUsers := map[string][]string{"r/vcenter-operator/svc/vc": {"1", "2"}}
	lastSeen := map[string]map[string]map[string]int64{
		"svc": {"vc": {"1": 1000, "2": 2000}},
	}

	state, err := Render(logr.Discard(), env, decls, templateenv.ScopeCluster, map[string]interface{}{}, serviceUsers, lastSeen, "r", "vc", "vc")
	require.NoError(t, err)
	id := state.Keys()[0]
	obj, _ := state.Get(id)
	stringData, _, _ := unstructuredNestedMap(obj.Object, "stringData")
	assert.Equal(t, "2", stringData["version"])
}

func TestInjectFallsBackWhenNewerMissingFromTracker(t *testing.T) {
	env := newEnvWithSecretTemplate()
	decls := &fakeDecls{decls: map[string]*templateenv.ServiceUserDeclaration{
		"svc": {Service: "svc", UsernameTemplate: "svc-"},
	}}
	serviceUsers := map[string][]string{"r/vcenter-operator/svc/vc": {"1", "2"}}
	lastSeen := map[string]map[string]map[string]int64{
		"svc": {"vc": {"1": 1000}},
	}

	state, err := Render(logr.Discard(), env, decls, templateenv.ScopeCluster, map[string]interface{}{}, serviceUsers, lastSeen, "r", "vc", "vc")
	require.NoError(t, err)
	id := state.Keys()[0]
	obj, _ := state.Get(id)
	stringData, _, _ := unstructuredNestedMap(obj.Object, "stringData")
	assert.Equal(t, "1", stringData["version"])
}

func TestInjectMissingPathAbortsHostTick(t *testing.T) {
	env := newEnvWithSecretTemplate()
	decls := &fakeDecls{decls: map[string]*templateenv.ServiceUserDeclaration{
		"svc": {Service: "svc", UsernameTemplate: "svc-"},
	}}

	_, err := Render(logr.Discard(), env, decls, templateenv.ScopeCluster, map[string]interface{}{}, map[string][]string{}, map[string]map[string]map[string]int64{}, "r", "vc", "vc")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrServiceUserPathNotFound)
}

func TestInjectUnknownServiceIsFatal(t *testing.T) {
	env := newEnvWithSecretTemplate()
	decls := &fakeDecls{decls: map[string]*templateenv.ServiceUserDeclaration{}}

	_, err := Render(logr.Discard(), env, decls, templateenv.ScopeCluster, map[string]interface{}{}, map[string][]string{}, map[string]map[string]map[string]int64{}, "r", "vc", "vc")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrServiceUserNotFound)
}

// unstructuredNestedMap is a tiny local helper so these tests don't need to
// pull in the full unstructured.NestedMap generic-conversion machinery for
// a single string field.
func unstructuredNestedMap(obj map[string]interface{}, field string) (map[string]interface{}, bool, error) {
	v, ok := obj[field]
	if !ok {
		return nil, false, nil
	}
	m, ok := v.(map[string]interface{})
	return m, ok, nil
}
