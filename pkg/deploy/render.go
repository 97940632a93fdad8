package deploy

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/types"
	utilyaml "k8s.io/apimachinery/pkg/util/yaml"
	"sigs.k8s.io/yaml"

	"github.com/sapcc/vcenter-operator/pkg/templateenv"
)

// ErrServiceUserNotFound reports that a template's uses-service-user names
// a service with no loaded VCenterServiceUser declaration, per spec.md
// §4.G. This is fatal to the tick (operator misconfiguration), not merely
// an abort-host-tick condition.
var ErrServiceUserNotFound = errors.New("ServiceUserNotFound")

// ErrServiceUserPathNotFound reports that service_users has no entry for
// the path a template demands, or that no version in that entry is visible
// in the last-seen tracker. Abort-host-tick, per spec.md §4.G/§7.
var ErrServiceUserPathNotFound = errors.New("ServiceUserPathNotFound")

// ServiceUserDeclarations is the capability the rendering path needs from
// the service-user loader: resolving a service name to its username
// prefix template.
type ServiceUserDeclarations interface {
	Get(service string) (*templateenv.ServiceUserDeclaration, bool)
}

// Render iterates every template entry registered for scope, injects
// service-user credentials where a template demands them, renders, parses
// the resulting multi-document YAML stream, and stamps each document with
// the template's owner reference, per spec.md §4.G.
//
// serviceUsers is the path->version-list map (spec.md §3's "service-user
// version list"); lastSeen is the nested service/host/version tracker
// (spec.md §3's "last-seen tracker"); both are read-only from this
// function's perspective. region and vcenterName parameterize the
// credential path template spec.md §4.G names:
// "{region}/vcenter-operator/{service}/{vcenterName}".
func Render(
	logger logr.Logger,
	env *templateenv.Environment,
	decls ServiceUserDeclarations,
	scope templateenv.Scope,
	options map[string]interface{},
	serviceUsers map[string][]string,
	lastSeen map[string]map[string]map[string]int64,
	region, vcenterName, host string,
) (*State, error) {
	state := NewState()

	for _, entry := range env.ListByScope(scope) {
		renderOptions := options
		if entry.UsesServiceUser != "" {
			injected, err := injectServiceUser(decls, entry.UsesServiceUser, options, serviceUsers, lastSeen, region, vcenterName)
			if err != nil {
				return nil, err
			}
			renderOptions = injected
		}

		out, err := env.Render(entry, renderOptions)
		if err != nil {
			return nil, errors.Wrapf(err, "rendering template %q", entry.Key)
		}

		if err := parseInto(logger, state, out, entry.Owner); err != nil {
			return nil, errors.Wrapf(err, "parsing rendered output of %q", entry.Key)
		}
	}

	return state, nil
}

// injectServiceUser implements spec.md §4.G's rendering-time helper: it
// returns a copy of options with service_user_version/username/password
// set for the picked version, without mutating the caller's map (so a
// later template in the same render pass starts from a clean base, which
// is the same net effect as injecting-then-stripping a shared map but
// without the aliasing hazard of the source's global options dict).
func injectServiceUser(
	decls ServiceUserDeclarations,
	service string,
	options map[string]interface{},
	serviceUsers map[string][]string,
	lastSeen map[string]map[string]map[string]int64,
	region, vcenterName string,
) (map[string]interface{}, error) {
	decl, ok := decls.Get(service)
	if !ok {
		return nil, errors.Wrapf(ErrServiceUserNotFound, "service %q", service)
	}

	path := fmt.Sprintf("%s/vcenter-operator/%s/%s", region, service, vcenterName)
	versions, ok := serviceUsers[path]
	if !ok || len(versions) == 0 {
		return nil, errors.Wrapf(ErrServiceUserPathNotFound, "path %q", path)
	}

	seenForService := lastSeen[service][vcenterName]
	version := ""
	for i := len(versions) - 1; i >= 0; i-- {
		if _, seen := seenForService[versions[i]]; seen {
			version = versions[i]
			break
		}
	}
	if version == "" {
		return nil, errors.Wrapf(ErrServiceUserPathNotFound, "no visible version for path %q", path)
	}

	_ = decl // declaration's existence is the check; its template is vault ground truth, not rendered here

	out := make(map[string]interface{}, len(options)+3)
	for k, v := range options {
		out[k] = v
	}
	out["service_user_version"] = version
	out["username"] = fmt.Sprintf(`{{ resolve "vault+kvv2:///secrets/%s/username?version=%s" }}@vsphere.local`, path, version)
	out["password"] = fmt.Sprintf(`{{ resolve "vault+kvv2:///secrets/%s/password?version=%s" }}`, path, version)
	return out, nil
}

// parseInto splits a rendered multi-document YAML stream, converts each
// document to an unstructured object, stamps it with owner, and inserts it
// into state, per spec.md §4.G/§3's ownership invariant.
func parseInto(logger logr.Logger, state *State, rendered string, owner templateenv.OwnerReference) error {
	reader := utilyaml.NewYAMLReader(bufio.NewReader(strings.NewReader(rendered)))
	for {
		doc, err := reader.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "splitting YAML stream")
		}
		if len(bytes.TrimSpace(doc)) == 0 {
			continue
		}

		jsonBytes, err := yaml.YAMLToJSON(doc)
		if err != nil {
			return errors.Wrap(err, "converting document to JSON")
		}

		var obj map[string]interface{}
		if err := json.Unmarshal(jsonBytes, &obj); err != nil {
			return errors.Wrap(err, "decoding document")
		}
		if len(obj) == 0 {
			continue
		}

		u := &unstructured.Unstructured{Object: obj}
		stampOwner(u, owner)

		id := ItemID{
			APIVersion: u.GetAPIVersion(),
			Kind:       u.GetKind(),
			Name:       u.GetName(),
			Namespace:  u.GetNamespace(),
		}
		state.Insert(logger, id, u)
	}
}

func stampOwner(u *unstructured.Unstructured, owner templateenv.OwnerReference) {
	blockOwnerDeletion := owner.BlockOwnerDeletion
	refs := u.GetOwnerReferences()
	refs = append(refs, metav1.OwnerReference{
		APIVersion:         owner.APIVersion,
		Kind:               owner.Kind,
		Name:               owner.Name,
		UID:                types.UID(owner.UID),
		BlockOwnerDeletion: &blockOwnerDeletion,
	})
	u.SetOwnerReferences(refs)
}
