package templateenv

import (
	"context"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"sigs.k8s.io/controller-runtime/pkg/client"

	vcenteroperatorv1alpha1 "github.com/sapcc/vcenter-operator/apis/vcenteroperator/v1alpha1"
)

// ErrUsernameTemplateDuplicate is returned when a VCenterServiceUser's
// username prefix collides with another declaration's prefix, per
// spec.md §3/§4.A.
var ErrUsernameTemplateDuplicate = errors.New("UsernameTemplateDuplicate")

// ServiceUserDeclaration is one named service's technical-user prefix
// template.
type ServiceUserDeclaration struct {
	ResourceVersion  string
	Service          string
	UsernameTemplate string
	Namespace        string
}

// ServiceUserLoader polls every VCenterServiceUser custom resource and
// enforces the prefix-uniqueness invariant of spec.md §3: no declaration's
// usernameTemplate may equal or prefix another's. A rejected refresh
// aborts the reconciliation tick and retains the prior map, per spec.md §7
// (UsernameTemplateDuplicate: reject the loader refresh; retain prior map).
type ServiceUserLoader struct {
	client client.Client

	mu           sync.RWMutex
	declarations map[string]*ServiceUserDeclaration
}

// NewServiceUserLoader returns an empty loader bound to c.
func NewServiceUserLoader(c client.Client) *ServiceUserLoader {
	return &ServiceUserLoader{client: c, declarations: map[string]*ServiceUserDeclaration{}}
}

// Poll lists all VCenterServiceUser resources and rebuilds the declaration
// map. On a prefix collision it returns ErrUsernameTemplateDuplicate and
// leaves the previously loaded map untouched.
func (l *ServiceUserLoader) Poll(ctx context.Context) error {
	var list vcenteroperatorv1alpha1.VCenterServiceUserList
	if err := l.client.List(ctx, &list); err != nil {
		return errors.Wrap(err, "listing VCenterServiceUser resources")
	}

	next := make(map[string]*ServiceUserDeclaration, len(list.Items))
	for i := range list.Items {
		item := &list.Items[i]
		candidate := item.Spec.Username
		for _, existing := range next {
			if candidate == existing.UsernameTemplate ||
				strings.HasPrefix(candidate, existing.UsernameTemplate) ||
				strings.HasPrefix(existing.UsernameTemplate, candidate) {
				return errors.Wrapf(ErrUsernameTemplateDuplicate,
					"%q conflicts with %q", candidate, existing.UsernameTemplate)
			}
		}
		next[item.Name] = &ServiceUserDeclaration{
			ResourceVersion:  item.ResourceVersion,
			Service:          item.Name,
			UsernameTemplate: candidate,
			Namespace:        item.Namespace,
		}
	}

	l.mu.Lock()
	l.declarations = next
	l.mu.Unlock()
	return nil
}

// Get returns the declaration for a given service name, if any.
func (l *ServiceUserLoader) Get(service string) (*ServiceUserDeclaration, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	d, ok := l.declarations[service]
	return d, ok
}

// All returns a snapshot of every loaded declaration.
func (l *ServiceUserLoader) All() []*ServiceUserDeclaration {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*ServiceUserDeclaration, 0, len(l.declarations))
	for _, d := range l.declarations {
		out = append(out, d)
	}
	return out
}
