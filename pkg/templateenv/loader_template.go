package templateenv

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"
	"sigs.k8s.io/controller-runtime/pkg/client"

	vcenteroperatorv1alpha1 "github.com/sapcc/vcenter-operator/apis/vcenteroperator/v1alpha1"
)

// TemplateLoader polls every VCenterTemplate custom resource and maintains
// the environment's template map, per spec.md §4.A. Each entry records its
// resourceVersion, but versions are not compared: the map is replaced
// wholesale each poll, which is cheaper than diffing and correct because Render
// always recompiles from source (no compiled-template cache to invalidate).
type TemplateLoader struct {
	client client.Client
	env    *Environment
}

// NewTemplateLoader returns a loader that feeds env from c.
func NewTemplateLoader(c client.Client, env *Environment) *TemplateLoader {
	return &TemplateLoader{client: c, env: env}
}

// Poll lists all VCenterTemplate resources across every namespace, builds
// the "vcenter_{scope}/{namespace}/{name}.yaml.j2" keyed map, and atomically
// replaces the environment's template set. A key collision (two resources
// whose scope/namespace/name produce the same key, which can only happen if
// the same resource is listed twice) logs a warning; the later entry wins,
// per spec.md §3's duplicate-item rule applied to templates.
func (l *TemplateLoader) Poll(ctx context.Context, logger logr.Logger) error {
	var list vcenteroperatorv1alpha1.VCenterTemplateList
	if err := l.client.List(ctx, &list); err != nil {
		return errors.Wrap(err, "listing VCenterTemplate resources")
	}

	entries := make(map[string]*Entry, len(list.Items))
	for i := range list.Items {
		item := &list.Items[i]
		key := templateKey(item.Spec.Scope, item.Namespace, item.Name)
		if _, dup := entries[key]; dup {
			logger.Info("duplicate template key, later wins", "key", key)
		}
		entries[key] = &Entry{
			Key:             key,
			ResourceVersion: item.ResourceVersion,
			Scope:           Scope(item.Spec.Scope),
			Source:          item.Spec.Template,
			UsesServiceUser: item.Spec.Options.UsesServiceUser,
			Owner: OwnerReference{
				APIVersion:         vcenteroperatorv1alpha1.GroupVersion.String(),
				Kind:               "VCenterTemplate",
				Name:               item.Name,
				UID:                string(item.UID),
				BlockOwnerDeletion: false,
			},
		}
	}

	l.env.ReplaceAll(entries)
	return nil
}

func templateKey(scope vcenteroperatorv1alpha1.TemplateScope, namespace, name string) string {
	return fmt.Sprintf("vcenter_%s/%s/%s.yaml.j2", scope, namespace, name)
}
