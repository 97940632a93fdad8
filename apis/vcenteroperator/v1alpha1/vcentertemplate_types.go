package v1alpha1

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// TemplateScope selects which rendering pass a VCenterTemplate participates
// in, per spec.md §4.A/§4.G and the supplemented vcenter_global pass
// (SPEC_FULL.md, supplemented feature 7).
type TemplateScope string

const (
	// ScopeCluster renders once per discovered cluster.
	ScopeCluster TemplateScope = "cluster"
	// ScopeDatacenter renders once per discovered availability zone.
	ScopeDatacenter TemplateScope = "datacenter"
	// ScopeGlobal renders once per tick with the full host/global view.
	ScopeGlobal TemplateScope = "global"
)

// VCenterTemplateSpec carries a single rendered-per-host manifest template.
type VCenterTemplateSpec struct {
	// Scope selects whether this template renders per-cluster, per
	// availability-zone, or once globally.
	// +kubebuilder:validation:Enum=cluster;datacenter;global
	Scope TemplateScope `json:"scope"`

	// Options carry per-template engine overrides (e.g. UsesServiceUser)
	// consumed by the rendering environment and the deployment engine's
	// service-user injection helper.
	// +optional
	Options TemplateOptions `json:"options,omitempty"`

	// Template is the Jinja2-like template body rendered against the
	// per-host/per-scope options map.
	Template string `json:"template"`
}

// TemplateOptions are the per-template rendering engine overrides named in
// spec.md §4.A.
type TemplateOptions struct {
	// UsesServiceUser names the service-user declaration this template's
	// rendering depends on; the deployment engine injects
	// username/password/version for it before rendering.
	// +optional
	UsesServiceUser string `json:"usesServiceUser,omitempty"`
}

// VCenterTemplateStatus is currently empty; the operator tracks freshness
// purely off metadata.resourceVersion (spec.md §4.A).
type VCenterTemplateStatus struct{}

// +kubebuilder:object:root=true
// +kubebuilder:resource:path=vcentertemplates,scope=Namespaced,shortName=vct
// +kubebuilder:subresource:status

// VCenterTemplate is the Schema for the vcentertemplates API.
type VCenterTemplate struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   VCenterTemplateSpec   `json:"spec,omitempty"`
	Status VCenterTemplateStatus `json:"status,omitempty"`
}

// +kubebuilder:object:root=true

// VCenterTemplateList contains a list of VCenterTemplate.
type VCenterTemplateList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []VCenterTemplate `json:"items"`
}
