package v1alpha1

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// VCenterServiceUserSpec declares one per-service technical-user credential
// family, per spec.md §3/§4.A.
type VCenterServiceUserSpec struct {
	// Username is the prefix template this service's rotated technical
	// users are named from; the 4-digit zero-padded version is appended
	// by the credential-store client. No two declarations may share this
	// value, nor may one be a prefix of another (spec.md §3).
	Username string `json:"username"`
}

// VCenterServiceUserStatus is currently empty; version/last-seen state
// lives in the reconciler's in-memory tracker, not in this resource
// (spec.md §1 Non-goals: no persisted state).
type VCenterServiceUserStatus struct{}

// +kubebuilder:object:root=true
// +kubebuilder:resource:path=vcenterserviceusers,scope=Namespaced,shortName=vcsu
// +kubebuilder:subresource:status

// VCenterServiceUser is the Schema for the vcenterserviceusers API.
type VCenterServiceUser struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   VCenterServiceUserSpec   `json:"spec,omitempty"`
	Status VCenterServiceUserStatus `json:"status,omitempty"`
}

// +kubebuilder:object:root=true

// VCenterServiceUserList contains a list of VCenterServiceUser.
type VCenterServiceUserList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []VCenterServiceUser `json:"items"`
}
