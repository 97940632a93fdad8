// Package v1alpha1 contains the two CRD kinds the operator owns:
// VCenterTemplate (component A's template source) and VCenterServiceUser
// (component A's service-user declaration). Both are namespace-scoped per
// spec.md §6, so a declaration applies within the namespace it is created in.
package v1alpha1

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

// GroupName is the API group the operator's CRDs are registered under.
const GroupName = "vcenter-operator.stable.sap.cc"

// GroupVersion is the group-version these types are registered under.
var GroupVersion = schema.GroupVersion{Group: GroupName, Version: "v1alpha1"}

// SchemeBuilder collects the functions that add this package's types to a
// runtime.Scheme, the same pattern the apiextensions/core API groups use.
var SchemeBuilder = runtime.NewSchemeBuilder(addKnownTypes)

// AddToScheme adds this group-version's types to the given scheme.
var AddToScheme = SchemeBuilder.AddToScheme

func addKnownTypes(scheme *runtime.Scheme) error {
	scheme.AddKnownTypes(GroupVersion,
		&VCenterTemplate{}, &VCenterTemplateList{},
		&VCenterServiceUser{}, &VCenterServiceUserList{},
	)
	metav1.AddToGroupVersion(scheme, GroupVersion)
	return nil
}
