package templateenv

import (
	"context"

	apiextensionsv1 "k8s.io/apiextensions-apiserver/pkg/apis/apiextensions/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"sigs.k8s.io/controller-runtime/pkg/client"

	vcenteroperatorv1alpha1 "github.com/sapcc/vcenter-operator/apis/vcenteroperator/v1alpha1"
)

// EnsureCRDs creates the two CRDs this operator owns if they don't already
// exist, best-effort, per spec.md §4.A ("If the CRD does not exist, the
// loader creates it on first use"). Grounded on
// _examples/original_source/kos_operator/crds.py:_create_custom_resource_definitions,
// which does the same best-effort, ignore-if-exists create.
func EnsureCRDs(ctx context.Context, c client.Client) error {
	for _, crd := range []*apiextensionsv1.CustomResourceDefinition{
		templateCRD(), serviceUserCRD(),
	} {
		if err := c.Create(ctx, crd); err != nil && !apierrors.IsAlreadyExists(err) {
			return err
		}
	}
	return nil
}

func preserveUnknownSchema() apiextensionsv1.CustomResourceValidation {
	t := true
	return apiextensionsv1.CustomResourceValidation{
		OpenAPIV3Schema: &apiextensionsv1.JSONSchemaProps{
			Type:                   "object",
			XPreserveUnknownFields: &t,
		},
	}
}

func templateCRD() *apiextensionsv1.CustomResourceDefinition {
	return &apiextensionsv1.CustomResourceDefinition{
		ObjectMeta: metav1.ObjectMeta{
			Name: "vcentertemplates." + vcenteroperatorv1alpha1.GroupName,
		},
		Spec: apiextensionsv1.CustomResourceDefinitionSpec{
			Group: vcenteroperatorv1alpha1.GroupName,
			Names: apiextensionsv1.CustomResourceDefinitionNames{
				Plural:     "vcentertemplates",
				Singular:   "vcentertemplate",
				Kind:       "VCenterTemplate",
				ListKind:   "VCenterTemplateList",
				ShortNames: []string{"vct"},
			},
			Scope: apiextensionsv1.NamespaceScoped,
			Versions: []apiextensionsv1.CustomResourceDefinitionVersion{{
				Name:       "v1alpha1",
				Served:     true,
				Storage:    true,
				Schema:     ptrSchema(preserveUnknownSchema()),
				Subresources: &apiextensionsv1.CustomResourceSubresources{
					Status: &apiextensionsv1.CustomResourceSubresourceStatus{},
				},
			}},
		},
	}
}

func serviceUserCRD() *apiextensionsv1.CustomResourceDefinition {
	return &apiextensionsv1.CustomResourceDefinition{
		ObjectMeta: metav1.ObjectMeta{
			Name: "vcenterserviceusers." + vcenteroperatorv1alpha1.GroupName,
		},
		Spec: apiextensionsv1.CustomResourceDefinitionSpec{
			Group: vcenteroperatorv1alpha1.GroupName,
			Names: apiextensionsv1.CustomResourceDefinitionNames{
				Plural:     "vcenterserviceusers",
				Singular:   "vcenterserviceuser",
				Kind:       "VCenterServiceUser",
				ListKind:   "VCenterServiceUserList",
				ShortNames: []string{"vcsu"},
			},
			Scope: apiextensionsv1.NamespaceScoped,
			Versions: []apiextensionsv1.CustomResourceDefinitionVersion{{
				Name:       "v1alpha1",
				Served:     true,
				Storage:    true,
				Schema:     ptrSchema(preserveUnknownSchema()),
				Subresources: &apiextensionsv1.CustomResourceSubresources{
					Status: &apiextensionsv1.CustomResourceSubresourceStatus{},
				},
			}},
		},
	}
}

func ptrSchema(s apiextensionsv1.CustomResourceValidation) *apiextensionsv1.CustomResourceValidation {
	return &s
}
