package configurator

import (
	"context"

	corev1 "k8s.io/api/core/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/sapcc/vcenter-operator/pkg/serviceuser"
)

// secretVersionLabel is the label the operator stamps, and later reads
// back, on any workload consuming a managed service-user credential, per
// spec.md §6 ("list pods ... filtered by vcenter-operator-secret-version").
const secretVersionLabel = "vcenter-operator-secret-version"

// annotationUsesServiceUser and labelVCenter are the remaining two
// fields spec.md §8's boundary property requires alongside
// secretVersionLabel before a sighting updates the last-seen tracker.
const (
	annotationUsesServiceUser = "vcenter-operator.stable.sap.cc/uses-service-user"
	labelVCenter              = "vcenter"
)

// ObservePods lists every pod in namespace carrying secretVersionLabel and
// returns the observations component H's tracker needs, per spec.md
// §4.H/§8.
func ObservePods(ctx context.Context, c client.Client, namespace string) ([]serviceuser.PodObservation, error) {
	var pods corev1.PodList
	if err := c.List(ctx, &pods, client.InNamespace(namespace), client.HasLabels{secretVersionLabel}); err != nil {
		return nil, err
	}

	observations := make([]serviceuser.PodObservation, 0, len(pods.Items))
	for _, pod := range pods.Items {
		observations = append(observations, serviceuser.PodObservation{
			UsesServiceUser: pod.Annotations[annotationUsesServiceUser],
			VCenter:         pod.Labels[labelVCenter],
			SecretVersion:   pod.Labels[secretVersionLabel],
		})
	}
	return observations, nil
}
