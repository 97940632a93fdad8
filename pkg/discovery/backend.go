package discovery

import (
	"context"

	corev1 "k8s.io/api/core/v1"
	"github.com/pkg/errors"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

// mdnsBackendLabels selects the Service this operator transfers zones
// from, per spec.md §6: "list services labeled component=mdns,type=backend".
var mdnsBackendLabels = client.MatchingLabels{
	"component": "mdns",
	"type":      "backend",
}

// FindBackend lists the mDNS backend Service across all namespaces and
// returns its first port's address. Exactly one such Service is expected
// per cluster; if more than one is found the first by list order is used
// and the rest ignored, matching the source's use of a single discovered
// backend.
func FindBackend(ctx context.Context, c client.Client) (Backend, error) {
	var services corev1.ServiceList
	if err := c.List(ctx, &services, mdnsBackendLabels); err != nil {
		return Backend{}, errors.Wrap(err, "listing mdns backend services")
	}
	if len(services.Items) == 0 {
		return Backend{}, errors.New("no mdns backend service found")
	}

	svc := services.Items[0]
	if len(svc.Spec.Ports) == 0 {
		return Backend{}, errors.Errorf("mdns backend service %s/%s has no ports", svc.Namespace, svc.Name)
	}
	return BackendFromService(svc.Spec.ClusterIP, svc.Spec.Ports[0].Port), nil
}
