package configurator

import (
	"context"
	"encoding/json"

	corev1 "k8s.io/api/core/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

// cellLabels selects the ConfigMaps that carry OpenStack Nova cell
// descriptions, per spec.md §6 ("list ConfigMaps labeled
// system=openstack,component=nova,type=nova-cell across all namespaces").
// This supersedes the original's live `/os-cells` Keystone poll
// (configurator.py:poll_nova) with a Kubernetes-native source, per
// SPEC_FULL.md's supplemented-features decision 8.
var cellLabels = client.MatchingLabels{
	"system":    "openstack",
	"component": "nova",
	"type":      "nova-cell",
}

// RefreshCells lists every nova-cell ConfigMap cluster-wide and returns a
// name->data view suitable for the `cells` key of the global render scope.
func RefreshCells(ctx context.Context, c client.Client) (map[string]interface{}, error) {
	var cms corev1.ConfigMapList
	if err := c.List(ctx, &cms, cellLabels); err != nil {
		return nil, err
	}

	cells := make(map[string]interface{}, len(cms.Items))
	for _, cm := range cms.Items {
		entry := make(map[string]interface{}, len(cm.Data))
		for k, v := range cm.Data {
			var parsed interface{}
			if err := json.Unmarshal([]byte(v), &parsed); err == nil {
				entry[k] = parsed
			} else {
				entry[k] = v
			}
		}
		cells[cm.Name] = entry
	}
	return cells, nil
}
