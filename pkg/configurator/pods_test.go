package configurator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"
)

func TestObservePodsFiltersBySecretVersionLabel(t *testing.T) {
	tracked := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      "nova-compute-1",
			Namespace: "openstack",
			Labels: map[string]string{
				secretVersionLabel: "3",
				labelVCenter:       "vc-az1-1",
			},
			Annotations: map[string]string{
				annotationUsesServiceUser: "nova",
			},
		},
	}
	untracked := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: "other-pod", Namespace: "openstack"},
	}

	c := fake.NewClientBuilder().WithScheme(clientgoscheme.Scheme).WithObjects(tracked, untracked).Build()

	observations, err := ObservePods(context.Background(), c, "openstack")
	require.NoError(t, err)
	require.Len(t, observations, 1)

	assert.Equal(t, "nova", observations[0].UsesServiceUser)
	assert.Equal(t, "vc-az1-1", observations[0].VCenter)
	assert.Equal(t, "3", observations[0].SecretVersion)
}

func TestObservePodsScopedToNamespace(t *testing.T) {
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      "nova-compute-1",
			Namespace: "other-namespace",
			Labels:    map[string]string{secretVersionLabel: "1"},
		},
	}
	c := fake.NewClientBuilder().WithScheme(clientgoscheme.Scheme).WithObjects(pod).Build()

	observations, err := ObservePods(context.Background(), c, "openstack")
	require.NoError(t, err)
	assert.Empty(t, observations)
}
