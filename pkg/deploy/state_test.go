package deploy

import (
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

func TestStateInsertDuplicateLaterWins(t *testing.T) {
	s := NewState()
	id := ItemID{APIVersion: "v1", Kind: "ConfigMap", Name: "a", Namespace: "ns"}

	first := &unstructured.Unstructured{Object: map[string]interface{}{"data": map[string]interface{}{"k": "v1"}}}
	second := &unstructured.Unstructured{Object: map[string]interface{}{"data": map[string]interface{}{"k": "v2"}}}

	s.Insert(logr.Discard(), id, first)
	s.Insert(logr.Discard(), id, second)

	assert.Equal(t, 1, s.Len())
	assert.Equal(t, []ItemID{id}, s.Keys())

	got, ok := s.Get(id)
	assert.True(t, ok)
	assert.Equal(t, second, got)
}

func TestStateKeysPreserveInsertionOrder(t *testing.T) {
	s := NewState()
	ids := []ItemID{
		{Kind: "Deployment", Name: "d"},
		{Kind: "Secret", Name: "s"},
		{Kind: "ConfigMap", Name: "c"},
	}
	for _, id := range ids {
		s.Insert(logr.Discard(), id, &unstructured.Unstructured{Object: map[string]interface{}{}})
	}
	assert.Equal(t, ids, s.Keys())
}
