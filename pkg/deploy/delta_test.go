package deploy

import (
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

func obj(v string) *unstructured.Unstructured {
	return &unstructured.Unstructured{Object: map[string]interface{}{"data": map[string]interface{}{"k": v}}}
}

func TestComputeDeltaCreatesUpdatesDeletes(t *testing.T) {
	idA := ItemID{Kind: "Secret", Name: "a"}
	idB := ItemID{Kind: "ConfigMap", Name: "b"}
	idC := ItemID{Kind: "Deployment", Name: "c"}

	prev := NewState()
	prev.Insert(logr.Discard(), idA, obj("1"))
	prev.Insert(logr.Discard(), idB, obj("same"))

	next := NewState()
	next.Insert(logr.Discard(), idA, obj("2"))    // updated
	next.Insert(logr.Discard(), idB, obj("same")) // unchanged
	next.Insert(logr.Discard(), idC, obj("new"))  // created

	d := Compute(prev, next)

	assert.ElementsMatch(t, []ItemID{idC}, d.Creates())
	assert.ElementsMatch(t, []ItemID{idA}, d.Updates())
	assert.Empty(t, d.Deletes())
	assert.Contains(t, d.Items, idA)
	assert.Contains(t, d.Items, idC)
	assert.NotContains(t, d.Items, idB)
}

func TestComputeDeltaDetectsDeletes(t *testing.T) {
	idA := ItemID{Kind: "Secret", Name: "a"}

	prev := NewState()
	prev.Insert(logr.Discard(), idA, obj("1"))

	next := NewState()

	d := Compute(prev, next)
	assert.ElementsMatch(t, []ItemID{idA}, d.Deletes())
	assert.Empty(t, d.Creates())
	assert.Empty(t, d.Updates())
}

func TestComputeDeltaUnchangedInputsIsEmpty(t *testing.T) {
	id := ItemID{Kind: "Secret", Name: "a"}
	prev := NewState()
	prev.Insert(logr.Discard(), id, obj("1"))

	next := NewState()
	next.Insert(logr.Discard(), id, obj("1"))

	d := Compute(prev, next)
	assert.True(t, d.Empty())
}

func TestComputeDeltaAgainstNilPreviousStateTreatsAllAsCreates(t *testing.T) {
	id := ItemID{Kind: "Secret", Name: "a"}
	next := NewState()
	next.Insert(logr.Discard(), id, obj("1"))

	d := Compute(nil, next)
	assert.ElementsMatch(t, []ItemID{id}, d.Creates())
}
