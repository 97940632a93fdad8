package deploy

import (
	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

// State is one host's rendered set of orchestrator objects, keyed by
// ItemID, per spec.md §3: "a state holds only one host's rendering".
// Insertion order is preserved for deterministic, kind-priority-aware
// apply ordering once sorted by OrderItems.
type State struct {
	order []ItemID
	items map[ItemID]*unstructured.Unstructured
}

// NewState returns an empty rendered state.
func NewState() *State {
	return &State{items: map[ItemID]*unstructured.Unstructured{}}
}

// Insert adds or overwrites obj under id. A duplicate id within one state
// is logged as a warning and the later insertion wins, per spec.md §3.
func (s *State) Insert(logger logr.Logger, id ItemID, obj *unstructured.Unstructured) {
	if _, dup := s.items[id]; dup {
		logger.Info("duplicate item id in rendered state, later wins",
			"apiVersion", id.APIVersion, "kind", id.Kind, "name", id.Name, "namespace", id.Namespace)
	} else {
		s.order = append(s.order, id)
	}
	s.items[id] = obj
}

// Keys returns the item ids in insertion order (duplicates already
// collapsed by Insert).
func (s *State) Keys() []ItemID {
	out := make([]ItemID, len(s.order))
	copy(out, s.order)
	return out
}

// Get returns the rendered object for id, if present.
func (s *State) Get(id ItemID) (*unstructured.Unstructured, bool) {
	obj, ok := s.items[id]
	return obj, ok
}

// Len returns the number of distinct items held.
func (s *State) Len() int {
	return len(s.items)
}
