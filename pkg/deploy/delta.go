package deploy

import (
	"reflect"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

const (
	actionDelete = "delete"
	actionUpdate = "update"
)

// Delta is the minimal set of creates, updates, and deletes that
// transforms a previously applied State into a newly rendered one, per
// spec.md §3/§4.G. Items holds the bodies to apply (creates and updates);
// Actions maps delete keys to "delete" and update keys to "update" (create
// keys carry no action entry, matching spec.md §3's description of the
// action map as delete/update only).
type Delta struct {
	Items   map[ItemID]*unstructured.Unstructured
	Actions map[ItemID]string
	order   []ItemID
}

// Compute diffs previous state P against new state N for the same host:
// delete = P.keys - N.keys, update = {k in P∩N | P[k] != N[k]}, create =
// N.keys - P.keys.
func Compute(prev, next *State) *Delta {
	d := &Delta{
		Items:   map[ItemID]*unstructured.Unstructured{},
		Actions: map[ItemID]string{},
	}

	if prev == nil {
		prev = NewState()
	}

	for _, id := range next.Keys() {
		obj, _ := next.Get(id)
		if prevObj, existed := prev.Get(id); existed {
			if !reflect.DeepEqual(prevObj.Object, obj.Object) {
				d.Items[id] = obj
				d.Actions[id] = actionUpdate
				d.order = append(d.order, id)
			}
			continue
		}
		d.Items[id] = obj
		d.order = append(d.order, id)
	}

	for _, id := range prev.Keys() {
		if _, stillPresent := next.Get(id); stillPresent {
			continue
		}
		d.Actions[id] = actionDelete
		d.order = append(d.order, id)
	}

	return d
}

// Creates returns the ids this delta would create (present in Items, no
// action entry).
func (d *Delta) Creates() []ItemID {
	var out []ItemID
	for _, id := range d.order {
		if _, isUpdate := d.Actions[id]; isUpdate {
			continue
		}
		out = append(out, id)
	}
	return out
}

// Updates returns the ids this delta would update.
func (d *Delta) Updates() []ItemID {
	var out []ItemID
	for _, id := range d.order {
		if d.Actions[id] == actionUpdate {
			out = append(out, id)
		}
	}
	return out
}

// Deletes returns the ids this delta would delete.
func (d *Delta) Deletes() []ItemID {
	var out []ItemID
	for _, id := range d.order {
		if d.Actions[id] == actionDelete {
			out = append(out, id)
		}
	}
	return out
}

// Empty reports whether this delta has nothing to do, the condition an
// unchanged-input tick must reach (spec.md §8: "two consecutive ticks with
// unchanged inputs produce an empty delta").
func (d *Delta) Empty() bool {
	return len(d.Items) == 0 && len(d.Actions) == 0
}
