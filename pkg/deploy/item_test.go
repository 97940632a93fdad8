package deploy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOrderItemsSortsByKindPriority(t *testing.T) {
	in := []ItemID{
		{Kind: "Deployment", Name: "d"},
		{Kind: "ConfigMap", Name: "c"},
		{Kind: "Secret", Name: "s1"},
		{Kind: "Secret", Name: "s2"},
	}

	got := OrderItems(in)

	kinds := make([]string, len(got))
	for i, id := range got {
		kinds[i] = id.Kind
	}
	assert.Equal(t, []string{"Secret", "Secret", "ConfigMap", "Deployment"}, kinds)
	// Stable within the Secret priority class.
	assert.Equal(t, "s1", got[0].Name)
	assert.Equal(t, "s2", got[1].Name)
}

func TestOrderItemsPlacesUnknownKindsLast(t *testing.T) {
	in := []ItemID{
		{Kind: "CustomResource"},
		{Kind: "Secret"},
	}
	got := OrderItems(in)
	assert.Equal(t, "Secret", got[0].Kind)
	assert.Equal(t, "CustomResource", got[1].Kind)
}
