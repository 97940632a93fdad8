package discovery

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFirstLabel(t *testing.T) {
	assert.Equal(t, "bb042", firstLabel("bb042.cc.eu-de-1.cloud.sap."))
	assert.Equal(t, "bb042", firstLabel("bb042.cc.eu-de-1.cloud.sap"))
	assert.Equal(t, "bb042", firstLabel("bb042"))
}

func TestDiffPatternAddedAndGone(t *testing.T) {
	d := New(Backend{Address: "127.0.0.1:53"}, nil)
	var added, gone []string
	p := &Pattern{
		Name:  "hosts",
		Match: regexp.MustCompile(`^vc-`),
		Callback: func(a, g []string) {
			added = append(added, a...)
			gone = append(gone, g...)
		},
	}
	d.Register(p)

	d.diffPattern(p, []string{"vc-a.example.com.", "vc-b.example.com.", "other.example.com."})
	assert.ElementsMatch(t, []string{"vc-a.example.com.", "vc-b.example.com."}, added)
	assert.Empty(t, gone)

	added, gone = nil, nil
	d.diffPattern(p, []string{"vc-a.example.com."})
	assert.Empty(t, added)
	assert.ElementsMatch(t, []string{"vc-b.example.com."}, gone)
}

func TestDiffPatternNoChangeNoCallback(t *testing.T) {
	d := New(Backend{Address: "127.0.0.1:53"}, nil)
	calls := 0
	p := &Pattern{
		Name:     "hosts",
		Match:    regexp.MustCompile(`^vc-`),
		Callback: func(a, g []string) { calls++ },
	}
	d.Register(p)

	d.diffPattern(p, []string{"vc-a.example.com."})
	assert.Equal(t, 1, calls)

	d.diffPattern(p, []string{"vc-a.example.com."})
	assert.Equal(t, 1, calls, "unchanged set must not invoke the callback again")
}
