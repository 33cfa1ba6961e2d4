package tq

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// testPlatformEdges encodes centos7 > slc6 > slc5 and ubuntu > debian:
// payloads built for the ancestor run on the descendant.
func testPlatformEdges() [][]string {
	return [][]string{
		{"slc5", "slc6"},
		{"slc6", "centos7"},
		{"debian", "ubuntu"},
	}
}

func TestPlatformCompatibleIsTransitive(t *testing.T) {
	dag := NewPlatformDAG(testPlatformEdges())

	assert.ElementsMatch(t, []string{"centos7", "slc6", "slc5"}, dag.Compatible("centos7"))
	assert.ElementsMatch(t, []string{"slc6", "slc5"}, dag.Compatible("slc6"))
	assert.ElementsMatch(t, []string{"slc5"}, dag.Compatible("slc5"))
}

func TestPlatformFamiliesNeverCross(t *testing.T) {
	dag := NewPlatformDAG(testPlatformEdges())

	assert.NotContains(t, dag.Compatible("centos7"), "debian")
	assert.NotContains(t, dag.Compatible("ubuntu"), "slc6")
	assert.ElementsMatch(t, []string{"ubuntu", "debian"}, dag.Compatible("ubuntu"))
}

func TestUnknownPlatformMatchesOnlyItself(t *testing.T) {
	dag := NewPlatformDAG(testPlatformEdges())

	assert.ElementsMatch(t, []string{"centos8"}, dag.Compatible("centos8"))
}

func TestCompatibleAllDeduplicates(t *testing.T) {
	dag := NewPlatformDAG(testPlatformEdges())

	got := dag.CompatibleAll([]string{"slc6", "centos7"})
	assert.ElementsMatch(t, []string{"centos7", "slc6", "slc5"}, got)
}

func TestReloadExtendsTheOrder(t *testing.T) {
	dag := NewPlatformDAG(testPlatformEdges())
	assert.ElementsMatch(t, []string{"centos8"}, dag.Compatible("centos8"))

	edges := append(testPlatformEdges(), []string{"centos7", "centos8"})
	dag.Reload(edges)

	assert.ElementsMatch(t, []string{"centos8", "centos7", "slc6", "slc5"}, dag.Compatible("centos8"))
}

func TestMalformedEdgesAreIgnored(t *testing.T) {
	dag := NewPlatformDAG([][]string{{"only-one"}, {"", "x"}, {"slc6", "centos7"}})

	assert.ElementsMatch(t, []string{"centos7", "slc6"}, dag.Compatible("centos7"))
}
