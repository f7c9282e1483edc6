package skills

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildClosure_LinearChain(t *testing.T) {
	deps := map[string][]string{
		"c": nil,
		"b": {"c"},
		"a": {"b"},
	}
	g, warnings := buildClosure([]string{"a"}, func(n string) []string { return deps[n] })

	assert.Empty(t, warnings)
	assert.True(t, g.nodes["a"])
	assert.True(t, g.nodes["b"])
	assert.True(t, g.nodes["c"])
	assert.ElementsMatch(t, []string{"b"}, g.edges["a"])
	assert.ElementsMatch(t, []string{"c"}, g.edges["b"])
}

func TestBuildClosure_BreaksCycleAndWarns(t *testing.T) {
	deps := map[string][]string{
		"a": {"b"},
		"b": {"a"},
	}
	g, warnings := buildClosure([]string{"a"}, func(n string) []string { return deps[n] })

	require.NotEmpty(t, warnings)
	assert.True(t, g.nodes["a"])
	assert.True(t, g.nodes["b"])

	keys := map[string]tieBreakKey{
		"a": {Name: "a"},
		"b": {Name: "b"},
	}
	order, ok := topologicalOrder(g, keys)
	assert.True(t, ok, "a graph with the cycle-closing edge omitted must still be orderable")
	assert.Len(t, order, 2)
}

func TestTopologicalOrder_DependenciesComeFirst(t *testing.T) {
	g := newDepGraph()
	g.addEdge("a", "b")
	g.addEdge("b", "c")
	g.addNode("c")

	keys := map[string]tieBreakKey{
		"a": {Name: "a"},
		"b": {Name: "b"},
		"c": {Name: "c"},
	}
	order, ok := topologicalOrder(g, keys)
	require.True(t, ok)
	require.Equal(t, []string{"c", "b", "a"}, order)
}

func TestTopologicalOrder_TieBreaksByTierThenRelevanceThenName(t *testing.T) {
	g := newDepGraph()
	g.addNode("meta_z")
	g.addNode("basic_a")
	g.addNode("basic_b")

	keys := map[string]tieBreakKey{
		"meta_z":  {Name: "meta_z", TierRank: TierMeta.rank(), RelevanceRank: 0},
		"basic_a": {Name: "basic_a", TierRank: TierBasic.rank(), RelevanceRank: 1},
		"basic_b": {Name: "basic_b", TierRank: TierBasic.rank(), RelevanceRank: 0},
	}
	order, ok := topologicalOrder(g, keys)
	require.True(t, ok)
	assert.Equal(t, []string{"basic_b", "basic_a", "meta_z"}, order)
}

func TestTopologicalOrder_DisconnectedNodesAllOrdered(t *testing.T) {
	g := newDepGraph()
	g.addNode("x")
	g.addNode("y")

	keys := map[string]tieBreakKey{
		"x": {Name: "x"},
		"y": {Name: "y"},
	}
	order, ok := topologicalOrder(g, keys)
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"x", "y"}, order)
}
