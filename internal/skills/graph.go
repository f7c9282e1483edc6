package skills

import (
	"sort"
)

// depGraph is a directed graph over skill names used only inside the
// Composer's closure/ordering step. Unlike a general-purpose dependency
// graph, it never rejects an edge at insertion time: the Composer owns
// cycle handling and breaks cycles with a recorded warning rather than
// refuse the edge outright.
type depGraph struct {
	nodes map[string]bool
	edges map[string][]string // node -> dependencies of node
}

func newDepGraph() *depGraph {
	return &depGraph{nodes: make(map[string]bool), edges: make(map[string][]string)}
}

func (g *depGraph) addNode(id string) {
	g.nodes[id] = true
	if _, ok := g.edges[id]; !ok {
		g.edges[id] = nil
	}
}

func (g *depGraph) addEdge(from, to string) {
	g.addNode(from)
	g.addNode(to)
	g.edges[from] = append(g.edges[from], to)
}

// buildClosure performs a depth-first dependency closure starting from roots: for
// each node, its declared dependencies (from depsOf) are added and walked in
// turn. If a dependency would re-enter the in-progress ancestor chain — i.e.
// following it would close a cycle — the edge is omitted and a warning is
// recorded instead of the closure looping forever. Returns the full set of
// node names reached (including roots) and any cycle warnings.
func buildClosure(roots []string, depsOf func(name string) []string) (*depGraph, []string) {
	g := newDepGraph()
	var warnings []string

	inProgress := make(map[string]bool)
	visited := make(map[string]bool)

	var visit func(name string)
	visit = func(name string) {
		if visited[name] {
			return
		}
		g.addNode(name)
		inProgress[name] = true

		for _, dep := range depsOf(name) {
			if inProgress[dep] {
				warnings = append(warnings, "cycle detected: "+name+" -> "+dep+" omitted to break cycle")
				continue
			}
			g.addEdge(name, dep)
			visit(dep)
		}

		inProgress[name] = false
		visited[name] = true
	}

	for _, r := range roots {
		visit(r)
	}

	return g, warnings
}

// tieBreakKey ranks a node for Kahn's-algorithm queue ordering:
// (skill_type_rank, relevance_rank, name) — dependencies (basic) before
// orchestration (meta), then original candidate-list position, then name.
type tieBreakKey struct {
	Name          string
	TierRank      int
	RelevanceRank int
}

// topologicalOrder runs Kahn's algorithm over g, using keys to break ties
// among nodes with equal in-degree so the result is deterministic. Returns
// an error-equivalent bool (ok=false) if a cycle remains — which should not
// happen for a graph produced by buildClosure, since that function already
// removes cycle-closing edges, but is checked defensively.
func topologicalOrder(g *depGraph, keys map[string]tieBreakKey) ([]string, bool) {
	// A depends on B is modeled as edge A->B meaning "A's dependency is B".
	// For ordering, B (the dependency) must come before A. So we sort by
	// processing nodes with in-degree 0 in the REVERSE graph: a node with no
	// incoming "is a dependency of" edges in the original graph is one
	// nothing depends on, which is wrong for topo order of "deps first".
	// Kahn's algorithm here is run over the reversed adjacency: "dependents"
	// edges, queueing nodes with no remaining dependencies.
	remaining := make(map[string]int, len(g.nodes))
	for n := range g.nodes {
		remaining[n] = len(g.edges[n])
	}

	dependents := make(map[string][]string)
	for n, deps := range g.edges {
		for _, d := range deps {
			dependents[d] = append(dependents[d], n)
		}
	}

	var ready []string
	for n, c := range remaining {
		if c == 0 {
			ready = append(ready, n)
		}
	}

	less := func(a, b string) bool {
		ka, kb := keys[a], keys[b]
		if ka.TierRank != kb.TierRank {
			return ka.TierRank < kb.TierRank
		}
		if ka.RelevanceRank != kb.RelevanceRank {
			return ka.RelevanceRank < kb.RelevanceRank
		}
		return a < b
	}

	var result []string
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return less(ready[i], ready[j]) })
		n := ready[0]
		ready = ready[1:]
		result = append(result, n)

		for _, dependent := range dependents[n] {
			remaining[dependent]--
			if remaining[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
	}

	return result, len(result) == len(g.nodes)
}
