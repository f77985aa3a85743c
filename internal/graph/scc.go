// Package graph holds the small directed-graph algorithms shared by the
// checker (call graph) and the scheduler (stream dependency graph).
//
// Every function here is deterministic: nodes and edges are visited in
// sorted order, so equal graphs always yield equal results.
package graph

import (
	"fmt"
	"slices"
	"strings"
)

// Graph maps a node to its successors. Nodes that only appear as
// successors are still part of the graph.
type Graph map[string][]string

// Nodes returns every node in sorted order.
func (g Graph) Nodes() []string {
	seen := make(map[string]bool)
	for n, succ := range g {
		seen[n] = true
		for _, s := range succ {
			seen[s] = true
		}
	}
	nodes := make([]string, 0, len(seen))
	for n := range seen {
		nodes = append(nodes, n)
	}
	slices.Sort(nodes)
	return nodes
}

func (g Graph) successors(n string) []string {
	succ := slices.Clone(g[n])
	slices.Sort(succ)
	return slices.Compact(succ)
}

// HasSelfLoop reports whether n has an edge to itself.
func (g Graph) HasSelfLoop(n string) bool {
	return slices.Contains(g[n], n)
}

// SCC returns the strongly connected components using Tarjan's algorithm.
// Components come out in reverse topological order: a component is listed
// after every component reachable from it.
func SCC(g Graph) [][]string {
	var (
		index   = 0
		stack   []string
		indices = make(map[string]int)
		lowlink = make(map[string]int)
		onStack = make(map[string]bool)
		sccs    [][]string
	)

	var strongConnect func(string)
	strongConnect = func(v string) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range g.successors(v) {
			if _, visited := indices[w]; !visited {
				strongConnect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

		if lowlink[v] == indices[v] {
			var scc []string
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			slices.Sort(scc)
			sccs = append(sccs, scc)
		}
	}

	for _, n := range g.Nodes() {
		if _, visited := indices[n]; !visited {
			strongConnect(n)
		}
	}
	return sccs
}

// Cycle is one strongly connected component that loops.
type Cycle struct {
	Path    []string `json:"path"` // e.g. ["a", "b", "a"]
	Message string   `json:"message"`
}

// Cycles reports every component with more than one node or a self-loop.
func Cycles(g Graph) []Cycle {
	var out []Cycle
	for _, scc := range SCC(g) {
		if len(scc) == 1 && !g.HasSelfLoop(scc[0]) {
			continue
		}
		path := cyclePath(scc, g)
		out = append(out, Cycle{
			Path:    path,
			Message: fmt.Sprintf("cycle detected: %s", strings.Join(path, " -> ")),
		})
	}
	return out
}

// cyclePath walks edges inside the component from its smallest node until
// it returns to the start.
func cyclePath(scc []string, g Graph) []string {
	start := scc[0]
	if len(scc) == 1 {
		return []string{start, start}
	}
	members := make(map[string]bool, len(scc))
	for _, n := range scc {
		members[n] = true
	}
	path := []string{start}
	visited := map[string]bool{start: true}
	cur := start
	for {
		next := ""
		for _, w := range g.successors(cur) {
			if members[w] && (!visited[w] || w == start) {
				next = w
				break
			}
		}
		if next == "" {
			return path
		}
		path = append(path, next)
		if next == start {
			return path
		}
		visited[next] = true
		cur = next
	}
}

// TopoOrder lists nodes so that every edge u -> v puts u before v. Ties are
// broken by node id. Nodes on a cycle cannot be ordered; they are released
// in id order and the cycles are returned alongside.
func TopoOrder(g Graph) ([]string, []Cycle) {
	nodes := g.Nodes()
	indeg := make(map[string]int, len(nodes))
	for _, n := range nodes {
		for _, s := range g.successors(n) {
			if s != n {
				indeg[s]++
			}
		}
	}

	done := make(map[string]bool, len(nodes))
	order := make([]string, 0, len(nodes))
	release := func(n string) {
		done[n] = true
		order = append(order, n)
		for _, s := range g.successors(n) {
			if s != n {
				indeg[s]--
			}
		}
	}

	for len(order) < len(nodes) {
		progressed := false
		for _, n := range nodes {
			if !done[n] && indeg[n] == 0 {
				release(n)
				progressed = true
				break
			}
		}
		if progressed {
			continue
		}
		// Every remaining node waits on a cycle; fall back to id order.
		for _, n := range nodes {
			if !done[n] {
				release(n)
				break
			}
		}
	}
	return order, Cycles(g)
}
