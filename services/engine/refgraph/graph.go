// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package refgraph maintains a directed reference graph over opaque
// identifiers and detects cycles in it.
//
// Components that form object-to-object relationships report edges
// explicitly via AddReference/RemoveReference; the graph never infers
// anything. Cycle detection is a pure graph algorithm used as a
// developer-facing diagnostic for component relationship graphs; it has
// no ownership semantics and is deliberately decoupled from the runtime's
// own memory reclamation.
package refgraph

import (
	"sort"
	"sync"
)

// maxDetectionDepth bounds DFS recursion on pathological graphs.
const maxDetectionDepth = 10000

// Graph is a directed reference graph over opaque node identifiers.
//
// An edge (from, to) means "from holds a reference to to". Nodes exist
// implicitly: adding an edge introduces both endpoints, and a node with no
// remaining edges is forgotten.
//
// Thread Safety: Safe for concurrent use.
type Graph struct {
	mu    sync.RWMutex
	edges map[string]map[string]struct{}
}

// New creates an empty reference graph.
func New() *Graph {
	return &Graph{
		edges: make(map[string]map[string]struct{}),
	}
}

// AddReference records that from holds a reference to to.
//
// Adding an existing edge is a no-op. Self-references are recorded and
// reported as single-node cycles.
func (g *Graph) AddReference(from, to string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	targets, ok := g.edges[from]
	if !ok {
		targets = make(map[string]struct{})
		g.edges[from] = targets
	}
	targets[to] = struct{}{}
}

// RemoveReference removes the edge from → to, if present.
func (g *Graph) RemoveReference(from, to string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	targets, ok := g.edges[from]
	if !ok {
		return
	}
	delete(targets, to)
	if len(targets) == 0 {
		delete(g.edges, from)
	}
}

// EdgeCount returns the number of edges currently recorded.
func (g *Graph) EdgeCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()

	n := 0
	for _, targets := range g.edges {
		n += len(targets)
	}
	return n
}

// HasCycleFrom reports whether any cycle is reachable from the given node.
//
// Description:
//
//	Runs a depth-first traversal with a recursion stack; a back-edge to a
//	node on the stack indicates a cycle. Traversal depth is bounded, so
//	detection on degenerate graphs may be incomplete.
//
// Inputs:
//   - id: The node to start from.
//
// Outputs:
//   - bool: True if a cycle is reachable from id.
//
// Thread Safety: Safe for concurrent use.
func (g *Graph) HasCycleFrom(id string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	visited := make(map[string]bool, len(g.edges))
	stack := make(map[string]bool, len(g.edges))
	return g.cycleFrom(id, visited, stack, nil, nil, 0)
}

// DetectCycles finds every cycle in the graph.
//
// Description:
//
//	Depth-first traversal from every node, tracking the recursion stack.
//	Each discovered back-edge yields one cycle, returned as the ordered
//	sequence of node identifiers along the stack from the target of the
//	back-edge to its source. A graph with no cycles (a DAG) yields nil.
//
//	Distinct back-edges yield distinct cycles; overlapping cycles through
//	shared nodes are each reported once per back-edge discovered, not
//	exhaustively enumerated (this is a diagnostic, not an SCC
//	decomposition).
//
// Outputs:
//   - [][]string: One ordered node sequence per discovered cycle.
//
// Thread Safety: Safe for concurrent use. Returns a snapshot.
func (g *Graph) DetectCycles() [][]string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	// Deterministic traversal order makes the diagnostic stable run to run.
	nodes := make([]string, 0, len(g.edges))
	for n := range g.edges {
		nodes = append(nodes, n)
	}
	sort.Strings(nodes)

	visited := make(map[string]bool, len(g.edges))
	stack := make(map[string]bool, len(g.edges))

	var cycles [][]string
	collect := func(cycle []string) {
		cycles = append(cycles, cycle)
	}

	for _, n := range nodes {
		if !visited[n] {
			g.cycleFrom(n, visited, stack, nil, collect, 0)
		}
	}

	return cycles
}

// cycleFrom is the recursive DFS helper.
//
// path carries the ordered recursion stack so a back-edge can be expanded
// into the full cycle sequence. When collect is nil, the walk stops at the
// first back-edge and reports it via the return value.
func (g *Graph) cycleFrom(node string, visited, stack map[string]bool, path []string, collect func([]string), depth int) bool {
	if depth >= maxDetectionDepth {
		return false
	}

	visited[node] = true
	stack[node] = true
	path = append(path, node)

	// Sorted neighbors for deterministic output.
	targets := g.edges[node]
	neighbors := make([]string, 0, len(targets))
	for t := range targets {
		neighbors = append(neighbors, t)
	}
	sort.Strings(neighbors)

	found := false
	for _, next := range neighbors {
		if stack[next] {
			// Back-edge: the cycle runs from next's position on the path
			// through the current node.
			if collect != nil {
				start := 0
				for i, p := range path {
					if p == next {
						start = i
						break
					}
				}
				cycle := make([]string, len(path)-start)
				copy(cycle, path[start:])
				collect(cycle)
				found = true
				continue
			}
			stack[node] = false
			return true
		}
		if !visited[next] {
			if g.cycleFrom(next, visited, stack, path, collect, depth+1) {
				if collect == nil {
					stack[node] = false
					return true
				}
				found = true
			}
		}
	}

	stack[node] = false
	return found
}
