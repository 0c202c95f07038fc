// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graph

import (
	"context"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

// DefaultMaxCycles bounds cycle enumeration.
const DefaultMaxCycles = 100

// FindCycles returns the elementary cycles of adj.
//
// # Description
//
// Implements Johnson's algorithm: for each vertex s in id order, the
// strongly connected component containing s in the subgraph of vertices
// >= s is found with Tarjan's algorithm, and every circuit through s in
// that component is enumerated. Each cycle therefore starts at its
// smallest id, and self-loops are cycles of length one.
//
// # Inputs
//
//   - adj: Dependency adjacency. Targets need not be keys.
//   - limit: Maximum cycles to return. <= 0 means DefaultMaxCycles.
//
// # Outputs
//
//   - [][]string: Cycles in discovery order. Nil when acyclic.
func FindCycles(adj map[string][]string, limit int) [][]string {
	return findCycles(adj, limit)
}

// MaxCircuits bounds the circuits CheckCycles enumerates, kept or not.
const MaxCircuits = 10000

// CheckCycles merges delta into snap and returns the cycles that traverse
// at least one edge the delta introduces. Cycles already present in snap
// are not reported.
//
// # Description
//
// Only strongly connected components of the merged graph that contain an
// added edge are searched, and each search starts on an added edge, so
// circuits that existed before the delta are never enumerated. Cycles are
// rotated to start at their smallest id and returned sorted.
//
// # Inputs
//
//   - ctx: Tracing only.
//   - snap: Graph before the change. Not modified.
//   - delta: Proposed dependency changes.
//   - limit: Maximum cycles to return. <= 0 means DefaultMaxCycles.
//
// # Outputs
//
//   - [][]string: Introduced cycles. Nil when there are none.
func CheckCycles(ctx context.Context, snap *Snapshot, delta Delta, limit int) [][]string {
	ctx, span := startCycleSpan(ctx, delta)
	defer span.End()
	start := time.Now()

	if delta.Empty() {
		recordCycleCheck(ctx, time.Since(start), 0)
		return nil
	}

	trial := snap.TrialMerge(delta)
	var added [][2]string
	for from, tos := range trial.deps {
		for _, to := range tos {
			if !snap.hasEdge(from, to) {
				added = append(added, [2]string{from, to})
			}
		}
	}

	sub, added := addedComponents(trial.deps, added)
	if len(added) == 0 {
		recordCycleCheck(ctx, time.Since(start), 0)
		return nil
	}
	cycles := cyclesThrough(sub, added, limit)

	span.SetAttributes(attribute.Int("graph.cycles", len(cycles)))
	recordCycleCheck(ctx, time.Since(start), len(cycles))
	return cycles
}

// addedComponents keeps only the edges inside strongly connected
// components that contain an added edge, and the added edges that lie in
// one. Every cycle through an added edge survives. Returned edges are
// sorted.
func addedComponents(adj map[string][]string, added [][2]string) (map[string][]string, [][2]string) {
	comp := componentIDs(adj)
	hot := make(map[int]bool)
	var kept [][2]string
	for _, e := range added {
		c, ok := comp[e[0]]
		if ok && c == comp[e[1]] {
			hot[c] = true
			kept = append(kept, e)
		}
	}
	slices.SortFunc(kept, func(a, b [2]string) int {
		if n := strings.Compare(a[0], b[0]); n != 0 {
			return n
		}
		return strings.Compare(a[1], b[1])
	})

	sub := make(map[string][]string)
	for from, tos := range adj {
		c := comp[from]
		if !hot[c] {
			continue
		}
		for _, to := range tos {
			if comp[to] == c {
				sub[from] = append(sub[from], to)
			}
		}
	}
	return sub, kept
}

// cyclesThrough enumerates the elementary cycles of adj that use one of
// the edges, deduplicated, until limit cycles are found or MaxCircuits
// circuits were visited.
func cyclesThrough(adj map[string][]string, edges [][2]string, limit int) [][]string {
	if limit <= 0 {
		limit = DefaultMaxCycles
	}
	ids, index, g := indexGraph(adj)

	all := make([]int, len(ids))
	for i := range all {
		all[i] = i
	}
	seen := make(map[string]struct{})
	var cycles [][]string
	visited := 0
	search := newCircuitSearch(g, func(path []int) bool {
		visited++
		cycle := canonical(ids, path)
		key := strings.Join(cycle, "\x00")
		if _, dup := seen[key]; !dup {
			seen[key] = struct{}{}
			cycles = append(cycles, cycle)
		}
		return len(cycles) < limit && visited < MaxCircuits
	})
	for _, e := range edges {
		if search.stopped {
			break
		}
		search.reset(all)
		search.circuit(index[e[0]], index[e[0]], index[e[1]])
	}

	slices.SortFunc(cycles, slices.Compare[[]string])
	return cycles
}

// canonical returns path as ids, rotated to start at its smallest id.
func canonical(ids []string, path []int) []string {
	lo := 0
	for i, v := range path {
		if v < path[lo] {
			lo = i
		}
	}
	out := make([]string, 0, len(path))
	for i := range path {
		out = append(out, ids[path[(lo+i)%len(path)]])
	}
	return out
}

func findCycles(adj map[string][]string, limit int) [][]string {
	if limit <= 0 {
		limit = DefaultMaxCycles
	}
	ids, _, g := indexGraph(adj)

	var cycles [][]string
	search := newCircuitSearch(g, func(path []int) bool {
		cycle := make([]string, len(path))
		for i, x := range path {
			cycle[i] = ids[x]
		}
		cycles = append(cycles, cycle)
		return len(cycles) < limit
	})
	for s := 0; s < len(ids) && !search.stopped; s++ {
		comp := componentOf(g, s)
		if len(comp) == 0 {
			continue
		}
		if len(comp) == 1 && !slices.Contains(g[s], s) {
			continue
		}
		search.reset(comp)
		search.circuit(s, s, -1)
		search.clear(comp)
	}
	return cycles
}

// indexGraph numbers the vertices of adj in id order, so the smallest
// index is the smallest id, and returns deduplicated integer adjacency.
func indexGraph(adj map[string][]string) ([]string, map[string]int, [][]int) {
	vertexSet := make(map[string]struct{}, len(adj))
	for from, tos := range adj {
		vertexSet[from] = struct{}{}
		for _, to := range tos {
			vertexSet[to] = struct{}{}
		}
	}
	ids := sortedSet(vertexSet)
	index := make(map[string]int, len(ids))
	for i, id := range ids {
		index[id] = i
	}
	g := make([][]int, len(ids))
	for from, tos := range adj {
		v := index[from]
		for _, to := range tos {
			g[v] = append(g[v], index[to])
		}
		slices.Sort(g[v])
		g[v] = slices.Compact(g[v])
	}
	return ids, index, g
}

// circuitSearch is the blocking circuit search of Johnson's algorithm.
// emit receives the current path for every circuit and returns false to
// stop the search.
type circuitSearch struct {
	g         [][]int
	allowed   []bool
	blocked   []bool
	blockedBy []map[int]struct{}
	stack     []int
	emit      func(path []int) bool
	stopped   bool
}

func newCircuitSearch(g [][]int, emit func(path []int) bool) *circuitSearch {
	n := len(g)
	return &circuitSearch{
		g:         g,
		allowed:   make([]bool, n),
		blocked:   make([]bool, n),
		blockedBy: make([]map[int]struct{}, n),
		emit:      emit,
	}
}

// reset unblocks the vertices in comp and restricts the search to them.
func (c *circuitSearch) reset(comp []int) {
	for _, v := range comp {
		c.allowed[v] = true
		c.blocked[v] = false
		c.blockedBy[v] = make(map[int]struct{})
	}
}

func (c *circuitSearch) clear(comp []int) {
	for _, v := range comp {
		c.allowed[v] = false
	}
}

func (c *circuitSearch) unblock(u int) {
	c.blocked[u] = false
	for w := range c.blockedBy[u] {
		delete(c.blockedBy[u], w)
		if c.blocked[w] {
			c.unblock(w)
		}
	}
}

// circuit extends the path at v and reports circuits back to s. When
// first >= 0 the step out of s is restricted to first.
func (c *circuitSearch) circuit(s, v, first int) bool {
	found := false
	c.stack = append(c.stack, v)
	c.blocked[v] = true
	for _, w := range c.g[v] {
		if c.stopped {
			break
		}
		if !c.allowed[w] || (v == s && first >= 0 && w != first) {
			continue
		}
		if w == s {
			if !c.emit(c.stack) {
				c.stopped = true
			}
			found = true
		} else if !c.blocked[w] && c.circuit(s, w, first) {
			found = true
		}
	}
	if found {
		c.unblock(v)
	} else {
		for _, w := range c.g[v] {
			if c.allowed[w] {
				c.blockedBy[w][v] = struct{}{}
			}
		}
	}
	c.stack = c.stack[:len(c.stack)-1]
	return found
}

// componentIDs labels every vertex of adj with its strongly connected
// component, using Tarjan's algorithm.
func componentIDs(adj map[string][]string) map[string]int {
	index := make(map[string]int)
	lowlink := make(map[string]int)
	onStack := make(map[string]bool)
	comp := make(map[string]int)
	var stack []string
	next, label := 0, 0

	var strongConnect func(v string)
	strongConnect = func(v string) {
		index[v], lowlink[v] = next, next
		next++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range adj[v] {
			if _, seen := index[w]; !seen {
				strongConnect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], index[w])
			}
		}

		if lowlink[v] == index[v] {
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				comp[w] = label
				if w == v {
					break
				}
			}
			label++
		}
	}

	vertices := make(map[string]struct{}, len(adj))
	for from, tos := range adj {
		vertices[from] = struct{}{}
		for _, to := range tos {
			vertices[to] = struct{}{}
		}
	}
	for _, v := range sortedSet(vertices) {
		if _, seen := index[v]; !seen {
			strongConnect(v)
		}
	}
	return comp
}

// componentOf returns the strongly connected component containing s in
// the subgraph induced by vertices >= s, using Tarjan's algorithm.
func componentOf(g [][]int, s int) []int {
	n := len(g)
	indices := make([]int, n)
	lowlinks := make([]int, n)
	onStack := make([]bool, n)
	for i := range indices {
		indices[i] = -1
	}
	var stack []int
	next := 0
	var result []int

	var strongConnect func(v int)
	strongConnect = func(v int) {
		indices[v] = next
		lowlinks[v] = next
		next++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range g[v] {
			if w < s {
				continue
			}
			if indices[w] == -1 {
				strongConnect(w)
				lowlinks[v] = min(lowlinks[v], lowlinks[w])
			} else if onStack[w] {
				lowlinks[v] = min(lowlinks[v], indices[w])
			}
		}

		if lowlinks[v] == indices[v] {
			var scc []int
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			if v == s {
				result = scc
			}
		}
	}

	strongConnect(s)
	return result
}
