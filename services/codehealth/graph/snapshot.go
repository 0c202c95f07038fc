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
	"encoding/json"
	"slices"
	"sort"
	"time"
)

// Snapshot is an immutable copy of the graph. Safe for concurrent readers.
type Snapshot struct {
	nodes map[string]Node
	deps  map[string][]string
	rdeps map[string][]string
	sim   map[string]map[string]float64
	dim   int

	// TakenAt is when the snapshot was exported.
	TakenAt time.Time
}

// Node returns the node with id.
func (s *Snapshot) Node(id string) (Node, bool) {
	n, ok := s.nodes[id]
	if !ok {
		return Node{}, false
	}
	return n.clone(), true
}

// Has reports whether id is a node.
func (s *Snapshot) Has(id string) bool {
	_, ok := s.nodes[id]
	return ok
}

// Len returns the number of nodes.
func (s *Snapshot) Len() int { return len(s.nodes) }

// Dimension returns the embedding dimension.
func (s *Snapshot) Dimension() int { return s.dim }

// IDs returns the node ids, sorted.
func (s *Snapshot) IDs() []string {
	out := make([]string, 0, len(s.nodes))
	for id := range s.nodes {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Dependencies returns the sorted ids that id depends on.
func (s *Snapshot) Dependencies(id string) []string {
	return slices.Clone(s.deps[id])
}

// Dependents returns the sorted ids that depend on id.
func (s *Snapshot) Dependents(id string) []string {
	return slices.Clone(s.rdeps[id])
}

// Embeddings returns the fresh embeddings keyed by id. Nodes without an
// embedding for their current content are excluded.
func (s *Snapshot) Embeddings() map[string][]float32 {
	out := make(map[string][]float32, len(s.nodes))
	for id, n := range s.nodes {
		if n.HasFreshEmbedding() {
			out[id] = n.Embedding
		}
	}
	return out
}

// Embedding returns the fresh embedding of id, or nil.
func (s *Snapshot) Embedding(id string) []float32 {
	n, ok := s.nodes[id]
	if !ok || !n.HasFreshEmbedding() {
		return nil
	}
	return n.Embedding
}

// SimilarTo returns the nodes whose fresh embedding has cosine similarity
// of at least threshold to vec, best first. exclude is skipped.
func (s *Snapshot) SimilarTo(vec []float32, threshold float64, exclude string) []Similarity {
	if len(vec) == 0 {
		return nil
	}
	var out []Similarity
	for id, n := range s.nodes {
		if id == exclude || !n.HasFreshEmbedding() {
			continue
		}
		if sim := Cosine(vec, n.Embedding); sim >= threshold {
			out = append(out, Similarity{ID: id, Score: sim})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Adjacency returns a copy of the dependency adjacency lists.
func (s *Snapshot) Adjacency() map[string][]string {
	out := make(map[string][]string, len(s.deps))
	for id, deps := range s.deps {
		out[id] = slices.Clone(deps)
	}
	return out
}

// Edges returns all edges: dependencies first, then similarity edges with
// From < To, each sorted.
func (s *Snapshot) Edges() []Edge {
	var out []Edge
	for _, from := range sortedKeys(s.deps) {
		for _, to := range s.deps[from] {
			out = append(out, Edge{From: from, To: to, Kind: EdgeDependency, Weight: 1})
		}
	}
	var sims []Edge
	for a, row := range s.sim {
		for b, w := range row {
			if a < b {
				sims = append(sims, Edge{From: a, To: b, Kind: EdgeSimilarity, Weight: w})
			}
		}
	}
	sort.Slice(sims, func(i, j int) bool {
		if sims[i].From != sims[j].From {
			return sims[i].From < sims[j].From
		}
		return sims[i].To < sims[j].To
	})
	return append(out, sims...)
}

// TrialMerge returns a new snapshot with delta applied to the dependency
// edges. The receiver is not modified. Nodes named only by the delta are
// not added to the node set; the adjacency still carries their edges.
func (s *Snapshot) TrialMerge(delta Delta) *Snapshot {
	deps := make(map[string]map[string]struct{}, len(s.deps)+len(delta.Replace))
	for id, list := range s.deps {
		set := make(map[string]struct{}, len(list))
		for _, d := range list {
			set[d] = struct{}{}
		}
		deps[id] = set
	}

	nodes := make(map[string]Node, len(s.nodes))
	for id, n := range s.nodes {
		nodes[id] = n
	}
	for _, id := range delta.Remove {
		delete(deps, id)
		delete(nodes, id)
	}
	for id, list := range delta.Replace {
		set := make(map[string]struct{}, len(list))
		for _, d := range list {
			if d != "" && d != id {
				set[d] = struct{}{}
			}
		}
		deps[id] = set
	}
	for _, e := range delta.Edges {
		if e.From == "" || e.To == "" {
			continue
		}
		if deps[e.From] == nil {
			deps[e.From] = make(map[string]struct{})
		}
		deps[e.From][e.To] = struct{}{}
	}

	trial := &Snapshot{
		nodes:   nodes,
		deps:    make(map[string][]string, len(deps)),
		rdeps:   make(map[string][]string),
		sim:     s.sim,
		dim:     s.dim,
		TakenAt: s.TakenAt,
	}
	for id, set := range deps {
		if len(set) == 0 {
			continue
		}
		trial.deps[id] = sortedSet(set)
		for d := range set {
			trial.rdeps[d] = append(trial.rdeps[d], id)
		}
	}
	for id := range trial.rdeps {
		slices.Sort(trial.rdeps[id])
	}
	for id, n := range trial.nodes {
		n.Dependencies = trial.deps[id]
		trial.nodes[id] = n
	}
	return trial
}

// hasEdge reports whether from depends on to.
func (s *Snapshot) hasEdge(from, to string) bool {
	_, found := slices.BinarySearch(s.deps[from], to)
	return found
}

type nodeJSON struct {
	ID           string    `json:"id"`
	Hash         string    `json:"hash"`
	HasEmbedding bool      `json:"has_embedding"`
	Dependencies []string  `json:"dependencies"`
	Dependents   []string  `json:"dependents"`
	ModifiedAt   time.Time `json:"modified_at"`
}

// MarshalJSON exports the snapshot as {nodes, edges, taken_at}.
// Embedding vectors are not included.
func (s *Snapshot) MarshalJSON() ([]byte, error) {
	nodes := make([]nodeJSON, 0, len(s.nodes))
	for _, id := range s.IDs() {
		n := s.nodes[id]
		nodes = append(nodes, nodeJSON{
			ID:           id,
			Hash:         n.Hash,
			HasEmbedding: n.HasFreshEmbedding(),
			Dependencies: nonNil(s.deps[id]),
			Dependents:   nonNil(s.rdeps[id]),
			ModifiedAt:   n.ModifiedAt,
		})
	}
	edges := s.Edges()
	if edges == nil {
		edges = []Edge{}
	}
	return json.Marshal(struct {
		Nodes   []nodeJSON `json:"nodes"`
		Edges   []Edge     `json:"edges"`
		TakenAt time.Time  `json:"taken_at"`
	}{nodes, edges, s.TakenAt})
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
