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
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// Store is the canonical semantic graph.
//
// Thread Safety: mutations take the write lock; ExportSnapshot and the
// single-node accessors take the read lock. The updater is the only
// writer, so mutations never contend with each other.
type Store struct {
	mu sync.RWMutex

	nodes map[string]*Node
	deps  map[string]map[string]struct{} // id -> ids it depends on
	rdeps map[string]map[string]struct{} // id -> ids depending on it
	sim   map[string]map[string]float64  // symmetric

	dim    int
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock sets the clock used to stamp nodes without ModifiedAt.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// NewStore creates an empty store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		nodes:  make(map[string]*Node),
		deps:   make(map[string]map[string]struct{}),
		rdeps:  make(map[string]map[string]struct{}),
		sim:    make(map[string]map[string]float64),
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("component", "graph"))
	return s
}

// Upsert inserts or replaces a node.
//
// # Description
//
// The node's dependency list replaces the previous one. An embedding whose
// EmbeddingHash differs from Hash is dropped. When the incoming node has no
// embedding but its Hash equals the stored one, the stored embedding is
// kept. A content change removes the node's similarity edges; call
// RefreshSimilarity afterwards to recompute them.
//
// # Inputs
//
//   - n: The node. ID must be set. Slices are copied.
//
// # Outputs
//
//   - error: ErrInvalidNode for an empty id, ErrDimensionMismatch when the
//     embedding length differs from the store's dimension. The store is
//     unchanged on error.
func (s *Store) Upsert(n Node) error {
	if n.ID == "" {
		return ErrInvalidNode
	}

	n = n.clone()
	if len(n.Embedding) > 0 && n.EmbeddingHash != n.Hash {
		s.logger.Debug("dropping stale embedding",
			slog.String("id", n.ID),
			slog.String("hash", n.Hash),
			slog.String("embedding_hash", n.EmbeddingHash),
		)
		n.Embedding, n.EmbeddingHash = nil, ""
	}
	if len(n.Embedding) > 0 {
		n.Embedding = slices.Clone(n.Embedding)
	}
	if n.ModifiedAt.IsZero() {
		n.ModifiedAt = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(n.Embedding) > 0 {
		if s.dim == 0 {
			s.dim = len(n.Embedding)
		} else if len(n.Embedding) != s.dim {
			return fmt.Errorf("%w: node %s has %d, store has %d", ErrDimensionMismatch, n.ID, len(n.Embedding), s.dim)
		}
	}

	if prev, ok := s.nodes[n.ID]; ok {
		if len(n.Embedding) == 0 && prev.Hash == n.Hash && prev.HasFreshEmbedding() {
			n.Embedding, n.EmbeddingHash = prev.Embedding, prev.EmbeddingHash
		}
		if prev.Hash != n.Hash {
			s.clearSimilarityLocked(n.ID)
		}
	}

	s.setDependenciesLocked(n.ID, n.Dependencies)
	n.Dependencies = sortedSet(s.deps[n.ID])
	s.nodes[n.ID] = &n

	recordMutation("upsert")
	return nil
}

// Remove deletes a node with its outgoing dependencies and similarity
// edges. Edges from other nodes that still import id are kept, so
// Dependents(id) remains accurate if the file comes back.
func (s *Store) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.nodes[id]; !ok {
		return false
	}
	delete(s.nodes, id)
	s.setDependenciesLocked(id, nil)
	s.clearSimilarityLocked(id)

	recordMutation("remove")
	return true
}

// SetEmbedding attaches an embedding computed for hash. It is a no-op
// when the node has moved on to different content.
func (s *Store) SetEmbedding(id, hash string, vec []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	if n.Hash != hash || len(vec) == 0 {
		return nil
	}
	if s.dim == 0 {
		s.dim = len(vec)
	} else if len(vec) != s.dim {
		return fmt.Errorf("%w: node %s has %d, store has %d", ErrDimensionMismatch, id, len(vec), s.dim)
	}
	n.Embedding, n.EmbeddingHash = slices.Clone(vec), hash

	recordMutation("embed")
	return nil
}

// Node returns a copy of the node.
func (s *Store) Node(id string) (Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	if !ok {
		return Node{}, false
	}
	return n.clone(), true
}

// Len returns the number of nodes.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.nodes)
}

// Dimension returns the embedding dimension, 0 before the first embedding.
func (s *Store) Dimension() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dim
}

// Neighbors returns every edge touching id: outgoing and incoming
// dependencies, then similarity edges, each group sorted.
func (s *Store) Neighbors(id string) []Edge {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Edge
	for _, to := range sortedSet(s.deps[id]) {
		out = append(out, Edge{From: id, To: to, Kind: EdgeDependency, Weight: 1})
	}
	for _, from := range sortedSet(s.rdeps[id]) {
		out = append(out, Edge{From: from, To: id, Kind: EdgeDependency, Weight: 1})
	}
	others := make([]string, 0, len(s.sim[id]))
	for other := range s.sim[id] {
		others = append(others, other)
	}
	slices.Sort(others)
	for _, other := range others {
		out = append(out, Edge{From: id, To: other, Kind: EdgeSimilarity, Weight: s.sim[id][other]})
	}
	return out
}

// RefreshSimilarity recomputes the similarity edges of id against every
// other node with a fresh embedding, keeping pairs at or above threshold.
// It returns the number of edges kept.
func (s *Store) RefreshSimilarity(id string, threshold float64) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.clearSimilarityLocked(id)
	n, ok := s.nodes[id]
	if !ok || !n.HasFreshEmbedding() {
		return 0
	}

	kept := 0
	for otherID, other := range s.nodes {
		if otherID == id || !other.HasFreshEmbedding() {
			continue
		}
		if sim := Cosine(n.Embedding, other.Embedding); sim >= threshold {
			s.linkLocked(id, otherID, sim)
			kept++
		}
	}
	recordSimilarityRefresh(kept)
	return kept
}

// RebuildSimilarity recomputes all similarity edges. Used after discovery.
func (s *Store) RebuildSimilarity(threshold float64) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sim = make(map[string]map[string]float64)
	ids := make([]string, 0, len(s.nodes))
	for id, n := range s.nodes {
		if n.HasFreshEmbedding() {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)

	edges := 0
	for i := 0; i < len(ids); i++ {
		a := s.nodes[ids[i]]
		for j := i + 1; j < len(ids); j++ {
			b := s.nodes[ids[j]]
			if sim := Cosine(a.Embedding, b.Embedding); sim >= threshold {
				s.linkLocked(a.ID, b.ID, sim)
				edges++
			}
		}
	}
	recordMutation("rebuild_similarity")
	return edges
}

// ExportSnapshot copies the graph into an immutable Snapshot.
func (s *Store) ExportSnapshot() *Snapshot {
	start := time.Now()
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := &Snapshot{
		nodes:   make(map[string]Node, len(s.nodes)),
		deps:    make(map[string][]string, len(s.deps)),
		rdeps:   make(map[string][]string, len(s.rdeps)),
		sim:     make(map[string]map[string]float64, len(s.sim)),
		dim:     s.dim,
		TakenAt: s.now(),
	}
	for id, n := range s.nodes {
		snap.nodes[id] = n.clone()
	}
	for id, set := range s.deps {
		snap.deps[id] = sortedSet(set)
	}
	for id, set := range s.rdeps {
		snap.rdeps[id] = sortedSet(set)
	}
	for id, row := range s.sim {
		cp := make(map[string]float64, len(row))
		for k, v := range row {
			cp[k] = v
		}
		snap.sim[id] = cp
	}

	recordSnapshot(time.Since(start), len(snap.nodes))
	return snap
}

func (s *Store) setDependenciesLocked(id string, deps []string) {
	for old := range s.deps[id] {
		if set := s.rdeps[old]; set != nil {
			delete(set, id)
			if len(set) == 0 {
				delete(s.rdeps, old)
			}
		}
	}
	delete(s.deps, id)

	if len(deps) == 0 {
		return
	}
	set := make(map[string]struct{}, len(deps))
	for _, d := range deps {
		if d == "" || d == id {
			continue
		}
		set[d] = struct{}{}
		if s.rdeps[d] == nil {
			s.rdeps[d] = make(map[string]struct{})
		}
		s.rdeps[d][id] = struct{}{}
	}
	if len(set) > 0 {
		s.deps[id] = set
	}
}

func (s *Store) linkLocked(a, b string, sim float64) {
	if s.sim[a] == nil {
		s.sim[a] = make(map[string]float64)
	}
	if s.sim[b] == nil {
		s.sim[b] = make(map[string]float64)
	}
	s.sim[a][b] = sim
	s.sim[b][a] = sim
}

func (s *Store) clearSimilarityLocked(id string) {
	for other := range s.sim[id] {
		delete(s.sim[other], id)
		if len(s.sim[other]) == 0 {
			delete(s.sim, other)
		}
	}
	delete(s.sim, id)
}
