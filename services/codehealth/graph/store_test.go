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
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func embedded(id, hash string, vec ...float32) Node {
	return Node{ID: id, Hash: hash, Embedding: vec, EmbeddingHash: hash}
}

func TestStore_UpsertValidation(t *testing.T) {
	s := NewStore()

	assert.ErrorIs(t, s.Upsert(Node{Hash: "h"}), ErrInvalidNode)

	require.NoError(t, s.Upsert(embedded("a", "h", 1, 0, 0)))
	err := s.Upsert(embedded("b", "h", 1, 0))
	assert.ErrorIs(t, err, ErrDimensionMismatch)
	_, ok := s.Node("b")
	assert.False(t, ok, "store unchanged on error")
	assert.Equal(t, 3, s.Dimension())
}

func TestStore_StaleEmbeddingDropped(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Upsert(Node{ID: "a", Hash: "new", Embedding: []float32{1, 2}, EmbeddingHash: "old"}))

	n, ok := s.Node("a")
	require.True(t, ok)
	assert.Nil(t, n.Embedding)
	assert.False(t, n.HasFreshEmbedding())
	assert.Zero(t, s.Dimension())
}

func TestStore_EmbeddingKeptForSameContent(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Upsert(embedded("a", "h1", 1, 0)))
	require.NoError(t, s.Upsert(Node{ID: "a", Hash: "h1", Dependencies: []string{"b"}}))

	n, _ := s.Node("a")
	assert.True(t, n.HasFreshEmbedding())
	assert.Equal(t, []string{"b"}, n.Dependencies)

	require.NoError(t, s.Upsert(Node{ID: "a", Hash: "h2"}))
	n, _ = s.Node("a")
	assert.False(t, n.HasFreshEmbedding(), "new content without an embedding has none")
}

func TestStore_SetEmbedding(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Upsert(Node{ID: "a", Hash: "h1"}))

	assert.ErrorIs(t, s.SetEmbedding("missing", "h1", []float32{1}), ErrNodeNotFound)

	require.NoError(t, s.SetEmbedding("a", "stale", []float32{1, 0}))
	n, _ := s.Node("a")
	assert.False(t, n.HasFreshEmbedding())

	require.NoError(t, s.SetEmbedding("a", "h1", []float32{1, 0}))
	n, _ = s.Node("a")
	assert.True(t, n.HasFreshEmbedding())
	assert.ErrorIs(t, s.SetEmbedding("a", "h1", []float32{1, 0, 0}), ErrDimensionMismatch)
}

func TestStore_Dependencies(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Upsert(Node{ID: "a", Hash: "1", Dependencies: []string{"c", "b", "a", "b"}}))

	snap := s.ExportSnapshot()
	assert.Equal(t, []string{"b", "c"}, snap.Dependencies("a"), "sorted, deduplicated, no self edge")
	assert.Equal(t, []string{"a"}, snap.Dependents("b"))

	require.NoError(t, s.Upsert(Node{ID: "a", Hash: "2", Dependencies: []string{"c"}}))
	snap = s.ExportSnapshot()
	assert.Empty(t, snap.Dependents("b"))
	assert.Equal(t, []string{"a"}, snap.Dependents("c"))
}

func TestStore_Remove(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Upsert(Node{ID: "a", Hash: "1", Dependencies: []string{"b"}}))
	require.NoError(t, s.Upsert(embedded("b", "1", 1, 0)))
	require.NoError(t, s.Upsert(embedded("c", "1", 1, 0)))
	s.RefreshSimilarity("b", 0.5)

	assert.False(t, s.Remove("missing"))
	assert.True(t, s.Remove("b"))
	assert.Equal(t, 2, s.Len())

	snap := s.ExportSnapshot()
	assert.Equal(t, []string{"a"}, snap.Dependents("b"), "importers still point at the removed file")
	assert.Empty(t, s.Neighbors("c"), "similarity edges removed")

	assert.True(t, s.Remove("a"))
	assert.Empty(t, s.ExportSnapshot().Dependents("b"))
}

func TestStore_Similarity(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Upsert(embedded("a", "1", 1, 0)))
	require.NoError(t, s.Upsert(embedded("b", "1", 0.9, 0.1)))
	require.NoError(t, s.Upsert(embedded("c", "1", 0, 1)))
	require.NoError(t, s.Upsert(Node{ID: "d", Hash: "1"}))

	assert.Equal(t, 1, s.RefreshSimilarity("a", 0.5))
	edges := s.Neighbors("a")
	require.Len(t, edges, 1)
	assert.Equal(t, "b", edges[0].To)
	assert.Equal(t, EdgeSimilarity, edges[0].Kind)
	assert.InDelta(t, 0.9939, edges[0].Weight, 1e-3)

	// Symmetric.
	require.Len(t, s.Neighbors("b"), 1)

	// Content change clears similarity edges.
	require.NoError(t, s.Upsert(Node{ID: "b", Hash: "2"}))
	assert.Empty(t, s.Neighbors("a"))

	assert.Zero(t, s.RefreshSimilarity("d", 0.5), "nodes without embeddings have no similarity edges")
}

func TestStore_RebuildSimilarity(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Upsert(embedded("a", "1", 1, 0)))
	require.NoError(t, s.Upsert(embedded("b", "1", 1, 0)))
	require.NoError(t, s.Upsert(embedded("c", "1", 1, 0.1)))
	require.NoError(t, s.Upsert(embedded("d", "1", 0, 1)))

	assert.Equal(t, 3, s.RebuildSimilarity(0.9))
	edges := s.ExportSnapshot().Edges()
	require.Len(t, edges, 3)
	assert.Equal(t, Edge{From: "a", To: "b", Kind: EdgeSimilarity, Weight: 1}, edges[0])
}

func TestStore_Neighbors(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Upsert(Node{ID: "b", Hash: "1", Dependencies: []string{"c"}}))
	require.NoError(t, s.Upsert(Node{ID: "a", Hash: "1", Dependencies: []string{"b"}}))

	assert.Equal(t, []Edge{
		{From: "b", To: "c", Kind: EdgeDependency, Weight: 1},
		{From: "a", To: "b", Kind: EdgeDependency, Weight: 1},
	}, s.Neighbors("b"))
}

func TestSnapshot_Isolation(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Upsert(Node{ID: "a", Hash: "1", Dependencies: []string{"b"}}))
	snap := s.ExportSnapshot()

	require.NoError(t, s.Upsert(Node{ID: "a", Hash: "2", Dependencies: []string{"c"}}))
	require.NoError(t, s.Upsert(Node{ID: "z", Hash: "1"}))

	n, ok := snap.Node("a")
	require.True(t, ok)
	assert.Equal(t, "1", n.Hash)
	assert.Equal(t, []string{"b"}, snap.Dependencies("a"))
	assert.Equal(t, []string{"a"}, snap.IDs())

	deps := snap.Dependencies("a")
	deps[0] = "mutated"
	assert.Equal(t, []string{"b"}, snap.Dependencies("a"), "accessors return copies")
}

func TestSnapshot_SimilarTo(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Upsert(embedded("a", "1", 1, 0)))
	require.NoError(t, s.Upsert(embedded("b", "1", 0.9, 0.1)))
	require.NoError(t, s.Upsert(embedded("c", "1", 0, 1)))
	snap := s.ExportSnapshot()

	got := snap.SimilarTo([]float32{1, 0}, 0.5, "")
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, "b", got[1].ID)

	got = snap.SimilarTo([]float32{1, 0}, 0.5, "a")
	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0].ID)

	assert.Nil(t, snap.SimilarTo(nil, 0.5, ""))
	assert.Len(t, snap.Embeddings(), 3)
}

func TestSnapshot_TrialMergeDoesNotMutate(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Upsert(Node{ID: "a", Hash: "1", Dependencies: []string{"b"}}))
	require.NoError(t, s.Upsert(Node{ID: "b", Hash: "1"}))
	snap := s.ExportSnapshot()

	trial := snap.TrialMerge(Delta{
		Replace: map[string][]string{"a": {"c"}},
		Edges:   []Edge{{From: "b", To: "a"}},
		Remove:  []string{"x"},
	})

	assert.Equal(t, []string{"c"}, trial.Dependencies("a"))
	assert.Equal(t, []string{"a"}, trial.Dependencies("b"))
	assert.Equal(t, []string{"b"}, trial.Dependents("a"))
	n, _ := trial.Node("a")
	assert.Equal(t, []string{"c"}, n.Dependencies)

	assert.Equal(t, []string{"b"}, snap.Dependencies("a"))
	assert.Empty(t, snap.Dependencies("b"))
	n, _ = snap.Node("a")
	assert.Equal(t, []string{"b"}, n.Dependencies)
}

func TestSnapshot_MarshalJSON(t *testing.T) {
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewStore(WithClock(func() time.Time { return at }))
	require.NoError(t, s.Upsert(Node{ID: "a", Hash: "1", Dependencies: []string{"b"}}))
	require.NoError(t, s.Upsert(embedded("b", "2", 1)))

	data, err := json.Marshal(s.ExportSnapshot())
	require.NoError(t, err)

	var out struct {
		Nodes []struct {
			ID           string   `json:"id"`
			HasEmbedding bool     `json:"has_embedding"`
			Dependencies []string `json:"dependencies"`
			Dependents   []string `json:"dependents"`
		} `json:"nodes"`
		Edges   []Edge    `json:"edges"`
		TakenAt time.Time `json:"taken_at"`
	}
	require.NoError(t, json.Unmarshal(data, &out))
	require.Len(t, out.Nodes, 2)
	assert.Equal(t, "a", out.Nodes[0].ID)
	assert.False(t, out.Nodes[0].HasEmbedding)
	assert.Equal(t, []string{"b"}, out.Nodes[0].Dependencies)
	assert.True(t, out.Nodes[1].HasEmbedding)
	assert.Equal(t, []string{"a"}, out.Nodes[1].Dependents)
	assert.Equal(t, []Edge{{From: "a", To: "b", Kind: EdgeDependency, Weight: 1}}, out.Edges)
	assert.True(t, at.Equal(out.TakenAt))
	assert.NotContains(t, string(data), "embedding\":[", "vectors are not exported")
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, Cosine([]float32{1, 2, 3}, []float32{1, 2, 3}), 1e-9)
	assert.InDelta(t, 0.0, Cosine([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, -1.0, Cosine([]float32{1, 0}, []float32{-1, 0}), 1e-9)
	assert.Zero(t, Cosine([]float32{1}, []float32{1, 0}))
	assert.Zero(t, Cosine([]float32{0, 0}, []float32{1, 0}))
	assert.Zero(t, Cosine(nil, nil))
}

func TestStore_ConcurrentReaders(t *testing.T) {
	s := NewStore()
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			id := fmt.Sprintf("n%d", i%20)
			_ = s.Upsert(Node{ID: id, Hash: fmt.Sprint(i), Dependencies: []string{fmt.Sprintf("n%d", (i+1)%20)}})
		}
	}()
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				snap := s.ExportSnapshot()
				for _, id := range snap.IDs() {
					_ = snap.Dependencies(id)
				}
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 20, s.Len())
}
