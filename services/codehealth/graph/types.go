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
	"math"
	"slices"
	"time"
)

// EdgeKind distinguishes dependency edges from similarity edges.
type EdgeKind string

const (
	// EdgeDependency points from an importing file to the imported file.
	EdgeDependency EdgeKind = "dependency"

	// EdgeSimilarity links two files whose embeddings are similar. It is
	// stored symmetrically.
	EdgeSimilarity EdgeKind = "similarity"
)

// Edge is one relationship. Weight is 1 for dependencies and the cosine
// similarity for similarity edges.
type Edge struct {
	From   string   `json:"from"`
	To     string   `json:"to"`
	Kind   EdgeKind `json:"kind"`
	Weight float64  `json:"weight"`
}

// Node is one code unit.
type Node struct {
	// ID is the slash-separated path relative to the watched root.
	ID string

	// Hash is the hex sha256 of the current content.
	Hash string

	// StructureHash fingerprints the syntax tree shape. Zero when the file
	// could not be parsed.
	StructureHash uint64

	// Embedding is the vector for the content identified by EmbeddingHash.
	// The store drops it when EmbeddingHash does not equal Hash.
	Embedding     []float32
	EmbeddingHash string

	// Dependencies are the ids this node imports, sorted.
	Dependencies []string

	ModifiedAt time.Time
}

// HasFreshEmbedding reports whether the node carries an embedding for its
// current content.
func (n *Node) HasFreshEmbedding() bool {
	return len(n.Embedding) > 0 && n.EmbeddingHash == n.Hash
}

func (n Node) clone() Node {
	n.Dependencies = slices.Clone(n.Dependencies)
	return n
}

// Similarity is a scored match returned by SimilarTo.
type Similarity struct {
	ID    string  `json:"id"`
	Score float64 `json:"score"`
}

// Cosine returns the cosine similarity of a and b in [-1, 1]. Vectors of
// different length or zero norm have similarity 0.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	sim := dot / (math.Sqrt(na) * math.Sqrt(nb))
	return min(1, max(-1, sim))
}

// Delta is a proposed change to the dependency edges.
type Delta struct {
	// Replace sets the full dependency list of each id.
	Replace map[string][]string

	// Edges adds dependency edges. Kind is ignored.
	Edges []Edge

	// Remove deletes ids and all their outgoing edges.
	Remove []string
}

// Empty reports whether the delta changes nothing.
func (d Delta) Empty() bool {
	return len(d.Replace) == 0 && len(d.Edges) == 0 && len(d.Remove) == 0
}

// sortedSet returns the sorted keys of set.
func sortedSet(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
