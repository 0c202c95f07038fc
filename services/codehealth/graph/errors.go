// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package graph holds the semantic graph of code units.
//
// Nodes are files keyed by their slash-separated path relative to the
// watched root. Edges are either dependencies (derived from imports) or
// similarities (derived from embeddings). All relationships are adjacency
// lists keyed by id; nodes never reference each other directly.
//
// # Ownership Model
//
// Store is the canonical graph. It is written by a single owner (the
// updater) and read by everyone else through ExportSnapshot, which copies
// the adjacency under a short read lock. Snapshots are immutable.
//
// Embedding slices are copied on Upsert and never modified afterwards, so
// snapshots share them with the store.
//
// # Cycles
//
// FindCycles enumerates elementary cycles with Johnson's algorithm over
// Tarjan's strongly connected components. CheckCycles runs it on a trial
// merge of a snapshot with a proposed Delta and keeps only the cycles the
// delta introduces.
package graph

import "errors"

// Sentinel errors for graph operations.
var (
	// ErrInvalidNode is returned when a node has no id.
	ErrInvalidNode = errors.New("invalid node")

	// ErrNodeNotFound is returned when an operation names an unknown id.
	ErrNodeNotFound = errors.New("node not found")

	// ErrDimensionMismatch is returned when an embedding's length differs
	// from the dimension fixed by the first embedding stored.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
)
