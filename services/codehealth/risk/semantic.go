// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package risk

import (
	"slices"

	"github.com/AleutianAI/codehealth/services/codehealth/graph"
)

// Semantic impact weights per relationship.
const (
	WeightRemoved    = 0.2
	WeightCreated    = 0.1
	WeightMaintained = 0.05

	// HighImpactScore is the score above which a high-impact warning is
	// raised.
	HighImpactScore = 0.7
)

// SemanticImpact compares a node's similarity neighbourhood before and
// after a change.
type SemanticImpact struct {
	Created    []string `json:"created"`
	Removed    []string `json:"removed"`
	Maintained []string `json:"maintained"`
	Score      float64  `json:"score"`

	// HighImpact is set when Score exceeds HighImpactScore.
	HighImpact bool `json:"high_impact"`

	// Breaking is set when any relationship is removed.
	Breaking bool `json:"breaking"`

	// Skipped is set when there was no embedding to compare.
	Skipped bool `json:"skipped,omitempty"`
}

// SemanticScore is clip(0.2*removed + 0.1*created - 0.05*maintained, 0, 1).
func SemanticScore(created, removed, maintained int) float64 {
	score := WeightRemoved*float64(removed) +
		WeightCreated*float64(created) -
		WeightMaintained*float64(maintained)
	return min(1, max(0, score))
}

// AssessSemantic computes the impact of giving id the embedding proposed.
//
// # Description
//
// The old neighbourhood is every node whose similarity to id's current
// embedding is at least threshold; the new neighbourhood is the same
// against proposed. A node without a fresh embedding has an empty old
// neighbourhood. A nil proposed embedding skips the assessment.
//
// # Inputs
//
//   - snap: Graph snapshot before the change.
//   - id: Node being changed. Need not exist in snap.
//   - proposed: Embedding of the new content.
//   - threshold: Minimum similarity for a relationship.
//
// # Outputs
//
//   - SemanticImpact: Sorted relationship sets and score.
func AssessSemantic(snap *graph.Snapshot, id string, proposed []float32, threshold float64) SemanticImpact {
	if len(proposed) == 0 {
		return SemanticImpact{Skipped: true, Created: []string{}, Removed: []string{}, Maintained: []string{}}
	}
	before := neighbourhood(snap, snap.Embedding(id), threshold, id)
	after := neighbourhood(snap, proposed, threshold, id)

	var created, removed, maintained []string
	for other := range after {
		if _, ok := before[other]; ok {
			maintained = append(maintained, other)
		} else {
			created = append(created, other)
		}
	}
	for other := range before {
		if _, ok := after[other]; !ok {
			removed = append(removed, other)
		}
	}
	return newImpact(created, removed, maintained)
}

// AssessRemoval computes the impact of deleting id: every similarity
// relationship and every dependent's import is removed.
func AssessRemoval(snap *graph.Snapshot, id string, threshold float64) SemanticImpact {
	removed := make([]string, 0)
	for other := range neighbourhood(snap, snap.Embedding(id), threshold, id) {
		removed = append(removed, other)
	}
	removed = append(removed, snap.Dependents(id)...)
	slices.Sort(removed)
	return newImpact(nil, slices.Compact(removed), nil)
}

func newImpact(created, removed, maintained []string) SemanticImpact {
	si := SemanticImpact{
		Created:    sorted(created),
		Removed:    sorted(removed),
		Maintained: sorted(maintained),
	}
	si.Score = SemanticScore(len(si.Created), len(si.Removed), len(si.Maintained))
	si.HighImpact = si.Score > HighImpactScore
	si.Breaking = len(si.Removed) > 0
	return si
}

func neighbourhood(snap *graph.Snapshot, vec []float32, threshold float64, exclude string) map[string]struct{} {
	out := make(map[string]struct{})
	if len(vec) == 0 {
		return out
	}
	for _, m := range snap.SimilarTo(vec, threshold, exclude) {
		out[m.ID] = struct{}{}
	}
	return out
}

func sorted(s []string) []string {
	if s == nil {
		return []string{}
	}
	slices.Sort(s)
	return s
}
