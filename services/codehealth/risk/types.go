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
	"time"

	"github.com/AleutianAI/codehealth/services/codehealth/graph"
	"github.com/AleutianAI/codehealth/services/codehealth/perf"
	"github.com/AleutianAI/codehealth/services/codehealth/syntax"
)

// AlgorithmVersion is the version of the classification rules.
// Increment when changing priorities or impact formulas.
const AlgorithmVersion = "1.0"

// Classification is the risk class of a change.
type Classification string

const (
	ClassSecurity    Classification = "security"
	ClassCircular    Classification = "circular"
	ClassPerformance Classification = "performance"
	ClassHealth      Classification = "health"
	ClassBreaking    Classification = "breaking"
	ClassSemantic    Classification = "semantic"
	ClassStructural  Classification = "structural"
	ClassSyntaxOnly  Classification = "syntax_only"
	ClassMinor       Classification = "minor"
)

// priorityOrder lists classifications from most to least severe.
var priorityOrder = []Classification{
	ClassSecurity,
	ClassCircular,
	ClassPerformance,
	ClassHealth,
	ClassBreaking,
	ClassSemantic,
	ClassStructural,
	ClassSyntaxOnly,
	ClassMinor,
}

// Classifications returns every classification, most severe first.
func Classifications() []Classification {
	return slices.Clone(priorityOrder)
}

// Priority returns the rank of c; 0 is the most severe. Unknown values
// rank after every known classification.
func (c Classification) Priority() int {
	if i := slices.Index(priorityOrder, c); i >= 0 {
		return i
	}
	return len(priorityOrder)
}

// Outranks reports whether c is more severe than other.
func (c Classification) Outranks(other Classification) bool {
	return c.Priority() < other.Priority()
}

// Blocking reports whether changes of this class must be rejected.
func (c Classification) Blocking() bool {
	return c == ClassSecurity || c == ClassCircular
}

func (c Classification) String() string { return string(c) }

// ChangeKind is the filesystem event behind a change.
type ChangeKind string

const (
	ChangeCreated  ChangeKind = "created"
	ChangeModified ChangeKind = "modified"
	ChangeDeleted  ChangeKind = "deleted"
)

// Change is a proposed new state for one file.
//
// Content, Hash, StructureHash, Dependencies and Embedding describe the
// proposed content and are ignored for deletions.
type Change struct {
	Kind ChangeKind
	Path string

	Content       []byte
	Hash          string
	StructureHash uint64

	// Dependencies are the resolved ids the new content imports.
	Dependencies []string

	// Edges are extra proposed dependency edges checked together with
	// Dependencies. Optional.
	Edges []graph.Edge

	// Embedding of the new content. Nil when the embedding collaborator
	// failed; semantic impact is then skipped.
	Embedding []float32

	// Tree is the parsed content, if the caller already has it. The
	// pipeline does not close it.
	Tree *syntax.Tree
}

// Validation is the outcome of classifying one Change.
type Validation struct {
	ID             string         `json:"id"`
	Path           string         `json:"path"`
	Kind           ChangeKind     `json:"kind"`
	Valid          bool           `json:"valid"`
	Classification Classification `json:"classification,omitempty"`
	Impact         float64        `json:"impact"`
	Affected       []string       `json:"affected"`
	Warnings       []string       `json:"warnings"`

	// Err is set for invalid validations. Error carries its text across
	// serialization.
	Err   error  `json:"-"`
	Error string `json:"error,omitempty"`

	Security    []string        `json:"security,omitempty"`
	Cycles      [][]string      `json:"cycles,omitempty"`
	Performance *perf.Report    `json:"performance,omitempty"`
	Semantic    *SemanticImpact `json:"semantic,omitempty"`

	// HealthDelta is the projected change of the aggregate health score.
	HealthDelta float64 `json:"health_delta"`

	ValidatedAt time.Time     `json:"validated_at"`
	Duration    time.Duration `json:"duration_ns"`
}

// Blocking reports whether the change was rejected by a blocking class.
func (v *Validation) Blocking() bool {
	return !v.Valid && v.Classification.Blocking()
}

func (v *Validation) reject(err error) {
	v.Valid = false
	v.Err = err
	v.Error = err.Error()
}

func (v *Validation) warn(msg string) {
	v.Warnings = append(v.Warnings, msg)
}

func (v *Validation) affect(ids ...string) {
	v.Affected = append(v.Affected, ids...)
}

// finish sorts and de-duplicates Affected.
func (v *Validation) finish() {
	slices.Sort(v.Affected)
	v.Affected = slices.Compact(v.Affected)
}
