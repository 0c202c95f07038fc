// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package health

import (
	"fmt"
	"strings"
	"time"
)

// Severity of a report issue.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Issue types.
const (
	IssueDuplication = "high_duplication"
	IssueOrphans     = "orphaned_components"
	IssueDivergence  = "semantic_divergence"
	IssueCircular    = "circular_dependency"
)

// Issue thresholds, as percentages.
const (
	DuplicationIssueRate = 10.0
	OrphanIssueRate      = 20.0
	DivergenceIssueRate  = 50.0
)

// Issue is one finding in a Report.
type Issue struct {
	Type            string   `json:"type"`
	Severity        Severity `json:"severity"`
	Details         string   `json:"details"`
	Recommendations []string `json:"recommendations,omitempty"`
}

// Metrics are the three rates.
type Metrics struct {
	DuplicationRate float64 `json:"duplication_rate"`
	OrphanRate      float64 `json:"orphan_rate"`
	DivergenceRate  float64 `json:"divergence_rate"`
}

// Report is the JSON health report.
type Report struct {
	HealthScore     float64   `json:"health_score"`
	Metrics         Metrics   `json:"metrics"`
	Issues          []Issue   `json:"issues"`
	Recommendations []string  `json:"recommendations"`
	Timestamp       time.Time `json:"timestamp"`
}

// BuildReport turns a snapshot and the graph's dependency cycles into a
// Report. Issues and recommendations are never nil.
func BuildReport(snap Snapshot, cycles [][]string) Report {
	r := Report{
		HealthScore: round2(snap.Score),
		Metrics: Metrics{
			DuplicationRate: round2(snap.DuplicationRate),
			OrphanRate:      round2(snap.OrphanRate),
			DivergenceRate:  round2(snap.DivergenceRate),
		},
		Issues:          []Issue{},
		Recommendations: []string{},
		Timestamp:       snap.Timestamp.UTC(),
	}

	if snap.DuplicationRate > DuplicationIssueRate {
		details := fmt.Sprintf("%.1f%% of component pairs are near-duplicates", snap.DuplicationRate)
		if len(snap.Duplicates) > 0 {
			top := snap.Duplicates[0]
			details += fmt.Sprintf(" (most similar: %s and %s at %.2f)", top.A, top.B, top.Similarity)
		}
		r.Issues = append(r.Issues, Issue{
			Type:     IssueDuplication,
			Severity: rateSeverity(snap.DuplicationRate, 25),
			Details:  details,
			Recommendations: []string{
				"Extract shared logic from near-duplicate files into a common module",
			},
		})
	}

	if snap.OrphanRate > OrphanIssueRate {
		details := fmt.Sprintf("%.1f%% of components are unrelated to any other component", snap.OrphanRate)
		if len(snap.Orphans) > 0 {
			details += fmt.Sprintf(" (e.g. %s)", strings.Join(firstN(snap.Orphans, 3), ", "))
		}
		r.Issues = append(r.Issues, Issue{
			Type:     IssueOrphans,
			Severity: rateSeverity(snap.OrphanRate, 40),
			Details:  details,
			Recommendations: []string{
				"Review orphaned components for dead code or missing integration",
			},
		})
	}

	if snap.DivergenceRate > DivergenceIssueRate {
		r.Issues = append(r.Issues, Issue{
			Type:     IssueDivergence,
			Severity: rateSeverity(snap.DivergenceRate, 75),
			Details:  fmt.Sprintf("mean similarity between components is %.2f", 1-snap.DivergenceRate/100),
			Recommendations: []string{
				"Consolidate overlapping responsibilities and align naming across modules",
			},
		})
	}

	for _, cycle := range cycles {
		if len(cycle) == 0 {
			continue
		}
		r.Issues = append(r.Issues, Issue{
			Type:     IssueCircular,
			Severity: SeverityError,
			Details:  strings.Join(append(append([]string{}, cycle...), cycle[0]), " -> "),
			Recommendations: []string{
				"Break the cycle by moving shared definitions into a package both sides can import",
			},
		})
	}

	seen := make(map[string]struct{})
	for _, issue := range r.Issues {
		for _, rec := range issue.Recommendations {
			if _, ok := seen[rec]; !ok {
				seen[rec] = struct{}{}
				r.Recommendations = append(r.Recommendations, rec)
			}
		}
	}
	if len(r.Issues) == 0 {
		r.Recommendations = append(r.Recommendations, "No structural issues detected; keep monitoring health trends")
	}
	return r
}

func rateSeverity(rate, errorAt float64) Severity {
	if rate > errorAt {
		return SeverityError
	}
	return SeverityWarning
}

func round2(v float64) float64 {
	return float64(int64(v*100+0.5)) / 100
}

func firstN(s []string, n int) []string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
