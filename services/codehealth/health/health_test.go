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
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixed = time.Date(2025, 6, 1, 10, 30, 0, 0, time.UTC)

func scorer(opts ...func(*Config)) *Scorer {
	cfg := DefaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	return NewScorer(cfg, WithClock(func() time.Time { return fixed }))
}

func mustScore(t *testing.T, s *Scorer, emb map[string][]float32) Snapshot {
	t.Helper()
	snap, err := s.Score(context.Background(), emb)
	require.NoError(t, err)
	return snap
}

func TestScore_TooFewNodes(t *testing.T) {
	s := scorer()
	for _, emb := range []map[string][]float32{nil, {"a": {1, 0}}} {
		snap := mustScore(t, s, emb)
		assert.Zero(t, snap.DuplicationRate)
		assert.Zero(t, snap.OrphanRate)
		assert.Zero(t, snap.DivergenceRate)
		assert.Equal(t, 100.0, snap.Score)
		assert.Equal(t, fixed, snap.Timestamp)
	}
}

func TestScore_IdenticalContentIsDuplicate(t *testing.T) {
	snap := mustScore(t, scorer(), map[string][]float32{
		"a.go": {0.3, 0.4, 0.5},
		"b.go": {0.3, 0.4, 0.5},
	})
	assert.InDelta(t, 100.0, snap.DuplicationRate, 1e-9)
	assert.Zero(t, snap.OrphanRate)
	assert.InDelta(t, 0.0, snap.DivergenceRate, 1e-6)
	assert.InDelta(t, 60.0, snap.Score, 1e-6)
	require.Len(t, snap.Duplicates, 1)
	assert.Equal(t, "a.go", snap.Duplicates[0].A)
	assert.Equal(t, "b.go", snap.Duplicates[0].B)
}

func TestScore_Orphans(t *testing.T) {
	snap := mustScore(t, scorer(), map[string][]float32{
		"a": {1, 0, 0},
		"b": {0, 1, 0},
		"c": {0, 0, 1},
	})
	assert.Zero(t, snap.DuplicationRate)
	assert.InDelta(t, 100.0, snap.OrphanRate, 1e-9)
	assert.InDelta(t, 100.0, snap.DivergenceRate, 1e-9)
	assert.InDelta(t, 40.0, snap.Score, 1e-9)
	assert.Equal(t, []string{"a", "b", "c"}, snap.Orphans)
}

func TestScore_Mixed(t *testing.T) {
	snap := mustScore(t, scorer(), map[string][]float32{
		"a": {1, 0},
		"b": {1, 0},
		"c": {0, 1},
	})
	assert.InDelta(t, 100.0/3, snap.DuplicationRate, 1e-6)
	assert.InDelta(t, 100.0/3, snap.OrphanRate, 1e-6)
	assert.InDelta(t, 200.0/3, snap.DivergenceRate, 1e-6)
	assert.InDelta(t, 56.6667, snap.Score, 1e-3)
	assert.Equal(t, []string{"c"}, snap.Orphans)
	assert.Equal(t, 3, snap.Nodes)
}

func TestScore_DivergenceClipped(t *testing.T) {
	snap := mustScore(t, scorer(), map[string][]float32{
		"a": {1, 0},
		"b": {-1, 0},
	})
	assert.Equal(t, 100.0, snap.DivergenceRate)
	assert.GreaterOrEqual(t, snap.Score, 0.0)
}

func TestAggregate_Monotonic(t *testing.T) {
	s := scorer()
	for _, base := range [][3]float64{{0, 0, 0}, {10, 20, 30}, {50, 50, 50}} {
		prev := s.Aggregate(base[0], base[1], base[2])
		for step := 1.0; step <= 50; step++ {
			for k := 0; k < 3; k++ {
				r := base
				r[k] += step
				got := s.Aggregate(r[0], r[1], r[2])
				assert.LessOrEqual(t, got, prev+1e-9, "rates %v", r)
			}
		}
	}
	assert.Equal(t, 100.0, s.Aggregate(0, 0, 0))
	assert.Equal(t, 0.0, s.Aggregate(100, 100, 100))
	assert.Equal(t, 0.0, s.Aggregate(500, 500, 500), "clipped")
}

func TestNewScorer_ZeroWeightsFallBack(t *testing.T) {
	s := NewScorer(Config{DuplicationThreshold: 0.85, OrphanThreshold: 0.5})
	assert.InDelta(t, 60.0, s.Aggregate(100, 0, 0), 1e-9)
}

func TestScore_ParallelMatchesSequential(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	emb := make(map[string][]float32, 120)
	for i := 0; i < 120; i++ {
		v := make([]float32, 16)
		for j := range v {
			v[j] = rng.Float32()*2 - 1
		}
		// Every tenth node duplicates its predecessor.
		if i%10 == 9 {
			v = emb[fmt.Sprintf("n%03d", i-1)]
		}
		emb[fmt.Sprintf("n%03d", i)] = v
	}

	seq := mustScore(t, scorer(func(c *Config) { c.ParallelMin = 1000 }), emb)
	par := mustScore(t, scorer(func(c *Config) { c.ParallelMin = 2; c.Workers = 4 }), emb)

	assert.Equal(t, seq.DuplicationRate, par.DuplicationRate)
	assert.Equal(t, seq.OrphanRate, par.OrphanRate)
	assert.Equal(t, seq.DivergenceRate, par.DivergenceRate)
	assert.Equal(t, seq.Score, par.Score)
	assert.Equal(t, seq.Duplicates, par.Duplicates)
	assert.Greater(t, seq.DuplicationRate, 0.0)
}

func TestScore_CancelledIsIncomplete(t *testing.T) {
	emb := make(map[string][]float32, 40)
	for i := 0; i < 40; i++ {
		emb[fmt.Sprintf("n%02d", i)] = []float32{float32(i), 1}
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for name, s := range map[string]*Scorer{
		"sequential": scorer(func(c *Config) { c.ParallelMin = 1000 }),
		"parallel":   scorer(func(c *Config) { c.ParallelMin = 2; c.Workers = 2 }),
	} {
		t.Run(name, func(t *testing.T) {
			snap, err := s.Score(ctx, emb)
			require.ErrorIs(t, err, ErrIncomplete)
			assert.ErrorIs(t, err, context.Canceled)
			assert.Equal(t, Snapshot{}, snap, "no partial rates are aggregated")

			_, err = s.Project(ctx, emb)
			assert.ErrorIs(t, err, ErrIncomplete)
		})
	}

	snap, err := scorer().Score(ctx, map[string][]float32{"a": {1, 0}})
	require.NoError(t, err, "nothing to compute for a single node")
	assert.Equal(t, 100.0, snap.Score)
}

func TestBuildReport_Healthy(t *testing.T) {
	r := BuildReport(Snapshot{Score: 91.234, DuplicationRate: 2, OrphanRate: 5, DivergenceRate: 30, Timestamp: fixed}, nil)
	assert.Equal(t, 91.23, r.HealthScore)
	assert.Empty(t, r.Issues)
	assert.NotNil(t, r.Issues)
	assert.Len(t, r.Recommendations, 1)
}

func TestBuildReport_Issues(t *testing.T) {
	snap := Snapshot{
		Score:           20,
		DuplicationRate: 30,
		OrphanRate:      25,
		DivergenceRate:  60,
		Timestamp:       fixed,
		Duplicates:      []Pair{{A: "a.go", B: "b.go", Similarity: 0.97}},
		Orphans:         []string{"x.py", "y.py", "z.py", "w.py"},
	}
	r := BuildReport(snap, [][]string{{"a.go", "b.go"}})

	require.Len(t, r.Issues, 4)
	assert.Equal(t, IssueDuplication, r.Issues[0].Type)
	assert.Equal(t, SeverityError, r.Issues[0].Severity)
	assert.Contains(t, r.Issues[0].Details, "a.go and b.go")

	assert.Equal(t, IssueOrphans, r.Issues[1].Type)
	assert.Equal(t, SeverityWarning, r.Issues[1].Severity)
	assert.Contains(t, r.Issues[1].Details, "x.py, y.py, z.py")
	assert.NotContains(t, r.Issues[1].Details, "w.py")

	assert.Equal(t, IssueDivergence, r.Issues[2].Type)
	assert.Equal(t, SeverityWarning, r.Issues[2].Severity)

	assert.Equal(t, IssueCircular, r.Issues[3].Type)
	assert.Equal(t, "a.go -> b.go -> a.go", r.Issues[3].Details)

	assert.Len(t, r.Recommendations, 4)
}

func TestReport_JSON(t *testing.T) {
	r := BuildReport(Snapshot{Score: 75.5, DuplicationRate: 12.346, Timestamp: fixed}, nil)
	data, err := json.Marshal(r)
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, 75.5, out["health_score"])
	metrics := out["metrics"].(map[string]any)
	assert.Equal(t, 12.35, metrics["duplication_rate"])
	assert.Contains(t, metrics, "orphan_rate")
	assert.Contains(t, metrics, "divergence_rate")
	assert.Equal(t, "2025-06-01T10:30:00Z", out["timestamp"])

	issues := out["issues"].([]any)
	require.Len(t, issues, 1)
	issue := issues[0].(map[string]any)
	assert.Equal(t, "high_duplication", issue["type"])
	assert.Equal(t, "warning", issue["severity"])
	assert.Contains(t, issue, "recommendations")
}
