// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package health scores the codebase from pairwise embedding similarity.
//
// Three rates, each a percentage, feed a weighted aggregate in [0, 100]:
//
//	| Rate        | Definition                                              |
//	|-------------|---------------------------------------------------------|
//	| duplication | unordered pairs with similarity > DuplicationThreshold  |
//	| orphan      | nodes whose best match is < OrphanThreshold             |
//	| divergence  | (1 - mean pairwise similarity) * 100, clipped           |
//
// score = sum(w_i * (100 - rate_i)) / sum(w_i), clipped to [0, 100].
package health

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/codehealth/services/codehealth/graph"
)

var tracer = otel.Tracer("codehealth.health")

// maxListed caps the duplicate pairs and orphans kept on a Snapshot.
const maxListed = 50

// Weights of the three rates.
type Weights struct {
	Duplication float64
	Orphan      float64
	Divergence  float64
}

func (w Weights) sum() float64 { return w.Duplication + w.Orphan + w.Divergence }

// Config tunes a Scorer.
type Config struct {
	DuplicationThreshold float64
	OrphanThreshold      float64
	Weights              Weights

	// Workers bounds row computation. Default: GOMAXPROCS.
	Workers int

	// ParallelMin is the node count from which rows are computed
	// concurrently. Default: 64.
	ParallelMin int
}

// DefaultConfig returns thresholds 0.85/0.5 and weights 0.4/0.3/0.3.
func DefaultConfig() Config {
	return Config{
		DuplicationThreshold: 0.85,
		OrphanThreshold:      0.5,
		Weights:              Weights{Duplication: 0.4, Orphan: 0.3, Divergence: 0.3},
		ParallelMin:          64,
	}
}

// Pair is two node ids, A < B.
type Pair struct {
	A          string  `json:"a"`
	B          string  `json:"b"`
	Similarity float64 `json:"similarity"`
}

// Snapshot is one health computation.
type Snapshot struct {
	DuplicationRate float64   `json:"duplication_rate"`
	OrphanRate      float64   `json:"orphan_rate"`
	DivergenceRate  float64   `json:"divergence_rate"`
	Score           float64   `json:"health_score"`
	Nodes           int       `json:"nodes"`
	Timestamp       time.Time `json:"timestamp"`

	// Duplicates and Orphans list up to 50 entries each, most similar
	// pairs first and orphans by id.
	Duplicates []Pair   `json:"duplicates,omitempty"`
	Orphans    []string `json:"orphans,omitempty"`
}

// Scorer computes Snapshots. Safe for concurrent use.
type Scorer struct {
	cfg    Config
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Scorer.
type Option func(*Scorer)

// WithClock sets the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Scorer) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scorer) { s.logger = logger }
}

// NewScorer creates a Scorer. All-zero weights fall back to the defaults.
func NewScorer(cfg Config, opts ...Option) *Scorer {
	def := DefaultConfig()
	if cfg.Weights.sum() <= 0 {
		cfg.Weights = def.Weights
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.GOMAXPROCS(0)
	}
	if cfg.ParallelMin <= 0 {
		cfg.ParallelMin = def.ParallelMin
	}
	s := &Scorer{cfg: cfg, now: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("component", "health"))
	return s
}

// Aggregate combines three rates into the weighted score.
func (s *Scorer) Aggregate(duplication, orphan, divergence float64) float64 {
	w := s.cfg.Weights
	score := (w.Duplication*(100-duplication) +
		w.Orphan*(100-orphan) +
		w.Divergence*(100-divergence)) / w.sum()
	return clip(score, 0, 100)
}

type rowResult struct {
	best       float64
	dupCount   int
	sum        float64
	duplicates []Pair
}

// Score computes the rates for the given embeddings and publishes them
// as the current health metrics.
//
// # Description
//
// The full pairwise cosine matrix is evaluated row by row; for large sets
// rows are spread over a bounded errgroup. Each row computes its maximum
// against every other node and accumulates only the upper triangle, so no
// state is shared between rows. With fewer than two nodes every rate is 0.
//
// # Inputs
//
//   - ctx: Cancels row computation.
//   - embeddings: Fresh embeddings keyed by node id.
//
// # Outputs
//
//   - Snapshot: Rates, aggregate score and timestamp.
//   - error: ErrIncomplete when ctx ended before every row was computed.
//     Nothing is published and the Snapshot is zero.
func (s *Scorer) Score(ctx context.Context, embeddings map[string][]float32) (Snapshot, error) {
	start := time.Now()
	snap, err := s.compute(ctx, "health.Scorer.Score", embeddings)
	if err != nil {
		s.logger.Warn("health computation abandoned",
			slog.Int("nodes", len(embeddings)),
			slog.String("error", err.Error()),
		)
		return Snapshot{}, err
	}
	recordSnapshot(snap, time.Since(start))
	s.logger.Debug("health computed",
		slog.Int("nodes", snap.Nodes),
		slog.Float64("score", snap.Score),
		slog.Float64("duplication_rate", snap.DuplicationRate),
		slog.Float64("orphan_rate", snap.OrphanRate),
		slog.Float64("divergence_rate", snap.DivergenceRate),
	)
	return snap, nil
}

// Project computes a snapshot like Score without publishing metrics. Used
// to evaluate hypothetical embedding sets.
func (s *Scorer) Project(ctx context.Context, embeddings map[string][]float32) (Snapshot, error) {
	return s.compute(ctx, "health.Scorer.Project", embeddings)
}

func (s *Scorer) compute(ctx context.Context, spanName string, embeddings map[string][]float32) (Snapshot, error) {
	ctx, span := tracer.Start(ctx, spanName,
		trace.WithAttributes(attribute.Int("health.nodes", len(embeddings))))
	defer span.End()

	n := len(embeddings)
	snap := Snapshot{Nodes: n, Timestamp: s.now()}
	if n < 2 {
		snap.Score = s.Aggregate(0, 0, 0)
		return snap, nil
	}

	ids := make([]string, 0, n)
	for id := range embeddings {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	vecs := make([][]float32, n)
	for i, id := range ids {
		vecs[i] = embeddings[id]
	}

	rows := make([]rowResult, n)
	computed := make([]bool, n)
	computeRow := func(i int) {
		r := rowResult{best: -1}
		for j := 0; j < n; j++ {
			if j == i {
				continue
			}
			sim := graph.Cosine(vecs[i], vecs[j])
			r.best = max(r.best, sim)
			if j > i {
				r.sum += sim
				if sim > s.cfg.DuplicationThreshold {
					r.dupCount++
					r.duplicates = append(r.duplicates, Pair{A: ids[i], B: ids[j], Similarity: sim})
				}
			}
		}
		rows[i] = r
		computed[i] = true
	}

	if n < s.cfg.ParallelMin {
		for i := 0; i < n && ctx.Err() == nil; i++ {
			computeRow(i)
		}
	} else {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(s.cfg.Workers)
		for i := 0; i < n; i++ {
			if gctx.Err() != nil {
				break
			}
			g.Go(func() error {
				computeRow(i)
				return nil
			})
		}
		_ = g.Wait()
	}
	for i := range computed {
		if !computed[i] {
			span.SetAttributes(attribute.Bool("health.incomplete", true))
			return Snapshot{}, fmt.Errorf("%w: row %d of %d: %w", ErrIncomplete, i, n, context.Cause(ctx))
		}
	}

	totalPairs := float64(n*(n-1)) / 2
	var dupCount, orphans int
	var sum float64
	for i, r := range rows {
		dupCount += r.dupCount
		sum += r.sum
		if r.best < s.cfg.OrphanThreshold {
			orphans++
			if len(snap.Orphans) < maxListed {
				snap.Orphans = append(snap.Orphans, ids[i])
			}
		}
		snap.Duplicates = append(snap.Duplicates, r.duplicates...)
	}
	sort.Slice(snap.Duplicates, func(a, b int) bool {
		if snap.Duplicates[a].Similarity != snap.Duplicates[b].Similarity {
			return snap.Duplicates[a].Similarity > snap.Duplicates[b].Similarity
		}
		if snap.Duplicates[a].A != snap.Duplicates[b].A {
			return snap.Duplicates[a].A < snap.Duplicates[b].A
		}
		return snap.Duplicates[a].B < snap.Duplicates[b].B
	})
	if len(snap.Duplicates) > maxListed {
		snap.Duplicates = snap.Duplicates[:maxListed]
	}

	snap.DuplicationRate = clip(float64(dupCount)/totalPairs*100, 0, 100)
	snap.OrphanRate = clip(float64(orphans)/float64(n)*100, 0, 100)
	snap.DivergenceRate = clip((1-sum/totalPairs)*100, 0, 100)
	snap.Score = s.Aggregate(snap.DuplicationRate, snap.OrphanRate, snap.DivergenceRate)

	span.SetAttributes(attribute.Float64("health.score", snap.Score))
	return snap, nil
}

func clip(v, lo, hi float64) float64 {
	return min(hi, max(lo, v))
}
