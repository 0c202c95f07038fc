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
	"context"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/codehealth/services/codehealth/config"
	"github.com/AleutianAI/codehealth/services/codehealth/graph"
	"github.com/AleutianAI/codehealth/services/codehealth/health"
	"github.com/AleutianAI/codehealth/services/codehealth/perf"
	"github.com/AleutianAI/codehealth/services/codehealth/scanner"
)

// Config holds the classification thresholds.
type Config struct {
	// PerformanceThreshold is compared against the perf score.
	PerformanceThreshold float64

	// HealthDelta is the projected |Δscore|/100 above which a change is
	// classified HEALTH.
	HealthDelta float64

	// SemanticThreshold is the semantic score above which a change is
	// classified SEMANTIC.
	SemanticThreshold float64

	// RelationshipThreshold is the minimum similarity for two nodes to be
	// related.
	RelationshipThreshold float64

	// MaxCycles caps cycle enumeration.
	MaxCycles int
}

// DefaultConfig returns thresholds 0.5, 0.1, 0.1, 0.7 and 100 cycles.
func DefaultConfig() Config {
	return Config{
		PerformanceThreshold:  0.5,
		HealthDelta:           0.1,
		SemanticThreshold:     0.1,
		RelationshipThreshold: 0.7,
		MaxCycles:             graph.DefaultMaxCycles,
	}
}

// ConfigFrom maps the YAML risk section.
func ConfigFrom(c config.RiskConfig) Config {
	return Config{
		PerformanceThreshold:  c.PerformanceThreshold,
		HealthDelta:           c.HealthDelta,
		SemanticThreshold:     c.SemanticThreshold,
		RelationshipThreshold: c.RelationshipThreshold,
		MaxCycles:             c.MaxCycles,
	}
}

// Pipeline classifies changes.
type Pipeline struct {
	cfg      Config
	scanner  *scanner.Scanner
	analyzer *perf.Analyzer
	scorer   *health.Scorer
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithScanner replaces the security scanner.
func WithScanner(s *scanner.Scanner) Option {
	return func(p *Pipeline) { p.scanner = s }
}

// WithAnalyzer replaces the performance analyzer.
func WithAnalyzer(a *perf.Analyzer) Option {
	return func(p *Pipeline) { p.analyzer = a }
}

// WithScorer sets the scorer used for health projection.
func WithScorer(s *health.Scorer) Option {
	return func(p *Pipeline) { p.scorer = s }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = logger }
}

// WithClock sets the time source for ValidatedAt.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// WithIDs sets the validation id generator. Default: uuid.NewString.
func WithIDs(newID func() string) Option {
	return func(p *Pipeline) { p.newID = newID }
}

// NewPipeline creates a Pipeline. A non-positive MaxCycles uses the
// graph default.
func NewPipeline(cfg Config, opts ...Option) *Pipeline {
	if cfg.MaxCycles <= 0 {
		cfg.MaxCycles = graph.DefaultMaxCycles
	}
	p := &Pipeline{
		cfg:    cfg,
		logger: slog.Default(),
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.scanner == nil {
		p.scanner = scanner.New()
	}
	if p.analyzer == nil {
		p.analyzer = perf.New(perf.DefaultOptions())
	}
	if p.scorer == nil {
		p.scorer = health.NewScorer(health.DefaultConfig())
	}
	p.logger = p.logger.With(slog.String("component", "risk"))
	return p
}

// Config returns the thresholds in use.
func (p *Pipeline) Config() Config { return p.cfg }

// Validate classifies one change against a graph snapshot.
//
// # Description
//
// Security and circular stages always both run. If either fires the change
// is rejected and the remaining stages are skipped. Otherwise performance
// heuristics, health projection and semantic impact run concurrently and
// the first matching class in priority order wins:
//
//	| Class       | Condition                                   | Impact                  |
//	|-------------|---------------------------------------------|-------------------------|
//	| security    | any scanner category                        | 1.0                     |
//	| circular    | cycle through a proposed edge               | min(1, 0.5 + 0.1*n)     |
//	| performance | perf score > PerformanceThreshold           | perf score              |
//	| health      | |Δhealth|/100 > HealthDelta                 | |Δhealth|/100           |
//	| breaking    | relationships removed, node has dependents  | semantic score          |
//	| semantic    | score > SemanticThreshold or any removed    | semantic score          |
//	| structural  | dependency set changed                      | semantic score          |
//	| syntax_only | structure hash unchanged                    | 0                       |
//	| minor       | otherwise                                   | semantic score          |
//
// Modifications and deletions of unknown paths are invalid with
// ErrNoSemanticContext. Content identical to the node's current hash is
// invalid with ErrContentUnchanged.
//
// # Inputs
//
//   - ctx: Tracing and cancellation of concurrent stages.
//   - snap: Graph before the change. Not modified.
//   - baseline: Current health snapshot. Nil computes it from snap.
//   - c: The change.
//
// # Outputs
//
//   - *Validation: Never nil.
func (p *Pipeline) Validate(ctx context.Context, snap *graph.Snapshot, baseline *health.Snapshot, c Change) *Validation {
	ctx, span := startValidateSpan(ctx, c)
	defer span.End()
	start := time.Now()

	v := &Validation{
		ID:          p.newID(),
		Path:        c.Path,
		Kind:        c.Kind,
		Valid:       true,
		Affected:    []string{c.Path},
		Warnings:    []string{},
		ValidatedAt: p.now(),
	}
	defer func() {
		v.finish()
		v.Duration = time.Since(start)
		recordValidation(v)
		span.SetAttributes(
			attribute.String("risk.classification", string(v.Classification)),
			attribute.Bool("risk.valid", v.Valid),
			attribute.Float64("risk.impact", v.Impact),
		)
		if v.Err != nil {
			span.SetStatus(codes.Error, v.Error)
		}
		p.logger.Debug("change classified",
			slog.String("path", v.Path),
			slog.String("kind", string(v.Kind)),
			slog.String("classification", string(v.Classification)),
			slog.Bool("valid", v.Valid),
			slog.Float64("impact", v.Impact),
			slog.Duration("duration", v.Duration),
		)
	}()

	existing, known := snap.Node(c.Path)
	switch {
	case c.Kind == ChangeDeleted && !known, c.Kind == ChangeModified && !known:
		v.reject(fmt.Errorf("%s %s: %w", c.Kind, c.Path, ErrNoSemanticContext))
		return v
	case c.Kind == ChangeDeleted:
		p.classifyDeletion(snap, v)
		return v
	case known && c.Hash != "" && c.Hash == existing.Hash:
		v.reject(fmt.Errorf("%s: %w", c.Path, ErrContentUnchanged))
		return v
	}

	if p.blocked(ctx, snap, c, v) {
		return v
	}

	embedding := c.Embedding
	if dim := snap.Dimension(); len(embedding) > 0 && dim > 0 && len(embedding) != dim {
		v.warn(fmt.Sprintf("embedding dimension %d does not match graph dimension %d; semantic checks skipped", len(embedding), dim))
		embedding = nil
	}

	var (
		report   *perf.Report
		perfErr  error
		delta    float64
		semantic SemanticImpact
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer timeStage("performance")()
		if c.Tree != nil {
			report = p.analyzer.AnalyzeTree(c.Tree)
			return nil
		}
		report, perfErr = p.analyzer.Analyze(gctx, c.Path, c.Content)
		return nil
	})
	g.Go(func() error {
		defer timeStage("health")()
		delta = p.projectHealth(gctx, snap, baseline, c.Path, embedding)
		return nil
	})
	g.Go(func() error {
		defer timeStage("semantic")()
		semantic = AssessSemantic(snap, c.Path, embedding, p.cfg.RelationshipThreshold)
		return nil
	})
	_ = g.Wait()

	v.Performance = report
	v.HealthDelta = delta
	v.Semantic = &semantic

	if perfErr != nil {
		v.warn(fmt.Sprintf("performance analysis failed: %v", perfErr))
	}
	if c.Tree != nil && c.Tree.HasErrors() {
		v.warn("content has syntax errors")
	}
	if report != nil {
		for _, d := range report.Descriptions() {
			v.warn("performance: " + d)
		}
	}
	if semantic.Skipped {
		v.warn("semantic impact skipped: no embedding for new content")
	}
	if semantic.HighImpact {
		v.warn(fmt.Sprintf("high semantic impact (%.2f)", semantic.Score))
	}
	if semantic.Breaking {
		v.warn("breaking: removes relationships with " + strings.Join(semantic.Removed, ", "))
	}
	healthImpact := math.Abs(delta) / 100
	if healthImpact > p.cfg.HealthDelta {
		v.warn(fmt.Sprintf("projected health change %+.2f", delta))
	}

	dependents := snap.Dependents(c.Path)
	v.affect(dependents...)
	for _, e := range c.Edges {
		v.affect(e.From)
	}
	v.affect(semantic.Created...)
	v.affect(semantic.Removed...)

	added, dropped := diffSorted(existing.Dependencies, normalize(c.Dependencies, c.Path))
	v.affect(added...)
	v.affect(dropped...)

	switch {
	case report != nil && report.Exceeds(p.cfg.PerformanceThreshold):
		v.Classification, v.Impact = ClassPerformance, report.Score
	case healthImpact > p.cfg.HealthDelta:
		v.Classification, v.Impact = ClassHealth, min(1, healthImpact)
	case semantic.Score > p.cfg.SemanticThreshold || len(semantic.Removed) > 0:
		v.Classification, v.Impact = ClassSemantic, semantic.Score
		if len(semantic.Removed) > 0 && len(dependents) > 0 {
			v.Classification = ClassBreaking
		}
	case len(added) > 0 || len(dropped) > 0:
		v.Classification, v.Impact = ClassStructural, semantic.Score
	case known && existing.StructureHash != 0 && existing.StructureHash == c.StructureHash:
		v.Classification, v.Impact = ClassSyntaxOnly, 0
	default:
		v.Classification, v.Impact = ClassMinor, semantic.Score
	}
	return v
}

// blocked runs the security and circular stages and reports whether the
// change was rejected.
func (p *Pipeline) blocked(ctx context.Context, snap *graph.Snapshot, c Change, v *Validation) bool {
	stop := timeStage("security")
	v.Security = p.scanner.Scan(string(c.Content))
	stop()

	stop = timeStage("circular")
	delta := graph.Delta{
		Replace: map[string][]string{c.Path: c.Dependencies},
		Edges:   c.Edges,
	}
	v.Cycles = graph.CheckCycles(ctx, snap, delta, p.cfg.MaxCycles)
	stop()

	for _, category := range v.Security {
		v.warn("security: " + category)
	}
	for _, cycle := range v.Cycles {
		v.warn("circular: " + strings.Join(append(slices.Clone(cycle), cycle[0]), " -> "))
		v.affect(cycle...)
	}

	switch {
	case len(v.Security) > 0:
		v.Classification, v.Impact = ClassSecurity, 1.0
		v.reject(fmt.Errorf("%s: %w: %s", c.Path, ErrSecurityViolation, strings.Join(v.Security, ", ")))
	case len(v.Cycles) > 0:
		v.Classification = ClassCircular
		v.Impact = min(1, 0.5+0.1*float64(len(v.Cycles)))
		v.reject(fmt.Errorf("%s: %w: %d cycle(s)", c.Path, ErrCircularDependency, len(v.Cycles)))
	default:
		return false
	}
	p.logger.Warn("change blocked",
		slog.String("path", c.Path),
		slog.String("classification", string(v.Classification)),
		slog.Any("security", v.Security),
		slog.Int("cycles", len(v.Cycles)),
	)
	return true
}

// classifyDeletion: BREAKING when anything imports the node, otherwise
// MINOR. Impact treats every relationship as removed.
func (p *Pipeline) classifyDeletion(snap *graph.Snapshot, v *Validation) {
	semantic := AssessRemoval(snap, v.Path, p.cfg.RelationshipThreshold)
	v.Semantic = &semantic
	v.Impact = semantic.Score
	v.affect(semantic.Removed...)

	dependents := snap.Dependents(v.Path)
	if len(dependents) > 0 {
		v.Classification = ClassBreaking
		v.warn(fmt.Sprintf("breaking: %d file(s) import %s: %s", len(dependents), v.Path, strings.Join(dependents, ", ")))
		return
	}
	v.Classification = ClassMinor
}

// projectHealth returns the score change if path took the embedding given.
// A nil embedding removes path from the similarity set, as the store would.
// An incomplete projection counts as no change.
func (p *Pipeline) projectHealth(ctx context.Context, snap *graph.Snapshot, baseline *health.Snapshot, path string, embedding []float32) float64 {
	embeddings := snap.Embeddings()
	var before float64
	if baseline != nil {
		before = baseline.Score
	} else {
		current, err := p.scorer.Project(ctx, embeddings)
		if err != nil {
			return 0
		}
		before = current.Score
	}
	if len(embedding) > 0 {
		embeddings[path] = embedding
	} else {
		delete(embeddings, path)
	}
	after, err := p.scorer.Project(ctx, embeddings)
	if err != nil {
		return 0
	}
	return after.Score - before
}

// normalize returns deps sorted, de-duplicated and without self.
func normalize(deps []string, self string) []string {
	out := make([]string, 0, len(deps))
	for _, d := range deps {
		if d != "" && d != self {
			out = append(out, d)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// diffSorted returns the elements only in b and only in a.
func diffSorted(a, b []string) (added, dropped []string) {
	i, j := 0, 0
	for i < len(a) || j < len(b) {
		switch {
		case j == len(b) || (i < len(a) && a[i] < b[j]):
			dropped = append(dropped, a[i])
			i++
		case i == len(a) || b[j] < a[i]:
			added = append(added, b[j])
			j++
		default:
			i++
			j++
		}
	}
	return added, dropped
}
