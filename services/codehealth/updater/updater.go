// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package updater is the orchestrator: it owns the semantic graph and moves
// every change event through throttle, classification, backup, apply, graph
// update and health recompute.
//
// # Architecture
//
//	watch.Watcher ──Sink──┐
//	Propose ──────────────┤
//	                      v
//	                   Queue  (one pending event per path)
//	                      │  every Debounce
//	                      v
//	                   Flush ─> throttle ─> prepareAll (worker pool: read,
//	                      │                 parse, resolve, embed)
//	                      v
//	           for each event, on the owner goroutine:
//	             stale? ─> risk.Pipeline.Validate ─> backup.WithBackup
//	               ─> write + graph.Store mutate ─> similarity refresh
//	               ─> health.Scorer.Score ─> history ─> subscribers
//
// # Thread Safety
//
// Run is the single consumer and the only writer of the graph. Sink,
// Propose, Subscribe and the read accessors are safe for concurrent use.
package updater

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/codehealth/services/codehealth/backup"
	"github.com/AleutianAI/codehealth/services/codehealth/config"
	"github.com/AleutianAI/codehealth/services/codehealth/embed"
	"github.com/AleutianAI/codehealth/services/codehealth/graph"
	"github.com/AleutianAI/codehealth/services/codehealth/health"
	"github.com/AleutianAI/codehealth/services/codehealth/history"
	"github.com/AleutianAI/codehealth/services/codehealth/patch"
	"github.com/AleutianAI/codehealth/services/codehealth/perf"
	"github.com/AleutianAI/codehealth/services/codehealth/risk"
	"github.com/AleutianAI/codehealth/services/codehealth/syntax"
	"github.com/AleutianAI/codehealth/services/codehealth/throttle"
	"github.com/AleutianAI/codehealth/services/codehealth/watch"
)

// Handler receives published results. It runs on the owner goroutine and
// should return quickly.
type Handler func(*Result)

// Updater owns the graph for one watched root.
type Updater struct {
	cfg      config.Config
	policy   *watch.Policy
	queue    *Queue
	throttle *throttle.Throttler
	pipeline *risk.Pipeline
	scorer   *health.Scorer
	store    *graph.Store
	pool     *embed.Pool
	history  *history.Store
	logger   *slog.Logger
	now      func() time.Time
	workers  int

	encoder embed.Encoder
	write   func(path string, data []byte) error

	// flushMu serializes Discover and Flush; it guards the fields below.
	flushMu sync.Mutex
	modules map[string]string
	imports map[string]rawImports
	// noEmbed records content hashes the encoder cannot embed, by id.
	noEmbed map[string]string

	backupMu sync.Mutex
	backups  *backup.Store

	mu     sync.RWMutex
	health *health.Snapshot
	report *health.Report

	subMu sync.RWMutex
	subs  map[string]Handler
}

// Option configures an Updater.
type Option func(*Updater)

// WithEncoder replaces the encoder built from the embedding config.
func WithEncoder(enc embed.Encoder) Option {
	return func(u *Updater) { u.encoder = enc }
}

// WithHistory records validations and health snapshots in h. The caller
// owns h and closes it.
func WithHistory(h *history.Store) Option {
	return func(u *Updater) { u.history = h }
}

// WithWriter replaces the function that writes proposed content.
// Default: backup.WriteFile.
func WithWriter(write func(path string, data []byte) error) Option {
	return func(u *Updater) { u.write = write }
}

// WithClock sets the time source for events, throttling and health.
func WithClock(now func() time.Time) Option {
	return func(u *Updater) { u.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(u *Updater) { u.logger = logger }
}

// New wires an Updater for root from cfg.
//
// # Description
//
// Builds the path policy, throttle, risk pipeline, health scorer, encoder
// pool and an empty graph. The backup directory is created lazily by Run
// or Flush so that a failure there aborts the orchestrator. Call Discover
// to populate the graph before Run.
//
// # Inputs
//
//   - root: Watched directory.
//   - cfg: Validated configuration.
//   - opts: Optional overrides.
//
// # Outputs
//
//   - *Updater: Ready for Discover and Run.
//   - error: Invalid patterns or an unusable embedding provider.
func New(root string, cfg config.Config, opts ...Option) (*Updater, error) {
	policy, err := watch.NewPolicy(root, cfg.Watch)
	if err != nil {
		return nil, fmt.Errorf("path policy: %w", err)
	}

	u := &Updater{
		cfg:     cfg,
		policy:  policy,
		queue:   NewQueue(cfg.Watch.QueueSize),
		logger:  slog.Default(),
		now:     time.Now,
		write:   backup.WriteFile,
		imports: make(map[string]rawImports),
		noEmbed: make(map[string]string),
		subs:    make(map[string]Handler),
	}
	for _, opt := range opts {
		opt(u)
	}
	u.logger = u.logger.With(slog.String("component", "updater"), slog.String("root", policy.Root()))

	if u.encoder == nil {
		if u.encoder, err = embed.NewEncoder(cfg.Embedding); err != nil {
			return nil, fmt.Errorf("embedding encoder: %w", err)
		}
	}
	u.workers = cfg.Embedding.Workers
	if u.workers <= 0 {
		u.workers = runtime.GOMAXPROCS(0)
	}
	u.pool = embed.NewPool(u.encoder, embed.PoolConfig{
		BatchSize: cfg.Embedding.BatchSize,
		Workers:   u.workers,
		MaxChars:  cfg.Embedding.MaxChars,
		Logger:    u.logger,
	})

	u.throttle = throttle.New(cfg.Throttle.Interval, throttle.WithClock(u.now))
	u.scorer = health.NewScorer(health.Config{
		DuplicationThreshold: cfg.Health.DuplicationThreshold,
		OrphanThreshold:      cfg.Health.OrphanThreshold,
		Weights: health.Weights{
			Duplication: cfg.Health.Weights.Duplication,
			Orphan:      cfg.Health.Weights.Orphan,
			Divergence:  cfg.Health.Weights.Divergence,
		},
		Workers: u.workers,
	}, health.WithClock(u.now), health.WithLogger(u.logger))
	u.pipeline = risk.NewPipeline(risk.ConfigFrom(cfg.Risk),
		risk.WithAnalyzer(perf.New(perf.Options{LargeCollectionSize: cfg.Risk.LargeCollectionSize})),
		risk.WithScorer(u.scorer),
		risk.WithClock(u.now),
		risk.WithLogger(u.logger),
	)
	u.store = graph.NewStore(graph.WithClock(u.now), graph.WithLogger(u.logger))
	return u, nil
}

// Policy returns the path policy.
func (u *Updater) Policy() *watch.Policy { return u.policy }

// Snapshot returns a copy of the current graph.
func (u *Updater) Snapshot() *graph.Snapshot { return u.store.ExportSnapshot() }

// Health returns the latest health snapshot, if one was computed.
func (u *Updater) Health() (health.Snapshot, bool) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	if u.health == nil {
		return health.Snapshot{}, false
	}
	return *u.health, true
}

// Report returns the latest health report, if one was computed.
func (u *Updater) Report() (health.Report, bool) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	if u.report == nil {
		return health.Report{}, false
	}
	return *u.report, true
}

// Pending returns the number of queued paths.
func (u *Updater) Pending() int { return u.queue.Len() }

// Sink adapts the updater to watch.Watcher. It only queues.
func (u *Updater) Sink() watch.Sink {
	return func(e watch.Event) {
		ev := Event{Kind: risk.ChangeKind(e.Kind), Path: e.Path, Time: e.Time}
		eventsTotal.WithLabelValues(string(ev.Kind), "watch").Inc()
		if !u.queue.Push(ev) {
			droppedTotal.Inc()
			u.logger.Warn("queue full, dropping event",
				slog.String("path", e.Path),
				slog.String("kind", string(e.Kind)),
			)
		}
	}
}

// Subscribe registers h for every published result and returns its id.
func (u *Updater) Subscribe(h Handler) string {
	id := uuid.NewString()
	u.subMu.Lock()
	u.subs[id] = h
	u.subMu.Unlock()
	return id
}

// Unsubscribe removes a handler. It reports whether id was registered.
func (u *Updater) Unsubscribe(id string) bool {
	u.subMu.Lock()
	defer u.subMu.Unlock()
	if _, ok := u.subs[id]; !ok {
		return false
	}
	delete(u.subs, id)
	return true
}

// Summary describes a discovery pass.
type Summary struct {
	Files           int             `json:"files"`
	Embedded        int             `json:"embedded"`
	Dependencies    int             `json:"dependencies"`
	SimilarityEdges int             `json:"similarity_edges"`
	GoModules       int             `json:"go_modules"`
	Skipped         []string        `json:"skipped"`
	Health          health.Snapshot `json:"health"`
	Report          health.Report   `json:"report"`
	Duration        time.Duration   `json:"duration_ns"`
}

// Discover loads every included file under the root into the graph.
//
// # Description
//
// Files are added without classification: there is nothing to compare
// them against yet. Dependencies are resolved across the whole tree,
// similarity edges are rebuilt and the first health snapshot is computed
// and recorded. Must not run concurrently with Run.
//
// # Inputs
//
//   - ctx: Cancels the walk and preparation.
//
// # Outputs
//
//   - Summary: Counts and the first health report.
//   - error: The walk failed or ctx was cancelled.
func (u *Updater) Discover(ctx context.Context) (Summary, error) {
	ctx, span := tracer.Start(ctx, "updater.Updater.Discover")
	defer span.End()
	start := time.Now()

	u.flushMu.Lock()
	defer u.flushMu.Unlock()

	sum := Summary{Skipped: []string{}}
	var events []Event
	modules := make(map[string]string)
	err := filepath.WalkDir(u.policy.Root(), func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rel, inside := u.policy.Rel(p)
		if !inside {
			return nil
		}
		if d.IsDir() {
			if u.policy.SkipDir(rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Name() == "go.mod" {
			u.loadGoMod(p, rel, modules)
			return nil
		}
		if u.policy.ShouldProcess(rel) {
			events = append(events, Event{Kind: risk.ChangeCreated, Path: rel, Time: u.now()})
		}
		return nil
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return sum, fmt.Errorf("discover %s: %w", u.policy.Root(), err)
	}
	u.modules = modules
	sum.GoModules = len(modules)

	batch := u.prepareAll(ctx, events, nil)
	for _, p := range batch {
		p.close()
		if p.err != nil || p.change.Kind == risk.ChangeDeleted {
			sum.Skipped = append(sum.Skipped, p.change.Path)
			if p.err != nil {
				u.logger.Warn("skipping file", slog.String("path", p.change.Path), slog.String("error", p.err.Error()))
			}
			continue
		}
		if err := u.upsert(p); err != nil {
			sum.Skipped = append(sum.Skipped, p.change.Path)
			u.logger.Warn("skipping file", slog.String("path", p.change.Path), slog.String("error", err.Error()))
			continue
		}
		sum.Files++
		if len(p.change.Embedding) > 0 {
			sum.Embedded++
		}
		sum.Dependencies += len(p.change.Dependencies)
	}
	if err := ctx.Err(); err != nil {
		return sum, err
	}

	sum.SimilarityEdges = u.store.RebuildSimilarity(u.cfg.Health.LinkThreshold)
	snap, report := u.recompute(ctx)
	sum.Health, sum.Report = snap, report
	sum.Duration = time.Since(start)

	span.SetAttributes(
		attribute.Int("updater.files", sum.Files),
		attribute.Int("updater.similarity_edges", sum.SimilarityEdges),
	)
	u.logger.Info("discovery complete",
		slog.Int("files", sum.Files),
		slog.Int("embedded", sum.Embedded),
		slog.Int("skipped", len(sum.Skipped)),
		slog.Int("similarity_edges", sum.SimilarityEdges),
		slog.Float64("health_score", snap.Score),
		slog.Duration("duration", sum.Duration),
	)
	return sum, nil
}

// Propose queues content for path and waits for the outcome.
//
// # Description
//
// The content is written only if the change is classified valid and the
// apply succeeds. Rejected proposals never touch the file. A nil content
// proposes deleting the file. Run must be active for the proposal to be
// processed.
//
// # Inputs
//
//   - ctx: Bounds the wait.
//   - rel: Root-relative, slash-separated path.
//   - content: Proposed bytes, or nil to delete.
//
// # Outputs
//
//   - *Result: Terminal result, including rejections.
//   - error: ErrNotIncluded, ErrQueueFull, ErrSuperseded, ErrStopped or
//     ctx's error. No result is available in these cases.
func (u *Updater) Propose(ctx context.Context, rel string, content []byte) (*Result, error) {
	rel, err := u.cleanRel(rel)
	if err != nil {
		return nil, err
	}

	kind := risk.ChangeModified
	switch {
	case content == nil:
		kind = risk.ChangeDeleted
	case !u.store.ExportSnapshot().Has(rel):
		kind = risk.ChangeCreated
	}

	reply := make(chan proposalReply, 1)
	ev := Event{Kind: kind, Path: rel, Proposed: true, Content: content, Time: u.now(), reply: reply}
	eventsTotal.WithLabelValues(string(kind), "propose").Inc()
	if !u.queue.Push(ev) {
		droppedTotal.Inc()
		return nil, ErrQueueFull
	}

	select {
	case r := <-reply:
		return r.result, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ProposePatch applies a single-file unified diff to the current content
// of rel and proposes the result. A diff whose new side is /dev/null
// proposes a delete.
//
// # Outputs
//
//   - *Result: As for Propose.
//   - error: ErrNotIncluded, a patch.Err* sentinel when the diff does not
//     apply, or any error Propose returns.
func (u *Updater) ProposePatch(ctx context.Context, rel string, unified []byte) (*Result, error) {
	rel, err := u.cleanRel(rel)
	if err != nil {
		return nil, err
	}
	current, err := os.ReadFile(filepath.Join(u.policy.Root(), filepath.FromSlash(rel)))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read %s: %w", rel, err)
	}
	applied, err := patch.Apply(current, unified)
	if err != nil {
		return nil, err
	}
	u.logger.Debug("patch applied in memory",
		slog.String("path", rel),
		slog.Int("added", applied.Added),
		slog.Int("removed", applied.Removed),
	)
	if applied.Deleted {
		return u.Propose(ctx, rel, nil)
	}
	return u.Propose(ctx, rel, applied.Content)
}

// loadGoMod records the module path declared by the go.mod at abs.
func (u *Updater) loadGoMod(abs, rel string, modules map[string]string) {
	data, err := os.ReadFile(abs)
	if err != nil {
		u.logger.Warn("cannot read go.mod", slog.String("path", rel), slog.String("error", err.Error()))
		return
	}
	mod, err := syntax.ModulePath(data)
	if err != nil {
		u.logger.Warn("ignoring go.mod", slog.String("path", rel), slog.String("error", err.Error()))
		return
	}
	modules[path.Dir(rel)] = mod
}

// cleanRel normalizes rel and rejects paths outside the watched set.
func (u *Updater) cleanRel(rel string) (string, error) {
	rel = path.Clean(filepath.ToSlash(rel))
	if path.IsAbs(rel) || rel == ".." || strings.HasPrefix(rel, "../") || !u.policy.ShouldProcess(rel) {
		return "", fmt.Errorf("%w: %s", ErrNotIncluded, rel)
	}
	return rel, nil
}

// Run consumes the queue until ctx is cancelled.
//
// # Outputs
//
//   - error: nil on cancellation; the backup directory error if the
//     backup store cannot be created.
func (u *Updater) Run(ctx context.Context) error {
	if _, err := u.backupStore(); err != nil {
		u.logger.Error("cannot start", slog.String("error", err.Error()))
		return err
	}

	ticker := time.NewTicker(u.cfg.Watch.Debounce)
	defer ticker.Stop()

	u.logger.Info("updater running", slog.Duration("debounce", u.cfg.Watch.Debounce))
	for {
		select {
		case <-ctx.Done():
			for _, p := range u.queue.Drain() {
				p.ev.respond(nil, ErrStopped)
			}
			u.logger.Info("updater stopped")
			return nil
		case <-ticker.C:
			if _, err := u.Flush(ctx); err != nil {
				u.logger.Error("flush failed", slog.String("error", err.Error()))
				return err
			}
		}
	}
}

// Flush processes every queued event once and returns the results in
// arrival order. Stale events produce no result. Every flush, including
// one with an empty queue, then retries embeddings that failed earlier
// and drops throttle and queue state for idle paths.
//
// # Outputs
//
//   - []*Result: Terminal results.
//   - error: Only for an unusable backup directory.
func (u *Updater) Flush(ctx context.Context) ([]*Result, error) {
	u.flushMu.Lock()
	defer u.flushMu.Unlock()

	defer u.maintain(ctx)

	batch := u.queue.Drain()
	if len(batch) == 0 {
		return nil, nil
	}
	backups, err := u.backupStore()
	if err != nil {
		for _, p := range batch {
			p.ev.respond(nil, err)
		}
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "updater.Updater.Flush",
		trace.WithAttributes(attribute.Int("updater.batch", len(batch))))
	defer span.End()
	start := time.Now()
	defer func() { batchDuration.Observe(time.Since(start).Seconds()) }()

	results := make([]*Result, 0, len(batch))
	admitted := make([]pending, 0, len(batch))
	for _, p := range batch {
		if u.throttle.CanUpdate(p.ev.Path) {
			admitted = append(admitted, p)
			continue
		}
		r := newResult(p.ev)
		r.fail(StateThrottled, ErrThrottled)
		results = append(results, u.finish(&p.ev, r))
	}

	events := make([]Event, len(admitted))
	for i, p := range admitted {
		events[i] = p.ev
	}
	prepared := u.prepareAll(ctx, events, u.store.ExportSnapshot())

	for i, p := range admitted {
		prep := prepared[i]
		if !u.queue.Current(p.ev.Path, p.gen) {
			prep.close()
			staleTotal.Inc()
			// The newer event must not be throttled by work never applied.
			u.throttle.Forget(p.ev.Path)
			p.ev.respond(nil, ErrSuperseded)
			u.logger.Debug("discarding stale event", slog.String("path", p.ev.Path))
			continue
		}
		r := u.process(ctx, backups, p.ev, prep)
		prep.close()
		results = append(results, u.finish(&p.ev, r))
	}
	return results, nil
}

// maintain runs after every flush on the owner goroutine.
func (u *Updater) maintain(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if n := u.retryEmbeddings(ctx); n > 0 {
		u.logger.Info("embeddings recovered", slog.Int("nodes", n))
		u.recompute(ctx)
	}
	pruned := u.throttle.Prune(u.now())
	dropped := u.queue.Compact()
	if pruned > 0 || dropped > 0 {
		u.logger.Debug("idle path state dropped",
			slog.Int("throttle", pruned),
			slog.Int("generations", dropped),
		)
	}
}

// retryEmbeddings encodes up to one embedding batch of nodes that lack a
// fresh embedding, attaches the vectors and refreshes their similarity
// edges. Content is read from disk and skipped when it no longer matches
// the node's hash. It returns the number of nodes embedded.
func (u *Updater) retryEmbeddings(ctx context.Context) int {
	snap := u.store.ExportSnapshot()
	var (
		docs   []embed.Document
		hashes []string
	)
	for _, id := range snap.IDs() {
		if len(docs) >= u.cfg.Embedding.BatchSize {
			break
		}
		n, _ := snap.Node(id)
		if n.HasFreshEmbedding() || u.noEmbed[id] == n.Hash {
			continue
		}
		data, err := os.ReadFile(u.policy.Abs(id))
		if err != nil || syntax.ContentHash(data) != n.Hash {
			continue
		}
		docs = append(docs, embed.Document{Path: id, Text: string(data)})
		hashes = append(hashes, n.Hash)
	}
	if len(docs) == 0 {
		return 0
	}

	vecs, err := u.pool.EncodeDocuments(ctx, docs)
	if err != nil {
		u.logger.Debug("embedding retry failed", slog.Int("documents", len(docs)), slog.String("error", err.Error()))
	}
	embedded := 0
	for i, d := range docs {
		if i >= len(vecs) || len(vecs[i]) == 0 {
			if err == nil {
				u.noEmbed[d.Path] = hashes[i]
			}
			continue
		}
		if err := u.store.SetEmbedding(d.Path, hashes[i], vecs[i]); err != nil {
			if errors.Is(err, graph.ErrDimensionMismatch) {
				u.noEmbed[d.Path] = hashes[i]
			}
			u.logger.Warn("cannot attach embedding", slog.String("path", d.Path), slog.String("error", err.Error()))
			continue
		}
		u.store.RefreshSimilarity(d.Path, u.cfg.Health.LinkThreshold)
		embedded++
	}
	return embedded
}

// process runs one prepared event from Validating to a terminal state.
func (u *Updater) process(ctx context.Context, backups *backup.Store, ev Event, prep *prepared) *Result {
	ctx, span := tracer.Start(ctx, "updater.Updater.process",
		trace.WithAttributes(
			attribute.String("updater.path", ev.Path),
			attribute.String("updater.kind", string(prep.change.Kind)),
			attribute.Bool("updater.proposed", ev.Proposed),
		),
	)
	defer span.End()

	ev.Kind = prep.change.Kind
	r := newResult(ev)
	r.advance(StateValidating)
	for _, w := range prep.warnings {
		r.warn(w)
	}
	if prep.err != nil {
		r.fail(StateInvalid, prep.err)
		return r
	}

	var baseline *health.Snapshot
	if h, ok := u.Health(); ok {
		baseline = &h
	}
	v := u.pipeline.Validate(ctx, u.store.ExportSnapshot(), baseline, prep.change)
	r.Validation = v
	if u.history != nil {
		if err := u.history.RecordValidation(ctx, v); err != nil {
			u.logger.Warn("record validation failed", slog.String("error", err.Error()))
		}
	}
	if !v.Valid {
		r.fail(StateInvalid, v.Err)
		return r
	}
	r.advance(StateValid)

	err := backups.WithBackup(ctx, u.policy.Abs(ev.Path), func(ctx context.Context, _ *backup.Record) error {
		r.advance(StateBackedUp)
		r.advance(StateApplying)
		return u.apply(ev, prep)
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		r.warn(fmt.Sprintf("apply failed: %v", err))
		r.fail(StateFailed, err)
		return r
	}

	if prep.change.Kind != risk.ChangeDeleted {
		u.store.RefreshSimilarity(ev.Path, u.cfg.Health.LinkThreshold)
	}
	snap, report := u.recompute(ctx)
	r.Health, r.Report = &snap, &report
	r.advance(StateApplied)
	return r
}

// apply writes proposed content and mutates the graph. The graph is
// touched last so a failed write leaves it unchanged.
func (u *Updater) apply(ev Event, prep *prepared) error {
	abs := u.policy.Abs(ev.Path)
	if prep.change.Kind == risk.ChangeDeleted {
		if ev.Proposed {
			if err := os.Remove(abs); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("remove %s: %w", ev.Path, err)
			}
		}
		u.store.Remove(ev.Path)
		delete(u.imports, ev.Path)
		delete(u.noEmbed, ev.Path)
		return nil
	}
	if ev.Proposed {
		if err := u.write(abs, prep.change.Content); err != nil {
			return fmt.Errorf("write %s: %w", ev.Path, err)
		}
	}
	if err := u.upsert(prep); err != nil {
		return err
	}
	u.linkDependents(prep.change.Edges)
	return nil
}

// upsert adds the prepared node, dropping an embedding whose dimension
// the graph cannot hold, and remembers its raw imports.
func (u *Updater) upsert(prep *prepared) error {
	n := prep.node()
	if dim := u.store.Dimension(); dim > 0 && len(n.Embedding) > 0 && len(n.Embedding) != dim {
		n.Embedding, n.EmbeddingHash = nil, ""
	}
	if err := u.store.Upsert(n); err != nil {
		return err
	}
	if prep.lang == syntax.LanguageUnknown {
		delete(u.imports, n.ID)
	} else {
		u.imports[n.ID] = rawImports{lang: prep.lang, imports: prep.imports}
	}
	return nil
}

// linkDependents adds validated edges from existing nodes to a node that
// has just been created.
func (u *Updater) linkDependents(edges []graph.Edge) {
	for _, e := range edges {
		n, ok := u.store.Node(e.From)
		if !ok || slices.Contains(n.Dependencies, e.To) {
			continue
		}
		n.Dependencies = append(n.Dependencies, e.To)
		if err := u.store.Upsert(n); err != nil {
			u.logger.Warn("cannot link dependent",
				slog.String("from", e.From),
				slog.String("to", e.To),
				slog.String("error", err.Error()),
			)
		}
	}
}

// recompute scores the current graph, builds the report, stores both and
// records the snapshot in history. An abandoned computation leaves the
// previous snapshot and report in place and returns them.
func (u *Updater) recompute(ctx context.Context) (health.Snapshot, health.Report) {
	graphSnap := u.store.ExportSnapshot()
	snap, err := u.scorer.Score(ctx, graphSnap.Embeddings())
	if err != nil {
		u.logger.Warn("keeping previous health snapshot", slog.String("error", err.Error()))
		u.mu.RLock()
		defer u.mu.RUnlock()
		var prevSnap health.Snapshot
		var prevReport health.Report
		if u.health != nil {
			prevSnap, prevReport = *u.health, *u.report
		}
		return prevSnap, prevReport
	}
	report := health.BuildReport(snap, graph.FindCycles(graphSnap.Adjacency(), u.pipeline.Config().MaxCycles))

	u.mu.Lock()
	u.health, u.report = &snap, &report
	u.mu.Unlock()

	if u.history != nil {
		if err := u.history.RecordHealth(ctx, snap); err != nil {
			u.logger.Warn("record health failed", slog.String("error", err.Error()))
		}
	}
	return snap, report
}

// finish stamps r, answers a waiting proposal and notifies subscribers.
func (u *Updater) finish(ev *Event, r *Result) *Result {
	r.FinishedAt = u.now()
	resultsTotal.WithLabelValues(string(r.State)).Inc()

	attrs := []any{
		slog.String("path", r.Event.Path),
		slog.String("kind", string(r.Event.Kind)),
		slog.String("state", string(r.State)),
	}
	if r.Validation != nil && r.Validation.Classification != "" {
		attrs = append(attrs, slog.String("classification", string(r.Validation.Classification)))
	}
	switch r.State {
	case StateApplied:
		u.logger.Info("update applied", attrs...)
	case StateFailed:
		u.logger.Warn("update failed", append(attrs, slog.String("error", r.Error))...)
	default:
		u.logger.Debug("update rejected", append(attrs, slog.String("error", r.Error))...)
	}

	ev.respond(r, nil)
	u.publish(r)
	return r
}

func (u *Updater) publish(r *Result) {
	u.subMu.RLock()
	handlers := make([]Handler, 0, len(u.subs))
	for _, h := range u.subs {
		handlers = append(handlers, h)
	}
	u.subMu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if p := recover(); p != nil {
					u.logger.Error("subscriber panicked", slog.Any("panic", p))
				}
			}()
			h(r)
		}()
	}
}

// backupStore creates the backup store on first use.
func (u *Updater) backupStore() (*backup.Store, error) {
	u.backupMu.Lock()
	defer u.backupMu.Unlock()
	if u.backups != nil {
		return u.backups, nil
	}
	s, err := backup.NewStore(backup.Config{
		Dir:             u.cfg.BackupDir(u.policy.Root()),
		Root:            u.policy.Root(),
		MaxPerPath:      u.cfg.Backup.MaxPerPath,
		RetainOnSuccess: u.cfg.Backup.RetainOnSuccess,
		Clock:           u.now,
		Logger:          u.logger,
	})
	if err != nil {
		return nil, err
	}
	u.backups = s
	return s, nil
}
