// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package updater

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/codehealth/services/codehealth/backup"
	"github.com/AleutianAI/codehealth/services/codehealth/config"
	"github.com/AleutianAI/codehealth/services/codehealth/embed"
	"github.com/AleutianAI/codehealth/services/codehealth/history"
	"github.com/AleutianAI/codehealth/services/codehealth/patch"
	"github.com/AleutianAI/codehealth/services/codehealth/risk"
	"github.com/AleutianAI/codehealth/services/codehealth/watch"
)

var epoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	abs := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
	require.NoError(t, os.WriteFile(abs, []byte(content), 0o644))
}

func readFile(t *testing.T, root, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
	require.NoError(t, err)
	return string(data)
}

// fixture is a small Python project: a.py imports b.py.
func fixture(t *testing.T, opts ...Option) (*Updater, string) {
	t.Helper()
	root := t.TempDir()
	writeFile(t, root, "a.py", "import b\n\ndef run():\n    return b.value()\n")
	writeFile(t, root, "b.py", "def value():\n    return 1\n")
	writeFile(t, root, "pkg/c.go", "package pkg\n\nfunc C() int { return 3 }\n")
	writeFile(t, root, ".git/hook.py", "x = 1\n")
	writeFile(t, root, "notes.md", "# notes\n")

	cfg := config.DefaultConfig()
	cfg.Watch.Debounce = 10 * time.Millisecond
	clock := epoch
	base := []Option{
		WithEncoder(embed.NewHashingEncoder(64)),
		WithClock(func() time.Time { return clock }),
	}
	u, err := New(root, cfg, append(base, opts...)...)
	require.NoError(t, err)

	_, err = u.Discover(context.Background())
	require.NoError(t, err)
	return u, root
}

// propose runs Propose against a manual Flush.
func propose(t *testing.T, u *Updater, rel string, content []byte) (*Result, error) {
	t.Helper()
	return proposeWith(t, u, func() (*Result, error) {
		return u.Propose(context.Background(), rel, content)
	})
}

func proposeWith(t *testing.T, u *Updater, call func() (*Result, error)) (*Result, error) {
	t.Helper()
	type outcome struct {
		r   *Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		r, err := call()
		done <- outcome{r, err}
	}()
	require.Eventually(t, func() bool { return u.Pending() > 0 }, time.Second, time.Millisecond)
	_, err := u.Flush(context.Background())
	require.NoError(t, err)

	select {
	case o := <-done:
		return o.r, o.err
	case <-time.After(2 * time.Second):
		t.Fatal("proposal not answered")
		return nil, nil
	}
}

func TestDiscover_BuildsGraph(t *testing.T) {
	u, _ := fixture(t)

	snap := u.Snapshot()
	assert.Equal(t, []string{"a.py", "b.py", "pkg/c.go"}, snap.IDs())
	assert.Equal(t, []string{"b.py"}, snap.Dependencies("a.py"))
	assert.Equal(t, []string{"a.py"}, snap.Dependents("b.py"))
	assert.Equal(t, 64, snap.Dimension())

	h, ok := u.Health()
	require.True(t, ok)
	assert.Equal(t, 3, h.Nodes)
	_, ok = u.Report()
	assert.True(t, ok)
}

func TestDiscover_GoModules(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "go.mod", "module example.com/proj\n\ngo 1.25.3\n")
	writeFile(t, root, "main.go", "package main\n\nimport \"example.com/proj/store\"\n\nfunc main() { store.Open() }\n")
	writeFile(t, root, "store/store.go", "package store\n\nfunc Open() {}\n")
	writeFile(t, root, "vendor/x.org/store/store.go", "package store\n")

	u, err := New(root, config.DefaultConfig(), WithEncoder(embed.NewHashingEncoder(16)))
	require.NoError(t, err)
	sum, err := u.Discover(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, sum.GoModules)
	assert.Equal(t, []string{"main.go", "store/store.go"}, u.Snapshot().IDs())
	assert.Equal(t, []string{"store/store.go"}, u.Snapshot().Dependencies("main.go"))
}

func TestPropose_SecurityRejectedAndNotWritten(t *testing.T) {
	u, root := fixture(t)

	r, err := propose(t, u, "d.py", []byte("password = \"abc123\"\n"))
	require.NoError(t, err)
	assert.Equal(t, StateInvalid, r.State)
	assert.Equal(t, []State{StateQueued, StateValidating, StateInvalid}, r.States)
	require.NotNil(t, r.Validation)
	assert.Equal(t, risk.ClassSecurity, r.Validation.Classification)
	assert.ErrorIs(t, r.Err, risk.ErrSecurityViolation)

	_, statErr := os.Stat(filepath.Join(root, "d.py"))
	assert.True(t, os.IsNotExist(statErr))
	assert.False(t, u.Snapshot().Has("d.py"))
}

func TestPropose_CycleRejected(t *testing.T) {
	u, root := fixture(t)

	r, err := propose(t, u, "b.py", []byte("import a\n\ndef value():\n    return 2\n"))
	require.NoError(t, err)
	assert.Equal(t, StateInvalid, r.State)
	assert.Equal(t, risk.ClassCircular, r.Validation.Classification)
	require.NotEmpty(t, r.Validation.Cycles)
	assert.ElementsMatch(t, []string{"a.py", "b.py"}, r.Validation.Cycles[0])

	assert.Equal(t, "def value():\n    return 1\n", readFile(t, root, "b.py"))
	assert.Empty(t, u.Snapshot().Dependencies("b.py"))
}

func TestPropose_AppliedAndWritten(t *testing.T) {
	hist, err := history.Open(history.DefaultConfig())
	require.NoError(t, err)
	defer hist.Close()

	u, root := fixture(t, WithHistory(hist))

	var (
		mu        sync.Mutex
		published []*Result
	)
	id := u.Subscribe(func(r *Result) {
		mu.Lock()
		defer mu.Unlock()
		published = append(published, r)
	})

	r, err := propose(t, u, "lib/d.py", []byte("def helper(x):\n    return x * 2\n"))
	require.NoError(t, err)
	assert.Equal(t, StateApplied, r.State, r.Error)
	assert.Equal(t, []State{StateQueued, StateValidating, StateValid, StateBackedUp, StateApplying, StateApplied}, r.States)
	assert.Equal(t, risk.ChangeCreated, r.Event.Kind)
	require.NotNil(t, r.Health)
	require.NotNil(t, r.Report)
	assert.Equal(t, 4, r.Health.Nodes)

	assert.Equal(t, "def helper(x):\n    return x * 2\n", readFile(t, root, "lib/d.py"))
	assert.True(t, u.Snapshot().Has("lib/d.py"))

	mu.Lock()
	assert.Len(t, published, 1)
	mu.Unlock()
	assert.True(t, u.Unsubscribe(id))
	assert.False(t, u.Unsubscribe(id))

	vs, err := hist.Validations(context.Background(), "lib/d.py", 10)
	require.NoError(t, err)
	require.Len(t, vs, 1)
	assert.True(t, vs[0].Valid)

	trend, err := hist.HealthTrend(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, trend, 2, "discovery and the apply")
}

func TestPropose_FailedWriteRestores(t *testing.T) {
	failing := func(path string, data []byte) error {
		// Partially clobber the file before failing.
		_ = os.WriteFile(path, []byte("garbage"), 0o644)
		return errors.New("disk full")
	}
	u, root := fixture(t, WithWriter(failing))
	before := u.Snapshot()

	r, err := propose(t, u, "b.py", []byte("def value():\n    return 42\n"))
	require.NoError(t, err)
	assert.Equal(t, StateFailed, r.State)
	assert.Equal(t, StateApplying, r.States[len(r.States)-2])
	assert.ErrorIs(t, r.Err, backup.ErrRestored)
	assert.NotEmpty(t, r.Warnings)

	assert.Equal(t, "def value():\n    return 1\n", readFile(t, root, "b.py"))
	n, _ := u.Snapshot().Node("b.py")
	old, _ := before.Node("b.py")
	assert.Equal(t, old.Hash, n.Hash, "graph unchanged")
}

func TestPropose_Throttled(t *testing.T) {
	u, root := fixture(t)

	r, err := propose(t, u, "b.py", []byte("def value():\n    return 2\n"))
	require.NoError(t, err)
	require.Equal(t, StateApplied, r.State, r.Error)

	r, err = propose(t, u, "b.py", []byte("def value():\n    return 3\n"))
	require.NoError(t, err)
	assert.Equal(t, StateThrottled, r.State)
	assert.Equal(t, []State{StateQueued, StateThrottled}, r.States)
	assert.ErrorIs(t, r.Err, ErrThrottled)
	assert.Equal(t, "def value():\n    return 2\n", readFile(t, root, "b.py"))
}

func TestPropose_Rejections(t *testing.T) {
	u, _ := fixture(t)
	ctx := context.Background()

	for _, rel := range []string{"notes.md", ".git/x.py", "../escape.py", "/abs.py"} {
		_, err := u.Propose(ctx, rel, []byte("x = 1\n"))
		assert.ErrorIs(t, err, ErrNotIncluded, rel)
	}

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	_, err := u.Propose(cctx, "e.py", []byte("x = 1\n"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPropose_Delete(t *testing.T) {
	u, root := fixture(t)

	r, err := propose(t, u, "b.py", nil)
	require.NoError(t, err)
	assert.Equal(t, StateApplied, r.State, r.Error)
	assert.Equal(t, risk.ClassBreaking, r.Validation.Classification, "a.py imports b.py")

	_, statErr := os.Stat(filepath.Join(root, "b.py"))
	assert.True(t, os.IsNotExist(statErr))
	assert.False(t, u.Snapshot().Has("b.py"))
}

func TestProposePatch(t *testing.T) {
	u, root := fixture(t)

	unified := "--- a/b.py\n+++ b/b.py\n@@ -1,2 +1,2 @@\n def value():\n-    return 1\n+    return 2\n"
	r, err := proposeWith(t, u, func() (*Result, error) {
		return u.ProposePatch(context.Background(), "b.py", []byte(unified))
	})
	require.NoError(t, err)
	assert.Equal(t, StateApplied, r.State, r.Error)
	assert.Equal(t, "def value():\n    return 2\n", readFile(t, root, "b.py"))

	stale := "--- a/a.py\n+++ b/a.py\n@@ -1,1 +1,1 @@\n-import c\n+import d\n"
	_, err = u.ProposePatch(context.Background(), "a.py", []byte(stale))
	assert.ErrorIs(t, err, patch.ErrConflict)
	assert.Zero(t, u.Pending())

	_, err = u.ProposePatch(context.Background(), "notes.md", []byte(unified))
	assert.ErrorIs(t, err, ErrNotIncluded)
}

func TestFlush_WatchEvents(t *testing.T) {
	u, root := fixture(t)
	sink := u.Sink()
	ctx := context.Background()

	writeFile(t, root, "new.py", "def fresh():\n    return 'x'\n")
	sink(watch.Event{Kind: watch.KindCreated, Path: "new.py", Time: epoch})
	sink(watch.Event{Kind: watch.KindModified, Path: "new.py", Time: epoch})

	results, err := u.Flush(ctx)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, risk.ChangeCreated, results[0].Event.Kind)
	assert.Equal(t, StateApplied, results[0].State, results[0].Error)
	assert.True(t, u.Snapshot().Has("new.py"))

	require.NoError(t, os.Remove(filepath.Join(root, "pkg", "c.go")))
	sink(watch.Event{Kind: watch.KindDeleted, Path: "pkg/c.go", Time: epoch})
	results, err = u.Flush(ctx)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, StateApplied, results[0].State, results[0].Error)
	assert.Equal(t, risk.ClassMinor, results[0].Validation.Classification)
	assert.False(t, u.Snapshot().Has("pkg/c.go"))

	// Modifying a file the graph never saw has no semantic context.
	writeFile(t, root, "ghost.py", "x = 1\n")
	sink(watch.Event{Kind: watch.KindModified, Path: "ghost.py", Time: epoch})
	results, err = u.Flush(ctx)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, StateInvalid, results[0].State)
	assert.ErrorIs(t, results[0].Err, risk.ErrNoSemanticContext)

	empty, err := u.Flush(ctx)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

// hookEncoder runs hook before the first encode after it is armed.
type hookEncoder struct {
	embed.Encoder
	armed atomic.Bool
	hook  func()
}

func (h *hookEncoder) Encode(ctx context.Context, texts []string) ([][]float32, error) {
	if h.armed.CompareAndSwap(true, false) {
		h.hook()
	}
	return h.Encoder.Encode(ctx, texts)
}

func TestFlush_DiscardsStale(t *testing.T) {
	enc := &hookEncoder{Encoder: embed.NewHashingEncoder(64)}
	u, root := fixture(t, WithEncoder(enc))

	// A newer event for the same path arrives while the batch is prepared.
	enc.hook = func() {
		u.Sink()(watch.Event{Kind: watch.KindModified, Path: "b.py", Time: epoch})
	}
	enc.armed.Store(true)

	writeFile(t, root, "b.py", "def value():\n    return 5\n")
	u.Sink()(watch.Event{Kind: watch.KindModified, Path: "b.py", Time: epoch})

	results, err := u.Flush(context.Background())
	require.NoError(t, err)
	assert.Empty(t, results, "stale work is dropped without a result")
	assert.Equal(t, 1, u.Pending())

	results, err = u.Flush(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, StateApplied, results[0].State, "discarded work does not count against the throttle")
}

func TestSubscribe_PanicRecovered(t *testing.T) {
	u, _ := fixture(t)
	u.Subscribe(func(*Result) { panic("boom") })

	r, err := propose(t, u, "e.py", []byte("x = 1\n"))
	require.NoError(t, err)
	assert.Equal(t, StateApplied, r.State, r.Error)
}

func TestRun_ProcessesProposals(t *testing.T) {
	u, root := fixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- u.Run(ctx) }()

	pctx, pcancel := context.WithTimeout(ctx, 5*time.Second)
	defer pcancel()
	r, err := u.Propose(pctx, "f.py", []byte("def f():\n    return 0\n"))
	require.NoError(t, err)
	assert.Equal(t, StateApplied, r.State, r.Error)
	assert.FileExists(t, filepath.Join(root, "f.py"))

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestRun_BackupDirFailureIsFatal(t *testing.T) {
	u, root := fixture(t)
	// A regular file where the backup directory should go.
	writeFile(t, root, ".codehealth", "not a directory")

	err := u.Run(context.Background())
	assert.ErrorIs(t, err, backup.ErrBackupDir)
}

func TestPropose_LinksImportersOfNewFile(t *testing.T) {
	u, root := fixture(t)
	// x.py imports two files that do not exist yet.
	writeFile(t, root, "x.py", "import c\nimport d\n\ndef go():\n    return c.f() + d.g()\n")
	_, err := u.Discover(context.Background())
	require.NoError(t, err)
	require.Empty(t, u.Snapshot().Dependencies("x.py"))

	r, err := propose(t, u, "c.py", []byte("import x\n\ndef f():\n    return 1\n"))
	require.NoError(t, err)
	assert.Equal(t, StateInvalid, r.State)
	require.NotNil(t, r.Validation)
	assert.Equal(t, risk.ClassCircular, r.Validation.Classification)
	require.Len(t, r.Validation.Cycles, 1)
	assert.Equal(t, []string{"c.py", "x.py"}, r.Validation.Cycles[0])
	assert.NoFileExists(t, filepath.Join(root, "c.py"))
	assert.Empty(t, u.Snapshot().Dependencies("x.py"))

	r, err = propose(t, u, "d.py", []byte("def g():\n    return 2\n"))
	require.NoError(t, err)
	require.Equal(t, StateApplied, r.State, r.Error)
	assert.Contains(t, r.Validation.Affected, "x.py")

	snap := u.Snapshot()
	assert.Equal(t, []string{"d.py"}, snap.Dependencies("x.py"))
	assert.Equal(t, []string{"x.py"}, snap.Dependents("d.py"))
	x, _ := snap.Node("x.py")
	assert.True(t, x.HasFreshEmbedding(), "linking keeps the importer's embedding")
}

func TestPropose_RemovedImporterIsNotLinked(t *testing.T) {
	u, root := fixture(t)
	writeFile(t, root, "x.py", "import c\n")
	_, err := u.Discover(context.Background())
	require.NoError(t, err)

	r, err := propose(t, u, "x.py", nil)
	require.NoError(t, err)
	require.Equal(t, StateApplied, r.State, r.Error)

	r, err = propose(t, u, "c.py", []byte("import x\n"))
	require.NoError(t, err)
	assert.Equal(t, StateApplied, r.State, r.Error)
	assert.Empty(t, u.Snapshot().Dependents("c.py"))
}

// flakyEncoder fails every call while failing is set.
type flakyEncoder struct {
	embed.Encoder
	failing atomic.Bool
}

func (f *flakyEncoder) Encode(ctx context.Context, texts []string) ([][]float32, error) {
	if f.failing.Load() {
		return nil, errors.New("encoder unavailable")
	}
	return f.Encoder.Encode(ctx, texts)
}

func TestFlush_RetriesFailedEmbeddings(t *testing.T) {
	enc := &flakyEncoder{Encoder: embed.NewHashingEncoder(64)}
	u, _ := fixture(t, WithEncoder(enc))

	enc.failing.Store(true)
	r, err := propose(t, u, "z.py", []byte("def z():\n    return 26\n"))
	require.NoError(t, err)
	require.Equal(t, StateApplied, r.State, r.Error)
	assert.Contains(t, r.Warnings, "embedding unavailable; node excluded from similarity until re-embedded")

	z, ok := u.Snapshot().Node("z.py")
	require.True(t, ok)
	assert.False(t, z.HasFreshEmbedding())
	h, _ := u.Health()
	assert.Equal(t, 3, h.Nodes, "unembedded node is not scored")

	enc.failing.Store(false)
	for range 3 {
		results, err := u.Flush(context.Background())
		require.NoError(t, err)
		assert.Empty(t, results)
	}

	snap := u.Snapshot()
	z, _ = snap.Node("z.py")
	assert.True(t, z.HasFreshEmbedding())
	assert.Len(t, snap.Embedding("z.py"), 64)
	h, ok = u.Health()
	require.True(t, ok)
	assert.Equal(t, snap.Len(), h.Nodes)
}

func TestFlush_SkipsChangedContentOnRetry(t *testing.T) {
	enc := &flakyEncoder{Encoder: embed.NewHashingEncoder(64)}
	u, root := fixture(t, WithEncoder(enc))

	enc.failing.Store(true)
	r, err := propose(t, u, "z.py", []byte("x = 1\n"))
	require.NoError(t, err)
	require.Equal(t, StateApplied, r.State, r.Error)

	// Edited on disk but not yet flushed: the graph still holds the old hash.
	writeFile(t, root, "z.py", "x = 2\n")
	enc.failing.Store(false)
	_, err = u.Flush(context.Background())
	require.NoError(t, err)

	z, _ := u.Snapshot().Node("z.py")
	assert.Empty(t, z.Embedding)
}

func TestFlush_DropsIdlePathState(t *testing.T) {
	clock := epoch
	u, _ := fixture(t, WithClock(func() time.Time { return clock }))

	r, err := propose(t, u, "b.py", []byte("def value():\n    return 2\n"))
	require.NoError(t, err)
	require.Equal(t, StateApplied, r.State, r.Error)
	assert.Equal(t, 1, u.throttle.Len(), "still inside the interval")
	assert.Zero(t, u.queue.Compact(), "generations dropped at the end of the flush")

	clock = clock.Add(2 * u.cfg.Throttle.Interval)
	_, err = u.Flush(context.Background())
	require.NoError(t, err)
	assert.Zero(t, u.throttle.Len())
}
