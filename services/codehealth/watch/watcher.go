// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package watch

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Kind is the type of a change.
type Kind string

const (
	KindCreated  Kind = "created"
	KindModified Kind = "modified"
	KindDeleted  Kind = "deleted"
)

// Event is one delivered change. Path is the root-relative id.
type Event struct {
	Kind Kind
	Path string
	Time time.Time
}

// Sink receives events. It is called from the delivery goroutine and must
// not block; pushing onto a queue is the intended use.
type Sink func(Event)

// Watcher watches a root recursively and forwards included file events to
// a sink. It does no debouncing of its own.
//
// # Thread Safety
//
// Safe for concurrent use. The sink is called from a single goroutine.
type Watcher struct {
	policy *Policy
	sink   Sink
	logger *slog.Logger
	now    func() time.Time

	fsw      *fsnotify.Watcher
	done     chan struct{}
	stopOnce sync.Once

	mu       sync.RWMutex
	watching bool
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Watcher) { w.logger = logger }
}

// NewWatcher creates a watcher for policy's root.
//
// # Inputs
//
//   - policy: Decides which paths are forwarded and which directories are
//     skipped.
//   - sink: Receives events.
//
// # Outputs
//
//   - *Watcher: Call Start to begin watching.
//   - error: The OS watcher could not be created.
func NewWatcher(policy *Policy, sink Sink, opts ...Option) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		policy: policy,
		sink:   sink,
		logger: slog.Default(),
		now:    time.Now,
		fsw:    fsw,
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With(slog.String("component", "watch"))
	return w, nil
}

// Start adds the root and every non-excluded subdirectory, then delivers
// events until ctx is cancelled or Stop is called. Calling Start on a
// running watcher is a no-op.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.watching {
		w.mu.Unlock()
		return nil
	}
	w.watching = true
	w.mu.Unlock()

	if err := w.addRecursive(w.policy.Root(), false); err != nil {
		w.Stop()
		return err
	}
	go w.processEvents(ctx)

	w.logger.Info("watching",
		slog.String("root", w.policy.Root()),
		slog.Int("directories", len(w.fsw.WatchList())),
	)
	return nil
}

// Stop stops watching. Safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		_ = w.fsw.Close()

		w.mu.Lock()
		w.watching = false
		w.mu.Unlock()
	})
}

// IsWatching reports whether the watcher is active.
func (w *Watcher) IsWatching() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.watching
}

// addRecursive watches dir and its subdirectories. With announce set, the
// included files found are delivered as created; they may have been
// written before the directory was watched.
func (w *Watcher) addRecursive(dir string, announce bool) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		rel, inside := w.policy.Rel(p)
		if d.IsDir() {
			if inside && w.policy.SkipDir(rel) {
				return filepath.SkipDir
			}
			if err := w.fsw.Add(p); err != nil {
				if p == dir {
					return err
				}
				w.logger.Warn("cannot watch directory", slog.String("dir", p), slog.String("error", err.Error()))
			}
			return nil
		}
		if announce && inside && w.policy.ShouldProcess(rel) {
			w.sink(Event{Kind: KindCreated, Path: rel, Time: w.now()})
		}
		return nil
	})
}

func (w *Watcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			w.Stop()
			return
		case <-w.done:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	rel, inside := w.policy.Rel(event.Name)
	if !inside {
		return
	}

	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if !w.policy.SkipDir(rel) {
				if err := w.addRecursive(event.Name, true); err != nil {
					w.logger.Warn("cannot watch new directory", slog.String("dir", rel), slog.String("error", err.Error()))
				}
			}
			return
		}
	}

	if !w.policy.ShouldProcess(rel) {
		return
	}

	var kind Kind
	switch {
	case event.Has(fsnotify.Create):
		kind = KindCreated
	case event.Has(fsnotify.Write):
		kind = KindModified
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		// A rename's new name arrives as its own Create.
		kind = KindDeleted
	default:
		return
	}
	w.sink(Event{Kind: kind, Path: rel, Time: w.now()})
}
