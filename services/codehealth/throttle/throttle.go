// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package throttle limits how often a single path may be updated.
package throttle

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultInterval is the minimum spacing between accepted updates to a path.
const DefaultInterval = 5 * time.Second

// Throttler admits at most one update per path per interval.
//
// # Description
//
// Each path gets its own token bucket with burst 1 that refills once per
// interval. An admitted update consumes the token and so records the
// admission time; a rejected update leaves the bucket untouched.
//
// # Thread Safety
//
// Safe for concurrent use.
type Throttler struct {
	interval time.Duration
	now      func() time.Time

	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
}

// Option configures a Throttler.
type Option func(*Throttler)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(t *Throttler) {
		t.now = now
	}
}

// New creates a Throttler. A non-positive interval admits every update.
func New(interval time.Duration, opts ...Option) *Throttler {
	t := &Throttler{
		interval: interval,
		now:      time.Now,
		limiters: make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Interval returns the configured interval.
func (t *Throttler) Interval() time.Duration {
	return t.interval
}

// CanUpdate reports whether path may be updated now, recording the
// admission when it may.
func (t *Throttler) CanUpdate(path string) bool {
	return t.CanUpdateAt(path, t.now())
}

// CanUpdateAt is CanUpdate with an explicit timestamp.
//
// # Outputs
//
//   - bool: true if path has never been admitted or at least one interval
//     has elapsed since its last admission.
func (t *Throttler) CanUpdateAt(path string, now time.Time) bool {
	if t.interval <= 0 {
		return true
	}
	return t.limiter(path).AllowN(now, 1)
}

// Forget drops the state for path, e.g. after the file was deleted.
func (t *Throttler) Forget(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.limiters, path)
}

// Prune drops state for every path whose bucket has fully refilled at now.
// Such paths would be admitted anyway, so dropping them changes nothing.
//
// # Outputs
//
//   - int: Number of paths dropped.
func (t *Throttler) Prune(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	pruned := 0
	for path, lim := range t.limiters {
		if lim.TokensAt(now) >= 1 {
			delete(t.limiters, path)
			pruned++
		}
	}
	return pruned
}

// Len returns the number of tracked paths.
func (t *Throttler) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.limiters)
}

// limiter returns the bucket for path, creating it on first use.
func (t *Throttler) limiter(path string) *rate.Limiter {
	t.mu.RLock()
	lim, ok := t.limiters[path]
	t.mu.RUnlock()
	if ok {
		return lim
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	// Double check: another goroutine may have created it.
	if lim, ok = t.limiters[path]; ok {
		return lim
	}
	lim = rate.NewLimiter(rate.Every(t.interval), 1)
	t.limiters[path] = lim
	return lim
}
