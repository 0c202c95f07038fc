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
	"sync"
	"time"

	"github.com/AleutianAI/codehealth/services/codehealth/risk"
)

// Event is one change notification or proposal.
type Event struct {
	Kind risk.ChangeKind `json:"kind"`

	// Path is the id relative to the watched root.
	Path string `json:"path"`

	// Proposed marks a write requested through Propose; Content holds the
	// bytes to write. Watcher events read the file instead.
	Proposed bool   `json:"proposed"`
	Content  []byte `json:"-"`

	Time time.Time `json:"time"`

	reply chan proposalReply
}

type proposalReply struct {
	result *Result
	err    error
}

func (e *Event) respond(r *Result, err error) {
	if e.reply == nil {
		return
	}
	e.reply <- proposalReply{result: r, err: err}
	e.reply = nil
}

type pending struct {
	ev  Event
	gen uint64
}

// Queue holds at most one pending event per path.
//
// # Description
//
// Push coalesces events for a path already pending: the latest event wins,
// except that a Modified following a Created stays Created. Every push
// bumps the path's generation so work prepared for an older generation can
// be recognised as stale.
//
// # Thread Safety
//
// Safe for concurrent use. Push never blocks.
type Queue struct {
	mu      sync.Mutex
	pending map[string]*pending
	order   []string
	gens    map[string]uint64
	limit   int
}

// NewQueue creates a queue holding at most limit distinct paths.
// limit <= 0 means unbounded.
func NewQueue(limit int) *Queue {
	return &Queue{
		pending: make(map[string]*pending),
		gens:    make(map[string]uint64),
		limit:   limit,
	}
}

// Push queues ev. It reports false when the queue is full and ev's path
// is not already pending.
func (q *Queue) Push(ev Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.gens[ev.Path]++
	gen := q.gens[ev.Path]

	if p, ok := q.pending[ev.Path]; ok {
		if p.ev.Kind == risk.ChangeCreated && ev.Kind == risk.ChangeModified {
			ev.Kind = risk.ChangeCreated
		}
		p.ev.respond(nil, ErrSuperseded)
		p.ev, p.gen = ev, gen
		return true
	}
	if q.limit > 0 && len(q.pending) >= q.limit {
		return false
	}
	q.pending[ev.Path] = &pending{ev: ev, gen: gen}
	q.order = append(q.order, ev.Path)
	queueDepth.Set(float64(len(q.pending)))
	return true
}

// Drain removes and returns every pending event in first-arrival order.
func (q *Queue) Drain() []pending {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]pending, 0, len(q.order))
	for _, path := range q.order {
		out = append(out, *q.pending[path])
	}
	q.pending = make(map[string]*pending)
	q.order = q.order[:0]
	queueDepth.Set(0)
	return out
}

// Current reports whether gen is still the latest generation of path.
func (q *Queue) Current(path string, gen uint64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.gens[path] == gen
}

// Len returns the number of pending paths.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Compact drops the generation of every path that is not pending and
// returns how many were dropped. Call it only when no drained work is
// still in flight.
func (q *Queue) Compact() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	dropped := 0
	for path := range q.gens {
		if _, ok := q.pending[path]; !ok {
			delete(q.gens, path)
			dropped++
		}
	}
	return dropped
}
