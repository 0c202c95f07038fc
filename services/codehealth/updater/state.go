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
	"fmt"
	"time"

	"github.com/AleutianAI/codehealth/services/codehealth/health"
	"github.com/AleutianAI/codehealth/services/codehealth/risk"
)

// State is the stage of one change event.
//
//	Queued ─┬─> Throttled
//	        └─> Validating ─┬─> Invalid
//	                        └─> Valid ─> BackedUp ─> Applying ─┬─> Applied
//	                                                           └─> Failed
//
// A backup that cannot be taken moves Valid directly to Failed.
type State string

const (
	StateQueued     State = "queued"
	StateThrottled  State = "throttled"
	StateValidating State = "validating"
	StateInvalid    State = "invalid"
	StateValid      State = "valid"
	StateBackedUp   State = "backed_up"
	StateApplying   State = "applying"
	StateApplied    State = "applied"
	StateFailed     State = "failed"
)

var transitions = map[State][]State{
	StateQueued:     {StateThrottled, StateValidating},
	StateValidating: {StateInvalid, StateValid},
	StateValid:      {StateBackedUp, StateFailed},
	StateBackedUp:   {StateApplying},
	StateApplying:   {StateApplied, StateFailed},
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	_, ok := transitions[s]
	return !ok
}

// CanTransition reports whether s may move to next.
func (s State) CanTransition(next State) bool {
	for _, to := range transitions[s] {
		if to == next {
			return true
		}
	}
	return false
}

// Result is the outcome of one change event.
type Result struct {
	Event Event `json:"event"`

	// State is the terminal state; States is the full path taken.
	State  State   `json:"state"`
	States []State `json:"states"`

	Validation *risk.Validation `json:"validation,omitempty"`

	// Health and Report are set when the change was applied.
	Health *health.Snapshot `json:"health,omitempty"`
	Report *health.Report   `json:"report,omitempty"`

	Warnings []string `json:"warnings"`

	Err   error  `json:"-"`
	Error string `json:"error,omitempty"`

	FinishedAt time.Time `json:"finished_at"`
}

func newResult(ev Event) *Result {
	ev.reply = nil
	return &Result{Event: ev, State: StateQueued, States: []State{StateQueued}, Warnings: []string{}}
}

// advance moves r to next. An illegal transition is a programming error.
func (r *Result) advance(next State) {
	if !r.State.CanTransition(next) {
		panic(fmt.Sprintf("updater: illegal transition %s -> %s", r.State, next))
	}
	r.State = next
	r.States = append(r.States, next)
}

func (r *Result) fail(next State, err error) {
	r.advance(next)
	if err != nil {
		r.Err = err
		r.Error = err.Error()
	}
}

func (r *Result) warn(msg string) {
	r.Warnings = append(r.Warnings, msg)
}
