// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package history keeps recent validation results and health snapshots.
//
// Records live in an in-memory BadgerDB instance: ordered keys give cheap
// newest-first scans per path, and nothing outlives the process.
//
// Key layout:
//
//	vs/<seq>           Validation JSON
//	vp/<path>\x00<seq> empty; per-path index
//	hs/<seq>           health.Snapshot JSON
//
// seq is a zero-padded badger sequence number, so lexical order is
// insertion order.
//
// License: BadgerDB is Apache 2.0 licensed (github.com/dgraph-io/badger).
package history

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/dgraph-io/badger/v4"
)

// ErrClosed is returned by operations on a closed Store.
var ErrClosed = errors.New("history store closed")

// Config holds retention limits.
type Config struct {
	// MaxPerPath is the number of validations kept per path.
	// Default: 100.
	MaxPerPath int

	// MaxHealth is the number of health snapshots kept.
	// Default: 1000.
	MaxHealth int

	// Logger receives BadgerDB's internal logs. Nil disables them.
	Logger *slog.Logger
}

// DefaultConfig returns the default retention limits.
func DefaultConfig() Config {
	return Config{MaxPerPath: 100, MaxHealth: 1000}
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// openInMemory opens an in-memory BadgerDB.
//
// Description:
//
//	Sync writes are off and only one version per key is kept; there is
//	no value log to garbage collect.
//
// Inputs:
//
//	logger - Optional. Nil disables BadgerDB's internal logging.
//
// Outputs:
//
//	*badger.DB - Caller must Close.
//	error - Non-nil if the database cannot be opened.
func openInMemory(logger *slog.Logger) (*badger.DB, error) {
	opts := badger.DefaultOptions("").
		WithInMemory(true).
		WithSyncWrites(false).
		WithNumVersionsToKeep(1)
	if logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: logger.With(slog.String("component", "badger"))})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	return db, nil
}
