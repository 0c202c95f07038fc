// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/codehealth/services/codehealth/health"
	"github.com/AleutianAI/codehealth/services/codehealth/risk"
)

var (
	prefixValidation = []byte("vs/")
	prefixPath       = []byte("vp/")
	prefixHealth     = []byte("hs/")
	sequenceKey      = []byte("!seq")
)

// Store records validations and health snapshots. Safe for concurrent use.
type Store struct {
	cfg Config

	mu     sync.RWMutex
	db     *badger.DB
	seq    *badger.Sequence
	closed bool
}

// Open creates an in-memory Store. Zero limits in cfg take defaults.
//
// # Outputs
//
//   - *Store: Call Close when done.
//   - error: The database could not be opened.
func Open(cfg Config) (*Store, error) {
	def := DefaultConfig()
	if cfg.MaxPerPath <= 0 {
		cfg.MaxPerPath = def.MaxPerPath
	}
	if cfg.MaxHealth <= 0 {
		cfg.MaxHealth = def.MaxHealth
	}

	db, err := openInMemory(cfg.Logger)
	if err != nil {
		return nil, err
	}
	seq, err := db.GetSequence(sequenceKey, 256)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("allocate history sequence: %w", err)
	}
	return &Store{cfg: cfg, db: db, seq: seq}, nil
}

// Close releases the database. Safe to call more than once.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return errors.Join(s.seq.Release(), s.db.Close())
}

// RecordValidation stores v and prunes the oldest records of its path
// beyond MaxPerPath.
func (s *Store) RecordValidation(ctx context.Context, v *risk.Validation) error {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode validation %s: %w", v.ID, err)
	}
	return s.update(ctx, func(txn *badger.Txn, seq string) error {
		if err := txn.Set(key(prefixValidation, seq), data); err != nil {
			return err
		}
		pathPrefix := pathKey(v.Path, "")
		if err := txn.Set(pathKey(v.Path, seq), nil); err != nil {
			return err
		}
		return pruneOldest(txn, pathPrefix, s.cfg.MaxPerPath, func(k []byte) [][]byte {
			return [][]byte{k, key(prefixValidation, string(k[len(pathPrefix):]))}
		})
	})
}

// Validations returns up to n validations of path, newest first. An empty
// path returns validations of every path. n <= 0 returns all retained.
func (s *Store) Validations(ctx context.Context, path string, n int) ([]*risk.Validation, error) {
	out := []*risk.Validation{}
	err := s.view(ctx, func(txn *badger.Txn) error {
		if path == "" {
			return scanNewest(txn, prefixValidation, n, true, func(_ []byte, val []byte) error {
				v, err := decodeValidation(val)
				if err == nil {
					out = append(out, v)
				}
				return err
			})
		}
		prefix := pathKey(path, "")
		return scanNewest(txn, prefix, n, false, func(k []byte, _ []byte) error {
			item, err := txn.Get(key(prefixValidation, string(k[len(prefix):])))
			if err != nil {
				return err
			}
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			v, err := decodeValidation(val)
			if err == nil {
				out = append(out, v)
			}
			return err
		})
	})
	return out, err
}

// RecordHealth stores a health snapshot and prunes beyond MaxHealth.
func (s *Store) RecordHealth(ctx context.Context, snap health.Snapshot) error {
	// Pair lists are reconstructible from the graph; keep records small.
	snap.Duplicates, snap.Orphans = nil, nil
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode health snapshot: %w", err)
	}
	return s.update(ctx, func(txn *badger.Txn, seq string) error {
		if err := txn.Set(key(prefixHealth, seq), data); err != nil {
			return err
		}
		return pruneOldest(txn, prefixHealth, s.cfg.MaxHealth, func(k []byte) [][]byte {
			return [][]byte{k}
		})
	})
}

// HealthTrend returns the last n health snapshots, oldest first. n <= 0
// returns all retained.
func (s *Store) HealthTrend(ctx context.Context, n int) ([]health.Snapshot, error) {
	out := []health.Snapshot{}
	err := s.view(ctx, func(txn *badger.Txn) error {
		return scanNewest(txn, prefixHealth, n, true, func(_ []byte, val []byte) error {
			var snap health.Snapshot
			if err := json.Unmarshal(val, &snap); err != nil {
				return fmt.Errorf("decode health snapshot: %w", err)
			}
			out = append(out, snap)
			return nil
		})
	})
	slices.Reverse(out)
	return out, err
}

func (s *Store) update(ctx context.Context, fn func(txn *badger.Txn, seq string) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	n, err := s.seq.Next()
	if err != nil {
		return fmt.Errorf("next history sequence: %w", err)
	}
	seq := fmt.Sprintf("%020d", n)
	for attempt := 0; ; attempt++ {
		err = s.db.Update(func(txn *badger.Txn) error { return fn(txn, seq) })
		if !errors.Is(err, badger.ErrConflict) || attempt == maxConflictRetries {
			return err
		}
	}
}

// maxConflictRetries bounds retries of a write that raced a prune of the
// same keys.
const maxConflictRetries = 3

func (s *Store) view(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return s.db.View(fn)
}

// scanNewest visits up to n keys under prefix in descending order.
func scanNewest(txn *badger.Txn, prefix []byte, n int, values bool, visit func(k, val []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Reverse = true
	opts.Prefix = prefix
	opts.PrefetchValues = values
	it := txn.NewIterator(opts)
	defer it.Close()

	count := 0
	for it.Seek(append(slices.Clone(prefix), 0xFF)); it.ValidForPrefix(prefix); it.Next() {
		if n > 0 && count >= n {
			break
		}
		item := it.Item()
		k := item.KeyCopy(nil)
		var val []byte
		if values {
			var err error
			if val, err = item.ValueCopy(nil); err != nil {
				return err
			}
		}
		if err := visit(k, val); err != nil {
			return err
		}
		count++
	}
	return nil
}

// pruneOldest deletes the keys returned by expand for every key under
// prefix beyond the newest limit.
func pruneOldest(txn *badger.Txn, prefix []byte, limit int, expand func(k []byte) [][]byte) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)

	var keys [][]byte
	for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	it.Close()

	if len(keys) <= limit {
		return nil
	}
	for _, k := range keys[:len(keys)-limit] {
		for _, del := range expand(k) {
			if err := txn.Delete(del); err != nil {
				return err
			}
		}
	}
	return nil
}

func decodeValidation(data []byte) (*risk.Validation, error) {
	var v risk.Validation
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("decode validation: %w", err)
	}
	if v.Error != "" {
		v.Err = errors.New(v.Error)
	}
	return &v, nil
}

func key(prefix []byte, seq string) []byte {
	return append(slices.Clone(prefix), seq...)
}

func pathKey(path, seq string) []byte {
	k := append(slices.Clone(prefixPath), path...)
	k = append(k, 0)
	return append(k, seq...)
}
