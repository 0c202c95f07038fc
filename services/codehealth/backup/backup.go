// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package backup snapshots files before an update is applied and restores
// them byte-for-byte when the update fails.
package backup

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxPerPath is the number of snapshots retained per path.
const DefaultMaxPerPath = 5

// Config configures a Store.
//
// # Example
//
//	store, err := backup.NewStore(backup.Config{
//	    Dir:        "/repo/.codehealth/backups",
//	    Root:       "/repo",
//	    MaxPerPath: 5,
//	})
type Config struct {
	// Dir receives the snapshot files. Created by NewStore.
	Dir string

	// Root is the watched root. Snapshot files mirror each path's
	// location relative to Root so equal base names never collide.
	// Paths outside Root are stored flat by base name.
	Root string

	// MaxPerPath is how many snapshots are retained per path, oldest
	// pruned first. Default: 5.
	MaxPerPath int

	// RetainOnSuccess keeps the snapshot file after a successful apply.
	// When false the snapshot is discarded once the apply commits.
	RetainOnSuccess bool

	// Clock replaces time.Now, for tests.
	Clock func() time.Time

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Record is the handle for one snapshot.
//
// The original bytes are held in memory; the file at BackupPath is a
// durable copy. Restore uses the in-memory bytes.
type Record struct {
	ID         string
	Path       string
	BackupPath string
	Existed    bool
	Mode       fs.FileMode
	CreatedAt  time.Time

	original []byte
}

// Size returns the number of snapshotted bytes.
func (r *Record) Size() int {
	return len(r.original)
}

// Info describes a snapshot file found on disk.
type Info struct {
	Path         string
	OriginalPath string
	CreatedAt    time.Time
	Size         int64
	seq          int
}

// Store manages snapshot files under one directory.
//
// # Thread Safety
//
// Backup, Restore and Discard on different paths may run concurrently.
// The orchestrator drives a single path at a time.
type Store struct {
	cfg    Config
	logger *slog.Logger
}

// NewStore creates the backup directory and returns a Store.
//
// # Outputs
//
//   - *Store: Ready store.
//   - error: Wraps ErrBackupDir if the directory cannot be created.
func NewStore(cfg Config) (*Store, error) {
	if cfg.MaxPerPath <= 0 {
		cfg.MaxPerPath = DefaultMaxPerPath
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if err := os.MkdirAll(cfg.Dir, 0750); err != nil {
		return nil, fmt.Errorf("%w %s: %v", ErrBackupDir, cfg.Dir, err)
	}
	return &Store{
		cfg:    cfg,
		logger: cfg.Logger.With(slog.String("component", "backup")),
	}, nil
}

// Dir returns the backup directory.
func (s *Store) Dir() string {
	return s.cfg.Dir
}

// Backup snapshots the current bytes of path.
//
// # Description
//
// A missing file yields a Record with Existed=false and no snapshot file;
// restoring it removes whatever was created at path. After writing, older
// snapshots of path beyond MaxPerPath are pruned.
//
// # Outputs
//
//   - *Record: Handle to pass to Restore or Discard.
//   - error: Wraps ErrBackupFailed.
func (s *Store) Backup(path string) (*Record, error) {
	now := s.cfg.Clock()
	rec := &Record{
		ID:        uuid.NewString(),
		Path:      path,
		CreatedAt: now,
	}

	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		backupsTotal.WithLabelValues("absent").Inc()
		return rec, nil
	}
	if err != nil {
		backupsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("%w: stat %s: %v", ErrBackupFailed, path, err)
	}
	if info.IsDir() {
		backupsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("%w: %s is a directory", ErrBackupFailed, path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		backupsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("%w: read %s: %v", ErrBackupFailed, path, err)
	}
	rec.Existed = true
	rec.Mode = info.Mode().Perm()
	rec.original = data

	target, err := s.nextBackupPath(path, now)
	if err != nil {
		backupsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("%w: %v", ErrBackupFailed, err)
	}
	if err := os.WriteFile(target, data, 0600); err != nil {
		backupsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("%w: write %s: %v", ErrBackupFailed, target, err)
	}
	rec.BackupPath = target

	backupsTotal.WithLabelValues("ok").Inc()
	backupBytes.Observe(float64(len(data)))

	if err := s.prune(path); err != nil {
		s.logger.Warn("backup retention failed",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
	}
	return rec, nil
}

// Restore puts the snapshotted bytes back at the record's path.
//
// The write goes through a temporary file in the same directory followed
// by a rename, so readers never observe a partial file. A record for a
// file that did not exist removes the path instead.
func (s *Store) Restore(rec *Record) error {
	if rec == nil {
		return ErrNilRecord
	}
	if !rec.Existed {
		if err := os.Remove(rec.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			restoresTotal.WithLabelValues("error").Inc()
			return fmt.Errorf("%w: remove %s: %v", ErrRestoreFailed, rec.Path, err)
		}
		restoresTotal.WithLabelValues("ok").Inc()
		return nil
	}

	data := rec.original
	if data == nil && rec.BackupPath != "" {
		var err error
		if data, err = os.ReadFile(rec.BackupPath); err != nil {
			restoresTotal.WithLabelValues("error").Inc()
			return fmt.Errorf("%w: read %s: %v", ErrRestoreFailed, rec.BackupPath, err)
		}
	}
	if err := writeAtomic(rec.Path, data, rec.Mode); err != nil {
		restoresTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("%w: %v", ErrRestoreFailed, err)
	}

	restoresTotal.WithLabelValues("ok").Inc()
	s.logger.Info("restored original",
		slog.String("path", rec.Path),
		slog.Int("bytes", len(data)),
	)
	return nil
}

// Discard releases a record after a successful apply. The snapshot file
// is removed unless RetainOnSuccess is set.
func (s *Store) Discard(rec *Record) error {
	if rec == nil {
		return ErrNilRecord
	}
	rec.original = nil
	if s.cfg.RetainOnSuccess || rec.BackupPath == "" {
		return nil
	}
	if err := os.Remove(rec.BackupPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("discard %s: %w", rec.BackupPath, err)
	}
	return nil
}

// WithBackup snapshots path, runs fn, and restores the snapshot if fn
// returns an error or panics.
//
// # Description
//
// This is the scoped form of Backup/Restore/Discard. On success the record
// is discarded. On failure the returned error wraps both fn's error and
// ErrRestored (or ErrRestoreFailed), so callers can tell whether the file
// on disk is back to its original bytes.
//
// # Inputs
//
//   - ctx: Passed through to fn.
//   - path: File to protect.
//   - fn: The mutation. Receives the record for reporting.
//
// # Outputs
//
//   - error: nil on success; ErrBackupFailed if no snapshot could be taken
//     (fn is not run); otherwise fn's error joined with the restore outcome.
func (s *Store) WithBackup(ctx context.Context, path string, fn func(ctx context.Context, rec *Record) error) (err error) {
	rec, err := s.Backup(path)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %v", ErrApplyPanic, p)
		}
		if err == nil {
			if derr := s.Discard(rec); derr != nil {
				s.logger.Warn("discard backup failed", slog.String("error", derr.Error()))
			}
			return
		}
		if rerr := s.Restore(rec); rerr != nil {
			err = errors.Join(err, rerr)
			return
		}
		err = fmt.Errorf("%w: %w", ErrRestored, err)
	}()

	return fn(ctx, rec)
}

// List returns the snapshot files of path found on disk, newest first.
func (s *Store) List(path string) ([]Info, error) {
	dir, name := s.mirror(path)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read backup directory: %w", err)
	}

	var out []Info
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		epoch, seq, ok := parseBackupName(name, entry.Name())
		if !ok {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		out = append(out, Info{
			Path:         filepath.Join(dir, entry.Name()),
			OriginalPath: path,
			CreatedAt:    time.Unix(epoch, 0),
			Size:         info.Size(),
			seq:          seq,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].seq > out[j].seq
	})
	return out, nil
}

// prune removes the oldest snapshots of path beyond MaxPerPath.
func (s *Store) prune(path string) error {
	backups, err := s.List(path)
	if err != nil {
		return err
	}
	var errs []error
	for _, b := range backups[min(len(backups), s.cfg.MaxPerPath):] {
		if err := os.Remove(b.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
			continue
		}
		prunedTotal.Inc()
	}
	return errors.Join(errs...)
}

// nextBackupPath returns <dir>/<name>.<epoch>.bak, or <name>.<epoch>-<n>.bak
// when a snapshot for the same second already exists.
func (s *Store) nextBackupPath(path string, now time.Time) (string, error) {
	dir, name := s.mirror(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return "", fmt.Errorf("create %s: %w", dir, err)
	}
	epoch := now.Unix()
	candidate := filepath.Join(dir, fmt.Sprintf("%s.%d.bak", name, epoch))
	for n := 1; ; n++ {
		if _, err := os.Lstat(candidate); errors.Is(err, fs.ErrNotExist) {
			return candidate, nil
		}
		candidate = filepath.Join(dir, fmt.Sprintf("%s.%d-%d.bak", name, epoch, n))
	}
}

// mirror maps path to its snapshot directory and base name.
func (s *Store) mirror(path string) (string, string) {
	name := filepath.Base(path)
	if s.cfg.Root == "" {
		return s.cfg.Dir, name
	}
	rel, err := filepath.Rel(s.cfg.Root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return s.cfg.Dir, name
	}
	return filepath.Join(s.cfg.Dir, filepath.Dir(rel)), name
}

var backupSuffix = regexp.MustCompile(`^\.(\d+)(?:-(\d+))?\.bak$`)

// parseBackupName extracts epoch and sequence from a snapshot file name
// belonging to the original base name.
func parseBackupName(base, file string) (int64, int, bool) {
	if !strings.HasPrefix(file, base) {
		return 0, 0, false
	}
	m := backupSuffix.FindStringSubmatch(file[len(base):])
	if m == nil {
		return 0, 0, false
	}
	epoch, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	seq := 0
	if m[2] != "" {
		seq, _ = strconv.Atoi(m[2])
	}
	return epoch, seq, true
}

// writeAtomic replaces path with data via a temp file and rename.
func writeAtomic(path string, data []byte, mode fs.FileMode) error {
	if mode == 0 {
		mode = 0644
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".restore-*")
	if err != nil {
		return fmt.Errorf("create temp in %s: %w", dir, err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Chmod(tmpName, mode); err != nil {
		cleanup()
		return fmt.Errorf("chmod temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("rename into %s: %w", path, err)
	}
	return nil
}

// WriteFile atomically writes data to path, preserving the existing mode
// when the file already exists. Used to apply proposed content.
func WriteFile(path string, data []byte) error {
	mode := fs.FileMode(0644)
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode().Perm()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return writeAtomic(path, data, mode)
}
