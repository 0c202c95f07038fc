// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package backup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Helpers
// =============================================================================

type fixture struct {
	root  string
	store *Store
	now   time.Time
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		root: t.TempDir(),
		now:  time.Unix(1_700_000_000, 0),
	}
	if cfg.Dir == "" {
		cfg.Dir = filepath.Join(f.root, ".codehealth", "backups")
	}
	cfg.Root = f.root
	cfg.Clock = func() time.Time { return f.now }

	store, err := NewStore(cfg)
	require.NoError(t, err)
	f.store = store
	return f
}

func (f *fixture) write(t *testing.T, rel string, data []byte) string {
	t.Helper()
	path := filepath.Join(f.root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, data, 0640))
	return path
}

// =============================================================================
// NewStore
// =============================================================================

func TestNewStore_CreatesDir(t *testing.T) {
	f := newFixture(t, Config{})
	info, err := os.Stat(f.store.Dir())
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestNewStore_DirUnavailable(t *testing.T) {
	root := t.TempDir()
	blocker := filepath.Join(root, "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0600))

	_, err := NewStore(Config{Dir: filepath.Join(blocker, "backups")})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBackupDir)
}

// =============================================================================
// Backup / Restore
// =============================================================================

func TestBackupRestore_ByteExact(t *testing.T) {
	f := newFixture(t, Config{})
	original := []byte("line one\r\n\x00binary\ttail without newline")
	path := f.write(t, "pkg/a.go", original)

	rec, err := f.store.Backup(path)
	require.NoError(t, err)
	assert.True(t, rec.Existed)
	assert.Equal(t, len(original), rec.Size())

	expected := filepath.Join(f.store.Dir(), "pkg", "a.go.1700000000.bak")
	assert.Equal(t, expected, rec.BackupPath)
	onDisk, err := os.ReadFile(expected)
	require.NoError(t, err)
	assert.Equal(t, original, onDisk)

	require.NoError(t, os.WriteFile(path, []byte("clobbered"), 0640))
	require.NoError(t, f.store.Restore(rec))

	restored, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, original, restored)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0640), info.Mode().Perm())
}

func TestBackup_AbsentFile(t *testing.T) {
	f := newFixture(t, Config{})
	path := filepath.Join(f.root, "new.py")

	rec, err := f.store.Backup(path)
	require.NoError(t, err)
	assert.False(t, rec.Existed)
	assert.Empty(t, rec.BackupPath)

	require.NoError(t, os.WriteFile(path, []byte("created"), 0644))
	require.NoError(t, f.store.Restore(rec))

	_, err = os.Stat(path)
	assert.True(t, errors.Is(err, os.ErrNotExist), "restoring an absent record removes the file")
}

func TestBackup_Directory(t *testing.T) {
	f := newFixture(t, Config{})
	dir := filepath.Join(f.root, "sub")
	require.NoError(t, os.MkdirAll(dir, 0755))

	_, err := f.store.Backup(dir)
	assert.ErrorIs(t, err, ErrBackupFailed)
}

func TestBackup_SameSecondCollision(t *testing.T) {
	f := newFixture(t, Config{RetainOnSuccess: true})
	path := f.write(t, "a.go", []byte("v1"))

	first, err := f.store.Backup(path)
	require.NoError(t, err)
	second, err := f.store.Backup(path)
	require.NoError(t, err)

	assert.NotEqual(t, first.BackupPath, second.BackupPath)
	assert.Equal(t, "a.go.1700000000-1.bak", filepath.Base(second.BackupPath))

	list, err := f.store.List(path)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second.BackupPath, list[0].Path, "newest first")
}

func TestBackup_PrunesOldestBeyondK(t *testing.T) {
	f := newFixture(t, Config{MaxPerPath: 3, RetainOnSuccess: true})
	path := f.write(t, "a.go", []byte("v"))

	var recs []*Record
	for i := 0; i < 5; i++ {
		f.now = f.now.Add(time.Second)
		rec, err := f.store.Backup(path)
		require.NoError(t, err)
		recs = append(recs, rec)
	}

	list, err := f.store.List(path)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, recs[4].BackupPath, list[0].Path)
	assert.Equal(t, recs[2].BackupPath, list[2].Path)

	for _, old := range recs[:2] {
		_, err := os.Stat(old.BackupPath)
		assert.True(t, errors.Is(err, os.ErrNotExist), "%s should be pruned", old.BackupPath)
	}
}

func TestList_IgnoresOtherFiles(t *testing.T) {
	f := newFixture(t, Config{RetainOnSuccess: true})
	path := f.write(t, "a.go", []byte("v"))
	other := f.write(t, "a.go.txt", []byte("v"))

	_, err := f.store.Backup(path)
	require.NoError(t, err)
	_, err = f.store.Backup(other)
	require.NoError(t, err)

	list, err := f.store.List(path)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestDiscard(t *testing.T) {
	t.Run("removes snapshot by default", func(t *testing.T) {
		f := newFixture(t, Config{})
		path := f.write(t, "a.go", []byte("v"))
		rec, err := f.store.Backup(path)
		require.NoError(t, err)

		require.NoError(t, f.store.Discard(rec))
		_, err = os.Stat(rec.BackupPath)
		assert.True(t, errors.Is(err, os.ErrNotExist))
	})

	t.Run("retains snapshot when configured", func(t *testing.T) {
		f := newFixture(t, Config{RetainOnSuccess: true})
		path := f.write(t, "a.go", []byte("v"))
		rec, err := f.store.Backup(path)
		require.NoError(t, err)

		require.NoError(t, f.store.Discard(rec))
		_, err = os.Stat(rec.BackupPath)
		assert.NoError(t, err)
	})

	t.Run("nil record", func(t *testing.T) {
		f := newFixture(t, Config{})
		assert.ErrorIs(t, f.store.Discard(nil), ErrNilRecord)
		assert.ErrorIs(t, f.store.Restore(nil), ErrNilRecord)
	})
}

// =============================================================================
// WithBackup
// =============================================================================

func TestWithBackup_SuccessDiscards(t *testing.T) {
	f := newFixture(t, Config{})
	path := f.write(t, "a.go", []byte("old"))

	var seen *Record
	err := f.store.WithBackup(context.Background(), path, func(ctx context.Context, rec *Record) error {
		seen = rec
		return os.WriteFile(path, []byte("new"), 0640)
	})
	require.NoError(t, err)

	data, _ := os.ReadFile(path)
	assert.Equal(t, "new", string(data))
	_, statErr := os.Stat(seen.BackupPath)
	assert.True(t, errors.Is(statErr, os.ErrNotExist))
}

func TestWithBackup_ErrorRestores(t *testing.T) {
	f := newFixture(t, Config{})
	path := f.write(t, "a.go", []byte("old"))
	applyErr := errors.New("apply exploded")

	err := f.store.WithBackup(context.Background(), path, func(ctx context.Context, rec *Record) error {
		require.NoError(t, os.WriteFile(path, []byte("half-written"), 0640))
		return applyErr
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, applyErr)
	assert.ErrorIs(t, err, ErrRestored)

	data, _ := os.ReadFile(path)
	assert.Equal(t, "old", string(data))
}

func TestWithBackup_PanicRestores(t *testing.T) {
	f := newFixture(t, Config{})
	path := f.write(t, "a.go", []byte("old"))

	err := f.store.WithBackup(context.Background(), path, func(ctx context.Context, rec *Record) error {
		require.NoError(t, os.WriteFile(path, []byte("partial"), 0640))
		panic("boom")
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrApplyPanic)
	assert.ErrorIs(t, err, ErrRestored)

	data, _ := os.ReadFile(path)
	assert.Equal(t, "old", string(data))
}

func TestWithBackup_BackupFailureSkipsApply(t *testing.T) {
	f := newFixture(t, Config{})
	dir := filepath.Join(f.root, "sub")
	require.NoError(t, os.MkdirAll(dir, 0755))

	called := false
	err := f.store.WithBackup(context.Background(), dir, func(ctx context.Context, rec *Record) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrBackupFailed)
	assert.False(t, called)
}

// =============================================================================
// Helpers
// =============================================================================

func TestParseBackupName(t *testing.T) {
	tests := []struct {
		base, file string
		epoch      int64
		seq        int
		ok         bool
	}{
		{"a.go", "a.go.1700000000.bak", 1700000000, 0, true},
		{"a.go", "a.go.1700000000-2.bak", 1700000000, 2, true},
		{"a", "a.go.1700000000.bak", 0, 0, false},
		{"a.go", "a.go.bak", 0, 0, false},
		{"a.go", "a.go.17x.bak", 0, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.file, func(t *testing.T) {
			epoch, seq, ok := parseBackupName(tt.base, tt.file)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.epoch, epoch)
			assert.Equal(t, tt.seq, seq)
		})
	}
}

func TestWriteFile_PreservesMode(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "x.py")
	require.NoError(t, os.WriteFile(path, []byte("a"), 0600))

	require.NoError(t, WriteFile(path, []byte("b")))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	created := filepath.Join(dir, "deep", "y.py")
	require.NoError(t, WriteFile(created, []byte("c")))
	data, err := os.ReadFile(created)
	require.NoError(t, err)
	assert.Equal(t, "c", string(data))
}
