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

import "errors"

var (
	// ErrBackupDir indicates the backup directory could not be created.
	// This is unrecoverable: no update can be applied safely without it.
	ErrBackupDir = errors.New("cannot create backup directory")

	// ErrBackupFailed indicates a single file could not be snapshotted.
	ErrBackupFailed = errors.New("backup failed")

	// ErrRestored marks an apply error after which the original bytes
	// were successfully put back.
	ErrRestored = errors.New("original restored")

	// ErrRestoreFailed indicates the original bytes could not be put back.
	ErrRestoreFailed = errors.New("restore failed")

	// ErrApplyPanic wraps a panic recovered from a scoped apply.
	ErrApplyPanic = errors.New("apply panicked")

	// ErrNilRecord is returned when a nil record is restored or discarded.
	ErrNilRecord = errors.New("nil backup record")
)
