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

import "errors"

var (
	// ErrSuperseded is delivered to a proposal replaced by a newer event
	// for the same path before it was applied.
	ErrSuperseded = errors.New("superseded by a newer change")

	// ErrQueueFull is returned when a proposal cannot be queued.
	ErrQueueFull = errors.New("update queue full")

	// ErrThrottled marks a result rejected by the per-path throttle.
	ErrThrottled = errors.New("update throttled")

	// ErrNotIncluded is returned for proposals the path policy excludes.
	ErrNotIncluded = errors.New("path not included")

	// ErrStopped is delivered to proposals still queued when Run returns.
	ErrStopped = errors.New("updater stopped")
)
