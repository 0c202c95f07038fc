// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package risk

import "errors"

var (
	// ErrNoSemanticContext is returned when a modification or deletion
	// names a path the graph does not know.
	ErrNoSemanticContext = errors.New("no semantic context for path")

	// ErrContentUnchanged is returned when the proposed content hashes to
	// the node's current hash.
	ErrContentUnchanged = errors.New("content unchanged")

	// ErrSecurityViolation marks a change rejected by the security scan.
	ErrSecurityViolation = errors.New("security violation")

	// ErrCircularDependency marks a change that introduces a dependency cycle.
	ErrCircularDependency = errors.New("circular dependency")
)
