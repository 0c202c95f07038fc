// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package embed

import "errors"

var (
	// ErrInvalidInput is returned for nil contexts or empty batches.
	ErrInvalidInput = errors.New("invalid input")

	// ErrBadResponse is returned when an encoder answers with the wrong
	// number of vectors or inconsistent dimensions.
	ErrBadResponse = errors.New("bad embedding response")

	// ErrUnknownProvider is returned by NewEncoder.
	ErrUnknownProvider = errors.New("unknown embedding provider")

	// ErrMissingAPIKey is returned when the openai provider has no key.
	ErrMissingAPIKey = errors.New("missing API key")
)
