// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package syntax

import "errors"

var (
	// ErrUnsupportedLanguage indicates no grammar is registered for the file.
	ErrUnsupportedLanguage = errors.New("unsupported language")

	// ErrInvalidContent indicates content that is not valid UTF-8.
	ErrInvalidContent = errors.New("invalid content")

	// ErrFileTooLarge indicates content above MaxFileSize.
	ErrFileTooLarge = errors.New("file too large")

	// ErrParseFailed indicates tree-sitter returned no tree.
	ErrParseFailed = errors.New("parse failed")

	// ErrInvalidGoMod indicates a go.mod without a usable module directive.
	ErrInvalidGoMod = errors.New("invalid go.mod")
)
