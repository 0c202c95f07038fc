// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package patch applies single-file unified diffs to file content.
//
// Application is strict: every context and removed line must match the
// original exactly. A patch that does not apply cleanly is rejected rather
// than fuzzed into place.
package patch

import (
	"errors"
	"fmt"
	"strings"

	"github.com/sourcegraph/go-diff/diff"
)

const devNull = "/dev/null"

var (
	// ErrMalformed is returned when the patch cannot be parsed.
	ErrMalformed = errors.New("malformed patch")

	// ErrMultiFile is returned when the patch touches more than one file.
	ErrMultiFile = errors.New("patch must touch exactly one file")

	// ErrConflict is returned when a hunk does not match the original.
	ErrConflict = errors.New("patch does not apply")
)

// Result is the outcome of Apply.
type Result struct {
	// Content is the patched file. Nil when Deleted.
	Content []byte

	// Deleted is set when the patch removes the file.
	Deleted bool

	// Added and Removed count changed lines.
	Added   int
	Removed int
}

// Apply applies a unified diff for one file to original.
//
// # Description
//
// A patch whose new name is /dev/null deletes the file. A patch whose
// original name is /dev/null creates it and requires original to be
// empty. Hunks must be in order and must not overlap.
//
// # Outputs
//
//   - *Result: The patched content.
//   - error: ErrMalformed, ErrMultiFile or ErrConflict, wrapped with detail.
func Apply(original, unified []byte) (*Result, error) {
	fds, err := diff.ParseMultiFileDiff(unified)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(fds) == 0 {
		return nil, fmt.Errorf("%w: no file diff", ErrMalformed)
	}
	if len(fds) != 1 {
		return nil, fmt.Errorf("%w: found %d", ErrMultiFile, len(fds))
	}
	fd := fds[0]
	if len(fd.Hunks) == 0 && fd.NewName != devNull {
		return nil, fmt.Errorf("%w: no hunks", ErrMalformed)
	}

	stat := fd.Stat()
	res := &Result{Added: int(stat.Added + stat.Changed), Removed: int(stat.Deleted + stat.Changed)}
	if fd.NewName == devNull {
		res.Deleted = true
		return res, nil
	}
	if fd.OrigName == devNull && len(original) > 0 {
		return nil, fmt.Errorf("%w: creates a file that already has content", ErrConflict)
	}

	content, err := applyHunks(original, fd.Hunks)
	if err != nil {
		return nil, err
	}
	res.Content = content
	return res, nil
}

func applyHunks(original []byte, hunks []*diff.Hunk) ([]byte, error) {
	text := string(original)
	endsWithNewline := text == "" || strings.HasSuffix(text, "\n")
	var lines []string
	if text != "" {
		lines = strings.Split(strings.TrimSuffix(text, "\n"), "\n")
	}

	out := make([]string, 0, len(lines))
	idx := 0
	for n, h := range hunks {
		start := int(h.OrigStartLine) - 1
		if h.OrigLines == 0 {
			// Pure insertion: OrigStartLine names the line it follows.
			start = int(h.OrigStartLine)
		}
		if start < idx || start > len(lines) {
			return nil, fmt.Errorf("%w: hunk %d starts at line %d", ErrConflict, n+1, h.OrigStartLine)
		}
		out = append(out, lines[idx:start]...)
		idx = start

		body := string(h.Body)
		newHasNewline := strings.HasSuffix(body, "\n")
		body = strings.TrimSuffix(body, "\n")
		for _, line := range strings.Split(body, "\n") {
			op, rest := byte(' '), ""
			if line != "" {
				op, rest = line[0], line[1:]
			}
			switch op {
			case '+':
				out = append(out, rest)
			case '-', ' ':
				if idx >= len(lines) || lines[idx] != rest {
					return nil, fmt.Errorf("%w: hunk %d mismatch at line %d", ErrConflict, n+1, idx+1)
				}
				if op == ' ' {
					out = append(out, rest)
				}
				idx++
			default:
				return nil, fmt.Errorf("%w: hunk %d has line %q", ErrMalformed, n+1, line)
			}
		}
		if idx == len(lines) {
			endsWithNewline = newHasNewline
		}
	}
	out = append(out, lines[idx:]...)

	if len(out) == 0 {
		return []byte{}, nil
	}
	result := strings.Join(out, "\n")
	if endsWithNewline {
		result += "\n"
	}
	return []byte(result), nil
}
