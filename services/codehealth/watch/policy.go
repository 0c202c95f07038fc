// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package watch delivers filesystem changes under a root and decides which
// paths are processed.
package watch

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/tidwall/match"

	"github.com/AleutianAI/codehealth/services/codehealth/config"
)

// Policy is the path-inclusion policy for one root.
//
// # Patterns
//
// A pattern without a slash is matched with path.Match against the base
// name; exclude patterns of this form also match any directory component,
// so ".git" excludes everything beneath it. A pattern with a slash is
// matched against the whole root-relative path, where '*' may span
// separators.
//
// # Thread Safety
//
// Immutable after construction.
type Policy struct {
	root     string
	include  []string
	exclude  []string
	maxBytes int64
}

// NewPolicy validates patterns and returns a Policy for root.
//
// # Outputs
//
//   - *Policy: Ready to use.
//   - error: root cannot be made absolute, or a pattern is malformed.
func NewPolicy(root string, cfg config.WatchConfig) (*Policy, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root %s: %w", root, err)
	}
	for _, p := range append(append([]string{}, cfg.Include...), cfg.Exclude...) {
		if strings.Contains(p, "/") {
			continue
		}
		if _, err := path.Match(p, ""); err != nil {
			return nil, fmt.Errorf("pattern %q: %w", p, err)
		}
	}
	return &Policy{
		root:     filepath.Clean(abs),
		include:  cfg.Include,
		exclude:  cfg.Exclude,
		maxBytes: cfg.MaxFileBytes,
	}, nil
}

// Root returns the absolute root directory.
func (p *Policy) Root() string { return p.root }

// MaxFileBytes is the largest file processed. Zero means unlimited.
func (p *Policy) MaxFileBytes() int64 { return p.maxBytes }

// Rel converts an absolute path to the slash-separated id relative to the
// root. It reports false for paths outside the root and for the root itself.
func (p *Policy) Rel(abs string) (string, bool) {
	rel, err := filepath.Rel(p.root, filepath.Clean(abs))
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

// Abs converts an id back to an absolute path.
func (p *Policy) Abs(rel string) string {
	return filepath.Join(p.root, filepath.FromSlash(rel))
}

// ShouldProcess reports whether the file with id rel is included and not
// excluded.
func (p *Policy) ShouldProcess(rel string) bool {
	if rel == "" || p.excluded(rel) {
		return false
	}
	base := path.Base(rel)
	for _, pat := range p.include {
		if matches(pat, rel, base) {
			return true
		}
	}
	return false
}

// SkipDir reports whether a directory with id rel is excluded entirely.
func (p *Policy) SkipDir(rel string) bool {
	return rel != "" && p.excluded(rel)
}

func (p *Policy) excluded(rel string) bool {
	parts := strings.Split(rel, "/")
	for _, pat := range p.exclude {
		if strings.Contains(pat, "/") {
			if match.Match(rel, pat) {
				return true
			}
			continue
		}
		for _, part := range parts {
			if ok, _ := path.Match(pat, part); ok {
				return true
			}
		}
	}
	return false
}

func matches(pattern, rel, base string) bool {
	if strings.Contains(pattern, "/") {
		return match.Match(rel, pattern)
	}
	ok, _ := path.Match(pattern, base)
	return ok
}
