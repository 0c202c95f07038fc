// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package scanner finds insecure code by regular expression.
//
// The scanner is pure: it holds only compiled patterns and may be shared
// across goroutines.
package scanner

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Pattern is one detection rule.
//
// Description:
//
//	Expr must match for a finding. Negative, when set, suppresses a match
//	if it matches the line containing it. Secret marks patterns whose
//	first capture group is a credential value to mask in Finding.Context.
type Pattern struct {
	ID          string
	Category    Category
	Description string
	CWE         string
	Severity    Severity
	Expr        string
	Negative    string
	Secret      bool

	expr     *regexp.Regexp
	negative *regexp.Regexp
}

// compile prepares the pattern's regexes.
func (p *Pattern) compile() error {
	var err error
	if p.expr, err = regexp.Compile(p.Expr); err != nil {
		return fmt.Errorf("pattern %s: %w", p.ID, err)
	}
	if p.Negative != "" {
		if p.negative, err = regexp.Compile(p.Negative); err != nil {
			return fmt.Errorf("pattern %s negative: %w", p.ID, err)
		}
	}
	return nil
}

// Finding is one match with its location.
type Finding struct {
	Category  Category `json:"category"`
	PatternID string   `json:"pattern_id"`
	CWE       string   `json:"cwe"`
	Severity  Severity `json:"severity"`
	Line      int      `json:"line"`
	Context   string   `json:"context"`
}

// Scanner matches content against a fixed pattern set.
type Scanner struct {
	patterns []*Pattern
}

// New returns a Scanner with the built-in patterns.
func New() *Scanner {
	s, err := NewWithPatterns(defaultPatterns())
	if err != nil {
		panic(err) // built-in patterns are static
	}
	return s
}

// NewWithPatterns compiles patterns into a Scanner.
//
// Outputs:
//
//	*Scanner - Ready scanner.
//	error - A pattern failed to compile.
func NewWithPatterns(patterns []Pattern) (*Scanner, error) {
	s := &Scanner{patterns: make([]*Pattern, 0, len(patterns))}
	for i := range patterns {
		p := patterns[i]
		if err := p.compile(); err != nil {
			return nil, err
		}
		s.patterns = append(s.patterns, &p)
	}
	return s, nil
}

// Scan returns the sorted, de-duplicated categories matched in content.
// Clean content yields an empty, non-nil slice.
func (s *Scanner) Scan(content string) []string {
	seen := make(map[Category]struct{})
	for _, p := range s.patterns {
		if _, done := seen[p.Category]; done {
			continue
		}
		if len(p.match(content, 1)) > 0 {
			seen[p.Category] = struct{}{}
		}
	}

	out := make([]string, 0, len(seen))
	for c := range seen {
		out = append(out, string(c))
	}
	sort.Strings(out)
	return out
}

// ScanDetailed returns every finding with line number and masked context,
// ordered by line then pattern id.
func (s *Scanner) ScanDetailed(content string) []Finding {
	var findings []Finding
	for _, p := range s.patterns {
		for _, m := range p.match(content, -1) {
			line, text := lineAt(content, m[0])
			if p.Secret && len(m) >= 4 && m[2] >= 0 {
				text = maskSecret(text, content[m[2]:m[3]])
			}
			findings = append(findings, Finding{
				Category:  p.Category,
				PatternID: p.ID,
				CWE:       p.CWE,
				Severity:  p.Severity,
				Line:      line,
				Context:   truncate(strings.TrimSpace(text), 120),
			})
		}
	}
	sort.SliceStable(findings, func(i, j int) bool {
		if findings[i].Line != findings[j].Line {
			return findings[i].Line < findings[j].Line
		}
		return findings[i].PatternID < findings[j].PatternID
	})
	return findings
}

// match returns up to n submatch index slices that survive the negative
// pattern. n < 0 means all.
func (p *Pattern) match(content string, n int) [][]int {
	all := p.expr.FindAllStringSubmatchIndex(content, -1)
	if len(all) == 0 {
		return nil
	}
	out := make([][]int, 0, len(all))
	for _, m := range all {
		if p.negative != nil {
			_, line := lineAt(content, m[0])
			if p.negative.MatchString(line) {
				continue
			}
		}
		out = append(out, m)
		if n > 0 && len(out) >= n {
			break
		}
	}
	return out
}

// lineAt returns the 1-based line number and text of the line holding offset.
func lineAt(content string, offset int) (int, string) {
	start := strings.LastIndexByte(content[:offset], '\n') + 1
	end := strings.IndexByte(content[offset:], '\n')
	if end < 0 {
		end = len(content)
	} else {
		end += offset
	}
	return strings.Count(content[:offset], "\n") + 1, content[start:end]
}

// maskSecret keeps the first and last two characters of long secrets.
func maskSecret(context, secret string) string {
	if secret == "" {
		return context
	}
	if len(secret) <= 8 {
		return strings.ReplaceAll(context, secret, "****")
	}
	masked := secret[:2] + strings.Repeat("*", len(secret)-4) + secret[len(secret)-2:]
	return strings.ReplaceAll(context, secret, masked)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
