// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package perf flags likely performance problems from the syntax tree.
//
// The analysis is heuristic: nested loops, nested comprehensions and
// large collection literals or allocations. Findings are aggregated into
// a normalized score in [0, 1] that the risk classifier compares against
// a threshold.
package perf

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"

	"github.com/AleutianAI/codehealth/services/codehealth/syntax"
)

// Kind names a heuristic.
type Kind string

const (
	KindNestedLoop          Kind = "nested_loop"
	KindNestedComprehension Kind = "nested_comprehension"
	KindLargeCollection     Kind = "large_collection"
)

// Finding is one flagged construct.
type Finding struct {
	Kind    Kind   `json:"kind"`
	Line    int    `json:"line"`
	Message string `json:"message"`
}

// String renders the finding as "line N: message".
func (f Finding) String() string {
	return fmt.Sprintf("line %d: %s", f.Line, f.Message)
}

// Report is the result of analyzing one file.
type Report struct {
	Language syntax.Language `json:"language"`
	Findings []Finding       `json:"findings"`
	Score    float64         `json:"score"`
}

// Descriptions returns the findings as strings.
func (r *Report) Descriptions() []string {
	out := make([]string, len(r.Findings))
	for i, f := range r.Findings {
		out[i] = f.String()
	}
	return out
}

// Exceeds reports whether the score is strictly above threshold.
func (r *Report) Exceeds(threshold float64) bool {
	return r.Score > threshold
}

// Options tunes the analyzer.
type Options struct {
	// LargeCollectionSize is the element count or allocation size above
	// which a collection is flagged. Default: 1000.
	LargeCollectionSize int

	// Weights is the score contribution of one finding of each kind.
	Weights map[Kind]float64
}

// DefaultOptions returns the standard thresholds and weights.
func DefaultOptions() Options {
	return Options{
		LargeCollectionSize: 1000,
		Weights: map[Kind]float64{
			KindNestedLoop:          0.3,
			KindNestedComprehension: 0.25,
			KindLargeCollection:     0.2,
		},
	}
}

// Analyzer runs the heuristics. It is stateless and safe for concurrent use.
type Analyzer struct {
	opts Options
}

// New creates an Analyzer; zero fields in opts take defaults.
func New(opts Options) *Analyzer {
	def := DefaultOptions()
	if opts.LargeCollectionSize <= 0 {
		opts.LargeCollectionSize = def.LargeCollectionSize
	}
	if opts.Weights == nil {
		opts.Weights = def.Weights
	}
	return &Analyzer{opts: opts}
}

// Analyze parses content and runs the heuristics for its language.
//
// Description:
//
//	Unsupported languages yield an empty report, not an error. Content
//	that fails to parse (invalid UTF-8, too large) is reported as an error
//	so the caller can record a warning.
//
// Inputs:
//
//	ctx - Cancels the parse.
//	path - Used for language detection only.
//	content - Source bytes.
//
// Outputs:
//
//	*Report - Findings and score.
//	error - Parse failure.
func (a *Analyzer) Analyze(ctx context.Context, path string, content []byte) (*Report, error) {
	lang := syntax.DetectLanguage(path)
	tree, err := syntax.Parse(ctx, lang, content)
	if errors.Is(err, syntax.ErrUnsupportedLanguage) {
		return &Report{Language: lang, Findings: []Finding{}}, nil
	}
	if err != nil {
		return nil, err
	}
	defer tree.Close()
	return a.AnalyzeTree(tree), nil
}

// AnalyzeTree runs the heuristics on an already parsed tree.
func (a *Analyzer) AnalyzeTree(tree *syntax.Tree) *Report {
	r := &Report{Language: tree.Language, Findings: []Finding{}}
	switch tree.Language {
	case syntax.LanguageGo:
		a.analyzeGo(tree, r)
	case syntax.LanguagePython:
		a.analyzePython(tree, r)
	}

	score := 0.0
	for _, f := range r.Findings {
		score += a.opts.Weights[f.Kind]
	}
	r.Score = min(1, max(0, score))
	return r
}

func (a *Analyzer) analyzeGo(tree *syntax.Tree, r *Report) {
	syntax.Walk(tree.Root(), func(n *sitter.Node, ancestors []*sitter.Node) bool {
		switch n.Type() {
		case "for_statement":
			if depth := countTypes(ancestors, "for_statement"); depth > 0 {
				r.add(KindNestedLoop, n, "loop nested %d deep", depth+1)
			}
		case "literal_value":
			if size := namedChildren(n); size > a.opts.LargeCollectionSize {
				r.add(KindLargeCollection, n, "composite literal with %d elements", size)
			}
		case "call_expression":
			fn := n.ChildByFieldName("function")
			if fn == nil || tree.Text(fn) != "make" {
				break
			}
			args := n.ChildByFieldName("arguments")
			if args == nil {
				break
			}
			for i := 1; i < int(args.NamedChildCount()); i++ {
				if v, ok := evalInt(tree, args.NamedChild(i)); ok && v > int64(a.opts.LargeCollectionSize) {
					r.add(KindLargeCollection, n, "make with size %d", v)
					break
				}
			}
		}
		return true
	})
}

var pythonLoops = []string{"for_statement", "while_statement"}

var pythonComprehensions = []string{
	"list_comprehension",
	"set_comprehension",
	"dictionary_comprehension",
	"generator_expression",
}

var pythonMaterializers = []string{"list", "set", "tuple", "sorted", "dict", "frozenset"}

func (a *Analyzer) analyzePython(tree *syntax.Tree, r *Report) {
	limit := int64(a.opts.LargeCollectionSize)

	syntax.Walk(tree.Root(), func(n *sitter.Node, ancestors []*sitter.Node) bool {
		typ := n.Type()
		switch {
		case typ == "for_statement" || typ == "while_statement":
			if depth := countTypes(ancestors, pythonLoops...); depth > 0 {
				r.add(KindNestedLoop, n, "loop nested %d deep", depth+1)
			}

		case isOneOf(typ, pythonComprehensions...):
			clauses := countChildren(n, "for_in_clause")
			switch {
			case countTypes(ancestors, pythonComprehensions...) > 0:
				r.add(KindNestedComprehension, n, "comprehension inside another comprehension")
			case clauses > 1:
				r.add(KindNestedComprehension, n, "comprehension with %d for clauses", clauses)
			case countTypes(ancestors, pythonLoops...) > 0:
				r.add(KindNestedLoop, n, "comprehension inside a loop")
			}

		case typ == "list" || typ == "set" || typ == "tuple" || typ == "dictionary":
			if size := namedChildren(n); size > a.opts.LargeCollectionSize {
				r.add(KindLargeCollection, n, "%s literal with %d elements", typ, size)
			}

		case typ == "binary_operator":
			// [x] * N
			left := n.ChildByFieldName("left")
			op := n.ChildByFieldName("operator")
			right := n.ChildByFieldName("right")
			if left == nil || op == nil || right == nil || tree.Text(op) != "*" || left.Type() != "list" {
				break
			}
			if v, ok := evalInt(tree, right); ok && v > limit {
				r.add(KindLargeCollection, n, "list repeated %d times", v)
				return false
			}

		case typ == "call":
			fn := n.ChildByFieldName("function")
			if fn == nil || tree.Text(fn) != "range" {
				break
			}
			if !materialized(tree, ancestors) {
				break
			}
			args := n.ChildByFieldName("arguments")
			if args == nil || args.NamedChildCount() == 0 {
				break
			}
			last := args.NamedChild(int(args.NamedChildCount()) - 1)
			if args.NamedChildCount() >= 2 {
				last = args.NamedChild(1)
			}
			if v, ok := evalInt(tree, last); ok && v > limit {
				r.add(KindLargeCollection, n, "materialized range of %d", v)
			}
		}
		return true
	})
}

// materialized reports whether a range() call is consumed into a
// collection: directly inside list(...)/set(...) or as the iterable of a
// non-generator comprehension.
func materialized(tree *syntax.Tree, ancestors []*sitter.Node) bool {
	for i := len(ancestors) - 1; i >= 0; i-- {
		a := ancestors[i]
		switch a.Type() {
		case "list_comprehension", "set_comprehension", "dictionary_comprehension":
			return true
		case "generator_expression", "for_statement", "lambda", "function_definition":
			return false
		case "call":
			if fn := a.ChildByFieldName("function"); fn != nil && isOneOf(tree.Text(fn), pythonMaterializers...) {
				return true
			}
		}
	}
	return false
}

func (r *Report) add(kind Kind, n *sitter.Node, format string, args ...any) {
	r.Findings = append(r.Findings, Finding{
		Kind:    kind,
		Line:    int(n.StartPoint().Row) + 1,
		Message: fmt.Sprintf(format, args...),
	})
}

// evalInt evaluates integer literals and products or powers of them.
func evalInt(tree *syntax.Tree, n *sitter.Node) (int64, bool) {
	if n == nil {
		return 0, false
	}
	switch n.Type() {
	case "int_literal", "integer":
		text := strings.ReplaceAll(strings.ToLower(tree.Text(n)), "_", "")
		v, err := strconv.ParseInt(strings.TrimSuffix(text, "l"), 0, 64)
		return v, err == nil
	case "parenthesized_expression":
		if n.NamedChildCount() == 1 {
			return evalInt(tree, n.NamedChild(0))
		}
	case "binary_expression", "binary_operator":
		left, lok := evalInt(tree, n.ChildByFieldName("left"))
		right, rok := evalInt(tree, n.ChildByFieldName("right"))
		op := n.ChildByFieldName("operator")
		if !lok || !rok || op == nil {
			return 0, false
		}
		switch tree.Text(op) {
		case "*":
			return left * right, true
		case "**":
			if right < 0 || right > 18 {
				return 0, false
			}
			v := int64(1)
			for i := int64(0); i < right; i++ {
				v *= left
			}
			return v, true
		case "<<":
			if right < 0 || right > 62 {
				return 0, false
			}
			return left << right, true
		}
	}
	return 0, false
}

func countTypes(nodes []*sitter.Node, types ...string) int {
	n := 0
	for _, node := range nodes {
		if isOneOf(node.Type(), types...) {
			n++
		}
	}
	return n
}

func countChildren(n *sitter.Node, typ string) int {
	c := 0
	for i := 0; i < int(n.NamedChildCount()); i++ {
		if n.NamedChild(i).Type() == typ {
			c++
		}
	}
	return c
}

// namedChildren counts named children other than comments.
func namedChildren(n *sitter.Node) int {
	c := 0
	for i := 0; i < int(n.NamedChildCount()); i++ {
		if n.NamedChild(i).Type() != "comment" {
			c++
		}
	}
	return c
}

func isOneOf(s string, set ...string) bool {
	for _, v := range set {
		if s == v {
			return true
		}
	}
	return false
}
