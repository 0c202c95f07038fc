// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package syntax wraps tree-sitter for the languages codehealth understands.
//
// It provides parsing, a pre-order walk with ancestor tracking, a content
// hash, a structure hash that ignores text and comments, and import
// extraction with resolution to known file ids.
package syntax

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cespare/xxhash/v2"
	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/python"
)

// MaxFileSize is the largest file Parse accepts.
const MaxFileSize = 10 * 1024 * 1024

// Language identifies a grammar.
type Language string

const (
	LanguageUnknown Language = ""
	LanguageGo      Language = "go"
	LanguagePython  Language = "python"
)

// DetectLanguage maps a file path to its Language by extension.
func DetectLanguage(path string) Language {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".go":
		return LanguageGo
	case ".py", ".pyi":
		return LanguagePython
	default:
		return LanguageUnknown
	}
}

func grammar(lang Language) *sitter.Language {
	switch lang {
	case LanguageGo:
		return golang.GetLanguage()
	case LanguagePython:
		return python.GetLanguage()
	default:
		return nil
	}
}

// ContentHash returns the hex sha256 of content.
func ContentHash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// Tree is a parsed file. Close must be called to release the C tree.
type Tree struct {
	Language Language
	Content  []byte

	tree *sitter.Tree
}

// Parse parses content with the grammar for lang.
//
// # Description
//
// A new parser is created per call, so Parse is safe for concurrent use.
// Syntax errors do not fail the parse; check HasErrors.
//
// # Inputs
//
//   - ctx: Cancels a long parse.
//   - lang: Grammar to use.
//   - content: Source bytes. Must be valid UTF-8.
//
// # Outputs
//
//   - *Tree: Parsed tree. Caller must Close it.
//   - error: ErrUnsupportedLanguage, ErrInvalidContent, ErrFileTooLarge,
//     ErrParseFailed, or a context error.
func Parse(ctx context.Context, lang Language, content []byte) (*Tree, error) {
	ctx, span := startParseSpan(ctx, lang, len(content))
	defer span.End()
	start := time.Now()

	g := grammar(lang)
	if g == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedLanguage, lang)
	}
	if len(content) > MaxFileSize {
		recordParseMetrics(ctx, lang, time.Since(start), false)
		return nil, fmt.Errorf("%w: size %d exceeds limit %d", ErrFileTooLarge, len(content), MaxFileSize)
	}
	if !utf8.Valid(content) {
		recordParseMetrics(ctx, lang, time.Since(start), false)
		return nil, fmt.Errorf("%w: content is not valid UTF-8", ErrInvalidContent)
	}

	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(g)

	tree, err := parser.ParseCtx(ctx, nil, content)
	if err != nil {
		recordParseMetrics(ctx, lang, time.Since(start), false)
		return nil, fmt.Errorf("%w: %v", ErrParseFailed, err)
	}
	if tree == nil || tree.RootNode() == nil {
		recordParseMetrics(ctx, lang, time.Since(start), false)
		return nil, ErrParseFailed
	}

	recordParseMetrics(ctx, lang, time.Since(start), true)
	return &Tree{Language: lang, Content: content, tree: tree}, nil
}

// Close releases the tree.
func (t *Tree) Close() {
	if t != nil && t.tree != nil {
		t.tree.Close()
		t.tree = nil
	}
}

// Root returns the root node.
func (t *Tree) Root() *sitter.Node {
	return t.tree.RootNode()
}

// HasErrors reports whether the tree contains syntax errors.
func (t *Tree) HasErrors() bool {
	return t.Root().HasError()
}

// Text returns the source text of n.
func (t *Tree) Text(n *sitter.Node) string {
	return string(t.Content[n.StartByte():n.EndByte()])
}

// Walk visits every node in pre-order. visit receives the node and its
// ancestors (nearest last); the ancestors slice is reused between calls
// and must not be retained. Returning false skips the node's children.
func Walk(root *sitter.Node, visit func(n *sitter.Node, ancestors []*sitter.Node) bool) {
	if root == nil {
		return
	}
	type frame struct {
		node *sitter.Node
		next int
	}
	var ancestors []*sitter.Node
	stack := []frame{{node: root, next: -1}}

	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		if top.next == -1 {
			top.next = 0
			if !visit(top.node, ancestors) {
				stack = stack[:len(stack)-1]
				continue
			}
			ancestors = append(ancestors, top.node)
		}
		if top.next < int(top.node.ChildCount()) {
			child := top.node.Child(top.next)
			top.next++
			if child != nil {
				stack = append(stack, frame{node: child, next: -1})
			}
			continue
		}
		ancestors = ancestors[:len(ancestors)-1]
		stack = stack[:len(stack)-1]
	}
}

// StructureHash fingerprints the shape of the tree: the pre-order
// sequence of named node types with their depth. Identifier names,
// literal values, whitespace and comments do not contribute.
func (t *Tree) StructureHash() uint64 {
	h := xxhash.New()
	var buf [4]byte
	Walk(t.Root(), func(n *sitter.Node, ancestors []*sitter.Node) bool {
		if !n.IsNamed() {
			return true
		}
		typ := n.Type()
		if typ == "comment" {
			return false
		}
		binary.LittleEndian.PutUint32(buf[:], uint32(len(ancestors)))
		_, _ = h.Write(buf[:])
		_, _ = h.WriteString(typ)
		return true
	})
	return h.Sum64()
}
