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

import (
	"context"
	"math"
	"path"

	"github.com/tmc/langchaingo/textsplitter"
)

// MaxChunks caps the chunks encoded per document; the tail of very large
// files is dropped.
const MaxChunks = 16

var (
	pythonSeparators = []string{"\nclass ", "\ndef ", "\n\tdef ", "\n    def ", "\n\n", "\n", " ", ""}
	goSeparators     = []string{"\nfunc ", "\ntype ", "\nvar ", "\nconst ", "\n\n", "\n", " ", ""}
	plainSeparators  = []string{"\n\n", "\n", " ", ""}
)

// Document is one file to embed.
type Document struct {
	Path string
	Text string
}

// splitterFor picks separators that keep top-level declarations whole.
func splitterFor(p string, size int) textsplitter.RecursiveCharacter {
	seps := plainSeparators
	switch path.Ext(p) {
	case ".py":
		seps = pythonSeparators
	case ".go":
		seps = goSeparators
	}
	return textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(size),
		textsplitter.WithChunkOverlap(size/10),
		textsplitter.WithSeparators(seps),
		textsplitter.WithKeepSeparator(true),
	)
}

// chunk splits text into at most MaxChunks pieces of about limit
// characters. Texts within limit, and a zero limit, yield one chunk.
func chunk(p, text string, limit int) []string {
	if limit <= 0 || len(text) <= limit {
		return []string{text}
	}
	parts, err := splitterFor(p, limit).SplitText(text)
	if err != nil || len(parts) == 0 {
		return []string{truncate(text, limit)}
	}
	if len(parts) > MaxChunks {
		parts = parts[:MaxChunks]
	}
	for i, part := range parts {
		parts[i] = truncate(part, limit)
	}
	return parts
}

// EncodeDocuments embeds whole files.
//
// # Description
//
// A document longer than MaxChars is split on declaration boundaries and
// its vector is the normalized mean of its chunk vectors. A document whose
// chunks did not all encode gets a nil vector. Short documents are encoded
// exactly as EncodeAll would.
//
// # Outputs
//
//   - [][]float32: One entry per document, nil where encoding failed.
//   - error: Joined batch errors, as for EncodeAll.
func (p *Pool) EncodeDocuments(ctx context.Context, docs []Document) ([][]float32, error) {
	var texts []string
	spans := make([][2]int, len(docs))
	for i, d := range docs {
		parts := chunk(d.Path, d.Text, p.cfg.MaxChars)
		spans[i] = [2]int{len(texts), len(texts) + len(parts)}
		texts = append(texts, parts...)
	}

	vecs, err := p.EncodeAll(ctx, texts)
	out := make([][]float32, len(docs))
	for i, s := range spans {
		out[i] = meanPool(vecs[s[0]:s[1]])
	}
	return out, err
}

// meanPool averages vecs and normalizes the result. One vector is returned
// unchanged; any nil or mismatched vector yields nil.
func meanPool(vecs [][]float32) []float32 {
	if len(vecs) == 0 {
		return nil
	}
	if len(vecs) == 1 {
		return vecs[0]
	}
	dim := len(vecs[0])
	sum := make([]float64, dim)
	for _, v := range vecs {
		if v == nil || len(v) != dim {
			return nil
		}
		for j, x := range v {
			sum[j] += float64(x)
		}
	}
	var norm float64
	for _, x := range sum {
		norm += x * x
	}
	norm = math.Sqrt(norm)
	out := make([]float32, dim)
	if norm == 0 {
		return out
	}
	for j, x := range sum {
		out[j] = float32(x / norm)
	}
	return out
}
