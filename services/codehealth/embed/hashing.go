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
	"fmt"
	"math"
	"strings"
	"time"
	"unicode"

	"github.com/cespare/xxhash/v2"
)

// DefaultDimensions is the HashingEncoder vector length.
const DefaultDimensions = 256

// HashingEncoder is a deterministic local encoder using the hashing trick
// over identifier tokens and token bigrams. It needs no model and no
// network, so it is the default provider. Byte-identical texts produce
// identical vectors.
type HashingEncoder struct {
	dim int
}

// NewHashingEncoder creates an encoder producing dim-length vectors.
func NewHashingEncoder(dim int) *HashingEncoder {
	if dim <= 0 {
		dim = DefaultDimensions
	}
	return &HashingEncoder{dim: dim}
}

// Dimensions returns the vector length.
func (e *HashingEncoder) Dimensions() int { return e.dim }

// Encode never fails for a non-empty batch.
func (e *HashingEncoder) Encode(ctx context.Context, texts []string) ([][]float32, error) {
	if ctx == nil {
		return nil, ErrInvalidInput
	}
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: texts is empty", ErrInvalidInput)
	}
	start := time.Now()
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = e.vector(text)
	}
	recordEncode("hashing", len(texts), time.Since(start), true)
	return out, nil
}

func (e *HashingEncoder) vector(text string) []float32 {
	v := make([]float32, e.dim)
	tokens := tokenize(text)
	add := func(feature string, weight float32) {
		h := xxhash.Sum64String(feature)
		idx := h % uint64(e.dim)
		if h>>63 == 1 {
			weight = -weight
		}
		v[idx] += weight
	}
	for i, tok := range tokens {
		add(tok, 1)
		if i > 0 {
			add(tokens[i-1]+" "+tok, 0.5)
		}
	}

	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm > 0 {
		inv := float32(1 / math.Sqrt(norm))
		for i := range v {
			v[i] *= inv
		}
	}
	return v
}

// tokenize splits on non-alphanumerics and camelCase boundaries and
// lowercases the result.
func tokenize(text string) []string {
	var tokens []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			tokens = append(tokens, strings.ToLower(cur.String()))
			cur.Reset()
		}
	}
	var prev rune
	for _, r := range text {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if unicode.IsUpper(r) && unicode.IsLower(prev) {
				flush()
			}
			cur.WriteRune(r)
		default:
			flush()
		}
		prev = r
	}
	flush()
	return tokens
}
