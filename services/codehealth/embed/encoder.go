// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package embed talks to the embedding collaborator.
//
// The pipeline only needs "text in, fixed-length vector out". Encoder is
// that capability; HTTPEncoder, OpenAIEncoder and HashingEncoder provide
// it. Cache memoizes vectors by content, and Pool batches texts across a
// bounded set of workers so one failing batch does not affect the others.
package embed

import (
	"context"
	"fmt"
	"os"

	"github.com/AleutianAI/codehealth/services/codehealth/config"
)

// Encoder turns texts into vectors of one fixed dimension.
//
// Implementations must return exactly one vector per input, in order, and
// must be safe for concurrent use.
type Encoder interface {
	Encode(ctx context.Context, texts []string) ([][]float32, error)
}

// NewEncoder builds the encoder named by cfg.Provider, wrapped in a Cache
// when cfg.CacheSize > 0.
func NewEncoder(cfg config.EmbeddingConfig) (Encoder, error) {
	var enc Encoder
	switch cfg.Provider {
	case "", "hashing":
		enc = NewHashingEncoder(cfg.Dimensions)
	case "http":
		h := NewHTTPEncoder(cfg.BaseURL).WithTimeout(cfg.Timeout)
		if cfg.TokenEnv != "" {
			h = h.WithToken([]byte(os.Getenv(cfg.TokenEnv)))
		}
		enc = h
	case "openai":
		key := os.Getenv(cfg.APIKeyEnv)
		if key == "" {
			return nil, fmt.Errorf("%w: environment variable %s is empty", ErrMissingAPIKey, cfg.APIKeyEnv)
		}
		enc = NewOpenAIEncoder(OpenAIConfig{
			APIKey:     key,
			BaseURL:    cfg.BaseURL,
			Model:      cfg.Model,
			Dimensions: cfg.Dimensions,
		})
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, cfg.Provider)
	}

	if cfg.CacheSize > 0 {
		enc = NewCache(enc, cfg.CacheSize)
	}
	return enc, nil
}

// checkVectors validates an encoder response against its request.
func checkVectors(vecs [][]float32, want int) error {
	if len(vecs) != want {
		return fmt.Errorf("%w: got %d vectors for %d texts", ErrBadResponse, len(vecs), want)
	}
	dim := -1
	for i, v := range vecs {
		if len(v) == 0 {
			return fmt.Errorf("%w: vector %d is empty", ErrBadResponse, i)
		}
		if dim == -1 {
			dim = len(v)
		} else if len(v) != dim {
			return fmt.Errorf("%w: vector %d has dimension %d, want %d", ErrBadResponse, i, len(v), dim)
		}
	}
	return nil
}
