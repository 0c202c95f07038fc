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
	"log/slog"
	"time"

	"github.com/sashabaranov/go-openai"
)

// OpenAIConfig configures OpenAIEncoder.
type OpenAIConfig struct {
	APIKey string

	// BaseURL overrides the API endpoint, e.g. for compatible servers.
	BaseURL string

	// Model defaults to text-embedding-3-small.
	Model string

	// Dimensions requests shortened vectors when > 0 (text-embedding-3 only).
	Dimensions int
}

// OpenAIEncoder uses the OpenAI embeddings API.
type OpenAIEncoder struct {
	client     *openai.Client
	model      openai.EmbeddingModel
	dimensions int
}

// NewOpenAIEncoder creates an encoder.
func NewOpenAIEncoder(cfg OpenAIConfig) *OpenAIEncoder {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	model := cfg.Model
	if model == "" {
		model = string(openai.SmallEmbedding3)
	}
	slog.Info("Initializing OpenAI embeddings client", "model", model)
	return &OpenAIEncoder{
		client:     openai.NewClientWithConfig(clientCfg),
		model:      openai.EmbeddingModel(model),
		dimensions: cfg.Dimensions,
	}
}

// Encode requests one embedding per text. The response is reordered by
// its index field.
func (e *OpenAIEncoder) Encode(ctx context.Context, texts []string) ([][]float32, error) {
	if ctx == nil {
		return nil, ErrInvalidInput
	}
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: texts is empty", ErrInvalidInput)
	}

	start := time.Now()
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input:      texts,
		Model:      e.model,
		Dimensions: e.dimensions,
	})
	if err != nil {
		recordEncode("openai", len(texts), time.Since(start), false)
		return nil, fmt.Errorf("openai embeddings: %w", err)
	}

	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(out) {
			recordEncode("openai", len(texts), time.Since(start), false)
			return nil, fmt.Errorf("%w: index %d out of range", ErrBadResponse, d.Index)
		}
		out[d.Index] = d.Embedding
	}
	if err := checkVectors(out, len(texts)); err != nil {
		recordEncode("openai", len(texts), time.Since(start), false)
		return nil, err
	}

	recordEncode("openai", len(texts), time.Since(start), true)
	return out, nil
}
