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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/awnumar/memguard"
)

// DefaultTimeout bounds one embedding request.
const DefaultTimeout = 30 * time.Second

// HTTPEncoder calls an embeddings service exposing POST /batch_embed.
//
// Request:  {"texts": ["..."]}
// Response: {"vectors": [[...]], "dim": N, "model": "..."}
//
// Thread Safety: safe for concurrent use.
type HTTPEncoder struct {
	baseURL    string
	httpClient *http.Client
	token      *memguard.LockedBuffer
}

// NewHTTPEncoder creates an encoder for the service at baseURL.
func NewHTTPEncoder(baseURL string) *HTTPEncoder {
	return &HTTPEncoder{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: DefaultTimeout},
	}
}

// WithTimeout sets the per-request timeout. Non-positive values are ignored.
func (c *HTTPEncoder) WithTimeout(timeout time.Duration) *HTTPEncoder {
	if timeout > 0 {
		c.httpClient.Timeout = timeout
	}
	return c
}

// WithToken sends token as a bearer credential. The token is moved into
// locked memory and token itself is wiped. An empty token is ignored.
func (c *HTTPEncoder) WithToken(token []byte) *HTTPEncoder {
	if len(token) == 0 {
		return c
	}
	c.token = memguard.NewBufferFromBytes(token)
	c.token.Freeze()
	return c
}

// Close destroys the locked token, if any.
func (c *HTTPEncoder) Close() {
	if c.token != nil {
		c.token.Destroy()
	}
}

type batchRequest struct {
	Texts []string `json:"texts"`
}

type batchResponse struct {
	Model   string      `json:"model"`
	Vectors [][]float32 `json:"vectors"`
	Dim     int         `json:"dim"`
}

// Encode posts texts to /batch_embed.
func (c *HTTPEncoder) Encode(ctx context.Context, texts []string) ([][]float32, error) {
	if ctx == nil {
		return nil, ErrInvalidInput
	}
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: texts is empty", ErrInvalidInput)
	}

	body, err := json.Marshal(batchRequest{Texts: texts})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/batch_embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != nil && c.token.IsAlive() {
		req.Header.Set("Authorization", "Bearer "+c.token.String())
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		recordEncode("http", len(texts), time.Since(start), false)
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		recordEncode("http", len(texts), time.Since(start), false)
		return nil, fmt.Errorf("embedding service returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out batchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		recordEncode("http", len(texts), time.Since(start), false)
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if err := checkVectors(out.Vectors, len(texts)); err != nil {
		recordEncode("http", len(texts), time.Since(start), false)
		return nil, err
	}
	if out.Dim > 0 && len(out.Vectors[0]) != out.Dim {
		recordEncode("http", len(texts), time.Since(start), false)
		return nil, fmt.Errorf("%w: declared dim %d, got %d", ErrBadResponse, out.Dim, len(out.Vectors[0]))
	}

	recordEncode("http", len(texts), time.Since(start), true)
	return out.Vectors, nil
}

// Health checks GET /health and expects {"status": "ok"}.
func (c *HTTPEncoder) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("embeddings service unhealthy: status %d", resp.StatusCode)
	}
	var health struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return fmt.Errorf("decode health response: %w", err)
	}
	if health.Status != "ok" {
		return fmt.Errorf("embeddings service not ready: %s", health.Status)
	}
	return nil
}
