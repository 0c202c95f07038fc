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
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/codehealth/services/codehealth/config"
)

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func TestHashingEncoder(t *testing.T) {
	enc := NewHashingEncoder(64)
	ctx := context.Background()

	src := "func parseConfig(path string) (*Config, error) { return load(path) }"
	vecs, err := enc.Encode(ctx, []string{src, src, "class Renderer:\n    def draw(self): pass\n"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	assert.Len(t, vecs[0], 64)

	assert.Equal(t, vecs[0], vecs[1], "identical text, identical vector")
	assert.InDelta(t, 1.0, cosine(vecs[0], vecs[1]), 1e-6)
	assert.Less(t, cosine(vecs[0], vecs[2]), 0.9)

	var norm float64
	for _, x := range vecs[0] {
		norm += float64(x) * float64(x)
	}
	assert.InDelta(t, 1.0, norm, 1e-5)

	_, err = enc.Encode(ctx, nil)
	assert.ErrorIs(t, err, ErrInvalidInput)

	assert.Equal(t, DefaultDimensions, NewHashingEncoder(0).Dimensions())
}

func TestTokenize(t *testing.T) {
	assert.Equal(t, []string{"parse", "config", "path", "v2"}, tokenize("parseConfig(path) v2"))
	assert.Equal(t, []string{"http", "server"}, tokenize("HTTP_server"))
	assert.Empty(t, tokenize("  ()\n"))
}

func TestHTTPEncoder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/batch_embed":
			var req batchRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			if req.Texts[0] == "fail" {
				http.Error(w, "model not loaded", http.StatusServiceUnavailable)
				return
			}
			if req.Texts[0] == "short" {
				_ = json.NewEncoder(w).Encode(batchResponse{Vectors: [][]float32{{1}}, Dim: 1})
				return
			}
			vecs := make([][]float32, len(req.Texts))
			for i, text := range req.Texts {
				vecs[i] = []float32{float32(len(text)), 1}
			}
			_ = json.NewEncoder(w).Encode(batchResponse{Vectors: vecs, Dim: 2, Model: "test"})
		case "/health":
			_, _ = w.Write([]byte(`{"status":"ok"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	enc := NewHTTPEncoder(srv.URL + "/")
	ctx := context.Background()

	vecs, err := enc.Encode(ctx, []string{"ab", "abcd"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{2, 1}, {4, 1}}, vecs)

	_, err = enc.Encode(ctx, []string{"fail"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
	assert.Contains(t, err.Error(), "model not loaded")

	_, err = enc.Encode(ctx, []string{"short", "two"})
	assert.ErrorIs(t, err, ErrBadResponse)

	_, err = enc.Encode(ctx, []string{})
	assert.ErrorIs(t, err, ErrInvalidInput)

	assert.NoError(t, enc.Health(ctx))
}

func TestHTTPEncoder_Token(t *testing.T) {
	var got atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.Store(r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(batchResponse{Vectors: [][]float32{{1, 2}}})
	}))
	defer srv.Close()

	token := []byte("s3cret")
	enc := NewHTTPEncoder(srv.URL).WithToken(token)
	defer enc.Close()
	assert.NotEqual(t, "s3cret", string(token), "source buffer is wiped")

	_, err := enc.Encode(context.Background(), []string{"x"})
	require.NoError(t, err)
	assert.Equal(t, "Bearer s3cret", got.Load())

	plain := NewHTTPEncoder(srv.URL).WithToken(nil)
	_, err = plain.Encode(context.Background(), []string{"x"})
	require.NoError(t, err)
	assert.Equal(t, "", got.Load())
}

func TestOpenAIEncoder(t *testing.T) {
	var gotModel string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/embeddings" {
			http.NotFound(w, r)
			return
		}
		var req struct {
			Input []string `json:"input"`
			Model string   `json:"model"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		gotModel = req.Model

		// Answer out of order; the encoder must reorder by index.
		data := make([]map[string]any, 0, len(req.Input))
		for i := len(req.Input) - 1; i >= 0; i-- {
			data = append(data, map[string]any{
				"object":    "embedding",
				"index":     i,
				"embedding": []float32{float32(i), 1},
			})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"model":  req.Model,
			"data":   data,
			"usage":  map[string]int{"prompt_tokens": 1, "total_tokens": 1},
		})
	}))
	defer srv.Close()

	enc := NewOpenAIEncoder(OpenAIConfig{APIKey: "test", BaseURL: srv.URL + "/v1"})
	vecs, err := enc.Encode(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{0, 1}, {1, 1}, {2, 1}}, vecs)
	assert.Equal(t, "text-embedding-3-small", gotModel)
}

func TestNewEncoder(t *testing.T) {
	cfg := config.DefaultConfig().Embedding

	enc, err := NewEncoder(cfg)
	require.NoError(t, err)
	assert.IsType(t, &Cache{}, enc)

	cfg.CacheSize = 0
	enc, err = NewEncoder(cfg)
	require.NoError(t, err)
	assert.IsType(t, &HashingEncoder{}, enc)

	cfg.Provider = "openai"
	cfg.APIKeyEnv = "CODEHEALTH_TEST_UNSET_KEY"
	t.Setenv("CODEHEALTH_TEST_UNSET_KEY", "")
	_, err = NewEncoder(cfg)
	assert.ErrorIs(t, err, ErrMissingAPIKey)

	cfg.Provider = "word2vec"
	_, err = NewEncoder(cfg)
	assert.ErrorIs(t, err, ErrUnknownProvider)
}

func TestNewEncoder_HTTPToken(t *testing.T) {
	var got atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.Store(r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(batchResponse{Vectors: [][]float32{{1, 2}}})
	}))
	defer srv.Close()

	cfg := config.DefaultConfig().Embedding
	cfg.Provider = "http"
	cfg.BaseURL = srv.URL
	cfg.CacheSize = 0
	cfg.TokenEnv = "CODEHEALTH_TEST_EMBED_TOKEN"
	t.Setenv("CODEHEALTH_TEST_EMBED_TOKEN", "tok")

	enc, err := NewEncoder(cfg)
	require.NoError(t, err)
	h, ok := enc.(*HTTPEncoder)
	require.True(t, ok)
	defer h.Close()

	_, err = enc.Encode(context.Background(), []string{"x"})
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok", got.Load())
}

type countingEncoder struct {
	calls atomic.Int64
	texts atomic.Int64
	fail  func(texts []string) error

	mu          sync.Mutex
	inflight    int
	maxInflight int
}

func (c *countingEncoder) Encode(ctx context.Context, texts []string) ([][]float32, error) {
	c.mu.Lock()
	c.inflight++
	c.maxInflight = max(c.maxInflight, c.inflight)
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.inflight--
		c.mu.Unlock()
	}()

	c.calls.Add(1)
	c.texts.Add(int64(len(texts)))
	if c.fail != nil {
		if err := c.fail(texts); err != nil {
			return nil, err
		}
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = []float32{float32(len(text)), 1}
	}
	return out, nil
}

func TestCache(t *testing.T) {
	inner := &countingEncoder{}
	cache := NewCache(inner, 2)
	ctx := context.Background()

	vecs, err := cache.Encode(ctx, []string{"a", "bb"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1, 1}, {2, 1}}, vecs)
	assert.EqualValues(t, 1, inner.calls.Load())

	vecs, err = cache.Encode(ctx, []string{"bb", "a"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{2, 1}, {1, 1}}, vecs)
	assert.EqualValues(t, 1, inner.calls.Load(), "all hits")

	_, err = cache.Encode(ctx, []string{"a", "ccc"})
	require.NoError(t, err)
	assert.EqualValues(t, 2, inner.calls.Load())
	assert.EqualValues(t, 3, inner.texts.Load(), "only the miss is encoded")

	stats := cache.Stats()
	assert.Equal(t, 2, stats.Size)
	assert.EqualValues(t, 1, stats.Evictions)
	assert.EqualValues(t, 3, stats.Hits)
	assert.EqualValues(t, 3, stats.Misses)
}

func TestCache_ErrorNotCached(t *testing.T) {
	fail := true
	inner := &countingEncoder{fail: func([]string) error {
		if fail {
			return errors.New("upstream down")
		}
		return nil
	}}
	cache := NewCache(inner, 8)
	ctx := context.Background()

	_, err := cache.Encode(ctx, []string{"x"})
	require.Error(t, err)

	fail = false
	vecs, err := cache.Encode(ctx, []string{"x"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1, 1}}, vecs)
}

func TestCache_Concurrent(t *testing.T) {
	cache := NewCache(&countingEncoder{}, 16)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				text := strings.Repeat("x", i%10+1)
				vecs, err := cache.Encode(context.Background(), []string{text})
				assert.NoError(t, err)
				assert.Equal(t, float32(len(text)), vecs[0][0])
			}
		}()
	}
	wg.Wait()
}

func TestPool_EncodeAll(t *testing.T) {
	inner := &countingEncoder{}
	pool := NewPool(inner, PoolConfig{BatchSize: 3, Workers: 2})

	texts := make([]string, 10)
	for i := range texts {
		texts[i] = strings.Repeat("t", i+1)
	}
	vecs, err := pool.EncodeAll(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, vecs, 10)
	for i, v := range vecs {
		assert.Equal(t, float32(i+1), v[0])
	}
	assert.EqualValues(t, 4, inner.calls.Load())
	assert.LessOrEqual(t, inner.maxInflight, 2)
}

func TestPool_IsolatesBatchFailures(t *testing.T) {
	inner := &countingEncoder{fail: func(texts []string) error {
		for _, text := range texts {
			if text == "poison" {
				return fmt.Errorf("cannot encode %q", text)
			}
		}
		return nil
	}}
	pool := NewPool(inner, PoolConfig{BatchSize: 2, Workers: 4})

	vecs, err := pool.EncodeAll(context.Background(), []string{"a", "b", "poison", "c", "d", "e"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "batch 1")

	assert.NotNil(t, vecs[0])
	assert.NotNil(t, vecs[1])
	assert.Nil(t, vecs[2])
	assert.Nil(t, vecs[3])
	assert.NotNil(t, vecs[4])
	assert.NotNil(t, vecs[5])
}

func TestPool_Truncates(t *testing.T) {
	inner := &countingEncoder{}
	pool := NewPool(inner, PoolConfig{MaxChars: 4})

	vecs, err := pool.EncodeAll(context.Background(), []string{"abcdefgh", "ab", "abcé"})
	require.NoError(t, err)
	assert.Equal(t, float32(4), vecs[0][0])
	assert.Equal(t, float32(2), vecs[1][0])
	assert.Equal(t, float32(3), vecs[2][0], "cut on a rune boundary")

	empty, err := pool.EncodeAll(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestChunk(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 40; i++ {
		fmt.Fprintf(&b, "def f%d(x):\n    return x + %d\n\n", i, i)
	}
	text := b.String()

	assert.Equal(t, []string{text}, chunk("m.py", text, 0))
	assert.Equal(t, []string{text}, chunk("m.py", text, len(text)))

	parts := chunk("m.py", text, 120)
	require.Greater(t, len(parts), 1)
	assert.LessOrEqual(t, len(parts), MaxChunks)
	for _, p := range parts {
		assert.LessOrEqual(t, len(p), 120)
	}
	assert.True(t, strings.HasPrefix(parts[0], "def f0(x):"))
}

func TestMeanPool(t *testing.T) {
	assert.Nil(t, meanPool(nil))
	assert.Equal(t, []float32{3, 4}, meanPool([][]float32{{3, 4}}), "single vector unchanged")
	assert.Nil(t, meanPool([][]float32{{1, 0}, nil}))
	assert.Nil(t, meanPool([][]float32{{1, 0}, {1, 0, 0}}))

	got := meanPool([][]float32{{1, 0}, {0, 1}})
	assert.InDelta(t, math.Sqrt(0.5), got[0], 1e-6)
	assert.InDelta(t, math.Sqrt(0.5), got[1], 1e-6)
}

func TestPool_EncodeDocuments(t *testing.T) {
	enc := NewHashingEncoder(32)
	pool := NewPool(enc, PoolConfig{BatchSize: 4, MaxChars: 64})

	long := strings.Repeat("def handler(request):\n    return request.body\n\n", 10)
	docs := []Document{
		{Path: "short.py", Text: "import os\n"},
		{Path: "long.py", Text: long},
	}
	vecs, err := pool.EncodeDocuments(context.Background(), docs)
	require.NoError(t, err)
	require.Len(t, vecs, 2)

	direct, err := enc.Encode(context.Background(), []string{"import os\n"})
	require.NoError(t, err)
	assert.Equal(t, direct[0], vecs[0], "short documents are not chunked")

	require.Len(t, vecs[1], 32)
	var norm float64
	for _, x := range vecs[1] {
		norm += float64(x) * float64(x)
	}
	assert.InDelta(t, 1.0, norm, 1e-4)
}
