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
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/singleflight"
)

// CacheStats reports cache effectiveness.
type CacheStats struct {
	Size      int   `json:"size"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
}

// Cache memoizes an Encoder by text content.
//
// Description:
//
//	Texts are keyed by their xxhash. Hits are served from an LRU; the
//	misses of one call are encoded together, and concurrent calls with
//	the same set of misses share one upstream request through
//	singleflight.
//
// Thread Safety: safe for concurrent use.
type Cache struct {
	next  Encoder
	items *lru[uint64, []float32]
	group singleflight.Group
}

// NewCache wraps next with an LRU of the given capacity.
func NewCache(next Encoder, capacity int) *Cache {
	return &Cache{next: next, items: newLRU[uint64, []float32](capacity)}
}

// Encode returns cached vectors and encodes the rest.
func (c *Cache) Encode(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var missIdx []int
	var missTexts []string
	var missKeys []uint64

	for i, text := range texts {
		key := xxhash.Sum64String(text)
		if vec, ok := c.items.get(key); ok {
			out[i] = vec
			recordCacheLookup(true)
			continue
		}
		recordCacheLookup(false)
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, text)
		missKeys = append(missKeys, key)
	}
	if len(missIdx) == 0 {
		return out, nil
	}

	var flightKey strings.Builder
	for _, k := range missKeys {
		flightKey.WriteString(strconv.FormatUint(k, 16))
		flightKey.WriteByte(',')
	}
	v, err, _ := c.group.Do(flightKey.String(), func() (any, error) {
		return c.next.Encode(ctx, missTexts)
	})
	if err != nil {
		return nil, err
	}
	vecs := v.([][]float32)
	if err := checkVectors(vecs, len(missTexts)); err != nil {
		return nil, err
	}
	for j, i := range missIdx {
		out[i] = vecs[j]
		c.items.put(missKeys[j], vecs[j])
	}
	return out, nil
}

// Stats returns a point-in-time view of the cache counters.
func (c *Cache) Stats() CacheStats {
	return CacheStats{
		Size:      c.items.len(),
		Hits:      c.items.hits.Load(),
		Misses:    c.items.misses.Load(),
		Evictions: c.items.evictions.Load(),
	}
}
