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
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("codehealth.embed")

// PoolConfig sizes a Pool.
type PoolConfig struct {
	// BatchSize is the number of texts per Encode call. Default: 32.
	BatchSize int

	// Workers bounds concurrent Encode calls. Default: GOMAXPROCS.
	Workers int

	// MaxChars truncates each text before encoding. 0 disables truncation.
	MaxChars int

	Logger *slog.Logger
}

// Pool fans batches out to an Encoder on a bounded set of goroutines.
type Pool struct {
	enc    Encoder
	cfg    PoolConfig
	logger *slog.Logger
}

// NewPool creates a pool over enc.
func NewPool(enc Encoder, cfg PoolConfig) *Pool {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 32
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.GOMAXPROCS(0)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{enc: enc, cfg: cfg, logger: logger.With(slog.String("component", "embed"))}
}

// EncodeAll encodes texts in batches.
//
// # Description
//
// Failures are isolated per batch: vectors for a failed batch are nil and
// the remaining batches still complete. The returned error joins every
// batch failure and is nil only when all texts were encoded; callers use
// the vectors that are present either way.
//
// # Inputs
//
//   - ctx: Cancels outstanding batches.
//   - texts: Texts to encode.
//
// # Outputs
//
//   - [][]float32: One entry per text, nil where encoding failed.
//   - error: Joined batch errors.
func (p *Pool) EncodeAll(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	if len(texts) == 0 {
		return out, nil
	}

	ctx, span := tracer.Start(ctx, "embed.Pool.EncodeAll",
		trace.WithAttributes(
			attribute.Int("embed.texts", len(texts)),
			attribute.Int("embed.batch_size", p.cfg.BatchSize),
		),
	)
	defer span.End()

	numBatches := (len(texts) + p.cfg.BatchSize - 1) / p.cfg.BatchSize
	errs := make([]error, numBatches)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Workers)
	for b := 0; b < numBatches; b++ {
		lo := b * p.cfg.BatchSize
		hi := min(lo+p.cfg.BatchSize, len(texts))
		g.Go(func() error {
			batch := make([]string, hi-lo)
			for i := range batch {
				batch[i] = truncate(texts[lo+i], p.cfg.MaxChars)
			}
			vecs, err := p.enc.Encode(gctx, batch)
			if err == nil {
				err = checkVectors(vecs, len(batch))
			}
			if err != nil {
				errs[b] = fmt.Errorf("batch %d (%d texts): %w", b, len(batch), err)
				recordBatchFailure()
				p.logger.Warn("embedding batch failed",
					slog.Int("batch", b),
					slog.Int("texts", len(batch)),
					slog.String("error", err.Error()),
				)
				return nil
			}
			copy(out[lo:hi], vecs)
			return nil
		})
	}
	_ = g.Wait()

	err := errors.Join(errs...)
	if err != nil {
		span.RecordError(err)
	}
	return out, err
}

// truncate shortens s to at most limit bytes on a rune boundary.
func truncate(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
