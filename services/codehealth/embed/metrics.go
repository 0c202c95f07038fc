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
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	encodeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "codehealth",
		Subsystem: "embed",
		Name:      "requests_total",
		Help:      "Encoder calls by provider and result",
	}, []string{"provider", "result"})

	encodedTexts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "codehealth",
		Subsystem: "embed",
		Name:      "texts_total",
		Help:      "Texts sent to the encoder by provider",
	}, []string{"provider"})

	encodeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "codehealth",
		Subsystem: "embed",
		Name:      "request_duration_seconds",
		Help:      "Encoder call latency",
		Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5, 30},
	}, []string{"provider"})

	cacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "codehealth",
		Subsystem: "embed",
		Name:      "cache_lookups_total",
		Help:      "Embedding cache lookups by result",
	}, []string{"result"})

	batchFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "codehealth",
		Subsystem: "embed",
		Name:      "batch_failures_total",
		Help:      "Batches that failed to encode",
	})
)

func recordEncode(provider string, texts int, d time.Duration, ok bool) {
	result := "success"
	if !ok {
		result = "error"
	}
	encodeTotal.WithLabelValues(provider, result).Inc()
	encodedTexts.WithLabelValues(provider).Add(float64(texts))
	encodeDuration.WithLabelValues(provider).Observe(d.Seconds())
}

func recordCacheLookup(hit bool) {
	if hit {
		cacheLookups.WithLabelValues("hit").Inc()
		return
	}
	cacheLookups.WithLabelValues("miss").Inc()
}

func recordBatchFailure() {
	batchFailures.Inc()
}
