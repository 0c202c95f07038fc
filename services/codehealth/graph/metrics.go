// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graph

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Package-level tracer and meter for graph operations.
var (
	tracer = otel.Tracer("codehealth.graph")
	meter  = otel.Meter("codehealth.graph")
)

var (
	mutationTotal    metric.Int64Counter
	cycleLatency     metric.Float64Histogram
	cyclesFound      metric.Int64Histogram
	similarityEdges  metric.Int64Histogram
	snapshotDuration metric.Float64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		mutationTotal, err = meter.Int64Counter(
			"graph_mutation_total",
			metric.WithDescription("Canonical graph mutations by operation"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		cycleLatency, err = meter.Float64Histogram(
			"graph_cycle_check_duration_seconds",
			metric.WithDescription("Duration of trial-merge cycle checks"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		cyclesFound, err = meter.Int64Histogram(
			"graph_cycles_found",
			metric.WithDescription("Cycles introduced per checked delta"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		similarityEdges, err = meter.Int64Histogram(
			"graph_similarity_edges",
			metric.WithDescription("Similarity edges per refreshed node"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		snapshotDuration, err = meter.Float64Histogram(
			"graph_snapshot_duration_seconds",
			metric.WithDescription("Time spent copying the canonical graph"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordMutation(op string) {
	if err := initMetrics(); err != nil {
		return
	}
	mutationTotal.Add(context.Background(), 1, metric.WithAttributes(attribute.String("op", op)))
}

func recordCycleCheck(ctx context.Context, duration time.Duration, cycles int) {
	if err := initMetrics(); err != nil {
		return
	}
	cycleLatency.Record(ctx, duration.Seconds())
	cyclesFound.Record(ctx, int64(cycles))
}

func recordSimilarityRefresh(edges int) {
	if err := initMetrics(); err != nil {
		return
	}
	similarityEdges.Record(context.Background(), int64(edges))
}

func recordSnapshot(duration time.Duration, nodes int) {
	if err := initMetrics(); err != nil {
		return
	}
	snapshotDuration.Record(context.Background(), duration.Seconds(),
		metric.WithAttributes(attribute.Int("nodes", nodes)))
}

func startCycleSpan(ctx context.Context, delta Delta) (context.Context, trace.Span) {
	return tracer.Start(ctx, "graph.CheckCycles",
		trace.WithAttributes(
			attribute.Int("graph.delta.replace", len(delta.Replace)),
			attribute.Int("graph.delta.edges", len(delta.Edges)),
			attribute.Int("graph.delta.remove", len(delta.Remove)),
		),
	)
}
