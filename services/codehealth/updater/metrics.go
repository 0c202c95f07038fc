// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package updater

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("codehealth.updater")

var (
	eventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "codehealth",
		Subsystem: "updater",
		Name:      "events_total",
		Help:      "Change events received by kind and source",
	}, []string{"kind", "source"})

	resultsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "codehealth",
		Subsystem: "updater",
		Name:      "results_total",
		Help:      "Change events by terminal state",
	}, []string{"state"})

	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "codehealth",
		Subsystem: "updater",
		Name:      "queue_depth",
		Help:      "Paths waiting for the next flush",
	})

	droppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "codehealth",
		Subsystem: "updater",
		Name:      "dropped_total",
		Help:      "Events dropped because the queue was full",
	})

	staleTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "codehealth",
		Subsystem: "updater",
		Name:      "stale_total",
		Help:      "Prepared events discarded because a newer event arrived",
	})

	batchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "codehealth",
		Subsystem: "updater",
		Name:      "batch_duration_seconds",
		Help:      "Time to process one drained batch",
		Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
	})
)
