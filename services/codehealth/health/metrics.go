// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package health

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	scoreGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "codehealth",
		Subsystem: "health",
		Name:      "score",
		Help:      "Most recent aggregate health score (0-100)",
	})

	rateGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "codehealth",
		Subsystem: "health",
		Name:      "rate_percent",
		Help:      "Most recent health rates by kind",
	}, []string{"kind"})

	nodesGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "codehealth",
		Subsystem: "health",
		Name:      "nodes",
		Help:      "Nodes with fresh embeddings in the last computation",
	})

	computeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "codehealth",
		Subsystem: "health",
		Name:      "compute_duration_seconds",
		Help:      "Time to compute a health snapshot",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 10),
	})
)

func recordSnapshot(s Snapshot, d time.Duration) {
	scoreGauge.Set(s.Score)
	rateGauge.WithLabelValues("duplication").Set(s.DuplicationRate)
	rateGauge.WithLabelValues("orphan").Set(s.OrphanRate)
	rateGauge.WithLabelValues("divergence").Set(s.DivergenceRate)
	nodesGauge.Set(float64(s.Nodes))
	computeDuration.Observe(d.Seconds())
}
