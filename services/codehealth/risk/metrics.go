// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package risk

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("codehealth.risk")

var (
	validationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "codehealth",
		Subsystem: "risk",
		Name:      "validations_total",
		Help:      "Validations by classification and outcome",
	}, []string{"classification", "valid"})

	validationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "codehealth",
		Subsystem: "risk",
		Name:      "validation_duration_seconds",
		Help:      "Time to classify one change",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 10),
	})

	stageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "codehealth",
		Subsystem: "risk",
		Name:      "stage_duration_seconds",
		Help:      "Time spent per pipeline stage",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
	}, []string{"stage"})

	impactHistogram = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "codehealth",
		Subsystem: "risk",
		Name:      "impact",
		Help:      "Impact score of valid changes",
		Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
	})
)

func recordValidation(v *Validation) {
	class := string(v.Classification)
	if class == "" {
		class = "none"
	}
	validationsTotal.WithLabelValues(class, strconv.FormatBool(v.Valid)).Inc()
	validationDuration.Observe(v.Duration.Seconds())
	if v.Valid {
		impactHistogram.Observe(v.Impact)
	}
}

// timeStage returns a func that records the stage's duration.
func timeStage(stage string) func() {
	start := time.Now()
	return func() { stageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds()) }
}

func startValidateSpan(ctx context.Context, c Change) (context.Context, trace.Span) {
	return tracer.Start(ctx, "risk.Pipeline.Validate",
		trace.WithAttributes(
			attribute.String("risk.path", c.Path),
			attribute.String("risk.kind", string(c.Kind)),
			attribute.Int("risk.content_bytes", len(c.Content)),
		),
	)
}
