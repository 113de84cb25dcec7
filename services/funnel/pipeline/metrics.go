// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("funnel.pipeline")

var (
	messagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "funnel",
			Subsystem: "pipeline",
			Name:      "messages_total",
			Help:      "Incoming messages by outcome.",
		},
		[]string{"outcome"},
	)

	handleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "funnel",
			Subsystem: "pipeline",
			Name:      "handle_duration_seconds",
			Help:      "Time to handle one message, including typing delay.",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
	)

	repliesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "funnel",
			Subsystem: "pipeline",
			Name:      "replies_total",
			Help:      "Template replies by template and result.",
		},
		[]string{"template", "result"},
	)
)
