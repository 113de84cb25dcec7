// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routing

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("funnel.routing")

var (
	// decisionsTotal counts orchestrator decisions.
	//
	// Labels:
	//   - stage: "fast_router", "affirmation", "classifier", "rescue", "default"
	//   - kind: decision kind
	decisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "funnel",
			Subsystem: "routing",
			Name:      "decisions_total",
			Help:      "Routing decisions by deciding stage and kind.",
		},
		[]string{"stage", "kind"},
	)

	// decideDuration measures Decide latency including the classifier.
	decideDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "funnel",
			Subsystem: "routing",
			Name:      "decide_duration_seconds",
			Help:      "Duration of Orchestrator.Decide in seconds.",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.1, 0.5, 1, 5, 15},
		},
		[]string{"stage"},
	)

	// escalationsTotal counts messages the fast router could not settle.
	escalationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "funnel",
			Subsystem: "routing",
			Name:      "escalations_total",
			Help:      "Messages escalated past the fast router.",
		},
		[]string{"to"},
	)
)
