// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package classifier

import (
	"errors"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("funnel.classifier")

var (
	// chatCallDuration measures chat backend latency.
	//
	// Labels:
	//   - provider: "ollama", "openai"
	//   - status: "success" or "error"
	chatCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "funnel",
			Subsystem: "classifier",
			Name:      "chat_duration_seconds",
			Help:      "Duration of classifier chat calls in seconds.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 15, 30},
		},
		[]string{"provider", "status"},
	)

	// chatErrorsTotal counts chat backend failures by type.
	//
	// Labels:
	//   - provider: "ollama", "openai"
	//   - error_type: "timeout", "auth", "rate_limit", "server", "unknown"
	chatErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "funnel",
			Subsystem: "classifier",
			Name:      "chat_errors_total",
			Help:      "Classifier chat failures by type.",
		},
		[]string{"provider", "error_type"},
	)

	// verdictsTotal counts adapter outcomes.
	//
	// Labels:
	//   - outcome: action name, "unavailable", "malformed", "budget"
	//   - reason: manual reason or ""
	verdictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "funnel",
			Subsystem: "classifier",
			Name:      "verdicts_total",
			Help:      "Classifier adapter outcomes.",
		},
		[]string{"outcome", "reason"},
	)
)

// classifyChatError maps an error to a label-safe error type.
func classifyChatError(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, ErrBudgetExhausted) {
		return "rate_limit"
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "context deadline exceeded") ||
		strings.Contains(msg, "context canceled") ||
		strings.Contains(msg, "timeout"):
		return "timeout"
	case strings.Contains(msg, "status 401") ||
		strings.Contains(msg, "status 403") ||
		strings.Contains(msg, "unauthorized") ||
		strings.Contains(msg, "api key"):
		return "auth"
	case strings.Contains(msg, "status 429") ||
		strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "too many requests"):
		return "rate_limit"
	case strings.Contains(msg, "status 5") ||
		strings.Contains(msg, "server error"):
		return "server"
	default:
		return "unknown"
	}
}

func recordChatMetrics(provider string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
		chatErrorsTotal.WithLabelValues(provider, classifyChatError(err)).Inc()
	}
	chatCallDuration.WithLabelValues(provider, status).Observe(duration.Seconds())
}
