// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package folders

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("funnel.folders")

var (
	// remoteCallsTotal counts remote directory calls.
	//
	// Labels:
	//   - op: "list", "upsert", "reorder", "resolve"
	//   - result: "ok", "invalid_id", "error"
	remoteCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "funnel",
			Subsystem: "folders",
			Name:      "remote_calls_total",
			Help:      "Remote folder directory calls by operation and result.",
		},
		[]string{"op", "result"},
	)

	// retriesTotal counts invalid-id retries by outcome.
	retriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "funnel",
			Subsystem: "folders",
			Name:      "retries_total",
			Help:      "Invalid-id retries of folder mutations.",
		},
		[]string{"outcome"},
	)

	// movesTotal counts exclusive moves.
	//
	// Labels:
	//   - folder: target title
	//   - result: "ok", "partial", "error"
	movesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "funnel",
			Subsystem: "folders",
			Name:      "moves_total",
			Help:      "Exclusive folder moves by target and result.",
		},
		[]string{"folder", "result"},
	)

	// cacheRefreshTotal counts membership cache refreshes.
	cacheRefreshTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "funnel",
			Subsystem: "folders",
			Name:      "cache_refresh_total",
			Help:      "Membership cache refreshes by reason.",
		},
		[]string{"reason"},
	)

	// slotsAllocatedTotal counts newly allocated folder slots.
	slotsAllocatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "funnel",
			Subsystem: "folders",
			Name:      "slots_allocated_total",
			Help:      "Folder slots allocated by EnsureFolders.",
		},
	)

	// slotReassignedTotal counts slots taken from another title's persisted id.
	slotReassignedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "funnel",
			Subsystem: "folders",
			Name:      "slot_reassigned_total",
			Help:      "Slots handed out that were persisted for another title.",
		},
	)
)
