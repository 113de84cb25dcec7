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
	"fmt"
	"sync"
	"time"
)

// ErrBudgetExhausted means the per-minute call budget is spent. It wraps
// ErrUnavailable so callers fall back exactly as they would for an outage.
var ErrBudgetExhausted = fmt.Errorf("%w: call budget exhausted", ErrUnavailable)

// CallBudget is a sliding-window limit on classifier calls per minute.
//
// Description:
//
//	A burst of off-script messages must not turn into a burst of model
//	calls. Calls beyond the limit are refused immediately; nothing queues.
//
// Thread Safety: Safe for concurrent use.
type CallBudget struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	calls  []time.Time
	now    func() time.Time
}

// NewCallBudget allows limit calls per minute. limit <= 0 disables the budget.
func NewCallBudget(limit int) *CallBudget {
	return &CallBudget{limit: limit, window: time.Minute, now: time.Now}
}

// Allow records a call if the budget permits it.
//
// Outputs:
//
//	bool - True if the call may proceed.
//	time.Duration - When refused, how long until a slot frees up.
func (b *CallBudget) Allow() (bool, time.Duration) {
	if b == nil || b.limit <= 0 {
		return true, 0
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	windowStart := now.Add(-b.window)

	pruned := b.calls[:0]
	for _, ts := range b.calls {
		if ts.After(windowStart) {
			pruned = append(pruned, ts)
		}
	}
	b.calls = pruned

	if len(b.calls) >= b.limit {
		return false, b.calls[0].Add(b.window).Sub(now)
	}
	b.calls = append(b.calls, now)
	return true, 0
}
