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
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// Typing delay bounds, in seconds.
const (
	typingBase   = 0.6
	typingPerSec = 15.0
	typingCap    = 4.0
	typingJitter = 0.6
)

// TypingDelay returns how long to show the typing indicator before sending
// a reply of chars characters.
//
// Description:
//
//	min(4, 0.6 + chars/15) seconds plus a uniform jitter in [0, 0.6).
//	rnd returns a value in [0, 1); nil uses math/rand/v2.
func TypingDelay(chars int, rnd func() float64) time.Duration {
	if rnd == nil {
		rnd = rand.Float64
	}
	if chars < 0 {
		chars = 0
	}
	secs := min(typingCap, typingBase+float64(chars)/typingPerSec) + rnd()*typingJitter
	return time.Duration(math.Round(secs * float64(time.Second)))
}

// SleepContext waits for d or until ctx is done.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
