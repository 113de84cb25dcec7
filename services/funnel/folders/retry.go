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
	"context"
	"errors"
	"fmt"
	"time"
)

// RetryPolicy is the single retry rule of every remote mutation.
//
// Description:
//
//	Only ErrInvalidID is retried. Before the retry, Recover runs (the
//	directory uses it to add the id to the remote order) and the policy
//	waits Backoff. Other errors return at once. When the last attempt
//	fails the error wraps both ErrRetryExhausted and the cause.
type RetryPolicy struct {
	// MaxAttempts counts the first call. Values below 1 mean 1.
	MaxAttempts int

	// Backoff is the fixed wait between attempts.
	Backoff time.Duration

	// Sleep waits d or until ctx ends. Nil uses a timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultRetryPolicy is two attempts with a 500ms pause.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 2, Backoff: 500 * time.Millisecond}
}

// Do runs op under the policy.
//
// Inputs:
//
//	ctx - Cancels the backoff wait.
//	op - The mutation.
//	recover - Called with the invalid-id error before each retry. May be
//	nil. Its own error is returned by Do only if ctx is done; otherwise
//	the retry proceeds.
//
// Outputs:
//
//	int - Attempts made.
//	error - Nil on success.
func (p RetryPolicy) Do(ctx context.Context, op func(ctx context.Context) error, recover func(ctx context.Context, cause error) error) (int, error) {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 1; i <= attempts; i++ {
		if err = op(ctx); err == nil {
			return i, nil
		}
		if !errors.Is(err, ErrInvalidID) {
			return i, err
		}
		if i == attempts {
			break
		}
		if recover != nil {
			if rerr := recover(ctx, err); rerr != nil && ctx.Err() != nil {
				return i, rerr
			}
		}
		if serr := p.sleep(ctx, p.Backoff); serr != nil {
			return i, fmt.Errorf("%w: %w", ErrRetryExhausted, serr)
		}
	}
	return attempts, fmt.Errorf("%w: %w", ErrRetryExhausted, err)
}

func (p RetryPolicy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
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
