// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package installer

import (
	"context"
	"errors"
	"strings"
	"time"
)

// RetryPolicy bounds how often an operation is attempted and what happens
// between attempts. Transfers and commands share it.
type RetryPolicy struct {
	// Attempts is the maximum number of attempts, including the first.
	// Values below 1 mean a single attempt.
	Attempts int

	// Delay is the wait before the second attempt.
	Delay time.Duration

	// MaxDelay caps the growing delay. When it is not larger than Delay,
	// every wait equals Delay.
	MaxDelay time.Duration

	// Recovery runs between attempts when a failure is a lock failure.
	Recovery *Recovery
}

// Recovery is a remediation for a recognizable failure signature.
type Recovery struct {
	// Signatures are case-insensitive substrings of command output that
	// identify a file held open by another process.
	Signatures []string

	// Action clears the condition (terminate processes, clear scratch).
	Action func(ctx context.Context) error
}

// DefaultLockSignatures are the messages pip and friends print when a file
// is held by another process.
var DefaultLockSignatures = []string{
	"WinError 32",
	"being used by another process",
	"另一个程序正在使用此文件",
	"text file busy",
}

// Match returns the first signature found in output.
func (r *Recovery) Match(output string) (string, bool) {
	if r == nil || output == "" {
		return "", false
	}
	lower := strings.ToLower(output)
	for _, sig := range r.Signatures {
		if sig != "" && strings.Contains(lower, strings.ToLower(sig)) {
			return sig, true
		}
	}
	return "", false
}

// RetryObserver receives notifications from RetryPolicy.Do.
// Either field may be nil.
type RetryObserver struct {
	// OnRetry is called after a failed attempt that will be retried.
	OnRetry func(attempt int, err error, wait time.Duration)

	// OnRecovery is called after the recovery action ran.
	OnRecovery func(attempt int, err error)
}

// Do calls fn until it succeeds, the attempts are exhausted, the error is
// permanent, or ctx is canceled. It returns the number of attempts made and
// the last error.
func (p RetryPolicy) Do(ctx context.Context, obs RetryObserver, fn func(ctx context.Context, attempt int) error) (int, error) {
	max := p.Attempts
	if max < 1 {
		max = 1
	}
	b := newBackoff(p.Delay, p.MaxDelay)

	var lastErr error
	for attempt := 1; attempt <= max; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr == nil {
				lastErr = err
			}
			return attempt - 1, lastErr
		}

		lastErr = fn(ctx, attempt)
		if lastErr == nil {
			return attempt, nil
		}
		if ctx.Err() != nil {
			return attempt, lastErr
		}
		if !IsRetryable(lastErr) || attempt == max {
			return attempt, lastErr
		}

		if errors.Is(lastErr, ErrResourceLocked) && p.Recovery != nil && p.Recovery.Action != nil {
			recErr := p.Recovery.Action(ctx)
			if obs.OnRecovery != nil {
				obs.OnRecovery(attempt, recErr)
			}
		}

		wait := b.Next()
		if obs.OnRetry != nil {
			obs.OnRetry(attempt, lastErr, wait)
		}
		if !sleepCtx(ctx, wait) {
			return attempt, lastErr
		}
	}
	return max, lastErr
}
