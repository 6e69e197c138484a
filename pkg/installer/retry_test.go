// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package installer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryPolicy_SucceedsAfterFailures(t *testing.T) {
	p := RetryPolicy{Attempts: 5, Delay: time.Millisecond}
	var retried []int
	obs := RetryObserver{OnRetry: func(attempt int, err error, wait time.Duration) {
		retried = append(retried, attempt)
	}}

	attempts, err := p.Do(context.Background(), obs, func(ctx context.Context, attempt int) error {
		if attempt < 3 {
			return &TransferError{URL: "http://x", StatusCode: 503}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, []int{1, 2}, retried)
}

func TestRetryPolicy_Exhausted(t *testing.T) {
	p := RetryPolicy{Attempts: 3}
	calls := 0
	attempts, err := p.Do(context.Background(), RetryObserver{}, func(ctx context.Context, attempt int) error {
		calls++
		return errors.New("boom")
	})
	require.Error(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 3, calls)
}

func TestRetryPolicy_PermanentStopsEarly(t *testing.T) {
	p := RetryPolicy{Attempts: 10}
	attempts, err := p.Do(context.Background(), RetryObserver{}, func(ctx context.Context, attempt int) error {
		return &ConfigError{What: "missing git"}
	})
	assert.Equal(t, 1, attempts)
	assert.ErrorIs(t, err, ErrPermanentConfig)
}

func TestRetryPolicy_ZeroAttemptsRunsOnce(t *testing.T) {
	attempts, err := RetryPolicy{}.Do(context.Background(), RetryObserver{}, func(ctx context.Context, attempt int) error {
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
}

func TestRetryPolicy_RecoveryRunsOnLockOnly(t *testing.T) {
	recovered := 0
	p := RetryPolicy{
		Attempts: 4,
		Recovery: &Recovery{
			Signatures: DefaultLockSignatures,
			Action: func(ctx context.Context) error {
				recovered++
				return nil
			},
		},
	}
	var seen []int
	obs := RetryObserver{OnRecovery: func(attempt int, err error) { seen = append(seen, attempt) }}

	_, err := p.Do(context.Background(), obs, func(ctx context.Context, attempt int) error {
		switch attempt {
		case 1:
			return &LockError{Signature: "WinError 32", Err: &exitError{code: 1}}
		case 2:
			return &exitError{code: 1}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)
	assert.Equal(t, []int{1}, seen)
}

func TestRetryPolicy_CancelDuringWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := RetryPolicy{Attempts: 5, Delay: time.Hour}
	obs := RetryObserver{OnRetry: func(int, error, time.Duration) { cancel() }}

	start := time.Now()
	attempts, err := p.Do(ctx, obs, func(ctx context.Context, attempt int) error {
		return errors.New("flaky")
	})
	assert.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.Less(t, time.Since(start), time.Minute)
}

func TestRecoveryMatch(t *testing.T) {
	r := &Recovery{Signatures: DefaultLockSignatures}

	sig, ok := r.Match("OSError: [WinError 32] The process cannot access the file")
	assert.True(t, ok)
	assert.Equal(t, "WinError 32", sig)

	_, ok = r.Match("PermissionError: 另一个程序正在使用此文件，进程无法访问。")
	assert.True(t, ok)

	_, ok = r.Match("ERROR: No matching distribution found")
	assert.False(t, ok)

	var none *Recovery
	_, ok = none.Match("WinError 32")
	assert.False(t, ok)
}

func TestBackoff(t *testing.T) {
	b := newBackoff(time.Second, time.Second)
	for i := 0; i < 3; i++ {
		assert.Equal(t, time.Second, b.Next())
	}

	g := newBackoff(100*time.Millisecond, 300*time.Millisecond)
	first := g.Next()
	assert.GreaterOrEqual(t, first, 100*time.Millisecond)
	for i := 0; i < 5; i++ {
		g.Next()
	}
	assert.LessOrEqual(t, g.next, 300*time.Millisecond)
}

func TestParseDuration(t *testing.T) {
	d, err := parseDuration("3", 0)
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, d)

	d, err = parseDuration("250ms", 0)
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, d)

	d, err = parseDuration("", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, d)

	_, err = parseDuration("soon", 0)
	assert.Error(t, err)
}
