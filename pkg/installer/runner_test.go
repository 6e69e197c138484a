// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package installer

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedExec replays results in order and records every process.
type scriptedExec struct {
	mu      sync.Mutex
	results []scripted
	procs   []Process
}

type scripted struct {
	res ProcessResult
	err error
}

func (s *scriptedExec) Execute(ctx context.Context, p Process) (ProcessResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.procs = append(s.procs, p)
	if len(s.results) == 0 {
		return ProcessResult{}, nil
	}
	r := s.results[0]
	if len(s.results) > 1 {
		s.results = s.results[1:]
	}
	return r.res, r.err
}

func envValue(env []string, key string) (string, int) {
	val, n := "", 0
	for _, kv := range env {
		k, v, _ := strings.Cut(kv, "=")
		if k == key {
			val = v
			n++
		}
	}
	return val, n
}

func TestRunner_Environ(t *testing.T) {
	scratch := filepath.Join(t.TempDir(), "scratch")
	t.Setenv("TMPDIR", "/host/tmp")
	t.Setenv("WEBUI_RUNNER_TEST", "host")
	r := NewRunner(RunnerOptions{ScratchDir: scratch})

	env := r.Environ(map[string]string{"WEBUI_RUNNER_TEST": "override"})

	v, n := envValue(env, "TMPDIR")
	assert.Equal(t, scratch, v)
	assert.Equal(t, 1, n)
	v, _ = envValue(env, "TEMP")
	assert.Equal(t, scratch, v)
	v, _ = envValue(env, "PIP_CACHE_DIR")
	assert.Equal(t, filepath.Join(scratch, "pip_cache"), v)
	v, n = envValue(env, "WEBUI_RUNNER_TEST")
	assert.Equal(t, "override", v)
	assert.Equal(t, 1, n)

	// The current process is untouched.
	assert.Equal(t, "/host/tmp", os.Getenv("TMPDIR"))
	assert.Equal(t, "host", os.Getenv("WEBUI_RUNNER_TEST"))
}

func TestRunner_RetriesUntilExitZero(t *testing.T) {
	ex := &scriptedExec{results: []scripted{
		{res: ProcessResult{ExitCode: 1, Stderr: []byte("connection reset")}},
		{res: ProcessResult{ExitCode: 1, Stderr: []byte("connection reset")}},
		{res: ProcessResult{ExitCode: 0, Stdout: []byte("Successfully installed")}},
	}}
	var retries []int
	r := NewRunner(RunnerOptions{
		Policy: RetryPolicy{Attempts: 5, Delay: time.Millisecond},
		Exec:   ex,
		Progress: func(e ProgressEvent) {
			if e.Event == "retry" {
				retries = append(retries, e.Attempt)
			}
		},
	})

	res, err := r.Run(context.Background(), Command{Name: "pip", Argv: []string{"python", "-m", "pip", "install", "numpy"}})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, "Successfully installed", res.Stdout)
	assert.Equal(t, []int{1, 2}, retries)
}

func TestRunner_FinalFailureCarriesOutput(t *testing.T) {
	ex := &scriptedExec{results: []scripted{
		{res: ProcessResult{ExitCode: 2, Stderr: []byte("line1\nERROR: No matching distribution found for nothing\n")}},
	}}
	r := NewRunner(RunnerOptions{Policy: RetryPolicy{Attempts: 2}, Exec: ex})

	res, err := r.Run(context.Background(), Command{Argv: []string{"pip", "install", "nothing"}})
	require.Error(t, err)

	var ce *CommandError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "pip", ce.Name)
	assert.Equal(t, 2, ce.Attempts)
	assert.Equal(t, 2, ce.ExitCode)
	assert.Contains(t, ce.Output, "No matching distribution")
	assert.Contains(t, Diagnostic(err), "No matching distribution")
	assert.Equal(t, 2, res.ExitCode)
}

func TestRunner_SuccessPredicateVetoes(t *testing.T) {
	ex := &scriptedExec{}
	checks := 0
	r := NewRunner(RunnerOptions{Policy: RetryPolicy{Attempts: 3}, Exec: ex})

	res, err := r.Run(context.Background(), Command{
		Argv: []string{"pip", "install", "torch"},
		Success: func(ctx context.Context) (bool, error) {
			checks++
			return checks == 2, nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)
	assert.Len(t, ex.procs, 2)
}

func TestRunner_SuccessPredicateExhausted(t *testing.T) {
	r := NewRunner(RunnerOptions{Policy: RetryPolicy{Attempts: 2}, Exec: &scriptedExec{}})
	_, err := r.Run(context.Background(), Command{
		Argv:    []string{"pip", "install", "torch"},
		Success: func(ctx context.Context) (bool, error) { return false, nil },
	})
	assert.ErrorIs(t, err, ErrVerificationMismatch)
}

func TestRunner_LockRecovery(t *testing.T) {
	ex := &scriptedExec{results: []scripted{
		{res: ProcessResult{ExitCode: 1, Stderr: []byte("OSError: [WinError 32] The process cannot access the file because it is being used by another process")}},
		{res: ProcessResult{ExitCode: 0}},
	}}
	var recovered int
	var events []string
	r := NewRunner(RunnerOptions{
		Policy: RetryPolicy{
			Attempts: 3,
			Recovery: &Recovery{
				Signatures: DefaultLockSignatures,
				Action:     func(ctx context.Context) error { recovered++; return nil },
			},
		},
		Exec:     ex,
		Progress: func(e ProgressEvent) { events = append(events, e.Event) },
	})

	res, err := r.Run(context.Background(), Command{Argv: []string{"pip", "install", "clip.zip"}})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, 1, recovered)
	assert.Equal(t, []string{"recovery", "retry"}, events)
}

func TestRunner_MissingExecutableIsPermanent(t *testing.T) {
	ex := &scriptedExec{results: []scripted{{err: &exec.Error{Name: "git", Err: exec.ErrNotFound}}}}
	r := NewRunner(RunnerOptions{Policy: RetryPolicy{Attempts: 5}, Exec: ex})

	_, err := r.Run(context.Background(), Command{Argv: []string{"git", "clone"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPermanentConfig)
	assert.False(t, IsRetryable(err))
	assert.Len(t, ex.procs, 1)

	_, err = r.Run(context.Background(), Command{Name: "empty"})
	assert.ErrorIs(t, err, ErrPermanentConfig)
}

func TestRunner_CommandOverridesPolicy(t *testing.T) {
	ex := &scriptedExec{results: []scripted{{res: ProcessResult{ExitCode: 1}}}}
	r := NewRunner(RunnerOptions{Policy: RetryPolicy{Attempts: 5}, Exec: ex})
	_, err := r.Run(context.Background(), Command{Argv: []string{"git", "rev-parse"}, Policy: &RetryPolicy{Attempts: 1}})
	require.Error(t, err)
	assert.Len(t, ex.procs, 1)
}

func TestOSExecutor(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses /bin/sh")
	}
	r := NewRunner(RunnerOptions{Policy: RetryPolicy{Attempts: 1}})

	res, err := r.Run(context.Background(), Command{
		Argv: []string{"/bin/sh", "-c", "echo out; echo err >&2; echo $WEBUI_X"},
		Env:  map[string]string{"WEBUI_X": "injected"},
	})
	require.NoError(t, err)
	assert.Equal(t, "out\ninjected\n", res.Stdout)
	assert.Equal(t, "err\n", res.Stderr)

	res, err = r.Run(context.Background(), Command{Argv: []string{"/bin/sh", "-c", "exit 3"}})
	require.Error(t, err)
	assert.Equal(t, 3, res.ExitCode)

	_, err = r.Run(context.Background(), Command{Argv: []string{"definitely-not-a-real-binary-xyz"}})
	assert.ErrorIs(t, err, ErrPermanentConfig)
}

func TestOSExecutor_CancelKillsProcessTree(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses /bin/sh")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := OSExecutor{}.Execute(ctx, Process{Argv: []string{"/bin/sh", "-c", "sleep 30 & sleep 30; wait"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestRunner_TimeoutIsRetried(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses /bin/sh")
	}
	r := NewRunner(RunnerOptions{Policy: RetryPolicy{Attempts: 2}, Timeout: 100 * time.Millisecond})
	res, err := r.Run(context.Background(), Command{Argv: []string{"/bin/sh", "-c", "sleep 5"}})
	require.Error(t, err)
	assert.Equal(t, 2, res.Attempts)
	assert.Contains(t, err.Error(), "timed out")
}
