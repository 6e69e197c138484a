// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package installer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"
)

// Command is one external process to run.
type Command struct {
	// Name labels the command in events and errors. Defaults to Argv[0].
	Name string

	Argv []string
	Dir  string

	// Env overrides variables of the computed environment.
	Env map[string]string

	// Policy replaces the runner's default policy when set.
	Policy *RetryPolicy

	// Success may veto an exit status of 0, for example when the package
	// that was just installed still cannot be imported.
	Success func(ctx context.Context) (bool, error)

	// Timeout bounds one attempt. Zero uses the runner's default.
	Timeout time.Duration
}

// CommandResult is the outcome of the last attempt.
type CommandResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Attempts int
	Duration time.Duration
}

// Process is a single execution request handed to an Executor.
type Process struct {
	Argv []string
	Dir  string
	Env  []string
}

// ProcessResult is what an Executor observed.
type ProcessResult struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

// Executor starts processes. A non-zero exit is reported through
// ProcessResult.ExitCode; errors mean the process could not run or was
// canceled.
type Executor interface {
	Execute(ctx context.Context, p Process) (ProcessResult, error)
}

// RunnerOptions configures a Runner.
type RunnerOptions struct {
	// ScratchDir receives TMPDIR, TMP, TEMP and PIP_CACHE_DIR of every
	// child. Empty leaves the host values alone.
	ScratchDir string

	// Policy is the default retry policy.
	Policy RetryPolicy

	// Timeout bounds one attempt. Zero means no limit.
	Timeout time.Duration

	// Exec runs processes. Nil uses the operating system.
	Exec Executor

	Progress ProgressFunc
	Logger   *slog.Logger
}

// Runner executes commands with retry, captured output and scratch
// redirection. It never changes the environment of the current process.
type Runner struct {
	scratch string
	policy  RetryPolicy
	timeout time.Duration
	exec    Executor
	emit    emitter
	log     *slog.Logger
}

// NewRunner returns a Runner.
func NewRunner(opts RunnerOptions) *Runner {
	ex := opts.Exec
	if ex == nil {
		ex = OSExecutor{}
	}
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Runner{
		scratch: opts.ScratchDir,
		policy:  opts.Policy,
		timeout: opts.Timeout,
		exec:    ex,
		emit:    newEmitter(opts.Progress),
		log:     log,
	}
}

// Policy returns the default retry policy.
func (r *Runner) Policy() RetryPolicy { return r.policy }

// Environ returns the environment a child receives: the host environment,
// the scratch redirection, then overrides.
func (r *Runner) Environ(overrides map[string]string) []string {
	set := map[string]string{}
	if r.scratch != "" {
		for _, k := range []string{"TMPDIR", "TMP", "TEMP"} {
			set[k] = r.scratch
		}
		set["PIP_CACHE_DIR"] = filepath.Join(r.scratch, "pip_cache")
	}
	for k, v := range overrides {
		set[k] = v
	}

	replaced := map[string]bool{}
	for k := range set {
		replaced[envKey(k)] = true
	}
	env := make([]string, 0, len(os.Environ())+len(set))
	for _, kv := range os.Environ() {
		k, _, _ := strings.Cut(kv, "=")
		if !replaced[envKey(k)] {
			env = append(env, kv)
		}
	}
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+set[k])
	}
	return env
}

func envKey(k string) string {
	if runtime.GOOS == "windows" {
		return strings.ToUpper(k)
	}
	return k
}

// Run executes c until it succeeds or its policy gives up.
//
// A failed run returns a *CommandError carrying the tail of the last
// attempt's output. Missing executables are not retried.
func (r *Runner) Run(ctx context.Context, c Command) (CommandResult, error) {
	var res CommandResult
	if len(c.Argv) == 0 || c.Argv[0] == "" {
		return res, &ConfigError{What: fmt.Sprintf("command %q has no argv", c.Name)}
	}
	name := defaultString(c.Name, filepath.Base(c.Argv[0]))
	policy := r.policy
	if c.Policy != nil {
		policy = *c.Policy
	}
	timeout := c.Timeout
	if timeout == 0 {
		timeout = r.timeout
	}
	if r.scratch != "" {
		if err := os.MkdirAll(filepath.Join(r.scratch, "pip_cache"), 0o755); err != nil {
			return res, &ConfigError{What: "scratch dir " + r.scratch, Err: err}
		}
	}
	env := r.Environ(c.Env)
	stage := stageFrom(ctx)

	obs := RetryObserver{
		OnRetry: func(attempt int, err error, wait time.Duration) {
			r.log.Warn("command attempt failed", "cmd", name, "attempt", attempt, "wait", wait, "err", err)
			r.emit(ProgressEvent{Level: "warn", Event: "retry", Stage: stage, Attempt: attempt,
				Message: fmt.Sprintf("%s: %v", name, err)})
		},
		OnRecovery: func(attempt int, err error) {
			msg := "recovery action ran"
			if err != nil {
				msg = "recovery action failed: " + err.Error()
			}
			r.log.Info("lock recovery", "cmd", name, "attempt", attempt, "err", err)
			r.emit(ProgressEvent{Level: "warn", Event: "recovery", Stage: stage, Attempt: attempt, Message: msg})
		},
	}

	start := time.Now()
	var last ProcessResult
	attempts, err := policy.Do(ctx, obs, func(ctx context.Context, attempt int) error {
		actx, cancel := ctx, context.CancelFunc(func() {})
		if timeout > 0 {
			actx, cancel = context.WithTimeout(ctx, timeout)
		}
		defer cancel()

		r.log.Debug("exec", "cmd", name, "argv", c.Argv, "dir", c.Dir, "attempt", attempt)
		pr, err := r.exec.Execute(actx, Process{Argv: c.Argv, Dir: c.Dir, Env: env})
		last = pr
		if err != nil {
			if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
				return &ConfigError{What: "executable " + c.Argv[0], Err: err}
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(actx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("timed out after %s", timeout)
			}
			return err
		}
		if pr.ExitCode != 0 {
			ee := &exitError{code: pr.ExitCode}
			out := string(pr.Stderr) + "\n" + string(pr.Stdout)
			if sig, ok := policy.Recovery.Match(out); ok {
				return &LockError{Signature: sig, Err: ee}
			}
			return ee
		}
		if c.Success != nil {
			ok, err := c.Success(ctx)
			if err != nil {
				return fmt.Errorf("post-check: %w", err)
			}
			if !ok {
				return &VerificationError{Subject: name, Method: "post-check"}
			}
		}
		return nil
	})

	res = CommandResult{
		ExitCode: last.ExitCode,
		Stdout:   string(last.Stdout),
		Stderr:   string(last.Stderr),
		Attempts: attempts,
		Duration: time.Since(start),
	}
	if err != nil {
		out := tail(res.Stderr, 20)
		if out == "" {
			out = tail(res.Stdout, 20)
		}
		return res, &CommandError{Name: name, Argv: c.Argv, ExitCode: res.ExitCode,
			Attempts: attempts, Output: out, Err: err}
	}
	r.log.Debug("exec done", "cmd", name, "attempts", attempts, "duration", res.Duration)
	return res, nil
}

// OSExecutor runs processes on the host. Each child gets its own process
// group so cancellation also stops its descendants.
type OSExecutor struct{}

// Execute implements Executor.
func (OSExecutor) Execute(ctx context.Context, p Process) (ProcessResult, error) {
	var res ProcessResult
	cmd := exec.Command(p.Argv[0], p.Argv[1:]...)
	cmd.Dir = p.Dir
	cmd.Env = p.Env
	setProcessGroup(cmd)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return res, err
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	var err error
	select {
	case <-ctx.Done():
		killProcessGroup(cmd)
		<-done
		res.Stdout, res.Stderr = stdout.Bytes(), stderr.Bytes()
		return res, fmt.Errorf("canceled: %w", ctx.Err())
	case err = <-done:
	}

	res.Stdout, res.Stderr = stdout.Bytes(), stderr.Bytes()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return res, err
	}
	return res, nil
}
