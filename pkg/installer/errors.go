// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package installer

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds. Match them with errors.Is; the concrete error types below
// carry the details.
var (
	// ErrTransientNetwork marks a transfer attempt that may succeed later.
	ErrTransientNetwork = errors.New("transient network error")

	// ErrResourceLocked marks a failure caused by a file held open by
	// another process. Retried after the recovery action.
	ErrResourceLocked = errors.New("resource locked by another process")

	// ErrPermanentConfig marks an invalid manifest entry or a missing
	// external tool. Never retried.
	ErrPermanentConfig = errors.New("permanent configuration error")

	// ErrVerificationMismatch marks an operation that reported success
	// while its side effect is absent. Retried like any other failure.
	ErrVerificationMismatch = errors.New("verification mismatch")
)

// TransferError wraps a failed transfer attempt.
type TransferError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *TransferError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: unexpected status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// Is reports ErrTransientNetwork for every transfer failure.
func (e *TransferError) Is(target error) bool {
	return target == ErrTransientNetwork
}

// LockError reports a recognized lock signature in command output.
type LockError struct {
	Signature string
	Err       error
}

func (e *LockError) Error() string {
	return fmt.Sprintf("locked resource (%q): %v", e.Signature, e.Err)
}

func (e *LockError) Unwrap() error { return e.Err }

func (e *LockError) Is(target error) bool {
	return target == ErrResourceLocked
}

// ConfigError reports an invalid input or missing tool.
type ConfigError struct {
	What string
	Err  error
}

func (e *ConfigError) Error() string {
	if e.Err == nil {
		return "invalid configuration: " + e.What
	}
	return fmt.Sprintf("invalid configuration: %s: %v", e.What, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

func (e *ConfigError) Is(target error) bool {
	return target == ErrPermanentConfig
}

// VerificationError is returned when a side effect could not be confirmed.
type VerificationError struct {
	Subject  string
	Method   string // "import", "pip-show", "git-head", "size", "exists", ...
	Expected string
	Actual   string
}

func (e *VerificationError) Error() string {
	if e.Expected == "" && e.Actual == "" {
		return fmt.Sprintf("verification failed for %s (%s)", e.Subject, e.Method)
	}
	return fmt.Sprintf("verification failed for %s: %s mismatch (expected %s, got %s)",
		e.Subject, e.Method, e.Expected, e.Actual)
}

func (e *VerificationError) Is(target error) bool {
	return target == ErrVerificationMismatch
}

// CommandError is the final failure of a command after all attempts.
type CommandError struct {
	Name     string
	Argv     []string
	ExitCode int
	Attempts int
	Output   string // tail of stderr, or stdout when stderr was empty
	Err      error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s failed after %d attempt(s) (exit %d): %v",
		e.Name, e.Attempts, e.ExitCode, e.Err)
}

func (e *CommandError) Unwrap() error { return e.Err }

// StageError ties a failure to the stage that produced it.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// exitError is a non-zero exit of one attempt.
type exitError struct {
	code int
}

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

// IsRetryable reports whether err may succeed on another attempt.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ErrPermanentConfig)
}

// Diagnostic returns the captured command output carried by err, if any.
func Diagnostic(err error) string {
	var ce *CommandError
	if errors.As(err, &ce) {
		return strings.TrimSpace(ce.Output)
	}
	return ""
}
