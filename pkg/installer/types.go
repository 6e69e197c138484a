// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package installer

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// Settings configures an installation run.
//
// All fields have defaults. String durations follow time.ParseDuration
// ("3s", "500ms"); a bare integer is read as seconds.
//
// Example:
//
//	cfg := installer.DefaultSettings()
//	cfg.WorkDir = "/opt/webui"
//	cfg.ScratchDir = "/mnt/big/scratch"
type Settings struct {
	// WorkDir is the application checkout. Relative paths in the manifest
	// (venv, repositories, artifacts, requirements) resolve against it.
	// If empty, defaults to the current directory.
	WorkDir string

	// ScratchDir receives temp files of every subprocess (TMPDIR, TMP,
	// TEMP, PIP_CACHE_DIR) and pre-downloaded package archives, so large
	// intermediates never land on a constrained system drive.
	// If empty, subprocesses keep the host temp directory.
	ScratchDir string

	// ProgressFile is the checkpoint file.
	// If empty, defaults to "install_progress.json" inside WorkDir.
	ProgressFile string

	// Retries is the maximum number of attempts per download or command.
	// If <= 0, defaults to 10.
	Retries int

	// RetryInterval is the delay before the second attempt.
	// If empty, defaults to "3s".
	RetryInterval string

	// RetryMaxInterval caps the growing delay between attempts. When it is
	// not larger than RetryInterval the delay stays constant.
	// If empty, the delay stays constant.
	RetryMaxInterval string

	// CommandTimeout bounds a single subprocess attempt.
	// If empty, defaults to "30m".
	CommandTimeout string

	// Verify controls how finished downloads are checked:
	//   - "none": size mismatches are reported as warnings (default)
	//   - "size": a mismatch against the expected size fails the artifact
	Verify string

	// NoReverify trusts recorded progress without re-running verifiers.
	// By default a recorded stage is re-verified and re-applied when its
	// side effect has disappeared.
	NoReverify bool

	// Logger receives structured logs. Nil discards them.
	Logger *slog.Logger

	// Exec runs subprocesses. Nil runs them on the host.
	Exec Executor

	// HTTPClient is used for http(s) downloads. Nil uses a default client.
	HTTPClient *http.Client

	// OpenBucket opens object store buckets. Nil uses blob.OpenBucket.
	OpenBucket BucketOpener
}

// DefaultSettings returns Settings with defaults filled in.
func DefaultSettings() Settings {
	return Settings{
		ProgressFile:   DefaultProgressFile,
		Retries:        10,
		RetryInterval:  "3s",
		CommandTimeout: "30m",
		Verify:         "none",
	}
}

// DefaultProgressFile is the checkpoint file name used when none is set.
const DefaultProgressFile = "install_progress.json"

// ProgressEvent represents a progress update during a run.
//
// The Event field indicates the type of event:
//   - "run_start": the orchestrator has started
//   - "stage_start": a stage is being applied
//   - "stage_skip": a stage was already complete
//   - "stage_done": a stage was applied and verified
//   - "stage_error": a stage failed (Level "warn" when optional)
//   - "retry": an attempt failed and another one is scheduled
//   - "recovery": a recovery action ran between attempts
//   - "file_start", "file_progress", "file_done": artifact transfers
//   - "warn": a non-fatal anomaly
//   - "done": the run is over (Message holds the final phase)
type ProgressEvent struct {
	// Time is when the event occurred (UTC).
	Time time.Time `json:"time"`

	// Level is the log level: "debug", "info", "warn", "error".
	// Empty defaults to "info".
	Level string `json:"level,omitempty"`

	// Event is the event type identifier.
	Event string `json:"event"`

	// Stage is the progress key of the stage being processed.
	Stage string `json:"stage,omitempty"`

	// Phase is the state machine phase the stage belongs to.
	Phase Phase `json:"phase,omitempty"`

	// Path is the artifact destination for transfer events.
	Path string `json:"path,omitempty"`

	// Total is the expected size in bytes.
	Total int64 `json:"total,omitempty"`

	// Downloaded is the cumulative bytes on disk, including resumed bytes.
	Downloaded int64 `json:"downloaded,omitempty"`

	// Attempt is the 1-based attempt number that just failed.
	// Only set in "retry" events.
	Attempt int `json:"attempt,omitempty"`

	// Message contains additional context or error details.
	Message string `json:"message,omitempty"`
}

// ProgressFunc is a callback for receiving progress events.
//
// Runs are sequential, so the callback is invoked from one goroutine at a
// time, but it may be a different goroutine than the caller's.
type ProgressFunc func(ProgressEvent)

// emitter stamps events and forwards them to an optional ProgressFunc.
type emitter func(ProgressEvent)

func newEmitter(progress ProgressFunc) emitter {
	return func(ev ProgressEvent) {
		if progress == nil {
			return
		}
		if ev.Time.IsZero() {
			ev.Time = time.Now().UTC()
		}
		progress(ev)
	}
}

type stageKey struct{}

// withStage tags ctx with the stage key so engines can label their events.
func withStage(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, stageKey{}, key)
}

func stageFrom(ctx context.Context) string {
	s, _ := ctx.Value(stageKey{}).(string)
	return s
}
