// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package installer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"
)

// StageStatus is the result of one stage in a run.
type StageStatus string

const (
	StatusCompleted      StageStatus = "completed"
	StatusSkipped        StageStatus = "skipped"
	StatusFailedRequired StageStatus = "failed-required"
	StatusFailedOptional StageStatus = "failed-optional"
	StatusPending        StageStatus = "pending"
)

// StageResult describes what happened to one stage.
type StageResult struct {
	Key      string        `json:"key"`
	Name     string        `json:"name"`
	Phase    Phase         `json:"phase"`
	Status   StageStatus   `json:"status"`
	Attempts int           `json:"attempts,omitempty"`
	Retries  int           `json:"retries,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
	Err      error         `json:"-"`
	Error    string        `json:"error,omitempty"`

	// Output is the last diagnostic output of a failed stage.
	Output string `json:"output,omitempty"`
}

// Summary is the outcome of a run.
type Summary struct {
	Stages []StageResult `json:"stages"`

	// State is the last phase whose required stages all succeeded.
	State Phase `json:"state"`

	// Ready is true only when State is VERIFIED.
	Ready bool `json:"ready"`

	// HaltedAt is the key of the required stage that stopped the run.
	HaltedAt string `json:"halted_at,omitempty"`

	// Defects are failed optional stages.
	Defects []StageResult `json:"defects,omitempty"`

	Interrupted bool `json:"interrupted,omitempty"`
}

// Result returns the result for key.
func (s Summary) Result(key string) (StageResult, bool) {
	for _, r := range s.Stages {
		if r.Key == key {
			return r, true
		}
	}
	return StageResult{}, false
}

// Count returns how many stages ended with status.
func (s Summary) Count(status StageStatus) int {
	n := 0
	for _, r := range s.Stages {
		if r.Status == status {
			n++
		}
	}
	return n
}

// Done returns the keys that are safely recorded after the run.
func (s Summary) Done() []string {
	var keys []string
	for _, r := range s.Stages {
		if r.Status == StatusCompleted || r.Status == StatusSkipped {
			keys = append(keys, r.Key)
		}
	}
	return keys
}

// OrchestratorOptions configures an Orchestrator.
type OrchestratorOptions struct {
	// Reverify re-runs the verifier of recorded stages and re-applies
	// those whose side effect is gone.
	Reverify bool

	Progress ProgressFunc
	Logger   *slog.Logger
}

// Orchestrator drives a StageGraph against a Store.
type Orchestrator struct {
	store    *Store
	graph    *StageGraph
	reverify bool
	emit     emitter
	log      *slog.Logger
}

// NewOrchestrator returns an Orchestrator.
func NewOrchestrator(store *Store, graph *StageGraph, opts OrchestratorOptions) *Orchestrator {
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Orchestrator{
		store:    store,
		graph:    graph,
		reverify: opts.Reverify,
		emit:     newEmitter(opts.Progress),
		log:      log,
	}
}

// Run visits every stage in order. A required failure halts the run and
// leaves later stages pending; optional failures are collected as
// defects. The summary is returned even when the run is interrupted, in
// which case the error is the context's.
func (o *Orchestrator) Run(ctx context.Context) (Summary, error) {
	stages := o.graph.Stages()
	sum := Summary{Stages: make([]StageResult, len(stages)), State: PhaseStart}
	for i, st := range stages {
		sum.Stages[i] = StageResult{Key: st.Key, Name: st.Name, Phase: st.Phase, Status: StatusPending}
	}

	o.emit(ProgressEvent{Event: "run_start", Message: fmt.Sprintf("%d stages", len(stages))})
	o.log.Info("run start", "stages", len(stages), "progress", o.store.Path())

	phaseFailed := false
	for i, st := range stages {
		if err := ctx.Err(); err != nil {
			sum.Interrupted = true
			break
		}

		res := o.runStage(ctx, st)
		sum.Stages[i] = res
		switch res.Status {
		case StatusFailedRequired:
			phaseFailed = true
			if ctx.Err() != nil {
				sum.Interrupted = true
			}
			sum.HaltedAt = st.Key
		case StatusFailedOptional:
			if ctx.Err() != nil {
				sum.Interrupted = true
			}
			sum.Defects = append(sum.Defects, res)
		}
		if sum.HaltedAt != "" || sum.Interrupted {
			break
		}

		last := i == len(stages)-1 || stages[i+1].Phase != st.Phase
		if last {
			if !phaseFailed {
				o.markPhase(ctx, st.Phase)
			}
			phaseFailed = false
		}
	}

	sum.State = o.reached(sum)
	sum.Ready = sum.State == PhaseVerified

	level := "info"
	if !sum.Ready {
		level = "error"
	}
	o.emit(ProgressEvent{Level: level, Event: "done", Phase: sum.State, Message: string(sum.State)})
	o.log.Info("run finished", "state", sum.State, "ready", sum.Ready,
		"completed", sum.Count(StatusCompleted), "skipped", sum.Count(StatusSkipped),
		"defects", len(sum.Defects), "halted_at", sum.HaltedAt)

	if sum.Interrupted {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		return sum, context.Canceled
	}
	return sum, nil
}

func (o *Orchestrator) markPhase(ctx context.Context, phase Phase) {
	key, ok := o.graph.marker(phase)
	if !ok || o.store.IsComplete(key) {
		return
	}
	if err := o.store.MarkComplete(key, map[string]string{"phase": string(phase)}); err != nil {
		o.log.Warn("record phase marker", "key", key, "err", err)
		o.emit(ProgressEvent{Level: "warn", Event: "warn", Stage: key, Phase: phase, Message: err.Error()})
	}
}

// reached returns the last phase whose required stages all succeeded.
// Phases without stages are passed through, except VERIFIED which must be
// earned by a verification stage.
func (o *Orchestrator) reached(sum Summary) Phase {
	state := PhaseStart
	for _, phase := range phaseOrder {
		if !o.graph.has(phase) {
			if phase == PhaseVerified {
				break
			}
			state = phase
			continue
		}
		for _, r := range sum.Stages {
			if r.Phase != phase {
				continue
			}
			if r.Status == StatusCompleted || r.Status == StatusSkipped || r.Status == StatusFailedOptional {
				continue
			}
			return state
		}
		state = phase
	}
	return state
}

func (o *Orchestrator) runStage(ctx context.Context, st Stage) (res StageResult) {
	ctx = withStage(ctx, st.Key)
	res = StageResult{Key: st.Key, Name: st.Name, Phase: st.Phase}
	start := time.Now()
	defer func() { res.Duration = time.Since(start) }()

	if !st.AlwaysRun && o.store.IsComplete(st.Key) {
		if !o.reverify || st.Verify == nil {
			return o.skip(st, res, "recorded")
		}
		err := st.Verify(ctx)
		if err == nil {
			return o.skip(st, res, "recorded, verified")
		}
		if ctx.Err() != nil {
			return o.fail(st, res, Outcome{}, ctx.Err())
		}
		o.log.Warn("recorded stage no longer verifies", "stage", st.Key, "err", err)
		o.emit(ProgressEvent{Level: "warn", Event: "warn", Stage: st.Key, Phase: st.Phase,
			Message: "recorded but no longer present, re-applying: " + err.Error()})
		if err := o.store.Invalidate(st.Key); err != nil {
			return o.fail(st, res, Outcome{}, err)
		}
	} else if !st.AlwaysRun && st.Adoptable && st.Verify != nil {
		if err := st.Verify(ctx); err == nil {
			if err := o.store.MarkComplete(st.Key, map[string]string{"adopted": "true"}); err != nil {
				return o.fail(st, res, Outcome{}, err)
			}
			return o.skip(st, res, "already present")
		}
	}

	o.emit(ProgressEvent{Event: "stage_start", Stage: st.Key, Phase: st.Phase, Message: st.Name})
	o.log.Info("stage start", "stage", st.Key, "phase", st.Phase)

	out, err := st.Apply(ctx)
	if err == nil && st.Verify != nil {
		if verr := st.Verify(ctx); verr != nil {
			err = fmt.Errorf("applied but not verified: %w", verr)
		}
	}
	if err == nil {
		err = o.store.MarkComplete(st.Key, out.Meta)
	}
	if err != nil {
		if st.AlwaysRun {
			_ = o.store.Invalidate(st.Key)
		}
		return o.fail(st, res, out, err)
	}

	res.Status = StatusCompleted
	res.Attempts = out.Attempts
	res.Retries = retries(out.Attempts)
	o.emit(ProgressEvent{Event: "stage_done", Stage: st.Key, Phase: st.Phase, Attempt: out.Attempts, Message: st.Name})
	o.log.Info("stage done", "stage", st.Key, "attempts", out.Attempts)
	return res
}

func (o *Orchestrator) skip(st Stage, res StageResult, why string) StageResult {
	res.Status = StatusSkipped
	o.emit(ProgressEvent{Event: "stage_skip", Stage: st.Key, Phase: st.Phase, Message: why})
	o.log.Debug("stage skipped", "stage", st.Key, "reason", why)
	return res
}

func (o *Orchestrator) fail(st Stage, res StageResult, out Outcome, err error) StageResult {
	res.Attempts = out.Attempts
	res.Retries = retries(out.Attempts)
	res.Err = &StageError{Stage: st.Key, Err: err}
	res.Error = err.Error()
	res.Output = Diagnostic(err)
	if res.Output == "" {
		res.Output = tail(out.Output, 20)
	}

	level := "error"
	res.Status = StatusFailedRequired
	if st.Optional {
		level = "warn"
		res.Status = StatusFailedOptional
	}
	o.emit(ProgressEvent{Level: level, Event: "stage_error", Stage: st.Key, Phase: st.Phase, Message: err.Error()})
	if errors.Is(err, context.Canceled) {
		o.log.Info("stage interrupted", "stage", st.Key)
	} else {
		o.log.Error("stage failed", "stage", st.Key, "optional", st.Optional, "err", err)
	}
	return res
}

func retries(attempts int) int {
	if attempts > 1 {
		return attempts - 1
	}
	return 0
}
