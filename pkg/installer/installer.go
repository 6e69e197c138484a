// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package installer

import (
	"context"
	"errors"
	"time"
)

// lockSettle is how long lock recovery waits for handles to close.
var lockSettle = 2 * time.Second

// Installer applies a Manifest to a work directory.
type Installer struct {
	manifest Manifest
	cfg      resolved
	store    *Store
	runner   *Runner
	transfer *Transfer
	progress ProgressFunc
}

// New prepares an Installer. It opens the checkpoint file but does not
// touch anything else.
func New(m Manifest, s Settings, progress ProgressFunc) (*Installer, error) {
	m.applyDefaults()
	if err := m.Validate(); err != nil {
		return nil, err
	}
	cfg, err := s.resolve()
	if err != nil {
		return nil, err
	}
	store, err := OpenStore(cfg.progressFile)
	if err != nil {
		return nil, err
	}
	if store.Quarantined != "" {
		cfg.log.Warn("progress file was unreadable and has been moved aside", "path", store.Quarantined)
	}

	ex := s.Exec
	if ex == nil {
		ex = OSExecutor{}
	}
	cmdPolicy := cfg.policy
	cmdPolicy.Recovery = ScratchRecovery(cfg.scratchDir, ex, lockSettle, cfg.log)

	return &Installer{
		manifest: m,
		cfg:      cfg,
		store:    store,
		progress: progress,
		runner: NewRunner(RunnerOptions{
			ScratchDir: cfg.scratchDir,
			Policy:     cmdPolicy,
			Timeout:    cfg.timeout,
			Exec:       ex,
			Progress:   progress,
			Logger:     cfg.log,
		}),
		transfer: NewTransfer(TransferOptions{
			Client:     s.HTTPClient,
			Policy:     cfg.policy,
			VerifySize: cfg.verify == "size",
			OpenBucket: s.OpenBucket,
			Progress:   progress,
			Logger:     cfg.log,
		}),
	}, nil
}

// Close releases network resources.
func (in *Installer) Close() error {
	return in.transfer.Close()
}

// Store returns the checkpoint store.
func (in *Installer) Store() *Store { return in.store }

// Manifest returns the manifest with defaults applied.
func (in *Installer) Manifest() Manifest { return in.manifest }

// Graph builds the stage graph for the current manifest and work
// directory.
func (in *Installer) Graph() (*StageGraph, error) {
	return newPlanner(in.manifest, in.cfg, in.runner, in.transfer).graph()
}

// Run drives the installation to VERIFIED or to the first required
// failure. See Orchestrator.Run.
func (in *Installer) Run(ctx context.Context) (Summary, error) {
	g, err := in.Graph()
	if err != nil {
		return Summary{State: PhaseStart}, err
	}
	o := NewOrchestrator(in.store, g, OrchestratorOptions{
		Reverify: in.cfg.reverify,
		Progress: in.progress,
		Logger:   in.cfg.log,
	})
	return o.Run(ctx)
}

// PlanEntry describes one stage without running it.
type PlanEntry struct {
	Key      string `json:"key"`
	Name     string `json:"name"`
	Phase    Phase  `json:"phase"`
	Optional bool   `json:"optional,omitempty"`
	Recorded bool   `json:"recorded"`
}

// Plan lists the stages in execution order with their recorded state.
func (in *Installer) Plan() ([]PlanEntry, error) {
	g, err := in.Graph()
	if err != nil {
		return nil, err
	}
	var out []PlanEntry
	for _, st := range g.Stages() {
		out = append(out, PlanEntry{
			Key:      st.Key,
			Name:     st.Name,
			Phase:    st.Phase,
			Optional: st.Optional,
			Recorded: in.store.IsComplete(st.Key),
		})
	}
	return out, nil
}

// StatusEntry compares a recorded stage with what is actually present.
type StatusEntry struct {
	PlanEntry
	Present bool   `json:"present"`
	Detail  string `json:"detail,omitempty"`
}

// Status runs every verifier without changing anything. Stages without a
// verifier are reported as present when recorded.
func (in *Installer) Status(ctx context.Context) ([]StatusEntry, error) {
	g, err := in.Graph()
	if err != nil {
		return nil, err
	}
	var out []StatusEntry
	for _, st := range g.Stages() {
		if st.AlwaysRun {
			continue
		}
		e := StatusEntry{PlanEntry: PlanEntry{
			Key: st.Key, Name: st.Name, Phase: st.Phase, Optional: st.Optional,
			Recorded: in.store.IsComplete(st.Key),
		}}
		if st.Verify == nil {
			e.Present = e.Recorded
		} else if err := st.Verify(withStage(ctx, st.Key)); err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			e.Detail = err.Error()
		} else {
			e.Present = true
		}
		out = append(out, e)
	}
	return out, nil
}

// Reset forgets all recorded progress. Nothing on disk besides the
// checkpoint file changes.
func (in *Installer) Reset() error {
	return in.store.Reset()
}

// CleanScratch empties the scratch directory.
func (in *Installer) CleanScratch(ctx context.Context) error {
	if in.cfg.scratchDir == "" {
		return errors.New("no scratch directory configured")
	}
	return clearDir(ctx, in.cfg.scratchDir, 3)
}

// Fetch downloads a single artifact with the installer's retry settings.
func (in *Installer) Fetch(ctx context.Context, a Artifact) (FetchResult, error) {
	a.Dest = in.cfg.path(a.Dest)
	return in.transfer.Fetch(ctx, a)
}

// Install is a convenience wrapper around New and Run.
func Install(ctx context.Context, m Manifest, s Settings, progress ProgressFunc) (Summary, error) {
	in, err := New(m, s, progress)
	if err != nil {
		return Summary{State: PhaseStart}, err
	}
	defer in.Close()
	return in.Run(ctx)
}
