// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/stagekit/webui-installer/pkg/installer"
)

// RunStatus represents the state of an installation run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusReady     RunStatus = "ready"
	RunStatusHalted    RunStatus = "halted"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Run is one pass of the orchestrator started through the API.
type Run struct {
	ID        string             `json:"id"`
	Status    RunStatus          `json:"status"`
	Stage     string             `json:"stage,omitempty"` // stage being applied
	Phase     installer.Phase    `json:"phase,omitempty"`
	Progress  RunProgress        `json:"progress"`
	Summary   *installer.Summary `json:"summary,omitempty"`
	Error     string             `json:"error,omitempty"`
	CreatedAt time.Time          `json:"createdAt"`
	EndedAt   *time.Time         `json:"endedAt,omitempty"`

	cancel context.CancelFunc
}

// RunProgress holds aggregate progress info.
type RunProgress struct {
	TotalStages int               `json:"totalStages"`
	DoneStages  int               `json:"doneStages"`
	Retries     int               `json:"retries"`
	Transfer    *TransferProgress `json:"transfer,omitempty"`
}

// TransferProgress describes the artifact being downloaded.
type TransferProgress struct {
	Path       string `json:"path"`
	TotalBytes int64  `json:"totalBytes"`
	Downloaded int64  `json:"downloaded"`
}

// InstallFunc runs one installation, reporting through progress.
type InstallFunc func(ctx context.Context, progress installer.ProgressFunc) (installer.Summary, error)

// RunManager starts runs and tracks their progress. At most one run is
// active, since runs share a work directory and checkpoint file.
type RunManager struct {
	mu         sync.RWMutex
	runs       map[string]*Run
	install    InstallFunc
	listeners  []chan Run
	listenerMu sync.RWMutex
	wsHub      *WSHub
	log        *slog.Logger
	wg         sync.WaitGroup
}

// NewRunManager creates a new run manager.
func NewRunManager(install InstallFunc, wsHub *WSHub, log *slog.Logger) *RunManager {
	return &RunManager{
		runs:    make(map[string]*Run),
		install: install,
		wsHub:   wsHub,
		log:     log,
	}
}

// generateID creates a short random ID.
func generateID() string {
	b := make([]byte, 6)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// StartRun starts a new run, or returns the active one with existing=true.
func (m *RunManager) StartRun() (run Run, existing bool) {
	m.mu.Lock()
	for _, r := range m.runs {
		if r.Status == RunStatusRunning {
			snap := *r
			m.mu.Unlock()
			return snap, true
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Run{
		ID:        generateID(),
		Status:    RunStatusRunning,
		CreatedAt: time.Now(),
		cancel:    cancel,
	}
	m.runs[r.ID] = r
	snap := *r
	m.wg.Add(1)
	m.mu.Unlock()

	go m.execute(ctx, r)
	return snap, false
}

// GetRun returns a copy of the run with id.
func (m *RunManager) GetRun(id string) (Run, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[id]
	if !ok {
		return Run{}, false
	}
	return *r, true
}

// ListRuns returns all runs, newest first.
func (m *RunManager) ListRuns() []Run {
	m.mu.RLock()
	defer m.mu.RUnlock()

	runs := make([]Run, 0, len(m.runs))
	for _, r := range m.runs {
		runs = append(runs, *r)
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].CreatedAt.After(runs[j].CreatedAt) })
	return runs
}

// Active reports whether a run is in progress.
func (m *RunManager) Active() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.runs {
		if r.Status == RunStatusRunning {
			return true
		}
	}
	return false
}

// CancelRun asks a running run to stop. The run finishes its current
// command and reports itself cancelled.
func (m *RunManager) CancelRun(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.runs[id]
	if !ok || r.Status != RunStatusRunning {
		return false
	}
	r.cancel()
	return true
}

// CancelAll stops every active run and waits for them to return.
func (m *RunManager) CancelAll() {
	m.mu.RLock()
	for _, r := range m.runs {
		if r.Status == RunStatusRunning {
			r.cancel()
		}
	}
	m.mu.RUnlock()
	m.wg.Wait()
}

// Subscribe adds a listener for run updates.
func (m *RunManager) Subscribe() chan Run {
	ch := make(chan Run, 100)
	m.listenerMu.Lock()
	m.listeners = append(m.listeners, ch)
	m.listenerMu.Unlock()
	return ch
}

// Unsubscribe removes a listener.
func (m *RunManager) Unsubscribe(ch chan Run) {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()

	for i, listener := range m.listeners {
		if listener == ch {
			m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
			close(ch)
			return
		}
	}
}

func (m *RunManager) notifyListeners(run Run) {
	m.listenerMu.RLock()
	for _, ch := range m.listeners {
		select {
		case ch <- run:
		default:
			// Listener is slow, skip
		}
	}
	m.listenerMu.RUnlock()

	if m.wsHub != nil {
		m.wsHub.BroadcastRun(run)
	}
}

// update applies fn under the lock and notifies listeners with a copy.
func (m *RunManager) update(r *Run, fn func(*Run)) {
	m.mu.Lock()
	fn(r)
	snap := *r
	m.mu.Unlock()
	m.notifyListeners(snap)
}

// execute drives one run to its end.
func (m *RunManager) execute(ctx context.Context, r *Run) {
	defer m.wg.Done()
	defer r.cancel()
	m.update(r, func(*Run) {})

	progress := func(ev installer.ProgressEvent) {
		if m.wsHub != nil {
			m.wsHub.BroadcastEvent(ev)
		}
		switch ev.Event {
		case "run_start", "stage_start", "stage_done", "stage_skip", "stage_error",
			"retry", "file_start", "file_progress", "file_done":
		default:
			return
		}
		m.update(r, func(r *Run) { applyEvent(r, ev) })
	}

	sum, err := m.install(ctx, progress)

	m.update(r, func(r *Run) {
		now := time.Now()
		r.EndedAt = &now
		r.Stage = ""
		r.Progress.Transfer = nil
		r.Summary = &sum
		r.Phase = sum.State
		switch {
		case ctx.Err() != nil || sum.Interrupted:
			r.Status = RunStatusCancelled
		case err != nil:
			r.Status = RunStatusFailed
			r.Error = err.Error()
		case sum.Ready:
			r.Status = RunStatusReady
		default:
			r.Status = RunStatusHalted
			if res, ok := sum.Result(sum.HaltedAt); ok {
				r.Error = res.Error
			}
		}
	})
	m.log.Info("run finished", "id", r.ID, "status", r.Status)
}

// applyEvent folds a progress event into the run.
func applyEvent(r *Run, ev installer.ProgressEvent) {
	switch ev.Event {
	case "run_start":
		var n int
		if _, err := fmt.Sscanf(ev.Message, "%d", &n); err == nil {
			r.Progress.TotalStages = n
		}
	case "stage_start":
		r.Stage = ev.Stage
		r.Phase = ev.Phase
	case "stage_done", "stage_skip", "stage_error":
		r.Progress.DoneStages++
		r.Stage = ""
		r.Progress.Transfer = nil
	case "retry":
		r.Progress.Retries++
	case "file_start", "file_progress":
		r.Progress.Transfer = &TransferProgress{Path: ev.Path, TotalBytes: ev.Total, Downloaded: ev.Downloaded}
	case "file_done":
		r.Progress.Transfer = nil
	}
}
