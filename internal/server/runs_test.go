// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stagekit/webui-installer/pkg/installer"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager(install InstallFunc) *RunManager {
	return NewRunManager(install, nil, discardLogger())
}

func waitStatus(t *testing.T, mgr *RunManager, id string) Run {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if run, ok := mgr.GetRun(id); ok && run.Status != RunStatusRunning {
			return run
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("run %s did not finish", id)
	return Run{}
}

func TestRunManager_StartRun(t *testing.T) {
	release := make(chan struct{})
	mgr := newTestManager(func(ctx context.Context, progress installer.ProgressFunc) (installer.Summary, error) {
		<-release
		return installer.Summary{State: installer.PhaseVerified, Ready: true}, nil
	})

	t.Run("starts a new run", func(t *testing.T) {
		run, existing := mgr.StartRun()
		if existing {
			t.Fatal("Expected new run, got existing")
		}
		if run.ID == "" {
			t.Error("Expected run ID")
		}
		if run.Status != RunStatusRunning {
			t.Errorf("Expected running, got %s", run.Status)
		}
		if !mgr.Active() {
			t.Error("Expected an active run")
		}
	})

	t.Run("returns the active run instead of starting another", func(t *testing.T) {
		first := mgr.ListRuns()[0]
		run, existing := mgr.StartRun()
		if !existing {
			t.Fatal("Expected existing run")
		}
		if run.ID != first.ID {
			t.Errorf("Expected %s, got %s", first.ID, run.ID)
		}
		if n := len(mgr.ListRuns()); n != 1 {
			t.Errorf("Expected 1 run, got %d", n)
		}
	})

	t.Run("starts again after the run finished", func(t *testing.T) {
		first := mgr.ListRuns()[0]
		close(release)
		waitStatus(t, mgr, first.ID)

		run, existing := mgr.StartRun()
		if existing {
			t.Fatal("Expected new run after completion")
		}
		if run.ID == first.ID {
			t.Error("Expected a different run ID")
		}
		waitStatus(t, mgr, run.ID)
	})
}

func TestRunManager_FinalStatus(t *testing.T) {
	tests := []struct {
		name    string
		summary installer.Summary
		err     error
		want    RunStatus
		wantErr string
	}{
		{
			name:    "ready",
			summary: installer.Summary{State: installer.PhaseVerified, Ready: true},
			want:    RunStatusReady,
		},
		{
			name: "halted at a required stage",
			summary: installer.Summary{
				State:    installer.PhaseEnvReady,
				HaltedAt: "package:torch",
				Stages: []installer.StageResult{
					{Key: "package:torch", Status: installer.StatusFailedRequired, Error: "exit status 1"},
				},
			},
			want:    RunStatusHalted,
			wantErr: "exit status 1",
		},
		{
			name:    "configuration error",
			summary: installer.Summary{State: installer.PhaseStart},
			err:     errors.New("requirements: no such file"),
			want:    RunStatusFailed,
			wantErr: "requirements: no such file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mgr := newTestManager(func(ctx context.Context, progress installer.ProgressFunc) (installer.Summary, error) {
				return tt.summary, tt.err
			})
			run, _ := mgr.StartRun()
			done := waitStatus(t, mgr, run.ID)

			if done.Status != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, done.Status)
			}
			if done.Error != tt.wantErr {
				t.Errorf("Expected error %q, got %q", tt.wantErr, done.Error)
			}
			if done.EndedAt == nil {
				t.Error("Expected EndedAt to be set")
			}
			if done.Phase != tt.summary.State {
				t.Errorf("Expected phase %s, got %s", tt.summary.State, done.Phase)
			}
		})
	}
}

func TestRunManager_CancelRun(t *testing.T) {
	started := make(chan struct{})
	mgr := newTestManager(func(ctx context.Context, progress installer.ProgressFunc) (installer.Summary, error) {
		close(started)
		<-ctx.Done()
		return installer.Summary{State: installer.PhaseStart, Interrupted: true}, ctx.Err()
	})

	run, _ := mgr.StartRun()
	<-started

	if !mgr.CancelRun(run.ID) {
		t.Fatal("CancelRun returned false")
	}
	done := waitStatus(t, mgr, run.ID)
	if done.Status != RunStatusCancelled {
		t.Errorf("Expected cancelled, got %s", done.Status)
	}
	if mgr.CancelRun(run.ID) {
		t.Error("Expected cancelling a finished run to fail")
	}
	if mgr.CancelRun("nonexistent") {
		t.Error("Expected cancelling an unknown run to fail")
	}
}

func TestRunManager_CancelAll(t *testing.T) {
	mgr := newTestManager(func(ctx context.Context, progress installer.ProgressFunc) (installer.Summary, error) {
		<-ctx.Done()
		return installer.Summary{Interrupted: true}, ctx.Err()
	})

	run, _ := mgr.StartRun()
	mgr.CancelAll()

	got, _ := mgr.GetRun(run.ID)
	if got.Status != RunStatusCancelled {
		t.Errorf("Expected cancelled after CancelAll, got %s", got.Status)
	}
}

func TestRunManager_Subscribe(t *testing.T) {
	mgr := newTestManager(func(ctx context.Context, progress installer.ProgressFunc) (installer.Summary, error) {
		progress(installer.ProgressEvent{Event: "run_start", Message: "1 stages"})
		return installer.Summary{State: installer.PhaseVerified, Ready: true}, nil
	})

	ch := mgr.Subscribe()
	defer mgr.Unsubscribe(ch)

	mgr.StartRun()

	timeout := time.After(5 * time.Second)
	for {
		select {
		case run := <-ch:
			if run.Status == RunStatusReady {
				if run.Progress.TotalStages != 1 {
					t.Errorf("Expected 1 total stage, got %d", run.Progress.TotalStages)
				}
				return
			}
		case <-timeout:
			t.Fatal("Did not receive final update")
		}
	}
}

func TestApplyEvent(t *testing.T) {
	var r Run

	applyEvent(&r, installer.ProgressEvent{Event: "run_start", Message: "4 stages"})
	applyEvent(&r, installer.ProgressEvent{Event: "stage_start", Stage: "artifact:model", Phase: installer.PhaseArtifactsReady})
	applyEvent(&r, installer.ProgressEvent{Event: "file_progress", Path: "/w/model.bin", Total: 100, Downloaded: 40})

	if r.Progress.TotalStages != 4 {
		t.Errorf("Expected 4 stages, got %d", r.Progress.TotalStages)
	}
	if r.Stage != "artifact:model" || r.Phase != installer.PhaseArtifactsReady {
		t.Errorf("Unexpected current stage %s / %s", r.Stage, r.Phase)
	}
	if r.Progress.Transfer == nil || r.Progress.Transfer.Downloaded != 40 {
		t.Fatalf("Expected transfer progress, got %+v", r.Progress.Transfer)
	}

	applyEvent(&r, installer.ProgressEvent{Event: "stage_done", Stage: "artifact:model"})
	if r.Progress.DoneStages != 1 {
		t.Errorf("Expected 1 done, got %d", r.Progress.DoneStages)
	}
	if r.Stage != "" || r.Progress.Transfer != nil {
		t.Error("Expected current stage and transfer to be cleared")
	}
}
