// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stagekit/webui-installer/pkg/installer"
)

// testManifest has no commands besides venv creation, so plan and status
// only look at the filesystem.
func testManifest() installer.Manifest {
	return installer.Manifest{
		SkipPipUpgrade: true,
		Artifacts: []installer.Artifact{
			{Name: "model", URL: "http://127.0.0.1:1/model.bin", Dest: "models/model.bin"},
		},
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	st := installer.DefaultSettings()
	st.WorkDir = t.TempDir()
	return New(Config{
		Addr:     "127.0.0.1",
		Port:     0,
		Manifest: testManifest(),
		Settings: st,
	})
}

func serve(srv *Server, method, path string, body []byte) *httptest.ResponseRecorder {
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, path, bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

// waitRun polls until the run leaves the running state.
func waitRun(t *testing.T, srv *Server, id string) Run {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if run, ok := srv.runs.GetRun(id); ok && run.Status != RunStatusRunning {
			return run
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("run %s did not finish", id)
	return Run{}
}

func TestAPI_Health(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest("GET", "/api/health", nil)
	w := httptest.NewRecorder()

	srv.handleHealth(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	var resp map[string]any
	json.Unmarshal(w.Body.Bytes(), &resp)

	if resp["status"] != "ok" {
		t.Errorf("Expected status ok, got %v", resp["status"])
	}
	if resp["version"] != Version {
		t.Errorf("Expected version %s, got %v", Version, resp["version"])
	}
}

func TestAPI_GetSettings(t *testing.T) {
	srv := newTestServer(t)

	w := serve(srv, "GET", "/api/settings", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}

	var resp SettingsResponse
	json.Unmarshal(w.Body.Bytes(), &resp)

	if resp.WorkDir != srv.config.Settings.WorkDir {
		t.Errorf("Expected workDir %s, got %s", srv.config.Settings.WorkDir, resp.WorkDir)
	}
	if resp.Retries != 10 {
		t.Errorf("Expected retries 10, got %d", resp.Retries)
	}
	if resp.Verify != "none" {
		t.Errorf("Expected verify none, got %s", resp.Verify)
	}
}

func TestAPI_UpdateSettings(t *testing.T) {
	srv := newTestServer(t)

	body := []byte(`{"retries": 3, "retryInterval": "500ms", "verify": "size"}`)
	w := serve(srv, "POST", "/api/settings", body)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	st := srv.currentConfig().Settings
	if st.Retries != 3 {
		t.Errorf("Expected retries 3, got %d", st.Retries)
	}
	if st.RetryInterval != "500ms" {
		t.Errorf("Expected retryInterval 500ms, got %s", st.RetryInterval)
	}
	if st.Verify != "size" {
		t.Errorf("Expected verify size, got %s", st.Verify)
	}
}

func TestAPI_UpdateSettings_CannotChangeWorkDir(t *testing.T) {
	srv := newTestServer(t)
	before := srv.currentConfig().Settings.WorkDir

	body := []byte(`{"workDir": "/etc", "progressFile": "/tmp/x.json", "retries": 4}`)
	w := serve(srv, "POST", "/api/settings", body)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}

	st := srv.currentConfig().Settings
	if st.WorkDir != before {
		t.Errorf("WorkDir changed to %s", st.WorkDir)
	}
	if st.ProgressFile != installer.DefaultProgressFile {
		t.Errorf("ProgressFile changed to %s", st.ProgressFile)
	}
	if st.Retries != 4 {
		t.Errorf("Expected retries 4, got %d", st.Retries)
	}
}

func TestAPI_UpdateSettings_RejectsInvalid(t *testing.T) {
	srv := newTestServer(t)

	tests := []string{
		`{"verify": "sha256"}`,
		`{"retryInterval": "soon"}`,
		`not json`,
	}
	for _, body := range tests {
		w := serve(srv, "POST", "/api/settings", []byte(body))
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", body, w.Code)
		}
	}
	if got := srv.currentConfig().Settings.Verify; got != "none" {
		t.Errorf("Expected verify unchanged, got %s", got)
	}
}

func TestAPI_Plan(t *testing.T) {
	srv := newTestServer(t)

	w := serve(srv, "GET", "/api/plan", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Stages []installer.PlanEntry `json:"stages"`
		Count  int                   `json:"count"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)

	want := []string{installer.KeyVenv, installer.ArtifactKey("model"), installer.KeyVerified}
	if resp.Count != len(want) {
		t.Fatalf("Expected %d stages, got %d", len(want), resp.Count)
	}
	for i, key := range want {
		if resp.Stages[i].Key != key {
			t.Errorf("stage %d: expected %s, got %s", i, key, resp.Stages[i].Key)
		}
		if resp.Stages[i].Recorded {
			t.Errorf("stage %s: expected not recorded", key)
		}
	}
}

func TestAPI_Status(t *testing.T) {
	srv := newTestServer(t)
	wd := srv.config.Settings.WorkDir

	dest := filepath.Join(wd, "models", "model.bin")
	os.MkdirAll(filepath.Dir(dest), 0o755)
	os.WriteFile(dest, []byte("weights"), 0o644)

	w := serve(srv, "GET", "/api/status", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Stages []installer.StatusEntry `json:"stages"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)

	present := map[string]bool{}
	for _, e := range resp.Stages {
		present[e.Key] = e.Present
	}
	if present[installer.KeyVenv] {
		t.Error("Expected venv to be missing")
	}
	if !present[installer.ArtifactKey("model")] {
		t.Error("Expected artifact to be present")
	}
	if _, ok := present[installer.KeyVerified]; ok {
		t.Error("Final verification should not be listed")
	}
}

func TestAPI_ProgressAndReset(t *testing.T) {
	srv := newTestServer(t)
	path := filepath.Join(srv.config.Settings.WorkDir, installer.DefaultProgressFile)

	store, err := installer.OpenStore(path)
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	store.MarkComplete(installer.KeyVenv, nil)

	w := serve(srv, "GET", "/api/progress", nil)
	var resp struct {
		Records map[string]installer.Record `json:"records"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if _, ok := resp.Records[installer.KeyVenv]; !ok {
		t.Fatalf("Expected %s record, got %v", installer.KeyVenv, resp.Records)
	}

	w = serve(srv, "POST", "/api/reset", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	reopened, err := installer.OpenStore(path)
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	if len(reopened.Keys()) != 0 {
		t.Errorf("Expected empty store after reset, got %v", reopened.Keys())
	}
}

func TestAPI_Install(t *testing.T) {
	srv := newTestServer(t)
	srv.runs.install = func(ctx context.Context, progress installer.ProgressFunc) (installer.Summary, error) {
		progress(installer.ProgressEvent{Event: "run_start", Message: "2 stages"})
		progress(installer.ProgressEvent{Event: "stage_start", Stage: "venv_created"})
		progress(installer.ProgressEvent{Event: "stage_done", Stage: "venv_created"})
		progress(installer.ProgressEvent{Event: "retry", Stage: "verified"})
		progress(installer.ProgressEvent{Event: "stage_done", Stage: "verified"})
		return installer.Summary{State: installer.PhaseVerified, Ready: true}, nil
	}

	w := serve(srv, "POST", "/api/install", nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d: %s", w.Code, w.Body.String())
	}
	var started Run
	json.Unmarshal(w.Body.Bytes(), &started)
	if started.ID == "" {
		t.Fatal("Expected a run ID")
	}

	run := waitRun(t, srv, started.ID)
	if run.Status != RunStatusReady {
		t.Errorf("Expected ready, got %s (%s)", run.Status, run.Error)
	}
	if run.Progress.TotalStages != 2 || run.Progress.DoneStages != 2 {
		t.Errorf("Expected 2/2 stages, got %d/%d", run.Progress.DoneStages, run.Progress.TotalStages)
	}
	if run.Progress.Retries != 1 {
		t.Errorf("Expected 1 retry, got %d", run.Progress.Retries)
	}
	if run.Summary == nil || !run.Summary.Ready {
		t.Error("Expected a ready summary")
	}

	w = serve(srv, "GET", "/api/runs/"+started.ID, nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}

func TestAPI_Install_ReturnsActiveRun(t *testing.T) {
	srv := newTestServer(t)
	release := make(chan struct{})
	srv.runs.install = func(ctx context.Context, progress installer.ProgressFunc) (installer.Summary, error) {
		<-release
		return installer.Summary{State: installer.PhaseVerified, Ready: true}, nil
	}

	w := serve(srv, "POST", "/api/install", nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d", w.Code)
	}
	var first Run
	json.Unmarshal(w.Body.Bytes(), &first)

	w = serve(srv, "POST", "/api/install", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 for active run, got %d", w.Code)
	}
	var resp struct {
		Run     Run    `json:"run"`
		Message string `json:"message"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Run.ID != first.ID {
		t.Errorf("Expected run %s, got %s", first.ID, resp.Run.ID)
	}

	// Reset is refused while the run is active.
	w = serve(srv, "POST", "/api/reset", nil)
	if w.Code != http.StatusConflict {
		t.Errorf("Expected 409, got %d", w.Code)
	}

	close(release)
	waitRun(t, srv, first.ID)

	w = serve(srv, "POST", "/api/reset", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 after run finished, got %d", w.Code)
	}
}

func TestAPI_CancelRun(t *testing.T) {
	srv := newTestServer(t)
	started := make(chan struct{})
	srv.runs.install = func(ctx context.Context, progress installer.ProgressFunc) (installer.Summary, error) {
		close(started)
		<-ctx.Done()
		return installer.Summary{State: installer.PhaseEnvReady, Interrupted: true}, ctx.Err()
	}

	w := serve(srv, "POST", "/api/install", nil)
	var run Run
	json.Unmarshal(w.Body.Bytes(), &run)
	<-started

	w = serve(srv, "DELETE", "/api/runs/"+run.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}

	done := waitRun(t, srv, run.ID)
	if done.Status != RunStatusCancelled {
		t.Errorf("Expected cancelled, got %s", done.Status)
	}

	// A finished run cannot be cancelled again.
	w = serve(srv, "DELETE", "/api/runs/"+run.ID, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}

func TestAPI_GetRun_NotFound(t *testing.T) {
	srv := newTestServer(t)

	w := serve(srv, "GET", "/api/runs/nonexistent", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}

func TestAPI_ListRuns_Empty(t *testing.T) {
	srv := newTestServer(t)

	w := serve(srv, "GET", "/api/runs", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	var resp map[string]any
	json.Unmarshal(w.Body.Bytes(), &resp)

	if resp["count"].(float64) != 0 {
		t.Errorf("Expected 0 runs, got %v", resp["count"])
	}
}

func TestAPI_CORS(t *testing.T) {
	srv := newTestServer(t)
	srv.config.AllowedOrigins = []string{"http://localhost:3000"}

	req := httptest.NewRequest("OPTIONS", "/api/runs", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("Expected 204, got %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("Expected allowed origin header, got %q", got)
	}

	req = httptest.NewRequest("OPTIONS", "/api/runs", nil)
	req.Header.Set("Origin", "http://evil.example")
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Expected no CORS header for unknown origin, got %q", got)
	}
}

func TestAPI_Dashboard(t *testing.T) {
	srv := newTestServer(t)

	w := serve(srv, "GET", "/", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/html; charset=utf-8" {
		t.Errorf("Expected html content type, got %s", ct)
	}
}
