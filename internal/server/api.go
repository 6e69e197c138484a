// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// Version is reported by /api/health. The CLI overrides it at startup.
var Version = "dev"

// SettingsResponse represents current settings.
type SettingsResponse struct {
	WorkDir          string `json:"workDir"`
	ScratchDir       string `json:"scratchDir,omitempty"`
	ProgressFile     string `json:"progressFile"`
	Retries          int    `json:"retries"`
	RetryInterval    string `json:"retryInterval"`
	RetryMaxInterval string `json:"retryMaxInterval,omitempty"`
	CommandTimeout   string `json:"commandTimeout"`
	Verify           string `json:"verify"`
	NoReverify       bool   `json:"noReverify"`
}

// ErrorResponse represents an API error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// SuccessResponse represents a simple success message.
type SuccessResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// --- Handlers ---

// handleHealth returns server health status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": Version,
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

// handlePlan lists the stages in execution order with their recorded state.
func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	in, err := s.open()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to open installer", err.Error())
		return
	}
	defer in.Close()

	plan, err := in.Plan()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to build plan", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"stages": plan,
		"count":  len(plan),
	})
}

// handleStatus runs every verifier and reports what is actually present.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	in, err := s.open()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to open installer", err.Error())
		return
	}
	defer in.Close()

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Minute)
	defer cancel()

	entries, err := in.Status(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to check status", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"stages": entries,
		"count":  len(entries),
	})
}

// handleProgress returns the raw checkpoint records.
func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	in, err := s.open()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to open installer", err.Error())
		return
	}
	defer in.Close()

	writeJSON(w, http.StatusOK, map[string]any{
		"path":    in.Store().Path(),
		"records": in.Store().Snapshot(),
	})
}

// handleReset forgets recorded progress. Refused while a run is active.
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if s.runs.Active() {
		writeError(w, http.StatusConflict, "An installation is in progress", "Cancel it before resetting")
		return
	}
	in, err := s.open()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to open installer", err.Error())
		return
	}
	defer in.Close()

	if err := in.Reset(); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset progress", err.Error())
		return
	}
	s.log.Info("progress reset", "path", in.Store().Path())
	writeJSON(w, http.StatusOK, SuccessResponse{Success: true, Message: "Progress reset"})
}

// handleStartInstall starts a run, or returns the one already in progress.
func (s *Server) handleStartInstall(w http.ResponseWriter, r *http.Request) {
	run, existing := s.runs.StartRun()
	if existing {
		writeJSON(w, http.StatusOK, map[string]any{
			"run":     run,
			"message": "Installation already in progress",
		})
		return
	}
	writeJSON(w, http.StatusAccepted, run)
}

// handleListRuns returns all runs.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs := s.runs.ListRuns()
	writeJSON(w, http.StatusOK, map[string]any{
		"runs":  runs,
		"count": len(runs),
	})
}

// handleGetRun returns a specific run.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "Missing run ID", "")
		return
	}

	run, ok := s.runs.GetRun(id)
	if !ok {
		writeError(w, http.StatusNotFound, "Run not found", "")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// handleCancelRun cancels a run.
func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "Missing run ID", "")
		return
	}

	if s.runs.CancelRun(id) {
		writeJSON(w, http.StatusOK, SuccessResponse{
			Success: true,
			Message: "Run cancelled",
		})
	} else {
		writeError(w, http.StatusNotFound, "Run not found or already finished", "")
	}
}

// handleGetSettings returns current settings.
func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	st := s.currentConfig().Settings
	writeJSON(w, http.StatusOK, SettingsResponse{
		WorkDir:          st.WorkDir,
		ScratchDir:       st.ScratchDir,
		ProgressFile:     st.ProgressFile,
		Retries:          st.Retries,
		RetryInterval:    st.RetryInterval,
		RetryMaxInterval: st.RetryMaxInterval,
		CommandTimeout:   st.CommandTimeout,
		Verify:           st.Verify,
		NoReverify:       st.NoReverify,
	})
}

// handleUpdateSettings updates settings.
// Paths (work dir, scratch, progress file) cannot be changed via the API.
func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Retries          *int    `json:"retries,omitempty"`
		RetryInterval    *string `json:"retryInterval,omitempty"`
		RetryMaxInterval *string `json:"retryMaxInterval,omitempty"`
		CommandTimeout   *string `json:"commandTimeout,omitempty"`
		Verify           *string `json:"verify,omitempty"`
		NoReverify       *bool   `json:"noReverify,omitempty"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}

	s.mu.Lock()
	next := s.config.Settings
	if req.Retries != nil && *req.Retries > 0 {
		next.Retries = *req.Retries
	}
	if req.RetryInterval != nil && *req.RetryInterval != "" {
		next.RetryInterval = *req.RetryInterval
	}
	if req.RetryMaxInterval != nil {
		next.RetryMaxInterval = *req.RetryMaxInterval
	}
	if req.CommandTimeout != nil && *req.CommandTimeout != "" {
		next.CommandTimeout = *req.CommandTimeout
	}
	if req.Verify != nil && *req.Verify != "" {
		next.Verify = *req.Verify
	}
	if req.NoReverify != nil {
		next.NoReverify = *req.NoReverify
	}

	if err := next.Validate(); err != nil {
		s.mu.Unlock()
		writeError(w, http.StatusBadRequest, "Invalid settings", err.Error())
		return
	}
	s.config.Settings = next
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, SuccessResponse{
		Success: true,
		Message: "Settings updated",
	})
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message, details string) {
	writeJSON(w, status, ErrorResponse{
		Error:   message,
		Details: details,
	})
}
