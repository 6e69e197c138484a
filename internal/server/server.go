// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package server provides the HTTP server for the web dashboard and REST API.
package server

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/stagekit/webui-installer/internal/assets"
	"github.com/stagekit/webui-installer/pkg/installer"
)

// Config holds server configuration.
type Config struct {
	Addr string
	Port int

	// Manifest and Settings describe the installation the server manages.
	// The work directory is fixed at startup and never taken from a request.
	Manifest installer.Manifest
	Settings installer.Settings

	AllowedOrigins []string // CORS origins
	Logger         *slog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Addr:     "127.0.0.1",
		Port:     8080,
		Manifest: installer.DefaultManifest(),
		Settings: installer.DefaultSettings(),
	}
}

// Server is the HTTP server for webui-installer.
type Server struct {
	mu         sync.RWMutex
	config     Config
	httpServer *http.Server
	runs       *RunManager
	wsHub      *WSHub
	log        *slog.Logger
}

// New creates a new server with the given configuration.
func New(cfg Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	wsHub := NewWSHub(log)
	s := &Server{
		config: cfg,
		wsHub:  wsHub,
		log:    log,
	}
	s.runs = NewRunManager(s.install, wsHub, log)
	return s
}

// install runs one installation with the current configuration.
func (s *Server) install(ctx context.Context, progress installer.ProgressFunc) (installer.Summary, error) {
	cfg := s.currentConfig()
	return installer.Install(ctx, cfg.Manifest, cfg.Settings, progress)
}

func (s *Server) currentConfig() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config
}

// open returns an installer for read-only requests.
func (s *Server) open() (*installer.Installer, error) {
	cfg := s.currentConfig()
	return installer.New(cfg.Manifest, cfg.Settings, nil)
}

// Handler returns the routed handler with middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// API routes
	s.registerAPIRoutes(mux)

	// Static files (embedded)
	staticFS := assets.StaticFS()
	fileServer := http.FileServer(http.FS(staticFS))

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		if path == "/" {
			path = "/index.html"
		}

		if f, err := fs.ReadFile(staticFS, path[1:]); err == nil {
			w.Header().Set("Content-Type", contentType(path))
			w.Write(f)
			return
		}

		fileServer.ServeHTTP(w, r)
	})

	return s.corsMiddleware(s.loggingMiddleware(mux))
}

func contentType(path string) string {
	switch {
	case strings.HasSuffix(path, ".css"):
		return "text/css; charset=utf-8"
	case strings.HasSuffix(path, ".js"):
		return "application/javascript; charset=utf-8"
	case strings.HasSuffix(path, ".json"):
		return "application/json; charset=utf-8"
	case strings.HasSuffix(path, ".svg"):
		return "image/svg+xml"
	}
	return "text/html; charset=utf-8"
}

// ListenAndServe starts the HTTP server and stops it when ctx is done.
// Active runs are cancelled on shutdown; their progress stays recorded.
func (s *Server) ListenAndServe(ctx context.Context) error {
	go s.wsHub.Run(ctx)

	cfg := s.currentConfig()
	addr := fmt.Sprintf("%s:%d", cfg.Addr, cfg.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		s.runs.CancelAll()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.log.Info("server starting", "addr", addr, "workdir", cfg.Settings.WorkDir)

	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// registerAPIRoutes sets up all API endpoints.
func (s *Server) registerAPIRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/health", s.handleHealth)

	// Installation state
	mux.HandleFunc("GET /api/plan", s.handlePlan)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/progress", s.handleProgress)
	mux.HandleFunc("POST /api/reset", s.handleReset)

	// Runs
	mux.HandleFunc("POST /api/install", s.handleStartInstall)
	mux.HandleFunc("GET /api/runs", s.handleListRuns)
	mux.HandleFunc("GET /api/runs/{id}", s.handleGetRun)
	mux.HandleFunc("DELETE /api/runs/{id}", s.handleCancelRun)

	// Settings
	mux.HandleFunc("GET /api/settings", s.handleGetSettings)
	mux.HandleFunc("POST /api/settings", s.handleUpdateSettings)

	// WebSocket
	mux.HandleFunc("GET /api/ws", s.handleWebSocket)
}

// Middleware

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug("request", "method", r.Method, "path", r.URL.Path, "elapsed", time.Since(start).Round(time.Millisecond))
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Max-Age", "86400")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// originAllowed allows every origin when none are configured.
func (s *Server) originAllowed(origin string) bool {
	allowed := s.currentConfig().AllowedOrigins
	if len(allowed) == 0 {
		return true
	}
	for _, o := range allowed {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}
