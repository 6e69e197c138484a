// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package installer

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Environment variables read by SettingsFromEnv.
const (
	EnvScratchDir    = "WEBUI_SCRATCH_DIR"
	EnvRetryCount    = "WEBUI_RETRY_COUNT"
	EnvRetryInterval = "WEBUI_RETRY_INTERVAL"
)

// SettingsFromEnv overlays the WEBUI_* variables on base.
//
// Non-empty values in the process environment win; otherwise the given
// dotenv files are consulted. The process environment is never modified.
// Missing dotenv files are ignored.
func SettingsFromEnv(base Settings, dotenvFiles ...string) (Settings, error) {
	file := map[string]string{}
	for _, p := range dotenvFiles {
		vals, err := godotenv.Read(p)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return base, fmt.Errorf("read %s: %w", p, err)
		}
		for k, v := range vals {
			if _, ok := file[k]; !ok {
				file[k] = v
			}
		}
	}
	lookup := func(key string) string {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			return v
		}
		return strings.TrimSpace(file[key])
	}

	cfg := base
	if v := lookup(EnvScratchDir); v != "" {
		cfg.ScratchDir = v
	}
	if v := lookup(EnvRetryCount); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return base, &ConfigError{What: EnvRetryCount + "=" + v, Err: err}
		}
		cfg.Retries = n
	}
	if v := lookup(EnvRetryInterval); v != "" {
		if _, err := parseDuration(v, 0); err != nil {
			return base, &ConfigError{What: EnvRetryInterval, Err: err}
		}
		cfg.RetryInterval = v
	}
	return cfg, nil
}

// resolved holds Settings after defaults and parsing.
type resolved struct {
	workDir      string
	scratchDir   string
	progressFile string
	policy       RetryPolicy
	timeout      time.Duration
	verify       string
	reverify     bool
	log          *slog.Logger
}

// Validate reports settings New would reject.
func (s Settings) Validate() error {
	_, err := s.resolve()
	return err
}

func (s Settings) resolve() (resolved, error) {
	r := resolved{
		verify:   strings.ToLower(defaultString(s.Verify, "none")),
		reverify: !s.NoReverify,
		log:      s.Logger,
	}
	if r.log == nil {
		r.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if r.verify != "none" && r.verify != "size" {
		return r, &ConfigError{What: fmt.Sprintf("verify mode %q (expected none|size)", s.Verify)}
	}

	wd := s.WorkDir
	if wd == "" {
		var err error
		if wd, err = os.Getwd(); err != nil {
			return r, err
		}
	}
	abs, err := filepath.Abs(wd)
	if err != nil {
		return r, err
	}
	r.workDir = abs

	if s.ScratchDir != "" {
		r.scratchDir = r.path(s.ScratchDir)
	}
	r.progressFile = r.path(defaultString(s.ProgressFile, DefaultProgressFile))

	attempts := s.Retries
	if attempts <= 0 {
		attempts = 10
	}
	delay, err := parseDuration(s.RetryInterval, 3*time.Second)
	if err != nil {
		return r, &ConfigError{What: "retry interval", Err: err}
	}
	maxDelay, err := parseDuration(s.RetryMaxInterval, delay)
	if err != nil {
		return r, &ConfigError{What: "retry max interval", Err: err}
	}
	r.policy = RetryPolicy{Attempts: attempts, Delay: delay, MaxDelay: maxDelay}

	if r.timeout, err = parseDuration(s.CommandTimeout, 30*time.Minute); err != nil {
		return r, &ConfigError{What: "command timeout", Err: err}
	}
	return r, nil
}

// path resolves p against the work directory.
func (r resolved) path(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(r.workDir, p)
}
