// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stagekit/webui-installer/pkg/installer"
)

func TestDestFor(t *testing.T) {
	tests := []struct {
		args []string
		want string
	}{
		{[]string{"https://host/files/model.safetensors?download=true"}, "model.safetensors"},
		{[]string{"https://host/files/model.safetensors", "models/"}, "models/model.safetensors"},
		{[]string{"s3://bucket/vae.pt", "models/VAE/vae.pt"}, "models/VAE/vae.pt"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, destFor(tt.args), "args %v", tt.args)
	}
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()

	jsonPath := filepath.Join(dir, "cfg.jsonc")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{
  // slow mirror
  "retries": 4,
  "verify": "size",
}`), 0o644))
	cfg, err := loadConfigFile(jsonPath)
	require.NoError(t, err)
	assert.EqualValues(t, 4, cfg["retries"])
	assert.Equal(t, "size", cfg["verify"])

	yamlPath := filepath.Join(dir, "cfg.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte("retry-interval: 5s\nno-reverify: true\n"), 0o644))
	cfg, err = loadConfigFile(yamlPath)
	require.NoError(t, err)
	assert.Equal(t, "5s", cfg["retry-interval"])
	assert.Equal(t, true, cfg["no-reverify"])

	badPath := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(badPath, []byte("retries: [1,"), 0o644))
	_, err = loadConfigFile(badPath)
	assert.Error(t, err)
}

func TestPrepare_Precedence(t *testing.T) {
	for _, key := range []string{installer.EnvScratchDir, installer.EnvRetryCount, installer.EnvRetryInterval} {
		t.Setenv(key, "")
	}
	workDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(workDir, ".env"),
		[]byte("WEBUI_RETRY_COUNT=7\nWEBUI_SCRATCH_DIR=/mnt/scratch\n"), 0o644))
	cfgPath := filepath.Join(t.TempDir(), "webui-installer.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("retries: 4\nverify: size\n"), 0o644))

	ro := &RootOpts{WorkDir: workDir, Config: cfgPath}
	cmd := &cobra.Command{Use: "test"}
	addSettingsFlags(cmd.Flags())
	require.NoError(t, cmd.Flags().Set("retries", "2"))

	m, cfg, err := prepare(cmd, ro)
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Retries, "flag beats config file and env")
	assert.Equal(t, "size", cfg.Verify, "config file beats default")
	assert.Equal(t, "/mnt/scratch", cfg.ScratchDir, "env applies when nothing overrides it")
	assert.Equal(t, "3s", cfg.RetryInterval)
	assert.Equal(t, workDir, cfg.WorkDir)
	assert.NotNil(t, cfg.Logger)
	assert.Equal(t, installer.DefaultManifest().Runtime.Name, m.Runtime.Name)
}

func TestPrepare_InvalidFlag(t *testing.T) {
	ro := &RootOpts{WorkDir: t.TempDir(), Config: filepath.Join(t.TempDir(), "missing.json")}
	cmd := &cobra.Command{Use: "test"}
	addSettingsFlags(cmd.Flags())

	_, _, err := prepare(cmd, ro)
	assert.Error(t, err, "an explicit --config must exist")

	require.NoError(t, os.WriteFile(ro.Config, []byte(`{}`), 0o644))
	require.NoError(t, cmd.Flags().Set("retries", "zero"))
	_, _, err = prepare(cmd, ro)
	assert.ErrorContains(t, err, "--retries")
}

func TestPrepare_LogFileClosed(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "install.log")
	cfgPath := filepath.Join(t.TempDir(), "webui-installer.json")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`{}`), 0o644))
	ro := &RootOpts{WorkDir: t.TempDir(), Config: cfgPath, LogFile: logPath}
	cmd := &cobra.Command{Use: "test"}
	addSettingsFlags(cmd.Flags())

	_, cfg, err := prepare(cmd, ro)
	require.NoError(t, err)
	require.NotNil(t, ro.logFile)
	first := ro.logFile

	// A second prepare reopens the file and closes the old handle.
	_, cfg, err = prepare(cmd, ro)
	require.NoError(t, err)
	assert.NotSame(t, first, ro.logFile)
	assert.Error(t, first.Close(), "previous handle already closed")

	cfg.Logger.Info("stage done", "key", "venv_created")
	require.NoError(t, ro.closeLog())
	assert.Nil(t, ro.logFile)
	assert.NoError(t, ro.closeLog())

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "stage done")
}

func TestParseBool(t *testing.T) {
	for _, v := range []string{"true", "1", "YES"} {
		b, err := parseBool(v)
		require.NoError(t, err)
		assert.True(t, b, v)
	}
	for _, v := range []string{"false", "0", "no", ""} {
		b, err := parseBool(v)
		require.NoError(t, err)
		assert.False(t, b, v)
	}
	_, err := parseBool("maybe")
	assert.Error(t, err)
}

func TestPrintSummary(t *testing.T) {
	sum := installer.Summary{
		State:    installer.PhaseRuntimeReady,
		HaltedAt: "repo:BLIP",
		Stages: []installer.StageResult{
			{Key: "venv_created", Status: installer.StatusSkipped},
			{Key: "package:torch", Status: installer.StatusCompleted, Retries: 2, Duration: 90 * time.Second},
			{Key: "repo:BLIP", Status: installer.StatusFailedRequired, Err: errors.New("clone failed"),
				Error: "clone failed", Output: "fatal: unable to access"},
			{Key: "verified", Status: installer.StatusPending},
		},
		Defects: []installer.StageResult{
			{Key: "pip_upgraded", Status: installer.StatusFailedOptional, Error: "exit status 1"},
		},
	}

	var buf bytes.Buffer
	printSummary(&buf, sum)
	out := buf.String()

	assert.Contains(t, out, "2 retries")
	assert.Contains(t, out, "halted at repo:BLIP")
	assert.Contains(t, out, "fatal: unable to access")
	assert.Contains(t, out, "optional stage pip_upgraded failed: exit status 1")
}

func TestCLIProgress(t *testing.T) {
	var buf bytes.Buffer
	progress := cliProgress(&buf)

	progress(installer.ProgressEvent{Event: "stage_start", Stage: "package:torch", Message: "install torch"})
	progress(installer.ProgressEvent{Event: "retry", Stage: "package:torch", Attempt: 2, Message: "connection reset"})
	progress(installer.ProgressEvent{Event: "file_start", Path: "models/model.bin", Downloaded: 4 << 20})
	progress(installer.ProgressEvent{Event: "file_progress", Path: "models/model.bin", Downloaded: 5 << 20})

	out := buf.String()
	assert.Contains(t, out, "install torch")
	assert.Contains(t, out, "package:torch (attempt 2): connection reset")
	assert.Contains(t, out, "resuming at 4.0 MiB")
	assert.NotContains(t, out, "5.0 MiB", "byte-level progress is not printed line by line")
}
