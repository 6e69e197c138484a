// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/stagekit/webui-installer/internal/tui"
	"github.com/stagekit/webui-installer/pkg/installer"
)

// RootOpts holds global CLI options.
type RootOpts struct {
	JSONOut  bool
	Quiet    bool
	Verbose  bool
	Config   string
	LogFile  string
	LogLevel string
	WorkDir  string
	Manifest string

	logFile *os.File
}

// closeLog flushes and closes the --log-file handle, if one is open.
func (ro *RootOpts) closeLog() error {
	if ro.logFile == nil {
		return nil
	}
	f := ro.logFile
	ro.logFile = nil
	_ = f.Sync()
	return f.Close()
}

// Execute runs the CLI with the given version string.
func Execute(version string) error {
	ro := &RootOpts{}
	defer ro.closeLog()
	ctx, cancel := signalContext(context.Background())
	defer cancel()

	root := &cobra.Command{
		Use:           "webui-installer",
		Short:         "Resumable, checkpointed installer for the Stable Diffusion web UI",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
	}

	// Global flags
	pf := root.PersistentFlags()
	pf.BoolVar(&ro.JSONOut, "json", false, "Emit machine-readable JSON events (progress, plan, results)")
	pf.BoolVarP(&ro.Quiet, "quiet", "q", false, "Quiet mode (one line per stage)")
	pf.BoolVarP(&ro.Verbose, "verbose", "v", false, "Verbose logs (debug details)")
	pf.StringVar(&ro.Config, "config", "", "Path to config file (JSON or YAML)")
	pf.StringVar(&ro.LogFile, "log-file", "", "Write logs to file")
	pf.StringVar(&ro.LogLevel, "log-level", "info", "Log level: debug, info, warn, error")
	pf.StringVarP(&ro.WorkDir, "dir", "C", ".", "Web UI checkout to install into")
	pf.StringVarP(&ro.Manifest, "manifest", "m", "", "Installation manifest (YAML or JSON); built-in default if empty")
	addSettingsFlags(pf)

	installCmd := newInstallCmd(ctx, ro)
	root.AddCommand(installCmd)
	root.AddCommand(newStatusCmd(ctx, ro))
	root.AddCommand(newResetCmd(ro))
	root.AddCommand(newCleanCmd(ctx, ro))
	root.AddCommand(newFetchCmd(ctx, ro))
	root.AddCommand(newVersionCmd(version, ro))
	root.AddCommand(newServeCmd(version, ro))
	root.AddCommand(newConfigCmd())

	// Make install the default command when no subcommand is given
	root.RunE = installCmd.RunE
	root.SetHelpCommand(&cobra.Command{Use: "help", Hidden: true})

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return err
	}
	return nil
}

func newInstallCmd(ctx context.Context, ro *RootOpts) *cobra.Command {
	var dryRun bool
	var planFmt string

	cmd := &cobra.Command{
		Use:   "install",
		Short: "Bring the installation to VERIFIED, resuming where the last run stopped",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, cfg, err := prepare(cmd, ro)
			if err != nil {
				return err
			}

			// Plan-only mode
			if dryRun {
				in, err := installer.New(m, cfg, nil)
				if err != nil {
					return err
				}
				defer in.Close()
				plan, err := in.Plan()
				if err != nil {
					return err
				}
				if strings.ToLower(planFmt) == "json" || ro.JSONOut {
					return writeJSON(os.Stdout, plan)
				}
				printPlan(os.Stdout, plan)
				return nil
			}

			// Progress mode selection
			var progress installer.ProgressFunc
			var ui *tui.LiveRenderer
			if ro.JSONOut {
				progress = jsonProgress(os.Stdout)
			} else if ro.Quiet || !tui.Interactive() {
				progress = cliProgress(os.Stdout)
			} else {
				plan, err := planFor(m, cfg)
				if err != nil {
					return err
				}
				ui = tui.NewLiveRenderer(plan, tui.Header{WorkDir: cfg.WorkDir, Scratch: cfg.ScratchDir,
					Retries: cfg.Retries, Verify: cfg.Verify})
				progress = ui.Handler()
			}

			in, err := installer.New(m, cfg, progress)
			if err != nil {
				if ui != nil {
					ui.Close()
				}
				return err
			}
			defer in.Close()
			sum, runErr := in.Run(ctx)
			if ui != nil {
				ui.Close()
			}

			if ro.JSONOut {
				_ = writeJSON(os.Stdout, map[string]any{"event": "summary", "summary": sum})
			} else {
				printSummary(os.Stdout, sum)
			}
			if runErr != nil {
				return runErr
			}
			if !sum.Ready {
				return fmt.Errorf("installation halted at %s (state %s)", defaultStr(sum.HaltedAt, "verification"), sum.State)
			}
			return nil
		},
	}

	// CLI-only flags
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Plan only: print the stage list and exit")
	cmd.Flags().StringVar(&planFmt, "plan-format", "table", "Plan output format for --dry-run: table|json")

	return cmd
}

// planFor lists the stages without keeping the installer open.
func planFor(m installer.Manifest, cfg installer.Settings) ([]installer.PlanEntry, error) {
	in, err := installer.New(m, cfg, nil)
	if err != nil {
		return nil, err
	}
	defer in.Close()
	return in.Plan()
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-ch:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// prepare resolves the manifest and the settings for a command.
// Precedence: flags > config file > environment (.env included) > defaults.
func prepare(cmd *cobra.Command, ro *RootOpts) (installer.Manifest, installer.Settings, error) {
	var m installer.Manifest
	workDir, err := filepath.Abs(defaultStr(ro.WorkDir, "."))
	if err != nil {
		return m, installer.Settings{}, err
	}

	cfg, err := installer.SettingsFromEnv(installer.DefaultSettings(), filepath.Join(workDir, ".env"))
	if err != nil {
		return m, cfg, err
	}
	file, err := loadConfigFile(ro.Config)
	if err != nil {
		return m, cfg, err
	}
	for _, f := range settingFlags {
		v, ok := file[f.name]
		if !ok || v == nil {
			continue
		}
		if err := f.set(&cfg, fmt.Sprint(v)); err != nil {
			return m, cfg, fmt.Errorf("config %s: %w", f.name, err)
		}
	}
	if err := applyFlags(cmd.Flags(), &cfg); err != nil {
		return m, cfg, err
	}
	cfg.WorkDir = workDir

	log, err := ro.newLogger()
	if err != nil {
		return m, cfg, err
	}
	cfg.Logger = log

	m, err = loadManifest(ro.Manifest, file)
	return m, cfg, err
}

// loadManifest reads the --manifest file, the "manifest" config key, or
// falls back to the built-in manifest.
func loadManifest(path string, file map[string]any) (installer.Manifest, error) {
	if path == "" {
		if v, ok := file["manifest"]; ok && v != nil {
			path = fmt.Sprint(v)
		}
	}
	if path == "" {
		return installer.DefaultManifest(), nil
	}
	return installer.LoadManifest(path)
}

// newLogger builds the slog logger. Logs go to --log-file when given;
// without one, only --verbose logs to stderr. The file stays open until
// closeLog.
func (ro *RootOpts) newLogger() (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(defaultStr(ro.LogLevel, "info"))); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q", ro.LogLevel)
	}
	if ro.Verbose {
		lvl = slog.LevelDebug
	}

	var w io.Writer = io.Discard
	switch {
	case ro.LogFile != "":
		f, err := os.OpenFile(ro.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		_ = ro.closeLog()
		ro.logFile = f
		w = f
	case ro.Verbose:
		w = os.Stderr
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})), nil
}

// settingFlag maps one flag (and config key of the same name) onto Settings.
type settingFlag struct {
	name  string
	usage string
	def   func(installer.Settings) string
	set   func(*installer.Settings, string) error
}

var settingFlags = []settingFlag{
	{"scratch", "Scratch directory for subprocess temp files and archives (WEBUI_SCRATCH_DIR)",
		func(s installer.Settings) string { return s.ScratchDir },
		func(s *installer.Settings, v string) error { s.ScratchDir = v; return nil }},
	{"progress-file", "Checkpoint file, relative to --dir",
		func(s installer.Settings) string { return s.ProgressFile },
		func(s *installer.Settings, v string) error { s.ProgressFile = v; return nil }},
	{"retries", "Max attempts per download or command (WEBUI_RETRY_COUNT)",
		func(s installer.Settings) string { return fmt.Sprint(s.Retries) },
		func(s *installer.Settings, v string) error {
			var n int
			if _, err := fmt.Sscan(v, &n); err != nil || n < 1 {
				return fmt.Errorf("invalid retries %q", v)
			}
			s.Retries = n
			return nil
		}},
	{"retry-interval", "Delay before the second attempt (WEBUI_RETRY_INTERVAL)",
		func(s installer.Settings) string { return s.RetryInterval },
		func(s *installer.Settings, v string) error { s.RetryInterval = v; return nil }},
	{"retry-max-interval", "Cap for the growing delay between attempts",
		func(s installer.Settings) string { return s.RetryMaxInterval },
		func(s *installer.Settings, v string) error { s.RetryMaxInterval = v; return nil }},
	{"timeout", "Per-attempt command timeout",
		func(s installer.Settings) string { return s.CommandTimeout },
		func(s *installer.Settings, v string) error { s.CommandTimeout = v; return nil }},
	{"verify", "Download verification: none|size",
		func(s installer.Settings) string { return s.Verify },
		func(s *installer.Settings, v string) error { s.Verify = v; return nil }},
	{"no-reverify", "Trust recorded progress without re-checking",
		func(s installer.Settings) string { return fmt.Sprint(s.NoReverify) },
		func(s *installer.Settings, v string) error {
			b, err := parseBool(v)
			s.NoReverify = b
			return err
		}},
}

func addSettingsFlags(fs *pflag.FlagSet) {
	def := installer.DefaultSettings()
	for _, f := range settingFlags {
		if f.name == "no-reverify" {
			fs.Bool(f.name, false, f.usage)
			continue
		}
		fs.String(f.name, f.def(def), f.usage)
	}
}

func applyFlags(fs *pflag.FlagSet, cfg *installer.Settings) error {
	for _, f := range settingFlags {
		fl := fs.Lookup(f.name)
		if fl == nil || !fl.Changed {
			continue
		}
		if err := f.set(cfg, fl.Value.String()); err != nil {
			return fmt.Errorf("--%s: %w", f.name, err)
		}
	}
	return nil
}

func parseBool(v string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes":
		return true, nil
	case "false", "0", "no", "":
		return false, nil
	}
	return false, fmt.Errorf("invalid boolean %q", v)
}

func defaultStr(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}

func newStatusCmd(ctx context.Context, ro *RootOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Compare recorded progress with what is actually installed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, cfg, err := prepare(cmd, ro)
			if err != nil {
				return err
			}
			in, err := installer.New(m, cfg, nil)
			if err != nil {
				return err
			}
			defer in.Close()

			status, err := in.Status(ctx)
			if err != nil {
				return err
			}
			if ro.JSONOut {
				return writeJSON(os.Stdout, status)
			}
			printStatus(os.Stdout, status)
			return nil
		},
	}
}

func newResetCmd(ro *RootOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Forget all recorded progress (installed files are kept)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, cfg, err := prepare(cmd, ro)
			if err != nil {
				return err
			}
			in, err := installer.New(m, cfg, nil)
			if err != nil {
				return err
			}
			defer in.Close()
			if err := in.Reset(); err != nil {
				return err
			}
			if !ro.Quiet {
				fmt.Printf("✓ Progress cleared: %s\n", in.Store().Path())
			}
			return nil
		},
	}
}

func newCleanCmd(ctx context.Context, ro *RootOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "clean",
		Short: "Empty the scratch directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, cfg, err := prepare(cmd, ro)
			if err != nil {
				return err
			}
			if cfg.ScratchDir == "" {
				return errors.New("no scratch directory configured (use --scratch or WEBUI_SCRATCH_DIR)")
			}
			in, err := installer.New(m, cfg, nil)
			if err != nil {
				return err
			}
			defer in.Close()
			if err := in.CleanScratch(ctx); err != nil {
				return err
			}
			if !ro.Quiet {
				fmt.Printf("✓ Scratch directory emptied: %s\n", cfg.ScratchDir)
			}
			return nil
		},
	}
}
