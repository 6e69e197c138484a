// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package installer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"time"
)

// ArchiveDir is the scratch subdirectory holding downloaded package
// archives. Recovery keeps it so a resumed or finished archive survives.
const ArchiveDir = "archives"

// ScratchRecovery returns the remediation for files held open by another
// process: stop running package manager processes, empty the scratch
// directory (pip cache included, ArchiveDir excepted), then give the OS
// time to release handles.
//
// ex may be nil to skip process termination.
func ScratchRecovery(scratch string, ex Executor, settle time.Duration, log *slog.Logger) *Recovery {
	if log == nil {
		log = slog.Default()
	}
	return &Recovery{
		Signatures: DefaultLockSignatures,
		Action: func(ctx context.Context) error {
			if ex != nil {
				// pkill exits 1 when nothing matched.
				if _, err := ex.Execute(ctx, Process{Argv: killInstallersArgv(), Env: os.Environ()}); err != nil {
					log.Debug("terminate installers", "err", err)
				}
			}
			var err error
			if scratch != "" {
				err = clearDir(ctx, scratch, 3, ArchiveDir)
				if err != nil {
					log.Warn("scratch cleanup incomplete", "dir", scratch, "err", err)
				}
			}
			sleepCtx(ctx, settle)
			return err
		},
	}
}

// clearDir removes the contents of dir except the entries named in keep,
// retrying entries that are still busy. dir itself is kept.
func clearDir(ctx context.Context, dir string, tries int, keep ...string) error {
	var failed []error
	for try := 1; try <= tries; try++ {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}
		failed = failed[:0]
		for _, e := range entries {
			if slices.Contains(keep, e.Name()) {
				continue
			}
			p := filepath.Join(dir, e.Name())
			if err := os.RemoveAll(p); err != nil {
				// Read-only files block removal on Windows.
				_ = os.Chmod(p, 0o700)
				if err := os.RemoveAll(p); err != nil {
					failed = append(failed, err)
				}
			}
		}
		if len(failed) == 0 {
			return nil
		}
		if !sleepCtx(ctx, time.Duration(try)*500*time.Millisecond) {
			break
		}
	}
	return fmt.Errorf("%d entries left in %s: %w", len(failed), dir, errors.Join(failed...))
}
