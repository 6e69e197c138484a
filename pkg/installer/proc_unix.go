// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

//go:build !windows

package installer

import (
	"os/exec"
	"syscall"
)

func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killProcessGroup kills the child and everything it spawned.
func killProcessGroup(cmd *exec.Cmd) {
	if cmd.Process != nil {
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}

// killInstallersArgv terminates package manager processes that may hold
// files open.
func killInstallersArgv() []string {
	return []string{"pkill", "-f", "pip install"}
}
