// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

//go:build windows

package installer

import (
	"os/exec"
	"syscall"
)

func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP}
}

func killProcessGroup(cmd *exec.Cmd) {
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}

func killInstallersArgv() []string {
	return []string{"taskkill", "/F", "/IM", "pip.exe"}
}
