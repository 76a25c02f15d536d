// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

//go:build !windows

package ota

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

// ExecRestarter replaces the current process with a fresh copy of its own
// executable, for hosts where the flash image is simulated and rebooting the
// machine is not wanted.
type ExecRestarter struct {
	Args []string
}

func (r ExecRestarter) Restart() error {
	binary, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}
	binary, err = filepath.EvalSymlinks(binary)
	if err != nil {
		return fmt.Errorf("failed to resolve symlinks: %w", err)
	}
	args := append([]string{binary}, r.Args...)
	return syscall.Exec(binary, args, os.Environ())
}
