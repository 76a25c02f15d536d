// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

//go:build !windows

package partition

import (
	"log/slog"
	"os"
	"syscall"

	"github.com/pkg/errors"
)

// lockFile takes an exclusive advisory lock on path without waiting. Every
// process using the same flash image contends for the same lock file.
func lockFile(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to open lock file %s", path)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		if closeErr := f.Close(); closeErr != nil {
			slog.Error("failed to close lock", "lock_file", path, "error", closeErr)
		}
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return nil, errors.Wrap(ErrLocked, path)
		}
		return nil, errors.Wrapf(err, "unable to lock %s", path)
	}
	return f, nil
}

func unlockFile(f *os.File) {
	if f == nil {
		return
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_UN); err != nil {
		slog.Error("failed to unlock lock file", "lock_file", f.Name(), "error", err)
	}
	if err := f.Close(); err != nil {
		slog.Error("failed to close lock", "lock_file", f.Name(), "error", err)
	}
}
