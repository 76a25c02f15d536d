// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

//go:build windows

package partition

import (
	"log/slog"
	"os"

	"github.com/pkg/errors"
)

// lockFile only creates the lock file; flash images are not shared between
// processes on windows.
func lockFile(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to open lock file %s", path)
	}
	return f, nil
}

func unlockFile(f *os.File) {
	if f == nil {
		return
	}
	if err := f.Close(); err != nil {
		slog.Error("failed to close lock", "lock_file", f.Name(), "error", err)
	}
}
