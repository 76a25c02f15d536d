// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package db

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/foundriesio/fwota/internal/attempts"
	"github.com/foundriesio/fwota/internal/events"
)

func InitializeDatabase(dbFilePath string) error {
	if err := os.MkdirAll(filepath.Dir(dbFilePath), 0o755); err != nil {
		return fmt.Errorf("failed to create database directory: %w", err)
	}

	err := attempts.CreateAttemptsTable(dbFilePath)
	if err != nil {
		return fmt.Errorf("failed to create attempts table %w", err)
	}

	err = events.CreateEventsTable(dbFilePath)
	if err != nil {
		return fmt.Errorf("failed to create events table %w", err)
	}

	return nil
}
