// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/foundriesio/fwota/pkg/ota"
)

const (
	exitFlashError      = 2
	exitConnectionError = 3
	exitBusy            = 4
)

// DieNotNil prints the error and exits with code 1.
func DieNotNil(err error, message ...string) {
	DieNotNilWithCode(err, 1, message...)
}

// DieNotNilWithCode prints the error and exits with the given code.
func DieNotNilWithCode(err error, exitCode int, message ...string) {
	if err == nil {
		return
	}
	parts := []any{"ERROR:"}
	for _, p := range message {
		parts = append(parts, p)
	}
	parts = append(parts, err)
	fmt.Fprintln(os.Stderr, parts...)
	os.Exit(exitCode)
}

// exitCodeFor maps the outcome of an update attempt to the process exit code.
func exitCodeFor(state ota.State, err error) int {
	switch {
	case errors.Is(err, ota.ErrAttemptInProgress):
		return exitBusy
	case state == ota.ConnectionError:
		return exitConnectionError
	case state == ota.FlashError:
		return exitFlashError
	}
	return 1
}
