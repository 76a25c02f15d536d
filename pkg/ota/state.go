// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package ota

import (
	"github.com/foundriesio/fwota/pkg/partition"
	"github.com/foundriesio/fwota/pkg/progress"
)

// State of an update attempt. FinishedSuccess, FlashError and ConnectionError
// are terminal; a new attempt always starts over from NotStarted.
type State string

const (
	NotStarted      State = "NotStarted"
	InProgress      State = "InProgress"
	FinishedSuccess State = "FinishedSuccess"
	FlashError      State = "FlashError"
	ConnectionError State = "ConnectionError"
)

func (s State) Terminal() bool {
	return s == FinishedSuccess || s == FlashError || s == ConnectionError
}

// Sentinel returns the progress value published for a terminal or
// not-started state.
func (s State) Sentinel() int32 {
	switch s {
	case FinishedSuccess:
		return progress.FinishedSuccess
	case FlashError:
		return progress.FlashError
	case ConnectionError:
		return progress.ConnectionError
	}
	return progress.NotStarted
}

// Attempt describes one update attempt as seen by a StateHandler.
type Attempt struct {
	URL            string
	SHA256         string
	State          State
	Running        partition.Descriptor
	Target         partition.Descriptor
	DeclaredLength int64
	Expected       int64
	Written        int64
	StatusCode     int
	Err            error
}
