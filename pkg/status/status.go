// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package status

import (
	"context"
	"errors"

	"github.com/foundriesio/fwota/internal/attempts"
	"github.com/foundriesio/fwota/pkg/partition"
)

var (
	// ErrUnknownPartition is returned by Engine.SwitchBoot for a label that is
	// not in the partition table.
	ErrUnknownPartition = errors.New("unknown partition")
	ErrInvalidRequest   = errors.New("invalid request")
)

type (
	// Status is a snapshot of the firmware update engine and the flash it
	// manages.
	Status struct {
		Progress     int32                 `json:"progress"`
		ProgressText string                `json:"progress_text"`
		Running      partition.Descriptor  `json:"running"`
		Boot         partition.Descriptor  `json:"boot"`
		NextTarget   *partition.Descriptor `json:"next_target,omitempty"`
		LastAttempt  *attempts.Record      `json:"last_attempt,omitempty"`
	}

	UpdateRequest struct {
		URL    string `json:"url,omitempty"`
		SHA256 string `json:"sha256,omitempty"`
	}

	BootRequest struct {
		Label string `json:"label,omitempty"`
	}

	BootResponse struct {
		Boot partition.Descriptor `json:"boot"`
	}

	// Engine is the part of the update engine exposed over HTTP.
	Engine interface {
		// Progress never blocks.
		Progress() int32
		Status(ctx context.Context) (*Status, error)
		// StartUpdate starts an attempt in the background and returns as soon
		// as it is running.
		StartUpdate(req UpdateRequest) error
		SwitchBoot(label string) (partition.Descriptor, error)
	}
)

// RebootPending reports whether the next boot is from a different partition
// than the running one.
func (s *Status) RebootPending() bool {
	return s.Boot.Label != s.Running.Label
}
