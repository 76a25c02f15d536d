// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package ota

import (
	"errors"

	"github.com/foundriesio/fwota/pkg/partition"
)

// Failure names why an attempt failed, in a form that can be stored in the
// attempt history and read back.
type Failure string

const (
	FailureNone       Failure = ""
	FailureBusy       Failure = "busy"
	FailureConnection Failure = "connection"
	FailureDigest     Failure = "digest_mismatch"
	FailureNoTarget   Failure = "no_target"
	FailureOpen       Failure = "open"
	FailureCapacity   Failure = "capacity_exceeded"
	FailureWrite      Failure = "write"
	FailureImage      Failure = "invalid_image"
	FailureCommit     Failure = "commit"
	FailureOther      Failure = "other"
)

// FailureOf classifies the error returned by Updater.Update.
func FailureOf(err error) Failure {
	switch {
	case err == nil:
		return FailureNone
	case errors.Is(err, ErrAttemptInProgress):
		return FailureBusy
	case errors.Is(err, ErrDigestMismatch):
		return FailureDigest
	case errors.Is(err, ErrConnection):
		return FailureConnection
	}
	kind, ok := partition.KindOf(err)
	if !ok {
		return FailureOther
	}
	switch kind {
	case partition.ErrNoTargetAvailable:
		return FailureNoTarget
	case partition.ErrOpen:
		return FailureOpen
	case partition.ErrCapacityExceeded:
		return FailureCapacity
	case partition.ErrWrite:
		return FailureWrite
	case partition.ErrFinalize:
		return FailureImage
	case partition.ErrCommit:
		return FailureCommit
	}
	return FailureOther
}

// Retryable reports whether downloading the same image again can succeed.
// Image, size, digest and layout problems fail the same way every time.
func (f Failure) Retryable() bool {
	switch f {
	case FailureDigest, FailureNoTarget, FailureCapacity, FailureImage, FailureCommit:
		return false
	}
	return true
}
