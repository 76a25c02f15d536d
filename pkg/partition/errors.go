// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package partition

import (
	"fmt"

	"github.com/pkg/errors"
)

type (
	// Kind classifies a partition failure. Every kind is terminal for an update
	// attempt; none of them are retried by this package.
	Kind string

	// Error is a partition failure of a given kind on a given partition.
	Error struct {
		Kind  Kind
		Label string
		Err   error
	}
)

const (
	ErrNoTargetAvailable Kind = "no target partition available"
	ErrOpen              Kind = "failed to open partition"
	ErrCapacityExceeded  Kind = "partition capacity exceeded"
	ErrWrite             Kind = "failed to write partition"
	ErrFinalize          Kind = "invalid firmware image"
	ErrCommit            Kind = "failed to set boot partition"
)

// ErrLocked is the cause of ErrOpen and ErrCommit failures when another
// process holds the flash image.
var ErrLocked = errors.New("flash image is locked by another process")

func (k Kind) Error() string {
	return string(k)
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Label != "" {
		msg = fmt.Sprintf("%s %q", msg, e.Label)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, partition.ErrWrite) and friends work on wrapped
// *Error values.
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

// KindOf returns the kind of a partition failure found anywhere in err's chain.
func KindOf(err error) (Kind, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind, true
	}
	var k Kind
	if errors.As(err, &k) {
		return k, true
	}
	return "", false
}

func newError(kind Kind, label string, err error) error {
	return &Error{Kind: kind, Label: label, Err: err}
}
