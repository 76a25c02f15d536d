// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package ota

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"

	"github.com/foundriesio/fwota/pkg/progress"
)

// session accounts for the bytes of one attempt flowing into the target
// partition. Calls are sequential; a session is never reused.
type session struct {
	w          ImageWriter
	written    int64
	expected   int64
	digest     hash.Hash
	cell       *progress.Cell
	onProgress ProgressHandler
}

func newSession(w ImageWriter, cell *progress.Cell, onProgress ProgressHandler) *session {
	return &session{
		w:          w,
		expected:   int64(w.Partition().Size),
		digest:     sha256.New(),
		cell:       cell,
		onProgress: onProgress,
	}
}

// setExpected records the total the percentage is computed against: the
// declared length if there is one, otherwise fallback, otherwise the size of
// the target partition.
func (s *session) setExpected(hasLength bool, length int64, fallback int64) {
	switch {
	case hasLength && length > 0:
		s.expected = length
	case fallback > 0:
		s.expected = fallback
	default:
		s.expected = int64(s.w.Partition().Size)
	}
}

func (s *session) write(p []byte) error {
	n, err := s.w.Write(p)
	s.digest.Write(p[:n])
	s.written += int64(n)
	if err != nil {
		return err
	}
	s.cell.SetPercent(s.percent())
	if s.onProgress != nil {
		s.onProgress(s.written, s.expected)
	}
	return nil
}

func (s *session) percent() int {
	if s.expected <= 0 {
		return 0
	}
	return int(100 * s.written / s.expected)
}

func (s *session) sum() string {
	return hex.EncodeToString(s.digest.Sum(nil))
}

func (s *session) finalize() error {
	return s.w.Finalize()
}

func (s *session) abort() error {
	return s.w.Abort()
}
