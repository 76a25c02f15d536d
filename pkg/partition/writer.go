// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package partition

import (
	"log/slog"
	"os"

	"github.com/pkg/errors"
)

// Writer appends an image to a partition opened by Flash.Open. It is not safe
// for concurrent use; writes are expected to come from one goroutine.
type Writer struct {
	flash   *Flash
	f       *os.File
	lock    *os.File
	part    Descriptor
	written int64
	closed  bool
}

func (w *Writer) Partition() Descriptor {
	return w.part
}

func (w *Writer) Written() int64 {
	return w.written
}

// Write appends p. A chunk that does not fit in the partition is rejected as a
// whole with ErrCapacityExceeded.
func (w *Writer) Write(p []byte) (int, error) {
	if w.closed {
		return 0, newError(ErrWrite, w.part.Label, errors.New("writer is closed"))
	}
	if w.written+int64(len(p)) > int64(w.part.Size) {
		return 0, newError(ErrCapacityExceeded, w.part.Label,
			errors.Errorf("%d bytes would exceed the partition size of %d bytes", w.written+int64(len(p)), w.part.Size))
	}
	n, err := w.f.WriteAt(p, int64(w.part.Offset)+w.written)
	w.written += int64(n)
	if err != nil {
		return n, newError(ErrWrite, w.part.Label, errors.Wrapf(err, "write failed after %d bytes", w.written))
	}
	return n, nil
}

// Finalize validates the written image and, only if it is valid, selects the
// partition for the next boot.
func (w *Writer) Finalize() error {
	if w.closed {
		return newError(ErrFinalize, w.part.Label, errors.New("writer is closed"))
	}
	w.closed = true
	err := w.f.Sync()
	if err == nil && w.written == 0 {
		err = errors.New("no data was written")
	}
	if err == nil {
		err = w.flash.validator(w.f, w.part, w.written)
	}
	if err != nil {
		w.close()
		return newError(ErrFinalize, w.part.Label, err)
	}
	slog.Debug("image validated", "partition", w.part.Label, "bytes", w.written)
	defer w.close()
	return w.flash.commit(w.part)
}

// Abort discards the session. The partition contents are left as written and
// the boot selection is not touched.
func (w *Writer) Abort() error {
	if w.closed {
		return nil
	}
	w.closed = true
	slog.Debug("partition write aborted", "partition", w.part.Label, "bytes", w.written)
	return w.close()
}

func (w *Writer) close() error {
	defer w.flash.release(w)
	defer unlockFile(w.lock)
	return w.f.Close()
}
