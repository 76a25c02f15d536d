// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package partition

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/pkg/errors"
)

const eraseBlockSize = 4096

type (
	// Flash is a flash device backed by an image file laid out according to a
	// partition table. The running partition is the one selected for boot at
	// the time the flash is opened and does not change until the process is
	// restarted and the flash reopened.
	Flash struct {
		path      string
		table     Table
		validator Validator
		running   Descriptor

		mu     sync.Mutex
		active *Writer
	}

	FlashOption func(*Flash)
)

func WithValidator(v Validator) FlashOption {
	return func(f *Flash) {
		f.validator = v
	}
}

// OpenFlash opens the flash image at path, creating it in the erased state if
// it does not exist or is shorter than the table.
func OpenFlash(path string, table Table, options ...FlashOption) (*Flash, error) {
	if err := table.Validate(); err != nil {
		return nil, err
	}
	fl := &Flash{
		path:      path,
		table:     table,
		validator: ValidateImageHeader,
	}
	for _, o := range options {
		o(fl)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open flash image %s", path)
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to stat flash image %s", path)
	}
	if st.Size() < table.Size() {
		slog.Debug("initializing flash image", "path", path, "size", table.Size())
		if err := eraseRange(f, st.Size(), table.Size()-st.Size()); err != nil {
			return nil, errors.Wrapf(err, "failed to initialize flash image %s", path)
		}
	}
	if fl.running, err = fl.bootPartition(f); err != nil {
		return nil, err
	}
	slog.Debug("flash opened", "path", path, "running", fl.running.Label)
	return fl, nil
}

func (fl *Flash) Table() Table {
	return fl.table
}

func (fl *Flash) Running() Descriptor {
	return fl.running
}

// Boot returns the partition the next restart boots from.
func (fl *Flash) Boot() (Descriptor, error) {
	f, err := os.Open(fl.path)
	if err != nil {
		return Descriptor{}, errors.Wrapf(err, "failed to open flash image %s", fl.path)
	}
	defer f.Close()
	return fl.bootPartition(f)
}

// NextTarget returns the OTA slot following the running partition. A factory
// image is followed by ota_0.
func (fl *Flash) NextTarget() (Descriptor, error) {
	slots := fl.table.OTASlots()
	if len(slots) == 0 {
		return Descriptor{}, newError(ErrNoTargetAvailable, "", errors.New("partition table has no OTA slots"))
	}
	next := slots[0]
	for i, s := range slots {
		if s.Label == fl.running.Label {
			next = slots[(i+1)%len(slots)]
			break
		}
	}
	if next.Label == fl.running.Label {
		return Descriptor{}, newError(ErrNoTargetAvailable, "", errors.Errorf("the only OTA slot %q is running", next.Label))
	}
	return next, nil
}

// Open erases target and returns a writer that owns it until it is finalized
// or aborted. The running partition is never opened. The writer holds the
// flash lock, so no other process can open a partition or change the boot
// selection while it exists.
func (fl *Flash) Open(target Descriptor) (*Writer, error) {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	d, ok := fl.table.Find(target.Label)
	if !ok || d != target {
		return nil, newError(ErrOpen, target.Label, errors.New("partition is not in the partition table"))
	}
	if !d.IsApp() {
		return nil, newError(ErrOpen, d.Label, errors.Errorf("partition type is %q", d.Type))
	}
	if d.Label == fl.running.Label {
		return nil, newError(ErrOpen, d.Label, errors.New("partition is running"))
	}
	if fl.active != nil {
		return nil, newError(ErrOpen, d.Label, errors.Errorf("partition %q is being written", fl.active.part.Label))
	}
	lock, err := lockFile(fl.lockPath())
	if err != nil {
		return nil, newError(ErrOpen, d.Label, err)
	}
	f, err := os.OpenFile(fl.path, os.O_RDWR, 0)
	if err != nil {
		unlockFile(lock)
		return nil, newError(ErrOpen, d.Label, errors.Wrapf(err, "failed to open flash image %s", fl.path))
	}
	if err := eraseRange(f, int64(d.Offset), int64(d.Size)); err != nil {
		f.Close()
		unlockFile(lock)
		return nil, newError(ErrOpen, d.Label, errors.Wrap(err, "erase failed"))
	}
	w := &Writer{flash: fl, f: f, lock: lock, part: d}
	fl.active = w
	slog.Debug("partition opened for writing", "partition", d.Label, "offset", d.Offset, "size", d.Size)
	return w, nil
}

// SetBoot selects p for the next boot without rewriting it. p must hold a
// valid image. On failure the previous selection stays in effect.
func (fl *Flash) SetBoot(p Descriptor) error {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	d, ok := fl.table.Find(p.Label)
	if !ok || d != p || !d.IsApp() {
		return newError(ErrCommit, p.Label, errors.New("not an application partition of this table"))
	}
	if fl.active != nil && fl.active.part.Label == d.Label {
		return newError(ErrCommit, d.Label, errors.New("partition is being written"))
	}
	// an active writer of this flash already holds the lock
	if fl.active == nil {
		lock, err := lockFile(fl.lockPath())
		if err != nil {
			return newError(ErrCommit, d.Label, err)
		}
		defer unlockFile(lock)
	}
	return fl.setBoot(d)
}

// commit selects the partition of a finalized writer, which still holds the
// flash lock.
func (fl *Flash) commit(d Descriptor) error {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	return fl.setBoot(d)
}

func (fl *Flash) setBoot(d Descriptor) error {
	f, err := os.OpenFile(fl.path, os.O_RDWR, 0)
	if err != nil {
		return newError(ErrCommit, d.Label, errors.Wrapf(err, "failed to open flash image %s", fl.path))
	}
	defer f.Close()

	slots := fl.table.OTASlots()
	otadata, hasOTAData := fl.table.OTAData()
	if d.IsFactory() {
		if !hasOTAData {
			return nil
		}
		// an erased otadata partition boots the factory image
		for i := 0; i < 2; i++ {
			if err := eraseRange(f, int64(otadata.Offset)+int64(i)*OTADataSectorSize, OTADataSectorSize); err != nil {
				return newError(ErrCommit, d.Label, errors.Wrap(err, "failed to erase otadata"))
			}
		}
		return syncFile(f, d.Label)
	}

	if err := fl.validator(f, d, int64(d.Size)); err != nil {
		return newError(ErrCommit, d.Label, err)
	}
	slot := -1
	for i, s := range slots {
		if s.Label == d.Label {
			slot = i
		}
	}
	entries, err := readOTAData(f, otadata)
	if err != nil {
		return newError(ErrCommit, d.Label, err)
	}
	var cur uint32
	idx, ok := activeEntry(entries)
	if ok {
		cur = entries[idx].Seq
		if int((cur-1)%uint32(len(slots))) == slot {
			slog.Debug("partition already selected for boot", "partition", d.Label)
			return nil
		}
	}
	dst := 0
	if ok {
		dst = 1 - idx
	}
	seq := nextSeq(cur, slot, len(slots))
	if err := writeOTAEntry(f, otadata, dst, newOTAEntry(seq, d.Label)); err != nil {
		return newError(ErrCommit, d.Label, err)
	}
	if err := syncFile(f, d.Label); err != nil {
		return err
	}
	slog.Info("boot partition set", "partition", d.Label, "seq", seq)
	return nil
}

// Verify runs the image validator over the whole of partition p.
func (fl *Flash) Verify(p Descriptor) error {
	f, err := os.Open(fl.path)
	if err != nil {
		return errors.Wrapf(err, "failed to open flash image %s", fl.path)
	}
	defer f.Close()
	return fl.validator(f, p, int64(p.Size))
}

func (fl *Flash) lockPath() string {
	return fl.path + ".lock"
}

func (fl *Flash) bootPartition(r io.ReaderAt) (Descriptor, error) {
	factory, hasFactory := fl.table.Factory()
	slots := fl.table.OTASlots()
	if len(slots) == 0 {
		if hasFactory {
			return factory, nil
		}
		for _, d := range fl.table {
			if d.IsApp() {
				return d, nil
			}
		}
		return Descriptor{}, errors.New("partition table has no application partition")
	}
	otadata, _ := fl.table.OTAData()
	entries, err := readOTAData(r, otadata)
	if err != nil {
		return Descriptor{}, err
	}
	idx, ok := activeEntry(entries)
	if !ok {
		if hasFactory {
			return factory, nil
		}
		return slots[0], nil
	}
	return slots[(entries[idx].Seq-1)%uint32(len(slots))], nil
}

func (fl *Flash) release(w *Writer) {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	if fl.active == w {
		fl.active = nil
	}
}

func syncFile(f *os.File, label string) error {
	if err := f.Sync(); err != nil {
		return newError(ErrCommit, label, errors.Wrap(err, "failed to sync flash image"))
	}
	return nil
}

func eraseRange(w io.WriterAt, off, size int64) error {
	block := bytes.Repeat([]byte{0xFF}, eraseBlockSize)
	for done := int64(0); done < size; {
		n := min(int64(len(block)), size-done)
		if _, err := w.WriteAt(block[:n], off+done); err != nil {
			return err
		}
		done += n
	}
	return nil
}
