// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package partition

import (
	"encoding/binary"
	"hash/crc32"
	"io"

	"github.com/pkg/errors"
)

// The boot selection lives in the otadata partition: two entries, one at the
// start of each of its first two sectors. The valid entry with the highest
// sequence number selects slot (seq-1) mod number-of-slots. A new selection is
// always written over the entry that is not currently active, so a torn write
// leaves the previous selection in place.
const (
	OTADataSectorSize = 0x1000

	otaEntrySize      = 32
	otaLabelSize      = 20
	otaStateUndefined = 0xFFFFFFFF
	otaSeqErased      = 0xFFFFFFFF
)

type otaEntry struct {
	Seq   uint32
	Label [otaLabelSize]byte
	State uint32
	CRC   uint32
}

func newOTAEntry(seq uint32, label string) otaEntry {
	e := otaEntry{Seq: seq, State: otaStateUndefined, CRC: seqCRC(seq)}
	copy(e.Label[:], label)
	return e
}

func seqCRC(seq uint32) uint32 {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], seq)
	return crc32.ChecksumIEEE(b[:])
}

func (e otaEntry) valid() bool {
	return e.Seq != 0 && e.Seq != otaSeqErased && e.CRC == seqCRC(e.Seq)
}

func (e otaEntry) marshal() []byte {
	b := make([]byte, otaEntrySize)
	binary.LittleEndian.PutUint32(b[0:], e.Seq)
	copy(b[4:4+otaLabelSize], e.Label[:])
	binary.LittleEndian.PutUint32(b[24:], e.State)
	binary.LittleEndian.PutUint32(b[28:], e.CRC)
	return b
}

func unmarshalOTAEntry(b []byte) otaEntry {
	var e otaEntry
	e.Seq = binary.LittleEndian.Uint32(b[0:])
	copy(e.Label[:], b[4:4+otaLabelSize])
	e.State = binary.LittleEndian.Uint32(b[24:])
	e.CRC = binary.LittleEndian.Uint32(b[28:])
	return e
}

func readOTAData(r io.ReaderAt, otadata Descriptor) ([2]otaEntry, error) {
	var entries [2]otaEntry
	buf := make([]byte, otaEntrySize)
	for i := range entries {
		off := int64(otadata.Offset) + int64(i)*OTADataSectorSize
		if _, err := r.ReadAt(buf, off); err != nil {
			return entries, errors.Wrapf(err, "failed to read otadata entry %d", i)
		}
		entries[i] = unmarshalOTAEntry(buf)
	}
	return entries, nil
}

func writeOTAEntry(w io.WriterAt, otadata Descriptor, idx int, e otaEntry) error {
	off := int64(otadata.Offset) + int64(idx)*OTADataSectorSize
	if err := eraseRange(w, off, OTADataSectorSize); err != nil {
		return errors.Wrapf(err, "failed to erase otadata sector %d", idx)
	}
	if _, err := w.WriteAt(e.marshal(), off); err != nil {
		return errors.Wrapf(err, "failed to write otadata entry %d", idx)
	}
	return nil
}

// activeEntry returns the index of the valid entry with the highest sequence.
func activeEntry(entries [2]otaEntry) (int, bool) {
	idx := -1
	for i, e := range entries {
		if !e.valid() {
			continue
		}
		if idx < 0 || e.Seq > entries[idx].Seq {
			idx = i
		}
	}
	return idx, idx >= 0
}

// nextSeq returns the smallest sequence number above cur that selects slot.
func nextSeq(cur uint32, slot, slots int) uint32 {
	if cur == 0 {
		return uint32(slot) + 1
	}
	n := uint32(slots)
	curSlot := (cur - 1) % n
	delta := (uint32(slot) + n - curSlot) % n
	if delta == 0 {
		delta = n
	}
	return cur + delta
}
