// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

// Package partition manages the firmware partitions of a flash device: which
// image is running, which slot receives the next update, sequential writes into
// that slot and the persistent boot selection.
package partition

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

type (
	Type string

	// Descriptor identifies a contiguous flash region.
	Descriptor struct {
		Label   string `json:"label"`
		Type    Type   `json:"type"`
		Subtype string `json:"subtype"`
		Offset  uint32 `json:"offset"`
		Size    uint32 `json:"size"`
	}

	// Table is a partition layout ordered by offset.
	Table []Descriptor
)

const (
	TypeApp  Type = "app"
	TypeData Type = "data"

	SubtypeFactory = "factory"
	SubtypeOTAData = "ota"
	subtypeOTASlot = "ota_"
	MaxOTASlots    = 16
)

func (d Descriptor) IsApp() bool {
	return d.Type == TypeApp
}

func (d Descriptor) IsFactory() bool {
	return d.Type == TypeApp && d.Subtype == SubtypeFactory
}

// OTASlot returns the slot number of an ota_N application partition.
func (d Descriptor) OTASlot() (int, bool) {
	if d.Type != TypeApp || !strings.HasPrefix(d.Subtype, subtypeOTASlot) {
		return -1, false
	}
	n, err := strconv.Atoi(strings.TrimPrefix(d.Subtype, subtypeOTASlot))
	if err != nil || n < 0 || n >= MaxOTASlots {
		return -1, false
	}
	return n, true
}

func (d Descriptor) End() uint64 {
	return uint64(d.Offset) + uint64(d.Size)
}

func (d Descriptor) String() string {
	return fmt.Sprintf("%s (%s/%s at 0x%08x, %d bytes)", d.Label, d.Type, d.Subtype, d.Offset, d.Size)
}

func (t Table) Find(label string) (Descriptor, bool) {
	for _, d := range t {
		if d.Label == label {
			return d, true
		}
	}
	return Descriptor{}, false
}

// OTASlots returns the ota_N application partitions ordered by slot number.
func (t Table) OTASlots() []Descriptor {
	var slots []Descriptor
	for _, d := range t {
		if _, ok := d.OTASlot(); ok {
			slots = append(slots, d)
		}
	}
	sort.Slice(slots, func(i, j int) bool {
		a, _ := slots[i].OTASlot()
		b, _ := slots[j].OTASlot()
		return a < b
	})
	return slots
}

func (t Table) Factory() (Descriptor, bool) {
	for _, d := range t {
		if d.IsFactory() {
			return d, true
		}
	}
	return Descriptor{}, false
}

func (t Table) OTAData() (Descriptor, bool) {
	for _, d := range t {
		if d.Type == TypeData && d.Subtype == SubtypeOTAData {
			return d, true
		}
	}
	return Descriptor{}, false
}

// Size is the number of bytes of flash the table spans.
func (t Table) Size() int64 {
	var end uint64
	for _, d := range t {
		if d.End() > end {
			end = d.End()
		}
	}
	return int64(end)
}

func (t Table) Validate() error {
	if len(t) == 0 {
		return fmt.Errorf("partition table is empty")
	}
	labels := map[string]bool{}
	slots := map[int]bool{}
	factories := 0
	apps := 0
	sorted := make(Table, len(t))
	copy(sorted, t)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Offset < sorted[j].Offset })

	for i, d := range sorted {
		if d.Label == "" {
			return fmt.Errorf("partition at 0x%08x has no label", d.Offset)
		}
		if labels[d.Label] {
			return fmt.Errorf("duplicate partition label %q", d.Label)
		}
		labels[d.Label] = true
		if d.Size == 0 {
			return fmt.Errorf("partition %q has zero size", d.Label)
		}
		if d.End() > 1<<32 {
			return fmt.Errorf("partition %q exceeds the 4 GiB address space", d.Label)
		}
		if i > 0 && uint64(d.Offset) < sorted[i-1].End() {
			return fmt.Errorf("partition %q overlaps %q", d.Label, sorted[i-1].Label)
		}
		switch d.Type {
		case TypeApp:
			apps++
			if d.IsFactory() {
				factories++
				continue
			}
			n, ok := d.OTASlot()
			if !ok {
				return fmt.Errorf("application partition %q has unsupported subtype %q", d.Label, d.Subtype)
			}
			if slots[n] {
				return fmt.Errorf("OTA slot %d is defined more than once", n)
			}
			slots[n] = true
		case TypeData:
		default:
			return fmt.Errorf("partition %q has unknown type %q", d.Label, d.Type)
		}
	}
	if apps == 0 {
		return fmt.Errorf("partition table has no application partition")
	}
	if factories > 1 {
		return fmt.Errorf("partition table has %d factory partitions", factories)
	}
	if len(slots) > 0 {
		otadata, ok := t.OTAData()
		if !ok {
			return fmt.Errorf("partition table has OTA slots but no %q data partition", SubtypeOTAData)
		}
		if otadata.Size < 2*OTADataSectorSize {
			return fmt.Errorf("otadata partition %q must be at least %d bytes", otadata.Label, 2*OTADataSectorSize)
		}
	}
	return nil
}
