// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package partition

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	ini "gopkg.in/ini.v1"
)

const (
	// DefaultSlotSize is the size of each OTA slot in the default layout.
	DefaultSlotSize = 1536 * 1024
)

// DefaultTable is a two slot layout with room for 1536 KiB images.
func DefaultTable() Table {
	return Table{
		{Label: "nvs", Type: TypeData, Subtype: "nvs", Offset: 0x9000, Size: 0x4000},
		{Label: "otadata", Type: TypeData, Subtype: SubtypeOTAData, Offset: 0xd000, Size: 0x2000},
		{Label: "phy_init", Type: TypeData, Subtype: "phy", Offset: 0xf000, Size: 0x1000},
		{Label: "ota_0", Type: TypeApp, Subtype: "ota_0", Offset: 0x10000, Size: DefaultSlotSize},
		{Label: "ota_1", Type: TypeApp, Subtype: "ota_1", Offset: 0x10000 + DefaultSlotSize, Size: DefaultSlotSize},
	}
}

// LoadTable reads a partition layout from an INI file, one section per
// partition:
//
//	[ota_0]
//	type    = app
//	subtype = ota_0
//	offset  = 0x10000
//	size    = 1536K
func LoadTable(path string) (Table, error) {
	cfg, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load partition table %s: %w", path, err)
	}
	var t Table
	for _, sec := range cfg.Sections() {
		if sec.Name() == ini.DefaultSection && len(sec.Keys()) == 0 {
			continue
		}
		d := Descriptor{
			Label:   sec.Name(),
			Type:    Type(strings.TrimSpace(sec.Key("type").String())),
			Subtype: strings.TrimSpace(sec.Key("subtype").String()),
		}
		if d.Offset, err = parseSize(sec.Key("offset").String()); err != nil {
			return nil, fmt.Errorf("partition %q: invalid offset: %w", d.Label, err)
		}
		if d.Size, err = parseSize(sec.Key("size").String()); err != nil {
			return nil, fmt.Errorf("partition %q: invalid size: %w", d.Label, err)
		}
		t = append(t, d)
	}
	sort.Slice(t, func(i, j int) bool { return t[i].Offset < t[j].Offset })
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("invalid partition table %s: %w", path, err)
	}
	return t, nil
}

// parseSize accepts decimal, 0x-prefixed hex and K/M suffixed values.
func parseSize(s string) (uint32, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("value is empty")
	}
	mult := uint64(1)
	switch s[len(s)-1] {
	case 'K', 'k':
		mult = 1024
		s = s[:len(s)-1]
	case 'M', 'm':
		mult = 1024 * 1024
		s = s[:len(s)-1]
	}
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, err
	}
	v *= mult
	if v > 1<<32-1 {
		return 0, fmt.Errorf("value %d does not fit in 32 bits", v)
	}
	return uint32(v), nil
}
