// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/foundriesio/fwota/pkg/partition"
)

type partitionInfo struct {
	partition.Descriptor
	Running bool `json:"running"`
	Boot    bool `json:"boot"`
	Valid   bool `json:"valid"`
}

func init() {
	var format string
	cmd := &cobra.Command{
		Use:   "partitions",
		Short: "List the partition table of the flash image",
		Run: func(cmd *cobra.Command, args []string) {
			checkFormat(format)
			doPartitions(format)
		},
		Args: cobra.NoArgs,
	}
	addFormatFlag(cmd, &format)
	rootCmd.AddCommand(cmd)
}

func doPartitions(format string) {
	fl := newEngine().Flash()
	boot, err := fl.Boot()
	DieNotNil(err, "Failed to read boot selection")

	var infos []partitionInfo
	for _, d := range fl.Table() {
		infos = append(infos, partitionInfo{
			Descriptor: d,
			Running:    d.Label == fl.Running().Label,
			Boot:       d.Label == boot.Label,
			Valid:      d.IsApp() && fl.Verify(d) == nil,
		})
	}
	if format == formatJson {
		printJson(infos)
		return
	}

	fmt.Printf("%-12s %-5s %-8s %-10s %-10s %s\n", "LABEL", "TYPE", "SUBTYPE", "OFFSET", "SIZE", "FLAGS")
	for _, p := range infos {
		flags := ""
		if p.Running {
			flags += "running "
		}
		if p.Boot {
			flags += "boot "
		}
		if p.IsApp() && !p.Valid {
			flags += "empty"
		}
		fmt.Printf("%-12s %-5s %-8s 0x%08x %-10d %s\n", p.Label, p.Type, p.Subtype, p.Offset, p.Size, flags)
	}
}
