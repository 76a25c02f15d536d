// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/foundriesio/fwota/pkg/ota"
)

type switchOptions struct {
	restart bool
}

func init() {
	opts := switchOptions{}
	cmd := &cobra.Command{
		Use:   "switch [<partition>]",
		Short: "Select a partition for the next boot without downloading anything",
		Long: `Select a partition for the next boot. Without an argument the OTA partition
following the running one is selected, which rolls back to the previous
firmware on a two slot layout. The partition must hold a valid image.`,
		Run: func(cmd *cobra.Command, args []string) {
			label := ""
			if len(args) > 0 {
				label = args[0]
			}
			doSwitch(label, &opts)
		},
		Args: cobra.RangeArgs(0, 1),
	}
	cmd.Flags().BoolVar(&opts.restart, "restart", false, "Restart after ota.restart_delay_seconds once the partition is selected")
	rootCmd.AddCommand(cmd)
}

func doSwitch(label string, opts *switchOptions) {
	e := newEngine()
	p, err := e.SwitchBoot(label)
	if errors.Is(err, ota.ErrAttemptInProgress) {
		DieNotNilWithCode(err, exitBusy)
	}
	DieNotNil(err, "Failed to switch boot partition:")
	fmt.Printf("Partition %s selected for the next boot\n", p.Label)

	if opts.restart {
		sched := e.RestartScheduler()
		fmt.Printf("Restarting in %s\n", config.GetRestartDelay())
		sched.Schedule()
		<-sched.Done()
		DieNotNil(sched.Err(), "Restart failed:")
	}
}
