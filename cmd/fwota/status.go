// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	var format string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the running and boot partitions and the result of the last update attempt",
		Run: func(cmd *cobra.Command, args []string) {
			checkFormat(format)
			doStatus(cmd, format)
		},
		Args: cobra.NoArgs,
	}
	addFormatFlag(cmd, &format)
	rootCmd.AddCommand(cmd)
}

func doStatus(cmd *cobra.Command, format string) {
	e := newEngine()
	st, err := e.Status(cmd.Context())
	DieNotNil(err, "Failed to get status information")
	if format == formatJson {
		printJson(st)
		return
	}

	fmt.Printf("Running partition:  %s\n", st.Running.Label)
	fmt.Printf("Boot partition:     %s", st.Boot.Label)
	if st.RebootPending() {
		fmt.Print(" (restart pending)")
	}
	fmt.Println()
	if st.NextTarget != nil {
		fmt.Printf("Next OTA partition: %s\n", st.NextTarget.Label)
	} else {
		fmt.Println("Next OTA partition: none")
	}
	if a := st.LastAttempt; a != nil {
		fmt.Printf("Last update:        %s %s\n", a.ID, a.State)
		fmt.Printf("    URL:            %s\n", a.URL)
		fmt.Printf("    Started:        %s\n", a.StartedAt.Format(time.RFC3339))
		fmt.Printf("    Written:        %d bytes to %s\n", a.Written, a.Target)
		if a.Error != "" {
			fmt.Printf("    Error:          %s\n", a.Error)
		}
	} else {
		fmt.Println("Last update:        none")
	}
}
