// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

type historyOptions struct {
	format string
	limit  int
}

func init() {
	opts := historyOptions{}
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List past update attempts, newest first",
		Run: func(cmd *cobra.Command, args []string) {
			checkFormat(opts.format)
			doHistory(&opts)
		},
		Args: cobra.NoArgs,
	}
	addFormatFlag(cmd, &opts.format)
	cmd.Flags().IntVarP(&opts.limit, "limit", "n", 20, "Maximum number of attempts to show, 0 for all")
	rootCmd.AddCommand(cmd)
}

func doHistory(opts *historyOptions) {
	records, err := newEngine().History(opts.limit)
	DieNotNil(err, "Failed to read update history")
	if opts.format == formatJson {
		printJson(records)
		return
	}
	for _, r := range records {
		fmt.Printf("%s  %-16s %s -> %-6s %10d bytes  %s\n",
			r.StartedAt.Format(time.DateTime), r.State, r.Running, r.Target, r.Written, r.URL)
		if r.Error != "" {
			fmt.Printf("    %s\n", r.Error)
		}
	}
}
