// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const (
	formatText = "text"
	formatJson = "json"
)

func addFormatFlag(cmd *cobra.Command, format *string) {
	cmd.Flags().StringVar(format, "format", formatText, "Output format: text or json")
}

func checkFormat(format string) {
	if format != formatText && format != formatJson {
		DieNotNil(fmt.Errorf("unsupported output format %q", format))
	}
}

func printJson(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	DieNotNil(enc.Encode(v), "Failed to encode output:")
}
