// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package main

import (
	"log/slog"
	"os"

	"github.com/foundriesio/fioconfig/sotatoml"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	cfg "github.com/foundriesio/fwota/pkg/config"
)

var (
	verbose     bool
	configPaths []string
	config      *cfg.Config

	rootCmd = &cobra.Command{
		Use:   "fwota",
		Short: "Download firmware images into A/B flash partitions and switch the boot partition",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
				slog.SetLogLoggerLevel(slog.LevelDebug)
			} else {
				zerolog.SetGlobalLevel(zerolog.InfoLevel)
				slog.SetLogLoggerLevel(slog.LevelInfo)
			}

			fd := os.Stderr.Fd()
			noColor := !isatty.IsTerminal(fd) && !isatty.IsCygwinTerminal(fd)
			log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, NoColor: noColor})

			var err error
			config, err = cfg.NewConfig(configPaths)
			cobra.CheckErr(err)
		},
	}
)

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose debug logging")
	rootCmd.PersistentFlags().StringSliceVarP(&configPaths, "cfg-dirs", "c",
		sotatoml.DEF_CONFIG_ORDER, "A comma-separated list of paths to search for .toml configuration files")
}
