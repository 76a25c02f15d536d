// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/foundriesio/fwota/pkg/api"
	"github.com/foundriesio/fwota/pkg/ota"
)

type updateOptions struct {
	sha256    string
	noRestart bool
	quiet     bool
}

func init() {
	opts := updateOptions{}
	cmd := &cobra.Command{
		Use:   "update [<url>]",
		Short: "Download a firmware image into the next OTA partition and boot it after a restart",
		Long: `Download a firmware image into the next OTA partition and select it for the
next boot. The image is taken from the given URL or from ota.firmware_url.
On success the device is restarted after ota.restart_delay_seconds.`,
		Run: func(cmd *cobra.Command, args []string) {
			url := ""
			if len(args) > 0 {
				url = args[0]
			}
			doUpdate(cmd, url, &opts)
		},
		Args: cobra.RangeArgs(0, 1),
	}
	cmd.Flags().StringVar(&opts.sha256, "sha256", "", "Expected SHA-256 digest of the image, as hex")
	cmd.Flags().BoolVar(&opts.noRestart, "no-restart", false, "Do not restart after a successful update")
	cmd.Flags().BoolVarP(&opts.quiet, "quiet", "q", false, "Do not render download progress")
	rootCmd.AddCommand(cmd)
}

func doUpdate(cmd *cobra.Command, url string, opts *updateOptions) {
	var engineOpts []api.EngineOpt
	if !opts.quiet {
		engineOpts = append(engineOpts, api.WithProgressHandler(newProgressRenderer()))
	}
	if opts.noRestart {
		engineOpts = append(engineOpts, api.WithRestarter(ota.RestarterFunc(func() error { return nil })))
	}
	e := newEngine(engineOpts...)

	state, err := e.Update(cmd.Context(), url, opts.sha256)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		DieNotNilWithCode(err, exitCodeFor(state, err), "Update failed:")
	}
	boot, err := e.Flash().Boot()
	DieNotNil(err)
	fmt.Printf("Firmware written to %s; it boots on the next restart\n", boot.Label)

	if opts.noRestart {
		return
	}
	sched := e.RestartScheduler()
	fmt.Printf("Restarting in %s\n", config.GetRestartDelay())
	<-sched.Done()
	DieNotNil(sched.Err(), "Restart failed:")
}

// newProgressRenderer returns a handler drawing a byte progress bar. The
// total is only known once the server has answered, so the bar is created
// on the first chunk.
func newProgressRenderer() ota.ProgressHandler {
	var bar *progressbar.ProgressBar
	return func(written, expected int64) {
		if bar == nil {
			bar = progressbar.DefaultBytes(expected, "downloading")
		}
		if err := bar.Set64(min(written, expected)); err != nil {
			log.Debug().Msgf("Error setting progress bar: %s", err.Error())
		}
	}
}
