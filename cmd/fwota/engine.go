// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package main

import (
	"os"

	"github.com/foundriesio/fwota/pkg/api"
	"github.com/foundriesio/fwota/pkg/ota"
)

// execRestartCommand as ota.restart_command re-executes fwota instead of
// rebooting the machine.
const execRestartCommand = "exec"

func newEngine(options ...api.EngineOpt) *api.Engine {
	var restarter ota.Restarter
	if cmd := config.GetRestartCommand(); cmd[0] == execRestartCommand {
		restarter = ota.ExecRestarter{Args: os.Args[1:]}
	} else {
		restarter = ota.CommandRestarter{Command: cmd}
	}
	options = append([]api.EngineOpt{
		api.WithVersion(Commit),
		api.WithRestarter(restarter),
	}, options...)
	e, err := api.NewEngine(config, options...)
	DieNotNil(err, "Failed to initialize the update engine")
	return e
}
