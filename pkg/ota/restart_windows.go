// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

//go:build windows

package ota

import "errors"

type ExecRestarter struct {
	Args []string
}

func (r ExecRestarter) Restart() error {
	return errors.New("re-exec restart is not supported on windows")
}
