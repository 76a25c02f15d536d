// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

// Package progress holds the single progress value of the firmware update
// engine. The engine is the only writer; status reporters read it at any time.
package progress

import (
	"strconv"
	"sync/atomic"
)

const (
	NotStarted      int32 = -1
	FlashError      int32 = -2
	ConnectionError int32 = -3
	FinishedSuccess int32 = 101
)

type Cell struct {
	v atomic.Int32
}

// NewCell returns a cell holding NotStarted.
func NewCell() *Cell {
	c := &Cell{}
	c.v.Store(NotStarted)
	return c
}

// Get returns the current value. It never blocks and is safe to call before
// any update attempt has been made.
func (c *Cell) Get() int32 {
	return c.v.Load()
}

// Reset starts a new attempt: any previous value, terminal or not, is dropped.
func (c *Cell) Reset() {
	c.v.Store(NotStarted)
}

// SetPercent publishes the percent of expected bytes written so far. Values are
// clamped to 0..100, never move backwards within an attempt, and are ignored
// once a terminal value has been set.
func (c *Cell) SetPercent(percent int) {
	if percent < 0 {
		percent = 0
	} else if percent > 100 {
		percent = 100
	}
	for {
		cur := c.v.Load()
		if IsTerminal(cur) || (cur >= 0 && int32(percent) <= cur) {
			return
		}
		if c.v.CompareAndSwap(cur, int32(percent)) {
			return
		}
	}
}

// Finish sets a terminal value unless one is already set.
func (c *Cell) Finish(terminal int32) bool {
	if !IsTerminal(terminal) {
		return false
	}
	for {
		cur := c.v.Load()
		if IsTerminal(cur) {
			return false
		}
		if c.v.CompareAndSwap(cur, terminal) {
			return true
		}
	}
}

func IsTerminal(v int32) bool {
	return v == FlashError || v == ConnectionError || v == FinishedSuccess
}

// String renders a value for humans.
func String(v int32) string {
	switch v {
	case NotStarted:
		return "not started"
	case FlashError:
		return "flash error"
	case ConnectionError:
		return "connection error"
	case FinishedSuccess:
		return "finished"
	}
	if v >= 0 && v <= 100 {
		return strconv.Itoa(int(v)) + "%"
	}
	return "unknown"
}
