// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package ota

import (
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"time"
)

const DefaultRestartDelay = 10 * time.Second

var DefaultRestartCommand = []string{"systemctl", "reboot"}

type (
	Restarter interface {
		Restart() error
	}

	RestarterFunc func() error

	// CommandRestarter restarts the system by running an external command.
	CommandRestarter struct {
		Command []string
	}

	// RestartScheduler runs a Restarter once, a fixed delay after Schedule is
	// first called. Later calls to Schedule are no-ops.
	RestartScheduler struct {
		delay     time.Duration
		restarter Restarter

		once  sync.Once
		mu    sync.Mutex
		timer *time.Timer
		err   error
		done  chan struct{}
	}
)

func (f RestarterFunc) Restart() error {
	return f()
}

func (r CommandRestarter) Restart() error {
	cmd := r.Command
	if len(cmd) == 0 {
		cmd = DefaultRestartCommand
	}
	out, err := exec.Command(cmd[0], cmd[1:]...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("restart command %q failed: %w: %s", cmd, err, out)
	}
	return nil
}

func NewRestartScheduler(delay time.Duration, restarter Restarter) *RestartScheduler {
	if delay < 0 {
		delay = 0
	}
	return &RestartScheduler{
		delay:     delay,
		restarter: restarter,
		done:      make(chan struct{}),
	}
}

// Schedule arms the restart. It returns immediately.
func (s *RestartScheduler) Schedule() {
	s.once.Do(func() {
		slog.Info("restart scheduled", "delay", s.delay)
		s.mu.Lock()
		s.timer = time.AfterFunc(s.delay, s.run)
		s.mu.Unlock()
	})
}

// Scheduled reports whether Schedule has been called.
func (s *RestartScheduler) Scheduled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer != nil
}

// Cancel stops a restart that has not fired yet. It returns false if the
// restart was never scheduled or has already run.
func (s *RestartScheduler) Cancel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer == nil || !s.timer.Stop() {
		return false
	}
	s.err = errors.New("restart cancelled")
	close(s.done)
	return true
}

// Done is closed once the restarter has run or the restart was cancelled.
func (s *RestartScheduler) Done() <-chan struct{} {
	return s.done
}

// Err returns the result of the restarter once Done is closed.
func (s *RestartScheduler) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *RestartScheduler) run() {
	slog.Info("restarting system")
	err := s.restarter.Restart()
	if err != nil {
		slog.Error("restart failed", "error", err)
	}
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	close(s.done)
}
