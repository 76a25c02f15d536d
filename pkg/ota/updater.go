// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package ota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/foundriesio/fwota/pkg/client"
	"github.com/foundriesio/fwota/pkg/partition"
	"github.com/foundriesio/fwota/pkg/progress"
)

var (
	ErrConnection        = errors.New("firmware download failed")
	ErrDigestMismatch    = errors.New("image digest mismatch")
	ErrAttemptInProgress = errors.New("an update attempt is already in progress")
)

type (
	// ImageWriter is a streaming write session into one partition.
	ImageWriter interface {
		Partition() partition.Descriptor
		Write(p []byte) (int, error)
		Finalize() error
		Abort() error
	}

	PartitionManager interface {
		Running() partition.Descriptor
		NextTarget() (partition.Descriptor, error)
		Open(target partition.Descriptor) (ImageWriter, error)
		SetBoot(p partition.Descriptor) error
	}

	// Fetcher streams the document at url into sink and returns the HTTP
	// status, or 0 when no response was received.
	Fetcher interface {
		Fetch(ctx context.Context, url string, sink client.Sink) (int, error)
	}

	ProgressHandler func(written, expected int64)
	StateHandler    func(a *Attempt)

	Options struct {
		UnknownLengthCapacity int64
		ProgressHandler       ProgressHandler
		StateHandler          StateHandler
		Restart               *RestartScheduler
	}
	Option func(*Options)

	AttemptOptions struct {
		ExpectedSHA256 string
	}
	AttemptOption func(*AttemptOptions)

	Updater struct {
		mgr     PartitionManager
		fetcher Fetcher
		cell    *progress.Cell
		opts    Options

		mu sync.Mutex

		lastMu sync.Mutex
		last   Attempt
	}
)

// WithUnknownLengthCapacity sets the total used for progress when the server
// does not declare a length. Zero means the size of the target partition.
func WithUnknownLengthCapacity(n int64) Option {
	return func(o *Options) {
		o.UnknownLengthCapacity = n
	}
}

func WithProgressHandler(h ProgressHandler) Option {
	return func(o *Options) {
		o.ProgressHandler = h
	}
}

// WithStateHandler registers h to be called on every state transition of an
// attempt, from the goroutine running the attempt.
func WithStateHandler(h StateHandler) Option {
	return func(o *Options) {
		o.StateHandler = h
	}
}

// WithRestartScheduler arms s after every successful attempt.
func WithRestartScheduler(s *RestartScheduler) Option {
	return func(o *Options) {
		o.Restart = s
	}
}

// WithExpectedSHA256 makes the attempt fail with FlashError, before the boot
// selection is touched, unless the downloaded image has this digest.
func WithExpectedSHA256(digest string) AttemptOption {
	return func(o *AttemptOptions) {
		o.ExpectedSHA256 = strings.ToLower(strings.TrimSpace(digest))
	}
}

// ManageFlash adapts a partition.Flash to a PartitionManager.
func ManageFlash(fl *partition.Flash) PartitionManager {
	return flashManager{fl}
}

type flashManager struct {
	*partition.Flash
}

func (m flashManager) Open(target partition.Descriptor) (ImageWriter, error) {
	w, err := m.Flash.Open(target)
	if err != nil {
		return nil, err
	}
	return w, nil
}

func NewUpdater(mgr PartitionManager, fetcher Fetcher, cell *progress.Cell, options ...Option) *Updater {
	if cell == nil {
		cell = progress.NewCell()
	}
	u := &Updater{
		mgr:     mgr,
		fetcher: fetcher,
		cell:    cell,
		last:    Attempt{State: NotStarted, DeclaredLength: -1},
	}
	for _, o := range options {
		o(&u.opts)
	}
	return u
}

func (u *Updater) Progress() *progress.Cell {
	return u.cell
}

// Last returns a copy of the most recent attempt.
func (u *Updater) Last() Attempt {
	u.lastMu.Lock()
	defer u.lastMu.Unlock()
	return u.last
}

// Update downloads the image at url into the next OTA partition and, only if
// the transfer and the image are good, selects that partition for the next
// boot and arms the restart scheduler. The returned state is always terminal
// unless the error is ErrAttemptInProgress.
func (u *Updater) Update(ctx context.Context, url string, options ...AttemptOption) (State, error) {
	if !u.mu.TryLock() {
		return NotStarted, ErrAttemptInProgress
	}
	defer u.mu.Unlock()

	var opts AttemptOptions
	for _, o := range options {
		o(&opts)
	}
	a := &attempt{
		u:      u,
		digest: opts.ExpectedSHA256,
		info:   Attempt{URL: url, SHA256: opts.ExpectedSHA256, DeclaredLength: -1},
	}
	u.cell.Reset()
	a.transition(NotStarted, nil)

	if url == "" {
		return a.finish(ConnectionError, fmt.Errorf("%w: no firmware URL configured", ErrConnection))
	}

	a.info.Running = u.mgr.Running()
	target, err := u.mgr.NextTarget()
	if err != nil {
		return a.finish(FlashError, err)
	}
	a.info.Target = target
	slog.Info("starting firmware update", "url", url, "running", a.info.Running.Label, "target", target.Label)

	w, err := u.mgr.Open(target)
	if err != nil {
		return a.finish(FlashError, lockedAsBusy(err))
	}
	a.s = newSession(w, u.cell, u.opts.ProgressHandler)
	a.info.Expected = a.s.expected
	u.cell.SetPercent(0)
	a.transition(InProgress, nil)

	status, err := u.fetcher.Fetch(ctx, url, a)
	a.info.StatusCode = status
	a.info.Written = a.s.written

	switch {
	case a.failState != "":
		a.abort()
		return a.finish(a.failState, a.failErr)
	case err != nil:
		a.abort()
		return a.finish(ConnectionError, fmt.Errorf("%w: %w", ErrConnection, err))
	case status != http.StatusOK:
		a.abort()
		return a.finish(ConnectionError, fmt.Errorf("%w: unexpected HTTP status %d", ErrConnection, status))
	}

	if a.digest != "" {
		if sum := a.s.sum(); sum != a.digest {
			a.abort()
			return a.finish(FlashError, fmt.Errorf("%w: %w: expected %s, got %s", partition.ErrFinalize, ErrDigestMismatch, a.digest, sum))
		}
	}
	if err := a.s.finalize(); err != nil {
		return a.finish(FlashError, err)
	}
	state, _ := a.finish(FinishedSuccess, nil)
	if u.opts.Restart != nil {
		u.opts.Restart.Schedule()
	}
	return state, nil
}

// SwitchBootTarget selects p for the next boot without downloading anything.
// The restart scheduler is not armed.
func (u *Updater) SwitchBootTarget(p partition.Descriptor) error {
	if !u.mu.TryLock() {
		return ErrAttemptInProgress
	}
	defer u.mu.Unlock()
	if err := u.mgr.SetBoot(p); err != nil {
		slog.Error("failed to switch boot partition", "partition", p.Label, "error", err)
		return lockedAsBusy(err)
	}
	slog.Info("boot partition switched", "partition", p.Label)
	return nil
}

// lockedAsBusy marks a flash held by another process as an attempt in
// progress.
func lockedAsBusy(err error) error {
	if errors.Is(err, partition.ErrLocked) {
		return fmt.Errorf("%w: %w", ErrAttemptInProgress, err)
	}
	return err
}

// attempt is the client.Sink of one Update call.
type attempt struct {
	u      *Updater
	s      *session
	digest string
	info   Attempt

	failState State
	failErr   error
}

func (a *attempt) OnReceiveBegin(statusCode int, hasLength bool, length int64) bool {
	a.info.StatusCode = statusCode
	if statusCode < 200 || statusCode > 299 {
		a.fail(ConnectionError, fmt.Errorf("%w: unexpected HTTP status %d", ErrConnection, statusCode))
		return false
	}
	if hasLength {
		a.info.DeclaredLength = length
	}
	a.s.setExpected(hasLength, length, a.u.opts.UnknownLengthCapacity)
	a.info.Expected = a.s.expected
	slog.Debug("receiving firmware", "declared_length", a.info.DeclaredLength, "expected", a.s.expected)
	return true
}

func (a *attempt) OnReceiveData(p []byte) bool {
	if a.failState != "" {
		return false
	}
	if err := a.s.write(p); err != nil {
		a.fail(FlashError, err)
		return false
	}
	return true
}

func (a *attempt) OnReceiveEnd() bool {
	slog.Debug("firmware transfer ended", "bytes", a.s.written)
	return a.failState == ""
}

// fail records the first failure of the transfer; later ones are ignored.
func (a *attempt) fail(state State, err error) {
	if a.failState != "" {
		return
	}
	a.failState, a.failErr = state, err
	a.u.cell.Finish(state.Sentinel())
}

func (a *attempt) abort() {
	if err := a.s.abort(); err != nil {
		slog.Warn("failed to close partition writer", "error", err)
	}
}

func (a *attempt) transition(state State, err error) {
	a.info.State, a.info.Err = state, err
	a.u.lastMu.Lock()
	a.u.last = a.info
	a.u.lastMu.Unlock()
	if a.u.opts.StateHandler != nil {
		info := a.info
		a.u.opts.StateHandler(&info)
	}
}

func (a *attempt) finish(state State, err error) (State, error) {
	if a.s != nil {
		a.info.Written = a.s.written
	}
	a.u.cell.Finish(state.Sentinel())
	if err != nil {
		slog.Error("firmware update failed", "state", state, "written", a.info.Written, "error", err)
	} else {
		slog.Info("firmware update finished", "target", a.info.Target.Label, "written", a.info.Written)
	}
	a.transition(state, err)
	return state, err
}
