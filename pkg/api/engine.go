// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/foundriesio/fwota/internal/attempts"
	"github.com/foundriesio/fwota/internal/db"
	"github.com/foundriesio/fwota/internal/events"
	"github.com/foundriesio/fwota/pkg/client"
	"github.com/foundriesio/fwota/pkg/config"
	"github.com/foundriesio/fwota/pkg/ota"
	"github.com/foundriesio/fwota/pkg/partition"
	"github.com/foundriesio/fwota/pkg/progress"
	"github.com/foundriesio/fwota/pkg/status"
)

type (
	// Engine ties the update engine to its configuration, persistent state and
	// collaborators. It implements status.Engine.
	Engine struct {
		cfg        *config.Config
		opts       *EngineOpts
		flash      *partition.Flash
		httpClient *http.Client
		updater    *ota.Updater
		restart    *ota.RestartScheduler

		busy atomic.Bool
		wg   sync.WaitGroup
	}
	EngineOpts struct {
		Version          string
		HttpClient       *http.Client
		Restarter        ota.Restarter
		ProgressHandler  ota.ProgressHandler
		PostStateHandler ota.StateHandler
	}
	EngineOpt func(*EngineOpts)
)

func WithVersion(version string) EngineOpt {
	return func(o *EngineOpts) {
		o.Version = version
	}
}

// WithHttpClient overrides the client built from the configuration.
func WithHttpClient(c *http.Client) EngineOpt {
	return func(o *EngineOpts) {
		o.HttpClient = c
	}
}

// WithRestarter overrides the ota.restart_command based restarter.
func WithRestarter(r ota.Restarter) EngineOpt {
	return func(o *EngineOpts) {
		o.Restarter = r
	}
}

func WithProgressHandler(h ota.ProgressHandler) EngineOpt {
	return func(o *EngineOpts) {
		o.ProgressHandler = h
	}
}

// WithPostStateHandler registers h to be called after an attempt state has
// been recorded.
func WithPostStateHandler(h ota.StateHandler) EngineOpt {
	return func(o *EngineOpts) {
		o.PostStateHandler = h
	}
}

func NewEngine(cfg *config.Config, options ...EngineOpt) (*Engine, error) {
	opts := &EngineOpts{Version: "dev"}
	for _, o := range options {
		o(opts)
	}
	if err := db.InitializeDatabase(cfg.GetDBPath()); err != nil {
		return nil, err
	}
	table, err := cfg.GetPartitionTable()
	if err != nil {
		return nil, fmt.Errorf("failed to load partition table: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.GetFlashImage()), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create flash image directory: %w", err)
	}
	flash, err := partition.OpenFlash(cfg.GetFlashImage(), table)
	if err != nil {
		return nil, err
	}

	httpClient := opts.HttpClient
	if httpClient == nil {
		if httpClient, err = cfg.HttpClient(); err != nil {
			return nil, err
		}
	}
	fwClient := client.NewFirmwareClient(httpClient, opts.Version)
	fwClient.BufferSize = cfg.GetChunkSize()

	restarter := opts.Restarter
	if restarter == nil {
		restarter = ota.CommandRestarter{Command: cfg.GetRestartCommand()}
	}
	e := &Engine{
		cfg:        cfg,
		opts:       opts,
		flash:      flash,
		httpClient: httpClient,
		restart:    ota.NewRestartScheduler(cfg.GetRestartDelay(), restarter),
	}
	rec := &recorder{
		dbPath:     cfg.GetDBPath(),
		withEvents: cfg.GetEventsURL() != "",
		post:       opts.PostStateHandler,
	}
	e.updater = ota.NewUpdater(ota.ManageFlash(flash), fwClient, nil,
		ota.WithUnknownLengthCapacity(cfg.GetUnknownLengthCapacity()),
		ota.WithProgressHandler(opts.ProgressHandler),
		ota.WithStateHandler(rec.handle),
		ota.WithRestartScheduler(e.restart),
	)
	slog.Debug("update engine ready", "flash", cfg.GetFlashImage(), "running", flash.Running().Label)
	return e, nil
}

func (e *Engine) Flash() *partition.Flash {
	return e.flash
}

func (e *Engine) RestartScheduler() *ota.RestartScheduler {
	return e.restart
}

func (e *Engine) Progress() int32 {
	return e.updater.Progress().Get()
}

// Update runs one attempt to completion. An empty url means the configured
// firmware URL.
func (e *Engine) Update(ctx context.Context, url string, sha256 string) (ota.State, error) {
	if url == "" {
		url = e.cfg.GetFirmwareURL()
	}
	if sha256 == "" && e.cfg.GetRequireSHA256() {
		return ota.NotStarted, fmt.Errorf("%w: an image digest is required by %s", status.ErrInvalidRequest, config.RequireSHA256Key)
	}
	var opts []ota.AttemptOption
	if sha256 != "" {
		opts = append(opts, ota.WithExpectedSHA256(sha256))
	}
	state, err := e.updater.Update(ctx, url, opts...)
	e.flushEvents()
	return state, err
}

// StartUpdate runs an attempt on a background goroutine. It fails with
// ota.ErrAttemptInProgress if one is already running.
func (e *Engine) StartUpdate(req status.UpdateRequest) error {
	if req.SHA256 == "" && e.cfg.GetRequireSHA256() {
		return fmt.Errorf("%w: an image digest is required by %s", status.ErrInvalidRequest, config.RequireSHA256Key)
	}
	if !e.busy.CompareAndSwap(false, true) {
		return ota.ErrAttemptInProgress
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.busy.Store(false)
		if _, err := e.Update(context.Background(), req.URL, req.SHA256); err != nil {
			slog.Error("background update failed", "error", err)
		}
	}()
	return nil
}

// Wait blocks until all attempts started by StartUpdate have finished.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// SwitchBoot selects the partition with the given label for the next boot.
// An empty label selects the next OTA slot after the running partition.
func (e *Engine) SwitchBoot(label string) (partition.Descriptor, error) {
	var p partition.Descriptor
	if label == "" {
		var err error
		if p, err = e.flash.NextTarget(); err != nil {
			return p, err
		}
	} else {
		var ok bool
		if p, ok = e.flash.Table().Find(label); !ok {
			return p, fmt.Errorf("%w %q", status.ErrUnknownPartition, label)
		}
	}
	err := e.updater.SwitchBootTarget(p)
	if e.cfg.GetEventsURL() != "" {
		details := ""
		if err != nil {
			details = err.Error()
		}
		evt := events.NewEvent(events.BootTargetSwitched, attempts.NewID(), events.BoolPointer(err == nil), p.Label, "", 0, details)
		if saveErr := events.SaveEvent(e.cfg.GetDBPath(), evt); saveErr != nil {
			slog.Error("failed to queue event", "error", saveErr)
		}
		e.flushEvents()
	}
	return p, err
}

func (e *Engine) Status(ctx context.Context) (*status.Status, error) {
	boot, err := e.flash.Boot()
	if err != nil {
		return nil, fmt.Errorf("failed to read boot selection: %w", err)
	}
	v := e.Progress()
	st := &status.Status{
		Progress:     v,
		ProgressText: progress.String(v),
		Running:      e.flash.Running(),
		Boot:         boot,
	}
	if next, err := e.flash.NextTarget(); err == nil {
		st.NextTarget = &next
	}
	if st.LastAttempt, err = attempts.LastAttempt(e.cfg.GetDBPath()); err != nil {
		return nil, fmt.Errorf("failed to read attempt history: %w", err)
	}
	return st, nil
}

// History returns up to limit recorded attempts, newest first.
func (e *Engine) History(limit int) ([]attempts.Record, error) {
	return attempts.ListAttempts(e.cfg.GetDBPath(), limit)
}

// FlushEvents sends queued events to ota.events_url, if one is configured.
func (e *Engine) FlushEvents() error {
	url := e.cfg.GetEventsURL()
	if url == "" {
		return nil
	}
	return events.FlushEvents(e.cfg.GetDBPath(), e.httpClient, url)
}

func (e *Engine) flushEvents() {
	if err := e.FlushEvents(); err != nil {
		slog.Warn("failed to flush events; they stay queued", "error", err)
	}
}
