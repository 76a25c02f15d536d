// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package api

import (
	"log/slog"
	"time"

	"github.com/foundriesio/fwota/internal/attempts"
	"github.com/foundriesio/fwota/internal/events"
	"github.com/foundriesio/fwota/pkg/ota"
)

// recorder persists attempt state transitions into the history table and the
// event queue. It is called from the goroutine running the attempt.
type recorder struct {
	dbPath     string
	withEvents bool
	post       ota.StateHandler
	current    *attempts.Record
}

func (r *recorder) handle(a *ota.Attempt) {
	if a.State == ota.NotStarted || r.current == nil {
		r.current = &attempts.Record{ID: attempts.NewID(), StartedAt: time.Now()}
	}
	rec := r.current
	rec.URL = a.URL
	rec.SHA256 = a.SHA256
	rec.Running = a.Running.Label
	rec.Target = a.Target.Label
	rec.DeclaredLength = a.DeclaredLength
	rec.Written = a.Written
	rec.StatusCode = a.StatusCode
	rec.State = string(a.State)
	if a.Err != nil {
		rec.Error = a.Err.Error()
		rec.Failure = string(ota.FailureOf(a.Err))
	}
	if a.State.Terminal() {
		rec.FinishedAt = time.Now()
	}
	if err := attempts.SaveAttempt(r.dbPath, rec); err != nil {
		slog.Error("failed to record attempt", "id", rec.ID, "error", err)
	}

	if r.withEvents {
		for _, evt := range r.eventsFor(a) {
			if err := events.SaveEvent(r.dbPath, evt); err != nil {
				slog.Error("failed to queue event", "type", evt.EventType.Id, "error", err)
			}
		}
	}
	if r.post != nil {
		r.post(a)
	}
}

func (r *recorder) eventsFor(a *ota.Attempt) []*events.OtaUpdateEvent {
	id := r.current.ID
	details := ""
	if a.Err != nil {
		details = a.Err.Error()
	}
	newEvent := func(t events.EventTypeValue, success *bool) *events.OtaUpdateEvent {
		return events.NewEvent(t, id, success, a.Target.Label, a.URL, a.Written, details)
	}
	switch a.State {
	case ota.InProgress:
		return []*events.OtaUpdateEvent{newEvent(events.DownloadStarted, nil)}
	case ota.ConnectionError:
		return []*events.OtaUpdateEvent{newEvent(events.DownloadCompleted, events.BoolPointer(false))}
	case ota.FlashError:
		return []*events.OtaUpdateEvent{newEvent(events.InstallationCompleted, events.BoolPointer(false))}
	case ota.FinishedSuccess:
		return []*events.OtaUpdateEvent{
			newEvent(events.DownloadCompleted, events.BoolPointer(true)),
			newEvent(events.InstallationCompleted, events.BoolPointer(true)),
		}
	}
	return nil
}
