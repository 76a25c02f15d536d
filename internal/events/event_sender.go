// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package events

import (
	"fmt"
	"net/http"
	"time"

	"github.com/foundriesio/fioconfig/transport"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type EventTypeValue string

const (
	DownloadStarted       EventTypeValue = "OtaDownloadStarted"
	DownloadCompleted     EventTypeValue = "OtaDownloadCompleted"
	InstallationCompleted EventTypeValue = "OtaInstallationCompleted"
	BootTargetSwitched    EventTypeValue = "OtaBootTargetSwitched"
)

type OtaEvent struct {
	CorrelationId string `json:"correlationId"`
	Success       *bool  `json:"success"`
	Partition     string `json:"partition"`
	Url           string `json:"url,omitempty"`
	Bytes         int64  `json:"bytes"`
	Details       string `json:"details,omitempty"`
}
type OtaEventType struct {
	Id      EventTypeValue `json:"id"`
	Version int            `json:"version"`
}
type OtaUpdateEvent struct {
	Id         string       `json:"id"`
	DeviceTime string       `json:"deviceTime"`
	Event      OtaEvent     `json:"event"`
	EventType  OtaEventType `json:"eventType"`
}

func BoolPointer(b bool) *bool {
	return &b
}

// NewEvent builds an event. correlationId ties together the events of one
// update attempt; success is nil for events that have no outcome yet.
func NewEvent(eventType EventTypeValue, correlationId string, success *bool, partition string, url string, bytes int64, details string) *OtaUpdateEvent {
	return &OtaUpdateEvent{
		Id:         uuid.New().String(),
		DeviceTime: time.Now().UTC().Format(time.RFC3339),
		Event: OtaEvent{
			CorrelationId: correlationId,
			Success:       success,
			Partition:     partition,
			Url:           url,
			Bytes:         bytes,
			Details:       details,
		},
		EventType: OtaEventType{
			Id:      eventType,
			Version: 0,
		},
	}
}

func SendEvents(client *http.Client, url string, evts []OtaUpdateEvent) error {
	res, err := transport.HttpPost(client, url, evts)
	if err != nil {
		return fmt.Errorf("unable to send events: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode > 204 {
		return fmt.Errorf("server could not process events: HTTP_%d - %s", res.StatusCode, res.String())
	}
	return nil
}

// FlushEvents sends every queued event in one request and removes them from
// the queue once the server has accepted them.
func FlushEvents(dbFilePath string, client *http.Client, url string) error {
	evts, maxId, err := GetEvents(dbFilePath)
	if err != nil {
		return fmt.Errorf("error getting events: %w", err)
	}
	if len(evts) == 0 {
		log.Debug().Msg("No events to send")
		return nil
	}

	log.Debug().Msgf("Flushing %d events to %s", len(evts), url)
	if err := SendEvents(client, url, evts); err != nil {
		return fmt.Errorf("error sending events: %w", err)
	}
	if err := DeleteEvents(dbFilePath, maxId); err != nil {
		return fmt.Errorf("error deleting events: %w", err)
	}
	return nil
}
