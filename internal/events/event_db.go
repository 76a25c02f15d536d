// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package events

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// MaxQueuedEvents bounds the queue of a device that cannot reach the server.
// The oldest events are dropped first.
const MaxQueuedEvents = 512

func withDB(dbFilePath string, fn func(db *sql.DB) error) error {
	db, err := sql.Open("sqlite", dbFilePath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			log.Err(closeErr).Msgf("failed to close database")
		}
	}()
	return fn(db)
}

func CreateEventsTable(dbFilePath string) error {
	return withDB(dbFilePath, func(db *sql.DB) error {
		if _, err := db.Exec("CREATE TABLE IF NOT EXISTS ota_events(id INTEGER PRIMARY KEY, json_string TEXT NOT NULL);"); err != nil {
			return fmt.Errorf("failed to create ota_events table: %w", err)
		}
		return nil
	})
}

// SaveEvent queues event for the next flush.
func SaveEvent(dbFilePath string, event *OtaUpdateEvent) error {
	eventJSON, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event to JSON: %w", err)
	}
	return withDB(dbFilePath, func(db *sql.DB) error {
		if _, err := db.Exec("INSERT INTO ota_events (json_string) VALUES (?);", string(eventJSON)); err != nil {
			return fmt.Errorf("failed to insert event into ota_events: %w", err)
		}
		res, err := db.Exec("DELETE FROM ota_events WHERE id NOT IN (SELECT id FROM ota_events ORDER BY id DESC LIMIT ?);", MaxQueuedEvents)
		if err != nil {
			return fmt.Errorf("failed to trim ota_events: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			log.Warn().Msgf("Event queue is full, dropped %d oldest events", n)
		}
		return nil
	})
}

// DeleteEvents removes every queued event up to and including maxId.
func DeleteEvents(dbFilePath string, maxId int) error {
	return withDB(dbFilePath, func(db *sql.DB) error {
		if _, err := db.Exec("DELETE FROM ota_events WHERE id <= ?;", maxId); err != nil {
			return fmt.Errorf("failed to delete events from ota_events: %w", err)
		}
		return nil
	})
}

// GetEvents returns the queued events in order along with the highest queue
// id among them, or -1 when the queue is empty.
func GetEvents(dbFilePath string) ([]OtaUpdateEvent, int, error) {
	maxId := -1
	var eventsList []OtaUpdateEvent
	err := withDB(dbFilePath, func(db *sql.DB) error {
		rows, err := db.Query("SELECT id, json_string FROM ota_events ORDER BY id;")
		if err != nil {
			return fmt.Errorf("failed to select events: %w", err)
		}
		defer func() {
			if closeErr := rows.Close(); closeErr != nil {
				log.Err(closeErr).Msgf("failed to close rows")
			}
		}()
		for rows.Next() {
			var id int
			var eventData string
			if err := rows.Scan(&id, &eventData); err != nil {
				return fmt.Errorf("failed to scan event data: %w", err)
			}
			var event OtaUpdateEvent
			if err := json.Unmarshal([]byte(eventData), &event); err != nil {
				return fmt.Errorf("failed to unmarshal event data: %w", err)
			}
			maxId = max(maxId, id)
			eventsList = append(eventsList, event)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, -1, err
	}
	return eventsList, maxId, nil
}
