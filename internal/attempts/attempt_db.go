// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package attempts

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// Record is one update attempt as kept in the history table. IDs are ULIDs,
// so ordering by ID is ordering by start time.
type Record struct {
	ID             string    `json:"id"`
	URL            string    `json:"url"`
	SHA256         string    `json:"sha256,omitempty"`
	Running        string    `json:"running"`
	Target         string    `json:"target"`
	DeclaredLength int64     `json:"declared_length"`
	Written        int64     `json:"written"`
	StatusCode     int       `json:"status_code"`
	State          string    `json:"state"`
	Error          string    `json:"error,omitempty"`
	Failure        string    `json:"failure,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at,omitzero"`
}

func NewID() string {
	return ulid.Make().String()
}

func openDB(dbFilePath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dbFilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return db, nil
}

func closeDB(db *sql.DB) {
	if err := db.Close(); err != nil {
		log.Err(err).Msg("failed to close database")
	}
}

func CreateAttemptsTable(dbFilePath string) error {
	db, err := openDB(dbFilePath)
	if err != nil {
		return err
	}
	defer closeDB(db)

	_, err = db.Exec(`
CREATE TABLE IF NOT EXISTS ota_attempts(
	id TEXT PRIMARY KEY,
	url TEXT NOT NULL,
	sha256 TEXT NOT NULL DEFAULT "",
	running TEXT NOT NULL DEFAULT "",
	target TEXT NOT NULL DEFAULT "",
	declared_length INTEGER NOT NULL DEFAULT -1,
	written INTEGER NOT NULL DEFAULT 0,
	status_code INTEGER NOT NULL DEFAULT 0,
	state TEXT NOT NULL,
	error TEXT NOT NULL DEFAULT "",
	failure TEXT NOT NULL DEFAULT "",
	started_at INTEGER NOT NULL,
	finished_at INTEGER NOT NULL DEFAULT 0
);`)
	if err != nil {
		return fmt.Errorf("failed to create ota_attempts table: %w", err)
	}
	return addMissingColumns(db)
}

// addMissingColumns upgrades a history table created before the digest and
// failure columns existed.
func addMissingColumns(db *sql.DB) error {
	rows, err := db.Query("SELECT name FROM pragma_table_info('ota_attempts');")
	if err != nil {
		return fmt.Errorf("failed to read ota_attempts columns: %w", err)
	}
	have := map[string]bool{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan column name: %w", err)
		}
		have[name] = true
	}
	if closeErr := rows.Close(); closeErr != nil {
		log.Err(closeErr).Msg("failed to close rows")
	}
	for _, col := range []string{"sha256", "failure"} {
		if have[col] {
			continue
		}
		if _, err := db.Exec(fmt.Sprintf(`ALTER TABLE ota_attempts ADD COLUMN %s TEXT NOT NULL DEFAULT "";`, col)); err != nil {
			return fmt.Errorf("failed to add column %s to ota_attempts: %w", col, err)
		}
	}
	return nil
}

// SaveAttempt inserts r or, if an attempt with the same ID exists, replaces it.
func SaveAttempt(dbFilePath string, r *Record) error {
	log.Debug().Msgf("Saving attempt %s: state %s, target %s, %d bytes", r.ID, r.State, r.Target, r.Written)
	db, err := openDB(dbFilePath)
	if err != nil {
		return err
	}
	defer closeDB(db)

	var finished int64
	if !r.FinishedAt.IsZero() {
		finished = r.FinishedAt.UnixMilli()
	}
	_, err = db.Exec(`
INSERT INTO ota_attempts (id, url, sha256, running, target, declared_length, written, status_code, state, error, failure, started_at, finished_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	running = excluded.running,
	target = excluded.target,
	declared_length = excluded.declared_length,
	written = excluded.written,
	status_code = excluded.status_code,
	state = excluded.state,
	error = excluded.error,
	failure = excluded.failure,
	finished_at = excluded.finished_at;`,
		r.ID, r.URL, r.SHA256, r.Running, r.Target, r.DeclaredLength, r.Written, r.StatusCode, r.State, r.Error, r.Failure,
		r.StartedAt.UnixMilli(), finished)
	if err != nil {
		return fmt.Errorf("failed to save attempt %s: %w", r.ID, err)
	}
	return nil
}

// ListAttempts returns up to limit attempts, newest first. A limit of zero or
// less returns all of them.
func ListAttempts(dbFilePath string, limit int) ([]Record, error) {
	db, err := openDB(dbFilePath)
	if err != nil {
		return nil, err
	}
	defer closeDB(db)

	if limit <= 0 {
		limit = -1
	}
	rows, err := db.Query(`
SELECT id, url, sha256, running, target, declared_length, written, status_code, state, error, failure, started_at, finished_at
FROM ota_attempts ORDER BY id DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select attempts: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			log.Err(closeErr).Msg("failed to close rows")
		}
	}()

	var records []Record
	for rows.Next() {
		var r Record
		var started, finished int64
		if err := rows.Scan(&r.ID, &r.URL, &r.SHA256, &r.Running, &r.Target, &r.DeclaredLength, &r.Written,
			&r.StatusCode, &r.State, &r.Error, &r.Failure, &started, &finished); err != nil {
			return nil, fmt.Errorf("failed to scan attempt: %w", err)
		}
		r.StartedAt = time.UnixMilli(started)
		if finished != 0 {
			r.FinishedAt = time.UnixMilli(finished)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating over rows: %w", err)
	}
	return records, nil
}

// LastAttempt returns the most recent attempt, or nil if there is none.
func LastAttempt(dbFilePath string) (*Record, error) {
	records, err := ListAttempts(dbFilePath, 1)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return &records[0], nil
}

// PruneAttempts keeps the newest keep attempts and deletes the rest.
func PruneAttempts(dbFilePath string, keep int) error {
	if keep < 0 {
		return errors.New("number of attempts to keep must not be negative")
	}
	db, err := openDB(dbFilePath)
	if err != nil {
		return err
	}
	defer closeDB(db)

	_, err = db.Exec("DELETE FROM ota_attempts WHERE id NOT IN (SELECT id FROM ota_attempts ORDER BY id DESC LIMIT ?);", keep)
	if err != nil {
		return fmt.Errorf("failed to prune attempts: %w", err)
	}
	return nil
}
