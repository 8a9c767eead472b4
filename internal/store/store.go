// Package store owns the durable SQLite state shared between the running
// interceptor service and the management CLI: isolation sessions, exception
// lists, HTLC decision records, and the change marker the reload protocol
// polls. Every mutation stamps the marker inside the same transaction as its
// substantive write, so a reader can never observe one without the other.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Decision labels recorded for each processed HTLC.
const (
	DecisionAllowed  = "allowed"
	DecisionRejected = "rejected"
)

// Session statuses. Sessions are never deleted, only completed.
const (
	StatusActive    = "active"
	StatusCompleted = "completed"
)

// ErrNotIsolated is returned by mutations that require an active isolation
// session on the target channel.
var ErrNotIsolated = errors.New("channel has no active isolation session")

// markerKey is the db_metadata row holding the durable change marker.
const markerKey = "last_modified"

// Store wraps the SQLite database. Safe for concurrent use; SQLite runs in
// WAL mode with a busy timeout so the service and the CLI can share the file.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and ensures the schema exists.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS isolation_sessions (
			session_id INTEGER PRIMARY KEY AUTOINCREMENT,
			channel_id TEXT NOT NULL,
			channel_alias TEXT,
			start_timestamp DATETIME DEFAULT CURRENT_TIMESTAMP,
			end_timestamp DATETIME,
			status TEXT DEFAULT 'active',
			total_attempts INTEGER DEFAULT 0,
			total_allowed INTEGER DEFAULT 0,
			total_rejected INTEGER DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS exception_list (
			exception_id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id INTEGER NOT NULL,
			allowed_channel_id TEXT NOT NULL,
			allowed_alias TEXT,
			added_timestamp DATETIME DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (session_id) REFERENCES isolation_sessions(session_id)
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS exception_session_channel
			ON exception_list(session_id, allowed_channel_id)`,
		`CREATE TABLE IF NOT EXISTS htlc_attempts (
			attempt_id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id INTEGER NOT NULL,
			source_channel_id TEXT NOT NULL,
			source_alias TEXT,
			amount_msat INTEGER,
			decision TEXT NOT NULL,
			outcome TEXT,
			timestamp DATETIME DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (session_id) REFERENCES isolation_sessions(session_id)
		)`,
		`CREATE TABLE IF NOT EXISTS db_metadata (
			key TEXT PRIMARY KEY,
			value TEXT,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`INSERT OR IGNORE INTO db_metadata (key, value)
			VALUES ('last_modified', strftime('%Y-%m-%d %H:%M:%f', 'now'))`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// Marker returns the current durable change marker. The value is an opaque
// version string; callers only compare it against previously observed values.
func (s *Store) Marker() (string, error) {
	var v string
	err := s.db.QueryRow(`SELECT value FROM db_metadata WHERE key = ?`, markerKey).Scan(&v)
	if err != nil {
		return "", fmt.Errorf("read change marker: %w", err)
	}
	return v, nil
}

// stampMarker advances the change marker inside tx. Marker values compare
// lexicographically; when two mutations land within the same millisecond a
// tiebreaker suffix keeps the sequence strictly increasing.
func stampMarker(tx *sql.Tx) error {
	_, err := tx.Exec(`UPDATE db_metadata
		SET value = CASE
			WHEN strftime('%Y-%m-%d %H:%M:%f', 'now') > value
			THEN strftime('%Y-%m-%d %H:%M:%f', 'now')
			ELSE value || '+'
		END,
		    updated_at = strftime('%Y-%m-%d %H:%M:%f', 'now')
		WHERE key = ?`, markerKey)
	if err != nil {
		return fmt.Errorf("stamp change marker: %w", err)
	}
	return nil
}

// activeSessionID returns the active session for channel within tx.
func activeSessionID(tx *sql.Tx, channelID string) (int64, bool, error) {
	var id int64
	err := tx.QueryRow(`SELECT session_id FROM isolation_sessions
		WHERE channel_id = ? AND status = ?`, channelID, StatusActive).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("look up active session: %w", err)
	}
	return id, true, nil
}

// StartIsolation creates an active isolation session for channelID. If one
// already exists the call is an informational no-op: it returns the existing
// session id with existing=true and leaves the change marker untouched.
func (s *Store) StartIsolation(channelID, alias string) (sessionID int64, existing bool, err error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if id, ok, err := activeSessionID(tx, channelID); err != nil {
		return 0, false, err
	} else if ok {
		return id, true, nil
	}

	res, err := tx.Exec(`INSERT INTO isolation_sessions (channel_id, channel_alias)
		VALUES (?, ?)`, channelID, nullable(alias))
	if err != nil {
		return 0, false, fmt.Errorf("create session: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, false, fmt.Errorf("session id: %w", err)
	}

	if err := stampMarker(tx); err != nil {
		return 0, false, err
	}
	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("commit: %w", err)
	}
	return id, false, nil
}

// StopIsolation completes the active session for channelID, setting the end
// timestamp in the same update that flips the status. Returns ErrNotIsolated
// (marker untouched) if the channel has no active session.
func (s *Store) StopIsolation(channelID string) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	id, ok, err := activeSessionID(tx, channelID)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, ErrNotIsolated
	}

	_, err = tx.Exec(`UPDATE isolation_sessions
		SET end_timestamp = CURRENT_TIMESTAMP, status = ?
		WHERE session_id = ?`, StatusCompleted, id)
	if err != nil {
		return 0, fmt.Errorf("complete session: %w", err)
	}

	if err := stampMarker(tx); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return id, nil
}

// AddException permits sourceID to route through channelID's active session.
// Adding an already-permitted source is a no-op that leaves the marker
// untouched. Returns ErrNotIsolated if the channel has no active session.
func (s *Store) AddException(channelID, sourceID, alias string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	id, ok, err := activeSessionID(tx, channelID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotIsolated
	}

	res, err := tx.Exec(`INSERT OR IGNORE INTO exception_list
		(session_id, allowed_channel_id, allowed_alias)
		VALUES (?, ?, ?)`, id, sourceID, nullable(alias))
	if err != nil {
		return fmt.Errorf("add exception: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("add exception: %w", err)
	}
	if n == 0 {
		// Pair already present; nothing changed.
		return nil
	}

	if err := stampMarker(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// RemoveException revokes sourceID's permission on channelID's active session.
// Removing a source that was never permitted is a no-op. Returns
// ErrNotIsolated if the channel has no active session.
func (s *Store) RemoveException(channelID, sourceID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	id, ok, err := activeSessionID(tx, channelID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotIsolated
	}

	res, err := tx.Exec(`DELETE FROM exception_list
		WHERE session_id = ? AND allowed_channel_id = ?`, id, sourceID)
	if err != nil {
		return fmt.Errorf("remove exception: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("remove exception: %w", err)
	}
	if n == 0 {
		return nil
	}

	if err := stampMarker(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// RecordDecision appends one HTLC decision record and increments the owning
// session's counters. Record insert and counter update commit atomically so a
// crash can never separate them.
func (s *Store) RecordDecision(sessionID int64, sourceID string, amountMsat int64, decision, outcome string) error {
	counter := "total_allowed"
	if decision == DecisionRejected {
		counter = "total_rejected"
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`INSERT INTO htlc_attempts
		(session_id, source_channel_id, amount_msat, decision, outcome)
		VALUES (?, ?, ?, ?, ?)`, sessionID, sourceID, amountMsat, decision, nullable(outcome))
	if err != nil {
		return fmt.Errorf("record decision: %w", err)
	}

	_, err = tx.Exec(fmt.Sprintf(`UPDATE isolation_sessions
		SET total_attempts = total_attempts + 1, %s = %s + 1
		WHERE session_id = ?`, counter, counter), sessionID)
	if err != nil {
		return fmt.Errorf("update counters: %w", err)
	}

	if err := stampMarker(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// nullable maps an empty string to SQL NULL.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// parseTime handles the two timestamp shapes SQLite emits here: second
// precision from CURRENT_TIMESTAMP and millisecond precision from strftime.
func parseTime(s string) time.Time {
	for _, layout := range []string{"2006-01-02 15:04:05.000", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
