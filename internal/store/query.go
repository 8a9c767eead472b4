package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Session is one isolation session row.
type Session struct {
	ID         int64
	ChannelID  string
	Alias      string
	StartedAt  time.Time
	EndedAt    time.Time // zero while active
	Status     string
	Attempts   int64
	Allowed    int64
	Rejected   int64
}

// Exception is one permitted source on a session.
type Exception struct {
	SourceID string
	Alias    string
	AddedAt  time.Time
}

// Attempt is one recorded HTLC decision.
type Attempt struct {
	SourceID   string
	Alias      string
	AmountMsat int64
	Decision   string
	Outcome    string
	Timestamp  time.Time
}

// ActivePolicy is the durable input to one policy snapshot entry: an active
// session and the sources currently permitted to route through its channel.
type ActivePolicy struct {
	SessionID int64
	ChannelID string
	Allowed   []string
}

// Stats aggregates the full store for the stats report.
type Stats struct {
	ActiveSessions int64
	TotalSessions  int64
	TotalAttempts  int64
	Allowed        int64
	Rejected       int64
}

const sessionColumns = `session_id, channel_id, channel_alias, start_timestamp,
	end_timestamp, status, total_attempts, total_allowed, total_rejected`

func scanSession(rows *sql.Rows) (Session, error) {
	var (
		sess          Session
		alias, ended  sql.NullString
		started       string
	)
	err := rows.Scan(&sess.ID, &sess.ChannelID, &alias, &started, &ended,
		&sess.Status, &sess.Attempts, &sess.Allowed, &sess.Rejected)
	if err != nil {
		return Session{}, err
	}
	sess.Alias = alias.String
	sess.StartedAt = parseTime(started)
	if ended.Valid {
		sess.EndedAt = parseTime(ended.String)
	}
	return sess, nil
}

// ActivePolicies loads every active session with its permitted-source set.
// This is the single read the snapshot reload performs.
func (s *Store) ActivePolicies() ([]ActivePolicy, error) {
	rows, err := s.db.Query(`SELECT session_id, channel_id FROM isolation_sessions
		WHERE status = ?`, StatusActive)
	if err != nil {
		return nil, fmt.Errorf("load active sessions: %w", err)
	}
	defer rows.Close()

	var policies []ActivePolicy
	index := make(map[int64]int)
	for rows.Next() {
		var p ActivePolicy
		if err := rows.Scan(&p.SessionID, &p.ChannelID); err != nil {
			return nil, fmt.Errorf("scan active session: %w", err)
		}
		index[p.SessionID] = len(policies)
		policies = append(policies, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load active sessions: %w", err)
	}

	exc, err := s.db.Query(`SELECT e.session_id, e.allowed_channel_id
		FROM exception_list e
		JOIN isolation_sessions i ON i.session_id = e.session_id
		WHERE i.status = ?`, StatusActive)
	if err != nil {
		return nil, fmt.Errorf("load exceptions: %w", err)
	}
	defer exc.Close()

	for exc.Next() {
		var (
			sessionID int64
			source    string
		)
		if err := exc.Scan(&sessionID, &source); err != nil {
			return nil, fmt.Errorf("scan exception: %w", err)
		}
		if i, ok := index[sessionID]; ok {
			policies[i].Allowed = append(policies[i].Allowed, source)
		}
	}
	if err := exc.Err(); err != nil {
		return nil, fmt.Errorf("load exceptions: %w", err)
	}

	return policies, nil
}

// ListActive returns active sessions, most recently started first.
func (s *Store) ListActive() ([]Session, error) {
	rows, err := s.db.Query(`SELECT `+sessionColumns+` FROM isolation_sessions
		WHERE status = ? ORDER BY start_timestamp DESC`, StatusActive)
	if err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}
	defer rows.Close()
	return collectSessions(rows)
}

// History returns recent sessions in any status, most recent first. A
// non-empty channelID filters to that channel (limit 10); otherwise the
// latest 20 sessions are returned.
func (s *Store) History(channelID string) ([]Session, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if channelID != "" {
		rows, err = s.db.Query(`SELECT `+sessionColumns+` FROM isolation_sessions
			WHERE channel_id = ? ORDER BY start_timestamp DESC LIMIT 10`, channelID)
	} else {
		rows, err = s.db.Query(`SELECT ` + sessionColumns + ` FROM isolation_sessions
			ORDER BY start_timestamp DESC LIMIT 20`)
	}
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	defer rows.Close()
	return collectSessions(rows)
}

func collectSessions(rows *sql.Rows) ([]Session, error) {
	var sessions []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read sessions: %w", err)
	}
	return sessions, nil
}

// SessionByID returns one session row regardless of status.
func (s *Store) SessionByID(sessionID int64) (Session, error) {
	rows, err := s.db.Query(`SELECT `+sessionColumns+` FROM isolation_sessions
		WHERE session_id = ?`, sessionID)
	if err != nil {
		return Session{}, fmt.Errorf("load session %d: %w", sessionID, err)
	}
	defer rows.Close()

	sessions, err := collectSessions(rows)
	if err != nil {
		return Session{}, err
	}
	if len(sessions) == 0 {
		return Session{}, fmt.Errorf("session %d not found", sessionID)
	}
	return sessions[0], nil
}

// Exceptions returns the permitted sources of channelID's active session,
// most recently added first. Returns ErrNotIsolated if none is active.
func (s *Store) Exceptions(channelID string) ([]Exception, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	id, ok, err := activeSessionID(tx, channelID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotIsolated
	}

	rows, err := tx.Query(`SELECT allowed_channel_id, allowed_alias, added_timestamp
		FROM exception_list WHERE session_id = ?
		ORDER BY added_timestamp DESC`, id)
	if err != nil {
		return nil, fmt.Errorf("load exceptions: %w", err)
	}
	defer rows.Close()

	var exceptions []Exception
	for rows.Next() {
		var (
			e     Exception
			alias sql.NullString
			added string
		)
		if err := rows.Scan(&e.SourceID, &alias, &added); err != nil {
			return nil, fmt.Errorf("scan exception: %w", err)
		}
		e.Alias = alias.String
		e.AddedAt = parseTime(added)
		exceptions = append(exceptions, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read exceptions: %w", err)
	}
	return exceptions, nil
}

// Attempts returns the latest 50 decision records for a session.
func (s *Store) Attempts(sessionID int64) ([]Attempt, error) {
	rows, err := s.db.Query(`SELECT source_channel_id, source_alias, amount_msat,
		decision, outcome, timestamp
		FROM htlc_attempts WHERE session_id = ?
		ORDER BY timestamp DESC, attempt_id DESC LIMIT 50`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load attempts: %w", err)
	}
	defer rows.Close()

	var attempts []Attempt
	for rows.Next() {
		var (
			a                     Attempt
			alias, outcome        sql.NullString
			amount                sql.NullInt64
			ts                    string
		)
		if err := rows.Scan(&a.SourceID, &alias, &amount, &a.Decision, &outcome, &ts); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		a.Alias = alias.String
		a.Outcome = outcome.String
		a.AmountMsat = amount.Int64
		a.Timestamp = parseTime(ts)
		attempts = append(attempts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read attempts: %w", err)
	}
	return attempts, nil
}

// AttemptCount returns the number of decision records for a session.
func (s *Store) AttemptCount(sessionID int64) (int64, error) {
	var n int64
	err := s.db.QueryRow(`SELECT COUNT(*) FROM htlc_attempts WHERE session_id = ?`,
		sessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count attempts: %w", err)
	}
	return n, nil
}

// OverallStats aggregates session and attempt counts across the whole store.
func (s *Store) OverallStats() (Stats, error) {
	var st Stats
	err := s.db.QueryRow(`SELECT
		COUNT(*) FILTER (WHERE status = ?),
		COUNT(*)
		FROM isolation_sessions`, StatusActive).Scan(&st.ActiveSessions, &st.TotalSessions)
	if err != nil {
		return Stats{}, fmt.Errorf("session stats: %w", err)
	}

	err = s.db.QueryRow(`SELECT COUNT(*),
		COALESCE(SUM(CASE WHEN decision = ? THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN decision = ? THEN 1 ELSE 0 END), 0)
		FROM htlc_attempts`, DecisionAllowed, DecisionRejected).
		Scan(&st.TotalAttempts, &st.Allowed, &st.Rejected)
	if err != nil {
		return Stats{}, fmt.Errorf("attempt stats: %w", err)
	}
	return st, nil
}
