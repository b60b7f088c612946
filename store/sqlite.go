/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 CallMesh Authors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver, registers as "sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS calls (
	id               TEXT PRIMARY KEY,
	caller_id        TEXT NOT NULL,
	callee_id        TEXT NOT NULL,
	call_type        TEXT NOT NULL,
	status           TEXT NOT NULL,
	started_at       TIMESTAMP,
	ended_at         TIMESTAMP,
	duration_seconds INTEGER
);

CREATE TABLE IF NOT EXISTS group_calls (
	id           TEXT PRIMARY KEY,
	group_id     TEXT NOT NULL,
	initiator_id TEXT NOT NULL,
	call_type    TEXT NOT NULL,
	status       TEXT NOT NULL,
	started_at   TIMESTAMP,
	ended_at     TIMESTAMP
);

CREATE TABLE IF NOT EXISTS group_call_participants (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	call_id   TEXT NOT NULL REFERENCES group_calls(id),
	user_id   TEXT NOT NULL,
	joined_at TIMESTAMP NOT NULL,
	left_at   TIMESTAMP,
	is_active INTEGER NOT NULL DEFAULT 1
);

CREATE INDEX IF NOT EXISTS idx_participants_call
	ON group_call_participants(call_id, is_active);
`

// SQLite is a Store backed by a SQLite database file.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path and ensures the
// schema exists. Foreign keys and WAL journaling are enabled through the DSN.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

// Close closes the underlying database handle.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) CreateCall(ctx context.Context, rec *CallRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO calls (id, caller_id, callee_id, call_type, status, started_at, ended_at, duration_seconds)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.CallerID, rec.CalleeID, string(rec.CallType), string(rec.Status),
		rec.StartedAt, rec.EndedAt, rec.DurationSeconds)
	if err != nil {
		return fmt.Errorf("failed to insert call: %w", err)
	}
	return nil
}

func (s *SQLite) MarkCallAnswered(ctx context.Context, id string, startedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE calls SET status = ?, started_at = COALESCE(started_at, ?)
		 WHERE id = ? AND status IN (?, ?)`,
		string(CallStatusAnswered), startedAt, id,
		string(CallStatusCalling), string(CallStatusAnswered))
	if err != nil {
		return fmt.Errorf("failed to mark call answered: %w", err)
	}
	return nil
}

func (s *SQLite) MarkCallEnded(ctx context.Context, id string, status CallStatus, endedAt time.Time, durationSeconds int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE calls SET status = ?, ended_at = ?, duration_seconds = ?
		 WHERE id = ? AND status NOT IN (?, ?)`,
		string(status), endedAt, durationSeconds, id,
		string(CallStatusEnded), string(CallStatusDeclined))
	if err != nil {
		return fmt.Errorf("failed to mark call ended: %w", err)
	}
	return nil
}

func (s *SQLite) GetCall(ctx context.Context, id string) (*CallRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, caller_id, callee_id, call_type, status, started_at, ended_at, duration_seconds
		 FROM calls WHERE id = ?`, id)

	var rec CallRecord
	var callType, status string
	var startedAt, endedAt sql.NullTime
	var duration sql.NullInt64
	err := row.Scan(&rec.ID, &rec.CallerID, &rec.CalleeID, &callType, &status,
		&startedAt, &endedAt, &duration)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query call: %w", err)
	}
	rec.CallType = CallType(callType)
	rec.Status = CallStatus(status)
	if startedAt.Valid {
		rec.StartedAt = &startedAt.Time
	}
	if endedAt.Valid {
		rec.EndedAt = &endedAt.Time
	}
	if duration.Valid {
		rec.DurationSeconds = &duration.Int64
	}
	return &rec, nil
}

func (s *SQLite) CreateGroupCall(ctx context.Context, rec *GroupCallRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO group_calls (id, group_id, initiator_id, call_type, status, started_at, ended_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.GroupID, rec.InitiatorID, string(rec.CallType), string(rec.Status),
		rec.StartedAt, rec.EndedAt)
	if err != nil {
		return fmt.Errorf("failed to insert group call: %w", err)
	}
	return nil
}

func (s *SQLite) SetGroupCallStatus(ctx context.Context, id string, status GroupCallStatus) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE group_calls SET status = ? WHERE id = ? AND status != ?`,
		string(status), id, string(GroupCallStatusEnded))
	if err != nil {
		return fmt.Errorf("failed to set group call status: %w", err)
	}
	return nil
}

func (s *SQLite) MarkGroupCallEnded(ctx context.Context, id string, endedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE group_calls SET status = ?, ended_at = ? WHERE id = ? AND status != ?`,
		string(GroupCallStatusEnded), endedAt, id, string(GroupCallStatusEnded))
	if err != nil {
		return fmt.Errorf("failed to mark group call ended: %w", err)
	}
	return nil
}

func (s *SQLite) GetGroupCall(ctx context.Context, id string) (*GroupCallRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, group_id, initiator_id, call_type, status, started_at, ended_at
		 FROM group_calls WHERE id = ?`, id)

	var rec GroupCallRecord
	var callType, status string
	var startedAt, endedAt sql.NullTime
	err := row.Scan(&rec.ID, &rec.GroupID, &rec.InitiatorID, &callType, &status, &startedAt, &endedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query group call: %w", err)
	}
	rec.CallType = CallType(callType)
	rec.Status = GroupCallStatus(status)
	if startedAt.Valid {
		rec.StartedAt = &startedAt.Time
	}
	if endedAt.Valid {
		rec.EndedAt = &endedAt.Time
	}
	return &rec, nil
}

func (s *SQLite) AddParticipant(ctx context.Context, callID, userID string, joinedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO group_call_participants (call_id, user_id, joined_at, is_active)
		 VALUES (?, ?, ?, 1)`,
		callID, userID, joinedAt)
	if err != nil {
		return fmt.Errorf("failed to insert participant: %w", err)
	}
	return nil
}

func (s *SQLite) MarkParticipantLeft(ctx context.Context, callID, userID string, leftAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE group_call_participants SET left_at = ?, is_active = 0
		 WHERE call_id = ? AND user_id = ? AND is_active = 1`,
		leftAt, callID, userID)
	if err != nil {
		return fmt.Errorf("failed to mark participant left: %w", err)
	}
	return nil
}

func (s *SQLite) ListActiveParticipants(ctx context.Context, callID string) ([]ParticipantRecord, error) {
	return s.queryParticipants(ctx,
		`SELECT id, call_id, user_id, joined_at, left_at, is_active
		 FROM group_call_participants WHERE call_id = ? AND is_active = 1
		 ORDER BY joined_at`, callID)
}

func (s *SQLite) ListParticipants(ctx context.Context, callID string) ([]ParticipantRecord, error) {
	return s.queryParticipants(ctx,
		`SELECT id, call_id, user_id, joined_at, left_at, is_active
		 FROM group_call_participants WHERE call_id = ?
		 ORDER BY joined_at`, callID)
}

func (s *SQLite) queryParticipants(ctx context.Context, query, callID string) ([]ParticipantRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, callID)
	if err != nil {
		return nil, fmt.Errorf("failed to query participants: %w", err)
	}
	defer rows.Close()

	var out []ParticipantRecord
	for rows.Next() {
		var rec ParticipantRecord
		var leftAt sql.NullTime
		if err := rows.Scan(&rec.ID, &rec.CallID, &rec.UserID, &rec.JoinedAt, &leftAt, &rec.IsActive); err != nil {
			return nil, fmt.Errorf("failed to scan participant: %w", err)
		}
		if leftAt.Valid {
			rec.LeftAt = &leftAt.Time
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
