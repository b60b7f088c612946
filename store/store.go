/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 CallMesh Authors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package store persists call and participant records. Controllers write to
// it on a best-effort basis: the call must never block on store latency, so
// write failures are logged by the caller and swallowed.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no record exists for the given ID.
var ErrNotFound = errors.New("store: record not found")

// CallType distinguishes audio-only from audio+video calls
type CallType string

const (
	CallTypeVoice CallType = "voice"
	CallTypeVideo CallType = "video"
)

// CallStatus is the lifecycle state of a 1:1 call record.
// Transitions are monotonic and "ended" is terminal.
type CallStatus string

const (
	CallStatusCalling  CallStatus = "calling"
	CallStatusAnswered CallStatus = "answered"
	CallStatusDeclined CallStatus = "declined"
	CallStatusEnded    CallStatus = "ended"
)

// GroupCallStatus is the lifecycle state of a group call record.
type GroupCallStatus string

const (
	GroupCallStatusCalling GroupCallStatus = "calling"
	GroupCallStatusActive  GroupCallStatus = "active"
	GroupCallStatusEnded   GroupCallStatus = "ended"
)

// CallRecord is one row of the calls table.
type CallRecord struct {
	ID              string
	CallerID        string
	CalleeID        string
	CallType        CallType
	Status          CallStatus
	StartedAt       *time.Time
	EndedAt         *time.Time
	DurationSeconds *int64
}

// GroupCallRecord is one row of the group_calls table.
type GroupCallRecord struct {
	ID          string
	GroupID     string
	InitiatorID string
	CallType    CallType
	Status      GroupCallStatus
	StartedAt   *time.Time
	EndedAt     *time.Time
}

// ParticipantRecord is one row of the group_call_participants table.
// Participants are marked inactive on leave, never deleted, so the rows
// double as an audit trail.
type ParticipantRecord struct {
	ID       int64
	CallID   string
	UserID   string
	JoinedAt time.Time
	LeftAt   *time.Time
	IsActive bool
}

// Store is the persisted truth about calls and participants.
type Store interface {
	CreateCall(ctx context.Context, rec *CallRecord) error
	// MarkCallAnswered moves a call to answered and stamps started_at if it
	// has not been stamped yet. Both sides of a 1:1 call may invoke it.
	MarkCallAnswered(ctx context.Context, id string, startedAt time.Time) error
	// MarkCallEnded moves a call to a terminal status. It is a no-op on
	// records that are already terminal.
	MarkCallEnded(ctx context.Context, id string, status CallStatus, endedAt time.Time, durationSeconds int64) error
	GetCall(ctx context.Context, id string) (*CallRecord, error)

	CreateGroupCall(ctx context.Context, rec *GroupCallRecord) error
	SetGroupCallStatus(ctx context.Context, id string, status GroupCallStatus) error
	MarkGroupCallEnded(ctx context.Context, id string, endedAt time.Time) error
	GetGroupCall(ctx context.Context, id string) (*GroupCallRecord, error)

	AddParticipant(ctx context.Context, callID, userID string, joinedAt time.Time) error
	MarkParticipantLeft(ctx context.Context, callID, userID string, leftAt time.Time) error
	ListActiveParticipants(ctx context.Context, callID string) ([]ParticipantRecord, error)
	// ListParticipants returns every participant row of the call, inactive
	// stints included, in join order.
	ListParticipants(ctx context.Context, callID string) ([]ParticipantRecord, error)
}
