/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 CallMesh Authors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package store

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Store used in tests and single-process embedders.
type Memory struct {
	mu           sync.Mutex
	calls        map[string]*CallRecord
	groupCalls   map[string]*GroupCallRecord
	participants []*ParticipantRecord
	nextID       int64
}

// NewMemory creates an empty in-process store.
func NewMemory() *Memory {
	return &Memory{
		calls:      make(map[string]*CallRecord),
		groupCalls: make(map[string]*GroupCallRecord),
		nextID:     1,
	}
}

func (m *Memory) CreateCall(ctx context.Context, rec *CallRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.calls[rec.ID] = &cp
	return nil
}

func (m *Memory) MarkCallAnswered(ctx context.Context, id string, startedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.calls[id]
	if !ok {
		return ErrNotFound
	}
	if rec.Status != CallStatusCalling && rec.Status != CallStatusAnswered {
		return nil
	}
	rec.Status = CallStatusAnswered
	if rec.StartedAt == nil {
		t := startedAt
		rec.StartedAt = &t
	}
	return nil
}

func (m *Memory) MarkCallEnded(ctx context.Context, id string, status CallStatus, endedAt time.Time, durationSeconds int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.calls[id]
	if !ok {
		return ErrNotFound
	}
	if rec.Status == CallStatusEnded || rec.Status == CallStatusDeclined {
		return nil
	}
	rec.Status = status
	t := endedAt
	rec.EndedAt = &t
	d := durationSeconds
	rec.DurationSeconds = &d
	return nil
}

func (m *Memory) GetCall(ctx context.Context, id string) (*CallRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.calls[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *Memory) CreateGroupCall(ctx context.Context, rec *GroupCallRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.groupCalls[rec.ID] = &cp
	return nil
}

func (m *Memory) SetGroupCallStatus(ctx context.Context, id string, status GroupCallStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.groupCalls[id]
	if !ok {
		return ErrNotFound
	}
	if rec.Status == GroupCallStatusEnded {
		return nil
	}
	rec.Status = status
	return nil
}

func (m *Memory) MarkGroupCallEnded(ctx context.Context, id string, endedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.groupCalls[id]
	if !ok {
		return ErrNotFound
	}
	if rec.Status == GroupCallStatusEnded {
		return nil
	}
	rec.Status = GroupCallStatusEnded
	t := endedAt
	rec.EndedAt = &t
	return nil
}

func (m *Memory) GetGroupCall(ctx context.Context, id string) (*GroupCallRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.groupCalls[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *Memory) AddParticipant(ctx context.Context, callID, userID string, joinedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.participants = append(m.participants, &ParticipantRecord{
		ID:       m.nextID,
		CallID:   callID,
		UserID:   userID,
		JoinedAt: joinedAt,
		IsActive: true,
	})
	m.nextID++
	return nil
}

func (m *Memory) MarkParticipantLeft(ctx context.Context, callID, userID string, leftAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.participants {
		if p.CallID == callID && p.UserID == userID && p.IsActive {
			t := leftAt
			p.LeftAt = &t
			p.IsActive = false
		}
	}
	return nil
}

func (m *Memory) ListActiveParticipants(ctx context.Context, callID string) ([]ParticipantRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ParticipantRecord
	for _, p := range m.participants {
		if p.CallID == callID && p.IsActive {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (m *Memory) ListParticipants(ctx context.Context, callID string) ([]ParticipantRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ParticipantRecord
	for _, p := range m.participants {
		if p.CallID == callID {
			out = append(out, *p)
		}
	}
	return out, nil
}
