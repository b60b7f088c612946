/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 CallMesh Authors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"sync"

	"github.com/pion/webrtc/v4"
)

// EventKey identifies the type of call event
type EventKey string

const (
	EventRinging            EventKey = "ringing"
	EventAnswered           EventKey = "answered"
	EventDeclined           EventKey = "declined"
	EventEnded              EventKey = "ended"
	EventRemoteTrack        EventKey = "remote_track"
	EventParticipantJoined  EventKey = "participant_joined"
	EventParticipantLeft    EventKey = "participant_left"
	EventScreenShareStarted EventKey = "screen_share_started"
	EventScreenShareStopped EventKey = "screen_share_stopped"
	EventError              EventKey = "call_error"
)

// RemoteTrackData is the payload of EventRemoteTrack.
type RemoteTrackData struct {
	UserID string
	Track  *webrtc.TrackRemote
}

// EventHandler is a callback function for events
type EventHandler func(data interface{})

// EventEmitter provides a simple event pub/sub system
type EventEmitter struct {
	mu       sync.RWMutex
	handlers map[EventKey][]EventHandler
}

// NewEventEmitter creates a new EventEmitter
func NewEventEmitter() *EventEmitter {
	return &EventEmitter{
		handlers: make(map[EventKey][]EventHandler),
	}
}

// On registers an event handler for a specific event type
func (e *EventEmitter) On(event EventKey, handler EventHandler) {
	if handler == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[event] = append(e.handlers[event], handler)
}

// Off removes all handlers for a specific event type
func (e *EventEmitter) Off(event EventKey) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.handlers, event)
}

// Emit fires an event, calling all registered handlers
func (e *EventEmitter) Emit(event EventKey, data interface{}) {
	e.mu.RLock()
	handlers := make([]EventHandler, len(e.handlers[event]))
	copy(handlers, e.handlers[event])
	e.mu.RUnlock()

	for _, handler := range handlers {
		handler(data)
	}
}
