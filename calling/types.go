/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 CallMesh Authors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package calling drives call lifecycles: the 1:1 Session state machine and
// the GroupCall mesh controller. Both own their signaling subscription, media
// controller and peer links, and write call records on a best-effort basis.
package calling

import (
	"encoding/json"
	"time"

	"github.com/callmesh/callmesh-go/media"
	"github.com/callmesh/callmesh-go/store"
)

// CallType aliases the stored call type so embedders deal with one set of
// constants.
type CallType = store.CallType

const (
	CallTypeVoice = store.CallTypeVoice
	CallTypeVideo = store.CallTypeVideo
)

// Config holds the per-participant configuration shared by both controllers.
type Config struct {
	// UserID is this participant's identity on the signaling channel.
	UserID string
	// DisplayName is carried in user-joined payloads for UI purposes.
	DisplayName string
	// STUNServers configures ICE for every peer link.
	STUNServers []string
	// RingTimeout, when non-zero, ends an unanswered outbound 1:1 call after
	// the given duration. Zero disables the policy; no default is applied.
	RingTimeout time.Duration
}

// DefaultConfig returns a Config with a public STUN server and no ring
// timeout. UserID must be filled in by the caller.
func DefaultConfig() *Config {
	return &Config{
		STUNServers: []string{"stun:stun.l.google.com:19302"},
	}
}

// Participant is one member of a group call's registry. Left members stay in
// the registry, marked inactive, for the lifetime of the controller.
type Participant struct {
	UserID      string
	DisplayName string
	JoinedAt    time.Time
	LeftAt      time.Time
	Active      bool
}

// offerPayload carries an SDP offer plus call metadata. The callType and
// display name ride along so the remote side can act without a store read.
type offerPayload struct {
	SDP         string   `json:"sdp"`
	CallType    CallType `json:"callType,omitempty"`
	DisplayName string   `json:"displayName,omitempty"`
}

// answerPayload carries an SDP answer.
type answerPayload struct {
	SDP string `json:"sdp"`
}

// joinPayload carries display metadata on user-joined broadcasts.
type joinPayload struct {
	DisplayName string `json:"displayName,omitempty"`
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		// All payload types marshal cleanly; reaching this is a programming error.
		panic(err)
	}
	return data
}

func constraintsFor(callType CallType) media.Constraints {
	return media.Constraints{
		Audio: true,
		Video: callType == CallTypeVideo,
	}
}
