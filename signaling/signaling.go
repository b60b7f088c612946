/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 CallMesh Authors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package signaling defines the message envelope and relay contract used to
// exchange SDP offers, answers and ICE candidates between call participants.
// Media never flows through the relay; it only carries negotiation and
// lifecycle traffic scoped to a single call ID.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
)

// MessageType identifies the kind of signaling message
type MessageType string

const (
	MessageOffer       MessageType = "offer"
	MessageAnswer      MessageType = "answer"
	MessageCandidate   MessageType = "ice-candidate"
	MessageCallEnd     MessageType = "call-end"
	MessageCallDecline MessageType = "call-decline"
	MessageUserJoined  MessageType = "user-joined"
	MessageUserLeft    MessageType = "user-left"
)

// ErrClosed is returned when an operation is attempted on a transport or
// subscription that has been shut down.
var ErrClosed = errors.New("signaling: transport closed")

// Message is the envelope relayed between participants of one call.
// TargetUserID is set for pairwise-addressed messages (offer, answer,
// ice-candidate); lifecycle messages are broadcast with it empty.
type Message struct {
	Type         MessageType     `json:"type"`
	CallID       string          `json:"callId"`
	SenderID     string          `json:"senderId"`
	TargetUserID string          `json:"targetUserId,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

// AddressedTo reports whether the message should be handled by the given
// user: broadcast messages match everyone, pairwise messages only their target.
func (m Message) AddressedTo(userID string) bool {
	return m.TargetUserID == "" || m.TargetUserID == userID
}

// Subscription is a live attachment to one call's message stream.
// The channel is closed when the subscription is torn down or the
// underlying transport fails.
type Subscription interface {
	// Messages returns the inbound message stream. The relay never delivers
	// a subscriber's own messages back to it.
	Messages() <-chan Message

	// Unsubscribe detaches from the call and closes the message channel.
	// Safe to call more than once.
	Unsubscribe() error
}

// Transport is the abstract publish/subscribe relay scoped by call ID.
// Delivery excludes the publisher; only same-sender ordering is guaranteed.
type Transport interface {
	// Subscribe attaches the given user to a call's message stream.
	Subscribe(ctx context.Context, callID, userID string) (Subscription, error)

	// Publish relays a message to every current subscriber of the call
	// except the sender.
	Publish(ctx context.Context, msg Message) error
}
