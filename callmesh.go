/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 CallMesh Authors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package callmesh is the top-level client for call signaling and mesh
// orchestration. It wires a signaling transport, a call record store and a
// media provider into 1:1 call sessions and N-party group calls.
package callmesh

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/callmesh/callmesh-go/calling"
	"github.com/callmesh/callmesh-go/media"
	"github.com/callmesh/callmesh-go/signaling"
	"github.com/callmesh/callmesh-go/store"
)

// Config holds the client configuration shared with every call it starts.
type Config struct {
	// UserID is this participant's identity on the signaling channel. Required.
	UserID string
	// DisplayName is carried in call metadata for UI purposes.
	DisplayName string
	// STUNServers configures ICE for every peer link.
	STUNServers []string
	// RingTimeout, when non-zero, ends unanswered outbound 1:1 calls after
	// the given duration. Zero disables the policy.
	RingTimeout time.Duration
}

// DefaultConfig returns a Config with a public STUN server. UserID must be
// filled in by the caller.
func DefaultConfig() *Config {
	return &Config{
		STUNServers: []string{"stun:stun.l.google.com:19302"},
	}
}

// Client is the top-level entry point. One client represents one user and
// allows one active 1:1 call at a time; group calls are returned as
// independent controllers.
type Client struct {
	config    Config
	transport signaling.Transport
	records   store.Store
	provider  media.Provider

	mu      sync.Mutex
	current *calling.Session
}

// NewClient creates a client over the given transport, record store and
// capture provider.
func NewClient(transport signaling.Transport, records store.Store, provider media.Provider, config *Config) (*Client, error) {
	if config == nil || config.UserID == "" {
		return nil, fmt.Errorf("callmesh: config with UserID is required")
	}
	if transport == nil {
		return nil, fmt.Errorf("callmesh: signaling transport is required")
	}
	if records == nil {
		return nil, fmt.Errorf("callmesh: call record store is required")
	}
	if provider == nil {
		return nil, fmt.Errorf("callmesh: media provider is required")
	}
	return &Client{
		config:    *config,
		transport: transport,
		records:   records,
		provider:  provider,
	}, nil
}

// UserID returns the identity this client signals as.
func (c *Client) UserID() string { return c.config.UserID }

// CurrentCall returns the active 1:1 session, or nil.
func (c *Client) CurrentCall() *calling.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// StartCall places an outbound 1:1 call to calleeID. The client refuses a
// second concurrent 1:1 call; the slot frees up when the session ends.
func (c *Client) StartCall(ctx context.Context, calleeID string, callType calling.CallType) (*calling.Session, error) {
	session, err := c.reserve()
	if err != nil {
		return nil, err
	}
	if _, err := session.Initiate(ctx, calleeID, callType); err != nil {
		c.release(session)
		return nil, err
	}
	return session, nil
}

// AnswerCall accepts the inbound 1:1 call identified by callID.
func (c *Client) AnswerCall(ctx context.Context, callID string) (*calling.Session, error) {
	session, err := c.reserve()
	if err != nil {
		return nil, err
	}
	if err := session.Answer(ctx, callID); err != nil {
		c.release(session)
		return nil, err
	}
	return session, nil
}

// DeclineCall rejects the inbound 1:1 call identified by callID. Declining
// never opens a peer link and does not occupy the 1:1 call slot.
func (c *Client) DeclineCall(ctx context.Context, callID string) error {
	session, err := calling.NewSession(c.transport, c.records, c.provider, c.sessionConfig())
	if err != nil {
		return err
	}
	return session.Decline(ctx, callID)
}

// StartGroupCall starts a new group call for groupID with this user as
// initiator. Returns the controller and the new call ID.
func (c *Client) StartGroupCall(ctx context.Context, groupID string, callType calling.CallType) (*calling.GroupCall, string, error) {
	group, err := calling.NewGroupCall(c.transport, c.records, c.provider, c.sessionConfig())
	if err != nil {
		return nil, "", err
	}
	callID, err := group.Initialize(ctx, groupID, callType)
	if err != nil {
		return nil, "", err
	}
	return group, callID, nil
}

// JoinGroupCall joins the existing group call identified by callID.
func (c *Client) JoinGroupCall(ctx context.Context, callID string) (*calling.GroupCall, error) {
	group, err := calling.NewGroupCall(c.transport, c.records, c.provider, c.sessionConfig())
	if err != nil {
		return nil, err
	}
	if err := group.Join(ctx, callID); err != nil {
		return nil, err
	}
	return group, nil
}

// CallHistory reads the record of a past or ongoing 1:1 call.
func (c *Client) CallHistory(ctx context.Context, callID string) (*store.CallRecord, error) {
	return c.records.GetCall(ctx, callID)
}

// GroupCallHistory reads the record of a past or ongoing group call.
func (c *Client) GroupCallHistory(ctx context.Context, callID string) (*store.GroupCallRecord, error) {
	return c.records.GetGroupCall(ctx, callID)
}

// GroupCallParticipants reads every participant stint of a group call,
// inactive ones included.
func (c *Client) GroupCallParticipants(ctx context.Context, callID string) ([]store.ParticipantRecord, error) {
	return c.records.ListParticipants(ctx, callID)
}

// reserve builds a new session and claims the 1:1 slot. The slot is released
// automatically when the session reaches a terminal state.
func (c *Client) reserve() (*calling.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != nil && !c.current.Terminal() {
		return nil, fmt.Errorf("callmesh: already in call %s", c.current.CallID())
	}

	session, err := calling.NewSession(c.transport, c.records, c.provider, c.sessionConfig())
	if err != nil {
		return nil, err
	}
	session.Emitter.On(calling.EventEnded, func(any) { c.release(session) })
	session.Emitter.On(calling.EventDeclined, func(any) { c.release(session) })
	c.current = session
	return session, nil
}

func (c *Client) release(session *calling.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == session {
		c.current = nil
	}
}

func (c *Client) sessionConfig() *calling.Config {
	return &calling.Config{
		UserID:      c.config.UserID,
		DisplayName: c.config.DisplayName,
		STUNServers: c.config.STUNServers,
		RingTimeout: c.config.RingTimeout,
	}
}
