/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 CallMesh Authors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/callmesh/callmesh-go/media"
	"github.com/callmesh/callmesh-go/peerlink"
	"github.com/callmesh/callmesh-go/signaling"
	"github.com/callmesh/callmesh-go/store"
)

// GroupCall maintains one participant's corner of an N-party mesh call: the
// participant registry, one peer link per other active member, and the local
// media shared across all of them.
//
// Join protocol: the joining participant offers to every member it finds in
// the persisted participant list; existing members register the newcomer on
// user-joined and wait passively for an offer addressed to them. One side
// always initiating is what keeps a pair from producing conflicting offers.
type GroupCall struct {
	cfg       Config
	transport signaling.Transport
	records   store.Store
	media     *media.Controller
	links     *peerlink.Manager

	// Emitter publishes lifecycle and media events to the embedder.
	Emitter *EventEmitter

	mu           sync.Mutex
	sub          signaling.Subscription
	callID       string
	groupID      string
	callType     CallType
	status       store.GroupCallStatus
	initiator    bool
	participants map[string]*Participant
	ending       bool
}

// NewGroupCall creates an idle group controller. Use Initialize to start a
// new call for a group, or Join to enter an existing one.
func NewGroupCall(transport signaling.Transport, records store.Store, provider media.Provider, cfg *Config) (*GroupCall, error) {
	if cfg == nil || cfg.UserID == "" {
		return nil, fmt.Errorf("calling: config with UserID is required")
	}

	links, err := peerlink.NewManager(&peerlink.Config{STUNServers: cfg.STUNServers})
	if err != nil {
		return nil, err
	}

	g := &GroupCall{
		cfg:          *cfg,
		transport:    transport,
		records:      records,
		media:        media.NewController(provider),
		links:        links,
		Emitter:      NewEventEmitter(),
		status:       store.GroupCallStatusCalling,
		participants: make(map[string]*Participant),
	}

	links.OnCandidate(func(remoteID string, candidate webrtc.ICECandidateInit) {
		g.publish(signaling.MessageCandidate, remoteID, mustJSON(candidate))
	})
	links.OnTrack(func(remoteID string, track *webrtc.TrackRemote) {
		g.Emitter.Emit(EventRemoteTrack, RemoteTrackData{UserID: remoteID, Track: track})
	})
	links.OnStateChange(func(remoteID string, state webrtc.PeerConnectionState) {
		// A failed peer is handled like a user-left for that peer only; the
		// session itself keeps going.
		if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateDisconnected {
			g.handlePeerGone(remoteID, true)
		}
	})
	return g, nil
}

// CallID returns the call identifier, empty until Initialize or Join.
func (g *GroupCall) CallID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.callID
}

// GroupID returns the group this call belongs to, empty until Initialize or
// Join.
func (g *GroupCall) GroupID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.groupID
}

// Initiator reports whether this participant started the call.
func (g *GroupCall) Initiator() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.initiator
}

// Status returns the controller's view of the session state.
func (g *GroupCall) Status() store.GroupCallStatus {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.status
}

// Media returns the group call's media controller.
func (g *GroupCall) Media() *media.Controller { return g.media }

// Links returns the group call's peer link manager for advanced use.
func (g *GroupCall) Links() *peerlink.Manager { return g.links }

// Participants returns a snapshot of the registry, inactive members included.
func (g *GroupCall) Participants() []Participant {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Participant, 0, len(g.participants))
	for _, p := range g.participants {
		out = append(out, *p)
	}
	return out
}

// ActiveParticipants returns the number of registry members still active.
func (g *GroupCall) ActiveParticipants() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, p := range g.participants {
		if p.Active {
			n++
		}
	}
	return n
}

// Initialize starts a new group call with this participant as initiator.
// The session stays in "calling" until somebody else joins.
func (g *GroupCall) Initialize(ctx context.Context, groupID string, callType CallType) (string, error) {
	g.mu.Lock()
	if g.callID != "" {
		g.mu.Unlock()
		return "", fmt.Errorf("calling: controller already in call %s", g.callID)
	}
	callID := uuid.New().String()
	now := time.Now()
	g.callID = callID
	g.groupID = groupID
	g.callType = callType
	g.initiator = true
	g.status = store.GroupCallStatusCalling
	g.participants[g.cfg.UserID] = &Participant{
		UserID:      g.cfg.UserID,
		DisplayName: g.cfg.DisplayName,
		JoinedAt:    now,
		Active:      true,
	}
	g.mu.Unlock()

	g.logStoreErr(g.records.CreateGroupCall(ctx, &store.GroupCallRecord{
		ID:          callID,
		GroupID:     groupID,
		InitiatorID: g.cfg.UserID,
		CallType:    callType,
		Status:      store.GroupCallStatusCalling,
		StartedAt:   &now,
	}), "create group call")
	g.logStoreErr(g.records.AddParticipant(ctx, callID, g.cfg.UserID, now), "add participant")

	stream, err := g.media.Acquire(ctx, constraintsFor(callType))
	if err != nil {
		g.abort(ctx, callID)
		return "", err
	}
	g.links.SetLocalStream(stream)

	sub, err := g.transport.Subscribe(ctx, callID, g.cfg.UserID)
	if err != nil {
		g.abort(ctx, callID)
		return "", err
	}
	g.mu.Lock()
	g.sub = sub
	g.mu.Unlock()
	go g.readLoop(sub)

	return callID, nil
}

// Join enters an existing group call. The joiner reads the active
// participant list from the store, announces itself, and offers to every
// member it found — never the other way around.
func (g *GroupCall) Join(ctx context.Context, callID string) error {
	rec, err := g.records.GetGroupCall(ctx, callID)
	if err != nil {
		return fmt.Errorf("calling: unknown group call %s: %w", callID, err)
	}
	if rec.Status == store.GroupCallStatusEnded {
		return fmt.Errorf("calling: group call %s already ended", callID)
	}

	g.mu.Lock()
	if g.callID != "" {
		g.mu.Unlock()
		return fmt.Errorf("calling: controller already in call %s", g.callID)
	}
	now := time.Now()
	g.callID = callID
	g.groupID = rec.GroupID
	g.callType = rec.CallType
	g.status = store.GroupCallStatusActive
	g.participants[g.cfg.UserID] = &Participant{
		UserID:      g.cfg.UserID,
		DisplayName: g.cfg.DisplayName,
		JoinedAt:    now,
		Active:      true,
	}
	g.mu.Unlock()

	// Register before reading the roster so a concurrent joiner sees us.
	g.logStoreErr(g.records.AddParticipant(ctx, callID, g.cfg.UserID, now), "add participant")

	existing, err := g.records.ListActiveParticipants(ctx, callID)
	if err != nil {
		// Without the persisted roster there is nobody to offer to. Do not
		// leave our row active for later joiners to offer to.
		g.logStoreErr(g.records.MarkParticipantLeft(ctx, callID, g.cfg.UserID, time.Now()), "mark left")
		return fmt.Errorf("calling: failed to read participants of %s: %w", callID, err)
	}

	stream, err := g.media.Acquire(ctx, constraintsFor(rec.CallType))
	if err != nil {
		g.logStoreErr(g.records.MarkParticipantLeft(ctx, callID, g.cfg.UserID, time.Now()), "mark left")
		return err
	}
	g.links.SetLocalStream(stream)

	sub, err := g.transport.Subscribe(ctx, callID, g.cfg.UserID)
	if err != nil {
		g.logStoreErr(g.records.MarkParticipantLeft(ctx, callID, g.cfg.UserID, time.Now()), "mark left")
		g.media.Release()
		return err
	}
	g.mu.Lock()
	g.sub = sub
	g.mu.Unlock()
	go g.readLoop(sub)

	g.logStoreErr(g.records.SetGroupCallStatus(ctx, callID, store.GroupCallStatusActive), "set active")

	if err := g.transport.Publish(ctx, signaling.Message{
		Type:     signaling.MessageUserJoined,
		CallID:   callID,
		SenderID: g.cfg.UserID,
		Payload:  mustJSON(joinPayload{DisplayName: g.cfg.DisplayName}),
	}); err != nil {
		log.Error().Err(err).Str("call_id", callID).Msg("failed to announce join")
	}

	for _, p := range existing {
		if p.UserID == g.cfg.UserID {
			continue
		}
		g.registerParticipant(p.UserID, "", p.JoinedAt)
		g.offerTo(p.UserID)
	}
	return nil
}

// Leave exits the call without ending it for anybody else.
func (g *GroupCall) Leave(ctx context.Context) error {
	g.mu.Lock()
	if g.ending {
		g.mu.Unlock()
		return nil
	}
	g.ending = true
	callID := g.callID
	sub := g.sub
	g.sub = nil
	g.mu.Unlock()

	if callID == "" {
		return nil
	}

	g.logStoreErr(g.records.MarkParticipantLeft(ctx, callID, g.cfg.UserID, time.Now()), "mark left")
	if err := g.transport.Publish(ctx, signaling.Message{
		Type:     signaling.MessageUserLeft,
		CallID:   callID,
		SenderID: g.cfg.UserID,
	}); err != nil {
		log.Error().Err(err).Str("call_id", callID).Msg("failed to announce leave")
	}

	g.teardown(sub)
	g.Emitter.Emit(EventEnded, callID)
	return nil
}

// EndCall terminates the session for every participant. Semantically this is
// the initiator's operation; receivers of the resulting call-end clean up
// without writing the record a second time.
func (g *GroupCall) EndCall(ctx context.Context) error {
	g.mu.Lock()
	if g.ending {
		g.mu.Unlock()
		return nil
	}
	g.ending = true
	callID := g.callID
	g.status = store.GroupCallStatusEnded
	sub := g.sub
	g.sub = nil
	g.mu.Unlock()

	if callID == "" {
		return nil
	}

	g.logStoreErr(g.records.MarkGroupCallEnded(ctx, callID, time.Now()), "mark group call ended")
	if err := g.transport.Publish(ctx, signaling.Message{
		Type:     signaling.MessageCallEnd,
		CallID:   callID,
		SenderID: g.cfg.UserID,
	}); err != nil {
		log.Error().Err(err).Str("call_id", callID).Msg("failed to send call-end")
	}

	g.teardown(sub)
	g.Emitter.Emit(EventEnded, callID)
	return nil
}

// ToggleAudio flips the microphone and returns the new enabled state. The
// change is visible on every link at once because tracks are shared by
// reference.
func (g *GroupCall) ToggleAudio() bool { return g.media.ToggleAudio() }

// ToggleVideo flips the camera and returns the new enabled state.
func (g *GroupCall) ToggleVideo() bool { return g.media.ToggleVideo() }

// ToggleScreenShare starts or stops display capture, swapping the outgoing
// video source on every active link. When the display surface is revoked
// externally the camera is restored automatically. Returns whether sharing
// is active after the call.
func (g *GroupCall) ToggleScreenShare(ctx context.Context) (bool, error) {
	if g.media.ScreenSharing() {
		g.media.StopScreenShare() // restoration runs in the revoked callback
		return false, nil
	}

	track, err := g.media.StartScreenShare(ctx, func() {
		var camera *media.Track
		if stream := g.media.Stream(); stream != nil {
			camera = stream.VideoTrack()
		}
		if err := g.links.ReplaceVideoTrack(camera); err != nil {
			log.Error().Err(err).Msg("failed to restore camera after screen share")
		}
		g.Emitter.Emit(EventScreenShareStopped, g.CallID())
	})
	if err != nil {
		return false, err
	}
	if err := g.links.ReplaceVideoTrack(track); err != nil {
		g.media.StopScreenShare()
		return false, err
	}
	g.Emitter.Emit(EventScreenShareStarted, g.CallID())
	return true, nil
}

// abort cleans up a call that failed during setup.
func (g *GroupCall) abort(ctx context.Context, callID string) {
	g.mu.Lock()
	if g.ending {
		g.mu.Unlock()
		return
	}
	g.ending = true
	g.status = store.GroupCallStatusEnded
	sub := g.sub
	g.sub = nil
	g.mu.Unlock()

	g.logStoreErr(g.records.MarkGroupCallEnded(ctx, callID, time.Now()), "abort group call")
	g.teardown(sub)
}

// endFromFailure runs the terminal cleanup after the signaling transport is
// lost. No peer wrote the record in this path, so the terminal store write
// still happens; the broadcast is skipped because the channel is gone.
func (g *GroupCall) endFromFailure() {
	g.mu.Lock()
	if g.ending {
		g.mu.Unlock()
		return
	}
	g.ending = true
	g.status = store.GroupCallStatusEnded
	callID := g.callID
	sub := g.sub
	g.sub = nil
	g.mu.Unlock()

	if callID != "" {
		g.logStoreErr(g.records.MarkGroupCallEnded(context.Background(), callID, time.Now()), "mark group call ended")
	}
	g.teardown(sub)
	g.Emitter.Emit(EventEnded, callID)
}

// endFromRemote runs the terminal cleanup after a peer-sent call-end. The
// record is not touched: the sender already wrote it.
func (g *GroupCall) endFromRemote() {
	g.mu.Lock()
	if g.ending {
		g.mu.Unlock()
		return
	}
	g.ending = true
	g.status = store.GroupCallStatusEnded
	callID := g.callID
	sub := g.sub
	g.sub = nil
	g.mu.Unlock()

	g.teardown(sub)
	g.Emitter.Emit(EventEnded, callID)
}

func (g *GroupCall) teardown(sub signaling.Subscription) {
	g.links.CloseAll()
	g.media.Release()
	if sub != nil {
		if err := sub.Unsubscribe(); err != nil {
			log.Debug().Err(err).Msg("unsubscribe failed during teardown")
		}
	}
}

func (g *GroupCall) readLoop(sub signaling.Subscription) {
	for msg := range sub.Messages() {
		if msg.SenderID == g.cfg.UserID || !msg.AddressedTo(g.cfg.UserID) {
			continue
		}
		g.handleMessage(msg)
	}

	g.mu.Lock()
	ending := g.ending
	g.mu.Unlock()
	if !ending {
		log.Error().Str("call_id", g.CallID()).Msg("signaling channel lost, leaving group call")
		g.endFromFailure()
	}
}

func (g *GroupCall) handleMessage(msg signaling.Message) {
	g.mu.Lock()
	if g.ending {
		g.mu.Unlock()
		return
	}
	g.mu.Unlock()

	switch msg.Type {
	case signaling.MessageUserJoined:
		// Existing members register the newcomer and wait for its offer.
		var p joinPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			log.Warn().Err(err).Msg("dropping malformed user-joined")
			return
		}
		g.registerParticipant(msg.SenderID, p.DisplayName, time.Now())
		g.markActive()
		g.Emitter.Emit(EventParticipantJoined, msg.SenderID)

	case signaling.MessageOffer:
		var p offerPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			log.Warn().Err(err).Msg("dropping malformed offer")
			return
		}
		g.registerParticipant(msg.SenderID, p.DisplayName, time.Now())
		if g.links.PendingOffer(msg.SenderID) {
			// Two participants joining at once can each find the other in the
			// roster and both offer for the same pair. Deterministic yield:
			// the higher user ID keeps its offer, the lower one discards its
			// own link and answers instead.
			if g.cfg.UserID > msg.SenderID {
				log.Debug().Str("peer_id", msg.SenderID).Msg("ignoring glare offer, keeping own")
				return
			}
			log.Debug().Str("peer_id", msg.SenderID).Msg("yielding glare offer, answering peer")
			g.links.Close(msg.SenderID)
		}
		answer, err := g.links.HandleOffer(msg.SenderID, p.SDP)
		if err != nil {
			log.Error().Err(err).Str("peer_id", msg.SenderID).Msg("failed to answer offer")
			g.Emitter.Emit(EventError, err)
			return
		}
		g.markActive()
		g.publish(signaling.MessageAnswer, msg.SenderID, mustJSON(answerPayload{SDP: answer}))

	case signaling.MessageAnswer:
		var p answerPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			log.Warn().Err(err).Msg("dropping malformed answer")
			return
		}
		if err := g.links.HandleAnswer(msg.SenderID, p.SDP); err != nil {
			log.Error().Err(err).Str("peer_id", msg.SenderID).Msg("failed to apply answer")
			g.Emitter.Emit(EventError, err)
		}

	case signaling.MessageCandidate:
		var c webrtc.ICECandidateInit
		if err := json.Unmarshal(msg.Payload, &c); err != nil {
			log.Warn().Err(err).Msg("dropping malformed candidate")
			return
		}
		if err := g.links.AddCandidate(msg.SenderID, c); err != nil {
			log.Debug().Err(err).Str("peer_id", msg.SenderID).Msg("dropping candidate")
		}

	case signaling.MessageUserLeft:
		g.handlePeerGone(msg.SenderID, false)

	case signaling.MessageCallEnd:
		g.endFromRemote()
	}
}

// handlePeerGone removes one peer from the mesh: registry entry marked
// inactive, link torn down. writeRecord is set on the failure path, where
// the gone peer cannot mark its own participant row.
func (g *GroupCall) handlePeerGone(userID string, writeRecord bool) {
	now := time.Now()
	g.mu.Lock()
	if g.ending {
		g.mu.Unlock()
		return
	}
	callID := g.callID
	p, known := g.participants[userID]
	if known && p.Active {
		p.Active = false
		p.LeftAt = now
	} else {
		known = false
	}
	g.mu.Unlock()

	if !known && !g.links.Has(userID) {
		return
	}
	g.links.Close(userID)
	if writeRecord {
		g.logStoreErr(g.records.MarkParticipantLeft(context.Background(), callID, userID, now), "mark left")
	}
	g.Emitter.Emit(EventParticipantLeft, userID)
}

func (g *GroupCall) registerParticipant(userID, displayName string, joinedAt time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if p, ok := g.participants[userID]; ok {
		// A rejoin reactivates the existing entry.
		if !p.Active {
			p.Active = true
			p.JoinedAt = joinedAt
			p.LeftAt = time.Time{}
		}
		if displayName != "" {
			p.DisplayName = displayName
		}
		return
	}
	g.participants[userID] = &Participant{
		UserID:      userID,
		DisplayName: displayName,
		JoinedAt:    joinedAt,
		Active:      true,
	}
}

// markActive flips the local view to active once another participant has
// engaged; the persisted status was already set by the joiner.
func (g *GroupCall) markActive() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.status == store.GroupCallStatusCalling {
		g.status = store.GroupCallStatusActive
	}
}

func (g *GroupCall) offerTo(userID string) {
	sdp, err := g.links.Offer(userID)
	if err != nil {
		log.Error().Err(err).Str("peer_id", userID).Msg("failed to create offer")
		g.Emitter.Emit(EventError, err)
		return
	}
	g.publish(signaling.MessageOffer, userID, mustJSON(offerPayload{
		SDP:         sdp,
		CallType:    g.callType,
		DisplayName: g.cfg.DisplayName,
	}))
}

func (g *GroupCall) publish(msgType signaling.MessageType, targetID string, payload json.RawMessage) {
	g.mu.Lock()
	callID := g.callID
	ending := g.ending
	g.mu.Unlock()
	if callID == "" || ending {
		return
	}
	if err := g.transport.Publish(context.Background(), signaling.Message{
		Type:         msgType,
		CallID:       callID,
		SenderID:     g.cfg.UserID,
		TargetUserID: targetID,
		Payload:      payload,
	}); err != nil {
		log.Error().Err(err).Str("call_id", callID).Str("type", string(msgType)).Msg("failed to publish signaling message")
	}
}

func (g *GroupCall) logStoreErr(err error, op string) {
	if err != nil {
		log.Warn().Err(err).Str("call_id", g.CallID()).Str("op", op).Msg("call record write failed, continuing")
	}
}
