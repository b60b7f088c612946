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

// Session is the 1:1 call state machine:
//
//	calling → {answered, declined, ended}
//	answered → ended
//
// "ended" and "declined" are terminal. The acceptor is always the answerer,
// never the offerer — that rule is what keeps the 1:1 path free of
// offer/offer glare. End is reentrant-safe: user action, a remote call-end
// and a connection-failure callback all converge on one terminal cleanup.
type Session struct {
	cfg       Config
	transport signaling.Transport
	records   store.Store
	media     *media.Controller
	links     *peerlink.Manager

	// Emitter publishes lifecycle and media events to the embedder.
	Emitter *EventEmitter

	mu        sync.Mutex
	sub       signaling.Subscription
	callID    string
	callType  CallType
	callerID  string
	calleeID  string
	status    store.CallStatus
	startedAt time.Time
	ending    bool
	ringTimer *time.Timer
}

// NewSession creates an idle 1:1 session for one call. A session is used for
// exactly one call: Initiate on the caller side, or Answer/Decline on the
// callee side.
func NewSession(transport signaling.Transport, records store.Store, provider media.Provider, cfg *Config) (*Session, error) {
	if cfg == nil || cfg.UserID == "" {
		return nil, fmt.Errorf("calling: config with UserID is required")
	}

	links, err := peerlink.NewManager(&peerlink.Config{STUNServers: cfg.STUNServers})
	if err != nil {
		return nil, err
	}

	s := &Session{
		cfg:       *cfg,
		transport: transport,
		records:   records,
		media:     media.NewController(provider),
		links:     links,
		Emitter:   NewEventEmitter(),
		status:    store.CallStatusCalling,
	}

	links.OnCandidate(func(remoteID string, candidate webrtc.ICECandidateInit) {
		s.publish(signaling.MessageCandidate, remoteID, mustJSON(candidate))
	})
	links.OnTrack(func(remoteID string, track *webrtc.TrackRemote) {
		s.Emitter.Emit(EventRemoteTrack, RemoteTrackData{UserID: remoteID, Track: track})
	})
	links.OnStateChange(func(remoteID string, state webrtc.PeerConnectionState) {
		// A failed or disconnected link ends a 1:1 call outright.
		if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateDisconnected {
			s.End(context.Background())
		}
	})
	return s, nil
}

// CallID returns the call identifier, empty until Initiate or Answer.
func (s *Session) CallID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callID
}

// Status returns the session's current lifecycle state.
func (s *Session) Status() store.CallStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Terminal reports whether the session has reached a terminal state.
func (s *Session) Terminal() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ending
}

// Media returns the session's media controller for toggle operations.
func (s *Session) Media() *media.Controller { return s.media }

// Links returns the session's peer link manager for advanced use.
func (s *Session) Links() *peerlink.Manager { return s.links }

// Initiate starts an outbound call to calleeID: it records the call as
// "calling", acquires local capture, opens the peer link as offerer and
// relays the SDP offer. Returns the new call ID.
func (s *Session) Initiate(ctx context.Context, calleeID string, callType CallType) (string, error) {
	if calleeID == s.cfg.UserID {
		return "", fmt.Errorf("calling: cannot call yourself")
	}

	s.mu.Lock()
	if s.callID != "" {
		s.mu.Unlock()
		return "", fmt.Errorf("calling: session already in use for call %s", s.callID)
	}
	callID := uuid.New().String()
	s.callID = callID
	s.callerID = s.cfg.UserID
	s.calleeID = calleeID
	s.callType = callType
	s.status = store.CallStatusCalling
	s.mu.Unlock()

	s.logStoreErr(s.records.CreateCall(ctx, &store.CallRecord{
		ID:       callID,
		CallerID: s.cfg.UserID,
		CalleeID: calleeID,
		CallType: callType,
		Status:   store.CallStatusCalling,
	}), "create call")

	stream, err := s.media.Acquire(ctx, constraintsFor(callType))
	if err != nil {
		// Do not leave the record stuck in "calling".
		s.abort(ctx, callID)
		return "", err
	}
	s.links.SetLocalStream(stream)

	sub, err := s.transport.Subscribe(ctx, callID, s.cfg.UserID)
	if err != nil {
		s.abort(ctx, callID)
		return "", err
	}
	s.mu.Lock()
	s.sub = sub
	s.mu.Unlock()
	go s.readLoop(sub)

	sdp, err := s.links.Offer(calleeID)
	if err != nil {
		s.End(ctx)
		return "", err
	}
	if err := s.transport.Publish(ctx, signaling.Message{
		Type:         signaling.MessageOffer,
		CallID:       callID,
		SenderID:     s.cfg.UserID,
		TargetUserID: calleeID,
		Payload: mustJSON(offerPayload{
			SDP:         sdp,
			CallType:    callType,
			DisplayName: s.cfg.DisplayName,
		}),
	}); err != nil {
		s.End(ctx)
		return "", fmt.Errorf("calling: failed to send offer: %w", err)
	}

	if s.cfg.RingTimeout > 0 {
		s.mu.Lock()
		s.ringTimer = time.AfterFunc(s.cfg.RingTimeout, s.ringExpired)
		s.mu.Unlock()
	}

	s.Emitter.Emit(EventRinging, callID)
	return callID, nil
}

// Answer accepts an inbound call. It never sends an offer: the caller's
// offer is waiting on the channel and is answered by the dispatch loop.
func (s *Session) Answer(ctx context.Context, callID string) error {
	rec, err := s.records.GetCall(ctx, callID)
	if err != nil {
		return fmt.Errorf("calling: unknown call %s: %w", callID, err)
	}
	if rec.Status == store.CallStatusEnded || rec.Status == store.CallStatusDeclined {
		return fmt.Errorf("calling: call %s already %s", callID, rec.Status)
	}

	s.mu.Lock()
	if s.callID != "" {
		s.mu.Unlock()
		return fmt.Errorf("calling: session already in use for call %s", s.callID)
	}
	s.callID = callID
	s.callerID = rec.CallerID
	s.calleeID = s.cfg.UserID
	s.callType = rec.CallType
	s.mu.Unlock()

	stream, err := s.media.Acquire(ctx, constraintsFor(rec.CallType))
	if err != nil {
		s.abort(ctx, callID)
		return err
	}
	s.links.SetLocalStream(stream)

	sub, err := s.transport.Subscribe(ctx, callID, s.cfg.UserID)
	if err != nil {
		s.abort(ctx, callID)
		return err
	}

	now := time.Now()
	s.mu.Lock()
	s.sub = sub
	s.status = store.CallStatusAnswered
	s.startedAt = now
	s.mu.Unlock()
	go s.readLoop(sub)

	s.logStoreErr(s.records.MarkCallAnswered(ctx, callID, now), "mark answered")
	s.Emitter.Emit(EventAnswered, callID)
	return nil
}

// Decline rejects an inbound call without ever creating a peer link. It is
// an idempotent no-op once the session is terminal.
func (s *Session) Decline(ctx context.Context, callID string) error {
	s.mu.Lock()
	if s.ending {
		s.mu.Unlock()
		return nil
	}
	s.ending = true
	if s.callID == "" {
		s.callID = callID
	}
	s.status = store.CallStatusDeclined
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()

	s.logStoreErr(s.records.MarkCallEnded(ctx, callID, store.CallStatusDeclined, time.Now(), 0), "mark declined")
	if err := s.transport.Publish(ctx, signaling.Message{
		Type:     signaling.MessageCallDecline,
		CallID:   callID,
		SenderID: s.cfg.UserID,
	}); err != nil {
		log.Error().Err(err).Str("call_id", callID).Msg("failed to send call-decline")
	}

	s.teardown(sub)
	s.Emitter.Emit(EventDeclined, callID)
	return nil
}

// End terminates the call: one terminal store write, one call-end broadcast
// and one cleanup, no matter how many times or from how many paths it fires.
func (s *Session) End(ctx context.Context) error {
	s.mu.Lock()
	if s.ending {
		s.mu.Unlock()
		return nil
	}
	s.ending = true
	callID := s.callID
	var duration int64
	if !s.startedAt.IsZero() {
		duration = int64(time.Since(s.startedAt) / time.Second)
	}
	s.status = store.CallStatusEnded
	sub := s.sub
	s.sub = nil
	if s.ringTimer != nil {
		s.ringTimer.Stop()
	}
	s.mu.Unlock()

	if callID == "" {
		return nil
	}

	s.logStoreErr(s.records.MarkCallEnded(ctx, callID, store.CallStatusEnded, time.Now(), duration), "mark ended")
	if err := s.transport.Publish(ctx, signaling.Message{
		Type:     signaling.MessageCallEnd,
		CallID:   callID,
		SenderID: s.cfg.UserID,
	}); err != nil {
		log.Error().Err(err).Str("call_id", callID).Msg("failed to send call-end")
	}

	s.teardown(sub)
	s.Emitter.Emit(EventEnded, callID)
	return nil
}

// abort cleans up a call that failed during setup (media or signaling
// acquisition): the record is marked ended so nothing dangles in "calling".
func (s *Session) abort(ctx context.Context, callID string) {
	s.mu.Lock()
	if s.ending {
		s.mu.Unlock()
		return
	}
	s.ending = true
	s.status = store.CallStatusEnded
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()

	s.logStoreErr(s.records.MarkCallEnded(ctx, callID, store.CallStatusEnded, time.Now(), 0), "abort call")
	s.teardown(sub)
}

// endFromFailure runs the terminal cleanup after the signaling transport is
// lost. Unlike endFromRemote there is no peer who wrote the record, so the
// terminal store write still happens here; the broadcast is skipped because
// the channel is gone.
func (s *Session) endFromFailure() {
	s.mu.Lock()
	if s.ending {
		s.mu.Unlock()
		return
	}
	s.ending = true
	callID := s.callID
	var duration int64
	if !s.startedAt.IsZero() {
		duration = int64(time.Since(s.startedAt) / time.Second)
	}
	s.status = store.CallStatusEnded
	sub := s.sub
	s.sub = nil
	if s.ringTimer != nil {
		s.ringTimer.Stop()
	}
	s.mu.Unlock()

	if callID != "" {
		s.logStoreErr(s.records.MarkCallEnded(context.Background(), callID, store.CallStatusEnded, time.Now(), duration), "mark ended")
	}
	s.teardown(sub)
	s.Emitter.Emit(EventEnded, callID)
}

// endFromRemote runs the terminal cleanup for a peer-initiated decline or
// end. The remote side already wrote the record and broadcast the message,
// so neither is repeated here.
func (s *Session) endFromRemote(status store.CallStatus) {
	s.mu.Lock()
	if s.ending {
		s.mu.Unlock()
		return
	}
	s.ending = true
	s.status = status
	callID := s.callID
	sub := s.sub
	s.sub = nil
	if s.ringTimer != nil {
		s.ringTimer.Stop()
	}
	s.mu.Unlock()

	s.teardown(sub)
	if status == store.CallStatusDeclined {
		s.Emitter.Emit(EventDeclined, callID)
	} else {
		s.Emitter.Emit(EventEnded, callID)
	}
}

func (s *Session) teardown(sub signaling.Subscription) {
	s.links.CloseAll()
	s.media.Release()
	if sub != nil {
		if err := sub.Unsubscribe(); err != nil {
			log.Debug().Err(err).Msg("unsubscribe failed during teardown")
		}
	}
}

func (s *Session) ringExpired() {
	s.mu.Lock()
	unanswered := !s.ending && s.status == store.CallStatusCalling
	s.mu.Unlock()
	if unanswered {
		log.Info().Str("call_id", s.CallID()).Msg("ring timeout reached, ending unanswered call")
		s.End(context.Background())
	}
}

// readLoop dispatches inbound signaling until the subscription channel
// closes. A closed channel outside of our own teardown means the signaling
// transport failed, which is fatal to the call.
func (s *Session) readLoop(sub signaling.Subscription) {
	for msg := range sub.Messages() {
		if msg.SenderID == s.cfg.UserID || !msg.AddressedTo(s.cfg.UserID) {
			continue
		}
		s.handleMessage(msg)
	}

	s.mu.Lock()
	ending := s.ending
	s.mu.Unlock()
	if !ending {
		log.Error().Str("call_id", s.CallID()).Msg("signaling channel lost, ending call")
		s.endFromFailure()
	}
}

func (s *Session) handleMessage(msg signaling.Message) {
	s.mu.Lock()
	if s.ending {
		s.mu.Unlock()
		return
	}
	isCaller := s.cfg.UserID == s.callerID
	s.mu.Unlock()

	switch msg.Type {
	case signaling.MessageOffer:
		// Only the answering side reacts to offers; the caller ignoring them
		// is what prevents glare if an offer is ever echoed back.
		if isCaller {
			return
		}
		var p offerPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			log.Warn().Err(err).Msg("dropping malformed offer")
			return
		}
		answer, err := s.links.HandleOffer(msg.SenderID, p.SDP)
		if err != nil {
			log.Error().Err(err).Str("peer_id", msg.SenderID).Msg("failed to answer offer")
			s.Emitter.Emit(EventError, err)
			return
		}
		s.publish(signaling.MessageAnswer, msg.SenderID, mustJSON(answerPayload{SDP: answer}))

	case signaling.MessageAnswer:
		if !isCaller {
			return
		}
		var p answerPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			log.Warn().Err(err).Msg("dropping malformed answer")
			return
		}
		if err := s.links.HandleAnswer(msg.SenderID, p.SDP); err != nil {
			log.Error().Err(err).Str("peer_id", msg.SenderID).Msg("failed to apply answer")
			s.Emitter.Emit(EventError, err)
			return
		}
		now := time.Now()
		s.mu.Lock()
		first := s.status == store.CallStatusCalling
		if first {
			s.status = store.CallStatusAnswered
			s.startedAt = now
			if s.ringTimer != nil {
				s.ringTimer.Stop()
			}
		}
		callID := s.callID
		s.mu.Unlock()
		if first {
			s.logStoreErr(s.records.MarkCallAnswered(context.Background(), callID, now), "mark answered")
			s.Emitter.Emit(EventAnswered, callID)
		}

	case signaling.MessageCandidate:
		var c webrtc.ICECandidateInit
		if err := json.Unmarshal(msg.Payload, &c); err != nil {
			log.Warn().Err(err).Msg("dropping malformed candidate")
			return
		}
		if err := s.links.AddCandidate(msg.SenderID, c); err != nil {
			// No link for the sender: unaddressed candidates are dropped.
			log.Debug().Err(err).Str("peer_id", msg.SenderID).Msg("dropping candidate")
		}

	case signaling.MessageCallDecline:
		s.endFromRemote(store.CallStatusDeclined)

	case signaling.MessageCallEnd:
		s.endFromRemote(store.CallStatusEnded)
	}
}

// publish relays a pairwise message for the current call, logging rather
// than failing: signaling send errors surface through the read loop.
func (s *Session) publish(msgType signaling.MessageType, targetID string, payload json.RawMessage) {
	s.mu.Lock()
	callID := s.callID
	ending := s.ending
	s.mu.Unlock()
	if callID == "" || ending {
		return
	}
	if err := s.transport.Publish(context.Background(), signaling.Message{
		Type:         msgType,
		CallID:       callID,
		SenderID:     s.cfg.UserID,
		TargetUserID: targetID,
		Payload:      payload,
	}); err != nil {
		log.Error().Err(err).Str("call_id", callID).Str("type", string(msgType)).Msg("failed to publish signaling message")
	}
}

func (s *Session) logStoreErr(err error, op string) {
	if err != nil {
		log.Warn().Err(err).Str("call_id", s.CallID()).Str("op", op).Msg("call record write failed, continuing")
	}
}
