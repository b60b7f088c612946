/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 CallMesh Authors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package peerlink owns the negotiated peer connections of one call
// participant: one link per remote party, with the offer/answer exchange,
// trickle ICE and teardown handled here. The controllers in package calling
// decide which side offers; this package only executes the exchange.
package peerlink

import (
	"fmt"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/callmesh/callmesh-go/media"
)

// Config holds configuration for a link manager
type Config struct {
	// STUNServers is the list of STUN URIs used for ICE. TURN is out of scope.
	STUNServers []string
}

// DefaultConfig returns a Config with a public STUN server.
func DefaultConfig() *Config {
	return &Config{
		STUNServers: []string{"stun:stun.l.google.com:19302"},
	}
}

// Manager owns one Link per remote participant of a single call.
// A manager is owned one-to-one by its call controller and never shared.
type Manager struct {
	api    *webrtc.API
	rtcCfg webrtc.Configuration

	mu    sync.Mutex
	links map[string]*Link
	local *media.Stream

	onCandidate   func(remoteID string, candidate webrtc.ICECandidateInit)
	onTrack       func(remoteID string, track *webrtc.TrackRemote)
	onStateChange func(remoteID string, state webrtc.PeerConnectionState)
}

// Link is one negotiated connection to a remote participant. ICE candidates
// that arrive before the remote description are buffered and flushed once it
// is set; the relay only guarantees same-sender ordering, so a candidate can
// overtake the offer or answer it belongs to.
type Link struct {
	remoteID    string
	pc          *webrtc.PeerConnection
	videoSender *webrtc.RTPSender

	mu        sync.Mutex
	remoteSet bool
	pending   []webrtc.ICECandidateInit
}

// NewManager builds the shared pion API (default codecs and interceptors)
// and an empty link set.
func NewManager(config *Config) (*Manager, error) {
	if config == nil {
		config = DefaultConfig()
	}

	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}
	reg := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, reg); err != nil {
		return nil, fmt.Errorf("failed to register default interceptors: %w", err)
	}
	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(reg),
	)

	var iceServers []webrtc.ICEServer
	if len(config.STUNServers) > 0 {
		iceServers = []webrtc.ICEServer{{URLs: config.STUNServers}}
	}

	return &Manager{
		api:    api,
		rtcCfg: webrtc.Configuration{ICEServers: iceServers},
		links:  make(map[string]*Link),
	}, nil
}

// SetLocalStream sets the stream whose tracks are attached to every link
// opened from now on. Tracks are shared by reference, never copied.
func (m *Manager) SetLocalStream(s *media.Stream) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.local = s
}

// OnCandidate registers the trickle-ICE callback: every locally gathered
// candidate is handed to it for relaying to the remote party.
func (m *Manager) OnCandidate(fn func(remoteID string, candidate webrtc.ICECandidateInit)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onCandidate = fn
}

// OnTrack registers the callback for inbound media from a remote party.
func (m *Manager) OnTrack(fn func(remoteID string, track *webrtc.TrackRemote)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTrack = fn
}

// OnStateChange registers the callback for per-link connection state
// transitions. Controllers treat failed/disconnected like a leave.
func (m *Manager) OnStateChange(fn func(remoteID string, state webrtc.PeerConnectionState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onStateChange = fn
}

// ensureLink returns the link to remoteID, creating it if needed.
func (m *Manager) ensureLink(remoteID string) (*Link, error) {
	m.mu.Lock()
	if link, ok := m.links[remoteID]; ok {
		m.mu.Unlock()
		return link, nil
	}
	local := m.local
	onCandidate := m.onCandidate
	onTrack := m.onTrack
	onStateChange := m.onStateChange
	m.mu.Unlock()

	pc, err := m.api.NewPeerConnection(m.rtcCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	link := &Link{remoteID: remoteID, pc: pc}

	if local != nil {
		for _, track := range local.Tracks() {
			sender, err := pc.AddTrack(track.Local())
			if err != nil {
				pc.Close()
				return nil, fmt.Errorf("failed to attach %s track: %w", track.Kind(), err)
			}
			if track.Kind() == media.TrackKindVideo {
				link.videoSender = sender
			}
		}
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		if onCandidate != nil {
			onCandidate(remoteID, c.ToJSON())
		}
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Debug().Str("peer_id", remoteID).Str("kind", track.Kind().String()).Msg("remote track received")
		if onTrack != nil {
			onTrack(remoteID, track)
		}
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Debug().Str("peer_id", remoteID).Str("state", state.String()).Msg("peer connection state")
		if onStateChange != nil {
			onStateChange(remoteID, state)
		}
	})

	m.mu.Lock()
	// A concurrent handler may have created the link while we were building
	// this one; keep the first.
	if existing, ok := m.links[remoteID]; ok {
		m.mu.Unlock()
		pc.Close()
		return existing, nil
	}
	m.links[remoteID] = link
	m.mu.Unlock()
	return link, nil
}

// Offer opens (or reuses) the link to remoteID and produces an SDP offer
// with the local description set.
func (m *Manager) Offer(remoteID string) (string, error) {
	link, err := m.ensureLink(remoteID)
	if err != nil {
		return "", err
	}
	offer, err := link.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create offer: %w", err)
	}
	if err := link.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("failed to set local description: %w", err)
	}
	return offer.SDP, nil
}

// HandleOffer applies a remote offer, creating the link if needed, and
// returns the SDP answer. Buffered candidates are flushed once the remote
// description is applied.
func (m *Manager) HandleOffer(remoteID, sdp string) (string, error) {
	link, err := m.ensureLink(remoteID)
	if err != nil {
		return "", err
	}
	if err := link.setRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  sdp,
	}); err != nil {
		return "", fmt.Errorf("failed to set remote offer: %w", err)
	}
	answer, err := link.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create answer: %w", err)
	}
	if err := link.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("failed to set local description: %w", err)
	}
	return answer.SDP, nil
}

// HandleAnswer applies a remote answer on an existing link. Duplicate
// answers (redelivered by the relay) are ignored once signaling is stable.
func (m *Manager) HandleAnswer(remoteID, sdp string) error {
	link, ok := m.link(remoteID)
	if !ok {
		return fmt.Errorf("no link to %s", remoteID)
	}
	if link.pc.SignalingState() == webrtc.SignalingStateStable {
		log.Debug().Str("peer_id", remoteID).Msg("ignoring duplicate answer, signaling already stable")
		return nil
	}
	if err := link.setRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdp,
	}); err != nil {
		return fmt.Errorf("failed to set remote answer: %w", err)
	}
	return nil
}

// PendingOffer reports whether the link to remoteID holds a local offer that
// has not been answered yet. Controllers use this to detect offer/offer
// glare when both sides of a pair initiated at once.
func (m *Manager) PendingOffer(remoteID string) bool {
	link, ok := m.link(remoteID)
	if !ok {
		return false
	}
	link.mu.Lock()
	remoteSet := link.remoteSet
	link.mu.Unlock()
	return !remoteSet && link.pc.SignalingState() == webrtc.SignalingStateHaveLocalOffer
}

// AddCandidate applies a remote ICE candidate to the link, buffering it when
// the remote description has not been set yet.
func (m *Manager) AddCandidate(remoteID string, candidate webrtc.ICECandidateInit) error {
	link, ok := m.link(remoteID)
	if !ok {
		return fmt.Errorf("no link to %s", remoteID)
	}
	return link.addCandidate(candidate)
}

// ReplaceVideoTrack swaps the outgoing video source on every active link.
// Passing nil stops sending video.
func (m *Manager) ReplaceVideoTrack(track *media.Track) error {
	m.mu.Lock()
	links := make([]*Link, 0, len(m.links))
	for _, l := range m.links {
		links = append(links, l)
	}
	m.mu.Unlock()

	var local webrtc.TrackLocal
	if track != nil {
		local = track.Local()
	}
	for _, l := range links {
		if l.videoSender == nil {
			continue
		}
		if err := l.videoSender.ReplaceTrack(local); err != nil {
			return fmt.Errorf("failed to replace video track for %s: %w", l.remoteID, err)
		}
	}
	return nil
}

// Close tears down the link to remoteID. No-op when absent.
func (m *Manager) Close(remoteID string) {
	m.mu.Lock()
	link, ok := m.links[remoteID]
	delete(m.links, remoteID)
	m.mu.Unlock()
	if !ok {
		return
	}
	if err := link.pc.Close(); err != nil {
		log.Warn().Err(err).Str("peer_id", remoteID).Msg("error closing peer connection")
	}
}

// CloseAll tears down every link.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	links := m.links
	m.links = make(map[string]*Link)
	m.mu.Unlock()
	for id, link := range links {
		if err := link.pc.Close(); err != nil {
			log.Warn().Err(err).Str("peer_id", id).Msg("error closing peer connection")
		}
	}
}

// Has reports whether a link to remoteID exists.
func (m *Manager) Has(remoteID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.links[remoteID]
	return ok
}

// Count returns the number of open links.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.links)
}

// RemoteIDs lists the remote participants with an open link.
func (m *Manager) RemoteIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.links))
	for id := range m.links {
		out = append(out, id)
	}
	return out
}

func (m *Manager) link(remoteID string) (*Link, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	link, ok := m.links[remoteID]
	return link, ok
}

func (l *Link) setRemoteDescription(desc webrtc.SessionDescription) error {
	if err := l.pc.SetRemoteDescription(desc); err != nil {
		return err
	}

	l.mu.Lock()
	l.remoteSet = true
	pending := l.pending
	l.pending = nil
	l.mu.Unlock()

	for _, c := range pending {
		if err := l.pc.AddICECandidate(c); err != nil {
			log.Warn().Err(err).Str("peer_id", l.remoteID).Msg("failed to apply buffered candidate")
		}
	}
	return nil
}

func (l *Link) addCandidate(c webrtc.ICECandidateInit) error {
	l.mu.Lock()
	if !l.remoteSet {
		l.pending = append(l.pending, c)
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()
	return l.pc.AddICECandidate(c)
}
