/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 CallMesh Authors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package media owns the local capture streams for a call. Capture devices
// themselves sit behind the Provider interface; this package handles
// ownership, enable/disable toggles and the camera/screen-share swap.
package media

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

// TrackKind identifies a track as audio or video
type TrackKind string

const (
	TrackKindAudio TrackKind = "audio"
	TrackKindVideo TrackKind = "video"
)

// AcquisitionError is returned when a capture device cannot be acquired
// (permission denied, no device, display surface unavailable).
type AcquisitionError struct {
	Op  string // "user-media" or "display-media"
	Err error
}

func (e *AcquisitionError) Error() string {
	return fmt.Sprintf("media: failed to acquire %s: %v", e.Op, e.Err)
}

func (e *AcquisitionError) Unwrap() error { return e.Err }

// Constraints selects which capture kinds to acquire.
type Constraints struct {
	Audio bool
	Video bool
}

// Provider acquires capture streams. Implementations wrap whatever device
// layer the embedder has; StaticProvider generates synthetic tracks.
type Provider interface {
	// AcquireUserMedia acquires microphone and/or camera capture.
	AcquireUserMedia(ctx context.Context, c Constraints) (*Stream, error)
	// AcquireDisplayMedia acquires a display-capture stream. The returned
	// stream ends when the user revokes the surface (e.g. via OS chrome).
	AcquireDisplayMedia(ctx context.Context) (*Stream, error)
}

// Track wraps a local sample track with an enable flag. The track object is
// shared by reference with every peer link it is attached to, so flipping
// the flag is observed by all of them at once.
type Track struct {
	mu      sync.Mutex
	kind    TrackKind
	local   *webrtc.TrackLocalStaticSample
	enabled bool
}

// NewTrack wraps a pion sample track. Tracks start enabled.
func NewTrack(kind TrackKind, local *webrtc.TrackLocalStaticSample) *Track {
	return &Track{kind: kind, local: local, enabled: true}
}

// Kind returns whether this is an audio or video track.
func (t *Track) Kind() TrackKind { return t.kind }

// Local returns the underlying pion track for attachment to a peer connection.
func (t *Track) Local() webrtc.TrackLocal { return t.local }

// Enabled reports whether samples are currently forwarded.
func (t *Track) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

// SetEnabled flips the forwarding flag and returns the new state.
func (t *Track) SetEnabled(enabled bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = enabled
	return t.enabled
}

// WriteSample forwards a capture sample to the track. Samples written while
// the track is disabled are dropped, which is how mute/video-off reach every
// attached peer link simultaneously.
func (t *Track) WriteSample(sample pionmedia.Sample) error {
	t.mu.Lock()
	enabled := t.enabled
	t.mu.Unlock()
	if !enabled {
		return nil
	}
	return t.local.WriteSample(sample)
}

// Stream is a set of local tracks acquired together.
type Stream struct {
	id     string
	mu     sync.Mutex
	tracks []*Track
	onEnd  func()
	ended  bool
}

// NewStream groups tracks under one stream ID.
func NewStream(id string, tracks ...*Track) *Stream {
	return &Stream{id: id, tracks: tracks}
}

// ID returns the stream identifier.
func (s *Stream) ID() string { return s.id }

// Tracks returns the stream's tracks.
func (s *Stream) Tracks() []*Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Track, len(s.tracks))
	copy(out, s.tracks)
	return out
}

// AudioTrack returns the stream's audio track, or nil.
func (s *Stream) AudioTrack() *Track { return s.trackOfKind(TrackKindAudio) }

// VideoTrack returns the stream's video track, or nil.
func (s *Stream) VideoTrack() *Track { return s.trackOfKind(TrackKindVideo) }

func (s *Stream) trackOfKind(kind TrackKind) *Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tracks {
		if t.kind == kind {
			return t
		}
	}
	return nil
}

// OnEnded registers a callback fired once when the stream ends. Used by the
// controller to detect external screen-share revocation.
func (s *Stream) OnEnded(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onEnd = fn
}

// End marks the stream finished and fires the OnEnded callback once.
// Providers call this when the capture source goes away.
func (s *Stream) End() {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	fn := s.onEnd
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Controller exclusively owns the local media for one call: the camera/mic
// stream and, while sharing, the display stream. Only the controller may
// stop or replace tracks.
type Controller struct {
	provider Provider

	mu     sync.Mutex
	stream *Stream // camera/mic
	screen *Stream // display capture, nil unless sharing
}

// NewController creates a controller over the given capture provider.
func NewController(provider Provider) *Controller {
	return &Controller{provider: provider}
}

// Acquire obtains the local capture stream for a call.
func (c *Controller) Acquire(ctx context.Context, constraints Constraints) (*Stream, error) {
	stream, err := c.provider.AcquireUserMedia(ctx, constraints)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.stream = stream
	c.mu.Unlock()
	return stream, nil
}

// Stream returns the current camera/mic stream, or nil before Acquire.
func (c *Controller) Stream() *Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stream
}

// ToggleAudio flips the microphone track and returns the resulting enabled
// state. Returns false when no audio track exists.
func (c *Controller) ToggleAudio() bool {
	return c.toggle(TrackKindAudio)
}

// ToggleVideo flips the camera track and returns the resulting enabled state.
func (c *Controller) ToggleVideo() bool {
	return c.toggle(TrackKindVideo)
}

func (c *Controller) toggle(kind TrackKind) bool {
	c.mu.Lock()
	stream := c.stream
	c.mu.Unlock()
	if stream == nil {
		return false
	}
	track := stream.trackOfKind(kind)
	if track == nil {
		return false
	}
	return track.SetEnabled(!track.Enabled())
}

// StartScreenShare acquires a display stream and returns its video track for
// the caller to swap into the outgoing links. The revoked callback fires
// once when the display surface goes away, whether through StopScreenShare
// or external revocation; the caller restores the camera track there.
func (c *Controller) StartScreenShare(ctx context.Context, revoked func()) (*Track, error) {
	c.mu.Lock()
	if c.screen != nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("media: screen share already active")
	}
	c.mu.Unlock()

	screen, err := c.provider.AcquireDisplayMedia(ctx)
	if err != nil {
		return nil, err
	}
	track := screen.VideoTrack()
	if track == nil {
		screen.End()
		return nil, &AcquisitionError{Op: "display-media", Err: fmt.Errorf("display stream has no video track")}
	}

	screen.OnEnded(func() {
		c.mu.Lock()
		c.screen = nil
		c.mu.Unlock()
		if revoked != nil {
			revoked()
		}
	})

	c.mu.Lock()
	c.screen = screen
	c.mu.Unlock()
	return track, nil
}

// StopScreenShare ends the display stream, firing the revoked callback
// registered by StartScreenShare. No-op when not sharing.
func (c *Controller) StopScreenShare() {
	c.mu.Lock()
	screen := c.screen
	c.mu.Unlock()
	if screen != nil {
		screen.End()
	}
}

// ScreenSharing reports whether a display stream is active.
func (c *Controller) ScreenSharing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.screen != nil
}

// Release ends every owned stream. Called exactly once from the call's
// terminal cleanup.
func (c *Controller) Release() {
	c.mu.Lock()
	stream, screen := c.stream, c.screen
	c.stream, c.screen = nil, nil
	c.mu.Unlock()
	if screen != nil {
		screen.End()
	}
	if stream != nil {
		stream.End()
	}
}
