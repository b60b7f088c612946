/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 CallMesh Authors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package media

import (
	"context"
	"errors"
	"testing"
)

// capturingProvider records the last display stream it handed out so tests
// can end it as if the user revoked the surface.
type capturingProvider struct {
	*StaticProvider
	lastDisplay *Stream
}

func (p *capturingProvider) AcquireDisplayMedia(ctx context.Context) (*Stream, error) {
	stream, err := p.StaticProvider.AcquireDisplayMedia(ctx)
	if err != nil {
		return nil, err
	}
	p.lastDisplay = stream
	return stream, nil
}

func TestStaticProviderAcquireUserMedia(t *testing.T) {
	ctx := context.Background()
	provider := NewStaticProvider()

	t.Run("audio and video", func(t *testing.T) {
		stream, err := provider.AcquireUserMedia(ctx, Constraints{Audio: true, Video: true})
		if err != nil {
			t.Fatalf("acquire failed: %v", err)
		}
		if stream.AudioTrack() == nil || stream.VideoTrack() == nil {
			t.Error("expected both an audio and a video track")
		}
	})

	t.Run("audio only", func(t *testing.T) {
		stream, err := provider.AcquireUserMedia(ctx, Constraints{Audio: true})
		if err != nil {
			t.Fatalf("acquire failed: %v", err)
		}
		if stream.AudioTrack() == nil {
			t.Error("expected an audio track")
		}
		if stream.VideoTrack() != nil {
			t.Error("voice constraints must not produce a video track")
		}
	})

	t.Run("nothing requested", func(t *testing.T) {
		_, err := provider.AcquireUserMedia(ctx, Constraints{})
		var acqErr *AcquisitionError
		if !errors.As(err, &acqErr) {
			t.Fatalf("got %v, want AcquisitionError", err)
		}
		if acqErr.Op != "user-media" {
			t.Errorf("op = %s, want user-media", acqErr.Op)
		}
	})
}

func TestControllerToggles(t *testing.T) {
	ctx := context.Background()
	c := NewController(NewStaticProvider())

	t.Run("before acquire", func(t *testing.T) {
		if c.ToggleAudio() || c.ToggleVideo() {
			t.Error("toggles before acquire must report disabled")
		}
	})

	stream, err := c.Acquire(ctx, Constraints{Audio: true, Video: true})
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	t.Run("toggle returns new state", func(t *testing.T) {
		if got := c.ToggleAudio(); got {
			t.Error("first audio toggle should disable, got enabled")
		}
		if got := c.ToggleAudio(); !got {
			t.Error("second audio toggle should re-enable")
		}
		if got := c.ToggleVideo(); got {
			t.Error("first video toggle should disable, got enabled")
		}
	})

	t.Run("state is shared by reference", func(t *testing.T) {
		// Every peer link holds the same *Track, so the flag flip is what
		// mutes all of them at once.
		track := stream.AudioTrack()
		c.ToggleAudio()
		if track.Enabled() {
			t.Error("track reference does not observe the toggle")
		}
		c.ToggleAudio()
		if !track.Enabled() {
			t.Error("track reference does not observe the re-enable")
		}
	})

	t.Run("voice call has no video to toggle", func(t *testing.T) {
		voice := NewController(NewStaticProvider())
		if _, err := voice.Acquire(ctx, Constraints{Audio: true}); err != nil {
			t.Fatalf("acquire failed: %v", err)
		}
		if voice.ToggleVideo() {
			t.Error("video toggle on a voice call must report disabled")
		}
	})
}

func TestScreenShare(t *testing.T) {
	ctx := context.Background()

	t.Run("start and stop fire revoked once", func(t *testing.T) {
		c := NewController(NewStaticProvider())
		if _, err := c.Acquire(ctx, Constraints{Audio: true, Video: true}); err != nil {
			t.Fatalf("acquire failed: %v", err)
		}

		revoked := 0
		track, err := c.StartScreenShare(ctx, func() { revoked++ })
		if err != nil {
			t.Fatalf("start failed: %v", err)
		}
		if track == nil || track.Kind() != TrackKindVideo {
			t.Fatal("expected a video track from display capture")
		}
		if !c.ScreenSharing() {
			t.Error("ScreenSharing should report true while active")
		}

		c.StopScreenShare()
		if c.ScreenSharing() {
			t.Error("ScreenSharing should report false after stop")
		}
		if revoked != 1 {
			t.Errorf("revoked callback fired %d times, want 1", revoked)
		}
		// Stop after stop is a no-op.
		c.StopScreenShare()
		if revoked != 1 {
			t.Errorf("revoked callback fired %d times after second stop, want 1", revoked)
		}
	})

	t.Run("double start rejected", func(t *testing.T) {
		c := NewController(NewStaticProvider())
		if _, err := c.StartScreenShare(ctx, nil); err != nil {
			t.Fatalf("start failed: %v", err)
		}
		if _, err := c.StartScreenShare(ctx, nil); err == nil {
			t.Error("second start should fail while sharing")
		}
	})

	t.Run("external revocation fires callback and clears state", func(t *testing.T) {
		provider := &capturingProvider{StaticProvider: NewStaticProvider()}
		c := NewController(provider)

		revoked := 0
		if _, err := c.StartScreenShare(ctx, func() { revoked++ }); err != nil {
			t.Fatalf("start failed: %v", err)
		}
		// The user revoking the display surface ends the stream out from
		// under the controller.
		provider.lastDisplay.End()
		if revoked != 1 {
			t.Errorf("revoked callback fired %d times, want 1", revoked)
		}
		if c.ScreenSharing() {
			t.Error("ScreenSharing should report false after revocation")
		}
		// Sharing can start again afterwards.
		if _, err := c.StartScreenShare(ctx, nil); err != nil {
			t.Errorf("restart after revocation failed: %v", err)
		}
	})
}

func TestStreamEndOnce(t *testing.T) {
	stream := NewStream("s-1")
	fired := 0
	stream.OnEnded(func() { fired++ })
	stream.End()
	stream.End()
	if fired != 1 {
		t.Errorf("OnEnded fired %d times, want 1", fired)
	}
}

func TestControllerRelease(t *testing.T) {
	ctx := context.Background()
	c := NewController(NewStaticProvider())
	stream, err := c.Acquire(ctx, Constraints{Audio: true, Video: true})
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	ended := 0
	stream.OnEnded(func() { ended++ })
	if _, err := c.StartScreenShare(ctx, nil); err != nil {
		t.Fatalf("start screen share failed: %v", err)
	}

	c.Release()
	if ended != 1 {
		t.Errorf("camera stream ended %d times, want 1", ended)
	}
	if c.Stream() != nil || c.ScreenSharing() {
		t.Error("release must drop both streams")
	}
}
