/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 CallMesh Authors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package media

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

// StaticProvider builds synthetic Opus/VP8 sample tracks with no real
// capture behind them. Embedders pump samples into the tracks themselves;
// it is also the provider used by the example programs and tests.
type StaticProvider struct{}

// NewStaticProvider creates a provider of synthetic tracks.
func NewStaticProvider() *StaticProvider {
	return &StaticProvider{}
}

func (p *StaticProvider) AcquireUserMedia(ctx context.Context, c Constraints) (*Stream, error) {
	if !c.Audio && !c.Video {
		return nil, &AcquisitionError{Op: "user-media", Err: fmt.Errorf("no capture kinds requested")}
	}

	streamID := "callmesh-" + uuid.New().String()
	var tracks []*Track
	if c.Audio {
		local, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
			"audio", streamID)
		if err != nil {
			return nil, &AcquisitionError{Op: "user-media", Err: err}
		}
		tracks = append(tracks, NewTrack(TrackKindAudio, local))
	}
	if c.Video {
		local, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
			"video", streamID)
		if err != nil {
			return nil, &AcquisitionError{Op: "user-media", Err: err}
		}
		tracks = append(tracks, NewTrack(TrackKindVideo, local))
	}
	return NewStream(streamID, tracks...), nil
}

func (p *StaticProvider) AcquireDisplayMedia(ctx context.Context) (*Stream, error) {
	streamID := "callmesh-screen-" + uuid.New().String()
	local, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
		"screen", streamID)
	if err != nil {
		return nil, &AcquisitionError{Op: "display-media", Err: err}
	}
	return NewStream(streamID, NewTrack(TrackKindVideo, local)), nil
}
