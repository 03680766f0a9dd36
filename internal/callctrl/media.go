package callctrl

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/telecare/consult-relay/internal/signaling"
)

// MediaSource hands out local capture for a call. Acquire runs before the
// room join; a denial is fatal to the call.
type MediaSource interface {
	Acquire(ctx context.Context) (MediaTracks, error)
}

// MediaTracks is the acquired local media. Tracks are attached to each
// negotiation session; SetEnabled mutes or unmutes a kind without
// renegotiating; Stop releases the capture and is called exactly once during
// teardown.
type MediaTracks interface {
	Tracks() []webrtc.TrackLocal
	SetEnabled(kind signaling.MediaKind, enabled bool)
	Stop()
}

// StaticSource produces one opus audio track and one VP8 video track backed
// by TrackLocalStaticSample. It carries no real capture device; sample
// writers are expected to feed the tracks externally (the CLI does not, which
// still yields a fully negotiated connection).
type StaticSource struct{}

func (StaticSource) Acquire(ctx context.Context) (MediaTracks, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio", "consult-audio",
	)
	if err != nil {
		return nil, err
	}
	video, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
		"video", "consult-video",
	)
	if err != nil {
		return nil, err
	}

	return &staticTracks{audio: audio, video: video, audioOn: true, videoOn: true}, nil
}

type staticTracks struct {
	audio *webrtc.TrackLocalStaticSample
	video *webrtc.TrackLocalStaticSample

	mu      sync.Mutex
	audioOn bool
	videoOn bool
	stopped bool
}

func (s *staticTracks) Tracks() []webrtc.TrackLocal {
	return []webrtc.TrackLocal{s.audio, s.video}
}

func (s *staticTracks) SetEnabled(kind signaling.MediaKind, enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch kind {
	case signaling.MediaKindAudio:
		s.audioOn = enabled
	case signaling.MediaKindVideo:
		s.videoOn = enabled
	}
}

// Enabled reports the current mute state for a kind.
func (s *staticTracks) Enabled(kind signaling.MediaKind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch kind {
	case signaling.MediaKindAudio:
		return s.audioOn
	case signaling.MediaKindVideo:
		return s.videoOn
	}
	return false
}

func (s *staticTracks) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
}
