package call

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// FacingMode selects which camera a video track captures from.
type FacingMode string

const (
	FacingUser        FacingMode = "user"
	FacingEnvironment FacingMode = "environment"
)

// Opposite returns the other camera facing mode.
func (f FacingMode) Opposite() FacingMode {
	if f == FacingEnvironment {
		return FacingUser
	}
	return FacingEnvironment
}

// LocalTrack is a capture track the peer manager can attach to the
// transport. SetEnabled implements mute/unmute without renegotiation:
// a disabled track keeps its transceiver but stops emitting media.
type LocalTrack interface {
	webrtc.TrackLocal

	SetEnabled(bool)
	Enabled() bool
	Close() error
}

// MediaDevices abstracts local capture so the engine can be exercised
// without real hardware. Implementations must treat permission denial
// and missing devices as errors; the engine wraps them in
// MediaAccessError and aborts the call attempt.
type MediaDevices interface {
	// GetUserMedia acquires microphone and, for video calls, camera
	// capture tracks.
	GetUserMedia(ctx context.Context, audio, video bool, facing FacingMode) ([]LocalTrack, error)

	// GetDisplayMedia acquires a display capture track for screen share.
	GetDisplayMedia(ctx context.Context) (LocalTrack, error)
}

// sampleTrack wraps a pion static sample track with an enabled flag.
type sampleTrack struct {
	*webrtc.TrackLocalStaticSample
	enabled atomic.Bool
	closed  atomic.Bool
}

func newSampleTrack(codec webrtc.RTPCodecCapability, id, streamID string) (*sampleTrack, error) {
	inner, err := webrtc.NewTrackLocalStaticSample(codec, id, streamID)
	if err != nil {
		return nil, err
	}
	t := &sampleTrack{TrackLocalStaticSample: inner}
	t.enabled.Store(true)
	return t, nil
}

func (t *sampleTrack) SetEnabled(on bool) { t.enabled.Store(on) }
func (t *sampleTrack) Enabled() bool      { return t.enabled.Load() }

// WriteSample drops media while the track is disabled so mute works
// without touching the transceiver.
func (t *sampleTrack) WriteSample(s media.Sample) error {
	if !t.enabled.Load() || t.closed.Load() {
		return nil
	}
	return t.TrackLocalStaticSample.WriteSample(s)
}

func (t *sampleTrack) Close() error {
	t.closed.Store(true)
	return nil
}

// StaticDevices is a MediaDevices implementation backed by pion static
// sample tracks. It never touches hardware: callers (capture pipelines,
// tests, the loopback service mode) feed encoded samples into the tracks
// it returns.
type StaticDevices struct {
	// FailUserMedia simulates a denied device permission.
	FailUserMedia bool
	// FailDisplayMedia simulates a denied screen-capture permission.
	FailDisplayMedia bool
}

// NewStaticDevices creates a StaticDevices source.
func NewStaticDevices() *StaticDevices {
	return &StaticDevices{}
}

// GetUserMedia returns an Opus audio track and, when video is requested,
// a VP8 video track tagged with the facing mode.
func (d *StaticDevices) GetUserMedia(_ context.Context, audio, video bool, facing FacingMode) ([]LocalTrack, error) {
	if d.FailUserMedia {
		return nil, fmt.Errorf("device permission denied")
	}
	if facing == "" {
		facing = FacingUser
	}

	var tracks []LocalTrack
	if audio {
		t, err := newSampleTrack(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio-"+string(facing), "voidlink-media")
		if err != nil {
			return nil, fmt.Errorf("failed to create audio track: %w", err)
		}
		tracks = append(tracks, t)
	}
	if video {
		t, err := newSampleTrack(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video-"+string(facing), "voidlink-media")
		if err != nil {
			return nil, fmt.Errorf("failed to create video track: %w", err)
		}
		tracks = append(tracks, t)
	}
	return tracks, nil
}

// GetDisplayMedia returns a VP8 track for the shared display.
func (d *StaticDevices) GetDisplayMedia(_ context.Context) (LocalTrack, error) {
	if d.FailDisplayMedia {
		return nil, fmt.Errorf("display capture permission denied")
	}
	t, err := newSampleTrack(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "screen", "voidlink-screen")
	if err != nil {
		return nil, fmt.Errorf("failed to create screen track: %w", err)
	}
	return t, nil
}
