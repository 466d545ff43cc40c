package call

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"voidlink-backend/internal/domain"
)

// ICEConfig is the static relay-server configuration supplied at peer
// manager construction. STUN only; no TURN or dynamic credential fetch.
type ICEConfig struct {
	STUNURLs          []string
	CandidatePoolSize uint8
}

// DefaultICEConfig returns the baked-in STUN set used when no config is
// supplied.
func DefaultICEConfig() ICEConfig {
	return ICEConfig{
		STUNURLs: []string{
			"stun:stun.l.google.com:19302",
			"stun:stun1.l.google.com:19302",
		},
		CandidatePoolSize: 10,
	}
}

func (c ICEConfig) webrtcConfiguration() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers:           []webrtc.ICEServer{{URLs: c.STUNURLs}},
		ICECandidatePoolSize: c.CandidatePoolSize,
	}
}

// PeerManager owns the media transport for exactly one call attempt:
// it creates and destroys the peer connection, attaches local capture
// tracks, renders remote tracks, and renegotiates for screen share and
// camera switches. Destroy is idempotent and must run on every path
// that ends a call.
type PeerManager struct {
	log     *zap.Logger
	devices MediaDevices

	mu        sync.Mutex
	callID    uuid.UUID
	callType  domain.CallType
	pc        *webrtc.PeerConnection
	destroyed bool

	audioTrack   LocalTrack
	videoTrack   LocalTrack
	videoSender  *webrtc.RTPSender
	screenTrack  LocalTrack
	screenSender *webrtc.RTPSender
	facing       FacingMode

	remoteSet    bool
	pendingCands []webrtc.ICECandidateInit
	remoteTracks []*webrtc.TrackRemote

	onCandidate   func(webrtc.ICECandidateInit)
	onTrack       func(*webrtc.TrackRemote)
	onStateChange func(webrtc.PeerConnectionState)
}

// NewPeerManager creates an unconnected manager. Create must be called
// exactly once before any other operation.
func NewPeerManager(devices MediaDevices, log *zap.Logger) *PeerManager {
	if log == nil {
		log = zap.NewNop()
	}
	return &PeerManager{
		log:     log,
		devices: devices,
		facing:  FacingUser,
	}
}

// OnICECandidate registers the trickle callback. Must be set before Create.
func (m *PeerManager) OnICECandidate(fn func(webrtc.ICECandidateInit)) { m.onCandidate = fn }

// OnTrack registers the remote-track callback. Must be set before Create.
func (m *PeerManager) OnTrack(fn func(*webrtc.TrackRemote)) { m.onTrack = fn }

// OnConnectionStateChange registers the transport state callback. Must be
// set before Create.
func (m *PeerManager) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	m.onStateChange = fn
}

// Create allocates the peer connection bound to the static relay server
// set. Calling it while a transport is already active is a programming
// error.
func (m *PeerManager) Create(callID uuid.UUID, callType domain.CallType, ice ICEConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pc != nil {
		return &InvalidStateError{Op: "create", Reason: "peer connection already active"}
	}
	if m.destroyed {
		return &InvalidStateError{Op: "create", Reason: "manager already destroyed"}
	}
	if len(ice.STUNURLs) == 0 {
		ice = DefaultICEConfig()
	}

	pc, err := webrtc.NewPeerConnection(ice.webrtcConfiguration())
	if err != nil {
		return &NegotiationError{Stage: "create", Err: err}
	}

	m.callID = callID
	m.callType = callType
	m.pc = pc
	m.log = m.log.With(zap.String("call_id", callID.String()))

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return // end of gathering
		}
		if m.onCandidate != nil {
			m.onCandidate(c.ToJSON())
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		m.mu.Lock()
		m.remoteTracks = append(m.remoteTracks, track)
		m.mu.Unlock()
		m.log.Debug("remote track received",
			zap.String("kind", track.Kind().String()),
			zap.String("track_id", track.ID()))
		if m.onTrack != nil {
			m.onTrack(track)
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		m.log.Debug("peer connection state changed", zap.String("state", state.String()))
		if m.onStateChange != nil {
			m.onStateChange(state)
		}
	})

	return nil
}

// AttachLocalMedia acquires microphone (and camera for video calls)
// capture and attaches the tracks to the transport. Device failures
// surface as MediaAccessError and abort the call attempt.
func (m *PeerManager) AttachLocalMedia(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pc == nil || m.destroyed {
		return &InvalidStateError{Op: "attach-local-media", Reason: "no active peer connection"}
	}

	wantVideo := m.callType == domain.CallTypeVideo
	tracks, err := m.devices.GetUserMedia(ctx, true, wantVideo, m.facing)
	if err != nil {
		return &MediaAccessError{Err: err}
	}

	for _, track := range tracks {
		sender, err := m.pc.AddTrack(track)
		if err != nil {
			return &NegotiationError{Stage: "add-track", Err: err}
		}
		switch track.Kind() {
		case webrtc.RTPCodecTypeAudio:
			m.audioTrack = track
		case webrtc.RTPCodecTypeVideo:
			m.videoTrack = track
			m.videoSender = sender
		}
	}

	m.log.Debug("local media attached",
		zap.Bool("video", wantVideo),
		zap.Int("tracks", len(tracks)))
	return nil
}

// CreateOffer produces the local session description. The caller role
// always produces the offer.
func (m *PeerManager) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pc == nil || m.destroyed {
		return webrtc.SessionDescription{}, &InvalidStateError{Op: "create-offer", Reason: "no active peer connection"}
	}

	offer, err := m.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, &NegotiationError{Stage: "create-offer", Err: err}
	}
	if err := m.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, &NegotiationError{Stage: "set-local", Err: err}
	}
	return offer, nil
}

// CreateAnswer produces the local session description in response to an
// applied remote offer. The callee role always produces the answer.
func (m *PeerManager) CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pc == nil || m.destroyed {
		return webrtc.SessionDescription{}, &InvalidStateError{Op: "create-answer", Reason: "no active peer connection"}
	}

	answer, err := m.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, &NegotiationError{Stage: "create-answer", Err: err}
	}
	if err := m.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, &NegotiationError{Stage: "set-local", Err: err}
	}
	return answer, nil
}

// ApplyRemoteDescription applies the remote session description, then
// flushes any ICE candidates that arrived before it, in original arrival
// order. Candidates that fail to apply are logged and dropped.
func (m *PeerManager) ApplyRemoteDescription(desc webrtc.SessionDescription) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pc == nil || m.destroyed {
		return &InvalidStateError{Op: "set-remote", Reason: "no active peer connection"}
	}

	if err := m.pc.SetRemoteDescription(desc); err != nil {
		return &NegotiationError{Stage: "set-remote", Err: err}
	}
	m.remoteSet = true

	for _, cand := range m.pendingCands {
		if err := m.pc.AddICECandidate(cand); err != nil {
			m.log.Warn("dropping buffered ice candidate", zap.Error(err))
		}
	}
	m.pendingCands = nil
	return nil
}

// AddICECandidate applies a trickled candidate, buffering it when the
// remote description has not been set yet. Malformed candidates are
// logged and dropped; they never fail the call.
func (m *PeerManager) AddICECandidate(cand webrtc.ICECandidateInit) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pc == nil || m.destroyed {
		return
	}
	if !m.remoteSet {
		m.pendingCands = append(m.pendingCands, cand)
		return
	}
	if err := m.pc.AddICECandidate(cand); err != nil {
		m.log.Warn("dropping ice candidate", zap.Error(err))
	}
}

// ToggleAudio flips the local audio track's enabled flag without
// renegotiation. Returns the new enabled state.
func (m *PeerManager) ToggleAudio() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.audioTrack == nil {
		return false
	}
	next := !m.audioTrack.Enabled()
	m.audioTrack.SetEnabled(next)
	return next
}

// ToggleVideo flips the local video track's enabled flag without
// renegotiation. Returns the new enabled state.
func (m *PeerManager) ToggleVideo() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.videoTrack == nil {
		return false
	}
	next := !m.videoTrack.Enabled()
	m.videoTrack.SetEnabled(next)
	return next
}

// StartScreenShare captures a display track and adds it to the
// transport. The addition requires a renegotiation round, which the
// engine drives after signaling screen-share-start.
func (m *PeerManager) StartScreenShare(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pc == nil || m.destroyed {
		return &InvalidStateError{Op: "start-screen-share", Reason: "no active peer connection"}
	}
	if m.screenTrack != nil {
		return &InvalidStateError{Op: "start-screen-share", Reason: "screen share already active"}
	}

	track, err := m.devices.GetDisplayMedia(ctx)
	if err != nil {
		return &MediaAccessError{Err: err}
	}
	sender, err := m.pc.AddTrack(track)
	if err != nil {
		_ = track.Close()
		return &NegotiationError{Stage: "add-track", Err: err}
	}
	m.screenTrack = track
	m.screenSender = sender
	m.log.Debug("screen share started")
	return nil
}

// StopScreenShare removes the display track. Idempotent.
func (m *PeerManager) StopScreenShare() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.screenTrack == nil {
		return nil
	}
	if m.pc != nil && !m.destroyed && m.screenSender != nil {
		if err := m.pc.RemoveTrack(m.screenSender); err != nil {
			return &NegotiationError{Stage: "remove-track", Err: err}
		}
	}
	_ = m.screenTrack.Close()
	m.screenTrack = nil
	m.screenSender = nil
	m.log.Debug("screen share stopped")
	return nil
}

// ScreenSharing reports whether a display track is currently attached.
func (m *PeerManager) ScreenSharing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.screenTrack != nil
}

// SwitchCamera reacquires video capture with the opposite facing mode
// and swaps the outgoing track on the same transceiver. No renegotiation.
func (m *PeerManager) SwitchCamera(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pc == nil || m.destroyed {
		return &InvalidStateError{Op: "switch-camera", Reason: "no active peer connection"}
	}
	if m.videoSender == nil || m.videoTrack == nil {
		return &InvalidStateError{Op: "switch-camera", Reason: "no local video track"}
	}

	next := m.facing.Opposite()
	tracks, err := m.devices.GetUserMedia(ctx, false, true, next)
	if err != nil {
		return &MediaAccessError{Err: err}
	}
	if len(tracks) == 0 {
		return &MediaAccessError{Err: fmt.Errorf("no camera available for facing mode %s", next)}
	}
	replacement := tracks[0]

	if err := m.videoSender.ReplaceTrack(replacement); err != nil {
		_ = replacement.Close()
		return &NegotiationError{Stage: "replace-track", Err: err}
	}

	replacement.SetEnabled(m.videoTrack.Enabled())
	_ = m.videoTrack.Close()
	m.videoTrack = replacement
	m.facing = next
	m.log.Debug("camera switched", zap.String("facing", string(next)))
	return nil
}

// Facing returns the current camera facing mode.
func (m *PeerManager) Facing() FacingMode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.facing
}

// ConnectionState reports the transport state, or Closed when the
// manager is destroyed or was never created.
func (m *PeerManager) ConnectionState() webrtc.PeerConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pc == nil || m.destroyed {
		return webrtc.PeerConnectionStateClosed
	}
	return m.pc.ConnectionState()
}

// RemoteTracks returns the remote tracks received so far.
func (m *PeerManager) RemoteTracks() []*webrtc.TrackRemote {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*webrtc.TrackRemote, len(m.remoteTracks))
	copy(out, m.remoteTracks)
	return out
}

// Stats pulls a raw counter snapshot from the transport. The second
// return is false when the transport is destroyed or not yet connected,
// which callers must treat as "skip this sampling tick".
func (m *PeerManager) Stats() (domain.CallStats, bool) {
	m.mu.Lock()
	pc := m.pc
	destroyed := m.destroyed
	m.mu.Unlock()

	if pc == nil || destroyed {
		return domain.CallStats{}, false
	}
	if pc.ConnectionState() != webrtc.PeerConnectionStateConnected {
		return domain.CallStats{}, false
	}

	return aggregateRTPStats(pc.GetStats()), true
}

// aggregateRTPStats folds per-stream transport reports into one
// snapshot. Frame rate is only reported on outbound streams, so the
// value reflects what this side is sending.
func aggregateRTPStats(reports webrtc.StatsReport) domain.CallStats {
	stats := domain.CallStats{Timestamp: time.Now()}
	for _, s := range reports {
		switch v := s.(type) {
		case webrtc.InboundRTPStreamStats:
			stats.BytesReceived += v.BytesReceived
			stats.PacketsLost += int(v.PacketsLost)
			if jitterMs := v.Jitter * 1000; jitterMs > stats.JitterMs {
				stats.JitterMs = jitterMs
			}
		case webrtc.OutboundRTPStreamStats:
			stats.BytesSent += v.BytesSent
			if v.FramesPerSecond > 0 {
				stats.FrameRate = v.FramesPerSecond
			}
		case webrtc.ICECandidatePairStats:
			if v.State == webrtc.StatsICECandidatePairStateSucceeded && v.CurrentRoundTripTime > 0 {
				stats.RoundTripMs = v.CurrentRoundTripTime * 1000
			}
		}
	}
	return stats
}

// Destroy stops all local tracks, closes the transport, and releases
// all resources. Safe to call multiple times; devices are released at
// most once.
func (m *PeerManager) Destroy() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.destroyed {
		return
	}
	m.destroyed = true

	for _, track := range []LocalTrack{m.audioTrack, m.videoTrack, m.screenTrack} {
		if track != nil {
			_ = track.Close()
		}
	}
	m.audioTrack = nil
	m.videoTrack = nil
	m.videoSender = nil
	m.screenTrack = nil
	m.screenSender = nil
	m.pendingCands = nil
	m.remoteTracks = nil

	if m.pc != nil {
		if err := m.pc.Close(); err != nil {
			m.log.Warn("peer connection close failed", zap.Error(err))
		}
		m.pc = nil
	}
	m.log.Debug("peer manager destroyed")
}
