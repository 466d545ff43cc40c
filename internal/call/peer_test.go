package call

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voidlink-backend/internal/domain"
)

func newTestPeer(t *testing.T, callType domain.CallType) *PeerManager {
	t.Helper()
	pm := NewPeerManager(NewStaticDevices(), nil)
	require.NoError(t, pm.Create(uuid.New(), callType, DefaultICEConfig()))
	t.Cleanup(pm.Destroy)
	return pm
}

func TestPeerManagerCreateTwiceFails(t *testing.T) {
	pm := newTestPeer(t, domain.CallTypeAudio)

	err := pm.Create(uuid.New(), domain.CallTypeAudio, DefaultICEConfig())
	var stateErr *InvalidStateError
	assert.ErrorAs(t, err, &stateErr)
}

func TestPeerManagerAttachLocalMedia(t *testing.T) {
	ctx := context.Background()

	audio := newTestPeer(t, domain.CallTypeAudio)
	require.NoError(t, audio.AttachLocalMedia(ctx))
	assert.NotNil(t, audio.audioTrack)
	assert.Nil(t, audio.videoTrack)

	video := newTestPeer(t, domain.CallTypeVideo)
	require.NoError(t, video.AttachLocalMedia(ctx))
	assert.NotNil(t, video.audioTrack)
	assert.NotNil(t, video.videoTrack)
}

func TestPeerManagerMediaAccessDenied(t *testing.T) {
	pm := NewPeerManager(&StaticDevices{FailUserMedia: true}, nil)
	require.NoError(t, pm.Create(uuid.New(), domain.CallTypeVideo, DefaultICEConfig()))
	defer pm.Destroy()

	err := pm.AttachLocalMedia(context.Background())
	var mediaErr *MediaAccessError
	assert.ErrorAs(t, err, &mediaErr)
}

func TestPeerManagerOfferAnswerExchange(t *testing.T) {
	ctx := context.Background()

	caller := newTestPeer(t, domain.CallTypeVideo)
	require.NoError(t, caller.AttachLocalMedia(ctx))
	offer, err := caller.CreateOffer(ctx)
	require.NoError(t, err)
	assert.Equal(t, webrtc.SDPTypeOffer, offer.Type)

	callee := newTestPeer(t, domain.CallTypeVideo)
	require.NoError(t, callee.AttachLocalMedia(ctx))
	require.NoError(t, callee.ApplyRemoteDescription(offer))
	answer, err := callee.CreateAnswer(ctx)
	require.NoError(t, err)
	assert.Equal(t, webrtc.SDPTypeAnswer, answer.Type)

	require.NoError(t, caller.ApplyRemoteDescription(answer))
}

func TestPeerManagerBuffersCandidatesUntilRemoteDescription(t *testing.T) {
	ctx := context.Background()

	caller := newTestPeer(t, domain.CallTypeAudio)
	require.NoError(t, caller.AttachLocalMedia(ctx))
	offer, err := caller.CreateOffer(ctx)
	require.NoError(t, err)

	callee := newTestPeer(t, domain.CallTypeAudio)
	require.NoError(t, callee.AttachLocalMedia(ctx))

	first := webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 2130706431 127.0.0.1 50001 typ host"}
	second := webrtc.ICECandidateInit{Candidate: "candidate:2 1 udp 2130706430 127.0.0.1 50002 typ host"}
	callee.AddICECandidate(first)
	callee.AddICECandidate(second)

	callee.mu.Lock()
	buffered := append([]webrtc.ICECandidateInit(nil), callee.pendingCands...)
	callee.mu.Unlock()
	require.Len(t, buffered, 2)
	assert.Equal(t, first, buffered[0])
	assert.Equal(t, second, buffered[1])

	require.NoError(t, callee.ApplyRemoteDescription(offer))

	callee.mu.Lock()
	defer callee.mu.Unlock()
	assert.Empty(t, callee.pendingCands)
	assert.True(t, callee.remoteSet)
}

func TestPeerManagerToggles(t *testing.T) {
	pm := newTestPeer(t, domain.CallTypeVideo)

	// No tracks attached yet: toggles report disabled.
	assert.False(t, pm.ToggleAudio())
	assert.False(t, pm.ToggleVideo())

	require.NoError(t, pm.AttachLocalMedia(context.Background()))

	assert.False(t, pm.ToggleAudio()) // enabled -> muted
	assert.True(t, pm.ToggleAudio())  // muted -> enabled
	assert.False(t, pm.ToggleVideo())
	assert.True(t, pm.ToggleVideo())
}

func TestPeerManagerScreenShare(t *testing.T) {
	ctx := context.Background()
	pm := newTestPeer(t, domain.CallTypeVideo)
	require.NoError(t, pm.AttachLocalMedia(ctx))

	assert.False(t, pm.ScreenSharing())
	require.NoError(t, pm.StartScreenShare(ctx))
	assert.True(t, pm.ScreenSharing())

	err := pm.StartScreenShare(ctx)
	var stateErr *InvalidStateError
	assert.ErrorAs(t, err, &stateErr)

	require.NoError(t, pm.StopScreenShare())
	assert.False(t, pm.ScreenSharing())

	// Stop with nothing attached is a no-op.
	require.NoError(t, pm.StopScreenShare())
}

func TestPeerManagerSwitchCamera(t *testing.T) {
	ctx := context.Background()
	pm := newTestPeer(t, domain.CallTypeVideo)
	require.NoError(t, pm.AttachLocalMedia(ctx))
	require.Equal(t, FacingUser, pm.Facing())

	require.NoError(t, pm.SwitchCamera(ctx))
	assert.Equal(t, FacingEnvironment, pm.Facing())

	require.NoError(t, pm.SwitchCamera(ctx))
	assert.Equal(t, FacingUser, pm.Facing())
}

func TestPeerManagerSwitchCameraPreservesMute(t *testing.T) {
	ctx := context.Background()
	pm := newTestPeer(t, domain.CallTypeVideo)
	require.NoError(t, pm.AttachLocalMedia(ctx))

	assert.False(t, pm.ToggleVideo()) // mute the camera
	require.NoError(t, pm.SwitchCamera(ctx))

	pm.mu.Lock()
	enabled := pm.videoTrack.Enabled()
	pm.mu.Unlock()
	assert.False(t, enabled)
}

func TestPeerManagerSwitchCameraWithoutVideo(t *testing.T) {
	pm := newTestPeer(t, domain.CallTypeAudio)
	require.NoError(t, pm.AttachLocalMedia(context.Background()))

	err := pm.SwitchCamera(context.Background())
	var stateErr *InvalidStateError
	assert.ErrorAs(t, err, &stateErr)
}

func TestPeerManagerStatsRequireConnectedTransport(t *testing.T) {
	pm := newTestPeer(t, domain.CallTypeAudio)
	_, ok := pm.Stats()
	assert.False(t, ok)
}

func TestAggregateRTPStats(t *testing.T) {
	reports := webrtc.StatsReport{
		"inbound-audio": webrtc.InboundRTPStreamStats{
			BytesReceived: 2048,
			PacketsLost:   3,
			Jitter:        0.012,
		},
		"outbound-video": webrtc.OutboundRTPStreamStats{
			BytesSent:       4096,
			FramesPerSecond: 30,
		},
		"pair": webrtc.ICECandidatePairStats{
			State:                webrtc.StatsICECandidatePairStateSucceeded,
			CurrentRoundTripTime: 0.045,
		},
	}

	stats := aggregateRTPStats(reports)
	assert.Equal(t, uint64(2048), stats.BytesReceived)
	assert.Equal(t, 3, stats.PacketsLost)
	assert.InDelta(t, 12.0, stats.JitterMs, 0.001)
	assert.Equal(t, uint64(4096), stats.BytesSent)

	// Frame rate comes off the outbound report; inbound streams do not
	// carry one.
	assert.Equal(t, 30.0, stats.FrameRate)
	assert.InDelta(t, 45.0, stats.RoundTripMs, 0.001)
}

func TestPeerManagerDestroyIsIdempotent(t *testing.T) {
	pm := NewPeerManager(NewStaticDevices(), nil)
	require.NoError(t, pm.Create(uuid.New(), domain.CallTypeAudio, DefaultICEConfig()))
	require.NoError(t, pm.AttachLocalMedia(context.Background()))

	pm.Destroy()
	pm.Destroy()

	assert.Equal(t, webrtc.PeerConnectionStateClosed, pm.ConnectionState())

	err := pm.AttachLocalMedia(context.Background())
	var stateErr *InvalidStateError
	assert.True(t, errors.As(err, &stateErr))
}
