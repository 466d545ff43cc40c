package call

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voidlink-backend/internal/domain"
)

func TestOfferSignalCarriesSessionMetadata(t *testing.T) {
	session := &domain.CallSession{
		CallID:         uuid.New(),
		ConversationID: uuid.New(),
		CallerID:       uuid.New(),
		CalleeID:       uuid.New(),
		CallType:       domain.CallTypeVideo,
		Status:         domain.CallStatusInitiating,
		CreatedAt:      time.Now().UTC(),
	}
	sdp := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\n"}

	sig, err := NewOfferSignal(session, session.CallerID, sdp)
	require.NoError(t, err)
	assert.Equal(t, domain.SignalOffer, sig.Type)
	assert.Equal(t, session.CallID, sig.CallID)
	assert.Equal(t, session.CallerID, sig.SenderID)

	payload, err := DecodeOffer(sig)
	require.NoError(t, err)
	assert.Equal(t, sdp, payload.SDP)
	assert.Equal(t, session.ConversationID, payload.ConversationID)
	assert.Equal(t, session.CalleeID, payload.CalleeID)
	assert.Equal(t, domain.CallTypeVideo, payload.CallType)
	assert.False(t, payload.Renegotiation)
}

func TestRenegotiationOfferOmitsSessionMetadata(t *testing.T) {
	callID := uuid.New()
	sdp := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\n"}

	sig, err := NewRenegotiationOffer(callID, uuid.New(), sdp)
	require.NoError(t, err)

	payload, err := DecodeOffer(sig)
	require.NoError(t, err)
	assert.True(t, payload.Renegotiation)
	assert.Equal(t, uuid.Nil, payload.ConversationID)
	assert.Equal(t, uuid.Nil, payload.CalleeID)
}

func TestDecodeOfferRejectsWrongSDPType(t *testing.T) {
	sig, err := NewAnswerSignal(uuid.New(), uuid.New(), webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer, SDP: "v=0\r\n",
	})
	require.NoError(t, err)

	// An answer on the offer decoder is a type mismatch.
	_, err = DecodeOffer(sig)
	assert.Error(t, err)

	// An offer-typed signal carrying an answer description is invalid too.
	sig.Type = domain.SignalOffer
	_, err = DecodeOffer(sig)
	assert.Error(t, err)
}

func TestDecodeAnswerRejectsEmptySDP(t *testing.T) {
	sig, err := NewAnswerSignal(uuid.New(), uuid.New(), webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
	})
	require.NoError(t, err)

	_, err = DecodeAnswer(sig)
	assert.Error(t, err)
}

func TestDecodeCandidateRejectsEmptyCandidate(t *testing.T) {
	sig, err := NewCandidateSignal(uuid.New(), uuid.New(), webrtc.ICECandidateInit{})
	require.NoError(t, err)

	_, err = DecodeCandidate(sig)
	assert.Error(t, err)
}

func TestDecodeHangupDefaultsReason(t *testing.T) {
	callID := uuid.New()
	senderID := uuid.New()

	// Bare hangup with no payload at all.
	bare := &domain.CallSignal{
		CallID:   callID,
		SenderID: senderID,
		Type:     domain.SignalHangup,
		SentAt:   time.Now().UTC(),
	}
	payload, err := DecodeHangup(bare)
	require.NoError(t, err)
	assert.Equal(t, domain.HangupReasonEnded, payload.Reason)

	// Empty reason field defaults the same way.
	bare.Payload = json.RawMessage(`{"reason":""}`)
	payload, err = DecodeHangup(bare)
	require.NoError(t, err)
	assert.Equal(t, domain.HangupReasonEnded, payload.Reason)

	sig, err := NewHangupSignal(callID, senderID, domain.HangupReasonBusy)
	require.NoError(t, err)
	payload, err = DecodeHangup(sig)
	require.NoError(t, err)
	assert.Equal(t, domain.HangupReasonBusy, payload.Reason)
}

func TestScreenShareSignalTypes(t *testing.T) {
	start, err := NewScreenShareSignal(uuid.New(), uuid.New(), true)
	require.NoError(t, err)
	assert.Equal(t, domain.SignalScreenShareStart, start.Type)
	assert.Empty(t, start.Payload)

	stop, err := NewScreenShareSignal(uuid.New(), uuid.New(), false)
	require.NoError(t, err)
	assert.Equal(t, domain.SignalScreenShareStop, stop.Type)
}

func TestChannelNames(t *testing.T) {
	id := uuid.MustParse("7b0b5f9e-1111-2222-3333-444455556666")
	assert.Equal(t, "call:7b0b5f9e-1111-2222-3333-444455556666", CallChannel(id))
	assert.Equal(t, "call:user:7b0b5f9e-1111-2222-3333-444455556666", UserChannel(id))
}
