package call

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"voidlink-backend/internal/domain"
)

// OfferPayload carries a session description offer. The initial offer of
// a call also carries the session metadata the callee needs to build its
// IncomingCall projection; renegotiation offers (screen share) set
// Renegotiation and omit it.
type OfferPayload struct {
	SDP            webrtc.SessionDescription `json:"sdp"`
	ConversationID uuid.UUID                 `json:"conversation_id,omitempty"`
	CalleeID       uuid.UUID                 `json:"callee_id,omitempty"`
	CallType       domain.CallType           `json:"call_type,omitempty"`
	Renegotiation  bool                      `json:"renegotiation,omitempty"`
}

// AnswerPayload carries a session description answer.
type AnswerPayload struct {
	SDP webrtc.SessionDescription `json:"sdp"`
}

// CandidatePayload carries one trickled ICE candidate.
type CandidatePayload struct {
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

// HangupPayload carries the reason a call is being torn down so both
// ends converge on the same terminal status.
type HangupPayload struct {
	Reason domain.HangupReason `json:"reason"`
}

func newSignal(callID, senderID uuid.UUID, sigType domain.SignalType, payload any) (*domain.CallSignal, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s payload: %w", sigType, err)
		}
		raw = data
	}
	return &domain.CallSignal{
		CallID:   callID,
		SenderID: senderID,
		Type:     sigType,
		Payload:  raw,
		SentAt:   time.Now().UTC(),
	}, nil
}

// NewOfferSignal builds the initial offer signal for a call.
func NewOfferSignal(session *domain.CallSession, senderID uuid.UUID, sdp webrtc.SessionDescription) (*domain.CallSignal, error) {
	return newSignal(session.CallID, senderID, domain.SignalOffer, &OfferPayload{
		SDP:            sdp,
		ConversationID: session.ConversationID,
		CalleeID:       session.CalleeID,
		CallType:       session.CallType,
	})
}

// NewRenegotiationOffer builds a mid-call offer for screen-share track
// addition/removal.
func NewRenegotiationOffer(callID, senderID uuid.UUID, sdp webrtc.SessionDescription) (*domain.CallSignal, error) {
	return newSignal(callID, senderID, domain.SignalOffer, &OfferPayload{SDP: sdp, Renegotiation: true})
}

// NewAnswerSignal builds an answer signal.
func NewAnswerSignal(callID, senderID uuid.UUID, sdp webrtc.SessionDescription) (*domain.CallSignal, error) {
	return newSignal(callID, senderID, domain.SignalAnswer, &AnswerPayload{SDP: sdp})
}

// NewCandidateSignal builds an ice-candidate signal.
func NewCandidateSignal(callID, senderID uuid.UUID, cand webrtc.ICECandidateInit) (*domain.CallSignal, error) {
	return newSignal(callID, senderID, domain.SignalICECandidate, &CandidatePayload{Candidate: cand})
}

// NewHangupSignal builds a hangup signal with the given reason.
func NewHangupSignal(callID, senderID uuid.UUID, reason domain.HangupReason) (*domain.CallSignal, error) {
	return newSignal(callID, senderID, domain.SignalHangup, &HangupPayload{Reason: reason})
}

// NewScreenShareSignal builds a screen-share-start or screen-share-stop
// marker signal.
func NewScreenShareSignal(callID, senderID uuid.UUID, start bool) (*domain.CallSignal, error) {
	t := domain.SignalScreenShareStop
	if start {
		t = domain.SignalScreenShareStart
	}
	return newSignal(callID, senderID, t, nil)
}

func decodePayload(sig *domain.CallSignal, want domain.SignalType, out any) error {
	if sig.Type != want {
		return fmt.Errorf("signal type mismatch: got %s, want %s", sig.Type, want)
	}
	if len(sig.Payload) == 0 {
		return fmt.Errorf("%s signal has empty payload", want)
	}
	if err := json.Unmarshal(sig.Payload, out); err != nil {
		return fmt.Errorf("malformed %s payload: %w", want, err)
	}
	return nil
}

// DecodeOffer decodes and validates an offer payload.
func DecodeOffer(sig *domain.CallSignal) (*OfferPayload, error) {
	var p OfferPayload
	if err := decodePayload(sig, domain.SignalOffer, &p); err != nil {
		return nil, err
	}
	if p.SDP.Type != webrtc.SDPTypeOffer || p.SDP.SDP == "" {
		return nil, fmt.Errorf("offer signal carries invalid session description")
	}
	return &p, nil
}

// DecodeAnswer decodes and validates an answer payload.
func DecodeAnswer(sig *domain.CallSignal) (*AnswerPayload, error) {
	var p AnswerPayload
	if err := decodePayload(sig, domain.SignalAnswer, &p); err != nil {
		return nil, err
	}
	if p.SDP.Type != webrtc.SDPTypeAnswer || p.SDP.SDP == "" {
		return nil, fmt.Errorf("answer signal carries invalid session description")
	}
	return &p, nil
}

// DecodeCandidate decodes an ice-candidate payload. Malformed candidates
// are an error for the caller to log and drop; they are never fatal to
// the call.
func DecodeCandidate(sig *domain.CallSignal) (*CandidatePayload, error) {
	var p CandidatePayload
	if err := decodePayload(sig, domain.SignalICECandidate, &p); err != nil {
		return nil, err
	}
	if p.Candidate.Candidate == "" {
		return nil, fmt.Errorf("ice-candidate signal carries empty candidate")
	}
	return &p, nil
}

// DecodeHangup decodes a hangup payload. A missing or unknown reason
// defaults to "ended" so a bare hangup still converges.
func DecodeHangup(sig *domain.CallSignal) (*HangupPayload, error) {
	if sig.Type != domain.SignalHangup {
		return nil, fmt.Errorf("signal type mismatch: got %s, want %s", sig.Type, domain.SignalHangup)
	}
	p := HangupPayload{Reason: domain.HangupReasonEnded}
	if len(sig.Payload) > 0 {
		if err := json.Unmarshal(sig.Payload, &p); err != nil {
			return nil, fmt.Errorf("malformed hangup payload: %w", err)
		}
	}
	if p.Reason == "" {
		p.Reason = domain.HangupReasonEnded
	}
	return &p, nil
}
