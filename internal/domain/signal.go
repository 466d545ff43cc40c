package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// SignalType tags the payload variant carried by a CallSignal
type SignalType string

const (
	SignalOffer            SignalType = "offer"
	SignalAnswer           SignalType = "answer"
	SignalICECandidate     SignalType = "ice-candidate"
	SignalHangup           SignalType = "hangup"
	SignalScreenShareStart SignalType = "screen-share-start"
	SignalScreenShareStop  SignalType = "screen-share-stop"
)

// Valid reports whether t is a known signal type
func (t SignalType) Valid() bool {
	switch t {
	case SignalOffer, SignalAnswer, SignalICECandidate, SignalHangup,
		SignalScreenShareStart, SignalScreenShareStop:
		return true
	}
	return false
}

// HangupReason qualifies a hangup signal so both ends converge on the
// same terminal status.
type HangupReason string

const (
	HangupReasonEnded     HangupReason = "ended"
	HangupReasonDeclined  HangupReason = "declined"
	HangupReasonBusy      HangupReason = "busy"
	HangupReasonCancelled HangupReason = "cancelled"
	HangupReasonTimeout   HangupReason = "timeout"
	HangupReasonError     HangupReason = "error"
)

// CallSignal is one signaling message exchanged over the relay, scoped
// to a single call id. The payload shape is determined by Type and is
// decoded/validated on receipt.
type CallSignal struct {
	CallID   uuid.UUID       `json:"call_id"`
	SenderID uuid.UUID       `json:"sender_id"`
	Type     SignalType      `json:"signal_type"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	SentAt   time.Time       `json:"sent_at"`
}
