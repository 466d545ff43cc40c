package domain

import (
	"time"

	"github.com/google/uuid"
)

// CallType distinguishes audio-only from audio+video calls
type CallType string

const (
	CallTypeAudio CallType = "audio"
	CallTypeVideo CallType = "video"
)

// CallStatus is the lifecycle state of a call session.
// Terminal states (ended, missed, declined, rejected) are immutable sinks.
type CallStatus string

const (
	CallStatusPending    CallStatus = "pending"
	CallStatusInitiating CallStatus = "initiating"
	CallStatusRinging    CallStatus = "ringing"
	CallStatusConnected  CallStatus = "connected"
	CallStatusEnded      CallStatus = "ended"
	CallStatusMissed     CallStatus = "missed"
	CallStatusDeclined   CallStatus = "declined"
	CallStatusRejected   CallStatus = "rejected"
)

// IsTerminal reports whether a status is a sink: once reached, further
// signals referencing the same call id must produce no state change.
func (s CallStatus) IsTerminal() bool {
	switch s {
	case CallStatusEnded, CallStatusMissed, CallStatusDeclined, CallStatusRejected:
		return true
	}
	return false
}

// CallSession represents one call attempt between two users
type CallSession struct {
	CallID          uuid.UUID  `json:"call_id"`
	ConversationID  uuid.UUID  `json:"conversation_id"`
	CallerID        uuid.UUID  `json:"caller_id"`
	CalleeID        uuid.UUID  `json:"callee_id"`
	CallType        CallType   `json:"call_type"`
	Status          CallStatus `json:"status"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	DurationSeconds *int       `json:"duration_seconds,omitempty"`
}

// Duration derives the call duration from StartedAt/EndedAt.
// Returns nil when either timestamp is missing (call never connected).
func (s *CallSession) Duration() *int {
	if s.StartedAt == nil || s.EndedAt == nil {
		return nil
	}
	d := int(s.EndedAt.Sub(*s.StartedAt).Seconds())
	return &d
}

// IncomingCall is the transient projection shown to a callee before they
// act on a ringing call. It exists only between offer receipt and the
// answer/decline action.
type IncomingCall struct {
	Session *CallSession `json:"session"`
	Caller  *User        `json:"caller"`
}
