package call

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"voidlink-backend/internal/domain"
)

// Sentinel errors for local precondition violations
var (
	// ErrNoActiveCall is returned by operations that require an active call
	ErrNoActiveCall = errors.New("no active call")

	// ErrNoIncomingCall is returned by answer/decline without a ringing call
	ErrNoIncomingCall = errors.New("no incoming call")

	// ErrNotRinging guards answer against a stale decline/hangup race:
	// the session left the ringing state before the answer was processed
	ErrNotRinging = errors.New("call is no longer ringing")

	// ErrEngineClosed is returned once the engine has been shut down
	ErrEngineClosed = errors.New("call engine closed")
)

// AlreadyInCallError is returned when starting or answering a call while
// another call is active. The existing call is left untouched and no
// signal is sent.
type AlreadyInCallError struct {
	CallID uuid.UUID
}

func (e *AlreadyInCallError) Error() string {
	return fmt.Sprintf("already in call %s", e.CallID)
}

// MediaAccessError wraps a capture device failure (permission denied or
// device unavailable). The call attempt aborts and transitions to ended.
type MediaAccessError struct {
	Err error
}

func (e *MediaAccessError) Error() string {
	return fmt.Sprintf("media access failed: %v", e.Err)
}

func (e *MediaAccessError) Unwrap() error { return e.Err }

// SignalDeliveryError wraps a relay publish failure after retries were
// exhausted. Surfaces as call failure with local teardown.
type SignalDeliveryError struct {
	Signal   domain.SignalType
	Attempts int
	Err      error
}

func (e *SignalDeliveryError) Error() string {
	return fmt.Sprintf("failed to deliver %s signal after %d attempts: %v", e.Signal, e.Attempts, e.Err)
}

func (e *SignalDeliveryError) Unwrap() error { return e.Err }

// NegotiationError wraps a failed local/remote description application.
// Never silently retried: the call aborts and renegotiation must be
// re-initiated fresh.
type NegotiationError struct {
	Stage string // "create-offer", "create-answer", "set-remote", "set-local"
	Err   error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("negotiation failed at %s: %v", e.Stage, e.Err)
}

func (e *NegotiationError) Unwrap() error { return e.Err }

// InvalidStateError marks a programming error: a peer manager operation
// called in a lifecycle state that does not permit it.
type InvalidStateError struct {
	Op     string
	Reason string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("invalid state for %s: %s", e.Op, e.Reason)
}
