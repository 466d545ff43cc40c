package call

import (
	"fmt"

	"github.com/google/uuid"

	"voidlink-backend/internal/domain"
)

// Role fixes who produces offers and who produces answers for the
// lifetime of a call. It is decided by who initiated and never changes,
// except that a glare tie-break may flip which side ends up the caller
// before either call rings.
type Role string

const (
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

// Transition is an observed state-machine step. Side effects (ringtone,
// haptics, system messages) are driven purely from these events, never
// from the call sites that caused them.
type Transition struct {
	CallID uuid.UUID
	From   domain.CallStatus
	To     domain.CallStatus
	Role   Role
	Reason domain.HangupReason // set on terminal transitions, else empty
}

// transitions enumerates the legal edges of the call lifecycle.
// Terminal states are sinks and have no outgoing edges.
var transitions = map[domain.CallStatus][]domain.CallStatus{
	domain.CallStatusPending: {
		domain.CallStatusInitiating,
		domain.CallStatusRinging,
		domain.CallStatusEnded,
	},
	domain.CallStatusInitiating: {
		domain.CallStatusRinging,
		domain.CallStatusEnded,
		domain.CallStatusDeclined,
	},
	domain.CallStatusRinging: {
		domain.CallStatusConnected,
		domain.CallStatusEnded,
		domain.CallStatusMissed,
		domain.CallStatusDeclined,
		domain.CallStatusRejected,
	},
	domain.CallStatusConnected: {
		domain.CallStatusEnded,
	},
}

// CanTransition reports whether the edge from -> to is legal.
func CanTransition(from, to domain.CallStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// stateMachine owns the authoritative status of one call session on the
// local peer. Callers must hold the engine lock; the machine itself has
// no internal synchronization.
type stateMachine struct {
	callID uuid.UUID
	role   Role
	status domain.CallStatus
}

func newStateMachine(callID uuid.UUID, role Role, initial domain.CallStatus) *stateMachine {
	return &stateMachine{callID: callID, role: role, status: initial}
}

// transition advances the machine to the requested status. Attempts to
// leave a terminal state are reported as (Transition{}, false, nil) so
// duplicate terminal signals stay idempotent no-ops; illegal non-terminal
// edges return an error.
func (m *stateMachine) transition(to domain.CallStatus, reason domain.HangupReason) (Transition, bool, error) {
	if m.status.IsTerminal() {
		return Transition{}, false, nil
	}
	if !CanTransition(m.status, to) {
		return Transition{}, false, fmt.Errorf("illegal call transition %s -> %s", m.status, to)
	}
	t := Transition{CallID: m.callID, From: m.status, To: to, Role: m.role, Reason: reason}
	m.status = to
	return t, true, nil
}
