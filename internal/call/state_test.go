package call

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"voidlink-backend/internal/domain"
)

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(domain.CallStatusPending, domain.CallStatusInitiating))
	assert.True(t, CanTransition(domain.CallStatusInitiating, domain.CallStatusRinging))
	assert.True(t, CanTransition(domain.CallStatusRinging, domain.CallStatusConnected))
	assert.True(t, CanTransition(domain.CallStatusRinging, domain.CallStatusMissed))
	assert.True(t, CanTransition(domain.CallStatusRinging, domain.CallStatusDeclined))
	assert.True(t, CanTransition(domain.CallStatusRinging, domain.CallStatusRejected))
	assert.True(t, CanTransition(domain.CallStatusConnected, domain.CallStatusEnded))

	// Never backwards or sideways out of connected
	assert.False(t, CanTransition(domain.CallStatusConnected, domain.CallStatusRinging))
	assert.False(t, CanTransition(domain.CallStatusConnected, domain.CallStatusDeclined))
	assert.False(t, CanTransition(domain.CallStatusPending, domain.CallStatusConnected))

	// Terminal states are sinks
	for _, terminal := range []domain.CallStatus{
		domain.CallStatusEnded,
		domain.CallStatusMissed,
		domain.CallStatusDeclined,
		domain.CallStatusRejected,
	} {
		assert.False(t, CanTransition(terminal, domain.CallStatusConnected), string(terminal))
		assert.False(t, CanTransition(terminal, domain.CallStatusEnded), string(terminal))
	}
}

func TestStateMachineHappyPath(t *testing.T) {
	callID := uuid.New()
	sm := newStateMachine(callID, RoleCaller, domain.CallStatusPending)

	tr, ok, err := sm.transition(domain.CallStatusInitiating, "")
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, domain.CallStatusPending, tr.From)
	assert.Equal(t, domain.CallStatusInitiating, tr.To)
	assert.Equal(t, RoleCaller, tr.Role)
	assert.Equal(t, callID, tr.CallID)

	_, ok, err = sm.transition(domain.CallStatusRinging, "")
	assert.NoError(t, err)
	assert.True(t, ok)

	_, ok, err = sm.transition(domain.CallStatusConnected, "")
	assert.NoError(t, err)
	assert.True(t, ok)

	tr, ok, err = sm.transition(domain.CallStatusEnded, domain.HangupReasonEnded)
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, domain.HangupReasonEnded, tr.Reason)
	assert.Equal(t, domain.CallStatusEnded, sm.status)
}

func TestStateMachineTerminalIsIdempotentSink(t *testing.T) {
	sm := newStateMachine(uuid.New(), RoleCallee, domain.CallStatusRinging)

	_, ok, err := sm.transition(domain.CallStatusDeclined, domain.HangupReasonDeclined)
	assert.NoError(t, err)
	assert.True(t, ok)

	// A racing hangup landing after decline is a silent no-op, not an error.
	tr, ok, err := sm.transition(domain.CallStatusEnded, domain.HangupReasonEnded)
	assert.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, Transition{}, tr)
	assert.Equal(t, domain.CallStatusDeclined, sm.status)
}

func TestStateMachineRejectsIllegalEdge(t *testing.T) {
	sm := newStateMachine(uuid.New(), RoleCaller, domain.CallStatusPending)

	_, ok, err := sm.transition(domain.CallStatusConnected, "")
	assert.Error(t, err)
	assert.False(t, ok)
	assert.Equal(t, domain.CallStatusPending, sm.status)
}
