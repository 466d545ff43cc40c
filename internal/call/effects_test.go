package call

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voidlink-backend/internal/domain"
)

type recordingPlayer struct {
	mu       sync.Mutex
	cues     []Cue
	stops    int
	vibrates int
}

func (p *recordingPlayer) Play(c Cue) {
	p.mu.Lock()
	p.cues = append(p.cues, c)
	p.mu.Unlock()
}

func (p *recordingPlayer) Stop() {
	p.mu.Lock()
	p.stops++
	p.mu.Unlock()
}

func (p *recordingPlayer) Vibrate() {
	p.mu.Lock()
	p.vibrates++
	p.mu.Unlock()
}

func (p *recordingPlayer) played() []Cue {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Cue(nil), p.cues...)
}

func (p *recordingPlayer) heard(c Cue) bool {
	for _, got := range p.played() {
		if got == c {
			return true
		}
	}
	return false
}

func TestEffectsApply(t *testing.T) {
	callID := uuid.New()

	tests := []struct {
		name       string
		transition Transition
		wantCues   []Cue
		wantStops  int
		wantHaptic int
	}{
		{
			name:       "callee ringing plays ringtone",
			transition: Transition{CallID: callID, To: domain.CallStatusRinging, Role: RoleCallee},
			wantCues:   []Cue{CueRingtone},
		},
		{
			name:       "caller ringing plays dial tone",
			transition: Transition{CallID: callID, To: domain.CallStatusRinging, Role: RoleCaller},
			wantCues:   []Cue{CueDialTone},
		},
		{
			name:       "connect plays cue with haptic",
			transition: Transition{CallID: callID, From: domain.CallStatusRinging, To: domain.CallStatusConnected},
			wantCues:   []Cue{CueConnect},
			wantHaptic: 1,
		},
		{
			name:       "terminal silences and plays end",
			transition: Transition{CallID: callID, From: domain.CallStatusConnected, To: domain.CallStatusEnded},
			wantCues:   []Cue{CueEnd},
			wantStops:  1,
		},
		{
			name:       "missed is terminal too",
			transition: Transition{CallID: callID, From: domain.CallStatusRinging, To: domain.CallStatusMissed},
			wantCues:   []Cue{CueEnd},
			wantStops:  1,
		},
		{
			name:       "initiating is silent",
			transition: Transition{CallID: callID, From: domain.CallStatusPending, To: domain.CallStatusInitiating},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			player := &recordingPlayer{}
			NewEffects(player, nil).Apply(tt.transition)
			assert.Equal(t, tt.wantCues, player.played())
			assert.Equal(t, tt.wantStops, player.stops)
			assert.Equal(t, tt.wantHaptic, player.vibrates)
		})
	}
}

// An attached player hears the ringtone from a live engine: the callee
// machine passes through ringing rather than being born there.
func TestAttachedPlayerHearsRingtone(t *testing.T) {
	relay := newMemoryRelay()
	caller := newTestEngine(t, relay, uuid.New(), Config{})
	callee := newTestEngine(t, relay, uuid.New(), Config{})

	player := &recordingPlayer{}
	NewEffects(player, nil).Attach(callee)

	_, err := caller.StartCall(context.Background(), uuid.New(), callee.cfg.SelfID, domain.CallTypeAudio)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return player.heard(CueRingtone) }, waitFor, tick)
	require.NotNil(t, callee.Incoming())
}

func TestNewEffectsDefaultsToNopPlayer(t *testing.T) {
	e := NewEffects(nil, nil)
	e.Apply(Transition{To: domain.CallStatusConnected})
}
