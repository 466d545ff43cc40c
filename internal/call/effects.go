package call

import (
	"go.uber.org/zap"

	"voidlink-backend/internal/domain"
)

// Cue names a sound the UI layer should play. The mapping from state
// transition to cue lives here so no call site ever triggers audio
// directly; the engine's transition stream is the single source of
// truth for what sound is currently appropriate.
type Cue string

const (
	CueRingtone Cue = "ringtone"  // callee, while ringing
	CueDialTone Cue = "dial-tone" // caller, while ringing
	CueConnect  Cue = "connect"   // both, on connect (with haptic)
	CueEnd      Cue = "end"       // both, on any terminal transition
)

// EffectsPlayer is implemented by the platform layer (ws gateway client,
// native shell). Play replaces whatever cue is currently sounding; Stop
// silences everything.
type EffectsPlayer interface {
	Play(Cue)
	Stop()
	Vibrate()
}

// NopPlayer discards all cues. Used when no platform player is wired.
type NopPlayer struct{}

func (NopPlayer) Play(Cue) {}
func (NopPlayer) Stop()    {}
func (NopPlayer) Vibrate() {}

// Effects subscribes to engine transitions and drives the player. It is
// deliberately stateless beyond the player reference: every decision is
// a pure function of the observed transition.
type Effects struct {
	player EffectsPlayer
	log    *zap.Logger
}

// NewEffects wires a player to an engine's transition stream.
func NewEffects(player EffectsPlayer, log *zap.Logger) *Effects {
	if player == nil {
		player = NopPlayer{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Effects{player: player, log: log}
}

// Attach registers the effects subscriber on an engine.
func (e *Effects) Attach(engine *Engine) {
	engine.OnTransition(e.Apply)
}

// Apply maps one transition to its cue.
func (e *Effects) Apply(t Transition) {
	switch {
	case t.To == domain.CallStatusRinging && t.Role == RoleCallee:
		e.player.Play(CueRingtone)
	case t.To == domain.CallStatusRinging && t.Role == RoleCaller:
		e.player.Play(CueDialTone)
	case t.To == domain.CallStatusConnected:
		e.player.Play(CueConnect)
		e.player.Vibrate()
	case t.To.IsTerminal():
		e.player.Stop()
		e.player.Play(CueEnd)
	}
}
