package call

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"voidlink-backend/internal/domain"
	pkgcontext "voidlink-backend/pkg/context"
	"voidlink-backend/pkg/metrics"
)

// handleUserSignal processes signals addressed to this user's channel.
// Only initial offers arrive here; everything after ring moves to the
// per-call channel.
func (e *Engine) handleUserSignal(sig *domain.CallSignal) {
	if sig.Type != domain.SignalOffer || sig.SenderID == e.cfg.SelfID {
		return
	}
	payload, err := DecodeOffer(sig)
	if err != nil {
		e.log.Warn("dropping malformed offer", zap.Error(err))
		metrics.SignalsDroppedTotal.WithLabelValues("malformed").Inc()
		return
	}
	if payload.Renegotiation {
		return
	}

	var incoming *domain.IncomingCall

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}

	// Duplicate delivery of an offer we already ring for.
	if e.incoming != nil && e.incoming.session.CallID == sig.CallID {
		e.mu.Unlock()
		return
	}
	if e.active != nil && e.active.session.CallID == sig.CallID {
		e.mu.Unlock()
		return
	}

	if e.active != nil && e.glareWith(sig.SenderID) {
		// Both sides dialed each other at once. The lower user id keeps
		// the caller role; the other abandons its own attempt without
		// signaling and rings for the inbound offer instead.
		if e.cfg.SelfID.String() < sig.SenderID.String() {
			// Winning side: the remote abandons this offer on its own.
			e.mu.Unlock()
			return
		}
		e.log.Info("call glare resolved, yielding caller role",
			zap.String("abandoned_call_id", e.active.session.CallID.String()),
			zap.String("incoming_call_id", sig.CallID.String()))
		e.abandonOutbound(context.Background())
	}

	if e.active != nil || e.incoming != nil {
		e.mu.Unlock()
		e.autoDeclineBusy(sig.CallID)
		return
	}

	// Another device of this user may be mid-call; local state cannot
	// see that, so consult shared presence before ringing.
	if e.busy != nil {
		ctx, cancel := pkgcontext.WithShortTimeout(context.Background())
		busyElsewhere, err := e.busy.IsBusy(ctx, e.cfg.SelfID)
		cancel()
		if err != nil {
			e.log.Warn("busy presence check failed", zap.Error(err))
		} else if busyElsewhere {
			e.mu.Unlock()
			e.autoDeclineBusy(sig.CallID)
			return
		}
	}

	session := &domain.CallSession{
		CallID:         sig.CallID,
		ConversationID: payload.ConversationID,
		CallerID:       sig.SenderID,
		CalleeID:       e.cfg.SelfID,
		CallType:       payload.CallType,
		Status:         domain.CallStatusRinging,
		CreatedAt:      sig.SentAt,
	}

	ch, unsub, err := e.relay.Subscribe(CallChannel(sig.CallID))
	if err != nil {
		e.mu.Unlock()
		e.log.Error("failed to subscribe to call channel", zap.Error(err))
		return
	}
	go e.dispatch(ch, e.handleCallSignal)

	callID := sig.CallID
	sm := newStateMachine(sig.CallID, RoleCallee, domain.CallStatusPending)
	ringing, _, err := sm.transition(domain.CallStatusRinging, "")
	if err != nil {
		e.mu.Unlock()
		unsub()
		e.log.Error("failed to ring incoming call", zap.Error(err))
		return
	}
	inc := &incomingCall{
		session:   session,
		offer:     payload.SDP,
		sm:        sm,
		ringTimer: time.AfterFunc(e.cfg.ringTimeout(), func() { e.onRingTimeout(callID) }),
		unsub:     unsub,
	}
	if e.ids != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		caller, err := e.ids.Resolve(ctx, sig.SenderID)
		cancel()
		if err != nil {
			e.log.Warn("failed to resolve caller profile", zap.Error(err))
		} else {
			inc.caller = caller
		}
	}
	e.incoming = inc

	s := *session
	incoming = &domain.IncomingCall{Session: &s, Caller: inc.caller}
	e.mu.Unlock()

	e.log.Info("incoming call",
		zap.String("call_id", sig.CallID.String()),
		zap.String("caller_id", sig.SenderID.String()),
		zap.String("call_type", string(payload.CallType)))
	e.emitAll([]Transition{ringing})
	e.fireIncoming(incoming)
}

// glareWith reports whether the inbound offer crosses our own outbound
// attempt: our call has not connected yet and its callee is the very
// user now offering to us.
func (e *Engine) glareWith(offerFrom uuid.UUID) bool {
	ac := e.active
	if ac == nil || ac.session.Status == domain.CallStatusConnected {
		return false
	}
	return ac.session.CalleeID == offerFrom
}

// abandonOutbound tears down the losing side of a glare without emitting
// transitions or hangup signals. The surviving inbound call replaces it
// on screen immediately, so the abandoned attempt is invisible.
func (e *Engine) abandonOutbound(ctx context.Context) {
	ac := e.active
	if ac == nil {
		return
	}
	if ac.ringTimer != nil {
		ac.ringTimer.Stop()
	}
	if ac.monitor != nil {
		ac.monitor.Stop()
	}
	if ac.unsub != nil {
		ac.unsub()
	}
	ac.pm.Destroy()
	e.storeEnded(ctx, ac.session.CallID, domain.CallStatusEnded, time.Now().UTC(), nil)
	e.clearBusy(ctx)
	metrics.ActiveCalls.Dec()
	e.active = nil
}

// autoDeclineBusy answers an offer that arrived while another call is
// active with a busy hangup, without disturbing the ongoing call.
func (e *Engine) autoDeclineBusy(callID uuid.UUID) {
	ctx, cancel := pkgcontext.WithShortTimeout(context.Background())
	defer cancel()
	e.sendHangup(ctx, callID, domain.HangupReasonBusy)
	e.log.Info("auto-declined incoming call while busy", zap.String("call_id", callID.String()))
}

// handleCallSignal processes signals on a per-call channel for either
// the active call or the still-ringing incoming call.
func (e *Engine) handleCallSignal(sig *domain.CallSignal) {
	if sig.SenderID == e.cfg.SelfID {
		return // own publish echoed back by the relay
	}

	var events []Transition
	defer func() { e.emitAll(events) }()

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return
	}

	if inc := e.incoming; inc != nil && inc.session.CallID == sig.CallID {
		events = e.handleIncomingSignal(inc, sig, events)
		return
	}
	if ac := e.active; ac != nil && ac.session.CallID == sig.CallID {
		events = e.handleActiveSignal(ac, sig, events)
		return
	}
	// Stale channel delivery after teardown.
	metrics.SignalsDroppedTotal.WithLabelValues("stale").Inc()
}

// handleIncomingSignal covers signals that arrive while a call rings
// locally and no peer connection exists yet.
func (e *Engine) handleIncomingSignal(inc *incomingCall, sig *domain.CallSignal, events []Transition) []Transition {
	ctx, cancel := pkgcontext.WithShortTimeout(context.Background())
	defer cancel()

	switch sig.Type {
	case domain.SignalICECandidate:
		payload, err := DecodeCandidate(sig)
		if err != nil {
			e.log.Warn("dropping malformed ice candidate", zap.Error(err))
			metrics.SignalsDroppedTotal.WithLabelValues("malformed").Inc()
			return events
		}
		inc.pending = append(inc.pending, payload.Candidate)

	case domain.SignalHangup:
		payload, err := DecodeHangup(sig)
		if err != nil {
			e.log.Warn("dropping malformed hangup", zap.Error(err))
			return events
		}
		status := domain.CallStatusEnded
		switch payload.Reason {
		case domain.HangupReasonCancelled, domain.HangupReasonTimeout:
			status = domain.CallStatusMissed
		}
		e.log.Info("incoming call withdrawn",
			zap.String("call_id", sig.CallID.String()),
			zap.String("reason", string(payload.Reason)))
		events = e.finishIncoming(ctx, events, status, payload.Reason, "")
	}
	return events
}

// handleActiveSignal covers signals for the call this engine originated
// or answered.
func (e *Engine) handleActiveSignal(ac *activeCall, sig *domain.CallSignal, events []Transition) []Transition {
	ctx, cancel := pkgcontext.WithShortTimeout(context.Background())
	defer cancel()
	log := e.log.With(zap.String("call_id", sig.CallID.String()))

	switch sig.Type {
	case domain.SignalAnswer:
		payload, err := DecodeAnswer(sig)
		if err != nil {
			log.Warn("dropping malformed answer", zap.Error(err))
			metrics.SignalsDroppedTotal.WithLabelValues("malformed").Inc()
			return events
		}
		if ac.session.Status == domain.CallStatusConnected {
			// Renegotiation answer for an offer this side published.
			if err := ac.pm.ApplyRemoteDescription(payload.SDP); err != nil {
				log.Error("failed to apply renegotiation answer", zap.Error(err))
				e.sendHangup(ctx, sig.CallID, domain.HangupReasonError)
				metrics.CallsFailedTotal.WithLabelValues("negotiation").Inc()
				return e.finishActive(ctx, events, domain.CallStatusEnded, domain.HangupReasonError)
			}
			return events
		}
		if ac.sm.role != RoleCaller {
			return events
		}
		if err := ac.pm.ApplyRemoteDescription(payload.SDP); err != nil {
			log.Error("failed to apply remote answer", zap.Error(err))
			e.sendHangup(ctx, sig.CallID, domain.HangupReasonError)
			metrics.CallsFailedTotal.WithLabelValues("negotiation").Inc()
			return e.finishActive(ctx, events, domain.CallStatusEnded, domain.HangupReasonError)
		}
		if t, ok, _ := ac.sm.transition(domain.CallStatusConnected, ""); ok {
			events = append(events, t)
		}
		now := time.Now().UTC()
		ac.session.Status = domain.CallStatusConnected
		ac.session.StartedAt = &now
		if ac.ringTimer != nil {
			ac.ringTimer.Stop()
		}
		e.storeConnected(ctx, sig.CallID, now)
		log.Info("call connected")

	case domain.SignalICECandidate:
		payload, err := DecodeCandidate(sig)
		if err != nil {
			log.Warn("dropping malformed ice candidate", zap.Error(err))
			metrics.SignalsDroppedTotal.WithLabelValues("malformed").Inc()
			return events
		}
		ac.pm.AddICECandidate(payload.Candidate)

	case domain.SignalOffer:
		// Mid-call renegotiation, driven by the remote screen share.
		payload, err := DecodeOffer(sig)
		if err != nil {
			log.Warn("dropping malformed renegotiation offer", zap.Error(err))
			metrics.SignalsDroppedTotal.WithLabelValues("malformed").Inc()
			return events
		}
		if !payload.Renegotiation || ac.session.Status != domain.CallStatusConnected {
			return events
		}
		if err := e.answerRenegotiation(ctx, ac, payload.SDP, log); err != nil {
			log.Error("renegotiation failed", zap.Error(err))
			e.sendHangup(ctx, sig.CallID, domain.HangupReasonError)
			metrics.CallsFailedTotal.WithLabelValues("negotiation").Inc()
			return e.finishActive(ctx, events, domain.CallStatusEnded, domain.HangupReasonError)
		}

	case domain.SignalScreenShareStart:
		ac.remoteScreenSharing = true
	case domain.SignalScreenShareStop:
		ac.remoteScreenSharing = false

	case domain.SignalHangup:
		payload, err := DecodeHangup(sig)
		if err != nil {
			log.Warn("dropping malformed hangup", zap.Error(err))
			return events
		}
		status := remoteHangupStatus(ac.session.Status, payload.Reason)
		log.Info("remote hangup",
			zap.String("reason", string(payload.Reason)),
			zap.String("status", string(status)))
		events = e.finishActive(ctx, events, status, payload.Reason)
	}
	return events
}

// remoteHangupStatus maps a remote hangup reason onto this side's
// terminal status. A connected call always ends as "ended" no matter
// what reason the remote supplies.
func remoteHangupStatus(current domain.CallStatus, reason domain.HangupReason) domain.CallStatus {
	if current == domain.CallStatusConnected {
		return domain.CallStatusEnded
	}
	switch reason {
	case domain.HangupReasonDeclined:
		return domain.CallStatusDeclined
	case domain.HangupReasonBusy:
		return domain.CallStatusRejected
	case domain.HangupReasonTimeout:
		return domain.CallStatusMissed
	default:
		return domain.CallStatusEnded
	}
}

func (e *Engine) answerRenegotiation(ctx context.Context, ac *activeCall, offer webrtc.SessionDescription, log *zap.Logger) error {
	if err := ac.pm.ApplyRemoteDescription(offer); err != nil {
		return err
	}
	answer, err := ac.pm.CreateAnswer(ctx)
	if err != nil {
		return err
	}
	sig, err := NewAnswerSignal(ac.session.CallID, e.cfg.SelfID, answer)
	if err != nil {
		return err
	}
	return publishWithRetry(ctx, e.relay, log, CallChannel(ac.session.CallID), sig)
}

// onRingTimeout fires when a ringing call was neither answered nor
// declined within the timeout. Both ends run their own timer, so no
// signal is strictly required for convergence; the caller still sends
// one so the callee stops ringing promptly when clocks drift.
func (e *Engine) onRingTimeout(callID uuid.UUID) {
	var events []Transition
	defer func() { e.emitAll(events) }()

	ctx, cancel := pkgcontext.WithShortTimeout(context.Background())
	defer cancel()

	e.mu.Lock()
	defer e.mu.Unlock()

	if ac := e.active; ac != nil && ac.session.CallID == callID && ac.session.Status != domain.CallStatusConnected {
		e.log.Info("outbound call timed out", zap.String("call_id", callID.String()))
		e.sendHangup(ctx, callID, domain.HangupReasonTimeout)
		events = e.finishActive(ctx, events, domain.CallStatusEnded, domain.HangupReasonTimeout)
		return
	}
	if inc := e.incoming; inc != nil && inc.session.CallID == callID {
		e.log.Info("incoming call timed out", zap.String("call_id", callID.String()))
		events = e.finishIncoming(ctx, events, domain.CallStatusMissed, domain.HangupReasonTimeout, "Missed call")
	}
}

// candidatePublisher returns the trickle callback wired into the peer
// manager. Candidates are published as they surface; a candidate that
// cannot be delivered is dropped, the connection survives on the ones
// that made it.
func (e *Engine) candidatePublisher(callID uuid.UUID) func(webrtc.ICECandidateInit) {
	return func(cand webrtc.ICECandidateInit) {
		go func() {
			ctx, cancel := pkgcontext.WithMediumTimeout(context.Background())
			defer cancel()

			sig, err := NewCandidateSignal(callID, e.cfg.SelfID, cand)
			if err == nil {
				err = publishWithRetry(ctx, e.relay, e.log, CallChannel(callID), sig)
			}
			if err != nil {
				e.log.Warn("dropping undeliverable ice candidate",
					zap.String("call_id", callID.String()), zap.Error(err))
				metrics.SignalsDroppedTotal.WithLabelValues("delivery").Inc()
				return
			}
			metrics.SignalsPublishedTotal.WithLabelValues(string(domain.SignalICECandidate), "ok").Inc()
		}()
	}
}

// transportStateHandler reacts to ICE transport state. Connected starts
// quality sampling; Failed and Closed are the safety net for calls that
// die without a hangup signal ever arriving.
func (e *Engine) transportStateHandler(callID uuid.UUID) func(webrtc.PeerConnectionState) {
	return func(state webrtc.PeerConnectionState) {
		go func() {
			var events []Transition
			defer func() { e.emitAll(events) }()

			e.mu.Lock()
			defer e.mu.Unlock()

			ac := e.active
			if ac == nil || ac.session.CallID != callID {
				return
			}

			switch state {
			case webrtc.PeerConnectionStateConnected:
				if ac.monitor != nil {
					ac.monitor.Start()
				}
			case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
				if ac.session.Status != domain.CallStatusConnected {
					return
				}
				ctx, cancel := pkgcontext.WithShortTimeout(context.Background())
				defer cancel()
				e.log.Warn("transport lost, ending call",
					zap.String("call_id", callID.String()),
					zap.String("state", state.String()))
				e.sendHangup(ctx, callID, domain.HangupReasonError)
				events = e.finishActive(ctx, events, domain.CallStatusEnded, domain.HangupReasonError)
			}
		}()
	}
}

// newMonitor builds the quality monitor for a call. Samples flow into
// the active call snapshot and the quality gauge.
func (e *Engine) newMonitor(callID uuid.UUID, source StatsSource, log *zap.Logger) *QualityMonitor {
	return NewQualityMonitor(source, e.cfg.statsInterval(), func(q domain.ConnectionQuality, s domain.CallStats) {
		e.mu.Lock()
		if ac := e.active; ac != nil && ac.session.CallID == callID {
			quality, stats := q, s
			ac.quality = &quality
			ac.stats = &stats
		}
		e.mu.Unlock()
		metrics.ObserveConnectionQuality(callID.String(), q.Rating)
	}, log)
}

// finishActive drives the active call to a terminal status and releases
// every resource tied to it. Must run with e.mu held; returns the
// transition events for the caller to emit after unlock.
func (e *Engine) finishActive(ctx context.Context, events []Transition, status domain.CallStatus, reason domain.HangupReason) []Transition {
	ac := e.active
	if ac == nil {
		return events
	}

	if t, ok, err := ac.sm.transition(status, reason); ok {
		events = append(events, t)
	} else if err != nil {
		// Requested terminal not reachable from here; "ended" always is.
		if t, ok, _ := ac.sm.transition(domain.CallStatusEnded, reason); ok {
			status = domain.CallStatusEnded
			events = append(events, t)
		}
	}

	now := time.Now().UTC()
	var duration *int
	if ac.session.StartedAt != nil {
		secs := int(now.Sub(*ac.session.StartedAt) / time.Second)
		duration = &secs
	}
	ac.session.Status = status
	ac.session.EndedAt = &now
	ac.session.DurationSeconds = duration

	if ac.ringTimer != nil {
		ac.ringTimer.Stop()
	}
	if ac.monitor != nil {
		ac.monitor.Stop()
	}
	if ac.unsub != nil {
		ac.unsub()
	}
	ac.pm.Destroy()

	e.storeEnded(ctx, ac.session.CallID, status, now, duration)
	e.clearBusy(ctx)

	if duration != nil {
		metrics.CallDurationSeconds.Observe(float64(*duration))
	}
	metrics.ActiveCalls.Dec()
	metrics.ForgetConnectionQuality(ac.session.CallID.String())

	e.active = nil
	return events
}

// finishIncoming drives the ringing incoming call to a terminal status
// and releases its subscription. A non-empty marker is appended to the
// conversation as a system message. Must run with e.mu held.
func (e *Engine) finishIncoming(ctx context.Context, events []Transition, status domain.CallStatus, reason domain.HangupReason, marker string) []Transition {
	inc := e.incoming
	if inc == nil {
		return events
	}

	if t, ok, _ := inc.sm.transition(status, reason); ok {
		events = append(events, t)
	}
	now := time.Now().UTC()
	inc.session.Status = status
	inc.session.EndedAt = &now

	inc.ringTimer.Stop()
	if inc.unsub != nil {
		inc.unsub()
	}

	e.storeEnded(ctx, inc.session.CallID, status, now, nil)
	if marker != "" {
		e.appendMarker(ctx, inc.session.ConversationID, marker)
	}

	e.incoming = nil
	return events
}

// abortAttempt tears down an outbound attempt that failed before the
// active call was registered. Must run with e.mu held.
func (e *Engine) abortAttempt(events []Transition, sm *stateMachine, session *domain.CallSession, reason domain.HangupReason) []Transition {
	if t, ok, _ := sm.transition(domain.CallStatusEnded, reason); ok {
		events = append(events, t)
	}
	now := time.Now().UTC()
	session.Status = domain.CallStatusEnded
	session.EndedAt = &now

	ctx, cancel := pkgcontext.WithShortTimeout(context.Background())
	defer cancel()
	e.storeEnded(ctx, session.CallID, domain.CallStatusEnded, now, nil)
	return events
}

// sendHangup publishes a hangup best-effort. Local teardown never waits
// on, or fails because of, signal delivery.
func (e *Engine) sendHangup(ctx context.Context, callID uuid.UUID, reason domain.HangupReason) {
	sig, err := NewHangupSignal(callID, e.cfg.SelfID, reason)
	if err == nil {
		err = publishWithRetry(ctx, e.relay, e.log, CallChannel(callID), sig)
	}
	if err != nil {
		e.log.Warn("hangup signal delivery failed",
			zap.String("call_id", callID.String()),
			zap.String("reason", string(reason)),
			zap.Error(err))
		metrics.SignalsPublishedTotal.WithLabelValues(string(domain.SignalHangup), "error").Inc()
		return
	}
	metrics.SignalsPublishedTotal.WithLabelValues(string(domain.SignalHangup), "ok").Inc()
}

func (e *Engine) storeCreate(ctx context.Context, session *domain.CallSession) {
	if e.store == nil {
		return
	}
	if err := e.store.Create(ctx, session); err != nil {
		e.log.Error("failed to persist call session",
			zap.String("call_id", session.CallID.String()), zap.Error(err))
	}
}

func (e *Engine) storeStatus(ctx context.Context, callID uuid.UUID, status domain.CallStatus) {
	if e.store == nil {
		return
	}
	if err := e.store.UpdateStatus(ctx, callID, status); err != nil {
		e.log.Error("failed to persist call status",
			zap.String("call_id", callID.String()),
			zap.String("status", string(status)), zap.Error(err))
	}
}

func (e *Engine) storeConnected(ctx context.Context, callID uuid.UUID, startedAt time.Time) {
	if e.store == nil {
		return
	}
	if err := e.store.MarkConnected(ctx, callID, startedAt); err != nil {
		e.log.Error("failed to persist call connect",
			zap.String("call_id", callID.String()), zap.Error(err))
	}
}

func (e *Engine) storeEnded(ctx context.Context, callID uuid.UUID, status domain.CallStatus, endedAt time.Time, duration *int) {
	if e.store == nil {
		return
	}
	if err := e.store.MarkEnded(ctx, callID, status, endedAt, duration); err != nil {
		e.log.Error("failed to persist call end",
			zap.String("call_id", callID.String()), zap.Error(err))
	}
}

func (e *Engine) appendMarker(ctx context.Context, conversationID uuid.UUID, marker string) {
	if e.sysmsg == nil {
		return
	}
	if err := e.sysmsg.AppendCallMarker(ctx, conversationID, e.cfg.SelfID, marker); err != nil {
		e.log.Warn("failed to append call marker",
			zap.String("conversation_id", conversationID.String()), zap.Error(err))
	}
}

func (e *Engine) setBusy(ctx context.Context, callID uuid.UUID) {
	if e.busy == nil {
		return
	}
	if err := e.busy.SetBusy(ctx, e.cfg.SelfID, callID); err != nil {
		e.log.Warn("failed to publish busy presence", zap.Error(err))
	}
}

func (e *Engine) clearBusy(ctx context.Context) {
	if e.busy == nil {
		return
	}
	if err := e.busy.ClearBusy(ctx, e.cfg.SelfID); err != nil {
		e.log.Warn("failed to clear busy presence", zap.Error(err))
	}
}

func (e *Engine) resolveOther(ctx context.Context, ac *activeCall, userID uuid.UUID) {
	if e.ids == nil {
		return
	}
	other, err := e.ids.Resolve(ctx, userID)
	if err != nil {
		e.log.Warn("failed to resolve participant profile",
			zap.String("user_id", userID.String()), zap.Error(err))
		return
	}
	ac.other = other
}
