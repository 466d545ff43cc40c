// Package call implements the peer-to-peer call engine: signaling over a
// relay channel, the call lifecycle state machine, the Pion-backed peer
// connection manager, and connection quality monitoring. Coupling to the
// rest of the platform is via the Relay, SessionStore, IdentityResolver,
// SystemMessages and BusyPresence interfaces only.
package call

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"voidlink-backend/internal/domain"
	pkgcontext "voidlink-backend/pkg/context"
	"voidlink-backend/pkg/metrics"
)

// DefaultRingTimeout bounds how long a call may ring with no answer
// before the caller sees "ended" and the callee sees "missed". Applied
// locally at both ends; no external deadline is assumed.
const DefaultRingTimeout = 45 * time.Second

// Config holds per-engine settings.
type Config struct {
	// SelfID is the local user this engine acts for.
	SelfID uuid.UUID

	// ICE is the static relay-server configuration for peer connections.
	ICE ICEConfig

	// RingTimeout overrides DefaultRingTimeout when positive.
	RingTimeout time.Duration

	// StatsInterval overrides DefaultStatsInterval when positive.
	StatsInterval time.Duration
}

func (c Config) ringTimeout() time.Duration {
	if c.RingTimeout > 0 {
		return c.RingTimeout
	}
	return DefaultRingTimeout
}

func (c Config) statsInterval() time.Duration {
	if c.StatsInterval > 0 {
		return c.StatsInterval
	}
	return DefaultStatsInterval
}

// SessionStore persists call sessions for history and cross-device
// visibility. The live engine is authoritative in-memory and never
// re-derives its state from the store mid-call, so store failures are
// logged and swallowed.
type SessionStore interface {
	Create(ctx context.Context, session *domain.CallSession) error
	UpdateStatus(ctx context.Context, callID uuid.UUID, status domain.CallStatus) error
	MarkConnected(ctx context.Context, callID uuid.UUID, startedAt time.Time) error
	MarkEnded(ctx context.Context, callID uuid.UUID, status domain.CallStatus, endedAt time.Time, durationSeconds *int) error
}

// IdentityResolver resolves a user id to the profile shown on the call
// screen.
type IdentityResolver interface {
	Resolve(ctx context.Context, userID uuid.UUID) (*domain.User, error)
}

// SystemMessages appends human-readable call markers ("Missed call") to
// a conversation's message list.
type SystemMessages interface {
	AppendCallMarker(ctx context.Context, conversationID, senderID uuid.UUID, marker string) error
}

// BusyPresence publishes cross-device in-call state so a user's other
// devices decline incoming calls consistently.
type BusyPresence interface {
	SetBusy(ctx context.Context, userID, callID uuid.UUID) error
	ClearBusy(ctx context.Context, userID uuid.UUID) error
	IsBusy(ctx context.Context, userID uuid.UUID) (bool, error)
}

// CallSnapshot is a read-only projection of the active call handed to
// observers and the gateway.
type CallSnapshot struct {
	Session             domain.CallSession         `json:"session"`
	Other               *domain.User               `json:"other_participant,omitempty"`
	Role                Role                       `json:"role"`
	AudioEnabled        bool                       `json:"audio_enabled"`
	VideoEnabled        bool                       `json:"video_enabled"`
	ScreenSharing       bool                       `json:"screen_sharing"`
	RemoteScreenSharing bool                       `json:"remote_screen_sharing"`
	Quality             *domain.ConnectionQuality  `json:"quality,omitempty"`
	Stats               *domain.CallStats          `json:"stats,omitempty"`
}

// activeCall is the engine's in-memory projection of the one ongoing
// call. Owned exclusively by the engine; destroyed on terminal states.
type activeCall struct {
	session             *domain.CallSession
	other               *domain.User
	sm                  *stateMachine
	pm                  *PeerManager
	monitor             *QualityMonitor
	audioEnabled        bool
	videoEnabled        bool
	screenSharing       bool
	remoteScreenSharing bool
	quality             *domain.ConnectionQuality
	stats               *domain.CallStats
	ringTimer           *time.Timer
	unsub               func()
}

// incomingCall holds a ringing inbound call before the callee acts on
// it. ICE candidates that arrive before answer are buffered here and
// flushed into the peer manager after the remote description is set.
type incomingCall struct {
	session   *domain.CallSession
	caller    *domain.User
	offer     webrtc.SessionDescription
	pending   []webrtc.ICECandidateInit
	sm        *stateMachine
	ringTimer *time.Timer
	unsub     func()
}

// Engine is the call orchestrator: it composes the signaling relay, the
// state machine, the peer connection manager and the quality monitor
// behind a small imperative API, and enforces the single-active-call
// invariant at this boundary.
type Engine struct {
	cfg     Config
	relay   Relay
	devices MediaDevices
	store   SessionStore
	ids     IdentityResolver
	sysmsg  SystemMessages
	busy    BusyPresence
	log     *zap.Logger

	mu       sync.Mutex
	active   *activeCall
	incoming *incomingCall
	closed   bool

	obsMu        sync.RWMutex
	onIncoming   []func(*domain.IncomingCall)
	onTransition []func(Transition)

	userUnsub func()
}

// NewEngine creates an engine for one local user and starts listening
// for inbound offers immediately. store, ids, sysmsg and busy may be nil
// when the corresponding collaborator is not wired.
func NewEngine(cfg Config, relay Relay, devices MediaDevices, store SessionStore, ids IdentityResolver, sysmsg SystemMessages, busy BusyPresence, log *zap.Logger) (*Engine, error) {
	if log == nil {
		log = zap.NewNop()
	}
	e := &Engine{
		cfg:     cfg,
		relay:   relay,
		devices: devices,
		store:   store,
		ids:     ids,
		sysmsg:  sysmsg,
		busy:    busy,
		log:     log.With(zap.String("user_id", cfg.SelfID.String())),
	}

	ch, cancel, err := relay.Subscribe(UserChannel(cfg.SelfID))
	if err != nil {
		return nil, err
	}
	e.userUnsub = cancel
	go e.dispatch(ch, e.handleUserSignal)

	return e, nil
}

// OnIncoming registers a callback fired for each new incoming call.
func (e *Engine) OnIncoming(fn func(*domain.IncomingCall)) {
	e.obsMu.Lock()
	e.onIncoming = append(e.onIncoming, fn)
	e.obsMu.Unlock()
}

// OnTransition registers a callback fired for each state transition.
// Side effects (tones, haptics) hang off this stream only.
func (e *Engine) OnTransition(fn func(Transition)) {
	e.obsMu.Lock()
	e.onTransition = append(e.onTransition, fn)
	e.obsMu.Unlock()
}

func (e *Engine) dispatch(ch <-chan *domain.CallSignal, handle func(*domain.CallSignal)) {
	for sig := range ch {
		if sig == nil {
			continue
		}
		handle(sig)
	}
}

func (e *Engine) emitAll(events []Transition) {
	if len(events) == 0 {
		return
	}
	e.obsMu.RLock()
	observers := make([]func(Transition), len(e.onTransition))
	copy(observers, e.onTransition)
	e.obsMu.RUnlock()

	for _, t := range events {
		if t.To == domain.CallStatusConnected {
			metrics.CallsConnectedTotal.Inc()
		}
		if t.To.IsTerminal() {
			metrics.CallsEndedTotal.WithLabelValues(string(t.To)).Inc()
		}
		for _, fn := range observers {
			fn(t)
		}
	}
}

func (e *Engine) fireIncoming(ic *domain.IncomingCall) {
	e.obsMu.RLock()
	observers := make([]func(*domain.IncomingCall), len(e.onIncoming))
	copy(observers, e.onIncoming)
	e.obsMu.RUnlock()
	for _, fn := range observers {
		fn(ic)
	}
}

// StartCall initiates an outbound call. It fails with AlreadyInCallError
// before any signal is sent when another call is active, and tears down
// every local resource on any failure past media acquisition.
func (e *Engine) StartCall(ctx context.Context, conversationID, calleeID uuid.UUID, callType domain.CallType) (*domain.CallSession, error) {
	var events []Transition
	defer func() { e.emitAll(events) }()

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, ErrEngineClosed
	}
	if e.active != nil {
		return nil, &AlreadyInCallError{CallID: e.active.session.CallID}
	}
	if e.incoming != nil {
		return nil, &AlreadyInCallError{CallID: e.incoming.session.CallID}
	}

	now := time.Now().UTC()
	session := &domain.CallSession{
		CallID:         uuid.New(),
		ConversationID: conversationID,
		CallerID:       e.cfg.SelfID,
		CalleeID:       calleeID,
		CallType:       callType,
		Status:         domain.CallStatusPending,
		CreatedAt:      now,
	}
	sm := newStateMachine(session.CallID, RoleCaller, domain.CallStatusPending)
	log := e.log.With(zap.String("call_id", session.CallID.String()))

	pm := NewPeerManager(e.devices, log)
	pm.OnICECandidate(e.candidatePublisher(session.CallID))
	pm.OnConnectionStateChange(e.transportStateHandler(session.CallID))

	if err := pm.Create(session.CallID, callType, e.cfg.ICE); err != nil {
		return nil, err
	}

	if t, ok, _ := sm.transition(domain.CallStatusInitiating, ""); ok {
		session.Status = domain.CallStatusInitiating
		events = append(events, t)
	}

	if err := pm.AttachLocalMedia(ctx); err != nil {
		pm.Destroy()
		events = e.abortAttempt(events, sm, session, domain.HangupReasonError)
		metrics.CallsFailedTotal.WithLabelValues("media_access").Inc()
		return nil, err
	}

	e.storeCreate(ctx, session)

	offer, err := pm.CreateOffer(ctx)
	if err != nil {
		pm.Destroy()
		events = e.abortAttempt(events, sm, session, domain.HangupReasonError)
		metrics.CallsFailedTotal.WithLabelValues("negotiation").Inc()
		return nil, err
	}

	ch, unsub, err := e.relay.Subscribe(CallChannel(session.CallID))
	if err != nil {
		pm.Destroy()
		events = e.abortAttempt(events, sm, session, domain.HangupReasonError)
		return nil, err
	}
	go e.dispatch(ch, e.handleCallSignal)

	sig, err := NewOfferSignal(session, e.cfg.SelfID, offer)
	if err == nil {
		err = publishWithRetry(ctx, e.relay, log, UserChannel(calleeID), sig)
	}
	if err != nil {
		unsub()
		pm.Destroy()
		events = e.abortAttempt(events, sm, session, domain.HangupReasonError)
		metrics.CallsFailedTotal.WithLabelValues("signal_delivery").Inc()
		return nil, err
	}

	if t, ok, _ := sm.transition(domain.CallStatusRinging, ""); ok {
		session.Status = domain.CallStatusRinging
		events = append(events, t)
	}
	e.storeStatus(ctx, session.CallID, domain.CallStatusRinging)

	callID := session.CallID
	e.active = &activeCall{
		session:      session,
		sm:           sm,
		pm:           pm,
		monitor:      e.newMonitor(callID, pm, log),
		audioEnabled: true,
		videoEnabled: callType == domain.CallTypeVideo,
		ringTimer:    time.AfterFunc(e.cfg.ringTimeout(), func() { e.onRingTimeout(callID) }),
		unsub:        unsub,
	}
	e.resolveOther(ctx, e.active, calleeID)
	e.setBusy(ctx, callID)

	metrics.CallsStartedTotal.WithLabelValues(string(callType)).Inc()
	metrics.ActiveCalls.Inc()
	log.Info("call started",
		zap.String("callee_id", calleeID.String()),
		zap.String("call_type", string(callType)))

	return session, nil
}

// AnswerCall accepts the ringing incoming call. The ringing guard makes
// answer safe against a decline/hangup that raced ahead of it.
func (e *Engine) AnswerCall(ctx context.Context) error {
	var events []Transition
	defer func() { e.emitAll(events) }()

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrEngineClosed
	}
	inc := e.incoming
	if inc == nil {
		return ErrNoIncomingCall
	}
	if inc.session.Status != domain.CallStatusRinging {
		return ErrNotRinging
	}

	session := inc.session
	log := e.log.With(zap.String("call_id", session.CallID.String()))

	pm := NewPeerManager(e.devices, log)
	pm.OnICECandidate(e.candidatePublisher(session.CallID))
	pm.OnConnectionStateChange(e.transportStateHandler(session.CallID))

	fail := func(reason string, err error) error {
		pm.Destroy()
		e.sendHangup(ctx, session.CallID, domain.HangupReasonError)
		events = e.finishIncoming(ctx, events, domain.CallStatusEnded, domain.HangupReasonError, "")
		metrics.CallsFailedTotal.WithLabelValues(reason).Inc()
		return err
	}

	if err := pm.Create(session.CallID, session.CallType, e.cfg.ICE); err != nil {
		return fail("negotiation", err)
	}
	if err := pm.AttachLocalMedia(ctx); err != nil {
		return fail("media_access", err)
	}
	if err := pm.ApplyRemoteDescription(inc.offer); err != nil {
		return fail("negotiation", err)
	}
	for _, cand := range inc.pending {
		pm.AddICECandidate(cand)
	}
	inc.pending = nil

	answer, err := pm.CreateAnswer(ctx)
	if err != nil {
		return fail("negotiation", err)
	}
	sig, err := NewAnswerSignal(session.CallID, e.cfg.SelfID, answer)
	if err == nil {
		err = publishWithRetry(ctx, e.relay, log, CallChannel(session.CallID), sig)
	}
	if err != nil {
		return fail("signal_delivery", err)
	}

	if t, ok, _ := inc.sm.transition(domain.CallStatusConnected, ""); ok {
		events = append(events, t)
	}
	now := time.Now().UTC()
	session.Status = domain.CallStatusConnected
	session.StartedAt = &now
	e.storeConnected(ctx, session.CallID, now)

	inc.ringTimer.Stop()
	e.incoming = nil
	e.active = &activeCall{
		session:      session,
		other:        inc.caller,
		sm:           inc.sm,
		pm:           pm,
		monitor:      e.newMonitor(session.CallID, pm, log),
		audioEnabled: true,
		videoEnabled: session.CallType == domain.CallTypeVideo,
		unsub:        inc.unsub,
	}
	e.setBusy(ctx, session.CallID)

	log.Info("call answered", zap.String("caller_id", session.CallerID.String()))
	return nil
}

// DeclineCall rejects the ringing incoming call and notifies the caller.
func (e *Engine) DeclineCall(ctx context.Context) error {
	var events []Transition
	defer func() { e.emitAll(events) }()

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.incoming == nil {
		return ErrNoIncomingCall
	}

	callID := e.incoming.session.CallID
	e.sendHangup(ctx, callID, domain.HangupReasonDeclined)
	events = e.finishIncoming(ctx, events, domain.CallStatusDeclined, domain.HangupReasonDeclined, "Declined call")
	e.log.Info("call declined", zap.String("call_id", callID.String()))
	return nil
}

// EndCall hangs up the active call (connected) or cancels the outbound
// attempt (still ringing). Local media is released immediately even if
// the remote side has not yet processed the signal.
func (e *Engine) EndCall(ctx context.Context) error {
	var events []Transition
	defer func() { e.emitAll(events) }()

	e.mu.Lock()
	defer e.mu.Unlock()

	ac := e.active
	if ac == nil {
		return ErrNoActiveCall
	}

	switch ac.session.Status {
	case domain.CallStatusConnected:
		e.sendHangup(ctx, ac.session.CallID, domain.HangupReasonEnded)
		events = e.finishActive(ctx, events, domain.CallStatusEnded, domain.HangupReasonEnded)
	default:
		// Caller cancel before answer
		e.sendHangup(ctx, ac.session.CallID, domain.HangupReasonCancelled)
		events = e.finishActive(ctx, events, domain.CallStatusDeclined, domain.HangupReasonCancelled)
	}
	return nil
}

// ToggleAudio flips the local microphone. Idempotent per state; returns
// the new enabled value.
func (e *Engine) ToggleAudio() (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active == nil {
		return false, ErrNoActiveCall
	}
	e.active.audioEnabled = e.active.pm.ToggleAudio()
	return e.active.audioEnabled, nil
}

// ToggleVideo flips the local camera. Returns the new enabled value.
func (e *Engine) ToggleVideo() (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active == nil {
		return false, ErrNoActiveCall
	}
	e.active.videoEnabled = e.active.pm.ToggleVideo()
	return e.active.videoEnabled, nil
}

// ToggleScreenShare starts or stops screen sharing. Adding/removing the
// display track requires a renegotiation round distinct from the initial
// handshake; a failed renegotiation tears the call down.
func (e *Engine) ToggleScreenShare(ctx context.Context) (bool, error) {
	var events []Transition
	defer func() { e.emitAll(events) }()

	e.mu.Lock()
	defer e.mu.Unlock()

	ac := e.active
	if ac == nil {
		return false, ErrNoActiveCall
	}
	if ac.session.Status != domain.CallStatusConnected {
		return false, &InvalidStateError{Op: "toggle-screen-share", Reason: "call not connected"}
	}
	log := e.log.With(zap.String("call_id", ac.session.CallID.String()))

	starting := !ac.screenSharing
	if starting {
		if sig, err := NewScreenShareSignal(ac.session.CallID, e.cfg.SelfID, true); err == nil {
			if err := e.relay.Publish(ctx, CallChannel(ac.session.CallID), sig); err != nil {
				log.Warn("screen-share-start signal failed", zap.Error(err))
			}
		}
		if err := ac.pm.StartScreenShare(ctx); err != nil {
			return false, err
		}
	} else {
		if err := ac.pm.StopScreenShare(); err != nil {
			return true, err
		}
		if sig, err := NewScreenShareSignal(ac.session.CallID, e.cfg.SelfID, false); err == nil {
			if err := e.relay.Publish(ctx, CallChannel(ac.session.CallID), sig); err != nil {
				log.Warn("screen-share-stop signal failed", zap.Error(err))
			}
		}
	}

	offer, err := ac.pm.CreateOffer(ctx)
	if err == nil {
		var sig *domain.CallSignal
		if sig, err = NewRenegotiationOffer(ac.session.CallID, e.cfg.SelfID, offer); err == nil {
			err = publishWithRetry(ctx, e.relay, log, CallChannel(ac.session.CallID), sig)
		}
	}
	if err != nil {
		// Negotiation failures always tear the whole call down so no
		// capture device leaks.
		e.sendHangup(ctx, ac.session.CallID, domain.HangupReasonError)
		events = e.finishActive(ctx, events, domain.CallStatusEnded, domain.HangupReasonError)
		metrics.CallsFailedTotal.WithLabelValues("negotiation").Inc()
		return false, err
	}

	ac.screenSharing = starting
	return starting, nil
}

// SwitchCamera swaps the outgoing video track to the opposite camera
// without renegotiation.
func (e *Engine) SwitchCamera(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active == nil {
		return ErrNoActiveCall
	}
	return e.active.pm.SwitchCamera(ctx)
}

// Active returns a snapshot of the current call, or nil.
func (e *Engine) Active() *CallSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active == nil {
		return nil
	}
	ac := e.active
	return &CallSnapshot{
		Session:             *ac.session,
		Other:               ac.other,
		Role:                ac.sm.role,
		AudioEnabled:        ac.audioEnabled,
		VideoEnabled:        ac.videoEnabled,
		ScreenSharing:       ac.screenSharing,
		RemoteScreenSharing: ac.remoteScreenSharing,
		Quality:             ac.quality,
		Stats:               ac.stats,
	}
}

// Incoming returns the pending incoming call projection, or nil.
func (e *Engine) Incoming() *domain.IncomingCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.incoming == nil {
		return nil
	}
	s := *e.incoming.session
	return &domain.IncomingCall{Session: &s, Caller: e.incoming.caller}
}

// IsConnecting reports whether a call attempt is between start and
// connected (device prompts, signaling round-trips).
func (e *Engine) IsConnecting() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active == nil {
		return false
	}
	switch e.active.session.Status {
	case domain.CallStatusPending, domain.CallStatusInitiating, domain.CallStatusRinging:
		return true
	}
	return false
}

// QualityBucket returns the coarse good/poor/bad bucket for the active
// call, or "" when no quality sample exists yet.
func (e *Engine) QualityBucket() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active == nil || e.active.quality == nil {
		return ""
	}
	return QualityBucket(e.active.quality.Rating)
}

// Close shuts the engine down: the active call is hung up, the incoming
// call declined, and all subscriptions released.
func (e *Engine) Close() {
	var events []Transition
	defer func() { e.emitAll(events) }()

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return
	}
	e.closed = true

	ctx, cancel := pkgcontext.WithShortTimeout(context.Background())
	defer cancel()

	if e.active != nil {
		e.sendHangup(ctx, e.active.session.CallID, domain.HangupReasonEnded)
		status := domain.CallStatusEnded
		if e.active.session.Status != domain.CallStatusConnected {
			status = domain.CallStatusDeclined
		}
		events = e.finishActive(ctx, events, status, domain.HangupReasonEnded)
	}
	if e.incoming != nil {
		e.sendHangup(ctx, e.incoming.session.CallID, domain.HangupReasonDeclined)
		events = e.finishIncoming(ctx, events, domain.CallStatusDeclined, domain.HangupReasonDeclined, "")
	}
	if e.userUnsub != nil {
		e.userUnsub()
		e.userUnsub = nil
	}
	e.log.Info("call engine closed")
}
