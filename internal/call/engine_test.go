package call

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voidlink-backend/internal/domain"
)

// memoryRelay is an in-process Relay with the same delivery semantics as
// the Redis implementation: fan-out to every subscriber, publisher
// included. Hold buffers published signals until Release, which lets
// tests line up crossing offers deterministically.
type memoryRelay struct {
	mu   sync.Mutex
	subs map[string][]chan *domain.CallSignal
	held []heldSignal
	sent []heldSignal
	hold bool
}

type heldSignal struct {
	channel string
	sig     *domain.CallSignal
}

func newMemoryRelay() *memoryRelay {
	return &memoryRelay{subs: make(map[string][]chan *domain.CallSignal)}
}

func (r *memoryRelay) Publish(_ context.Context, channel string, sig *domain.CallSignal) error {
	r.mu.Lock()
	if r.hold {
		r.held = append(r.held, heldSignal{channel: channel, sig: sig})
		r.mu.Unlock()
		return nil
	}
	targets := append([]chan *domain.CallSignal(nil), r.subs[channel]...)
	r.sent = append(r.sent, heldSignal{channel: channel, sig: sig})
	r.mu.Unlock()

	for _, ch := range targets {
		ch <- sig
	}
	return nil
}

func (r *memoryRelay) Subscribe(channel string) (<-chan *domain.CallSignal, func(), error) {
	ch := make(chan *domain.CallSignal, 64)
	r.mu.Lock()
	r.subs[channel] = append(r.subs[channel], ch)
	r.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			r.mu.Lock()
			subs := r.subs[channel]
			for i, sub := range subs {
				if sub == ch {
					r.subs[channel] = append(subs[:i:i], subs[i+1:]...)
					break
				}
			}
			r.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel, nil
}

func (r *memoryRelay) lastSent(channel string, sigType domain.SignalType) *domain.CallSignal {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.sent) - 1; i >= 0; i-- {
		if r.sent[i].channel == channel && r.sent[i].sig.Type == sigType {
			return r.sent[i].sig
		}
	}
	return nil
}

func (r *memoryRelay) Hold() {
	r.mu.Lock()
	r.hold = true
	r.mu.Unlock()
}

func (r *memoryRelay) Release() {
	r.mu.Lock()
	held := r.held
	r.held = nil
	r.hold = false
	r.mu.Unlock()
	for _, h := range held {
		_ = r.Publish(context.Background(), h.channel, h.sig)
	}
}

// recordingMessages captures appended call markers.
type recordingMessages struct {
	mu      sync.Mutex
	markers []string
}

func (m *recordingMessages) AppendCallMarker(_ context.Context, _, _ uuid.UUID, marker string) error {
	m.mu.Lock()
	m.markers = append(m.markers, marker)
	m.mu.Unlock()
	return nil
}

func (m *recordingMessages) all() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.markers...)
}

// transitionRecorder captures state transitions in order.
type transitionRecorder struct {
	mu     sync.Mutex
	events []Transition
}

func (r *transitionRecorder) record(t Transition) {
	r.mu.Lock()
	r.events = append(r.events, t)
	r.mu.Unlock()
}

func (r *transitionRecorder) all() []Transition {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Transition(nil), r.events...)
}

func (r *transitionRecorder) reached(status domain.CallStatus) bool {
	for _, t := range r.all() {
		if t.To == status {
			return true
		}
	}
	return false
}

// memoryPresence is a shared busy map standing in for the Redis
// presence repository, visible to every engine that holds it.
type memoryPresence struct {
	mu   sync.Mutex
	busy map[uuid.UUID]uuid.UUID
}

func newMemoryPresence() *memoryPresence {
	return &memoryPresence{busy: make(map[uuid.UUID]uuid.UUID)}
}

func (p *memoryPresence) SetBusy(_ context.Context, userID, callID uuid.UUID) error {
	p.mu.Lock()
	p.busy[userID] = callID
	p.mu.Unlock()
	return nil
}

func (p *memoryPresence) ClearBusy(_ context.Context, userID uuid.UUID) error {
	p.mu.Lock()
	delete(p.busy, userID)
	p.mu.Unlock()
	return nil
}

func (p *memoryPresence) IsBusy(_ context.Context, userID uuid.UUID) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.busy[userID]
	return ok, nil
}

// recordingStore captures session writes the way the CockroachDB
// repository would receive them.
type recordingStore struct {
	mu    sync.Mutex
	ended []endedSession
}

type endedSession struct {
	callID   uuid.UUID
	status   domain.CallStatus
	endedAt  time.Time
	duration *int
}

func (s *recordingStore) Create(context.Context, *domain.CallSession) error { return nil }

func (s *recordingStore) UpdateStatus(context.Context, uuid.UUID, domain.CallStatus) error {
	return nil
}

func (s *recordingStore) MarkConnected(context.Context, uuid.UUID, time.Time) error { return nil }

func (s *recordingStore) MarkEnded(_ context.Context, callID uuid.UUID, status domain.CallStatus, endedAt time.Time, durationSeconds *int) error {
	s.mu.Lock()
	s.ended = append(s.ended, endedSession{callID: callID, status: status, endedAt: endedAt, duration: durationSeconds})
	s.mu.Unlock()
	return nil
}

func (s *recordingStore) lastEnded() *endedSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.ended) == 0 {
		return nil
	}
	rec := s.ended[len(s.ended)-1]
	return &rec
}

func newTestEngine(t *testing.T, relay Relay, id uuid.UUID, cfg Config) *Engine {
	t.Helper()
	cfg.SelfID = id
	if cfg.RingTimeout == 0 {
		cfg.RingTimeout = 10 * time.Second
	}
	e, err := NewEngine(cfg, relay, NewStaticDevices(), nil, nil, nil, nil, nil)
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e
}

const (
	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
)

func TestStartCallRingsCallee(t *testing.T) {
	relay := newMemoryRelay()
	callerID, calleeID := uuid.New(), uuid.New()
	caller := newTestEngine(t, relay, callerID, Config{})
	callee := newTestEngine(t, relay, calleeID, Config{})

	incomingCh := make(chan *domain.IncomingCall, 1)
	callee.OnIncoming(func(ic *domain.IncomingCall) { incomingCh <- ic })

	conversationID := uuid.New()
	session, err := caller.StartCall(context.Background(), conversationID, calleeID, domain.CallTypeVideo)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusRinging, session.Status)
	assert.Equal(t, callerID, session.CallerID)
	assert.Equal(t, calleeID, session.CalleeID)
	assert.True(t, caller.IsConnecting())

	snap := caller.Active()
	require.NotNil(t, snap)
	assert.Equal(t, RoleCaller, snap.Role)
	assert.True(t, snap.AudioEnabled)
	assert.True(t, snap.VideoEnabled)

	select {
	case ic := <-incomingCh:
		assert.Equal(t, session.CallID, ic.Session.CallID)
		assert.Equal(t, domain.CallStatusRinging, ic.Session.Status)
		assert.Equal(t, conversationID, ic.Session.ConversationID)
		assert.Equal(t, domain.CallTypeVideo, ic.Session.CallType)
	case <-time.After(waitFor):
		t.Fatal("callee never rang")
	}
	require.NotNil(t, callee.Incoming())
}

func TestAnswerConnectsBothSides(t *testing.T) {
	relay := newMemoryRelay()
	caller := newTestEngine(t, relay, uuid.New(), Config{})
	callee := newTestEngine(t, relay, uuid.New(), Config{})

	callerRec := &transitionRecorder{}
	caller.OnTransition(callerRec.record)

	_, err := caller.StartCall(context.Background(), uuid.New(), callee.cfg.SelfID, domain.CallTypeAudio)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return callee.Incoming() != nil }, waitFor, tick)
	require.NoError(t, callee.AnswerCall(context.Background()))

	snap := callee.Active()
	require.NotNil(t, snap)
	assert.Equal(t, domain.CallStatusConnected, snap.Session.Status)
	assert.Equal(t, RoleCallee, snap.Role)
	assert.False(t, snap.VideoEnabled)

	require.Eventually(t, func() bool {
		s := caller.Active()
		return s != nil && s.Session.Status == domain.CallStatusConnected
	}, waitFor, tick)
	assert.True(t, callerRec.reached(domain.CallStatusConnected))
	assert.False(t, caller.IsConnecting())

	callerSnap := caller.Active()
	require.NotNil(t, callerSnap)
	assert.NotNil(t, callerSnap.Session.StartedAt)
}

func TestEndCallPropagates(t *testing.T) {
	relay := newMemoryRelay()
	callerStore, calleeStore := &recordingStore{}, &recordingStore{}

	caller, err := NewEngine(Config{SelfID: uuid.New(), RingTimeout: 10 * time.Second}, relay, NewStaticDevices(), callerStore, nil, nil, nil, nil)
	require.NoError(t, err)
	t.Cleanup(caller.Close)
	callee, err := NewEngine(Config{SelfID: uuid.New(), RingTimeout: 10 * time.Second}, relay, NewStaticDevices(), calleeStore, nil, nil, nil, nil)
	require.NoError(t, err)
	t.Cleanup(callee.Close)

	calleeRec := &transitionRecorder{}
	callee.OnTransition(calleeRec.record)

	session, err := caller.StartCall(context.Background(), uuid.New(), callee.cfg.SelfID, domain.CallTypeAudio)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return callee.Incoming() != nil }, waitFor, tick)
	require.NoError(t, callee.AnswerCall(context.Background()))
	require.Eventually(t, func() bool {
		s := caller.Active()
		return s != nil && s.Session.Status == domain.CallStatusConnected
	}, waitFor, tick)

	require.NoError(t, caller.EndCall(context.Background()))
	assert.Nil(t, caller.Active())

	require.Eventually(t, func() bool { return callee.Active() == nil }, waitFor, tick)
	assert.True(t, calleeRec.reached(domain.CallStatusEnded))

	// Both sides persist the outcome with a duration measured from the
	// connect instant.
	for name, store := range map[string]*recordingStore{"caller": callerStore, "callee": calleeStore} {
		rec := store.lastEnded()
		require.NotNil(t, rec, name)
		assert.Equal(t, session.CallID, rec.callID, name)
		assert.Equal(t, domain.CallStatusEnded, rec.status, name)
		assert.False(t, rec.endedAt.IsZero(), name)
		require.NotNil(t, rec.duration, name)
		assert.GreaterOrEqual(t, *rec.duration, 0, name)
	}
}

func TestStartCallWhileActiveFails(t *testing.T) {
	relay := newMemoryRelay()
	caller := newTestEngine(t, relay, uuid.New(), Config{})
	calleeID := uuid.New()

	session, err := caller.StartCall(context.Background(), uuid.New(), calleeID, domain.CallTypeAudio)
	require.NoError(t, err)

	_, err = caller.StartCall(context.Background(), uuid.New(), uuid.New(), domain.CallTypeAudio)
	var inCall *AlreadyInCallError
	require.ErrorAs(t, err, &inCall)
	assert.Equal(t, session.CallID, inCall.CallID)
}

func TestDeclineCall(t *testing.T) {
	relay := newMemoryRelay()
	caller := newTestEngine(t, relay, uuid.New(), Config{})
	callee := newTestEngine(t, relay, uuid.New(), Config{})

	callerRec := &transitionRecorder{}
	caller.OnTransition(callerRec.record)

	_, err := caller.StartCall(context.Background(), uuid.New(), callee.cfg.SelfID, domain.CallTypeVideo)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return callee.Incoming() != nil }, waitFor, tick)

	require.NoError(t, callee.DeclineCall(context.Background()))
	assert.Nil(t, callee.Incoming())

	require.Eventually(t, func() bool { return caller.Active() == nil }, waitFor, tick)
	assert.True(t, callerRec.reached(domain.CallStatusDeclined))

	// Second decline has nothing to act on.
	assert.ErrorIs(t, callee.DeclineCall(context.Background()), ErrNoIncomingCall)
}

func TestBusyCalleeAutoDeclines(t *testing.T) {
	relay := newMemoryRelay()
	caller := newTestEngine(t, relay, uuid.New(), Config{})
	busy := newTestEngine(t, relay, uuid.New(), Config{})

	// Tie up the callee with an unrelated outbound call.
	_, err := busy.StartCall(context.Background(), uuid.New(), uuid.New(), domain.CallTypeAudio)
	require.NoError(t, err)

	callerRec := &transitionRecorder{}
	caller.OnTransition(callerRec.record)

	_, err = caller.StartCall(context.Background(), uuid.New(), busy.cfg.SelfID, domain.CallTypeAudio)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return caller.Active() == nil }, waitFor, tick)
	assert.True(t, callerRec.reached(domain.CallStatusRejected))

	// The busy side never rang and its own call is untouched.
	assert.Nil(t, busy.Incoming())
	require.NotNil(t, busy.Active())
}

func TestBusyOnAnotherDeviceAutoDeclines(t *testing.T) {
	relay := newMemoryRelay()
	presence := newMemoryPresence()
	calleeID := uuid.New()

	caller, err := NewEngine(Config{SelfID: uuid.New(), RingTimeout: 10 * time.Second}, relay, NewStaticDevices(), nil, nil, nil, presence, nil)
	require.NoError(t, err)
	t.Cleanup(caller.Close)
	callee, err := NewEngine(Config{SelfID: calleeID, RingTimeout: 10 * time.Second}, relay, NewStaticDevices(), nil, nil, nil, presence, nil)
	require.NoError(t, err)
	t.Cleanup(callee.Close)

	// Another device of the callee is mid-call; this engine is idle
	// and only shared presence knows.
	require.NoError(t, presence.SetBusy(context.Background(), calleeID, uuid.New()))

	callerRec := &transitionRecorder{}
	caller.OnTransition(callerRec.record)

	_, err = caller.StartCall(context.Background(), uuid.New(), calleeID, domain.CallTypeAudio)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return caller.Active() == nil }, waitFor, tick)
	assert.True(t, callerRec.reached(domain.CallStatusRejected))

	// The idle device never rang.
	assert.Nil(t, callee.Incoming())
}

func TestCalleeRingTimeoutMarksMissed(t *testing.T) {
	relay := newMemoryRelay()
	messages := &recordingMessages{}
	caller := newTestEngine(t, relay, uuid.New(), Config{})

	calleeCfg := Config{SelfID: uuid.New(), RingTimeout: 60 * time.Millisecond}
	callee, err := NewEngine(calleeCfg, relay, NewStaticDevices(), nil, nil, messages, nil, nil)
	require.NoError(t, err)
	t.Cleanup(callee.Close)

	calleeRec := &transitionRecorder{}
	callee.OnTransition(calleeRec.record)

	_, err = caller.StartCall(context.Background(), uuid.New(), calleeCfg.SelfID, domain.CallTypeAudio)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return callee.Incoming() == nil && calleeRec.reached(domain.CallStatusMissed) }, waitFor, tick)
	require.Eventually(t, func() bool {
		markers := messages.all()
		return len(markers) == 1 && markers[0] == "Missed call"
	}, waitFor, tick)
}

func TestCallerRingTimeoutEndsCall(t *testing.T) {
	relay := newMemoryRelay()
	caller := newTestEngine(t, relay, uuid.New(), Config{RingTimeout: 60 * time.Millisecond})
	callee := newTestEngine(t, relay, uuid.New(), Config{})

	callerRec := &transitionRecorder{}
	caller.OnTransition(callerRec.record)
	calleeRec := &transitionRecorder{}
	callee.OnTransition(calleeRec.record)

	_, err := caller.StartCall(context.Background(), uuid.New(), callee.cfg.SelfID, domain.CallTypeVideo)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return caller.Active() == nil }, waitFor, tick)
	events := callerRec.all()
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, domain.CallStatusEnded, last.To)
	assert.Equal(t, domain.HangupReasonTimeout, last.Reason)

	// The timeout hangup withdraws the ring on the callee as missed.
	require.Eventually(t, func() bool { return callee.Incoming() == nil }, waitFor, tick)
	assert.True(t, calleeRec.reached(domain.CallStatusMissed))
}

func TestAnswerAfterCancelFails(t *testing.T) {
	relay := newMemoryRelay()
	caller := newTestEngine(t, relay, uuid.New(), Config{})
	callee := newTestEngine(t, relay, uuid.New(), Config{})

	_, err := caller.StartCall(context.Background(), uuid.New(), callee.cfg.SelfID, domain.CallTypeAudio)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return callee.Incoming() != nil }, waitFor, tick)

	require.NoError(t, caller.EndCall(context.Background()))
	require.Eventually(t, func() bool { return callee.Incoming() == nil }, waitFor, tick)

	assert.ErrorIs(t, callee.AnswerCall(context.Background()), ErrNoIncomingCall)
}

func TestAnswerWithNothingRinging(t *testing.T) {
	relay := newMemoryRelay()
	engine := newTestEngine(t, relay, uuid.New(), Config{})
	assert.ErrorIs(t, engine.AnswerCall(context.Background()), ErrNoIncomingCall)
	assert.ErrorIs(t, engine.EndCall(context.Background()), ErrNoActiveCall)
}

func TestGlareYieldsToLowerUserID(t *testing.T) {
	relay := newMemoryRelay()
	first, second := uuid.New(), uuid.New()
	if first.String() > second.String() {
		first, second = second, first
	}
	winner := newTestEngine(t, relay, first, Config{})
	loser := newTestEngine(t, relay, second, Config{})

	conversationID := uuid.New()

	// Both sides dial before either offer is delivered.
	relay.Hold()
	winnerSession, err := winner.StartCall(context.Background(), conversationID, second, domain.CallTypeAudio)
	require.NoError(t, err)
	_, err = loser.StartCall(context.Background(), conversationID, first, domain.CallTypeAudio)
	require.NoError(t, err)
	relay.Release()

	// The higher id abandons its attempt and rings for the winner's call.
	require.Eventually(t, func() bool {
		inc := loser.Incoming()
		return inc != nil && inc.Session.CallID == winnerSession.CallID
	}, waitFor, tick)

	snap := winner.Active()
	require.NotNil(t, snap)
	assert.Equal(t, winnerSession.CallID, snap.Session.CallID)
	assert.Equal(t, RoleCaller, snap.Role)
	assert.Nil(t, winner.Incoming())

	require.NoError(t, loser.AnswerCall(context.Background()))
	require.Eventually(t, func() bool {
		s := winner.Active()
		return s != nil && s.Session.Status == domain.CallStatusConnected
	}, waitFor, tick)
}

func TestToggleAudioVideo(t *testing.T) {
	relay := newMemoryRelay()
	engine := newTestEngine(t, relay, uuid.New(), Config{})

	_, err := engine.ToggleAudio()
	assert.ErrorIs(t, err, ErrNoActiveCall)

	_, err = engine.StartCall(context.Background(), uuid.New(), uuid.New(), domain.CallTypeVideo)
	require.NoError(t, err)

	muted, err := engine.ToggleAudio()
	require.NoError(t, err)
	assert.False(t, muted)

	unmuted, err := engine.ToggleAudio()
	require.NoError(t, err)
	assert.True(t, unmuted)

	videoOff, err := engine.ToggleVideo()
	require.NoError(t, err)
	assert.False(t, videoOff)

	snap := engine.Active()
	require.NotNil(t, snap)
	assert.True(t, snap.AudioEnabled)
	assert.False(t, snap.VideoEnabled)
}

func TestScreenShareRenegotiates(t *testing.T) {
	relay := newMemoryRelay()
	caller := newTestEngine(t, relay, uuid.New(), Config{})
	callee := newTestEngine(t, relay, uuid.New(), Config{})

	_, err := caller.StartCall(context.Background(), uuid.New(), callee.cfg.SelfID, domain.CallTypeVideo)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return callee.Incoming() != nil }, waitFor, tick)
	require.NoError(t, callee.AnswerCall(context.Background()))
	require.Eventually(t, func() bool {
		s := caller.Active()
		return s != nil && s.Session.Status == domain.CallStatusConnected
	}, waitFor, tick)

	// Screen share before connect is rejected on a fresh ringing call,
	// so only exercise it on the connected pair.
	sharing, err := callee.ToggleScreenShare(context.Background())
	require.NoError(t, err)
	assert.True(t, sharing)

	require.Eventually(t, func() bool {
		s := caller.Active()
		return s != nil && s.RemoteScreenSharing
	}, waitFor, tick)

	sharing, err = callee.ToggleScreenShare(context.Background())
	require.NoError(t, err)
	assert.False(t, sharing)

	require.Eventually(t, func() bool {
		s := caller.Active()
		return s != nil && !s.RemoteScreenSharing
	}, waitFor, tick)
}

func TestScreenShareRequiresConnectedCall(t *testing.T) {
	relay := newMemoryRelay()
	engine := newTestEngine(t, relay, uuid.New(), Config{})

	_, err := engine.ToggleScreenShare(context.Background())
	assert.ErrorIs(t, err, ErrNoActiveCall)

	_, err = engine.StartCall(context.Background(), uuid.New(), uuid.New(), domain.CallTypeAudio)
	require.NoError(t, err)

	_, err = engine.ToggleScreenShare(context.Background())
	var stateErr *InvalidStateError
	assert.ErrorAs(t, err, &stateErr)
}

func TestSwitchCameraMidCall(t *testing.T) {
	relay := newMemoryRelay()
	engine := newTestEngine(t, relay, uuid.New(), Config{})

	assert.ErrorIs(t, engine.SwitchCamera(context.Background()), ErrNoActiveCall)

	_, err := engine.StartCall(context.Background(), uuid.New(), uuid.New(), domain.CallTypeVideo)
	require.NoError(t, err)
	require.NoError(t, engine.SwitchCamera(context.Background()))
}

func TestMediaAccessFailureAbortsStart(t *testing.T) {
	relay := newMemoryRelay()
	cfg := Config{SelfID: uuid.New()}
	engine, err := NewEngine(cfg, relay, &StaticDevices{FailUserMedia: true}, nil, nil, nil, nil, nil)
	require.NoError(t, err)
	t.Cleanup(engine.Close)

	_, err = engine.StartCall(context.Background(), uuid.New(), uuid.New(), domain.CallTypeVideo)
	var mediaErr *MediaAccessError
	require.ErrorAs(t, err, &mediaErr)

	// The failed attempt left nothing behind.
	assert.Nil(t, engine.Active())
	_, err = engine.StartCall(context.Background(), uuid.New(), uuid.New(), domain.CallTypeVideo)
	assert.ErrorAs(t, err, &mediaErr)
}

func TestDuplicateOfferIsIgnored(t *testing.T) {
	relay := newMemoryRelay()
	caller := newTestEngine(t, relay, uuid.New(), Config{})
	callee := newTestEngine(t, relay, uuid.New(), Config{})

	incomingCount := 0
	var mu sync.Mutex
	callee.OnIncoming(func(*domain.IncomingCall) {
		mu.Lock()
		incomingCount++
		mu.Unlock()
	})

	session, err := caller.StartCall(context.Background(), uuid.New(), callee.cfg.SelfID, domain.CallTypeAudio)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return callee.Incoming() != nil }, waitFor, tick)

	// Redeliver the initial offer, as an at-least-once relay may.
	offer := relay.lastSent(UserChannel(callee.cfg.SelfID), domain.SignalOffer)
	require.NotNil(t, offer)
	require.NoError(t, relay.Publish(context.Background(), UserChannel(callee.cfg.SelfID), offer))

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	count := incomingCount
	mu.Unlock()
	assert.Equal(t, 1, count)

	inc := callee.Incoming()
	require.NotNil(t, inc)
	assert.Equal(t, session.CallID, inc.Session.CallID)
}

func TestCloseHangsUpAndIsIdempotent(t *testing.T) {
	relay := newMemoryRelay()
	caller := newTestEngine(t, relay, uuid.New(), Config{})
	callee := newTestEngine(t, relay, uuid.New(), Config{})

	_, err := caller.StartCall(context.Background(), uuid.New(), callee.cfg.SelfID, domain.CallTypeAudio)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return callee.Incoming() != nil }, waitFor, tick)

	caller.Close()
	caller.Close()
	assert.Nil(t, caller.Active())

	require.Eventually(t, func() bool { return callee.Incoming() == nil }, waitFor, tick)

	_, err = caller.StartCall(context.Background(), uuid.New(), uuid.New(), domain.CallTypeAudio)
	assert.ErrorIs(t, err, ErrEngineClosed)
}
