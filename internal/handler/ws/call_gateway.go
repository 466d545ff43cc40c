package ws

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"voidlink-backend/internal/call"
	"voidlink-backend/internal/domain"
	"voidlink-backend/pkg/constants"
	apperrors "voidlink-backend/pkg/errors"
	"voidlink-backend/pkg/logger"
	"voidlink-backend/pkg/metrics"
)

// Command names accepted from clients
const (
	CommandStartCall         = "start-call"
	CommandAnswerCall        = "answer-call"
	CommandDeclineCall       = "decline-call"
	CommandEndCall           = "end-call"
	CommandToggleAudio       = "toggle-audio"
	CommandToggleVideo       = "toggle-video"
	CommandToggleScreenShare = "toggle-screen-share"
	CommandSwitchCamera      = "switch-camera"
)

// Event names pushed to clients
const (
	EventIncomingCall  = "incoming-call"
	EventCallState     = "call-state"
	EventCallQuality   = "call-quality"
	EventCallEffect    = "call-effect"
	EventCommandResult = "command-result"
	EventError         = "error"
)

// qualityPushInterval is how often the current quality snapshot is
// pushed to a connected client while a call is active.
const qualityPushInterval = 2 * time.Second

// CallCommand is a client-to-server message
type CallCommand struct {
	Command        string          `json:"command"`
	ConversationID uuid.UUID       `json:"conversation_id,omitempty"`
	CalleeID       uuid.UUID       `json:"callee_id,omitempty"`
	CallType       domain.CallType `json:"call_type,omitempty"`
}

// CallEvent is a server-to-client message
type CallEvent struct {
	Event      string               `json:"event"`
	Command    string               `json:"command,omitempty"`
	Incoming   *domain.IncomingCall `json:"incoming,omitempty"`
	Transition *TransitionView      `json:"transition,omitempty"`
	Call       *call.CallSnapshot   `json:"call,omitempty"`
	Enabled    *bool                `json:"enabled,omitempty"`
	Cue        string               `json:"cue,omitempty"`
	Vibrate    bool                 `json:"vibrate,omitempty"`
	Code       string               `json:"code,omitempty"`
	Message    string               `json:"message,omitempty"`
	Timestamp  time.Time            `json:"timestamp"`
}

// TransitionView is the wire form of a state transition
type TransitionView struct {
	CallID uuid.UUID           `json:"call_id"`
	From   domain.CallStatus   `json:"from"`
	To     domain.CallStatus   `json:"to"`
	Role   call.Role           `json:"role"`
	Reason domain.HangupReason `json:"reason,omitempty"`
}

// GetCallAllowedOrigins returns allowed WebSocket origins from environment or defaults
func GetCallAllowedOrigins() map[string]bool {
	allowedOrigins := map[string]bool{
		"http://localhost:3000": true,
		"http://localhost:8080": true,
		"http://127.0.0.1:3000": true,
		"http://127.0.0.1:8080": true,
	}

	if origins := os.Getenv("CORS_ALLOWED_ORIGINS"); origins != "" {
		for _, origin := range strings.Split(origins, ",") {
			allowedOrigins[strings.TrimSpace(origin)] = true
		}
	}

	return allowedOrigins
}

var callUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			// Reject empty origins - require explicit origin for security
			return false
		}

		allowedOrigins := GetCallAllowedOrigins()
		for allowed := range allowedOrigins {
			if origin == allowed {
				return true
			}
		}
		return false
	},
}

// CallGateway owns one call engine per WebSocket connection and
// translates between the JSON command protocol and the engine API.
type CallGateway struct {
	relay     call.Relay
	devices   call.MediaDevices
	store     call.SessionStore
	ids       call.IdentityResolver
	sysmsg    call.SystemMessages
	busy      call.BusyPresence
	engineCfg call.Config

	maxConnections int
	semaphore      chan struct{}
}

// NewCallGateway creates a gateway. devices may be nil, in which case
// static sample devices are used.
func NewCallGateway(relay call.Relay, devices call.MediaDevices, store call.SessionStore, ids call.IdentityResolver, sysmsg call.SystemMessages, busy call.BusyPresence, engineCfg call.Config) *CallGateway {
	maxConns := 1000
	if val := os.Getenv("WS_MAX_CALL_CONNECTIONS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil && n > 0 {
			maxConns = n
		}
	}

	if devices == nil {
		devices = call.NewStaticDevices()
	}

	return &CallGateway{
		relay:          relay,
		devices:        devices,
		store:          store,
		ids:            ids,
		sysmsg:         sysmsg,
		busy:           busy,
		engineCfg:      engineCfg,
		maxConnections: maxConns,
		semaphore:      make(chan struct{}, maxConns),
	}
}

// callClient is one WebSocket connection bound to one engine.
type callClient struct {
	gateway *CallGateway
	conn    *websocket.Conn
	engine  *call.Engine
	send    chan []byte
	userID  uuid.UUID

	closeOnce sync.Once
	done      chan struct{}
}

// ServeWS upgrades the connection and runs the call session protocol
// until the client disconnects.
func (g *CallGateway) ServeWS(c *gin.Context) {
	select {
	case g.semaphore <- struct{}{}:
		defer func() { <-g.semaphore }()
	default:
		logger.Warn("Call WebSocket rejected: max connections reached",
			zap.Int("max_connections", g.maxConnections))
		metrics.WebSocketConnectionsRejectedTotal.WithLabelValues("capacity").Inc()
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Server at capacity, please try again later"})
		return
	}

	userIDVal, exists := c.Get("user_id")
	if !exists {
		metrics.WebSocketConnectionsRejectedTotal.WithLabelValues("unauthorized").Inc()
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	userID, ok := userIDVal.(uuid.UUID)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "invalid user_id"})
		return
	}

	conn, err := callUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("Call WebSocket upgrade failed",
			zap.String("user_id", userID.String()),
			zap.Error(err))
		metrics.WebSocketConnectionsRejectedTotal.WithLabelValues("upgrade").Inc()
		return
	}

	cfg := g.engineCfg
	cfg.SelfID = userID
	engine, err := call.NewEngine(cfg, g.relay, g.devices, g.store, g.ids, g.sysmsg, g.busy, logger.With(zap.String("component", "call_engine")))
	if err != nil {
		logger.Error("Failed to create call engine",
			zap.String("user_id", userID.String()),
			zap.Error(err))
		conn.Close()
		return
	}

	client := &callClient{
		gateway: g,
		conn:    conn,
		engine:  engine,
		send:    make(chan []byte, 256),
		userID:  userID,
		done:    make(chan struct{}),
	}

	engine.OnIncoming(client.onIncoming)
	engine.OnTransition(client.onTransition)
	call.NewEffects(client, logger.With(zap.String("component", "call_effects"))).Attach(engine)

	metrics.WebSocketConnectionsActive.Inc()
	logger.Info("Call WebSocket connected", zap.String("user_id", userID.String()))

	go client.writePump()
	go client.qualityPump()
	client.readPump()
}

func (c *callClient) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.engine.Close()
		c.conn.Close()
		metrics.WebSocketConnectionsActive.Dec()
		logger.Info("Call WebSocket disconnected", zap.String("user_id", c.userID.String()))
	})
}

func (c *callClient) onIncoming(incoming *domain.IncomingCall) {
	c.push(&CallEvent{
		Event:     EventIncomingCall,
		Incoming:  incoming,
		Timestamp: time.Now().UTC(),
	})
}

func (c *callClient) onTransition(t call.Transition) {
	c.push(&CallEvent{
		Event: EventCallState,
		Transition: &TransitionView{
			CallID: t.CallID,
			From:   t.From,
			To:     t.To,
			Role:   t.Role,
			Reason: t.Reason,
		},
		Call:      c.engine.Active(),
		Timestamp: time.Now().UTC(),
	})
}

// Play, Stop and Vibrate forward sound cues to the client, which owns
// the actual audio/haptic hardware.
func (c *callClient) Play(cue call.Cue) {
	c.push(&CallEvent{
		Event:     EventCallEffect,
		Cue:       string(cue),
		Timestamp: time.Now().UTC(),
	})
}

func (c *callClient) Stop() {
	c.push(&CallEvent{
		Event:     EventCallEffect,
		Cue:       "stop",
		Timestamp: time.Now().UTC(),
	})
}

func (c *callClient) Vibrate() {
	c.push(&CallEvent{
		Event:     EventCallEffect,
		Cue:       "vibrate",
		Vibrate:   true,
		Timestamp: time.Now().UTC(),
	})
}

func (c *callClient) push(event *CallEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		logger.Error("Failed to encode call event", zap.Error(err))
		return
	}
	select {
	case c.send <- payload:
	case <-c.done:
	default:
		// Slow consumer; drop the event rather than block the engine.
		logger.Warn("Dropping call event, send buffer full",
			zap.String("user_id", c.userID.String()),
			zap.String("event", event.Event))
	}
}

func (c *callClient) pushError(command string, err error) {
	appErr := toAppError(err)
	c.push(&CallEvent{
		Event:     EventError,
		Command:   command,
		Code:      string(appErr.Code),
		Message:   appErr.Message,
		Timestamp: time.Now().UTC(),
	})
}

func (c *callClient) pushResult(command string, enabled *bool) {
	c.push(&CallEvent{
		Event:     EventCommandResult,
		Command:   command,
		Enabled:   enabled,
		Call:      c.engine.Active(),
		Timestamp: time.Now().UTC(),
	})
}

// readPump reads commands from the WebSocket
func (c *callClient) readPump() {
	defer c.shutdown()

	c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPingInterval))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPingInterval))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Debug("Call WebSocket closed",
					zap.String("user_id", c.userID.String()),
					zap.Error(err))
			}
			return
		}

		var cmd CallCommand
		if err := json.Unmarshal(message, &cmd); err != nil {
			logger.Warn("Invalid call command format",
				zap.String("user_id", c.userID.String()),
				zap.Error(err))
			c.pushError("", apperrors.New(apperrors.ErrCodeInvalidInput, "malformed command"))
			continue
		}

		c.handle(&cmd)
	}
}

func (c *callClient) handle(cmd *CallCommand) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	switch cmd.Command {
	case CommandStartCall:
		if cmd.ConversationID == uuid.Nil || cmd.CalleeID == uuid.Nil {
			c.pushError(cmd.Command, apperrors.New(apperrors.ErrCodeMissingField, "conversation_id and callee_id are required"))
			return
		}
		callType := cmd.CallType
		if callType == "" {
			callType = domain.CallTypeAudio
		}
		if callType != domain.CallTypeAudio && callType != domain.CallTypeVideo {
			c.pushError(cmd.Command, apperrors.New(apperrors.ErrCodeInvalidInput, "call_type must be audio or video"))
			return
		}
		if _, err := c.engine.StartCall(ctx, cmd.ConversationID, cmd.CalleeID, callType); err != nil {
			c.pushError(cmd.Command, err)
			return
		}
		c.pushResult(cmd.Command, nil)

	case CommandAnswerCall:
		if err := c.engine.AnswerCall(ctx); err != nil {
			c.pushError(cmd.Command, err)
			return
		}
		c.pushResult(cmd.Command, nil)

	case CommandDeclineCall:
		if err := c.engine.DeclineCall(ctx); err != nil {
			c.pushError(cmd.Command, err)
			return
		}
		c.pushResult(cmd.Command, nil)

	case CommandEndCall:
		if err := c.engine.EndCall(ctx); err != nil {
			c.pushError(cmd.Command, err)
			return
		}
		c.pushResult(cmd.Command, nil)

	case CommandToggleAudio:
		enabled, err := c.engine.ToggleAudio()
		if err != nil {
			c.pushError(cmd.Command, err)
			return
		}
		c.pushResult(cmd.Command, &enabled)

	case CommandToggleVideo:
		enabled, err := c.engine.ToggleVideo()
		if err != nil {
			c.pushError(cmd.Command, err)
			return
		}
		c.pushResult(cmd.Command, &enabled)

	case CommandToggleScreenShare:
		sharing, err := c.engine.ToggleScreenShare(ctx)
		if err != nil {
			c.pushError(cmd.Command, err)
			return
		}
		c.pushResult(cmd.Command, &sharing)

	case CommandSwitchCamera:
		if err := c.engine.SwitchCamera(ctx); err != nil {
			c.pushError(cmd.Command, err)
			return
		}
		c.pushResult(cmd.Command, nil)

	default:
		c.pushError(cmd.Command, apperrors.New(apperrors.ErrCodeInvalidInput, "unknown command"))
	}
}

// writePump writes events to the WebSocket
func (c *callClient) writePump() {
	ticker := time.NewTicker(constants.WebSocketPingInterval)
	defer func() {
		ticker.Stop()
		c.shutdown()
	}()

	for {
		select {
		case <-c.done:
			return
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// qualityPump pushes the quality snapshot while a call has one.
func (c *callClient) qualityPump() {
	ticker := time.NewTicker(qualityPushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			snap := c.engine.Active()
			if snap == nil || snap.Quality == nil {
				continue
			}
			c.push(&CallEvent{
				Event:     EventCallQuality,
				Call:      snap,
				Timestamp: time.Now().UTC(),
			})
		}
	}
}

// toAppError maps engine errors onto the shared error code space.
func toAppError(err error) *apperrors.AppError {
	var appErr *apperrors.AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}

	var inCall *call.AlreadyInCallError
	var media *call.MediaAccessError
	var delivery *call.SignalDeliveryError
	var negotiation *call.NegotiationError
	var state *call.InvalidStateError

	switch {
	case stderrors.As(err, &inCall):
		return apperrors.NewWithStatus(apperrors.ErrCodeAlreadyInCall, err.Error(), http.StatusConflict)
	case stderrors.As(err, &media):
		return apperrors.NewWithStatus(apperrors.ErrCodeMediaAccess, err.Error(), http.StatusForbidden)
	case stderrors.As(err, &delivery):
		return apperrors.NewWithStatus(apperrors.ErrCodeSignalDelivery, err.Error(), http.StatusBadGateway)
	case stderrors.As(err, &negotiation):
		return apperrors.NewWithStatus(apperrors.ErrCodeNegotiation, err.Error(), http.StatusBadGateway)
	case stderrors.As(err, &state):
		return apperrors.NewWithStatus(apperrors.ErrCodeCallState, err.Error(), http.StatusConflict)
	case stderrors.Is(err, call.ErrNoActiveCall), stderrors.Is(err, call.ErrNoIncomingCall):
		return apperrors.NewWithStatus(apperrors.ErrCodeCallNotFound, err.Error(), http.StatusNotFound)
	case stderrors.Is(err, call.ErrNotRinging):
		return apperrors.NewWithStatus(apperrors.ErrCodeCallState, err.Error(), http.StatusConflict)
	case stderrors.Is(err, call.ErrEngineClosed):
		return apperrors.NewWithStatus(apperrors.ErrCodeServiceUnavail, err.Error(), http.StatusServiceUnavailable)
	default:
		return apperrors.Wrap(apperrors.ErrCodeInternal, "call operation failed", err)
	}
}
