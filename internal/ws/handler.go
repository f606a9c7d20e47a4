// Package ws implements Clawline's WebSocket front door: the single /ws
// endpoint every mobile device connects to, speaking the pairing, auth,
// message, and typing protocol defined in internal/protocol. Grounded on
// the teacher's internal/ws handler (hello-first handshake, a per-session
// outbound channel drained by a dedicated goroutine, ReadJSON dispatch
// loop) generalized from presence/voice state to pairing, message
// dispatch, and streamed assistant replies.
package ws

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"clawline/internal/adapter"
	"clawline/internal/audit"
	"clawline/internal/clawerr"
	"clawline/internal/config"
	"clawline/internal/dispatcher"
	"clawline/internal/eventlog"
	"clawline/internal/pairing"
	"clawline/internal/protocol"
	"clawline/internal/ratelimit"
	"clawline/internal/session"
	"clawline/internal/store"
)

const (
	readLimitBytes = 384 * 1024 // §4.10 WS frame cap
	writeTimeout   = 5 * time.Second
	outboxBuffer   = 64
	pingInterval   = 30 * time.Second
	pongTimeout    = 90 * time.Second
)

// inlineMimeAllowlist is the set of mime types permitted on an inline
// (base64) attachment; anything else must be uploaded through the media
// plane and referenced by assetId instead.
var inlineMimeAllowlist = map[string]bool{
	"image/png":  true,
	"image/jpeg": true,
	"image/gif":  true,
	"image/webp": true,
	"image/heic": true,
}

// Config bundles every collaborator and tunable the front door needs.
type Config struct {
	Registry   *session.Registry
	Pairing    *pairing.Manager
	Events     *eventlog.Log
	Dispatch   *dispatcher.UserDispatcher
	Adapter    adapter.Adapter
	Audit      *audit.Log
	Message    config.Message
	Streams    config.Streams
	RateLimits config.RateLimits
}

// Handler owns every piece of state the front door needs: the session
// registry, the pairing manager, the event log, the per-user dispatcher
// that serializes adapter calls, and the rate limiters guarding each
// message type.
type Handler struct {
	registry *session.Registry
	pairing  *pairing.Manager
	events   *eventlog.Log
	dispatch *dispatcher.UserDispatcher
	adapter  adapter.Adapter
	audit    *audit.Log
	upgrader websocket.Upgrader

	maxBytes        int
	maxInlineBytes  int
	maxTotalPayload int
	maxAttachments  int

	chunkPersistInterval  time.Duration
	chunkBufferBytes      int
	inactivityTimeout     time.Duration
	adapterExecuteTimeout time.Duration
	typingAutoExpire      time.Duration

	pairLimiter     *ratelimit.Limiter
	authLimiter     *ratelimit.Limiter
	messageLimiter  *ratelimit.Limiter
	typingLimiter   *ratelimit.Limiter
	oversizeLimiter *ratelimit.Limiter

	waitersMu sync.Mutex
	waiters   map[string]chan *protocol.Envelope
}

// NewHandler builds a front door handler wired to the given collaborators
// and tunables. cfg.Adapter may be nil, in which case messages are
// persisted and acked but never dispatched to an assistant. cfg.Audit may
// be nil, in which case pairing decisions are not recorded. The handler
// records no revocations; those are audited by the revoke CLI.
func NewHandler(cfg Config) *Handler {
	h := &Handler{
		registry: cfg.Registry,
		pairing:  cfg.Pairing,
		events:   cfg.Events,
		dispatch: cfg.Dispatch,
		adapter:  cfg.Adapter,
		audit:    cfg.Audit,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
		maxBytes:        cfg.Message.MaxBytes,
		maxInlineBytes:  cfg.Message.MaxInlineBytes,
		maxTotalPayload: cfg.Message.MaxTotalPayload,
		maxAttachments:  cfg.Message.MaxAttachments,

		chunkPersistInterval:  cfg.Streams.ChunkPersistInterval,
		chunkBufferBytes:      cfg.Streams.ChunkBufferBytes,
		inactivityTimeout:     cfg.Streams.InactivityTimeout,
		adapterExecuteTimeout: cfg.Streams.AdapterExecuteTimeout,
		typingAutoExpire:      cfg.RateLimits.TypingAutoExpire,

		pairLimiter:     ratelimit.New(cfg.RateLimits.PairMax, cfg.RateLimits.PairWindow),
		authLimiter:     ratelimit.New(cfg.RateLimits.AuthMax, cfg.RateLimits.AuthWindow),
		messageLimiter:  ratelimit.New(cfg.RateLimits.MessagesPerSec, time.Second),
		typingLimiter:   ratelimit.New(cfg.RateLimits.TypingPerSec, time.Second),
		oversizeLimiter: ratelimit.New(cfg.RateLimits.OversizeMax, cfg.RateLimits.OversizeWindow),
		waiters:         make(map[string]chan *protocol.Envelope),
	}
	go h.expiryLoop()
	return h
}

// Register binds GET /ws on e.
func (h *Handler) Register(e *echo.Echo) {
	e.GET("/ws", h.HandleWebSocket)
}

// HandleWebSocket upgrades one request and serves it until disconnect.
func (h *Handler) HandleWebSocket(c echo.Context) error {
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		slog.Error("ws upgrade failed", "remote", c.RealIP(), "err", err)
		return fmt.Errorf("upgrade websocket: %w", err)
	}
	go h.serveConn(conn, c.RealIP())
	return nil
}

// connState is the per-connection state machine: starts unauthenticated,
// becomes authenticated after a successful `auth` message. The outbound
// channel is created once and reused for the connection's whole life, both
// for pre-auth deliveries (a pair_result racing in from another connection's
// pair_decision) and for post-auth fan-out once registry.Add installs it as
// the managed Session.Send.
type connState struct {
	outbox        chan *protocol.Envelope
	remoteIP      string
	authenticated bool
	deviceID      string
	userID        string
	isAdmin       bool
	sess          *session.Session

	typingMu    sync.Mutex
	typingTimer *time.Timer
}

func (h *Handler) serveConn(conn *websocket.Conn, remoteIP string) {
	conn.SetReadLimit(readLimitBytes)
	cs := &connState{outbox: make(chan *protocol.Envelope, outboxBuffer), remoteIP: remoteIP}

	_ = conn.SetReadDeadline(time.Now().Add(pongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		writePump(conn, cs.outbox)
	}()
	go keepalive(conn, pumpDone)

	defer func() {
		if cs.authenticated {
			h.registry.Remove(cs.deviceID, cs.sess)
		} else {
			closeOutbox(cs.outbox)
		}
		cs.typingMu.Lock()
		if cs.typingTimer != nil {
			cs.typingTimer.Stop()
		}
		cs.typingMu.Unlock()
		<-pumpDone
		_ = conn.Close()
	}()

	for {
		var env protocol.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("ws unexpected close", "device_id", cs.deviceID, "err", err)
			}
			return
		}
		h.handleInbound(context.Background(), cs, env, conn)
	}
}

// keepalive pings the connection every pingInterval until the write pump
// exits. A missed pong is caught by the read deadline set in serveConn.
func keepalive(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func writePump(conn *websocket.Conn, outbox chan *protocol.Envelope) {
	for env := range outbox {
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(env); err != nil {
			slog.Debug("ws write error", "err", err)
			return
		}
	}
}

func closeOutbox(ch chan *protocol.Envelope) {
	defer func() { _ = recover() }()
	close(ch)
}

func (h *Handler) handleInbound(ctx context.Context, cs *connState, env protocol.Envelope, conn *websocket.Conn) {
	switch env.Type {
	case protocol.TypePing:
		cs.outbox <- &protocol.Envelope{Type: protocol.TypePong}
	case protocol.TypePairRequest:
		h.handlePairRequest(ctx, cs, env)
	case protocol.TypePairDecision:
		h.handlePairDecision(ctx, cs, env)
	case protocol.TypeAuth:
		h.handleAuth(ctx, cs, env, conn)
	case protocol.TypeMessage:
		h.handleMessage(ctx, cs, env)
	case protocol.TypeTyping:
		h.handleTyping(cs, env)
	default:
		sendError(cs.outbox, clawerr.New(clawerr.CodeInvalidMessage, fmt.Sprintf("unknown message type %q", env.Type)))
	}
}

func (h *Handler) handlePairRequest(ctx context.Context, cs *connState, env protocol.Envelope) {
	if cs.authenticated {
		sendError(cs.outbox, clawerr.New(clawerr.CodeInvalidMessage, "connection is already authenticated"))
		return
	}
	if env.ProtocolVersion != 0 && env.ProtocolVersion != protocol.ProtocolVersion {
		sendError(cs.outbox, clawerr.New(clawerr.CodeInvalidMessage, "unsupported protocolVersion"))
		return
	}
	if env.DeviceID == "" {
		sendError(cs.outbox, clawerr.New(clawerr.CodeInvalidMessage, "deviceId is required"))
		return
	}
	if !h.pairLimiter.Allow(env.DeviceID) {
		sendError(cs.outbox, clawerr.New(clawerr.CodeRateLimited, "too many pairing requests"))
		return
	}

	result, pending, err := h.pairing.RequestPair(ctx, env.DeviceID, env.ClaimedName, env.DeviceInfo)
	if err != nil {
		sendError(cs.outbox, clawerr.As(err))
		return
	}
	if result != nil {
		cs.outbox <- pairResultEnvelope(result)
		return
	}

	h.waitersMu.Lock()
	h.waiters[pending.RequestID] = cs.outbox
	h.waitersMu.Unlock()

	expiresAt := pending.ExpiresAt
	h.registry.BroadcastToAdmins(&protocol.Envelope{
		Type:        protocol.TypePairApprovalRequest,
		RequestID:   pending.RequestID,
		DeviceID:    pending.DeviceID,
		ClaimedName: pending.ClaimedName,
		DeviceInfo:  pending.DeviceInfo,
		ExpiresAt:   &expiresAt,
	})
}

func (h *Handler) handlePairDecision(ctx context.Context, cs *connState, env protocol.Envelope) {
	if !cs.authenticated || !cs.isAdmin {
		sendError(cs.outbox, clawerr.New(clawerr.CodeAuthFailed, "only an authenticated admin device may decide pairing requests"))
		return
	}
	if env.Approve == nil {
		sendError(cs.outbox, clawerr.New(clawerr.CodeInvalidMessage, "approve is required"))
		return
	}

	// env.UserID is the userId the admin is assigning to the approved
	// device — a fresh id for a new person, or an existing user's id to add
	// this device as another of their devices.
	assignedUserID := ""
	if *env.Approve {
		assignedUserID = env.UserID
	}
	result, err := h.pairing.Decide(ctx, env.RequestID, *env.Approve, assignedUserID)
	if err != nil {
		sendError(cs.outbox, clawerr.As(err))
		return
	}

	h.recordAudit(ctx, cs.deviceID, decisionAction(*env.Approve), env.RequestID, nil)
	h.deliverResult(env.RequestID, result)
}

func decisionAction(approve bool) string {
	if approve {
		return "pair_approved"
	}
	return "pair_denied"
}

func (h *Handler) recordAudit(ctx context.Context, actorDeviceID, action, target string, details map[string]any) {
	if h.audit == nil {
		return
	}
	if err := h.audit.Record(ctx, actorDeviceID, action, target, details); err != nil {
		slog.Error("audit record failed", "action", action, "err", err)
	}
}

func (h *Handler) deliverResult(requestID string, result *pairing.Result) {
	h.waitersMu.Lock()
	waiter, ok := h.waiters[requestID]
	delete(h.waiters, requestID)
	h.waitersMu.Unlock()
	if !ok {
		return
	}
	select {
	case waiter <- pairResultEnvelope(result):
	default:
		slog.Warn("dropped pair_result: requester's outbox is full or closed", "request_id", requestID)
	}
}

func (h *Handler) expiryLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for now := range ticker.C {
		for _, req := range h.pairing.ExpirePending(now) {
			h.deliverResult(req.RequestID, &pairing.Result{Success: false, Reason: string(clawerr.CodePairTimeout)})
		}
	}
}

func (h *Handler) handleAuth(ctx context.Context, cs *connState, env protocol.Envelope, conn *websocket.Conn) {
	if !h.authLimiter.Allow(cs.remoteIP) {
		sendError(cs.outbox, clawerr.New(clawerr.CodeRateLimited, "too many auth attempts"))
		return
	}
	if env.ProtocolVersion != 0 && env.ProtocolVersion != protocol.ProtocolVersion {
		sendError(cs.outbox, clawerr.New(clawerr.CodeInvalidMessage, "unsupported protocolVersion"))
		return
	}
	claims, err := h.pairing.Authenticate(ctx, env.Token, env.DeviceID)
	if err != nil {
		sendError(cs.outbox, clawerr.As(err))
		return
	}

	sess, replaced := h.registry.Add(claims.UserID, claims.DeviceID, claims.IsAdmin, cs.outbox, conn)
	if replaced != nil {
		slog.Info("device reconnected, previous session replaced", "device_id", claims.DeviceID)
	}
	cs.authenticated = true
	cs.deviceID = claims.DeviceID
	cs.userID = claims.UserID
	cs.isAdmin = claims.IsAdmin
	cs.sess = sess

	events, replayTruncated, historyReset, err := h.events.ReplayFor(ctx, claims.UserID, env.LastMessageID)
	if err != nil {
		slog.Error("replay lookup failed", "user_id", claims.UserID, "err", err)
		events = nil
	}

	sessionID := claims.DeviceID + ":" + time.Now().UTC().Format("20060102T150405.000000000")
	sess.Send <- &protocol.Envelope{
		Type:            protocol.TypeAuthResult,
		Success:         true,
		IsAdmin:         claims.IsAdmin,
		UserID:          claims.UserID,
		SessionID:       sessionID,
		ReplayCount:     len(events),
		ReplayTruncated: replayTruncated,
		HistoryReset:    historyReset,
	}
	for _, ev := range events {
		sess.Send <- eventEnvelope(ev)
	}

	if claims.IsAdmin {
		for _, pending := range h.pairing.Pending() {
			expiresAt := pending.ExpiresAt
			sess.Send <- &protocol.Envelope{
				Type:        protocol.TypePairApprovalRequest,
				RequestID:   pending.RequestID,
				DeviceID:    pending.DeviceID,
				ClaimedName: pending.ClaimedName,
				DeviceInfo:  pending.DeviceInfo,
				ExpiresAt:   &expiresAt,
			}
		}
	}
}

// eventPayload is the common shape of an events row's payloadJson, covering
// both the user-echo and assistant-reply variants eventlog persists.
type eventPayload struct {
	Role        string               `json:"role"`
	Content     string               `json:"content"`
	Attachments []protocol.Attachment `json:"attachments,omitempty"`
	Timestamp   int64                `json:"timestamp"`
	DeviceID    string               `json:"deviceId,omitempty"`
}

func eventEnvelope(ev store.Event) *protocol.Envelope {
	var p eventPayload
	_ = json.Unmarshal([]byte(ev.PayloadJSON), &p)
	return &protocol.Envelope{
		Type: protocol.TypeEvent, ID: ev.ID, Role: p.Role, Content: p.Content,
		Attachments: p.Attachments, Timestamp: p.Timestamp, Sequence: ev.Sequence,
		Streaming: ev.Streaming, DeviceID: p.DeviceID,
	}
}

func (h *Handler) handleMessage(ctx context.Context, cs *connState, env protocol.Envelope) {
	if !cs.authenticated {
		sendError(cs.outbox, clawerr.New(clawerr.CodeAuthFailed, "auth is required before sending messages"))
		return
	}
	if !h.messageLimiter.Allow(cs.userID) {
		sendError(cs.outbox, clawerr.New(clawerr.CodeRateLimited, "too many messages"))
		return
	}

	if ce := h.validateMessage(env); ce != nil {
		sendError(cs.outbox, ce)
		if ce.Code == clawerr.CodePayloadTooLarge && !h.oversizeLimiter.Allow(cs.deviceID) {
			h.closeWithError(cs, clawerr.New(clawerr.CodeRateLimited, "too many oversized messages"))
		}
		return
	}

	userID, deviceID, clientID := cs.userID, cs.deviceID, env.ID
	content, attachments := env.Content, env.Attachments
	assetIDs := assetIDsOf(attachments)

	scheduled := h.dispatch.TrySubmit(userID, func(ctx context.Context) {
		result, err := h.events.Append(ctx, eventlog.AppendParams{
			DeviceID: deviceID, UserID: userID, ClientID: clientID,
			Content: content, Attachments: attachments, AssetIDs: assetIDs,
		})
		if err != nil {
			ce := clawerr.As(err)
			h.registry.SendTo(deviceID, &protocol.Envelope{Type: protocol.TypeError, Code: string(ce.Code), Message: ce.Message, MessageID: clientID})
			return
		}

		h.registry.SendTo(deviceID, &protocol.Envelope{Type: protocol.TypeAck, MessageID: clientID, Sequence: result.Sequence})

		if result.Outcome == eventlog.OutcomeNew {
			h.registry.BroadcastToUser(userID, &protocol.Envelope{
				Type: protocol.TypeEvent, ID: result.EventID, Role: "user", Content: content,
				Attachments: attachments, Sequence: result.Sequence, DeviceID: deviceID,
			}, deviceID)
		}
		if result.Outcome == eventlog.OutcomeDuplicateResendAck || h.adapter == nil {
			return
		}
		go h.runAssistantReply(userID, deviceID, clientID, result.EventID, content, assetIDs)
	})
	if !scheduled {
		sendError(cs.outbox, clawerr.New(clawerr.CodeRateLimited, "per-user message queue is at capacity"))
	}
}

func assetIDsOf(attachments []protocol.Attachment) []string {
	var ids []string
	for _, a := range attachments {
		if a.Type == "asset" && a.AssetID != "" {
			ids = append(ids, a.AssetID)
		}
	}
	return ids
}

// validateMessage runs §4.6 step-1 validation: clientId shape, attachment
// count, inline attachment size/mime, and the total-payload bound.
func (h *Handler) validateMessage(env protocol.Envelope) *clawerr.Error {
	if !strings.HasPrefix(env.ID, "c_") {
		return clawerr.New(clawerr.CodeInvalidMessage, "message id must have a c_ prefix")
	}
	if len(env.Content) > h.maxBytes {
		return clawerr.New(clawerr.CodePayloadTooLarge, fmt.Sprintf("message content exceeds the %d byte limit", h.maxBytes))
	}
	if len(env.Attachments) > h.maxAttachments {
		return clawerr.New(clawerr.CodeInvalidMessage, fmt.Sprintf("at most %d attachments are allowed", h.maxAttachments))
	}

	total := len(env.Content)
	for _, a := range env.Attachments {
		switch a.Type {
		case "asset":
			if a.AssetID == "" {
				return clawerr.New(clawerr.CodeInvalidMessage, "asset attachment requires assetId")
			}
		case "image":
			if !inlineMimeAllowlist[a.MimeType] {
				return clawerr.New(clawerr.CodeInvalidMessage, fmt.Sprintf("mime type %q is not allowed inline", a.MimeType))
			}
			decoded, err := base64.StdEncoding.DecodeString(a.Data)
			if err != nil {
				return clawerr.New(clawerr.CodeInvalidMessage, "attachment data is not valid base64")
			}
			if len(decoded) > h.maxInlineBytes {
				return clawerr.New(clawerr.CodePayloadTooLarge, fmt.Sprintf("inline attachment exceeds the %d byte limit", h.maxInlineBytes))
			}
			total += len(decoded)
		default:
			return clawerr.New(clawerr.CodeInvalidMessage, fmt.Sprintf("unknown attachment type %q", a.Type))
		}
	}
	if total > h.maxTotalPayload {
		return clawerr.New(clawerr.CodePayloadTooLarge, fmt.Sprintf("message payload exceeds the %d byte limit", h.maxTotalPayload))
	}
	return nil
}

func (h *Handler) closeWithError(cs *connState, ce *clawerr.Error) {
	sendError(cs.outbox, ce)
	if cs.sess != nil && cs.sess.Conn != nil {
		deadline := time.Now().Add(writeTimeout)
		_ = cs.sess.Conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(ce.Code.CloseCode(), string(ce.Code)), deadline)
		_ = cs.sess.Conn.Close()
	}
}

// runAssistantReply drives one streamed adapter call: it begins the
// assistant's events row, flushes accumulated text on a bounded
// interval/byte schedule, enforces an inactivity watchdog, and finalizes or
// fails the reply once the adapter call returns.
func (h *Handler) runAssistantReply(userID, deviceID, clientID, userEventID, requestText string, assetIDs []string) {
	prompt, err := h.events.PromptWindow(context.Background(), userID, requestText)
	if err != nil {
		slog.Error("build prompt window failed", "user_id", userID, "err", err)
		prompt = requestText
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.adapterExecuteTimeout)
	defer cancel()

	eventID, seq, err := h.events.BeginAssistantReply(ctx, userID, deviceID, clientID)
	if err != nil {
		slog.Error("begin assistant reply failed", "user_id", userID, "err", err)
		return
	}
	h.registry.BroadcastToUser(userID, &protocol.Envelope{Type: protocol.TypeEvent, ID: eventID, Role: "assistant", Sequence: seq, Streaming: 1}, "")

	var lastActivity sync.Mutex
	activityAt := time.Now()
	watchCtx, watchCancel := context.WithCancel(ctx)
	defer watchCancel()
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-watchCtx.Done():
				return
			case <-ticker.C:
				lastActivity.Lock()
				idle := time.Since(activityAt)
				lastActivity.Unlock()
				if idle > h.inactivityTimeout {
					cancel()
					return
				}
			}
		}
	}()

	var accumulated strings.Builder
	lastPersist := time.Now()
	req := adapter.Request{UserID: userID, EventID: userEventID, Text: prompt, AssetIDs: assetIDs}
	err = h.adapter.Handle(ctx, req, func(chunk adapter.Chunk) error {
		lastActivity.Lock()
		activityAt = time.Now()
		lastActivity.Unlock()
		accumulated.WriteString(chunk.Text)
		if chunk.Final {
			return nil
		}
		if accumulated.Len() >= h.chunkBufferBytes || time.Since(lastPersist) >= h.chunkPersistInterval {
			if ferr := h.events.FlushAssistantChunk(ctx, eventID, accumulated.String()); ferr != nil {
				return ferr
			}
			lastPersist = time.Now()
			h.registry.BroadcastToUser(userID, &protocol.Envelope{Type: protocol.TypeEvent, ID: eventID, Role: "assistant", Content: accumulated.String(), Streaming: 1}, "")
		}
		return nil
	})
	watchCancel()

	if err != nil {
		slog.Error("adapter dispatch failed", "user_id", userID, "event_id", eventID, "err", err)
		_ = h.events.FailAssistantReply(context.Background(), eventID, deviceID, clientID)
		h.registry.BroadcastToUser(userID, &protocol.Envelope{
			Type: protocol.TypeError, Code: string(clawerr.CodeAdapterUnavailable),
			Message: "the assistant is temporarily unavailable", MessageID: eventID,
		}, "")
		return
	}

	final := accumulated.String()
	if _, ferr := h.events.FinalizeAssistantReply(context.Background(), eventID, final, deviceID, clientID); ferr != nil {
		slog.Error("finalize assistant reply failed", "event_id", eventID, "err", ferr)
		return
	}
	h.registry.BroadcastToUser(userID, &protocol.Envelope{Type: protocol.TypeEvent, ID: eventID, Role: "assistant", Content: final, Streaming: 0}, "")
}

func (h *Handler) handleTyping(cs *connState, env protocol.Envelope) {
	if !cs.authenticated {
		sendError(cs.outbox, clawerr.New(clawerr.CodeAuthFailed, "auth is required before sending typing updates"))
		return
	}
	if !h.typingLimiter.Allow(cs.userID) {
		return
	}
	h.registry.BroadcastToUser(cs.userID, &protocol.Envelope{
		Type: protocol.TypeTypingServer, DeviceID: cs.deviceID, Active: env.Active,
	}, cs.deviceID)

	cs.typingMu.Lock()
	if cs.typingTimer != nil {
		cs.typingTimer.Stop()
	}
	if env.Active && h.typingAutoExpire > 0 {
		userID, deviceID := cs.userID, cs.deviceID
		cs.typingTimer = time.AfterFunc(h.typingAutoExpire, func() {
			h.registry.BroadcastToUser(userID, &protocol.Envelope{
				Type: protocol.TypeTypingServer, DeviceID: deviceID, Active: false,
			}, deviceID)
		})
	} else {
		cs.typingTimer = nil
	}
	cs.typingMu.Unlock()
}

func sendError(outbox chan *protocol.Envelope, ce *clawerr.Error) {
	select {
	case outbox <- &protocol.Envelope{Type: protocol.TypeError, Code: string(ce.Code), Message: ce.Message}:
	default:
	}
}

func pairResultEnvelope(result *pairing.Result) *protocol.Envelope {
	return &protocol.Envelope{
		Type:    protocol.TypePairResult,
		Success: result.Success,
		Reason:  result.Reason,
		UserID:  result.UserID,
		Token:   result.Token,
		IsAdmin: result.IsAdmin,
	}
}
