// Package bridge relays call audio between a device and the upstream
// analysis engine, one duplex WebSocket pair per protected call.
//
// Flow:
//  1. Client connects and identifies its session in the first message
//  2. The bridge dials the analysis engine scoped to the call's number
//  3. Audio streams up verbatim; every upstream frame streams back
//     verbatim in arrival order
//  4. Analysis results are additionally classified, and any warning is
//     delivered as a separate message after the frame that produced it
//  5. Either side closing tears down both legs and the session
//
// The relay never rewrites, reorders, or withholds upstream frames;
// inspection rides behind the passthrough.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/callshield/internal/classify"
	"github.com/mbd888/callshield/internal/logging"
	"github.com/mbd888/callshield/internal/metrics"
	"github.com/mbd888/callshield/internal/session"
	"github.com/mbd888/callshield/internal/validation"
)

const (
	// defaultHandshakeTimeout bounds how long a client may take to
	// identify its session.
	defaultHandshakeTimeout = 10 * time.Second

	// writeWait is the time allowed to write one frame to either peer.
	writeWait = 10 * time.Second

	// pongWait is how long a socket may stay silent before it is
	// considered dead. Pings go out every pingPeriod to keep live but
	// quiet connections inside the window.
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// maxFrameSize caps a single frame on either socket.
	maxFrameSize = 1 << 20 // 1MB

	// sendQueueSize is how many upstream frames may wait for the client
	// writer before the upstream reader stalls (back-pressure).
	sendQueueSize = 64
)

// normalCloseCodes are WebSocket close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // Allow non-browser clients
		}
		// Allow same-host connections
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host
	},
}

// EventEmitter broadcasts bridge activity to ops-feed subscribers.
// Implementations must not block; numbers arrive already masked.
type EventEmitter interface {
	EmitSessionConnected(sessionID, maskedNumber string)
	EmitWarning(sessionID string, w classify.Warning)
	EmitSessionClosed(sessionID string, cause session.Cause)
}

// Notifier pushes emitted warnings to external delivery hooks.
type Notifier interface {
	NotifyWarning(sessionID, number string, w classify.Warning)
}

// Handler accepts stream connections and runs one relay per call.
type Handler struct {
	registry *session.Registry
	dialer   Dialer
	events   EventEmitter
	notifier Notifier
	logger   *slog.Logger

	// HandshakeTimeout overrides the session-identification deadline.
	// Zero means the default.
	HandshakeTimeout time.Duration

	mu       sync.Mutex
	conns    map[*conn]struct{}
	done     chan struct{} // closed on Shutdown; refuses new upgrades
	stopOnce sync.Once
}

// NewHandler creates a relay handler over the session registry.
func NewHandler(registry *session.Registry, dialer Dialer, logger *slog.Logger) *Handler {
	return &Handler{
		registry: registry,
		dialer:   dialer,
		logger:   logger,
		conns:    make(map[*conn]struct{}),
		done:     make(chan struct{}),
	}
}

// NewHandlerWithFeeds creates a handler that also publishes to the ops
// feed and the warning notifier. Either may be nil.
func NewHandlerWithFeeds(registry *session.Registry, dialer Dialer, events EventEmitter, notifier Notifier, logger *slog.Logger) *Handler {
	h := NewHandler(registry, dialer, logger)
	h.events = events
	h.notifier = notifier
	return h
}

// outFrame is one message queued for the client writer. The original
// message type rides along so binary frames forward as binary.
type outFrame struct {
	messageType int
	data        []byte
}

// conn is one live relay: a client socket, an upstream socket, and the
// session they serve.
type conn struct {
	h         *Handler
	sessionID string
	number    string
	client    *websocket.Conn
	upstream  *websocket.Conn
	send      chan outFrame
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	logger    *slog.Logger
}

// HandleStream upgrades the connection and runs the relay. The first
// client message must identify a pending session; only then is the
// upstream engine dialed.
func (h *Handler) HandleStream(w http.ResponseWriter, r *http.Request) {
	// Reject upgrades after shutdown to prevent orphaned relays.
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	client, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("stream upgrade failed", "error", err)
		return
	}

	sess, ok := h.identify(client)
	if !ok {
		_ = client.Close()
		return
	}

	upstream, err := h.dialer.Dial(context.Background(), sess.Number)
	if err != nil {
		h.logger.Error("upstream dial failed",
			"session_id", sess.ID,
			"number", logging.MaskNumber(sess.Number),
			"error", err,
		)
		if _, cerr := h.registry.Close(sess.ID, session.CauseUpstreamError); cerr != nil {
			h.logger.Warn("session close failed", "session_id", sess.ID, "error", cerr)
		}
		h.reject(client, CodeUpstreamUnavailable, "Analysis engine unreachable", websocket.CloseTryAgainLater)
		_ = client.Close()
		return
	}

	if err := h.registry.UpdateStatus(sess.ID, session.StatusConnected); err != nil {
		// Lost a race with another relay or an admin close.
		h.logger.Warn("session no longer connectable", "session_id", sess.ID, "error", err)
		h.reject(client, CodeSessionNotActive, "Session is not accepting a relay", websocket.ClosePolicyViolation)
		_ = client.Close()
		_ = upstream.Close()
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &conn{
		h:         h,
		sessionID: sess.ID,
		number:    sess.Number,
		client:    client,
		upstream:  upstream,
		send:      make(chan outFrame, sendQueueSize),
		ctx:       ctx,
		cancel:    cancel,
		logger:    h.logger.With("session_id", sess.ID),
	}

	metrics.ActiveBridges.Inc()
	h.mu.Lock()
	if h.stopped() {
		h.mu.Unlock()
		c.shutdown(session.CauseShutdown)
		return
	}
	h.conns[c] = struct{}{}
	h.mu.Unlock()

	// Ready ack goes out before any relayed frame.
	ready, _ := json.Marshal(readyFrame{Type: frameReady, SessionID: sess.ID})
	_ = client.SetWriteDeadline(time.Now().Add(writeWait))
	if err := client.WriteMessage(websocket.TextMessage, ready); err != nil {
		c.shutdown(session.CauseClientClose)
		return
	}

	c.logger.Info("bridge established", "number", logging.MaskNumber(sess.Number))
	if h.events != nil {
		h.events.EmitSessionConnected(sess.ID, logging.MaskNumber(sess.Number))
	}

	go c.writeClient()
	go c.pingUpstream()
	go c.readUpstream()
	go c.readClient()
}

// identify reads the handshake and resolves the session. On failure the
// client gets one structured error frame and no upstream is dialed.
func (h *Handler) identify(client *websocket.Conn) (*session.Session, bool) {
	timeout := h.HandshakeTimeout
	if timeout <= 0 {
		timeout = defaultHandshakeTimeout
	}

	client.SetReadLimit(maxFrameSize)
	_ = client.SetReadDeadline(time.Now().Add(timeout))

	msgType, data, err := client.ReadMessage()
	if err != nil {
		h.logger.Warn("stream handshake failed", "error", err)
		return nil, false
	}

	var hs handshake
	if msgType != websocket.TextMessage || json.Unmarshal(data, &hs) != nil || hs.SessionID == "" {
		h.reject(client, CodeBadHandshake, "First message must identify the session", websocket.ClosePolicyViolation)
		return nil, false
	}

	sess, err := h.registry.Get(hs.SessionID)
	if err != nil {
		h.reject(client, CodeSessionNotFound, "Unknown session", websocket.ClosePolicyViolation)
		return nil, false
	}
	if sess.Status != session.StatusPending {
		h.reject(client, CodeSessionNotActive, "Session is not accepting a relay", websocket.ClosePolicyViolation)
		return nil, false
	}
	return sess, true
}

// reject reports a structured error to a client whose relay will not
// start. The caller closes the socket.
func (h *Handler) reject(client *websocket.Conn, code, message string, wsCode int) {
	payload, _ := json.Marshal(errorFrame{Type: frameError, Code: code, Message: message})
	_ = client.SetWriteDeadline(time.Now().Add(writeWait))
	_ = client.WriteMessage(websocket.TextMessage, payload)
	_ = client.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(wsCode, code), time.Now().Add(writeWait))
}

// Shutdown refuses new relays and closes every live one.
func (h *Handler) Shutdown() {
	h.mu.Lock()
	h.stopOnce.Do(func() { close(h.done) })
	conns := make([]*conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.shutdown(session.CauseShutdown)
	}
}

// Len returns the number of live relays.
func (h *Handler) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// stopped reports whether Shutdown has begun. Caller holds h.mu.
func (h *Handler) stopped() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// readClient forwards client audio to the upstream socket. Writing
// directly means a stalled upstream blocks this loop, which is the
// back-pressure: no frame is buffered or dropped on the way up.
func (c *conn) readClient() {
	c.client.SetReadLimit(maxFrameSize)
	_ = c.client.SetReadDeadline(time.Now().Add(pongWait))
	c.client.SetPongHandler(func(string) error {
		return c.client.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, data, err := c.client.ReadMessage()
		if err != nil {
			select {
			case <-c.ctx.Done():
				return
			default:
			}
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.logger.Debug("client read ended", "error", err)
			}
			c.shutdown(session.CauseClientClose)
			return
		}

		switch msgType {
		case websocket.BinaryMessage:
			_ = c.upstream.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.upstream.WriteMessage(websocket.BinaryMessage, data); err != nil {
				c.logger.Warn("upstream write failed", "error", err)
				c.shutdown(session.CauseUpstreamError)
				return
			}
			metrics.FramesRelayedTotal.WithLabelValues("client_to_upstream").Inc()
		case websocket.TextMessage:
			// The protocol has no client control frames after the handshake.
			c.logger.Debug("ignoring client text frame")
		}
	}
}

// readUpstream forwards every upstream frame to the client verbatim and
// in order, then inspects text frames for results and transcripts. A
// full client queue stalls this loop rather than growing a buffer.
func (c *conn) readUpstream() {
	c.upstream.SetReadLimit(maxFrameSize)
	_ = c.upstream.SetReadDeadline(time.Now().Add(pongWait))
	c.upstream.SetPongHandler(func(string) error {
		return c.upstream.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, data, err := c.upstream.ReadMessage()
		if err != nil {
			select {
			case <-c.ctx.Done():
				return
			default:
			}
			if websocket.IsCloseError(err, normalCloseCodes...) || errors.Is(err, io.EOF) {
				c.shutdown(session.CauseUpstreamClose)
			} else {
				c.logger.Warn("upstream read failed", "error", err)
				c.shutdown(session.CauseUpstreamError)
			}
			return
		}

		// Passthrough first. Inspection never reorders or rewrites the feed.
		if !c.enqueue(outFrame{messageType: msgType, data: data}) {
			return
		}
		metrics.FramesRelayedTotal.WithLabelValues("upstream_to_client").Inc()

		if msgType == websocket.TextMessage {
			c.inspect(data)
		}
	}
}

// enqueue hands a frame to the client writer, blocking while the queue
// is full. Returns false once the bridge is shutting down.
func (c *conn) enqueue(f outFrame) bool {
	select {
	case c.send <- f:
		return true
	case <-c.ctx.Done():
		return false
	}
}

// inspect routes a forwarded text frame by its type discriminator.
// Failures here affect only this frame; the relay keeps running.
func (c *conn) inspect(data []byte) {
	var head frameHeader
	if err := json.Unmarshal(data, &head); err != nil {
		c.logger.Warn("unparseable upstream frame", "error", err)
		return
	}

	switch head.Type {
	case frameResult:
		c.handleResult(data)
	case frameTranscript:
		c.handleTranscript(data)
	case frameError:
		c.handleUpstreamError(data)
	default:
		// Unrecognized types are forward-only.
	}
}

// handleResult logs the analysis result on the session, classifies it,
// and emits any warning as a separate client message strictly after the
// verbatim passthrough.
func (c *conn) handleResult(data []byte) {
	var frame resultFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		c.logger.Warn("malformed result frame", "error", err)
		return
	}

	raw := frame.raw()
	decision := classify.Classify(raw)

	if err := c.h.registry.AppendResult(c.sessionID, session.ResultEntry{
		Raw:       raw,
		RiskLevel: decision.RiskLevel,
	}); err != nil {
		c.sessionGone(err, "result append rejected")
		return
	}

	if decision.Warning == nil {
		return
	}

	w := *decision.Warning
	w.Timestamp = time.Now().UTC()

	if err := c.h.registry.AppendWarning(c.sessionID, w); err != nil {
		c.sessionGone(err, "warning append rejected")
		return
	}

	payload, err := json.Marshal(w)
	if err != nil {
		c.logger.Error("warning marshal failed", "error", err)
		return
	}
	if !c.enqueue(outFrame{messageType: websocket.TextMessage, data: payload}) {
		return
	}
	metrics.WarningsEmittedTotal.WithLabelValues(string(w.Level)).Inc()

	c.logger.Info("warning emitted",
		"level", w.Level,
		"riskLevel", decision.RiskLevel,
		"autoBlocked", w.AutoBlocked,
	)

	if c.h.events != nil {
		c.h.events.EmitWarning(c.sessionID, w)
	}
	if c.h.notifier != nil {
		c.h.notifier.NotifyWarning(c.sessionID, c.number, w)
	}
}

// handleTranscript logs the fragment on the session. Nothing is emitted.
// Fragment text is capped before it lands in the session record.
func (c *conn) handleTranscript(data []byte) {
	var frame transcriptFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		c.logger.Warn("malformed transcript frame", "error", err)
		return
	}

	err := c.h.registry.AppendTranscript(c.sessionID, session.TranscriptEntry{
		Text:  validation.SanitizeString(frame.Text, validation.MaxStringLength),
		Final: frame.Final,
	})
	if err != nil {
		c.sessionGone(err, "transcript append rejected")
	}
}

// handleUpstreamError surfaces an upstream-reported error in the logs.
// The frame was already forwarded; the relay continues.
func (c *conn) handleUpstreamError(data []byte) {
	var frame errorFrame
	_ = json.Unmarshal(data, &frame)
	c.logger.Warn("upstream reported error", "code", frame.Code, "message", frame.Message)
}

// sessionGone logs a rejected append and, when the session was closed
// out from under the relay (admin close, sweep), winds the relay down.
func (c *conn) sessionGone(err error, msg string) {
	c.logger.Warn(msg, "error", err)
	if errors.Is(err, session.ErrClosed) || errors.Is(err, session.ErrNotFound) {
		// Already terminal, so the cause is not recorded anywhere.
		c.shutdown(session.CauseShutdown)
	}
}

// writeClient is the only writer on the client socket: relayed frames
// and warnings from the send queue, plus keepalive pings.
func (c *conn) writeClient() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case f := <-c.send:
			_ = c.client.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.client.WriteMessage(f.messageType, f.data); err != nil {
				c.logger.Debug("client write failed", "error", err)
				c.shutdown(session.CauseClientClose)
				return
			}
		case <-ticker.C:
			_ = c.client.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.client.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown(session.CauseClientClose)
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// pingUpstream keeps the upstream leg alive; results can be sparse on a
// quiet call even while audio flows the other way.
func (c *conn) pingUpstream() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.upstream.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// shutdown tears the relay down exactly once: cancels the connection
// context, tells both peers, closes both sockets, and closes the
// session under the given cause. Either side may initiate; later calls
// are no-ops, so both ends can close without coordinating.
func (c *conn) shutdown(cause session.Cause) {
	c.closeOnce.Do(func() {
		c.cancel()

		deadline := time.Now().Add(writeWait)
		closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.client.WriteControl(websocket.CloseMessage, closeMsg, deadline)
		_ = c.upstream.WriteControl(websocket.CloseMessage, closeMsg, deadline)
		_ = c.client.Close()
		_ = c.upstream.Close()

		sess, err := c.h.registry.Close(c.sessionID, cause)
		if err != nil {
			c.logger.Warn("session close failed", "error", err)
		} else if c.h.events != nil {
			c.h.events.EmitSessionClosed(sess.ID, sess.CloseCause)
		}

		c.h.mu.Lock()
		delete(c.h.conns, c)
		c.h.mu.Unlock()
		metrics.ActiveBridges.Dec()

		c.logger.Info("bridge closed", "cause", cause)
	})
}
