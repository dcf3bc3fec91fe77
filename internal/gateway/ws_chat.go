package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"github.com/haasonsaas/malhub/internal/agent"
)

const (
	wsMaxPayloadBytes = 1 << 20
	wsSendBuffer      = 64
	wsTurnQueue       = 16
	wsPongWait        = 45 * time.Second
	wsPingInterval    = (wsPongWait * 9) / 10
	wsWriteWait       = 10 * time.Second
)

var errConnClosed = errors.New("connection closed")

type chatHandler struct {
	server   *Server
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

func (s *Server) newChatHandler() http.Handler {
	return &chatHandler{
		server: s,
		logger: s.logger.With("transport", "websocket"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin:     originChecker(s.config.AllowedOrigins),
		},
	}
}

// originChecker returns nil for an empty allow list, which leaves gorilla's
// same-origin check in place.
func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return nil
	}
	set := make(map[string]bool, len(allowed))
	for _, origin := range allowed {
		if origin == "*" {
			return func(*http.Request) bool { return true }
		}
		set[strings.TrimRight(origin, "/")] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set[origin]
	}
}

// chatConn is one /ws/chat connection. Inbound frames are handled one at a
// time in arrival order: a frame's turn is relayed to its terminal event
// before the next frame starts. Turns outlive the connection; events
// produced after the client leaves are drained and dropped.
type chatConn struct {
	handler *chatHandler
	conn    *websocket.Conn
	ctx     context.Context
	cancel  context.CancelFunc
	logger  *slog.Logger

	send chan []byte
	jobs chan func()

	threadMu sync.Mutex
	threadID string
}

func (h *chatHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.DebugContext(r.Context(), "websocket upgrade failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	c := &chatConn{
		handler: h,
		conn:    conn,
		ctx:     ctx,
		cancel:  cancel,
		logger:  h.logger.With("remote_addr", r.RemoteAddr),
		send:    make(chan []byte, wsSendBuffer),
		jobs:    make(chan func(), wsTurnQueue),
	}
	c.run()
}

func (c *chatConn) run() {
	metrics := c.handler.server.metrics
	metrics.ConnectionOpened()
	defer metrics.ConnectionClosed()
	c.logger.Debug("chat connection opened")

	defer c.close()
	go c.writeLoop()
	go c.turnLoop()
	c.readLoop()
	close(c.jobs)
}

func (c *chatConn) close() {
	c.cancel()
	_ = c.conn.Close() //nolint:errcheck
	c.logger.Debug("chat connection closed")
}

func (c *chatConn) readLoop() {
	c.conn.SetReadLimit(wsMaxPayloadBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait)) //nolint:errcheck
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("chat read failed", "error", err)
			}
			return
		}
		// Any inbound traffic proves the peer is alive.
		_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait)) //nolint:errcheck
		if messageType != websocket.TextMessage {
			continue
		}

		req, err := decodeChatRequest(data)
		if err != nil {
			c.handler.server.metrics.RecordFrame("in", "invalid")
			frame := errorFrame(fmt.Sprintf("Invalid message: %v", err))
			c.schedule(func() { _ = c.enqueue(frame) })
			continue
		}
		c.handler.server.metrics.RecordFrame("in", req.Type)
		c.schedule(func() { c.dispatch(req) })
	}
}

// schedule queues fn behind the frames already read. It blocks while the
// queue is full, which stops reading from a client that floods the socket.
func (c *chatConn) schedule(fn func()) {
	select {
	case c.jobs <- fn:
	case <-c.ctx.Done():
	}
}

// turnLoop runs queued frames sequentially. Frames still queued when the
// connection closes are skipped; a turn already running is not.
func (c *chatConn) turnLoop() {
	for job := range c.jobs {
		if c.ctx.Err() != nil {
			continue
		}
		job()
	}
}

// writeLoop owns all writes to the socket. It also pings the peer so idle
// connections stay open and dead ones are noticed.
func (c *chatConn) writeLoop() {
	ticker := time.NewTicker(wsPingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close() //nolint:errcheck
	}()

	for {
		select {
		case <-c.ctx.Done():
			_ = c.conn.WriteControl(websocket.CloseMessage, //nolint:errcheck
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(wsWriteWait))
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)) //nolint:errcheck
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.cancel()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				c.cancel()
				return
			}
		}
	}
}

func (c *chatConn) dispatch(req *chatRequest) {
	runner := c.handler.server.runner
	switch req.Type {
	case requestConfirmResponse:
		threadID := c.resolveThread(req.ThreadID, false)
		if threadID == "" {
			_ = c.enqueue(errorFrame("No thread to confirm. Send a message first."))
			return
		}
		c.logger.Info("confirmation received", "thread_id", threadID, "approved", *req.Approved)
		c.relay(threadID, runner.Confirm(c.ctx, agent.ChatAgent, threadID, *req.Approved))
	default:
		content := userContent(req)
		if content == "" {
			return
		}
		threadID := c.resolveThread(req.ThreadID, true)
		c.relay(threadID, runner.Send(c.ctx, agent.ChatAgent, threadID, content))
	}
}

// resolveThread picks the thread for a frame. An explicit id becomes the
// connection's current thread; otherwise the current thread is reused, and
// a new one is minted when create is set.
func (c *chatConn) resolveThread(requested string, create bool) string {
	c.threadMu.Lock()
	defer c.threadMu.Unlock()
	switch {
	case requested != "":
		c.threadID = requested
	case c.threadID == "" && create:
		c.threadID = ulid.Make().String()
	}
	return c.threadID
}

// relay writes a turn's events to the client and returns once the turn's
// channel is closed. The channel is always drained so the turn never blocks
// on a departed client.
func (c *chatConn) relay(threadID string, events <-chan agent.Event) {
	for ev := range events {
		frame, ok := eventFrame(ev, threadID)
		if !ok {
			continue
		}
		if err := c.enqueue(frame); err != nil && !errors.Is(err, errConnClosed) {
			c.logger.Warn("dropping chat frame", "type", frame.Type, "thread_id", threadID, "error", err)
		}
	}
}

func (c *chatConn) enqueue(frame chatFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	if len(data) > wsMaxPayloadBytes {
		return fmt.Errorf("payload too large")
	}

	if c.ctx.Err() != nil {
		return errConnClosed
	}
	select {
	case c.send <- data:
		c.handler.server.metrics.RecordFrame("out", frame.Type)
		return nil
	case <-c.ctx.Done():
		return errConnClosed
	}
}
