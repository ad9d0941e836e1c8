// Package transport adapts wire-level connections — a full-duplex
// WebSocket or a half-duplex HTTP event stream — to the hub.Session
// interface.
package transport

import (
	"context"
	"net/http"
	"time"

	"github.com/agatx/serenada/internal/v1/hub"
	"github.com/agatx/serenada/internal/v1/ids"
	"github.com/agatx/serenada/internal/v1/logging"
	"github.com/agatx/serenada/internal/v1/originguard"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	maxFrameBytes  = 64 * 1024
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = 54 * time.Second
	outboxCapacity = 256
)

// wsSession is the full-duplex hub.Session backed by a gorilla/websocket
// connection. One readPump and one writePump goroutine own the connection;
// every other caller only ever touches it through Send/Close/Sid/IP.
type wsSession struct {
	conn *websocket.Conn
	h    *hub.Hub
	sid  string
	ip   string

	outbox    chan hub.Envelope
	closeOnce chan struct{}
}

// WSUpgrader upgrades and drives full-duplex WebSocket connections against
// its hub; Handle is its Gin handler.
type WSUpgrader struct {
	hub    *hub.Hub
	guard  *originguard.Guard
	upgrader websocket.Upgrader
}

// NewWSUpgrader builds a WSUpgrader bound to h, gating upgrades through
// guard.
func NewWSUpgrader(h *hub.Hub, guard *originguard.Guard) *WSUpgrader {
	return &WSUpgrader{
		hub:   h,
		guard: guard,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return guard.Allow(r) },
		},
	}
}

// Handle upgrades c's request to a WebSocket and drives it until close.
func (u *WSUpgrader) Handle(c *gin.Context) {
	conn, err := u.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Warn(c.Request.Context(), "transport: websocket upgrade failed", zap.Error(err))
		return
	}

	s := &wsSession{
		conn:      conn,
		h:         u.hub,
		sid:       ids.NewSessionID(),
		ip:        c.ClientIP(),
		outbox:    make(chan hub.Envelope, outboxCapacity),
		closeOnce: make(chan struct{}),
	}

	u.hub.Register(s)
	go s.writePump()
	s.readPump()
}

func (s *wsSession) Sid() string       { return s.sid }
func (s *wsSession) Transport() string { return "full-duplex" }
func (s *wsSession) IP() string        { return s.ip }

// Send enqueues env for delivery, dropping it if the outbox is full rather
// than blocking the caller.
func (s *wsSession) Send(env hub.Envelope) {
	select {
	case s.outbox <- env:
	default:
		logging.Warn(context.Background(), "transport: dropping message, outbox full",
			zap.String("sid", s.sid), zap.String("type", env.Type))
	}
}

// Close tears down the underlying connection. Safe to call more than once.
func (s *wsSession) Close() {
	select {
	case <-s.closeOnce:
	default:
		close(s.closeOnce)
		_ = s.conn.Close()
	}
}

func (s *wsSession) readPump() {
	defer func() {
		s.h.Disconnect(s)
		s.Close()
	}()

	s.conn.SetReadLimit(maxFrameBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		s.h.Deliver(s, raw)
	}
}

func (s *wsSession) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		s.Close()
	}()

	for {
		select {
		case <-s.closeOnce:
			return
		case env, ok := <-s.outbox:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteJSON(env); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
