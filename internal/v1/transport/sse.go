package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/agatx/serenada/internal/v1/hub"
	"github.com/agatx/serenada/internal/v1/ids"
	"github.com/agatx/serenada/internal/v1/logging"
	"github.com/agatx/serenada/internal/v1/originguard"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	sseMaxBodyBytes  = 64 * 1024
	ssePingInterval  = 15 * time.Second
	sseGraceWindow   = 5 * time.Second
	sseStaleAfter    = 60 * time.Second
	sseReaperCadence = 15 * time.Second
)

// sseSession is the half-duplex hub.Session backed by an HTTP GET stream
// (for server→client delivery) paired with independent POST requests (for
// client→server delivery). Its outbox survives across reconnects: a brief
// drop and resume within sseGraceWindow reattaches to the same queue
// instead of losing buffered messages.
type sseSession struct {
	mu sync.Mutex

	sid string
	ip  string

	outbox   chan hub.Envelope
	flusher  http.Flusher
	writer   http.ResponseWriter
	attached bool

	lastSeen   time.Time
	graceTimer *time.Timer
}

func newSSESession(sid, ip string) *sseSession {
	return &sseSession{
		sid:      sid,
		ip:       ip,
		outbox:   make(chan hub.Envelope, outboxCapacity),
		lastSeen: time.Now(),
	}
}

func (s *sseSession) Sid() string       { return s.sid }
func (s *sseSession) Transport() string { return "event-stream" }
func (s *sseSession) IP() string        { return s.ip }

func (s *sseSession) Send(env hub.Envelope) {
	select {
	case s.outbox <- env:
	default:
		logging.Warn(context.Background(), "transport: dropping message, outbox full",
			zap.String("sid", s.sid), zap.String("type", env.Type))
	}
}

// Close detaches the current writer, if any. The session itself is only
// torn down by the adapter's evict path, since a detached session may
// still be resumed within the grace window.
func (s *sseSession) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attached = false
	s.writer = nil
	s.flusher = nil
}

func (s *sseSession) attach(w http.ResponseWriter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.graceTimer != nil {
		s.graceTimer.Stop()
		s.graceTimer = nil
	}
	s.writer = w
	s.flusher, _ = w.(http.Flusher)
	s.attached = true
	s.lastSeen = time.Now()
}

func (s *sseSession) touch() {
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

func (s *sseSession) idleSince() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastSeen)
}

func (s *sseSession) writeFrame(data []byte) error {
	s.mu.Lock()
	w, f := s.writer, s.flusher
	s.mu.Unlock()
	if w == nil {
		return fmt.Errorf("transport: no attached writer")
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	if f != nil {
		f.Flush()
	}
	return nil
}

// SSEAdapter drives the half-duplex event-stream + POST transport: one
// long-lived GET per session for server→client delivery, independent
// POSTs for client→server delivery.
type SSEAdapter struct {
	hub   *hub.Hub
	guard *originguard.Guard

	mu       sync.Mutex
	sessions map[string]*sseSession

	stop chan struct{}
}

// NewSSEAdapter builds an SSEAdapter bound to h and starts its background
// reaper.
func NewSSEAdapter(h *hub.Hub, guard *originguard.Guard) *SSEAdapter {
	a := &SSEAdapter{
		hub:      h,
		guard:    guard,
		sessions: make(map[string]*sseSession),
		stop:     make(chan struct{}),
	}
	go a.runReaper()
	return a
}

// Shutdown stops the background reaper.
func (a *SSEAdapter) Shutdown() {
	close(a.stop)
}

// HandleStream serves GET /events: opens or resumes the server→client
// half of a session's connection.
func (a *SSEAdapter) HandleStream(c *gin.Context) {
	if !a.guard.Allow(c.Request) {
		c.Status(http.StatusForbidden)
		return
	}

	sid := c.Query("sid")

	a.mu.Lock()
	sess, resumed := a.sessions[sid]
	if sid == "" || !resumed {
		sid = ids.NewSessionID()
		sess = newSSESession(sid, c.ClientIP())
		a.sessions[sid] = sess
	}
	a.mu.Unlock()

	if resumed {
		sess.attach(c.Writer)
	} else {
		sess.attach(c.Writer)
		a.hub.Register(sess)
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Writer.Header().Set("X-SSE-SID", sid)
	c.Writer.WriteHeader(http.StatusOK)
	if f, ok := c.Writer.(http.Flusher); ok {
		f.Flush()
	}

	ticker := time.NewTicker(ssePingInterval)
	defer ticker.Stop()

	ctxDone := c.Request.Context().Done()
	for {
		select {
		case <-ctxDone:
			a.startGrace(sid, sess)
			return
		case env, ok := <-sess.outbox:
			if !ok {
				return
			}
			payload, err := marshalSSEFrame(env)
			if err != nil || sess.writeFrame(payload) != nil {
				a.startGrace(sid, sess)
				return
			}
		case <-ticker.C:
			if sess.writeFrame([]byte(": ping\n\n")) != nil {
				a.startGrace(sid, sess)
				return
			}
		}
	}
}

// HandlePost serves POST /events: the client→server half of a session's
// connection, identified by the X-SSE-SID header or ?sid= query.
func (a *SSEAdapter) HandlePost(c *gin.Context) {
	if !a.guard.Allow(c.Request) {
		c.Status(http.StatusForbidden)
		return
	}

	sid := c.GetHeader("X-SSE-SID")
	if sid == "" {
		sid = c.Query("sid")
	}
	if sid == "" {
		c.Status(http.StatusBadRequest)
		return
	}

	a.mu.Lock()
	sess, ok := a.sessions[sid]
	a.mu.Unlock()
	if !ok {
		c.Status(http.StatusGone)
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, sseMaxBodyBytes+1))
	if err != nil {
		c.Status(http.StatusBadRequest)
		return
	}
	if len(body) > sseMaxBodyBytes {
		c.Status(http.StatusBadRequest)
		return
	}

	sess.touch()
	a.hub.Deliver(sess, body)
	c.Status(http.StatusNoContent)
}

func (s *sseSession) onGrace() (fired bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attached {
		return false
	}
	return true
}

func (a *SSEAdapter) startGrace(sid string, sess *sseSession) {
	sess.Close()

	sess.mu.Lock()
	if sess.graceTimer != nil {
		sess.graceTimer.Stop()
	}
	sess.graceTimer = time.AfterFunc(sseGraceWindow, func() {
		if sess.onGrace() {
			a.evict(sid, sess)
		}
	})
	sess.mu.Unlock()
}

func (a *SSEAdapter) evict(sid string, sess *sseSession) {
	a.mu.Lock()
	cur, ok := a.sessions[sid]
	if ok && cur == sess {
		delete(a.sessions, sid)
	}
	a.mu.Unlock()
	if ok {
		a.hub.Disconnect(sess)
	}
}

// runReaper evicts sessions that have seen no GET or POST activity for
// sseStaleAfter, as a backstop for connections that dropped without the
// request context ever observing it (e.g. a client that stopped polling
// the POST endpoint but never closed its GET stream).
func (a *SSEAdapter) runReaper() {
	ticker := time.NewTicker(sseReaperCadence)
	defer ticker.Stop()
	for {
		select {
		case <-a.stop:
			return
		case <-ticker.C:
			a.reapOnce()
		}
	}
}

func (a *SSEAdapter) reapOnce() {
	a.mu.Lock()
	stale := make(map[string]*sseSession)
	for sid, sess := range a.sessions {
		if sess.idleSince() > sseStaleAfter {
			stale[sid] = sess
		}
	}
	a.mu.Unlock()

	for sid, sess := range stale {
		a.evict(sid, sess)
	}
}

func marshalSSEFrame(env hub.Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(data)+8)
	out = append(out, []byte("data: ")...)
	out = append(out, data...)
	out = append(out, '\n', '\n')
	return out, nil
}
