package ws

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"spacetime-relay/internal/telemetry"
	"spacetime-relay/logging"
	sessionlog "spacetime-relay/logging/sessions"
)

const (
	defaultSendQueue = 256
	defaultWriteWait = 10 * time.Second
)

var (
	// ErrSessionClosed is returned when enqueueing onto a session that has ended.
	ErrSessionClosed = errors.New("session closed")
	// ErrSendQueueFull is returned when a session cannot keep up with outbound traffic.
	ErrSendQueueFull = errors.New("session send queue full")
)

// SessionTransportError reports a broken client stream. It ends that session only.
type SessionTransportError struct {
	SessionID string
	Err       error
}

func (e *SessionTransportError) Error() string {
	return fmt.Sprintf("session %s transport: %v", e.SessionID, e.Err)
}

func (e *SessionTransportError) Unwrap() error { return e.Err }

// Conn is the subset of *websocket.Conn a session drives.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// SessionConfig tunes a session's outbound queue and intent budget.
type SessionConfig struct {
	SendQueue   int
	WriteWait   time.Duration
	IntentRate  float64
	IntentBurst int

	Logger    telemetry.Logger
	Publisher logging.Publisher
}

// Session is one client's duplex stream. Outbound messages are queued and
// written by a single writer goroutine so producers never block on a slow
// client.
type Session struct {
	id         string
	remoteAddr string
	conn       Conn
	writeWait  time.Duration
	limiter    *rate.Limiter
	logger     telemetry.Logger
	publisher  logging.Publisher

	send chan []byte
	done chan struct{}

	mu     sync.Mutex
	closed bool
	reason string
}

// NewSession wraps conn and starts its writer.
func NewSession(conn Conn, remoteAddr string, cfg SessionConfig) *Session {
	queue := cfg.SendQueue
	if queue <= 0 {
		queue = defaultSendQueue
	}
	writeWait := cfg.WriteWait
	if writeWait <= 0 {
		writeWait = defaultWriteWait
	}
	s := &Session{
		id:         uuid.NewString(),
		remoteAddr: remoteAddr,
		conn:       conn,
		writeWait:  writeWait,
		logger:     telemetry.DefaultLogger(cfg.Logger),
		publisher:  cfg.Publisher,
		send:       make(chan []byte, queue),
		done:       make(chan struct{}),
	}
	if s.publisher == nil {
		s.publisher = logging.NopPublisher()
	}
	if cfg.IntentRate > 0 {
		burst := cfg.IntentBurst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.IntentRate), burst)
	}
	go s.writeLoop()
	return s
}

// ID returns the session's opaque handle.
func (s *Session) ID() string { return s.id }

// RemoteAddr returns the client address the session was accepted from.
func (s *Session) RemoteAddr() string { return s.remoteAddr }

// Done is closed once the session has ended.
func (s *Session) Done() <-chan struct{} { return s.done }

// CloseReason reports why the session ended, or "" while it is open.
func (s *Session) CloseReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Enqueue queues data for delivery. A full queue ends the session.
func (s *Session) Enqueue(data []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	select {
	case s.send <- data:
		s.mu.Unlock()
		return nil
	default:
	}
	s.closeLocked("send queue full")
	s.mu.Unlock()
	return ErrSendQueueFull
}

// AllowIntent reports whether the session may forward another intent now.
func (s *Session) AllowIntent() bool {
	if s.limiter == nil {
		return true
	}
	return s.limiter.Allow()
}

// Close ends the session and releases its stream. Only the first reason is kept.
func (s *Session) Close(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked(reason)
}

func (s *Session) closeLocked(reason string) {
	if s.closed {
		return
	}
	s.closed = true
	s.reason = reason
	close(s.done)
	s.conn.Close()
}

func (s *Session) writeLoop() {
	for {
		select {
		case <-s.done:
			return
		case data := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(s.writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				err = &SessionTransportError{SessionID: s.id, Err: err}
				s.logger.Printf("failed to send to session %s: %v", s.id, err)
				sessionlog.SendFailed(context.Background(), s.publisher, s.id, sessionlog.SendFailedPayload{Error: err.Error()})
				s.Close("write failed")
				return
			}
		}
	}
}
