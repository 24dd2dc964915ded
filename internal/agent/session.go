// ABOUTME: A live hub session for an agent or an observer with a bounded outbox
// ABOUTME: A pump goroutine drains the outbox into the transport sink

package agent

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrOutboxFull is returned when a session cannot accept more frames.
var ErrOutboxFull = errors.New("session outbox full")

// ErrSessionClosed is returned when sending to a session that has ended.
var ErrSessionClosed = errors.New("session closed")

// Frame is one outbound message. Payload is encoded by the transport.
type Frame struct {
	Type    string
	Payload any
}

// FrameWelcome is the first frame of every session.
const FrameWelcome = "welcome"

// Welcome is the payload of the welcome frame.
type Welcome struct {
	SessionID string `json:"sessionId"`
	TenantID  string `json:"tenantId"`
	AgentID   string `json:"agentId,omitempty"`
	AgentName string `json:"agentName,omitempty"`
	UserID    string `json:"userId,omitempty"`
}

// Sink is the transport side of a session.
type Sink interface {
	Send(Frame) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Frame) error

// Send calls f.
func (f SinkFunc) Send(fr Frame) error { return f(fr) }

// SessionKind distinguishes agents from observing users.
type SessionKind string

const (
	KindAgent    SessionKind = "agent"
	KindObserver SessionKind = "observer"
)

// CloseReason records why a session ended.
type CloseReason string

const (
	ReasonClosed     CloseReason = "closed"
	ReasonSuperseded CloseReason = "superseded"
	ReasonKicked     CloseReason = "kicked"
	ReasonSendFailed CloseReason = "send_failed"
)

// SessionInfo is a snapshot of a session for listing.
type SessionInfo struct {
	ID          string      `json:"id"`
	Kind        SessionKind `json:"kind"`
	TenantID    string      `json:"tenantId"`
	AgentID     string      `json:"agentId,omitempty"`
	UserID      string      `json:"userId,omitempty"`
	ConnectedAt time.Time   `json:"connectedAt"`
}

// Session is a single authenticated connection.
type Session struct {
	ID          string
	Kind        SessionKind
	TenantID    string
	AgentID     string
	UserID      string
	Permissions []string
	ConnectedAt time.Time

	sink      Sink
	outbox    chan Frame
	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
	reason    CloseReason
	heartbeat *rate.Limiter
	logger    *slog.Logger
}

func newSession(info SessionInfo, sink Sink, outboxSize int, heartbeatEvery time.Duration, logger *slog.Logger) *Session {
	return &Session{
		ID:          info.ID,
		Kind:        info.Kind,
		TenantID:    info.TenantID,
		AgentID:     info.AgentID,
		UserID:      info.UserID,
		ConnectedAt: info.ConnectedAt,
		sink:        sink,
		outbox:      make(chan Frame, outboxSize),
		done:        make(chan struct{}),
		stopped:     make(chan struct{}),
		heartbeat:   rate.NewLimiter(rate.Every(heartbeatEvery), 1),
		logger:      logger.With("session_id", info.ID, "kind", string(info.Kind)),
	}
}

// Info returns a snapshot of the session.
func (s *Session) Info() SessionInfo {
	return SessionInfo{
		ID:          s.ID,
		Kind:        s.Kind,
		TenantID:    s.TenantID,
		AgentID:     s.AgentID,
		UserID:      s.UserID,
		ConnectedAt: s.ConnectedAt,
	}
}

// Enqueue queues f for delivery without blocking.
func (s *Session) Enqueue(f Frame) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}

	select {
	case s.outbox <- f:
		return nil
	case <-s.done:
		return ErrSessionClosed
	default:
		return ErrOutboxFull
	}
}

// Done is closed when the session ends.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Stopped is closed once the delivery pump has exited, so no Send on the
// sink is in flight. It is never closed for a session whose pump did not start.
func (s *Session) Stopped() <-chan struct{} {
	return s.stopped
}

// Reason returns why the session ended, or "" while it is open.
func (s *Session) Reason() CloseReason {
	select {
	case <-s.done:
		return s.reason
	default:
		return ""
	}
}

func (s *Session) close(reason CloseReason) {
	s.closeOnce.Do(func() {
		s.reason = reason
		close(s.done)
		s.logger.Debug("session closed", "reason", string(reason))
	})
}

// pump delivers queued frames until the session closes or the sink fails.
func (s *Session) pump() {
	defer close(s.stopped)
	for {
		select {
		case <-s.done:
			return
		case f := <-s.outbox:
			if err := s.sink.Send(f); err != nil {
				s.logger.Warn("failed to send frame", "type", f.Type, "error", err)
				s.close(ReasonSendFailed)
				return
			}
		}
	}
}
