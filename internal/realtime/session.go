package realtime

import (
	"sync/atomic"

	"github.com/google/uuid"
)

// SessionState is the lifecycle state of a streaming session.
//
//	Connecting -> Admitted -> Closed
//	Connecting -> Rejected
type SessionState int32

const (
	Connecting SessionState = iota
	Admitted
	Rejected
	Closed
)

func (s SessionState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Admitted:
		return "admitted"
	case Rejected:
		return "rejected"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Sender is the outbound side of a client connection.
type Sender interface {
	Send(payload []byte) error
	Close(code int, reason string)
}

// Session is one client connection bound to one conversation.
type Session struct {
	ID             string
	UserID         string
	Username       string
	ConversationID uuid.UUID

	conn  Sender
	state atomic.Int32
}

// NewSession creates a session in the Connecting state.
func NewSession(userID, username string, conversationID uuid.UUID, conn Sender) *Session {
	return &Session{
		ID:             uuid.NewString(),
		UserID:         userID,
		Username:       username,
		ConversationID: conversationID,
		conn:           conn,
	}
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

func (s *Session) transition(from, to SessionState) bool {
	return s.state.CompareAndSwap(int32(from), int32(to))
}

// Reject moves a Connecting session to Rejected. It reports whether the transition happened.
func (s *Session) Reject() bool {
	return s.transition(Connecting, Rejected)
}

// Send writes payload to the client.
func (s *Session) Send(payload []byte) error {
	return s.conn.Send(payload)
}

// Close closes the client connection with the given close code.
func (s *Session) Close(code int, reason string) {
	s.conn.Close(code, reason)
}
