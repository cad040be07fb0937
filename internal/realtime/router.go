package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/charmbracelet/log"
	registrylayer "github.com/chirino/chat-service/internal/registry/layer"
	"github.com/chirino/chat-service/internal/security"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// ErrNotAuthorized is returned by Admit when the session's user is not a
// participant of its conversation.
var ErrNotAuthorized = errors.New("not a participant")

// ErrRouterClosed is returned by Admit once Close has been called.
var ErrRouterClosed = errors.New("router closed")

// Router tracks admitted sessions per conversation and fans broadcasts out to them.
// Broadcasts travel through the channel layer so every node delivers to its own sessions.
type Router struct {
	members security.MembershipChecker
	layer   registrylayer.ChannelLayer

	mu     sync.RWMutex
	groups map[string]map[string]*Session // conversation id -> session id -> session
	closed bool
}

// NewRouter creates a router. Call Start before broadcasting.
func NewRouter(members security.MembershipChecker, layer registrylayer.ChannelLayer) *Router {
	return &Router{
		members: members,
		layer:   layer,
		groups:  make(map[string]map[string]*Session),
	}
}

// Start subscribes the router to the channel layer until ctx is canceled.
func (r *Router) Start(ctx context.Context) error {
	if err := r.layer.Subscribe(ctx, r.deliverLocal); err != nil {
		return fmt.Errorf("failed to subscribe router: %w", err)
	}
	return nil
}

// Admit checks membership and registers the session under its conversation.
func (r *Router) Admit(ctx context.Context, s *Session) error {
	ok, err := r.members.IsParticipant(ctx, s.ConversationID, s.UserID)
	if err != nil {
		s.Reject()
		security.RecordAdmission(false)
		return fmt.Errorf("failed to check membership: %w", err)
	}
	if !ok {
		s.Reject()
		security.RecordAdmission(false)
		return ErrNotAuthorized
	}

	group := s.ConversationID.String()
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		s.Reject()
		security.RecordAdmission(false)
		return ErrRouterClosed
	}
	if !s.transition(Connecting, Admitted) {
		r.mu.Unlock()
		return fmt.Errorf("session %s cannot be admitted from state %s", s.ID, s.State())
	}
	sessions := r.groups[group]
	if sessions == nil {
		sessions = make(map[string]*Session)
		r.groups[group] = sessions
	}
	sessions[s.ID] = s
	r.mu.Unlock()

	security.RecordAdmission(true)
	log.Debug("Session admitted", "session", s.ID, "user", s.UserID, "conversation", group)
	return nil
}

// Dismiss unregisters an admitted session and moves it to Closed. Calling it
// again, or on a session that was never admitted, does nothing.
func (r *Router) Dismiss(s *Session) {
	r.mu.Lock()
	retired := s.transition(Admitted, Closed)
	if retired {
		r.removeLocked(s)
	}
	r.mu.Unlock()
	if retired {
		security.RecordDismissal()
	}
}

func (r *Router) removeLocked(s *Session) {
	group := s.ConversationID.String()
	sessions := r.groups[group]
	if sessions == nil {
		return
	}
	delete(sessions, s.ID)
	if len(sessions) == 0 {
		delete(r.groups, group)
	}
}

// Broadcast publishes payload to every admitted session of the conversation on every node.
func (r *Router) Broadcast(ctx context.Context, conversationID uuid.UUID, payload []byte) error {
	if err := r.layer.Publish(ctx, conversationID.String(), payload); err != nil {
		return err
	}
	security.RecordBroadcast()
	return nil
}

// deliverLocal sends payload to this node's sessions of group. A failing session
// is dismissed and the others still receive the payload.
func (r *Router) deliverLocal(group string, payload []byte) {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.groups[group]))
	for _, s := range r.groups[group] {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	for _, s := range sessions {
		if s.State() != Admitted {
			continue
		}
		if err := s.Send(payload); err != nil {
			log.Warn("Delivery failed", "session", s.ID, "conversation", group, "err", err)
			security.RecordDeliveryFailure()
			r.Dismiss(s)
		}
	}
}

// GroupSize returns how many sessions this node has admitted for the conversation.
func (r *Router) GroupSize(conversationID uuid.UUID) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.groups[conversationID.String()])
}

// Close dismisses every session and closes its connection with 1001.
// Sessions admitted afterwards are rejected.
func (r *Router) Close() {
	r.mu.Lock()
	r.closed = true
	var sessions []*Session
	for _, group := range r.groups {
		for _, s := range group {
			if s.transition(Admitted, Closed) {
				sessions = append(sessions, s)
			}
		}
	}
	r.groups = make(map[string]map[string]*Session)
	r.mu.Unlock()

	for _, s := range sessions {
		security.RecordDismissal()
		s.Close(websocket.CloseGoingAway, "server shutdown")
	}
}
