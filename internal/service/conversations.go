package service

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/chirino/chat-service/internal/config"
	"github.com/chirino/chat-service/internal/model"
	registrystore "github.com/chirino/chat-service/internal/registry/store"
	"github.com/google/uuid"
)

const maxConversationName = 255

// Read status values returned by MarkRead.
const (
	ReadStatusMarked      = "marked"
	ReadStatusAlreadyRead = "already_read"
)

// CreateConversationRequest is the body of a create-conversation call.
type CreateConversationRequest struct {
	Name         string   `json:"name"`
	Participants []string `json:"participants"`
	IsGroup      bool     `json:"is_group"`
}

// CreatedConversation is returned by Create.
type CreatedConversation struct {
	ConversationID uuid.UUID `json:"conversation_id"`
	Name           string    `json:"name"`
	IsGroup        bool      `json:"is_group"`
	Participants   []string  `json:"participants"`
}

// MessageView is a message as seen by one user.
type MessageView struct {
	ID           uuid.UUID         `json:"id"`
	Conversation uuid.UUID         `json:"conversation"`
	Sender       model.UserSummary `json:"sender"`
	Content      string            `json:"content"`
	Timestamp    time.Time         `json:"timestamp"`
	IsRead       bool              `json:"is_read"`
}

// ConversationView is a conversation as seen by one participant.
type ConversationView struct {
	ID           uuid.UUID           `json:"id"`
	Name         string              `json:"name"`
	Participants []model.UserSummary `json:"participants"`
	IsGroup      bool                `json:"is_group"`
	CreatedAt    time.Time           `json:"created_at"`
	LastMessage  *MessageView        `json:"last_message"`
	UnreadCount  int64               `json:"unread_count"`
}

// ConversationService implements the conversation operations behind the HTTP API.
// Every read is scoped to the caller: conversations the caller is not part of are
// reported as not found.
type ConversationService struct {
	store     registrystore.ChatStore
	directory *Directory
	retention time.Duration
	now       func() time.Time
}

// NewConversationService creates a conversation service.
func NewConversationService(store registrystore.ChatStore, directory *Directory, cfg *config.Config) *ConversationService {
	return &ConversationService{
		store:     store,
		directory: directory,
		retention: cfg.MessageRetention,
		now:       time.Now,
	}
}

func conversationNotFound(id uuid.UUID) error {
	return &registrystore.NotFoundError{Resource: "conversation", ID: id.String()}
}

// requireParticipant returns NotFound both for unknown conversations and for non-members.
func (s *ConversationService) requireParticipant(ctx context.Context, userID string, conversationID uuid.UUID) error {
	ok, err := s.store.IsParticipant(ctx, conversationID, userID)
	if err != nil {
		return fmt.Errorf("failed to check membership: %w", err)
	}
	if !ok {
		return conversationNotFound(conversationID)
	}
	return nil
}

// Create creates a conversation with the caller as a participant. Duplicate
// participant ids are dropped.
func (s *ConversationService) Create(ctx context.Context, userID string, req CreateConversationRequest) (*CreatedConversation, error) {
	if utf8.RuneCountInString(req.Name) > maxConversationName {
		return nil, &registrystore.ValidationError{Field: "name", Message: fmt.Sprintf("must be at most %d characters", maxConversationName)}
	}
	participants := registrystore.MergeParticipants(userID, req.Participants)
	rec, err := s.store.CreateConversation(ctx, userID, req.Name, req.IsGroup, participants)
	if err != nil {
		return nil, err
	}
	return &CreatedConversation{
		ConversationID: rec.ID,
		Name:           rec.Name,
		IsGroup:        rec.IsGroup,
		Participants:   rec.ParticipantIDs,
	}, nil
}

// Get returns one conversation with its last message and the caller's unread count.
func (s *ConversationService) Get(ctx context.Context, userID string, conversationID uuid.UUID) (*ConversationView, error) {
	summary, err := s.store.ConversationSummaryFor(ctx, conversationID, userID)
	if err != nil {
		var notFound *registrystore.NotFoundError
		if errors.As(err, &notFound) {
			return nil, conversationNotFound(conversationID)
		}
		return nil, err
	}
	views, err := s.views(ctx, userID, []registrystore.ConversationSummary{*summary})
	if err != nil {
		return nil, err
	}
	return &views[0], nil
}

// List returns every conversation the caller participates in, newest first.
func (s *ConversationService) List(ctx context.Context, userID string) ([]ConversationView, error) {
	summaries, err := s.store.ListConversationsFor(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.views(ctx, userID, summaries)
}

func (s *ConversationService) views(ctx context.Context, userID string, summaries []registrystore.ConversationSummary) ([]ConversationView, error) {
	var ids []string
	for _, c := range summaries {
		ids = append(ids, c.ParticipantIDs...)
		if c.LastMessage != nil {
			ids = append(ids, c.LastMessage.SenderID)
		}
	}
	users, err := s.directory.Summaries(ctx, ids)
	if err != nil {
		return nil, err
	}

	views := make([]ConversationView, 0, len(summaries))
	for _, c := range summaries {
		participants := make([]model.UserSummary, 0, len(c.ParticipantIDs))
		for _, id := range c.ParticipantIDs {
			participants = append(participants, users[id])
		}
		view := ConversationView{
			ID:           c.ID,
			Name:         c.Name,
			Participants: participants,
			IsGroup:      c.IsGroup,
			CreatedAt:    c.CreatedAt,
			UnreadCount:  c.UnreadCount,
		}
		if c.LastMessage != nil {
			last := messageView(*c.LastMessage, userID, users)
			view.LastMessage = &last
		}
		views = append(views, view)
	}
	return views, nil
}

func messageView(m model.Message, viewerID string, users map[string]model.UserSummary) MessageView {
	sender, ok := users[m.SenderID]
	if !ok {
		sender = model.UserSummary{ID: m.SenderID}
	}
	return MessageView{
		ID:           m.ID,
		Conversation: m.ConversationID,
		Sender:       sender,
		Content:      m.Content,
		Timestamp:    m.Timestamp,
		IsRead:       m.SenderID == viewerID || m.IsReadBy(viewerID),
	}
}

// History returns the conversation's messages inside the retention window, oldest first.
func (s *ConversationService) History(ctx context.Context, userID string, conversationID uuid.UUID) ([]MessageView, error) {
	if err := s.requireParticipant(ctx, userID, conversationID); err != nil {
		return nil, err
	}
	var since time.Time
	if s.retention > 0 {
		since = s.now().UTC().Add(-s.retention)
	}
	messages, err := s.store.History(ctx, conversationID, since)
	if err != nil {
		return nil, err
	}

	senders := make([]string, 0, len(messages))
	for _, m := range messages {
		senders = append(senders, m.SenderID)
	}
	users, err := s.directory.Summaries(ctx, senders)
	if err != nil {
		return nil, err
	}
	views := make([]MessageView, 0, len(messages))
	for _, m := range messages {
		views = append(views, messageView(m, userID, users))
	}
	return views, nil
}

// MarkRead marks one message read by the caller and returns ReadStatusMarked or
// ReadStatusAlreadyRead.
func (s *ConversationService) MarkRead(ctx context.Context, userID string, messageID uuid.UUID) (string, error) {
	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return "", err
	}
	ok, err := s.store.IsParticipant(ctx, msg.ConversationID, userID)
	if err != nil {
		return "", fmt.Errorf("failed to check membership: %w", err)
	}
	if !ok {
		return "", &registrystore.NotFoundError{Resource: "message", ID: messageID.String()}
	}
	changed, err := s.store.MarkRead(ctx, messageID, userID)
	if err != nil {
		var notFound *registrystore.NotFoundError
		if errors.As(err, &notFound) {
			return "", &registrystore.NotFoundError{Resource: "message", ID: messageID.String()}
		}
		return "", err
	}
	if changed {
		return ReadStatusMarked, nil
	}
	return ReadStatusAlreadyRead, nil
}

// MarkConversationRead marks every message of the conversation read by the caller
// and returns how many were newly marked.
func (s *ConversationService) MarkConversationRead(ctx context.Context, userID string, conversationID uuid.UUID) (int64, error) {
	if err := s.requireParticipant(ctx, userID, conversationID); err != nil {
		return 0, err
	}
	return s.store.MarkConversationRead(ctx, conversationID, userID)
}

// UnreadCount counts the caller's unread messages in one conversation, or in all of
// them when conversationID is nil.
func (s *ConversationService) UnreadCount(ctx context.Context, userID string, conversationID *uuid.UUID) (int64, error) {
	if conversationID != nil {
		if err := s.requireParticipant(ctx, userID, *conversationID); err != nil {
			return 0, err
		}
	}
	return s.store.UnreadCount(ctx, conversationID, userID)
}
