package store

import (
	"context"
	"fmt"
	"time"

	"github.com/chirino/chat-service/internal/model"
	"github.com/google/uuid"
)

// ConversationRecord is a conversation together with its participant ids.
type ConversationRecord struct {
	model.Conversation
	ParticipantIDs []string
}

// ConversationSummary is a conversation as seen by one participant in a listing.
type ConversationSummary struct {
	ConversationRecord
	LastMessage *model.Message
	UnreadCount int64
}

// NewUser holds the fields needed to create an account.
type NewUser struct {
	Username     string
	PasswordHash string
	Email        string
	Mobile       *string
	FirstName    string
	LastName     string
}

// NewTask describes a background task to enqueue. A non-empty Name makes the
// task a singleton: creating a second task with the same name is a no-op.
type NewTask struct {
	Name     string
	Type     string
	Body     string
	MaxRetry int
}

// ChatStore is the durable store for conversations, messages, accounts and tasks.
// Implementations must be safe for concurrent use.
type ChatStore interface {
	// Conversations
	CreateConversation(ctx context.Context, creatorID string, name string, isGroup bool, participantIDs []string) (*ConversationRecord, error)
	GetConversation(ctx context.Context, conversationID uuid.UUID) (*ConversationRecord, error)
	IsParticipant(ctx context.Context, conversationID uuid.UUID, userID string) (bool, error)
	ListConversationsFor(ctx context.Context, userID string) ([]ConversationSummary, error)
	// ConversationSummaryFor returns one conversation as seen by userID. A missing
	// conversation and a non-participant both give NotFoundError.
	ConversationSummaryFor(ctx context.Context, conversationID uuid.UUID, userID string) (*ConversationSummary, error)

	// Messages
	CreateMessage(ctx context.Context, conversationID uuid.UUID, senderID string, content string) (*model.Message, error)
	GetMessage(ctx context.Context, messageID uuid.UUID) (*model.Message, error)
	History(ctx context.Context, conversationID uuid.UUID, since time.Time) ([]model.Message, error)
	MarkRead(ctx context.Context, messageID uuid.UUID, userID string) (bool, error)
	MarkConversationRead(ctx context.Context, conversationID uuid.UUID, userID string) (int64, error)
	UnreadCount(ctx context.Context, conversationID *uuid.UUID, userID string) (int64, error)
	PurgeMessagesBefore(ctx context.Context, cutoff time.Time, batchSize int) (int64, error)

	// Accounts
	CreateUser(ctx context.Context, user NewUser) (*model.User, error)
	GetUser(ctx context.Context, userID string) (*model.User, error)
	GetUserByUsername(ctx context.Context, username string) (*model.User, error)
	GetOrCreateUserByMobile(ctx context.Context, mobile string, defaults NewUser) (*model.User, bool, error)
	GetUsers(ctx context.Context, userIDs []string) ([]model.User, error)
	EnsureUser(ctx context.Context, userID string, username string) (*model.User, error)
	TouchLastLogin(ctx context.Context, userID string, at time.Time) error

	// Tasks
	CreateTask(ctx context.Context, task NewTask) (uuid.UUID, error)
	ClaimReadyTasks(ctx context.Context, limit int) ([]model.Task, error)
	DeleteTask(ctx context.Context, taskID uuid.UUID) error
	FailTask(ctx context.Context, taskID uuid.UUID, errMsg string, retryDelay time.Duration) error
}

// Loader creates a ChatStore from config.
type Loader func(ctx context.Context) (ChatStore, error)

// Plugin represents a store plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a store plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered store plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named store plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown store %q; valid: %v", name, Names())
}
