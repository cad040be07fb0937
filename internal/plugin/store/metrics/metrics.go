package metrics

import (
	"context"
	"time"

	"github.com/chirino/chat-service/internal/model"
	"github.com/chirino/chat-service/internal/registry/store"
	"github.com/chirino/chat-service/internal/security"
	"github.com/google/uuid"
)

// Wrap returns a ChatStore that records StoreLatency for every operation.
func Wrap(inner store.ChatStore) store.ChatStore {
	return &metricsStore{inner: inner}
}

type metricsStore struct {
	inner store.ChatStore
}

func observe(op string, start time.Time) {
	if security.StoreLatency == nil {
		return
	}
	security.StoreLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (m *metricsStore) CreateConversation(ctx context.Context, creatorID string, name string, isGroup bool, participantIDs []string) (*store.ConversationRecord, error) {
	defer observe("create_conversation", time.Now())
	return m.inner.CreateConversation(ctx, creatorID, name, isGroup, participantIDs)
}

func (m *metricsStore) GetConversation(ctx context.Context, conversationID uuid.UUID) (*store.ConversationRecord, error) {
	defer observe("get_conversation", time.Now())
	return m.inner.GetConversation(ctx, conversationID)
}

func (m *metricsStore) IsParticipant(ctx context.Context, conversationID uuid.UUID, userID string) (bool, error) {
	defer observe("is_participant", time.Now())
	return m.inner.IsParticipant(ctx, conversationID, userID)
}

func (m *metricsStore) ListConversationsFor(ctx context.Context, userID string) ([]store.ConversationSummary, error) {
	defer observe("list_conversations", time.Now())
	return m.inner.ListConversationsFor(ctx, userID)
}

func (m *metricsStore) ConversationSummaryFor(ctx context.Context, conversationID uuid.UUID, userID string) (*store.ConversationSummary, error) {
	defer observe("get_conversation_summary", time.Now())
	return m.inner.ConversationSummaryFor(ctx, conversationID, userID)
}

func (m *metricsStore) CreateMessage(ctx context.Context, conversationID uuid.UUID, senderID string, content string) (*model.Message, error) {
	defer observe("create_message", time.Now())
	return m.inner.CreateMessage(ctx, conversationID, senderID, content)
}

func (m *metricsStore) GetMessage(ctx context.Context, messageID uuid.UUID) (*model.Message, error) {
	defer observe("get_message", time.Now())
	return m.inner.GetMessage(ctx, messageID)
}

func (m *metricsStore) History(ctx context.Context, conversationID uuid.UUID, since time.Time) ([]model.Message, error) {
	defer observe("history", time.Now())
	return m.inner.History(ctx, conversationID, since)
}

func (m *metricsStore) MarkRead(ctx context.Context, messageID uuid.UUID, userID string) (bool, error) {
	defer observe("mark_read", time.Now())
	return m.inner.MarkRead(ctx, messageID, userID)
}

func (m *metricsStore) MarkConversationRead(ctx context.Context, conversationID uuid.UUID, userID string) (int64, error) {
	defer observe("mark_conversation_read", time.Now())
	return m.inner.MarkConversationRead(ctx, conversationID, userID)
}

func (m *metricsStore) UnreadCount(ctx context.Context, conversationID *uuid.UUID, userID string) (int64, error) {
	defer observe("unread_count", time.Now())
	return m.inner.UnreadCount(ctx, conversationID, userID)
}

func (m *metricsStore) PurgeMessagesBefore(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	defer observe("purge_messages", time.Now())
	return m.inner.PurgeMessagesBefore(ctx, cutoff, batchSize)
}

func (m *metricsStore) CreateUser(ctx context.Context, user store.NewUser) (*model.User, error) {
	defer observe("create_user", time.Now())
	return m.inner.CreateUser(ctx, user)
}

func (m *metricsStore) GetUser(ctx context.Context, userID string) (*model.User, error) {
	defer observe("get_user", time.Now())
	return m.inner.GetUser(ctx, userID)
}

func (m *metricsStore) GetUserByUsername(ctx context.Context, username string) (*model.User, error) {
	defer observe("get_user_by_username", time.Now())
	return m.inner.GetUserByUsername(ctx, username)
}

func (m *metricsStore) GetOrCreateUserByMobile(ctx context.Context, mobile string, defaults store.NewUser) (*model.User, bool, error) {
	defer observe("get_or_create_user_by_mobile", time.Now())
	return m.inner.GetOrCreateUserByMobile(ctx, mobile, defaults)
}

func (m *metricsStore) GetUsers(ctx context.Context, userIDs []string) ([]model.User, error) {
	defer observe("get_users", time.Now())
	return m.inner.GetUsers(ctx, userIDs)
}

func (m *metricsStore) EnsureUser(ctx context.Context, userID string, username string) (*model.User, error) {
	defer observe("ensure_user", time.Now())
	return m.inner.EnsureUser(ctx, userID, username)
}

func (m *metricsStore) TouchLastLogin(ctx context.Context, userID string, at time.Time) error {
	defer observe("touch_last_login", time.Now())
	return m.inner.TouchLastLogin(ctx, userID, at)
}

func (m *metricsStore) CreateTask(ctx context.Context, task store.NewTask) (uuid.UUID, error) {
	defer observe("create_task", time.Now())
	return m.inner.CreateTask(ctx, task)
}

func (m *metricsStore) ClaimReadyTasks(ctx context.Context, limit int) ([]model.Task, error) {
	defer observe("claim_ready_tasks", time.Now())
	return m.inner.ClaimReadyTasks(ctx, limit)
}

func (m *metricsStore) DeleteTask(ctx context.Context, taskID uuid.UUID) error {
	defer observe("delete_task", time.Now())
	return m.inner.DeleteTask(ctx, taskID)
}

func (m *metricsStore) FailTask(ctx context.Context, taskID uuid.UUID, errMsg string, retryDelay time.Duration) error {
	defer observe("fail_task", time.Now())
	return m.inner.FailTask(ctx, taskID, errMsg, retryDelay)
}
