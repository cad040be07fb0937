// Package sqlstore implements the ChatStore on top of gorm. It is shared by the
// postgres and sqlite plugins, which only differ in how they open the connection.
package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/chirino/chat-service/internal/model"
	registrystore "github.com/chirino/chat-service/internal/registry/store"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store implements registrystore.ChatStore using GORM.
type Store struct {
	db *gorm.DB
}

// New wraps an open gorm connection.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying connection for migrators and tests.
func (s *Store) DB() *gorm.DB {
	return s.db
}

func now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

var lastMessageStamp atomic.Int64

// messageTime is now(), bumped past the previous message stamp so messages created
// by this process sort in creation order.
func messageTime() time.Time {
	for {
		t := now()
		prev := lastMessageStamp.Load()
		if t.UnixNano() <= prev {
			t = time.Unix(0, prev).UTC().Add(time.Microsecond)
		}
		if lastMessageStamp.CompareAndSwap(prev, t.UnixNano()) {
			return t
		}
	}
}

func (s *Store) isPostgres() bool {
	return s.db.Dialector.Name() == "postgres"
}

// --- Conversations ---

func (s *Store) CreateConversation(ctx context.Context, creatorID string, name string, isGroup bool, participantIDs []string) (*registrystore.ConversationRecord, error) {
	ids := registrystore.MergeParticipants(creatorID, participantIDs)
	created := now()
	conv := model.Conversation{
		ID:        uuid.New(),
		Name:      name,
		IsGroup:   isGroup,
		CreatedAt: created,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var found []string
		if err := tx.Model(&model.User{}).Where("id IN ?", ids).Pluck("id", &found).Error; err != nil {
			return fmt.Errorf("failed to look up participants: %w", err)
		}
		if missing := registrystore.Missing(ids, found); len(missing) > 0 {
			return &registrystore.ValidationError{Field: "participants", Message: "unknown user: " + strings.Join(missing, ", ")}
		}
		if err := tx.Create(&conv).Error; err != nil {
			return fmt.Errorf("failed to create conversation: %w", err)
		}
		rows := make([]model.Participant, len(ids))
		for i, id := range ids {
			rows[i] = model.Participant{ConversationID: conv.ID, UserID: id, JoinedAt: created}
		}
		if err := tx.Create(&rows).Error; err != nil {
			return fmt.Errorf("failed to add participants: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &registrystore.ConversationRecord{Conversation: conv, ParticipantIDs: ids}, nil
}

func (s *Store) GetConversation(ctx context.Context, conversationID uuid.UUID) (*registrystore.ConversationRecord, error) {
	var conv model.Conversation
	err := s.db.WithContext(ctx).Where("id = ?", conversationID).Take(&conv).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &registrystore.NotFoundError{Resource: "conversation", ID: conversationID.String()}
		}
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	members, err := s.participants(ctx, []uuid.UUID{conversationID})
	if err != nil {
		return nil, err
	}
	return &registrystore.ConversationRecord{Conversation: conv, ParticipantIDs: members[conversationID]}, nil
}

func (s *Store) IsParticipant(ctx context.Context, conversationID uuid.UUID, userID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&model.Participant{}).
		Where("conversation_id = ? AND user_id = ?", conversationID, userID).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check participant: %w", err)
	}
	return count > 0, nil
}

func (s *Store) ListConversationsFor(ctx context.Context, userID string) ([]registrystore.ConversationSummary, error) {
	var convs []model.Conversation
	err := s.db.WithContext(ctx).
		Joins("JOIN conversation_participants p ON p.conversation_id = conversations.id").
		Where("p.user_id = ?", userID).
		Order("conversations.created_at DESC, conversations.id").
		Find(&convs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	if len(convs) == 0 {
		return []registrystore.ConversationSummary{}, nil
	}
	ids := make([]uuid.UUID, len(convs))
	for i, c := range convs {
		ids[i] = c.ID
	}
	members, err := s.participants(ctx, ids)
	if err != nil {
		return nil, err
	}
	unread, err := s.unreadByConversation(ctx, ids, userID)
	if err != nil {
		return nil, err
	}

	summaries := make([]registrystore.ConversationSummary, len(convs))
	var lastIDs []uuid.UUID
	for i, c := range convs {
		summaries[i] = registrystore.ConversationSummary{
			ConversationRecord: registrystore.ConversationRecord{Conversation: c, ParticipantIDs: members[c.ID]},
			UnreadCount:        unread[c.ID],
		}
		last, err := s.lastMessage(ctx, c.ID)
		if err != nil {
			return nil, err
		}
		if last != nil {
			summaries[i].LastMessage = last
			lastIDs = append(lastIDs, last.ID)
		}
	}
	reads, err := s.readers(ctx, lastIDs)
	if err != nil {
		return nil, err
	}
	for i := range summaries {
		if m := summaries[i].LastMessage; m != nil {
			m.ReadBy = reads[m.ID]
		}
	}
	return summaries, nil
}

func (s *Store) ConversationSummaryFor(ctx context.Context, conversationID uuid.UUID, userID string) (*registrystore.ConversationSummary, error) {
	rec, err := s.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !slices.Contains(rec.ParticipantIDs, userID) {
		return nil, &registrystore.NotFoundError{Resource: "conversation", ID: conversationID.String()}
	}
	summary := &registrystore.ConversationSummary{ConversationRecord: *rec}
	summary.LastMessage, err = s.lastMessage(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if m := summary.LastMessage; m != nil {
		reads, err := s.readers(ctx, []uuid.UUID{m.ID})
		if err != nil {
			return nil, err
		}
		m.ReadBy = reads[m.ID]
	}
	unread, err := s.unreadByConversation(ctx, []uuid.UUID{conversationID}, userID)
	if err != nil {
		return nil, err
	}
	summary.UnreadCount = unread[conversationID]
	return summary, nil
}

// lastMessage returns the newest message of the conversation, or nil when it has none.
// ReadBy is not loaded.
func (s *Store) lastMessage(ctx context.Context, conversationID uuid.UUID) (*model.Message, error) {
	var last model.Message
	err := s.db.WithContext(ctx).Where("conversation_id = ?", conversationID).
		Order("timestamp DESC, id DESC").Limit(1).Find(&last).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load last message: %w", err)
	}
	if last.ID == uuid.Nil {
		return nil, nil
	}
	return &last, nil
}

func (s *Store) participants(ctx context.Context, conversationIDs []uuid.UUID) (map[uuid.UUID][]string, error) {
	var rows []model.Participant
	err := s.db.WithContext(ctx).Where("conversation_id IN ?", conversationIDs).
		Order("joined_at, user_id").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load participants: %w", err)
	}
	result := make(map[uuid.UUID][]string, len(conversationIDs))
	for _, r := range rows {
		result[r.ConversationID] = append(result[r.ConversationID], r.UserID)
	}
	return result, nil
}

// --- Messages ---

func (s *Store) CreateMessage(ctx context.Context, conversationID uuid.UUID, senderID string, content string) (*model.Message, error) {
	msg := model.Message{
		ID:             uuid.New(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		Timestamp:      messageTime(),
		ReadBy:         []string{},
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&model.Participant{}).
			Where("conversation_id = ? AND user_id = ?", conversationID, senderID).
			Count(&count).Error; err != nil {
			return fmt.Errorf("failed to check participant: %w", err)
		}
		if count == 0 {
			return &registrystore.NotParticipantError{ConversationID: conversationID, UserID: senderID}
		}
		if err := tx.Create(&msg).Error; err != nil {
			return fmt.Errorf("failed to create message: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func (s *Store) GetMessage(ctx context.Context, messageID uuid.UUID) (*model.Message, error) {
	var msg model.Message
	err := s.db.WithContext(ctx).Where("id = ?", messageID).Take(&msg).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &registrystore.NotFoundError{Resource: "message", ID: messageID.String()}
		}
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	reads, err := s.readers(ctx, []uuid.UUID{messageID})
	if err != nil {
		return nil, err
	}
	msg.ReadBy = reads[messageID]
	if msg.ReadBy == nil {
		msg.ReadBy = []string{}
	}
	return &msg, nil
}

func (s *Store) History(ctx context.Context, conversationID uuid.UUID, since time.Time) ([]model.Message, error) {
	q := s.db.WithContext(ctx).Where("conversation_id = ?", conversationID)
	if !since.IsZero() {
		q = q.Where("timestamp >= ?", since.UTC())
	}
	var msgs []model.Message
	if err := q.Order("timestamp, id").Find(&msgs).Error; err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	ids := make([]uuid.UUID, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	reads, err := s.readers(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range msgs {
		msgs[i].ReadBy = reads[msgs[i].ID]
		if msgs[i].ReadBy == nil {
			msgs[i].ReadBy = []string{}
		}
	}
	return msgs, nil
}

// readers loads the read_by sets for the given messages.
func (s *Store) readers(ctx context.Context, messageIDs []uuid.UUID) (map[uuid.UUID][]string, error) {
	result := make(map[uuid.UUID][]string, len(messageIDs))
	for start := 0; start < len(messageIDs); start += readerChunk {
		end := min(start+readerChunk, len(messageIDs))
		var rows []model.MessageRead
		err := s.db.WithContext(ctx).Where("message_id IN ?", messageIDs[start:end]).
			Order("read_at, user_id").Find(&rows).Error
		if err != nil {
			return nil, fmt.Errorf("failed to load read receipts: %w", err)
		}
		for _, r := range rows {
			result[r.MessageID] = append(result[r.MessageID], r.UserID)
		}
	}
	return result, nil
}

const readerChunk = 500

func (s *Store) MarkRead(ctx context.Context, messageID uuid.UUID, userID string) (bool, error) {
	var changed bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&model.Message{}).Where("id = ?", messageID).Count(&count).Error; err != nil {
			return fmt.Errorf("failed to get message: %w", err)
		}
		if count == 0 {
			return &registrystore.NotFoundError{Resource: "message", ID: messageID.String()}
		}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&model.MessageRead{
			MessageID: messageID,
			UserID:    userID,
			ReadAt:    now(),
		})
		if res.Error != nil {
			return fmt.Errorf("failed to mark message read: %w", res.Error)
		}
		changed = res.RowsAffected > 0
		return nil
	})
	return changed, err
}

func (s *Store) MarkConversationRead(ctx context.Context, conversationID uuid.UUID, userID string) (int64, error) {
	var marked int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Exec(`
			INSERT INTO message_reads (message_id, user_id, read_at)
			SELECT m.id, ?, CURRENT_TIMESTAMP
			FROM messages m
			WHERE m.conversation_id = ?
			  AND NOT EXISTS (
				SELECT 1 FROM message_reads r WHERE r.message_id = m.id AND r.user_id = ?
			  )
			ON CONFLICT DO NOTHING
		`, userID, conversationID, userID)
		if res.Error != nil {
			return fmt.Errorf("failed to mark conversation read: %w", res.Error)
		}
		marked = res.RowsAffected
		return nil
	})
	return marked, err
}

// unreadQuery selects messages the user can see, did not send and has not read.
func (s *Store) unreadQuery(ctx context.Context, userID string) *gorm.DB {
	return s.db.WithContext(ctx).Table("messages m").
		Joins("JOIN conversation_participants p ON p.conversation_id = m.conversation_id AND p.user_id = ?", userID).
		Where("m.sender_id <> ?", userID).
		Where("NOT EXISTS (SELECT 1 FROM message_reads r WHERE r.message_id = m.id AND r.user_id = ?)", userID)
}

func (s *Store) UnreadCount(ctx context.Context, conversationID *uuid.UUID, userID string) (int64, error) {
	q := s.unreadQuery(ctx, userID)
	if conversationID != nil {
		q = q.Where("m.conversation_id = ?", *conversationID)
	}
	var count int64
	if err := q.Count(&count).Error; err != nil {
		return 0, fmt.Errorf("failed to count unread: %w", err)
	}
	return count, nil
}

func (s *Store) unreadByConversation(ctx context.Context, conversationIDs []uuid.UUID, userID string) (map[uuid.UUID]int64, error) {
	var rows []struct {
		ConversationID uuid.UUID
		Count          int64
	}
	err := s.unreadQuery(ctx, userID).
		Select("m.conversation_id AS conversation_id, COUNT(*) AS count").
		Where("m.conversation_id IN ?", conversationIDs).
		Group("m.conversation_id").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to count unread: %w", err)
	}
	result := make(map[uuid.UUID]int64, len(rows))
	for _, r := range rows {
		result[r.ConversationID] = r.Count
	}
	return result, nil
}

func (s *Store) PurgeMessagesBefore(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	if batchSize <= 0 {
		return 0, &registrystore.ValidationError{Field: "batchSize", Message: "must be positive"}
	}
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		var ids []uuid.UUID
		err := s.db.WithContext(ctx).Model(&model.Message{}).
			Where("timestamp < ?", cutoff.UTC()).
			Order("timestamp").
			Limit(batchSize).
			Pluck("id", &ids).Error
		if err != nil {
			return total, fmt.Errorf("failed to select expired messages: %w", err)
		}
		if len(ids) == 0 {
			return total, nil
		}
		var deleted int64
		err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.Where("message_id IN ?", ids).Delete(&model.MessageRead{}).Error; err != nil {
				return fmt.Errorf("failed to delete read receipts: %w", err)
			}
			res := tx.Where("id IN ?", ids).Delete(&model.Message{})
			if res.Error != nil {
				return fmt.Errorf("failed to delete messages: %w", res.Error)
			}
			deleted = res.RowsAffected
			return nil
		})
		if err != nil {
			return total, err
		}
		total += deleted
		if len(ids) < batchSize {
			return total, nil
		}
	}
}

// isUniqueViolation reports whether err is a unique constraint failure on either dialect.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return errors.Is(err, gorm.ErrDuplicatedKey) || strings.Contains(err.Error(), "UNIQUE constraint failed")
}
