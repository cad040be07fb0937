package model

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

// User is an account known to the chat service.
type User struct {
	ID           string     `json:"id"                   gorm:"primaryKey;size:64"`
	Username     string     `json:"username"             gorm:"size:150;not null;uniqueIndex"`
	PasswordHash string     `json:"-"                    gorm:"not null"`
	Mobile       *string    `json:"mobile,omitempty"     gorm:"size:20;uniqueIndex"`
	Email        string     `json:"email"                gorm:"size:254;not null"`
	FirstName    string     `json:"first_name"           gorm:"size:150;not null"`
	LastName     string     `json:"last_name"            gorm:"size:150;not null"`
	Avatar       string     `json:"avatar"               gorm:"not null"`
	IsActive     bool       `json:"is_active"            gorm:"not null"`
	LastLogin    *time.Time `json:"last_login,omitempty"`
	CreatedAt    time.Time  `json:"created_at"           gorm:"not null"`
}

func (User) TableName() string { return "users" }

// Summary returns the public projection of the user embedded in conversation views.
func (u User) Summary() UserSummary {
	return UserSummary{
		ID:        u.ID,
		Username:  u.Username,
		FirstName: u.FirstName,
		LastName:  u.LastName,
	}
}

// UserSummary is the public projection of a User.
type UserSummary struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

// Conversation is a 1:1 or group chat.
type Conversation struct {
	ID        uuid.UUID `json:"id"         gorm:"primaryKey;type:uuid"`
	Name      string    `json:"name"       gorm:"size:255;not null"`
	IsGroup   bool      `json:"is_group"   gorm:"not null"`
	CreatedAt time.Time `json:"created_at" gorm:"not null"`
}

func (Conversation) TableName() string { return "conversations" }

// Participant links a user to a conversation.
type Participant struct {
	ConversationID uuid.UUID `json:"conversation_id" gorm:"primaryKey;type:uuid"`
	UserID         string    `json:"user_id"         gorm:"primaryKey;size:64;index"`
	JoinedAt       time.Time `json:"joined_at"       gorm:"not null"`
}

func (Participant) TableName() string { return "conversation_participants" }

// Message is a single chat message. ReadBy is loaded explicitly by the store.
type Message struct {
	ID             uuid.UUID `json:"id"              gorm:"primaryKey;type:uuid"`
	ConversationID uuid.UUID `json:"conversation_id" gorm:"type:uuid;not null;index:idx_messages_conversation_ts,priority:1"`
	SenderID       string    `json:"sender_id"       gorm:"size:64;not null;index"`
	Content        string    `json:"content"         gorm:"type:text;not null"`
	Timestamp      time.Time `json:"timestamp"       gorm:"not null;index;index:idx_messages_conversation_ts,priority:2"`
	ReadBy         []string  `json:"read_by"         gorm:"-"`
}

func (Message) TableName() string { return "messages" }

// IsReadBy reports whether userID is in the message's read_by set.
func (m Message) IsReadBy(userID string) bool {
	return slices.Contains(m.ReadBy, userID)
}

// MessageRead records that a user has read a message. The composite primary key
// keeps each user at most once in a message's read_by set.
type MessageRead struct {
	MessageID uuid.UUID `json:"message_id" gorm:"primaryKey;type:uuid"`
	UserID    string    `json:"user_id"    gorm:"primaryKey;size:64;index"`
	ReadAt    time.Time `json:"read_at"    gorm:"not null"`
}

func (MessageRead) TableName() string { return "message_reads" }

// Task is a unit of background work for the DB-backed job queue.
type Task struct {
	ID         uuid.UUID `json:"id"                 gorm:"primaryKey;type:uuid"`
	TaskName   *string   `json:"taskName,omitempty" gorm:"unique"`
	TaskType   string    `json:"taskType"           gorm:"not null"`
	TaskBody   string    `json:"taskBody"           gorm:"type:text;not null"`
	MaxRetry   int       `json:"maxRetry"           gorm:"not null"`
	CreatedAt  time.Time `json:"createdAt"          gorm:"not null"`
	RetryAt    time.Time `json:"retryAt"            gorm:"not null;index"`
	LastError  *string   `json:"lastError,omitempty"`
	RetryCount int       `json:"retryCount"         gorm:"not null"`
}

func (Task) TableName() string { return "tasks" }
