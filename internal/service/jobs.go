package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"time"

	"github.com/charmbracelet/log"
	registrynotify "github.com/chirino/chat-service/internal/registry/notify"
	registryqueue "github.com/chirino/chat-service/internal/registry/queue"
	registrystore "github.com/chirino/chat-service/internal/registry/store"
)

// Job types.
const (
	JobWelcomeEmail       = "account:welcome_email"
	JobCleanupOldMessages = "chat:cleanup_old_messages"
)

const welcomeEmailMaxRetry = 3

// WelcomeEmailPayload is the body of a welcome email job.
type WelcomeEmailPayload struct {
	UserID string `json:"user_id"`
}

// WelcomeEmailJob builds the job that greets a newly registered user.
func WelcomeEmailJob(userID string) (registryqueue.Job, error) {
	payload, err := json.Marshal(WelcomeEmailPayload{UserID: userID})
	if err != nil {
		return registryqueue.Job{}, err
	}
	return registryqueue.Job{Type: JobWelcomeEmail, Payload: payload, MaxRetry: welcomeEmailMaxRetry}, nil
}

// WelcomeMailer sends the welcome email for a registered user.
type WelcomeMailer struct {
	store    registrystore.ChatStore
	notifier registrynotify.Notifier
}

// NewWelcomeMailer creates the welcome email job handler.
func NewWelcomeMailer(store registrystore.ChatStore, notifier registrynotify.Notifier) *WelcomeMailer {
	return &WelcomeMailer{store: store, notifier: notifier}
}

// Handle sends the email. Users that no longer exist or have no email address are skipped.
func (m *WelcomeMailer) Handle(ctx context.Context, payload []byte) error {
	var p WelcomeEmailPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		// A malformed payload will never succeed; drop it.
		log.Error("WelcomeMailer: invalid payload", "err", err)
		return nil
	}
	u, err := m.store.GetUser(ctx, p.UserID)
	if err != nil {
		var notFound *registrystore.NotFoundError
		if errors.As(err, &notFound) {
			log.Warn("WelcomeMailer: user not found", "user", p.UserID)
			return nil
		}
		return err
	}
	if u.Email == "" {
		log.Debug("WelcomeMailer: user has no email", "user", u.ID)
		return nil
	}

	name := html.EscapeString(u.Username)
	if err := m.notifier.SendEmail(ctx, registrynotify.Email{
		To:      u.Email,
		Subject: "Welcome to chat-service",
		Text:    fmt.Sprintf("Hi %s,\n\nYour account is ready. Start a conversation any time.\n", u.Username),
		HTML:    fmt.Sprintf("<p>Hi %s,</p><p>Your account is ready. Start a conversation any time.</p>", name),
	}); err != nil {
		return fmt.Errorf("failed to send welcome email: %w", err)
	}
	log.Info("WelcomeMailer: sent", "user", u.ID)
	return nil
}

// RegisterJobs installs the handlers for every job type.
func RegisterJobs(q registryqueue.Queue, retention *RetentionService, mailer *WelcomeMailer) {
	q.Handle(JobCleanupOldMessages, retention.Handle)
	q.Handle(JobWelcomeEmail, mailer.Handle)
}

// ScheduleRetention submits the retention sweep once per interval.
func ScheduleRetention(ctx context.Context, q registryqueue.Queue, every time.Duration) error {
	if every <= 0 {
		log.Info("Retention: schedule disabled")
		return nil
	}
	return q.Schedule(ctx, every, registryqueue.Job{Type: JobCleanupOldMessages, MaxRetry: 3})
}
