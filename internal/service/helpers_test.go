package service_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/chirino/chat-service/internal/config"
	"github.com/chirino/chat-service/internal/model"
	"github.com/chirino/chat-service/internal/plugin/cache/local"
	"github.com/chirino/chat-service/internal/plugin/store/sqlstore"
	registrycache "github.com/chirino/chat-service/internal/registry/cache"
	registrynotify "github.com/chirino/chat-service/internal/registry/notify"
	registrystore "github.com/chirino/chat-service/internal/registry/store"
	"github.com/chirino/chat-service/internal/testutil/testsqlite"
	"github.com/stretchr/testify/require"
)

// outbox records every notification instead of sending it.
type outbox struct {
	mu     sync.Mutex
	sms    []registrynotify.SMS
	emails []registrynotify.Email
	smsErr error
}

func (o *outbox) SendSMS(_ context.Context, msg registrynotify.SMS) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.smsErr != nil {
		return o.smsErr
	}
	o.sms = append(o.sms, msg)
	return nil
}

func (o *outbox) SendEmail(_ context.Context, msg registrynotify.Email) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.emails = append(o.emails, msg)
	return nil
}

func (o *outbox) lastCode(t *testing.T) string {
	t.Helper()
	o.mu.Lock()
	defer o.mu.Unlock()
	require.NotEmpty(t, o.sms, "no sms sent")
	params := o.sms[len(o.sms)-1].Params
	require.Len(t, params, 1)
	return params[0]
}

func (o *outbox) sentEmails() []registrynotify.Email {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]registrynotify.Email(nil), o.emails...)
}

func newCache(t *testing.T) registrycache.CodeCache {
	t.Helper()
	c, err := local.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func testConfig(ctx context.Context) *config.Config {
	cfg := *config.FromContext(ctx)
	cfg.JWTSecret = "test-secret"
	cfg.VerificationResendInterval = 0
	return &cfg
}

func newStore(t *testing.T) (registrystore.ChatStore, context.Context) {
	t.Helper()
	return testsqlite.NewStore(t)
}

func createUser(t *testing.T, ctx context.Context, store registrystore.ChatStore, username string) *model.User {
	t.Helper()
	u, err := store.CreateUser(ctx, registrystore.NewUser{Username: username, PasswordHash: "x", Email: username + "@example.com"})
	require.NoError(t, err)
	return u
}

func db(t *testing.T, store registrystore.ChatStore) *sqlstore.Store {
	t.Helper()
	s, ok := store.(*sqlstore.Store)
	require.True(t, ok, "expected a sql store, got %T", store)
	return s
}

func backdate(t *testing.T, store registrystore.ChatStore, messageID any, at time.Time) {
	t.Helper()
	require.NoError(t, db(t, store).DB().Model(&model.Message{}).Where("id = ?", messageID).Update("timestamp", at).Error)
}
