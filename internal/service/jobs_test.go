package service_test

import (
	"encoding/json"
	"testing"

	registryqueue "github.com/chirino/chat-service/internal/registry/queue"
	"github.com/chirino/chat-service/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cleanupJob() registryqueue.Job {
	return registryqueue.Job{Type: service.JobCleanupOldMessages, MaxRetry: 3}
}

func TestWelcomeEmailJob(t *testing.T) {
	job, err := service.WelcomeEmailJob("u-1")
	require.NoError(t, err)
	assert.Equal(t, service.JobWelcomeEmail, job.Type)
	assert.Equal(t, 3, job.MaxRetry)
	assert.JSONEq(t, `{"user_id":"u-1"}`, string(job.Payload))
}

func TestWelcomeMailer_Handle(t *testing.T) {
	store, ctx := newStore(t)
	box := &outbox{}
	mailer := service.NewWelcomeMailer(store, box)
	u := createUser(t, ctx, store, "alice")

	payload, err := json.Marshal(service.WelcomeEmailPayload{UserID: u.ID})
	require.NoError(t, err)
	require.NoError(t, mailer.Handle(ctx, payload))
	emails := box.sentEmails()
	require.Len(t, emails, 1)
	assert.Equal(t, "alice@example.com", emails[0].To)
	assert.Contains(t, emails[0].HTML, "alice")

	// Unknown users and bad payloads are dropped rather than retried.
	require.NoError(t, mailer.Handle(ctx, []byte(`{"user_id":"ghost"}`)))
	require.NoError(t, mailer.Handle(ctx, []byte(`not json`)))
	assert.Len(t, box.sentEmails(), 1)
}
