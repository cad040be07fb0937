// Package storetest is a conformance suite run against every ChatStore plugin.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/chirino/chat-service/internal/model"
	registrystore "github.com/chirino/chat-service/internal/registry/store"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns a fresh, migrated store. Each call must return an empty store.
type Factory func(t *testing.T) (registrystore.ChatStore, context.Context)

// Run executes the conformance suite.
func Run(t *testing.T, newStore Factory) {
	t.Run("create conversation", func(t *testing.T) { testCreateConversation(t, newStore) })
	t.Run("messages and history", func(t *testing.T) { testMessages(t, newStore) })
	t.Run("read tracking", func(t *testing.T) { testReadTracking(t, newStore) })
	t.Run("list conversations", func(t *testing.T) { testListConversations(t, newStore) })
	t.Run("conversation summary", func(t *testing.T) { testConversationSummary(t, newStore) })
	t.Run("purge", func(t *testing.T) { testPurge(t, newStore) })
	t.Run("accounts", func(t *testing.T) { testAccounts(t, newStore) })
	t.Run("tasks", func(t *testing.T) { testTasks(t, newStore) })
}

func mustUser(t *testing.T, ctx context.Context, s registrystore.ChatStore, username string) string {
	t.Helper()
	u, err := s.CreateUser(ctx, registrystore.NewUser{Username: username, PasswordHash: "x", FirstName: username})
	require.NoError(t, err)
	return u.ID
}

// send creates a message and waits long enough that the next one gets a later timestamp
// on every backend.
func send(t *testing.T, ctx context.Context, s registrystore.ChatStore, convID uuid.UUID, sender, content string) *model.Message {
	t.Helper()
	m, err := s.CreateMessage(ctx, convID, sender, content)
	require.NoError(t, err)
	time.Sleep(3 * time.Millisecond)
	return m
}

func testCreateConversation(t *testing.T, newStore Factory) {
	s, ctx := newStore(t)
	alice := mustUser(t, ctx, s, "alice")
	bob := mustUser(t, ctx, s, "bob")

	conv, err := s.CreateConversation(ctx, alice, "", false, []string{bob, bob, alice})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{alice, bob}, conv.ParticipantIDs)
	assert.False(t, conv.IsGroup)

	got, err := s.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{alice, bob}, got.ParticipantIDs)

	ok, err := s.IsParticipant(ctx, conv.ID, bob)
	require.NoError(t, err)
	assert.True(t, ok)

	carol := mustUser(t, ctx, s, "carol")
	ok, err = s.IsParticipant(ctx, conv.ID, carol)
	require.NoError(t, err)
	assert.False(t, ok)

	solo, err := s.CreateConversation(ctx, carol, "notes", false, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{carol}, solo.ParticipantIDs)

	_, err = s.CreateConversation(ctx, alice, "bad", true, []string{"no-such-user"})
	var validation *registrystore.ValidationError
	require.True(t, errors.As(err, &validation), "expected ValidationError, got %v", err)

	_, err = s.GetConversation(ctx, uuid.New())
	var notFound *registrystore.NotFoundError
	require.True(t, errors.As(err, &notFound), "expected NotFoundError, got %v", err)
}

func testMessages(t *testing.T, newStore Factory) {
	s, ctx := newStore(t)
	alice := mustUser(t, ctx, s, "alice")
	bob := mustUser(t, ctx, s, "bob")
	carol := mustUser(t, ctx, s, "carol")
	conv, err := s.CreateConversation(ctx, alice, "", false, []string{bob})
	require.NoError(t, err)

	first := send(t, ctx, s, conv.ID, alice, "hi")
	assert.Empty(t, first.ReadBy)
	send(t, ctx, s, conv.ID, bob, "")
	third := send(t, ctx, s, conv.ID, alice, "third")

	_, err = s.CreateMessage(ctx, conv.ID, carol, "intruder")
	var notParticipant *registrystore.NotParticipantError
	require.True(t, errors.As(err, &notParticipant), "expected NotParticipantError, got %v", err)

	history, err := s.History(ctx, conv.ID, time.Time{})
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, []string{"hi", "", "third"}, []string{history[0].Content, history[1].Content, history[2].Content})
	for i := 1; i < len(history); i++ {
		assert.False(t, history[i].Timestamp.Before(history[i-1].Timestamp))
	}

	recent, err := s.History(ctx, conv.ID, third.Timestamp)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, third.ID, recent[0].ID)

	future, err := s.History(ctx, conv.ID, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, future)

	got, err := s.GetMessage(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, "hi", got.Content)
	assert.Equal(t, alice, got.SenderID)

	_, err = s.GetMessage(ctx, uuid.New())
	var notFound *registrystore.NotFoundError
	require.True(t, errors.As(err, &notFound))
}

func testReadTracking(t *testing.T, newStore Factory) {
	s, ctx := newStore(t)
	alice := mustUser(t, ctx, s, "alice")
	bob := mustUser(t, ctx, s, "bob")
	conv, err := s.CreateConversation(ctx, alice, "", false, []string{bob})
	require.NoError(t, err)

	m1 := send(t, ctx, s, conv.ID, alice, "one")
	send(t, ctx, s, conv.ID, alice, "two")

	count, err := s.UnreadCount(ctx, &conv.ID, bob)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	count, err = s.UnreadCount(ctx, &conv.ID, alice)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count, "own messages never count as unread")

	changed, err := s.MarkRead(ctx, m1.ID, bob)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = s.MarkRead(ctx, m1.ID, bob)
	require.NoError(t, err)
	assert.False(t, changed, "marking twice is a no-op")

	got, err := s.GetMessage(ctx, m1.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{bob}, got.ReadBy)

	_, err = s.MarkRead(ctx, uuid.New(), bob)
	var notFound *registrystore.NotFoundError
	require.True(t, errors.As(err, &notFound))

	count, err = s.UnreadCount(ctx, nil, bob)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	marked, err := s.MarkConversationRead(ctx, conv.ID, bob)
	require.NoError(t, err)
	assert.Equal(t, int64(1), marked)

	count, err = s.UnreadCount(ctx, &conv.ID, bob)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)

	marked, err = s.MarkConversationRead(ctx, conv.ID, bob)
	require.NoError(t, err)
	assert.Equal(t, int64(0), marked)

	history, err := s.History(ctx, conv.ID, time.Time{})
	require.NoError(t, err)
	for _, m := range history {
		assert.True(t, m.IsReadBy(bob))
	}

	other, err := s.CreateConversation(ctx, bob, "", false, []string{alice})
	require.NoError(t, err)
	send(t, ctx, s, other.ID, bob, "ping")
	count, err = s.UnreadCount(ctx, nil, alice)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	outsider := mustUser(t, ctx, s, "outsider")
	count, err = s.UnreadCount(ctx, &other.ID, outsider)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

func testListConversations(t *testing.T, newStore Factory) {
	s, ctx := newStore(t)
	alice := mustUser(t, ctx, s, "alice")
	bob := mustUser(t, ctx, s, "bob")
	carol := mustUser(t, ctx, s, "carol")

	quiet, err := s.CreateConversation(ctx, alice, "quiet", true, []string{carol})
	require.NoError(t, err)
	busy, err := s.CreateConversation(ctx, bob, "busy", true, []string{alice, carol})
	require.NoError(t, err)
	send(t, ctx, s, busy.ID, bob, "first")
	last := send(t, ctx, s, busy.ID, carol, "latest")

	summaries, err := s.ListConversationsFor(ctx, alice)
	require.NoError(t, err)
	require.Len(t, summaries, 2)

	byID := map[uuid.UUID]registrystore.ConversationSummary{}
	for _, sum := range summaries {
		byID[sum.ID] = sum
	}
	require.Contains(t, byID, quiet.ID)
	require.Contains(t, byID, busy.ID)

	assert.Nil(t, byID[quiet.ID].LastMessage)
	assert.Equal(t, int64(0), byID[quiet.ID].UnreadCount)

	require.NotNil(t, byID[busy.ID].LastMessage)
	assert.Equal(t, last.ID, byID[busy.ID].LastMessage.ID)
	assert.Equal(t, int64(2), byID[busy.ID].UnreadCount)
	assert.ElementsMatch(t, []string{alice, bob, carol}, byID[busy.ID].ParticipantIDs)

	none, err := s.ListConversationsFor(ctx, mustUser(t, ctx, s, "loner"))
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testConversationSummary(t *testing.T, newStore Factory) {
	s, ctx := newStore(t)
	alice := mustUser(t, ctx, s, "alice")
	bob := mustUser(t, ctx, s, "bob")
	carol := mustUser(t, ctx, s, "carol")

	conv, err := s.CreateConversation(ctx, alice, "pair", false, []string{bob})
	require.NoError(t, err)
	other, err := s.CreateConversation(ctx, bob, "other", false, []string{carol})
	require.NoError(t, err)

	empty, err := s.ConversationSummaryFor(ctx, conv.ID, alice)
	require.NoError(t, err)
	assert.Equal(t, "pair", empty.Name)
	assert.Nil(t, empty.LastMessage)
	assert.Zero(t, empty.UnreadCount)

	send(t, ctx, s, conv.ID, alice, "hi")
	last := send(t, ctx, s, conv.ID, alice, "anyone?")
	send(t, ctx, s, other.ID, carol, "elsewhere")
	changed, err := s.MarkRead(ctx, last.ID, bob)
	require.NoError(t, err)
	require.True(t, changed)

	sum, err := s.ConversationSummaryFor(ctx, conv.ID, bob)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, sum.ID)
	assert.ElementsMatch(t, []string{alice, bob}, sum.ParticipantIDs)
	require.NotNil(t, sum.LastMessage)
	assert.Equal(t, last.ID, sum.LastMessage.ID)
	assert.Equal(t, []string{bob}, sum.LastMessage.ReadBy)
	assert.Equal(t, int64(1), sum.UnreadCount)

	var notFound *registrystore.NotFoundError
	_, err = s.ConversationSummaryFor(ctx, conv.ID, carol)
	require.ErrorAs(t, err, &notFound)
	_, err = s.ConversationSummaryFor(ctx, uuid.New(), alice)
	require.ErrorAs(t, err, &notFound)
}

func testPurge(t *testing.T, newStore Factory) {
	s, ctx := newStore(t)
	alice := mustUser(t, ctx, s, "alice")
	bob := mustUser(t, ctx, s, "bob")
	conv, err := s.CreateConversation(ctx, alice, "", false, []string{bob})
	require.NoError(t, err)

	var ids []uuid.UUID
	for i := 0; i < 5; i++ {
		m, err := s.CreateMessage(ctx, conv.ID, alice, "m")
		require.NoError(t, err)
		ids = append(ids, m.ID)
	}
	_, err = s.MarkRead(ctx, ids[0], bob)
	require.NoError(t, err)

	deleted, err := s.PurgeMessagesBefore(ctx, time.Now().Add(-time.Hour), 2)
	require.NoError(t, err)
	assert.Equal(t, int64(0), deleted, "nothing is older than the cutoff")

	deleted, err = s.PurgeMessagesBefore(ctx, time.Now().Add(time.Hour), 2)
	require.NoError(t, err)
	assert.Equal(t, int64(5), deleted)

	history, err := s.History(ctx, conv.ID, time.Time{})
	require.NoError(t, err)
	assert.Empty(t, history)

	deleted, err = s.PurgeMessagesBefore(ctx, time.Now().Add(time.Hour), 2)
	require.NoError(t, err)
	assert.Equal(t, int64(0), deleted, "re-running is safe")

	_, err = s.PurgeMessagesBefore(ctx, time.Now(), 0)
	require.Error(t, err)
}

func testAccounts(t *testing.T, newStore Factory) {
	s, ctx := newStore(t)
	mobile := "13800000000"
	created, err := s.CreateUser(ctx, registrystore.NewUser{Username: "alice", PasswordHash: "h", Email: "a@example.com", Mobile: &mobile})
	require.NoError(t, err)
	assert.True(t, created.IsActive)
	assert.NotEmpty(t, created.ID)

	_, err = s.CreateUser(ctx, registrystore.NewUser{Username: "alice", PasswordHash: "h"})
	var conflict *registrystore.ConflictError
	require.True(t, errors.As(err, &conflict), "expected ConflictError, got %v", err)

	_, err = s.CreateUser(ctx, registrystore.NewUser{Username: "alice2", PasswordHash: "h", Mobile: &mobile})
	require.True(t, errors.As(err, &conflict), "expected ConflictError, got %v", err)

	byName, err := s.GetUserByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, created.ID, byName.ID)
	assert.Equal(t, "a@example.com", byName.Email)

	u, isNew, err := s.GetOrCreateUserByMobile(ctx, mobile, registrystore.NewUser{Username: "ignored"})
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Equal(t, created.ID, u.ID)

	u, isNew, err = s.GetOrCreateUserByMobile(ctx, "13900000000", registrystore.NewUser{Username: "user_new", PasswordHash: "h"})
	require.NoError(t, err)
	assert.True(t, isNew)
	require.NotNil(t, u.Mobile)
	assert.Equal(t, "13900000000", *u.Mobile)

	users, err := s.GetUsers(ctx, []string{created.ID, u.ID, "missing"})
	require.NoError(t, err)
	assert.Len(t, users, 2)

	ext, err := s.EnsureUser(ctx, "oidc-sub", "oidc-user")
	require.NoError(t, err)
	assert.Equal(t, "oidc-user", ext.Username)
	again, err := s.EnsureUser(ctx, "oidc-sub", "oidc-user")
	require.NoError(t, err)
	assert.Equal(t, ext.ID, again.ID)

	at := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, s.TouchLastLogin(ctx, created.ID, at))
	reloaded, err := s.GetUser(ctx, created.ID)
	require.NoError(t, err)
	require.NotNil(t, reloaded.LastLogin)
	assert.True(t, at.Equal(*reloaded.LastLogin), "last login %v != %v", reloaded.LastLogin, at)

	var notFound *registrystore.NotFoundError
	require.True(t, errors.As(s.TouchLastLogin(ctx, "missing", at), &notFound))
	_, err = s.GetUser(ctx, "missing")
	require.True(t, errors.As(err, &notFound))
}

func testTasks(t *testing.T, newStore Factory) {
	s, ctx := newStore(t)

	id, err := s.CreateTask(ctx, registrystore.NewTask{Type: "demo", Body: `{"n":1}`, MaxRetry: 3})
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, id)

	first, err := s.CreateTask(ctx, registrystore.NewTask{Name: "demo:1", Type: "demo", Body: `{}`})
	require.NoError(t, err)
	second, err := s.CreateTask(ctx, registrystore.NewTask{Name: "demo:1", Type: "demo", Body: `{}`})
	require.NoError(t, err)
	if second != uuid.Nil {
		assert.Equal(t, first, second, "singleton task is created once")
	}

	claimed, err := s.ClaimReadyTasks(ctx, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 2)

	again, err := s.ClaimReadyTasks(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, again, "claimed tasks are leased")

	var demo model.Task
	for _, task := range claimed {
		if task.ID == id {
			demo = task
		}
	}
	require.Equal(t, id, demo.ID)
	assert.Equal(t, `{"n":1}`, demo.TaskBody)
	assert.Equal(t, 3, demo.MaxRetry)

	require.NoError(t, s.FailTask(ctx, id, "boom", 0))
	retried, err := s.ClaimReadyTasks(ctx, 10)
	require.NoError(t, err)
	require.Len(t, retried, 1)
	assert.Equal(t, 1, retried[0].RetryCount)
	require.NotNil(t, retried[0].LastError)
	assert.Equal(t, "boom", *retried[0].LastError)

	for _, task := range claimed {
		require.NoError(t, s.DeleteTask(ctx, task.ID))
	}
	require.NoError(t, s.FailTask(ctx, id, "gone", 0))
	left, err := s.ClaimReadyTasks(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, left)
}
