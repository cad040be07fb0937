package service_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/chirino/chat-service/internal/model"
	registrystore "github.com/chirino/chat-service/internal/registry/store"
	"github.com/chirino/chat-service/internal/service"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type chatFixture struct {
	ctx        context.Context
	store      registrystore.ChatStore
	svc        *service.ConversationService
	alice, bob *model.User
	carol      *model.User
}

func newChatFixture(t *testing.T) *chatFixture {
	t.Helper()
	store, ctx := newStore(t)
	dir, err := service.NewDirectory(store)
	require.NoError(t, err)
	t.Cleanup(dir.Close)
	return &chatFixture{
		ctx:   ctx,
		store: store,
		svc:   service.NewConversationService(store, dir, testConfig(ctx)),
		alice: createUser(t, ctx, store, "alice"),
		bob:   createUser(t, ctx, store, "bob"),
		carol: createUser(t, ctx, store, "carol"),
	}
}

func (f *chatFixture) conversation(t *testing.T) uuid.UUID {
	t.Helper()
	c, err := f.svc.Create(f.ctx, f.alice.ID, service.CreateConversationRequest{Name: "pair", Participants: []string{f.bob.ID}})
	require.NoError(t, err)
	return c.ConversationID
}

func (f *chatFixture) send(t *testing.T, conv uuid.UUID, sender *model.User, content string) *model.Message {
	t.Helper()
	m, err := f.store.CreateMessage(f.ctx, conv, sender.ID, content)
	require.NoError(t, err)
	return m
}

func TestConversations_CreateIncludesCreator(t *testing.T) {
	f := newChatFixture(t)
	c, err := f.svc.Create(f.ctx, f.alice.ID, service.CreateConversationRequest{
		Name:         "team",
		Participants: []string{f.bob.ID, f.bob.ID, f.alice.ID, f.carol.ID},
		IsGroup:      true,
	})
	require.NoError(t, err)
	assert.Equal(t, "team", c.Name)
	assert.True(t, c.IsGroup)
	assert.ElementsMatch(t, []string{f.alice.ID, f.bob.ID, f.carol.ID}, c.Participants)
}

func TestConversations_CreateValidation(t *testing.T) {
	f := newChatFixture(t)

	var verr *registrystore.ValidationError
	_, err := f.svc.Create(f.ctx, f.alice.ID, service.CreateConversationRequest{Name: strings.Repeat("x", 256)})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "name", verr.Field)

	_, err = f.svc.Create(f.ctx, f.alice.ID, service.CreateConversationRequest{Participants: []string{"ghost"}})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "participants", verr.Field)
}

func TestConversations_ListShowsLastMessageAndUnread(t *testing.T) {
	f := newChatFixture(t)
	conv := f.conversation(t)
	f.send(t, conv, f.alice, "hi")
	f.send(t, conv, f.bob, "hello")
	f.send(t, conv, f.bob, "how are you?")

	views, err := f.svc.List(f.ctx, f.alice.ID)
	require.NoError(t, err)
	require.Len(t, views, 1)
	v := views[0]
	assert.Equal(t, conv, v.ID)
	assert.EqualValues(t, 2, v.UnreadCount)
	require.NotNil(t, v.LastMessage)
	assert.Equal(t, "how are you?", v.LastMessage.Content)
	assert.Equal(t, "bob", v.LastMessage.Sender.Username)
	assert.False(t, v.LastMessage.IsRead)

	names := make([]string, 0, len(v.Participants))
	for _, p := range v.Participants {
		names = append(names, p.Username)
	}
	assert.ElementsMatch(t, []string{"alice", "bob"}, names)

	views, err = f.svc.List(f.ctx, f.carol.ID)
	require.NoError(t, err)
	assert.Empty(t, views)
}

func TestConversations_GetScopedToParticipants(t *testing.T) {
	f := newChatFixture(t)
	conv := f.conversation(t)

	v, err := f.svc.Get(f.ctx, f.bob.ID, conv)
	require.NoError(t, err)
	assert.Equal(t, "pair", v.Name)
	assert.Nil(t, v.LastMessage)

	var notFound *registrystore.NotFoundError
	_, err = f.svc.Get(f.ctx, f.carol.ID, conv)
	require.ErrorAs(t, err, &notFound)
	_, err = f.svc.Get(f.ctx, f.alice.ID, uuid.New())
	require.ErrorAs(t, err, &notFound)
}

func TestConversations_GetShowsLastMessageAndUnread(t *testing.T) {
	f := newChatFixture(t)
	conv := f.conversation(t)
	f.send(t, conv, f.alice, "one")
	last := f.send(t, conv, f.alice, "two")

	v, err := f.svc.Get(f.ctx, f.bob.ID, conv)
	require.NoError(t, err)
	require.NotNil(t, v.LastMessage)
	assert.Equal(t, last.ID, v.LastMessage.ID)
	assert.Equal(t, "alice", v.LastMessage.Sender.Username)
	assert.False(t, v.LastMessage.IsRead)
	assert.Equal(t, int64(2), v.UnreadCount)
	assert.Len(t, v.Participants, 2)

	mine, err := f.svc.Get(f.ctx, f.alice.ID, conv)
	require.NoError(t, err)
	assert.True(t, mine.LastMessage.IsRead, "own messages are read")
	assert.Zero(t, mine.UnreadCount)
}

func TestConversations_HistoryReadFlags(t *testing.T) {
	f := newChatFixture(t)
	conv := f.conversation(t)
	first := f.send(t, conv, f.alice, "one")
	second := f.send(t, conv, f.bob, "two")

	status, err := f.svc.MarkRead(f.ctx, f.alice.ID, second.ID)
	require.NoError(t, err)
	assert.Equal(t, service.ReadStatusMarked, status)

	history, err := f.svc.History(f.ctx, f.alice.ID, conv)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, first.ID, history[0].ID)
	assert.True(t, history[0].IsRead, "own messages are read")
	assert.True(t, history[1].IsRead)

	history, err = f.svc.History(f.ctx, f.bob.ID, conv)
	require.NoError(t, err)
	assert.False(t, history[0].IsRead)
	assert.True(t, history[1].IsRead)

	var notFound *registrystore.NotFoundError
	_, err = f.svc.History(f.ctx, f.carol.ID, conv)
	require.ErrorAs(t, err, &notFound)
}

func TestConversations_HistoryHidesExpiredMessages(t *testing.T) {
	f := newChatFixture(t)
	conv := f.conversation(t)
	old := f.send(t, conv, f.alice, "old")
	f.send(t, conv, f.alice, "new")
	backdate(t, f.store, old.ID, time.Now().UTC().Add(-31*24*time.Hour))

	history, err := f.svc.History(f.ctx, f.bob.ID, conv)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "new", history[0].Content)
}

func TestConversations_MarkRead(t *testing.T) {
	f := newChatFixture(t)
	conv := f.conversation(t)
	m := f.send(t, conv, f.alice, "hi")

	status, err := f.svc.MarkRead(f.ctx, f.bob.ID, m.ID)
	require.NoError(t, err)
	assert.Equal(t, service.ReadStatusMarked, status)

	status, err = f.svc.MarkRead(f.ctx, f.bob.ID, m.ID)
	require.NoError(t, err)
	assert.Equal(t, service.ReadStatusAlreadyRead, status)

	var notFound *registrystore.NotFoundError
	_, err = f.svc.MarkRead(f.ctx, f.carol.ID, m.ID)
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "message", notFound.Resource)

	_, err = f.svc.MarkRead(f.ctx, f.bob.ID, uuid.New())
	require.ErrorAs(t, err, &notFound)
}

func TestConversations_MarkConversationReadAndUnread(t *testing.T) {
	f := newChatFixture(t)
	conv := f.conversation(t)
	other, err := f.svc.Create(f.ctx, f.carol.ID, service.CreateConversationRequest{Participants: []string{f.bob.ID}})
	require.NoError(t, err)

	f.send(t, conv, f.alice, "a1")
	f.send(t, conv, f.alice, "a2")
	f.send(t, other.ConversationID, f.carol, "c1")

	total, err := f.svc.UnreadCount(f.ctx, f.bob.ID, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 3, total)

	n, err := f.svc.UnreadCount(f.ctx, f.bob.ID, &conv)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	marked, err := f.svc.MarkConversationRead(f.ctx, f.bob.ID, conv)
	require.NoError(t, err)
	assert.EqualValues(t, 2, marked)

	total, err = f.svc.UnreadCount(f.ctx, f.bob.ID, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)

	var notFound *registrystore.NotFoundError
	_, err = f.svc.UnreadCount(f.ctx, f.carol.ID, &conv)
	require.ErrorAs(t, err, &notFound)
	_, err = f.svc.MarkConversationRead(f.ctx, f.carol.ID, conv)
	require.ErrorAs(t, err, &notFound)
}
