package realtime

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/chirino/chat-service/internal/plugin/layer/local"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMembers map[uuid.UUID][]string

func (f fakeMembers) IsParticipant(_ context.Context, conversationID uuid.UUID, userID string) (bool, error) {
	for _, id := range f[conversationID] {
		if id == userID {
			return true, nil
		}
	}
	return false, nil
}

type fakeSender struct {
	mu        sync.Mutex
	sent      []string
	fail      bool
	closeCode int
}

func (f *fakeSender) Send(payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("buffer full")
	}
	f.sent = append(f.sent, string(payload))
	return nil
}

func (f *fakeSender) Close(code int, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCode = code
}

func (f *fakeSender) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func newTestRouter(t *testing.T, members fakeMembers) *Router {
	t.Helper()
	r := NewRouter(members, local.New())
	require.NoError(t, r.Start(context.Background()))
	return r
}

func TestRouter_AdmitParticipant(t *testing.T) {
	conv := uuid.New()
	r := newTestRouter(t, fakeMembers{conv: {"alice"}})

	s := NewSession("alice", "alice", conv, &fakeSender{})
	assert.Equal(t, Connecting, s.State())
	require.NoError(t, r.Admit(context.Background(), s))
	assert.Equal(t, Admitted, s.State())
	assert.Equal(t, 1, r.GroupSize(conv))
}

func TestRouter_AdmitRejectsNonParticipant(t *testing.T) {
	conv := uuid.New()
	r := newTestRouter(t, fakeMembers{conv: {"alice"}})

	s := NewSession("mallory", "mallory", conv, &fakeSender{})
	err := r.Admit(context.Background(), s)
	require.ErrorIs(t, err, ErrNotAuthorized)
	assert.Equal(t, Rejected, s.State())
	assert.Equal(t, 0, r.GroupSize(conv))
}

func TestRouter_DismissIsIdempotent(t *testing.T) {
	conv := uuid.New()
	r := newTestRouter(t, fakeMembers{conv: {"alice"}})

	s := NewSession("alice", "alice", conv, &fakeSender{})
	require.NoError(t, r.Admit(context.Background(), s))
	r.Dismiss(s)
	r.Dismiss(s)
	assert.Equal(t, Closed, s.State())
	assert.Equal(t, 0, r.GroupSize(conv))

	never := NewSession("alice", "alice", conv, &fakeSender{})
	r.Dismiss(never)
	assert.Equal(t, Connecting, never.State())
}

func TestRouter_BroadcastReachesOnlyTheConversation(t *testing.T) {
	c1, c2 := uuid.New(), uuid.New()
	r := newTestRouter(t, fakeMembers{c1: {"alice", "bob"}, c2: {"alice", "carol"}})
	ctx := context.Background()

	alice1, bob1, carol2 := &fakeSender{}, &fakeSender{}, &fakeSender{}
	require.NoError(t, r.Admit(ctx, NewSession("alice", "alice", c1, alice1)))
	require.NoError(t, r.Admit(ctx, NewSession("bob", "bob", c1, bob1)))
	require.NoError(t, r.Admit(ctx, NewSession("carol", "carol", c2, carol2)))

	require.NoError(t, r.Broadcast(ctx, c1, []byte("m1")))
	assert.Equal(t, []string{"m1"}, alice1.messages())
	assert.Equal(t, []string{"m1"}, bob1.messages())
	assert.Empty(t, carol2.messages())
}

func TestRouter_FailedDeliveryDismissesOnlyThatSession(t *testing.T) {
	conv := uuid.New()
	r := newTestRouter(t, fakeMembers{conv: {"alice", "bob"}})
	ctx := context.Background()

	broken := &fakeSender{fail: true}
	healthy := &fakeSender{}
	bad := NewSession("alice", "alice", conv, broken)
	good := NewSession("bob", "bob", conv, healthy)
	require.NoError(t, r.Admit(ctx, bad))
	require.NoError(t, r.Admit(ctx, good))

	require.NoError(t, r.Broadcast(ctx, conv, []byte("m1")))
	assert.Equal(t, []string{"m1"}, healthy.messages())
	assert.Equal(t, Closed, bad.State())
	assert.Equal(t, Admitted, good.State())
	assert.Equal(t, 1, r.GroupSize(conv))
}

func TestRouter_CloseShutsEverySession(t *testing.T) {
	conv := uuid.New()
	r := newTestRouter(t, fakeMembers{conv: {"alice", "bob"}})
	ctx := context.Background()

	a, b := &fakeSender{}, &fakeSender{}
	sa := NewSession("alice", "alice", conv, a)
	sb := NewSession("bob", "bob", conv, b)
	require.NoError(t, r.Admit(ctx, sa))
	require.NoError(t, r.Admit(ctx, sb))

	r.Close()
	assert.Equal(t, websocket.CloseGoingAway, a.closeCode)
	assert.Equal(t, websocket.CloseGoingAway, b.closeCode)
	assert.Equal(t, Closed, sa.State())
	assert.Equal(t, 0, r.GroupSize(conv))

	r.Dismiss(sa)
	assert.Equal(t, Closed, sa.State())
}

func TestSession_RejectOnlyFromConnecting(t *testing.T) {
	s := NewSession("alice", "alice", uuid.New(), &fakeSender{})
	assert.True(t, s.Reject())
	assert.False(t, s.Reject())
	assert.Equal(t, "rejected", s.State().String())
}

// gatedMembers blocks IsParticipant until release is closed.
type gatedMembers struct {
	entered chan struct{}
	release chan struct{}
}

func (g *gatedMembers) IsParticipant(context.Context, uuid.UUID, string) (bool, error) {
	close(g.entered)
	<-g.release
	return true, nil
}

func TestRouter_AdmitAfterCloseIsRejected(t *testing.T) {
	conv := uuid.New()
	r := newTestRouter(t, fakeMembers{conv: {"alice"}})
	r.Close()

	s := NewSession("alice", "alice", conv, &fakeSender{})
	require.ErrorIs(t, r.Admit(context.Background(), s), ErrRouterClosed)
	assert.Equal(t, Rejected, s.State())
	assert.Equal(t, 0, r.GroupSize(conv))
}

func TestRouter_CloseDuringMembershipCheck(t *testing.T) {
	conv := uuid.New()
	members := &gatedMembers{entered: make(chan struct{}), release: make(chan struct{})}
	r := NewRouter(members, local.New())
	require.NoError(t, r.Start(context.Background()))

	s := NewSession("alice", "alice", conv, &fakeSender{})
	done := make(chan error, 1)
	go func() { done <- r.Admit(context.Background(), s) }()

	<-members.entered
	r.Close()
	close(members.release)

	require.ErrorIs(t, <-done, ErrRouterClosed)
	assert.Equal(t, Rejected, s.State())
	assert.Equal(t, 0, r.GroupSize(conv))
}
