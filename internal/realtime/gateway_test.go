package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/chirino/chat-service/internal/plugin/layer/local"
	registrystore "github.com/chirino/chat-service/internal/registry/store"
	"github.com/chirino/chat-service/internal/testutil/testsqlite"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type gatewayFixture struct {
	store  registrystore.ChatStore
	ctx    context.Context
	router *Router
	server *httptest.Server
}

func newGatewayFixture(t *testing.T) *gatewayFixture {
	t.Helper()
	store, ctx := testsqlite.NewStore(t)
	router := NewRouter(store, local.New())
	require.NoError(t, router.Start(ctx))
	gw := NewGateway(router, store, 16, "*")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		conv, err := uuid.Parse(q.Get("conv"))
		if err != nil {
			http.NotFound(w, r)
			return
		}
		ws, err := gw.Upgrade(w, r, "")
		if err != nil {
			return
		}
		gw.Serve(r.Context(), ws, q.Get("user"), q.Get("name"), conv)
	}))
	t.Cleanup(func() {
		router.Close()
		srv.Close()
	})
	return &gatewayFixture{store: store, ctx: ctx, router: router, server: srv}
}

func (f *gatewayFixture) user(t *testing.T, name string) string {
	t.Helper()
	u, err := f.store.CreateUser(f.ctx, registrystore.NewUser{Username: name, PasswordHash: "x"})
	require.NoError(t, err)
	return u.ID
}

func (f *gatewayFixture) dial(t *testing.T, userID, name string, conv uuid.UUID) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/?user=" + userID + "&name=" + name + "&conv=" + conv.String()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func readJSON(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	var v map[string]any
	require.NoError(t, json.Unmarshal(data, &v))
	return v
}

func TestGateway_BroadcastsToAllParticipants(t *testing.T) {
	f := newGatewayFixture(t)
	alice, bob := f.user(t, "alice"), f.user(t, "bob")
	conv, err := f.store.CreateConversation(f.ctx, alice, "", false, []string{bob})
	require.NoError(t, err)

	wsAlice := f.dial(t, alice, "alice", conv.ID)
	wsBob := f.dial(t, bob, "bob", conv.ID)
	require.Eventually(t, func() bool { return f.router.GroupSize(conv.ID) == 2 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, wsAlice.WriteMessage(websocket.TextMessage, []byte(`{"message":"hello"}`)))

	for _, ws := range []*websocket.Conn{wsAlice, wsBob} {
		frame := readJSON(t, ws)
		msg, ok := frame["message"].(map[string]any)
		require.True(t, ok, "frame: %v", frame)
		assert.Equal(t, "hello", msg["content"])
		assert.Equal(t, false, msg["is_read"])
		assert.NotEmpty(t, msg["id"])
		assert.NotEmpty(t, msg["timestamp"])
		sender := msg["sender"].(map[string]any)
		assert.Equal(t, alice, sender["id"])
		assert.Equal(t, "alice", sender["username"])
	}

	history, err := f.store.History(f.ctx, conv.ID, time.Time{})
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "hello", history[0].Content)
	assert.Equal(t, alice, history[0].SenderID)
}

func TestGateway_EmptyMessageIsAccepted(t *testing.T) {
	f := newGatewayFixture(t)
	alice := f.user(t, "alice")
	conv, err := f.store.CreateConversation(f.ctx, alice, "notes", false, nil)
	require.NoError(t, err)

	ws := f.dial(t, alice, "alice", conv.ID)
	require.Eventually(t, func() bool { return f.router.GroupSize(conv.ID) == 1 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"message":""}`)))
	frame := readJSON(t, ws)
	msg := frame["message"].(map[string]any)
	assert.Equal(t, "", msg["content"])
}

func TestGateway_MalformedFrameKeepsSessionOpen(t *testing.T) {
	f := newGatewayFixture(t)
	alice := f.user(t, "alice")
	conv, err := f.store.CreateConversation(f.ctx, alice, "", false, nil)
	require.NoError(t, err)

	ws := f.dial(t, alice, "alice", conv.ID)
	require.Eventually(t, func() bool { return f.router.GroupSize(conv.ID) == 1 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`not json`)))
	frame := readJSON(t, ws)
	assert.Equal(t, "invalid message format", frame["error"])

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"text":"wrong key"}`)))
	frame = readJSON(t, ws)
	assert.Equal(t, "invalid message format", frame["error"])

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"message":"still here"}`)))
	frame = readJSON(t, ws)
	assert.Equal(t, "still here", frame["message"].(map[string]any)["content"])

	history, err := f.store.History(f.ctx, conv.ID, time.Time{})
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestGateway_NonParticipantIsClosed(t *testing.T) {
	f := newGatewayFixture(t)
	alice, mallory := f.user(t, "alice"), f.user(t, "mallory")
	conv, err := f.store.CreateConversation(f.ctx, alice, "", false, nil)
	require.NoError(t, err)

	ws := f.dial(t, mallory, "mallory", conv.ID)
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err = ws.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, CloseNotParticipant), "got %v", err)
	assert.Equal(t, 0, f.router.GroupSize(conv.ID))
}

func TestGateway_DisconnectDismissesSession(t *testing.T) {
	f := newGatewayFixture(t)
	alice := f.user(t, "alice")
	conv, err := f.store.CreateConversation(f.ctx, alice, "", false, nil)
	require.NoError(t, err)

	ws := f.dial(t, alice, "alice", conv.ID)
	require.Eventually(t, func() bool { return f.router.GroupSize(conv.ID) == 1 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	_ = ws.Close()
	require.Eventually(t, func() bool { return f.router.GroupSize(conv.ID) == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestOriginChecker(t *testing.T) {
	check := originChecker("https://app.example.com, https://admin.example.com")
	req := func(origin string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/ws/chat/x", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		return r
	}
	assert.True(t, check(req("")))
	assert.True(t, check(req("https://app.example.com")))
	assert.False(t, check(req("https://evil.example.com")))
	assert.True(t, originChecker("*")(req("https://anything.example.com")))
}
