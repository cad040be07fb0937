// Package testapi assembles the full HTTP API on a sqlite store for route tests.
package testapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/chirino/chat-service/internal/config"
	"github.com/chirino/chat-service/internal/model"
	cachelocal "github.com/chirino/chat-service/internal/plugin/cache/local"
	layerlocal "github.com/chirino/chat-service/internal/plugin/layer/local"
	queuedb "github.com/chirino/chat-service/internal/plugin/queue/db"
	_ "github.com/chirino/chat-service/internal/plugin/route/auth"
	_ "github.com/chirino/chat-service/internal/plugin/route/conversations"
	_ "github.com/chirino/chat-service/internal/plugin/route/messages"
	_ "github.com/chirino/chat-service/internal/plugin/route/stream"
	_ "github.com/chirino/chat-service/internal/plugin/route/system"
	_ "github.com/chirino/chat-service/internal/plugin/route/unread"
	"github.com/chirino/chat-service/internal/realtime"
	registrynotify "github.com/chirino/chat-service/internal/registry/notify"
	registryroute "github.com/chirino/chat-service/internal/registry/route"
	registrystore "github.com/chirino/chat-service/internal/registry/store"
	"github.com/chirino/chat-service/internal/security"
	"github.com/chirino/chat-service/internal/service"
	"github.com/chirino/chat-service/internal/testutil/testsqlite"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

// Password is the password of every account created by User.
const Password = "s3cret-pass"

// API is a mounted engine plus handles on the services behind it.
type API struct {
	Engine *gin.Engine
	Ctx    context.Context
	Store  registrystore.ChatStore
	Gate   *security.Gate
	Outbox *Outbox
	Queue  *queuedb.Queue
	Router *realtime.Router
}

// Envelope is a decoded response body.
type Envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// Outbox records notifications.
type Outbox struct {
	mu  sync.Mutex
	SMS []registrynotify.SMS
}

func (o *Outbox) SendSMS(_ context.Context, msg registrynotify.SMS) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.SMS = append(o.SMS, msg)
	return nil
}

func (o *Outbox) SendEmail(context.Context, registrynotify.Email) error {
	return nil
}

// LastCode returns the code sent in the most recent SMS.
func (o *Outbox) LastCode(t testing.TB) string {
	t.Helper()
	o.mu.Lock()
	defer o.mu.Unlock()
	require.NotEmpty(t, o.SMS)
	return o.SMS[len(o.SMS)-1].Params[0]
}

// New builds the API.
func New(t testing.TB) *API {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store, ctx := testsqlite.NewStore(t)
	base := *config.FromContext(ctx)
	cfg := &base
	cfg.JWTSecret = "test-secret"
	cfg.VerificationResendInterval = 0

	gate, err := security.NewGate(cfg)
	require.NoError(t, err)
	cache, err := cachelocal.New()
	require.NoError(t, err)
	dir, err := service.NewDirectory(store)
	require.NoError(t, err)

	outbox := &Outbox{}
	queue := queuedb.New(store, 0, 0)
	service.RegisterJobs(queue, service.NewRetentionService(store, cfg), service.NewWelcomeMailer(store, outbox))

	router := realtime.NewRouter(store, layerlocal.New())
	require.NoError(t, router.Start(ctx))
	t.Cleanup(func() {
		router.Close()
		_ = queue.Close()
		_ = cache.Close()
		dir.Close()
	})

	deps := registryroute.Deps{
		Config:        cfg,
		Store:         store,
		Gate:          gate,
		Auth:          security.AuthMiddleware(gate, store, cfg.JWTAuthHeaderPrefix),
		Conversations: service.NewConversationService(store, dir, cfg),
		Accounts:      service.NewAccountService(store, gate, service.NewVerifier(cfg, cache, outbox), queue, cfg),
		Gateway:       realtime.NewGateway(router, store, cfg.WSSendBuffer, cfg.WSAllowedOrigins),
	}
	engine := gin.New()
	require.NoError(t, registryroute.Mount(engine, deps, registryroute.MainRouteLoaders()))
	require.NoError(t, registryroute.Mount(engine, deps, registryroute.ManagementRouteLoaders()))

	return &API{Engine: engine, Ctx: ctx, Store: store, Gate: gate, Outbox: outbox, Queue: queue, Router: router}
}

// User creates an active account and returns it with a valid token.
func (a *API) User(t testing.TB, username string) (*model.User, string) {
	t.Helper()
	hash, err := security.HashPassword(Password)
	require.NoError(t, err)
	u, err := a.Store.CreateUser(a.Ctx, registrystore.NewUser{Username: username, PasswordHash: hash, Email: username + "@example.com"})
	require.NoError(t, err)
	token, err := a.Gate.Issue(u.ID)
	require.NoError(t, err)
	return u, token
}

// Do sends a JSON request and decodes the envelope.
func (a *API) Do(t testing.TB, method, path, token string, body any) (*httptest.ResponseRecorder, Envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	a.Engine.ServeHTTP(w, req)

	var env Envelope
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	}
	return w, env
}

// Decode unmarshals an envelope's data.
func Decode[T any](t testing.TB, env Envelope) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(env.Data, &v), string(env.Data))
	return v
}
