package service_test

import (
	"context"
	"strings"
	"testing"

	"github.com/chirino/chat-service/internal/model"
	queuedb "github.com/chirino/chat-service/internal/plugin/queue/db"
	registrystore "github.com/chirino/chat-service/internal/registry/store"
	"github.com/chirino/chat-service/internal/security"
	"github.com/chirino/chat-service/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type accountFixture struct {
	ctx      context.Context
	store    registrystore.ChatStore
	gate     *security.Gate
	box      *outbox
	queue    *queuedb.Queue
	accounts *service.AccountService
}

func newAccountFixture(t *testing.T) *accountFixture {
	t.Helper()
	store, ctx := newStore(t)
	cfg := testConfig(ctx)
	cfg.DefaultPassword = "changeme"
	gate, err := security.NewGate(cfg)
	require.NoError(t, err)

	box := &outbox{}
	q := queuedb.New(store, 0, 0)
	t.Cleanup(func() { _ = q.Close() })
	retention := service.NewRetentionService(store, cfg)
	service.RegisterJobs(q, retention, service.NewWelcomeMailer(store, box))

	verifier := service.NewVerifier(cfg, newCache(t), box)
	return &accountFixture{
		ctx:      ctx,
		store:    store,
		gate:     gate,
		box:      box,
		queue:    q,
		accounts: service.NewAccountService(store, gate, verifier, q, cfg),
	}
}

func (f *accountFixture) userOf(t *testing.T, token string) string {
	t.Helper()
	id, err := f.gate.Verify(f.ctx, token)
	require.NoError(t, err)
	return id.UserID
}

func (f *accountFixture) register(t *testing.T, username, email string) *model.User {
	t.Helper()
	require.NoError(t, f.accounts.SendCode(f.ctx, mobile, "register"))
	u, err := f.accounts.Register(f.ctx, service.RegisterRequest{
		Username:        username,
		Email:           email,
		Mobile:          mobile,
		Password:        "s3cret-pass",
		PasswordConfirm: "s3cret-pass",
		Code:            f.box.lastCode(t),
	})
	require.NoError(t, err)
	return u
}

func TestAccounts_RegisterAndLogin(t *testing.T) {
	f := newAccountFixture(t)
	u := f.register(t, "alice", "alice@example.com")
	assert.Equal(t, "alice", u.Username)
	require.NotNil(t, u.Mobile)
	assert.Equal(t, mobile, *u.Mobile)
	assert.NotEqual(t, "s3cret-pass", u.PasswordHash)

	token, err := f.accounts.Login(f.ctx, "alice", "s3cret-pass")
	require.NoError(t, err)
	assert.Equal(t, u.ID, f.userOf(t, token))

	stored, err := f.store.GetUser(f.ctx, u.ID)
	require.NoError(t, err)
	assert.NotNil(t, stored.LastLogin)

	profile, err := f.accounts.Profile(f.ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, service.Profile{ID: u.ID, Username: "alice", Mobile: u.Mobile, Email: "alice@example.com"}, *profile)
}

func TestAccounts_RegisterQueuesWelcomeEmail(t *testing.T) {
	f := newAccountFixture(t)
	f.register(t, "alice", "alice@example.com")
	assert.Empty(t, f.box.sentEmails())

	f.queue.ProcessOnce(f.ctx)
	emails := f.box.sentEmails()
	require.Len(t, emails, 1)
	assert.Equal(t, "alice@example.com", emails[0].To)
	assert.Contains(t, emails[0].Text, "alice")
}

func TestAccounts_WelcomeEmailSkippedWithoutAddress(t *testing.T) {
	f := newAccountFixture(t)
	f.register(t, "alice", "")
	f.queue.ProcessOnce(f.ctx)
	assert.Empty(t, f.box.sentEmails())
}

func TestAccounts_RegisterValidation(t *testing.T) {
	f := newAccountFixture(t)

	_, err := f.accounts.Register(f.ctx, service.RegisterRequest{
		Username: "alice", Mobile: mobile, Password: "a", PasswordConfirm: "b", Code: "123456",
	})
	var verr *registrystore.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "password_confirm", verr.Field)

	_, err = f.accounts.Register(f.ctx, service.RegisterRequest{
		Username: "alice", Mobile: mobile, Password: "a", PasswordConfirm: "a",
	})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "code", verr.Field)

	_, err = f.accounts.Register(f.ctx, service.RegisterRequest{
		Username: "alice", Mobile: mobile, Password: "a", PasswordConfirm: "a", Code: "123456",
	})
	var codeErr *service.VerificationError
	require.ErrorAs(t, err, &codeErr)
}

func TestAccounts_RegisterDuplicateUsername(t *testing.T) {
	f := newAccountFixture(t)
	f.register(t, "alice", "")
	createUser(t, f.ctx, f.store, "bob")

	require.NoError(t, f.accounts.SendCode(f.ctx, "13900139000", "register"))
	_, err := f.accounts.Register(f.ctx, service.RegisterRequest{
		Username: "bob", Mobile: "13900139000", Password: "pw", PasswordConfirm: "pw", Code: f.box.lastCode(t),
	})
	var conflict *registrystore.ConflictError
	require.ErrorAs(t, err, &conflict)
}

func TestAccounts_LoginFailures(t *testing.T) {
	f := newAccountFixture(t)
	u := f.register(t, "alice", "")

	_, err := f.accounts.Login(f.ctx, "alice", "wrong")
	assert.ErrorIs(t, err, security.ErrInvalidCredential)

	_, err = f.accounts.Login(f.ctx, "nobody", "wrong")
	var notFound *registrystore.NotFoundError
	assert.ErrorAs(t, err, &notFound)

	_, err = f.accounts.Login(f.ctx, "", "x")
	var verr *registrystore.ValidationError
	assert.ErrorAs(t, err, &verr)

	require.NoError(t, db(t, f.store).DB().Model(&model.User{}).Where("id = ?", u.ID).Update("is_active", false).Error)
	_, err = f.accounts.Login(f.ctx, "alice", "s3cret-pass")
	assert.ErrorIs(t, err, security.ErrAccountDisabled)
}

func TestAccounts_CodeLoginCreatesAccount(t *testing.T) {
	f := newAccountFixture(t)

	require.NoError(t, f.accounts.SendCode(f.ctx, mobile, "login"))
	token, err := f.accounts.CodeLogin(f.ctx, mobile, f.box.lastCode(t))
	require.NoError(t, err)

	u, err := f.store.GetUser(f.ctx, f.userOf(t, token))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(u.Username, "user_"), u.Username)
	require.NotNil(t, u.Mobile)
	assert.Equal(t, mobile, *u.Mobile)
	assert.True(t, security.CheckPassword(u.PasswordHash, "changeme"))

	// Logging in again with the same number reuses the account.
	require.NoError(t, f.accounts.SendCode(f.ctx, mobile, "login"))
	again, err := f.accounts.CodeLogin(f.ctx, mobile, f.box.lastCode(t))
	require.NoError(t, err)
	assert.Equal(t, u.ID, f.userOf(t, again))
}

func TestAccounts_CodeLoginExistingAccount(t *testing.T) {
	f := newAccountFixture(t)
	u := f.register(t, "alice", "")

	require.NoError(t, f.accounts.SendCode(f.ctx, mobile, "login"))
	token, err := f.accounts.CodeLogin(f.ctx, mobile, f.box.lastCode(t))
	require.NoError(t, err)
	assert.Equal(t, u.ID, f.userOf(t, token))
}

func TestAccounts_CodeLoginRejectsRegisterCode(t *testing.T) {
	f := newAccountFixture(t)
	require.NoError(t, f.accounts.SendCode(f.ctx, mobile, "register"))

	_, err := f.accounts.CodeLogin(f.ctx, mobile, f.box.lastCode(t))
	var codeErr *service.VerificationError
	require.ErrorAs(t, err, &codeErr)
}

func TestAccounts_CodeLoginDisabledAccount(t *testing.T) {
	f := newAccountFixture(t)
	u := f.register(t, "alice", "")
	require.NoError(t, db(t, f.store).DB().Model(&model.User{}).Where("id = ?", u.ID).Update("is_active", false).Error)

	require.NoError(t, f.accounts.SendCode(f.ctx, mobile, "login"))
	_, err := f.accounts.CodeLogin(f.ctx, mobile, f.box.lastCode(t))
	assert.ErrorIs(t, err, security.ErrAccountDisabled)
}

func TestAccounts_SendCodeRejectsUnknownPurpose(t *testing.T) {
	f := newAccountFixture(t)
	var verr *registrystore.ValidationError
	require.ErrorAs(t, f.accounts.SendCode(f.ctx, mobile, "signup"), &verr)
	assert.Empty(t, f.box.sms)
}
