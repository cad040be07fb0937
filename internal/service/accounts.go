package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/chat-service/internal/config"
	"github.com/chirino/chat-service/internal/model"
	registryqueue "github.com/chirino/chat-service/internal/registry/queue"
	registrystore "github.com/chirino/chat-service/internal/registry/store"
	"github.com/chirino/chat-service/internal/security"
	"github.com/google/uuid"
)

// RegisterRequest is the body of a registration call.
type RegisterRequest struct {
	Username        string `json:"username"`
	Email           string `json:"email"`
	Mobile          string `json:"mobile"`
	Password        string `json:"password"`
	PasswordConfirm string `json:"password_confirm"`
	Code            string `json:"code"`
}

// Profile is the caller's own account as returned by the profile endpoint.
type Profile struct {
	ID       string  `json:"id"`
	Username string  `json:"username"`
	Mobile   *string `json:"mobile"`
	Email    string  `json:"email"`
	Avatar   string  `json:"avatar"`
}

// ProfileOf projects a user onto its profile.
func ProfileOf(u *model.User) Profile {
	return Profile{ID: u.ID, Username: u.Username, Mobile: u.Mobile, Email: u.Email, Avatar: u.Avatar}
}

// AccountService implements login, registration and verification-code flows.
type AccountService struct {
	store           registrystore.ChatStore
	gate            *security.Gate
	verifier        *Verifier
	queue           registryqueue.Queue
	defaultPassword string
	now             func() time.Time
}

// NewAccountService creates an account service. queue may be nil, in which case
// registration does not send a welcome email.
func NewAccountService(store registrystore.ChatStore, gate *security.Gate, verifier *Verifier, queue registryqueue.Queue, cfg *config.Config) *AccountService {
	return &AccountService{
		store:           store,
		gate:            gate,
		verifier:        verifier,
		queue:           queue,
		defaultPassword: cfg.DefaultPassword,
		now:             time.Now,
	}
}

func required(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return &registrystore.ValidationError{Field: field, Message: "this field is required"}
	}
	return nil
}

// Login checks a username and password and returns a token.
func (s *AccountService) Login(ctx context.Context, username, password string) (string, error) {
	if err := required("username", username); err != nil {
		return "", err
	}
	if err := required("password", password); err != nil {
		return "", err
	}
	u, err := s.store.GetUserByUsername(ctx, username)
	if err != nil {
		return "", err
	}
	if !security.CheckPassword(u.PasswordHash, password) {
		return "", fmt.Errorf("%w: incorrect password", security.ErrInvalidCredential)
	}
	if !u.IsActive {
		return "", security.ErrAccountDisabled
	}
	return s.issue(ctx, u)
}

// CodeLogin checks a login code sent to mobile and returns a token. An account is
// created for numbers that have none.
func (s *AccountService) CodeLogin(ctx context.Context, mobile, code string) (string, error) {
	if err := ValidateMobile(mobile); err != nil {
		return "", err
	}
	if err := required("code", code); err != nil {
		return "", err
	}
	if err := s.verifier.Verify(ctx, mobile, code, PurposeLogin); err != nil {
		return "", err
	}

	hash, err := s.defaultPasswordHash()
	if err != nil {
		return "", err
	}
	u, created, err := s.store.GetOrCreateUserByMobile(ctx, mobile, registrystore.NewUser{
		Username:     "user_" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		PasswordHash: hash,
	})
	if err != nil {
		return "", err
	}
	if created {
		log.Info("Account created by code login", "user", u.ID)
	}
	if !u.IsActive {
		return "", security.ErrAccountDisabled
	}
	return s.issue(ctx, u)
}

// defaultPasswordHash hashes the configured default password. Without one the
// account gets a random password that nobody knows.
func (s *AccountService) defaultPasswordHash() (string, error) {
	password := s.defaultPassword
	if password == "" {
		password = uuid.NewString()
	}
	return security.HashPassword(password)
}

func (s *AccountService) issue(ctx context.Context, u *model.User) (string, error) {
	if err := s.store.TouchLastLogin(ctx, u.ID, s.now()); err != nil {
		return "", err
	}
	token, err := s.gate.Issue(u.ID)
	if err != nil {
		return "", fmt.Errorf("failed to issue token: %w", err)
	}
	return token, nil
}

// SendCode sends a verification code for purpose to mobile.
func (s *AccountService) SendCode(ctx context.Context, mobile, purpose string) error {
	if err := ValidateMobile(mobile); err != nil {
		return err
	}
	p, err := ParsePurpose(purpose)
	if err != nil {
		return err
	}
	return s.verifier.Send(ctx, mobile, p)
}

// Register creates an account after checking the registration code, then queues
// the welcome email.
func (s *AccountService) Register(ctx context.Context, req RegisterRequest) (*model.User, error) {
	for _, f := range []struct{ name, value string }{
		{"username", req.Username},
		{"mobile", req.Mobile},
		{"password", req.Password},
		{"password_confirm", req.PasswordConfirm},
		{"code", req.Code},
	} {
		if err := required(f.name, f.value); err != nil {
			return nil, err
		}
	}
	if req.Password != req.PasswordConfirm {
		return nil, &registrystore.ValidationError{Field: "password_confirm", Message: "passwords do not match"}
	}
	if err := ValidateMobile(req.Mobile); err != nil {
		return nil, err
	}
	if err := s.verifier.Verify(ctx, req.Mobile, req.Code, PurposeRegister); err != nil {
		return nil, err
	}

	hash, err := security.HashPassword(req.Password)
	if err != nil {
		return nil, err
	}
	mobile := req.Mobile
	u, err := s.store.CreateUser(ctx, registrystore.NewUser{
		Username:     req.Username,
		PasswordHash: hash,
		Email:        strings.TrimSpace(req.Email),
		Mobile:       &mobile,
	})
	if err != nil {
		return nil, err
	}

	if s.queue != nil {
		job, err := WelcomeEmailJob(u.ID)
		if err == nil {
			_, err = s.queue.Submit(ctx, job)
		}
		if err != nil {
			log.Error("Failed to queue welcome email", "user", u.ID, "err", err)
		}
	}
	return u, nil
}

// Profile returns the caller's account.
func (s *AccountService) Profile(ctx context.Context, userID string) (*Profile, error) {
	u, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	p := ProfileOf(u)
	return &p, nil
}
