package service

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/chat-service/internal/config"
	registrycache "github.com/chirino/chat-service/internal/registry/cache"
	registrynotify "github.com/chirino/chat-service/internal/registry/notify"
	registrystore "github.com/chirino/chat-service/internal/registry/store"
)

// Purpose scopes a verification code to one flow.
type Purpose string

const (
	PurposeRegister      Purpose = "register"
	PurposeLogin         Purpose = "login"
	PurposeResetPassword Purpose = "reset_password"
	PurposeBindPhone     Purpose = "bind_phone"
	PurposeChangePhone   Purpose = "change_phone"
)

var purposes = []Purpose{PurposeRegister, PurposeLogin, PurposeResetPassword, PurposeBindPhone, PurposeChangePhone}

// ParsePurpose validates a purpose name.
func ParsePurpose(s string) (Purpose, error) {
	for _, p := range purposes {
		if string(p) == s {
			return p, nil
		}
	}
	return "", &registrystore.ValidationError{Field: "template_type", Message: fmt.Sprintf("%q is not a valid choice", s)}
}

var mobilePattern = regexp.MustCompile(`^1[3-9]\d{9}$`)

// ValidateMobile checks the mobile number format.
func ValidateMobile(mobile string) error {
	if !mobilePattern.MatchString(mobile) {
		return &registrystore.ValidationError{Field: "mobile", Message: "invalid mobile number"}
	}
	return nil
}

// VerificationError is returned when a submitted code is rejected.
type VerificationError struct {
	Message string
}

func (e *VerificationError) Error() string {
	return e.Message
}

// ErrThrottled is returned when a code is requested again before the resend interval elapsed.
var ErrThrottled = errors.New("verification code requested too frequently")

// Verifier issues and checks one-time codes sent by SMS.
type Verifier struct {
	cache     registrycache.CodeCache
	notifier  registrynotify.Notifier
	length    int
	ttl       time.Duration
	maxErrors int
	resend    time.Duration
}

// NewVerifier creates a verifier from config.
func NewVerifier(cfg *config.Config, cache registrycache.CodeCache, notifier registrynotify.Notifier) *Verifier {
	return &Verifier{
		cache:     cache,
		notifier:  notifier,
		length:    cfg.VerificationCodeLength,
		ttl:       cfg.VerificationCodeTTL,
		maxErrors: cfg.VerificationMaxErrors,
		resend:    cfg.VerificationResendInterval,
	}
}

func codeKey(purpose Purpose, mobile string) string {
	return fmt.Sprintf("sms_%s_verification_%s", purpose, mobile)
}

func errorCountKey(purpose Purpose, mobile string) string {
	return fmt.Sprintf("sms_%s_error_count_%s", purpose, mobile)
}

func throttleKey(purpose Purpose, mobile string) string {
	return fmt.Sprintf("sms_%s_throttle_%s", purpose, mobile)
}

func generateCode(length int) (string, error) {
	var b strings.Builder
	ten := big.NewInt(10)
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, ten)
		if err != nil {
			return "", err
		}
		b.WriteByte(byte('0' + n.Int64()))
	}
	return b.String(), nil
}

// Send generates a code, delivers it and stores it. The code is only stored when
// delivery succeeded.
func (v *Verifier) Send(ctx context.Context, mobile string, purpose Purpose) error {
	if err := ValidateMobile(mobile); err != nil {
		return err
	}
	if v.resend > 0 {
		first, err := v.cache.SetIfAbsent(ctx, throttleKey(purpose, mobile), "1", v.resend)
		if err != nil {
			return fmt.Errorf("failed to check resend throttle: %w", err)
		}
		if !first {
			return ErrThrottled
		}
	}

	code, err := generateCode(v.length)
	if err != nil {
		return fmt.Errorf("failed to generate code: %w", err)
	}
	if err := v.notifier.SendSMS(ctx, registrynotify.SMS{Mobile: mobile, Template: string(purpose), Params: []string{code}}); err != nil {
		_ = v.cache.Delete(ctx, throttleKey(purpose, mobile))
		log.Error("Verification: send failed", "purpose", purpose, "err", err)
		return fmt.Errorf("failed to send verification code: %w", err)
	}
	if err := v.cache.Set(ctx, codeKey(purpose, mobile), code, v.ttl); err != nil {
		return fmt.Errorf("failed to store verification code: %w", err)
	}
	if err := v.cache.Delete(ctx, errorCountKey(purpose, mobile)); err != nil {
		return fmt.Errorf("failed to reset error count: %w", err)
	}
	log.Info("Verification: code sent", "purpose", purpose)
	return nil
}

// Verify checks code. A correct code is consumed. After more than the allowed number
// of wrong attempts the code is discarded and a new one must be requested.
func (v *Verifier) Verify(ctx context.Context, mobile, code string, purpose Purpose) error {
	key, errKey := codeKey(purpose, mobile), errorCountKey(purpose, mobile)

	stored, ok, err := v.cache.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to read verification code: %w", err)
	}
	if !ok {
		return &VerificationError{Message: "verification code expired"}
	}

	if subtle.ConstantTimeCompare([]byte(stored), []byte(code)) != 1 {
		n, err := v.cache.Incr(ctx, errKey, v.ttl)
		if err != nil {
			return fmt.Errorf("failed to count verification errors: %w", err)
		}
		if n > int64(v.maxErrors) {
			if err := v.cache.Delete(ctx, key, errKey); err != nil {
				return fmt.Errorf("failed to discard verification code: %w", err)
			}
			return &VerificationError{Message: "too many attempts, request a new verification code"}
		}
		return &VerificationError{Message: "invalid verification code"}
	}

	if err := v.cache.Delete(ctx, key, errKey); err != nil {
		return fmt.Errorf("failed to consume verification code: %w", err)
	}
	return nil
}
