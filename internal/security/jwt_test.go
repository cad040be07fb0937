package security

import (
	"context"
	"testing"
	"time"

	"github.com/chirino/chat-service/internal/config"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func newTestGate(t *testing.T) *Gate {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.JWTSecret = "test-secret"
	gate, err := NewGate(&cfg)
	require.NoError(t, err)
	return gate
}

func TestNewGate_RequiresSecret(t *testing.T) {
	cfg := config.DefaultConfig()
	_, err := NewGate(&cfg)
	require.Error(t, err)
}

func TestNewGate_RejectsNonHMACAlgorithm(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.JWTSecret = "s"
	cfg.JWTAlgorithm = "RS256"
	_, err := NewGate(&cfg)
	require.ErrorContains(t, err, "unsupported jwt algorithm")
}

func TestGate_IssueThenVerify(t *testing.T) {
	gate := newTestGate(t)
	token, err := gate.Issue("user-1")
	require.NoError(t, err)

	id, err := gate.Verify(context.Background(), token)
	require.NoError(t, err)
	require.Equal(t, "user-1", id.UserID)
	require.False(t, id.External)
}

func TestGate_RejectsTamperedAndForeignTokens(t *testing.T) {
	gate := newTestGate(t)

	t.Run("wrong secret", func(t *testing.T) {
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"user_id": "user-1",
			"exp":     time.Now().Add(time.Hour).Unix(),
		}).SignedString([]byte("other-secret"))
		require.NoError(t, err)
		_, err = gate.Verify(context.Background(), token)
		require.ErrorIs(t, err, ErrInvalidCredential)
	})

	t.Run("different algorithm", func(t *testing.T) {
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS512, jwt.MapClaims{
			"user_id": "user-1",
			"exp":     time.Now().Add(time.Hour).Unix(),
		}).SignedString([]byte("test-secret"))
		require.NoError(t, err)
		_, err = gate.Verify(context.Background(), token)
		require.ErrorIs(t, err, ErrInvalidCredential)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := gate.Verify(context.Background(), "not-a-token")
		require.ErrorIs(t, err, ErrInvalidCredential)
	})

	t.Run("missing user id", func(t *testing.T) {
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"exp": time.Now().Add(time.Hour).Unix(),
		}).SignedString([]byte("test-secret"))
		require.NoError(t, err)
		_, err = gate.Verify(context.Background(), token)
		require.ErrorIs(t, err, ErrInvalidCredential)
	})
}

func TestGate_Expiry(t *testing.T) {
	gate := newTestGate(t)
	gate.ttl = time.Minute
	gate.now = func() time.Time { return time.Now().Add(-time.Hour) }
	token, err := gate.Issue("user-1")
	require.NoError(t, err)
	gate.now = time.Now

	_, err = gate.Verify(context.Background(), token)
	require.ErrorIs(t, err, ErrInvalidCredential)

	gate.verifyExp = false
	id, err := gate.Verify(context.Background(), token)
	require.NoError(t, err)
	require.Equal(t, "user-1", id.UserID)
}

func TestGate_LeewayAcceptsRecentlyExpired(t *testing.T) {
	gate := newTestGate(t)
	gate.ttl = time.Minute
	gate.leeway = 10 * time.Minute
	gate.now = func() time.Time { return time.Now().Add(-5 * time.Minute) }
	token, err := gate.Issue("user-1")
	require.NoError(t, err)
	gate.now = time.Now

	_, err = gate.Verify(context.Background(), token)
	require.NoError(t, err)
}

func TestGate_NumericUserIDIsNormalized(t *testing.T) {
	gate := newTestGate(t)
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": 42,
		"exp":     time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)

	id, err := gate.Verify(context.Background(), token)
	require.NoError(t, err)
	require.Equal(t, "42", id.UserID)
}
