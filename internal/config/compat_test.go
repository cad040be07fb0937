package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("CHAT_SERVICE_MESSAGE_RETENTION_DAYS", "7")
	t.Setenv("CHAT_SERVICE_JWT_VERIFY_EXPIRATION", "false")
	t.Setenv("CHAT_SERVICE_JWT_LEEWAY", "PT30S")
	t.Setenv("CHAT_SERVICE_JWT_AUTH_HEADER_PREFIX", "JWT")
	t.Setenv("CHAT_SERVICE_VERIFICATION_CODE_EXPIRE_TIME", "120")
	t.Setenv("CHAT_SERVICE_VERIFICATION_MAX_ERRORS", "3")
	t.Setenv("CHAT_SERVICE_CORS_ENABLED", "true")

	cfg := DefaultConfig()
	err := cfg.ApplyEnvOverrides()
	require.NoError(t, err)

	require.Equal(t, 7*24*time.Hour, cfg.MessageRetention)
	require.False(t, cfg.JWTVerifyExpiration)
	require.Equal(t, 30*time.Second, cfg.JWTLeeway)
	require.Equal(t, "JWT", cfg.JWTAuthHeaderPrefix)
	require.Equal(t, 2*time.Minute, cfg.VerificationCodeTTL)
	require.Equal(t, 3, cfg.VerificationMaxErrors)
	require.True(t, cfg.CORSEnabled)
}

func TestApplyEnvOverrides_InvalidValues(t *testing.T) {
	t.Run("bad bool", func(t *testing.T) {
		t.Setenv("CHAT_SERVICE_JWT_VERIFY_EXPIRATION", "maybe")
		cfg := DefaultConfig()
		require.ErrorContains(t, cfg.ApplyEnvOverrides(), "CHAT_SERVICE_JWT_VERIFY_EXPIRATION")
	})

	t.Run("bad duration", func(t *testing.T) {
		t.Setenv("CHAT_SERVICE_JWT_LEEWAY", "soon")
		cfg := DefaultConfig()
		require.ErrorContains(t, cfg.ApplyEnvOverrides(), "CHAT_SERVICE_JWT_LEEWAY")
	})

	t.Run("code length out of range", func(t *testing.T) {
		t.Setenv("CHAT_SERVICE_VERIFICATION_CODE_LENGTH", "2")
		cfg := DefaultConfig()
		require.ErrorContains(t, cfg.ApplyEnvOverrides(), "verification code length")
	})
}

func TestParseDuration(t *testing.T) {
	cases := map[string]time.Duration{
		"30s":    30 * time.Second,
		"300":    5 * time.Minute,
		"PT1H2M": time.Hour + 2*time.Minute,
		"pt10s":  10 * time.Second,
	}
	for raw, want := range cases {
		got, err := parseDuration(raw)
		require.NoError(t, err, raw)
		require.Equal(t, want, got, raw)
	}

	_, err := parseDuration("P1D")
	require.Error(t, err)
}
