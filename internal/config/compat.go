package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ApplyEnvOverrides reads environment variables that are not represented by
// dedicated CLI flags in the serve command.
func (c *Config) ApplyEnvOverrides() error {
	if c == nil {
		return nil
	}

	var err error
	if err = applyBoolEnv("CHAT_SERVICE_DB_MIGRATE_AT_START", &c.DatastoreMigrateAtStart); err != nil {
		return err
	}
	if err = applyBoolEnv("CHAT_SERVICE_JWT_VERIFY_EXPIRATION", &c.JWTVerifyExpiration); err != nil {
		return err
	}
	if err = applyDurationEnv("CHAT_SERVICE_JWT_LEEWAY", &c.JWTLeeway); err != nil {
		return err
	}
	if err = applyDurationEnv("CHAT_SERVICE_JWT_EXPIRATION_DELTA", &c.JWTExpirationDelta); err != nil {
		return err
	}
	applyStringEnv("CHAT_SERVICE_JWT_AUTH_HEADER_PREFIX", &c.JWTAuthHeaderPrefix)

	var retentionDays int
	if err = applyIntEnv("CHAT_SERVICE_MESSAGE_RETENTION_DAYS", &retentionDays); err != nil {
		return err
	}
	if retentionDays > 0 {
		c.MessageRetention = time.Duration(retentionDays) * 24 * time.Hour
	}
	if err = applyIntEnv("CHAT_SERVICE_PURGE_BATCH_SIZE", &c.PurgeBatchSize); err != nil {
		return err
	}

	if err = applyIntEnv("CHAT_SERVICE_VERIFICATION_CODE_LENGTH", &c.VerificationCodeLength); err != nil {
		return err
	}
	if err = applyDurationEnv("CHAT_SERVICE_VERIFICATION_CODE_EXPIRE_TIME", &c.VerificationCodeTTL); err != nil {
		return err
	}
	if err = applyIntEnv("CHAT_SERVICE_VERIFICATION_MAX_ERRORS", &c.VerificationMaxErrors); err != nil {
		return err
	}
	if err = applyDurationEnv("CHAT_SERVICE_VERIFICATION_RESEND_INTERVAL", &c.VerificationResendInterval); err != nil {
		return err
	}
	applyStringEnv("CHAT_SERVICE_DEFAULT_PASSWORD", &c.DefaultPassword)

	if err = applyBoolEnv("CHAT_SERVICE_CORS_ENABLED", &c.CORSEnabled); err != nil {
		return err
	}
	applyStringEnv("CHAT_SERVICE_CORS_ORIGINS", &c.CORSOrigins)
	if err = applyIntEnv("CHAT_SERVICE_WS_SEND_BUFFER", &c.WSSendBuffer); err != nil {
		return err
	}

	return c.Validate()
}

// Validate checks cross-field constraints that flags alone cannot express.
func (c *Config) Validate() error {
	if c.VerificationCodeLength < 4 || c.VerificationCodeLength > 10 {
		return fmt.Errorf("invalid verification code length %d: must be between 4 and 10", c.VerificationCodeLength)
	}
	if c.PurgeBatchSize <= 0 {
		return fmt.Errorf("invalid purge batch size %d: must be positive", c.PurgeBatchSize)
	}
	switch strings.ToUpper(c.JWTAlgorithm) {
	case "HS256", "HS384", "HS512":
	default:
		return fmt.Errorf("unsupported JWT algorithm %q; valid: [HS256 HS384 HS512]", c.JWTAlgorithm)
	}
	return nil
}

func applyStringEnv(key string, dest *string) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	*dest = raw
}

func applyIntEnv(key string, dest *int) error {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dest = v
	return nil
}

func applyBoolEnv(key string, dest *bool) error {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dest = v
	return nil
}

func applyDurationEnv(key string, dest *time.Duration) error {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	v, err := parseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dest = v
	return nil
}

// parseDuration accepts Go durations ("30s", "5m"), bare seconds ("300") and
// ISO-8601 time durations ("PT5M").
func parseDuration(raw string) (time.Duration, error) {
	v := strings.TrimSpace(strings.ToUpper(raw))
	if v == "" {
		return 0, fmt.Errorf("empty duration")
	}

	if d, err := time.ParseDuration(strings.ToLower(v)); err == nil {
		return d, nil
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0, fmt.Errorf("duration must not be negative")
		}
		return time.Duration(secs) * time.Second, nil
	}

	if !strings.HasPrefix(v, "PT") {
		return 0, fmt.Errorf("unsupported format %q", raw)
	}
	rest := strings.TrimPrefix(v, "PT")
	if rest == "" {
		return 0, fmt.Errorf("invalid format %q", raw)
	}
	total := time.Duration(0)
	for len(rest) > 0 {
		i := 0
		for i < len(rest) && rest[i] >= '0' && rest[i] <= '9' {
			i++
		}
		if i == 0 || i >= len(rest) {
			return 0, fmt.Errorf("invalid format %q", raw)
		}
		n, err := strconv.Atoi(rest[:i])
		if err != nil {
			return 0, fmt.Errorf("invalid format %q", raw)
		}
		switch rest[i] {
		case 'H':
			total += time.Duration(n) * time.Hour
		case 'M':
			total += time.Duration(n) * time.Minute
		case 'S':
			total += time.Duration(n) * time.Second
		default:
			return 0, fmt.Errorf("invalid format %q", raw)
		}
		rest = rest[i+1:]
	}
	if total <= 0 {
		return 0, fmt.Errorf("duration must be positive")
	}
	return total, nil
}
