package config

import (
	"context"
	"time"
)

// ListenerConfig holds the network/TLS settings for a single listener (main or management).
type ListenerConfig struct {
	Port              int
	EnablePlainText   bool
	EnableTLS         bool
	TLSCertFile       string
	TLSKeyFile        string
	ReadHeaderTimeout time.Duration
}

type contextKey struct{}

// WithContext returns a new context carrying the given Config.
func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, contextKey{}, cfg)
}

// FromContext retrieves the Config from the context.
func FromContext(ctx context.Context) *Config {
	cfg, _ := ctx.Value(contextKey{}).(*Config)
	return cfg
}

// Config holds all configuration for the chat service.
type Config struct {
	// Datastore backend type: "postgres", "sqlite" or "mongo".
	DatastoreType string

	// Database URL (postgres DSN, sqlite file path or mongodb:// URI).
	DBURL string

	// Run datastore migrations on startup.
	DatastoreMigrateAtStart bool

	// DB pool
	DBMaxOpenConns int
	DBMaxIdleConns int

	// Redis, shared by the redis cache, channel layer and asynq queue plugins.
	RedisURL string

	// Verification code cache backend: "local" or "redis".
	CacheType string

	// Channel layer used for cross-node fan-out: "local" or "redis".
	ChannelLayerType   string
	ChannelLayerPrefix string

	// Job queue backend: "db" or "asynq".
	QueueType          string
	QueueConcurrency   int
	QueueWorkerEnabled bool
	QueuePollInterval  time.Duration
	QueueRetryDelay    time.Duration

	// Notifier backend for SMS and email: "log" or "gateway".
	NotifierType  string
	SMSGatewayURL string
	SMTPAddr      string
	SMTPUsername  string
	SMTPPassword  string
	MailFrom      string

	// JWT
	JWTSecret           string
	JWTAlgorithm        string
	JWTVerifyExpiration bool
	JWTLeeway           time.Duration
	JWTExpirationDelta  time.Duration
	JWTAuthHeaderPrefix string

	// OIDC
	OIDCIssuer       string
	OIDCDiscoveryURL string // Internal URL for OIDC discovery (when issuer URL is not reachable)

	// Messages older than MessageRetention are hidden from history and purged by the sweep.
	MessageRetention time.Duration
	PurgeBatchSize   int
	CleanupInterval  time.Duration

	// One-time verification codes.
	VerificationCodeLength     int
	VerificationCodeTTL        time.Duration
	VerificationMaxErrors      int
	VerificationResendInterval time.Duration

	// Password assigned to accounts created implicitly by code login.
	DefaultPassword string

	// MetricsLabels is a comma-separated list of key=value pairs added as
	// constant labels to all Prometheus metrics. Values support ${VAR} expansion.
	MetricsLabels string

	LogLevel string

	// Server
	Listener           ListenerConfig
	ManagementListener ListenerConfig
	// ManagementListenerEnabled is true when --management-port was explicitly provided.
	// When false, management endpoints are served on the main port.
	ManagementListenerEnabled bool
	ManagementAccessLog       bool
	CORSEnabled               bool
	CORSOrigins               string

	// WebSocket
	WSAllowedOrigins string
	WSSendBuffer     int

	// Body size limit (bytes)
	MaxBodySize int64

	// Graceful shutdown drain timeout (seconds)
	DrainTimeout int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		DatastoreType:              "postgres",
		DatastoreMigrateAtStart:    true,
		DBMaxOpenConns:             25,
		DBMaxIdleConns:             5,
		CacheType:                  "local",
		ChannelLayerType:           "local",
		ChannelLayerPrefix:         "chat:group:",
		QueueType:                  "db",
		QueueConcurrency:           10,
		QueueWorkerEnabled:         true,
		QueuePollInterval:          5 * time.Second,
		QueueRetryDelay:            time.Minute,
		NotifierType:               "log",
		MailFrom:                   "no-reply@localhost",
		JWTAlgorithm:               "HS256",
		JWTVerifyExpiration:        true,
		JWTExpirationDelta:         7 * 24 * time.Hour,
		JWTAuthHeaderPrefix:        "Bearer",
		MessageRetention:           30 * 24 * time.Hour,
		PurgeBatchSize:             1000,
		CleanupInterval:            24 * time.Hour,
		VerificationCodeLength:     6,
		VerificationCodeTTL:        5 * time.Minute,
		VerificationMaxErrors:      5,
		VerificationResendInterval: time.Minute,
		MetricsLabels:              "service=chat-service",
		LogLevel:                   "info",
		Listener: ListenerConfig{
			Port:              8080,
			EnablePlainText:   true,
			EnableTLS:         false,
			ReadHeaderTimeout: 5 * time.Second,
		},
		ManagementListener: ListenerConfig{
			EnablePlainText: true,
		},
		WSAllowedOrigins: "*",
		WSSendBuffer:     128,
		MaxBodySize:      1024 * 1024,
		DrainTimeout:     30,
	}
}

// RetentionCutoff returns the oldest message timestamp still inside the retention window.
func (c *Config) RetentionCutoff(now time.Time) time.Time {
	if c == nil || c.MessageRetention <= 0 {
		return time.Time{}
	}
	return now.Add(-c.MessageRetention)
}
