package serve

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/chat-service/internal/config"
	registrycache "github.com/chirino/chat-service/internal/registry/cache"
	registrylayer "github.com/chirino/chat-service/internal/registry/layer"
	registrynotify "github.com/chirino/chat-service/internal/registry/notify"
	registryqueue "github.com/chirino/chat-service/internal/registry/queue"
	registrystore "github.com/chirino/chat-service/internal/registry/store"
	"github.com/gin-gonic/gin"
	"github.com/urfave/cli/v3"

	// Import all plugins to trigger init() registration
	_ "github.com/chirino/chat-service/internal/plugin/cache/local"
	_ "github.com/chirino/chat-service/internal/plugin/cache/redis"
	_ "github.com/chirino/chat-service/internal/plugin/layer/local"
	_ "github.com/chirino/chat-service/internal/plugin/layer/redis"
	_ "github.com/chirino/chat-service/internal/plugin/notify/gateway"
	_ "github.com/chirino/chat-service/internal/plugin/notify/logger"
	_ "github.com/chirino/chat-service/internal/plugin/queue/asynq"
	_ "github.com/chirino/chat-service/internal/plugin/queue/db"
	_ "github.com/chirino/chat-service/internal/plugin/route/auth"
	_ "github.com/chirino/chat-service/internal/plugin/route/conversations"
	_ "github.com/chirino/chat-service/internal/plugin/route/messages"
	_ "github.com/chirino/chat-service/internal/plugin/route/stream"
	_ "github.com/chirino/chat-service/internal/plugin/route/system"
	_ "github.com/chirino/chat-service/internal/plugin/route/unread"
	_ "github.com/chirino/chat-service/internal/plugin/store/mongo"
	_ "github.com/chirino/chat-service/internal/plugin/store/postgres"
	_ "github.com/chirino/chat-service/internal/plugin/store/sqlite"
)

// Command returns the serve sub-command.
func Command() *cli.Command {
	cfg := config.DefaultConfig()
	var readHeaderTimeoutSecs int = 5
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the chat service HTTP and WebSocket server",
		Flags: flags(&cfg, &readHeaderTimeoutSecs),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if err := cfg.ApplyEnvOverrides(); err != nil {
				return err
			}
			if level, err := log.ParseLevel(cfg.LogLevel); err == nil {
				log.SetLevel(level)
			} else {
				log.Warn("Ignoring invalid log level", "level", cfg.LogLevel)
			}
			cfg.Listener.ReadHeaderTimeout = time.Duration(readHeaderTimeoutSecs) * time.Second
			cfg.ManagementListener.ReadHeaderTimeout = cfg.Listener.ReadHeaderTimeout
			cfg.ManagementListenerEnabled = cmd.IsSet("management-port")
			return run(config.WithContext(ctx, &cfg), cfg)
		},
	}
}

// StoreFlags are the datastore flags shared by every sub-command that opens the store.
func StoreFlags(cfg *config.Config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "db-kind",
			Category:    "Database:",
			Sources:     cli.EnvVars("CHAT_SERVICE_DB_KIND"),
			Destination: &cfg.DatastoreType,
			Value:       cfg.DatastoreType,
			Usage:       "Backend store (" + strings.Join(registrystore.Names(), "|") + ")",
		},
		&cli.StringFlag{
			Name:        "db-url",
			Category:    "Database:",
			Sources:     cli.EnvVars("CHAT_SERVICE_DB_URL"),
			Destination: &cfg.DBURL,
			Usage:       "Database connection URL (postgres DSN, sqlite file path or mongodb:// URI)",
			Required:    true,
		},
		&cli.IntFlag{
			Name:        "db-max-open-conns",
			Category:    "Database:",
			Sources:     cli.EnvVars("CHAT_SERVICE_DB_MAX_OPEN_CONNS"),
			Destination: &cfg.DBMaxOpenConns,
			Value:       cfg.DBMaxOpenConns,
			Usage:       "Maximum number of open database connections",
		},
		&cli.IntFlag{
			Name:        "db-max-idle-conns",
			Category:    "Database:",
			Sources:     cli.EnvVars("CHAT_SERVICE_DB_MAX_IDLE_CONNS"),
			Destination: &cfg.DBMaxIdleConns,
			Value:       cfg.DBMaxIdleConns,
			Usage:       "Maximum number of idle database connections",
		},
		&cli.StringFlag{
			Name:        "log-level",
			Category:    "Server:",
			Sources:     cli.EnvVars("CHAT_SERVICE_LOG_LEVEL"),
			Destination: &cfg.LogLevel,
			Value:       cfg.LogLevel,
			Usage:       "Log level (debug|info|warn|error)",
		},
	}
}

func flags(cfg *config.Config, readHeaderTimeoutSecs *int) []cli.Flag {
	fs := []cli.Flag{

		// ── Server ────────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "tls-cert-file",
			Category:    "Server:",
			Sources:     cli.EnvVars("CHAT_SERVICE_TLS_CERT_FILE"),
			Destination: &cfg.Listener.TLSCertFile,
			Usage:       "TLS certificate file for single-port TLS mode",
		},
		&cli.StringFlag{
			Name:        "tls-key-file",
			Category:    "Server:",
			Sources:     cli.EnvVars("CHAT_SERVICE_TLS_KEY_FILE"),
			Destination: &cfg.Listener.TLSKeyFile,
			Usage:       "TLS private key file for single-port TLS mode",
		},
		&cli.IntFlag{
			Name:        "read-header-timeout-seconds",
			Category:    "Server:",
			Sources:     cli.EnvVars("CHAT_SERVICE_READ_HEADER_TIMEOUT_SECONDS"),
			Destination: readHeaderTimeoutSecs,
			Value:       *readHeaderTimeoutSecs,
			Usage:       "HTTP read header timeout in seconds",
		},
		&cli.IntFlag{
			Name:        "drain-timeout-seconds",
			Category:    "Server:",
			Sources:     cli.EnvVars("CHAT_SERVICE_DRAIN_TIMEOUT_SECONDS"),
			Destination: &cfg.DrainTimeout,
			Value:       cfg.DrainTimeout,
			Usage:       "Seconds to wait for in-flight requests on shutdown",
		},
		&cli.Int64Flag{
			Name:        "max-body-size",
			Category:    "Server:",
			Sources:     cli.EnvVars("CHAT_SERVICE_MAX_BODY_SIZE"),
			Destination: &cfg.MaxBodySize,
			Value:       cfg.MaxBodySize,
			Usage:       "Maximum request body size in bytes",
		},
		&cli.BoolFlag{
			Name:        "management-access-log",
			Category:    "Server:",
			Sources:     cli.EnvVars("CHAT_SERVICE_MANAGEMENT_ACCESS_LOG"),
			Destination: &cfg.ManagementAccessLog,
			Usage:       "Enable HTTP access logging for management endpoints (/health, /ready, /metrics)",
		},
		&cli.BoolFlag{
			Name:        "cors-enabled",
			Category:    "Server:",
			Sources:     cli.EnvVars("CHAT_SERVICE_CORS_ENABLED"),
			Destination: &cfg.CORSEnabled,
			Usage:       "Enable CORS; all origins are allowed unless --cors-origins is set",
		},
		&cli.StringFlag{
			Name:        "cors-origins",
			Category:    "Server:",
			Sources:     cli.EnvVars("CHAT_SERVICE_CORS_ORIGINS"),
			Destination: &cfg.CORSOrigins,
			Usage:       "Comma-separated origins allowed by CORS; enables CORS when set",
		},

		// ── Network Listener ──────────────────────────────────────
		&cli.IntFlag{
			Name:        "port",
			Category:    "Network Listener:",
			Sources:     cli.EnvVars("CHAT_SERVICE_PORT"),
			Destination: &cfg.Listener.Port,
			Value:       cfg.Listener.Port,
			Usage:       "HTTP server port",
		},
		&cli.BoolFlag{
			Name:        "plain-text",
			Category:    "Network Listener:",
			Sources:     cli.EnvVars("CHAT_SERVICE_PLAIN_TEXT"),
			Destination: &cfg.Listener.EnablePlainText,
			Value:       cfg.Listener.EnablePlainText,
			Usage:       "Enable plaintext HTTP/1.1 + h2c",
		},
		&cli.BoolFlag{
			Name:        "tls",
			Category:    "Network Listener:",
			Sources:     cli.EnvVars("CHAT_SERVICE_TLS"),
			Destination: &cfg.Listener.EnableTLS,
			Value:       cfg.Listener.EnableTLS,
			Usage:       "Enable TLS HTTP/1.1 + HTTP/2",
		},

		// ── Management Network Listener ───────────────────────────
		&cli.IntFlag{
			Name:        "management-port",
			Category:    "Management Network Listener:",
			Sources:     cli.EnvVars("CHAT_SERVICE_MANAGEMENT_PORT"),
			Destination: &cfg.ManagementListener.Port,
			Value:       cfg.ManagementListener.Port,
			Usage:       "Dedicated port for health and metrics (0 = OS-assigned random port); when unset, served on the main port",
		},
		&cli.BoolFlag{
			Name:        "management-plain-text",
			Category:    "Management Network Listener:",
			Sources:     cli.EnvVars("CHAT_SERVICE_MANAGEMENT_PLAIN_TEXT"),
			Destination: &cfg.ManagementListener.EnablePlainText,
			Value:       cfg.ManagementListener.EnablePlainText,
			Usage:       "Enable plaintext HTTP for management server",
		},
		&cli.BoolFlag{
			Name:        "management-tls",
			Category:    "Management Network Listener:",
			Sources:     cli.EnvVars("CHAT_SERVICE_MANAGEMENT_TLS"),
			Destination: &cfg.ManagementListener.EnableTLS,
			Value:       cfg.ManagementListener.EnableTLS,
			Usage:       "Enable TLS for management server",
		},

		// ── Redis ─────────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "redis-url",
			Category:    "Redis:",
			Sources:     cli.EnvVars("CHAT_SERVICE_REDIS_URL"),
			Destination: &cfg.RedisURL,
			Usage:       "Redis connection URL shared by the redis cache, channel layer and asynq queue",
		},
		&cli.StringFlag{
			Name:        "cache-kind",
			Category:    "Redis:",
			Sources:     cli.EnvVars("CHAT_SERVICE_CACHE_KIND"),
			Destination: &cfg.CacheType,
			Value:       cfg.CacheType,
			Usage:       "Verification code cache (" + strings.Join(registrycache.Names(), "|") + ")",
		},
		&cli.StringFlag{
			Name:        "channel-layer-kind",
			Category:    "Redis:",
			Sources:     cli.EnvVars("CHAT_SERVICE_CHANNEL_LAYER_KIND"),
			Destination: &cfg.ChannelLayerType,
			Value:       cfg.ChannelLayerType,
			Usage:       "Cross-node message fan-out (" + strings.Join(registrylayer.Names(), "|") + ")",
		},
		&cli.StringFlag{
			Name:        "channel-layer-prefix",
			Category:    "Redis:",
			Sources:     cli.EnvVars("CHAT_SERVICE_CHANNEL_LAYER_PREFIX"),
			Destination: &cfg.ChannelLayerPrefix,
			Value:       cfg.ChannelLayerPrefix,
			Usage:       "Redis channel prefix for conversation groups",
		},

		// ── Jobs ──────────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "queue-kind",
			Category:    "Jobs:",
			Sources:     cli.EnvVars("CHAT_SERVICE_QUEUE_KIND"),
			Destination: &cfg.QueueType,
			Value:       cfg.QueueType,
			Usage:       "Background job queue (" + strings.Join(registryqueue.Names(), "|") + ")",
		},
		&cli.IntFlag{
			Name:        "queue-concurrency",
			Category:    "Jobs:",
			Sources:     cli.EnvVars("CHAT_SERVICE_QUEUE_CONCURRENCY"),
			Destination: &cfg.QueueConcurrency,
			Value:       cfg.QueueConcurrency,
			Usage:       "Concurrent job workers (asynq queue)",
		},
		&cli.BoolFlag{
			Name:        "queue-worker",
			Category:    "Jobs:",
			Sources:     cli.EnvVars("CHAT_SERVICE_QUEUE_WORKER"),
			Destination: &cfg.QueueWorkerEnabled,
			Value:       cfg.QueueWorkerEnabled,
			Usage:       "Run the job worker in this process",
		},
		&cli.DurationFlag{
			Name:        "queue-poll-interval",
			Category:    "Jobs:",
			Sources:     cli.EnvVars("CHAT_SERVICE_QUEUE_POLL_INTERVAL"),
			Destination: &cfg.QueuePollInterval,
			Value:       cfg.QueuePollInterval,
			Usage:       "How often the db queue polls for ready jobs",
		},
		&cli.DurationFlag{
			Name:        "queue-retry-delay",
			Category:    "Jobs:",
			Sources:     cli.EnvVars("CHAT_SERVICE_QUEUE_RETRY_DELAY"),
			Destination: &cfg.QueueRetryDelay,
			Value:       cfg.QueueRetryDelay,
			Usage:       "Delay before a failed job is retried",
		},
		&cli.DurationFlag{
			Name:        "cleanup-interval",
			Category:    "Jobs:",
			Sources:     cli.EnvVars("CHAT_SERVICE_CLEANUP_INTERVAL"),
			Destination: &cfg.CleanupInterval,
			Value:       cfg.CleanupInterval,
			Usage:       "How often the message retention sweep runs (0 disables the schedule)",
		},

		// ── Notifications ─────────────────────────────────────────
		&cli.StringFlag{
			Name:        "notifier-kind",
			Category:    "Notifications:",
			Sources:     cli.EnvVars("CHAT_SERVICE_NOTIFIER_KIND"),
			Destination: &cfg.NotifierType,
			Value:       cfg.NotifierType,
			Usage:       "SMS and email delivery (" + strings.Join(registrynotify.Names(), "|") + ")",
		},
		&cli.StringFlag{
			Name:        "sms-gateway-url",
			Category:    "Notifications:",
			Sources:     cli.EnvVars("CHAT_SERVICE_SMS_GATEWAY_URL"),
			Destination: &cfg.SMSGatewayURL,
			Usage:       "HTTP endpoint that accepts SMS send requests",
		},
		&cli.StringFlag{
			Name:        "smtp-addr",
			Category:    "Notifications:",
			Sources:     cli.EnvVars("CHAT_SERVICE_SMTP_ADDR"),
			Destination: &cfg.SMTPAddr,
			Usage:       "SMTP server host:port",
		},
		&cli.StringFlag{
			Name:        "smtp-username",
			Category:    "Notifications:",
			Sources:     cli.EnvVars("CHAT_SERVICE_SMTP_USERNAME"),
			Destination: &cfg.SMTPUsername,
			Usage:       "SMTP username",
		},
		&cli.StringFlag{
			Name:        "smtp-password",
			Category:    "Notifications:",
			Sources:     cli.EnvVars("CHAT_SERVICE_SMTP_PASSWORD"),
			Destination: &cfg.SMTPPassword,
			Usage:       "SMTP password",
		},
		&cli.StringFlag{
			Name:        "mail-from",
			Category:    "Notifications:",
			Sources:     cli.EnvVars("CHAT_SERVICE_MAIL_FROM"),
			Destination: &cfg.MailFrom,
			Value:       cfg.MailFrom,
			Usage:       "Sender address for outgoing email",
		},

		// ── Authorization ─────────────────────────────────────────
		&cli.StringFlag{
			Name:        "jwt-secret",
			Category:    "Authorization:",
			Sources:     cli.EnvVars("CHAT_SERVICE_JWT_SECRET", "SECRET_KEY"),
			Destination: &cfg.JWTSecret,
			Usage:       "Secret used to sign and verify access tokens",
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "jwt-algorithm",
			Category:    "Authorization:",
			Sources:     cli.EnvVars("CHAT_SERVICE_JWT_ALGORITHM"),
			Destination: &cfg.JWTAlgorithm,
			Value:       cfg.JWTAlgorithm,
			Usage:       "Token signing algorithm (HS256|HS384|HS512)",
		},
		&cli.StringFlag{
			Name:        "oidc-issuer",
			Category:    "Authorization:",
			Sources:     cli.EnvVars("CHAT_SERVICE_OIDC_ISSUER"),
			Destination: &cfg.OIDCIssuer,
			Usage:       "OIDC issuer URL (also accept tokens from this provider)",
		},
		&cli.StringFlag{
			Name:        "oidc-discovery-url",
			Category:    "Authorization:",
			Sources:     cli.EnvVars("CHAT_SERVICE_OIDC_DISCOVERY_URL"),
			Destination: &cfg.OIDCDiscoveryURL,
			Usage:       "OIDC discovery URL (internal URL when issuer is not directly reachable)",
		},

		// ── WebSocket ─────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "ws-allowed-origins",
			Category:    "WebSocket:",
			Sources:     cli.EnvVars("CHAT_SERVICE_WS_ALLOWED_ORIGINS"),
			Destination: &cfg.WSAllowedOrigins,
			Value:       cfg.WSAllowedOrigins,
			Usage:       "Comma-separated origins allowed to open WebSocket connections (* for any)",
		},

		// ── Monitoring ────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "metrics-labels",
			Category:    "Monitoring:",
			Sources:     cli.EnvVars("CHAT_SERVICE_METRICS_LABELS"),
			Destination: &cfg.MetricsLabels,
			Value:       cfg.MetricsLabels,
			Usage:       "Comma-separated key=value pairs added as constant labels to all Prometheus metrics. Supports ${VAR} expansion.",
		},
	}
	return append(StoreFlags(cfg), fs...)
}

func run(ctx context.Context, cfg config.Config) error {
	srv, err := StartServer(ctx, &cfg)
	if err != nil {
		return err
	}

	<-ctx.Done()
	log.Info("Shutting down...")

	drainCtx, drainCancel := context.WithTimeout(context.Background(), time.Duration(cfg.DrainTimeout)*time.Second)
	defer drainCancel()
	if err := srv.Shutdown(drainCtx); err != nil {
		log.Error("Shutdown error", "err", err)
	}
	log.Info("Server stopped")
	return nil
}

func maxBodySizeMiddleware(maxBodySize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if isUpgradeRequest(c.Request) {
			c.Next()
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodySize)
		c.Next()
	}
}

// isUpgradeRequest reports whether req asks to switch to the WebSocket protocol.
// Frame size limits for those connections are enforced by the session reader.
func isUpgradeRequest(req *http.Request) bool {
	if req == nil {
		return false
	}
	for _, v := range strings.Split(req.Header.Get("Connection"), ",") {
		if strings.EqualFold(strings.TrimSpace(v), "upgrade") {
			return strings.EqualFold(req.Header.Get("Upgrade"), "websocket")
		}
	}
	return false
}
