package serve

import (
	"context"
	"errors"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/chirino/chat-service/internal/config"
	routesystem "github.com/chirino/chat-service/internal/plugin/route/system"
	storemetrics "github.com/chirino/chat-service/internal/plugin/store/metrics"
	"github.com/chirino/chat-service/internal/realtime"
	registrycache "github.com/chirino/chat-service/internal/registry/cache"
	registrylayer "github.com/chirino/chat-service/internal/registry/layer"
	registrymigrate "github.com/chirino/chat-service/internal/registry/migrate"
	registrynotify "github.com/chirino/chat-service/internal/registry/notify"
	registryqueue "github.com/chirino/chat-service/internal/registry/queue"
	registryroute "github.com/chirino/chat-service/internal/registry/route"
	registrystore "github.com/chirino/chat-service/internal/registry/store"
	"github.com/chirino/chat-service/internal/security"
	"github.com/chirino/chat-service/internal/service"
	"github.com/gin-gonic/gin"
)

// Server holds the running server and its subsystems.
type Server struct {
	Config     *config.Config
	Store      registrystore.ChatStore
	Engine     *gin.Engine
	Router     *realtime.Router
	Queue      registryqueue.Queue
	Running    *RunningServer
	Management *RunningServer

	cancel  context.CancelFunc
	closers []func() error
}

// Shutdown stops accepting connections, closes every streaming session and then
// releases the queue, cache, layer and directory.
func (s *Server) Shutdown(ctx context.Context) error {
	routesystem.MarkNotReady()
	var errs []error
	if s.Management != nil {
		errs = append(errs, s.Management.Close(ctx))
	}
	errs = append(errs, s.Running.Close(ctx))
	s.Router.Close()
	s.cancel()
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	return errors.Join(errs...)
}

// StartServer initializes all subsystems and starts HTTP and WebSocket on a single port.
// Use cfg.Listener.Port=0 for a random port. Actual port: Server.Running.Port.
func StartServer(ctx context.Context, cfg *config.Config) (srv *Server, err error) {
	log.Info("Starting chat service",
		"httpPort", cfg.Listener.Port,
		"db", cfg.DatastoreType,
		"cache", cfg.CacheType,
		"layer", cfg.ChannelLayerType,
		"queue", cfg.QueueType,
		"notifier", cfg.NotifierType,
	)

	ctx, cancel := context.WithCancel(ctx)
	var closers []func() error
	defer func() {
		if err != nil {
			cancel()
			for i := len(closers) - 1; i >= 0; i-- {
				_ = closers[i]()
			}
		}
	}()

	// Initialize Prometheus metrics with configured constant labels.
	metricsLabels, err := security.ParseMetricsLabels(cfg.MetricsLabels)
	if err != nil {
		return nil, fmt.Errorf("invalid --metrics-labels: %w", err)
	}
	security.InitMetrics(metricsLabels)

	if cfg.DatastoreMigrateAtStart {
		if err := registrymigrate.RunAll(ctx); err != nil {
			return nil, fmt.Errorf("migrations failed: %w", err)
		}
	}

	storeLoader, err := registrystore.Select(cfg.DatastoreType)
	if err != nil {
		return nil, err
	}
	store, err := storeLoader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	store = storemetrics.Wrap(store)

	cacheLoader, err := registrycache.Select(cfg.CacheType)
	if err != nil {
		return nil, err
	}
	cache, err := cacheLoader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cache: %w", err)
	}
	closers = append(closers, cache.Close)

	notifyLoader, err := registrynotify.Select(cfg.NotifierType)
	if err != nil {
		return nil, err
	}
	notifier, err := notifyLoader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize notifier: %w", err)
	}

	gate, err := security.NewGate(cfg)
	if err != nil {
		return nil, err
	}

	layerLoader, err := registrylayer.Select(cfg.ChannelLayerType)
	if err != nil {
		return nil, err
	}
	layer, err := layerLoader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize channel layer: %w", err)
	}
	closers = append(closers, layer.Close)

	router := realtime.NewRouter(store, layer)
	if err := router.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start router: %w", err)
	}

	directory, err := service.NewDirectory(store)
	if err != nil {
		return nil, err
	}
	closers = append(closers, func() error { directory.Close(); return nil })

	queueLoader, err := registryqueue.Select(cfg.QueueType)
	if err != nil {
		return nil, err
	}
	queue, err := queueLoader(ctx, store)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize job queue: %w", err)
	}
	closers = append(closers, queue.Close)
	service.RegisterJobs(queue, service.NewRetentionService(store, cfg), service.NewWelcomeMailer(store, notifier))
	if err := service.ScheduleRetention(ctx, queue, cfg.CleanupInterval); err != nil {
		return nil, fmt.Errorf("failed to schedule retention: %w", err)
	}
	if cfg.QueueWorkerEnabled {
		go func() {
			if err := queue.Run(ctx); err != nil {
				log.Error("Job worker stopped", "err", err)
			}
		}()
	}

	// Set up gin
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	if cfg.ManagementAccessLog {
		engine.Use(security.AccessLogMiddleware())
	} else {
		engine.Use(security.AccessLogMiddleware("/health", "/ready", "/metrics"))
	}
	engine.Use(security.MetricsMiddleware())
	engine.Use(maxBodySizeMiddleware(cfg.MaxBodySize))
	if cfg.CORSEnabled || cfg.CORSOrigins != "" {
		engine.Use(corsMiddleware(cfg.CORSOrigins))
	}

	deps := registryroute.Deps{
		Config:        cfg,
		Store:         store,
		Gate:          gate,
		Auth:          security.AuthMiddleware(gate, store, cfg.JWTAuthHeaderPrefix),
		Conversations: service.NewConversationService(store, directory, cfg),
		Accounts:      service.NewAccountService(store, gate, service.NewVerifier(cfg, cache, notifier), queue, cfg),
		Gateway:       realtime.NewGateway(router, store, cfg.WSSendBuffer, cfg.WSAllowedOrigins),
	}
	if err := registryroute.Mount(engine, deps, registryroute.MainRouteLoaders()); err != nil {
		return nil, fmt.Errorf("failed to load routes: %w", err)
	}

	// Mount management route plugins. If a dedicated management port is configured,
	// run them on a bare gin engine served by the management server. Otherwise,
	// mount them on the main router.
	var management *RunningServer
	if cfg.ManagementListenerEnabled {
		mgmtEngine := gin.New()
		mgmtEngine.Use(gin.Recovery())
		if cfg.ManagementAccessLog {
			mgmtEngine.Use(security.AccessLogMiddleware())
		}
		if err := registryroute.Mount(mgmtEngine, registryroute.Deps{Config: cfg}, registryroute.ManagementRouteLoaders()); err != nil {
			return nil, fmt.Errorf("failed to load management routes: %w", err)
		}
		// Management listener shares TLS cert/key with the main listener.
		mgmtCfg := cfg.ManagementListener
		mgmtCfg.TLSCertFile = cfg.Listener.TLSCertFile
		mgmtCfg.TLSKeyFile = cfg.Listener.TLSKeyFile
		if !mgmtCfg.EnablePlainText && !mgmtCfg.EnableTLS {
			mgmtCfg.EnablePlainText = true
		}
		management, err = StartSinglePortHTTP("management", mgmtCfg, mgmtEngine)
		if err != nil {
			return nil, fmt.Errorf("failed to start management server: %w", err)
		}
		log.Info("Management server listening", "addr", management.Addr)
	} else if err := registryroute.Mount(engine, deps, registryroute.ManagementRouteLoaders()); err != nil {
		return nil, fmt.Errorf("failed to load management routes: %w", err)
	}

	running, err := StartSinglePortHTTP("single-port", cfg.Listener, engine)
	if err != nil {
		if management != nil {
			_ = management.Close(context.Background())
		}
		return nil, err
	}

	log.Info("Server listening",
		"port", running.Port,
		"plaintext", cfg.Listener.EnablePlainText,
		"tls", cfg.Listener.EnableTLS,
	)

	routesystem.MarkReady()
	return &Server{
		Config:     cfg,
		Store:      store,
		Engine:     engine,
		Router:     router,
		Queue:      queue,
		Running:    running,
		Management: management,
		cancel:     cancel,
		closers:    closers,
	}, nil
}
