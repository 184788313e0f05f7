package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/erp/inventory-services/internal/application/entity"
	"github.com/erp/inventory-services/internal/infrastructure/breaker"
	"github.com/erp/inventory-services/internal/infrastructure/cache"
	"github.com/erp/inventory-services/internal/infrastructure/config"
	"github.com/erp/inventory-services/internal/infrastructure/event"
	"github.com/erp/inventory-services/internal/infrastructure/logger"
	"github.com/erp/inventory-services/internal/infrastructure/peer"
	"github.com/erp/inventory-services/internal/infrastructure/persistence"
	"github.com/erp/inventory-services/internal/infrastructure/scheduler"
	"github.com/erp/inventory-services/internal/infrastructure/supervisor"
	"github.com/erp/inventory-services/internal/infrastructure/telemetry"
	"github.com/erp/inventory-services/internal/interfaces/http/handler"
	"github.com/erp/inventory-services/internal/interfaces/http/middleware"
	"github.com/erp/inventory-services/internal/interfaces/http/router"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Supervised process names.
const (
	eventListener = "event_listener"
	peerRefresher = "peer_refresher"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("Failed to load configuration: " + err.Error())
	}

	log, err := logger.New(logger.Config{
		Level:   cfg.Log.Level,
		Format:  cfg.Log.Format,
		Output:  cfg.Log.Output,
		Service: cfg.App.Name,
	})
	if err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}
	defer func() {
		_ = log.Sync()
	}()

	log.Info("Starting service",
		zap.String("app", cfg.App.Name),
		zap.String("env", cfg.App.Env),
		zap.String("entity_type", cfg.App.EntityType),
		zap.Strings("subscriptions", cfg.App.Subscriptions),
		zap.Strings("peers", cfg.PeerTypes()),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("Service stopped with error", zap.Error(err))
		_ = log.Sync()
		os.Exit(1)
	}
	log.Info("Service exited gracefully")
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	tel, err := telemetry.Setup(ctx, telemetry.Config{
		ServiceName:     cfg.Telemetry.ServiceName,
		Endpoint:        cfg.Telemetry.CollectorEndpoint,
		Insecure:        cfg.Telemetry.Insecure,
		Tracing:         cfg.Telemetry.Enabled,
		SamplingRatio:   cfg.Telemetry.SamplingRatio,
		Metrics:         cfg.Telemetry.MetricsEnabled,
		MetricsInterval: cfg.Telemetry.MetricsInterval,
	}, log)
	if err != nil {
		return err
	}
	defer func() {
		_ = tel.Shutdown(context.Background())
	}()

	metrics, err := telemetry.NewResilienceMetrics(tel.Meter(cfg.App.Name))
	if err != nil {
		return err
	}

	redisClient, err := cache.NewClient(ctx, cache.RedisConfig{
		Host:         cfg.Redis.Host,
		Port:         cfg.Redis.Port,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})
	if err != nil {
		return err
	}
	defer redisClient.Close()
	log.Info("Redis connected", zap.String("addr", cfg.Redis.Addr()))

	db, err := persistence.NewDatabase(&cfg.Database,
		persistence.WithLogger(log),
		persistence.WithTracing(cfg.Telemetry.Enabled),
	)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error("Error closing database", zap.Error(err))
		}
	}()

	repo, err := persistence.NewDocumentRepository(db.DB, cfg.App.EntityType)
	if err != nil {
		return err
	}
	if err := repo.EnsureSchema(ctx); err != nil {
		return err
	}
	log.Info("Database ready", zap.String("driver", cfg.Database.Driver), zap.String("table", repo.Table()))

	storeOpts := []cache.Option{
		cache.WithLogger(log.Named("cache")),
		cache.WithMetrics(metrics),
		cache.WithTTLs(cfg.Cache.EntityTTL, cfg.Cache.ListTTL),
	}
	if cfg.Cache.LocalSize > 0 {
		storeOpts = append(storeOpts, cache.WithLocalTier(cfg.Cache.LocalSize, cfg.Cache.LocalTTL))
	}
	store := cache.NewStore(redisClient, storeOpts...)

	publisher := event.NewPublisher(redisClient,
		event.WithLogger(log.Named("publisher")),
		event.WithMetrics(metrics),
	)

	breakers := breaker.NewRegistry(
		breaker.Config{
			FailureThreshold: uint32(cfg.Breaker.FailureThreshold),
			Timeout:          cfg.Breaker.Timeout,
		},
		breaker.WithLogger(log.Named("breaker")),
		breaker.WithStateListener(func(name string, from, to breaker.State) {
			metrics.RecordBreakerTransition(context.Background(), name, string(from), string(to))
		}),
	)

	enrichers := make([]*entity.Enricher, 0, len(cfg.Peers))
	for _, peerType := range cfg.PeerTypes() {
		name := peerType + "_service"
		client := peer.NewClient(name, cfg.Peers[peerType],
			peer.WithTimeout(cfg.Peer.Timeout),
			peer.WithLogger(log.Named("peer")),
		)
		enrichers = append(enrichers, entity.NewEnricher(peerType, client, breakers.Get(name), store,
			entity.WithEnricherLogger(log.Named("enricher")),
		))
	}

	svc := entity.NewService(entity.Config{
		EntityType: cfg.App.EntityType,
		Channel:    cfg.App.Channel,
		EntityTTL:  cfg.Cache.EntityTTL,
		ListTTL:    cfg.Cache.ListTTL,

		ValidateReferences: cfg.App.ValidateReferences,
	}, repo, store, publisher,
		entity.WithLogger(log.Named("entity")),
		entity.WithEnrichers(enrichers...),
	)

	if cfg.Cache.WarmOnStartup {
		warmCaches(ctx, log, svc, enrichers)
	}

	sup := supervisor.New(
		supervisor.WithLogger(log.Named("supervisor")),
		supervisor.WithMetrics(metrics),
		supervisor.WithStopGrace(cfg.Supervisor.StopGrace),
	)
	if len(cfg.App.Subscriptions) > 0 {
		channels := make([]string, 0, len(cfg.App.Subscriptions))
		for _, t := range cfg.App.Subscriptions {
			channels = append(channels, event.ChannelFor(t))
		}
		handlers := entity.CacheSyncHandlers(store, cfg.Cache.EntityTTL, cfg.App.Subscriptions...)

		factory := func() (supervisor.Worker, error) {
			return event.NewConsumer(redisClient, event.ConsumerConfig{
				Name:              eventListener,
				Channels:          channels,
				Handlers:          handlers,
				HeartbeatInterval: cfg.Supervisor.HeartbeatInterval,
			}, event.WithLogger(log.Named("consumer")), event.WithMetrics(metrics))
		}
		if err := sup.AddProcess(eventListener, factory, supervisor.ProcessConfig{
			MaxRetries:      cfg.Supervisor.MaxRetries,
			RetryDelay:      cfg.Supervisor.RetryDelay,
			CheckInterval:   cfg.Supervisor.CheckInterval,
			LivenessTimeout: cfg.Supervisor.LivenessTimeout,
		}); err != nil {
			return err
		}
	}
	if cfg.Cache.PeerRefreshInterval > 0 && len(enrichers) > 0 {
		factory := func() (supervisor.Worker, error) {
			return scheduler.NewPeriodic(scheduler.PeriodicConfig{
				Name:              peerRefresher,
				Interval:          cfg.Cache.PeerRefreshInterval,
				HeartbeatInterval: cfg.Supervisor.HeartbeatInterval,
			}, func(ctx context.Context) error {
				warmPeers(ctx, enrichers)
				return nil
			}, scheduler.WithLogger(log.Named("scheduler")))
		}
		if err := sup.AddProcess(peerRefresher, factory, supervisor.ProcessConfig{
			MaxRetries:      cfg.Supervisor.MaxRetries,
			RetryDelay:      cfg.Supervisor.RetryDelay,
			CheckInterval:   cfg.Supervisor.CheckInterval,
			LivenessTimeout: cfg.Supervisor.LivenessTimeout,
		}); err != nil {
			return err
		}
	}
	if err := sup.StartAll(ctx); err != nil {
		return err
	}

	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := router.NewEngine(router.EngineConfig{
		Logger: log,
		Tracing: middleware.TracingConfig{
			ServiceName: cfg.Telemetry.ServiceName,
			EntityType:  cfg.App.EntityType,
			Enabled:     cfg.Telemetry.Enabled,
			Provider:    tel.TracerProvider(),
		},
	})
	router.NewRouter(engine).
		Register(handler.NewHealthHandler(handler.HealthDeps{
			Service:    cfg.App.Name,
			Warmed:     svc.CacheWarmed,
			Supervisor: sup,
			Breakers:   breakers,
			Checks: map[string]handler.Pinger{
				"redis":    store,
				"database": db,
			},
		})).
		Register(handler.NewEntityHandler(svc)).
		Register(handler.NewBreakerHandler(breakers)).
		Setup()

	srv := &http.Server{
		Addr:           ":" + cfg.App.Port,
		Handler:        engine,
		ReadTimeout:    cfg.HTTP.ReadTimeout,
		WriteTimeout:   cfg.HTTP.WriteTimeout,
		IdleTimeout:    cfg.HTTP.IdleTimeout,
		MaxHeaderBytes: cfg.HTTP.MaxHeaderBytes,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("Server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("Shutdown signal received")
	case runErr = <-serverErr:
		log.Error("Server failed", zap.Error(runErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	// supervised workers stop before the HTTP server
	if err := sup.StopAll(shutdownCtx); err != nil {
		log.Warn("Supervisor stop incomplete", zap.Error(err))
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}
	return runErr
}

// warmCaches loads owned entities and every peer's entities concurrently.
// Failures are logged; the service starts with a cold cache.
func warmCaches(ctx context.Context, log *zap.Logger, svc *entity.Service, enrichers []*entity.Enricher) {
	var g errgroup.Group
	g.Go(func() error {
		if _, err := svc.WarmCache(ctx); err != nil {
			log.Warn("Cache warm-up failed", zap.Error(err))
		}
		return nil
	})
	g.Go(func() error {
		warmPeers(ctx, enrichers)
		return nil
	})
	_ = g.Wait()
}

func warmPeers(ctx context.Context, enrichers []*entity.Enricher) {
	var g errgroup.Group
	for _, e := range enrichers {
		g.Go(func() error {
			e.WarmPeer(ctx)
			return nil
		})
	}
	_ = g.Wait()
}
