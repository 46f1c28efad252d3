package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/modelrelay/modelrelay/db"
	"github.com/modelrelay/modelrelay/internal/api"
	"github.com/modelrelay/modelrelay/internal/cache"
	"github.com/modelrelay/modelrelay/internal/config"
	"github.com/modelrelay/modelrelay/internal/database"
	"github.com/modelrelay/modelrelay/internal/guard"
	"github.com/modelrelay/modelrelay/internal/lifecycle"
	"github.com/modelrelay/modelrelay/internal/routing"
	"github.com/modelrelay/modelrelay/internal/session"
	"github.com/modelrelay/modelrelay/internal/sweeper"
)

// Server timeout configuration.
const (
	readHeaderTimeout = 10 * time.Second
	readTimeout       = 30 * time.Second
	writeTimeout      = 2 * time.Minute // inference responses can be slow
	idleTimeout       = 2 * time.Minute
	shutdownTimeout   = 30 * time.Second
)

// runServe initializes and starts the gateway server.
func runServe(logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("starting gateway", "version", AppVersion, "addr", cfg.ListenAddr)

	if err := db.Migrate(cfg.PostgresURL()); err != nil {
		return fmt.Errorf("applying migrations: %w", err)
	}

	pool, closePool, err := database.NewPool(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connecting to postgres: %w", err)
	}
	defer closePool()

	// Cache backend: Redis when configured, otherwise the gateway runs
	// store-only. Either way cache failures never fail requests.
	var backend cache.Cache = cache.Noop{}
	var redisCache *cache.Redis
	if cfg.RedisAddr != "" {
		redisCache = cache.NewRedis(cache.RedisConfig{
			Addr:      cfg.RedisAddr,
			Password:  cfg.RedisPassword,
			DB:        cfg.RedisDB,
			OpTimeout: cfg.CacheOpTimeout,
		}, logger.With("component", "cache"))
		defer func() {
			if closeErr := redisCache.Close(); closeErr != nil {
				logger.Warn("closing redis client", "error", closeErr)
			}
		}()
		backend = redisCache
	} else {
		logger.Info("no redis configured, running without cache")
	}

	snapshots := cache.NewSessions(backend, cfg.SnapshotTTLCap, logger.With("component", "cache"))
	principals := cache.NewPrincipals(backend, cfg.PrincipalTTL, logger.With("component", "cache"))

	store := session.NewStore(pool, logger.With("component", "store"))
	locks := guard.NewKeyMutex(cfg.LockAcquireTimeout)
	router := routing.NewHTTPClient(cfg.RoutingURL, cfg.RoutingTimeout, logger.With("component", "routing"))
	resolver := routing.NewPrincipalResolver(store, principals, logger.With("component", "auth"))

	manager := lifecycle.NewManager(lifecycle.Config{
		Store:           store,
		Snapshots:       snapshots,
		Locks:           locks,
		Creator:         router,
		DefaultDuration: cfg.SessionDuration,
		Logger:          logger.With("component", "lifecycle"),
	})

	// Background expiry sweep shares the manager's lock table, so a sweep
	// never races a resolve on the same key.
	sw := sweeper.New(sweeper.Config{
		Store:     store,
		Snapshots: snapshots,
		Locks:     locks,
		Interval:  cfg.SweepInterval,
		Logger:    logger.With("component", "sweeper"),
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		sw.Run(ctx)
	}()
	// Cancel before waiting so the sweeper exits even when shutdown is
	// triggered by a server error rather than a signal.
	defer func() {
		cancel()
		wg.Wait()
	}()

	var cachePinger api.Pinger
	if redisCache != nil {
		cachePinger = redisCache
	}

	apiServer, err := api.NewServer(api.ServerConfig{
		Logger: logger.With("component", "api"),
		Lifecycle: &api.LifecycleDeps{
			Resolver: manager,
			Manager:  manager,
			Router:   router,
		},
		Resolver:    resolver,
		Pool:        pool,
		Cache:       cachePinger,
		CORSOrigins: cfg.CORSOrigins,
		TrustProxy:  cfg.TrustProxy,
		RateBurst:   cfg.RateBurst,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
	}

	logger.Info("gateway ready",
		"addr", cfg.ListenAddr,
		"api", "/v1/*",
		"health", "/healthz, /readyz",
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down gateway")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutting down server: %w", err)
		}
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("HTTP server: %w", err)
	}
}
