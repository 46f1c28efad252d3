package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/modelrelay/modelrelay/internal/cache"
	"github.com/modelrelay/modelrelay/internal/config"
	"github.com/modelrelay/modelrelay/internal/database"
	"github.com/modelrelay/modelrelay/internal/guard"
	"github.com/modelrelay/modelrelay/internal/session"
	"github.com/modelrelay/modelrelay/internal/sweeper"
)

// runSweep executes a single expiry sweep cycle and exits. Intended for
// cron-style operation when the resident sweeper is disabled, and for
// manually draining a backlog after downtime.
func runSweep(logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pool, closePool, err := database.NewPool(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connecting to postgres: %w", err)
	}
	defer closePool()

	var backend cache.Cache = cache.Noop{}
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedis(cache.RedisConfig{
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
	}

	sw := sweeper.New(sweeper.Config{
		Store:     session.NewStore(pool, logger.With("component", "store")),
		Snapshots: cache.NewSessions(backend, cfg.SnapshotTTLCap, logger.With("component", "cache")),
		Locks:     guard.NewKeyMutex(cfg.LockAcquireTimeout),
		Interval:  cfg.SweepInterval,
		Logger:    logger.With("component", "sweeper"),
	})

	n := sw.RunOnce(ctx)
	logger.Info("sweep complete", "deactivated", n)
	return nil
}
