package cache

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis implements Cache on top of a Redis client. Every operation runs
// under opTimeout so a slow or unreachable Redis can never dominate request
// latency; errors are logged and swallowed per the Cache contract.
type Redis struct {
	client    *redis.Client
	opTimeout time.Duration
	logger    *slog.Logger
}

// RedisConfig configures the Redis cache backend.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	OpTimeout time.Duration // per-operation bound, e.g. 100ms
}

// NewRedis creates a Redis-backed cache. It does not ping the server: the
// cache is allowed to be down at startup and for any stretch afterwards.
func NewRedis(cfg RedisConfig, logger *slog.Logger) *Redis {
	if logger == nil {
		logger = slog.Default()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &Redis{
		client:    client,
		opTimeout: cfg.OpTimeout,
		logger:    logger,
	}
}

// Get implements Cache.
func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool) {
	opCtx, cancel := context.WithTimeout(ctx, r.opTimeout)
	defer cancel()

	val, err := r.client.Get(opCtx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			r.logger.Debug("cache get failed, treating as miss", "key", key, "error", err)
		}
		return nil, false
	}
	return val, true
}

// Set implements Cache.
func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		return
	}

	opCtx, cancel := context.WithTimeout(ctx, r.opTimeout)
	defer cancel()

	if err := r.client.Set(opCtx, key, value, ttl).Err(); err != nil {
		r.logger.Debug("cache set failed, ignoring", "key", key, "error", err)
	}
}

// Invalidate implements Cache.
func (r *Redis) Invalidate(ctx context.Context, key string) {
	opCtx, cancel := context.WithTimeout(ctx, r.opTimeout)
	defer cancel()

	if err := r.client.Del(opCtx, key).Err(); err != nil {
		r.logger.Debug("cache invalidate failed, ignoring", "key", key, "error", err)
	}
}

// Ping checks connectivity for readiness probes. This is the one place a
// Redis error is surfaced, and it only affects /readyz.
func (r *Redis) Ping(ctx context.Context) error {
	opCtx, cancel := context.WithTimeout(ctx, r.opTimeout)
	defer cancel()
	return r.client.Ping(opCtx).Err()
}

// Close releases the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}
