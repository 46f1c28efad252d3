// Package config provides gateway configuration management with multi-source priority.
//
// Configuration sources (highest to lowest priority):
//  1. Environment variables (MODELRELAY_* plus DATABASE_URL / REDIS_URL overrides)
//  2. Config file (~/.modelrelay/config.yaml or ./config.yaml)
//  3. Default values
//
// Main configuration categories:
//   - Server: listen address, CORS origins, rate limiting
//   - Storage: PostgreSQL connection for the session store (see storage.go)
//   - Cache: Redis connection and per-operation timeout
//   - Sessions: automated session duration, snapshot TTLs, lock acquire timeout,
//     expiry sweep interval
//   - Routing: downstream routing service endpoint
//
// Security: passwords are never logged; validation fails fast with sentinel
// errors checked via errors.Is().
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

var (
	// ErrConfigNil indicates the configuration is nil.
	ErrConfigNil = errors.New("configuration is nil")

	// ErrInvalidListenAddr indicates the HTTP listen address is invalid.
	ErrInvalidListenAddr = errors.New("invalid listen address")

	// ErrInvalidPostgresHost indicates the PostgreSQL host is invalid.
	ErrInvalidPostgresHost = errors.New("invalid PostgreSQL host")

	// ErrInvalidPostgresPort indicates the PostgreSQL port is out of range.
	ErrInvalidPostgresPort = errors.New("invalid PostgreSQL port")

	// ErrInvalidPostgresDBName indicates the PostgreSQL database name is invalid.
	ErrInvalidPostgresDBName = errors.New("invalid PostgreSQL database name")

	// ErrInvalidPostgresSSLMode indicates the PostgreSQL SSL mode is invalid.
	ErrInvalidPostgresSSLMode = errors.New("invalid PostgreSQL SSL mode")

	// ErrInvalidSessionDuration indicates the session duration is out of range.
	ErrInvalidSessionDuration = errors.New("invalid session duration")

	// ErrInvalidCacheTimeout indicates the cache operation timeout is out of range.
	ErrInvalidCacheTimeout = errors.New("invalid cache operation timeout")

	// ErrInvalidLockTimeout indicates the per-key lock acquire timeout is out of range.
	ErrInvalidLockTimeout = errors.New("invalid lock acquire timeout")

	// ErrInvalidSweepInterval indicates the expiry sweep interval is out of range.
	ErrInvalidSweepInterval = errors.New("invalid sweep interval")

	// ErrMissingRoutingURL indicates the downstream routing service URL is not set.
	ErrMissingRoutingURL = errors.New("missing routing service URL")
)

// Duration and timeout bounds enforced by Validate.
const (
	// MinSessionDuration is the shortest automated session lifetime allowed.
	MinSessionDuration = time.Minute

	// MaxSessionDuration is the longest automated session lifetime allowed.
	MaxSessionDuration = 24 * time.Hour

	// MaxCacheOpTimeout bounds the per-operation cache timeout; the cache is
	// an optimization and must never dominate request latency.
	MaxCacheOpTimeout = time.Second

	// MaxLockAcquireTimeout bounds how long a resolve may wait on the per-key
	// lock before surfacing a retryable busy error.
	MaxLockAcquireTimeout = 30 * time.Second
)

// Config stores gateway configuration.
// SECURITY: sensitive fields (PostgresPassword, RedisPassword) must never be
// logged or serialized without masking.
type Config struct {
	// Server configuration
	ListenAddr  string   `mapstructure:"listen_addr"`
	CORSOrigins []string `mapstructure:"cors_origins"`
	TrustProxy  bool     `mapstructure:"trust_proxy"`
	RateBurst   int      `mapstructure:"rate_burst"`

	// Storage configuration (see storage.go for DSN helpers)
	PostgresHost     string `mapstructure:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password"` // SENSITIVE
	PostgresDBName   string `mapstructure:"postgres_db_name"`
	PostgresSSLMode  string `mapstructure:"postgres_ssl_mode"`

	// Cache configuration. Empty RedisAddr disables the cache entirely
	// (the gateway degrades to store-only operation).
	RedisAddr      string        `mapstructure:"redis_addr"`
	RedisPassword  string        `mapstructure:"redis_password"` // SENSITIVE
	RedisDB        int           `mapstructure:"redis_db"`
	CacheOpTimeout time.Duration `mapstructure:"cache_op_timeout"`

	// Session lifecycle configuration
	SessionDuration    time.Duration `mapstructure:"session_duration"`
	PrincipalTTL       time.Duration `mapstructure:"principal_ttl"`
	SnapshotTTLCap     time.Duration `mapstructure:"snapshot_ttl_cap"`
	LockAcquireTimeout time.Duration `mapstructure:"lock_acquire_timeout"`
	SweepInterval      time.Duration `mapstructure:"sweep_interval"`

	// Downstream routing service
	RoutingURL     string        `mapstructure:"routing_url"`
	RoutingTimeout time.Duration `mapstructure:"routing_timeout"`
}

// Load loads configuration.
// Priority: Environment variables > Configuration file > Default values
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting user home directory: %w", err)
	}

	configDir := filepath.Join(home, ".modelrelay")
	if err := os.MkdirAll(configDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configDir)
	v.AddConfigPath(".")

	setDefaults(v)

	v.SetEnvPrefix("MODELRELAY")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// A missing configuration file is not an error; defaults apply.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		slog.Debug("configuration file not found, using default values",
			"search_paths", []string{configDir, "."})
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	// DATABASE_URL, when set, overrides individual postgres_* settings.
	if err := cfg.parseDatabaseURL(); err != nil {
		return nil, fmt.Errorf("parsing DATABASE_URL: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets all default configuration values.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("listen_addr", "127.0.0.1:8080")
	v.SetDefault("cors_origins", []string{})
	v.SetDefault("trust_proxy", false)
	v.SetDefault("rate_burst", 60)

	// PostgreSQL defaults (matching docker-compose.yml)
	v.SetDefault("postgres_host", "localhost")
	v.SetDefault("postgres_port", 5432)
	v.SetDefault("postgres_user", "modelrelay")
	v.SetDefault("postgres_password", "modelrelay_dev_password")
	v.SetDefault("postgres_db_name", "modelrelay")
	v.SetDefault("postgres_ssl_mode", "disable")

	// Cache defaults. Empty redis_addr means the Noop cache is used.
	v.SetDefault("redis_addr", "")
	v.SetDefault("redis_password", "")
	v.SetDefault("redis_db", 0)
	v.SetDefault("cache_op_timeout", 100*time.Millisecond)

	// Session lifecycle defaults
	v.SetDefault("session_duration", time.Hour)
	v.SetDefault("principal_ttl", 15*time.Minute)
	v.SetDefault("snapshot_ttl_cap", time.Hour)
	v.SetDefault("lock_acquire_timeout", 3*time.Second)
	v.SetDefault("sweep_interval", 15*time.Minute)

	// Downstream routing service defaults
	v.SetDefault("routing_url", "http://localhost:9000")
	v.SetDefault("routing_timeout", 60*time.Second)
}

// Validate checks configuration values and fails fast on invalid settings.
func (c *Config) Validate() error {
	if c == nil {
		return ErrConfigNil
	}

	if c.ListenAddr == "" {
		return fmt.Errorf("%w: listen_addr is empty", ErrInvalidListenAddr)
	}

	if c.PostgresHost == "" {
		return fmt.Errorf("%w: host is empty", ErrInvalidPostgresHost)
	}
	if c.PostgresPort < 1 || c.PostgresPort > 65535 {
		return fmt.Errorf("%w: %d (must be 1-65535)", ErrInvalidPostgresPort, c.PostgresPort)
	}
	if c.PostgresDBName == "" {
		return fmt.Errorf("%w: database name is empty", ErrInvalidPostgresDBName)
	}
	switch c.PostgresSSLMode {
	case "disable", "allow", "prefer", "require", "verify-ca", "verify-full":
	default:
		return fmt.Errorf("%w: %q", ErrInvalidPostgresSSLMode, c.PostgresSSLMode)
	}

	if c.SessionDuration < MinSessionDuration || c.SessionDuration > MaxSessionDuration {
		return fmt.Errorf("%w: %s (must be %s-%s)",
			ErrInvalidSessionDuration, c.SessionDuration, MinSessionDuration, MaxSessionDuration)
	}
	if c.CacheOpTimeout <= 0 || c.CacheOpTimeout > MaxCacheOpTimeout {
		return fmt.Errorf("%w: %s (must be >0 and <=%s)",
			ErrInvalidCacheTimeout, c.CacheOpTimeout, MaxCacheOpTimeout)
	}
	if c.LockAcquireTimeout <= 0 || c.LockAcquireTimeout > MaxLockAcquireTimeout {
		return fmt.Errorf("%w: %s (must be >0 and <=%s)",
			ErrInvalidLockTimeout, c.LockAcquireTimeout, MaxLockAcquireTimeout)
	}
	if c.SweepInterval < time.Minute {
		return fmt.Errorf("%w: %s (must be >=1m)", ErrInvalidSweepInterval, c.SweepInterval)
	}

	if c.RoutingURL == "" {
		return ErrMissingRoutingURL
	}

	return nil
}
