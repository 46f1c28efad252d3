// Package sweeper deactivates sessions whose lifetime has elapsed.
//
// The sweep is a safety net: the resolve path already rotates expired rows
// it encounters, so the sweeper only catches sessions belonging to idle
// keys. Every deactivation re-checks expiry under the per-key lock, which
// makes a sweep cycle idempotent and safe to run on every gateway instance
// concurrently.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/modelrelay/modelrelay/internal/cache"
	"github.com/modelrelay/modelrelay/internal/guard"
	"github.com/modelrelay/modelrelay/internal/session"
)

// ExpiryStore is the slice of the session store the sweeper needs.
type ExpiryStore interface {
	SweepExpired(ctx context.Context, now time.Time) ([]session.Expired, error)
	DeactivateExpired(ctx context.Context, sessionID string, now time.Time) (bool, error)
}

// Sweeper periodically deactivates expired sessions and drops their cache
// snapshots.
type Sweeper struct {
	store     ExpiryStore
	snapshots *cache.Sessions
	locks     *guard.KeyMutex
	interval  time.Duration
	logger    *slog.Logger

	now func() time.Time // test hook
}

// Config wires a Sweeper.
type Config struct {
	Store     ExpiryStore
	Snapshots *cache.Sessions
	Locks     *guard.KeyMutex
	Interval  time.Duration
	Logger    *slog.Logger
}

// New creates an expiry sweeper.
func New(cfg Config) *Sweeper {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		store:     cfg.Store,
		snapshots: cfg.Snapshots,
		locks:     cfg.Locks,
		interval:  cfg.Interval,
		logger:    logger,
		now:       time.Now,
	}
}

// Run blocks until ctx is canceled, executing one sweep cycle per tick.
// Callers must track the goroutine with a WaitGroup.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce executes a single sweep cycle: list expired-but-active sessions,
// then deactivate each under its key's lock with a freshness re-check. The
// re-check closes the race where a resolve rotated the row between the list
// and the lock. Returns the number of sessions deactivated.
func (s *Sweeper) RunOnce(ctx context.Context) int {
	now := s.now()

	expired, err := s.store.SweepExpired(ctx, now)
	if err != nil {
		s.logger.Warn("expiry scan failed", "error", err)
		return 0
	}
	if len(expired) == 0 {
		return 0
	}

	swept := 0
	for _, row := range expired {
		if ctx.Err() != nil {
			break
		}
		ok, err := s.sweepOne(ctx, row, now)
		if err != nil {
			s.logger.Warn("sweep failed for session",
				"session_id", row.SessionID, "api_key_id", row.APIKeyID, "error", err)
			continue
		}
		if ok {
			swept++
		}
	}

	if swept > 0 {
		s.logger.Info("expired sessions swept", "count", swept, "candidates", len(expired))
	}
	return swept
}

// sweepOne deactivates a single candidate under its key's lock. A busy lock
// means a resolve is mutating the key right now and will handle the expired
// row itself, so the candidate is skipped rather than waited on.
func (s *Sweeper) sweepOne(ctx context.Context, row session.Expired, now time.Time) (bool, error) {
	unlock, err := s.locks.Lock(ctx, row.APIKeyID.String())
	if errors.Is(err, guard.ErrLockTimeout) {
		s.logger.Debug("key busy, deferring sweep",
			"session_id", row.SessionID, "api_key_id", row.APIKeyID)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("acquiring lock: %w", err)
	}
	defer unlock()

	deactivated, err := s.store.DeactivateExpired(ctx, row.SessionID, now)
	if err != nil {
		return false, fmt.Errorf("deactivating: %w", err)
	}
	if !deactivated {
		// Rotated or closed since the scan; nothing to do.
		return false, nil
	}

	s.snapshots.Invalidate(ctx, row.APIKeyID)
	return true, nil
}
