package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Snapshot is the cached view of an API key's active session. It carries just
// enough to serve the fast path without a store round trip.
type Snapshot struct {
	SessionID string    `json:"session_id"`
	Model     string    `json:"model"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Sessions provides typed access to session snapshot entries. Values are
// stored as JSON; the snapshot TTL is the remaining session lifetime at write
// time, capped by ttlCap.
type Sessions struct {
	cache  Cache
	ttlCap time.Duration
	logger *slog.Logger
}

// NewSessions creates the snapshot view over a raw cache.
func NewSessions(c Cache, ttlCap time.Duration, logger *slog.Logger) *Sessions {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sessions{cache: c, ttlCap: ttlCap, logger: logger}
}

func snapshotKey(apiKeyID uuid.UUID) string {
	return fmt.Sprintf("modelrelay:session:%s", apiKeyID)
}

// Get returns a snapshot for the API key only if it is still trustworthy: a
// hit whose model differs from the requested one or whose expiry has passed
// is proactively invalidated and reported as a miss, forcing the caller onto
// the authoritative path. The underlying row may have changed without the
// cache catching up; these two checks are what keep that window safe.
func (s *Sessions) Get(ctx context.Context, apiKeyID uuid.UUID, model string, now time.Time) (*Snapshot, bool) {
	raw, found := s.cache.Get(ctx, snapshotKey(apiKeyID))
	if !found {
		return nil, false
	}

	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		s.logger.Warn("corrupt session snapshot, invalidating",
			"api_key_id", apiKeyID, "error", err)
		s.cache.Invalidate(ctx, snapshotKey(apiKeyID))
		return nil, false
	}

	if !snap.ExpiresAt.After(now) || snap.Model != model {
		s.cache.Invalidate(ctx, snapshotKey(apiKeyID))
		return nil, false
	}

	return &snap, true
}

// Put writes a snapshot through after a durable write has succeeded. Writing
// before the durable commit would let another reader observe a session that
// was never persisted, so callers must keep that ordering.
func (s *Sessions) Put(ctx context.Context, apiKeyID uuid.UUID, snap Snapshot, now time.Time) {
	ttl := snap.ExpiresAt.Sub(now)
	if ttl <= 0 {
		return
	}
	if s.ttlCap > 0 && ttl > s.ttlCap {
		ttl = s.ttlCap
	}

	raw, err := json.Marshal(snap)
	if err != nil {
		s.logger.Warn("failed to marshal session snapshot", "api_key_id", apiKeyID, "error", err)
		return
	}
	s.cache.Set(ctx, snapshotKey(apiKeyID), raw, ttl)
}

// Invalidate removes the snapshot for an API key.
func (s *Sessions) Invalidate(ctx context.Context, apiKeyID uuid.UUID) {
	s.cache.Invalidate(ctx, snapshotKey(apiKeyID))
}
