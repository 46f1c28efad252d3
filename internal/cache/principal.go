package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Principal is the resolved identity behind an API-key prefix.
type Principal struct {
	APIKeyID uuid.UUID  `json:"api_key_id"`
	UserID   *uuid.UUID `json:"user_id,omitempty"`
}

// Principals memoizes prefix-to-principal resolution with a fixed TTL
// (on the order of 15 minutes).
type Principals struct {
	cache  Cache
	ttl    time.Duration
	logger *slog.Logger
}

// NewPrincipals creates the principal view over a raw cache.
func NewPrincipals(c Cache, ttl time.Duration, logger *slog.Logger) *Principals {
	if logger == nil {
		logger = slog.Default()
	}
	return &Principals{cache: c, ttl: ttl, logger: logger}
}

func principalKey(prefix string) string {
	return fmt.Sprintf("modelrelay:principal:%s", prefix)
}

// Get returns the memoized principal for a key prefix, if present.
func (p *Principals) Get(ctx context.Context, prefix string) (*Principal, bool) {
	raw, found := p.cache.Get(ctx, principalKey(prefix))
	if !found {
		return nil, false
	}

	var principal Principal
	if err := json.Unmarshal(raw, &principal); err != nil {
		p.logger.Warn("corrupt principal entry, invalidating", "prefix", prefix, "error", err)
		p.cache.Invalidate(ctx, principalKey(prefix))
		return nil, false
	}
	return &principal, true
}

// Put memoizes a resolved principal.
func (p *Principals) Put(ctx context.Context, prefix string, principal Principal) {
	raw, err := json.Marshal(principal)
	if err != nil {
		p.logger.Warn("failed to marshal principal", "prefix", prefix, "error", err)
		return
	}
	p.cache.Set(ctx, principalKey(prefix), raw, p.ttl)
}

// Invalidate drops the memoized principal for a prefix.
func (p *Principals) Invalidate(ctx context.Context, prefix string) {
	p.cache.Invalidate(ctx, principalKey(prefix))
}
