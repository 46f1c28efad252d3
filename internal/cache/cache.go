package cache

import (
	"context"
	"time"
)

// Cache is the raw key/value contract. Implementations must be safe for
// concurrent use and must never propagate transport errors: a failed Get is
// a miss, a failed Set or Invalidate is silently best-effort (logged by the
// implementation, invisible to the caller).
type Cache interface {
	// Get returns the value for key and whether it was found. Timeouts,
	// connection errors and decode failures all report found=false.
	Get(ctx context.Context, key string) ([]byte, bool)

	// Set stores value under key with the given TTL, best effort.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration)

	// Invalidate removes key, best effort.
	Invalidate(ctx context.Context, key string)
}

// Noop is a Cache that never stores anything. Used when no Redis address is
// configured and in tests verifying full degrade-to-store behavior.
type Noop struct{}

// Get always reports a miss.
func (Noop) Get(context.Context, string) ([]byte, bool) { return nil, false }

// Set discards the value.
func (Noop) Set(context.Context, string, []byte, time.Duration) {}

// Invalidate does nothing.
func (Noop) Invalidate(context.Context, string) {}
