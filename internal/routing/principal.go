package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/modelrelay/modelrelay/internal/cache"
	"github.com/modelrelay/modelrelay/internal/session"
)

// ErrUnknownKey indicates the presented API key matches no known principal.
var ErrUnknownKey = errors.New("unknown API key")

// keyPrefixLen is how many leading characters of a raw key form its public
// prefix, the durable lookup handle. The remainder is secret and only ever
// compared against the stored hash.
const keyPrefixLen = 12

// KeyPrefix extracts the public prefix from a raw API key.
func KeyPrefix(rawKey string) string {
	if len(rawKey) <= keyPrefixLen {
		return rawKey
	}
	return rawKey[:keyPrefixLen]
}

// APIKeyLookup is the slice of the session store the resolver needs.
type APIKeyLookup interface {
	GetAPIKeyByPrefix(ctx context.Context, prefix string) (*session.APIKey, error)
}

// PrincipalResolver maps API-key prefixes to principals, memoized through
// the cache's principal entries. The cache is best effort: absence or failure
// falls back to the store without changing observable behavior.
type PrincipalResolver struct {
	store      APIKeyLookup
	principals *cache.Principals
	logger     *slog.Logger
}

// NewPrincipalResolver creates a resolver.
func NewPrincipalResolver(store APIKeyLookup, principals *cache.Principals, logger *slog.Logger) *PrincipalResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &PrincipalResolver{store: store, principals: principals, logger: logger}
}

// Resolve returns the principal for a raw API key. Unknown and revoked keys
// both report ErrUnknownKey.
func (r *PrincipalResolver) Resolve(ctx context.Context, rawKey string) (*cache.Principal, error) {
	rawKey = strings.TrimSpace(rawKey)
	if rawKey == "" {
		return nil, ErrUnknownKey
	}
	prefix := KeyPrefix(rawKey)

	if principal, found := r.principals.Get(ctx, prefix); found {
		return principal, nil
	}

	key, err := r.store.GetAPIKeyByPrefix(ctx, prefix)
	if err != nil {
		if errors.Is(err, session.ErrKeyNotFound) {
			return nil, ErrUnknownKey
		}
		return nil, fmt.Errorf("resolving principal: %w", err)
	}
	if key.Revoked() {
		// Revoked keys are never memoized: a stale principal entry would
		// keep a dead key alive for the cache TTL.
		r.principals.Invalidate(ctx, prefix)
		return nil, ErrUnknownKey
	}

	principal := cache.Principal{APIKeyID: key.ID, UserID: key.UserID}
	r.principals.Put(ctx, prefix, principal)
	return &principal, nil
}
