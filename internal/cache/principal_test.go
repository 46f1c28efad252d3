package cache

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/modelrelay/modelrelay/internal/log"
	"github.com/modelrelay/modelrelay/internal/testutil"
)

func TestPrincipalsRoundTrip(t *testing.T) {
	ctx := context.Background()
	mem := testutil.NewMemoryCache()
	principals := NewPrincipals(mem, 15*time.Minute, log.NewNop())

	keyID := uuid.New()
	userID := uuid.New()
	principals.Put(ctx, "mr_abc123", Principal{APIKeyID: keyID, UserID: &userID})

	got, found := principals.Get(ctx, "mr_abc123")
	if !found {
		t.Fatal("expected principal hit")
	}
	if got.APIKeyID != keyID {
		t.Errorf("APIKeyID = %s, want %s", got.APIKeyID, keyID)
	}
	if got.UserID == nil || *got.UserID != userID {
		t.Errorf("UserID = %v, want %s", got.UserID, userID)
	}
}

func TestPrincipalsMissOnUnknownPrefix(t *testing.T) {
	principals := NewPrincipals(testutil.NewMemoryCache(), 15*time.Minute, log.NewNop())

	if _, found := principals.Get(context.Background(), "mr_unknown"); found {
		t.Fatal("expected miss for unknown prefix")
	}
}

func TestPrincipalsInvalidate(t *testing.T) {
	ctx := context.Background()
	mem := testutil.NewMemoryCache()
	principals := NewPrincipals(mem, 15*time.Minute, log.NewNop())

	principals.Put(ctx, "mr_abc123", Principal{APIKeyID: uuid.New()})
	principals.Invalidate(ctx, "mr_abc123")

	if _, found := principals.Get(ctx, "mr_abc123"); found {
		t.Fatal("invalidated principal still served")
	}
}

func TestPrincipalsCorruptEntryIsMiss(t *testing.T) {
	ctx := context.Background()
	mem := testutil.NewMemoryCache()
	principals := NewPrincipals(mem, 15*time.Minute, log.NewNop())

	mem.Set(ctx, "modelrelay:principal:mr_abc123", []byte("garbage"), time.Minute)

	if _, found := principals.Get(ctx, "mr_abc123"); found {
		t.Fatal("corrupt principal must report a miss")
	}
}
