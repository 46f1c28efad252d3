//go:build integration
// +build integration

package session

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelrelay/modelrelay/internal/testutil"
)

// =============================================================================
// Test Setup Helper
// =============================================================================

// setupIntegrationTest creates a Store backed by a throwaway Postgres
// container with the schema migrated.
func setupIntegrationTest(t *testing.T) (*Store, *testutil.TestDBContainer, func()) {
	t.Helper()
	dbc, cleanup := testutil.SetupTestDB(t)
	store := NewStore(dbc.Pool, slog.Default())
	return store, dbc, cleanup
}

func params(apiKeyID uuid.UUID, id, model string) CreateParams {
	return CreateParams{
		ID:       id,
		APIKeyID: apiKeyID,
		Model:    model,
		Kind:     KindAutomated,
		Duration: time.Hour,
	}
}

// =============================================================================
// CRUD
// =============================================================================

func TestStore_CreateAndGetActive(t *testing.T) {
	store, dbc, cleanup := setupIntegrationTest(t)
	defer cleanup()
	ctx := context.Background()

	keyID := testutil.InsertAPIKey(t, dbc.Pool, "mr_live_aaaa")

	created, err := store.Create(ctx, params(keyID, "sess-1", "llama-3-70b"))
	require.NoError(t, err)
	assert.Equal(t, "sess-1", created.ID)
	assert.Equal(t, keyID, created.APIKeyID)
	assert.Equal(t, KindAutomated, created.Kind)
	assert.True(t, created.IsActive)
	assert.WithinDuration(t, time.Now().Add(time.Hour), created.ExpiresAt, time.Minute)

	active, err := store.GetActive(ctx, keyID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, active.ID)
	assert.Equal(t, created.Model, active.Model)
}

func TestStore_GetActiveNotFound(t *testing.T) {
	store, _, cleanup := setupIntegrationTest(t)
	defer cleanup()

	_, err := store.GetActive(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

// =============================================================================
// Single-active-session invariant
// =============================================================================

func TestStore_PartialUniqueIndexEnforcesInvariant(t *testing.T) {
	store, dbc, cleanup := setupIntegrationTest(t)
	defer cleanup()
	ctx := context.Background()

	keyID := testutil.InsertAPIKey(t, dbc.Pool, "mr_live_bbbb")

	_, err := store.Create(ctx, params(keyID, "sess-1", "llama-3-70b"))
	require.NoError(t, err)

	// A second active insert for the same key must be rejected by the
	// database itself and surface as ErrConflict.
	_, err = store.Create(ctx, params(keyID, "sess-2", "mistral-large"))
	assert.ErrorIs(t, err, ErrConflict)

	// Deactivating frees the slot.
	deactivated, err := store.Deactivate(ctx, "sess-1")
	require.NoError(t, err)
	assert.True(t, deactivated)

	_, err = store.Create(ctx, params(keyID, "sess-2", "mistral-large"))
	assert.NoError(t, err)
}

func TestStore_InvariantIsPerKey(t *testing.T) {
	store, dbc, cleanup := setupIntegrationTest(t)
	defer cleanup()
	ctx := context.Background()

	for i := range 3 {
		keyID := testutil.InsertAPIKey(t, dbc.Pool, fmt.Sprintf("mr_live_k%03d", i))
		_, err := store.Create(ctx, params(keyID, fmt.Sprintf("sess-%d", i), "llama-3-70b"))
		require.NoError(t, err, "independent keys must not conflict")
	}
}

// =============================================================================
// Manual sessions
// =============================================================================

func TestStore_CreateManualReplacesActive(t *testing.T) {
	store, dbc, cleanup := setupIntegrationTest(t)
	defer cleanup()
	ctx := context.Background()

	keyID := testutil.InsertAPIKey(t, dbc.Pool, "mr_live_cccc")

	_, err := store.Create(ctx, params(keyID, "sess-auto", "llama-3-70b"))
	require.NoError(t, err)

	// CreateManual deactivates the old session and inserts the new one in
	// one transaction; the invariant holds throughout.
	manual, err := store.CreateManual(ctx, CreateParams{
		ID:       "sess-manual",
		APIKeyID: keyID,
		Model:    "mistral-large",
		Kind:     KindManual,
		Duration: time.Hour,
	})
	require.NoError(t, err)
	assert.Equal(t, KindManual, manual.Kind)

	active, err := store.GetActive(ctx, keyID)
	require.NoError(t, err)
	assert.Equal(t, "sess-manual", active.ID)

	var count int
	err = dbc.Pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM sessions WHERE api_key_id = $1 AND is_active", keyID).Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

// =============================================================================
// Expiry
// =============================================================================

func TestStore_DeactivateExpiredRecheck(t *testing.T) {
	store, dbc, cleanup := setupIntegrationTest(t)
	defer cleanup()
	ctx := context.Background()

	keyID := testutil.InsertAPIKey(t, dbc.Pool, "mr_live_dddd")

	sess, err := store.Create(ctx, params(keyID, "sess-1", "llama-3-70b"))
	require.NoError(t, err)

	// The row is fresh: the conditional deactivation must refuse it.
	deactivated, err := store.DeactivateExpired(ctx, sess.ID, time.Now())
	require.NoError(t, err)
	assert.False(t, deactivated, "fresh session must not be swept")

	// Past its expiry the same call succeeds exactly once.
	deactivated, err = store.DeactivateExpired(ctx, sess.ID, sess.ExpiresAt.Add(time.Second))
	require.NoError(t, err)
	assert.True(t, deactivated)

	deactivated, err = store.DeactivateExpired(ctx, sess.ID, sess.ExpiresAt.Add(time.Second))
	require.NoError(t, err)
	assert.False(t, deactivated, "second sweep of the same row must no-op")
}

func TestStore_SweepExpiredListsOnlyExpiredActive(t *testing.T) {
	store, dbc, cleanup := setupIntegrationTest(t)
	defer cleanup()
	ctx := context.Background()

	freshKey := testutil.InsertAPIKey(t, dbc.Pool, "mr_live_eeee")
	staleKey := testutil.InsertAPIKey(t, dbc.Pool, "mr_live_ffff")

	_, err := store.Create(ctx, params(freshKey, "sess-fresh", "llama-3-70b"))
	require.NoError(t, err)
	stale, err := store.Create(ctx, params(staleKey, "sess-stale", "llama-3-70b"))
	require.NoError(t, err)

	expired, err := store.SweepExpired(ctx, stale.ExpiresAt.Add(time.Second))
	require.NoError(t, err)
	require.Len(t, expired, 2, "both sessions are past this cutoff")

	expired, err = store.SweepExpired(ctx, time.Now())
	require.NoError(t, err)
	assert.Empty(t, expired, "nothing is expired yet")
}

// =============================================================================
// API key lookup
// =============================================================================

func TestStore_GetAPIKeyByPrefix(t *testing.T) {
	store, dbc, cleanup := setupIntegrationTest(t)
	defer cleanup()
	ctx := context.Background()

	keyID := testutil.InsertAPIKey(t, dbc.Pool, "mr_live_gggg")

	key, err := store.GetAPIKeyByPrefix(ctx, "mr_live_gggg")
	require.NoError(t, err)
	assert.Equal(t, keyID, key.ID)
	assert.False(t, key.Revoked())

	_, err = store.GetAPIKeyByPrefix(ctx, "mr_live_none")
	assert.ErrorIs(t, err, ErrKeyNotFound)

	// Revocation is visible immediately on re-read.
	_, err = dbc.Pool.Exec(ctx, "UPDATE api_keys SET revoked_at = now() WHERE id = $1", keyID)
	require.NoError(t, err)

	key, err = store.GetAPIKeyByPrefix(ctx, "mr_live_gggg")
	require.NoError(t, err)
	assert.True(t, key.Revoked())
}
