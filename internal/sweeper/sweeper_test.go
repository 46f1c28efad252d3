package sweeper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/goleak"

	"github.com/modelrelay/modelrelay/internal/cache"
	"github.com/modelrelay/modelrelay/internal/guard"
	"github.com/modelrelay/modelrelay/internal/log"
	"github.com/modelrelay/modelrelay/internal/session"
	"github.com/modelrelay/modelrelay/internal/testutil"
)

type fakeExpiryStore struct {
	mu          sync.Mutex
	expired     []session.Expired
	deactivated map[string]bool
	stale       map[string]bool // rows rotated between scan and lock
	scanErr     error
}

func newFakeExpiryStore(rows ...session.Expired) *fakeExpiryStore {
	return &fakeExpiryStore{
		expired:     rows,
		deactivated: make(map[string]bool),
		stale:       make(map[string]bool),
	}
}

func (f *fakeExpiryStore) SweepExpired(_ context.Context, _ time.Time) ([]session.Expired, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.scanErr != nil {
		return nil, f.scanErr
	}
	out := make([]session.Expired, len(f.expired))
	copy(out, f.expired)
	return out, nil
}

func (f *fakeExpiryStore) DeactivateExpired(_ context.Context, sessionID string, _ time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stale[sessionID] || f.deactivated[sessionID] {
		return false, nil
	}
	f.deactivated[sessionID] = true
	return true, nil
}

func newTestSweeper(store ExpiryStore, c cache.Cache, locks *guard.KeyMutex) *Sweeper {
	if locks == nil {
		locks = guard.NewKeyMutex(time.Second)
	}
	return New(Config{
		Store:     store,
		Snapshots: cache.NewSessions(c, time.Hour, log.NewNop()),
		Locks:     locks,
		Interval:  time.Minute,
		Logger:    log.NewNop(),
	})
}

func TestRunOnceDeactivatesExpired(t *testing.T) {
	keyA, keyB := uuid.New(), uuid.New()
	store := newFakeExpiryStore(
		session.Expired{SessionID: "sess-a", APIKeyID: keyA},
		session.Expired{SessionID: "sess-b", APIKeyID: keyB},
	)
	mem := testutil.NewMemoryCache()
	sw := newTestSweeper(store, mem, nil)

	// Seed snapshots so invalidation is observable.
	snaps := cache.NewSessions(mem, time.Hour, log.NewNop())
	now := time.Now()
	snaps.Put(context.Background(), keyA, cache.Snapshot{SessionID: "sess-a", Model: "m", ExpiresAt: now.Add(time.Hour)}, now)
	snaps.Put(context.Background(), keyB, cache.Snapshot{SessionID: "sess-b", Model: "m", ExpiresAt: now.Add(time.Hour)}, now)

	if got := sw.RunOnce(context.Background()); got != 2 {
		t.Fatalf("RunOnce() = %d, want 2", got)
	}
	if !store.deactivated["sess-a"] || !store.deactivated["sess-b"] {
		t.Error("not all expired sessions were deactivated")
	}
	if mem.Len() != 0 {
		t.Errorf("cache still holds %d snapshots after sweep", mem.Len())
	}
}

func TestRunOnceIdempotent(t *testing.T) {
	store := newFakeExpiryStore(session.Expired{SessionID: "sess-a", APIKeyID: uuid.New()})
	sw := newTestSweeper(store, testutil.NewMemoryCache(), nil)

	if got := sw.RunOnce(context.Background()); got != 1 {
		t.Fatalf("first RunOnce() = %d, want 1", got)
	}
	// The scan still lists the row, but the conditional update no-ops.
	if got := sw.RunOnce(context.Background()); got != 0 {
		t.Fatalf("second RunOnce() = %d, want 0", got)
	}
}

func TestRunOnceSkipsRotatedRows(t *testing.T) {
	store := newFakeExpiryStore(session.Expired{SessionID: "sess-a", APIKeyID: uuid.New()})
	store.stale["sess-a"] = true
	sw := newTestSweeper(store, testutil.NewMemoryCache(), nil)

	if got := sw.RunOnce(context.Background()); got != 0 {
		t.Fatalf("RunOnce() = %d, want 0 for a row rotated since the scan", got)
	}
}

func TestRunOnceSkipsBusyKeys(t *testing.T) {
	busyKey := uuid.New()
	store := newFakeExpiryStore(
		session.Expired{SessionID: "sess-busy", APIKeyID: busyKey},
		session.Expired{SessionID: "sess-free", APIKeyID: uuid.New()},
	)
	locks := guard.NewKeyMutex(20 * time.Millisecond)
	sw := newTestSweeper(store, testutil.NewMemoryCache(), locks)

	unlock, err := locks.Lock(context.Background(), busyKey.String())
	if err != nil {
		t.Fatalf("holding lock: %v", err)
	}
	defer unlock()

	if got := sw.RunOnce(context.Background()); got != 1 {
		t.Fatalf("RunOnce() = %d, want 1 (busy key deferred)", got)
	}
	if store.deactivated["sess-busy"] {
		t.Error("busy key's session deactivated without the lock")
	}
	if !store.deactivated["sess-free"] {
		t.Error("free key's session not deactivated")
	}
}

func TestRunOnceScanFailure(t *testing.T) {
	store := newFakeExpiryStore()
	store.scanErr = errors.New("connection refused")
	sw := newTestSweeper(store, testutil.NewMemoryCache(), nil)

	if got := sw.RunOnce(context.Background()); got != 0 {
		t.Fatalf("RunOnce() = %d, want 0 on scan failure", got)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	sw := newTestSweeper(newFakeExpiryStore(), testutil.NewMemoryCache(), nil)
	sw.interval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		sw.Run(ctx)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()
	wg.Wait()
}
