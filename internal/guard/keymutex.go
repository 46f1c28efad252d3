package guard

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrLockTimeout indicates the per-key lock could not be acquired within the
// configured bound. Surfaced to callers as a retryable "busy" condition,
// never silently bypassed.
var ErrLockTimeout = errors.New("timed out waiting for per-key lock")

const (
	lockCleanupInterval = 5 * time.Minute
	lockStaleThreshold  = 10 * time.Minute
)

// KeyMutex is a map of exclusive locks keyed by API key ID. Acquisition is
// cancellable and bounded, so a wedged mutation for one key cannot pile up
// waiters forever. Entries for idle keys are evicted inline during Lock
// calls; the set of API keys is unbounded over the gateway's lifetime and
// the map must not grow with it.
type KeyMutex struct {
	mu             sync.Mutex
	locks          map[string]*keyLock
	acquireTimeout time.Duration
	lastCleanup    time.Time
}

// keyLock is a channel-based mutex. The channel holds one token; acquiring
// the lock receives it, releasing sends it back.
type keyLock struct {
	ch       chan struct{}
	waiters  int
	lastUsed time.Time
}

// NewKeyMutex creates a lock map. acquireTimeout bounds every Lock call.
func NewKeyMutex(acquireTimeout time.Duration) *KeyMutex {
	return &KeyMutex{
		locks:          make(map[string]*keyLock),
		acquireTimeout: acquireTimeout,
		lastCleanup:    time.Now(),
	}
}

// Lock acquires the exclusive lock for key. It returns an unlock function on
// success. It fails with ErrLockTimeout after the configured bound, or with
// ctx.Err() if the caller's request is cancelled while waiting — both leave
// the lock untouched for other waiters.
func (km *KeyMutex) Lock(ctx context.Context, key string) (func(), error) {
	entry := km.enter(key)

	timer := time.NewTimer(km.acquireTimeout)
	defer timer.Stop()

	select {
	case <-entry.ch:
		km.acquired(entry)
		return func() { entry.ch <- struct{}{} }, nil
	case <-ctx.Done():
		km.leave(entry)
		return nil, ctx.Err()
	case <-timer.C:
		km.leave(entry)
		return nil, ErrLockTimeout
	}
}

// enter registers a waiter for key, creating the entry if needed, and runs
// the periodic eviction of idle entries.
func (km *KeyMutex) enter(key string) *keyLock {
	km.mu.Lock()
	defer km.mu.Unlock()

	now := time.Now()
	if now.Sub(km.lastCleanup) > lockCleanupInterval {
		for k, e := range km.locks {
			// Only unlocked entries with no waiters are safe to drop: evicting
			// a held lock would let a second holder in through a fresh entry.
			if e.waiters == 0 && len(e.ch) == 1 && now.Sub(e.lastUsed) > lockStaleThreshold {
				delete(km.locks, k)
			}
		}
		km.lastCleanup = now
	}

	entry, ok := km.locks[key]
	if !ok {
		entry = &keyLock{ch: make(chan struct{}, 1), lastUsed: now}
		entry.ch <- struct{}{}
		km.locks[key] = entry
	}
	entry.waiters++
	return entry
}

func (km *KeyMutex) acquired(entry *keyLock) {
	km.mu.Lock()
	defer km.mu.Unlock()
	entry.waiters--
	entry.lastUsed = time.Now()
}

func (km *KeyMutex) leave(entry *keyLock) {
	km.mu.Lock()
	defer km.mu.Unlock()
	entry.waiters--
}

// Len returns the number of tracked keys, for tests and introspection.
func (km *KeyMutex) Len() int {
	km.mu.Lock()
	defer km.mu.Unlock()
	return len(km.locks)
}
