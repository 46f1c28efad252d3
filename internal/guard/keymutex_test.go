package guard

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestKeyMutexExclusive(t *testing.T) {
	km := NewKeyMutex(time.Second)
	ctx := context.Background()

	unlock, err := km.Lock(ctx, "key-a")
	if err != nil {
		t.Fatalf("Lock() = %v", err)
	}

	// A second acquire for the same key must block until release.
	acquired := make(chan struct{})
	go func() {
		unlock2, err := km.Lock(ctx, "key-a")
		if err != nil {
			t.Errorf("second Lock() = %v", err)
			close(acquired)
			return
		}
		close(acquired)
		unlock2()
	}()

	select {
	case <-acquired:
		t.Fatal("second Lock acquired while first still held")
	case <-time.After(50 * time.Millisecond):
	}

	unlock()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second Lock never acquired after release")
	}
}

func TestKeyMutexIndependentKeys(t *testing.T) {
	km := NewKeyMutex(time.Second)
	ctx := context.Background()

	unlockA, err := km.Lock(ctx, "key-a")
	if err != nil {
		t.Fatalf("Lock(key-a) = %v", err)
	}
	defer unlockA()

	// Different key must not contend.
	done := make(chan error, 1)
	go func() {
		unlockB, err := km.Lock(ctx, "key-b")
		if err == nil {
			unlockB()
		}
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Lock(key-b) = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Lock(key-b) blocked on unrelated key")
	}
}

func TestKeyMutexAcquireTimeout(t *testing.T) {
	km := NewKeyMutex(50 * time.Millisecond)
	ctx := context.Background()

	unlock, err := km.Lock(ctx, "key-a")
	if err != nil {
		t.Fatalf("Lock() = %v", err)
	}
	defer unlock()

	_, err = km.Lock(ctx, "key-a")
	if !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("Lock() on held key = %v, want ErrLockTimeout", err)
	}
}

func TestKeyMutexCancellation(t *testing.T) {
	km := NewKeyMutex(10 * time.Second)

	unlock, err := km.Lock(context.Background(), "key-a")
	if err != nil {
		t.Fatalf("Lock() = %v", err)
	}
	defer unlock()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := km.Lock(ctx, "key-a")
		errCh <- err
	}()

	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Lock() after cancel = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("cancelled Lock never returned")
	}
}

func TestKeyMutexTimedOutWaiterDoesNotStealLock(t *testing.T) {
	km := NewKeyMutex(50 * time.Millisecond)
	ctx := context.Background()

	unlock, err := km.Lock(ctx, "key-a")
	if err != nil {
		t.Fatalf("Lock() = %v", err)
	}

	if _, err := km.Lock(ctx, "key-a"); !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}

	// The timed-out waiter must not have consumed the token.
	unlock()
	unlock2, err := km.Lock(ctx, "key-a")
	if err != nil {
		t.Fatalf("Lock() after release = %v", err)
	}
	unlock2()
}

func TestKeyMutexSerializesCounter(t *testing.T) {
	km := NewKeyMutex(5 * time.Second)
	ctx := context.Background()

	const goroutines = 32
	counter := 0

	var wg sync.WaitGroup
	for range goroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := km.Lock(ctx, "shared")
			if err != nil {
				t.Errorf("Lock() = %v", err)
				return
			}
			defer unlock()
			counter++
		}()
	}
	wg.Wait()

	if counter != goroutines {
		t.Errorf("counter = %d, want %d (lost update)", counter, goroutines)
	}
}

func TestKeyMutexLen(t *testing.T) {
	km := NewKeyMutex(time.Second)
	ctx := context.Background()

	for _, key := range []string{"a", "b", "c"} {
		unlock, err := km.Lock(ctx, key)
		if err != nil {
			t.Fatalf("Lock(%s) = %v", key, err)
		}
		unlock()
	}

	if km.Len() != 3 {
		t.Errorf("Len() = %d, want 3", km.Len())
	}
}

func TestKeyMutexEvictsIdleEntries(t *testing.T) {
	km := NewKeyMutex(time.Second)
	ctx := context.Background()

	unlock, err := km.Lock(ctx, "old")
	if err != nil {
		t.Fatalf("Lock() = %v", err)
	}
	unlock()

	// Age the entry and the cleanup clock past their thresholds.
	km.mu.Lock()
	km.locks["old"].lastUsed = time.Now().Add(-lockStaleThreshold - time.Minute)
	km.lastCleanup = time.Now().Add(-lockCleanupInterval - time.Minute)
	km.mu.Unlock()

	unlock, err = km.Lock(ctx, "fresh")
	if err != nil {
		t.Fatalf("Lock() = %v", err)
	}
	unlock()

	km.mu.Lock()
	_, oldExists := km.locks["old"]
	km.mu.Unlock()
	if oldExists {
		t.Error("stale idle entry survived cleanup")
	}
}

func TestKeyMutexDoesNotEvictHeldLock(t *testing.T) {
	km := NewKeyMutex(time.Second)
	ctx := context.Background()

	unlock, err := km.Lock(ctx, "held")
	if err != nil {
		t.Fatalf("Lock() = %v", err)
	}
	defer unlock()

	km.mu.Lock()
	km.locks["held"].lastUsed = time.Now().Add(-lockStaleThreshold - time.Minute)
	km.lastCleanup = time.Now().Add(-lockCleanupInterval - time.Minute)
	km.mu.Unlock()

	unlock2, err := km.Lock(ctx, "other")
	if err != nil {
		t.Fatalf("Lock() = %v", err)
	}
	unlock2()

	km.mu.Lock()
	_, heldExists := km.locks["held"]
	km.mu.Unlock()
	if !heldExists {
		t.Error("held lock was evicted; a second holder could now enter")
	}
}
