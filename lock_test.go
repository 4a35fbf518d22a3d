package twinstack

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestKeyedMutexSerialisesSameKey(t *testing.T) {
	var locks KeyedMutex
	ctx := context.Background()

	// Without mutual exclusion, concurrent read-modify-write loses updates.
	var counter int
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := locks.Acquire(ctx, "asset:container-A")
			if err != nil {
				t.Error("Acquire:", err)
				return
			}
			defer release()
			v := counter
			counter = v + 1
		}()
	}
	wg.Wait()

	if counter != 50 {
		t.Errorf("counter = %v, want 50: updates were lost", counter)
	}
}

func TestKeyedMutexTimesOutWhileHeld(t *testing.T) {
	var locks KeyedMutex

	release, err := locks.Acquire(context.Background(), "asset:container-A")
	if err != nil {
		t.Fatal("Acquire:", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = locks.Acquire(ctx, "asset:container-A")

	var timeout ConcurrencyTimeoutError
	if !errors.As(err, &timeout) {
		t.Fatalf("Acquire(held key) = %v, want ConcurrencyTimeoutError", err)
	}
	if timeout.Key != "asset:container-A" {
		t.Errorf("timeout names key %q, want asset:container-A", timeout.Key)
	}

	// After the holder releases, the key is acquirable again.
	release()
	again, err := locks.Acquire(context.Background(), "asset:container-A")
	if err != nil {
		t.Fatal("Acquire after release:", err)
	}
	again()
}

func TestKeyedMutexKeysAreIndependent(t *testing.T) {
	var locks KeyedMutex
	ctx := context.Background()

	releaseA, err := locks.Acquire(ctx, "device:thermo-T-1")
	if err != nil {
		t.Fatal("Acquire:", err)
	}
	defer releaseA()

	// A held device lock must not block the asset lock.
	ctxB, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	releaseB, err := locks.Acquire(ctxB, "asset:container-A")
	if err != nil {
		t.Fatal("Acquire of independent key:", err)
	}
	releaseB()
}

func TestKeyedMutexReleaseIsIdempotent(t *testing.T) {
	var locks KeyedMutex
	ctx := context.Background()

	release, err := locks.Acquire(ctx, "device:thermo-T-1")
	if err != nil {
		t.Fatal("Acquire:", err)
	}
	release()
	// Deferred releases run on every exit path, so a double call must be
	// harmless and must not unlock a subsequent holder.
	release()

	again, err := locks.Acquire(ctx, "device:thermo-T-1")
	if err != nil {
		t.Fatal("Acquire after double release:", err)
	}
	defer again()

	ctxTimeout, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if _, err := locks.Acquire(ctxTimeout, "device:thermo-T-1"); err == nil {
		t.Error("stale release() unlocked a key held by somebody else")
	}
}
