package twinstack

import (
	"context"
	"sync"
	"time"
)

// A Locker serialises mutations per entity. Every mutating operation on a twin
// acquires the lock keyed by the twin's LockKey, performs its full
// read-modify-write sequence, and releases unconditionally on every exit path.
//
// The in-process KeyedMutex below is advisory at the level of a single
// deployment. A horizontally scaled deployment must substitute an
// implementation backed by a cross-process mechanism (a distributed mutex),
// because the no-lost-update argument for a twin's link list and measures map
// depends on global mutual exclusion per id, not merely per process.
type Locker interface {
	// Acquire blocks until the lock for key is held or ctx expires. On
	// success it returns a release function that must be called exactly once;
	// on ctx expiry it returns a ConcurrencyTimeoutError and the caller holds
	// nothing.
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// A KeyedMutex is an in-process Locker. The zero value is ready for use.
//
// Unlike a plain sync.Mutex per key, acquisition honours context
// cancellation: a caller whose deadline expires while queued walks away
// without ever holding the lock, and the guarded state is untouched.
type KeyedMutex struct {
	mu   sync.Mutex
	held map[string]chan struct{} // closed when the holder releases
}

func (k *KeyedMutex) Acquire(ctx context.Context, key string) (func(), error) {
	start := time.Now()
	for {
		k.mu.Lock()
		if k.held == nil {
			k.held = make(map[string]chan struct{})
		}
		occupied, exists := k.held[key]
		if !exists {
			ch := make(chan struct{})
			k.held[key] = ch
			k.mu.Unlock()

			observeLockWait(ctx, time.Since(start))

			var once sync.Once
			release := func() {
				once.Do(func() {
					k.mu.Lock()
					delete(k.held, key)
					k.mu.Unlock()
					close(ch)
				})
			}
			return release, nil
		}
		k.mu.Unlock()

		// Somebody else holds the key. Wait for their release or for our
		// deadline, then race for the key again; there is no fairness
		// guarantee, matching sync.Mutex.
		select {
		case <-occupied:
		case <-ctx.Done():
			return nil, ConcurrencyTimeoutError{Key: key, Wait: time.Since(start)}
		}
	}
}
