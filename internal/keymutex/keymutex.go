// Package keymutex provides ephemeral per-key mutexes. A lock entry exists
// only while at least one goroutine holds or waits for it, so the table never
// grows with the key space. Waiters carry context deadlines and are removed
// from the lock's accounting when they give up.
package keymutex

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrLockTimeout is returned when the context expires before the key's lock
// could be acquired.
var ErrLockTimeout = errors.New("keymutex: lock wait timed out")

// entry is a reference-counted binary semaphore for one key.
type entry struct {
	sem  chan struct{}
	refs int
}

// KeyedMutex hands out mutual exclusion per key.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*entry
}

// New creates an empty keyed mutex table.
func New() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*entry)}
}

// Lock acquires the mutex for key, blocking until it is free or ctx expires.
// On success it returns the unlock function; the caller must invoke it
// exactly once. On timeout the waiter is fully detached and receives
// ErrLockTimeout wrapped with the key.
func (km *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	km.mu.Lock()
	e, ok := km.locks[key]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		km.locks[key] = e
	}
	e.refs++
	km.mu.Unlock()

	select {
	case e.sem <- struct{}{}:
		var once sync.Once
		unlock := func() {
			once.Do(func() {
				<-e.sem
				km.unref(key, e)
			})
		}
		return unlock, nil

	case <-ctx.Done():
		km.unref(key, e)
		return nil, fmt.Errorf("%w: %s: %w", ErrLockTimeout, key, ctx.Err())
	}
}

// unref drops one reference and discards the entry once nobody holds or
// waits for it.
func (km *KeyedMutex) unref(key string, e *entry) {
	km.mu.Lock()
	e.refs--
	if e.refs <= 0 {
		delete(km.locks, key)
	}
	km.mu.Unlock()
}

// Len reports how many keys currently have live lock entries.
func (km *KeyedMutex) Len() int {
	km.mu.Lock()
	defer km.mu.Unlock()
	return len(km.locks)
}
