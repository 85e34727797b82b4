package persistence

import (
	"sync"
)

// keyedMutex provides per-key mutual exclusion: appends to the same task log
// are serialized while different logs are written concurrently. Entries are
// reference counted and removed when the last holder or waiter unlocks.
type keyedMutex struct {
	mu    sync.Mutex           // Guards the locks map itself
	locks map[string]*keyEntry // Per-key mutexes
}

type keyEntry struct {
	mu   sync.Mutex
	refs int // Holders plus waiters
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{
		locks: make(map[string]*keyEntry),
	}
}

// Lock acquires the mutex for key, creating it on first access.
func (k *keyedMutex) Lock(key string) {
	k.mu.Lock()
	e, exists := k.locks[key]
	if !exists {
		e = &keyEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	// Acquired outside the map lock so other keys are not blocked.
	e.mu.Lock()
}

// Unlock releases the mutex for key.
func (k *keyedMutex) Unlock(key string) {
	k.mu.Lock()
	e, exists := k.locks[key]
	if !exists {
		k.mu.Unlock()
		return
	}
	e.refs--
	if e.refs == 0 {
		delete(k.locks, key)
	}
	k.mu.Unlock()

	e.mu.Unlock()
}

// size returns the number of keys currently held or awaited.
func (k *keyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
