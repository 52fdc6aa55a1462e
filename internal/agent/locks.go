package agent

import (
	"sort"
	"sync"
)

// KeyedMutex provides per-worker mutual exclusion.
// Each worker id gets its own mutex, so transitions on different workers
// proceed concurrently while transitions on the same worker serialize.
type KeyedMutex struct {
	mu    sync.Mutex             // Guards the locks map itself
	locks map[string]*sync.Mutex // Per-key mutexes
}

// NewKeyedMutex creates an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{
		locks: make(map[string]*sync.Mutex),
	}
}

// Lock acquires the mutex for key, creating it on first use.
func (k *KeyedMutex) Lock(key string) {
	k.mu.Lock()
	l, exists := k.locks[key]
	if !exists {
		l = &sync.Mutex{}
		k.locks[key] = l
	}
	k.mu.Unlock()

	l.Lock()
}

// Unlock releases the mutex for key.
func (k *KeyedMutex) Unlock(key string) {
	k.mu.Lock()
	l, exists := k.locks[key]
	k.mu.Unlock()

	if exists {
		l.Unlock()
	}
}

// LockAll acquires every key in lexicographic order to prevent deadlocks
// between callers locking overlapping sets.
func (k *KeyedMutex) LockAll(keys []string) []string {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)
	for _, key := range sorted {
		k.Lock(key)
	}
	return sorted
}

// UnlockAll releases keys locked by LockAll, in reverse order.
func (k *KeyedMutex) UnlockAll(sorted []string) {
	for i := len(sorted) - 1; i >= 0; i-- {
		k.Unlock(sorted[i])
	}
}

// Forget drops the mutex for a key that will not be used again.
// It must only be called while no goroutine holds or waits on key.
func (k *KeyedMutex) Forget(key string) {
	k.mu.Lock()
	delete(k.locks, key)
	k.mu.Unlock()
}
