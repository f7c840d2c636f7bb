// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package escrow

import (
	"sync"
)

// keyLock serializes operations on the same key within a single process.
type keyLock struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyLock() *keyLock {
	return &keyLock{locks: map[string]*lockEntry{}}
}

// Lock locks the given key and returns the function unlocking it.
func (kl *keyLock) Lock(key string) (unlock func()) {
	kl.mu.Lock()
	entry, ok := kl.locks[key]
	if !ok {
		entry = &lockEntry{}
		kl.locks[key] = entry
	}
	entry.refs++
	kl.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()

		kl.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(kl.locks, key)
		}
		kl.mu.Unlock()
	}
}
