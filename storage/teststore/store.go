// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

// Package teststore implements an in-memory key value store for testing.
package teststore

import (
	"sort"
	"sync"

	"storj.io/escrow/storage"
)

// Client implements an in-memory key value store.
type Client struct {
	mu    sync.Mutex
	items []storage.ListItem

	CallCount struct {
		Get            int
		Put            int
		Delete         int
		List           int
		CompareAndSwap int
		Close          int
	}
}

// New creates a new in-memory key-value store.
func New() *Client { return &Client{} }

// indexOf finds index of key or where it could be inserted.
func (store *Client) indexOf(key storage.Key) (int, bool) {
	i := sort.Search(len(store.items), func(k int) bool {
		return !store.items[k].Key.Less(key)
	})

	if i >= len(store.items) {
		return i, false
	}
	return i, store.items[i].Key.Equal(key)
}

// Put adds a value to the store.
func (store *Client) Put(key storage.Key, value storage.Value) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.CallCount.Put++

	if key.IsZero() {
		return storage.ErrEmptyKey.New("")
	}

	keyIndex, found := store.indexOf(key)
	if found {
		store.items[keyIndex].Value = storage.CloneValue(value)
		return nil
	}

	store.items = append(store.items, storage.ListItem{})
	copy(store.items[keyIndex+1:], store.items[keyIndex:])
	store.items[keyIndex] = storage.ListItem{
		Key:   storage.CloneKey(key),
		Value: storage.CloneValue(value),
	}
	return nil
}

// Get gets a value from the store.
func (store *Client) Get(key storage.Key) (storage.Value, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.CallCount.Get++

	if key.IsZero() {
		return nil, storage.ErrEmptyKey.New("")
	}

	keyIndex, found := store.indexOf(key)
	if !found {
		return nil, storage.ErrKeyNotFound.New("%q", key)
	}
	return storage.CloneValue(store.items[keyIndex].Value), nil
}

// Delete deletes key and the value.
func (store *Client) Delete(key storage.Key) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.CallCount.Delete++

	if key.IsZero() {
		return storage.ErrEmptyKey.New("")
	}

	keyIndex, found := store.indexOf(key)
	if !found {
		return storage.ErrKeyNotFound.New("%q", key)
	}

	copy(store.items[keyIndex:], store.items[keyIndex+1:])
	store.items = store.items[:len(store.items)-1]
	return nil
}

// List returns keys with the given prefix, in ascending order.
func (store *Client) List(prefix storage.Key, limit storage.Limit) (storage.Keys, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.CallCount.List++

	var keys storage.Keys
	start, _ := store.indexOf(prefix)
	for i := start; i < len(store.items); i++ {
		if !store.items[i].Key.HasPrefix(prefix) {
			break
		}
		keys = append(keys, storage.CloneKey(store.items[i].Key))
		if limit > 0 && len(keys) >= int(limit) {
			break
		}
	}
	return keys, nil
}

// CompareAndSwap atomically compares and swaps the value of a key.
func (store *Client) CompareAndSwap(key storage.Key, oldValue, newValue storage.Value) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.CallCount.CompareAndSwap++

	if key.IsZero() {
		return storage.ErrEmptyKey.New("")
	}

	keyIndex, found := store.indexOf(key)
	if !found {
		if oldValue != nil {
			return storage.ErrKeyNotFound.New("%q", key)
		}
		if newValue == nil {
			return nil
		}
		store.items = append(store.items, storage.ListItem{})
		copy(store.items[keyIndex+1:], store.items[keyIndex:])
		store.items[keyIndex] = storage.ListItem{
			Key:   storage.CloneKey(key),
			Value: storage.CloneValue(newValue),
		}
		return nil
	}

	if !store.items[keyIndex].Value.Equal(oldValue) {
		return storage.ErrValueChanged.New("%q", key)
	}

	if newValue == nil {
		copy(store.items[keyIndex:], store.items[keyIndex+1:])
		store.items = store.items[:len(store.items)-1]
		return nil
	}

	store.items[keyIndex].Value = storage.CloneValue(newValue)
	return nil
}

// Close closes the store.
func (store *Client) Close() error {
	store.CallCount.Close++
	return nil
}
