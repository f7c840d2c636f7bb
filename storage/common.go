// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

// Package storage defines the key/value store interface the marketplace
// collections are persisted through.
package storage

import (
	"bytes"

	"github.com/zeebo/errs"
)

var (
	// ErrKeyNotFound is returned when a key is not found.
	ErrKeyNotFound = errs.Class("key not found")
	// ErrEmptyKey is returned when an empty key is used.
	ErrEmptyKey = errs.Class("empty key")
	// ErrValueChanged is returned when the current value of the key does not
	// match the expected value in CompareAndSwap.
	ErrValueChanged = errs.Class("value changed")
)

// Key is the type for the keys in a KeyValueStore.
type Key []byte

// Value is the type for the values in a KeyValueStore.
type Value []byte

// Keys is a slice of keys.
type Keys []Key

// Limit indicates how many keys to return when calling List. Zero means no
// limit.
type Limit int

// KeyValueStore describes a key/value store like redis and boltdb.
type KeyValueStore interface {
	// Put adds a value to the provided key, replacing any existing value.
	Put(key Key, value Value) error
	// Get returns the value for a key, or ErrKeyNotFound.
	Get(key Key) (Value, error)
	// Delete deletes the key and its value, or returns ErrKeyNotFound.
	Delete(key Key) error
	// List returns keys with the given prefix, in ascending order, up to
	// limit items.
	List(prefix Key, limit Limit) (Keys, error)
	// CompareAndSwap atomically compares and swaps the value of a key.
	// An oldValue of nil means the key is expected to be absent, a newValue
	// of nil deletes the key. ErrValueChanged is returned when the stored
	// value does not match oldValue.
	CompareAndSwap(key Key, oldValue, newValue Value) error
	// Close closes the store.
	Close() error
}

// IsZero returns true if the key struct is its zero value.
func (key Key) IsZero() bool { return len(key) == 0 }

// IsZero returns true if the value struct is its zero value.
func (value Value) IsZero() bool { return len(value) == 0 }

// String implements the Stringer interface.
func (key Key) String() string { return string(key) }

// Equal returns whether keys are equal.
func (key Key) Equal(other Key) bool { return bytes.Equal(key, other) }

// Less returns whether key is smaller than other.
func (key Key) Less(other Key) bool { return bytes.Compare(key, other) < 0 }

// HasPrefix returns whether key starts with prefix.
func (key Key) HasPrefix(prefix Key) bool { return bytes.HasPrefix(key, prefix) }

// Equal returns whether values are equal.
func (value Value) Equal(other Value) bool { return bytes.Equal(value, other) }

// ListItem is a single key/value pair.
type ListItem struct {
	Key   Key
	Value Value
}

// CloneKey creates a copy of key.
func CloneKey(key Key) Key { return append(Key{}, key...) }

// CloneValue creates a copy of value.
func CloneValue(value Value) Value { return append(Value{}, value...) }
