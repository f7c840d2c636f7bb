// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

// Package testsuite contains a suite of tests every KeyValueStore
// implementation must pass.
package testsuite

import (
	"testing"

	"github.com/stretchr/testify/require"

	"storj.io/escrow/storage"
)

// RunTests runs the key value store test suite against store.
func RunTests(t *testing.T, store storage.KeyValueStore) {
	t.Run("PutGet", func(t *testing.T) { testPutGet(t, store) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, store) })
	t.Run("List", func(t *testing.T) { testList(t, store) })
	t.Run("CompareAndSwap", func(t *testing.T) { testCompareAndSwap(t, store) })
	t.Run("EmptyKey", func(t *testing.T) { testEmptyKey(t, store) })
}

func testPutGet(t *testing.T, store storage.KeyValueStore) {
	key := storage.Key("put/alpha")

	_, err := store.Get(key)
	require.True(t, storage.ErrKeyNotFound.Has(err))

	require.NoError(t, store.Put(key, storage.Value("one")))

	value, err := store.Get(key)
	require.NoError(t, err)
	require.Equal(t, storage.Value("one"), value)

	// overwrite
	require.NoError(t, store.Put(key, storage.Value("two")))
	value, err = store.Get(key)
	require.NoError(t, err)
	require.Equal(t, storage.Value("two"), value)
}

func testDelete(t *testing.T, store storage.KeyValueStore) {
	key := storage.Key("delete/alpha")

	require.True(t, storage.ErrKeyNotFound.Has(store.Delete(key)))

	require.NoError(t, store.Put(key, storage.Value("one")))
	require.NoError(t, store.Delete(key))

	_, err := store.Get(key)
	require.True(t, storage.ErrKeyNotFound.Has(err))
}

func testList(t *testing.T, store storage.KeyValueStore) {
	items := map[string]string{
		"list/a":   "1",
		"list/b":   "2",
		"list/c/x": "3",
		"other/a":  "4",
	}
	for key, value := range items {
		require.NoError(t, store.Put(storage.Key(key), storage.Value(value)))
	}

	keys, err := store.List(storage.Key("list/"), 0)
	require.NoError(t, err)
	require.Equal(t, storage.Keys{
		storage.Key("list/a"),
		storage.Key("list/b"),
		storage.Key("list/c/x"),
	}, keys)

	keys, err = store.List(storage.Key("list/"), 2)
	require.NoError(t, err)
	require.Len(t, keys, 2)

	keys, err = store.List(storage.Key("missing/"), 0)
	require.NoError(t, err)
	require.Empty(t, keys)
}

func testCompareAndSwap(t *testing.T, store storage.KeyValueStore) {
	key := storage.Key("cas/alpha")

	// create when absent
	require.NoError(t, store.CompareAndSwap(key, nil, storage.Value("one")))

	// create again fails
	err := store.CompareAndSwap(key, nil, storage.Value("two"))
	require.True(t, storage.ErrValueChanged.Has(err))

	// swap with wrong expectation fails
	err = store.CompareAndSwap(key, storage.Value("stale"), storage.Value("two"))
	require.True(t, storage.ErrValueChanged.Has(err))

	// swap with correct expectation
	require.NoError(t, store.CompareAndSwap(key, storage.Value("one"), storage.Value("two")))
	value, err := store.Get(key)
	require.NoError(t, err)
	require.Equal(t, storage.Value("two"), value)

	// swap on missing key with expectation fails
	err = store.CompareAndSwap(storage.Key("cas/missing"), storage.Value("one"), storage.Value("two"))
	require.True(t, storage.ErrKeyNotFound.Has(err))

	// delete via nil new value
	require.NoError(t, store.CompareAndSwap(key, storage.Value("two"), nil))
	_, err = store.Get(key)
	require.True(t, storage.ErrKeyNotFound.Has(err))
}

func testEmptyKey(t *testing.T, store storage.KeyValueStore) {
	require.True(t, storage.ErrEmptyKey.Has(store.Put(storage.Key(""), storage.Value("one"))))
	_, err := store.Get(storage.Key(""))
	require.True(t, storage.ErrEmptyKey.Has(err))
}
