// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

// Package boltdb implements the KeyValueStore interface on top of a Bolt
// database file.
package boltdb

import (
	"sync/atomic"
	"time"

	"github.com/boltdb/bolt"

	"storj.io/escrow/storage"
)

var defaultTimeout = 1 * time.Second

const (
	// fileMode sets permissions so owner can read and write.
	fileMode = 0600
)

// Client is the storage interface for the Bolt database.
type Client struct {
	db     *bolt.DB
	Path   string
	Bucket []byte

	referenceCount *int32
}

// New instantiates a new BoltDB client given db file path and bucket name.
func New(path, bucket string) (*Client, error) {
	db, err := bolt.Open(path, fileMode, &bolt.Options{Timeout: defaultTimeout})
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err = tx.CreateBucketIfNotExists([]byte(bucket))
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	refCount := new(int32)
	*refCount = 1

	return &Client{
		db:             db,
		referenceCount: refCount,
		Path:           path,
		Bucket:         []byte(bucket),
	}, nil
}

// NewShared instantiates a new BoltDB client for the given db file path and
// buckets, sharing a single database handle between the returned clients.
// Bolt locks the file exclusively, so separate collections in the same file
// must share one handle.
func NewShared(path string, buckets ...string) (_ []*Client, err error) {
	db, err := bolt.Open(path, fileMode, &bolt.Options{Timeout: defaultTimeout})
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(bucket)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	refCount := new(int32)
	*refCount = int32(len(buckets))

	clients := []*Client{}
	for _, bucket := range buckets {
		clients = append(clients, &Client{
			db:             db,
			referenceCount: refCount,
			Path:           path,
			Bucket:         []byte(bucket),
		})
	}
	return clients, nil
}

func (client *Client) update(fn func(*bolt.Bucket) error) error {
	return client.db.Update(func(tx *bolt.Tx) error {
		return fn(tx.Bucket(client.Bucket))
	})
}

func (client *Client) view(fn func(*bolt.Bucket) error) error {
	return client.db.View(func(tx *bolt.Tx) error {
		return fn(tx.Bucket(client.Bucket))
	})
}

// Put adds a key/value to the bucket.
func (client *Client) Put(key storage.Key, value storage.Value) error {
	if key.IsZero() {
		return storage.ErrEmptyKey.New("")
	}
	return client.update(func(bucket *bolt.Bucket) error {
		return bucket.Put(key, value)
	})
}

// Get looks up the provided key from the bucket, returning its value.
func (client *Client) Get(key storage.Key) (_ storage.Value, err error) {
	if key.IsZero() {
		return nil, storage.ErrEmptyKey.New("")
	}
	var value storage.Value
	err = client.view(func(bucket *bolt.Bucket) error {
		data := bucket.Get(key)
		if data == nil {
			return storage.ErrKeyNotFound.New("%q", key)
		}
		value = storage.CloneValue(storage.Value(data))
		return nil
	})
	return value, err
}

// Delete deletes a key/value pair from the bucket.
func (client *Client) Delete(key storage.Key) error {
	if key.IsZero() {
		return storage.ErrEmptyKey.New("")
	}
	return client.update(func(bucket *bolt.Bucket) error {
		if bucket.Get(key) == nil {
			return storage.ErrKeyNotFound.New("%q", key)
		}
		return bucket.Delete(key)
	})
}

// List returns keys with the given prefix, in ascending order.
func (client *Client) List(prefix storage.Key, limit storage.Limit) (_ storage.Keys, err error) {
	var keys storage.Keys
	err = client.view(func(bucket *bolt.Bucket) error {
		cursor := bucket.Cursor()
		for k, _ := cursor.Seek(prefix); k != nil; k, _ = cursor.Next() {
			if !storage.Key(k).HasPrefix(prefix) {
				break
			}
			keys = append(keys, storage.CloneKey(storage.Key(k)))
			if limit > 0 && len(keys) >= int(limit) {
				break
			}
		}
		return nil
	})
	return keys, err
}

// CompareAndSwap atomically compares and swaps the value of a key inside a
// single bolt transaction.
func (client *Client) CompareAndSwap(key storage.Key, oldValue, newValue storage.Value) error {
	if key.IsZero() {
		return storage.ErrEmptyKey.New("")
	}
	return client.update(func(bucket *bolt.Bucket) error {
		data := bucket.Get(key)
		if data == nil {
			if oldValue != nil {
				return storage.ErrKeyNotFound.New("%q", key)
			}
			if newValue == nil {
				return nil
			}
			return bucket.Put(key, newValue)
		}

		if !storage.Value(data).Equal(oldValue) {
			return storage.ErrValueChanged.New("%q", key)
		}
		if newValue == nil {
			return bucket.Delete(key)
		}
		return bucket.Put(key, newValue)
	})
}

// Close closes a BoltDB client. The underlying database handle is closed
// when the last client sharing it is closed.
func (client *Client) Close() error {
	if atomic.AddInt32(client.referenceCount, -1) == 0 {
		return client.db.Close()
	}
	return nil
}
