// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

// Package redis implements the KeyValueStore interface on top of a redis
// server, for deployments where the collections are shared between
// processes.
package redis

import (
	"net/url"
	"sort"
	"strconv"

	"github.com/go-redis/redis"
	"github.com/zeebo/errs"

	"storj.io/escrow/storage"
)

// Error is the redis storage error class.
var Error = errs.Class("redis storage")

// Client is the entrypoint into redis.
type Client struct {
	db        *redis.Client
	namespace string
}

// NewClient returns a configured Client instance, verifying a successful
// connection to redis. Keys are prefixed with namespace so multiple
// collections can share one database.
func NewClient(address, password string, db int, namespace string) (*Client, error) {
	client := &Client{
		db: redis.NewClient(&redis.Options{
			Addr:     address,
			Password: password,
			DB:       db,
		}),
		namespace: namespace,
	}

	if err := client.db.Ping().Err(); err != nil {
		return nil, Error.New("ping failed: %v", err)
	}
	return client, nil
}

// NewClientFrom returns a configured Client instance from a redis address
// of the form redis://host:port?db=n.
func NewClientFrom(address, namespace string) (*Client, error) {
	u, err := url.Parse(address)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if u.Scheme != "redis" {
		return nil, Error.New("not a redis:// address: %q", address)
	}

	db := 0
	if dbs := u.Query().Get("db"); dbs != "" {
		db, err = strconv.Atoi(dbs)
		if err != nil {
			return nil, Error.New("invalid db %q: %v", dbs, err)
		}
	}

	password, _ := u.User.Password()
	return NewClient(u.Host, password, db, namespace)
}

func (client *Client) key(key storage.Key) string {
	return client.namespace + "/" + key.String()
}

// Put adds a value to the provided key.
func (client *Client) Put(key storage.Key, value storage.Value) error {
	if key.IsZero() {
		return storage.ErrEmptyKey.New("")
	}
	err := client.db.Set(client.key(key), []byte(value), 0).Err()
	if err != nil {
		return Error.New("put error: %v", err)
	}
	return nil
}

// Get looks up the provided key from redis, returning its value.
func (client *Client) Get(key storage.Key) (storage.Value, error) {
	if key.IsZero() {
		return nil, storage.ErrEmptyKey.New("")
	}
	value, err := client.db.Get(client.key(key)).Bytes()
	if err == redis.Nil {
		return nil, storage.ErrKeyNotFound.New("%q", key)
	}
	if err != nil {
		return nil, Error.New("get error: %v", err)
	}
	return value, nil
}

// Delete deletes a key/value pair from redis.
func (client *Client) Delete(key storage.Key) error {
	if key.IsZero() {
		return storage.ErrEmptyKey.New("")
	}
	deleted, err := client.db.Del(client.key(key)).Result()
	if err != nil {
		return Error.New("delete error: %v", err)
	}
	if deleted == 0 {
		return storage.ErrKeyNotFound.New("%q", key)
	}
	return nil
}

// List returns keys with the given prefix, in ascending order.
func (client *Client) List(prefix storage.Key, limit storage.Limit) (storage.Keys, error) {
	match := escapeMatch([]byte(client.key(prefix))) + "*"
	found, err := client.db.Keys(match).Result()
	if err != nil {
		return nil, Error.New("list error: %v", err)
	}
	sort.Strings(found)

	var keys storage.Keys
	for _, full := range found {
		keys = append(keys, storage.Key(full[len(client.namespace)+1:]))
		if limit > 0 && len(keys) >= int(limit) {
			break
		}
	}
	return keys, nil
}

// CompareAndSwap atomically compares and swaps the value of a key using
// redis optimistic locking (WATCH/MULTI).
func (client *Client) CompareAndSwap(key storage.Key, oldValue, newValue storage.Value) error {
	if key.IsZero() {
		return storage.ErrEmptyKey.New("")
	}

	namespaced := client.key(key)
	txf := func(tx *redis.Tx) error {
		current, err := tx.Get(namespaced).Bytes()
		if err == redis.Nil {
			if oldValue != nil {
				return storage.ErrKeyNotFound.New("%q", key)
			}
			current = nil
		} else if err != nil {
			return Error.New("get error: %v", err)
		}

		if !storage.Value(current).Equal(oldValue) {
			return storage.ErrValueChanged.New("%q", key)
		}

		_, err = tx.Pipelined(func(pipe redis.Pipeliner) error {
			if newValue == nil {
				pipe.Del(namespaced)
			} else {
				pipe.Set(namespaced, []byte(newValue), 0)
			}
			return nil
		})
		return err
	}

	err := client.db.Watch(txf, namespaced)
	if err == redis.TxFailedErr {
		return storage.ErrValueChanged.New("%q", key)
	}
	return err
}

// Close closes a redis client.
func (client *Client) Close() error {
	return client.db.Close()
}

// escapeMatch escapes redis glob characters in a match pattern.
func escapeMatch(match []byte) string {
	start := 0
	var escaped []byte
	for i, b := range match {
		switch b {
		case '?', '*', '[', ']', '\\':
			escaped = append(escaped, match[start:i]...)
			escaped = append(escaped, '\\', b)
			start = i + 1
		}
	}
	if start == 0 {
		return string(match)
	}
	return string(append(escaped, match[start:]...))
}
