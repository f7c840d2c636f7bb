// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

// Package marketplacedb opens the concrete key value stores behind the
// marketplace database interface.
package marketplacedb

import (
	"net/url"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/escrow/marketplace"
	"storj.io/escrow/storage"
	"storj.io/escrow/storage/boltdb"
	"storj.io/escrow/storage/redis"
	"storj.io/escrow/storage/teststore"
)

// Error is the marketplacedb error class.
var Error = errs.Class("marketplacedb")

// collections are the isolated stores inside the database, in a fixed
// order.
var collections = []string{"balances", "ledger", "jobs", "referrals"}

type db struct {
	balances  storage.KeyValueStore
	ledger    storage.KeyValueStore
	jobs      storage.KeyValueStore
	referrals storage.KeyValueStore
}

// ensures that db implements marketplace.DB.
var _ marketplace.DB = (*db)(nil)

// Open opens the database at the given URL. Supported schemes are
// bolt://path/to/file and redis://host:port?db=n.
func Open(log *zap.Logger, databaseURL string) (marketplace.DB, error) {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	switch u.Scheme {
	case "bolt":
		// bolt://relative.db keeps the path in the host part
		clients, err := boltdb.NewShared(u.Host+u.Path, collections...)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		return &db{
			balances:  clients[0],
			ledger:    clients[1],
			jobs:      clients[2],
			referrals: clients[3],
		}, nil

	case "redis":
		stores := make([]storage.KeyValueStore, 0, len(collections))
		for _, collection := range collections {
			client, err := redis.NewClientFrom(databaseURL, collection)
			if err != nil {
				for _, open := range stores {
					_ = open.Close()
				}
				return nil, Error.Wrap(err)
			}
			stores = append(stores, client)
		}
		return &db{
			balances:  stores[0],
			ledger:    stores[1],
			jobs:      stores[2],
			referrals: stores[3],
		}, nil

	case "memory":
		return NewInMemory(), nil

	default:
		return nil, Error.New("unsupported database scheme %q", u.Scheme)
	}
}

// NewInMemory creates a database that lives only as long as the process.
func NewInMemory() marketplace.DB {
	return &db{
		balances:  teststore.New(),
		ledger:    teststore.New(),
		jobs:      teststore.New(),
		referrals: teststore.New(),
	}
}

func (db *db) Balances() storage.KeyValueStore  { return db.balances }
func (db *db) Ledger() storage.KeyValueStore    { return db.ledger }
func (db *db) Jobs() storage.KeyValueStore      { return db.jobs }
func (db *db) Referrals() storage.KeyValueStore { return db.referrals }

// Close closes all stores.
func (db *db) Close() error {
	return errs.Combine(
		db.balances.Close(),
		db.ledger.Close(),
		db.jobs.Close(),
		db.referrals.Close(),
	)
}
