// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

// Package marketplace wires the escrow engine together: balances, ledger,
// referrals, escrow jobs, payouts and events on top of a key value store
// and a payment rail.
package marketplace

import (
	"context"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"storj.io/common/errs2"
	"storj.io/escrow/marketplace/balances"
	"storj.io/escrow/marketplace/escrow"
	"storj.io/escrow/marketplace/events"
	"storj.io/escrow/marketplace/ledger"
	"storj.io/escrow/marketplace/payments"
	"storj.io/escrow/marketplace/payouts"
	"storj.io/escrow/marketplace/referrals"
	"storj.io/escrow/storage"
)

// DB is the master database of the marketplace. Each collection is an
// isolated key value store.
//
// architecture: Master Database
type DB interface {
	// Balances returns the store for balance snapshots.
	Balances() storage.KeyValueStore
	// Ledger returns the store for the transaction ledger.
	Ledger() storage.KeyValueStore
	// Jobs returns the store for escrow jobs and the deal index.
	Jobs() storage.KeyValueStore
	// Referrals returns the store for the referral index.
	Referrals() storage.KeyValueStore

	// Close closes all stores.
	Close() error
}

// Config is the configuration for the marketplace peer.
type Config struct {
	Escrow escrow.Config

	EventQueueSize int `help:"how many undelivered events are buffered before dropping" default:"1024"`
}

// Peer is the marketplace process.
//
// architecture: Peer
type Peer struct {
	Log  *zap.Logger
	DB   DB
	Rail payments.Rail

	Events struct {
		Bus *events.Bus
	}

	Ledger    *ledger.Ledger
	Balances  *balances.Store
	Referrals *referrals.Index

	Escrow struct {
		Service *escrow.Service
		Chore   *escrow.Chore
	}

	Payouts struct {
		Service *payouts.Service
	}
}

// New creates a new marketplace peer.
func New(log *zap.Logger, db DB, rail payments.Rail, verifier payouts.IdentityVerifier, tiers payouts.Tiers, config Config) (*Peer, error) {
	peer := &Peer{
		Log:  log,
		DB:   db,
		Rail: rail,
	}

	{ // setup events
		peer.Events.Bus = events.NewBus(log.Named("events"), config.EventQueueSize)
	}

	{ // setup books
		peer.Ledger = ledger.New(db.Ledger())
		peer.Balances = balances.NewStore(db.Balances())
		peer.Referrals = referrals.NewIndex(db.Referrals())
	}

	{ // setup escrow
		peer.Escrow.Service = escrow.NewService(
			log.Named("escrow"),
			db.Jobs(),
			peer.Ledger,
			peer.Balances,
			peer.Referrals,
			rail,
			peer.Events.Bus,
			config.Escrow,
		)
		peer.Escrow.Chore = escrow.NewChore(log.Named("escrow:chore"), peer.Escrow.Service)
	}

	{ // setup payouts
		peer.Payouts.Service = payouts.NewService(
			log.Named("payouts"),
			peer.Ledger,
			peer.Balances,
			rail,
			peer.Events.Bus,
			verifier,
			tiers,
		)
	}

	return peer, nil
}

// Run runs the marketplace peer until the context is canceled.
func (peer *Peer) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return errs2.IgnoreCanceled(peer.Escrow.Chore.Run(ctx))
	})

	return group.Wait()
}

// Close closes all the resources.
func (peer *Peer) Close() error {
	var errlist errs.Group

	if peer.Escrow.Chore != nil {
		errlist.Add(peer.Escrow.Chore.Close())
	}
	if peer.Events.Bus != nil {
		errlist.Add(peer.Events.Bus.Close())
	}

	return errlist.Err()
}
