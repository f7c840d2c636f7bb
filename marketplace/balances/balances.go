// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

// Package balances keeps the per-user balance snapshots. The snapshots are
// a cache of the ledger: each completed ledger entry is applied here once,
// and a snapshot can always be rebuilt by replaying the ledger.
package balances

import (
	"context"
	"encoding/json"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"

	"storj.io/common/currency"
	"storj.io/common/uuid"
	"storj.io/escrow/storage"
)

var (
	mon = monkit.Package()

	// Error is the balances error class.
	Error = errs.Class("balances")
	// ErrInsufficientFunds is returned when a delta would make the available
	// balance negative.
	ErrInsufficientFunds = errs.Class("insufficient funds")
	// ErrInvariant is returned when a delta would corrupt a balance, like a
	// negative escrow or a shrinking lifetime counter.
	ErrInvariant = errs.Class("balance invariant")
)

// applyMaxRetries bounds the compare-and-swap loop. Contention resolves
// quickly, the bound only guards against a store that keeps lying.
const applyMaxRetries = 100

// Balance is the money snapshot of a single user in a single currency.
type Balance struct {
	UserID         uuid.UUID
	Available      currency.Amount
	Escrow         currency.Amount
	TotalEarned    currency.Amount
	TotalWithdrawn currency.Amount
}

// Delta describes a change to a balance in base units of its currency.
type Delta struct {
	Available      int64
	Escrow         int64
	TotalEarned    int64
	TotalWithdrawn int64
}

// Store keeps balances in a key value store.
//
// architecture: Database
type Store struct {
	store storage.KeyValueStore
}

// NewStore creates a balance store on top of the given store.
func NewStore(store storage.KeyValueStore) *Store {
	return &Store{store: store}
}

type record struct {
	Available      int64 `json:"available"`
	Escrow         int64 `json:"escrow"`
	TotalEarned    int64 `json:"total_earned"`
	TotalWithdrawn int64 `json:"total_withdrawn"`
}

func balanceKey(user uuid.UUID, unit *currency.Currency) storage.Key {
	return storage.Key("balance/" + user.String() + "/" + unit.Symbol())
}

// Get returns the balance of a user in the given currency. Users without
// any history have a zero balance, no explicit creation is needed.
func (store *Store) Get(ctx context.Context, user uuid.UUID, unit *currency.Currency) (_ Balance, err error) {
	defer mon.Task()(&ctx)(&err)

	value, err := store.store.Get(balanceKey(user, unit))
	if storage.ErrKeyNotFound.Has(err) {
		return zeroBalance(user, unit), nil
	}
	if err != nil {
		return Balance{}, Error.Wrap(err)
	}
	return decode(user, unit, value)
}

// Apply atomically applies a delta to the balance of a user. It fails with
// ErrInsufficientFunds when the available balance would go negative and
// with ErrInvariant when the escrow balance would go negative or a
// lifetime counter would shrink.
func (store *Store) Apply(ctx context.Context, user uuid.UUID, unit *currency.Currency, delta Delta) (_ Balance, err error) {
	defer mon.Task()(&ctx)(&err)

	key := balanceKey(user, unit)
	for retry := 0; ; retry++ {
		balance := zeroBalance(user, unit)

		oldValue, err := store.store.Get(key)
		if storage.ErrKeyNotFound.Has(err) {
			oldValue = nil
		} else if err != nil {
			return Balance{}, Error.Wrap(err)
		} else {
			balance, err = decode(user, unit, oldValue)
			if err != nil {
				return Balance{}, err
			}
		}

		updated, err := apply(balance, unit, delta)
		if err != nil {
			return Balance{}, err
		}

		newValue, err := encode(updated)
		if err != nil {
			return Balance{}, err
		}

		err = store.store.CompareAndSwap(key, oldValue, newValue)
		if err == nil {
			return updated, nil
		}
		if !storage.ErrValueChanged.Has(err) && !storage.ErrKeyNotFound.Has(err) {
			return Balance{}, Error.Wrap(err)
		}
		if retry >= applyMaxRetries {
			return Balance{}, Error.New("balance contention for user %s", user)
		}
	}
}

// Reconcile replaces the stored snapshot of a user with a balance rebuilt
// by the given function, usually a ledger replay. The swap is guarded by
// compare-and-swap so a concurrent Apply is never overwritten: on
// contention the rebuild is re-run against the new state until the swap
// sticks.
func (store *Store) Reconcile(ctx context.Context, user uuid.UUID, unit *currency.Currency, rebuild func(context.Context) (Balance, error)) (_ Balance, err error) {
	defer mon.Task()(&ctx)(&err)

	key := balanceKey(user, unit)
	for retry := 0; ; retry++ {
		oldValue, err := store.store.Get(key)
		if storage.ErrKeyNotFound.Has(err) {
			oldValue = nil
		} else if err != nil {
			return Balance{}, Error.Wrap(err)
		}

		rebuilt, err := rebuild(ctx)
		if err != nil {
			return Balance{}, err
		}
		newValue, err := encode(rebuilt)
		if err != nil {
			return Balance{}, err
		}

		err = store.store.CompareAndSwap(key, oldValue, newValue)
		if err == nil {
			return rebuilt, nil
		}
		if !storage.ErrValueChanged.Has(err) && !storage.ErrKeyNotFound.Has(err) {
			return Balance{}, Error.Wrap(err)
		}
		if retry >= applyMaxRetries {
			return Balance{}, Error.New("balance contention for user %s", user)
		}
	}
}

func apply(balance Balance, unit *currency.Currency, delta Delta) (Balance, error) {
	available := balance.Available.BaseUnits() + delta.Available
	escrow := balance.Escrow.BaseUnits() + delta.Escrow
	earned := balance.TotalEarned.BaseUnits() + delta.TotalEarned
	withdrawn := balance.TotalWithdrawn.BaseUnits() + delta.TotalWithdrawn

	if available < 0 {
		return Balance{}, ErrInsufficientFunds.New("user %s has %s available", balance.UserID, balance.Available.AsDecimal())
	}
	if escrow < 0 {
		return Balance{}, ErrInvariant.New("escrow balance of user %s would become negative", balance.UserID)
	}
	if delta.TotalEarned < 0 {
		return Balance{}, ErrInvariant.New("lifetime earnings of user %s only grow", balance.UserID)
	}
	// withdrawn may shrink when a failed withdrawal is reversed, but never
	// below zero
	if withdrawn < 0 {
		return Balance{}, ErrInvariant.New("withdrawn counter of user %s would become negative", balance.UserID)
	}

	return Balance{
		UserID:         balance.UserID,
		Available:      currency.AmountFromBaseUnits(available, unit),
		Escrow:         currency.AmountFromBaseUnits(escrow, unit),
		TotalEarned:    currency.AmountFromBaseUnits(earned, unit),
		TotalWithdrawn: currency.AmountFromBaseUnits(withdrawn, unit),
	}, nil
}

func zeroBalance(user uuid.UUID, unit *currency.Currency) Balance {
	return Balance{
		UserID:         user,
		Available:      unit.Zero(),
		Escrow:         unit.Zero(),
		TotalEarned:    unit.Zero(),
		TotalWithdrawn: unit.Zero(),
	}
}

func encode(balance Balance) (storage.Value, error) {
	data, err := json.Marshal(record{
		Available:      balance.Available.BaseUnits(),
		Escrow:         balance.Escrow.BaseUnits(),
		TotalEarned:    balance.TotalEarned.BaseUnits(),
		TotalWithdrawn: balance.TotalWithdrawn.BaseUnits(),
	})
	return storage.Value(data), Error.Wrap(err)
}

func decode(user uuid.UUID, unit *currency.Currency, value storage.Value) (Balance, error) {
	var rec record
	if err := json.Unmarshal(value, &rec); err != nil {
		return Balance{}, Error.Wrap(err)
	}
	return Balance{
		UserID:         user,
		Available:      currency.AmountFromBaseUnits(rec.Available, unit),
		Escrow:         currency.AmountFromBaseUnits(rec.Escrow, unit),
		TotalEarned:    currency.AmountFromBaseUnits(rec.TotalEarned, unit),
		TotalWithdrawn: currency.AmountFromBaseUnits(rec.TotalWithdrawn, unit),
	}, nil
}
