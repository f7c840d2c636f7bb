// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

// Package ledger implements the append-only transaction ledger. Every
// movement of money is recorded here exactly once; balances are a pure
// function of the ledger and can be rebuilt from it.
package ledger

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"

	"storj.io/common/currency"
	"storj.io/common/uuid"
	"storj.io/escrow/marketplace/balances"
	"storj.io/escrow/storage"
)

var (
	mon = monkit.Package()

	// Error is the ledger error class.
	Error = errs.Class("ledger")
)

// Type is the type of a ledger transaction.
type Type string

const (
	// TypeEscrowLock moves funds from the payer into escrow.
	TypeEscrowLock = Type("escrow_lock")
	// TypeRelease moves the agreed amount from escrow to the payee.
	TypeRelease = Type("release")
	// TypeRefund returns held funds to the payer.
	TypeRefund = Type("refund")
	// TypeAgentCommission credits a commission to an agent.
	TypeAgentCommission = Type("agent_commission")
	// TypeCommissionDeduct records a fee kept by the platform.
	TypeCommissionDeduct = Type("commission_deduct")
	// TypePaymentIn records money entering from a payment rail.
	TypePaymentIn = Type("payment_in")
	// TypeWithdrawal records money leaving to a payment rail.
	TypeWithdrawal = Type("withdrawal")
)

// Status is the status of a ledger transaction.
type Status string

const (
	// StatusCompleted marks a transaction whose effects are final.
	StatusCompleted = Status("completed")
	// StatusPending marks a transaction awaiting external settlement.
	StatusPending = Status("pending")
)

// Transaction is a single immutable ledger entry.
type Transaction struct {
	ID        string
	Type      Type
	From      Account
	To        Account
	Amount    currency.Amount
	Fee       currency.Amount
	Status    Status
	Timestamp time.Time
	JobID     uuid.UUID
	AgentID   uuid.UUID
}

// Filter narrows the result of List. Zero-valued fields match everything.
type Filter struct {
	User  uuid.UUID
	JobID uuid.UUID
	Type  Type
	Since time.Time
	Until time.Time
}

// Ledger is an append-only transaction log backed by a key value store.
//
// architecture: Database
type Ledger struct {
	store storage.KeyValueStore
}

// New creates a ledger on top of the given store.
func New(store storage.KeyValueStore) *Ledger {
	return &Ledger{store: store}
}

// record is the serialized form of a Transaction. Monetary values are
// stored in base units next to the currency symbol.
type record struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	From      Account   `json:"from"`
	To        Account   `json:"to"`
	Amount    int64     `json:"amount"`
	Fee       int64     `json:"fee"`
	Currency  string    `json:"currency"`
	Status    Status    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	JobID     uuid.UUID `json:"job_id"`
	AgentID   uuid.UUID `json:"agent_id"`
}

func transactionKey(id string) storage.Key {
	return storage.Key("tx/" + id)
}

func encode(tx Transaction) (storage.Value, error) {
	data, err := json.Marshal(record{
		ID:        tx.ID,
		Type:      tx.Type,
		From:      tx.From,
		To:        tx.To,
		Amount:    tx.Amount.BaseUnits(),
		Fee:       tx.Fee.BaseUnits(),
		Currency:  tx.Amount.Currency().Symbol(),
		Status:    tx.Status,
		Timestamp: tx.Timestamp.UTC(),
		JobID:     tx.JobID,
		AgentID:   tx.AgentID,
	})
	return storage.Value(data), Error.Wrap(err)
}

func decode(value storage.Value) (Transaction, error) {
	var rec record
	if err := json.Unmarshal(value, &rec); err != nil {
		return Transaction{}, Error.Wrap(err)
	}
	unit, err := UnitBySymbol(rec.Currency)
	if err != nil {
		return Transaction{}, err
	}
	return Transaction{
		ID:        rec.ID,
		Type:      rec.Type,
		From:      rec.From,
		To:        rec.To,
		Amount:    currency.AmountFromBaseUnits(rec.Amount, unit),
		Fee:       currency.AmountFromBaseUnits(rec.Fee, unit),
		Status:    rec.Status,
		Timestamp: rec.Timestamp,
		JobID:     rec.JobID,
		AgentID:   rec.AgentID,
	}, nil
}

// Append adds a transaction to the ledger. Appending the same transaction
// id twice is a no-op and created reports whether this call added the
// entry. A transaction id must never be reused for different contents.
func (ledger *Ledger) Append(ctx context.Context, tx Transaction) (created bool, err error) {
	defer mon.Task()(&ctx)(&err)

	if tx.ID == "" {
		return false, Error.New("transaction id missing")
	}
	if tx.Timestamp.IsZero() {
		tx.Timestamp = time.Now().UTC()
	}
	if tx.Status == "" {
		tx.Status = StatusCompleted
	}

	value, err := encode(tx)
	if err != nil {
		return false, err
	}

	err = ledger.store.CompareAndSwap(transactionKey(tx.ID), nil, value)
	if storage.ErrValueChanged.Has(err) {
		// already appended, possibly by an earlier attempt of the same
		// operation
		return false, nil
	}
	if err != nil {
		return false, Error.Wrap(err)
	}
	return true, nil
}

// Get returns the transaction with the given id.
func (ledger *Ledger) Get(ctx context.Context, id string) (_ Transaction, err error) {
	defer mon.Task()(&ctx)(&err)

	value, err := ledger.store.Get(transactionKey(id))
	if err != nil {
		if storage.ErrKeyNotFound.Has(err) {
			return Transaction{}, err
		}
		return Transaction{}, Error.Wrap(err)
	}
	return decode(value)
}

// List returns the transactions matching filter, ordered by timestamp.
func (ledger *Ledger) List(ctx context.Context, filter Filter) (txs []Transaction, err error) {
	defer mon.Task()(&ctx)(&err)

	err = ledger.forEach(ctx, func(tx Transaction) error {
		if matches(tx, filter) {
			txs = append(txs, tx)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(txs, func(i, k int) bool {
		if !txs[i].Timestamp.Equal(txs[k].Timestamp) {
			return txs[i].Timestamp.Before(txs[k].Timestamp)
		}
		return txs[i].ID < txs[k].ID
	})
	return txs, nil
}

// Replay rebuilds the balance of a user in the given currency by applying
// every relevant ledger entry in timestamp order.
func (ledger *Ledger) Replay(ctx context.Context, user uuid.UUID, unit *currency.Currency) (_ balances.Balance, err error) {
	defer mon.Task()(&ctx)(&err)

	txs, err := ledger.List(ctx, Filter{User: user})
	if err != nil {
		return balances.Balance{}, err
	}

	account := UserAccount(user)
	balance := balances.Balance{
		UserID:         user,
		Available:      unit.Zero(),
		Escrow:         unit.Zero(),
		TotalEarned:    unit.Zero(),
		TotalWithdrawn: unit.Zero(),
	}
	for _, tx := range txs {
		if tx.Amount.Currency() != unit {
			continue
		}
		balance = applyEffect(balance, account, tx)
	}
	return balance, nil
}

// applyEffect applies the balance effect of a single transaction from the
// point of view of account.
func applyEffect(balance balances.Balance, account Account, tx Transaction) balances.Balance {
	switch tx.Type {
	case TypeEscrowLock:
		if tx.From == account {
			balance.Available = subtract(balance.Available, tx.Amount)
			balance.Escrow = add(balance.Escrow, tx.Amount)
		}
	case TypeRelease:
		if tx.From == account {
			balance.Escrow = subtract(balance.Escrow, add(tx.Amount, tx.Fee))
		}
		if tx.To == account {
			balance.Available = add(balance.Available, tx.Amount)
			balance.TotalEarned = add(balance.TotalEarned, tx.Amount)
		}
	case TypeRefund:
		if tx.To == account {
			balance.Available = add(balance.Available, tx.Amount)
			switch tx.From {
			case AccountEscrow:
				balance.Escrow = subtract(balance.Escrow, tx.Amount)
			case AccountExternal:
				// a withdrawal that never settled is reversed in full,
				// the withdrawn counter included
				balance.TotalWithdrawn = subtract(balance.TotalWithdrawn, tx.Amount)
			}
		}
	case TypeAgentCommission:
		if tx.To == account {
			balance.Available = add(balance.Available, tx.Amount)
		}
	case TypeCommissionDeduct:
		// platform revenue, no user balance is touched
	case TypePaymentIn:
		if tx.To == account {
			balance.Available = add(balance.Available, tx.Amount)
		}
	case TypeWithdrawal:
		if tx.From == account {
			balance.Available = subtract(balance.Available, tx.Amount)
			balance.TotalWithdrawn = add(balance.TotalWithdrawn, tx.Amount)
		}
	}
	return balance
}

// add and subtract assume both amounts share a currency, which holds for
// every entry touching a single balance.
func add(a, b currency.Amount) currency.Amount {
	return currency.AmountFromBaseUnits(a.BaseUnits()+b.BaseUnits(), a.Currency())
}

func subtract(a, b currency.Amount) currency.Amount {
	return currency.AmountFromBaseUnits(a.BaseUnits()-b.BaseUnits(), a.Currency())
}

func (ledger *Ledger) forEach(ctx context.Context, fn func(Transaction) error) error {
	keys, err := ledger.store.List(storage.Key("tx/"), 0)
	if err != nil {
		return Error.Wrap(err)
	}
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		value, err := ledger.store.Get(key)
		if err != nil {
			if storage.ErrKeyNotFound.Has(err) {
				continue
			}
			return Error.Wrap(err)
		}
		tx, err := decode(value)
		if err != nil {
			return err
		}
		if err := fn(tx); err != nil {
			return err
		}
	}
	return nil
}

func matches(tx Transaction, filter Filter) bool {
	if !filter.User.IsZero() {
		account := UserAccount(filter.User)
		if tx.From != account && tx.To != account && tx.AgentID != filter.User {
			return false
		}
	}
	if !filter.JobID.IsZero() && tx.JobID != filter.JobID {
		return false
	}
	if filter.Type != "" && tx.Type != filter.Type {
		return false
	}
	if !filter.Since.IsZero() && tx.Timestamp.Before(filter.Since) {
		return false
	}
	if !filter.Until.IsZero() && tx.Timestamp.After(filter.Until) {
		return false
	}
	return true
}

