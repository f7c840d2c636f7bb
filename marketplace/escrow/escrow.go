// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

// Package escrow implements the deal escrow state machine. Funds are
// locked out of the payer balance when a deal starts and either released
// to the payee or refunded to the payer when it ends.
package escrow

import (
	"encoding/json"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"

	"storj.io/common/currency"
	"storj.io/common/uuid"
	"storj.io/escrow/marketplace/ledger"
	"storj.io/escrow/storage"
)

var (
	mon = monkit.Package()

	// Error is the escrow error class.
	Error = errs.Class("escrow")
	// ErrNotFound is returned when an escrow job does not exist.
	ErrNotFound = errs.Class("escrow job not found")
	// ErrConflict is returned when an operation is not allowed in the
	// current state of the job.
	ErrConflict = errs.Class("escrow state conflict")
)

// Status is the state of an escrow job.
type Status string

const (
	// StatusLocked means funds are held in escrow for the deal.
	StatusLocked = Status("locked")
	// StatusApproved means the payer approved the outcome of the deal.
	StatusApproved = Status("approved")
	// StatusReleasing means a release is settling on the payment rail.
	StatusReleasing = Status("releasing")
	// StatusReleased means the payee has been paid. Terminal.
	StatusReleased = Status("released")
	// StatusRefunding means a refund is settling on the payment rail.
	StatusRefunding = Status("refunding")
	// StatusRefunded means the payer got the held funds back. Terminal.
	StatusRefunded = Status("refunded")
	// StatusFailed means the job needs an operator. Terminal for the
	// state machine, funds stay in escrow until resolved.
	StatusFailed = Status("failed")
)

// Terminal reports whether no further automatic transitions happen from
// this status.
func (status Status) Terminal() bool {
	switch status {
	case StatusReleased, StatusRefunded, StatusFailed:
		return true
	}
	return false
}

// Job is a single escrow engagement for a deal.
type Job struct {
	ID      uuid.UUID
	DealID  string
	PayerID uuid.UUID
	PayeeID uuid.UUID

	// Amount is the agreed deal amount, TotalHeld additionally includes
	// the platform fee. Both are locked out of the payer balance.
	Amount    currency.Amount
	TotalHeld currency.Amount

	Status     Status
	LockedAt   time.Time
	ReleasedAt *time.Time

	// PayerAgentID and PayeeAgentID are the attribution snapshot taken
	// when the deal was funded. Later referral changes do not affect
	// this job.
	PayerAgentID uuid.UUID
	PayeeAgentID uuid.UUID

	// PayerAccountRef is the payer's account on the payment rail and
	// PayerRailRef the hold placed on it. PayeeAccountRef is recorded
	// when a release starts so an interrupted release can be re-driven.
	PayerAccountRef string
	PayerRailRef    string
	PayeeAccountRef string

	// LockSettled is false until the lock ledger entry and balance
	// update have been applied.
	LockSettled bool

	Attempts      int
	FailureReason string
}

// Fee returns the platform fee portion of the held funds.
func (job Job) Fee() currency.Amount {
	return currency.AmountFromBaseUnits(
		job.TotalHeld.BaseUnits()-job.Amount.BaseUnits(),
		job.TotalHeld.Currency())
}

// Config holds the escrow service configuration.
type Config struct {
	// FeeRateBps is the platform fee in basis points of the deal amount.
	FeeRateBps int64 `help:"platform fee in basis points of the deal amount" default:"1000"`
	// MaxAttempts bounds how often a release or refund is attempted
	// before the job is parked as failed.
	MaxAttempts int `help:"how often a release or refund is attempted before operator intervention" default:"5"`
	// RecoveryInterval is how often interrupted jobs are re-driven.
	RecoveryInterval time.Duration `help:"how often interrupted escrow jobs are re-driven" default:"1m"`
}

// jobs persists escrow jobs and the deal index in a key value store.
//
// architecture: Database
type jobs struct {
	store storage.KeyValueStore
}

type jobRecord struct {
	ID      uuid.UUID `json:"id"`
	DealID  string    `json:"deal_id"`
	PayerID uuid.UUID `json:"payer_id"`
	PayeeID uuid.UUID `json:"payee_id"`

	Amount    int64  `json:"amount"`
	TotalHeld int64  `json:"total_held"`
	Currency  string `json:"currency"`

	Status     Status     `json:"status"`
	LockedAt   time.Time  `json:"locked_at"`
	ReleasedAt *time.Time `json:"released_at"`

	PayerAgentID uuid.UUID `json:"payer_agent_id"`
	PayeeAgentID uuid.UUID `json:"payee_agent_id"`

	PayerAccountRef string `json:"payer_account_ref"`
	PayerRailRef    string `json:"payer_rail_ref"`
	PayeeAccountRef string `json:"payee_account_ref"`

	LockSettled bool `json:"lock_settled"`

	Attempts      int    `json:"attempts"`
	FailureReason string `json:"failure_reason,omitempty"`
}

func jobKey(id uuid.UUID) storage.Key {
	return storage.Key("job/" + id.String())
}

func dealKey(dealID string) storage.Key {
	return storage.Key("deal/" + dealID)
}

func encodeJob(job Job) (storage.Value, error) {
	data, err := json.Marshal(jobRecord{
		ID:              job.ID,
		DealID:          job.DealID,
		PayerID:         job.PayerID,
		PayeeID:         job.PayeeID,
		Amount:          job.Amount.BaseUnits(),
		TotalHeld:       job.TotalHeld.BaseUnits(),
		Currency:        job.Amount.Currency().Symbol(),
		Status:          job.Status,
		LockedAt:        job.LockedAt.UTC(),
		ReleasedAt:      job.ReleasedAt,
		PayerAgentID:    job.PayerAgentID,
		PayeeAgentID:    job.PayeeAgentID,
		PayerAccountRef: job.PayerAccountRef,
		PayerRailRef:    job.PayerRailRef,
		PayeeAccountRef: job.PayeeAccountRef,
		LockSettled:     job.LockSettled,
		Attempts:        job.Attempts,
		FailureReason:   job.FailureReason,
	})
	return storage.Value(data), Error.Wrap(err)
}

func decodeJob(value storage.Value) (Job, error) {
	var rec jobRecord
	if err := json.Unmarshal(value, &rec); err != nil {
		return Job{}, Error.Wrap(err)
	}
	unit, err := ledger.UnitBySymbol(rec.Currency)
	if err != nil {
		return Job{}, Error.Wrap(err)
	}
	return Job{
		ID:              rec.ID,
		DealID:          rec.DealID,
		PayerID:         rec.PayerID,
		PayeeID:         rec.PayeeID,
		Amount:          currency.AmountFromBaseUnits(rec.Amount, unit),
		TotalHeld:       currency.AmountFromBaseUnits(rec.TotalHeld, unit),
		Status:          rec.Status,
		LockedAt:        rec.LockedAt,
		ReleasedAt:      rec.ReleasedAt,
		PayerAgentID:    rec.PayerAgentID,
		PayeeAgentID:    rec.PayeeAgentID,
		PayerAccountRef: rec.PayerAccountRef,
		PayerRailRef:    rec.PayerRailRef,
		PayeeAccountRef: rec.PayeeAccountRef,
		LockSettled:     rec.LockSettled,
		Attempts:        rec.Attempts,
		FailureReason:   rec.FailureReason,
	}, nil
}

func (db *jobs) save(job Job) error {
	value, err := encodeJob(job)
	if err != nil {
		return err
	}
	return Error.Wrap(db.store.Put(jobKey(job.ID), value))
}

func (db *jobs) get(id uuid.UUID) (Job, error) {
	value, err := db.store.Get(jobKey(id))
	if storage.ErrKeyNotFound.Has(err) {
		return Job{}, ErrNotFound.New("%s", id)
	}
	if err != nil {
		return Job{}, Error.Wrap(err)
	}
	return decodeJob(value)
}

// claimDeal reserves the deal id for the given job. It returns the id of
// the already existing job when the deal has been claimed before.
func (db *jobs) claimDeal(dealID string, jobID uuid.UUID) (existing uuid.UUID, claimed bool, err error) {
	err = db.store.CompareAndSwap(dealKey(dealID), nil, storage.Value(jobID.String()))
	if err == nil {
		return jobID, true, nil
	}
	if !storage.ErrValueChanged.Has(err) {
		return uuid.UUID{}, false, Error.Wrap(err)
	}

	value, err := db.store.Get(dealKey(dealID))
	if err != nil {
		return uuid.UUID{}, false, Error.Wrap(err)
	}
	existing, err = uuid.FromString(string(value))
	if err != nil {
		return uuid.UUID{}, false, Error.Wrap(err)
	}
	return existing, false, nil
}

// reclaimDeal re-points a deal claim whose job was never persisted to a
// fresh job id.
func (db *jobs) reclaimDeal(dealID string, previous, next uuid.UUID) error {
	err := db.store.CompareAndSwap(dealKey(dealID),
		storage.Value(previous.String()), storage.Value(next.String()))
	return Error.Wrap(err)
}

// releaseDeal undoes a deal claim after a failed lock, making the deal id
// usable again.
func (db *jobs) releaseDeal(dealID string, jobID uuid.UUID) error {
	err := db.store.CompareAndSwap(dealKey(dealID), storage.Value(jobID.String()), nil)
	if storage.ErrKeyNotFound.Has(err) || storage.ErrValueChanged.Has(err) {
		return nil
	}
	return Error.Wrap(err)
}

func (db *jobs) byDeal(dealID string) (Job, error) {
	value, err := db.store.Get(dealKey(dealID))
	if storage.ErrKeyNotFound.Has(err) {
		return Job{}, ErrNotFound.New("deal %s", dealID)
	}
	if err != nil {
		return Job{}, Error.Wrap(err)
	}
	id, err := uuid.FromString(string(value))
	if err != nil {
		return Job{}, Error.Wrap(err)
	}
	return db.get(id)
}

func (db *jobs) forEach(fn func(Job) error) error {
	keys, err := db.store.List(storage.Key("job/"), 0)
	if err != nil {
		return Error.Wrap(err)
	}
	for _, key := range keys {
		value, err := db.store.Get(key)
		if err != nil {
			if storage.ErrKeyNotFound.Has(err) {
				continue
			}
			return Error.Wrap(err)
		}
		job, err := decodeJob(value)
		if err != nil {
			return err
		}
		if err := fn(job); err != nil {
			return err
		}
	}
	return nil
}
