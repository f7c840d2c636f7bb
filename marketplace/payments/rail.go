// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

// Package payments defines the external payment rail the marketplace
// settles against.
package payments

import (
	"context"

	"github.com/zeebo/errs"

	"storj.io/common/currency"
)

var (
	// Error is the payments error class.
	Error = errs.Class("payments")
	// ErrDeclined is returned when the rail definitively rejects an
	// operation. Retrying will not help.
	ErrDeclined = errs.Class("payment declined")
	// ErrUnavailable is returned when the rail could not be reached or
	// answered ambiguously. The operation may be retried with the same
	// idempotency key.
	ErrUnavailable = errs.Class("payment rail unavailable")
)

// Rail is an external payment system. All operations take an idempotency
// key so that retries of the same operation settle at most once.
type Rail interface {
	// Authorize verifies that the referenced external account covers
	// amount and places a hold on it. It returns a reference to the hold.
	Authorize(ctx context.Context, idempotencyKey, accountRef string, amount currency.Amount) (ref string, err error)
	// Transfer moves amount to the referenced external account. It
	// returns a reference to the transfer.
	Transfer(ctx context.Context, idempotencyKey, accountRef string, amount currency.Amount) (ref string, err error)
	// Refund releases the hold identified by ref.
	Refund(ctx context.Context, idempotencyKey, ref string) error
	// Payout sends amount out to the referenced external account. It
	// returns a reference to the payout.
	Payout(ctx context.Context, idempotencyKey, accountRef string, amount currency.Amount) (ref string, err error)
}

// Definitive reports whether err is a final rail answer that must not be
// retried.
func Definitive(err error) bool {
	return ErrDeclined.Has(err)
}
