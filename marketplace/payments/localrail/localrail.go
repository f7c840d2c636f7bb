// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

// Package localrail implements a payment rail that settles everything
// in-process. It is used in development and in tests, where no real money
// should move.
package localrail

import (
	"context"
	"sync"

	"github.com/spacemonkeygo/monkit/v3"
	"go.uber.org/zap"

	"storj.io/common/currency"
	"storj.io/common/uuid"
	"storj.io/escrow/marketplace/payments"
)

var mon = monkit.Package()

// ensures that Rail implements payments.Rail.
var _ payments.Rail = (*Rail)(nil)

// Rail is a payment rail that approves everything it is asked. Operations
// are deduplicated on their idempotency key the way a real rail would, so
// retried calls return the reference of the first attempt.
type Rail struct {
	log *zap.Logger

	mu   sync.Mutex
	seen map[string]string
}

// New creates a local payment rail.
func New(log *zap.Logger) *Rail {
	return &Rail{
		log:  log,
		seen: map[string]string{},
	}
}

// Authorize places a pretend hold and returns a reference to it.
func (rail *Rail) Authorize(ctx context.Context, idempotencyKey, accountRef string, amount currency.Amount) (_ string, err error) {
	defer mon.Task()(&ctx)(&err)
	return rail.settle(ctx, "authorize", idempotencyKey, accountRef, amount)
}

// Transfer pretends to move amount to the referenced account.
func (rail *Rail) Transfer(ctx context.Context, idempotencyKey, accountRef string, amount currency.Amount) (_ string, err error) {
	defer mon.Task()(&ctx)(&err)
	return rail.settle(ctx, "transfer", idempotencyKey, accountRef, amount)
}

// Refund releases a pretend hold.
func (rail *Rail) Refund(ctx context.Context, idempotencyKey, ref string) (err error) {
	defer mon.Task()(&ctx)(&err)
	_, err = rail.settle(ctx, "refund", idempotencyKey, ref, currency.USDollars.Zero())
	return err
}

// Payout pretends to send amount out.
func (rail *Rail) Payout(ctx context.Context, idempotencyKey, accountRef string, amount currency.Amount) (_ string, err error) {
	defer mon.Task()(&ctx)(&err)
	return rail.settle(ctx, "payout", idempotencyKey, accountRef, amount)
}

func (rail *Rail) settle(ctx context.Context, op, idempotencyKey, accountRef string, amount currency.Amount) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", payments.ErrUnavailable.Wrap(err)
	}
	if idempotencyKey == "" {
		return "", payments.Error.New("idempotency key missing")
	}

	rail.mu.Lock()
	defer rail.mu.Unlock()

	if ref, ok := rail.seen[idempotencyKey]; ok {
		return ref, nil
	}

	id, err := uuid.New()
	if err != nil {
		return "", payments.ErrUnavailable.Wrap(err)
	}
	ref := "local-" + id.String()
	rail.seen[idempotencyKey] = ref

	rail.log.Debug("settled locally",
		zap.String("operation", op),
		zap.String("account", accountRef),
		zap.String("amount", amount.AsDecimal().String()),
		zap.String("ref", ref))
	return ref, nil
}
