// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package escrow_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/common/currency"
	"storj.io/common/testcontext"
	"storj.io/common/testrand"
	"storj.io/common/uuid"
	"storj.io/escrow/marketplace/balances"
	"storj.io/escrow/marketplace/escrow"
	"storj.io/escrow/marketplace/events"
	"storj.io/escrow/marketplace/ledger"
	"storj.io/escrow/marketplace/payments"
	"storj.io/escrow/marketplace/payments/localrail"
	"storj.io/escrow/marketplace/referrals"
	"storj.io/escrow/storage"
	"storj.io/escrow/storage/teststore"
)

func usd(cents int64) currency.Amount {
	return currency.AmountFromBaseUnits(cents, currency.USDollars)
}

// flakyRail wraps a working rail with injectable failures.
type flakyRail struct {
	inner payments.Rail

	mu          sync.Mutex
	transferErr error
	refundErr   error
}

func (rail *flakyRail) fail(transferErr, refundErr error) {
	rail.mu.Lock()
	defer rail.mu.Unlock()
	rail.transferErr, rail.refundErr = transferErr, refundErr
}

func (rail *flakyRail) Authorize(ctx context.Context, idempotencyKey, accountRef string, amount currency.Amount) (string, error) {
	return rail.inner.Authorize(ctx, idempotencyKey, accountRef, amount)
}

func (rail *flakyRail) Transfer(ctx context.Context, idempotencyKey, accountRef string, amount currency.Amount) (string, error) {
	rail.mu.Lock()
	err := rail.transferErr
	rail.mu.Unlock()
	if err != nil {
		return "", err
	}
	return rail.inner.Transfer(ctx, idempotencyKey, accountRef, amount)
}

func (rail *flakyRail) Refund(ctx context.Context, idempotencyKey, ref string) error {
	rail.mu.Lock()
	err := rail.refundErr
	rail.mu.Unlock()
	if err != nil {
		return err
	}
	return rail.inner.Refund(ctx, idempotencyKey, ref)
}

func (rail *flakyRail) Payout(ctx context.Context, idempotencyKey, accountRef string, amount currency.Amount) (string, error) {
	return rail.inner.Payout(ctx, idempotencyKey, accountRef, amount)
}

// eventRecorder captures emitted events for assertions.
type eventRecorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (recorder *eventRecorder) Emit(event events.Event) {
	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	recorder.events = append(recorder.events, event)
}

func (recorder *eventRecorder) ofType(eventType events.Type) (found []events.Event) {
	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	for _, event := range recorder.events {
		if event.Type == eventType {
			found = append(found, event)
		}
	}
	return found
}

type harness struct {
	Ledger    *ledger.Ledger
	Balances  *balances.Store
	Referrals *referrals.Index
	Rail      *flakyRail
	Events    *eventRecorder
	Jobs      storage.KeyValueStore
	Service   *escrow.Service

	payer, payee uuid.UUID
}

func newHarness(t *testing.T) *harness {
	log := zaptest.NewLogger(t)

	h := &harness{
		Ledger:    ledger.New(teststore.New()),
		Balances:  balances.NewStore(teststore.New()),
		Referrals: referrals.NewIndex(teststore.New()),
		Rail:      &flakyRail{inner: localrail.New(log.Named("rail"))},
		Events:    &eventRecorder{},
		Jobs:      teststore.New(),
		payer:     testrand.UUID(),
		payee:     testrand.UUID(),
	}
	h.Service = escrow.NewService(log.Named("escrow"),
		h.Jobs, h.Ledger, h.Balances, h.Referrals, h.Rail, h.Events,
		escrow.Config{
			FeeRateBps:       1000,
			MaxAttempts:      5,
			RecoveryInterval: time.Hour,
		})
	return h
}

// fund credits a user through the ledger so that balances stay replayable.
func (h *harness) fund(ctx *testcontext.Context, t *testing.T, user uuid.UUID, cents int64) {
	created, err := h.Ledger.Append(ctx, ledger.Transaction{
		ID:     "deposit-" + user.String() + "-" + testrand.UUID().String(),
		Type:   ledger.TypePaymentIn,
		From:   ledger.AccountExternal,
		To:     ledger.UserAccount(user),
		Amount: usd(cents),
	})
	require.NoError(t, err)
	require.True(t, created)
	_, err = h.Balances.Apply(ctx, user, currency.USDollars, balances.Delta{Available: cents})
	require.NoError(t, err)
}

func (h *harness) balance(ctx *testcontext.Context, t *testing.T, user uuid.UUID) balances.Balance {
	balance, err := h.Balances.Get(ctx, user, currency.USDollars)
	require.NoError(t, err)
	return balance
}

func (h *harness) lock(ctx *testcontext.Context, t *testing.T, dealID string, cents int64) escrow.Job {
	job, err := h.Service.Lock(ctx, escrow.LockRequest{
		DealID:          dealID,
		PayerID:         h.payer,
		PayeeID:         h.payee,
		Amount:          usd(cents),
		PayerAccountRef: "payer-card",
	})
	require.NoError(t, err)
	return job
}

func TestLockHoldsAmountPlusFee(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	h := newHarness(t)

	h.fund(ctx, t, h.payer, 100000) // 1000.00

	job := h.lock(ctx, t, "deal-1", 50000) // 500.00
	require.Equal(t, escrow.StatusLocked, job.Status)
	require.True(t, job.LockSettled)
	require.Equal(t, usd(50000), job.Amount)
	require.Equal(t, usd(55000), job.TotalHeld) // 10% fee on top
	require.Equal(t, usd(5000), job.Fee())

	balance := h.balance(ctx, t, h.payer)
	require.Equal(t, usd(45000), balance.Available)
	require.Equal(t, usd(55000), balance.Escrow)

	// both sides hear about the funding
	funded := h.Events.ofType(events.TypeDealFunded)
	require.Len(t, funded, 2)
	recipients := []uuid.UUID{funded[0].UserID, funded[1].UserID}
	require.ElementsMatch(t, []uuid.UUID{h.payer, h.payee}, recipients)
	for _, event := range funded {
		require.Equal(t, "deal-1", event.Payload["deal_id"])
		require.Equal(t, job.ID.String(), event.Payload["job_id"])
	}
}

func TestLockIdempotent(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	h := newHarness(t)

	h.fund(ctx, t, h.payer, 100000)

	first := h.lock(ctx, t, "deal-1", 50000)
	second := h.lock(ctx, t, "deal-1", 50000)
	require.Equal(t, first.ID, second.ID)

	// funds are held exactly once
	balance := h.balance(ctx, t, h.payer)
	require.Equal(t, usd(45000), balance.Available)
	require.Equal(t, usd(55000), balance.Escrow)
}

func TestLockRecoversAbandonedClaim(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	h := newHarness(t)

	h.fund(ctx, t, h.payer, 100000)

	// a crash between claiming the deal and persisting the job leaves a
	// claim pointing at a job that does not exist
	ghost := testrand.UUID()
	require.NoError(t, h.Jobs.Put(storage.Key("deal/deal-1"), storage.Value(ghost.String())))

	job := h.lock(ctx, t, "deal-1", 50000)
	require.Equal(t, escrow.StatusLocked, job.Status)
	require.True(t, job.LockSettled)
	require.NotEqual(t, ghost, job.ID)

	// funded exactly once
	locks, err := h.Ledger.List(ctx, ledger.Filter{Type: ledger.TypeEscrowLock})
	require.NoError(t, err)
	require.Len(t, locks, 1)

	balance := h.balance(ctx, t, h.payer)
	require.Equal(t, usd(45000), balance.Available)
	require.Equal(t, usd(55000), balance.Escrow)
}

func TestLockInsufficientFunds(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	h := newHarness(t)

	h.fund(ctx, t, h.payer, 10000) // 100.00, not enough for 500.00 + fee

	_, err := h.Service.Lock(ctx, escrow.LockRequest{
		DealID:          "deal-1",
		PayerID:         h.payer,
		PayeeID:         h.payee,
		Amount:          usd(50000),
		PayerAccountRef: "payer-card",
	})
	require.True(t, balances.ErrInsufficientFunds.Has(err))

	balance := h.balance(ctx, t, h.payer)
	require.Equal(t, usd(10000), balance.Available)
	require.Equal(t, usd(0), balance.Escrow)

	// the deal id is free again after the failed lock
	h.fund(ctx, t, h.payer, 100000)
	job := h.lock(ctx, t, "deal-1", 50000)
	require.Equal(t, escrow.StatusLocked, job.Status)
}

func TestLockValidation(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	h := newHarness(t)

	_, err := h.Service.Lock(ctx, escrow.LockRequest{
		DealID: "deal-1", PayerID: h.payer, PayeeID: h.payer, Amount: usd(100),
	})
	require.Error(t, err)

	_, err = h.Service.Lock(ctx, escrow.LockRequest{
		DealID: "deal-1", PayerID: h.payer, PayeeID: h.payee, Amount: usd(0),
	})
	require.Error(t, err)

	_, err = h.Service.Lock(ctx, escrow.LockRequest{
		PayerID: h.payer, PayeeID: h.payee, Amount: usd(100),
	})
	require.Error(t, err)
}

func TestReleasePaysPayeeAndPlatform(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	h := newHarness(t)

	h.fund(ctx, t, h.payer, 100000)
	job := h.lock(ctx, t, "deal-1", 50000)

	released, err := h.Service.Release(ctx, job.ID, "payee-account")
	require.NoError(t, err)
	require.Equal(t, escrow.StatusReleased, released.Status)
	require.NotNil(t, released.ReleasedAt)

	payer := h.balance(ctx, t, h.payer)
	require.Equal(t, usd(45000), payer.Available)
	require.Equal(t, usd(0), payer.Escrow)

	payee := h.balance(ctx, t, h.payee)
	require.Equal(t, usd(50000), payee.Available)
	require.Equal(t, usd(50000), payee.TotalEarned)

	// nobody recruited anyone, the platform keeps the fee
	deducts, err := h.Ledger.List(ctx, ledger.Filter{Type: ledger.TypeCommissionDeduct})
	require.NoError(t, err)
	require.Len(t, deducts, 1)
	require.Equal(t, usd(5000), deducts[0].Amount)

	require.Len(t, h.Events.ofType(events.TypeDealCompleted), 1)
}

func TestReleaseIdempotent(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	h := newHarness(t)

	h.fund(ctx, t, h.payer, 100000)
	job := h.lock(ctx, t, "deal-1", 50000)

	_, err := h.Service.Release(ctx, job.ID, "payee-account")
	require.NoError(t, err)
	again, err := h.Service.Release(ctx, job.ID, "payee-account")
	require.NoError(t, err)
	require.Equal(t, escrow.StatusReleased, again.Status)

	// paid exactly once
	payee := h.balance(ctx, t, h.payee)
	require.Equal(t, usd(50000), payee.Available)
}

func TestRefundReturnsEverything(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	h := newHarness(t)

	h.fund(ctx, t, h.payer, 100000)
	job := h.lock(ctx, t, "deal-1", 50000)

	refunded, err := h.Service.Refund(ctx, job.ID, "deal fell through")
	require.NoError(t, err)
	require.Equal(t, escrow.StatusRefunded, refunded.Status)

	// fee included
	payer := h.balance(ctx, t, h.payer)
	require.Equal(t, usd(100000), payer.Available)
	require.Equal(t, usd(0), payer.Escrow)

	payee := h.balance(ctx, t, h.payee)
	require.Equal(t, usd(0), payee.Available)

	// no commissions on refunds
	commissions, err := h.Ledger.List(ctx, ledger.Filter{Type: ledger.TypeAgentCommission})
	require.NoError(t, err)
	require.Empty(t, commissions)
	deducts, err := h.Ledger.List(ctx, ledger.Filter{Type: ledger.TypeCommissionDeduct})
	require.NoError(t, err)
	require.Empty(t, deducts)

	require.Len(t, h.Events.ofType(events.TypeDealCancelled), 1)

	// refunding again is a no-op
	again, err := h.Service.Refund(ctx, job.ID, "")
	require.NoError(t, err)
	require.Equal(t, escrow.StatusRefunded, again.Status)
	payer = h.balance(ctx, t, h.payer)
	require.Equal(t, usd(100000), payer.Available)
}

func TestTerminalProtection(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	h := newHarness(t)

	h.fund(ctx, t, h.payer, 200000)

	released := h.lock(ctx, t, "deal-released", 50000)
	_, err := h.Service.Release(ctx, released.ID, "payee-account")
	require.NoError(t, err)

	_, err = h.Service.Refund(ctx, released.ID, "")
	require.True(t, escrow.ErrConflict.Has(err))
	_, err = h.Service.Approve(ctx, released.ID)
	require.True(t, escrow.ErrConflict.Has(err))

	refunded := h.lock(ctx, t, "deal-refunded", 50000)
	_, err = h.Service.Refund(ctx, refunded.ID, "")
	require.NoError(t, err)

	_, err = h.Service.Release(ctx, refunded.ID, "payee-account")
	require.True(t, escrow.ErrConflict.Has(err))
}

func TestApprove(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	h := newHarness(t)

	h.fund(ctx, t, h.payer, 100000)
	job := h.lock(ctx, t, "deal-1", 50000)

	approved, err := h.Service.Approve(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, escrow.StatusApproved, approved.Status)

	// approving again is a no-op
	approved, err = h.Service.Approve(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, escrow.StatusApproved, approved.Status)

	released, err := h.Service.Release(ctx, job.ID, "payee-account")
	require.NoError(t, err)
	require.Equal(t, escrow.StatusReleased, released.Status)
}

func TestReleaseTransientFailure(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	h := newHarness(t)

	h.fund(ctx, t, h.payer, 100000)
	job := h.lock(ctx, t, "deal-1", 50000)

	h.Rail.fail(payments.ErrUnavailable.New("rail down"), nil)
	_, err := h.Service.Release(ctx, job.ID, "payee-account")
	require.Error(t, err)

	// the job reverted, funds stay in escrow
	current, err := h.Service.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, escrow.StatusLocked, current.Status)
	payer := h.balance(ctx, t, h.payer)
	require.Equal(t, usd(55000), payer.Escrow)

	// the retry succeeds
	h.Rail.fail(nil, nil)
	released, err := h.Service.Release(ctx, job.ID, "payee-account")
	require.NoError(t, err)
	require.Equal(t, escrow.StatusReleased, released.Status)
}

func TestReleaseDeclined(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	h := newHarness(t)

	h.fund(ctx, t, h.payer, 100000)
	job := h.lock(ctx, t, "deal-1", 50000)

	h.Rail.fail(payments.ErrDeclined.New("account closed"), nil)
	_, err := h.Service.Release(ctx, job.ID, "payee-account")
	require.Error(t, err)

	// a definitive decline parks the job for an operator, funds stay in
	// escrow
	current, err := h.Service.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, escrow.StatusFailed, current.Status)
	payer := h.balance(ctx, t, h.payer)
	require.Equal(t, usd(55000), payer.Escrow)
	require.NotEmpty(t, h.Events.ofType(events.TypeOperatorAlert))
	require.NotEmpty(t, h.Events.ofType(events.TypeDealFailed))

	// the operator can resolve the failed job with a refund
	h.Rail.fail(nil, nil)
	refunded, err := h.Service.Refund(ctx, job.ID, "payee account closed")
	require.NoError(t, err)
	require.Equal(t, escrow.StatusRefunded, refunded.Status)
	payer = h.balance(ctx, t, h.payer)
	require.Equal(t, usd(100000), payer.Available)
}

func TestReleaseRetryAfterFailed(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	h := newHarness(t)

	h.fund(ctx, t, h.payer, 100000)
	job := h.lock(ctx, t, "deal-1", 50000)

	h.Rail.fail(payments.ErrDeclined.New("account closed"), nil)
	_, err := h.Service.Release(ctx, job.ID, "payee-account")
	require.Error(t, err)

	current, err := h.Service.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, escrow.StatusFailed, current.Status)

	// once the payee account is fixed the operator can retry the release
	h.Rail.fail(nil, nil)
	released, err := h.Service.Release(ctx, job.ID, "payee-account-fixed")
	require.NoError(t, err)
	require.Equal(t, escrow.StatusReleased, released.Status)

	payee := h.balance(ctx, t, h.payee)
	require.Equal(t, usd(50000), payee.Available)
	payer := h.balance(ctx, t, h.payer)
	require.Equal(t, usd(45000), payer.Available)
	require.Equal(t, usd(0), payer.Escrow)
}

func TestReleaseMaxAttempts(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	h := newHarness(t)

	h.fund(ctx, t, h.payer, 100000)
	job := h.lock(ctx, t, "deal-1", 50000)

	h.Rail.fail(payments.ErrUnavailable.New("rail down"), nil)
	for i := 0; i < 5; i++ {
		_, err := h.Service.Release(ctx, job.ID, "payee-account")
		require.Error(t, err)
	}

	current, err := h.Service.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, escrow.StatusFailed, current.Status)
	require.Equal(t, 5, current.Attempts)
}

func TestGetByDealAndList(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	h := newHarness(t)

	h.fund(ctx, t, h.payer, 200000)
	first := h.lock(ctx, t, "deal-1", 50000)
	second := h.lock(ctx, t, "deal-2", 10000)

	byDeal, err := h.Service.GetByDeal(ctx, "deal-1")
	require.NoError(t, err)
	require.Equal(t, first.ID, byDeal.ID)

	_, err = h.Service.GetByDeal(ctx, "deal-unknown")
	require.True(t, escrow.ErrNotFound.Has(err))

	_, err = h.Service.Get(ctx, testrand.UUID())
	require.True(t, escrow.ErrNotFound.Has(err))

	locked, err := h.Service.ListByStatus(ctx, escrow.StatusLocked)
	require.NoError(t, err)
	require.Len(t, locked, 2)

	_, err = h.Service.Release(ctx, second.ID, "payee-account")
	require.NoError(t, err)

	locked, err = h.Service.ListByStatus(ctx, escrow.StatusLocked)
	require.NoError(t, err)
	require.Len(t, locked, 1)
}

func TestReplayMatchesBalances(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	h := newHarness(t)

	agent := testrand.UUID()
	require.NoError(t, h.Referrals.Register(ctx, agent, h.payee, referrals.UserTypePayee))

	h.fund(ctx, t, h.payer, 300000)

	released := h.lock(ctx, t, "deal-1", 50000)
	_, err := h.Service.Release(ctx, released.ID, "payee-account")
	require.NoError(t, err)

	refunded := h.lock(ctx, t, "deal-2", 100000)
	_, err = h.Service.Refund(ctx, refunded.ID, "cancelled")
	require.NoError(t, err)

	locked := h.lock(ctx, t, "deal-3", 20000)
	require.Equal(t, escrow.StatusLocked, locked.Status)

	// the stored snapshots equal a full replay of the ledger
	for _, user := range []uuid.UUID{h.payer, h.payee, agent} {
		stored := h.balance(ctx, t, user)
		replayed, err := h.Ledger.Replay(ctx, user, currency.USDollars)
		require.NoError(t, err)
		require.Equal(t, replayed, stored, "user %s", user)
	}
}
