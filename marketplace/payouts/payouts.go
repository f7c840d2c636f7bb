// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

// Package payouts moves money between user balances and the outside
// world: deposits in, withdrawals and commission payouts out.
package payouts

import (
	"context"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/common/currency"
	"storj.io/common/uuid"
	"storj.io/escrow/marketplace/balances"
	"storj.io/escrow/marketplace/events"
	"storj.io/escrow/marketplace/ledger"
	"storj.io/escrow/marketplace/payments"
)

var (
	mon = monkit.Package()

	// Error is the payouts error class.
	Error = errs.Class("payouts")
	// ErrNotVerified is returned when a commission payout is requested
	// for an agent without verified identity.
	ErrNotVerified = errs.Class("identity not verified")
	// ErrBelowMinimum is returned when a commission payout is smaller
	// than the minimum of the tier.
	ErrBelowMinimum = errs.Class("below minimum payout")
)

// IdentityVerifier answers whether a user passed identity verification.
type IdentityVerifier interface {
	Verify(ctx context.Context, user uuid.UUID) (bool, error)
}

// VerifierFunc adapts a function to the IdentityVerifier interface.
type VerifierFunc func(ctx context.Context, user uuid.UUID) (bool, error)

// Verify implements IdentityVerifier.
func (fn VerifierFunc) Verify(ctx context.Context, user uuid.UUID) (bool, error) {
	return fn(ctx, user)
}

// Tier describes the payout conditions of an agent tier.
type Tier struct {
	Name          string
	MinimumPayout currency.Amount
	PayoutFeeBps  int64
}

// Tiers resolves the payout tier of an agent.
type Tiers interface {
	TierFor(ctx context.Context, agent uuid.UUID) (Tier, error)
}

// StaticTiers puts every agent into the same tier.
type StaticTiers struct {
	Tier Tier
}

// TierFor implements Tiers.
func (tiers StaticTiers) TierFor(ctx context.Context, agent uuid.UUID) (Tier, error) {
	return tiers.Tier, nil
}

// Service orchestrates deposits, withdrawals and commission payouts.
//
// architecture: Service
type Service struct {
	log      *zap.Logger
	ledger   *ledger.Ledger
	balances *balances.Store
	rail     payments.Rail
	emitter  events.Emitter
	verifier IdentityVerifier
	tiers    Tiers
}

// NewService creates a payouts service.
func NewService(log *zap.Logger, txs *ledger.Ledger, balanceStore *balances.Store, rail payments.Rail, emitter events.Emitter, verifier IdentityVerifier, tiers Tiers) *Service {
	return &Service{
		log:      log,
		ledger:   txs,
		balances: balanceStore,
		rail:     rail,
		emitter:  emitter,
		verifier: verifier,
		tiers:    tiers,
	}
}

// WithdrawRequest describes a withdrawal of available funds.
type WithdrawRequest struct {
	UserID     uuid.UUID
	Amount     currency.Amount
	AccountRef string
	// Ref is the caller's idempotency reference. Retrying with the same
	// Ref settles the withdrawal at most once.
	Ref string
}

// Withdraw sends available funds of a user out through the payment rail.
func (service *Service) Withdraw(ctx context.Context, request WithdrawRequest) (err error) {
	defer mon.Task()(&ctx)(&err)

	if request.Ref == "" {
		return Error.New("withdrawal reference missing")
	}
	if request.Amount.BaseUnits() <= 0 {
		return Error.New("withdrawal amount must be positive")
	}

	txID := "withdrawal-" + request.Ref
	err = service.debit(ctx, txID, request.UserID, request.Amount)
	if err != nil {
		return err
	}

	_, err = service.rail.Payout(ctx, txID, request.AccountRef, request.Amount)
	if err != nil {
		if payments.Definitive(err) {
			return service.compensate(ctx, txID, request.UserID, request.Amount, err)
		}
		// transient, safe to retry with the same reference
		return Error.Wrap(err)
	}

	service.emitter.Emit(events.Event{
		UserID: request.UserID,
		Type:   events.TypeWithdrawalSent,
		Payload: map[string]string{
			"amount": request.Amount.AsDecimal().String(),
			"ref":    request.Ref,
		},
	})
	return nil
}

// debit records a withdrawal ledger entry and takes the amount out of the
// user's available balance, exactly once per transaction id.
func (service *Service) debit(ctx context.Context, txID string, user uuid.UUID, amount currency.Amount) error {
	unit := amount.Currency()

	created, err := service.ledger.Append(ctx, ledger.Transaction{
		ID:     txID,
		Type:   ledger.TypeWithdrawal,
		From:   ledger.UserAccount(user),
		To:     ledger.AccountExternal,
		Amount: amount,
	})
	if err != nil {
		return err
	}
	if !created {
		// an earlier attempt already appended, rebuild the balance and
		// continue towards the rail
		return service.reconcile(ctx, user, unit)
	}

	_, err = service.balances.Apply(ctx, user, unit, balances.Delta{
		Available:      -amount.BaseUnits(),
		TotalWithdrawn: amount.BaseUnits(),
	})
	if balances.ErrInsufficientFunds.Has(err) {
		// the entry is already in the ledger, compensate it so replay
		// stays a no-op and surface the failure
		if _, cerr := service.ledger.Append(ctx, ledger.Transaction{
			ID:     txID + "-cancel",
			Type:   ledger.TypeRefund,
			From:   ledger.AccountExternal,
			To:     ledger.UserAccount(user),
			Amount: amount,
		}); cerr != nil {
			return errs.Combine(err, cerr)
		}
		return err
	}
	return err
}

// reconcile rebuilds a user balance from the ledger.
func (service *Service) reconcile(ctx context.Context, user uuid.UUID, unit *currency.Currency) error {
	_, err := service.balances.Reconcile(ctx, user, unit,
		func(ctx context.Context) (balances.Balance, error) {
			return service.ledger.Replay(ctx, user, unit)
		})
	return err
}

// compensate reverses a definitively failed payout: the money never left,
// so the available balance and the withdrawn counter are both restored.
func (service *Service) compensate(ctx context.Context, txID string, user uuid.UUID, amount currency.Amount, cause error) error {
	unit := amount.Currency()

	created, err := service.ledger.Append(ctx, ledger.Transaction{
		ID:     txID + "-reversal",
		Type:   ledger.TypeRefund,
		From:   ledger.AccountExternal,
		To:     ledger.UserAccount(user),
		Amount: amount,
	})
	if err != nil {
		return errs.Combine(cause, err)
	}
	if created {
		if _, err := service.balances.Apply(ctx, user, unit, balances.Delta{
			Available:      amount.BaseUnits(),
			TotalWithdrawn: -amount.BaseUnits(),
		}); err != nil {
			return errs.Combine(cause, err)
		}
	}

	service.log.Error("payout declined, funds returned",
		zap.Stringer("user", user),
		zap.String("tx", txID),
		zap.Error(cause))
	service.emitter.Emit(events.Event{
		UserID: user,
		Type:   events.TypeOperatorAlert,
		Payload: map[string]string{
			"tx":     txID,
			"reason": cause.Error(),
		},
	})
	return Error.Wrap(cause)
}

// DepositRequest describes money entering from an external account.
type DepositRequest struct {
	UserID     uuid.UUID
	Amount     currency.Amount
	AccountRef string
	Ref        string
}

// Deposit collects money from an external account and credits the user's
// available balance.
func (service *Service) Deposit(ctx context.Context, request DepositRequest) (err error) {
	defer mon.Task()(&ctx)(&err)

	if request.Ref == "" {
		return Error.New("deposit reference missing")
	}
	if request.Amount.BaseUnits() <= 0 {
		return Error.New("deposit amount must be positive")
	}

	txID := "deposit-" + request.Ref
	unit := request.Amount.Currency()

	if _, err := service.rail.Authorize(ctx, txID, request.AccountRef, request.Amount); err != nil {
		return Error.Wrap(err)
	}

	created, err := service.ledger.Append(ctx, ledger.Transaction{
		ID:     txID,
		Type:   ledger.TypePaymentIn,
		From:   ledger.AccountExternal,
		To:     ledger.UserAccount(request.UserID),
		Amount: request.Amount,
	})
	if err != nil {
		return err
	}
	if created {
		if _, err := service.balances.Apply(ctx, request.UserID, unit, balances.Delta{
			Available: request.Amount.BaseUnits(),
		}); err != nil {
			return err
		}
	} else {
		if err := service.reconcile(ctx, request.UserID, unit); err != nil {
			return err
		}
	}

	service.emitter.Emit(events.Event{
		UserID: request.UserID,
		Type:   events.TypeDepositReceived,
		Payload: map[string]string{
			"amount": request.Amount.AsDecimal().String(),
			"ref":    request.Ref,
		},
	})
	return nil
}

// PayoutCommissionRequest describes an agent cashing out commissions.
type PayoutCommissionRequest struct {
	AgentID    uuid.UUID
	Amount     currency.Amount
	AccountRef string
	Ref        string
}

// PayoutCommission sends earned commissions of an agent out through the
// payment rail. The agent must have a verified identity and the amount
// must reach the minimum of the agent's tier. The tier payout fee is kept
// by the platform.
func (service *Service) PayoutCommission(ctx context.Context, request PayoutCommissionRequest) (err error) {
	defer mon.Task()(&ctx)(&err)

	if request.Ref == "" {
		return Error.New("payout reference missing")
	}
	if request.Amount.BaseUnits() <= 0 {
		return Error.New("payout amount must be positive")
	}

	verified, err := service.verifier.Verify(ctx, request.AgentID)
	if err != nil {
		return Error.Wrap(err)
	}
	if !verified {
		return ErrNotVerified.New("agent %s", request.AgentID)
	}

	tier, err := service.tiers.TierFor(ctx, request.AgentID)
	if err != nil {
		return Error.Wrap(err)
	}
	if request.Amount.BaseUnits() < tier.MinimumPayout.BaseUnits() {
		return ErrBelowMinimum.New("agent %s requested %s, tier %s starts at %s",
			request.AgentID, request.Amount.AsDecimal(), tier.Name, tier.MinimumPayout.AsDecimal())
	}

	unit := request.Amount.Currency()
	fee := currency.AmountFromBaseUnits(request.Amount.BaseUnits()*tier.PayoutFeeBps/10000, unit)
	net := currency.AmountFromBaseUnits(request.Amount.BaseUnits()-fee.BaseUnits(), unit)

	txID := "payout-" + request.Ref
	if err := service.debit(ctx, txID, request.AgentID, request.Amount); err != nil {
		return err
	}

	if fee.BaseUnits() > 0 {
		if _, err := service.ledger.Append(ctx, ledger.Transaction{
			ID:      txID + "-fee",
			Type:    ledger.TypeCommissionDeduct,
			From:    ledger.AccountExternal,
			To:      ledger.AccountPlatform,
			Amount:  fee,
			AgentID: request.AgentID,
		}); err != nil {
			return err
		}
	}

	_, err = service.rail.Payout(ctx, txID, request.AccountRef, net)
	if err != nil {
		if payments.Definitive(err) {
			return service.compensate(ctx, txID, request.AgentID, request.Amount, err)
		}
		return Error.Wrap(err)
	}

	service.emitter.Emit(events.Event{
		UserID: request.AgentID,
		Type:   events.TypePayoutSent,
		Payload: map[string]string{
			"amount": net.AsDecimal().String(),
			"fee":    fee.AsDecimal().String(),
			"ref":    request.Ref,
		},
	})
	return nil
}
