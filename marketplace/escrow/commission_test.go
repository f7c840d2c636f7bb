// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package escrow_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"storj.io/common/currency"
	"storj.io/common/testcontext"
	"storj.io/common/testrand"
	"storj.io/escrow/marketplace/events"
	"storj.io/escrow/marketplace/ledger"
	"storj.io/escrow/marketplace/referrals"
)

func TestCommissionPayerSideOnly(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	h := newHarness(t)

	agent := testrand.UUID()
	require.NoError(t, h.Referrals.Register(ctx, agent, h.payer, referrals.UserTypePayer))

	h.fund(ctx, t, h.payer, 100000)
	job := h.lock(ctx, t, "deal-1", 50000)
	_, err := h.Service.Release(ctx, job.ID, "payee-account")
	require.NoError(t, err)

	// the whole fee goes to the only attributed agent
	balance := h.balance(ctx, t, agent)
	require.Equal(t, usd(5000), balance.Available)

	referral, err := h.Referrals.Get(ctx, agent, h.payer)
	require.NoError(t, err)
	require.Equal(t, int64(5000), referral.CommissionsEarned[currency.USDollars.Symbol()])

	require.Len(t, h.Events.ofType(events.TypeCommissionEarned), 1)
}

func TestCommissionPayeeSideOnly(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	h := newHarness(t)

	agent := testrand.UUID()
	require.NoError(t, h.Referrals.Register(ctx, agent, h.payee, referrals.UserTypePayee))

	h.fund(ctx, t, h.payer, 100000)
	job := h.lock(ctx, t, "deal-1", 50000)
	_, err := h.Service.Release(ctx, job.ID, "payee-account")
	require.NoError(t, err)

	balance := h.balance(ctx, t, agent)
	require.Equal(t, usd(5000), balance.Available)
}

func TestCommissionSplit(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	h := newHarness(t)

	payerAgent, payeeAgent := testrand.UUID(), testrand.UUID()
	require.NoError(t, h.Referrals.Register(ctx, payerAgent, h.payer, referrals.UserTypePayer))
	require.NoError(t, h.Referrals.Register(ctx, payeeAgent, h.payee, referrals.UserTypePayee))

	h.fund(ctx, t, h.payer, 100000)
	// 333.30 deal, 33.33 fee, the odd cent goes to the payer-side agent
	job := h.lock(ctx, t, "deal-1", 33330)
	require.Equal(t, usd(3333), job.Fee())

	_, err := h.Service.Release(ctx, job.ID, "payee-account")
	require.NoError(t, err)

	require.Equal(t, usd(1667), h.balance(ctx, t, payerAgent).Available)
	require.Equal(t, usd(1666), h.balance(ctx, t, payeeAgent).Available)

	// the split never mints or loses money
	commissions, err := h.Ledger.List(ctx, ledger.Filter{Type: ledger.TypeAgentCommission})
	require.NoError(t, err)
	var total int64
	for _, tx := range commissions {
		total += tx.Amount.BaseUnits()
	}
	require.Equal(t, int64(3333), total)
}

func TestCommissionSameAgentBothSides(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	h := newHarness(t)

	agent := testrand.UUID()
	require.NoError(t, h.Referrals.Register(ctx, agent, h.payer, referrals.UserTypePayer))
	require.NoError(t, h.Referrals.Register(ctx, agent, h.payee, referrals.UserTypePayee))

	h.fund(ctx, t, h.payer, 100000)
	job := h.lock(ctx, t, "deal-1", 50000)
	_, err := h.Service.Release(ctx, job.ID, "payee-account")
	require.NoError(t, err)

	// the fee is paid once, not doubled
	balance := h.balance(ctx, t, agent)
	require.Equal(t, usd(5000), balance.Available)

	commissions, err := h.Ledger.List(ctx, ledger.Filter{Type: ledger.TypeAgentCommission})
	require.NoError(t, err)
	require.Len(t, commissions, 1)
}

func TestCommissionSnapshotAtLock(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	h := newHarness(t)

	agent := testrand.UUID()
	require.NoError(t, h.Referrals.Register(ctx, agent, h.payee, referrals.UserTypePayee))

	h.fund(ctx, t, h.payer, 100000)
	job := h.lock(ctx, t, "deal-1", 50000)
	require.Equal(t, agent, job.PayeeAgentID)

	// ending the referral after funding does not change the attribution
	require.NoError(t, h.Referrals.Deactivate(ctx, agent, h.payee))

	_, err := h.Service.Release(ctx, job.ID, "payee-account")
	require.NoError(t, err)

	balance := h.balance(ctx, t, agent)
	require.Equal(t, usd(5000), balance.Available)
}

func TestCommissionNewReferralAfterLock(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	h := newHarness(t)

	h.fund(ctx, t, h.payer, 100000)
	job := h.lock(ctx, t, "deal-1", 50000)
	require.True(t, job.PayerAgentID.IsZero())
	require.True(t, job.PayeeAgentID.IsZero())

	// a referral created after funding earns nothing from this deal
	agent := testrand.UUID()
	require.NoError(t, h.Referrals.Register(ctx, agent, h.payee, referrals.UserTypePayee))

	_, err := h.Service.Release(ctx, job.ID, "payee-account")
	require.NoError(t, err)

	require.Equal(t, usd(0), h.balance(ctx, t, agent).Available)

	deducts, err := h.Ledger.List(ctx, ledger.Filter{Type: ledger.TypeCommissionDeduct})
	require.NoError(t, err)
	require.Len(t, deducts, 1)
	require.Equal(t, usd(5000), deducts[0].Amount)
}
