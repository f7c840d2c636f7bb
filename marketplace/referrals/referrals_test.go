// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package referrals_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"storj.io/common/testcontext"
	"storj.io/common/testrand"
	"storj.io/common/uuid"
	"storj.io/escrow/marketplace/referrals"
	"storj.io/escrow/storage/teststore"
)

func TestRegister(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	index := referrals.NewIndex(teststore.New())
	agent, other, user := testrand.UUID(), testrand.UUID(), testrand.UUID()

	require.NoError(t, index.Register(ctx, agent, user, referrals.UserTypePayee))

	// one active referral per user
	err := index.Register(ctx, other, user, referrals.UserTypePayee)
	require.True(t, referrals.ErrAlreadyRecruited.Has(err))

	// registering the same pair again is fine
	require.NoError(t, index.Register(ctx, agent, user, referrals.UserTypePayee))

	active, err := index.ActiveFor(ctx, user)
	require.NoError(t, err)
	require.Equal(t, agent, active.AgentID)
	require.Equal(t, user, active.RecruitedUserID)
	require.True(t, active.Active)
}

func TestRegisterSelf(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	index := referrals.NewIndex(teststore.New())
	agent := testrand.UUID()

	require.Error(t, index.Register(ctx, agent, agent, referrals.UserTypePayer))
}

func TestDeactivate(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	index := referrals.NewIndex(teststore.New())
	agent, other, user := testrand.UUID(), testrand.UUID(), testrand.UUID()

	require.NoError(t, index.Register(ctx, agent, user, referrals.UserTypePayee))
	require.NoError(t, index.Deactivate(ctx, agent, user))

	_, err := index.ActiveFor(ctx, user)
	require.True(t, referrals.ErrNotFound.Has(err))

	// history stays
	referral, err := index.Get(ctx, agent, user)
	require.NoError(t, err)
	require.False(t, referral.Active)

	// the user is free to be recruited by someone else
	require.NoError(t, index.Register(ctx, other, user, referrals.UserTypePayee))
	active, err := index.ActiveFor(ctx, user)
	require.NoError(t, err)
	require.Equal(t, other, active.AgentID)
}

func TestReactivate(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	index := referrals.NewIndex(teststore.New())
	agent, user := testrand.UUID(), testrand.UUID()

	require.NoError(t, index.Register(ctx, agent, user, referrals.UserTypePayee))
	require.NoError(t, index.AddCommission(ctx, agent, user, "USD", 1234))
	require.NoError(t, index.Deactivate(ctx, agent, user))
	require.NoError(t, index.Register(ctx, agent, user, referrals.UserTypePayee))

	// the old record, commission history included, is reactivated
	active, err := index.ActiveFor(ctx, user)
	require.NoError(t, err)
	require.Equal(t, int64(1234), active.CommissionsEarned["USD"])
}

func TestResolve(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	index := referrals.NewIndex(teststore.New())
	payerAgent, payeeAgent := testrand.UUID(), testrand.UUID()
	payer, payee := testrand.UUID(), testrand.UUID()

	// nobody recruited
	attribution, err := index.Resolve(ctx, payer, payee)
	require.NoError(t, err)
	require.True(t, attribution.PayerAgentID.IsZero())
	require.True(t, attribution.PayeeAgentID.IsZero())

	// payer side only
	require.NoError(t, index.Register(ctx, payerAgent, payer, referrals.UserTypePayer))
	attribution, err = index.Resolve(ctx, payer, payee)
	require.NoError(t, err)
	require.Equal(t, payerAgent, attribution.PayerAgentID)
	require.True(t, attribution.PayeeAgentID.IsZero())

	// both sides
	require.NoError(t, index.Register(ctx, payeeAgent, payee, referrals.UserTypePayee))
	attribution, err = index.Resolve(ctx, payer, payee)
	require.NoError(t, err)
	require.Equal(t, payerAgent, attribution.PayerAgentID)
	require.Equal(t, payeeAgent, attribution.PayeeAgentID)

	// resolving twice gives the same answer
	again, err := index.Resolve(ctx, payer, payee)
	require.NoError(t, err)
	require.Equal(t, attribution, again)
}

func TestResolveSameAgent(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	index := referrals.NewIndex(teststore.New())
	agent := testrand.UUID()
	payer, payee := testrand.UUID(), testrand.UUID()

	require.NoError(t, index.Register(ctx, agent, payer, referrals.UserTypePayer))
	require.NoError(t, index.Register(ctx, agent, payee, referrals.UserTypePayee))

	attribution, err := index.Resolve(ctx, payer, payee)
	require.NoError(t, err)
	require.Equal(t, agent, attribution.PayerAgentID)
	require.Equal(t, agent, attribution.PayeeAgentID)
}

func TestAddCommission(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	index := referrals.NewIndex(teststore.New())
	agent, user := testrand.UUID(), testrand.UUID()

	err := index.AddCommission(ctx, agent, user, "USD", 100)
	require.True(t, referrals.ErrNotFound.Has(err))

	require.NoError(t, index.Register(ctx, agent, user, referrals.UserTypePayee))
	require.NoError(t, index.AddCommission(ctx, agent, user, "USD", 100))
	require.NoError(t, index.AddCommission(ctx, agent, user, "USD", 150))

	referral, err := index.Get(ctx, agent, user)
	require.NoError(t, err)
	require.Equal(t, int64(250), referral.CommissionsEarned["USD"])
}

func TestList(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	index := referrals.NewIndex(teststore.New())
	first, second, user := testrand.UUID(), testrand.UUID(), testrand.UUID()

	require.NoError(t, index.Register(ctx, first, user, referrals.UserTypePayee))
	require.NoError(t, index.Deactivate(ctx, first, user))
	require.NoError(t, index.Register(ctx, second, user, referrals.UserTypePayee))

	list, err := index.List(ctx, user)
	require.NoError(t, err)
	require.Len(t, list, 2)

	agents := map[uuid.UUID]bool{}
	for _, referral := range list {
		agents[referral.AgentID] = referral.Active
	}
	require.False(t, agents[first])
	require.True(t, agents[second])
}
