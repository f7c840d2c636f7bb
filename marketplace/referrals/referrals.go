// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

// Package referrals tracks which agent recruited which user and resolves
// the commission attribution for a deal.
package referrals

import (
	"context"
	"encoding/json"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"

	"storj.io/common/uuid"
	"storj.io/escrow/storage"
)

var (
	mon = monkit.Package()

	// Error is the referrals error class.
	Error = errs.Class("referrals")
	// ErrAlreadyRecruited is returned when a user already has an active
	// referral with another agent.
	ErrAlreadyRecruited = errs.Class("already recruited")
	// ErrNotFound is returned when a referral does not exist.
	ErrNotFound = errs.Class("referral not found")
)

// UserType describes the side of the marketplace a recruited user is on.
type UserType string

const (
	// UserTypePayer marks recruited users that fund deals.
	UserTypePayer = UserType("payer")
	// UserTypePayee marks recruited users that get paid from deals.
	UserTypePayee = UserType("payee")
)

// Referral links a recruited user to the agent that brought them in. A
// user has at most one active referral at a time.
type Referral struct {
	AgentID           uuid.UUID
	RecruitedUserID   uuid.UUID
	RecruitedUserType UserType
	Active            bool
	CommissionsEarned map[string]int64
	CreatedAt         time.Time
}

// Attribution names the agents credited for a deal, per side. A zero
// agent id means that side has no active referral.
type Attribution struct {
	PayerAgentID uuid.UUID
	PayeeAgentID uuid.UUID
}

// Index keeps referrals in a key value store.
//
// The one-active-referral-per-user invariant is held by a pointer entry
// per user that is only ever changed with compare-and-swap. The referral
// records themselves keep the full history, including deactivated ones.
//
// architecture: Database
type Index struct {
	store storage.KeyValueStore
}

// NewIndex creates a referral index on top of the given store.
func NewIndex(store storage.KeyValueStore) *Index {
	return &Index{store: store}
}

type record struct {
	AgentID           uuid.UUID        `json:"agent_id"`
	RecruitedUserID   uuid.UUID        `json:"recruited_user_id"`
	RecruitedUserType UserType         `json:"recruited_user_type"`
	Active            bool             `json:"active"`
	CommissionsEarned map[string]int64 `json:"commissions_earned"`
	CreatedAt         time.Time        `json:"created_at"`
}

func activeKey(user uuid.UUID) storage.Key {
	return storage.Key("referral-active/" + user.String())
}

func referralKey(user, agent uuid.UUID) storage.Key {
	return storage.Key("referral/" + user.String() + "/" + agent.String())
}

// Register creates an active referral between agent and user. A user can
// have at most one active referral, registering while another agent holds
// the referral fails with ErrAlreadyRecruited. Re-registering the same
// pair is a no-op.
func (index *Index) Register(ctx context.Context, agent, user uuid.UUID, userType UserType) (err error) {
	defer mon.Task()(&ctx)(&err)

	if agent == user {
		return Error.New("agent %s cannot recruit themselves", agent)
	}

	err = index.store.CompareAndSwap(activeKey(user), nil, storage.Value(agent.String()))
	if storage.ErrValueChanged.Has(err) {
		current, err := index.store.Get(activeKey(user))
		if err != nil {
			return Error.Wrap(err)
		}
		if string(current) != agent.String() {
			return ErrAlreadyRecruited.New("user %s is recruited by agent %s", user, current)
		}
		// same pair, fall through to make sure the record exists and is
		// active
	} else if err != nil {
		return Error.Wrap(err)
	}

	value, err := encode(Referral{
		AgentID:           agent,
		RecruitedUserID:   user,
		RecruitedUserType: userType,
		Active:            true,
		CommissionsEarned: map[string]int64{},
		CreatedAt:         time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	err = index.store.CompareAndSwap(referralKey(user, agent), nil, value)
	if storage.ErrValueChanged.Has(err) {
		// a deactivated referral for the same pair exists, reactivate it
		return index.setActive(ctx, user, agent, true)
	}
	return Error.Wrap(err)
}

// Deactivate ends the referral between agent and user. Commission history
// is kept and the user becomes free to be recruited again.
func (index *Index) Deactivate(ctx context.Context, agent, user uuid.UUID) (err error) {
	defer mon.Task()(&ctx)(&err)

	if err := index.setActive(ctx, user, agent, false); err != nil {
		return err
	}

	err = index.store.CompareAndSwap(activeKey(user), storage.Value(agent.String()), nil)
	if storage.ErrKeyNotFound.Has(err) || storage.ErrValueChanged.Has(err) {
		// pointer already gone or claimed by another agent
		return nil
	}
	return Error.Wrap(err)
}

// Get returns the referral between agent and user, active or not.
func (index *Index) Get(ctx context.Context, agent, user uuid.UUID) (_ Referral, err error) {
	defer mon.Task()(&ctx)(&err)

	value, err := index.store.Get(referralKey(user, agent))
	if storage.ErrKeyNotFound.Has(err) {
		return Referral{}, ErrNotFound.New("agent %s user %s", agent, user)
	}
	if err != nil {
		return Referral{}, Error.Wrap(err)
	}
	return decode(value)
}

// ActiveFor returns the active referral of a user, or ErrNotFound.
func (index *Index) ActiveFor(ctx context.Context, user uuid.UUID) (_ Referral, err error) {
	defer mon.Task()(&ctx)(&err)

	value, err := index.store.Get(activeKey(user))
	if storage.ErrKeyNotFound.Has(err) {
		return Referral{}, ErrNotFound.New("user %s", user)
	}
	if err != nil {
		return Referral{}, Error.Wrap(err)
	}

	agent, err := uuid.FromString(string(value))
	if err != nil {
		return Referral{}, Error.Wrap(err)
	}
	return index.Get(ctx, agent, user)
}

// Resolve returns the attribution for a deal between payer and payee,
// based on their active referrals at this moment. The result is captured
// when the deal is funded and reused unchanged at release time.
func (index *Index) Resolve(ctx context.Context, payer, payee uuid.UUID) (_ Attribution, err error) {
	defer mon.Task()(&ctx)(&err)

	var attribution Attribution
	if referral, err := index.ActiveFor(ctx, payer); err == nil {
		attribution.PayerAgentID = referral.AgentID
	} else if !ErrNotFound.Has(err) {
		return Attribution{}, err
	}
	if referral, err := index.ActiveFor(ctx, payee); err == nil {
		attribution.PayeeAgentID = referral.AgentID
	} else if !ErrNotFound.Has(err) {
		return Attribution{}, err
	}
	return attribution, nil
}

// List returns all referrals of a user, active or not.
func (index *Index) List(ctx context.Context, user uuid.UUID) (referrals []Referral, err error) {
	defer mon.Task()(&ctx)(&err)

	keys, err := index.store.List(storage.Key("referral/"+user.String()+"/"), 0)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	for _, key := range keys {
		value, err := index.store.Get(key)
		if err != nil {
			if storage.ErrKeyNotFound.Has(err) {
				continue
			}
			return nil, Error.Wrap(err)
		}
		referral, err := decode(value)
		if err != nil {
			return nil, err
		}
		referrals = append(referrals, referral)
	}
	return referrals, nil
}

// AddCommission adds a commission amount, in base units of the given
// currency symbol, to the running counter of a referral.
func (index *Index) AddCommission(ctx context.Context, agent, user uuid.UUID, symbol string, amount int64) (err error) {
	defer mon.Task()(&ctx)(&err)

	return index.update(user, agent, func(referral *Referral) {
		if referral.CommissionsEarned == nil {
			referral.CommissionsEarned = map[string]int64{}
		}
		referral.CommissionsEarned[symbol] += amount
	})
}

func (index *Index) setActive(ctx context.Context, user, agent uuid.UUID, active bool) error {
	return index.update(user, agent, func(referral *Referral) {
		referral.Active = active
	})
}

// update applies change to a referral record inside a compare-and-swap
// retry loop.
func (index *Index) update(user, agent uuid.UUID, change func(*Referral)) error {
	key := referralKey(user, agent)
	for retry := 0; retry < 100; retry++ {
		oldValue, err := index.store.Get(key)
		if storage.ErrKeyNotFound.Has(err) {
			return ErrNotFound.New("agent %s user %s", agent, user)
		}
		if err != nil {
			return Error.Wrap(err)
		}
		referral, err := decode(oldValue)
		if err != nil {
			return err
		}

		change(&referral)

		newValue, err := encode(referral)
		if err != nil {
			return err
		}
		err = index.store.CompareAndSwap(key, oldValue, newValue)
		if err == nil {
			return nil
		}
		if !storage.ErrValueChanged.Has(err) {
			return Error.Wrap(err)
		}
	}
	return Error.New("referral contention for user %s", user)
}

func encode(referral Referral) (storage.Value, error) {
	data, err := json.Marshal(record(referral))
	return storage.Value(data), Error.Wrap(err)
}

func decode(value storage.Value) (Referral, error) {
	var rec record
	if err := json.Unmarshal(value, &rec); err != nil {
		return Referral{}, Error.Wrap(err)
	}
	return Referral(rec), nil
}
