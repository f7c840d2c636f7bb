// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package escrow

import (
	"context"
	"time"

	"go.uber.org/zap"

	"storj.io/common/currency"
	"storj.io/common/uuid"
	"storj.io/escrow/marketplace/balances"
	"storj.io/escrow/marketplace/events"
	"storj.io/escrow/marketplace/ledger"
	"storj.io/escrow/marketplace/payments"
	"storj.io/escrow/marketplace/referrals"
	"storj.io/escrow/storage"
)

// Service drives escrow jobs through their lifecycle. Every state change
// is recorded in the ledger before balances move, so an interrupted
// operation can always be completed or reconciled later.
//
// architecture: Service
type Service struct {
	log       *zap.Logger
	jobs      jobs
	ledger    *ledger.Ledger
	balances  *balances.Store
	referrals *referrals.Index
	rail      payments.Rail
	emitter   events.Emitter
	config    Config

	locks *keyLock
}

// NewService creates an escrow service persisting jobs in store.
func NewService(log *zap.Logger, store storage.KeyValueStore, txs *ledger.Ledger, balanceStore *balances.Store, referralIndex *referrals.Index, rail payments.Rail, emitter events.Emitter, config Config) *Service {
	return &Service{
		log:       log,
		jobs:      jobs{store: store},
		ledger:    txs,
		balances:  balanceStore,
		referrals: referralIndex,
		rail:      rail,
		emitter:   emitter,
		config:    config,
		locks:     newKeyLock(),
	}
}

// LockRequest describes a deal to fund.
type LockRequest struct {
	DealID          string
	PayerID         uuid.UUID
	PayeeID         uuid.UUID
	Amount          currency.Amount
	PayerAccountRef string
}

// Lock funds a deal: the agreed amount plus the platform fee is moved
// from the payer's available balance into escrow and a hold is placed on
// the payer's rail account. Locking the same deal id again returns the
// existing job.
func (service *Service) Lock(ctx context.Context, request LockRequest) (_ Job, err error) {
	defer mon.Task()(&ctx)(&err)

	if request.DealID == "" {
		return Job{}, Error.New("deal id missing")
	}
	if request.PayerID == request.PayeeID {
		return Job{}, Error.New("payer and payee of deal %s are the same user", request.DealID)
	}
	if request.Amount.BaseUnits() <= 0 {
		return Job{}, Error.New("deal %s amount must be positive", request.DealID)
	}

	unlock := service.locks.Lock("deal:" + request.DealID)
	defer unlock()

	jobID, err := uuid.New()
	if err != nil {
		return Job{}, Error.Wrap(err)
	}

	claimedID, claimed, err := service.jobs.claimDeal(request.DealID, jobID)
	if err != nil {
		return Job{}, err
	}
	if !claimed {
		// the deal has been locked before, finish settling if needed and
		// hand back the same job
		job, err := service.jobs.get(claimedID)
		switch {
		case ErrNotFound.Has(err):
			// a crash claimed the deal without persisting the job, take
			// the claim over and fund the deal fresh
			if err := service.jobs.reclaimDeal(request.DealID, claimedID, jobID); err != nil {
				return Job{}, err
			}
		case err != nil:
			return Job{}, err
		default:
			if !job.LockSettled && job.Status == StatusLocked {
				return service.settleLock(ctx, job)
			}
			return job, nil
		}
	}

	fee := feeFor(request.Amount, service.config.FeeRateBps)
	totalHeld := currency.AmountFromBaseUnits(request.Amount.BaseUnits()+fee.BaseUnits(), request.Amount.Currency())

	// cheap precheck, the balance update during settling is authoritative
	balance, err := service.balances.Get(ctx, request.PayerID, request.Amount.Currency())
	if err != nil {
		return Job{}, service.unclaim(request.DealID, jobID, err)
	}
	if balance.Available.BaseUnits() < totalHeld.BaseUnits() {
		return Job{}, service.unclaim(request.DealID, jobID,
			balances.ErrInsufficientFunds.New("user %s has %s available, deal %s needs %s",
				request.PayerID, balance.Available.AsDecimal(), request.DealID, totalHeld.AsDecimal()))
	}

	// attribution is snapshotted now, referral changes after funding do
	// not affect this deal
	attribution, err := service.referrals.Resolve(ctx, request.PayerID, request.PayeeID)
	if err != nil {
		return Job{}, service.unclaim(request.DealID, jobID, err)
	}

	railRef, err := service.rail.Authorize(ctx, "escrow-lock-"+request.DealID, request.PayerAccountRef, totalHeld)
	if err != nil {
		return Job{}, service.unclaim(request.DealID, jobID, Error.Wrap(err))
	}

	job := Job{
		ID:              jobID,
		DealID:          request.DealID,
		PayerID:         request.PayerID,
		PayeeID:         request.PayeeID,
		Amount:          request.Amount,
		TotalHeld:       totalHeld,
		Status:          StatusLocked,
		LockedAt:        time.Now().UTC(),
		PayerAgentID:    attribution.PayerAgentID,
		PayeeAgentID:    attribution.PayeeAgentID,
		PayerAccountRef: request.PayerAccountRef,
		PayerRailRef:    railRef,
	}
	if err := service.jobs.save(job); err != nil {
		return Job{}, err
	}

	return service.settleLock(ctx, job)
}

// settleLock applies the lock ledger entry and balance movement for a
// freshly created or re-driven job.
func (service *Service) settleLock(ctx context.Context, job Job) (_ Job, err error) {
	defer mon.Task()(&ctx)(&err)

	unit := job.TotalHeld.Currency()
	created, err := service.ledger.Append(ctx, ledger.Transaction{
		ID:     "lock-" + job.ID.String(),
		Type:   ledger.TypeEscrowLock,
		From:   ledger.UserAccount(job.PayerID),
		To:     ledger.AccountEscrow,
		Amount: job.TotalHeld,
		JobID:  job.ID,
	})
	if err != nil {
		return Job{}, err
	}

	if created {
		_, err = service.balances.Apply(ctx, job.PayerID, unit, balances.Delta{
			Available: -job.TotalHeld.BaseUnits(),
			Escrow:    job.TotalHeld.BaseUnits(),
		})
		if balances.ErrInsufficientFunds.Has(err) {
			// the precheck raced with another spend, unwind the lock
			return Job{}, service.cancelLock(ctx, job, err)
		}
		if err != nil {
			// job stays unsettled, the recovery chore reconciles later
			return Job{}, err
		}
	} else {
		// the entry exists from an interrupted attempt, rebuild the payer
		// balance from the ledger
		if err := service.reconcile(ctx, job.PayerID, unit); err != nil {
			return Job{}, err
		}
	}

	job.LockSettled = true
	if err := service.jobs.save(job); err != nil {
		return Job{}, err
	}

	// both sides learn that the deal is funded
	payload := map[string]string{
		"deal_id": job.DealID,
		"job_id":  job.ID.String(),
		"held":    job.TotalHeld.AsDecimal().String(),
	}
	service.emitter.Emit(events.Event{
		UserID:  job.PayerID,
		Type:    events.TypeDealFunded,
		Payload: payload,
	})
	service.emitter.Emit(events.Event{
		UserID:  job.PayeeID,
		Type:    events.TypeDealFunded,
		Payload: payload,
	})
	return job, nil
}

// cancelLock unwinds a lock whose balance movement failed. A compensating
// refund entry keeps the ledger replayable without touching balances.
func (service *Service) cancelLock(ctx context.Context, job Job, cause error) error {
	_, err := service.ledger.Append(ctx, ledger.Transaction{
		ID:     "lock-" + job.ID.String() + "-cancel",
		Type:   ledger.TypeRefund,
		From:   ledger.AccountEscrow,
		To:     ledger.UserAccount(job.PayerID),
		Amount: job.TotalHeld,
		JobID:  job.ID,
	})
	if err != nil {
		return err
	}
	if err := service.rail.Refund(ctx, "escrow-lock-cancel-"+job.DealID, job.PayerRailRef); err != nil {
		service.log.Warn("failed to release rail hold of cancelled lock",
			zap.String("deal", job.DealID), zap.Error(err))
	}

	// the hold is unwound, the lock never settled: this keeps Release and
	// Refund from touching escrow that was never held
	job.Status = StatusFailed
	job.LockSettled = false
	job.FailureReason = cause.Error()
	if err := service.jobs.save(job); err != nil {
		return err
	}
	service.alert(job, "lock cancelled: "+cause.Error())
	return cause
}

// ResumeLock finishes settling the lock of a job that was interrupted
// between the rail hold and the ledger entry. Settled jobs are returned
// unchanged.
func (service *Service) ResumeLock(ctx context.Context, jobID uuid.UUID) (_ Job, err error) {
	defer mon.Task()(&ctx)(&err)

	job, err := service.jobs.get(jobID)
	if err != nil {
		return Job{}, err
	}

	unlock := service.locks.Lock("deal:" + job.DealID)
	defer unlock()

	job, err = service.jobs.get(jobID)
	if err != nil {
		return Job{}, err
	}
	if job.LockSettled || job.Status != StatusLocked {
		return job, nil
	}
	return service.settleLock(ctx, job)
}

// Approve records that the payer accepted the deal outcome. Approving an
// approved job is a no-op.
func (service *Service) Approve(ctx context.Context, jobID uuid.UUID) (_ Job, err error) {
	defer mon.Task()(&ctx)(&err)

	unlock := service.locks.Lock("job:" + jobID.String())
	defer unlock()

	job, err := service.jobs.get(jobID)
	if err != nil {
		return Job{}, err
	}
	switch job.Status {
	case StatusApproved:
		return job, nil
	case StatusLocked:
	default:
		return Job{}, ErrConflict.New("job %s is %s", jobID, job.Status)
	}

	job.Status = StatusApproved
	if err := service.jobs.save(job); err != nil {
		return Job{}, err
	}
	return job, nil
}

// Release pays the agreed amount out of escrow to the payee and routes
// the fee to the attributed agents. Releasing a released job is a no-op
// returning the settled job. A failed job may be released again once an
// operator has fixed the underlying account.
func (service *Service) Release(ctx context.Context, jobID uuid.UUID, payeeAccountRef string) (_ Job, err error) {
	defer mon.Task()(&ctx)(&err)

	unlock := service.locks.Lock("job:" + jobID.String())
	defer unlock()

	job, err := service.jobs.get(jobID)
	if err != nil {
		return Job{}, err
	}

	switch job.Status {
	case StatusReleased:
		return job, nil
	case StatusLocked, StatusApproved, StatusReleasing, StatusFailed:
		if !job.LockSettled {
			return Job{}, ErrConflict.New("job %s lock is not settled", jobID)
		}
	default:
		return Job{}, ErrConflict.New("job %s is %s", jobID, job.Status)
	}

	if payeeAccountRef == "" {
		payeeAccountRef = job.PayeeAccountRef
	}
	if payeeAccountRef == "" {
		return Job{}, Error.New("job %s has no payee account", jobID)
	}

	prior := job.Status
	job.Status = StatusReleasing
	job.PayeeAccountRef = payeeAccountRef
	job.Attempts++
	if err := service.jobs.save(job); err != nil {
		return Job{}, err
	}

	_, err = service.rail.Transfer(ctx, "escrow-release-"+job.ID.String(), payeeAccountRef, job.Amount)
	if err != nil {
		return Job{}, service.settlementFailed(ctx, job, prior, err)
	}

	unit := job.Amount.Currency()
	fee := job.Fee()
	created, err := service.ledger.Append(ctx, ledger.Transaction{
		ID:     "release-" + job.ID.String(),
		Type:   ledger.TypeRelease,
		From:   ledger.UserAccount(job.PayerID),
		To:     ledger.UserAccount(job.PayeeID),
		Amount: job.Amount,
		Fee:    fee,
		JobID:  job.ID,
	})
	if err != nil {
		return Job{}, err
	}
	if created {
		if _, err := service.balances.Apply(ctx, job.PayerID, unit, balances.Delta{
			Escrow: -job.TotalHeld.BaseUnits(),
		}); err != nil {
			return Job{}, err
		}
		if _, err := service.balances.Apply(ctx, job.PayeeID, unit, balances.Delta{
			Available:   job.Amount.BaseUnits(),
			TotalEarned: job.Amount.BaseUnits(),
		}); err != nil {
			return Job{}, err
		}
	} else {
		if err := service.reconcile(ctx, job.PayerID, unit); err != nil {
			return Job{}, err
		}
		if err := service.reconcile(ctx, job.PayeeID, unit); err != nil {
			return Job{}, err
		}
	}

	if err := service.routeFee(ctx, job, fee); err != nil {
		return Job{}, err
	}

	now := time.Now().UTC()
	job.Status = StatusReleased
	job.ReleasedAt = &now
	if err := service.jobs.save(job); err != nil {
		return Job{}, err
	}

	service.emitter.Emit(events.Event{
		UserID: job.PayeeID,
		Type:   events.TypeDealCompleted,
		Payload: map[string]string{
			"deal_id": job.DealID,
			"job_id":  job.ID.String(),
			"amount":  job.Amount.AsDecimal().String(),
		},
	})
	return job, nil
}

// Refund returns the held funds, fee included, to the payer. Refunding a
// refunded job is a no-op returning the settled job. No commission is paid
// on refunds.
func (service *Service) Refund(ctx context.Context, jobID uuid.UUID, reason string) (_ Job, err error) {
	defer mon.Task()(&ctx)(&err)

	unlock := service.locks.Lock("job:" + jobID.String())
	defer unlock()

	job, err := service.jobs.get(jobID)
	if err != nil {
		return Job{}, err
	}

	switch job.Status {
	case StatusRefunded:
		return job, nil
	case StatusLocked, StatusApproved, StatusRefunding, StatusFailed:
		if !job.LockSettled {
			return Job{}, ErrConflict.New("job %s lock is not settled", jobID)
		}
	default:
		return Job{}, ErrConflict.New("job %s is %s", jobID, job.Status)
	}

	prior := job.Status
	job.Status = StatusRefunding
	job.Attempts++
	if err := service.jobs.save(job); err != nil {
		return Job{}, err
	}

	err = service.rail.Refund(ctx, "escrow-refund-"+job.ID.String(), job.PayerRailRef)
	if err != nil {
		return Job{}, service.settlementFailed(ctx, job, prior, err)
	}

	unit := job.TotalHeld.Currency()
	created, err := service.ledger.Append(ctx, ledger.Transaction{
		ID:     "refund-" + job.ID.String(),
		Type:   ledger.TypeRefund,
		From:   ledger.AccountEscrow,
		To:     ledger.UserAccount(job.PayerID),
		Amount: job.TotalHeld,
		JobID:  job.ID,
	})
	if err != nil {
		return Job{}, err
	}
	if created {
		if _, err := service.balances.Apply(ctx, job.PayerID, unit, balances.Delta{
			Available: job.TotalHeld.BaseUnits(),
			Escrow:    -job.TotalHeld.BaseUnits(),
		}); err != nil {
			return Job{}, err
		}
	} else {
		if err := service.reconcile(ctx, job.PayerID, unit); err != nil {
			return Job{}, err
		}
	}

	job.Status = StatusRefunded
	job.FailureReason = reason
	if err := service.jobs.save(job); err != nil {
		return Job{}, err
	}

	service.emitter.Emit(events.Event{
		UserID: job.PayerID,
		Type:   events.TypeDealCancelled,
		Payload: map[string]string{
			"deal_id":  job.DealID,
			"job_id":   job.ID.String(),
			"refunded": job.TotalHeld.AsDecimal().String(),
			"reason":   reason,
		},
	})
	return job, nil
}

// settlementFailed handles a rail error during release or refund. A
// definitive decline, or running out of attempts, parks the job for an
// operator; a transient error puts the job back into its prior state for
// a retry.
func (service *Service) settlementFailed(ctx context.Context, job Job, prior Status, cause error) error {
	if payments.Definitive(cause) || job.Attempts >= service.config.MaxAttempts {
		job.Status = StatusFailed
		job.FailureReason = cause.Error()
		if err := service.jobs.save(job); err != nil {
			return err
		}
		service.alert(job, cause.Error())
		return Error.Wrap(cause)
	}

	job.Status = prior
	if err := service.jobs.save(job); err != nil {
		return err
	}
	return Error.Wrap(cause)
}

// routeFee distributes the platform fee of a released job between the
// attributed agents. Unattributed fee portions stay with the platform.
func (service *Service) routeFee(ctx context.Context, job Job, fee currency.Amount) (err error) {
	defer mon.Task()(&ctx)(&err)

	if fee.BaseUnits() <= 0 {
		return nil
	}
	unit := fee.Currency()

	payerAgent, payeeAgent := job.PayerAgentID, job.PayeeAgentID
	switch {
	case !payerAgent.IsZero() && payerAgent == payeeAgent:
		// one agent recruited both sides and earns the full fee once
		return service.payCommission(ctx, job, "commission-"+job.ID.String(), payeeAgent, job.PayeeID, fee)

	case !payerAgent.IsZero() && !payeeAgent.IsZero():
		// the fee is split between the sides, an odd base unit goes to
		// the payer-side agent
		half := currency.AmountFromBaseUnits(fee.BaseUnits()/2, unit)
		rest := currency.AmountFromBaseUnits(fee.BaseUnits()-half.BaseUnits(), unit)
		if err := service.payCommission(ctx, job, "commission-"+job.ID.String()+"-payer", payerAgent, job.PayerID, rest); err != nil {
			return err
		}
		return service.payCommission(ctx, job, "commission-"+job.ID.String()+"-payee", payeeAgent, job.PayeeID, half)

	case !payerAgent.IsZero():
		return service.payCommission(ctx, job, "commission-"+job.ID.String(), payerAgent, job.PayerID, fee)

	case !payeeAgent.IsZero():
		return service.payCommission(ctx, job, "commission-"+job.ID.String(), payeeAgent, job.PayeeID, fee)
	}

	// nobody to attribute, the platform keeps the fee
	_, err = service.ledger.Append(ctx, ledger.Transaction{
		ID:     "commission-" + job.ID.String(),
		Type:   ledger.TypeCommissionDeduct,
		From:   ledger.AccountEscrow,
		To:     ledger.AccountPlatform,
		Amount: fee,
		JobID:  job.ID,
	})
	return err
}

// payCommission credits a commission to an agent and bumps the counter of
// the referral it was earned through.
func (service *Service) payCommission(ctx context.Context, job Job, txID string, agent, recruited uuid.UUID, amount currency.Amount) error {
	if amount.BaseUnits() <= 0 {
		return nil
	}
	unit := amount.Currency()

	created, err := service.ledger.Append(ctx, ledger.Transaction{
		ID:      txID,
		Type:    ledger.TypeAgentCommission,
		From:    ledger.AccountPlatform,
		To:      ledger.UserAccount(agent),
		Amount:  amount,
		JobID:   job.ID,
		AgentID: agent,
	})
	if err != nil {
		return err
	}
	if !created {
		return service.reconcile(ctx, agent, unit)
	}

	if _, err := service.balances.Apply(ctx, agent, unit, balances.Delta{
		Available: amount.BaseUnits(),
	}); err != nil {
		return err
	}
	if err := service.referrals.AddCommission(ctx, agent, recruited, unit.Symbol(), amount.BaseUnits()); err != nil {
		if referrals.ErrNotFound.Has(err) {
			// the referral got deleted since the snapshot, keep the money
			// movement and only log
			service.log.Warn("commission earned through missing referral",
				zap.Stringer("agent", agent), zap.Stringer("user", recruited))
		} else {
			return err
		}
	}

	service.emitter.Emit(events.Event{
		UserID: agent,
		Type:   events.TypeCommissionEarned,
		Payload: map[string]string{
			"deal_id": job.DealID,
			"job_id":  job.ID.String(),
			"amount":  amount.AsDecimal().String(),
		},
	})
	return nil
}

// reconcile rebuilds a user balance from the ledger. It is used when an
// earlier attempt may have appended an entry without applying it.
func (service *Service) reconcile(ctx context.Context, user uuid.UUID, unit *currency.Currency) error {
	_, err := service.balances.Reconcile(ctx, user, unit,
		func(ctx context.Context) (balances.Balance, error) {
			return service.ledger.Replay(ctx, user, unit)
		})
	return err
}

func (service *Service) alert(job Job, reason string) {
	service.log.Error("escrow job needs operator attention",
		zap.Stringer("job", job.ID),
		zap.String("deal", job.DealID),
		zap.String("reason", reason))

	service.emitter.Emit(events.Event{
		UserID: job.PayerID,
		Type:   events.TypeOperatorAlert,
		Payload: map[string]string{
			"deal_id": job.DealID,
			"job_id":  job.ID.String(),
			"reason":  reason,
		},
	})
	service.emitter.Emit(events.Event{
		UserID: job.PayerID,
		Type:   events.TypeDealFailed,
		Payload: map[string]string{
			"deal_id": job.DealID,
			"job_id":  job.ID.String(),
			"reason":  reason,
		},
	})
}

// unclaim frees the deal id after a failed lock and returns cause.
func (service *Service) unclaim(dealID string, jobID uuid.UUID, cause error) error {
	if err := service.jobs.releaseDeal(dealID, jobID); err != nil {
		service.log.Warn("failed to release deal claim",
			zap.String("deal", dealID), zap.Error(err))
	}
	return cause
}

// Get returns the escrow job with the given id.
func (service *Service) Get(ctx context.Context, jobID uuid.UUID) (_ Job, err error) {
	defer mon.Task()(&ctx)(&err)
	return service.jobs.get(jobID)
}

// GetByDeal returns the escrow job funding the given deal.
func (service *Service) GetByDeal(ctx context.Context, dealID string) (_ Job, err error) {
	defer mon.Task()(&ctx)(&err)
	return service.jobs.byDeal(dealID)
}

// ListByStatus returns all jobs in the given status.
func (service *Service) ListByStatus(ctx context.Context, status Status) (result []Job, err error) {
	defer mon.Task()(&ctx)(&err)

	err = service.jobs.forEach(func(job Job) error {
		if job.Status == status {
			result = append(result, job)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// feeFor returns the platform fee for an amount, rounded down to whole
// base units.
func feeFor(amount currency.Amount, rateBps int64) currency.Amount {
	return currency.AmountFromBaseUnits(
		amount.BaseUnits()*rateBps/10000,
		amount.Currency())
}
