// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package escrow

import (
	"context"

	"go.uber.org/zap"

	"storj.io/common/sync2"
)

// Chore re-drives escrow jobs that were interrupted between their ledger
// entry, balance movement and rail settlement.
//
// architecture: Chore
type Chore struct {
	log     *zap.Logger
	service *Service
	Loop    *sync2.Cycle
}

// NewChore instantiates the recovery chore.
func NewChore(log *zap.Logger, service *Service) *Chore {
	return &Chore{
		log:     log,
		service: service,
		Loop:    sync2.NewCycle(service.config.RecoveryInterval),
	}
}

// Run starts the chore.
func (chore *Chore) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)
	return chore.Loop.Run(ctx, func(ctx context.Context) (err error) {
		defer mon.Task()(&ctx)(&err)
		chore.recover(ctx)
		return nil
	})
}

// recover walks all jobs and finishes the interrupted ones. Errors are
// logged and retried on the next cycle.
func (chore *Chore) recover(ctx context.Context) {
	err := chore.service.jobs.forEach(func(job Job) error {
		if err := ctx.Err(); err != nil {
			return err
		}

		switch {
		case job.Status == StatusLocked && !job.LockSettled:
			if _, err := chore.service.ResumeLock(ctx, job.ID); err != nil {
				chore.log.Warn("re-driving lock failed",
					zap.Stringer("job", job.ID), zap.Error(err))
			}

		case job.Status == StatusReleasing:
			if _, err := chore.service.Release(ctx, job.ID, job.PayeeAccountRef); err != nil {
				chore.log.Warn("re-driving release failed",
					zap.Stringer("job", job.ID), zap.Error(err))
			}

		case job.Status == StatusRefunding:
			if _, err := chore.service.Refund(ctx, job.ID, job.FailureReason); err != nil {
				chore.log.Warn("re-driving refund failed",
					zap.Stringer("job", job.ID), zap.Error(err))
			}

		case job.Status == StatusFailed:
			chore.log.Info("escrow job awaiting operator",
				zap.Stringer("job", job.ID),
				zap.String("deal", job.DealID),
				zap.String("reason", job.FailureReason))
		}
		return nil
	})
	if err != nil {
		chore.log.Error("escrow recovery pass failed", zap.Error(err))
	}
}

// Close closes the chore.
func (chore *Chore) Close() error {
	chore.Loop.Close()
	return nil
}
