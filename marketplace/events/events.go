// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

// Package events delivers user-facing notifications about money movement.
// Delivery is best effort, the ledger stays the source of truth.
package events

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"storj.io/common/uuid"
)

// Type is the type of an event.
type Type string

const (
	// TypeDealFunded fires when funds are locked for a deal.
	TypeDealFunded = Type("deal_funded")
	// TypeDealCompleted fires when escrow is released to the payee.
	TypeDealCompleted = Type("deal_completed")
	// TypeDealCancelled fires when escrow is refunded to the payer.
	TypeDealCancelled = Type("deal_cancelled")
	// TypeDealFailed fires when a deal enters the failed state.
	TypeDealFailed = Type("deal_failed")
	// TypeCommissionEarned fires when an agent is credited a commission.
	TypeCommissionEarned = Type("commission_earned")
	// TypeDepositReceived fires when an external deposit is credited.
	TypeDepositReceived = Type("deposit_received")
	// TypeWithdrawalSent fires when a withdrawal settles on the rail.
	TypeWithdrawalSent = Type("withdrawal_sent")
	// TypePayoutSent fires when an agent commission payout settles.
	TypePayoutSent = Type("payout_sent")
	// TypeOperatorAlert fires when a deal or payout needs an operator.
	TypeOperatorAlert = Type("operator_alert")
)

// Event is a single notification for a user.
type Event struct {
	UserID    uuid.UUID
	Type      Type
	Payload   map[string]string
	CreatedAt time.Time
}

// Emitter sends events to interested parties.
type Emitter interface {
	Emit(event Event)
}

// Bus is an emitter with a bounded queue. Emitting never blocks money
// movement: when the queue is full the event is dropped and logged.
type Bus struct {
	log *zap.Logger

	mu     sync.Mutex
	closed bool
	queue  chan Event
}

// ensures that Bus implements Emitter.
var _ Emitter = (*Bus)(nil)

// NewBus creates an event bus with the given queue size.
func NewBus(log *zap.Logger, size int) *Bus {
	return &Bus{
		log:   log,
		queue: make(chan Event, size),
	}
}

// Emit queues an event for delivery. It never blocks.
func (bus *Bus) Emit(event Event) {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	bus.mu.Lock()
	defer bus.mu.Unlock()
	if bus.closed {
		return
	}

	select {
	case bus.queue <- event:
	default:
		bus.log.Warn("event queue full, dropping event",
			zap.String("type", string(event.Type)),
			zap.Stringer("user", event.UserID))
	}
}

// Events returns the channel events are delivered on. The channel is
// closed when the bus is closed.
func (bus *Bus) Events() <-chan Event {
	return bus.queue
}

// Close stops the bus. Events emitted after Close are discarded.
func (bus *Bus) Close() error {
	bus.mu.Lock()
	defer bus.mu.Unlock()
	if bus.closed {
		return nil
	}
	bus.closed = true
	close(bus.queue)
	return nil
}
