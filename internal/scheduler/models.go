package scheduler

import (
	"errors"
	"fmt"
	"time"

	"github.com/AnuragDani/chainsub-platform/internal/solana"
)

// Subscription statuses. Cancelled and expired are terminal.
const (
	StatusActive    = "active"
	StatusPaused    = "paused"
	StatusCancelled = "cancelled"
	StatusExpired   = "expired"
)

// Interval bounds accepted at creation.
const (
	MinIntervalSeconds = 10
	MaxIntervalSeconds = 365 * 24 * 3600

	MaxIDLength = 32
)

var (
	ErrNotFound               = errors.New("subscription not found")
	ErrDuplicateID            = errors.New("subscription id already exists")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrValidation             = errors.New("validation failed")
	ErrCrossChainCallFailed   = errors.New("cross-chain call failed")
)

// Subscription is the scheduler-side record: timing authority only.
// Amounts and party addresses live exclusively on the settlement
// ledger; keeping them off this side prevents the two chains from
// disagreeing about financial terms.
type Subscription struct {
	ID                  string     `json:"id"`
	SettlementContract  string     `json:"settlement_contract"`
	PaymentToken        string     `json:"payment_token"`
	IntervalSeconds     int64      `json:"interval_seconds"`
	ReminderLeadSeconds int64      `json:"reminder_lead_seconds"`
	NextExecution       time.Time  `json:"next_execution"`
	Status              string     `json:"status"`
	CreatedAt           time.Time  `json:"created_at"`
	LastTriggered       *time.Time `json:"last_triggered,omitempty"`
	TriggerCount        uint64     `json:"trigger_count"`
	FailedPaymentCount  uint64     `json:"failed_payment_count"`
	LastError           string     `json:"last_error,omitempty"`
	LastFailureTime     *time.Time `json:"last_failure_time,omitempty"`
}

func (s *Subscription) clone() *Subscription {
	cp := *s
	if s.LastTriggered != nil {
		t := *s.LastTriggered
		cp.LastTriggered = &t
	}
	if s.LastFailureTime != nil {
		t := *s.LastFailureTime
		cp.LastFailureTime = &t
	}
	return &cp
}

// CreateRequest is the caller-supplied creation spec.
type CreateRequest struct {
	ID                  string     `json:"id"`
	SettlementContract  string     `json:"settlement_contract"`
	PaymentToken        string     `json:"payment_token"`
	IntervalSeconds     int64      `json:"interval_seconds"`
	ReminderLeadSeconds int64      `json:"reminder_lead_seconds"`
	StartTime           *time.Time `json:"start_time,omitempty"`
}

func (r CreateRequest) validate() error {
	if len(r.ID) == 0 || len(r.ID) > MaxIDLength {
		return fmt.Errorf("%w: id must be 1..%d characters", ErrValidation, MaxIDLength)
	}
	for _, c := range r.ID {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return fmt.Errorf("%w: id contains %q", ErrValidation, c)
		}
	}
	if r.IntervalSeconds < MinIntervalSeconds || r.IntervalSeconds > MaxIntervalSeconds {
		return fmt.Errorf("%w: interval_seconds must be in [%d, %d]", ErrValidation, MinIntervalSeconds, MaxIntervalSeconds)
	}
	if r.ReminderLeadSeconds < 0 || r.ReminderLeadSeconds >= r.IntervalSeconds {
		return fmt.Errorf("%w: reminder_lead_seconds must be in [0, interval)", ErrValidation)
	}
	if !solana.ValidBase58Address(r.SettlementContract) {
		return fmt.Errorf("%w: settlement_contract is not a valid address", ErrValidation)
	}
	if !solana.ValidBase58Address(r.PaymentToken) {
		return fmt.Errorf("%w: payment_token is not a valid address", ErrValidation)
	}
	return nil
}

// Status is the scheduler's operator-facing snapshot.
type Status struct {
	Running          bool   `json:"running"`
	Total            int    `json:"total_subscriptions"`
	Active           int    `json:"active"`
	Paused           int    `json:"paused"`
	Cancelled        int    `json:"cancelled"`
	InFlight         int    `json:"in_flight"`
	TotalTriggers    uint64 `json:"total_triggers"`
	TotalFailures    uint64 `json:"total_failures"`
	PendingTimers    int    `json:"pending_timers"`
	DeferredTriggers int    `json:"deferred_triggers"`
}
