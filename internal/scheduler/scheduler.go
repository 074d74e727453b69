// Package scheduler owns subscription lifecycle and timers on the
// scheduling side. It fires payment and notification triggers at the
// right moments, defers overlapping fires for the same subscription,
// and records failures without ever abandoning a subscription.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/AnuragDani/chainsub-platform/internal/gateway"
	"github.com/AnuragDani/chainsub-platform/internal/logger"
	"github.com/AnuragDani/chainsub-platform/internal/solana"
	"github.com/AnuragDani/chainsub-platform/internal/treasury"
)

// TriggerSender dispatches one cross-chain trigger call.
type TriggerSender interface {
	SendTrigger(ctx context.Context, sub *Subscription, op solana.Opcode) (string, error)
}

// Store persists subscriptions across restarts.
type Store interface {
	Save(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
	LoadAll(ctx context.Context) ([]*Subscription, error)
}

// EventSink receives trigger lifecycle events for broadcast.
type EventSink interface {
	Publish(eventType, eventName string, data interface{})
}

// Config tunes the scheduler.
type Config struct {
	TriggerTimeout time.Duration
	// TriggerCostCycles is debited from the treasury per dispatched
	// trigger.
	TriggerCostCycles uint64
}

func (c Config) withDefaults() Config {
	if c.TriggerTimeout == 0 {
		c.TriggerTimeout = 30 * time.Second
	}
	if c.TriggerCostCycles == 0 {
		c.TriggerCostCycles = 1_000_000_000
	}
	return c
}

type Scheduler struct {
	mu sync.Mutex

	subs               map[string]*Subscription
	paymentTimers      map[string]*time.Timer
	notificationTimers map[string]*time.Timer
	inFlight           map[string]bool
	deferred           map[string]bool
	running            bool

	config   Config
	sender   TriggerSender
	store    Store
	gate     *gateway.Gateway
	treasury *treasury.Manager
	events   EventSink

	wg     sync.WaitGroup
	logger *logger.Logger
	now    func() time.Time
}

func New(config Config, sender TriggerSender, store Store, gate *gateway.Gateway, tre *treasury.Manager, events EventSink, log *logger.Logger) *Scheduler {
	return &Scheduler{
		subs:               make(map[string]*Subscription),
		paymentTimers:      make(map[string]*time.Timer),
		notificationTimers: make(map[string]*time.Timer),
		inFlight:           make(map[string]bool),
		deferred:           make(map[string]bool),
		config:             config.withDefaults(),
		sender:             sender,
		store:              store,
		gate:               gate,
		treasury:           tre,
		events:             events,
		logger:             log,
		now:                time.Now,
	}
}

// Start loads persisted subscriptions and arms timers for the active
// ones.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	if s.store != nil {
		subs, err := s.store.LoadAll(ctx)
		if err != nil {
			return fmt.Errorf("failed to load subscriptions: %w", err)
		}
		for _, sub := range subs {
			s.subs[sub.ID] = sub
		}
		s.logger.Info("subscriptions restored", "count", len(subs))
	}

	s.running = true
	for _, sub := range s.subs {
		s.scheduleLocked(sub)
	}
	s.logger.Info("scheduler started")
	return nil
}

// Stop disarms all timers and waits for in-flight triggers to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.running = false
	for id, timer := range s.paymentTimers {
		timer.Stop()
		delete(s.paymentTimers, id)
	}
	for id, timer := range s.notificationTimers {
		timer.Stop()
		delete(s.notificationTimers, id)
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// Create registers a subscription and arms its timers.
func (s *Scheduler) Create(ctx context.Context, caller string, req CreateRequest) (*Subscription, error) {
	if err := s.gate.Admit(caller); err != nil {
		return nil, err
	}
	if err := req.validate(); err != nil {
		s.gate.RecordFailure(caller)
		return nil, err
	}

	s.mu.Lock()
	if _, exists := s.subs[req.ID]; exists {
		s.mu.Unlock()
		s.gate.RecordFailure(caller)
		return nil, ErrDuplicateID
	}

	now := s.now()
	next := now.Add(time.Duration(req.IntervalSeconds) * time.Second)
	if req.StartTime != nil {
		next = *req.StartTime
	}

	sub := &Subscription{
		ID:                  req.ID,
		SettlementContract:  req.SettlementContract,
		PaymentToken:        req.PaymentToken,
		IntervalSeconds:     req.IntervalSeconds,
		ReminderLeadSeconds: req.ReminderLeadSeconds,
		NextExecution:       next,
		Status:              StatusActive,
		CreatedAt:           now,
	}
	s.subs[sub.ID] = sub
	s.scheduleLocked(sub)
	cp := sub.clone()
	s.mu.Unlock()

	s.persist(ctx, cp)
	s.gate.RecordSuccess(caller)
	s.publish("subscription", "created", cp)
	s.logger.Info("subscription created", "id", cp.ID, "interval_seconds", cp.IntervalSeconds)
	return cp, nil
}

// Pause disarms timers. Only an active subscription can pause.
func (s *Scheduler) Pause(ctx context.Context, caller, id string) error {
	return s.transition(ctx, caller, id, func(sub *Subscription) error {
		if sub.Status != StatusActive {
			return fmt.Errorf("%w: cannot pause %s subscription", ErrInvalidStateTransition, sub.Status)
		}
		sub.Status = StatusPaused
		return nil
	})
}

// Resume rearms a paused subscription; the payment clock restarts from
// now rather than from where it stopped.
func (s *Scheduler) Resume(ctx context.Context, caller, id string) error {
	return s.transition(ctx, caller, id, func(sub *Subscription) error {
		if sub.Status != StatusPaused {
			return fmt.Errorf("%w: cannot resume %s subscription", ErrInvalidStateTransition, sub.Status)
		}
		sub.Status = StatusActive
		sub.NextExecution = s.now().Add(time.Duration(sub.IntervalSeconds) * time.Second)
		return nil
	})
}

// Cancel is terminal: no further transitions, no further timers.
func (s *Scheduler) Cancel(ctx context.Context, caller, id string) error {
	return s.transition(ctx, caller, id, func(sub *Subscription) error {
		if sub.Status != StatusActive && sub.Status != StatusPaused {
			return fmt.Errorf("%w: cannot cancel %s subscription", ErrInvalidStateTransition, sub.Status)
		}
		sub.Status = StatusCancelled
		return nil
	})
}

func (s *Scheduler) transition(ctx context.Context, caller, id string, apply func(*Subscription) error) error {
	if err := s.gate.Admit(caller); err != nil {
		return err
	}

	s.mu.Lock()
	sub, ok := s.subs[id]
	if !ok {
		s.mu.Unlock()
		s.gate.RecordFailure(caller)
		return ErrNotFound
	}
	if err := apply(sub); err != nil {
		s.mu.Unlock()
		s.gate.RecordFailure(caller)
		return err
	}
	s.scheduleLocked(sub)
	cp := sub.clone()
	s.mu.Unlock()

	s.persist(ctx, cp)
	s.gate.RecordSuccess(caller)
	s.publish("subscription", cp.Status, cp)
	s.logger.Info("subscription state changed", "id", id, "status", cp.Status)
	return nil
}

// scheduleLocked (re)arms timers to match the subscription's state.
// Invariant: exactly one pending payment timer per active subscription,
// none otherwise.
func (s *Scheduler) scheduleLocked(sub *Subscription) {
	if timer, ok := s.paymentTimers[sub.ID]; ok {
		timer.Stop()
		delete(s.paymentTimers, sub.ID)
	}
	if timer, ok := s.notificationTimers[sub.ID]; ok {
		timer.Stop()
		delete(s.notificationTimers, sub.ID)
	}
	if !s.running || sub.Status != StatusActive {
		return
	}

	id := sub.ID
	now := s.now()

	delay := sub.NextExecution.Sub(now)
	if delay < 0 {
		delay = 0
	}
	s.paymentTimers[id] = time.AfterFunc(delay, func() { s.firePayment(id) })

	// The reminder fires once, lead seconds before the payment, and
	// only when that moment is still in the future.
	if sub.ReminderLeadSeconds > 0 {
		notifyAt := sub.NextExecution.Add(-time.Duration(sub.ReminderLeadSeconds) * time.Second)
		if notifyAt.After(now) {
			s.notificationTimers[id] = time.AfterFunc(notifyAt.Sub(now), func() { s.fireNotification(id) })
		}
	}
}

// firePayment dispatches one payment trigger. At most one trigger per
// subscription is in flight; an overlapping fire is deferred until the
// first resolves rather than double-dispatched.
func (s *Scheduler) firePayment(id string) {
	s.mu.Lock()
	sub, ok := s.subs[id]
	if !ok || sub.Status != StatusActive {
		s.mu.Unlock()
		return
	}
	if s.inFlight[id] {
		s.deferred[id] = true
		s.mu.Unlock()
		s.logger.Warn("trigger deferred, prior call in flight", "id", id)
		return
	}
	s.inFlight[id] = true
	cp := sub.clone()
	s.mu.Unlock()

	s.wg.Add(1)
	defer s.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), s.config.TriggerTimeout)
	txSig, err := s.sender.SendTrigger(ctx, cp, solana.OpPayment)
	cancel()

	s.completePayment(id, txSig, err)
}

// completePayment applies the trigger outcome. On success and failure
// alike the next execution advances by exactly one interval: a failed
// cycle is never retried faster, and never dropped.
func (s *Scheduler) completePayment(id, txSig string, callErr error) {
	s.mu.Lock()
	sub, ok := s.subs[id]
	if !ok {
		delete(s.inFlight, id)
		delete(s.deferred, id)
		s.mu.Unlock()
		return
	}

	now := s.now()
	if callErr == nil {
		sub.TriggerCount++
		sub.LastTriggered = &now
		sub.LastError = ""
	} else {
		sub.FailedPaymentCount++
		sub.LastError = fmt.Errorf("%w: %v", ErrCrossChainCallFailed, callErr).Error()
		sub.LastFailureTime = &now
	}
	sub.NextExecution = sub.NextExecution.Add(time.Duration(sub.IntervalSeconds) * time.Second)
	s.scheduleLocked(sub)

	delete(s.inFlight, id)
	refire := s.deferred[id]
	delete(s.deferred, id)
	cp := sub.clone()
	s.mu.Unlock()

	if s.treasury != nil {
		s.treasury.RecordConsumption(s.config.TriggerCostCycles)
	}
	s.persist(context.Background(), cp)

	if callErr == nil {
		s.publish("trigger", "payment_processed", map[string]interface{}{"subscription": cp, "tx": txSig})
		s.logger.Info("payment trigger succeeded", "id", id, "tx", txSig)
	} else {
		s.publish("trigger", "payment_failed", map[string]interface{}{"subscription": cp, "error": callErr.Error()})
		s.logger.Error("payment trigger failed", "id", id, "error", callErr.Error())
	}

	if refire {
		go s.firePayment(id)
	}
}

// fireNotification sends the opcode-1 reminder. Failures are logged
// only; a missed reminder never blocks the payment path.
func (s *Scheduler) fireNotification(id string) {
	s.mu.Lock()
	sub, ok := s.subs[id]
	if !ok || sub.Status != StatusActive {
		s.mu.Unlock()
		return
	}
	cp := sub.clone()
	delete(s.notificationTimers, id)
	s.mu.Unlock()

	s.wg.Add(1)
	defer s.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), s.config.TriggerTimeout)
	defer cancel()

	if _, err := s.sender.SendTrigger(ctx, cp, solana.OpNotification); err != nil {
		s.logger.Warn("notification trigger failed", "id", id, "error", err.Error())
		return
	}
	s.publish("trigger", "notification_sent", map[string]interface{}{"subscription_id": id})
	s.logger.Info("notification trigger sent", "id", id)
}

// TriggerNow fires a payment immediately on an operator's request,
// still subject to the gateway and the in-flight guard.
func (s *Scheduler) TriggerNow(caller, id string) error {
	if err := s.gate.Admit(caller); err != nil {
		return err
	}

	s.mu.Lock()
	sub, ok := s.subs[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	if sub.Status != StatusActive {
		s.mu.Unlock()
		return fmt.Errorf("%w: cannot trigger %s subscription", ErrInvalidStateTransition, sub.Status)
	}
	s.mu.Unlock()

	go s.firePayment(id)
	s.gate.RecordSuccess(caller)
	return nil
}

// Get returns a copy of one subscription.
func (s *Scheduler) Get(id string) (*Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return sub.clone(), nil
}

// List returns copies of all subscriptions.
func (s *Scheduler) List() []*Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		out = append(out, sub.clone())
	}
	return out
}

// Overdue lists active subscriptions whose execution time has passed.
func (s *Scheduler) Overdue() []*Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var out []*Subscription
	for _, sub := range s.subs {
		if sub.Status == StatusActive && !sub.NextExecution.After(now) {
			out = append(out, sub.clone())
		}
	}
	return out
}

// CleanupOld removes terminal subscriptions older than the cutoff.
func (s *Scheduler) CleanupOld(ctx context.Context, olderThan time.Duration) int {
	s.mu.Lock()
	cutoff := s.now().Add(-olderThan)
	var removed []string
	for id, sub := range s.subs {
		terminal := sub.Status == StatusCancelled || sub.Status == StatusExpired
		if terminal && sub.CreatedAt.Before(cutoff) {
			delete(s.subs, id)
			removed = append(removed, id)
		}
	}
	s.mu.Unlock()

	for _, id := range removed {
		if s.store != nil {
			if err := s.store.Delete(ctx, id); err != nil {
				s.logger.Warn("failed to delete subscription", "id", id, "error", err.Error())
			}
		}
	}
	if len(removed) > 0 {
		s.logger.Info("old subscriptions cleaned up", "removed", len(removed))
	}
	return len(removed)
}

// EmergencyPauseAll pauses every active subscription. Operator panic
// button; individual in-flight triggers still run to completion.
func (s *Scheduler) EmergencyPauseAll(ctx context.Context) int {
	return s.bulkTransition(ctx, StatusActive, StatusPaused, func(sub *Subscription) {})
}

// ResumeOperations reactivates every paused subscription with a fresh
// payment clock.
func (s *Scheduler) ResumeOperations(ctx context.Context) int {
	return s.bulkTransition(ctx, StatusPaused, StatusActive, func(sub *Subscription) {
		sub.NextExecution = s.now().Add(time.Duration(sub.IntervalSeconds) * time.Second)
	})
}

func (s *Scheduler) bulkTransition(ctx context.Context, from, to string, mutate func(*Subscription)) int {
	s.mu.Lock()
	var changed []*Subscription
	for _, sub := range s.subs {
		if sub.Status != from {
			continue
		}
		sub.Status = to
		mutate(sub)
		s.scheduleLocked(sub)
		changed = append(changed, sub.clone())
	}
	s.mu.Unlock()

	for _, cp := range changed {
		s.persist(ctx, cp)
	}
	if len(changed) > 0 {
		s.logger.Warn("bulk state change", "from", from, "to", to, "count", len(changed))
	}
	return len(changed)
}

// Status summarizes scheduler state for health and admin surfaces.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := Status{
		Running:          s.running,
		Total:            len(s.subs),
		InFlight:         len(s.inFlight),
		PendingTimers:    len(s.paymentTimers),
		DeferredTriggers: len(s.deferred),
	}
	for _, sub := range s.subs {
		switch sub.Status {
		case StatusActive:
			status.Active++
		case StatusPaused:
			status.Paused++
		case StatusCancelled:
			status.Cancelled++
		}
		status.TotalTriggers += sub.TriggerCount
		status.TotalFailures += sub.FailedPaymentCount
	}
	return status
}

func (s *Scheduler) persist(ctx context.Context, sub *Subscription) {
	if s.store == nil {
		return
	}
	if err := s.store.Save(ctx, sub); err != nil {
		s.logger.Error("failed to persist subscription", "id", sub.ID, "error", err.Error())
	}
}

func (s *Scheduler) publish(eventType, eventName string, data interface{}) {
	if s.events == nil {
		return
	}
	s.events.Publish(eventType, eventName, data)
}
