package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AnuragDani/chainsub-platform/internal/gateway"
	"github.com/AnuragDani/chainsub-platform/internal/logger"
	"github.com/AnuragDani/chainsub-platform/internal/solana"
	"github.com/AnuragDani/chainsub-platform/internal/treasury"
)

type fakeSender struct {
	mu      sync.Mutex
	calls   int
	opcodes []solana.Opcode
	err     error
	block   chan struct{}
}

func (f *fakeSender) SendTrigger(ctx context.Context, sub *Subscription, op solana.Opcode) (string, error) {
	f.mu.Lock()
	f.calls++
	f.opcodes = append(f.opcodes, op)
	block := f.block
	err := f.err
	f.mu.Unlock()

	if block != nil {
		<-block
	}
	if err != nil {
		return "", err
	}
	return "tx-signature", nil
}

func (f *fakeSender) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type memoryStore struct {
	mu   sync.Mutex
	subs map[string]*Subscription
}

func newMemoryStore() *memoryStore {
	return &memoryStore{subs: make(map[string]*Subscription)}
}

func (m *memoryStore) Save(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.ID] = sub.clone()
	return nil
}

func (m *memoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, id)
	return nil
}

func (m *memoryStore) LoadAll(ctx context.Context) ([]*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		out = append(out, sub.clone())
	}
	return out, nil
}

func newTestScheduler(t *testing.T, sender TriggerSender) (*Scheduler, *time.Time) {
	t.Helper()
	gate := gateway.New(gateway.Config{GlobalPerMinute: 10_000, CallerPerMinute: 10_000}, logger.New("gate-test"))
	tre := treasury.New(1_000_000_000_000, 1_000_000_000, false, logger.New("treasury-test"))
	s := New(Config{TriggerTimeout: 2 * time.Second, TriggerCostCycles: 1_000_000}, sender, nil, gate, tre, nil, logger.New("scheduler-test"))
	now := time.Unix(1_700_000_000, 0)
	s.now = func() time.Time { return now }
	return s, &now
}

func validRequest(id string) CreateRequest {
	return CreateRequest{
		ID:                 id,
		SettlementContract: solana.MemoProgramID,
		PaymentToken:       "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v",
		IntervalSeconds:    10,
	}
}

func TestCreateValidation(t *testing.T) {
	s, now := newTestScheduler(t, &fakeSender{})
	ctx := context.Background()

	bad := validRequest("sub-001")
	bad.IntervalSeconds = 5
	_, err := s.Create(ctx, "alice", bad)
	assert.ErrorIs(t, err, ErrValidation)

	bad = validRequest("sub 001")
	_, err = s.Create(ctx, "alice", bad)
	assert.ErrorIs(t, err, ErrValidation)

	bad = validRequest("sub-001")
	bad.SettlementContract = "nope"
	_, err = s.Create(ctx, "alice", bad)
	assert.ErrorIs(t, err, ErrValidation)

	bad = validRequest("sub-001")
	bad.ReminderLeadSeconds = 10
	_, err = s.Create(ctx, "alice", bad)
	assert.ErrorIs(t, err, ErrValidation)

	sub, err := s.Create(ctx, "alice", validRequest("sub-001"))
	require.NoError(t, err)
	assert.Equal(t, StatusActive, sub.Status)
	assert.Equal(t, now.Add(10*time.Second), sub.NextExecution)

	_, err = s.Create(ctx, "alice", validRequest("sub-001"))
	assert.ErrorIs(t, err, ErrDuplicateID)
}

func TestLifecycleTransitions(t *testing.T) {
	s, _ := newTestScheduler(t, &fakeSender{})
	ctx := context.Background()

	_, err := s.Create(ctx, "alice", validRequest("sub-001"))
	require.NoError(t, err)

	// Resume from active is illegal.
	assert.ErrorIs(t, s.Resume(ctx, "alice", "sub-001"), ErrInvalidStateTransition)

	require.NoError(t, s.Pause(ctx, "alice", "sub-001"))
	assert.ErrorIs(t, s.Pause(ctx, "alice", "sub-001"), ErrInvalidStateTransition)

	require.NoError(t, s.Resume(ctx, "alice", "sub-001"))
	require.NoError(t, s.Cancel(ctx, "alice", "sub-001"))

	// Cancelled is terminal.
	assert.ErrorIs(t, s.Pause(ctx, "alice", "sub-001"), ErrInvalidStateTransition)
	assert.ErrorIs(t, s.Resume(ctx, "alice", "sub-001"), ErrInvalidStateTransition)
	assert.ErrorIs(t, s.Cancel(ctx, "alice", "sub-001"), ErrInvalidStateTransition)

	assert.ErrorIs(t, s.Pause(ctx, "alice", "missing"), ErrNotFound)
}

func TestResumeResetsClock(t *testing.T) {
	s, now := newTestScheduler(t, &fakeSender{})
	ctx := context.Background()

	_, err := s.Create(ctx, "alice", validRequest("sub-001"))
	require.NoError(t, err)
	require.NoError(t, s.Pause(ctx, "alice", "sub-001"))

	*now = now.Add(5 * time.Minute)
	require.NoError(t, s.Resume(ctx, "alice", "sub-001"))

	sub, err := s.Get("sub-001")
	require.NoError(t, err)
	assert.Equal(t, now.Add(10*time.Second), sub.NextExecution)
}

func TestFailureAdvancesOneInterval(t *testing.T) {
	sender := &fakeSender{err: errors.New("rpc timeout")}
	s, _ := newTestScheduler(t, sender)
	ctx := context.Background()

	created, err := s.Create(ctx, "alice", validRequest("sub-001"))
	require.NoError(t, err)
	firstDue := created.NextExecution

	s.firePayment("sub-001")

	sub, err := s.Get("sub-001")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), sub.FailedPaymentCount)
	assert.Equal(t, uint64(0), sub.TriggerCount)
	assert.Contains(t, sub.LastError, "rpc timeout")
	require.NotNil(t, sub.LastFailureTime)

	// The clock advances by exactly one interval, no faster retry.
	assert.Equal(t, firstDue.Add(10*time.Second), sub.NextExecution)

	// A second failure advances by exactly one more interval.
	s.firePayment("sub-001")
	sub, err = s.Get("sub-001")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), sub.FailedPaymentCount)
	assert.Equal(t, firstDue.Add(20*time.Second), sub.NextExecution)
}

func TestSuccessfulTriggerBookkeeping(t *testing.T) {
	sender := &fakeSender{}
	s, now := newTestScheduler(t, sender)
	ctx := context.Background()

	created, err := s.Create(ctx, "alice", validRequest("sub-001"))
	require.NoError(t, err)

	s.firePayment("sub-001")

	sub, err := s.Get("sub-001")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), sub.TriggerCount)
	assert.Equal(t, uint64(0), sub.FailedPaymentCount)
	require.NotNil(t, sub.LastTriggered)
	assert.Equal(t, *now, *sub.LastTriggered)
	assert.Equal(t, created.NextExecution.Add(10*time.Second), sub.NextExecution)
	assert.Equal(t, []solana.Opcode{solana.OpPayment}, sender.opcodes)
}

func TestAtMostOneInFlightTrigger(t *testing.T) {
	sender := &fakeSender{block: make(chan struct{})}
	s, _ := newTestScheduler(t, sender)
	ctx := context.Background()

	_, err := s.Create(ctx, "alice", validRequest("sub-001"))
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		s.firePayment("sub-001")
		close(done)
	}()

	// Wait until the first call is actually in flight.
	require.Eventually(t, func() bool { return sender.callCount() == 1 }, time.Second, time.Millisecond)

	// A second fire while the first is pending is deferred, not
	// double-dispatched.
	s.firePayment("sub-001")
	assert.Equal(t, 1, sender.callCount())

	close(sender.block)
	<-done

	// The deferred fire dispatches after the first resolves.
	require.Eventually(t, func() bool { return sender.callCount() == 2 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool {
		sub, err := s.Get("sub-001")
		return err == nil && sub.TriggerCount == 2
	}, time.Second, time.Millisecond)
}

func TestCancelledSubscriptionNeverFires(t *testing.T) {
	sender := &fakeSender{}
	s, _ := newTestScheduler(t, sender)
	ctx := context.Background()

	_, err := s.Create(ctx, "alice", validRequest("sub-001"))
	require.NoError(t, err)
	require.NoError(t, s.Cancel(ctx, "alice", "sub-001"))

	s.firePayment("sub-001")
	assert.Equal(t, 0, sender.callCount())

	assert.ErrorIs(t, s.TriggerNow("alice", "sub-001"), ErrInvalidStateTransition)
}

func TestOverdue(t *testing.T) {
	s, now := newTestScheduler(t, &fakeSender{})
	ctx := context.Background()

	_, err := s.Create(ctx, "alice", validRequest("sub-001"))
	require.NoError(t, err)
	_, err = s.Create(ctx, "alice", validRequest("sub-002"))
	require.NoError(t, err)
	require.NoError(t, s.Pause(ctx, "alice", "sub-002"))

	assert.Empty(t, s.Overdue())

	*now = now.Add(time.Minute)
	overdue := s.Overdue()
	require.Len(t, overdue, 1)
	assert.Equal(t, "sub-001", overdue[0].ID)
}

func TestEmergencyPauseAllAndResume(t *testing.T) {
	s, _ := newTestScheduler(t, &fakeSender{})
	ctx := context.Background()

	for _, id := range []string{"sub-001", "sub-002", "sub-003"} {
		_, err := s.Create(ctx, "alice", validRequest(id))
		require.NoError(t, err)
	}
	require.NoError(t, s.Cancel(ctx, "alice", "sub-003"))

	assert.Equal(t, 2, s.EmergencyPauseAll(ctx))
	status := s.Status()
	assert.Equal(t, 0, status.Active)
	assert.Equal(t, 2, status.Paused)

	assert.Equal(t, 2, s.ResumeOperations(ctx))
	status = s.Status()
	assert.Equal(t, 2, status.Active)
	assert.Equal(t, 1, status.Cancelled)
}

func TestCleanupOld(t *testing.T) {
	store := newMemoryStore()
	gate := gateway.New(gateway.Config{GlobalPerMinute: 10_000, CallerPerMinute: 10_000}, logger.New("gate-test"))
	s := New(Config{}, &fakeSender{}, store, gate, nil, nil, logger.New("scheduler-test"))
	now := time.Unix(1_700_000_000, 0)
	s.now = func() time.Time { return now }
	ctx := context.Background()

	_, err := s.Create(ctx, "alice", validRequest("sub-old"))
	require.NoError(t, err)
	require.NoError(t, s.Cancel(ctx, "alice", "sub-old"))

	now = now.Add(48 * time.Hour)
	_, err = s.Create(ctx, "alice", validRequest("sub-new"))
	require.NoError(t, err)

	assert.Equal(t, 1, s.CleanupOld(ctx, 24*time.Hour))
	_, err = s.Get("sub-old")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Get("sub-new")
	require.NoError(t, err)

	stored, err := store.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "sub-new", stored[0].ID)
}

func TestStartRestoresFromStore(t *testing.T) {
	store := newMemoryStore()
	gate := gateway.New(gateway.Config{GlobalPerMinute: 10_000, CallerPerMinute: 10_000}, logger.New("gate-test"))

	first := New(Config{}, &fakeSender{}, store, gate, nil, nil, logger.New("scheduler-test"))
	ctx := context.Background()
	_, err := first.Create(ctx, "alice", validRequest("sub-001"))
	require.NoError(t, err)

	second := New(Config{}, &fakeSender{}, store, gate, nil, nil, logger.New("scheduler-test"))
	require.NoError(t, second.Start(ctx))
	defer second.Stop()

	sub, err := second.Get("sub-001")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, sub.Status)
	assert.True(t, second.Status().Running)
	assert.Equal(t, 1, second.Status().PendingTimers)
}

func TestGatewayBlocksCreate(t *testing.T) {
	gate := gateway.New(gateway.Config{GlobalPerMinute: 10_000, CallerPerMinute: 1}, logger.New("gate-test"))
	s := New(Config{}, &fakeSender{}, nil, gate, nil, nil, logger.New("scheduler-test"))
	ctx := context.Background()

	_, err := s.Create(ctx, "alice", validRequest("sub-001"))
	require.NoError(t, err)
	_, err = s.Create(ctx, "alice", validRequest("sub-002"))
	assert.ErrorIs(t, err, gateway.ErrRateLimited)
}
