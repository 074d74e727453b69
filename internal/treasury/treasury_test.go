package treasury

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AnuragDani/chainsub-platform/internal/logger"
	"github.com/AnuragDani/chainsub-platform/internal/solana"
)

func TestNeedsRefillThresholds(t *testing.T) {
	m := New(1000, 500, true, logger.New("treasury-test"))
	assert.False(t, m.NeedsRefill())
	assert.False(t, m.IsEmergencyLow())

	m.RecordConsumption(600)
	assert.True(t, m.NeedsRefill())
	assert.False(t, m.IsEmergencyLow())

	// Below threshold/10 raises the emergency signal.
	m.RecordConsumption(360)
	assert.True(t, m.IsEmergencyLow())

	report := m.Snapshot()
	assert.Equal(t, uint64(40), report.CurrentBalance)
	assert.Equal(t, uint64(960), report.TotalConsumed)
	assert.True(t, report.NeedsRefill)
	assert.True(t, report.EmergencyLow)
}

func TestRefillFromCollectedFees(t *testing.T) {
	m := New(0, MinRefillCycles, true, logger.New("treasury-test"))

	// 5000 lamports at 1e6 cycles per lamport.
	cycles, err := m.RefillFromCollectedFees(5000, 1_000_000)
	require.NoError(t, err)
	assert.Equal(t, uint64(5_000_000_000), cycles)

	report := m.Snapshot()
	assert.Equal(t, cycles, report.CurrentBalance)
	assert.Equal(t, cycles, report.TotalRefilled)
	require.NotNil(t, report.LastRefill)

	dists := m.Distributions()
	require.Len(t, dists, 1)
	assert.Equal(t, uint64(5000), dists[0].LamportsConverted)
	assert.NotEmpty(t, dists[0].ID)
}

func TestRefillRejectsTinyOrInvalid(t *testing.T) {
	m := New(0, MinRefillCycles, true, logger.New("treasury-test"))

	_, err := m.RefillFromCollectedFees(1, 1)
	assert.ErrorIs(t, err, ErrRefillTooSmall)

	_, err = m.RefillFromCollectedFees(5000, 0)
	assert.ErrorIs(t, err, ErrInvalidRate)

	assert.Empty(t, m.Distributions())
}

func TestMonitorAndRefill(t *testing.T) {
	// Balance above threshold: no-op even with auto-refill on.
	m := New(10*MinRefillCycles, MinRefillCycles, true, logger.New("treasury-test"))
	refilled, err := m.MonitorAndRefill(5000, 1_000_000)
	require.NoError(t, err)
	assert.False(t, refilled)

	// Auto-refill disabled: no-op even when needed.
	m = New(0, MinRefillCycles, false, logger.New("treasury-test"))
	refilled, err = m.MonitorAndRefill(5000, 1_000_000)
	require.NoError(t, err)
	assert.False(t, refilled)

	// Enabled and needed: refill happens.
	m.SetAutoRefill(true)
	refilled, err = m.MonitorAndRefill(5000, 1_000_000)
	require.NoError(t, err)
	assert.True(t, refilled)
	assert.False(t, m.NeedsRefill())
}

func TestSetThreshold(t *testing.T) {
	m := New(100, 50, true, logger.New("treasury-test"))
	assert.ErrorIs(t, m.SetThreshold(0), ErrInvalidThreshold)
	require.NoError(t, m.SetThreshold(500))
	assert.True(t, m.NeedsRefill())
}

func TestEstimateDepletion(t *testing.T) {
	m := New(1000, 100, true, logger.New("treasury-test"))
	assert.Equal(t, float64(-1), m.EstimateDepletion(0))
	assert.Equal(t, float64(10), m.EstimateDepletion(100))
}

func newTestGovernance(delay time.Duration) (*Governance, *time.Time) {
	g := NewGovernance(solana.TokenProgramID, delay, logger.New("governance-test"))
	now := time.Unix(1_700_000_000, 0)
	g.now = func() time.Time { return now }
	return g, &now
}

func TestGovernanceDelayEnforced(t *testing.T) {
	delay := 7 * 24 * time.Hour
	g, now := newTestGovernance(delay)

	proposal, err := g.Propose(solana.MemoProgramID)
	require.NoError(t, err)
	assert.Equal(t, now.Add(delay), proposal.ExecutableAt)

	// Early execution fails, right up to the last second.
	_, err = g.Execute()
	assert.ErrorIs(t, err, ErrDelayNotElapsed)

	*now = now.Add(delay - time.Second)
	_, err = g.Execute()
	assert.ErrorIs(t, err, ErrDelayNotElapsed)

	// Succeeds exactly at proposed_at + delay.
	*now = now.Add(time.Second)
	addr, err := g.Execute()
	require.NoError(t, err)
	assert.Equal(t, solana.MemoProgramID, addr)

	current, pending := g.Status()
	assert.Equal(t, solana.MemoProgramID, current)
	assert.Nil(t, pending)
}

func TestGovernanceSingleProposal(t *testing.T) {
	g, _ := newTestGovernance(time.Hour)

	_, err := g.Propose(solana.MemoProgramID)
	require.NoError(t, err)

	_, err = g.Propose(solana.SystemProgramID)
	assert.ErrorIs(t, err, ErrProposalPending)

	require.NoError(t, g.Cancel())
	assert.ErrorIs(t, g.Cancel(), ErrNoProposal)
	_, err = g.Execute()
	assert.ErrorIs(t, err, ErrNoProposal)

	// After cancel a fresh proposal is accepted.
	_, err = g.Propose(solana.SystemProgramID)
	require.NoError(t, err)
}

func TestGovernanceValidatesAddress(t *testing.T) {
	g, _ := newTestGovernance(time.Hour)
	_, err := g.Propose("not-an-address")
	assert.ErrorIs(t, err, ErrInvalidAddress)
}

func TestGovernanceOnChangeHook(t *testing.T) {
	g, now := newTestGovernance(time.Hour)

	var applied string
	g.OnChange(func(addr string) error {
		applied = addr
		return nil
	})

	_, err := g.Propose(solana.MemoProgramID)
	require.NoError(t, err)
	*now = now.Add(time.Hour)
	_, err = g.Execute()
	require.NoError(t, err)
	assert.Equal(t, solana.MemoProgramID, applied)
}
