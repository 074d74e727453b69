// Package treasury keeps the scheduling side solvent: it tracks the
// engine's operating-resource balance, converts collected settlement
// fees into top-ups, and raises emergency signals before the balance
// runs dry.
package treasury

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AnuragDani/chainsub-platform/internal/logger"
)

var (
	ErrRefillTooSmall   = errors.New("refill below minimum meaningful size")
	ErrInvalidRate      = errors.New("conversion rate must be positive")
	ErrInvalidThreshold = errors.New("threshold must be positive")
)

// MinRefillCycles rejects conversions too small to matter; tiny refills
// cost more in overhead than they add.
const MinRefillCycles = 1_000_000_000

// FeeDistribution records one fee-to-resource conversion.
type FeeDistribution struct {
	ID                string    `json:"id"`
	LamportsConverted uint64    `json:"lamports_converted"`
	CyclesCredited    uint64    `json:"cycles_credited"`
	ConversionRate    float64   `json:"conversion_rate"`
	Timestamp         time.Time `json:"timestamp"`
}

// Report is the observable treasury snapshot.
type Report struct {
	CurrentBalance    uint64     `json:"current_balance"`
	ThresholdBalance  uint64     `json:"threshold_balance"`
	AutoRefillEnabled bool       `json:"auto_refill_enabled"`
	TotalConsumed     uint64     `json:"total_consumed"`
	TotalRefilled     uint64     `json:"total_refilled"`
	LastRefill        *time.Time `json:"last_refill,omitempty"`
	NeedsRefill       bool       `json:"needs_refill"`
	EmergencyLow      bool       `json:"emergency_low"`
}

// Recorder persists fee distribution entries. Optional.
type Recorder interface {
	RecordFeeDistribution(dist FeeDistribution) error
}

type Manager struct {
	mu sync.Mutex

	balance       uint64
	threshold     uint64
	autoRefill    bool
	totalConsumed uint64
	totalRefilled uint64
	lastRefill    *time.Time
	distributions []FeeDistribution

	recorder Recorder
	logger   *logger.Logger
	now      func() time.Time
}

func New(initialBalance, threshold uint64, autoRefill bool, log *logger.Logger) *Manager {
	return &Manager{
		balance:    initialBalance,
		threshold:  threshold,
		autoRefill: autoRefill,
		logger:     log,
		now:        time.Now,
	}
}

// SetRecorder attaches a persistence sink for distribution history.
func (m *Manager) SetRecorder(r Recorder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recorder = r
}

// NeedsRefill reports whether the balance has dropped below threshold.
func (m *Manager) NeedsRefill() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balance < m.threshold
}

// IsEmergencyLow reports a balance below a tenth of the threshold.
func (m *Manager) IsEmergencyLow() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balance < m.threshold/10
}

// RecordConsumption debits the operating cost of one trigger cycle.
func (m *Manager) RecordConsumption(cycles uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cycles > m.balance {
		cycles = m.balance
	}
	m.balance -= cycles
	m.totalConsumed += cycles
}

// RefillFromCollectedFees converts settlement-chain fees (lamports)
// into operating resource at the oracle-derived rate (cycles per
// lamport). Rejects conversions below MinRefillCycles.
func (m *Manager) RefillFromCollectedFees(lamports uint64, cyclesPerLamport float64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cyclesPerLamport <= 0 {
		return 0, ErrInvalidRate
	}
	cycles := uint64(float64(lamports) * cyclesPerLamport)
	if cycles < MinRefillCycles {
		return 0, ErrRefillTooSmall
	}

	now := m.now()
	m.balance += cycles
	m.totalRefilled += cycles
	m.lastRefill = &now

	dist := FeeDistribution{
		ID:                uuid.New().String(),
		LamportsConverted: lamports,
		CyclesCredited:    cycles,
		ConversionRate:    cyclesPerLamport,
		Timestamp:         now,
	}
	m.distributions = append(m.distributions, dist)
	if m.recorder != nil {
		if err := m.recorder.RecordFeeDistribution(dist); err != nil {
			m.logger.Warn("failed to persist fee distribution", "error", err.Error())
		}
	}

	m.logger.Info("treasury refilled",
		"lamports", lamports,
		"cycles", cycles,
		"balance", m.balance)
	return cycles, nil
}

// MonitorAndRefill is the periodic check: a no-op unless auto-refill is
// enabled and the balance is below threshold. It is deliberately not
// called per payment — only on a schedule — to bound overhead.
func (m *Manager) MonitorAndRefill(availableLamports uint64, cyclesPerLamport float64) (bool, error) {
	m.mu.Lock()
	enabled := m.autoRefill
	needed := m.balance < m.threshold
	m.mu.Unlock()

	if !enabled || !needed {
		return false, nil
	}
	if _, err := m.RefillFromCollectedFees(availableLamports, cyclesPerLamport); err != nil {
		return false, err
	}
	return true, nil
}

// SetAutoRefill toggles automatic refills.
func (m *Manager) SetAutoRefill(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.autoRefill = enabled
	m.logger.Info("auto refill toggled", "enabled", enabled)
}

// SetThreshold updates the refill threshold.
func (m *Manager) SetThreshold(threshold uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if threshold == 0 {
		return ErrInvalidThreshold
	}
	m.threshold = threshold
	m.logger.Info("threshold updated", "threshold", threshold)
	return nil
}

// Distributions returns the in-memory distribution history.
func (m *Manager) Distributions() []FeeDistribution {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]FeeDistribution(nil), m.distributions...)
}

// ConsumptionSince estimates cycles burned per hour over the window
// since start. Zero when nothing was consumed.
func (m *Manager) ConsumptionSince(start time.Time) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	hours := m.now().Sub(start).Hours()
	if hours <= 0 {
		return 0
	}
	return float64(m.totalConsumed) / hours
}

// EstimateDepletion projects hours until empty at the given hourly
// burn rate. Returns a negative value when the rate is zero.
func (m *Manager) EstimateDepletion(cyclesPerHour float64) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cyclesPerHour <= 0 {
		return -1
	}
	return float64(m.balance) / cyclesPerHour
}

// Snapshot builds the observable report.
func (m *Manager) Snapshot() Report {
	m.mu.Lock()
	defer m.mu.Unlock()

	return Report{
		CurrentBalance:    m.balance,
		ThresholdBalance:  m.threshold,
		AutoRefillEnabled: m.autoRefill,
		TotalConsumed:     m.totalConsumed,
		TotalRefilled:     m.totalRefilled,
		LastRefill:        m.lastRefill,
		NeedsRefill:       m.balance < m.threshold,
		EmergencyLow:      m.balance < m.threshold/10,
	}
}
