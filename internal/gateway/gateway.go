// Package gateway is the defensive layer in front of every mutating
// entry point: global and per-caller rate windows, reputation scoring,
// exponential backoff for repeat offenders, and the admin overrides
// that undo automatic restrictions.
package gateway

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/AnuragDani/chainsub-platform/internal/logger"
)

var (
	ErrRateLimited = errors.New("rate limit exceeded")
	ErrRestricted  = errors.New("caller restricted")
)

// BlockedError reports a backoff rejection with the remaining wait.
type BlockedError struct {
	RetryAfter time.Duration
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("temporarily blocked, retry after %s", e.RetryAfter.Round(time.Second))
}

// Config tunes the gateway. Zero values fall back to defaults.
type Config struct {
	GlobalPerMinute   int
	CallerPerMinute   int
	BackoffBase       time.Duration
	BackoffMultiplier float64
	MaxBackoff        time.Duration
	ReputationReward  int
	ReputationPenalty int
	InitialScore      int
}

func (c Config) withDefaults() Config {
	if c.GlobalPerMinute == 0 {
		c.GlobalPerMinute = 100
	}
	if c.CallerPerMinute == 0 {
		c.CallerPerMinute = 10
	}
	if c.BackoffBase == 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffMultiplier == 0 {
		c.BackoffMultiplier = 2
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = time.Hour
	}
	if c.ReputationReward == 0 {
		c.ReputationReward = 1
	}
	if c.ReputationPenalty == 0 {
		c.ReputationPenalty = 5
	}
	if c.InitialScore == 0 {
		c.InitialScore = 100
	}
	return c
}

// Reputation tracks one caller's history. Score below zero triggers an
// automatic restriction that only an admin can lift.
type Reputation struct {
	Score         int       `json:"score"`
	SuccessfulOps int       `json:"successful_ops"`
	FailedOps     int       `json:"failed_ops"`
	FirstSeen     time.Time `json:"first_seen"`
	LastSeen      time.Time `json:"last_seen"`
	Restricted    bool      `json:"restricted"`
}

type rateWindow struct {
	windowStart time.Time
	count       int
}

type backoffRecord struct {
	failedAttempts int
	blockedUntil   time.Time
}

type Gateway struct {
	mu sync.Mutex

	config      Config
	global      rateWindow
	callers     map[string]*rateWindow
	reputations map[string]*Reputation
	backoffs    map[string]*backoffRecord
	admins      map[string]bool
	readOnly    map[string]bool

	logger *logger.Logger
	now    func() time.Time
}

func New(config Config, log *logger.Logger) *Gateway {
	return &Gateway{
		config:      config.withDefaults(),
		callers:     make(map[string]*rateWindow),
		reputations: make(map[string]*Reputation),
		backoffs:    make(map[string]*backoffRecord),
		admins:      make(map[string]bool),
		readOnly:    make(map[string]bool),
		logger:      log,
		now:         time.Now,
	}
}

// Admit gates one mutating call: global window, then the caller's
// window, then the caller's backoff and restriction state. Order
// matters — the cheapest shared check runs first.
func (g *Gateway) Admit(caller string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()

	if !consume(&g.global, now, g.config.GlobalPerMinute) {
		return fmt.Errorf("%w: global window full", ErrRateLimited)
	}

	window, ok := g.callers[caller]
	if !ok {
		window = &rateWindow{}
		g.callers[caller] = window
	}
	if !consume(window, now, g.config.CallerPerMinute) {
		return fmt.Errorf("%w: caller %s", ErrRateLimited, caller)
	}

	if rep, ok := g.reputations[caller]; ok && rep.Restricted {
		return ErrRestricted
	}

	if record, ok := g.backoffs[caller]; ok && record.blockedUntil.After(now) {
		return &BlockedError{RetryAfter: record.blockedUntil.Sub(now)}
	}
	return nil
}

// consume counts one request against a fixed 60-second window.
func consume(w *rateWindow, now time.Time, limit int) bool {
	if now.Sub(w.windowStart) >= time.Minute {
		w.windowStart = now
		w.count = 0
	}
	if w.count >= limit {
		return false
	}
	w.count++
	return true
}

// RecordSuccess rewards the caller and clears any backoff.
func (g *Gateway) RecordSuccess(caller string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	rep := g.reputationLocked(caller)
	rep.Score += g.config.ReputationReward
	rep.SuccessfulOps++
	rep.LastSeen = g.now()
	delete(g.backoffs, caller)
}

// RecordFailure penalizes the caller and escalates the backoff:
// each consecutive failure doubles (multiplier-times) the block,
// capped at MaxBackoff.
func (g *Gateway) RecordFailure(caller string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	rep := g.reputationLocked(caller)
	rep.Score -= g.config.ReputationPenalty
	rep.FailedOps++
	rep.LastSeen = now
	if rep.Score < 0 && !rep.Restricted {
		rep.Restricted = true
		g.logger.Warn("caller restricted", "caller", caller, "score", rep.Score)
	}

	record, ok := g.backoffs[caller]
	if !ok {
		record = &backoffRecord{}
		g.backoffs[caller] = record
	}
	record.failedAttempts++

	delay := time.Duration(float64(g.config.BackoffBase) *
		math.Pow(g.config.BackoffMultiplier, float64(record.failedAttempts-1)))
	if delay > g.config.MaxBackoff || delay <= 0 {
		delay = g.config.MaxBackoff
	}
	record.blockedUntil = now.Add(delay)
}

func (g *Gateway) reputationLocked(caller string) *Reputation {
	rep, ok := g.reputations[caller]
	if !ok {
		rep = &Reputation{Score: g.config.InitialScore, FirstSeen: g.now()}
		g.reputations[caller] = rep
	}
	return rep
}

// GetReputation returns a copy of the caller's reputation, if any.
func (g *Gateway) GetReputation(caller string) (Reputation, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	rep, ok := g.reputations[caller]
	if !ok {
		return Reputation{}, false
	}
	return *rep, true
}

// AdjustReputation is the admin override for score repair. Raising the
// score to zero or above lifts an automatic restriction.
func (g *Gateway) AdjustReputation(caller string, delta int) Reputation {
	g.mu.Lock()
	defer g.mu.Unlock()

	rep := g.reputationLocked(caller)
	rep.Score += delta
	rep.Restricted = rep.Score < 0
	g.logger.Info("reputation adjusted", "caller", caller, "delta", delta, "score", rep.Score)
	return *rep
}

// ClearBlock removes a caller's backoff record. Admin override.
func (g *Gateway) ClearBlock(caller string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.backoffs, caller)
	g.logger.Info("block cleared", "caller", caller)
}

// AddAdmin / RemoveAdmin / IsAdmin manage the operator allowlist.
func (g *Gateway) AddAdmin(principal string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.admins[principal] = true
}

func (g *Gateway) RemoveAdmin(principal string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.admins, principal)
}

func (g *Gateway) IsAdmin(principal string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.admins[principal]
}

// AddReadOnly / RemoveReadOnly / IsReadOnly manage principals allowed
// to hit status and query endpoints without counting as mutators.
func (g *Gateway) AddReadOnly(principal string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.readOnly[principal] = true
}

func (g *Gateway) RemoveReadOnly(principal string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.readOnly, principal)
}

func (g *Gateway) IsReadOnly(principal string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.readOnly[principal]
}

// Stats is the operator-facing security snapshot.
type Stats struct {
	TotalCallers      int `json:"total_callers"`
	RestrictedCallers int `json:"restricted_callers"`
	ActiveBlocks      int `json:"active_blocks"`
	GlobalWindowCount int `json:"global_window_count"`
	Admins            int `json:"admins"`
}

func (g *Gateway) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	stats := Stats{
		TotalCallers: len(g.reputations),
		Admins:       len(g.admins),
	}
	if now.Sub(g.global.windowStart) < time.Minute {
		stats.GlobalWindowCount = g.global.count
	}
	for _, rep := range g.reputations {
		if rep.Restricted {
			stats.RestrictedCallers++
		}
	}
	for _, record := range g.backoffs {
		if record.blockedUntil.After(now) {
			stats.ActiveBlocks++
		}
	}
	return stats
}

// Cleanup purges expired windows, backoffs and idle reputations. It
// runs only when explicitly invoked so each call's mutation cost stays
// bounded and predictable.
func (g *Gateway) Cleanup(maxIdle time.Duration) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	removed := 0

	for caller, window := range g.callers {
		if now.Sub(window.windowStart) >= time.Minute {
			delete(g.callers, caller)
			removed++
		}
	}
	for caller, record := range g.backoffs {
		if !record.blockedUntil.After(now) {
			delete(g.backoffs, caller)
			removed++
		}
	}
	for caller, rep := range g.reputations {
		// Restricted callers are kept until an admin intervenes.
		if !rep.Restricted && now.Sub(rep.LastSeen) > maxIdle {
			delete(g.reputations, caller)
			removed++
		}
	}

	if removed > 0 {
		g.logger.Info("security records purged", "removed", removed)
	}
	return removed
}
