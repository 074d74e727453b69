package treasury

import (
	"errors"
	"sync"
	"time"

	"github.com/AnuragDani/chainsub-platform/internal/logger"
	"github.com/AnuragDani/chainsub-platform/internal/solana"
)

var (
	ErrProposalPending = errors.New("a proposal is already pending")
	ErrNoProposal      = errors.New("no proposal pending")
	ErrDelayNotElapsed = errors.New("governance delay has not elapsed")
	ErrInvalidAddress  = errors.New("invalid fee address")
)

// Proposal is a pending fee-address change.
type Proposal struct {
	Address      string    `json:"address"`
	ProposedAt   time.Time `json:"proposed_at"`
	ExecutableAt time.Time `json:"executable_at"`
}

// Governance is the time-delayed change control over the fee-collection
// address. Even an authorized admin cannot redirect fees instantly: a
// change must sit for the full delay before it can execute.
type Governance struct {
	mu sync.Mutex

	current  string
	pending  *Proposal
	delay    time.Duration
	onChange func(addr string) error

	logger *logger.Logger
	now    func() time.Time
}

func NewGovernance(currentAddress string, delay time.Duration, log *logger.Logger) *Governance {
	return &Governance{
		current: currentAddress,
		delay:   delay,
		logger:  log,
		now:     time.Now,
	}
}

// OnChange registers a hook invoked when a proposal executes, e.g. to
// push the new collector to the settlement ledger.
func (g *Governance) OnChange(fn func(addr string) error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onChange = fn
}

// Propose stages a fee-address change. At most one may be pending.
func (g *Governance) Propose(address string) (*Proposal, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.pending != nil {
		return nil, ErrProposalPending
	}
	if !solana.ValidBase58Address(address) {
		return nil, ErrInvalidAddress
	}

	now := g.now()
	g.pending = &Proposal{
		Address:      address,
		ProposedAt:   now,
		ExecutableAt: now.Add(g.delay),
	}
	g.logger.Info("fee address change proposed",
		"address", address,
		"executable_at", g.pending.ExecutableAt.Format(time.RFC3339))
	cp := *g.pending
	return &cp, nil
}

// Execute applies the pending proposal. Rejected until the full delay
// has elapsed; succeeds exactly at or after proposed_at + delay.
func (g *Governance) Execute() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.pending == nil {
		return "", ErrNoProposal
	}
	if g.now().Before(g.pending.ExecutableAt) {
		return "", ErrDelayNotElapsed
	}

	address := g.pending.Address
	if g.onChange != nil {
		if err := g.onChange(address); err != nil {
			return "", err
		}
	}
	g.current = address
	g.pending = nil
	g.logger.Info("fee address change executed", "address", address)
	return address, nil
}

// Cancel drops the pending proposal before execution.
func (g *Governance) Cancel() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.pending == nil {
		return ErrNoProposal
	}
	g.logger.Info("fee address change cancelled", "address", g.pending.Address)
	g.pending = nil
	return nil
}

// Status returns the current address and pending proposal, if any.
func (g *Governance) Status() (string, *Proposal) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.pending == nil {
		return g.current, nil
	}
	cp := *g.pending
	return g.current, &cp
}
