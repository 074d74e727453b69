// Package ledger is the settlement-side state machine: the
// authoritative subscription records, trigger validation, delegated
// payment execution with fee split, and notification memos. Every
// exported operation is atomic; on error the state is unchanged.
package ledger

import (
	"crypto/ed25519"
	"fmt"
	"sync"
	"time"

	"github.com/AnuragDani/chainsub-platform/internal/logger"
	"github.com/AnuragDani/chainsub-platform/internal/solana"
)

type Ledger struct {
	mu sync.Mutex

	programID solana.Address
	config    *Config
	subs      map[string]*Account
	tokens    map[solana.Address]*TokenAccount
	memos     []Memo
	receipts  []PaymentReceipt

	logger *logger.Logger
	now    func() time.Time
}

func New(programID solana.Address, log *logger.Logger) *Ledger {
	return &Ledger{
		programID: programID,
		subs:      make(map[string]*Account),
		tokens:    make(map[solana.Address]*TokenAccount),
		logger:    log,
		now:       time.Now,
	}
}

// InitializeParams configures the program on first deployment.
type InitializeParams struct {
	Authority        solana.Address
	SchedulerKey     ed25519.PublicKey
	Mode             AuthorizationMode
	ManualEnabled    bool
	TimeBasedEnabled bool
	FeeBps           uint16
	MinFee           uint64
	TokenSymbol      string
	TokenDecimals    uint8
}

func (l *Ledger) Initialize(p InitializeParams) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.config != nil {
		return ErrAlreadyInitialized
	}
	if !p.Mode.Valid() {
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidFeeConfig, p.Mode)
	}
	if p.FeeBps > MaxFeeBps {
		return fmt.Errorf("%w: fee_bps %d exceeds %d", ErrInvalidFeeConfig, p.FeeBps, MaxFeeBps)
	}
	if (p.Mode == ModeSignature || p.Mode == ModeHybrid) && len(p.SchedulerKey) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: scheduler key required for mode %q", ErrInvalidFeeConfig, p.Mode)
	}

	l.config = &Config{
		Authority:        p.Authority,
		SchedulerKey:     p.SchedulerKey,
		Mode:             p.Mode,
		ManualEnabled:    p.ManualEnabled,
		TimeBasedEnabled: p.TimeBasedEnabled,
		FeeBps:           p.FeeBps,
		MinFee:           p.MinFee,
		TokenSymbol:      p.TokenSymbol,
		TokenDecimals:    p.TokenDecimals,
	}
	l.logger.Info("program initialized", "authority", p.Authority.String(), "mode", string(p.Mode))
	return nil
}

// SetFeeCollector points fee transfers at a wallet. Authority only;
// routed through the week-delayed governance path in production.
func (l *Ledger) SetFeeCollector(caller, collector solana.Address) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.config == nil {
		return ErrNotInitialized
	}
	if caller != l.config.Authority {
		return ErrUnauthorized
	}
	l.config.FeeCollector = &collector
	l.logger.Info("fee collector updated", "collector", collector.String())
	return nil
}

// CreateSubscriptionParams carries the subscriber-signed creation call.
type CreateSubscriptionParams struct {
	ID              string
	Subscriber      solana.Address
	Merchant        solana.Address
	MerchantName    string
	TokenMint       solana.Address
	Amount          uint64
	IntervalSeconds int64
	ReminderDays    uint32
	StartTime       *int64
}

// CreateSubscription creates the account and, atomically, grants the
// subscription's derived address a multi-payment spend delegation on
// the subscriber's token account. One signature covers the series.
func (l *Ledger) CreateSubscription(p CreateSubscriptionParams) (*Account, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.config == nil {
		return nil, ErrNotInitialized
	}
	if l.config.Paused {
		return nil, ErrProgramPaused
	}
	if err := validateCreate(p); err != nil {
		return nil, err
	}
	if _, exists := l.subs[p.ID]; exists {
		return nil, ErrSubscriptionExists
	}

	delegate, bump, err := solana.FindSubscriptionAddress(p.ID, l.programID)
	if err != nil {
		return nil, fmt.Errorf("failed to derive subscription address: %w", err)
	}

	subscriberToken := l.ensureTokenAccount(p.Subscriber, p.TokenMint)
	ceiling := delegationCeiling(p.Amount, p.IntervalSeconds)
	subscriberToken.Delegate = &delegate
	subscriberToken.DelegatedAmount = ceiling

	now := l.now().Unix()
	next := now + p.IntervalSeconds
	if p.StartTime != nil {
		next = *p.StartTime
	}

	account := &Account{
		ID:              p.ID,
		Subscriber:      p.Subscriber,
		Merchant:        p.Merchant,
		MerchantName:    p.MerchantName,
		TokenMint:       p.TokenMint,
		Amount:          p.Amount,
		IntervalSeconds: p.IntervalSeconds,
		ReminderDays:    p.ReminderDays,
		Status:          StatusActive,
		NextPaymentTime: next,
		CreatedAt:       now,
		Delegate:        delegate,
		Bump:            bump,
	}
	l.subs[p.ID] = account
	l.config.TotalSubscriptions++

	l.logger.Info("subscription created",
		"id", p.ID,
		"merchant", p.Merchant.String(),
		"amount", p.Amount,
		"delegation_ceiling", ceiling)
	return account.clone(), nil
}

func validateCreate(p CreateSubscriptionParams) error {
	if len(p.ID) == 0 || len(p.ID) > MaxSubscriptionIDLen {
		return ErrInvalidSubscriptionID
	}
	for _, r := range p.ID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return fmt.Errorf("%w: character %q", ErrInvalidSubscriptionID, r)
		}
	}
	if p.Amount < MinAmount || p.Amount > MaxAmount {
		return ErrInvalidAmount
	}
	if p.IntervalSeconds < MinIntervalSeconds || p.IntervalSeconds > MaxIntervalSeconds {
		return ErrInvalidInterval
	}
	if len(p.MerchantName) == 0 || len(p.MerchantName) > MaxMerchantNameLen {
		return ErrInvalidMerchantName
	}
	if p.ReminderDays < 1 || p.ReminderDays > MaxReminderDays {
		return ErrInvalidReminderDays
	}
	return nil
}

// delegationCeiling sizes the up-front approval to roughly a year of
// payments, clamped to [1, 100] payments.
func delegationCeiling(amount uint64, intervalSeconds int64) uint64 {
	payments := int64(365*24*3600) / intervalSeconds
	if payments < MinApprovalPayments {
		payments = MinApprovalPayments
	}
	if payments > MaxApprovalPayments {
		payments = MaxApprovalPayments
	}
	return amount * uint64(payments)
}

// Pause halts future payments. Subscriber only, from Active.
func (l *Ledger) Pause(id string, caller solana.Address) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	sub, err := l.ownedSubscription(id, caller)
	if err != nil {
		return err
	}
	if sub.Status != StatusActive {
		return ErrSubscriptionNotActive
	}
	sub.Status = StatusPaused
	l.logger.Info("subscription paused", "id", id)
	return nil
}

// Resume reactivates a paused subscription and restarts the payment
// clock from now.
func (l *Ledger) Resume(id string, caller solana.Address) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	sub, err := l.ownedSubscription(id, caller)
	if err != nil {
		return err
	}
	if sub.Status == StatusCancelled {
		return ErrAlreadyCancelled
	}
	if sub.Status != StatusPaused {
		return ErrSubscriptionNotPaused
	}
	sub.Status = StatusActive
	sub.NextPaymentTime = l.now().Unix() + sub.IntervalSeconds
	l.logger.Info("subscription resumed", "id", id, "next_payment_time", sub.NextPaymentTime)
	return nil
}

// Cancel terminates the subscription and revokes the spend delegation.
// Terminal: a cancelled subscription never transitions again.
func (l *Ledger) Cancel(id string, caller solana.Address) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	sub, err := l.ownedSubscription(id, caller)
	if err != nil {
		return err
	}
	if sub.Status == StatusCancelled {
		return ErrAlreadyCancelled
	}
	sub.Status = StatusCancelled
	l.revokeDelegationLocked(sub)
	l.logger.Info("subscription cancelled", "id", id)
	return nil
}

// RevokeDelegate clears the spend approval without touching status.
func (l *Ledger) RevokeDelegate(id string, caller solana.Address) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	sub, err := l.ownedSubscription(id, caller)
	if err != nil {
		return err
	}
	l.revokeDelegationLocked(sub)
	l.logger.Info("delegation revoked", "id", id)
	return nil
}

func (l *Ledger) revokeDelegationLocked(sub *Account) {
	token, ok := l.tokens[associatedToken(sub.Subscriber, sub.TokenMint)]
	if !ok {
		return
	}
	if token.Delegate != nil && *token.Delegate == sub.Delegate {
		token.Delegate = nil
		token.DelegatedAmount = 0
	}
}

func (l *Ledger) ownedSubscription(id string, caller solana.Address) (*Account, error) {
	if l.config == nil {
		return nil, ErrNotInitialized
	}
	sub, ok := l.subs[id]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	if caller != sub.Subscriber && caller != l.config.Authority {
		return nil, ErrUnauthorized
	}
	return sub, nil
}

// EmergencyPause halts all payment processing program-wide.
func (l *Ledger) EmergencyPause(caller solana.Address) error {
	return l.setPaused(caller, true)
}

// ResumeProgram lifts an emergency pause.
func (l *Ledger) ResumeProgram(caller solana.Address) error {
	return l.setPaused(caller, false)
}

func (l *Ledger) setPaused(caller solana.Address, paused bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.config == nil {
		return ErrNotInitialized
	}
	if caller != l.config.Authority {
		return ErrUnauthorized
	}
	l.config.Paused = paused
	l.logger.Warn("program pause state changed", "paused", paused)
	return nil
}

// UpdateAuthorizationMode swaps the trigger authorization policy.
func (l *Ledger) UpdateAuthorizationMode(caller solana.Address, mode AuthorizationMode, manualEnabled, timeBasedEnabled bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.config == nil {
		return ErrNotInitialized
	}
	if caller != l.config.Authority {
		return ErrUnauthorized
	}
	if !mode.Valid() {
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidFeeConfig, mode)
	}
	if (mode == ModeSignature || mode == ModeHybrid) && len(l.config.SchedulerKey) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: scheduler key required for mode %q", ErrInvalidFeeConfig, mode)
	}
	l.config.Mode = mode
	l.config.ManualEnabled = manualEnabled
	l.config.TimeBasedEnabled = timeBasedEnabled
	l.logger.Info("authorization mode updated", "mode", string(mode))
	return nil
}

// MintTo credits a wallet's token account. Test/simulator faucet.
func (l *Ledger) MintTo(owner, mint solana.Address, amount uint64) solana.Address {
	l.mu.Lock()
	defer l.mu.Unlock()

	token := l.ensureTokenAccount(owner, mint)
	token.Balance += amount
	return token.Address
}

func (l *Ledger) ensureTokenAccount(owner, mint solana.Address) *TokenAccount {
	addr := associatedToken(owner, mint)
	token, ok := l.tokens[addr]
	if !ok {
		token = &TokenAccount{Address: addr, Owner: owner, Mint: mint}
		l.tokens[addr] = token
	}
	return token
}

func associatedToken(owner, mint solana.Address) solana.Address {
	addr, _, err := solana.FindAssociatedTokenAddress(owner, mint)
	if err != nil {
		// 256 on-curve bumps in a row; unreachable in practice.
		panic(err)
	}
	return addr
}

// GetSubscription returns a copy of the record.
func (l *Ledger) GetSubscription(id string) (*Account, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	sub, ok := l.subs[id]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	return sub.clone(), nil
}

// GetConfig returns a copy of the program config.
func (l *Ledger) GetConfig() (*Config, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.config == nil {
		return nil, ErrNotInitialized
	}
	cfg := *l.config
	return &cfg, nil
}

// GetTokenAccount returns a copy of a token account by address.
func (l *Ledger) GetTokenAccount(addr solana.Address) (*TokenAccount, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	token, ok := l.tokens[addr]
	if !ok {
		return nil, false
	}
	cp := *token
	return &cp, true
}

// Memos returns all recorded notification memos.
func (l *Ledger) Memos() []Memo {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Memo(nil), l.memos...)
}

// Receipts returns all recorded payment receipts.
func (l *Ledger) Receipts() []PaymentReceipt {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]PaymentReceipt(nil), l.receipts...)
}

func (a *Account) clone() *Account {
	cp := *a
	if a.LastPaymentTime != nil {
		t := *a.LastPaymentTime
		cp.LastPaymentTime = &t
	}
	return &cp
}
