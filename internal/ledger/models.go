package ledger

import (
	"crypto/ed25519"

	"github.com/AnuragDani/chainsub-platform/internal/solana"
)

// Subscription status values.
const (
	StatusActive    = "active"
	StatusPaused    = "paused"
	StatusCancelled = "cancelled"
)

// AuthorizationMode governs who may invoke a payment trigger.
type AuthorizationMode string

const (
	// ModeSignature requires a valid scheduler signature.
	ModeSignature AuthorizationMode = "signature"
	// ModeManual restricts triggers to the subscriber or merchant.
	ModeManual AuthorizationMode = "manual"
	// ModeTimeBased lets anyone trigger once the payment is due.
	ModeTimeBased AuthorizationMode = "time_based"
	// ModeHybrid prefers a signature but allows a manual fallback
	// once the due time plus the grace window has passed.
	ModeHybrid AuthorizationMode = "hybrid"
)

func (m AuthorizationMode) Valid() bool {
	switch m {
	case ModeSignature, ModeManual, ModeTimeBased, ModeHybrid:
		return true
	}
	return false
}

// Program-wide limits. These mirror what the on-chain program enforces
// and are rejected settlement-side regardless of what the scheduler
// sends.
const (
	BasisPointsDivisor = 10_000
	MaxFeeBps          = 1_000

	MinAmount = 1_000             // token micro-units
	MaxAmount = 1_000_000_000_000_000

	MinIntervalSeconds = 10
	MaxIntervalSeconds = 365 * 24 * 3600

	MaxSubscriptionIDLen = 32
	MaxMerchantNameLen   = 32
	MaxReminderDays      = 30

	// Per-payment delegation ceiling bounds: one signature covers at
	// least one and at most a hundred future payments.
	MinApprovalPayments = 1
	MaxApprovalPayments = 100

	MaxMemoLength = 566

	// Seconds a trigger signature's timestamp may lag behind now.
	MaxTimestampDrift = 300
	// Manual fallback under hybrid mode opens this long after due.
	HybridGraceSeconds = 300

	// Lamports attached to a notification memo transfer.
	NotificationLamports = 1_000
)

// Config is the program's global state.
type Config struct {
	Authority        solana.Address
	SchedulerKey     ed25519.PublicKey
	FeeCollector     *solana.Address
	Mode             AuthorizationMode
	ManualEnabled    bool
	TimeBasedEnabled bool
	FeeBps           uint16
	MinFee           uint64
	TokenSymbol      string
	TokenDecimals    uint8
	Paused           bool

	TotalSubscriptions uint64
}

// Account is the authoritative per-subscription record.
type Account struct {
	ID              string
	Subscriber      solana.Address
	Merchant        solana.Address
	MerchantName    string
	TokenMint       solana.Address
	Amount          uint64
	IntervalSeconds int64
	ReminderDays    uint32
	Status          string
	NextPaymentTime int64
	CreatedAt       int64
	PaymentsMade    uint64
	TotalPaid       uint64
	LastPaymentTime *int64

	// Delegate is the subscription's own derived address; the spend
	// ceiling lives on the subscriber's token account.
	Delegate solana.Address
	Bump     uint8
}

// TokenAccount models a token balance with optional spend delegation.
type TokenAccount struct {
	Address         solana.Address
	Owner           solana.Address
	Mint            solana.Address
	Balance         uint64
	Delegate        *solana.Address
	DelegatedAmount uint64
}

// Memo records a notification emitted for wallet-visible delivery.
type Memo struct {
	SubscriptionID string `json:"subscription_id"`
	To             string `json:"to"`
	Lamports       uint64 `json:"lamports"`
	Message        string `json:"message"`
	Timestamp      int64  `json:"timestamp"`
}

// PaymentReceipt summarizes a completed payment trigger.
type PaymentReceipt struct {
	SubscriptionID string `json:"subscription_id"`
	Amount         uint64 `json:"amount"`
	Fee            uint64 `json:"fee"`
	MerchantAmount uint64 `json:"merchant_amount"`
	PaymentsMade   uint64 `json:"payments_made"`
	Timestamp      int64  `json:"timestamp"`
}
