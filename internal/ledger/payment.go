package ledger

import (
	"crypto/ed25519"
	"fmt"
	"strings"

	"github.com/AnuragDani/chainsub-platform/internal/solana"
)

// TriggerRequest is a decoded trigger call against one subscription.
type TriggerRequest struct {
	SubscriptionID string
	Opcode         solana.Opcode
	Signature      *[64]byte
	Timestamp      int64
	// Caller is the transaction's fee payer (the party invoking the
	// trigger). Authorization modes gate on it.
	Caller solana.Address
}

// TriggerResult is what a successful trigger produced.
type TriggerResult struct {
	Opcode  solana.Opcode   `json:"opcode"`
	Receipt *PaymentReceipt `json:"receipt,omitempty"`
	Memo    *Memo           `json:"memo,omitempty"`
}

// ProcessTrigger routes on opcode: 0 executes the delegated payment and
// fee split, 1 emits a notification memo with no state mutation. Any
// error leaves the subscription account untouched.
func (l *Ledger) ProcessTrigger(req TriggerRequest) (*TriggerResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.config == nil {
		return nil, ErrNotInitialized
	}
	if l.config.Paused {
		return nil, ErrProgramPaused
	}
	if err := req.Opcode.Validate(); err != nil {
		return nil, err
	}

	sub, ok := l.subs[req.SubscriptionID]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}

	switch req.Opcode {
	case solana.OpPayment:
		return l.processPaymentLocked(sub, req)
	case solana.OpNotification:
		return l.processNotificationLocked(sub)
	}
	return nil, solana.ErrInvalidOpcode
}

func (l *Ledger) processPaymentLocked(sub *Account, req TriggerRequest) (*TriggerResult, error) {
	if sub.Status != StatusActive {
		return nil, ErrSubscriptionNotActive
	}
	if err := l.authorizePaymentLocked(sub, req); err != nil {
		return nil, err
	}

	receipt, err := l.executePaymentLocked(sub)
	if err != nil {
		return nil, err
	}

	now := l.now().Unix()
	sub.PaymentsMade++
	sub.TotalPaid += sub.Amount
	sub.NextPaymentTime += sub.IntervalSeconds
	sub.LastPaymentTime = &now

	receipt.PaymentsMade = sub.PaymentsMade
	receipt.Timestamp = now
	l.receipts = append(l.receipts, *receipt)

	l.logger.Info("payment processed",
		"id", sub.ID,
		"amount", receipt.Amount,
		"fee", receipt.Fee,
		"payments_made", sub.PaymentsMade)
	return &TriggerResult{Opcode: solana.OpPayment, Receipt: receipt}, nil
}

// authorizePaymentLocked applies the configured authorization mode.
// Validation order inside a mode is fixed: identity first, then timing,
// so callers get stable error codes.
func (l *Ledger) authorizePaymentLocked(sub *Account, req TriggerRequest) error {
	now := l.now().Unix()

	switch l.config.Mode {
	case ModeSignature:
		return l.verifySchedulerSignatureLocked(sub, req, now)

	case ModeManual:
		if !l.config.ManualEnabled {
			return ErrManualDisabled
		}
		if req.Caller != sub.Subscriber && req.Caller != sub.Merchant {
			return ErrUnauthorized
		}
		return nil

	case ModeTimeBased:
		if !l.config.TimeBasedEnabled {
			return ErrTimeBasedDisabled
		}
		if now < sub.NextPaymentTime {
			return ErrPaymentNotDue
		}
		return nil

	case ModeHybrid:
		if req.Signature != nil {
			return l.verifySchedulerSignatureLocked(sub, req, now)
		}
		// Manual fallback opens only after due plus grace, so an
		// in-flight automated trigger cannot race a manual one.
		if req.Caller != sub.Subscriber && req.Caller != sub.Merchant {
			return ErrUnauthorized
		}
		if now < sub.NextPaymentTime+HybridGraceSeconds {
			return ErrPaymentNotDue
		}
		return nil
	}
	return ErrUnauthorized
}

func (l *Ledger) verifySchedulerSignatureLocked(sub *Account, req TriggerRequest, now int64) error {
	if req.Signature == nil {
		return ErrUnauthorized
	}
	age := now - req.Timestamp
	if age < 0 {
		age = -age
	}
	if age > MaxTimestampDrift {
		return ErrSignatureExpired
	}
	message := solana.PaymentMessage(sub.ID, req.Timestamp, sub.Amount)
	if !ed25519.Verify(l.config.SchedulerKey, message, req.Signature[:]) {
		return ErrUnauthorized
	}
	return nil
}

// executePaymentLocked moves tokens via the subscription's delegated
// authority: fee to the collector, remainder to the merchant. Never a
// direct debit. Checks run before any balance moves.
func (l *Ledger) executePaymentLocked(sub *Account) (*PaymentReceipt, error) {
	if l.config.FeeCollector == nil {
		return nil, ErrFeeCollectorNotSet
	}

	fee, merchantAmount, err := SplitFee(sub.Amount, l.config.FeeBps, l.config.MinFee)
	if err != nil {
		return nil, err
	}

	subscriberToken, ok := l.tokens[associatedToken(sub.Subscriber, sub.TokenMint)]
	if !ok {
		return nil, ErrInsufficientFunds
	}
	if subscriberToken.Balance < sub.Amount {
		return nil, ErrInsufficientFunds
	}
	if subscriberToken.Delegate == nil || *subscriberToken.Delegate != sub.Delegate {
		return nil, ErrDelegateNotSet
	}
	if subscriberToken.DelegatedAmount < sub.Amount {
		return nil, ErrInsufficientDelegation
	}

	merchantToken := l.ensureTokenAccount(sub.Merchant, sub.TokenMint)
	feeToken := l.ensureTokenAccount(*l.config.FeeCollector, sub.TokenMint)

	subscriberToken.Balance -= sub.Amount
	subscriberToken.DelegatedAmount -= sub.Amount
	feeToken.Balance += fee
	merchantToken.Balance += merchantAmount

	return &PaymentReceipt{
		SubscriptionID: sub.ID,
		Amount:         sub.Amount,
		Fee:            fee,
		MerchantAmount: merchantAmount,
	}, nil
}

// SplitFee computes fee = max(amount * feeBps / 10000, minFee) and the
// merchant remainder. fee + merchant always equals amount.
func SplitFee(amount uint64, feeBps uint16, minFee uint64) (fee, merchant uint64, err error) {
	fee = amount * uint64(feeBps) / BasisPointsDivisor
	if fee < minFee {
		fee = minFee
	}
	if fee > amount {
		return 0, 0, ErrFeeExceedsAmount
	}
	return fee, amount - fee, nil
}

func (l *Ledger) processNotificationLocked(sub *Account) (*TriggerResult, error) {
	message := FormatReminder(sub.MerchantName, sub.ReminderDays, sub.Amount, l.config.TokenDecimals, l.config.TokenSymbol)
	memo, err := l.recordMemoLocked(sub, message)
	if err != nil {
		return nil, err
	}
	l.logger.Info("notification sent", "id", sub.ID, "memo_bytes", len(message))
	return &TriggerResult{Opcode: solana.OpNotification, Memo: memo}, nil
}

// ProcessManualPayment is the wallet-facing fallback entry point: a
// subscriber or merchant pushing a payment through without the
// scheduler, subject to the configured authorization mode.
func (l *Ledger) ProcessManualPayment(id string, caller solana.Address) (*TriggerResult, error) {
	return l.ProcessTrigger(TriggerRequest{
		SubscriptionID: id,
		Opcode:         solana.OpPayment,
		Caller:         caller,
	})
}

// SendMemo emits an ad-hoc wallet-visible memo for a subscription.
func (l *Ledger) SendMemo(id, message string) (*Memo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.config == nil {
		return nil, ErrNotInitialized
	}
	sub, ok := l.subs[id]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	return l.recordMemoLocked(sub, message)
}

func (l *Ledger) recordMemoLocked(sub *Account, message string) (*Memo, error) {
	if len(message) > MaxMemoLength {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrMemoTooLong, len(message), MaxMemoLength)
	}
	memo := Memo{
		SubscriptionID: sub.ID,
		To:             sub.Subscriber.String(),
		Lamports:       NotificationLamports,
		Message:        message,
		Timestamp:      l.now().Unix(),
	}
	l.memos = append(l.memos, memo)
	return &memo, nil
}

// FormatReminder renders the memo a downstream wallet listener parses:
// "<merchant>: Payment due in <N> days. Amount: <amount> <symbol>".
// The pattern is an external contract; do not reword it.
func FormatReminder(merchantName string, days uint32, amount uint64, decimals uint8, symbol string) string {
	return fmt.Sprintf("%s: Payment due in %d days. Amount: %s %s",
		merchantName, days, FormatTokenAmount(amount, decimals), symbol)
}

// FormatTokenAmount renders micro-units as a decimal string without
// trailing zeros, e.g. 1_500_000 with 6 decimals -> "1.5".
func FormatTokenAmount(amount uint64, decimals uint8) string {
	if decimals == 0 {
		return fmt.Sprintf("%d", amount)
	}
	divisor := uint64(1)
	for i := uint8(0); i < decimals; i++ {
		divisor *= 10
	}
	whole := amount / divisor
	frac := amount % divisor
	if frac == 0 {
		return fmt.Sprintf("%d", whole)
	}
	fracStr := strings.TrimRight(fmt.Sprintf("%0*d", decimals, frac), "0")
	return fmt.Sprintf("%d.%s", whole, fracStr)
}
