package ledger

import (
	"crypto/ed25519"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AnuragDani/chainsub-platform/internal/logger"
	"github.com/AnuragDani/chainsub-platform/internal/solana"
)

var (
	testProgram   = solana.MustAddress(solana.MemoProgramID)
	testMint      = solana.MustAddress("EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v")
	testAuthority = solana.MustAddress(solana.TokenProgramID)
	testCollector = solana.MustAddress(solana.InstructionsSysvarID)
)

func newAddress(t *testing.T, seed byte) solana.Address {
	t.Helper()
	b := make([]byte, 32)
	for i := range b {
		b[i] = seed
	}
	priv := ed25519.NewKeyFromSeed(b)
	addr, err := solana.AddressFromPublicKey(priv.Public().(ed25519.PublicKey))
	require.NoError(t, err)
	return addr
}

type testClock struct {
	t time.Time
}

func (c *testClock) now() time.Time          { return c.t }
func (c *testClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLedger(t *testing.T, mode AuthorizationMode, schedulerKey ed25519.PublicKey) (*Ledger, *testClock) {
	t.Helper()
	l := New(testProgram, logger.New("ledger-test"))
	clock := &testClock{t: time.Unix(1_700_000_000, 0)}
	l.now = clock.now

	require.NoError(t, l.Initialize(InitializeParams{
		Authority:        testAuthority,
		SchedulerKey:     schedulerKey,
		Mode:             mode,
		ManualEnabled:    true,
		TimeBasedEnabled: true,
		FeeBps:           200,
		MinFee:           1000,
		TokenSymbol:      "USDC",
		TokenDecimals:    6,
	}))
	require.NoError(t, l.SetFeeCollector(testAuthority, testCollector))
	return l, clock
}

func createTestSubscription(t *testing.T, l *Ledger, subscriber, merchant solana.Address, amount uint64, interval int64) *Account {
	t.Helper()
	l.MintTo(subscriber, testMint, amount*100)
	sub, err := l.CreateSubscription(CreateSubscriptionParams{
		ID:              "sub-001",
		Subscriber:      subscriber,
		Merchant:        merchant,
		MerchantName:    "Acme Streaming",
		TokenMint:       testMint,
		Amount:          amount,
		IntervalSeconds: interval,
		ReminderDays:    3,
	})
	require.NoError(t, err)
	return sub
}

func TestSplitFee(t *testing.T) {
	fee, merchant, err := SplitFee(10_000_000, 100, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(100_000), fee)
	assert.Equal(t, uint64(9_900_000), merchant)
	assert.Equal(t, uint64(10_000_000), fee+merchant)

	// Floor kicks in for small amounts.
	fee, merchant, err = SplitFee(10_000, 200, 1000)
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), fee)
	assert.Equal(t, uint64(9_000), merchant)

	// Floor larger than the amount is rejected.
	_, _, err = SplitFee(500, 200, 1000)
	assert.ErrorIs(t, err, ErrFeeExceedsAmount)

	// Split always conserves the amount.
	for _, amount := range []uint64{1000, 12_345, 1_000_000, MaxAmount} {
		fee, merchant, err := SplitFee(amount, 250, 1000)
		require.NoError(t, err)
		assert.Equal(t, amount, fee+merchant, "amount %d", amount)
	}
}

func TestCreateSubscriptionValidation(t *testing.T) {
	l, _ := newTestLedger(t, ModeManual, nil)
	subscriber := newAddress(t, 1)
	merchant := newAddress(t, 2)

	base := CreateSubscriptionParams{
		ID:              "sub-001",
		Subscriber:      subscriber,
		Merchant:        merchant,
		MerchantName:    "Acme",
		TokenMint:       testMint,
		Amount:          1_000_000,
		IntervalSeconds: 3600,
		ReminderDays:    3,
	}

	bad := base
	bad.ID = "has spaces"
	_, err := l.CreateSubscription(bad)
	assert.ErrorIs(t, err, ErrInvalidSubscriptionID)

	bad = base
	bad.ID = strings.Repeat("x", MaxSubscriptionIDLen+1)
	_, err = l.CreateSubscription(bad)
	assert.ErrorIs(t, err, ErrInvalidSubscriptionID)

	bad = base
	bad.Amount = MinAmount - 1
	_, err = l.CreateSubscription(bad)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	bad = base
	bad.IntervalSeconds = MinIntervalSeconds - 1
	_, err = l.CreateSubscription(bad)
	assert.ErrorIs(t, err, ErrInvalidInterval)

	bad = base
	bad.ReminderDays = MaxReminderDays + 1
	_, err = l.CreateSubscription(bad)
	assert.ErrorIs(t, err, ErrInvalidReminderDays)

	_, err = l.CreateSubscription(base)
	require.NoError(t, err)
	_, err = l.CreateSubscription(base)
	assert.ErrorIs(t, err, ErrSubscriptionExists)
}

func TestDelegationCeiling(t *testing.T) {
	// Monthly interval: 12 payments fit in a year.
	assert.Equal(t, uint64(12_000_000), delegationCeiling(1_000_000, 30*24*3600))
	// Ten-second interval clamps at 100 payments.
	assert.Equal(t, uint64(100_000_000), delegationCeiling(1_000_000, 10))
	// Two-year interval clamps at 1 payment.
	assert.Equal(t, uint64(1_000_000), delegationCeiling(1_000_000, 2*365*24*3600))
}

func TestManualPaymentAndFeeSplit(t *testing.T) {
	l, _ := newTestLedger(t, ModeManual, nil)
	subscriber := newAddress(t, 1)
	merchant := newAddress(t, 2)
	createTestSubscription(t, l, subscriber, merchant, 1_000_000, 3600)

	result, err := l.ProcessManualPayment("sub-001", subscriber)
	require.NoError(t, err)
	require.NotNil(t, result.Receipt)

	// 2% of 1_000_000 = 20_000, above the 1000 floor.
	assert.Equal(t, uint64(20_000), result.Receipt.Fee)
	assert.Equal(t, uint64(980_000), result.Receipt.MerchantAmount)

	merchantToken, _, err := solana.FindAssociatedTokenAddress(merchant, testMint)
	require.NoError(t, err)
	acct, ok := l.GetTokenAccount(merchantToken)
	require.True(t, ok)
	assert.Equal(t, uint64(980_000), acct.Balance)

	feeToken, _, err := solana.FindAssociatedTokenAddress(testCollector, testMint)
	require.NoError(t, err)
	acct, ok = l.GetTokenAccount(feeToken)
	require.True(t, ok)
	assert.Equal(t, uint64(20_000), acct.Balance)

	// Strangers cannot trigger in manual mode.
	_, err = l.ProcessManualPayment("sub-001", newAddress(t, 9))
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestSignatureModeAuthorization(t *testing.T) {
	seed := make([]byte, 32)
	seed[0] = 0x42
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)

	l, clock := newTestLedger(t, ModeSignature, pub)
	subscriber := newAddress(t, 1)
	createTestSubscription(t, l, subscriber, newAddress(t, 2), 1_000_000, 3600)

	sign := func(ts int64) *[64]byte {
		var sig [64]byte
		copy(sig[:], ed25519.Sign(priv, solana.PaymentMessage("sub-001", ts, 1_000_000)))
		return &sig
	}

	// Missing signature.
	_, err := l.ProcessTrigger(TriggerRequest{SubscriptionID: "sub-001", Opcode: solana.OpPayment, Timestamp: clock.now().Unix()})
	assert.ErrorIs(t, err, ErrUnauthorized)

	// Stale timestamp.
	stale := clock.now().Unix() - MaxTimestampDrift - 1
	_, err = l.ProcessTrigger(TriggerRequest{SubscriptionID: "sub-001", Opcode: solana.OpPayment, Timestamp: stale, Signature: sign(stale)})
	assert.ErrorIs(t, err, ErrSignatureExpired)

	// Signature over the wrong amount.
	ts := clock.now().Unix()
	var badSig [64]byte
	copy(badSig[:], ed25519.Sign(priv, solana.PaymentMessage("sub-001", ts, 999)))
	_, err = l.ProcessTrigger(TriggerRequest{SubscriptionID: "sub-001", Opcode: solana.OpPayment, Timestamp: ts, Signature: &badSig})
	assert.ErrorIs(t, err, ErrUnauthorized)

	// Valid signature goes through.
	result, err := l.ProcessTrigger(TriggerRequest{SubscriptionID: "sub-001", Opcode: solana.OpPayment, Timestamp: ts, Signature: sign(ts)})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), result.Receipt.PaymentsMade)
}

func TestTimeBasedModeRequiresDue(t *testing.T) {
	l, clock := newTestLedger(t, ModeTimeBased, nil)
	subscriber := newAddress(t, 1)
	createTestSubscription(t, l, subscriber, newAddress(t, 2), 1_000_000, 3600)

	anyone := newAddress(t, 7)
	_, err := l.ProcessTrigger(TriggerRequest{SubscriptionID: "sub-001", Opcode: solana.OpPayment, Caller: anyone})
	assert.ErrorIs(t, err, ErrPaymentNotDue)

	clock.advance(time.Hour + time.Second)
	_, err = l.ProcessTrigger(TriggerRequest{SubscriptionID: "sub-001", Opcode: solana.OpPayment, Caller: anyone})
	require.NoError(t, err)
}

func TestHybridModeGraceWindow(t *testing.T) {
	seed := make([]byte, 32)
	seed[0] = 0x43
	priv := ed25519.NewKeyFromSeed(seed)

	l, clock := newTestLedger(t, ModeHybrid, priv.Public().(ed25519.PublicKey))
	subscriber := newAddress(t, 1)
	createTestSubscription(t, l, subscriber, newAddress(t, 2), 1_000_000, 3600)

	// Manual fallback is blocked until due + grace.
	clock.advance(time.Hour)
	_, err := l.ProcessTrigger(TriggerRequest{SubscriptionID: "sub-001", Opcode: solana.OpPayment, Caller: subscriber})
	assert.ErrorIs(t, err, ErrPaymentNotDue)

	clock.advance(HybridGraceSeconds * time.Second)
	_, err = l.ProcessTrigger(TriggerRequest{SubscriptionID: "sub-001", Opcode: solana.OpPayment, Caller: subscriber})
	require.NoError(t, err)

	// A valid signature works regardless of timing.
	ts := clock.now().Unix()
	var sig [64]byte
	copy(sig[:], ed25519.Sign(priv, solana.PaymentMessage("sub-001", ts, 1_000_000)))
	_, err = l.ProcessTrigger(TriggerRequest{SubscriptionID: "sub-001", Opcode: solana.OpPayment, Timestamp: ts, Signature: &sig})
	require.NoError(t, err)
}

func TestDelegationExhaustion(t *testing.T) {
	l, _ := newTestLedger(t, ModeManual, nil)
	subscriber := newAddress(t, 1)
	merchant := newAddress(t, 2)

	// Two-year interval clamps the ceiling at exactly one payment.
	l.MintTo(subscriber, testMint, 10_000_000)
	_, err := l.CreateSubscription(CreateSubscriptionParams{
		ID:              "sub-001",
		Subscriber:      subscriber,
		Merchant:        merchant,
		MerchantName:    "Acme",
		TokenMint:       testMint,
		Amount:          1_000_000,
		IntervalSeconds: 2 * 365 * 24 * 3600,
		ReminderDays:    3,
	})
	require.NoError(t, err)

	_, err = l.ProcessManualPayment("sub-001", subscriber)
	require.NoError(t, err)

	_, err = l.ProcessManualPayment("sub-001", subscriber)
	assert.ErrorIs(t, err, ErrInsufficientDelegation)
}

func TestRevokeDelegateBlocksPayments(t *testing.T) {
	l, _ := newTestLedger(t, ModeManual, nil)
	subscriber := newAddress(t, 1)
	createTestSubscription(t, l, subscriber, newAddress(t, 2), 1_000_000, 3600)

	require.NoError(t, l.RevokeDelegate("sub-001", subscriber))
	_, err := l.ProcessManualPayment("sub-001", subscriber)
	assert.ErrorIs(t, err, ErrDelegateNotSet)
}

func TestInsufficientFunds(t *testing.T) {
	l, _ := newTestLedger(t, ModeManual, nil)
	subscriber := newAddress(t, 1)

	l.MintTo(subscriber, testMint, 500_000)
	_, err := l.CreateSubscription(CreateSubscriptionParams{
		ID:              "sub-001",
		Subscriber:      subscriber,
		Merchant:        newAddress(t, 2),
		MerchantName:    "Acme",
		TokenMint:       testMint,
		Amount:          1_000_000,
		IntervalSeconds: 3600,
		ReminderDays:    3,
	})
	require.NoError(t, err)

	_, err = l.ProcessManualPayment("sub-001", subscriber)
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	// Failure left the account untouched.
	sub, err := l.GetSubscription("sub-001")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), sub.PaymentsMade)
	assert.Equal(t, uint64(0), sub.TotalPaid)
}

func TestMemoLengthBoundary(t *testing.T) {
	l, _ := newTestLedger(t, ModeManual, nil)
	subscriber := newAddress(t, 1)
	createTestSubscription(t, l, subscriber, newAddress(t, 2), 1_000_000, 3600)

	memo, err := l.SendMemo("sub-001", strings.Repeat("a", MaxMemoLength))
	require.NoError(t, err)
	assert.Len(t, memo.Message, 566)

	_, err = l.SendMemo("sub-001", strings.Repeat("a", MaxMemoLength+1))
	assert.ErrorIs(t, err, ErrMemoTooLong)
}

func TestNotificationTrigger(t *testing.T) {
	l, _ := newTestLedger(t, ModeManual, nil)
	subscriber := newAddress(t, 1)
	createTestSubscription(t, l, subscriber, newAddress(t, 2), 1_500_000, 3600)

	result, err := l.ProcessTrigger(TriggerRequest{SubscriptionID: "sub-001", Opcode: solana.OpNotification})
	require.NoError(t, err)
	require.NotNil(t, result.Memo)
	assert.Equal(t, "Acme Streaming: Payment due in 3 days. Amount: 1.5 USDC", result.Memo.Message)
	assert.Equal(t, uint64(NotificationLamports), result.Memo.Lamports)

	// Notifications never mutate subscription state.
	sub, err := l.GetSubscription("sub-001")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), sub.PaymentsMade)
}

func TestInvalidOpcodeRejected(t *testing.T) {
	l, _ := newTestLedger(t, ModeManual, nil)
	subscriber := newAddress(t, 1)
	createTestSubscription(t, l, subscriber, newAddress(t, 2), 1_000_000, 3600)

	_, err := l.ProcessTrigger(TriggerRequest{SubscriptionID: "sub-001", Opcode: solana.Opcode(5), Caller: subscriber})
	assert.ErrorIs(t, err, solana.ErrInvalidOpcode)
}

func TestProgramPauseBlocksTriggers(t *testing.T) {
	l, _ := newTestLedger(t, ModeManual, nil)
	subscriber := newAddress(t, 1)
	createTestSubscription(t, l, subscriber, newAddress(t, 2), 1_000_000, 3600)

	assert.ErrorIs(t, l.EmergencyPause(subscriber), ErrUnauthorized)
	require.NoError(t, l.EmergencyPause(testAuthority))

	_, err := l.ProcessManualPayment("sub-001", subscriber)
	assert.ErrorIs(t, err, ErrProgramPaused)

	require.NoError(t, l.ResumeProgram(testAuthority))
	_, err = l.ProcessManualPayment("sub-001", subscriber)
	require.NoError(t, err)
}

func TestSubscriptionLifecycleScenario(t *testing.T) {
	l, clock := newTestLedger(t, ModeManual, nil)
	subscriber := newAddress(t, 1)
	merchant := newAddress(t, 2)

	l.MintTo(subscriber, testMint, 100_000_000)
	created, err := l.CreateSubscription(CreateSubscriptionParams{
		ID:              "sub-001",
		Subscriber:      subscriber,
		Merchant:        merchant,
		MerchantName:    "Acme",
		TokenMint:       testMint,
		Amount:          1_000_000,
		IntervalSeconds: 10,
		ReminderDays:    1,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusActive, created.Status)

	// First payment lands immediately via a manual trigger.
	result, err := l.ProcessManualPayment("sub-001", subscriber)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), result.Receipt.PaymentsMade)

	sub, err := l.GetSubscription("sub-001")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), sub.PaymentsMade)
	assert.Equal(t, uint64(1_000_000), sub.TotalPaid)

	// Pause blocks payments; pausing twice is an illegal transition.
	require.NoError(t, l.Pause("sub-001", subscriber))
	_, err = l.ProcessManualPayment("sub-001", subscriber)
	assert.ErrorIs(t, err, ErrSubscriptionNotActive)
	assert.ErrorIs(t, l.Pause("sub-001", subscriber), ErrSubscriptionNotActive)

	// Resume restarts the payment clock from now.
	clock.advance(40 * time.Second)
	require.NoError(t, l.Resume("sub-001", subscriber))
	sub, err = l.GetSubscription("sub-001")
	require.NoError(t, err)
	assert.Equal(t, clock.now().Unix()+10, sub.NextPaymentTime)

	// Cancel is terminal.
	require.NoError(t, l.Cancel("sub-001", subscriber))
	_, err = l.ProcessManualPayment("sub-001", subscriber)
	assert.ErrorIs(t, err, ErrSubscriptionNotActive)
	assert.ErrorIs(t, l.Resume("sub-001", subscriber), ErrAlreadyCancelled)
	assert.ErrorIs(t, l.Cancel("sub-001", subscriber), ErrAlreadyCancelled)
}

func TestFormatTokenAmount(t *testing.T) {
	assert.Equal(t, "1.5", FormatTokenAmount(1_500_000, 6))
	assert.Equal(t, "1", FormatTokenAmount(1_000_000, 6))
	assert.Equal(t, "0.000001", FormatTokenAmount(1, 6))
	assert.Equal(t, "42", FormatTokenAmount(42, 0))
}
