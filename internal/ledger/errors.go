package ledger

import "errors"

var (
	ErrNotInitialized         = errors.New("program not initialized")
	ErrAlreadyInitialized     = errors.New("program already initialized")
	ErrProgramPaused          = errors.New("program is paused")
	ErrUnauthorized           = errors.New("unauthorized")
	ErrPaymentNotDue          = errors.New("payment not due yet")
	ErrSignatureExpired       = errors.New("trigger signature timestamp outside drift window")
	ErrSubscriptionNotFound   = errors.New("subscription not found")
	ErrSubscriptionExists     = errors.New("subscription already exists")
	ErrSubscriptionNotActive  = errors.New("subscription is not active")
	ErrSubscriptionNotPaused  = errors.New("subscription is not paused")
	ErrAlreadyCancelled       = errors.New("subscription is cancelled")
	ErrInvalidSubscriptionID  = errors.New("invalid subscription id")
	ErrInvalidAmount          = errors.New("amount out of range")
	ErrInvalidInterval        = errors.New("interval out of range")
	ErrInvalidMerchantName    = errors.New("invalid merchant name")
	ErrInvalidReminderDays    = errors.New("reminder days out of range")
	ErrInvalidFeeConfig       = errors.New("invalid fee configuration")
	ErrFeeCollectorNotSet     = errors.New("fee collector not set")
	ErrFeeExceedsAmount       = errors.New("fee exceeds payment amount")
	ErrInsufficientFunds      = errors.New("insufficient token balance")
	ErrDelegateNotSet         = errors.New("spend delegation not set")
	ErrInsufficientDelegation = errors.New("delegated amount exhausted")
	ErrMemoTooLong            = errors.New("memo exceeds maximum length")
	ErrManualDisabled         = errors.New("manual triggers disabled")
	ErrTimeBasedDisabled      = errors.New("time-based triggers disabled")
)
