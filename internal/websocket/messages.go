package websocket

import (
	"encoding/json"
	"time"
)

// Message types for WebSocket events
const (
	TypeTrigger      = "trigger"
	TypeSubscription = "subscription"
	TypeTreasury     = "treasury"
	TypeSecurity     = "security"
	TypeHealth       = "health"
	TypeHeartbeat    = "heartbeat"
)

// Trigger events
const (
	EventPaymentProcessed = "payment_processed"
	EventPaymentFailed    = "payment_failed"
	EventNotificationSent = "notification_sent"
	EventTriggerDeferred  = "trigger_deferred"
)

// Subscription events
const (
	EventSubscriptionCreated   = "created"
	EventSubscriptionPaused    = "paused"
	EventSubscriptionResumed   = "active"
	EventSubscriptionCancelled = "cancelled"
)

// Treasury events
const (
	EventTreasuryRefilled  = "refilled"
	EventTreasuryLow       = "balance_low"
	EventTreasuryEmergency = "emergency_low"
)

// Security events
const (
	EventCallerBlocked    = "caller_blocked"
	EventCallerRestricted = "caller_restricted"
)

// Message represents a WebSocket message
type Message struct {
	Type      string      `json:"type"`
	Event     string      `json:"event"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// NewMessage creates a new message with the current timestamp
func NewMessage(msgType, event string, data interface{}) *Message {
	return &Message{
		Type:      msgType,
		Event:     event,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}

// ToJSON serializes the message to JSON bytes
func (m *Message) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// TriggerData represents trigger event data
type TriggerData struct {
	SubscriptionID string `json:"subscription_id"`
	Opcode         string `json:"opcode"`
	TxSignature    string `json:"tx_signature,omitempty"`
	TriggerCount   uint64 `json:"trigger_count,omitempty"`
	FailedCount    uint64 `json:"failed_count,omitempty"`
	ErrorMessage   string `json:"error_message,omitempty"`
}

// SubscriptionData represents subscription lifecycle event data
type SubscriptionData struct {
	SubscriptionID  string `json:"subscription_id"`
	Status          string `json:"status"`
	IntervalSeconds int64  `json:"interval_seconds,omitempty"`
	NextExecution   string `json:"next_execution,omitempty"`
}

// TreasuryData represents treasury event data
type TreasuryData struct {
	CurrentBalance uint64 `json:"current_balance"`
	Threshold      uint64 `json:"threshold"`
	CyclesCredited uint64 `json:"cycles_credited,omitempty"`
}

// SecurityData represents security event data
type SecurityData struct {
	Caller     string `json:"caller"`
	Score      int    `json:"score,omitempty"`
	RetryAfter string `json:"retry_after,omitempty"`
}

// HeartbeatData represents heartbeat data
type HeartbeatData struct {
	ServerTime  time.Time `json:"server_time"`
	ClientCount int       `json:"client_count"`
}
