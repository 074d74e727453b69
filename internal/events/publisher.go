// Package events forwards trigger engine lifecycle events to an
// external dashboard over HTTP.
package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Publisher sends events to a dashboard's event ingestion endpoint
type Publisher struct {
	dashboardURL string
	httpClient   *http.Client
}

// NewPublisher creates a new event publisher
func NewPublisher(dashboardURL string) *Publisher {
	return &Publisher{
		dashboardURL: dashboardURL,
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// Event represents an event to publish
type Event struct {
	Type  string      `json:"type"`
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

// Publish sends an event to the dashboard
func (p *Publisher) Publish(ctx context.Context, eventType, eventName string, data interface{}) error {
	event := Event{
		Type:  eventType,
		Event: eventName,
		Data:  data,
	}

	jsonData, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", p.dashboardURL+"/internal/events", bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send event: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("event rejected with status: %d", resp.StatusCode)
	}

	return nil
}

// PublishAsync sends an event asynchronously (fire and forget)
func (p *Publisher) PublishAsync(eventType, eventName string, data interface{}) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		// Ignore errors for async publishing
		p.Publish(ctx, eventType, eventName, data)
	}()
}

// Event type constants
const (
	TypeSubscription = "subscription"
	TypeTrigger      = "trigger"
	TypeTreasury     = "treasury"
	TypeSecurity     = "security"
	TypeHealth       = "health"
)

// Subscription event constants
const (
	SubscriptionCreated   = "created"
	SubscriptionPaused    = "paused"
	SubscriptionResumed   = "active"
	SubscriptionCancelled = "cancelled"
	SubscriptionExpired   = "expired"
)

// Trigger event constants
const (
	TriggerPaymentProcessed = "payment_processed"
	TriggerPaymentFailed    = "payment_failed"
	TriggerNotificationSent = "notification_sent"
	TriggerDeferred         = "trigger_deferred"
)

// Treasury event constants
const (
	TreasuryRefilled     = "refilled"
	TreasuryBalanceLow   = "balance_low"
	TreasuryEmergencyLow = "emergency_low"
)

// Security event constants
const (
	SecurityCallerBlocked    = "caller_blocked"
	SecurityCallerRestricted = "caller_restricted"
)

// SubscriptionEventData represents subscription lifecycle event payload
type SubscriptionEventData struct {
	SubscriptionID  string `json:"subscription_id"`
	Status          string `json:"status"`
	IntervalSeconds int64  `json:"interval_seconds,omitempty"`
	NextExecution   string `json:"next_execution,omitempty"`
}

// TriggerEventData represents trigger attempt payload
type TriggerEventData struct {
	SubscriptionID string `json:"subscription_id"`
	Opcode         string `json:"opcode"`
	TxSignature    string `json:"tx_signature,omitempty"`
	TriggerCount   uint64 `json:"trigger_count,omitempty"`
	FailedCount    uint64 `json:"failed_count,omitempty"`
	ErrorMessage   string `json:"error_message,omitempty"`
}

// TreasuryEventData represents treasury status payload
type TreasuryEventData struct {
	CurrentBalance uint64 `json:"current_balance"`
	Threshold      uint64 `json:"threshold"`
	CyclesCredited uint64 `json:"cycles_credited,omitempty"`
}

// SecurityEventData represents a security action payload
type SecurityEventData struct {
	Caller     string `json:"caller"`
	Score      int    `json:"score,omitempty"`
	RetryAfter string `json:"retry_after,omitempty"`
}

// Helper methods for subscription events

// PublishSubscriptionCreated publishes a subscription created event
func (p *Publisher) PublishSubscriptionCreated(data SubscriptionEventData) {
	p.PublishAsync(TypeSubscription, SubscriptionCreated, data)
}

// PublishSubscriptionPaused publishes a subscription paused event
func (p *Publisher) PublishSubscriptionPaused(data SubscriptionEventData) {
	p.PublishAsync(TypeSubscription, SubscriptionPaused, data)
}

// PublishSubscriptionCancelled publishes a subscription cancelled event
func (p *Publisher) PublishSubscriptionCancelled(data SubscriptionEventData) {
	p.PublishAsync(TypeSubscription, SubscriptionCancelled, data)
}

// Helper methods for trigger events

// PublishPaymentProcessed publishes a successful payment trigger event
func (p *Publisher) PublishPaymentProcessed(data TriggerEventData) {
	p.PublishAsync(TypeTrigger, TriggerPaymentProcessed, data)
}

// PublishPaymentFailed publishes a failed payment trigger event
func (p *Publisher) PublishPaymentFailed(data TriggerEventData) {
	p.PublishAsync(TypeTrigger, TriggerPaymentFailed, data)
}

// PublishNotificationSent publishes a reminder notification event
func (p *Publisher) PublishNotificationSent(data TriggerEventData) {
	p.PublishAsync(TypeTrigger, TriggerNotificationSent, data)
}

// Helper methods for treasury events

// PublishTreasuryRefilled publishes a treasury refill event
func (p *Publisher) PublishTreasuryRefilled(data TreasuryEventData) {
	p.PublishAsync(TypeTreasury, TreasuryRefilled, data)
}

// PublishTreasuryEmergencyLow publishes an emergency balance event
func (p *Publisher) PublishTreasuryEmergencyLow(data TreasuryEventData) {
	p.PublishAsync(TypeTreasury, TreasuryEmergencyLow, data)
}
