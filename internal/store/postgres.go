// Package store persists scheduler subscriptions and treasury fee
// distribution history in PostgreSQL.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/AnuragDani/chainsub-platform/internal/database"
	"github.com/AnuragDani/chainsub-platform/internal/scheduler"
	"github.com/AnuragDani/chainsub-platform/internal/treasury"
)

type PostgresStore struct {
	db *database.DB
}

func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// EnsureSchema creates the tables if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS subscriptions (
			id VARCHAR(32) PRIMARY KEY,
			settlement_contract VARCHAR(64) NOT NULL,
			payment_token VARCHAR(64) NOT NULL,
			interval_seconds BIGINT NOT NULL,
			reminder_lead_seconds BIGINT NOT NULL DEFAULT 0,
			next_execution TIMESTAMPTZ NOT NULL,
			status VARCHAR(16) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			last_triggered TIMESTAMPTZ,
			trigger_count BIGINT NOT NULL DEFAULT 0,
			failed_payment_count BIGINT NOT NULL DEFAULT 0,
			last_error TEXT,
			last_failure_time TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_subscriptions_status ON subscriptions(status)`,
		`CREATE INDEX IF NOT EXISTS idx_subscriptions_next_execution ON subscriptions(next_execution)`,
		`CREATE TABLE IF NOT EXISTS fee_distributions (
			id UUID PRIMARY KEY,
			lamports_converted BIGINT NOT NULL,
			cycles_credited BIGINT NOT NULL,
			conversion_rate DOUBLE PRECISION NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
	}

	for _, query := range queries {
		if _, err := s.db.Conn.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
	}
	return nil
}

// Save upserts one subscription.
func (s *PostgresStore) Save(ctx context.Context, sub *scheduler.Subscription) error {
	query := `
		INSERT INTO subscriptions (
			id, settlement_contract, payment_token, interval_seconds,
			reminder_lead_seconds, next_execution, status, created_at,
			last_triggered, trigger_count, failed_payment_count,
			last_error, last_failure_time
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			next_execution = EXCLUDED.next_execution,
			status = EXCLUDED.status,
			last_triggered = EXCLUDED.last_triggered,
			trigger_count = EXCLUDED.trigger_count,
			failed_payment_count = EXCLUDED.failed_payment_count,
			last_error = EXCLUDED.last_error,
			last_failure_time = EXCLUDED.last_failure_time`

	_, err := s.db.Conn.ExecContext(ctx, query,
		sub.ID,
		sub.SettlementContract,
		sub.PaymentToken,
		sub.IntervalSeconds,
		sub.ReminderLeadSeconds,
		sub.NextExecution,
		sub.Status,
		sub.CreatedAt,
		nullableTime(sub.LastTriggered),
		sub.TriggerCount,
		sub.FailedPaymentCount,
		sub.LastError,
		nullableTime(sub.LastFailureTime),
	)
	if err != nil {
		return fmt.Errorf("failed to save subscription %s: %w", sub.ID, err)
	}
	return nil
}

// Delete removes one subscription.
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.Conn.ExecContext(ctx, `DELETE FROM subscriptions WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete subscription %s: %w", id, err)
	}
	return nil
}

// LoadAll returns every persisted subscription.
func (s *PostgresStore) LoadAll(ctx context.Context) ([]*scheduler.Subscription, error) {
	query := `
		SELECT id, settlement_contract, payment_token, interval_seconds,
		       reminder_lead_seconds, next_execution, status, created_at,
		       last_triggered, trigger_count, failed_payment_count,
		       COALESCE(last_error, ''), last_failure_time
		FROM subscriptions
		ORDER BY created_at`

	rows, err := s.db.Conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []*scheduler.Subscription
	for rows.Next() {
		var sub scheduler.Subscription
		var lastTriggered, lastFailure sql.NullTime
		err := rows.Scan(
			&sub.ID,
			&sub.SettlementContract,
			&sub.PaymentToken,
			&sub.IntervalSeconds,
			&sub.ReminderLeadSeconds,
			&sub.NextExecution,
			&sub.Status,
			&sub.CreatedAt,
			&lastTriggered,
			&sub.TriggerCount,
			&sub.FailedPaymentCount,
			&sub.LastError,
			&lastFailure,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		if lastTriggered.Valid {
			t := lastTriggered.Time
			sub.LastTriggered = &t
		}
		if lastFailure.Valid {
			t := lastFailure.Time
			sub.LastFailureTime = &t
		}
		subs = append(subs, &sub)
	}
	return subs, rows.Err()
}

// RecordFeeDistribution persists one treasury refill entry.
func (s *PostgresStore) RecordFeeDistribution(dist treasury.FeeDistribution) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	query := `
		INSERT INTO fee_distributions (id, lamports_converted, cycles_credited, conversion_rate, created_at)
		VALUES ($1, $2, $3, $4, $5)`
	_, err := s.db.Conn.ExecContext(ctx, query,
		dist.ID, dist.LamportsConverted, dist.CyclesCredited, dist.ConversionRate, dist.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to record fee distribution: %w", err)
	}
	return nil
}

// ListFeeDistributions returns recent refill history.
func (s *PostgresStore) ListFeeDistributions(ctx context.Context, limit int) ([]treasury.FeeDistribution, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, lamports_converted, cycles_credited, conversion_rate, created_at
		FROM fee_distributions
		ORDER BY created_at DESC
		LIMIT $1`

	rows, err := s.db.Conn.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query fee distributions: %w", err)
	}
	defer rows.Close()

	var dists []treasury.FeeDistribution
	for rows.Next() {
		var dist treasury.FeeDistribution
		if err := rows.Scan(&dist.ID, &dist.LamportsConverted, &dist.CyclesCredited, &dist.ConversionRate, &dist.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan fee distribution: %w", err)
		}
		dists = append(dists, dist)
	}
	return dists, rows.Err()
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}
