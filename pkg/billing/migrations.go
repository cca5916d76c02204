package billing

import (
	"context"
	"database/sql"
	"fmt"
)

// Migration represents a database migration
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// GetMigrations returns all billing migrations
func GetMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create billing_customers table",
			SQL: `
				CREATE TABLE IF NOT EXISTS billing_customers (
					tenant_id BIGINT PRIMARY KEY,
					processor_customer_id VARCHAR(255) NOT NULL UNIQUE,
					created_at TIMESTAMP NOT NULL DEFAULT NOW()
				);
			`,
		},
		{
			Version:     2,
			Description: "Create subscriptions table",
			SQL: `
				CREATE TABLE IF NOT EXISTS subscriptions (
					id BIGSERIAL PRIMARY KEY,
					tenant_id BIGINT NOT NULL,
					plan VARCHAR(50) NOT NULL,
					status VARCHAR(20) NOT NULL,
					processor_customer_id VARCHAR(255) NOT NULL DEFAULT '',
					processor_subscription_id VARCHAR(255) NOT NULL UNIQUE,
					current_period_start TIMESTAMP,
					current_period_end TIMESTAMP,
					trial_start TIMESTAMP,
					trial_end TIMESTAMP,
					cancel_at_period_end BOOLEAN NOT NULL DEFAULT FALSE,
					canceled_at TIMESTAMP,
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMP NOT NULL DEFAULT NOW()
				);

				CREATE UNIQUE INDEX IF NOT EXISTS ux_subscriptions_tenant_billable
					ON subscriptions(tenant_id)
					WHERE status IN ('trialing', 'active', 'past_due');

				CREATE INDEX IF NOT EXISTS idx_subscriptions_tenant
					ON subscriptions(tenant_id);
			`,
		},
		{
			Version:     3,
			Description: "Create invoices table",
			SQL: `
				CREATE TABLE IF NOT EXISTS invoices (
					id BIGSERIAL PRIMARY KEY,
					tenant_id BIGINT NOT NULL,
					subscription_id BIGINT,
					processor_invoice_id VARCHAR(255) NOT NULL,
					status VARCHAR(20) NOT NULL,
					amount_due_cents BIGINT NOT NULL,
					amount_paid_cents BIGINT NOT NULL DEFAULT 0,
					amount_remaining_cents BIGINT NOT NULL DEFAULT 0,
					currency VARCHAR(3) NOT NULL,
					due_date TIMESTAMP,
					paid_at TIMESTAMP,
					attempt_count INT NOT NULL DEFAULT 0,
					last_failure_reason TEXT NOT NULL DEFAULT '',
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMP NOT NULL DEFAULT NOW(),
					UNIQUE(tenant_id, processor_invoice_id),
					CHECK (amount_paid_cents + amount_remaining_cents = amount_due_cents)
				);

				CREATE INDEX IF NOT EXISTS idx_invoices_tenant_status
					ON invoices(tenant_id, status);
			`,
		},
		{
			Version:     4,
			Description: "Create payment_methods table",
			SQL: `
				CREATE TABLE IF NOT EXISTS payment_methods (
					id BIGSERIAL PRIMARY KEY,
					tenant_id BIGINT NOT NULL,
					processor_payment_method_id VARCHAR(255) NOT NULL,
					type VARCHAR(20) NOT NULL DEFAULT 'card',
					is_default BOOLEAN NOT NULL DEFAULT FALSE,
					card_brand VARCHAR(50) NOT NULL DEFAULT '',
					card_last4 VARCHAR(4) NOT NULL DEFAULT '',
					card_exp_month INT NOT NULL DEFAULT 0,
					card_exp_year INT NOT NULL DEFAULT 0,
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMP NOT NULL DEFAULT NOW(),
					UNIQUE(tenant_id, processor_payment_method_id)
				);

				CREATE UNIQUE INDEX IF NOT EXISTS ux_payment_methods_tenant_default
					ON payment_methods(tenant_id)
					WHERE is_default;
			`,
		},
		{
			Version:     5,
			Description: "Create dunning_attempts table",
			SQL: `
				CREATE TABLE IF NOT EXISTS dunning_attempts (
					id BIGSERIAL PRIMARY KEY,
					tenant_id BIGINT NOT NULL,
					invoice_id BIGINT NOT NULL,
					attempt_number INT NOT NULL,
					scheduled_at TIMESTAMP NOT NULL,
					executed_at TIMESTAMP,
					outcome VARCHAR(20) NOT NULL DEFAULT 'pending',
					failure_reason TEXT NOT NULL DEFAULT '',
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					UNIQUE(tenant_id, invoice_id, attempt_number)
				);

				CREATE INDEX IF NOT EXISTS idx_dunning_attempts_due
					ON dunning_attempts(outcome, scheduled_at);
			`,
		},
		{
			Version:     6,
			Description: "Create processed_events table",
			SQL: `
				CREATE TABLE IF NOT EXISTS processed_events (
					event_id VARCHAR(255) PRIMARY KEY,
					event_type VARCHAR(100) NOT NULL,
					processed_at TIMESTAMP NOT NULL DEFAULT NOW(),
					summary TEXT NOT NULL DEFAULT ''
				);

				CREATE INDEX IF NOT EXISTS idx_processed_events_type
					ON processed_events(event_type);
			`,
		},
	}
}

// RunMigrations executes all pending billing migrations
func RunMigrations(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS billing_migrations (
			version INT PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	rows, err := db.QueryContext(ctx, "SELECT version FROM billing_migrations ORDER BY version")
	if err != nil {
		return fmt.Errorf("failed to query migrations: %w", err)
	}

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[version] = true
	}
	rows.Close()

	for _, migration := range GetMigrations() {
		if applied[migration.Version] {
			continue
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to start transaction: %w", err)
		}

		if _, err := tx.ExecContext(ctx, migration.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to execute migration %d: %w", migration.Version, err)
		}

		if _, err := tx.ExecContext(ctx,
			"INSERT INTO billing_migrations (version, description) VALUES ($1, $2)",
			migration.Version, migration.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", migration.Version, err)
		}
	}

	return nil
}
