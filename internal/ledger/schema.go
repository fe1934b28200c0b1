package ledger

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schemaStatements is the billing schema. Uniqueness lives in the database:
// duplicate processor references and second refunds for a job are rejected
// at the storage layer no matter which code path races in.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS receipts (
		id UUID PRIMARY KEY,
		user_id TEXT,
		type TEXT NOT NULL CHECK (type IN ('topup','charge','refund','discount','tax')),
		amount_cents BIGINT NOT NULL CHECK (amount_cents >= 0),
		currency TEXT NOT NULL,
		description TEXT,
		job_id TEXT,
		pricing_snapshot JSONB,
		application_fee_cents BIGINT,
		vendor_account_id TEXT,
		external_payment_ref TEXT,
		external_charge_ref TEXT,
		external_refund_ref TEXT,
		metadata JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS receipts_user_created_idx ON receipts (user_id, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS receipts_job_idx ON receipts (job_id)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS receipts_unique_payment_ref ON receipts (external_payment_ref)
		WHERE external_payment_ref IS NOT NULL`,
	`CREATE UNIQUE INDEX IF NOT EXISTS receipts_unique_charge_ref ON receipts (external_charge_ref)
		WHERE external_charge_ref IS NOT NULL`,
	`CREATE UNIQUE INDEX IF NOT EXISTS receipts_unique_refund_ref ON receipts (external_refund_ref)
		WHERE external_refund_ref IS NOT NULL`,
	`CREATE UNIQUE INDEX IF NOT EXISTS receipts_one_charge_per_job ON receipts (job_id)
		WHERE type = 'charge' AND job_id IS NOT NULL`,
	`CREATE UNIQUE INDEX IF NOT EXISTS receipts_one_refund_per_job ON receipts (job_id)
		WHERE type = 'refund' AND job_id IS NOT NULL`,

	`CREATE TABLE IF NOT EXISTS jobs (
		job_id TEXT PRIMARY KEY,
		user_id TEXT,
		engine_id TEXT NOT NULL,
		engine_label TEXT,
		duration_sec INTEGER NOT NULL DEFAULT 0,
		resolution TEXT,
		status TEXT NOT NULL DEFAULT 'queued',
		payment_status TEXT NOT NULL DEFAULT 'pending_payment',
		pricing_snapshot JSONB,
		vendor_account_id TEXT,
		external_payment_ref TEXT,
		external_charge_ref TEXT,
		message TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS jobs_user_created_idx ON jobs (user_id, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS jobs_payment_ref_idx ON jobs (external_payment_ref)`,

	`CREATE TABLE IF NOT EXISTS webhook_events (
		event_id TEXT PRIMARY KEY,
		event_type TEXT NOT NULL,
		received_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		processed_at TIMESTAMPTZ,
		processing_note TEXT
	)`,

	`CREATE TABLE IF NOT EXISTS users (
		id UUID PRIMARY KEY,
		email TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		display_name TEXT,
		role TEXT NOT NULL DEFAULT 'user',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS vendor_balances (
		vendor_account_id TEXT NOT NULL,
		currency TEXT NOT NULL,
		pending_cents BIGINT NOT NULL DEFAULT 0,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (vendor_account_id, currency)
	)`,
}

// EnsureSchema creates the billing tables and uniqueness indexes if they do
// not exist yet.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range schemaStatements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure billing schema: %w", err)
		}
	}
	return nil
}
