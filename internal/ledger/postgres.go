package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/renderbill/backend/internal/models"
)

const receiptColumns = `id, user_id, type, amount_cents, currency, description, job_id,
	pricing_snapshot, application_fee_cents, vendor_account_id,
	external_payment_ref, external_charge_ref, external_refund_ref, metadata, created_at`

// PostgresStore is the durable LedgerStore. Every mutating operation reads
// its precondition and writes its result inside one transaction; wallet
// mutations for a user are serialized with a per-user advisory lock.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

var _ LedgerStore = (*PostgresStore)(nil)

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *PostgresStore) Reserve(ctx context.Context, p ReserveParams) (*ReserveResult, error) {
	if p.AmountCents <= 0 {
		return nil, fmt.Errorf("reserve: amount must be positive, got %d", p.AmountCents)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin reserve tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Serialize wallet mutations per user. Two concurrent reservations
	// against the same wallet queue here, so the balance each one reads
	// is the balance it debits against.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, p.UserID); err != nil {
		return nil, fmt.Errorf("acquire wallet lock: %w", err)
	}

	locked, err := walletCurrency(ctx, tx, p.UserID)
	if err != nil {
		return nil, err
	}
	if locked != "" && locked != p.Currency {
		return nil, ErrCurrencyMismatch
	}

	// Retries with the same job id return the committed charge untouched.
	existing, err := chargeForJob(ctx, tx, p.JobID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		balance, err := balanceOf(ctx, tx, p.UserID, p.Currency)
		if err != nil {
			return nil, err
		}
		return &ReserveResult{
			Receipt:        *existing,
			BalanceCents:   balance + existing.AmountCents,
			RemainingCents: balance,
			AlreadyCharged: true,
		}, nil
	}

	receiptID := uuid.New()
	var balance int64
	var createdAt *time.Time
	row := tx.QueryRow(ctx, `
		WITH balance AS (
			SELECT COALESCE(SUM(
				CASE
					WHEN type = 'topup' THEN amount_cents
					WHEN type = 'refund' THEN amount_cents
					WHEN type = 'charge' THEN -amount_cents
					ELSE 0
				END
			)::bigint, 0::bigint) AS balance_cents
			FROM receipts
			WHERE user_id = $1 AND currency = $2
		),
		ins AS (
			INSERT INTO receipts (id, user_id, type, amount_cents, currency, description,
				job_id, pricing_snapshot, application_fee_cents, vendor_account_id)
			SELECT $3, $1, 'charge', $4::bigint, $2, $5, $6, $7::jsonb, $8, $9
			FROM balance
			WHERE balance.balance_cents >= $4::bigint
			RETURNING created_at
		)
		SELECT balance.balance_cents, (SELECT created_at FROM ins) FROM balance
	`, p.UserID, p.Currency, receiptID, p.AmountCents, p.Description,
		p.JobID, p.PricingSnapshot, p.ApplicationFeeCents, p.VendorAccountID)
	if err := row.Scan(&balance, &createdAt); err != nil {
		return nil, fmt.Errorf("reserve charge: %w", err)
	}
	if createdAt == nil {
		return nil, &InsufficientFundsError{
			BalanceCents:   balance,
			ShortfallCents: p.AmountCents - balance,
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit reserve tx: %w", err)
	}

	userID := p.UserID
	jobID := p.JobID
	receipt := models.Receipt{
		ID:              receiptID,
		UserID:          &userID,
		Type:            models.ReceiptTypeCharge,
		AmountCents:     p.AmountCents,
		Currency:        p.Currency,
		Description:     p.Description,
		JobID:           &jobID,
		PricingSnapshot: p.PricingSnapshot,
		VendorAccountID: p.VendorAccountID,
		CreatedAt:       *createdAt,
	}
	if p.ApplicationFeeCents != 0 {
		fee := p.ApplicationFeeCents
		receipt.ApplicationFeeCents = &fee
	}
	return &ReserveResult{
		Receipt:        receipt,
		BalanceCents:   balance,
		RemainingCents: balance - p.AmountCents,
	}, nil
}

func (s *PostgresStore) RefundWalletCharge(ctx context.Context, p RefundParams) (*models.Receipt, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin refund tx: %w", err)
	}
	defer tx.Rollback(ctx)

	charge, err := chargeForJob(ctx, tx, p.JobID)
	if err != nil {
		return nil, err
	}
	if charge == nil {
		return nil, ErrNoChargeForJob
	}

	var refundExists bool
	if err := tx.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM receipts WHERE job_id = $1 AND type = 'refund')
	`, p.JobID).Scan(&refundExists); err != nil {
		return nil, fmt.Errorf("check existing refund: %w", err)
	}
	if refundExists {
		return nil, ErrRefundExists
	}

	description := p.Description
	if description == "" && charge.Description != "" {
		description = "Refund: " + charge.Description
	}
	refund := models.Receipt{
		ID:              uuid.New(),
		UserID:          charge.UserID,
		Type:            models.ReceiptTypeRefund,
		AmountCents:     charge.AmountCents,
		Currency:        charge.Currency,
		Description:     description,
		JobID:           charge.JobID,
		PricingSnapshot: charge.PricingSnapshot,
		VendorAccountID: charge.VendorAccountID,
		Metadata:        p.Metadata,
	}
	row := tx.QueryRow(ctx, `
		INSERT INTO receipts (id, user_id, type, amount_cents, currency, description,
			job_id, pricing_snapshot, vendor_account_id, metadata)
		VALUES ($1, $2, 'refund', $3, $4, $5, $6, $7::jsonb, $8, $9::jsonb)
		RETURNING created_at
	`, refund.ID, refund.UserID, refund.AmountCents, refund.Currency, refund.Description,
		refund.JobID, refund.PricingSnapshot, refund.VendorAccountID, refund.Metadata)
	if err := row.Scan(&refund.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			return nil, ErrRefundExists
		}
		return nil, fmt.Errorf("insert refund receipt: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit refund tx: %w", err)
	}
	return &refund, nil
}

func (s *PostgresStore) FindRefundableCharge(ctx context.Context, jobID string) (*models.Receipt, error) {
	charge, err := chargeForJob(ctx, s.pool, jobID)
	if err != nil {
		return nil, err
	}
	if charge == nil {
		return nil, ErrNoChargeForJob
	}
	var refundExists bool
	if err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM receipts WHERE job_id = $1 AND type = 'refund')
	`, jobID).Scan(&refundExists); err != nil {
		return nil, fmt.Errorf("check existing refund: %w", err)
	}
	if refundExists {
		return nil, ErrRefundExists
	}
	return charge, nil
}

func (s *PostgresStore) BalanceOf(ctx context.Context, userID, currency string) (int64, error) {
	return balanceOf(ctx, s.pool, userID, currency)
}

func (s *PostgresStore) WalletCurrency(ctx context.Context, userID string) (string, error) {
	return walletCurrency(ctx, s.pool, userID)
}

func (s *PostgresStore) ListReceipts(ctx context.Context, userID string) ([]models.Receipt, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+receiptColumns+`
		FROM receipts WHERE user_id = $1 ORDER BY created_at DESC, id
	`, userID)
	if err != nil {
		return nil, err
	}
	return scanReceipts(rows)
}

func (s *PostgresStore) ReceiptsForJob(ctx context.Context, jobID string) ([]models.Receipt, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+receiptColumns+`
		FROM receipts WHERE job_id = $1 ORDER BY created_at, id
	`, jobID)
	if err != nil {
		return nil, err
	}
	return scanReceipts(rows)
}

func (s *PostgresStore) RunEventOnce(ctx context.Context, eventID, eventType string, fn func(context.Context, EventOps) error) (EventStatus, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin event tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// The dedup insert is the serialization point: a concurrent delivery
	// of the same event id blocks here until this transaction resolves,
	// then observes the conflict and acknowledges as a duplicate.
	tag, err := tx.Exec(ctx, `
		INSERT INTO webhook_events (event_id, event_type)
		VALUES ($1, $2)
		ON CONFLICT (event_id) DO NOTHING
	`, eventID, eventType)
	if err != nil {
		return 0, fmt.Errorf("record webhook event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return EventDuplicate, nil
	}

	ops := &pgEventOps{tx: tx}
	if err := fn(ctx, ops); err != nil {
		// Rollback removes the in-flight marker so redelivery retries
		// from scratch.
		return 0, err
	}

	if _, err := tx.Exec(ctx, `
		UPDATE webhook_events
		SET processed_at = now(), processing_note = NULLIF($2, '')
		WHERE event_id = $1
	`, eventID, ops.note); err != nil {
		return 0, fmt.Errorf("mark event processed: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit event tx: %w", err)
	}
	return EventProcessed, nil
}

func (s *PostgresStore) AccumulateVendorBalance(ctx context.Context, vendorAccountID, currency string, deltaCents int64) error {
	return accumulateVendor(ctx, s.pool, vendorAccountID, currency, deltaCents)
}

func (s *PostgresStore) VendorBalance(ctx context.Context, vendorAccountID, currency string) (int64, error) {
	var pending int64
	err := s.pool.QueryRow(ctx, `
		SELECT pending_cents FROM vendor_balances
		WHERE vendor_account_id = $1 AND currency = $2
	`, vendorAccountID, currency).Scan(&pending)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return pending, nil
}

func (s *PostgresStore) ListVendorBalances(ctx context.Context) ([]models.VendorBalance, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT vendor_account_id, currency, pending_cents, updated_at
		FROM vendor_balances ORDER BY vendor_account_id, currency
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.VendorBalance
	for rows.Next() {
		var vb models.VendorBalance
		if err := rows.Scan(&vb.VendorAccountID, &vb.Currency, &vb.PendingCents, &vb.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, vb)
	}
	return out, rows.Err()
}

// --- transaction-scoped event operations ---

type pgEventOps struct {
	tx   pgx.Tx
	note string
}

var _ EventOps = (*pgEventOps)(nil)

func (o *pgEventOps) NoteEvent(note string) { o.note = note }

func (o *pgEventOps) InsertTopup(ctx context.Context, p TopupParams) (bool, error) {
	if p.AmountCents <= 0 {
		return false, fmt.Errorf("topup amount must be positive, got %d", p.AmountCents)
	}
	locked, err := walletCurrency(ctx, o.tx, p.UserID)
	if err != nil {
		return false, err
	}
	if locked != "" && locked != p.Currency {
		return false, ErrCurrencyMismatch
	}
	tag, err := o.tx.Exec(ctx, `
		INSERT INTO receipts (id, user_id, type, amount_cents, currency, description,
			external_payment_ref, external_charge_ref, metadata)
		VALUES ($1, $2, 'topup', $3, $4, $5, $6, $7, $8::jsonb)
		ON CONFLICT DO NOTHING
	`, uuid.New(), p.UserID, p.AmountCents, p.Currency, p.Description,
		p.ExternalPaymentRef, p.ExternalChargeRef, p.Metadata)
	if err != nil {
		return false, fmt.Errorf("insert topup receipt: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (o *pgEventOps) InsertExternalCharge(ctx context.Context, p ExternalChargeParams) (bool, error) {
	var fee *int64
	if p.ApplicationFeeCents != 0 {
		fee = &p.ApplicationFeeCents
	}
	tag, err := o.tx.Exec(ctx, `
		INSERT INTO receipts (id, user_id, type, amount_cents, currency, description,
			job_id, pricing_snapshot, application_fee_cents, vendor_account_id,
			external_payment_ref, external_charge_ref)
		VALUES ($1, $2, 'charge', $3, $4, $5, $6, $7::jsonb, $8, $9, $10, $11)
		ON CONFLICT DO NOTHING
	`, uuid.New(), p.UserID, p.AmountCents, p.Currency, p.Description,
		p.JobID, p.PricingSnapshot, fee, p.VendorAccountID,
		p.ExternalPaymentRef, p.ExternalChargeRef)
	if err != nil {
		return false, fmt.Errorf("insert external charge receipt: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (o *pgEventOps) InsertExternalRefund(ctx context.Context, p ExternalRefundParams) (bool, *string, error) {
	charge, err := chargeByPaymentRef(ctx, o.tx, p.ExternalPaymentRef)
	if err != nil {
		return false, nil, err
	}
	var userID, jobID, vendorAccountID *string
	var snapshot []byte
	if charge != nil {
		userID = charge.UserID
		jobID = charge.JobID
		vendorAccountID = charge.VendorAccountID
		snapshot = charge.PricingSnapshot
	} else {
		// Charge receipt missing (e.g. legacy rows): fall back to the job
		// record keyed by the same payment reference.
		row := o.tx.QueryRow(ctx, `
			SELECT job_id, user_id, vendor_account_id, pricing_snapshot
			FROM jobs WHERE external_payment_ref = $1 LIMIT 1
		`, p.ExternalPaymentRef)
		var jID string
		if err := row.Scan(&jID, &userID, &vendorAccountID, &snapshot); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return false, nil, nil
			}
			return false, nil, fmt.Errorf("resolve refund target: %w", err)
		}
		jobID = &jID
	}
	if userID == nil {
		return false, nil, nil
	}

	tag, err := o.tx.Exec(ctx, `
		INSERT INTO receipts (id, user_id, type, amount_cents, currency, description,
			job_id, pricing_snapshot, vendor_account_id,
			external_payment_ref, external_refund_ref)
		VALUES ($1, $2, 'refund', $3, $4, $5, $6, $7::jsonb, $8, NULL, $9)
		ON CONFLICT DO NOTHING
	`, uuid.New(), userID, p.AmountCents, p.Currency, p.Description,
		jobID, snapshot, vendorAccountID, p.ExternalRefundRef)
	if err != nil {
		return false, nil, fmt.Errorf("insert external refund receipt: %w", err)
	}
	return tag.RowsAffected() > 0, jobID, nil
}

func (o *pgEventOps) AccumulateVendorBalance(ctx context.Context, vendorAccountID, currency string, deltaCents int64) error {
	return accumulateVendor(ctx, o.tx, vendorAccountID, currency, deltaCents)
}

func (o *pgEventOps) SetJobPaymentStatus(ctx context.Context, jobID, from, to string) error {
	_, err := o.tx.Exec(ctx, `
		UPDATE jobs SET payment_status = $3, updated_at = now()
		WHERE job_id = $1 AND ($2 = '' OR payment_status = $2)
	`, jobID, from, to)
	return err
}

// --- shared query helpers ---

type execQuerier interface {
	rowQuerier
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func balanceOf(ctx context.Context, q rowQuerier, userID, currency string) (int64, error) {
	var balance int64
	err := q.QueryRow(ctx, `
		SELECT COALESCE(SUM(
			CASE
				WHEN type = 'topup' THEN amount_cents
				WHEN type = 'refund' THEN amount_cents
				WHEN type = 'charge' THEN -amount_cents
				ELSE 0
			END
		)::bigint, 0::bigint)
		FROM receipts WHERE user_id = $1 AND currency = $2
	`, userID, currency).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("compute balance: %w", err)
	}
	return balance, nil
}

func walletCurrency(ctx context.Context, q rowQuerier, userID string) (string, error) {
	var currency string
	err := q.QueryRow(ctx, `
		SELECT currency FROM receipts WHERE user_id = $1 ORDER BY created_at, id LIMIT 1
	`, userID).Scan(&currency)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("resolve wallet currency: %w", err)
	}
	return currency, nil
}

func chargeForJob(ctx context.Context, q rowQuerier, jobID string) (*models.Receipt, error) {
	row := q.QueryRow(ctx, `
		SELECT `+receiptColumns+`
		FROM receipts WHERE job_id = $1 AND type = 'charge'
		ORDER BY created_at DESC LIMIT 1
	`, jobID)
	r, err := scanReceipt(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find charge for job: %w", err)
	}
	return r, nil
}

func chargeByPaymentRef(ctx context.Context, q rowQuerier, paymentRef string) (*models.Receipt, error) {
	row := q.QueryRow(ctx, `
		SELECT `+receiptColumns+`
		FROM receipts WHERE external_payment_ref = $1 AND type = 'charge'
		LIMIT 1
	`, paymentRef)
	r, err := scanReceipt(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find charge by payment ref: %w", err)
	}
	return r, nil
}

func accumulateVendor(ctx context.Context, q execQuerier, vendorAccountID, currency string, deltaCents int64) error {
	if deltaCents == 0 {
		return nil
	}
	_, err := q.Exec(ctx, `
		INSERT INTO vendor_balances (vendor_account_id, currency, pending_cents, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (vendor_account_id, currency)
		DO UPDATE SET pending_cents = vendor_balances.pending_cents + EXCLUDED.pending_cents,
			updated_at = now()
	`, vendorAccountID, currency, deltaCents)
	if err != nil {
		return fmt.Errorf("accumulate vendor balance: %w", err)
	}
	return nil
}

func scanReceipt(row pgx.Row) (*models.Receipt, error) {
	var r models.Receipt
	err := row.Scan(&r.ID, &r.UserID, &r.Type, &r.AmountCents, &r.Currency, &r.Description,
		&r.JobID, &r.PricingSnapshot, &r.ApplicationFeeCents, &r.VendorAccountID,
		&r.ExternalPaymentRef, &r.ExternalChargeRef, &r.ExternalRefundRef, &r.Metadata, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func scanReceipts(rows pgx.Rows) ([]models.Receipt, error) {
	defer rows.Close()
	var out []models.Receipt
	for rows.Next() {
		var r models.Receipt
		if err := rows.Scan(&r.ID, &r.UserID, &r.Type, &r.AmountCents, &r.Currency, &r.Description,
			&r.JobID, &r.PricingSnapshot, &r.ApplicationFeeCents, &r.VendorAccountID,
			&r.ExternalPaymentRef, &r.ExternalChargeRef, &r.ExternalRefundRef, &r.Metadata, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
