package jobs

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/renderbill/backend/internal/models"
)

// ErrJobNotFound is returned when no job exists for the given id.
var ErrJobNotFound = errors.New("job not found")

const jobColumns = `job_id, user_id, engine_id, engine_label, duration_sec, resolution,
	status, payment_status, pricing_snapshot, vendor_account_id,
	external_payment_ref, external_charge_ref, message, created_at, updated_at`

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Create(ctx context.Context, j *models.Job) error {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO jobs (job_id, user_id, engine_id, engine_label, duration_sec, resolution,
			status, payment_status, pricing_snapshot, vendor_account_id,
			external_payment_ref, external_charge_ref, message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb, $10, $11, $12, $13)
		RETURNING created_at, updated_at
	`, j.JobID, j.UserID, j.EngineID, j.EngineLabel, j.DurationSec, j.Resolution,
		j.Status, j.PaymentStatus, j.PricingSnapshot, j.VendorAccountID,
		j.ExternalPaymentRef, j.ExternalChargeRef, j.Message)
	if err := row.Scan(&j.CreatedAt, &j.UpdatedAt); err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (r *Repository) GetByID(ctx context.Context, jobID string) (*models.Job, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_id = $1`, jobID)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	return j, nil
}

func (r *Repository) ListByUser(ctx context.Context, userID string) ([]*models.Job, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE user_id = $1 ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// UpdateStatus sets the provider-facing job status and message.
func (r *Repository) UpdateStatus(ctx context.Context, jobID, status, message string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, message = $3, updated_at = now() WHERE job_id = $1
	`, jobID, status, message)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrJobNotFound
	}
	return nil
}

// PaymentStatus reads the job's current payment status.
func (r *Repository) PaymentStatus(ctx context.Context, jobID string) (string, error) {
	var status string
	err := r.pool.QueryRow(ctx, `
		SELECT payment_status FROM jobs WHERE job_id = $1
	`, jobID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrJobNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read payment status: %w", err)
	}
	return status, nil
}

// AnnotateMessage appends an operator note to the job's message.
func (r *Repository) AnnotateMessage(ctx context.Context, jobID, note string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE jobs SET
			message = CASE WHEN message IS NULL OR message = '' THEN $2 ELSE message || '; ' || $2 END,
			updated_at = now()
		WHERE job_id = $1
	`, jobID, note)
	if err != nil {
		return fmt.Errorf("annotate job message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrJobNotFound
	}
	return nil
}

// SetPaymentStatus moves payment_status from -> to. The move only applies
// when the job is currently in the expected state, so replays converge
// instead of clobbering.
func (r *Repository) SetPaymentStatus(ctx context.Context, jobID, from, to string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE jobs SET payment_status = $3, updated_at = now()
		WHERE job_id = $1 AND ($2 = '' OR payment_status = $2)
	`, jobID, from, to)
	if err != nil {
		return false, fmt.Errorf("set payment status: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// SetExternalRefs records the processor references on the job row.
func (r *Repository) SetExternalRefs(ctx context.Context, jobID string, paymentRef, chargeRef *string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE jobs SET
			external_payment_ref = COALESCE($2, external_payment_ref),
			external_charge_ref = COALESCE($3, external_charge_ref),
			updated_at = now()
		WHERE job_id = $1
	`, jobID, paymentRef, chargeRef)
	return err
}

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	var engineLabel, resolution, message *string
	err := row.Scan(&j.JobID, &j.UserID, &j.EngineID, &engineLabel, &j.DurationSec, &resolution,
		&j.Status, &j.PaymentStatus, &j.PricingSnapshot, &j.VendorAccountID,
		&j.ExternalPaymentRef, &j.ExternalChargeRef, &message, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if engineLabel != nil {
		j.EngineLabel = *engineLabel
	}
	if resolution != nil {
		j.Resolution = *resolution
	}
	if message != nil {
		j.Message = *message
	}
	return &j, nil
}
