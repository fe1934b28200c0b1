package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/renderbill/backend/internal/ledger"
	"github.com/renderbill/backend/internal/metrics"
	"github.com/renderbill/backend/internal/models"
	"github.com/renderbill/backend/internal/pricing"
)

// RefundStore is the ledger surface manual refunds need.
type RefundStore interface {
	FindRefundableCharge(ctx context.Context, jobID string) (*models.Receipt, error)
	RefundWalletCharge(ctx context.Context, p ledger.RefundParams) (*models.Receipt, error)
	ReceiptsForJob(ctx context.Context, jobID string) ([]models.Receipt, error)
}

// ErrJobNotRefundable is returned when the job's wallet charge exists but
// the job is not in a payment state a manual refund may act on.
var ErrJobNotRefundable = errors.New("job is not in a refundable payment state")

// JobStatusStore reads and flips the job's payment status around a refund.
type JobStatusStore interface {
	PaymentStatus(ctx context.Context, jobID string) (string, error)
	SetPaymentStatus(ctx context.Context, jobID, from, to string) (bool, error)
	AnnotateMessage(ctx context.Context, jobID, note string) error
}

// VendorReverser reverses a vendor accrual when a charge is handed back.
type VendorReverser interface {
	Accumulate(ctx context.Context, vendorAccountID, currency string, deltaCents int64) error
}

// RefundService issues operator-initiated wallet refunds. It reuses the
// same ledger path as automatic failure refunds, so the one-refund-per-job
// invariant holds across both.
type RefundService struct {
	Store   RefundStore
	Jobs    JobStatusStore
	Vendors VendorReverser
	Logger  *slog.Logger
}

func NewRefundService(store RefundStore, jobs JobStatusStore, vendors VendorReverser, logger *slog.Logger) *RefundService {
	if logger == nil {
		logger = slog.Default()
	}
	return &RefundService{Store: store, Jobs: jobs, Vendors: vendors, Logger: logger}
}

// ManualRefundParams identifies the charge to hand back and who asked.
type ManualRefundParams struct {
	JobID     string
	AdminID   string
	Note      string
	RequestID string
}

type refundAudit struct {
	Manual    bool   `json:"manual"`
	AdminID   string `json:"admin_id"`
	Note      string `json:"note,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	IssuedAt  string `json:"issued_at"`
}

// IssueManualRefund refunds the job's wallet charge once. A second call
// for the same job fails with ledger.ErrRefundExists regardless of which
// path (manual or automatic) issued the first refund.
func (s *RefundService) IssueManualRefund(ctx context.Context, p ManualRefundParams) (*models.Receipt, error) {
	if p.JobID == "" {
		return nil, fmt.Errorf("manual refund: job id is required")
	}
	charge, err := s.Store.FindRefundableCharge(ctx, p.JobID)
	if err != nil {
		return nil, err
	}
	status, err := s.Jobs.PaymentStatus(ctx, p.JobID)
	if err != nil {
		return nil, fmt.Errorf("read payment status: %w", err)
	}
	if status != models.PaymentStatusPaidWallet {
		return nil, fmt.Errorf("%w: payment status is %q", ErrJobNotRefundable, status)
	}

	audit, err := json.Marshal(refundAudit{
		Manual:    true,
		AdminID:   p.AdminID,
		Note:      p.Note,
		RequestID: p.RequestID,
		IssuedAt:  time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return nil, fmt.Errorf("encode refund audit: %w", err)
	}

	refund, err := s.Store.RefundWalletCharge(ctx, ledger.RefundParams{
		JobID:       p.JobID,
		Description: manualDescription(charge, p.Note),
		Metadata:    audit,
	})
	if err != nil {
		return nil, err
	}

	if _, err := s.Jobs.SetPaymentStatus(ctx, p.JobID, models.PaymentStatusPaidWallet, models.PaymentStatusRefundedWallet); err != nil {
		s.Logger.Error("flip payment status after manual refund", "job_id", p.JobID, "error", err)
	}
	if err := s.Jobs.AnnotateMessage(ctx, p.JobID, operatorNote(p)); err != nil {
		s.Logger.Error("annotate job after manual refund", "job_id", p.JobID, "error", err)
	}
	if err := s.reverseVendorAccrual(ctx, charge); err != nil {
		s.Logger.Error("vendor reversal after manual refund", "job_id", p.JobID, "error", err)
	}

	metrics.Refunds.WithLabelValues("manual").Inc()
	s.Logger.Info("manual refund issued",
		"job_id", p.JobID, "admin_id", p.AdminID, "amount_cents", refund.AmountCents)
	return refund, nil
}

func (s *RefundService) reverseVendorAccrual(ctx context.Context, charge *models.Receipt) error {
	if charge.VendorAccountID == nil || len(charge.PricingSnapshot) == 0 {
		return nil
	}
	var snap pricing.Snapshot
	if err := json.Unmarshal(charge.PricingSnapshot, &snap); err != nil {
		return fmt.Errorf("decode pricing snapshot: %w", err)
	}
	return s.Vendors.Accumulate(ctx, *charge.VendorAccountID, charge.Currency, -snap.VendorShareCents)
}

// JobLedger returns every receipt touching the job, for the admin detail view.
func (s *RefundService) JobLedger(ctx context.Context, jobID string) ([]models.Receipt, error) {
	receipts, err := s.Store.ReceiptsForJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if len(receipts) == 0 {
		return nil, ledger.ErrNoChargeForJob
	}
	return receipts, nil
}

func operatorNote(p ManualRefundParams) string {
	note := "Refunded by operator " + p.AdminID
	if p.Note != "" {
		note += ": " + p.Note
	}
	return note
}

func manualDescription(charge *models.Receipt, note string) string {
	base := "Manual refund"
	if charge.Description != "" {
		base = "Manual refund: " + charge.Description
	}
	if note != "" {
		return base + " (" + note + ")"
	}
	return base
}
