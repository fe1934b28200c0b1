package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/renderbill/backend/internal/finalize"
	"github.com/renderbill/backend/internal/ledger"
	"github.com/renderbill/backend/internal/metrics"
	"github.com/renderbill/backend/internal/models"
	"github.com/renderbill/backend/internal/payments"
	"github.com/renderbill/backend/internal/pricing"
)

// Payment methods a submission may declare.
const (
	PaymentMethodWallet   = "wallet"
	PaymentMethodDirect   = "direct"
	PaymentMethodPlatform = "platform"
)

// ErrInvalidPaymentMethod is returned for unknown payment methods.
var ErrInvalidPaymentMethod = errors.New("invalid payment method")

// ErrUnrecognizedProviderStatus is returned when a provider callback status
// maps to no canonical status.
var ErrUnrecognizedProviderStatus = errors.New("unrecognized provider status")

// JobStore is the repository surface the service needs.
type JobStore interface {
	Create(ctx context.Context, j *models.Job) error
	GetByID(ctx context.Context, jobID string) (*models.Job, error)
	ListByUser(ctx context.Context, userID string) ([]*models.Job, error)
	UpdateStatus(ctx context.Context, jobID, status, message string) error
	AnnotateMessage(ctx context.Context, jobID, note string) error
	PaymentStatus(ctx context.Context, jobID string) (string, error)
	SetPaymentStatus(ctx context.Context, jobID, from, to string) (bool, error)
	SetExternalRefs(ctx context.Context, jobID string, paymentRef, chargeRef *string) error
}

// Pricer freezes a price snapshot for a submission.
type Pricer interface {
	Quote(input pricing.Input) (*pricing.Snapshot, error)
}

// WalletReserver performs the atomic check-and-debit.
type WalletReserver interface {
	Reserve(ctx context.Context, p ledger.ReserveParams) (*ledger.ReserveResult, error)
}

// Refunder issues the at-most-once wallet refund for a job.
type Refunder interface {
	RefundWalletCharge(ctx context.Context, p ledger.RefundParams) (*models.Receipt, error)
}

// PaymentVerifier confirms a claimed direct payment against the processor.
type PaymentVerifier interface {
	VerifyDirectPayment(ctx context.Context, paymentRef, jobID string, snap *pricing.Snapshot) (*payments.Payment, error)
}

// VendorAccumulator records vendor share accruals and reversals.
type VendorAccumulator interface {
	Accumulate(ctx context.Context, vendorAccountID, currency string, deltaCents int64) error
}

// EnqueueFinalizeFunc enqueues settlement of a terminal provider status.
// Provided by main as a closure over the river client.
type EnqueueFinalizeFunc func(ctx context.Context, args finalize.FinalizeJobArgs) error

// CreateJobParams is one job submission.
type CreateJobParams struct {
	UserID        string
	EngineID      string
	DurationSec   int
	Resolution    string
	MemberTier    string
	Addons        map[string]bool
	PaymentMethod string
	PaymentRef    string
}

type Service interface {
	CreateJob(ctx context.Context, p CreateJobParams) (*models.Job, error)
	GetJob(ctx context.Context, jobID string) (*models.Job, error)
	ListByUser(ctx context.Context, userID string) ([]*models.Job, error)
	HandleProviderCallback(ctx context.Context, jobID, providerStatus, message string) error
	ApplyProviderStatus(ctx context.Context, jobID, providerStatus, message string) error
}

type service struct {
	repo            JobStore
	pricer          Pricer
	wallet          WalletReserver
	refunder        Refunder
	verifier        PaymentVerifier
	vendors         VendorAccumulator
	enqueueFinalize EnqueueFinalizeFunc
	logger          *slog.Logger
}

// NewService wires the job orchestrator. Returns *service so it can also
// serve as finalize.JobService for the river worker.
func NewService(
	repo JobStore,
	pricer Pricer,
	wallet WalletReserver,
	refunder Refunder,
	verifier PaymentVerifier,
	vendors VendorAccumulator,
	enqueueFinalize EnqueueFinalizeFunc,
	logger *slog.Logger,
) *service {
	if logger == nil {
		logger = slog.Default()
	}
	return &service{
		repo:            repo,
		pricer:          pricer,
		wallet:          wallet,
		refunder:        refunder,
		verifier:        verifier,
		vendors:         vendors,
		enqueueFinalize: enqueueFinalize,
		logger:          logger,
	}
}

var _ Service = (*service)(nil)
var _ finalize.JobService = (*service)(nil)

// CreateJob freezes the price, records the job, and settles payment by the
// declared method. The snapshot attached here is the amount every later
// receipt uses; catalog changes after this point never affect the job.
func (s *service) CreateJob(ctx context.Context, p CreateJobParams) (*models.Job, error) {
	switch p.PaymentMethod {
	case PaymentMethodWallet, PaymentMethodDirect, PaymentMethodPlatform:
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidPaymentMethod, p.PaymentMethod)
	}

	snap, err := s.pricer.Quote(pricing.Input{
		EngineID:    p.EngineID,
		DurationSec: p.DurationSec,
		Resolution:  p.Resolution,
		MemberTier:  pricing.MemberTier(p.MemberTier),
		Addons:      p.Addons,
	})
	if err != nil {
		return nil, err
	}
	snapJSON, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("encode pricing snapshot: %w", err)
	}

	userID := p.UserID
	job := &models.Job{
		JobID:           "job_" + uuid.NewString(),
		UserID:          &userID,
		EngineID:        p.EngineID,
		EngineLabel:     snap.Meta["engine_label"],
		DurationSec:     snap.Base.Seconds,
		Resolution:      p.Resolution,
		Status:          models.JobStatusQueued,
		PaymentStatus:   models.PaymentStatusPending,
		PricingSnapshot: snapJSON,
	}
	if snap.VendorAccountID != "" {
		vendorID := snap.VendorAccountID
		job.VendorAccountID = &vendorID
	}
	if err := s.repo.Create(ctx, job); err != nil {
		return nil, err
	}

	switch p.PaymentMethod {
	case PaymentMethodWallet:
		if err := s.settleWallet(ctx, job, snap); err != nil {
			return nil, err
		}
	case PaymentMethodDirect:
		if err := s.settleDirect(ctx, job, snap, p.PaymentRef); err != nil {
			return nil, err
		}
	case PaymentMethodPlatform:
		if _, err := s.repo.SetPaymentStatus(ctx, job.JobID, models.PaymentStatusPending, models.PaymentStatusPlatform); err != nil {
			return nil, err
		}
		job.PaymentStatus = models.PaymentStatusPlatform
	}

	metrics.JobsCreated.WithLabelValues(p.PaymentMethod).Inc()
	s.logger.Info("job created",
		"job_id", job.JobID, "user_id", p.UserID, "engine_id", p.EngineID,
		"payment_method", p.PaymentMethod, "total_cents", snap.TotalCents)
	return job, nil
}

func (s *service) settleWallet(ctx context.Context, job *models.Job, snap *pricing.Snapshot) error {
	_, err := s.wallet.Reserve(ctx, ledger.ReserveParams{
		UserID:              *job.UserID,
		AmountCents:         snap.TotalCents,
		Currency:            snap.Currency,
		JobID:               job.JobID,
		Description:         chargeDescription(job),
		PricingSnapshot:     job.PricingSnapshot,
		ApplicationFeeCents: snap.PlatformFeeCents,
		VendorAccountID:     job.VendorAccountID,
	})
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientFunds) || errors.Is(err, ledger.ErrCurrencyMismatch) {
			if _, markErr := s.repo.SetPaymentStatus(ctx, job.JobID, models.PaymentStatusPending, models.PaymentStatusFailedPayment); markErr != nil {
				s.logger.Error("mark failed payment", "job_id", job.JobID, "error", markErr)
			}
			job.PaymentStatus = models.PaymentStatusFailedPayment
		}
		return err
	}
	if _, err := s.repo.SetPaymentStatus(ctx, job.JobID, models.PaymentStatusPending, models.PaymentStatusPaidWallet); err != nil {
		return err
	}
	job.PaymentStatus = models.PaymentStatusPaidWallet
	if err := s.vendors.Accumulate(ctx, snap.VendorAccountID, snap.Currency, snap.VendorShareCents); err != nil {
		s.logger.Error("vendor accrual", "job_id", job.JobID, "error", err)
	}
	return nil
}

func (s *service) settleDirect(ctx context.Context, job *models.Job, snap *pricing.Snapshot, paymentRef string) error {
	payment, err := s.verifier.VerifyDirectPayment(ctx, paymentRef, job.JobID, snap)
	if err != nil {
		if errors.Is(err, payments.ErrVerificationFailed) {
			if _, markErr := s.repo.SetPaymentStatus(ctx, job.JobID, models.PaymentStatusPending, models.PaymentStatusFailedPayment); markErr != nil {
				s.logger.Error("mark failed payment", "job_id", job.JobID, "error", markErr)
			}
			job.PaymentStatus = models.PaymentStatusFailedPayment
		}
		return err
	}
	var chargeRef *string
	if payment.ExternalChargeRef != "" {
		ref := payment.ExternalChargeRef
		chargeRef = &ref
	}
	if err := s.repo.SetExternalRefs(ctx, job.JobID, &payment.ID, chargeRef); err != nil {
		return err
	}
	if _, err := s.repo.SetPaymentStatus(ctx, job.JobID, models.PaymentStatusPending, models.PaymentStatusPaidDirect); err != nil {
		return err
	}
	job.PaymentStatus = models.PaymentStatusPaidDirect
	job.ExternalPaymentRef = &payment.ID
	job.ExternalChargeRef = chargeRef
	return nil
}

func (s *service) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	return s.repo.GetByID(ctx, jobID)
}

func (s *service) ListByUser(ctx context.Context, userID string) ([]*models.Job, error) {
	return s.repo.ListByUser(ctx, userID)
}

// HandleProviderCallback is the callback entry point. Running updates apply
// inline; terminal statuses are queued so settlement survives a crash
// between acknowledgement and refund.
func (s *service) HandleProviderCallback(ctx context.Context, jobID, providerStatus, message string) error {
	switch NormalizeProviderStatus(providerStatus) {
	case models.JobStatusQueued:
		return s.repo.UpdateStatus(ctx, jobID, models.JobStatusQueued, message)
	case models.JobStatusRunning:
		return s.repo.UpdateStatus(ctx, jobID, models.JobStatusRunning, message)
	case models.JobStatusCompleted, models.JobStatusFailed:
		return s.enqueueFinalize(ctx, finalize.FinalizeJobArgs{
			JobID:          jobID,
			ProviderStatus: providerStatus,
			Message:        message,
		})
	default:
		return fmt.Errorf("%w: %q", ErrUnrecognizedProviderStatus, providerStatus)
	}
}

// ApplyProviderStatus settles a terminal provider status. Implements
// finalize.JobService; river retries on error, so every step here must be
// safe to repeat.
func (s *service) ApplyProviderStatus(ctx context.Context, jobID, providerStatus, message string) error {
	switch NormalizeProviderStatus(providerStatus) {
	case models.JobStatusCompleted:
		return s.markCompleted(ctx, jobID, message)
	case models.JobStatusFailed:
		return s.markFailed(ctx, jobID, message)
	case models.JobStatusRunning:
		return s.repo.UpdateStatus(ctx, jobID, models.JobStatusRunning, message)
	default:
		return fmt.Errorf("%w: %q", ErrUnrecognizedProviderStatus, providerStatus)
	}
}

func (s *service) markCompleted(ctx context.Context, jobID, message string) error {
	return s.repo.UpdateStatus(ctx, jobID, models.JobStatusCompleted, message)
}

// markFailed moves the job to failed and, for wallet-paid jobs, issues the
// refund and reverses the vendor accrual. A refund that already exists means
// an earlier attempt got that far; the remaining steps still converge.
func (s *service) markFailed(ctx context.Context, jobID, reason string) error {
	if err := s.repo.UpdateStatus(ctx, jobID, models.JobStatusFailed, reason); err != nil {
		return err
	}
	job, err := s.repo.GetByID(ctx, jobID)
	if err != nil {
		return err
	}
	if job.PaymentStatus != models.PaymentStatusPaidWallet && job.PaymentStatus != models.PaymentStatusRefundedWallet {
		return nil
	}

	refund, err := s.refunder.RefundWalletCharge(ctx, ledger.RefundParams{
		JobID:       jobID,
		Description: "Refund: " + chargeDescription(job),
	})
	switch {
	case err == nil:
		metrics.Refunds.WithLabelValues("failure").Inc()
		s.logger.Info("wallet refund issued",
			"job_id", jobID, "amount_cents", refund.AmountCents, "reason", reason)
		if err := s.reverseVendorAccrual(ctx, job); err != nil {
			s.logger.Error("vendor reversal", "job_id", jobID, "error", err)
		}
	case errors.Is(err, ledger.ErrRefundExists):
		// Receipt already written; fall through to the status flip.
	case errors.Is(err, ledger.ErrNoChargeForJob):
		s.logger.Warn("failed job has no wallet charge", "job_id", jobID)
		return nil
	default:
		return err
	}

	if _, err := s.repo.SetPaymentStatus(ctx, jobID, models.PaymentStatusPaidWallet, models.PaymentStatusRefundedWallet); err != nil {
		return err
	}
	return nil
}

func (s *service) reverseVendorAccrual(ctx context.Context, job *models.Job) error {
	if job.VendorAccountID == nil || len(job.PricingSnapshot) == 0 {
		return nil
	}
	var snap pricing.Snapshot
	if err := json.Unmarshal(job.PricingSnapshot, &snap); err != nil {
		return fmt.Errorf("decode pricing snapshot: %w", err)
	}
	return s.vendors.Accumulate(ctx, *job.VendorAccountID, snap.Currency, -snap.VendorShareCents)
}

func chargeDescription(job *models.Job) string {
	label := job.EngineLabel
	if label == "" {
		label = job.EngineID
	}
	return fmt.Sprintf("%s %ds %s", label, job.DurationSec, job.Resolution)
}
