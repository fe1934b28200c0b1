package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/renderbill/backend/internal/ledger"
	"github.com/renderbill/backend/internal/metrics"
	"github.com/renderbill/backend/internal/models"
)

// EventStore is the ledger surface the processor needs.
type EventStore interface {
	RunEventOnce(ctx context.Context, eventID, eventType string, fn func(context.Context, ledger.EventOps) error) (ledger.EventStatus, error)
}

// Result is the outcome of one delivery.
type Result struct {
	Duplicate bool
	Note      string
}

// Processor applies webhook events to the ledger. Dedup by event id and all
// business effects share one transaction; a failure rolls everything back
// and the processor's redelivery retries later.
type Processor struct {
	Store       EventStore
	ConnectMode bool
	Logger      *slog.Logger
}

func NewProcessor(store EventStore, connectMode bool, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{Store: store, ConnectMode: connectMode, Logger: logger}
}

// Process runs the event's business effects exactly once.
func (p *Processor) Process(ctx context.Context, ev *Event) (*Result, error) {
	var note string
	status, err := p.Store.RunEventOnce(ctx, ev.ID, ev.Type, func(ctx context.Context, ops ledger.EventOps) error {
		n, err := p.apply(ctx, ops, ev)
		if err != nil {
			return err
		}
		if n != "" {
			ops.NoteEvent(n)
			note = n
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if status == ledger.EventDuplicate {
		p.Logger.Info("duplicate webhook event", "event_id", ev.ID, "event_type", ev.Type)
		return &Result{Duplicate: true}, nil
	}
	p.Logger.Info("webhook event processed", "event_id", ev.ID, "event_type", ev.Type, "note", note)
	return &Result{Note: note}, nil
}

// apply dispatches by event type. The returned note is recorded on the
// event row when the event was acknowledged without its usual effect.
func (p *Processor) apply(ctx context.Context, ops ledger.EventOps, ev *Event) (string, error) {
	switch ev.Type {
	case EventCheckoutCompleted:
		return p.applyCheckoutCompleted(ctx, ops, ev.CheckoutCompleted)
	case EventPaymentCaptured:
		return p.applyPaymentCaptured(ctx, ops, ev.PaymentCaptured)
	case EventPaymentFailed:
		return p.applyPaymentFailed(ctx, ops, ev.PaymentFailed)
	case EventRefundIssued:
		return p.applyRefundIssued(ctx, ops, ev.RefundIssued)
	default:
		return "ignored event type " + ev.Type, nil
	}
}

func (p *Processor) applyCheckoutCompleted(ctx context.Context, ops ledger.EventOps, d *CheckoutCompletedData) (string, error) {
	if d.UserID == "" || d.AmountCents <= 0 {
		return "checkout event missing user or amount", nil
	}
	params := ledger.TopupParams{
		UserID:      d.UserID,
		AmountCents: d.AmountCents,
		Currency:    d.Currency,
		Description: d.Description,
		Metadata:    d.Metadata,
	}
	if d.PaymentRef != "" {
		ref := d.PaymentRef
		params.ExternalPaymentRef = &ref
	}
	if d.ChargeRef != "" {
		ref := d.ChargeRef
		params.ExternalChargeRef = &ref
	}
	inserted, err := ops.InsertTopup(ctx, params)
	if errors.Is(err, ledger.ErrCurrencyMismatch) {
		// Wrong-currency credits are never applied. The event is still
		// acknowledged; finance resolves it from the note.
		return fmt.Sprintf("topup currency %s does not match wallet; not credited", d.Currency), nil
	}
	if err != nil {
		return "", err
	}
	if !inserted {
		return "payment reference already credited", nil
	}
	return "", nil
}

func (p *Processor) applyPaymentCaptured(ctx context.Context, ops ledger.EventOps, d *PaymentCapturedData) (string, error) {
	if d.JobID == "" || d.AmountCents <= 0 {
		return "capture event missing job or amount", nil
	}
	params := ledger.ExternalChargeParams{
		UserID:              d.UserID,
		AmountCents:         d.AmountCents,
		Currency:            d.Currency,
		Description:         d.Description,
		JobID:               d.JobID,
		PricingSnapshot:     d.PricingSnapshot,
		ApplicationFeeCents: d.ApplicationFeeCents,
		ExternalPaymentRef:  d.PaymentRef,
	}
	if d.VendorAccountID != "" {
		vendorID := d.VendorAccountID
		params.VendorAccountID = &vendorID
	}
	if d.ChargeRef != "" {
		ref := d.ChargeRef
		params.ExternalChargeRef = &ref
	}
	inserted, err := ops.InsertExternalCharge(ctx, params)
	if err != nil {
		return "", err
	}
	if err := ops.SetJobPaymentStatus(ctx, d.JobID, models.PaymentStatusPending, models.PaymentStatusPaidDirect); err != nil {
		return "", err
	}
	if !inserted {
		return "payment reference already recorded", nil
	}
	if p.ConnectMode && d.VendorAccountID != "" {
		vendorShare := d.AmountCents - d.ApplicationFeeCents
		if err := ops.AccumulateVendorBalance(ctx, d.VendorAccountID, d.Currency, vendorShare); err != nil {
			return "", err
		}
	}
	return "", nil
}

func (p *Processor) applyPaymentFailed(ctx context.Context, ops ledger.EventOps, d *PaymentFailedData) (string, error) {
	if d.JobID == "" {
		return "payment failure with no job reference", nil
	}
	if err := ops.SetJobPaymentStatus(ctx, d.JobID, models.PaymentStatusPending, models.PaymentStatusFailedPayment); err != nil {
		return "", err
	}
	if d.Reason != "" {
		return "payment failed: " + d.Reason, nil
	}
	return "", nil
}

// applyRefundIssued records the processor's refund receipt. Job payment
// status is left alone: processor refunds are money-side facts, wallet
// refund state is owned by the settlement path.
func (p *Processor) applyRefundIssued(ctx context.Context, ops ledger.EventOps, d *RefundIssuedData) (string, error) {
	if d.RefundRef == "" || d.PaymentRef == "" {
		return "refund event missing references", nil
	}
	inserted, jobID, err := ops.InsertExternalRefund(ctx, ledger.ExternalRefundParams{
		ExternalRefundRef:  d.RefundRef,
		ExternalPaymentRef: d.PaymentRef,
		AmountCents:        d.AmountCents,
		Currency:           d.Currency,
		Description:        refundDescription(d),
	})
	if err != nil {
		return "", err
	}
	if !inserted {
		if jobID == nil {
			return "no charge found for refunded payment " + d.PaymentRef, nil
		}
		return "refund already recorded", nil
	}
	metrics.Refunds.WithLabelValues("processor").Inc()
	return "", nil
}

func refundDescription(d *RefundIssuedData) string {
	if d.Reason != "" {
		return "Processor refund: " + d.Reason
	}
	return "Processor refund"
}
