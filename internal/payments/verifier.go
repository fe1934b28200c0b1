package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/renderbill/backend/internal/pricing"
)

// Verification failures. All of them unwrap to ErrVerificationFailed so
// callers can treat "payment does not cover this job" uniformly.
var (
	ErrVerificationFailed = errors.New("direct payment verification failed")
	ErrPaymentNotFound    = errors.New("payment not found at processor")
)

type verificationError struct {
	reason string
}

func (e *verificationError) Error() string { return "direct payment verification failed: " + e.reason }
func (e *verificationError) Unwrap() error { return ErrVerificationFailed }

var capturedStatuses = map[string]struct{}{
	"captured": {}, "succeeded": {}, "paid": {}, "complete": {}, "completed": {},
}

// Verifier checks a claimed direct payment against the processor before a
// job is accepted as paid_direct. The client's claim is never trusted: the
// payment is re-fetched and compared to the quoted snapshot.
type Verifier struct {
	Client      ProcessorClient
	ConnectMode bool
	Logger      *slog.Logger
}

func NewVerifier(client ProcessorClient, connectMode bool, logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{Client: client, ConnectMode: connectMode, Logger: logger}
}

// VerifyDirectPayment confirms the referenced payment is captured and
// matches the snapshot's total, currency, job binding and (in connect mode)
// vendor destination. Returns the payment on success.
func (v *Verifier) VerifyDirectPayment(ctx context.Context, paymentRef, jobID string, snap *pricing.Snapshot) (*Payment, error) {
	if paymentRef == "" {
		return nil, &verificationError{reason: "missing payment reference"}
	}
	p, err := v.Client.GetPayment(ctx, paymentRef)
	if err != nil {
		if errors.Is(err, ErrPaymentNotFound) {
			return nil, &verificationError{reason: "payment reference not found"}
		}
		return nil, fmt.Errorf("verify direct payment: %w", err)
	}

	if _, ok := capturedStatuses[strings.ToLower(p.Status)]; !ok {
		return nil, &verificationError{reason: fmt.Sprintf("payment status %q is not captured", p.Status)}
	}
	if p.AmountCents != snap.TotalCents {
		return nil, &verificationError{reason: fmt.Sprintf("amount %d does not match quoted total %d", p.AmountCents, snap.TotalCents)}
	}
	if !strings.EqualFold(p.Currency, snap.Currency) {
		return nil, &verificationError{reason: fmt.Sprintf("currency %q does not match quote currency %q", p.Currency, snap.Currency)}
	}
	if bound := p.Metadata["job_id"]; bound != "" && bound != jobID {
		return nil, &verificationError{reason: "payment is bound to a different job"}
	}
	if v.ConnectMode && snap.VendorAccountID != "" {
		if p.VendorAccountID != snap.VendorAccountID {
			return nil, &verificationError{reason: "payment destination does not match engine vendor"}
		}
	}

	v.Logger.Info("direct payment verified",
		"payment_ref", paymentRef, "job_id", jobID, "amount_cents", p.AmountCents)
	return p, nil
}
