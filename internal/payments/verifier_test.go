package payments

import (
	"context"
	"errors"
	"testing"

	"github.com/renderbill/backend/internal/pricing"
)

type fakeClient struct {
	payments map[string]*Payment
}

func (f *fakeClient) GetPayment(ctx context.Context, paymentRef string) (*Payment, error) {
	p, ok := f.payments[paymentRef]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	cp := *p
	return &cp, nil
}

func testSnapshot() *pricing.Snapshot {
	return &pricing.Snapshot{
		Currency:        "usd",
		TotalCents:      749,
		VendorAccountID: "acct_vendor_1",
	}
}

func capturedPayment() *Payment {
	return &Payment{
		ID:              "pay_1",
		Status:          "captured",
		AmountCents:     749,
		Currency:        "usd",
		VendorAccountID: "acct_vendor_1",
		Metadata:        map[string]string{"job_id": "job_abc"},
	}
}

func newTestVerifier(connect bool, p *Payment) *Verifier {
	client := &fakeClient{payments: map[string]*Payment{}}
	if p != nil {
		client.payments[p.ID] = p
	}
	return NewVerifier(client, connect, nil)
}

// --- success ---

func TestVerifyDirectPayment(t *testing.T) {
	v := newTestVerifier(true, capturedPayment())
	p, err := v.VerifyDirectPayment(context.Background(), "pay_1", "job_abc", testSnapshot())
	if err != nil {
		t.Fatalf("VerifyDirectPayment: %v", err)
	}
	if p.ID != "pay_1" {
		t.Fatalf("payment ID = %q, want pay_1", p.ID)
	}
}

func TestVerifyAcceptsUnboundPayment(t *testing.T) {
	p := capturedPayment()
	delete(p.Metadata, "job_id")
	v := newTestVerifier(true, p)
	if _, err := v.VerifyDirectPayment(context.Background(), "pay_1", "job_abc", testSnapshot()); err != nil {
		t.Fatalf("VerifyDirectPayment: %v", err)
	}
}

// --- failures ---

func TestVerifyRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Payment)
	}{
		{"not captured", func(p *Payment) { p.Status = "pending" }},
		{"amount mismatch", func(p *Payment) { p.AmountCents = 748 }},
		{"currency mismatch", func(p *Payment) { p.Currency = "eur" }},
		{"bound to another job", func(p *Payment) { p.Metadata["job_id"] = "job_other" }},
		{"wrong vendor destination", func(p *Payment) { p.VendorAccountID = "acct_other" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := capturedPayment()
			tc.mutate(p)
			v := newTestVerifier(true, p)
			_, err := v.VerifyDirectPayment(context.Background(), "pay_1", "job_abc", testSnapshot())
			if !errors.Is(err, ErrVerificationFailed) {
				t.Fatalf("err = %v, want ErrVerificationFailed", err)
			}
		})
	}
}

func TestVerifyMissingReference(t *testing.T) {
	v := newTestVerifier(true, nil)
	_, err := v.VerifyDirectPayment(context.Background(), "", "job_abc", testSnapshot())
	if !errors.Is(err, ErrVerificationFailed) {
		t.Fatalf("err = %v, want ErrVerificationFailed", err)
	}
}

func TestVerifyUnknownReference(t *testing.T) {
	v := newTestVerifier(true, nil)
	_, err := v.VerifyDirectPayment(context.Background(), "pay_missing", "job_abc", testSnapshot())
	if !errors.Is(err, ErrVerificationFailed) {
		t.Fatalf("err = %v, want ErrVerificationFailed", err)
	}
}

func TestVerifyPlatformModeIgnoresVendorDestination(t *testing.T) {
	p := capturedPayment()
	p.VendorAccountID = ""
	v := newTestVerifier(false, p)
	if _, err := v.VerifyDirectPayment(context.Background(), "pay_1", "job_abc", testSnapshot()); err != nil {
		t.Fatalf("VerifyDirectPayment: %v", err)
	}
}

func TestVerifyCaseInsensitiveStatusAndCurrency(t *testing.T) {
	p := capturedPayment()
	p.Status = "Captured"
	p.Currency = "USD"
	v := newTestVerifier(true, p)
	if _, err := v.VerifyDirectPayment(context.Background(), "pay_1", "job_abc", testSnapshot()); err != nil {
		t.Fatalf("VerifyDirectPayment: %v", err)
	}
}
