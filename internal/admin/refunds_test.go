package admin

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/renderbill/backend/internal/ledger"
	"github.com/renderbill/backend/internal/models"
	"github.com/renderbill/backend/internal/vendor"
)

type fakeJobStatuses struct {
	mu       sync.Mutex
	statuses map[string]string
	messages map[string]string
}

func newFakeJobStatuses() *fakeJobStatuses {
	return &fakeJobStatuses{statuses: make(map[string]string), messages: make(map[string]string)}
}

func (f *fakeJobStatuses) PaymentStatus(ctx context.Context, jobID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statuses[jobID], nil
}

func (f *fakeJobStatuses) SetPaymentStatus(ctx context.Context, jobID, from, to string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if from != "" && f.statuses[jobID] != from {
		return false, nil
	}
	f.statuses[jobID] = to
	return true, nil
}

func (f *fakeJobStatuses) AnnotateMessage(ctx context.Context, jobID, note string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.messages[jobID] == "" {
		f.messages[jobID] = note
	} else {
		f.messages[jobID] += "; " + note
	}
	return nil
}

func (f *fakeJobStatuses) get(jobID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statuses[jobID]
}

func (f *fakeJobStatuses) message(jobID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.messages[jobID]
}

func setup(t *testing.T) (*RefundService, *ledger.MemoryStore, *fakeJobStatuses) {
	t.Helper()
	store := ledger.NewMemoryStore()
	jobs := newFakeJobStatuses()
	vendors := vendor.NewAccumulator(store, true, nil)
	return NewRefundService(store, jobs, vendors, nil), store, jobs
}

func chargeJob(t *testing.T, store *ledger.MemoryStore, jobs *fakeJobStatuses, jobID string, amount int64) {
	t.Helper()
	ctx := context.Background()
	_, err := store.RunEventOnce(ctx, "seed-"+jobID, "checkout.completed", func(ctx context.Context, ops ledger.EventOps) error {
		_, err := ops.InsertTopup(ctx, ledger.TopupParams{UserID: "u1", AmountCents: amount * 2, Currency: "usd"})
		return err
	})
	if err != nil {
		t.Fatalf("seed topup: %v", err)
	}
	if _, err := store.Reserve(ctx, ledger.ReserveParams{
		UserID: "u1", AmountCents: amount, Currency: "usd", JobID: jobID, Description: "veo3 8s 720p",
	}); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if _, err := jobs.SetPaymentStatus(ctx, jobID, "", models.PaymentStatusPaidWallet); err != nil {
		t.Fatalf("seed status: %v", err)
	}
}

func TestManualRefundIssuesOnce(t *testing.T) {
	svc, store, jobs := setup(t)
	ctx := context.Background()
	chargeJob(t, store, jobs, "job-1", 600)

	refund, err := svc.IssueManualRefund(ctx, ManualRefundParams{
		JobID: "job-1", AdminID: "admin-1", Note: "customer complaint",
	})
	if err != nil {
		t.Fatalf("IssueManualRefund: %v", err)
	}
	if refund.AmountCents != 600 {
		t.Errorf("refund amount = %d, want 600", refund.AmountCents)
	}
	if jobs.get("job-1") != models.PaymentStatusRefundedWallet {
		t.Errorf("payment status = %q, want refunded_wallet", jobs.get("job-1"))
	}
	if jobs.message("job-1") != "Refunded by operator admin-1: customer complaint" {
		t.Errorf("job message = %q, want the operator note", jobs.message("job-1"))
	}

	var audit map[string]any
	if err := json.Unmarshal(refund.Metadata, &audit); err != nil {
		t.Fatalf("decode audit metadata: %v", err)
	}
	if audit["manual"] != true || audit["admin_id"] != "admin-1" {
		t.Errorf("audit = %v, want manual refund by admin-1", audit)
	}

	// Repeated request: the invariant is enforced by the ledger, not the caller.
	_, err = svc.IssueManualRefund(ctx, ManualRefundParams{JobID: "job-1", AdminID: "admin-2"})
	if !errors.Is(err, ledger.ErrRefundExists) {
		t.Fatalf("second refund err = %v, want ErrRefundExists", err)
	}

	balance, _ := store.BalanceOf(ctx, "u1", "usd")
	if balance != 1200 {
		t.Errorf("balance = %d, want 1200 (refunded once)", balance)
	}
}

func TestManualRefundNoCharge(t *testing.T) {
	svc, _, _ := setup(t)
	_, err := svc.IssueManualRefund(context.Background(), ManualRefundParams{JobID: "ghost", AdminID: "admin-1"})
	if !errors.Is(err, ledger.ErrNoChargeForJob) {
		t.Fatalf("err = %v, want ErrNoChargeForJob", err)
	}
}

func TestManualRefundRequiresWalletSettlement(t *testing.T) {
	svc, store, jobs := setup(t)
	ctx := context.Background()
	chargeJob(t, store, jobs, "job-1", 600)

	// The job drifted out of the wallet-settled state after the charge.
	if _, err := jobs.SetPaymentStatus(ctx, "job-1", "", models.PaymentStatusPaidDirect); err != nil {
		t.Fatalf("seed status: %v", err)
	}

	_, err := svc.IssueManualRefund(ctx, ManualRefundParams{JobID: "job-1", AdminID: "admin-1"})
	if !errors.Is(err, ErrJobNotRefundable) {
		t.Fatalf("err = %v, want ErrJobNotRefundable", err)
	}

	balance, _ := store.BalanceOf(ctx, "u1", "usd")
	if balance != 600 {
		t.Errorf("balance = %d, want 600 (no refund issued)", balance)
	}
	if jobs.message("job-1") != "" {
		t.Errorf("job message = %q, want empty", jobs.message("job-1"))
	}
}

func TestManualRefundAfterAutomaticRefundConflicts(t *testing.T) {
	svc, store, jobs := setup(t)
	ctx := context.Background()
	chargeJob(t, store, jobs, "job-1", 600)

	// Automatic settlement already refunded the job.
	if _, err := store.RefundWalletCharge(ctx, ledger.RefundParams{JobID: "job-1"}); err != nil {
		t.Fatalf("automatic refund: %v", err)
	}

	_, err := svc.IssueManualRefund(ctx, ManualRefundParams{JobID: "job-1", AdminID: "admin-1"})
	if !errors.Is(err, ledger.ErrRefundExists) {
		t.Fatalf("err = %v, want ErrRefundExists", err)
	}
}

func TestJobLedger(t *testing.T) {
	svc, store, jobs := setup(t)
	ctx := context.Background()
	chargeJob(t, store, jobs, "job-1", 600)

	receipts, err := svc.JobLedger(ctx, "job-1")
	if err != nil {
		t.Fatalf("JobLedger: %v", err)
	}
	if len(receipts) != 1 {
		t.Errorf("receipts = %d, want 1", len(receipts))
	}
	if _, err := svc.JobLedger(ctx, "ghost"); !errors.Is(err, ledger.ErrNoChargeForJob) {
		t.Fatalf("err = %v, want ErrNoChargeForJob", err)
	}
}
