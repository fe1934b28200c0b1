package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/renderbill/backend/internal/finalize"
	"github.com/renderbill/backend/internal/ledger"
	"github.com/renderbill/backend/internal/models"
	"github.com/renderbill/backend/internal/payments"
	"github.com/renderbill/backend/internal/pricing"
	"github.com/renderbill/backend/internal/vendor"
)

// --- fakes ---

type fakeJobStore struct {
	mu   sync.Mutex
	jobs map[string]*models.Job
}

func newFakeJobStore() *fakeJobStore {
	return &fakeJobStore{jobs: make(map[string]*models.Job)}
}

func (f *fakeJobStore) Create(ctx context.Context, j *models.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now().UTC()
	j.CreatedAt, j.UpdatedAt = now, now
	cp := *j
	f.jobs[j.JobID] = &cp
	return nil
}

func (f *fakeJobStore) GetByID(ctx context.Context, jobID string) (*models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	cp := *j
	return &cp, nil
}

func (f *fakeJobStore) ListByUser(ctx context.Context, userID string) ([]*models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Job
	for _, j := range f.jobs {
		if j.UserID != nil && *j.UserID == userID {
			cp := *j
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeJobStore) UpdateStatus(ctx context.Context, jobID, status, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	j.Status, j.Message = status, message
	return nil
}

func (f *fakeJobStore) AnnotateMessage(ctx context.Context, jobID, note string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	if j.Message == "" {
		j.Message = note
	} else {
		j.Message = j.Message + "; " + note
	}
	return nil
}

func (f *fakeJobStore) PaymentStatus(ctx context.Context, jobID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[jobID]
	if !ok {
		return "", ErrJobNotFound
	}
	return j.PaymentStatus, nil
}

func (f *fakeJobStore) SetPaymentStatus(ctx context.Context, jobID, from, to string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[jobID]
	if !ok {
		return false, nil
	}
	if from != "" && j.PaymentStatus != from {
		return false, nil
	}
	j.PaymentStatus = to
	return true, nil
}

func (f *fakeJobStore) SetExternalRefs(ctx context.Context, jobID string, paymentRef, chargeRef *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	if paymentRef != nil {
		j.ExternalPaymentRef = paymentRef
	}
	if chargeRef != nil {
		j.ExternalChargeRef = chargeRef
	}
	return nil
}

type fakeVerifier struct {
	payment *payments.Payment
	err     error
}

func (f *fakeVerifier) VerifyDirectPayment(ctx context.Context, paymentRef, jobID string, snap *pricing.Snapshot) (*payments.Payment, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.payment, nil
}

type testEnv struct {
	service *service
	repo    *fakeJobStore
	store   *ledger.MemoryStore
	vendors *vendor.Accumulator
	queued  []finalize.FinalizeJobArgs
}

func newTestEnv(t *testing.T, verifier PaymentVerifier) *testEnv {
	t.Helper()
	env := &testEnv{
		repo:  newFakeJobStore(),
		store: ledger.NewMemoryStore(),
	}
	env.vendors = vendor.NewAccumulator(env.store, true, nil)
	kernel := pricing.NewKernel(pricing.DefaultCatalog())
	enqueue := func(ctx context.Context, args finalize.FinalizeJobArgs) error {
		env.queued = append(env.queued, args)
		return nil
	}
	env.service = NewService(env.repo, kernel, env.store, env.store, verifier, env.vendors, enqueue, nil)
	return env
}

func credit(t *testing.T, store *ledger.MemoryStore, userID string, amount int64) {
	t.Helper()
	_, err := store.RunEventOnce(context.Background(), "seed-"+userID, "checkout.completed", func(ctx context.Context, ops ledger.EventOps) error {
		_, err := ops.InsertTopup(ctx, ledger.TopupParams{
			UserID: userID, AmountCents: amount, Currency: "usd", Description: "credit",
		})
		return err
	})
	if err != nil {
		t.Fatalf("credit: %v", err)
	}
}

// --- wallet payment ---

func TestCreateJobWalletPaid(t *testing.T) {
	env := newTestEnv(t, &fakeVerifier{})
	ctx := context.Background()
	credit(t, env.store, "u1", 10_000)

	job, err := env.service.CreateJob(ctx, CreateJobParams{
		UserID: "u1", EngineID: "veo3", DurationSec: 8, Resolution: "720p",
		PaymentMethod: PaymentMethodWallet,
	})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if job.PaymentStatus != models.PaymentStatusPaidWallet {
		t.Errorf("payment status = %q, want paid_wallet", job.PaymentStatus)
	}
	if len(job.PricingSnapshot) == 0 {
		t.Error("job has no pricing snapshot")
	}

	receipts, _ := env.store.ReceiptsForJob(ctx, job.JobID)
	if len(receipts) != 1 || receipts[0].Type != models.ReceiptTypeCharge {
		t.Fatalf("receipts = %+v, want one charge", receipts)
	}
	balance, _ := env.store.BalanceOf(ctx, "u1", "usd")
	if balance != 10_000-receipts[0].AmountCents {
		t.Errorf("balance = %d, want %d", balance, 10_000-receipts[0].AmountCents)
	}
}

func TestCreateJobWalletAccruesVendorShare(t *testing.T) {
	env := newTestEnv(t, &fakeVerifier{})
	ctx := context.Background()
	credit(t, env.store, "u1", 10_000)

	job, err := env.service.CreateJob(ctx, CreateJobParams{
		UserID: "u1", EngineID: "veo3", DurationSec: 8, Resolution: "720p",
		PaymentMethod: PaymentMethodWallet,
	})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if job.VendorAccountID == nil {
		t.Fatal("job has no vendor account")
	}
	pending, err := env.vendors.Pending(ctx, *job.VendorAccountID, "usd")
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if pending <= 0 {
		t.Errorf("vendor pending = %d, want > 0 after wallet charge", pending)
	}
}

func TestCreateJobInsufficientFunds(t *testing.T) {
	env := newTestEnv(t, &fakeVerifier{})
	ctx := context.Background()
	credit(t, env.store, "u1", 5)

	_, err := env.service.CreateJob(ctx, CreateJobParams{
		UserID: "u1", EngineID: "veo3", DurationSec: 8, Resolution: "720p",
		PaymentMethod: PaymentMethodWallet,
	})
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("err = %v, want ErrInsufficientFunds", err)
	}

	// The job row remains with failed_payment; no receipt was written.
	jobs, _ := env.repo.ListByUser(ctx, "u1")
	if len(jobs) != 1 {
		t.Fatalf("job count = %d, want 1", len(jobs))
	}
	if jobs[0].PaymentStatus != models.PaymentStatusFailedPayment {
		t.Errorf("payment status = %q, want failed_payment", jobs[0].PaymentStatus)
	}
	receipts, _ := env.store.ReceiptsForJob(ctx, jobs[0].JobID)
	if len(receipts) != 0 {
		t.Errorf("receipts = %d, want 0", len(receipts))
	}
}

func TestCreateJobUnknownEngine(t *testing.T) {
	env := newTestEnv(t, &fakeVerifier{})
	_, err := env.service.CreateJob(context.Background(), CreateJobParams{
		UserID: "u1", EngineID: "nope", DurationSec: 8, Resolution: "720p",
		PaymentMethod: PaymentMethodWallet,
	})
	var unknownEngine pricing.ErrUnknownEngine
	if !errors.As(err, &unknownEngine) {
		t.Fatalf("err = %v, want ErrUnknownEngine", err)
	}
}

// --- direct payment ---

func TestCreateJobDirectPaid(t *testing.T) {
	env := newTestEnv(t, &fakeVerifier{payment: &payments.Payment{
		ID: "pay_1", Status: "captured", ExternalChargeRef: "ch_1",
	}})

	job, err := env.service.CreateJob(context.Background(), CreateJobParams{
		UserID: "u1", EngineID: "veo3", DurationSec: 8, Resolution: "720p",
		PaymentMethod: PaymentMethodDirect, PaymentRef: "pay_1",
	})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if job.PaymentStatus != models.PaymentStatusPaidDirect {
		t.Errorf("payment status = %q, want paid_direct", job.PaymentStatus)
	}
	if job.ExternalPaymentRef == nil || *job.ExternalPaymentRef != "pay_1" {
		t.Error("payment ref not recorded on job")
	}
}

func TestCreateJobDirectVerificationFails(t *testing.T) {
	env := newTestEnv(t, &fakeVerifier{err: payments.ErrVerificationFailed})

	_, err := env.service.CreateJob(context.Background(), CreateJobParams{
		UserID: "u1", EngineID: "veo3", DurationSec: 8, Resolution: "720p",
		PaymentMethod: PaymentMethodDirect, PaymentRef: "pay_bad",
	})
	if !errors.Is(err, payments.ErrVerificationFailed) {
		t.Fatalf("err = %v, want ErrVerificationFailed", err)
	}
	jobs, _ := env.repo.ListByUser(context.Background(), "u1")
	if len(jobs) != 1 || jobs[0].PaymentStatus != models.PaymentStatusFailedPayment {
		t.Errorf("jobs = %+v, want one failed_payment job", jobs)
	}
}

// --- provider callbacks and settlement ---

func TestProviderCallbackQueuesTerminalStatuses(t *testing.T) {
	env := newTestEnv(t, &fakeVerifier{})
	ctx := context.Background()
	credit(t, env.store, "u1", 10_000)
	job, err := env.service.CreateJob(ctx, CreateJobParams{
		UserID: "u1", EngineID: "veo3", DurationSec: 8, Resolution: "720p",
		PaymentMethod: PaymentMethodWallet,
	})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	if err := env.service.HandleProviderCallback(ctx, job.JobID, "IN_PROGRESS", ""); err != nil {
		t.Fatalf("running callback: %v", err)
	}
	if len(env.queued) != 0 {
		t.Errorf("running status was queued")
	}
	got, _ := env.repo.GetByID(ctx, job.JobID)
	if got.Status != models.JobStatusRunning {
		t.Errorf("status = %q, want running", got.Status)
	}

	if err := env.service.HandleProviderCallback(ctx, job.JobID, "FINISHED", ""); err != nil {
		t.Fatalf("terminal callback: %v", err)
	}
	if len(env.queued) != 1 || env.queued[0].JobID != job.JobID {
		t.Fatalf("queued = %+v, want one finalize for %s", env.queued, job.JobID)
	}

	if err := env.service.HandleProviderCallback(ctx, job.JobID, "garbage", ""); !errors.Is(err, ErrUnrecognizedProviderStatus) {
		t.Fatalf("err = %v, want ErrUnrecognizedProviderStatus", err)
	}
}

func TestFailedJobRefundsWalletAndReversesVendor(t *testing.T) {
	env := newTestEnv(t, &fakeVerifier{})
	ctx := context.Background()
	credit(t, env.store, "u1", 10_000)
	job, err := env.service.CreateJob(ctx, CreateJobParams{
		UserID: "u1", EngineID: "veo3", DurationSec: 8, Resolution: "720p",
		PaymentMethod: PaymentMethodWallet,
	})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	if err := env.service.ApplyProviderStatus(ctx, job.JobID, "FAILED", "engine error"); err != nil {
		t.Fatalf("ApplyProviderStatus: %v", err)
	}

	got, _ := env.repo.GetByID(ctx, job.JobID)
	if got.Status != models.JobStatusFailed {
		t.Errorf("status = %q, want failed", got.Status)
	}
	if got.PaymentStatus != models.PaymentStatusRefundedWallet {
		t.Errorf("payment status = %q, want refunded_wallet", got.PaymentStatus)
	}
	balance, _ := env.store.BalanceOf(ctx, "u1", "usd")
	if balance != 10_000 {
		t.Errorf("balance = %d, want 10000 restored", balance)
	}
	pending, _ := env.vendors.Pending(ctx, *job.VendorAccountID, "usd")
	if pending != 0 {
		t.Errorf("vendor pending = %d, want 0 after reversal", pending)
	}
}

func TestFailedJobSettlementIsIdempotent(t *testing.T) {
	env := newTestEnv(t, &fakeVerifier{})
	ctx := context.Background()
	credit(t, env.store, "u1", 10_000)
	job, err := env.service.CreateJob(ctx, CreateJobParams{
		UserID: "u1", EngineID: "veo3", DurationSec: 8, Resolution: "720p",
		PaymentMethod: PaymentMethodWallet,
	})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	// River retries look like repeated settlement of the same terminal status.
	for i := 0; i < 3; i++ {
		if err := env.service.ApplyProviderStatus(ctx, job.JobID, "failed", "boom"); err != nil {
			t.Fatalf("settlement %d: %v", i, err)
		}
	}
	balance, _ := env.store.BalanceOf(ctx, "u1", "usd")
	if balance != 10_000 {
		t.Errorf("balance = %d, want 10000 (refunded once)", balance)
	}
	receipts, _ := env.store.ReceiptsForJob(ctx, job.JobID)
	var refunds int
	for _, r := range receipts {
		if r.Type == models.ReceiptTypeRefund {
			refunds++
		}
	}
	if refunds != 1 {
		t.Errorf("refund receipts = %d, want 1", refunds)
	}
}

func TestCompletedDirectJobIsNotRefunded(t *testing.T) {
	env := newTestEnv(t, &fakeVerifier{payment: &payments.Payment{ID: "pay_1", Status: "captured"}})
	ctx := context.Background()
	job, err := env.service.CreateJob(ctx, CreateJobParams{
		UserID: "u1", EngineID: "veo3", DurationSec: 8, Resolution: "720p",
		PaymentMethod: PaymentMethodDirect, PaymentRef: "pay_1",
	})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	if err := env.service.ApplyProviderStatus(ctx, job.JobID, "failed", "engine error"); err != nil {
		t.Fatalf("ApplyProviderStatus: %v", err)
	}
	got, _ := env.repo.GetByID(ctx, job.JobID)
	if got.PaymentStatus != models.PaymentStatusPaidDirect {
		t.Errorf("payment status = %q, want paid_direct untouched", got.PaymentStatus)
	}
}

// --- status normalization ---

func TestNormalizeProviderStatus(t *testing.T) {
	cases := map[string]string{
		"COMPLETED":   models.JobStatusCompleted,
		"Finished":    models.JobStatusCompleted,
		"success":     models.JobStatusCompleted,
		"FAILED":      models.JobStatusFailed,
		"canceled":    models.JobStatusFailed,
		"timeout":     models.JobStatusFailed,
		"IN_PROGRESS": models.JobStatusRunning,
		"queued":      models.JobStatusQueued,
		"paused":      models.JobStatusQueued,
		"aborted":     models.JobStatusFailed,
		"whatever":    "",
	}
	for raw, want := range cases {
		if got := NormalizeProviderStatus(raw); got != want {
			t.Errorf("NormalizeProviderStatus(%q) = %q, want %q", raw, got, want)
		}
	}
}

func TestCanTransitionPayment(t *testing.T) {
	legal := [][2]string{
		{models.PaymentStatusPending, models.PaymentStatusPaidWallet},
		{models.PaymentStatusPending, models.PaymentStatusPaidDirect},
		{models.PaymentStatusPending, models.PaymentStatusPlatform},
		{models.PaymentStatusPending, models.PaymentStatusFailedPayment},
		{models.PaymentStatusPaidWallet, models.PaymentStatusRefundedWallet},
	}
	for _, tc := range legal {
		if !CanTransitionPayment(tc[0], tc[1]) {
			t.Errorf("transition %s -> %s should be legal", tc[0], tc[1])
		}
	}
	illegal := [][2]string{
		{models.PaymentStatusPaidDirect, models.PaymentStatusRefundedWallet},
		{models.PaymentStatusPlatform, models.PaymentStatusRefundedWallet},
		{models.PaymentStatusRefundedWallet, models.PaymentStatusPaidWallet},
		{models.PaymentStatusFailedPayment, models.PaymentStatusPaidWallet},
	}
	for _, tc := range illegal {
		if CanTransitionPayment(tc[0], tc[1]) {
			t.Errorf("transition %s -> %s should be illegal", tc[0], tc[1])
		}
	}
}
