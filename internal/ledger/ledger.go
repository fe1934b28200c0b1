package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/renderbill/backend/internal/models"
)

// ErrInsufficientFunds is returned when the wallet balance does not cover a
// reservation. The concrete error carries the observed balance and shortfall.
var ErrInsufficientFunds = errors.New("insufficient funds")

// ErrCurrencyMismatch is returned when an operation targets a wallet locked
// to a different currency.
var ErrCurrencyMismatch = errors.New("wallet currency mismatch")

// ErrRefundExists is returned when a refund receipt already exists for the
// job; the at-most-once-refund invariant holds from every code path.
var ErrRefundExists = errors.New("refund already exists for job")

// ErrNoChargeForJob is returned when a refund is requested for a job that
// has no wallet charge receipt.
var ErrNoChargeForJob = errors.New("no wallet charge found for job")

// InsufficientFundsError carries the balance observed inside the reservation
// transaction and the shortfall the caller would need to top up.
type InsufficientFundsError struct {
	BalanceCents   int64
	ShortfallCents int64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: balance %d, short %d", e.BalanceCents, e.ShortfallCents)
}

func (e *InsufficientFundsError) Unwrap() error { return ErrInsufficientFunds }

// ReserveParams describes an atomic check-and-debit against a user's wallet.
type ReserveParams struct {
	UserID              string
	AmountCents         int64
	Currency            string
	JobID               string
	Description         string
	PricingSnapshot     json.RawMessage
	ApplicationFeeCents int64
	VendorAccountID     *string
}

// ReserveResult reports a committed reservation. BalanceCents is the balance
// observed before the charge; RemainingCents is what is left after it.
type ReserveResult struct {
	Receipt        models.Receipt
	BalanceCents   int64
	RemainingCents int64
	// AlreadyCharged is set when the job had been charged by an earlier
	// call; the existing receipt is returned and nothing is written.
	AlreadyCharged bool
}

// RefundParams describes a wallet refund for a job's original charge. The
// store copies amount, currency, snapshot and vendor account from the charge
// receipt so the refund always mirrors what was taken.
type RefundParams struct {
	JobID       string
	Description string
	Metadata    json.RawMessage
}

// TopupParams describes a wallet credit driven by a processor event.
type TopupParams struct {
	UserID             string
	AmountCents        int64
	Currency           string
	Description        string
	ExternalPaymentRef *string
	ExternalChargeRef  *string
	Metadata           json.RawMessage
}

// ExternalChargeParams describes a charge receipt for a direct (processor
// side) payment, keyed by the processor payment reference.
type ExternalChargeParams struct {
	UserID              string
	AmountCents         int64
	Currency            string
	Description         string
	JobID               string
	PricingSnapshot     json.RawMessage
	ApplicationFeeCents int64
	VendorAccountID     *string
	ExternalPaymentRef  string
	ExternalChargeRef   *string
}

// ExternalRefundParams describes a processor-issued refund notification.
// User, job and snapshot are resolved from the original charge receipt.
type ExternalRefundParams struct {
	ExternalRefundRef  string
	ExternalPaymentRef string
	AmountCents        int64
	Currency           string
	Description        string
}

// EventStatus is the outcome of RunEventOnce.
type EventStatus int

const (
	// EventProcessed means the handler ran and its effects committed.
	EventProcessed EventStatus = iota
	// EventDuplicate means the event id was already recorded; the handler
	// did not run and the delivery should be acknowledged as a no-op.
	EventDuplicate
)

// EventOps is the transaction-scoped surface a webhook handler may use.
// Every mutation joins the same transaction as the dedup marker, so a
// handler failure rolls everything back and redelivery retries from scratch.
type EventOps interface {
	// InsertTopup appends a topup receipt. Returns false without writing
	// when the external reference was already recorded.
	InsertTopup(ctx context.Context, p TopupParams) (bool, error)
	// InsertExternalCharge appends a charge receipt for a direct payment.
	// Returns false without writing when the payment reference or the
	// job's charge already exists.
	InsertExternalCharge(ctx context.Context, p ExternalChargeParams) (bool, error)
	// InsertExternalRefund appends a refund receipt for a processor
	// refund. Returns the job id of the original charge when one exists.
	InsertExternalRefund(ctx context.Context, p ExternalRefundParams) (bool, *string, error)
	// AccumulateVendorBalance atomically increments a vendor's pending
	// balance. Zero deltas are dropped without a write.
	AccumulateVendorBalance(ctx context.Context, vendorAccountID, currency string, deltaCents int64) error
	// SetJobPaymentStatus moves a job's payment status. When from is
	// non-empty the update only applies if the job is currently in that
	// status; a no-match is not an error (idempotent redelivery).
	SetJobPaymentStatus(ctx context.Context, jobID, from, to string) error
	// NoteEvent attaches a processing note to the event record, e.g. why
	// a recognized event was deliberately not credited.
	NoteEvent(note string)
}

// LedgerStore is the transactional boundary for every money movement. Two
// implementations exist: the durable Postgres store and an in-memory store
// for tests and explicitly configured degraded mode. The selection happens
// once at process start; callers never fall back between them silently.
type LedgerStore interface {
	// Reserve atomically verifies the wallet balance covers the amount
	// and appends the charge receipt, or fails without writing. Two
	// concurrent reservations against one wallet are serialized: at most
	// one succeeds when their combined amounts exceed the balance.
	Reserve(ctx context.Context, p ReserveParams) (*ReserveResult, error)

	// RefundWalletCharge appends exactly one refund receipt mirroring the
	// job's wallet charge. The existence check and the insert share one
	// transaction; duplicates fail with ErrRefundExists.
	RefundWalletCharge(ctx context.Context, p RefundParams) (*models.Receipt, error)

	// FindRefundableCharge returns the latest charge receipt for the job
	// that has no refund yet.
	FindRefundableCharge(ctx context.Context, jobID string) (*models.Receipt, error)

	// BalanceOf recomputes the wallet balance from receipt history. No
	// cached field is ever the source of truth.
	BalanceOf(ctx context.Context, userID, currency string) (int64, error)

	// WalletCurrency returns the currency the wallet was locked to by its
	// first receipt, or "" when the wallet has no history.
	WalletCurrency(ctx context.Context, userID string) (string, error)

	ListReceipts(ctx context.Context, userID string) ([]models.Receipt, error)
	ReceiptsForJob(ctx context.Context, jobID string) ([]models.Receipt, error)

	// RunEventOnce records the webhook event id and runs fn inside the
	// same transaction. A conflicting event id short-circuits with
	// EventDuplicate; a failing fn rolls the marker back so the
	// processor's redelivery retries later.
	RunEventOnce(ctx context.Context, eventID, eventType string, fn func(context.Context, EventOps) error) (EventStatus, error)

	AccumulateVendorBalance(ctx context.Context, vendorAccountID, currency string, deltaCents int64) error
	VendorBalance(ctx context.Context, vendorAccountID, currency string) (int64, error)
	ListVendorBalances(ctx context.Context) ([]models.VendorBalance, error)
}
