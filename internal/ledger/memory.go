package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/renderbill/backend/internal/models"
)

// MemoryStore is a process-local LedgerStore with the same semantics as the
// Postgres store: append-only receipts, derived balances, at-most-once
// charges and refunds per job, and event-scoped mutations that either all
// apply or all roll back. One mutex stands in for the per-user advisory
// lock; that is stricter, never looser.
type MemoryStore struct {
	mu sync.Mutex

	receipts []models.Receipt
	events   map[string]*models.WebhookEventRecord
	jobs     map[string]string // job id -> payment status
	vendors  map[string]models.VendorBalance
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events:  make(map[string]*models.WebhookEventRecord),
		jobs:    make(map[string]string),
		vendors: make(map[string]models.VendorBalance),
	}
}

var _ LedgerStore = (*MemoryStore)(nil)

func (s *MemoryStore) Reserve(ctx context.Context, p ReserveParams) (*ReserveResult, error) {
	if p.AmountCents <= 0 {
		return nil, fmt.Errorf("reserve: amount must be positive, got %d", p.AmountCents)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if locked := s.walletCurrencyLocked(p.UserID); locked != "" && locked != p.Currency {
		return nil, ErrCurrencyMismatch
	}
	if existing := s.chargeForJobLocked(p.JobID); existing != nil {
		balance := s.balanceLocked(p.UserID, p.Currency)
		return &ReserveResult{
			Receipt:        *existing,
			BalanceCents:   balance + existing.AmountCents,
			RemainingCents: balance,
			AlreadyCharged: true,
		}, nil
	}

	balance := s.balanceLocked(p.UserID, p.Currency)
	if balance < p.AmountCents {
		return nil, &InsufficientFundsError{
			BalanceCents:   balance,
			ShortfallCents: p.AmountCents - balance,
		}
	}

	userID := p.UserID
	jobID := p.JobID
	receipt := models.Receipt{
		ID:              uuid.New(),
		UserID:          &userID,
		Type:            models.ReceiptTypeCharge,
		AmountCents:     p.AmountCents,
		Currency:        p.Currency,
		Description:     p.Description,
		JobID:           &jobID,
		PricingSnapshot: p.PricingSnapshot,
		VendorAccountID: p.VendorAccountID,
		CreatedAt:       time.Now().UTC(),
	}
	if p.ApplicationFeeCents != 0 {
		fee := p.ApplicationFeeCents
		receipt.ApplicationFeeCents = &fee
	}
	s.receipts = append(s.receipts, receipt)
	return &ReserveResult{
		Receipt:        receipt,
		BalanceCents:   balance,
		RemainingCents: balance - p.AmountCents,
	}, nil
}

func (s *MemoryStore) RefundWalletCharge(ctx context.Context, p RefundParams) (*models.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	charge := s.chargeForJobLocked(p.JobID)
	if charge == nil {
		return nil, ErrNoChargeForJob
	}
	if s.refundForJobLocked(p.JobID) != nil {
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
		CreatedAt:       time.Now().UTC(),
	}
	s.receipts = append(s.receipts, refund)
	return &refund, nil
}

func (s *MemoryStore) FindRefundableCharge(ctx context.Context, jobID string) (*models.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	charge := s.chargeForJobLocked(jobID)
	if charge == nil {
		return nil, ErrNoChargeForJob
	}
	if s.refundForJobLocked(jobID) != nil {
		return nil, ErrRefundExists
	}
	out := *charge
	return &out, nil
}

func (s *MemoryStore) BalanceOf(ctx context.Context, userID, currency string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balanceLocked(userID, currency), nil
}

func (s *MemoryStore) WalletCurrency(ctx context.Context, userID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.walletCurrencyLocked(userID), nil
}

func (s *MemoryStore) ListReceipts(ctx context.Context, userID string) ([]models.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Receipt
	for _, r := range s.receipts {
		if r.UserID != nil && *r.UserID == userID {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) ReceiptsForJob(ctx context.Context, jobID string) ([]models.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Receipt
	for _, r := range s.receipts {
		if r.JobID != nil && *r.JobID == jobID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *MemoryStore) RunEventOnce(ctx context.Context, eventID, eventType string, fn func(context.Context, EventOps) error) (EventStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, seen := s.events[eventID]; seen {
		return EventDuplicate, nil
	}
	s.events[eventID] = &models.WebhookEventRecord{
		EventID:    eventID,
		EventType:  eventType,
		ReceivedAt: time.Now().UTC(),
	}

	ops := &memEventOps{store: s}
	if err := fn(ctx, ops); err != nil {
		// Roll everything back, marker included, so a retry starts clean.
		delete(s.events, eventID)
		return 0, err
	}
	for _, r := range ops.receipts {
		s.receipts = append(s.receipts, r)
	}
	for _, v := range ops.vendorDeltas {
		s.accumulateVendorLocked(v.vendorAccountID, v.currency, v.deltaCents)
	}
	for _, j := range ops.jobUpdates {
		current := s.jobs[j.jobID]
		if j.from == "" || current == j.from {
			s.jobs[j.jobID] = j.to
		}
	}
	now := time.Now().UTC()
	rec := s.events[eventID]
	rec.ProcessedAt = &now
	rec.ProcessingNote = ops.note
	return EventProcessed, nil
}

func (s *MemoryStore) AccumulateVendorBalance(ctx context.Context, vendorAccountID, currency string, deltaCents int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accumulateVendorLocked(vendorAccountID, currency, deltaCents)
	return nil
}

func (s *MemoryStore) VendorBalance(ctx context.Context, vendorAccountID, currency string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.vendors[vendorAccountID+"/"+currency].PendingCents, nil
}

func (s *MemoryStore) ListVendorBalances(ctx context.Context) ([]models.VendorBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.VendorBalance, 0, len(s.vendors))
	for _, vb := range s.vendors {
		out = append(out, vb)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].VendorAccountID != out[j].VendorAccountID {
			return out[i].VendorAccountID < out[j].VendorAccountID
		}
		return out[i].Currency < out[j].Currency
	})
	return out, nil
}

// JobPaymentStatus reports the payment status recorded through event
// processing. Test helper; the jobs repository owns this column in the
// Postgres deployment.
func (s *MemoryStore) JobPaymentStatus(jobID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[jobID]
}

// SetJobPaymentStatusDirect seeds a job's payment status outside of event
// processing. Test helper.
func (s *MemoryStore) SetJobPaymentStatusDirect(jobID, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[jobID] = status
}

// CompareAndSetJobPaymentStatus flips a job's payment status only when the
// current status matches from. Reports whether the flip happened.
func (s *MemoryStore) CompareAndSetJobPaymentStatus(jobID, from, to string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.jobs[jobID] != from {
		return false
	}
	s.jobs[jobID] = to
	return true
}

// EventRecord returns a copy of the stored webhook event record, if any.
func (s *MemoryStore) EventRecord(eventID string) (models.WebhookEventRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.events[eventID]
	if !ok {
		return models.WebhookEventRecord{}, false
	}
	return *rec, true
}

// --- event ops (staged, applied on success) ---

type vendorDelta struct {
	vendorAccountID string
	currency        string
	deltaCents      int64
}

type jobUpdate struct {
	jobID string
	from  string
	to    string
}

type memEventOps struct {
	store        *MemoryStore
	receipts     []models.Receipt
	vendorDeltas []vendorDelta
	jobUpdates   []jobUpdate
	note         string
}

var _ EventOps = (*memEventOps)(nil)

func (o *memEventOps) NoteEvent(note string) { o.note = note }

func (o *memEventOps) InsertTopup(ctx context.Context, p TopupParams) (bool, error) {
	if p.AmountCents <= 0 {
		return false, fmt.Errorf("topup amount must be positive, got %d", p.AmountCents)
	}
	if locked := o.store.walletCurrencyLocked(p.UserID); locked != "" && locked != p.Currency {
		return false, ErrCurrencyMismatch
	}
	if p.ExternalPaymentRef != nil && o.refExistsLocked(func(r models.Receipt) *string { return r.ExternalPaymentRef }, *p.ExternalPaymentRef) {
		return false, nil
	}
	if p.ExternalChargeRef != nil && o.refExistsLocked(func(r models.Receipt) *string { return r.ExternalChargeRef }, *p.ExternalChargeRef) {
		return false, nil
	}
	userID := p.UserID
	o.receipts = append(o.receipts, models.Receipt{
		ID:                 uuid.New(),
		UserID:             &userID,
		Type:               models.ReceiptTypeTopup,
		AmountCents:        p.AmountCents,
		Currency:           p.Currency,
		Description:        p.Description,
		ExternalPaymentRef: p.ExternalPaymentRef,
		ExternalChargeRef:  p.ExternalChargeRef,
		Metadata:           p.Metadata,
		CreatedAt:          time.Now().UTC(),
	})
	return true, nil
}

func (o *memEventOps) InsertExternalCharge(ctx context.Context, p ExternalChargeParams) (bool, error) {
	if o.refExistsLocked(func(r models.Receipt) *string { return r.ExternalPaymentRef }, p.ExternalPaymentRef) {
		return false, nil
	}
	if o.store.chargeForJobLocked(p.JobID) != nil || o.stagedChargeForJob(p.JobID) {
		return false, nil
	}
	userID := p.UserID
	jobID := p.JobID
	paymentRef := p.ExternalPaymentRef
	receipt := models.Receipt{
		ID:                 uuid.New(),
		UserID:             &userID,
		Type:               models.ReceiptTypeCharge,
		AmountCents:        p.AmountCents,
		Currency:           p.Currency,
		Description:        p.Description,
		JobID:              &jobID,
		PricingSnapshot:    p.PricingSnapshot,
		VendorAccountID:    p.VendorAccountID,
		ExternalPaymentRef: &paymentRef,
		ExternalChargeRef:  p.ExternalChargeRef,
		CreatedAt:          time.Now().UTC(),
	}
	if p.ApplicationFeeCents != 0 {
		fee := p.ApplicationFeeCents
		receipt.ApplicationFeeCents = &fee
	}
	o.receipts = append(o.receipts, receipt)
	return true, nil
}

func (o *memEventOps) InsertExternalRefund(ctx context.Context, p ExternalRefundParams) (bool, *string, error) {
	var charge *models.Receipt
	for i := len(o.store.receipts) - 1; i >= 0; i-- {
		r := o.store.receipts[i]
		if r.Type == models.ReceiptTypeCharge && r.ExternalPaymentRef != nil && *r.ExternalPaymentRef == p.ExternalPaymentRef {
			charge = &r
			break
		}
	}
	if charge == nil {
		return false, nil, nil
	}
	if o.refExistsLocked(func(r models.Receipt) *string { return r.ExternalRefundRef }, p.ExternalRefundRef) {
		return false, charge.JobID, nil
	}
	if charge.JobID != nil && o.store.refundForJobLocked(*charge.JobID) != nil {
		return false, charge.JobID, nil
	}
	refundRef := p.ExternalRefundRef
	o.receipts = append(o.receipts, models.Receipt{
		ID:                uuid.New(),
		UserID:            charge.UserID,
		Type:              models.ReceiptTypeRefund,
		AmountCents:       p.AmountCents,
		Currency:          p.Currency,
		Description:       p.Description,
		JobID:             charge.JobID,
		PricingSnapshot:   charge.PricingSnapshot,
		VendorAccountID:   charge.VendorAccountID,
		ExternalRefundRef: &refundRef,
		CreatedAt:         time.Now().UTC(),
	})
	return true, charge.JobID, nil
}

func (o *memEventOps) AccumulateVendorBalance(ctx context.Context, vendorAccountID, currency string, deltaCents int64) error {
	if deltaCents == 0 {
		return nil
	}
	o.vendorDeltas = append(o.vendorDeltas, vendorDelta{vendorAccountID, currency, deltaCents})
	return nil
}

func (o *memEventOps) SetJobPaymentStatus(ctx context.Context, jobID, from, to string) error {
	o.jobUpdates = append(o.jobUpdates, jobUpdate{jobID, from, to})
	return nil
}

func (o *memEventOps) refExistsLocked(ref func(models.Receipt) *string, value string) bool {
	for _, r := range o.store.receipts {
		if v := ref(r); v != nil && *v == value {
			return true
		}
	}
	for _, r := range o.receipts {
		if v := ref(r); v != nil && *v == value {
			return true
		}
	}
	return false
}

func (o *memEventOps) stagedChargeForJob(jobID string) bool {
	for _, r := range o.receipts {
		if r.Type == models.ReceiptTypeCharge && r.JobID != nil && *r.JobID == jobID {
			return true
		}
	}
	return false
}

// --- locked helpers (caller holds s.mu) ---

func (s *MemoryStore) balanceLocked(userID, currency string) int64 {
	var sum int64
	for _, r := range s.receipts {
		if r.UserID != nil && *r.UserID == userID && r.Currency == currency {
			sum += r.SignedAmountCents()
		}
	}
	return sum
}

func (s *MemoryStore) walletCurrencyLocked(userID string) string {
	for _, r := range s.receipts {
		if r.UserID != nil && *r.UserID == userID {
			return r.Currency
		}
	}
	return ""
}

func (s *MemoryStore) chargeForJobLocked(jobID string) *models.Receipt {
	for i := len(s.receipts) - 1; i >= 0; i-- {
		r := s.receipts[i]
		if r.Type == models.ReceiptTypeCharge && r.JobID != nil && *r.JobID == jobID {
			return &r
		}
	}
	return nil
}

func (s *MemoryStore) refundForJobLocked(jobID string) *models.Receipt {
	for i := len(s.receipts) - 1; i >= 0; i-- {
		r := s.receipts[i]
		if r.Type == models.ReceiptTypeRefund && r.JobID != nil && *r.JobID == jobID {
			return &r
		}
	}
	return nil
}

func (s *MemoryStore) accumulateVendorLocked(vendorAccountID, currency string, deltaCents int64) {
	if deltaCents == 0 {
		return
	}
	key := vendorAccountID + "/" + currency
	vb := s.vendors[key]
	vb.VendorAccountID = vendorAccountID
	vb.Currency = currency
	vb.PendingCents += deltaCents
	vb.UpdatedAt = time.Now().UTC()
	s.vendors[key] = vb
}
