package jobs

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/renderbill/backend/internal/ledger"
	"github.com/renderbill/backend/internal/models"
)

// MemoryRepository is the in-memory job store used when the server runs
// without Postgres. Payment status lives in the shared ledger store so
// settlement recorded through event processing is visible here too.
type MemoryRepository struct {
	mu     sync.Mutex
	jobs   map[string]*models.Job
	ledger *ledger.MemoryStore
}

func NewMemoryRepository(store *ledger.MemoryStore) *MemoryRepository {
	return &MemoryRepository{
		jobs:   make(map[string]*models.Job),
		ledger: store,
	}
}

var _ JobStore = (*MemoryRepository)(nil)

func (r *MemoryRepository) Create(ctx context.Context, j *models.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UTC()
	j.CreatedAt = now
	j.UpdatedAt = now
	cp := *j
	r.jobs[j.JobID] = &cp
	r.ledger.SetJobPaymentStatusDirect(j.JobID, j.PaymentStatus)
	return nil
}

func (r *MemoryRepository) GetByID(ctx context.Context, jobID string) (*models.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	cp := *j
	cp.PaymentStatus = r.ledger.JobPaymentStatus(jobID)
	return &cp, nil
}

func (r *MemoryRepository) ListByUser(ctx context.Context, userID string) ([]*models.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Job
	for _, j := range r.jobs {
		if j.UserID != nil && *j.UserID == userID {
			cp := *j
			cp.PaymentStatus = r.ledger.JobPaymentStatus(j.JobID)
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, k int) bool {
		return out[i].CreatedAt.After(out[k].CreatedAt)
	})
	return out, nil
}

func (r *MemoryRepository) UpdateStatus(ctx context.Context, jobID, status, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	j.Status = status
	if message != "" {
		j.Message = message
	}
	j.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *MemoryRepository) PaymentStatus(ctx context.Context, jobID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[jobID]; !ok {
		return "", ErrJobNotFound
	}
	return r.ledger.JobPaymentStatus(jobID), nil
}

func (r *MemoryRepository) AnnotateMessage(ctx context.Context, jobID, note string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	if j.Message == "" {
		j.Message = note
	} else {
		j.Message = j.Message + "; " + note
	}
	j.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *MemoryRepository) SetPaymentStatus(ctx context.Context, jobID, from, to string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[jobID]; !ok {
		return false, ErrJobNotFound
	}
	return r.ledger.CompareAndSetJobPaymentStatus(jobID, from, to), nil
}

func (r *MemoryRepository) SetExternalRefs(ctx context.Context, jobID string, paymentRef, chargeRef *string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	if paymentRef != nil {
		v := *paymentRef
		j.ExternalPaymentRef = &v
	}
	if chargeRef != nil {
		v := *chargeRef
		j.ExternalChargeRef = &v
	}
	j.UpdatedAt = time.Now().UTC()
	return nil
}
