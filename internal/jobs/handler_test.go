package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/renderbill/backend/internal/ledger"
	"github.com/renderbill/backend/internal/middleware"
	"github.com/renderbill/backend/internal/models"
	"github.com/renderbill/backend/internal/pricing"
)

// stubService returns canned results so handler tests can exercise the
// error-to-response mapping without a full service behind it.
type stubService struct {
	job *models.Job
	err error
}

func (s *stubService) CreateJob(ctx context.Context, p CreateJobParams) (*models.Job, error) {
	return s.job, s.err
}

func (s *stubService) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	return s.job, s.err
}

func (s *stubService) ListByUser(ctx context.Context, userID string) ([]*models.Job, error) {
	return nil, s.err
}

func (s *stubService) HandleProviderCallback(ctx context.Context, jobID, providerStatus, message string) error {
	return s.err
}

func (s *stubService) ApplyProviderStatus(ctx context.Context, jobID, providerStatus, message string) error {
	return s.err
}

var _ Service = (*stubService)(nil)

func postCreateJob(t *testing.T, h *Handler) *httptest.ResponseRecorder {
	t.Helper()
	body := []byte(`{"engine_id": "veo3", "duration_sec": 8, "resolution": "720p"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", bytes.NewReader(body))
	req = req.WithContext(middleware.WithIdentity(req.Context(), &middleware.Identity{UserID: "u1"}))
	rec := httptest.NewRecorder()
	h.CreateJob(rec, req)
	return rec
}

// --- create error mapping ---

func TestCreateJobErrorResponses(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		status    int
		errorCode string
	}{
		{
			name:      "unknown engine",
			err:       pricing.ErrUnknownEngine{EngineID: "nope"},
			status:    http.StatusBadRequest,
			errorCode: "unknown engine",
		},
		{
			name:      "unsupported resolution",
			err:       pricing.ErrUnsupportedResolution{EngineID: "veo3", Resolution: "8K"},
			status:    http.StatusBadRequest,
			errorCode: "unsupported resolution for engine",
		},
		{
			name:      "invalid payment method",
			err:       ErrInvalidPaymentMethod,
			status:    http.StatusBadRequest,
			errorCode: "invalid payment_method",
		},
		{
			name:      "insufficient funds",
			err:       &ledger.InsufficientFundsError{BalanceCents: 100, ShortfallCents: 500},
			status:    http.StatusPaymentRequired,
			errorCode: "insufficient_funds",
		},
		{
			name:      "currency mismatch",
			err:       ledger.ErrCurrencyMismatch,
			status:    http.StatusConflict,
			errorCode: "currency_mismatch",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := NewHandler(&stubService{err: tc.err}, "", nil)
			rec := postCreateJob(t, h)
			if rec.Code != tc.status {
				t.Fatalf("status = %d, want %d", rec.Code, tc.status)
			}
			var resp map[string]any
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("decode response: %v", err)
			}
			if resp["error"] != tc.errorCode {
				t.Errorf("error = %q, want %q", resp["error"], tc.errorCode)
			}
		})
	}
}

func TestCreateJobInsufficientFundsBody(t *testing.T) {
	h := NewHandler(&stubService{err: &ledger.InsufficientFundsError{BalanceCents: 100, ShortfallCents: 500}}, "", nil)
	rec := postCreateJob(t, h)
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", rec.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["balance_cents"] != float64(100) || resp["shortfall_cents"] != float64(500) {
		t.Errorf("body = %v, want balance_cents 100 and shortfall_cents 500", resp)
	}
}

func TestCreateJobRequiresAuth(t *testing.T) {
	h := NewHandler(&stubService{}, "", nil)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", bytes.NewReader([]byte(`{"engine_id":"veo3"}`)))
	rec := httptest.NewRecorder()
	h.CreateJob(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}
