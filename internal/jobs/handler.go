package jobs

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/renderbill/backend/internal/ledger"
	"github.com/renderbill/backend/internal/middleware"
	"github.com/renderbill/backend/internal/models"
	"github.com/renderbill/backend/internal/payments"
	"github.com/renderbill/backend/internal/pricing"
)

// Handler serves the /api/v1/jobs endpoints.
type Handler struct {
	Service       Service
	CallbackToken string
	Logger        *slog.Logger
}

func NewHandler(svc Service, callbackToken string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{Service: svc, CallbackToken: callbackToken, Logger: logger}
}

// --- POST /api/v1/jobs ---

type createJobRequest struct {
	EngineID      string          `json:"engine_id"`
	DurationSec   int             `json:"duration_sec"`
	Resolution    string          `json:"resolution"`
	MemberTier    string          `json:"member_tier,omitempty"`
	Addons        map[string]bool `json:"addons,omitempty"`
	PaymentMethod string          `json:"payment_method"`
	PaymentRef    string          `json:"payment_ref,omitempty"`
}

func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	id := middleware.IdentityFromCtx(r.Context())
	if id == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.EngineID == "" {
		http.Error(w, `{"error":"engine_id is required"}`, http.StatusBadRequest)
		return
	}
	if req.PaymentMethod == "" {
		req.PaymentMethod = PaymentMethodWallet
	}

	job, err := h.Service.CreateJob(r.Context(), CreateJobParams{
		UserID:        id.UserID,
		EngineID:      req.EngineID,
		DurationSec:   req.DurationSec,
		Resolution:    req.Resolution,
		MemberTier:    req.MemberTier,
		Addons:        req.Addons,
		PaymentMethod: req.PaymentMethod,
		PaymentRef:    req.PaymentRef,
	})
	if err != nil {
		h.writeCreateError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (h *Handler) writeCreateError(w http.ResponseWriter, err error) {
	var insufficient *ledger.InsufficientFundsError
	var unknownEngine pricing.ErrUnknownEngine
	var badResolution pricing.ErrUnsupportedResolution
	switch {
	case errors.As(err, &unknownEngine):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown engine"})
	case errors.As(err, &badResolution):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unsupported resolution for engine"})
	case errors.Is(err, ErrInvalidPaymentMethod):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payment_method"})
	case errors.As(err, &insufficient):
		writeJSON(w, http.StatusPaymentRequired, map[string]any{
			"error":           "insufficient_funds",
			"balance_cents":   insufficient.BalanceCents,
			"shortfall_cents": insufficient.ShortfallCents,
		})
	case errors.Is(err, ledger.ErrCurrencyMismatch):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "currency_mismatch"})
	case errors.Is(err, payments.ErrVerificationFailed):
		writeJSON(w, http.StatusPaymentRequired, map[string]string{"error": err.Error()})
	default:
		h.Logger.Error("create job", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "job creation failed"})
	}
}

// --- GET /api/v1/jobs/{id} ---

func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	id := middleware.IdentityFromCtx(r.Context())
	if id == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	job, err := h.Service.GetJob(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, ErrJobNotFound) {
			http.Error(w, `{"error":"job not found"}`, http.StatusNotFound)
			return
		}
		h.Logger.Error("get job", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if id.Role != "admin" && (job.UserID == nil || *job.UserID != id.UserID) {
		// Existence of other users' jobs is not disclosed.
		http.Error(w, `{"error":"job not found"}`, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// --- GET /api/v1/jobs ---

func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	id := middleware.IdentityFromCtx(r.Context())
	if id == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	jobs, err := h.Service.ListByUser(r.Context(), id.UserID)
	if err != nil {
		h.Logger.Error("list jobs", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if jobs == nil {
		jobs = []*models.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

// --- POST /api/v1/jobs/{id}/provider-callback ---

type providerCallbackRequest struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// ProviderCallback receives engine status updates. Authenticated by the
// shared callback token, not user JWTs.
func (h *Handler) ProviderCallback(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get("X-Callback-Token")
	if h.CallbackToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(h.CallbackToken)) != 1 {
		http.Error(w, `{"error":"invalid callback token"}`, http.StatusUnauthorized)
		return
	}
	var req providerCallbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	jobID := r.PathValue("id")
	if err := h.Service.HandleProviderCallback(r.Context(), jobID, req.Status, req.Message); err != nil {
		switch {
		case errors.Is(err, ErrUnrecognizedProviderStatus):
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unrecognized status"})
		case errors.Is(err, ErrJobNotFound):
			http.Error(w, `{"error":"job not found"}`, http.StatusNotFound)
		default:
			h.Logger.Error("provider callback", "job_id", jobID, "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "callback processing failed"})
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
