package wallet

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/renderbill/backend/internal/middleware"
	"github.com/renderbill/backend/internal/models"
)

// Handler serves the wallet read endpoints.
type Handler struct {
	Service *Service
	Logger  *slog.Logger
}

func NewHandler(svc *Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{Service: svc, Logger: logger}
}

// --- GET /api/v1/wallet ---

func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	id := middleware.IdentityFromCtx(r.Context())
	if id == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	summary, err := h.Service.Summary(r.Context(), id.UserID)
	if err != nil {
		h.Logger.Error("wallet summary", "user_id", id.UserID, "error", err)
		http.Error(w, `{"error":"wallet lookup failed"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// --- GET /api/v1/receipts ---

type receiptResponse struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	AmountCents int64           `json:"amount_cents"`
	SignedCents int64           `json:"signed_cents"`
	Currency    string          `json:"currency"`
	Description string          `json:"description,omitempty"`
	JobID       *string         `json:"job_id,omitempty"`
	Snapshot    json.RawMessage `json:"pricing_snapshot,omitempty"`
	CreatedAt   string          `json:"created_at"`
}

func (h *Handler) ListReceipts(w http.ResponseWriter, r *http.Request) {
	id := middleware.IdentityFromCtx(r.Context())
	if id == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	receipts, err := h.Service.Receipts(r.Context(), id.UserID)
	if err != nil {
		h.Logger.Error("list receipts", "user_id", id.UserID, "error", err)
		http.Error(w, `{"error":"receipt lookup failed"}`, http.StatusInternalServerError)
		return
	}
	out := make([]receiptResponse, 0, len(receipts))
	for _, rc := range receipts {
		out = append(out, toReceiptResponse(rc))
	}
	writeJSON(w, http.StatusOK, map[string]any{"receipts": out})
}

func toReceiptResponse(r models.Receipt) receiptResponse {
	return receiptResponse{
		ID:          r.ID.String(),
		Type:        r.Type,
		AmountCents: r.AmountCents,
		SignedCents: r.SignedAmountCents(),
		Currency:    r.Currency,
		Description: r.Description,
		JobID:       r.JobID,
		Snapshot:    r.PricingSnapshot,
		CreatedAt:   r.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
