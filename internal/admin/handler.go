package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/renderbill/backend/internal/ledger"
	"github.com/renderbill/backend/internal/middleware"
	"github.com/renderbill/backend/internal/models"
)

// VendorBalanceLister serves the vendor balances admin view.
type VendorBalanceLister interface {
	List(ctx context.Context) ([]models.VendorBalance, error)
}

// LedgerReader serves the per-user receipts and balance admin views.
type LedgerReader interface {
	ListReceipts(ctx context.Context, userID string) ([]models.Receipt, error)
	BalanceOf(ctx context.Context, userID, currency string) (int64, error)
	WalletCurrency(ctx context.Context, userID string) (string, error)
}

// Handler serves the /api/v1/admin endpoints. Routes mount it behind
// middleware.Auth and middleware.RequireAdmin.
type Handler struct {
	Refunds *RefundService
	Vendors VendorBalanceLister
	Ledger  LedgerReader
	Logger  *slog.Logger
}

func NewHandler(refunds *RefundService, vendors VendorBalanceLister, reader LedgerReader, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{Refunds: refunds, Vendors: vendors, Ledger: reader, Logger: logger}
}

// --- POST /api/v1/admin/refunds ---

type manualRefundRequest struct {
	JobID     string `json:"job_id"`
	Note      string `json:"note,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

func (h *Handler) IssueRefund(w http.ResponseWriter, r *http.Request) {
	id := middleware.IdentityFromCtx(r.Context())
	if id == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	var req manualRefundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.JobID == "" {
		http.Error(w, `{"error":"job_id is required"}`, http.StatusBadRequest)
		return
	}

	refund, err := h.Refunds.IssueManualRefund(r.Context(), ManualRefundParams{
		JobID:     req.JobID,
		AdminID:   id.UserID,
		Note:      req.Note,
		RequestID: req.RequestID,
	})
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrNoChargeForJob):
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "no wallet charge for job"})
		case errors.Is(err, ledger.ErrRefundExists):
			writeJSON(w, http.StatusConflict, map[string]string{"error": "refund_already_exists"})
		case errors.Is(err, ErrJobNotRefundable):
			writeJSON(w, http.StatusConflict, map[string]string{"error": "job_not_refundable"})
		default:
			h.Logger.Error("manual refund", "job_id", req.JobID, "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "refund failed"})
		}
		return
	}
	writeJSON(w, http.StatusCreated, refund)
}

// --- GET /api/v1/admin/jobs/{id}/receipts ---

func (h *Handler) JobReceipts(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	receipts, err := h.Refunds.JobLedger(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, ledger.ErrNoChargeForJob) {
			http.Error(w, `{"error":"no receipts for job"}`, http.StatusNotFound)
			return
		}
		h.Logger.Error("job receipts", "job_id", jobID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"receipts": receipts})
}

// --- GET /api/v1/admin/users/{id}/receipts ---

func (h *Handler) UserReceipts(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("id")
	receipts, err := h.Ledger.ListReceipts(r.Context(), userID)
	if err != nil {
		h.Logger.Error("user receipts", "user_id", userID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if receipts == nil {
		receipts = []models.Receipt{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"receipts": receipts})
}

// --- GET /api/v1/admin/users/{id}/wallet ---

func (h *Handler) UserWallet(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("id")
	currency := r.URL.Query().Get("currency")
	if currency == "" {
		locked, err := h.Ledger.WalletCurrency(r.Context(), userID)
		if err != nil {
			h.Logger.Error("user wallet currency", "user_id", userID, "error", err)
			http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
			return
		}
		currency = locked
	}
	var balance int64
	if currency != "" {
		var err error
		balance, err = h.Ledger.BalanceOf(r.Context(), userID, currency)
		if err != nil {
			h.Logger.Error("user wallet balance", "user_id", userID, "error", err)
			http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":       userID,
		"currency":      currency,
		"balance_cents": balance,
	})
}

// --- GET /api/v1/admin/vendor-balances ---

func (h *Handler) ListVendorBalances(w http.ResponseWriter, r *http.Request) {
	rows, err := h.Vendors.List(r.Context())
	if err != nil {
		h.Logger.Error("list vendor balances", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if rows == nil {
		rows = []models.VendorBalance{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"vendor_balances": rows})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
