package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/renderbill/backend/internal/metrics"
)

const maxBodyBytes = 1 << 20

// Handler serves POST /api/v1/payments/webhook.
type Handler struct {
	Processor *Processor
	Secret    string
	Logger    *slog.Logger
}

func NewHandler(processor *Processor, secret string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{Processor: processor, Secret: secret, Logger: logger}
}

// HandleWebhook verifies the signature, parses the event and processes it
// exactly once. Anything acknowledged with 2xx will not be redelivered, so
// only transient processing failures return 5xx.
func (h *Handler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, `{"error":"unreadable body"}`, http.StatusBadRequest)
		return
	}
	if !h.verifySignature(body, r.Header.Get("X-Signature")) {
		http.Error(w, `{"error":"invalid signature"}`, http.StatusUnauthorized)
		return
	}

	ev, err := ParseEvent(body)
	if err != nil {
		if errors.Is(err, ErrMalformedEvent) {
			http.Error(w, `{"error":"malformed event"}`, http.StatusBadRequest)
			return
		}
		h.Logger.Error("parse webhook", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	result, err := h.Processor.Process(r.Context(), ev)
	if err != nil {
		metrics.WebhookEvents.WithLabelValues(ev.Type, "failed").Inc()
		h.Logger.Error("process webhook", "event_id", ev.ID, "event_type", ev.Type, "error", err)
		// 5xx so the processor redelivers; the rolled-back marker makes
		// the retry a fresh attempt.
		http.Error(w, `{"error":"event processing failed"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if result.Duplicate {
		metrics.WebhookEvents.WithLabelValues(ev.Type, "duplicate").Inc()
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "duplicate"})
		return
	}
	metrics.WebhookEvents.WithLabelValues(ev.Type, "processed").Inc()
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (h *Handler) verifySignature(body []byte, signature string) bool {
	if h.Secret == "" || signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(h.Secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// Sign computes the hex HMAC-SHA256 signature for a body. Used by tests and
// local tooling to produce valid deliveries.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
