package pricing

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
)

// EngineResponse is the public view of one catalog entry. Internal margin
// and vendor payout fields are not disclosed.
type EngineResponse struct {
	EngineID              string             `json:"engine_id"`
	Label                 string             `json:"label,omitempty"`
	Currency              string             `json:"currency"`
	BaseUnitPriceCents    int64              `json:"base_unit_price_cents"`
	DurationSteps         DurationSteps      `json:"duration_steps"`
	ResolutionMultipliers map[string]float64 `json:"resolution_multipliers"`
	MinChargeCents        int64              `json:"min_charge_cents,omitempty"`
	Addons                []string           `json:"addons,omitempty"`
}

type Handler struct {
	kernel *Kernel
	log    *slog.Logger
}

func NewHandler(kernel *Kernel, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{kernel: kernel, log: log}
}

// ListEngines returns the active catalog.
func (h *Handler) ListEngines(w http.ResponseWriter, r *http.Request) {
	defs := h.kernel.Definitions()
	resp := make([]EngineResponse, 0, len(defs))
	for _, d := range defs {
		resp = append(resp, engineToResponse(d))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

// QuotePreview prices a submission without creating a job. The returned
// snapshot is informational; the binding snapshot is frozen at job creation.
func (h *Handler) QuotePreview(w http.ResponseWriter, r *http.Request) {
	var input Input
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	snap, err := h.kernel.Quote(input)
	if err != nil {
		var unknownEngine ErrUnknownEngine
		var badResolution ErrUnsupportedResolution
		if errors.As(err, &unknownEngine) || errors.As(err, &badResolution) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.log.Error("quote preview failed", "engine_id", input.EngineID, "error", err)
		http.Error(w, "quote failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(snap)
}

func engineToResponse(d EngineDefinition) EngineResponse {
	var addons []string
	for name := range d.Addons {
		addons = append(addons, name)
	}
	sort.Strings(addons)
	return EngineResponse{
		EngineID:              d.EngineID,
		Label:                 d.Label,
		Currency:              d.Currency,
		BaseUnitPriceCents:    d.BaseUnitPriceCents,
		DurationSteps:         d.DurationSteps,
		ResolutionMultipliers: d.ResolutionMultipliers,
		MinChargeCents:        d.MinChargeCents,
		Addons:                addons,
	}
}
