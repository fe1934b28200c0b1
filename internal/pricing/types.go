package pricing

// MemberTier is the membership level applied to discounts.
type MemberTier string

const (
	TierMember MemberTier = "member"
	TierPlus   MemberTier = "plus"
	TierPro    MemberTier = "pro"
)

// DurationSteps bounds the billable duration for an engine.
type DurationSteps struct {
	Min     int `json:"min"`
	Max     int `json:"max"`
	Step    int `json:"step"`
	Default int `json:"default,omitempty"`
}

// AddonRule prices an optional add-on: per billable second, flat, or both.
type AddonRule struct {
	PerSecondCents int64 `json:"per_second_cents,omitempty"`
	FlatCents      int64 `json:"flat_cents,omitempty"`
}

// EngineDefinition is one catalog item: the rate card for a generation
// engine. Definitions are immutable once loaded.
type EngineDefinition struct {
	EngineID              string                 `json:"engine_id"`
	Label                 string                 `json:"label,omitempty"`
	Currency              string                 `json:"currency"`
	BaseUnitPriceCents    int64                  `json:"base_unit_price_cents"`
	DurationSteps         DurationSteps          `json:"duration_steps"`
	ResolutionMultipliers map[string]float64     `json:"resolution_multipliers"`
	MemberTierDiscounts   map[MemberTier]float64 `json:"member_tier_discounts"`
	MinChargeCents        int64                  `json:"min_charge_cents,omitempty"`
	Addons                map[string]AddonRule   `json:"addons,omitempty"`
	PlatformFeePct        float64                `json:"platform_fee_pct,omitempty"`
	PlatformFeeFlatCents  int64                  `json:"platform_fee_flat_cents,omitempty"`
	TaxPolicyHint         string                 `json:"tax_policy_hint,omitempty"`
	VendorAccountID       string                 `json:"vendor_account_id,omitempty"`
}

// Input is a pricing request for one job submission.
type Input struct {
	EngineID    string          `json:"engine_id"`
	DurationSec int             `json:"duration_sec"`
	Resolution  string          `json:"resolution"`
	MemberTier  MemberTier      `json:"member_tier,omitempty"`
	Addons      map[string]bool `json:"addons,omitempty"`
}

// BaseLine is the duration-metered base charge of a snapshot.
type BaseLine struct {
	Seconds     int     `json:"seconds"`
	RateCents   float64 `json:"rate_cents"`
	Unit        string  `json:"unit"`
	AmountCents int64   `json:"amount_cents"`
}

// AddonLine is one additive add-on charge.
type AddonLine struct {
	Type        string `json:"type"`
	AmountCents int64  `json:"amount_cents"`
}

// MarginLine is the platform margin applied on top of base and add-ons.
type MarginLine struct {
	AmountCents    int64   `json:"amount_cents"`
	PercentApplied float64 `json:"percent_applied,omitempty"`
	FlatCents      int64   `json:"flat_cents,omitempty"`
}

// DiscountLine is the membership tier discount. Zero-amount discounts are
// omitted from snapshots.
type DiscountLine struct {
	AmountCents    int64      `json:"amount_cents"`
	PercentApplied float64    `json:"percent_applied,omitempty"`
	Tier           MemberTier `json:"tier,omitempty"`
}

// TaxLine is one tax posting on the snapshot.
type TaxLine struct {
	Label       string `json:"label"`
	AmountCents int64  `json:"amount_cents"`
}

// Snapshot is the frozen price breakdown attached to a job at submission
// time and copied verbatim into every receipt referencing that job. It is
// never edited after creation; repricing means a new job.
type Snapshot struct {
	Currency                    string            `json:"currency"`
	TotalCents                  int64             `json:"total_cents"`
	SubtotalBeforeDiscountCents int64             `json:"subtotal_before_discount_cents"`
	Base                        BaseLine          `json:"base"`
	Addons                      []AddonLine       `json:"addons"`
	Margin                      MarginLine        `json:"margin"`
	Discount                    *DiscountLine     `json:"discount,omitempty"`
	Taxes                       []TaxLine         `json:"taxes,omitempty"`
	MembershipTier              MemberTier        `json:"membership_tier,omitempty"`
	PlatformFeeCents            int64             `json:"platform_fee_cents"`
	VendorShareCents            int64             `json:"vendor_share_cents"`
	VendorAccountID             string            `json:"vendor_account_id,omitempty"`
	Meta                        map[string]string `json:"meta,omitempty"`
}
