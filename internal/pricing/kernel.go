package pricing

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
)

// ErrUnknownEngine is returned when the requested engine is not in the catalog.
type ErrUnknownEngine struct{ EngineID string }

func (e ErrUnknownEngine) Error() string {
	return fmt.Sprintf("unknown engine %q", e.EngineID)
}

// ErrUnsupportedResolution is returned when the engine has no base rate for
// the requested resolution and no default multiplier. A missing rate is an
// error, never a zero charge.
type ErrUnsupportedResolution struct {
	EngineID   string
	Resolution string
}

func (e ErrUnsupportedResolution) Error() string {
	return fmt.Sprintf("unsupported resolution %q for engine %q", e.Resolution, e.EngineID)
}

// Kernel prices jobs from an immutable catalog of engine definitions.
// Quote is deterministic and side-effect-free.
type Kernel struct {
	byAlias map[string]*EngineDefinition
	primary []*EngineDefinition
}

var (
	camelBoundary = regexp.MustCompile(`([a-z0-9])([A-Z])`)
	digitBoundary = regexp.MustCompile(`([a-zA-Z])(\d+)`)
	dashRuns      = regexp.MustCompile(`-+`)
	wordSeps      = regexp.MustCompile(`[_\s]+`)
)

// NewKernel indexes the definitions under their engine IDs plus lowercase and
// kebab-case aliases, so legacy identifier spellings resolve to the same rate
// card. The first definition to claim an alias wins.
func NewKernel(definitions []EngineDefinition) *Kernel {
	k := &Kernel{byAlias: make(map[string]*EngineDefinition)}
	for i := range definitions {
		def := definitions[i]
		k.primary = append(k.primary, &def)
		for _, alias := range aliasVariants(def.EngineID) {
			if _, taken := k.byAlias[alias]; !taken {
				k.byAlias[alias] = &def
			}
		}
	}
	return k
}

func aliasVariants(engineID string) []string {
	seen := map[string]bool{}
	add := func(v string) {
		if v != "" {
			seen[v] = true
		}
	}
	add(engineID)
	add(strings.ToLower(engineID))
	kebab := camelBoundary.ReplaceAllString(engineID, "$1-$2")
	kebab = wordSeps.ReplaceAllString(kebab, "-")
	kebab = dashRuns.ReplaceAllString(kebab, "-")
	add(strings.ToLower(kebab))
	digits := digitBoundary.ReplaceAllString(engineID, "$1-$2")
	digits = wordSeps.ReplaceAllString(digits, "-")
	digits = dashRuns.ReplaceAllString(digits, "-")
	add(strings.ToLower(digits))
	out := make([]string, 0, len(seen))
	for v := range seen {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// Definitions returns the catalog in load order.
func (k *Kernel) Definitions() []EngineDefinition {
	out := make([]EngineDefinition, len(k.primary))
	for i, def := range k.primary {
		out[i] = *def
	}
	return out
}

// Definition resolves an engine by ID or alias.
func (k *Kernel) Definition(engineID string) (EngineDefinition, bool) {
	def, ok := k.byAlias[engineID]
	if !ok {
		return EngineDefinition{}, false
	}
	return *def, true
}

// Quote builds the frozen price breakdown for the input. Every line is
// rounded half-up to integer minor units as it is computed; the total is the
// exact sum of lines and is never rounded independently.
func (k *Kernel) Quote(input Input) (*Snapshot, error) {
	def, ok := k.byAlias[input.EngineID]
	if !ok {
		return nil, ErrUnknownEngine{EngineID: input.EngineID}
	}

	multiplier, ok := def.ResolutionMultipliers[input.Resolution]
	if !ok {
		multiplier, ok = def.ResolutionMultipliers["default"]
		if !ok {
			return nil, ErrUnsupportedResolution{EngineID: def.EngineID, Resolution: input.Resolution}
		}
	}

	tier := normalizeTier(input.MemberTier)
	duration := clampDuration(input.DurationSec, def.DurationSteps)
	rateCents := float64(def.BaseUnitPriceCents) * multiplier

	baseAmount := roundHalfUp(rateCents * float64(duration))
	if def.MinChargeCents > 0 && baseAmount < def.MinChargeCents {
		baseAmount = def.MinChargeCents
	}

	addonKeys := make([]string, 0, len(def.Addons))
	for key := range def.Addons {
		addonKeys = append(addonKeys, key)
	}
	sort.Strings(addonKeys)

	var addons []AddonLine
	var addonsTotal int64
	for _, key := range addonKeys {
		if !input.Addons[key] {
			continue
		}
		rule := def.Addons[key]
		amount := roundHalfUp(float64(rule.PerSecondCents)*float64(duration)) + rule.FlatCents
		if amount == 0 {
			continue
		}
		addons = append(addons, AddonLine{Type: key, AmountCents: amount})
		addonsTotal += amount
	}

	subtotalBeforeMargin := baseAmount + addonsTotal

	var marginFromPct int64
	if def.PlatformFeePct > 0 {
		marginFromPct = roundHalfUp(float64(subtotalBeforeMargin) * def.PlatformFeePct)
	}
	marginAmount := marginFromPct + def.PlatformFeeFlatCents
	if marginAmount < 0 {
		marginAmount = 0
	}
	subtotalBeforeDiscount := subtotalBeforeMargin + marginAmount

	discountPct := def.MemberTierDiscounts[tier]
	var discountAmount int64
	if discountPct > 0 {
		discountAmount = roundHalfUp(float64(subtotalBeforeDiscount) * discountPct)
	}

	total := subtotalBeforeDiscount - discountAmount

	// The tier discount eats into the platform margin first, never into the
	// vendor share.
	discountOnMargin := discountAmount
	if discountOnMargin > marginAmount {
		discountOnMargin = marginAmount
	}
	platformFee := marginAmount - discountOnMargin
	vendorShare := total - platformFee
	if vendorShare < 0 {
		vendorShare = 0
	}

	// Currency codes are lowercase everywhere: processor events arrive
	// lowercase and the ledger compares codes exactly.
	snap := &Snapshot{
		Currency:                    strings.ToLower(def.Currency),
		TotalCents:                  total,
		SubtotalBeforeDiscountCents: subtotalBeforeDiscount,
		Base: BaseLine{
			Seconds:     duration,
			RateCents:   rateCents,
			Unit:        "sec",
			AmountCents: baseAmount,
		},
		Addons: addons,
		Margin: MarginLine{
			AmountCents:    marginAmount,
			PercentApplied: def.PlatformFeePct,
			FlatCents:      def.PlatformFeeFlatCents,
		},
		MembershipTier:   tier,
		PlatformFeeCents: platformFee,
		VendorShareCents: vendorShare,
		VendorAccountID:  def.VendorAccountID,
		Meta: map[string]string{
			"engine_id": def.EngineID,
		},
	}
	if def.Label != "" {
		snap.Meta["engine_label"] = def.Label
	}
	if def.TaxPolicyHint != "" {
		snap.Meta["tax_policy_hint"] = def.TaxPolicyHint
	}
	if discountAmount > 0 {
		snap.Discount = &DiscountLine{
			AmountCents:    discountAmount,
			PercentApplied: discountPct,
			Tier:           tier,
		}
	}
	return snap, nil
}

func normalizeTier(tier MemberTier) MemberTier {
	switch tier {
	case TierPlus, TierPro:
		return tier
	default:
		return TierMember
	}
}

func clampDuration(durationSec int, steps DurationSteps) int {
	d := durationSec
	if d <= 0 {
		if steps.Default > 0 {
			d = steps.Default
		} else {
			d = steps.Min
		}
	}
	if steps.Min > 0 && d < steps.Min {
		d = steps.Min
	}
	if steps.Max > 0 && d > steps.Max {
		d = steps.Max
	}
	if steps.Step > 1 && steps.Min > 0 {
		// Snap down onto the engine's duration grid.
		d = steps.Min + ((d-steps.Min)/steps.Step)*steps.Step
	}
	return d
}

// roundHalfUp rounds to the nearest integer with .5 away from zero for
// non-negative inputs.
func roundHalfUp(v float64) int64 {
	return int64(math.Floor(v + 0.5))
}
