package pricing

// DefaultCatalog is the built-in rate card. Production deployments can load
// definitions from configuration instead; the kernel does not care where
// they come from.
func DefaultCatalog() []EngineDefinition {
	return []EngineDefinition{
		{
			EngineID:           "veo3",
			Label:              "Veo 3",
			Currency:           "usd",
			BaseUnitPriceCents: 50,
			DurationSteps:      DurationSteps{Min: 4, Max: 12, Step: 4, Default: 8},
			ResolutionMultipliers: map[string]float64{
				"720p":  1.0,
				"1080p": 1.5,
			},
			MemberTierDiscounts: map[MemberTier]float64{
				TierMember: 0,
				TierPlus:   0.05,
				TierPro:    0.10,
			},
			MinChargeCents: 100,
			Addons: map[string]AddonRule{
				"audio":     {PerSecondCents: 5},
				"upscale4k": {FlatCents: 150},
			},
			PlatformFeePct:  0.30,
			VendorAccountID: "acct_veo_vault",
		},
		{
			EngineID:           "kling2",
			Label:              "Kling 2.0",
			Currency:           "usd",
			BaseUnitPriceCents: 35,
			DurationSteps:      DurationSteps{Min: 5, Max: 10, Step: 5, Default: 5},
			ResolutionMultipliers: map[string]float64{
				"720p":    1.0,
				"1080p":   1.4,
				"default": 1.0,
			},
			MemberTierDiscounts: map[MemberTier]float64{
				TierMember: 0,
				TierPlus:   0.05,
				TierPro:    0.10,
			},
			Addons: map[string]AddonRule{
				"audio": {PerSecondCents: 4},
			},
			PlatformFeePct:  0.25,
			VendorAccountID: "acct_kling_vault",
		},
		{
			EngineID:           "sora2",
			Label:              "Sora 2",
			Currency:           "usd",
			BaseUnitPriceCents: 80,
			DurationSteps:      DurationSteps{Min: 4, Max: 20, Step: 4, Default: 8},
			ResolutionMultipliers: map[string]float64{
				"720p":  1.0,
				"1080p": 1.75,
			},
			MemberTierDiscounts: map[MemberTier]float64{
				TierMember: 0,
				TierPlus:   0.05,
				TierPro:    0.15,
			},
			MinChargeCents:       200,
			PlatformFeePct:       0.30,
			PlatformFeeFlatCents: 25,
			VendorAccountID:      "acct_sora_vault",
		},
	}
}
