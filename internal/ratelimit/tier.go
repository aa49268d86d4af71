package ratelimit

// Tier holds optional RPM/TPM/RPD and concurrency caps for a provider/model
// pairing. A nil pointer field means that dimension is unconstrained.
type Tier struct {
	RPM           *int
	TPM           *uint64
	RPD           *int
	MaxConcurrent *int

	// ModelOverrides overlays model-specific caps onto the tier defaults.
	// Unknown models fall back to the tier's own fields.
	ModelOverrides map[string]ModelOverride
}

// ModelOverride carries per-model overrides for a Tier. Any nil field
// inherits the Tier's default for that dimension.
type ModelOverride struct {
	RPM           *int
	TPM           *uint64
	RPD           *int
	MaxConcurrent *int
}

// ForModel overlays a model-specific override onto the tier defaults,
// returning a resolved Tier for that model.
func (t Tier) ForModel(model string) Tier {
	resolved := Tier{RPM: t.RPM, TPM: t.TPM, RPD: t.RPD, MaxConcurrent: t.MaxConcurrent}
	override, ok := t.ModelOverrides[model]
	if !ok {
		return resolved
	}
	if override.RPM != nil {
		resolved.RPM = override.RPM
	}
	if override.TPM != nil {
		resolved.TPM = override.TPM
	}
	if override.RPD != nil {
		resolved.RPD = override.RPD
	}
	if override.MaxConcurrent != nil {
		resolved.MaxConcurrent = override.MaxConcurrent
	}
	return resolved
}

func intPtr(v int) *int       { return &v }
func u64Ptr(v uint64) *uint64 { return &v }

// NewTier is a small convenience constructor for tests and config mapping.
func NewTier(rpm, rpd, maxConcurrent int, tpm uint64) Tier {
	return Tier{
		RPM:           intPtr(rpm),
		TPM:           u64Ptr(tpm),
		RPD:           intPtr(rpd),
		MaxConcurrent: intPtr(maxConcurrent),
	}
}
