package entitlement

// PlanConfig defines quota behaviour for one tier.
type PlanConfig struct {
	Plan       Plan
	Unlimited  bool
	CycleLimit int // metered calls per cycle; ignored when Unlimited
}

// Catalog is the authoritative per-tier limit table. Every code path that
// needs a limit reads it from here; there are no per-path fallback constants.
type Catalog map[Plan]PlanConfig

// DefaultCatalog builds the standard catalogue with the configured free-tier
// cycle limit. Gold and platinum are unlimited while the subscription is
// current; a lapsed subscription is metered at the free limit.
func DefaultCatalog(freeLimit int) Catalog {
	return Catalog{
		PlanFree:     {Plan: PlanFree, CycleLimit: freeLimit},
		PlanGold:     {Plan: PlanGold, Unlimited: true},
		PlanPlatinum: {Plan: PlanPlatinum, Unlimited: true},
	}
}

// LimitFor returns the cycle limit for a tier. Unknown tiers are metered at
// the free limit.
func (c Catalog) LimitFor(p Plan) int {
	cfg, ok := c[p]
	if !ok || cfg.Unlimited {
		cfg = c[PlanFree]
	}
	return cfg.CycleLimit
}

// UnlimitedPlan returns true if the tier bypasses metering entirely.
func (c Catalog) UnlimitedPlan(p Plan) bool {
	cfg, ok := c[p]
	return ok && cfg.Unlimited
}
