package entitlement

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEffectivePlan(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(24 * time.Hour)

	tests := []struct {
		name string
		ent  UserEntitlement
		want Plan
	}{
		{"free user", UserEntitlement{Plan: PlanFree}, PlanFree},
		{"empty plan normalises to free", UserEntitlement{Plan: ""}, PlanFree},
		{"active gold", UserEntitlement{Plan: PlanGold, SubscriptionEnd: &future}, PlanGold},
		{"lapsed gold degrades", UserEntitlement{Plan: PlanGold, SubscriptionEnd: &past}, PlanFree},
		{"lapsed platinum degrades", UserEntitlement{Plan: PlanPlatinum, SubscriptionEnd: &past}, PlanFree},
		{"gold without end date stays gold", UserEntitlement{Plan: PlanGold}, PlanGold},
		{"free with stale end date stays free", UserEntitlement{Plan: PlanFree, SubscriptionEnd: &past}, PlanFree},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.ent.EffectivePlan(now))
		})
	}
}

func TestUnlimited(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)

	assert.False(t, (&UserEntitlement{Plan: PlanFree}).Unlimited(now))
	assert.True(t, (&UserEntitlement{Plan: PlanGold}).Unlimited(now))
	assert.True(t, (&UserEntitlement{Plan: PlanPlatinum}).Unlimited(now))

	// Lapsed paid plan meters like free.
	assert.False(t, (&UserEntitlement{Plan: PlanGold, SubscriptionEnd: &past}).Unlimited(now))

	// Grandfathered wins over everything, including a lapsed subscription.
	assert.True(t, (&UserEntitlement{Plan: PlanFree, Grandfathered: true}).Unlimited(now))
	assert.True(t, (&UserEntitlement{Plan: PlanGold, Grandfathered: true, SubscriptionEnd: &past}).Unlimited(now))
}

func TestCycleElapsed(t *testing.T) {
	cycle := 30 * 24 * time.Hour
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	u := &UserEntitlement{APICycleStart: start}

	assert.False(t, u.CycleElapsed(start.Add(cycle-time.Second), cycle))
	assert.True(t, u.CycleElapsed(start.Add(cycle), cycle))
	assert.True(t, u.CycleElapsed(start.Add(45*24*time.Hour), cycle))
}

func TestClone_Independent(t *testing.T) {
	end := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	orig := &UserEntitlement{ID: "u1", Plan: PlanGold, SubscriptionEnd: &end}

	cp := orig.Clone()
	*cp.SubscriptionEnd = end.Add(time.Hour)
	cp.Plan = PlanFree

	assert.Equal(t, PlanGold, orig.Plan)
	assert.Equal(t, end, *orig.SubscriptionEnd)
}

func TestValidPlan(t *testing.T) {
	assert.True(t, ValidPlan(PlanFree))
	assert.True(t, ValidPlan(PlanGold))
	assert.True(t, ValidPlan(PlanPlatinum))
	assert.False(t, ValidPlan("diamond"))
	assert.False(t, ValidPlan(""))
}

func TestCatalogLimits(t *testing.T) {
	cat := DefaultCatalog(250)

	assert.Equal(t, 250, cat.LimitFor(PlanFree))
	// Paid tiers never reach LimitFor on the happy path; when they do (lapsed),
	// they meter at the free limit.
	assert.Equal(t, 250, cat.LimitFor(PlanGold))
	assert.Equal(t, 250, cat.LimitFor("unknown"))

	assert.True(t, cat.UnlimitedPlan(PlanGold))
	assert.True(t, cat.UnlimitedPlan(PlanPlatinum))
	assert.False(t, cat.UnlimitedPlan(PlanFree))
}
