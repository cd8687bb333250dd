// Package entitlement tracks per-user plan state and metered API usage.
//
// The UserEntitlement row is the single source of truth for whether a user is
// rate-limited. It is mutated by the quota enforcer (usage counter, cycle
// resets), the billing reconciler (plan transitions from Stripe events), and
// the admin override path. The process-local Cache in this package absorbs
// read traffic but is never authoritative.
package entitlement

import (
	"errors"
	"time"
)

// Errors
var (
	ErrNotFound      = errors.New("entitlement: not found")
	ErrQuotaExceeded = errors.New("entitlement: quota exceeded")
	ErrStaleEvent    = errors.New("entitlement: billing event older than current state")
	ErrInvalidPlan   = errors.New("entitlement: invalid plan")
)

// Plan identifies the subscription tier.
type Plan string

const (
	PlanFree     Plan = "free"
	PlanGold     Plan = "gold"
	PlanPlatinum Plan = "platinum"
)

// ValidPlan returns true if the plan name is recognised.
func ValidPlan(p Plan) bool {
	switch p {
	case PlanFree, PlanGold, PlanPlatinum:
		return true
	}
	return false
}

// Paid returns true for tiers that come from a subscription.
func (p Plan) Paid() bool {
	return p == PlanGold || p == PlanPlatinum
}

// UserEntitlement is the durable per-user entitlement record.
type UserEntitlement struct {
	ID                 string     `json:"id"`
	Plan               Plan       `json:"plan"` // normalised on read; NULL in storage means free
	Grandfathered      bool       `json:"grandfathered"`
	SubscriptionEnd    *time.Time `json:"subscriptionEndDate,omitempty"`
	APIRequestCount    int        `json:"apiRequestCount"`
	APICycleStart      time.Time  `json:"apiCycleStart"`
	BillingCustomerRef string     `json:"billingCustomerRef,omitempty"`
	BillingUpdatedAt   *time.Time `json:"billingUpdatedAt,omitempty"`
	UpdatedAt          time.Time  `json:"updatedAt"`
}

// Lapsed reports whether a paid plan's subscription end date has passed.
func (u *UserEntitlement) Lapsed(now time.Time) bool {
	return u.Plan.Paid() && u.SubscriptionEnd != nil && u.SubscriptionEnd.Before(now)
}

// EffectivePlan returns the plan the user should be treated as holding right
// now: a lapsed paid plan degrades to free without waiting for a webhook.
func (u *UserEntitlement) EffectivePlan(now time.Time) Plan {
	if u.Lapsed(now) {
		return PlanFree
	}
	if u.Plan == "" {
		return PlanFree
	}
	return u.Plan
}

// Unlimited reports whether quota enforcement is bypassed for this user.
func (u *UserEntitlement) Unlimited(now time.Time) bool {
	if u.Grandfathered {
		return true
	}
	return u.EffectivePlan(now).Paid()
}

// CycleElapsed reports whether the usage cycle starting at APICycleStart has
// run past the given cycle length.
func (u *UserEntitlement) CycleElapsed(now time.Time, cycle time.Duration) bool {
	return now.Sub(u.APICycleStart) >= cycle
}

// Clone returns a deep copy safe to hand out from the cache.
func (u *UserEntitlement) Clone() *UserEntitlement {
	cp := *u
	if u.SubscriptionEnd != nil {
		t := *u.SubscriptionEnd
		cp.SubscriptionEnd = &t
	}
	if u.BillingUpdatedAt != nil {
		t := *u.BillingUpdatedAt
		cp.BillingUpdatedAt = &t
	}
	return &cp
}

// Patch is a partial update applied by Store.Write and Store.ApplyBilling.
// Nil pointer fields are left unchanged. Setting Plan to PlanFree clears the
// stored plan back to NULL.
type Patch struct {
	Plan                 *Plan
	Grandfathered        *bool
	SubscriptionEnd      *time.Time
	ClearSubscriptionEnd bool
	BillingCustomerRef   *string
	BillingTime          *time.Time // stamps the billing-transition clock
}
