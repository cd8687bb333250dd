// Package quota enforces per-user metered API budgets.
package quota

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/oddsight/oddsight/internal/entitlement"
	"github.com/oddsight/oddsight/internal/metrics"
	"github.com/oddsight/oddsight/internal/syncutil"
	"github.com/oddsight/oddsight/internal/traces"
)

// Decision is the outcome of a quota check.
// Remaining is nil for unlimited users. RetryAfterSeconds is set on denial
// and counts down to the next cycle roll.
type Decision struct {
	Allowed           bool             `json:"allowed"`
	Remaining         *int             `json:"remaining"`
	Plan              entitlement.Plan `json:"plan"`
	Degraded          bool             `json:"degraded,omitempty"`
	RetryAfterSeconds int              `json:"retryAfterSeconds,omitempty"`
}

// Usage is a non-consuming view of a user's current budget.
type Usage struct {
	Plan       entitlement.Plan `json:"plan"`
	Unlimited  bool             `json:"unlimited"`
	Used       int              `json:"used"`
	Remaining  *int             `json:"remaining"`
	CycleStart time.Time        `json:"cycleStart"`
}

// degradedReporter is implemented by stores that can fall back to
// process-local state.
type degradedReporter interface {
	Degraded() bool
}

// Enforcer makes the request-time allow/deny decision and charges usage.
//
// The check and the increment collapse into a single conditional store
// round trip, so a request cannot slip through between them: the store-level
// UPDATE only increments while the counter is under the limit. The per-user
// lock additionally serialises cycle-reset detection against increments
// within this process.
type Enforcer struct {
	store   entitlement.Store
	cache   *entitlement.Cache
	catalog entitlement.Catalog
	cycle   time.Duration
	logger  *slog.Logger
	locks   *syncutil.ContextShardedMutex
	now     func() time.Time
}

// NewEnforcer creates a quota enforcer.
func NewEnforcer(store entitlement.Store, cache *entitlement.Cache, catalog entitlement.Catalog, cycle time.Duration, logger *slog.Logger) *Enforcer {
	return &Enforcer{
		store:   store,
		cache:   cache,
		catalog: catalog,
		cycle:   cycle,
		logger:  logger,
		locks:   syncutil.NewContextShardedMutex(),
		now:     time.Now,
	}
}

// SetClock overrides the enforcer clock (tests only).
func (e *Enforcer) SetClock(now func() time.Time) {
	e.now = now
}

func (e *Enforcer) degraded() bool {
	if r, ok := e.store.(degradedReporter); ok {
		return r.Degraded()
	}
	return false
}

// CheckAndConsume decides whether userID may make one more metered call and,
// if so, charges it. Quota exhaustion is a normal decision, not an error.
func (e *Enforcer) CheckAndConsume(ctx context.Context, userID string) (Decision, error) {
	ctx, span := traces.StartSpan(ctx, "quota.check_and_consume", traces.UserID(userID))
	defer span.End()

	unlock, err := e.locks.LockContext(ctx, userID)
	if err != nil {
		return Decision{}, err
	}
	defer unlock()

	ent, err := e.loadCurrent(ctx, userID)
	if err != nil {
		return Decision{}, err
	}

	now := e.now()
	plan := ent.EffectivePlan(now)

	if ent.Unlimited(now) {
		metrics.QuotaDecisionsTotal.WithLabelValues("allowed_unlimited", string(plan)).Inc()
		return Decision{Allowed: true, Plan: plan, Degraded: e.degraded()}, nil
	}

	// Metered path. Roll the cycle first so the decision sees a fresh counter.
	if ent.CycleElapsed(now, e.cycle) {
		if err := e.store.ResetCycle(ctx, userID, ent.APICycleStart); err != nil {
			return Decision{}, err
		}
		metrics.CycleResetsTotal.Inc()
		e.cache.Invalidate(userID)
		if ent, err = e.loadCurrent(ctx, userID); err != nil {
			return Decision{}, err
		}
	}

	limit := e.catalog.LimitFor(plan)
	newCount, err := e.store.IncrementUsage(ctx, userID, 1, limit)
	if errors.Is(err, entitlement.ErrQuotaExceeded) {
		zero := 0
		metrics.QuotaDecisionsTotal.WithLabelValues("denied", string(plan)).Inc()
		return Decision{
			Allowed:           false,
			Remaining:         &zero,
			Plan:              plan,
			Degraded:          e.degraded(),
			RetryAfterSeconds: retryAfter(ent.APICycleStart, e.cycle, now),
		}, nil
	}
	if err != nil {
		return Decision{}, err
	}

	e.cache.Invalidate(userID)

	remaining := limit - newCount
	metrics.QuotaDecisionsTotal.WithLabelValues("allowed", string(plan)).Inc()
	return Decision{Allowed: true, Remaining: &remaining, Plan: plan, Degraded: e.degraded()}, nil
}

// retryAfter is the whole-second wait until the cycle starting at start
// rolls over, floored at one second.
func retryAfter(start time.Time, cycle time.Duration, now time.Time) int {
	wait := start.Add(cycle).Sub(now)
	if wait <= 0 {
		return 1
	}
	secs := int(wait / time.Second)
	if wait%time.Second != 0 {
		secs++
	}
	return secs
}

// Usage reports the user's current budget without consuming from it.
func (e *Enforcer) Usage(ctx context.Context, userID string) (Usage, error) {
	ent, err := e.loadCurrent(ctx, userID)
	if err != nil {
		return Usage{}, err
	}

	now := e.now()
	plan := ent.EffectivePlan(now)
	u := Usage{
		Plan:       plan,
		Used:       ent.APIRequestCount,
		CycleStart: ent.APICycleStart,
	}

	if ent.Unlimited(now) {
		u.Unlimited = true
		return u, nil
	}

	used := ent.APIRequestCount
	if ent.CycleElapsed(now, e.cycle) {
		// Reporting only: the reset itself happens on the next consuming call.
		used = 0
	}
	remaining := e.catalog.LimitFor(plan) - used
	if remaining < 0 {
		remaining = 0
	}
	u.Used = used
	u.Remaining = &remaining
	return u, nil
}

// loadCurrent reads through the cache and persists a detected lapse so the
// stored plan catches up with reality without waiting for a webhook. The
// write only happens when a lapse is actually detected; plain reads stay
// read-only.
func (e *Enforcer) loadCurrent(ctx context.Context, userID string) (*entitlement.UserEntitlement, error) {
	ent, err := e.cache.Get(ctx, userID)
	if err != nil {
		return nil, err
	}

	if ent.Lapsed(e.now()) {
		free := entitlement.PlanFree
		updated, err := e.store.Write(ctx, userID, entitlement.Patch{
			Plan:                 &free,
			ClearSubscriptionEnd: true,
		})
		if err != nil {
			// The stale record still denies correctly via EffectivePlan;
			// log and continue rather than failing the request.
			e.logger.Warn("failed to persist lapsed subscription", "user", userID, "error", err)
			return ent, nil
		}
		e.cache.Invalidate(userID)
		e.logger.Info("subscription lapsed, metering as free", "user", userID)
		return updated, nil
	}

	return ent, nil
}
