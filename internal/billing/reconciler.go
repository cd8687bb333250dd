package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oddsight/oddsight/internal/entitlement"
	"github.com/oddsight/oddsight/internal/metrics"
	"github.com/oddsight/oddsight/internal/traces"
)

// SubscriptionResolver fetches the authoritative subscription period end from
// the payment provider. The event payload's own fields are not trusted as the
// sole source of truth.
type SubscriptionResolver interface {
	PeriodEnd(ctx context.Context, subscriptionID string) (time.Time, error)
}

// Reconciler applies provider lifecycle events to entitlement state.
type Reconciler struct {
	entitlements entitlement.Store
	events       Store
	cache        *entitlement.Cache
	subs         SubscriptionResolver
	logger       *slog.Logger
}

// NewReconciler creates a billing reconciler.
func NewReconciler(entitlements entitlement.Store, events Store, cache *entitlement.Cache, subs SubscriptionResolver, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		entitlements: entitlements,
		events:       events,
		cache:        cache,
		subs:         subs,
		logger:       logger,
	}
}

// HandleCheckoutCompleted activates the purchased plan for the user named in
// the checkout metadata. A missing user id is a malformed event: rejected,
// logged, never blindly retried.
func (r *Reconciler) HandleCheckoutCompleted(ctx context.Context, ev CheckoutCompleted) error {
	ctx, span := traces.StartSpan(ctx, "billing.checkout_completed",
		traces.EventID(ev.EventID), traces.UserID(ev.UserID))
	defer span.End()

	if ev.UserID == "" {
		r.logger.Error("checkout event missing user correlation", "event", ev.EventID)
		metrics.BillingEventsTotal.WithLabelValues("checkout_completed", "malformed").Inc()
		return fmt.Errorf("%w: checkout %s has no user id in metadata", ErrMalformedEvent, ev.EventID)
	}

	seen, err := r.events.Seen(ctx, ev.EventID)
	if err != nil {
		return fmt.Errorf("event dedup lookup: %w", err)
	}
	if seen {
		r.logger.Info("duplicate checkout event ignored", "event", ev.EventID)
		metrics.BillingEventsTotal.WithLabelValues("checkout_completed", "duplicate").Inc()
		return nil
	}

	// Lazily create the record; a webhook can arrive before the user's first
	// API request.
	if _, err := r.entitlements.LoadOrCreate(ctx, ev.UserID); err != nil {
		return fmt.Errorf("load entitlement: %w", err)
	}

	periodEnd, err := r.subs.PeriodEnd(ctx, ev.SubscriptionID)
	if err != nil {
		// Surface for provider redelivery; nothing has been written yet.
		return fmt.Errorf("fetch subscription period end: %w", err)
	}

	plan := ev.Plan
	if !plan.Paid() {
		plan = entitlement.PlanGold
	}

	notGrandfathered := false
	patch := entitlement.Patch{
		Plan:               &plan,
		Grandfathered:      &notGrandfathered,
		SubscriptionEnd:    &periodEnd,
		BillingCustomerRef: &ev.CustomerRef,
	}

	_, err = r.entitlements.ApplyBilling(ctx, ev.UserID, patch, ev.Created)
	switch {
	case errors.Is(err, entitlement.ErrStaleEvent):
		r.logger.Warn("checkout event superseded by newer state",
			"event", ev.EventID, "user", ev.UserID, "event_time", ev.Created)
		metrics.BillingEventsTotal.WithLabelValues("checkout_completed", "stale").Inc()
	case err != nil:
		return fmt.Errorf("apply checkout: %w", err)
	default:
		r.cache.Invalidate(ev.UserID)
		r.logger.Info("subscription activated",
			"user", ev.UserID, "plan", plan, "period_end", periodEnd)
		metrics.BillingEventsTotal.WithLabelValues("checkout_completed", "applied").Inc()
	}

	if err := r.events.MarkProcessed(ctx, ev.EventID, "checkout_completed"); err != nil {
		// The timestamp guard keeps a reprocessed event harmless.
		r.logger.Warn("failed to record processed event", "event", ev.EventID, "error", err)
	}
	return nil
}

// HandleSubscriptionEnded clears the plan for the user correlated by the
// provider customer reference. An unknown reference is a no-op, not an error:
// the customer may not map to a local user.
func (r *Reconciler) HandleSubscriptionEnded(ctx context.Context, ev SubscriptionEnded) error {
	ctx, span := traces.StartSpan(ctx, "billing.subscription_ended", traces.EventID(ev.EventID))
	defer span.End()

	if ev.CustomerRef == "" {
		r.logger.Error("subscription event missing customer reference", "event", ev.EventID)
		metrics.BillingEventsTotal.WithLabelValues("subscription_ended", "malformed").Inc()
		return fmt.Errorf("%w: subscription event %s has no customer ref", ErrMalformedEvent, ev.EventID)
	}

	seen, err := r.events.Seen(ctx, ev.EventID)
	if err != nil {
		return fmt.Errorf("event dedup lookup: %w", err)
	}
	if seen {
		metrics.BillingEventsTotal.WithLabelValues("subscription_ended", "duplicate").Inc()
		return nil
	}

	user, err := r.entitlements.GetByBillingRef(ctx, ev.CustomerRef)
	if errors.Is(err, entitlement.ErrNotFound) {
		r.logger.Info("subscription event for unknown customer, ignoring",
			"event", ev.EventID, "customer", ev.CustomerRef)
		metrics.BillingEventsTotal.WithLabelValues("subscription_ended", "unknown_customer").Inc()
		if err := r.events.MarkProcessed(ctx, ev.EventID, "subscription_ended"); err != nil {
			r.logger.Warn("failed to record processed event", "event", ev.EventID, "error", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("resolve customer: %w", err)
	}

	free := entitlement.PlanFree
	patch := entitlement.Patch{
		Plan:                 &free,
		ClearSubscriptionEnd: true,
	}

	_, err = r.entitlements.ApplyBilling(ctx, user.ID, patch, ev.Created)
	switch {
	case errors.Is(err, entitlement.ErrStaleEvent):
		// An out-of-order cancellation must not undo a newer activation.
		r.logger.Warn("stale cancellation ignored",
			"event", ev.EventID, "user", user.ID, "event_time", ev.Created)
		metrics.BillingEventsTotal.WithLabelValues("subscription_ended", "stale").Inc()
	case err != nil:
		return fmt.Errorf("apply cancellation: %w", err)
	default:
		r.cache.Invalidate(user.ID)
		r.logger.Info("subscription ended", "user", user.ID, "customer", ev.CustomerRef)
		metrics.BillingEventsTotal.WithLabelValues("subscription_ended", "applied").Inc()
	}

	if err := r.events.MarkProcessed(ctx, ev.EventID, "subscription_ended"); err != nil {
		r.logger.Warn("failed to record processed event", "event", ev.EventID, "error", err)
	}
	return nil
}
