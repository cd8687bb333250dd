package billing

import (
	"context"
	"errors"
	"time"

	"github.com/oddsight/oddsight/internal/circuitbreaker"
)

// ErrProviderUnavailable is returned while the provider circuit is open.
// The webhook surfaces it as a 5xx so the provider redelivers later.
var ErrProviderUnavailable = errors.New("billing: payment provider unavailable")

const breakerKey = "stripe"

// guardedResolver wraps a SubscriptionResolver with a circuit breaker so a
// provider outage fails fast instead of stalling every webhook delivery on
// timeouts.
type guardedResolver struct {
	inner   SubscriptionResolver
	breaker *circuitbreaker.Breaker
}

// GuardResolver wraps resolver with a circuit breaker. Malformed-event errors
// are the caller's fault and do not count against the circuit.
func GuardResolver(resolver SubscriptionResolver) SubscriptionResolver {
	return &guardedResolver{
		inner:   resolver,
		breaker: circuitbreaker.New(5, 30*time.Second),
	}
}

func (g *guardedResolver) PeriodEnd(ctx context.Context, subscriptionID string) (time.Time, error) {
	if !g.breaker.Allow(breakerKey) {
		return time.Time{}, ErrProviderUnavailable
	}

	t, err := g.inner.PeriodEnd(ctx, subscriptionID)
	switch {
	case err == nil:
		g.breaker.RecordSuccess(breakerKey)
	case errors.Is(err, ErrMalformedEvent):
		// Bad input, not a provider failure.
	default:
		g.breaker.RecordFailure(breakerKey)
	}
	return t, err
}
