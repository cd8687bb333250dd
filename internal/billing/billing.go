// Package billing reconciles payment-provider lifecycle events with local
// entitlement state.
//
// The reconciler applies idempotent, monotonic updates: a replayed event id is
// a no-op, and an event older than the record's billing clock never undoes
// newer state. There is no internal retry queue; a non-2xx webhook response
// leans on the provider's own redelivery.
package billing

import (
	"context"
	"errors"
	"time"

	"github.com/oddsight/oddsight/internal/entitlement"
)

// Errors
var (
	ErrMalformedEvent = errors.New("billing: malformed event")
)

// CheckoutCompleted is a normalised "checkout completed" provider event.
type CheckoutCompleted struct {
	EventID        string
	Created        time.Time
	UserID         string // from checkout metadata; empty means malformed
	CustomerRef    string // provider customer id
	SubscriptionID string
	Plan           entitlement.Plan // tier implied by the purchased price
}

// SubscriptionEnded is a normalised cancellation / non-payment event. The
// user is resolved by CustomerRef since these events carry no local user id.
type SubscriptionEnded struct {
	EventID     string
	Created     time.Time
	CustomerRef string
}

// Store records processed provider event ids for deduplication.
type Store interface {
	// Seen reports whether the event id has already been processed.
	Seen(ctx context.Context, eventID string) (bool, error)
	// MarkProcessed records the event id. Recording an id twice is harmless.
	MarkProcessed(ctx context.Context, eventID, eventType string) error
}
