package entitlement

import (
	"context"
	"time"
)

// Store persists entitlement records.
//
// IncrementUsage and ResetCycle must be single atomic operations at the store
// level (conditional updates), never read-modify-write pairs: the application
// layer has no distributed lock, and concurrent requests for the same user are
// the normal case.
type Store interface {
	// LoadOrCreate returns the record for userID, creating a fresh free-tier
	// record in a single atomic upsert if none exists.
	LoadOrCreate(ctx context.Context, userID string) (*UserEntitlement, error)

	// GetByBillingRef finds the user correlated with a billing-provider
	// customer reference. Returns ErrNotFound when no user matches.
	GetByBillingRef(ctx context.Context, ref string) (*UserEntitlement, error)

	// Write applies a partial update and stamps UpdatedAt.
	Write(ctx context.Context, userID string, patch Patch) (*UserEntitlement, error)

	// ApplyBilling applies a billing transition only if eventTime is newer
	// than the record's current billing clock. Returns ErrStaleEvent when the
	// event has been superseded by a newer write.
	ApplyBilling(ctx context.Context, userID string, patch Patch, eventTime time.Time) (*UserEntitlement, error)

	// IncrementUsage atomically adds amount to the usage counter while it
	// stays within limit, returning the new count. Returns ErrQuotaExceeded
	// without mutating when the increment would cross the limit.
	IncrementUsage(ctx context.Context, userID string, amount, limit int) (int, error)

	// ResetCycle zeroes the counter and advances the cycle start, but only if
	// the stored cycle start still equals observed — so two concurrent expiry
	// detections apply exactly one reset. A lost race is not an error.
	ResetCycle(ctx context.Context, userID string, observed time.Time) error
}
