package entitlement

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/oddsight/oddsight/internal/metrics"
	"github.com/oddsight/oddsight/internal/retry"
)

// FallbackStore wraps a durable store and degrades to a process-local
// MemoryStore when the durable store is unreachable. Domain outcomes
// (ErrNotFound, ErrQuotaExceeded, ErrStaleEvent) pass through untouched; only
// infrastructure failures trigger the fallback.
//
// Degraded mode is explicitly weaker: counters live in this process only, so
// enforcement is best-effort and not shared across instances. The transition
// is logged and exported as a gauge rather than silently absorbed.
type FallbackStore struct {
	primary    Store
	fallback   *MemoryStore
	timeout    time.Duration
	probeEvery time.Duration
	logger     *slog.Logger
	degraded   atomic.Bool
	lastProbe  atomic.Int64 // unix nanos of the last primary attempt while degraded
}

// NewFallbackStore wraps primary with a degraded-mode memory fallback.
func NewFallbackStore(primary Store, timeout time.Duration, logger *slog.Logger) *FallbackStore {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &FallbackStore{
		primary:    primary,
		fallback:   NewMemoryStore(),
		timeout:    timeout,
		probeEvery: 5 * time.Second,
		logger:     logger,
	}
}

// SetProbeInterval overrides how often a degraded store retries the primary
// (tests only).
func (f *FallbackStore) SetProbeInterval(d time.Duration) {
	f.probeEvery = d
}

// Degraded reports whether the store is currently serving from memory.
func (f *FallbackStore) Degraded() bool {
	return f.degraded.Load()
}

// domainError reports errors that are decisions, not failures.
func domainError(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrQuotaExceeded) ||
		errors.Is(err, ErrStaleEvent)
}

// do runs op against the primary with one retry, then falls back.
// fallbackOp runs against the in-memory store when the primary is down.
// While degraded, only one call per probe interval pays the primary timeout;
// the rest go straight to the fallback.
func (f *FallbackStore) do(ctx context.Context, name string, op func(ctx context.Context) error, fallbackOp func(ctx context.Context) error) error {
	if f.degraded.Load() && !f.claimProbe() {
		return fallbackOp(ctx)
	}

	opCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	err := retry.Do(opCtx, 2, 100*time.Millisecond, func() error {
		e := op(opCtx)
		if e != nil && domainError(e) {
			return retry.Permanent(e)
		}
		return e
	})
	if err == nil || domainError(err) {
		f.markHealthy()
		return err
	}

	f.markDegraded(name, err)
	return fallbackOp(ctx)
}

// claimProbe reports whether this call should attempt the primary. At most
// one caller wins per probe interval.
func (f *FallbackStore) claimProbe() bool {
	now := time.Now().UnixNano()
	last := f.lastProbe.Load()
	if now-last < int64(f.probeEvery) {
		return false
	}
	return f.lastProbe.CompareAndSwap(last, now)
}

func (f *FallbackStore) markDegraded(op string, err error) {
	f.lastProbe.Store(time.Now().UnixNano())
	if f.degraded.CompareAndSwap(false, true) {
		f.logger.Error("entitlement store unreachable, degrading to in-memory enforcement",
			"operation", op, "error", err)
		metrics.StoreDegraded.Set(1)
	}
}

func (f *FallbackStore) markHealthy() {
	if f.degraded.CompareAndSwap(true, false) {
		f.logger.Info("entitlement store recovered, leaving degraded mode")
		metrics.StoreDegraded.Set(0)
	}
}

func (f *FallbackStore) LoadOrCreate(ctx context.Context, userID string) (*UserEntitlement, error) {
	var u *UserEntitlement
	err := f.do(ctx, "load_or_create",
		func(ctx context.Context) error {
			var e error
			u, e = f.primary.LoadOrCreate(ctx, userID)
			return e
		},
		func(ctx context.Context) error {
			var e error
			u, e = f.fallback.LoadOrCreate(ctx, userID)
			return e
		})
	return u, err
}

func (f *FallbackStore) GetByBillingRef(ctx context.Context, ref string) (*UserEntitlement, error) {
	var u *UserEntitlement
	err := f.do(ctx, "get_by_billing_ref",
		func(ctx context.Context) error {
			var e error
			u, e = f.primary.GetByBillingRef(ctx, ref)
			return e
		},
		func(ctx context.Context) error {
			var e error
			u, e = f.fallback.GetByBillingRef(ctx, ref)
			return e
		})
	return u, err
}

func (f *FallbackStore) Write(ctx context.Context, userID string, patch Patch) (*UserEntitlement, error) {
	var u *UserEntitlement
	err := f.do(ctx, "write",
		func(ctx context.Context) error {
			var e error
			u, e = f.primary.Write(ctx, userID, patch)
			return e
		},
		func(ctx context.Context) error {
			// The fallback may not have seen this user yet.
			if _, e := f.fallback.LoadOrCreate(ctx, userID); e != nil {
				return e
			}
			var e error
			u, e = f.fallback.Write(ctx, userID, patch)
			return e
		})
	return u, err
}

func (f *FallbackStore) ApplyBilling(ctx context.Context, userID string, patch Patch, eventTime time.Time) (*UserEntitlement, error) {
	var u *UserEntitlement
	err := f.do(ctx, "apply_billing",
		func(ctx context.Context) error {
			var e error
			u, e = f.primary.ApplyBilling(ctx, userID, patch, eventTime)
			return e
		},
		func(ctx context.Context) error {
			if _, e := f.fallback.LoadOrCreate(ctx, userID); e != nil {
				return e
			}
			var e error
			u, e = f.fallback.ApplyBilling(ctx, userID, patch, eventTime)
			return e
		})
	return u, err
}

func (f *FallbackStore) IncrementUsage(ctx context.Context, userID string, amount, limit int) (int, error) {
	var n int
	err := f.do(ctx, "increment_usage",
		func(ctx context.Context) error {
			var e error
			n, e = f.primary.IncrementUsage(ctx, userID, amount, limit)
			return e
		},
		func(ctx context.Context) error {
			if _, e := f.fallback.LoadOrCreate(ctx, userID); e != nil {
				return e
			}
			var e error
			n, e = f.fallback.IncrementUsage(ctx, userID, amount, limit)
			return e
		})
	return n, err
}

func (f *FallbackStore) ResetCycle(ctx context.Context, userID string, observed time.Time) error {
	return f.do(ctx, "reset_cycle",
		func(ctx context.Context) error {
			return f.primary.ResetCycle(ctx, userID, observed)
		},
		func(ctx context.Context) error {
			if _, e := f.fallback.LoadOrCreate(ctx, userID); e != nil {
				return e
			}
			return f.fallback.ResetCycle(ctx, userID, observed)
		})
}

var _ Store = (*FallbackStore)(nil)
