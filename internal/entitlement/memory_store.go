package entitlement

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory entitlement store. It backs dev/test mode and
// the degraded-mode fallback when PostgreSQL is unreachable. Enforcement
// through it is best-effort and process-local only.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*UserEntitlement
	now     func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*UserEntitlement),
		now:     time.Now,
	}
}

// SetClock overrides the store clock (tests only).
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *MemoryStore) LoadOrCreate(_ context.Context, userID string) (*UserEntitlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if u, ok := m.records[userID]; ok {
		return u.Clone(), nil
	}

	now := m.now()
	u := &UserEntitlement{
		ID:            userID,
		Plan:          PlanFree,
		APICycleStart: now,
		UpdatedAt:     now,
	}
	m.records[userID] = u
	return u.Clone(), nil
}

func (m *MemoryStore) GetByBillingRef(_ context.Context, ref string) (*UserEntitlement, error) {
	if ref == "" {
		return nil, ErrNotFound
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, u := range m.records {
		if u.BillingCustomerRef == ref {
			return u.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) Write(_ context.Context, userID string, patch Patch) (*UserEntitlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.records[userID]
	if !ok {
		return nil, ErrNotFound
	}

	applyPatch(u, patch, m.now())
	return u.Clone(), nil
}

func (m *MemoryStore) ApplyBilling(_ context.Context, userID string, patch Patch, eventTime time.Time) (*UserEntitlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.records[userID]
	if !ok {
		return nil, ErrNotFound
	}
	if u.BillingUpdatedAt != nil && !u.BillingUpdatedAt.Before(eventTime) {
		return nil, ErrStaleEvent
	}

	patch.BillingTime = &eventTime
	applyPatch(u, patch, m.now())
	return u.Clone(), nil
}

func (m *MemoryStore) IncrementUsage(_ context.Context, userID string, amount, limit int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.records[userID]
	if !ok {
		return 0, ErrNotFound
	}
	if u.APIRequestCount+amount > limit {
		return 0, ErrQuotaExceeded
	}

	u.APIRequestCount += amount
	u.UpdatedAt = m.now()
	return u.APIRequestCount, nil
}

func (m *MemoryStore) ResetCycle(_ context.Context, userID string, observed time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.records[userID]
	if !ok {
		return ErrNotFound
	}
	if !u.APICycleStart.Equal(observed) {
		// Another caller already reset this cycle.
		return nil
	}

	now := m.now()
	u.APIRequestCount = 0
	u.APICycleStart = now
	u.UpdatedAt = now
	return nil
}

// applyPatch mutates u under the store lock.
func applyPatch(u *UserEntitlement, patch Patch, now time.Time) {
	if patch.Plan != nil {
		u.Plan = *patch.Plan
	}
	if patch.Grandfathered != nil {
		u.Grandfathered = *patch.Grandfathered
	}
	if patch.SubscriptionEnd != nil {
		t := *patch.SubscriptionEnd
		u.SubscriptionEnd = &t
	}
	if patch.ClearSubscriptionEnd {
		u.SubscriptionEnd = nil
	}
	if patch.BillingCustomerRef != nil {
		u.BillingCustomerRef = *patch.BillingCustomerRef
	}
	if patch.BillingTime != nil {
		t := *patch.BillingTime
		u.BillingUpdatedAt = &t
	}
	u.UpdatedAt = now
}

var _ Store = (*MemoryStore)(nil)
