package billing

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory processed-event record for demo/development.
type MemoryStore struct {
	mu     sync.RWMutex
	events map[string]time.Time // eventID -> processed at
}

// NewMemoryStore creates a new in-memory event store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{events: make(map[string]time.Time)}
}

func (m *MemoryStore) Seen(_ context.Context, eventID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.events[eventID]
	return ok, nil
}

func (m *MemoryStore) MarkProcessed(_ context.Context, eventID, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.events[eventID]; !ok {
		m.events[eventID] = time.Now()
	}
	return nil
}

var _ Store = (*MemoryStore)(nil)
