package entitlement

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyStore delegates to a MemoryStore but fails every call while down.
// calls counts attempts against the primary.
type flakyStore struct {
	*MemoryStore
	down  bool
	calls int
}

var errConnRefused = errors.New("dial tcp: connection refused")

func (s *flakyStore) LoadOrCreate(ctx context.Context, userID string) (*UserEntitlement, error) {
	s.calls++
	if s.down {
		return nil, errConnRefused
	}
	return s.MemoryStore.LoadOrCreate(ctx, userID)
}

func (s *flakyStore) IncrementUsage(ctx context.Context, userID string, amount, limit int) (int, error) {
	s.calls++
	if s.down {
		return 0, errConnRefused
	}
	return s.MemoryStore.IncrementUsage(ctx, userID, amount, limit)
}

func newFallbackForTest(primary Store) *FallbackStore {
	fs := NewFallbackStore(primary, time.Second, slog.Default())
	// Probe on every call so recovery is immediate in tests.
	fs.SetProbeInterval(0)
	return fs
}

func TestFallbackStore_HealthyPassThrough(t *testing.T) {
	ctx := context.Background()
	primary := &flakyStore{MemoryStore: NewMemoryStore()}
	fs := newFallbackForTest(primary)

	u, err := fs.LoadOrCreate(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "u1", u.ID)
	assert.False(t, fs.Degraded())
}

func TestFallbackStore_DegradesAndRecovers(t *testing.T) {
	ctx := context.Background()
	primary := &flakyStore{MemoryStore: NewMemoryStore()}
	fs := newFallbackForTest(primary)

	// Healthy first so the primary holds the record.
	_, err := fs.LoadOrCreate(ctx, "u1")
	require.NoError(t, err)

	primary.down = true
	u, err := fs.LoadOrCreate(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "u1", u.ID)
	assert.True(t, fs.Degraded())

	// Enforcement continues against the in-memory copy.
	n, err := fs.IncrementUsage(ctx, "u1", 1, 5)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	primary.down = false
	_, err = fs.LoadOrCreate(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, fs.Degraded())
}

func TestFallbackStore_DegradedServesFromMemoryBetweenProbes(t *testing.T) {
	ctx := context.Background()
	primary := &flakyStore{MemoryStore: NewMemoryStore()}
	fs := NewFallbackStore(primary, time.Second, slog.Default())
	fs.SetProbeInterval(time.Minute)

	_, err := fs.LoadOrCreate(ctx, "u1")
	require.NoError(t, err)

	primary.down = true
	_, err = fs.LoadOrCreate(ctx, "u1")
	require.NoError(t, err)
	require.True(t, fs.Degraded())

	// Until the probe interval elapses, calls must not pay the primary
	// timeout: the fallback answers directly.
	before := primary.calls
	for i := 0; i < 20; i++ {
		_, err := fs.IncrementUsage(ctx, "u1", 1, 100)
		require.NoError(t, err)
	}
	assert.Equal(t, before, primary.calls)
	assert.True(t, fs.Degraded())
}

func TestFallbackStore_DomainErrorsPassThrough(t *testing.T) {
	ctx := context.Background()
	primary := &flakyStore{MemoryStore: NewMemoryStore()}
	fs := newFallbackForTest(primary)

	_, err := fs.LoadOrCreate(ctx, "u1")
	require.NoError(t, err)

	// Quota exhaustion is a decision, not an outage: no degradation.
	_, err = fs.IncrementUsage(ctx, "u1", 10, 5)
	assert.ErrorIs(t, err, ErrQuotaExceeded)
	assert.False(t, fs.Degraded())

	_, err = fs.GetByBillingRef(ctx, "cus_unknown")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, fs.Degraded())
}
