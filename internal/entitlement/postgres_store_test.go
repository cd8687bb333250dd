package entitlement

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oddsight/oddsight/internal/testutil"
)

func TestPostgresStore_Integration(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)

	t.Run("load or create", func(t *testing.T) {
		u, err := store.LoadOrCreate(ctx, "pg_u1")
		require.NoError(t, err)
		assert.Equal(t, "pg_u1", u.ID)
		assert.Equal(t, PlanFree, u.Plan)
		assert.Equal(t, 0, u.APIRequestCount)

		again, err := store.LoadOrCreate(ctx, "pg_u1")
		require.NoError(t, err)
		assert.Equal(t, u.APICycleStart.Unix(), again.APICycleStart.Unix())
	})

	t.Run("concurrent first load creates one row", func(t *testing.T) {
		var wg sync.WaitGroup
		errs := make(chan error, 10)
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := store.LoadOrCreate(ctx, "pg_race"); err != nil {
					errs <- err
				}
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			t.Errorf("concurrent LoadOrCreate: %v", err)
		}

		var count int
		require.NoError(t, db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM user_entitlements WHERE id = 'pg_race'`).Scan(&count))
		assert.Equal(t, 1, count)
	})

	t.Run("increment enforces limit atomically", func(t *testing.T) {
		_, err := store.LoadOrCreate(ctx, "pg_u2")
		require.NoError(t, err)

		limit := 20
		var wg sync.WaitGroup
		var allowed sync.Map
		for i := 0; i < 30; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				if _, err := store.IncrementUsage(ctx, "pg_u2", 1, limit); err == nil {
					allowed.Store(i, true)
				}
			}(i)
		}
		wg.Wait()

		granted := 0
		allowed.Range(func(_, _ interface{}) bool { granted++; return true })
		assert.Equal(t, limit, granted)

		u, err := store.LoadOrCreate(ctx, "pg_u2")
		require.NoError(t, err)
		assert.Equal(t, limit, u.APIRequestCount)
	})

	t.Run("reset cycle guarded on observed start", func(t *testing.T) {
		u, err := store.LoadOrCreate(ctx, "pg_u3")
		require.NoError(t, err)
		_, err = store.IncrementUsage(ctx, "pg_u3", 5, 100)
		require.NoError(t, err)

		require.NoError(t, store.ResetCycle(ctx, "pg_u3", u.APICycleStart))
		after, err := store.LoadOrCreate(ctx, "pg_u3")
		require.NoError(t, err)
		assert.Equal(t, 0, after.APIRequestCount)
		assert.True(t, after.APICycleStart.After(u.APICycleStart))

		// Replaying with the stale observed start does not reset again.
		_, err = store.IncrementUsage(ctx, "pg_u3", 2, 100)
		require.NoError(t, err)
		require.NoError(t, store.ResetCycle(ctx, "pg_u3", u.APICycleStart))
		final, err := store.LoadOrCreate(ctx, "pg_u3")
		require.NoError(t, err)
		assert.Equal(t, 2, final.APIRequestCount)
	})

	t.Run("apply billing rejects stale events", func(t *testing.T) {
		_, err := store.LoadOrCreate(ctx, "pg_u4")
		require.NoError(t, err)

		t1 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
		gold := PlanGold
		end := t1.Add(30 * 24 * time.Hour)
		ref := "cus_pg4"
		u, err := store.ApplyBilling(ctx, "pg_u4",
			Patch{Plan: &gold, SubscriptionEnd: &end, BillingCustomerRef: &ref}, t1.Add(time.Minute))
		require.NoError(t, err)
		assert.Equal(t, PlanGold, u.Plan)

		free := PlanFree
		_, err = store.ApplyBilling(ctx, "pg_u4", Patch{Plan: &free, ClearSubscriptionEnd: true}, t1)
		assert.ErrorIs(t, err, ErrStaleEvent)

		kept, err := store.LoadOrCreate(ctx, "pg_u4")
		require.NoError(t, err)
		assert.Equal(t, PlanGold, kept.Plan)
		require.NotNil(t, kept.SubscriptionEnd)

		_, err = store.ApplyBilling(ctx, "pg_missing", Patch{Plan: &free}, t1)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("usage increments do not block billing ordering", func(t *testing.T) {
		_, err := store.LoadOrCreate(ctx, "pg_u5")
		require.NoError(t, err)

		t1 := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
		gold := PlanGold
		_, err = store.ApplyBilling(ctx, "pg_u5", Patch{Plan: &gold}, t1)
		require.NoError(t, err)

		// A usage write bumps updated_at but not the billing clock.
		_, err = store.IncrementUsage(ctx, "pg_u5", 1, 100)
		require.NoError(t, err)

		free := PlanFree
		_, err = store.ApplyBilling(ctx, "pg_u5", Patch{Plan: &free}, t1.Add(time.Second))
		require.NoError(t, err)
	})

	t.Run("lookup by billing ref", func(t *testing.T) {
		_, err := store.LoadOrCreate(ctx, "pg_u6")
		require.NoError(t, err)
		ref := "cus_pg6"
		_, err = store.Write(ctx, "pg_u6", Patch{BillingCustomerRef: &ref})
		require.NoError(t, err)

		u, err := store.GetByBillingRef(ctx, "cus_pg6")
		require.NoError(t, err)
		assert.Equal(t, "pg_u6", u.ID)

		_, err = store.GetByBillingRef(ctx, "cus_nobody")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("plan free stored as null", func(t *testing.T) {
		_, err := store.LoadOrCreate(ctx, "pg_u7")
		require.NoError(t, err)
		gold := PlanGold
		_, err = store.Write(ctx, "pg_u7", Patch{Plan: &gold})
		require.NoError(t, err)

		free := PlanFree
		_, err = store.Write(ctx, "pg_u7", Patch{Plan: &free})
		require.NoError(t, err)

		var plan *string
		require.NoError(t, db.QueryRowContext(ctx,
			`SELECT plan FROM user_entitlements WHERE id = 'pg_u7'`).Scan(&plan))
		assert.Nil(t, plan)
	})
}
