package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oddsight/oddsight/internal/entitlement"
)

const testAdminSecret = "admin_test_secret"

func init() {
	gin.SetMode(gin.TestMode)
}

func setupAdminTest(t *testing.T) (*gin.Engine, *entitlement.MemoryStore, *entitlement.Cache) {
	t.Helper()

	store := entitlement.NewMemoryStore()
	cache := entitlement.NewCache(store, time.Minute)
	h := NewHandler(store, cache, slog.Default())

	router := gin.New()
	grp := router.Group("/v1/admin")
	grp.Use(RequireAdmin(testAdminSecret))
	h.RegisterRoutes(grp)
	return router, store, cache
}

func doAdmin(router *gin.Engine, method, path, secret string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, &buf)
	if secret != "" {
		req.Header.Set("X-Admin-Secret", secret)
	}
	router.ServeHTTP(w, req)
	return w
}

func TestRequireAdmin(t *testing.T) {
	router, _, _ := setupAdminTest(t)

	t.Run("missing secret rejected", func(t *testing.T) {
		w := doAdmin(router, http.MethodGet, "/v1/admin/entitlements/u1", "", nil)
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("wrong secret rejected", func(t *testing.T) {
		w := doAdmin(router, http.MethodGet, "/v1/admin/entitlements/u1", "nope", nil)
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("correct secret passes", func(t *testing.T) {
		w := doAdmin(router, http.MethodGet, "/v1/admin/entitlements/u1", testAdminSecret, nil)
		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestRequireAdmin_UnconfiguredSecretClosesSurface(t *testing.T) {
	store := entitlement.NewMemoryStore()
	cache := entitlement.NewCache(store, time.Minute)
	router := gin.New()
	grp := router.Group("/v1/admin")
	grp.Use(RequireAdmin(""))
	NewHandler(store, cache, slog.Default()).RegisterRoutes(grp)

	w := doAdmin(router, http.MethodGet, "/v1/admin/entitlements/u1", "", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestGrant(t *testing.T) {
	router, store, _ := setupAdminTest(t)
	ctx := context.Background()

	t.Run("grandfathered grant never lapses", func(t *testing.T) {
		w := doAdmin(router, http.MethodPost, "/v1/admin/grant", testAdminSecret, gin.H{
			"userId":        "u1",
			"plan":          "platinum",
			"grandfathered": true,
		})
		require.Equal(t, http.StatusOK, w.Code)

		u, err := store.LoadOrCreate(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, entitlement.PlanPlatinum, u.Plan)
		assert.True(t, u.Grandfathered)
		assert.Nil(t, u.SubscriptionEnd)
		assert.True(t, u.Unlimited(time.Now().Add(10*365*24*time.Hour)))
	})

	t.Run("grant with expiry", func(t *testing.T) {
		expires := time.Now().Add(7 * 24 * time.Hour).UTC().Truncate(time.Second)
		w := doAdmin(router, http.MethodPost, "/v1/admin/grant", testAdminSecret, gin.H{
			"userId":  "u2",
			"plan":    "gold",
			"expires": expires,
		})
		require.Equal(t, http.StatusOK, w.Code)

		u, err := store.LoadOrCreate(ctx, "u2")
		require.NoError(t, err)
		assert.Equal(t, entitlement.PlanGold, u.Plan)
		require.NotNil(t, u.SubscriptionEnd)
		assert.Equal(t, expires, u.SubscriptionEnd.UTC())
	})

	t.Run("unknown plan rejected", func(t *testing.T) {
		w := doAdmin(router, http.MethodPost, "/v1/admin/grant", testAdminSecret, gin.H{
			"userId": "u3",
			"plan":   "diamond",
		})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("missing fields rejected", func(t *testing.T) {
		w := doAdmin(router, http.MethodPost, "/v1/admin/grant", testAdminSecret, gin.H{"userId": "u3"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

// downStore fails every operation the way an unreachable database does.
type downStore struct{ entitlement.Store }

func (downStore) LoadOrCreate(context.Context, string) (*entitlement.UserEntitlement, error) {
	return nil, errors.New("dial tcp: connection refused")
}

func (downStore) Write(context.Context, string, entitlement.Patch) (*entitlement.UserEntitlement, error) {
	return nil, errors.New("dial tcp: connection refused")
}

func TestGrant_StoreUnavailableFails(t *testing.T) {
	store := downStore{}
	cache := entitlement.NewCache(store, time.Minute)
	router := gin.New()
	grp := router.Group("/v1/admin")
	grp.Use(RequireAdmin(testAdminSecret))
	NewHandler(store, cache, slog.Default()).RegisterRoutes(grp)

	// The operator must see the failure, never a 200 for an override that
	// was not durably written.
	w := doAdmin(router, http.MethodPost, "/v1/admin/grant", testAdminSecret, gin.H{
		"userId": "u1",
		"plan":   "gold",
	})
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestRevoke(t *testing.T) {
	router, store, _ := setupAdminTest(t)
	ctx := context.Background()

	w := doAdmin(router, http.MethodPost, "/v1/admin/grant", testAdminSecret, gin.H{
		"userId":        "u1",
		"plan":          "gold",
		"grandfathered": true,
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = doAdmin(router, http.MethodPost, "/v1/admin/revoke", testAdminSecret, gin.H{"userId": "u1"})
	require.Equal(t, http.StatusOK, w.Code)

	u, err := store.LoadOrCreate(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, entitlement.PlanFree, u.Plan)
	assert.False(t, u.Grandfathered)
	assert.Nil(t, u.SubscriptionEnd)

	t.Run("revoking unknown user is 404", func(t *testing.T) {
		w := doAdmin(router, http.MethodPost, "/v1/admin/revoke", testAdminSecret, gin.H{"userId": "ghost"})
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestGrantInvalidatesCachedPlan(t *testing.T) {
	router, store, cache := setupAdminTest(t)
	ctx := context.Background()

	// Warm the cache with the free-tier record.
	_, err := store.LoadOrCreate(ctx, "u1")
	require.NoError(t, err)
	cached, err := cache.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, entitlement.PlanFree, cached.Plan)

	w := doAdmin(router, http.MethodPost, "/v1/admin/grant", testAdminSecret, gin.H{
		"userId": "u1",
		"plan":   "gold",
	})
	require.Equal(t, http.StatusOK, w.Code)

	// The override is visible immediately, not after the TTL.
	cached, err = cache.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, entitlement.PlanGold, cached.Plan)
}
