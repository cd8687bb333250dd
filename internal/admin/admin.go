// Package admin provides operator endpoints for entitlement overrides:
// granting plans outside the billing flow, revoking them, and inspecting a
// user's raw entitlement record.
package admin

import (
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/oddsight/oddsight/internal/entitlement"
	"github.com/oddsight/oddsight/internal/metrics"
	"github.com/oddsight/oddsight/internal/validation"
)

// Handler provides admin HTTP endpoints. Writes go straight to the store and
// invalidate the plan cache so the override is visible on the next quota check.
type Handler struct {
	store  entitlement.Store
	cache  *entitlement.Cache
	logger *slog.Logger
	now    func() time.Time
}

// NewHandler creates a new admin handler.
func NewHandler(store entitlement.Store, cache *entitlement.Cache, logger *slog.Logger) *Handler {
	return &Handler{
		store:  store,
		cache:  cache,
		logger: logger,
		now:    time.Now,
	}
}

// RegisterRoutes mounts the admin routes on a group already guarded by
// RequireAdmin.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/grant", h.Grant)
	r.POST("/revoke", h.Revoke)
	r.GET("/entitlements/:id", h.GetEntitlement)
}

// RequireAdmin rejects requests whose X-Admin-Secret header does not match the
// configured secret. An empty configured secret disables the admin surface
// entirely rather than leaving it open.
func RequireAdmin(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "admin API is not configured",
			})
			return
		}
		provided := c.GetHeader("X-Admin-Secret")
		if subtle.ConstantTimeCompare([]byte(provided), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "invalid admin secret",
			})
			return
		}
		c.Next()
	}
}

type grantRequest struct {
	UserID        string           `json:"userId" binding:"required"`
	Plan          entitlement.Plan `json:"plan" binding:"required"`
	Grandfathered bool             `json:"grandfathered"`
	// Expires is optional; a grandfathered grant never lapses regardless.
	Expires *time.Time `json:"expires"`
}

// Grant handles POST /v1/admin/grant. It sets the plan directly, bypassing
// billing. Grandfathered grants carry no subscription end and never lapse.
func (h *Handler) Grant(c *gin.Context) {
	var req grantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "userId and plan required"})
		return
	}
	if !validation.IsValidUserID(req.UserID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "malformed userId"})
		return
	}
	if !entitlement.ValidPlan(req.Plan) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_plan", "message": "unknown plan tier"})
		return
	}

	ctx := c.Request.Context()
	if _, err := h.store.LoadOrCreate(ctx, req.UserID); err != nil {
		h.logger.Error("admin grant: load failed", "user", req.UserID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to load user"})
		return
	}

	now := h.now().UTC()
	patch := entitlement.Patch{
		Plan:          &req.Plan,
		Grandfathered: &req.Grandfathered,
		BillingTime:   &now,
	}
	if req.Grandfathered || req.Expires == nil {
		patch.ClearSubscriptionEnd = true
	} else {
		patch.SubscriptionEnd = req.Expires
	}

	updated, err := h.store.Write(ctx, req.UserID, patch)
	if err != nil {
		h.logger.Error("admin grant failed", "user", req.UserID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to apply grant"})
		return
	}
	h.cache.Invalidate(req.UserID)
	metrics.AdminOverridesTotal.WithLabelValues("grant").Inc()
	h.logger.Info("admin grant applied",
		"user", req.UserID, "plan", req.Plan, "grandfathered", req.Grandfathered)

	c.JSON(http.StatusOK, entitlementView(updated))
}

type revokeRequest struct {
	UserID string `json:"userId" binding:"required"`
}

// Revoke handles POST /v1/admin/revoke. It returns the user to the free tier
// and clears the grandfathered flag.
func (h *Handler) Revoke(c *gin.Context) {
	var req revokeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "userId required"})
		return
	}

	ctx := c.Request.Context()
	free := entitlement.PlanFree
	notGrandfathered := false
	now := h.now().UTC()
	patch := entitlement.Patch{
		Plan:                 &free,
		Grandfathered:        &notGrandfathered,
		ClearSubscriptionEnd: true,
		BillingTime:          &now,
	}

	updated, err := h.store.Write(ctx, req.UserID, patch)
	if errors.Is(err, entitlement.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "user has no entitlement record"})
		return
	}
	if err != nil {
		h.logger.Error("admin revoke failed", "user", req.UserID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to apply revoke"})
		return
	}
	h.cache.Invalidate(req.UserID)
	metrics.AdminOverridesTotal.WithLabelValues("revoke").Inc()
	h.logger.Info("admin revoke applied", "user", req.UserID)

	c.JSON(http.StatusOK, entitlementView(updated))
}

// GetEntitlement handles GET /v1/admin/entitlements/:id. It reads through the
// store, not the cache, so operators see current state.
func (h *Handler) GetEntitlement(c *gin.Context) {
	userID := c.Param("id")

	ent, err := h.store.LoadOrCreate(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("admin entitlement lookup failed", "user", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to load user"})
		return
	}
	c.JSON(http.StatusOK, entitlementView(ent))
}

func entitlementView(e *entitlement.UserEntitlement) gin.H {
	v := gin.H{
		"id":              e.ID,
		"plan":            e.Plan,
		"grandfathered":   e.Grandfathered,
		"apiRequestCount": e.APIRequestCount,
		"apiCycleStart":   e.APICycleStart,
		"updatedAt":       e.UpdatedAt,
	}
	if e.SubscriptionEnd != nil {
		v["subscriptionEnd"] = e.SubscriptionEnd
	}
	if e.BillingCustomerRef != "" {
		v["billingCustomerRef"] = e.BillingCustomerRef
	}
	return v
}
