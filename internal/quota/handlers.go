package quota

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/oddsight/oddsight/internal/logging"
	"github.com/oddsight/oddsight/internal/validation"
)

// Handler exposes the quota decision and usage reporting endpoints. These are
// called by the API gateway on every metered odds request, so the happy path
// is one store round trip.
type Handler struct {
	enforcer *Enforcer
}

// NewHandler creates a quota handler.
func NewHandler(enforcer *Enforcer) *Handler {
	return &Handler{enforcer: enforcer}
}

// RegisterRoutes mounts the quota routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/quota/check", h.Check)
	r.GET("/usage/:id", h.Usage)
}

type checkRequest struct {
	UserID string `json:"userId" binding:"required"`
}

// Check handles POST /v1/quota/check. An exhausted budget is reported as 429
// with the decision body; only infrastructure failures are 5xx.
func (h *Handler) Check(c *gin.Context) {
	var req checkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "userId required"})
		return
	}
	if !validation.IsValidUserID(req.UserID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "malformed userId"})
		return
	}

	decision, err := h.enforcer.CheckAndConsume(c.Request.Context(), req.UserID)
	if err != nil {
		logging.L(c.Request.Context()).Error("quota check failed", "user", req.UserID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "quota check failed"})
		return
	}

	if !decision.Allowed {
		if decision.RetryAfterSeconds > 0 {
			c.Header("Retry-After", strconv.Itoa(decision.RetryAfterSeconds))
		}
		c.JSON(http.StatusTooManyRequests, decision)
		return
	}
	c.JSON(http.StatusOK, decision)
}

// Usage handles GET /v1/usage/:id without consuming from the budget.
func (h *Handler) Usage(c *gin.Context) {
	userID := c.Param("id")
	if !validation.IsValidUserID(userID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "malformed user id"})
		return
	}

	usage, err := h.enforcer.Usage(c.Request.Context(), userID)
	if err != nil {
		logging.L(c.Request.Context()).Error("usage lookup failed", "user", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "usage lookup failed"})
		return
	}
	c.JSON(http.StatusOK, usage)
}
