package billing

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/oddsight/oddsight/internal/entitlement"
	"github.com/oddsight/oddsight/internal/logging"
	"github.com/oddsight/oddsight/internal/validation"
)

const maxWebhookBodyBytes = int64(1 << 18)

// Handler provides the Stripe webhook endpoint and checkout/portal session
// creation.
type Handler struct {
	reconciler    *Reconciler
	stripe        *StripeClient
	entitlements  entitlement.Store
	webhookSecret string
}

// NewHandler creates a billing handler.
func NewHandler(reconciler *Reconciler, sc *StripeClient, entitlements entitlement.Store, webhookSecret string) *Handler {
	return &Handler{
		reconciler:    reconciler,
		stripe:        sc,
		entitlements:  entitlements,
		webhookSecret: webhookSecret,
	}
}

// RegisterRoutes mounts the public billing routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/billing/webhook", h.Webhook)
}

// RegisterProtectedRoutes mounts the session-creation routes (behind the
// internal API key; the frontend proxies through the gateway).
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/billing/checkout", h.CreateCheckout)
	r.POST("/billing/portal", h.CreatePortal)
}

// Webhook handles signed Stripe events. A signature failure is fatal for the
// request and nothing is applied; application errors return non-2xx so
// Stripe's redelivery acts as the retry mechanism.
func (h *Handler) Webhook(c *gin.Context) {
	logger := logging.L(c.Request.Context())

	// A hard cap, not a truncating read: a truncated payload would fail
	// signature verification on every redelivery.
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "payload_too_large", "message": "webhook payload exceeds limit"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_payload", "message": "failed to read body"})
		return
	}

	event, err := webhook.ConstructEventWithOptions(
		body,
		c.GetHeader("Stripe-Signature"),
		h.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true},
	)
	if err != nil {
		logger.Warn("webhook signature verification failed", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_signature", "message": "signature verification failed"})
		return
	}

	switch event.Type {
	case "checkout.session.completed":
		h.handleCheckoutCompleted(c, event)
	case "customer.subscription.deleted":
		h.handleSubscriptionEvent(c, event, true)
	case "customer.subscription.updated":
		h.handleSubscriptionEvent(c, event, false)
	default:
		// Unhandled event types are acknowledged, not errors.
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
	}
}

func (h *Handler) handleCheckoutCompleted(c *gin.Context, event stripe.Event) {
	var sess stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_payload", "message": "invalid session payload"})
		return
	}

	userID := sess.Metadata["userId"]
	if userID == "" {
		userID = sess.ClientReferenceID
	}

	ev := CheckoutCompleted{
		EventID: event.ID,
		Created: time.Unix(event.Created, 0).UTC(),
		UserID:  userID,
		Plan:    entitlement.Plan(sess.Metadata["plan"]),
	}
	if sess.Customer != nil {
		ev.CustomerRef = sess.Customer.ID
	}
	if sess.Subscription != nil {
		ev.SubscriptionID = sess.Subscription.ID
	}

	h.respond(c, h.reconciler.HandleCheckoutCompleted(c.Request.Context(), ev))
}

func (h *Handler) handleSubscriptionEvent(c *gin.Context, event stripe.Event, deleted bool) {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_payload", "message": "invalid subscription payload"})
		return
	}

	// An update only ends the entitlement when the subscription is no longer
	// collectible; other updates (renewals, plan switches) arrive as fresh
	// checkout or invoice events.
	if !deleted && !subscriptionEnded(sub.Status) {
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}

	ev := SubscriptionEnded{
		EventID: event.ID,
		Created: time.Unix(event.Created, 0).UTC(),
	}
	if sub.Customer != nil {
		ev.CustomerRef = sub.Customer.ID
	}

	h.respond(c, h.reconciler.HandleSubscriptionEnded(c.Request.Context(), ev))
}

func subscriptionEnded(status stripe.SubscriptionStatus) bool {
	switch status {
	case stripe.SubscriptionStatusCanceled,
		stripe.SubscriptionStatusUnpaid,
		stripe.SubscriptionStatusIncompleteExpired:
		return true
	}
	return false
}

func (h *Handler) respond(c *gin.Context, err error) {
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	case errors.Is(err, ErrMalformedEvent):
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed_event", "message": err.Error()})
	default:
		logging.L(c.Request.Context()).Error("webhook application failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "event application failed"})
	}
}

// CreateCheckout handles POST /v1/billing/checkout.
func (h *Handler) CreateCheckout(c *gin.Context) {
	var req struct {
		UserID string           `json:"userId" binding:"required"`
		Plan   entitlement.Plan `json:"plan" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "userId and plan required"})
		return
	}
	if !validation.IsValidUserID(req.UserID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "malformed userId"})
		return
	}
	if !req.Plan.Paid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_plan", "message": "plan must be gold or platinum"})
		return
	}

	url, err := h.stripe.NewCheckoutSession(c.Request.Context(), req.UserID, req.Plan)
	if err != nil {
		logging.L(c.Request.Context()).Error("checkout session failed", "user", req.UserID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to create checkout session"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"url": url})
}

// CreatePortal handles POST /v1/billing/portal.
func (h *Handler) CreatePortal(c *gin.Context) {
	var req struct {
		UserID string `json:"userId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "userId required"})
		return
	}
	if !validation.IsValidUserID(req.UserID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "malformed userId"})
		return
	}

	ent, err := h.entitlements.LoadOrCreate(c.Request.Context(), req.UserID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to load user"})
		return
	}
	if ent.BillingCustomerRef == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no_billing_customer", "message": "user has no billing history"})
		return
	}

	url, err := h.stripe.NewPortalSession(c.Request.Context(), ent.BillingCustomerRef)
	if err != nil {
		logging.L(c.Request.Context()).Error("portal session failed", "user", req.UserID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to create portal session"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"url": url})
}
