package billing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"

	"github.com/oddsight/oddsight/internal/entitlement"
)

// StripeClient wraps the Stripe API for the operations the reconciler and the
// checkout/portal handlers need.
type StripeClient struct {
	api           *client.API
	priceGold     string
	pricePlatinum string
	frontendURL   string
}

// NewStripeClient creates a Stripe client with per-tier price ids configured.
func NewStripeClient(secretKey, priceGold, pricePlatinum, frontendURL string) *StripeClient {
	api := &client.API{}
	api.Init(secretKey, nil)
	return &StripeClient{
		api:           api,
		priceGold:     priceGold,
		pricePlatinum: pricePlatinum,
		frontendURL:   strings.TrimRight(frontendURL, "/"),
	}
}

// PeriodEnd fetches the authoritative current period end for a subscription.
func (s *StripeClient) PeriodEnd(ctx context.Context, subscriptionID string) (time.Time, error) {
	if subscriptionID == "" {
		return time.Time{}, fmt.Errorf("%w: missing subscription id", ErrMalformedEvent)
	}
	sub, err := s.api.Subscriptions.Get(subscriptionID, &stripe.SubscriptionParams{
		Params: stripe.Params{Context: ctx},
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("stripe subscription %s: %w", subscriptionID, err)
	}
	return time.Unix(sub.CurrentPeriodEnd, 0).UTC(), nil
}

// PlanForPrice maps a Stripe price id to the plan tier it sells.
func (s *StripeClient) PlanForPrice(priceID string) entitlement.Plan {
	switch priceID {
	case s.pricePlatinum:
		return entitlement.PlanPlatinum
	case s.priceGold:
		return entitlement.PlanGold
	default:
		return entitlement.PlanFree
	}
}

// priceFor returns the price id selling a tier.
func (s *StripeClient) priceFor(plan entitlement.Plan) (string, error) {
	switch plan {
	case entitlement.PlanGold:
		if s.priceGold == "" {
			return "", fmt.Errorf("billing: no price configured for gold")
		}
		return s.priceGold, nil
	case entitlement.PlanPlatinum:
		if s.pricePlatinum == "" {
			return "", fmt.Errorf("billing: no price configured for platinum")
		}
		return s.pricePlatinum, nil
	default:
		return "", fmt.Errorf("billing: plan %q is not purchasable", plan)
	}
}

// NewCheckoutSession creates a subscription checkout session for the user.
// The user id travels in the session metadata so the completed-checkout
// webhook can correlate it back.
func (s *StripeClient) NewCheckoutSession(ctx context.Context, userID string, plan entitlement.Plan) (string, error) {
	priceID, err := s.priceFor(plan)
	if err != nil {
		return "", err
	}

	params := &stripe.CheckoutSessionParams{
		Params:            stripe.Params{Context: ctx},
		Mode:              stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		ClientReferenceID: stripe.String(userID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(priceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(s.frontendURL + "/billing/success"),
		CancelURL:  stripe.String(s.frontendURL + "/billing/cancel"),
	}
	params.AddMetadata("userId", userID)
	params.AddMetadata("plan", string(plan))

	sess, err := s.api.CheckoutSessions.New(params)
	if err != nil {
		return "", fmt.Errorf("stripe checkout session: %w", err)
	}
	return sess.URL, nil
}

// NewPortalSession creates a customer portal session for an existing billing
// customer.
func (s *StripeClient) NewPortalSession(ctx context.Context, customerRef string) (string, error) {
	if customerRef == "" {
		return "", fmt.Errorf("billing: user has no billing customer")
	}
	sess, err := s.api.BillingPortalSessions.New(&stripe.BillingPortalSessionParams{
		Params:    stripe.Params{Context: ctx},
		Customer:  stripe.String(customerRef),
		ReturnURL: stripe.String(s.frontendURL + "/settings/billing"),
	})
	if err != nil {
		return "", fmt.Errorf("stripe portal session: %w", err)
	}
	return sess.URL, nil
}

var _ SubscriptionResolver = (*StripeClient)(nil)
