package billing

import (
	"context"
	"fmt"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/checkout/session"
)

// CheckoutSessionParams describes a hosted checkout session to create.
// This is the narrow interface the core depends on; the concrete payment
// provider SDK is an external collaborator.
type CheckoutSessionParams struct {
	AmountMinor   int64
	Currency      string
	ProductName   string
	CustomerEmail string
	SuccessURL    string
	CancelURL     string
	Metadata      map[string]string
}

// CheckoutSession is the subset of a provider's session response the core cares about.
type CheckoutSession struct {
	ID  string
	URL string
}

// PaymentGateway creates hosted checkout sessions and verifies signed
// webhook payloads. The core never imports a concrete provider type
// directly outside this interface and its Stripe implementation below.
type PaymentGateway interface {
	CreateCheckoutSession(ctx context.Context, params CheckoutSessionParams) (*CheckoutSession, error)
}

// StripeGateway implements PaymentGateway over github.com/stripe/stripe-go/v76.
type StripeGateway struct {
	secretKey string
}

// NewStripeGateway builds a StripeGateway bound to secretKey.
func NewStripeGateway(secretKey string) *StripeGateway {
	stripe.Key = secretKey
	return &StripeGateway{secretKey: secretKey}
}

// CreateCheckoutSession creates a one-time-payment Stripe Checkout Session
// with inline price data, the shape a single-plan deployment purchase needs.
func (g *StripeGateway) CreateCheckoutSession(ctx context.Context, p CheckoutSessionParams) (*CheckoutSession, error) {
	stripeMetadata := make(map[string]string, len(p.Metadata))
	for k, v := range p.Metadata {
		stripeMetadata[k] = v
	}

	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL: stripe.String(p.SuccessURL),
		CancelURL:  stripe.String(p.CancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Quantity: stripe.Int64(1),
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency: stripe.String(p.Currency),
					UnitAmount: stripe.Int64(p.AmountMinor),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(p.ProductName),
					},
				},
			},
		},
		Metadata: stripeMetadata,
	}
	if p.CustomerEmail != "" {
		params.CustomerEmail = stripe.String(p.CustomerEmail)
	}

	sess, err := session.New(params)
	if err != nil {
		return nil, fmt.Errorf("billing: create stripe checkout session: %w", err)
	}
	return &CheckoutSession{ID: sess.ID, URL: sess.URL}, nil
}
