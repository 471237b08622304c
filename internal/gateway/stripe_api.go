package gateway

import (
	"context"
	"errors"

	"github.com/stripe/stripe-go/v84"

	pkgstripe "github.com/angelmondragon/bazaar-backend/pkg/stripe"
)

// API is the subset of Stripe used by the gateway.
type API interface {
	CreatePaymentIntent(ctx context.Context, params *stripe.PaymentIntentCreateParams) (*stripe.PaymentIntent, error)
	RetrievePaymentIntent(ctx context.Context, id string, params *stripe.PaymentIntentRetrieveParams) (*stripe.PaymentIntent, error)
	CreateRefund(ctx context.Context, params *stripe.RefundCreateParams) (*stripe.Refund, error)
}

type stripeAPI struct {
	client *stripe.Client
}

// NewStripeAPI adapts the bootstrapped Stripe client to API.
func NewStripeAPI(client *pkgstripe.Client) (API, error) {
	if client == nil || client.API() == nil {
		return nil, errors.New("stripe client is required")
	}
	return &stripeAPI{client: client.API()}, nil
}

func (s *stripeAPI) CreatePaymentIntent(ctx context.Context, params *stripe.PaymentIntentCreateParams) (*stripe.PaymentIntent, error) {
	return s.client.V1PaymentIntents.Create(ctx, params)
}

func (s *stripeAPI) RetrievePaymentIntent(ctx context.Context, id string, params *stripe.PaymentIntentRetrieveParams) (*stripe.PaymentIntent, error) {
	return s.client.V1PaymentIntents.Retrieve(ctx, id, params)
}

func (s *stripeAPI) CreateRefund(ctx context.Context, params *stripe.RefundCreateParams) (*stripe.Refund, error) {
	return s.client.V1Refunds.Create(ctx, params)
}
