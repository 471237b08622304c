package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/stripe/stripe-go/v84"

	"github.com/angelmondragon/bazaar-backend/pkg/config"
	"github.com/angelmondragon/bazaar-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/bazaar-backend/pkg/errors"
	"github.com/angelmondragon/bazaar-backend/pkg/logger"
	"github.com/angelmondragon/bazaar-backend/pkg/metrics"
)

const (
	opCreateIntent = "create_intent"
	opFetchStatus  = "fetch_status"
	opRefund       = "refund"

	outcomeOK        = "ok"
	outcomeRetryable = "retryable"
	outcomeFatal     = "fatal"
)

// ProviderIntent is the provider's view of a payment intent.
type ProviderIntent struct {
	ID               string
	ClientSecret     string
	Status           string
	State            enums.ObservedState
	AmountMinorUnits int64
	Currency         string
}

type Params struct {
	API     API
	Config  config.PaymentsConfig
	Metrics *metrics.ReconciliationMetrics
	Logger  *logger.Logger
}

// Gateway talks to the card provider. It never touches local state; every
// mutating call carries an idempotency key so retries cannot double charge.
type Gateway struct {
	api         API
	timeout     time.Duration
	maxAttempts int
	backoffBase time.Duration
	backoffCap  time.Duration
	metrics     *metrics.ReconciliationMetrics
	logg        *logger.Logger
}

func New(params Params) (*Gateway, error) {
	if params.API == nil {
		return nil, errors.New("provider api is required")
	}
	cfg := params.Config
	if cfg.ProviderTimeout <= 0 {
		return nil, errors.New("provider timeout must be positive")
	}
	if cfg.MaxAttempts <= 0 {
		return nil, errors.New("max attempts must be positive")
	}
	base := cfg.BackoffBase
	if base <= 0 {
		base = 200 * time.Millisecond
	}
	ceiling := cfg.BackoffCap
	if ceiling < base {
		ceiling = base
	}
	logg := params.Logger
	if logg == nil {
		logg = logger.Nop()
	}
	return &Gateway{
		api:         params.API,
		timeout:     cfg.ProviderTimeout,
		maxAttempts: cfg.MaxAttempts,
		backoffBase: base,
		backoffCap:  ceiling,
		metrics:     params.Metrics,
		logg:        logg,
	}, nil
}

// CreateIntent opens a provider payment intent. The idempotency key is
// forwarded so a retried request returns the intent created by the first.
func (g *Gateway) CreateIntent(ctx context.Context, amountMinorUnits int64, currency, idempotencyKey string) (*ProviderIntent, error) {
	if amountMinorUnits <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeInvalidAmount, "amount must be positive")
	}
	if strings.TrimSpace(idempotencyKey) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "idempotency key is required")
	}

	var intent *stripe.PaymentIntent
	err := g.do(ctx, opCreateIntent, func(attemptCtx context.Context) error {
		params := &stripe.PaymentIntentCreateParams{
			Amount:   stripe.Int64(amountMinorUnits),
			Currency: stripe.String(strings.ToLower(currency)),
			AutomaticPaymentMethods: &stripe.PaymentIntentCreateAutomaticPaymentMethodsParams{
				Enabled: stripe.Bool(true),
			},
		}
		params.SetIdempotencyKey(idempotencyKey)
		params.AddMetadata("idempotency_key", idempotencyKey)
		var err error
		intent, err = g.api.CreatePaymentIntent(attemptCtx, params)
		return err
	})
	if err != nil {
		return nil, err
	}
	return toProviderIntent(intent), nil
}

// FetchStatus reads the current provider status of an intent.
func (g *Gateway) FetchStatus(ctx context.Context, intentID string) (*ProviderIntent, error) {
	if strings.TrimSpace(intentID) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "intent id is required")
	}
	var intent *stripe.PaymentIntent
	err := g.do(ctx, opFetchStatus, func(attemptCtx context.Context) error {
		var err error
		intent, err = g.api.RetrievePaymentIntent(attemptCtx, intentID, &stripe.PaymentIntentRetrieveParams{})
		return err
	})
	if err != nil {
		return nil, err
	}
	return toProviderIntent(intent), nil
}

// Refund refunds the full captured amount of intentID.
func (g *Gateway) Refund(ctx context.Context, intentID, idempotencyKey string) (string, error) {
	if strings.TrimSpace(intentID) == "" || strings.TrimSpace(idempotencyKey) == "" {
		return "", pkgerrors.New(pkgerrors.CodeValidation, "intent id and idempotency key are required")
	}
	var refund *stripe.Refund
	err := g.do(ctx, opRefund, func(attemptCtx context.Context) error {
		params := &stripe.RefundCreateParams{PaymentIntent: stripe.String(intentID)}
		params.SetIdempotencyKey(idempotencyKey)
		var err error
		refund, err = g.api.CreateRefund(attemptCtx, params)
		return err
	})
	if err != nil {
		return "", err
	}
	if refund == nil {
		return "", pkgerrors.New(pkgerrors.CodeGatewayUnavailable, "provider returned no refund")
	}
	return refund.ID, nil
}

// do runs call with a fresh timeout per attempt and capped exponential
// backoff between retryable failures.
func (g *Gateway) do(ctx context.Context, op string, call func(context.Context) error) error {
	backoff := retry.NewExponential(g.backoffBase)
	backoff = retry.WithCappedDuration(g.backoffCap, backoff)
	backoff = retry.WithMaxRetries(uint64(g.maxAttempts-1), backoff)

	attempts := 0
	var lastErr error
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		attemptCtx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()

		start := time.Now()
		err := call(attemptCtx)
		if err == nil {
			g.metrics.ObserveGatewayAttempt(op, outcomeOK, time.Since(start))
			return nil
		}
		lastErr = err
		if isRetryable(err) {
			g.metrics.ObserveGatewayAttempt(op, outcomeRetryable, time.Since(start))
			logCtx := g.logg.WithFields(ctx, map[string]any{"operation": op, "attempt": attempts, "error": err.Error()})
			g.logg.Warn(logCtx, "payment provider call failed, retrying")
			return retry.RetryableError(err)
		}
		g.metrics.ObserveGatewayAttempt(op, outcomeFatal, time.Since(start))
		return err
	})
	if err == nil {
		return nil
	}
	if lastErr == nil {
		lastErr = err
	}
	if isRetryable(lastErr) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return pkgerrors.Wrap(pkgerrors.CodeGatewayUnavailable, lastErr, fmt.Sprintf("payment provider unavailable after %d attempts", attempts)).
			WithDetails(map[string]any{"operation": op, "attempts": attempts})
	}
	return classifyFatal(lastErr)
}

func isRetryable(err error) bool {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		return stripeErr.HTTPStatusCode == http.StatusTooManyRequests ||
			stripeErr.HTTPStatusCode >= http.StatusInternalServerError ||
			stripeErr.HTTPStatusCode == 0
	}
	// Anything that never reached Stripe's API layer is a transport failure.
	return true
}

func classifyFatal(err error) error {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		return pkgerrors.Wrap(pkgerrors.CodeGatewayUnavailable, err, "payment provider call failed")
	}
	details := map[string]any{"provider_code": string(stripeErr.Code)}
	if stripeErr.Type == stripe.ErrorTypeCard {
		if stripeErr.DeclineCode != "" {
			details["decline_code"] = string(stripeErr.DeclineCode)
		}
		return pkgerrors.Wrap(pkgerrors.CodePaymentDeclined, err, "payment declined").WithDetails(details)
	}
	return pkgerrors.Wrap(pkgerrors.CodeValidation, err, stripeErr.Msg).WithDetails(details)
}

func toProviderIntent(intent *stripe.PaymentIntent) *ProviderIntent {
	if intent == nil {
		return &ProviderIntent{State: enums.ObservedUnknown}
	}
	return &ProviderIntent{
		ID:               intent.ID,
		ClientSecret:     intent.ClientSecret,
		Status:           string(intent.Status),
		State:            NormalizeStatus(intent.Status),
		AmountMinorUnits: intent.Amount,
		Currency:         string(intent.Currency),
	}
}
