package stripe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v84"
	"github.com/stripe/stripe-go/v84/webhook"

	"github.com/angelmondragon/bazaar-backend/pkg/config"
	"github.com/angelmondragon/bazaar-backend/pkg/logger"
)

const (
	testEnv = "test"
	liveEnv = "live"
)

var (
	errAPIKeyRequired   = errors.New("stripe api key is required")
	errSecretRequired   = errors.New("stripe webhook secret is required")
	errInvalidStripeEnv = fmt.Errorf("stripe environment must be %q or %q", testEnv, liveEnv)
)

// keyPrefixes lists the secret and restricted key prefixes per environment.
var keyPrefixes = map[string][]string{
	testEnv: {"sk_test_", "rk_test_"},
	liveEnv: {"sk_live_", "rk_live_"},
}

// Client holds the API client and the webhook signing material.
type Client struct {
	api            *stripe.Client
	environment    string
	signingSecrets []string
	tolerance      time.Duration
}

// NewClient checks the key against the environment and builds the API
// client. The SDK's own network retries are disabled; the payment gateway
// owns retry policy so attempts stay bounded by one budget.
func NewClient(ctx context.Context, cfg config.StripeConfig, logg *logger.Logger) (*Client, error) {
	env, err := normalizeEnv(cfg.Environment())
	if err != nil {
		return nil, err
	}

	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errAPIKeyRequired
	}
	if !hasAnyPrefix(apiKey, keyPrefixes[env]) {
		return nil, fmt.Errorf("stripe environment %q requires one of %v keys", env, keyPrefixes[env])
	}

	secrets := splitSecrets(cfg.Secret)
	if len(secrets) == 0 {
		return nil, errSecretRequired
	}

	tolerance := cfg.WebhookTolerance
	if tolerance <= 0 {
		tolerance = webhook.DefaultTolerance
	}

	backends := stripe.NewBackendsWithConfig(&stripe.BackendConfig{
		MaxNetworkRetries: stripe.Int64(0),
	})
	client := &Client{
		api:            stripe.NewClient(apiKey, stripe.WithBackends(backends)),
		environment:    env,
		signingSecrets: secrets,
		tolerance:      tolerance,
	}

	if logg != nil {
		logg.Info(logg.WithFields(ctx, map[string]any{
			"stripe_env":      env,
			"signing_secrets": len(secrets),
		}), "stripe client initialized")
	}
	return client, nil
}

func (c *Client) API() *stripe.Client {
	if c == nil {
		return nil
	}
	return c.api
}

func (c *Client) Environment() string {
	if c == nil {
		return ""
	}
	return c.environment
}

// ConstructEvent verifies the Stripe-Signature header against every
// configured secret and decodes the event. Events created with another API
// version are accepted; handlers only read fields stable across versions.
func (c *Client) ConstructEvent(payload []byte, signature string) (stripe.Event, error) {
	if c == nil || len(c.signingSecrets) == 0 {
		return stripe.Event{}, errSecretRequired
	}
	var lastErr error
	for _, secret := range c.signingSecrets {
		event, err := webhook.ConstructEventWithOptions(payload, signature, secret, webhook.ConstructEventOptions{
			Tolerance:                c.tolerance,
			IgnoreAPIVersionMismatch: true,
		})
		if err == nil {
			return event, nil
		}
		lastErr = err
		// Only a signature mismatch is worth retrying with the next secret.
		if !errors.Is(err, webhook.ErrNoValidSignature) {
			break
		}
	}
	return stripe.Event{}, lastErr
}

func splitSecrets(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if secret := strings.TrimSpace(part); secret != "" {
			out = append(out, secret)
		}
	}
	return out
}

func hasAnyPrefix(value string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if strings.HasPrefix(value, prefix) {
			return true
		}
	}
	return false
}

func normalizeEnv(raw string) (string, error) {
	env := strings.TrimSpace(strings.ToLower(raw))
	if env == "" {
		env = testEnv
	}
	if _, ok := keyPrefixes[env]; !ok {
		return "", errInvalidStripeEnv
	}
	return env, nil
}
