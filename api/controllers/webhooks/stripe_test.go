package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v84"
	"github.com/stripe/stripe-go/v84/webhook"

	stripewebhook "github.com/angelmondragon/bazaar-backend/internal/webhooks/stripe"
	pkgerrors "github.com/angelmondragon/bazaar-backend/pkg/errors"
	"github.com/angelmondragon/bazaar-backend/pkg/redis/redistest"
)

const testSecret = "whsec_test"

func newGuard(t *testing.T) (*stripewebhook.EventGuard, *redistest.Store) {
	t.Helper()
	store := redistest.New()
	guard, err := stripewebhook.NewEventGuard(store, time.Minute)
	require.NoError(t, err)
	return guard, store
}

func post(handler http.Handler, payload []byte, header string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/stripe", bytes.NewReader(payload))
	if header != "" {
		req.Header.Set("Stripe-Signature", header)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestStripeWebhook_SuccessAndIdempotent(t *testing.T) {
	payload, header := buildSignedEvent(t)
	service := &fakeStripeWebhookService{}
	guard, _ := newGuard(t)
	handler := StripeWebhook(service, &fakeSigningClient{secret: testSecret}, guard, nil)

	rec := post(handler, payload, header)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, 1, service.calls)
	require.Equal(t, stripe.EventType("payment_intent.succeeded"), service.lastType)

	rec = post(handler, payload, header)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, 1, service.calls, "duplicate delivery must not be processed")
}

func TestStripeWebhook_ConcurrentDeliveryIsRetried(t *testing.T) {
	payload, header := buildSignedEvent(t)
	var event stripe.Event
	require.NoError(t, json.Unmarshal(payload, &event))
	service := &fakeStripeWebhookService{}
	guard, _ := newGuard(t)
	handler := StripeWebhook(service, &fakeSigningClient{secret: testSecret}, guard, nil)

	claim, err := guard.Claim(context.Background(), event.ID)
	require.NoError(t, err)
	require.Equal(t, stripewebhook.ClaimFresh, claim)

	rec := post(handler, payload, header)
	require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
	require.Zero(t, service.calls)

	require.NoError(t, guard.Release(context.Background(), event.ID))
	rec = post(handler, payload, header)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, service.calls)
}

func TestStripeWebhook_InvalidSignature(t *testing.T) {
	payload, _ := buildSignedEvent(t)
	service := &fakeStripeWebhookService{}
	guard, store := newGuard(t)
	handler := StripeWebhook(service, &fakeSigningClient{secret: testSecret}, guard, nil)

	rec := post(handler, payload, "t=1,v1=invalid")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	forged := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{Payload: payload, Secret: "whsec_other", Timestamp: time.Now()})
	rec = post(handler, payload, forged.Header)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = post(handler, payload, "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	require.Zero(t, service.calls)
	require.Empty(t, store.Keys())
}

func TestStripeWebhook_FailureReleasesGuard(t *testing.T) {
	payload, header := buildSignedEvent(t)
	service := &fakeStripeWebhookService{err: pkgerrors.New(pkgerrors.CodeDependency, "database down")}
	guard, store := newGuard(t)
	handler := StripeWebhook(service, &fakeSigningClient{secret: testSecret}, guard, nil)

	rec := post(handler, payload, header)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Empty(t, store.Keys())

	service.err = nil
	rec = post(handler, payload, header)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 2, service.calls)
}

func TestStripeWebhook_UnknownIntentIsRedelivered(t *testing.T) {
	payload, header := buildSignedEvent(t)
	service := &fakeStripeWebhookService{err: pkgerrors.New(pkgerrors.CodeNotFound, "payment intent not found")}
	guard, _ := newGuard(t)
	handler := StripeWebhook(service, &fakeSigningClient{secret: testSecret}, guard, nil)

	rec := post(handler, payload, header)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStripeWebhook_GuardUnavailable(t *testing.T) {
	payload, header := buildSignedEvent(t)
	service := &fakeStripeWebhookService{}
	guard, store := newGuard(t)
	store.Err = fmt.Errorf("redis down")
	handler := StripeWebhook(service, &fakeSigningClient{secret: testSecret}, guard, nil)

	rec := post(handler, payload, header)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Zero(t, service.calls)
}

func buildSignedEvent(t *testing.T) ([]byte, string) {
	t.Helper()
	intent := &stripe.PaymentIntent{
		ID:       "pi_" + uuid.NewString(),
		Amount:   5000,
		Currency: "lkr",
		Status:   stripe.PaymentIntentStatusSucceeded,
	}
	rawIntent, err := json.Marshal(intent)
	require.NoError(t, err)
	event := &stripe.Event{
		ID:         "evt_" + uuid.NewString(),
		Type:       "payment_intent.succeeded",
		Object:     "event",
		APIVersion: stripe.APIVersion,
		Created:    time.Now().Unix(),
		Data: &stripe.EventData{
			Raw: rawIntent,
		},
	}
	payload, err := json.Marshal(event)
	require.NoError(t, err)
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{Payload: payload, Secret: testSecret, Timestamp: time.Now()})
	return payload, signed.Header
}

type fakeStripeWebhookService struct {
	calls    int
	lastType stripe.EventType
	err      error
}

func (f *fakeStripeWebhookService) HandleEvent(_ context.Context, event *stripe.Event) error {
	f.calls++
	f.lastType = event.Type
	return f.err
}

type fakeSigningClient struct {
	secret string
}

func (c *fakeSigningClient) ConstructEvent(payload []byte, signature string) (stripe.Event, error) {
	return webhook.ConstructEventWithOptions(payload, signature, c.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
}
