package webhooks

import (
	"context"
	"io"
	"net/http"

	"github.com/stripe/stripe-go/v84"

	"github.com/angelmondragon/bazaar-backend/api/responses"
	stripewebhook "github.com/angelmondragon/bazaar-backend/internal/webhooks/stripe"
	pkgerrors "github.com/angelmondragon/bazaar-backend/pkg/errors"
	"github.com/angelmondragon/bazaar-backend/pkg/logger"
)

const (
	maxWebhookBody  = 1 << 16
	signatureHeader = "Stripe-Signature"
)

type StripeWebhookService interface {
	HandleEvent(ctx context.Context, event *stripe.Event) error
}

// EventGuard deduplicates deliveries by provider event id.
type EventGuard interface {
	Claim(ctx context.Context, eventID string) (stripewebhook.Claim, error)
	Complete(ctx context.Context, eventID string) error
	Release(ctx context.Context, eventID string) error
}

// EventVerifier checks the signature header and decodes the event.
type EventVerifier interface {
	ConstructEvent(payload []byte, signature string) (stripe.Event, error)
}

var received = map[string]bool{"received": true}

// StripeWebhook verifies and dispatches payment intent events. A bad
// signature is a 400 that never reaches the service. A delivery racing
// another one for the same event gets a 409 so the provider retries it; a
// failed delivery releases its claim so the retry is handled from scratch.
func StripeWebhook(svc StripeWebhookService, verifier EventVerifier, guard EventGuard, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil || verifier == nil || guard == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "stripe webhook not configured"))
			return
		}

		event, err := verify(r, verifier)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		if logg != nil {
			ctx = logg.WithEventID(ctx, event.ID, string(event.Type))
		}
		// Processing outlives a provider hang-up.
		work := context.WithoutCancel(ctx)

		claim, err := guard.Claim(work, event.ID)
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeStoreUnavailable, err, "claim webhook event"))
			return
		}
		switch claim {
		case stripewebhook.ClaimProcessed:
			if logg != nil {
				logg.Info(ctx, "stripe event already processed")
			}
			responses.WriteSuccess(w, received)
			return
		case stripewebhook.ClaimInFlight:
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInProgress, "event is being processed"))
			return
		}

		if err := svc.HandleEvent(work, &event); err != nil {
			if releaseErr := guard.Release(work, event.ID); releaseErr != nil && logg != nil {
				logg.Error(ctx, "release webhook claim", releaseErr)
			}
			responses.WriteError(ctx, logg, w, err)
			return
		}
		if err := guard.Complete(work, event.ID); err != nil && logg != nil {
			// The claim expires on its own; a redelivery replays idempotently.
			logg.Error(ctx, "mark webhook event processed", err)
		}
		if logg != nil {
			logg.Info(ctx, "stripe event processed")
		}
		responses.WriteSuccess(w, received)
	}
}

func verify(r *http.Request, verifier EventVerifier) (stripe.Event, error) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		return stripe.Event{}, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "read request body")
	}
	header := r.Header.Get(signatureHeader)
	if header == "" {
		return stripe.Event{}, pkgerrors.New(pkgerrors.CodeValidation, "stripe signature missing")
	}
	event, err := verifier.ConstructEvent(payload, header)
	if err != nil {
		return stripe.Event{}, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid stripe signature")
	}
	return event, nil
}
