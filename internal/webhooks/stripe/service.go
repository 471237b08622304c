package stripewebhook

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v84"

	"github.com/angelmondragon/bazaar-backend/internal/gateway"
	"github.com/angelmondragon/bazaar-backend/internal/orders"
	"github.com/angelmondragon/bazaar-backend/internal/payments"
	"github.com/angelmondragon/bazaar-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/bazaar-backend/pkg/errors"
	"github.com/angelmondragon/bazaar-backend/pkg/logger"
)

type observer interface {
	Observe(ctx context.Context, obs payments.Observation) (*payments.Outcome, error)
}

type materializer interface {
	Materialize(ctx context.Context, input orders.MaterializeInput) (*orders.MaterializeResult, error)
}

type ServiceParams struct {
	Coordinator  observer
	Materializer materializer
	Logger       *logger.Logger
}

// Service feeds Stripe payment intent events into the coordinator.
type Service struct {
	coordinator  observer
	materializer materializer
	logg         *logger.Logger
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Coordinator == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "coordinator required")
	}
	if params.Materializer == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "materializer required")
	}
	logg := params.Logger
	if logg == nil {
		logg = logger.Nop()
	}
	return &Service{
		coordinator:  params.Coordinator,
		materializer: params.Materializer,
		logg:         logg,
	}, nil
}

// HandleEvent returns nil when the event is settled, including outcomes that
// need an operator: redelivering those cannot change them. Only transient
// failures come back as errors so the provider retries.
func (s *Service) HandleEvent(ctx context.Context, event *stripe.Event) error {
	if event == nil || event.Data == nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "stripe event data required")
	}

	var observed enums.ObservedState
	switch event.Type {
	case stripe.EventTypePaymentIntentSucceeded,
		stripe.EventTypePaymentIntentCanceled,
		stripe.EventTypePaymentIntentProcessing,
		stripe.EventTypePaymentIntentRequiresAction:
	case stripe.EventTypePaymentIntentPaymentFailed:
		observed = enums.ObservedFailed
	default:
		s.logg.Info(s.logg.WithField(ctx, "event_type", string(event.Type)), "stripe event ignored")
		return nil
	}

	var intent stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode payment intent event")
	}
	if intent.ID == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "payment intent id missing")
	}
	if observed == "" {
		observed = gateway.NormalizeStatus(intent.Status)
	}

	ctx = s.logg.WithIntentID(s.logg.WithEventID(ctx, event.ID, string(event.Type)), intent.ID)

	receivedAt := time.Now().UTC()
	if event.Created > 0 {
		receivedAt = time.Unix(event.Created, 0).UTC()
	}
	outcome, err := s.coordinator.Observe(ctx, payments.Observation{
		IntentID:       intent.ID,
		Source:         enums.SourceWebhook,
		State:          observed,
		ProviderStatus: string(intent.Status),
		EventID:        event.ID,
		ReceivedAt:     receivedAt,
	})
	if err != nil {
		return s.settle(ctx, err)
	}

	if outcome.StateAfter != enums.PaymentStateSucceeded || outcome.Intent.CartSnapshot == nil {
		return nil
	}
	result, err := s.materializer.Materialize(ctx, orders.MaterializeInput{
		IntentID: intent.ID,
		Actor:    string(enums.SourceWebhook),
	})
	if err != nil {
		return s.settle(ctx, err)
	}
	if result.Created {
		s.logg.Info(s.logg.WithField(ctx, "order_count", len(result.Orders)), "orders materialized from webhook")
	}
	return nil
}

// settle swallows errors that are already recorded and need a human, and
// passes everything else through.
func (s *Service) settle(ctx context.Context, err error) error {
	switch pkgerrors.ClassOf(err) {
	case pkgerrors.ClassConflict, pkgerrors.ClassConsistency:
		s.logg.Warn(s.logg.WithField(ctx, "code", string(pkgerrors.CodeOf(err))), fmt.Sprintf("stripe event acknowledged: %v", err))
		return nil
	default:
		return err
	}
}
