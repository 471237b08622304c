package payments

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/angelmondragon/bazaar-backend/api/middleware"
	"github.com/angelmondragon/bazaar-backend/api/responses"
	"github.com/angelmondragon/bazaar-backend/api/validators"
	internalpayments "github.com/angelmondragon/bazaar-backend/internal/payments"
	"github.com/angelmondragon/bazaar-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/bazaar-backend/pkg/errors"
	"github.com/angelmondragon/bazaar-backend/pkg/logger"
)

const (
	maxShippingAddress = 500
	maxPhone           = 32
)

type IntentService interface {
	CreateIntent(ctx context.Context, input internalpayments.CreateIntentInput) (*internalpayments.IntentResult, error)
	Confirm(ctx context.Context, intentID string, buyerID uuid.UUID) (*internalpayments.ConfirmResult, error)
	Get(ctx context.Context, intentID string, actorID uuid.UUID, role enums.Role) (*internalpayments.IntentView, error)
}

type createIntentRequest struct {
	AmountMinorUnits int64  `json:"amount_minor_units"`
	Currency         string `json:"currency" validate:"required,currency"`
	IdempotencyKey   string `json:"idempotency_key" validate:"required,idemkey"`
	ShippingAddress  string `json:"shipping_address" validate:"omitempty,max=500"`
	Phone            string `json:"phone" validate:"omitempty,max=32"`
}

// CreateIntent opens a payment intent for the buyer. The amount check runs
// in the service so a non-positive amount maps to INVALID_AMOUNT.
func CreateIntent(svc IntentService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		buyerID, _, err := middleware.ActorFromContext(ctx)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		var req createIntentRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		result, err := svc.CreateIntent(ctx, internalpayments.CreateIntentInput{
			BuyerID:          buyerID,
			AmountMinorUnits: req.AmountMinorUnits,
			Currency:         req.Currency,
			IdempotencyKey:   req.IdempotencyKey,
			ShippingAddress:  validators.SanitizeString(req.ShippingAddress, maxShippingAddress),
			Phone:            validators.SanitizeString(req.Phone, maxPhone),
		})
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		status := http.StatusCreated
		if result.Replayed {
			status = http.StatusOK
		}
		responses.WriteSuccessStatus(w, status, result)
	}
}

// Confirm is the client's callback after it confirmed the payment with the
// provider. The server fetches the authoritative status itself.
func Confirm(svc IntentService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		buyerID, _, err := middleware.ActorFromContext(ctx)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		intentID, err := intentIDParam(r)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		if logg != nil {
			ctx = logg.WithIntentID(ctx, intentID)
		}

		result, err := svc.Confirm(context.WithoutCancel(ctx), intentID, buyerID)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, result)
	}
}

func Get(svc IntentService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		actorID, role, err := middleware.ActorFromContext(ctx)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		intentID, err := intentIDParam(r)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		view, err := svc.Get(ctx, intentID, actorID, role)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, view)
	}
}

func intentIDParam(r *http.Request) (string, error) {
	intentID := strings.TrimSpace(chi.URLParam(r, "intentId"))
	if intentID == "" || len(intentID) > 255 {
		return "", pkgerrors.New(pkgerrors.CodeValidation, "invalid intent id")
	}
	return intentID, nil
}
