package admin

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/angelmondragon/bazaar-backend/api/controllers/orders"
	"github.com/angelmondragon/bazaar-backend/api/middleware"
	"github.com/angelmondragon/bazaar-backend/api/responses"
	"github.com/angelmondragon/bazaar-backend/api/validators"
	internalorders "github.com/angelmondragon/bazaar-backend/internal/orders"
	"github.com/angelmondragon/bazaar-backend/internal/refunds"
	"github.com/angelmondragon/bazaar-backend/pkg/db/models"
	"github.com/angelmondragon/bazaar-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/bazaar-backend/pkg/errors"
	"github.com/angelmondragon/bazaar-backend/pkg/logger"
)

type RefundResolver interface {
	ResolveRefund(ctx context.Context, input refunds.ResolveRefundInput) (*refunds.ResolveResult, error)
}

type LedgerReader interface {
	Ledger(ctx context.Context, intentID string) ([]models.ReconciliationLedgerEntry, error)
}

type RefundHistoryReader interface {
	RefundHistory(ctx context.Context, intentID string) ([]models.RefundRequest, error)
}

type RevenueReader interface {
	SellerRevenue(ctx context.Context, sellerID uuid.UUID) (*internalorders.SellerRevenue, error)
}

type resolveRequest struct {
	Decision string `json:"decision" validate:"required,oneof=approve deny"`
}

// ResolveRefund approves or denies the pending refund on the order's payment.
func ResolveRefund(svc RefundResolver, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		actorID, role, err := middleware.ActorFromContext(ctx)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		orderID, err := orders.OrderIDParam(r)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		var req resolveRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		// The provider refund must not be abandoned half way.
		result, err := svc.ResolveRefund(context.WithoutCancel(ctx), refunds.ResolveRefundInput{
			OrderID:  orderID,
			Decision: enums.RefundDecision(req.Decision),
			ActorID:  actorID,
			Role:     role,
		})
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, result)
	}
}

// Ledger returns every provider report recorded for the intent alongside
// its refund requests.
func Ledger(svc LedgerReader, history RefundHistoryReader, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		intentID := strings.TrimSpace(chi.URLParam(r, "intentId"))
		if intentID == "" {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeValidation, "invalid intent id"))
			return
		}

		entries, err := svc.Ledger(ctx, intentID)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		refundRequests, err := history.RefundHistory(ctx, intentID)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, map[string]any{
			"intent_id": intentID,
			"entries":   entries,
			"refunds":   refundRequests,
		})
	}
}

func SellerRevenue(svc RevenueReader, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		sellerID, err := uuid.Parse(strings.TrimSpace(chi.URLParam(r, "sellerId")))
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid seller id"))
			return
		}

		revenue, err := svc.SellerRevenue(ctx, sellerID)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, revenue)
	}
}
