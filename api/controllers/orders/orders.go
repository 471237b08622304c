package orders

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/angelmondragon/bazaar-backend/api/middleware"
	"github.com/angelmondragon/bazaar-backend/api/responses"
	"github.com/angelmondragon/bazaar-backend/api/validators"
	internalorders "github.com/angelmondragon/bazaar-backend/internal/orders"
	"github.com/angelmondragon/bazaar-backend/internal/refunds"
	"github.com/angelmondragon/bazaar-backend/pkg/db/models"
	"github.com/angelmondragon/bazaar-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/bazaar-backend/pkg/errors"
	"github.com/angelmondragon/bazaar-backend/pkg/logger"
	"github.com/angelmondragon/bazaar-backend/pkg/pagination"
	"github.com/angelmondragon/bazaar-backend/pkg/types"
)

type Materializer interface {
	Materialize(ctx context.Context, input internalorders.MaterializeInput) (*internalorders.MaterializeResult, error)
}

type Lister interface {
	ListBuyerOrders(ctx context.Context, buyerID uuid.UUID, params pagination.Params) (pagination.Page[models.Order], error)
}

type StatusUpdater interface {
	UpdateOrderStatus(ctx context.Context, input internalorders.UpdateStatusInput) (*models.Order, error)
}

type RefundRequester interface {
	RequestRefund(ctx context.Context, input refunds.RequestRefundInput) (*models.RefundRequest, error)
}

type createOrderRequest struct {
	IntentID     string             `json:"intent_id" validate:"required,max=255"`
	CartSnapshot types.CartSnapshot `json:"cart_snapshot"`
}

type createOrderResponse struct {
	IntentID string         `json:"intent_id"`
	Created  bool           `json:"created"`
	Orders   []models.Order `json:"orders"`
}

// Create materializes the orders for a succeeded payment. The first call
// answers 201; later calls return the same orders with 200.
func Create(svc Materializer, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		buyerID, _, err := middleware.ActorFromContext(ctx)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		var req createOrderRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		if logg != nil {
			ctx = logg.WithIntentID(ctx, req.IntentID)
		}

		snapshot := req.CartSnapshot
		result, err := svc.Materialize(context.WithoutCancel(ctx), internalorders.MaterializeInput{
			IntentID: strings.TrimSpace(req.IntentID),
			Snapshot: &snapshot,
			BuyerID:  &buyerID,
			Actor:    "buyer:" + buyerID.String(),
		})
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		status := http.StatusOK
		if result.Created {
			status = http.StatusCreated
		}
		responses.WriteSuccessStatus(w, status, createOrderResponse{
			IntentID: req.IntentID,
			Created:  result.Created,
			Orders:   result.Orders,
		})
	}
}

// List returns the buyer's orders newest first.
func List(svc Lister, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		buyerID, _, err := middleware.ActorFromContext(ctx)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		limit, err := validators.ParseQueryInt(r, "limit", pagination.DefaultLimit, 1, pagination.MaxLimit)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		params := pagination.Params{
			Limit:  limit,
			Cursor: strings.TrimSpace(r.URL.Query().Get("cursor")),
		}

		page, err := svc.ListBuyerOrders(ctx, buyerID, params)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, page)
	}
}

type updateStatusRequest struct {
	Status string `json:"status" validate:"required,oneof=pending processing shipped completed cancelled"`
}

func UpdateStatus(svc StatusUpdater, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		actorID, role, err := middleware.ActorFromContext(ctx)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		orderID, err := OrderIDParam(r)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		var req updateStatusRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		order, err := svc.UpdateOrderStatus(ctx, internalorders.UpdateStatusInput{
			OrderID: orderID,
			Status:  enums.OrderStatus(req.Status),
			ActorID: actorID,
			Role:    role,
		})
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, order)
	}
}

type refundRequest struct {
	Reason string `json:"reason" validate:"max=1000"`
}

// RequestRefund records the refund request and answers 202; an admin
// resolves it later.
func RequestRefund(svc RefundRequester, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		actorID, role, err := middleware.ActorFromContext(ctx)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		orderID, err := OrderIDParam(r)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		var req refundRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		request, err := svc.RequestRefund(ctx, refunds.RequestRefundInput{
			OrderID: orderID,
			Reason:  req.Reason,
			ActorID: actorID,
			Role:    role,
		})
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusAccepted, request)
	}
}

// OrderIDParam parses the {orderId} route parameter.
func OrderIDParam(r *http.Request) (uuid.UUID, error) {
	raw := strings.TrimSpace(chi.URLParam(r, "orderId"))
	orderID, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid order id")
	}
	return orderID, nil
}
