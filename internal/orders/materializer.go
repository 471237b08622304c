package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/bazaar-backend/internal/payments"
	"github.com/angelmondragon/bazaar-backend/pkg/db"
	"github.com/angelmondragon/bazaar-backend/pkg/db/models"
	"github.com/angelmondragon/bazaar-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/bazaar-backend/pkg/errors"
	"github.com/angelmondragon/bazaar-backend/pkg/logger"
	"github.com/angelmondragon/bazaar-backend/pkg/outbox"
	"github.com/angelmondragon/bazaar-backend/pkg/outbox/payloads"
	"github.com/angelmondragon/bazaar-backend/pkg/types"
)

const reviewAmountMismatch = "amount_mismatch"

var errAlreadyMaterialized = errors.New("orders already materialized")

// MaterializeInput names the intent to turn into orders. A nil Snapshot uses
// the one stored on the intent at creation. BuyerID, when set, must own the
// intent.
type MaterializeInput struct {
	IntentID string
	Snapshot *types.CartSnapshot
	BuyerID  *uuid.UUID
	Actor    string
}

type MaterializeResult struct {
	Orders  []models.Order
	Created bool
}

type MaterializerParams struct {
	DB          *gorm.DB
	Coordinator *payments.Coordinator
	Outbox      outbox.Emitter
	Logger      *logger.Logger
}

// Materializer turns a succeeded payment into exactly one set of orders.
type Materializer struct {
	repo        *Repository
	coordinator *payments.Coordinator
	outbox      outbox.Emitter
	logg        *logger.Logger
	now         func() time.Time
}

func NewMaterializer(params MaterializerParams) (*Materializer, error) {
	if params.DB == nil {
		return nil, fmt.Errorf("database required")
	}
	if params.Coordinator == nil {
		return nil, fmt.Errorf("coordinator required")
	}
	if params.Outbox == nil {
		return nil, fmt.Errorf("outbox emitter required")
	}
	logg := params.Logger
	if logg == nil {
		logg = logger.Nop()
	}
	return &Materializer{
		repo:        NewRepository(params.DB),
		coordinator: params.Coordinator,
		outbox:      params.Outbox,
		logg:        logg,
		now:         func() time.Time { return time.Now().UTC() },
	}, nil
}

// Materialize creates the intent's orders once. Calls after the first return
// the existing orders with Created=false, whatever snapshot they carry.
func (m *Materializer) Materialize(ctx context.Context, input MaterializeInput) (*MaterializeResult, error) {
	if input.IntentID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "intent_id is required")
	}
	actor := input.Actor
	if actor == "" {
		actor = "system"
	}
	ctx = m.logg.WithIntentID(ctx, input.IntentID)

	var (
		result   *MaterializeResult
		mismatch error
		paid     bool
	)
	err := m.coordinator.Locker().Exclusive(ctx, input.IntentID, func(tx *gorm.DB, intent *models.PaymentIntent) error {
		if input.BuyerID != nil && *input.BuyerID != intent.BuyerID {
			return pkgerrors.New(pkgerrors.CodeNotFound, "payment intent not found")
		}
		repo := NewRepository(tx)
		existing, err := repo.ListByIntent(ctx, intent.IntentID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load existing orders")
		}
		if len(existing) > 0 {
			result = &MaterializeResult{Orders: existing}
			return nil
		}

		switch intent.State {
		case enums.PaymentStateSucceeded:
			paid = true
		case enums.PaymentStateConflicted:
			return pkgerrors.New(pkgerrors.CodeConsistencyAlert, "payment is under manual reconciliation").
				WithDetails(map[string]any{"intent_id": intent.IntentID})
		default:
			return pkgerrors.New(pkgerrors.CodePaymentNotSucceeded, "payment has not succeeded").
				WithDetails(map[string]any{"intent_id": intent.IntentID, "state": intent.State})
		}

		snapshot := input.Snapshot
		if snapshot == nil {
			snapshot = intent.CartSnapshot
		}
		if snapshot == nil {
			return pkgerrors.New(pkgerrors.CodeValidation, "cart snapshot is required")
		}
		if err := snapshot.Validate(); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid cart snapshot")
		}
		total, err := snapshot.Total()
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid cart snapshot")
		}
		if total != intent.AmountMinorUnits {
			// The flag must survive, so the transaction commits and the
			// mismatch is reported afterwards.
			if err := m.coordinator.FlagForReview(ctx, tx, intent, reviewAmountMismatch); err != nil {
				return err
			}
			mismatch = pkgerrors.New(pkgerrors.CodeAmountMismatch, "cart total does not match the payment amount").
				WithDetails(map[string]any{
					"intent_id":      intent.IntentID,
					"payment_amount": intent.AmountMinorUnits,
					"cart_total":     total,
					"currency":       intent.Currency,
				})
			return nil
		}

		now := m.now()
		orders := make([]models.Order, 0, len(snapshot.Lines))
		orderIDs := make([]uuid.UUID, 0, len(snapshot.Lines))
		for _, line := range snapshot.Lines {
			order := models.Order{
				ID:                  uuid.New(),
				PaymentIntentID:     intent.IntentID,
				BuyerID:             intent.BuyerID,
				SellerID:            line.SellerID,
				ProductID:           line.ProductID,
				Quantity:            line.Quantity,
				UnitPriceMinorUnits: line.UnitPriceMinorUnits,
				Currency:            intent.Currency,
				Status:              enums.OrderStatusPending,
				ShippingAddress:     snapshot.ShippingAddress,
				Phone:               snapshot.Phone,
				CreatedAt:           now,
				UpdatedAt:           now,
				StatusChangedAt:     now,
			}
			orders = append(orders, order)
			orderIDs = append(orderIDs, order.ID)
		}
		if err := repo.CreateOrders(ctx, orders); err != nil {
			if db.IsUniqueViolation(err, "ux_orders_intent_product") {
				return errAlreadyMaterialized
			}
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "insert orders")
		}
		if err := m.coordinator.Advance(ctx, tx, intent, enums.PaymentStateOrdersCreated, actor, "orders materialized"); err != nil {
			return err
		}
		if err := m.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventOrdersMaterialized,
			AggregateType: enums.AggregatePaymentIntent,
			AggregateID:   intent.IntentID,
			Actor:         &outbox.ActorRef{Source: actor},
			OccurredAt:    now,
			Data: payloads.OrdersMaterializedEvent{
				IntentID:         intent.IntentID,
				BuyerID:          intent.BuyerID,
				OrderIDs:         orderIDs,
				AmountMinorUnits: intent.AmountMinorUnits,
				Currency:         intent.Currency,
			},
		}); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "emit orders materialized event")
		}
		result = &MaterializeResult{Orders: orders, Created: true}
		return nil
	})

	if errors.Is(err, errAlreadyMaterialized) {
		existing, listErr := m.repo.ListByIntent(ctx, input.IntentID)
		if listErr == nil && len(existing) > 0 {
			return &MaterializeResult{Orders: existing}, nil
		}
		err = pkgerrors.Wrap(pkgerrors.CodeDependency, listErr, "reload materialized orders")
	}
	if err != nil {
		if paid && pkgerrors.ClassOf(err) == pkgerrors.ClassTransient {
			m.logg.Error(ctx, "order not recorded for succeeded payment", err)
			return nil, pkgerrors.Wrap(pkgerrors.CodeOrderNotRecorded, err, "order could not be recorded, payment may still be charged").
				WithDetails(map[string]any{"intent_id": input.IntentID})
		}
		return nil, err
	}
	if mismatch != nil {
		m.logg.Warn(ctx, "cart total does not match payment amount")
		return nil, mismatch
	}
	if result.Created {
		logCtx := m.logg.WithField(ctx, "order_count", len(result.Orders))
		m.logg.Info(logCtx, "orders materialized")
	}
	return result, nil
}
