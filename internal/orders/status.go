package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/bazaar-backend/internal/payments"
	"github.com/angelmondragon/bazaar-backend/pkg/db/models"
	"github.com/angelmondragon/bazaar-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/bazaar-backend/pkg/errors"
	"github.com/angelmondragon/bazaar-backend/pkg/logger"
	"github.com/angelmondragon/bazaar-backend/pkg/outbox"
	"github.com/angelmondragon/bazaar-backend/pkg/outbox/payloads"
)

var forwardStatus = map[enums.OrderStatus]enums.OrderStatus{
	enums.OrderStatusPending:    enums.OrderStatusProcessing,
	enums.OrderStatusProcessing: enums.OrderStatusShipped,
	enums.OrderStatusShipped:    enums.OrderStatusCompleted,
}

// CanChangeStatus reports whether an order may move from -> to. Same-status
// updates are handled by the caller as no-ops.
func CanChangeStatus(from, to enums.OrderStatus) bool {
	if from.IsTerminal() {
		return false
	}
	if to == enums.OrderStatusCancelled {
		return true
	}
	return forwardStatus[from] == to
}

type UpdateStatusInput struct {
	OrderID uuid.UUID
	Status  enums.OrderStatus
	ActorID uuid.UUID
	Role    enums.Role
}

type StatusServiceParams struct {
	DB          *gorm.DB
	Coordinator *payments.Coordinator
	Outbox      outbox.Emitter
	Logger      *logger.Logger
}

// StatusService applies seller and admin fulfilment updates.
type StatusService struct {
	repo   *Repository
	locker *payments.Locker
	outbox outbox.Emitter
	logg   *logger.Logger
	now    func() time.Time
}

func NewStatusService(params StatusServiceParams) (*StatusService, error) {
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
	return &StatusService{
		repo:   NewRepository(params.DB),
		locker: params.Coordinator.Locker(),
		outbox: params.Outbox,
		logg:   logg,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// UpdateOrderStatus moves one order along pending, processing, shipped,
// completed, or cancels it. It runs in the order's payment critical section
// so it never interleaves with a refund.
func (s *StatusService) UpdateOrderStatus(ctx context.Context, input UpdateStatusInput) (*models.Order, error) {
	if input.OrderID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order id required")
	}
	if !input.Status.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "unknown order status")
	}
	if input.Role != enums.RoleSeller && input.Role != enums.RoleAdmin {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "only sellers and admins may update order status")
	}

	order, err := s.repo.FindByID(ctx, input.OrderID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load order")
	}
	if input.Role == enums.RoleSeller && order.SellerID != input.ActorID {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "order belongs to another seller")
	}
	ctx = s.logg.WithOrderID(ctx, order.ID.String())

	var updated *models.Order
	err = s.locker.Exclusive(ctx, order.PaymentIntentID, func(tx *gorm.DB, intent *models.PaymentIntent) error {
		repo := NewRepository(tx)
		current, err := repo.FindByID(ctx, input.OrderID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "reload order")
		}
		if current.Status == input.Status {
			updated = current
			return nil
		}
		if !CanChangeStatus(current.Status, input.Status) {
			return pkgerrors.New(pkgerrors.CodeInvalidTransition, fmt.Sprintf("cannot move order from %s to %s", current.Status, input.Status)).
				WithDetails(map[string]any{"order_id": current.ID, "from": current.Status, "to": input.Status})
		}
		allowed := intent.State == enums.PaymentStateOrdersCreated ||
			(input.Status == enums.OrderStatusCancelled && intent.State == enums.PaymentStateRefundRequested)
		if !allowed {
			return pkgerrors.New(pkgerrors.CodeInvalidTransition, "payment state does not allow this order update").
				WithDetails(map[string]any{"order_id": current.ID, "payment_state": intent.State})
		}

		now := s.now()
		moved, err := repo.UpdateStatus(ctx, current.ID, current.Status, input.Status, now)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update order status")
		}
		if !moved {
			return pkgerrors.New(pkgerrors.CodeConflict, "order changed concurrently")
		}
		actorID := input.ActorID
		if err := s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventOrderStatusChanged,
			AggregateType: enums.AggregateOrder,
			AggregateID:   current.ID.String(),
			Actor:         &outbox.ActorRef{UserID: &actorID, Role: string(input.Role)},
			OccurredAt:    now,
			Data: payloads.OrderStatusChangedEvent{
				OrderID:         current.ID,
				PaymentIntentID: current.PaymentIntentID,
				SellerID:        current.SellerID,
				FromStatus:      current.Status,
				ToStatus:        input.Status,
				ChangedAt:       now,
			},
		}); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "emit order status event")
		}
		current.Status = input.Status
		current.StatusChangedAt = now
		current.UpdatedAt = now
		updated = current
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}
