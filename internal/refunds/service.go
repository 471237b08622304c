package refunds

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/bazaar-backend/internal/orders"
	"github.com/angelmondragon/bazaar-backend/internal/payments"
	"github.com/angelmondragon/bazaar-backend/pkg/db"
	"github.com/angelmondragon/bazaar-backend/pkg/db/models"
	"github.com/angelmondragon/bazaar-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/bazaar-backend/pkg/errors"
	"github.com/angelmondragon/bazaar-backend/pkg/logger"
	"github.com/angelmondragon/bazaar-backend/pkg/outbox"
	"github.com/angelmondragon/bazaar-backend/pkg/outbox/payloads"
)

const (
	maxReasonLength = 1000

	defaultApprovalLease = 2 * time.Minute

	reviewRefundNotRecorded = "refund_not_recorded"
)

// Gateway issues provider refunds.
type Gateway interface {
	Refund(ctx context.Context, intentID, idempotencyKey string) (string, error)
}

type RequestRefundInput struct {
	OrderID uuid.UUID
	Reason  string
	ActorID uuid.UUID
	Role    enums.Role
}

type ResolveRefundInput struct {
	OrderID  uuid.UUID
	Decision enums.RefundDecision
	ActorID  uuid.UUID
	Role     enums.Role
}

type ResolveResult struct {
	Request          models.RefundRequest `json:"request"`
	PaymentState     enums.PaymentState   `json:"payment_state"`
	CanceledOrderIDs []uuid.UUID          `json:"canceled_order_ids,omitempty"`
}

type ServiceParams struct {
	DB            *gorm.DB
	Coordinator   *payments.Coordinator
	Gateway       Gateway
	Outbox        outbox.Emitter
	Logger        *logger.Logger
	// ApprovalLease is how long an approval claim blocks other approvals
	// before it counts as abandoned.
	ApprovalLease time.Duration
}

// Service runs the refund request and resolution workflow. Refunds are per
// payment: one request covers every order of the intent.
type Service struct {
	repo        *Repository
	orders      *orders.Repository
	coordinator *payments.Coordinator
	gateway     Gateway
	outbox      outbox.Emitter
	logg        *logger.Logger
	lease       time.Duration
	now         func() time.Time
}

func NewService(params ServiceParams) (*Service, error) {
	if params.DB == nil {
		return nil, fmt.Errorf("database required")
	}
	if params.Coordinator == nil {
		return nil, fmt.Errorf("coordinator required")
	}
	if params.Gateway == nil {
		return nil, fmt.Errorf("refund gateway required")
	}
	if params.Outbox == nil {
		return nil, fmt.Errorf("outbox emitter required")
	}
	logg := params.Logger
	if logg == nil {
		logg = logger.Nop()
	}
	lease := params.ApprovalLease
	if lease <= 0 {
		lease = defaultApprovalLease
	}
	return &Service{
		repo:        NewRepository(params.DB),
		orders:      orders.NewRepository(params.DB),
		coordinator: params.Coordinator,
		gateway:     params.Gateway,
		outbox:      params.Outbox,
		logg:        logg,
		lease:       lease,
		now:         func() time.Time { return time.Now().UTC() },
	}, nil
}

// RequestRefund opens a refund for the payment behind orderID.
func (s *Service) RequestRefund(ctx context.Context, input RequestRefundInput) (*models.RefundRequest, error) {
	if input.Role != enums.RoleBuyer && input.Role != enums.RoleAdmin {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "only the buyer or an admin may request a refund")
	}
	reason := strings.TrimSpace(input.Reason)
	if len(reason) > maxReasonLength {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "reason is too long")
	}
	order, err := s.loadOrder(ctx, input.OrderID)
	if err != nil {
		return nil, err
	}
	if input.Role == enums.RoleBuyer && order.BuyerID != input.ActorID {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "order belongs to another buyer")
	}
	ctx = s.logg.WithOrderID(s.logg.WithIntentID(ctx, order.PaymentIntentID), order.ID.String())

	var request *models.RefundRequest
	err = s.coordinator.Locker().Exclusive(ctx, order.PaymentIntentID, func(tx *gorm.DB, intent *models.PaymentIntent) error {
		if intent.State != enums.PaymentStateOrdersCreated {
			return pkgerrors.New(pkgerrors.CodeInvalidTransition, "refunds can only be requested once orders exist").
				WithDetails(map[string]any{"intent_id": intent.IntentID, "state": intent.State})
		}
		actor := fmt.Sprintf("%s:%s", input.Role, input.ActorID)
		if err := s.coordinator.Advance(ctx, tx, intent, enums.PaymentStateRefundRequested, actor, "refund requested"); err != nil {
			return err
		}
		now := s.now()
		request = &models.RefundRequest{
			ID:              uuid.New(),
			OrderID:         order.ID,
			PaymentIntentID: intent.IntentID,
			Reason:          reason,
			Status:          enums.RefundRequestPending,
			RequestedBy:     input.ActorID,
			CreatedAt:       now,
		}
		if err := NewRepository(tx).Create(ctx, request); err != nil {
			if db.IsUniqueViolation(err, "ux_refund_requests_open_per_intent") {
				return pkgerrors.New(pkgerrors.CodeConflict, "a refund is already pending for this payment")
			}
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create refund request")
		}
		actorID := input.ActorID
		return s.emit(ctx, tx, enums.EventRefundRequested, intent.IntentID, &outbox.ActorRef{UserID: &actorID, Role: string(input.Role)},
			payloads.RefundRequestedEvent{
				RefundRequestID: request.ID,
				OrderID:         order.ID,
				PaymentIntentID: intent.IntentID,
				BuyerID:         intent.BuyerID,
				Reason:          reason,
			})
	})
	if err != nil {
		return nil, err
	}
	s.logg.Info(ctx, "refund requested")
	return request, nil
}

// ResolveRefund approves or denies the open refund on orderID's payment.
//
// Approval claims the request under the intent lock, calls the provider
// outside it, then records the result under the lock again. While the claim
// is held the request is approving and a deny is refused. The request id
// keys the provider call so a retried approval never refunds twice.
func (s *Service) ResolveRefund(ctx context.Context, input ResolveRefundInput) (*ResolveResult, error) {
	if input.Role != enums.RoleAdmin {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "only admins may resolve refunds")
	}
	if !input.Decision.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "decision must be approve or deny")
	}
	order, err := s.loadOrder(ctx, input.OrderID)
	if err != nil {
		return nil, err
	}
	intentID := order.PaymentIntentID
	ctx = s.logg.WithIntentID(ctx, intentID)

	request, err := s.repo.FindOpenByIntent(ctx, intentID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeInvalidTransition, "no pending refund for this payment").
				WithDetails(map[string]any{"intent_id": intentID})
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load refund request")
	}

	var result *ResolveResult
	if input.Decision == enums.RefundDecisionApprove {
		result, err = s.approve(ctx, input, request)
	} else {
		result, err = s.deny(ctx, input, request)
	}
	if err != nil {
		return nil, err
	}
	logCtx := s.logg.WithField(ctx, "decision", string(input.Decision))
	s.logg.Info(logCtx, "refund resolved")
	return result, nil
}

func (s *Service) deny(ctx context.Context, input ResolveRefundInput, request *models.RefundRequest) (*ResolveResult, error) {
	var result *ResolveResult
	err := s.coordinator.Locker().Exclusive(ctx, request.PaymentIntentID, func(tx *gorm.DB, intent *models.PaymentIntent) error {
		if err := requireRefundRequested(intent); err != nil {
			return err
		}
		repo := NewRepository(tx)
		now := s.now()
		denied, err := repo.Deny(ctx, request.ID, input.ActorID, now)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "deny refund request")
		}
		if !denied {
			return s.notPending(ctx, repo, request.ID)
		}
		if err := s.coordinator.Advance(ctx, tx, intent, enums.PaymentStateOrdersCreated, actorName(input), "refund denied"); err != nil {
			return err
		}
		if err := s.emitResolved(ctx, tx, input, payloads.RefundResolvedEvent{
			RefundRequestID: request.ID,
			PaymentIntentID: intent.IntentID,
			Status:          enums.RefundRequestDenied,
			ResolvedBy:      input.ActorID,
		}); err != nil {
			return err
		}
		stored, err := repo.FindByID(ctx, request.ID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "reload refund request")
		}
		result = &ResolveResult{Request: *stored, PaymentState: intent.State}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Service) approve(ctx context.Context, input ResolveRefundInput, request *models.RefundRequest) (*ResolveResult, error) {
	intentID := request.PaymentIntentID
	token := uuid.New()

	err := s.coordinator.Locker().Exclusive(ctx, intentID, func(tx *gorm.DB, intent *models.PaymentIntent) error {
		if err := requireRefundRequested(intent); err != nil {
			return err
		}
		repo := NewRepository(tx)
		now := s.now()
		claimed, err := repo.ClaimApproval(ctx, request.ID, token, now, now.Add(-s.lease))
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "claim refund approval")
		}
		if !claimed {
			return s.notPending(ctx, repo, request.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	refundID, err := s.gateway.Refund(ctx, intentID, "refund:"+request.ID.String())
	if err != nil {
		// A rejected refund moved no money, so the request may be denied
		// instead. Any other failure may have refunded and keeps it approving.
		reopen := pkgerrors.ClassOf(err) == pkgerrors.ClassValidation
		if _, releaseErr := s.repo.ReleaseApproval(context.WithoutCancel(ctx), request.ID, token, reopen); releaseErr != nil {
			s.logg.Error(ctx, "release refund approval claim", releaseErr)
		}
		return nil, err
	}

	result, err := s.recordApproval(ctx, input, request, token, refundID)
	if err != nil {
		s.flagUnrecorded(ctx, input, request, token, err)
		return nil, err
	}
	return result, nil
}

// recordApproval applies a provider refund issued under token's claim. When
// the claim was taken over and the request already approved, the stored
// resolution is returned unchanged.
func (s *Service) recordApproval(ctx context.Context, input ResolveRefundInput, request *models.RefundRequest, token uuid.UUID, refundID string) (*ResolveResult, error) {
	var result *ResolveResult
	err := s.coordinator.Locker().Exclusive(ctx, request.PaymentIntentID, func(tx *gorm.DB, intent *models.PaymentIntent) error {
		repo := NewRepository(tx)
		now := s.now()
		approved, err := repo.Approve(ctx, request.ID, token, input.ActorID, refundID, now)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "approve refund request")
		}
		if !approved {
			stored, err := repo.FindByID(ctx, request.ID)
			if err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "reload refund request")
			}
			if stored.Status == enums.RefundRequestApproved {
				result = &ResolveResult{Request: *stored, PaymentState: intent.State}
				return nil
			}
			return pkgerrors.New(pkgerrors.CodeConflict, "refund approval claim was lost").
				WithDetails(map[string]any{"refund_request_id": request.ID, "status": stored.Status})
		}
		if err := requireRefundRequested(intent); err != nil {
			return err
		}
		if err := s.coordinator.Advance(ctx, tx, intent, enums.PaymentStateRefunded, actorName(input), "refund approved"); err != nil {
			return err
		}
		canceled, err := s.orders.WithTx(tx).CancelOpenByIntent(ctx, intent.IntentID, now)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "cancel refunded orders")
		}
		if err := s.emitResolved(ctx, tx, input, payloads.RefundResolvedEvent{
			RefundRequestID:  request.ID,
			PaymentIntentID:  intent.IntentID,
			Status:           enums.RefundRequestApproved,
			ProviderRefundID: refundID,
			CanceledOrderIDs: canceled,
			ResolvedBy:       input.ActorID,
		}); err != nil {
			return err
		}
		stored, err := repo.FindByID(ctx, request.ID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "reload refund request")
		}
		result = &ResolveResult{Request: *stored, PaymentState: intent.State, CanceledOrderIDs: canceled}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// flagUnrecorded handles money that moved at the provider without the local
// state following. The claim is released so a repeated approval can finish
// the job, and the intent is flagged with a consistency alert.
func (s *Service) flagUnrecorded(ctx context.Context, input ResolveRefundInput, request *models.RefundRequest, token uuid.UUID, cause error) {
	ctx = context.WithoutCancel(ctx)
	s.logg.Error(ctx, "provider refund issued but local state not updated", cause)
	err := s.coordinator.Locker().Exclusive(ctx, request.PaymentIntentID, func(tx *gorm.DB, intent *models.PaymentIntent) error {
		if _, err := NewRepository(tx).ReleaseApproval(ctx, request.ID, token, false); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "release refund approval claim")
		}
		return s.coordinator.RaiseAlert(ctx, tx, intent, actorName(input), reviewRefundNotRecorded)
	})
	if err != nil {
		s.logg.Error(ctx, "flag unrecorded refund for review", err)
	}
}

// RefundHistory lists every refund request raised against intentID, oldest
// first.
func (s *Service) RefundHistory(ctx context.Context, intentID string) ([]models.RefundRequest, error) {
	if strings.TrimSpace(intentID) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "intent id required")
	}
	rows, err := s.repo.ListByIntent(ctx, intentID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list refund requests")
	}
	return rows, nil
}

func requireRefundRequested(intent *models.PaymentIntent) error {
	if intent.State != enums.PaymentStateRefundRequested {
		return pkgerrors.New(pkgerrors.CodeInvalidTransition, "payment has no refund in progress").
			WithDetails(map[string]any{"intent_id": intent.IntentID, "state": intent.State})
	}
	return nil
}

// notPending explains why a request could not be claimed or denied.
func (s *Service) notPending(ctx context.Context, repo *Repository, id uuid.UUID) error {
	stored, err := repo.FindByID(ctx, id)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "reload refund request")
	}
	if stored.Status == enums.RefundRequestApproving {
		return pkgerrors.New(pkgerrors.CodeConflict, "refund approval already in progress").
			WithDetails(map[string]any{"refund_request_id": id})
	}
	return pkgerrors.New(pkgerrors.CodeInvalidTransition, "refund request already resolved").
		WithDetails(map[string]any{"refund_request_id": id, "status": stored.Status})
}

func actorName(input ResolveRefundInput) string {
	return fmt.Sprintf("%s:%s", input.Role, input.ActorID)
}

func (s *Service) emitResolved(ctx context.Context, tx *gorm.DB, input ResolveRefundInput, event payloads.RefundResolvedEvent) error {
	actorID := input.ActorID
	return s.emit(ctx, tx, enums.EventRefundResolved, event.PaymentIntentID, &outbox.ActorRef{UserID: &actorID, Role: string(input.Role)}, event)
}

func (s *Service) loadOrder(ctx context.Context, orderID uuid.UUID) (*models.Order, error) {
	if orderID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order id required")
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load order")
	}
	return order, nil
}

func (s *Service) emit(ctx context.Context, tx *gorm.DB, eventType enums.OutboxEventType, intentID string, actor *outbox.ActorRef, data any) error {
	if err := s.outbox.Emit(ctx, tx, outbox.DomainEvent{
		EventType:     eventType,
		AggregateType: enums.AggregatePaymentIntent,
		AggregateID:   intentID,
		Actor:         actor,
		Data:          data,
	}); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "emit "+string(eventType))
	}
	return nil
}
