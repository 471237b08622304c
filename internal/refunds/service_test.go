package refunds

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/bazaar-backend/internal/orders"
	"github.com/angelmondragon/bazaar-backend/internal/payments"
	"github.com/angelmondragon/bazaar-backend/pkg/db/dbtest"
	"github.com/angelmondragon/bazaar-backend/pkg/db/models"
	"github.com/angelmondragon/bazaar-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/bazaar-backend/pkg/errors"
	"github.com/angelmondragon/bazaar-backend/pkg/outbox"
	"github.com/angelmondragon/bazaar-backend/pkg/outbox/payloads"
	"github.com/angelmondragon/bazaar-backend/pkg/types"
)

type stubGateway struct {
	mu   sync.Mutex
	keys []string
	err  error
	// during runs while the provider call is in flight.
	during func()
}

func (g *stubGateway) Refund(_ context.Context, intentID, key string) (string, error) {
	g.mu.Lock()
	g.keys = append(g.keys, key)
	err, during := g.err, g.during
	g.mu.Unlock()
	if during != nil {
		during()
	}
	if err != nil {
		return "", err
	}
	return "re_" + intentID, nil
}

type fixture struct {
	conn        *gorm.DB
	coordinator *payments.Coordinator
	payments    *payments.Repository
	orders      *orders.Repository
	status      *orders.StatusService
	service     *Service
	gateway     *stubGateway
	mat         *orders.Materializer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	conn := dbtest.Open(t)
	emitter := outbox.NewService(outbox.NewRepository(conn), nil)
	coordinator, err := payments.NewCoordinator(payments.CoordinatorParams{Locker: payments.NewLocker(conn), Outbox: emitter})
	require.NoError(t, err)
	mat, err := orders.NewMaterializer(orders.MaterializerParams{DB: conn, Coordinator: coordinator, Outbox: emitter})
	require.NoError(t, err)
	status, err := orders.NewStatusService(orders.StatusServiceParams{DB: conn, Coordinator: coordinator, Outbox: emitter})
	require.NoError(t, err)
	gw := &stubGateway{}
	svc, err := NewService(ServiceParams{DB: conn, Coordinator: coordinator, Gateway: gw, Outbox: emitter})
	require.NoError(t, err)
	return &fixture{
		conn:        conn,
		coordinator: coordinator,
		payments:    payments.NewRepository(conn),
		orders:      orders.NewRepository(conn),
		status:      status,
		service:     svc,
		gateway:     gw,
		mat:         mat,
	}
}

// paidWithOrders seeds a succeeded intent and materializes two orders from
// one seller.
func (f *fixture) paidWithOrders(t *testing.T, intentID string) (*models.PaymentIntent, uuid.UUID, []models.Order) {
	t.Helper()
	seller := uuid.New()
	intent := &models.PaymentIntent{
		IntentID:         intentID,
		IdempotencyKey:   "key_" + intentID,
		AmountMinorUnits: 3000,
		Currency:         "usd",
		State:            enums.PaymentStateSucceeded,
		BuyerID:          uuid.New(),
		StateChangedAt:   time.Now().UTC(),
	}
	require.NoError(t, f.payments.Create(context.Background(), intent))
	result, err := f.mat.Materialize(context.Background(), orders.MaterializeInput{
		IntentID: intentID,
		Snapshot: &types.CartSnapshot{
			Lines: []types.CartLine{
				{ProductID: uuid.New(), SellerID: seller, Quantity: 1, UnitPriceMinorUnits: 1000},
				{ProductID: uuid.New(), SellerID: seller, Quantity: 1, UnitPriceMinorUnits: 2000},
			},
			ShippingAddress: "1 Main St",
			Phone:           "555-0100",
		},
	})
	require.NoError(t, err)
	return intent, seller, result.Orders
}

func (f *fixture) state(t *testing.T, intentID string) enums.PaymentState {
	t.Helper()
	intent, err := f.payments.FindByID(context.Background(), intentID)
	require.NoError(t, err)
	return intent.State
}

func TestRequestRefundRequiresOrders(t *testing.T) {
	f := newFixture(t)
	intent := &models.PaymentIntent{
		IntentID: "pi_paid", IdempotencyKey: "k", AmountMinorUnits: 100, Currency: "usd",
		State: enums.PaymentStateSucceeded, BuyerID: uuid.New(), StateChangedAt: time.Now().UTC(),
	}
	require.NoError(t, f.payments.Create(context.Background(), intent))
	order := models.Order{
		ID: uuid.New(), PaymentIntentID: "pi_paid", BuyerID: intent.BuyerID, SellerID: uuid.New(), ProductID: uuid.New(),
		Quantity: 1, UnitPriceMinorUnits: 100, Currency: "usd", Status: enums.OrderStatusPending,
		ShippingAddress: "a", Phone: "p", StatusChangedAt: time.Now().UTC(),
	}
	require.NoError(t, f.orders.CreateOrders(context.Background(), []models.Order{order}))

	_, err := f.service.RequestRefund(context.Background(), RequestRefundInput{OrderID: order.ID, ActorID: intent.BuyerID, Role: enums.RoleBuyer})
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodeInvalidTransition, pkgerrors.CodeOf(err))
	assert.Equal(t, enums.PaymentStateSucceeded, f.state(t, "pi_paid"))
}

func TestRequestRefundAuthorization(t *testing.T) {
	f := newFixture(t)
	_, seller, placed := f.paidWithOrders(t, "pi_authz")

	_, err := f.service.RequestRefund(context.Background(), RequestRefundInput{OrderID: placed[0].ID, ActorID: uuid.New(), Role: enums.RoleBuyer})
	assert.Equal(t, pkgerrors.CodeForbidden, pkgerrors.CodeOf(err))

	_, err = f.service.RequestRefund(context.Background(), RequestRefundInput{OrderID: placed[0].ID, ActorID: seller, Role: enums.RoleSeller})
	assert.Equal(t, pkgerrors.CodeForbidden, pkgerrors.CodeOf(err))

	_, err = f.service.RequestRefund(context.Background(), RequestRefundInput{OrderID: uuid.New(), ActorID: uuid.New(), Role: enums.RoleAdmin})
	assert.Equal(t, pkgerrors.CodeNotFound, pkgerrors.CodeOf(err))
}

func TestApproveRefundCancelsOpenOrders(t *testing.T) {
	f := newFixture(t)
	intent, seller, placed := f.paidWithOrders(t, "pi_approve")
	ctx := context.Background()

	// One order is already delivered and must stay completed.
	for _, status := range []enums.OrderStatus{enums.OrderStatusProcessing, enums.OrderStatusShipped, enums.OrderStatusCompleted} {
		_, err := f.status.UpdateOrderStatus(ctx, orders.UpdateStatusInput{OrderID: placed[0].ID, Status: status, ActorID: seller, Role: enums.RoleSeller})
		require.NoError(t, err)
	}

	request, err := f.service.RequestRefund(ctx, RequestRefundInput{OrderID: placed[1].ID, Reason: "arrived broken", ActorID: intent.BuyerID, Role: enums.RoleBuyer})
	require.NoError(t, err)
	assert.Equal(t, enums.RefundRequestPending, request.Status)
	assert.Equal(t, enums.PaymentStateRefundRequested, f.state(t, "pi_approve"))

	_, err = f.service.RequestRefund(ctx, RequestRefundInput{OrderID: placed[1].ID, ActorID: intent.BuyerID, Role: enums.RoleBuyer})
	assert.Equal(t, pkgerrors.CodeInvalidTransition, pkgerrors.CodeOf(err))

	admin := uuid.New()
	result, err := f.service.ResolveRefund(ctx, ResolveRefundInput{OrderID: placed[1].ID, Decision: enums.RefundDecisionApprove, ActorID: admin, Role: enums.RoleAdmin})
	require.NoError(t, err)
	assert.Equal(t, enums.PaymentStateRefunded, result.PaymentState)
	assert.Equal(t, enums.RefundRequestApproved, result.Request.Status)
	require.NotNil(t, result.Request.ProviderRefundID)
	assert.Equal(t, "re_pi_approve", *result.Request.ProviderRefundID)
	assert.Equal(t, []uuid.UUID{placed[1].ID}, result.CanceledOrderIDs)
	assert.Equal(t, []string{"refund:" + request.ID.String()}, f.gateway.keys)

	stored, err := f.orders.ListByIntent(ctx, "pi_approve")
	require.NoError(t, err)
	for _, order := range stored {
		if order.ID == placed[0].ID {
			assert.Equal(t, enums.OrderStatusCompleted, order.Status)
		} else {
			assert.Equal(t, enums.OrderStatusCancelled, order.Status)
		}
	}

	_, err = f.service.ResolveRefund(ctx, ResolveRefundInput{OrderID: placed[1].ID, Decision: enums.RefundDecisionApprove, ActorID: admin, Role: enums.RoleAdmin})
	assert.Equal(t, pkgerrors.CodeInvalidTransition, pkgerrors.CodeOf(err))
	assert.Len(t, f.gateway.keys, 1)
}

func TestDenyRefundRestoresOrdersCreated(t *testing.T) {
	f := newFixture(t)
	intent, _, placed := f.paidWithOrders(t, "pi_deny")
	ctx := context.Background()

	_, err := f.service.RequestRefund(ctx, RequestRefundInput{OrderID: placed[0].ID, ActorID: intent.BuyerID, Role: enums.RoleBuyer})
	require.NoError(t, err)

	result, err := f.service.ResolveRefund(ctx, ResolveRefundInput{OrderID: placed[0].ID, Decision: enums.RefundDecisionDeny, ActorID: uuid.New(), Role: enums.RoleAdmin})
	require.NoError(t, err)
	assert.Equal(t, enums.RefundRequestDenied, result.Request.Status)
	assert.Equal(t, enums.PaymentStateOrdersCreated, f.state(t, "pi_deny"))
	assert.Empty(t, f.gateway.keys)
	assert.Empty(t, result.CanceledOrderIDs)

	again, err := f.service.RequestRefund(ctx, RequestRefundInput{OrderID: placed[0].ID, ActorID: intent.BuyerID, Role: enums.RoleBuyer})
	require.NoError(t, err)
	assert.NotEqual(t, result.Request.ID, again.ID)
}

func TestApproveRefundProviderFailureKeepsApprovalOpen(t *testing.T) {
	f := newFixture(t)
	intent, _, placed := f.paidWithOrders(t, "pi_fail")
	ctx := context.Background()
	admin := uuid.New()

	request, err := f.service.RequestRefund(ctx, RequestRefundInput{OrderID: placed[0].ID, ActorID: intent.BuyerID, Role: enums.RoleBuyer})
	require.NoError(t, err)

	f.gateway.err = pkgerrors.New(pkgerrors.CodeGatewayUnavailable, "down")
	_, err = f.service.ResolveRefund(ctx, ResolveRefundInput{OrderID: placed[0].ID, Decision: enums.RefundDecisionApprove, ActorID: admin, Role: enums.RoleAdmin})
	assert.Equal(t, pkgerrors.CodeGatewayUnavailable, pkgerrors.CodeOf(err))
	assert.Equal(t, enums.PaymentStateRefundRequested, f.state(t, "pi_fail"))

	// The provider may have refunded before the connection dropped, so the
	// request cannot be denied any more; only another approval finishes it.
	stored, err := NewRepository(f.conn).FindByID(ctx, request.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.RefundRequestApproving, stored.Status)
	assert.Nil(t, stored.ClaimToken)

	_, err = f.service.ResolveRefund(ctx, ResolveRefundInput{OrderID: placed[0].ID, Decision: enums.RefundDecisionDeny, ActorID: admin, Role: enums.RoleAdmin})
	assert.Equal(t, pkgerrors.CodeConflict, pkgerrors.CodeOf(err))

	f.gateway.err = nil
	result, err := f.service.ResolveRefund(ctx, ResolveRefundInput{OrderID: placed[0].ID, Decision: enums.RefundDecisionApprove, ActorID: admin, Role: enums.RoleAdmin})
	require.NoError(t, err)
	assert.Equal(t, enums.RefundRequestApproved, result.Request.Status)
	assert.Equal(t, []string{"refund:" + request.ID.String(), "refund:" + request.ID.String()}, f.gateway.keys)
}

func TestApproveRefundProviderRejectionReopensRequest(t *testing.T) {
	f := newFixture(t)
	intent, _, placed := f.paidWithOrders(t, "pi_rejected")
	ctx := context.Background()

	request, err := f.service.RequestRefund(ctx, RequestRefundInput{OrderID: placed[0].ID, ActorID: intent.BuyerID, Role: enums.RoleBuyer})
	require.NoError(t, err)

	f.gateway.err = pkgerrors.New(pkgerrors.CodeValidation, "charge already refunded")
	_, err = f.service.ResolveRefund(ctx, ResolveRefundInput{OrderID: placed[0].ID, Decision: enums.RefundDecisionApprove, ActorID: uuid.New(), Role: enums.RoleAdmin})
	assert.Equal(t, pkgerrors.CodeValidation, pkgerrors.CodeOf(err))

	stored, err := NewRepository(f.conn).FindByID(ctx, request.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.RefundRequestPending, stored.Status)

	result, err := f.service.ResolveRefund(ctx, ResolveRefundInput{OrderID: placed[0].ID, Decision: enums.RefundDecisionDeny, ActorID: uuid.New(), Role: enums.RoleAdmin})
	require.NoError(t, err)
	assert.Equal(t, enums.RefundRequestDenied, result.Request.Status)
	assert.Equal(t, enums.PaymentStateOrdersCreated, f.state(t, "pi_rejected"))
}

func TestDenyDuringApprovalIsRefused(t *testing.T) {
	f := newFixture(t)
	intent, _, placed := f.paidWithOrders(t, "pi_race")
	ctx := context.Background()

	request, err := f.service.RequestRefund(ctx, RequestRefundInput{OrderID: placed[0].ID, ActorID: intent.BuyerID, Role: enums.RoleBuyer})
	require.NoError(t, err)

	// A second admin denies while the provider is still processing the
	// first admin's approval.
	var denyErr error
	f.gateway.during = func() {
		_, denyErr = f.service.ResolveRefund(ctx, ResolveRefundInput{OrderID: placed[1].ID, Decision: enums.RefundDecisionDeny, ActorID: uuid.New(), Role: enums.RoleAdmin})
	}

	result, err := f.service.ResolveRefund(ctx, ResolveRefundInput{OrderID: placed[0].ID, Decision: enums.RefundDecisionApprove, ActorID: uuid.New(), Role: enums.RoleAdmin})
	require.NoError(t, err)
	require.Error(t, denyErr)
	assert.Equal(t, pkgerrors.CodeConflict, pkgerrors.CodeOf(denyErr))

	assert.Equal(t, enums.RefundRequestApproved, result.Request.Status)
	assert.Equal(t, enums.PaymentStateRefunded, f.state(t, "pi_race"))
	assert.Len(t, f.gateway.keys, 1)

	history, err := f.service.RefundHistory(ctx, "pi_race")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, request.ID, history[0].ID)
	assert.Equal(t, enums.RefundRequestApproved, history[0].Status)

	stored, err := f.payments.FindByID(ctx, "pi_race")
	require.NoError(t, err)
	assert.False(t, stored.ReviewRequired)
}

func TestConcurrentApprovalIsRefused(t *testing.T) {
	f := newFixture(t)
	intent, _, placed := f.paidWithOrders(t, "pi_double")
	ctx := context.Background()

	_, err := f.service.RequestRefund(ctx, RequestRefundInput{OrderID: placed[0].ID, ActorID: intent.BuyerID, Role: enums.RoleBuyer})
	require.NoError(t, err)

	var secondErr error
	f.gateway.during = func() {
		f.gateway.during = nil
		_, secondErr = f.service.ResolveRefund(ctx, ResolveRefundInput{OrderID: placed[0].ID, Decision: enums.RefundDecisionApprove, ActorID: uuid.New(), Role: enums.RoleAdmin})
	}

	_, err = f.service.ResolveRefund(ctx, ResolveRefundInput{OrderID: placed[0].ID, Decision: enums.RefundDecisionApprove, ActorID: uuid.New(), Role: enums.RoleAdmin})
	require.NoError(t, err)
	assert.Equal(t, pkgerrors.CodeConflict, pkgerrors.CodeOf(secondErr))
	assert.Len(t, f.gateway.keys, 1)
	assert.Equal(t, enums.PaymentStateRefunded, f.state(t, "pi_double"))
}

func TestUnrecordedRefundIsFlaggedForReview(t *testing.T) {
	f := newFixture(t)
	intent, _, placed := f.paidWithOrders(t, "pi_unrecorded")
	ctx := context.Background()

	request, err := f.service.RequestRefund(ctx, RequestRefundInput{OrderID: placed[0].ID, ActorID: intent.BuyerID, Role: enums.RoleBuyer})
	require.NoError(t, err)

	// The provider reports a failure for the payment while the refund is in
	// flight, freezing the intent before the refund can be recorded.
	f.gateway.during = func() {
		_, _ = f.coordinator.Observe(ctx, payments.Observation{
			IntentID: "pi_unrecorded",
			Source:   enums.SourceWebhook,
			State:    enums.ObservedFailed,
			EventID:  "evt_late_failure",
		})
	}

	_, err = f.service.ResolveRefund(ctx, ResolveRefundInput{OrderID: placed[0].ID, Decision: enums.RefundDecisionApprove, ActorID: uuid.New(), Role: enums.RoleAdmin})
	assert.Equal(t, pkgerrors.CodeInvalidTransition, pkgerrors.CodeOf(err))
	assert.Len(t, f.gateway.keys, 1)

	stored, err := f.payments.FindByID(ctx, "pi_unrecorded")
	require.NoError(t, err)
	assert.Equal(t, enums.PaymentStateConflicted, stored.State)
	assert.True(t, stored.ReviewRequired)
	require.NotNil(t, stored.ReviewReason)
	assert.Equal(t, reviewRefundNotRecorded, *stored.ReviewReason)

	pending, err := NewRepository(f.conn).FindByID(ctx, request.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.RefundRequestApproving, pending.Status)
	assert.Nil(t, pending.ClaimToken)

	events, err := outbox.NewRepository(f.conn).ListByAggregate(ctx, "pi_unrecorded")
	require.NoError(t, err)
	var reasons []string
	for _, event := range events {
		if event.EventType != enums.EventPaymentConflicted {
			continue
		}
		var envelope outbox.PayloadEnvelope
		require.NoError(t, json.Unmarshal(event.Payload, &envelope))
		var data payloads.PaymentConflictedEvent
		require.NoError(t, json.Unmarshal(envelope.Data, &data))
		reasons = append(reasons, data.Reason)
	}
	assert.Contains(t, reasons, reviewRefundNotRecorded)
}

func TestResolveRefundRequiresAdmin(t *testing.T) {
	f := newFixture(t)
	intent, _, placed := f.paidWithOrders(t, "pi_admin")

	_, err := f.service.ResolveRefund(context.Background(), ResolveRefundInput{OrderID: placed[0].ID, Decision: enums.RefundDecisionApprove, ActorID: intent.BuyerID, Role: enums.RoleBuyer})
	assert.Equal(t, pkgerrors.CodeForbidden, pkgerrors.CodeOf(err))

	_, err = f.service.ResolveRefund(context.Background(), ResolveRefundInput{OrderID: placed[0].ID, Decision: "maybe", ActorID: uuid.New(), Role: enums.RoleAdmin})
	assert.Equal(t, pkgerrors.CodeValidation, pkgerrors.CodeOf(err))

	_, err = f.service.ResolveRefund(context.Background(), ResolveRefundInput{OrderID: placed[0].ID, Decision: enums.RefundDecisionDeny, ActorID: uuid.New(), Role: enums.RoleAdmin})
	assert.Equal(t, pkgerrors.CodeInvalidTransition, pkgerrors.CodeOf(err))
}
