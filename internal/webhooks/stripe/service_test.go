package stripewebhook

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v84"
	"gorm.io/gorm"

	"github.com/angelmondragon/bazaar-backend/internal/orders"
	"github.com/angelmondragon/bazaar-backend/internal/payments"
	"github.com/angelmondragon/bazaar-backend/pkg/db/dbtest"
	"github.com/angelmondragon/bazaar-backend/pkg/db/models"
	"github.com/angelmondragon/bazaar-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/bazaar-backend/pkg/errors"
	"github.com/angelmondragon/bazaar-backend/pkg/outbox"
	"github.com/angelmondragon/bazaar-backend/pkg/redis/redistest"
	"github.com/angelmondragon/bazaar-backend/pkg/types"
)

type fixture struct {
	conn     *gorm.DB
	payments *payments.Repository
	orders   *orders.Repository
	service  *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	conn := dbtest.Open(t)
	emitter := outbox.NewService(outbox.NewRepository(conn), nil)
	coordinator, err := payments.NewCoordinator(payments.CoordinatorParams{Locker: payments.NewLocker(conn), Outbox: emitter})
	require.NoError(t, err)
	materializer, err := orders.NewMaterializer(orders.MaterializerParams{DB: conn, Coordinator: coordinator, Outbox: emitter})
	require.NoError(t, err)
	service, err := NewService(ServiceParams{Coordinator: coordinator, Materializer: materializer})
	require.NoError(t, err)
	return &fixture{
		conn:     conn,
		payments: payments.NewRepository(conn),
		orders:   orders.NewRepository(conn),
		service:  service,
	}
}

func (f *fixture) seed(t *testing.T, intentID string, state enums.PaymentState, snapshot *types.CartSnapshot) {
	t.Helper()
	require.NoError(t, f.payments.Create(context.Background(), &models.PaymentIntent{
		IntentID:         intentID,
		IdempotencyKey:   "key_" + intentID,
		AmountMinorUnits: 5000,
		Currency:         "lkr",
		State:            state,
		BuyerID:          uuid.New(),
		CartSnapshot:     snapshot,
		StateChangedAt:   time.Now().UTC(),
	}))
}

func (f *fixture) state(t *testing.T, intentID string) *models.PaymentIntent {
	t.Helper()
	intent, err := f.payments.FindByID(context.Background(), intentID)
	require.NoError(t, err)
	return intent
}

func snapshot(total int64) *types.CartSnapshot {
	seller := uuid.New()
	return &types.CartSnapshot{
		Lines: []types.CartLine{
			{ProductID: uuid.New(), SellerID: seller, Quantity: 2, UnitPriceMinorUnits: 1500},
			{ProductID: uuid.New(), SellerID: seller, Quantity: 1, UnitPriceMinorUnits: total - 3000},
		},
		ShippingAddress: "12 Galle Rd",
		Phone:           "+94 77 000 0000",
	}
}

func intentEvent(t *testing.T, eventID string, eventType stripe.EventType, intentID string, status stripe.PaymentIntentStatus) *stripe.Event {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"id":       intentID,
		"object":   "payment_intent",
		"status":   string(status),
		"amount":   5000,
		"currency": "lkr",
	})
	require.NoError(t, err)
	return &stripe.Event{
		ID:      eventID,
		Type:    eventType,
		Created: time.Now().Unix(),
		Data:    &stripe.EventData{Raw: raw},
	}
}

func TestHandleSucceededMaterializesStoredSnapshot(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "pi_ok", enums.PaymentStateRequiresConfirmation, snapshot(5000))
	event := intentEvent(t, "evt_1", stripe.EventTypePaymentIntentSucceeded, "pi_ok", stripe.PaymentIntentStatusSucceeded)

	require.NoError(t, f.service.HandleEvent(context.Background(), event))
	assert.Equal(t, enums.PaymentStateOrdersCreated, f.state(t, "pi_ok").State)

	placed, err := f.orders.ListByIntent(context.Background(), "pi_ok")
	require.NoError(t, err)
	assert.Len(t, placed, 2)

	// Redelivery is a ledgered duplicate and never creates a second order set.
	require.NoError(t, f.service.HandleEvent(context.Background(), event))
	placed, err = f.orders.ListByIntent(context.Background(), "pi_ok")
	require.NoError(t, err)
	assert.Len(t, placed, 2)

	ledger, err := f.payments.ListLedger(context.Background(), "pi_ok")
	require.NoError(t, err)
	require.Len(t, ledger, 2)
	require.NotNil(t, ledger[0].EventID)
	assert.Equal(t, "evt_1", *ledger[0].EventID)
	assert.Equal(t, enums.SourceWebhook, ledger[0].Source)
	assert.Equal(t, enums.DispositionApplied, ledger[0].Disposition)
	assert.Equal(t, enums.DispositionDuplicate, ledger[1].Disposition)
}

func TestHandleSucceededWithoutSnapshotLeavesOrdersToClient(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "pi_bare", enums.PaymentStateRequiresConfirmation, nil)

	err := f.service.HandleEvent(context.Background(), intentEvent(t, "evt_2", stripe.EventTypePaymentIntentSucceeded, "pi_bare", stripe.PaymentIntentStatusSucceeded))
	require.NoError(t, err)
	assert.Equal(t, enums.PaymentStateSucceeded, f.state(t, "pi_bare").State)

	placed, err := f.orders.ListByIntent(context.Background(), "pi_bare")
	require.NoError(t, err)
	assert.Empty(t, placed)
}

func TestHandleFailedAfterSucceededIsAcknowledged(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "pi_late_fail", enums.PaymentStateSucceeded, nil)

	err := f.service.HandleEvent(context.Background(), intentEvent(t, "evt_3", stripe.EventTypePaymentIntentPaymentFailed, "pi_late_fail", stripe.PaymentIntentStatusRequiresPaymentMethod))
	require.NoError(t, err)

	intent := f.state(t, "pi_late_fail")
	assert.Equal(t, enums.PaymentStateConflicted, intent.State)
	assert.True(t, intent.ReviewRequired)

	placed, err := f.orders.ListByIntent(context.Background(), "pi_late_fail")
	require.NoError(t, err)
	assert.Empty(t, placed)
}

func TestHandleSucceededAfterFailedIsAcknowledged(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "pi_revived", enums.PaymentStateFailed, snapshot(5000))

	err := f.service.HandleEvent(context.Background(), intentEvent(t, "evt_4", stripe.EventTypePaymentIntentSucceeded, "pi_revived", stripe.PaymentIntentStatusSucceeded))
	require.NoError(t, err)
	assert.Equal(t, enums.PaymentStateFailed, f.state(t, "pi_revived").State)

	ledger, err := f.payments.ListLedger(context.Background(), "pi_revived")
	require.NoError(t, err)
	require.Len(t, ledger, 1)
	assert.Equal(t, enums.DispositionRejected, ledger[0].Disposition)
}

func TestHandleAmountMismatchIsAcknowledged(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "pi_short", enums.PaymentStateRequiresConfirmation, snapshot(4000))

	err := f.service.HandleEvent(context.Background(), intentEvent(t, "evt_5", stripe.EventTypePaymentIntentSucceeded, "pi_short", stripe.PaymentIntentStatusSucceeded))
	require.NoError(t, err)

	intent := f.state(t, "pi_short")
	assert.Equal(t, enums.PaymentStateSucceeded, intent.State)
	assert.True(t, intent.ReviewRequired)
}

func TestHandleUnknownIntentIsRetried(t *testing.T) {
	f := newFixture(t)
	err := f.service.HandleEvent(context.Background(), intentEvent(t, "evt_6", stripe.EventTypePaymentIntentSucceeded, "pi_missing", stripe.PaymentIntentStatusSucceeded))
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodeNotFound, pkgerrors.CodeOf(err))
}

func TestHandleIgnoresUnrelatedEvents(t *testing.T) {
	f := newFixture(t)
	event := &stripe.Event{ID: "evt_7", Type: stripe.EventTypeCustomerCreated, Data: &stripe.EventData{Raw: []byte(`{"id":"cus_1"}`)}}
	require.NoError(t, f.service.HandleEvent(context.Background(), event))

	require.Error(t, f.service.HandleEvent(context.Background(), nil))
	bad := &stripe.Event{ID: "evt_8", Type: stripe.EventTypePaymentIntentSucceeded, Data: &stripe.EventData{Raw: []byte(`{"object":"payment_intent"}`)}}
	assert.Equal(t, pkgerrors.CodeValidation, pkgerrors.CodeOf(f.service.HandleEvent(context.Background(), bad)))
}

func TestEventGuardClaims(t *testing.T) {
	store := redistest.New()
	guard, err := NewEventGuard(store, time.Hour)
	require.NoError(t, err)
	ctx := context.Background()

	claim, err := guard.Claim(ctx, "evt_1")
	require.NoError(t, err)
	assert.Equal(t, ClaimFresh, claim)

	claim, err = guard.Claim(ctx, "evt_1")
	require.NoError(t, err)
	assert.Equal(t, ClaimInFlight, claim)

	require.NoError(t, guard.Complete(ctx, "evt_1"))
	claim, err = guard.Claim(ctx, "evt_1")
	require.NoError(t, err)
	assert.Equal(t, ClaimProcessed, claim)

	require.NoError(t, guard.Release(ctx, "evt_1"))
	claim, err = guard.Claim(ctx, "evt_1")
	require.NoError(t, err)
	assert.Equal(t, ClaimFresh, claim)

	claim, err = guard.Claim(ctx, "evt_2")
	require.NoError(t, err)
	require.Equal(t, ClaimFresh, claim)
	store.Advance(processingTTL + time.Second)
	claim, err = guard.Claim(ctx, "evt_2")
	require.NoError(t, err)
	assert.Equal(t, ClaimFresh, claim, "an abandoned claim expires")

	_, err = guard.Claim(ctx, "")
	assert.ErrorIs(t, err, errEventIDRequired)
	_, err = NewEventGuard(nil, time.Minute)
	assert.Error(t, err)
	_, err = NewEventGuard(store, 0)
	assert.Error(t, err)
}
