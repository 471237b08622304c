package orders

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/bazaar-backend/internal/payments"
	"github.com/angelmondragon/bazaar-backend/pkg/db/dbtest"
	"github.com/angelmondragon/bazaar-backend/pkg/db/models"
	"github.com/angelmondragon/bazaar-backend/pkg/enums"
	"github.com/angelmondragon/bazaar-backend/pkg/outbox"
	"github.com/angelmondragon/bazaar-backend/pkg/types"
)

type fixture struct {
	conn         *gorm.DB
	payments     *payments.Repository
	coordinator  *payments.Coordinator
	materializer *Materializer
	status       *StatusService
	service      *Service
	outbox       *outbox.Repository
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	conn := dbtest.Open(t)
	outboxRepo := outbox.NewRepository(conn)
	emitter := outbox.NewService(outboxRepo, nil)
	coordinator, err := payments.NewCoordinator(payments.CoordinatorParams{
		Locker: payments.NewLocker(conn),
		Outbox: emitter,
	})
	require.NoError(t, err)
	materializer, err := NewMaterializer(MaterializerParams{DB: conn, Coordinator: coordinator, Outbox: emitter})
	require.NoError(t, err)
	status, err := NewStatusService(StatusServiceParams{DB: conn, Coordinator: coordinator, Outbox: emitter})
	require.NoError(t, err)
	service, err := NewService(conn)
	require.NoError(t, err)
	return &fixture{
		conn:         conn,
		payments:     payments.NewRepository(conn),
		coordinator:  coordinator,
		materializer: materializer,
		status:       status,
		service:      service,
		outbox:       outboxRepo,
	}
}

func (f *fixture) seedIntent(t *testing.T, intentID string, state enums.PaymentState, amount int64, snapshot *types.CartSnapshot) *models.PaymentIntent {
	t.Helper()
	intent := &models.PaymentIntent{
		IntentID:         intentID,
		IdempotencyKey:   "key_" + intentID,
		AmountMinorUnits: amount,
		Currency:         "lkr",
		State:            state,
		BuyerID:          uuid.New(),
		CartSnapshot:     snapshot,
		StateChangedAt:   time.Now().UTC(),
	}
	require.NoError(t, f.payments.Create(context.Background(), intent))
	return intent
}

func (f *fixture) intentState(t *testing.T, intentID string) enums.PaymentState {
	t.Helper()
	intent, err := f.payments.FindByID(context.Background(), intentID)
	require.NoError(t, err)
	return intent.State
}

// lkrCart totals 5000: two units at 1500 and one at 2000.
func lkrCart(sellerA, sellerB uuid.UUID) *types.CartSnapshot {
	return &types.CartSnapshot{
		Lines: []types.CartLine{
			{ProductID: uuid.New(), SellerID: sellerA, Quantity: 2, UnitPriceMinorUnits: 1500},
			{ProductID: uuid.New(), SellerID: sellerB, Quantity: 1, UnitPriceMinorUnits: 2000},
		},
		ShippingAddress: "12 Galle Road, Colombo 03",
		Phone:           "+94112345678",
	}
}

func orderIDs(orders []models.Order) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(orders))
	for _, order := range orders {
		ids = append(ids, order.ID)
	}
	return ids
}
