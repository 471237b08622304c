package payments

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/bazaar-backend/internal/gateway"
	"github.com/angelmondragon/bazaar-backend/internal/idempotency"
	"github.com/angelmondragon/bazaar-backend/pkg/db"
	"github.com/angelmondragon/bazaar-backend/pkg/db/dbtest"
	"github.com/angelmondragon/bazaar-backend/pkg/db/models"
	"github.com/angelmondragon/bazaar-backend/pkg/enums"
	"github.com/angelmondragon/bazaar-backend/pkg/outbox"
	"github.com/angelmondragon/bazaar-backend/pkg/redis/redistest"
	"github.com/angelmondragon/bazaar-backend/pkg/types"
)

type fakeGateway struct {
	mu        sync.Mutex
	creates   int
	fetches   int
	createErr error
	fetchErr  error
	states    map[string]enums.ObservedState
	nextID    int
	byKey     map[string]string
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{states: map[string]enums.ObservedState{}, byKey: map[string]string{}}
}

func (g *fakeGateway) CreateIntent(_ context.Context, amount int64, currency, key string) (*gateway.ProviderIntent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.creates++
	if g.createErr != nil {
		return nil, g.createErr
	}
	id, ok := g.byKey[key]
	if !ok {
		g.nextID++
		id = fmt.Sprintf("pi_%d", g.nextID)
		g.byKey[key] = id
		g.states[id] = enums.ObservedRequiresConfirmation
	}
	return &gateway.ProviderIntent{
		ID:               id,
		ClientSecret:     id + "_secret",
		Status:           "requires_payment_method",
		State:            enums.ObservedRequiresConfirmation,
		AmountMinorUnits: amount,
		Currency:         currency,
	}, nil
}

func (g *fakeGateway) FetchStatus(_ context.Context, intentID string) (*gateway.ProviderIntent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fetches++
	if g.fetchErr != nil {
		return nil, g.fetchErr
	}
	state, ok := g.states[intentID]
	if !ok {
		state = enums.ObservedUnknown
	}
	return &gateway.ProviderIntent{
		ID:           intentID,
		ClientSecret: intentID + "_secret",
		Status:       string(state),
		State:        state,
	}, nil
}

func (g *fakeGateway) set(intentID string, state enums.ObservedState) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.states[intentID] = state
}

type fakeCart struct {
	lines []types.CartLine
	err   error
}

func (c *fakeCart) Lines(context.Context, uuid.UUID) ([]types.CartLine, error) {
	return c.lines, c.err
}

type fixture struct {
	conn        *gorm.DB
	repo        *Repository
	coordinator *Coordinator
	service     *Service
	gateway     *fakeGateway
	redis       *redistest.Store
	cart        *fakeCart
	outbox      *outbox.Repository
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	conn := dbtest.Open(t)
	outboxRepo := outbox.NewRepository(conn)
	coordinator, err := NewCoordinator(CoordinatorParams{
		Locker: NewLocker(conn),
		Outbox: outbox.NewService(outboxRepo, nil),
	})
	require.NoError(t, err)

	redisStore := redistest.New()
	keys, err := idempotency.NewStore(redisStore, time.Hour, time.Minute)
	require.NoError(t, err)

	gw := newFakeGateway()
	cart := &fakeCart{}
	repo := NewRepository(conn)
	svc, err := NewService(ServiceParams{
		Tx:          db.NewFromConn(conn),
		Repository:  repo,
		Coordinator: coordinator,
		Keys:        keys,
		Gateway:     gw,
		Cart:        cart,
	})
	require.NoError(t, err)

	return &fixture{
		conn:        conn,
		repo:        repo,
		coordinator: coordinator,
		service:     svc,
		gateway:     gw,
		redis:       redisStore,
		cart:        cart,
		outbox:      outboxRepo,
	}
}

func (f *fixture) seedIntent(t *testing.T, intentID string, state enums.PaymentState) *models.PaymentIntent {
	t.Helper()
	intent := &models.PaymentIntent{
		IntentID:         intentID,
		IdempotencyKey:   "key_" + intentID,
		AmountMinorUnits: 5000,
		Currency:         "lkr",
		State:            state,
		BuyerID:          uuid.New(),
		StateChangedAt:   time.Now().UTC(),
	}
	require.NoError(t, f.repo.Create(context.Background(), intent))
	return intent
}

func (f *fixture) ledger(t *testing.T, intentID string) []models.ReconciliationLedgerEntry {
	t.Helper()
	entries, err := f.repo.ListLedger(context.Background(), intentID)
	require.NoError(t, err)
	return entries
}

func (f *fixture) state(t *testing.T, intentID string) enums.PaymentState {
	t.Helper()
	intent, err := f.repo.FindByID(context.Background(), intentID)
	require.NoError(t, err)
	return intent.State
}
