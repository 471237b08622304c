package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/bazaar-backend/internal/gateway"
	"github.com/angelmondragon/bazaar-backend/internal/idempotency"
	"github.com/angelmondragon/bazaar-backend/pkg/db"
	"github.com/angelmondragon/bazaar-backend/pkg/db/models"
	"github.com/angelmondragon/bazaar-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/bazaar-backend/pkg/errors"
	"github.com/angelmondragon/bazaar-backend/pkg/logger"
	"github.com/angelmondragon/bazaar-backend/pkg/types"
)

const actorSystem = "system"

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Gateway is the provider surface the payment service needs.
type Gateway interface {
	CreateIntent(ctx context.Context, amountMinorUnits int64, currency, idempotencyKey string) (*gateway.ProviderIntent, error)
	FetchStatus(ctx context.Context, intentID string) (*gateway.ProviderIntent, error)
}

// CartReader returns the buyer's current cart lines with their cart-time
// prices.
type CartReader interface {
	Lines(ctx context.Context, buyerID uuid.UUID) ([]types.CartLine, error)
}

type CreateIntentInput struct {
	BuyerID          uuid.UUID
	AmountMinorUnits int64
	Currency         string
	IdempotencyKey   string
	ShippingAddress  string
	Phone            string
}

type IntentResult struct {
	IntentID         string             `json:"intent_id"`
	ClientSecret     string             `json:"client_secret"`
	State            enums.PaymentState `json:"state"`
	AmountMinorUnits int64              `json:"amount_minor_units"`
	Currency         string             `json:"currency"`
	Replayed         bool               `json:"-"`
}

type ConfirmResult struct {
	IntentID    string                  `json:"intent_id"`
	State       enums.PaymentState      `json:"state"`
	Disposition enums.LedgerDisposition `json:"disposition"`
}

// IntentView is the read model of an intent for owners and admins.
type IntentView struct {
	Intent  models.PaymentIntent        `json:"intent"`
	History []models.PaymentStateChange `json:"history"`
}

type ServiceParams struct {
	Tx          txRunner
	Repository  *Repository
	Coordinator *Coordinator
	Keys        *idempotency.Store
	Gateway     Gateway
	Cart        CartReader
	Logger      *logger.Logger
}

// Service creates and confirms payment intents.
type Service struct {
	tx          txRunner
	repo        *Repository
	coordinator *Coordinator
	keys        *idempotency.Store
	gateway     Gateway
	cart        CartReader
	logg        *logger.Logger
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if params.Repository == nil {
		return nil, fmt.Errorf("payments repository required")
	}
	if params.Coordinator == nil {
		return nil, fmt.Errorf("coordinator required")
	}
	if params.Keys == nil {
		return nil, fmt.Errorf("idempotency store required")
	}
	if params.Gateway == nil {
		return nil, fmt.Errorf("payment gateway required")
	}
	logg := params.Logger
	if logg == nil {
		logg = logger.Nop()
	}
	return &Service{
		tx:          params.Tx,
		repo:        params.Repository,
		coordinator: params.Coordinator,
		keys:        params.Keys,
		gateway:     params.Gateway,
		cart:        params.Cart,
		logg:        logg,
	}, nil
}

// CreateIntent opens a provider intent at most once per idempotency key. A
// replay returns the intent created by the first request.
func (s *Service) CreateIntent(ctx context.Context, input CreateIntentInput) (*IntentResult, error) {
	if input.AmountMinorUnits <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeInvalidAmount, "amount_minor_units must be greater than zero")
	}
	currency := strings.ToLower(strings.TrimSpace(input.Currency))
	if len(currency) != 3 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "currency must be a 3-letter ISO 4217 code")
	}
	key := strings.TrimSpace(input.IdempotencyKey)
	if key == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "idempotency_key is required")
	}
	if input.BuyerID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "buyer identity missing")
	}
	ctx = s.logg.WithField(ctx, "idempotency_key", key)

	existing, err := s.repo.FindByIdempotencyKey(ctx, key)
	switch {
	case err == nil:
		return s.replay(ctx, existing, input.BuyerID, input.AmountMinorUnits, currency)
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lookup idempotency key")
	}

	fingerprint := idempotency.Fingerprint(input.AmountMinorUnits, currency)
	reservation, err := s.keys.Reserve(ctx, key, fingerprint)
	if err != nil {
		return nil, err
	}
	if !reservation.Fresh {
		intent, err := s.repo.FindByID(ctx, reservation.IntentID)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load replayed intent")
		}
		return s.replay(ctx, intent, input.BuyerID, input.AmountMinorUnits, currency)
	}

	provider, err := s.gateway.CreateIntent(ctx, input.AmountMinorUnits, currency, key)
	if err != nil {
		s.release(ctx, key)
		return nil, err
	}
	ctx = s.logg.WithIntentID(ctx, provider.ID)

	intent := &models.PaymentIntent{
		IntentID:         provider.ID,
		IdempotencyKey:   key,
		AmountMinorUnits: input.AmountMinorUnits,
		Currency:         currency,
		State:            enums.PaymentStateCreated,
		BuyerID:          input.BuyerID,
		CartSnapshot:     s.snapshotCart(ctx, input),
		StateChangedAt:   time.Now().UTC(),
	}
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		if err := NewRepository(tx).Create(ctx, intent); err != nil {
			return err
		}
		return s.coordinator.Advance(ctx, tx, intent, enums.PaymentStateRequiresConfirmation, actorSystem, "provider intent created")
	})
	if err != nil {
		if db.IsUniqueViolation(err, "") {
			// A concurrent request with the same key won the insert.
			winner, findErr := s.repo.FindByIdempotencyKey(ctx, key)
			if findErr == nil {
				return s.replay(ctx, winner, input.BuyerID, input.AmountMinorUnits, currency)
			}
		}
		s.release(ctx, key)
		if pkgerrors.As(err) != nil {
			return nil, err
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "persist payment intent")
	}

	if err := s.keys.Bind(ctx, key, fingerprint, intent.IntentID); err != nil {
		// The unique idempotency_key column still catches replays.
		s.logg.Warn(ctx, "failed to bind idempotency key")
	}
	s.logg.Info(ctx, "payment intent created")

	return &IntentResult{
		IntentID:         intent.IntentID,
		ClientSecret:     provider.ClientSecret,
		State:            intent.State,
		AmountMinorUnits: intent.AmountMinorUnits,
		Currency:         intent.Currency,
	}, nil
}

func (s *Service) replay(ctx context.Context, intent *models.PaymentIntent, buyerID uuid.UUID, amount int64, currency string) (*IntentResult, error) {
	if intent.AmountMinorUnits != amount || intent.Currency != currency || intent.BuyerID != buyerID {
		return nil, pkgerrors.New(pkgerrors.CodeIdempotency, "idempotency key reused with a different request").
			WithDetails(map[string]any{"idempotency_key": intent.IdempotencyKey})
	}
	provider, err := s.gateway.FetchStatus(ctx, intent.IntentID)
	if err != nil {
		return nil, err
	}
	return &IntentResult{
		IntentID:         intent.IntentID,
		ClientSecret:     provider.ClientSecret,
		State:            intent.State,
		AmountMinorUnits: intent.AmountMinorUnits,
		Currency:         intent.Currency,
		Replayed:         true,
	}, nil
}

func (s *Service) release(ctx context.Context, key string) {
	if err := s.keys.Release(ctx, key); err != nil {
		s.logg.Error(ctx, "failed to release idempotency key", err)
	}
}

// snapshotCart copies the buyer's cart onto the intent so orders can be
// materialized without the client. Carts that do not add up to the amount
// are not stored.
func (s *Service) snapshotCart(ctx context.Context, input CreateIntentInput) *types.CartSnapshot {
	if s.cart == nil || input.ShippingAddress == "" || input.Phone == "" {
		return nil
	}
	lines, err := s.cart.Lines(ctx, input.BuyerID)
	if err != nil {
		s.logg.Error(ctx, "failed to read cart for snapshot", err)
		return nil
	}
	snapshot := &types.CartSnapshot{
		Lines:           lines,
		ShippingAddress: input.ShippingAddress,
		Phone:           input.Phone,
	}
	if err := snapshot.Validate(); err != nil {
		return nil
	}
	if total, err := snapshot.Total(); err != nil || total != input.AmountMinorUnits {
		s.logg.Warn(ctx, "cart total differs from intent amount, snapshot skipped")
		return nil
	}
	return snapshot
}

// Confirm handles the client's post-confirmation callback. The provider is
// asked for the real status; the client's word is never trusted.
func (s *Service) Confirm(ctx context.Context, intentID string, buyerID uuid.UUID) (*ConfirmResult, error) {
	intent, err := s.repo.FindByID(ctx, intentID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "payment intent not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load payment intent")
	}
	if intent.BuyerID != buyerID {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "payment intent not found")
	}

	provider, err := s.gateway.FetchStatus(ctx, intentID)
	if err != nil {
		return nil, err
	}
	outcome, err := s.coordinator.Observe(ctx, Observation{
		IntentID:       intentID,
		Source:         enums.SourceClientConfirmation,
		State:          provider.State,
		ProviderStatus: provider.Status,
	})
	if err != nil {
		return nil, err
	}
	if outcome.StateAfter == enums.PaymentStateConflicted {
		return nil, pkgerrors.New(pkgerrors.CodeConsistencyAlert, "payment is under manual reconciliation").
			WithDetails(map[string]any{"intent_id": intentID})
	}
	return &ConfirmResult{
		IntentID:    intentID,
		State:       outcome.StateAfter,
		Disposition: outcome.Disposition,
	}, nil
}

// Get returns the intent and its history. Buyers only see their own intents.
func (s *Service) Get(ctx context.Context, intentID string, actorID uuid.UUID, role enums.Role) (*IntentView, error) {
	intent, err := s.repo.FindByID(ctx, intentID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "payment intent not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load payment intent")
	}
	if role != enums.RoleAdmin && intent.BuyerID != actorID {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "payment intent not found")
	}
	history, err := s.repo.ListStateChanges(ctx, intentID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load payment history")
	}
	return &IntentView{Intent: *intent, History: history}, nil
}

// Ledger returns every observation recorded for the intent.
func (s *Service) Ledger(ctx context.Context, intentID string) ([]models.ReconciliationLedgerEntry, error) {
	if _, err := s.repo.FindByID(ctx, intentID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "payment intent not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load payment intent")
	}
	entries, err := s.repo.ListLedger(ctx, intentID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load reconciliation ledger")
	}
	return entries, nil
}
