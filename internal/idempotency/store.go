package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	pkgerrors "github.com/angelmondragon/bazaar-backend/pkg/errors"
	"github.com/angelmondragon/bazaar-backend/pkg/redis"
)

const scope = "payment_intent"

type status string

const (
	statusPending status = "pending"
	statusBound   status = "bound"
)

type record struct {
	Status      status `json:"status"`
	Fingerprint string `json:"fingerprint"`
	IntentID    string `json:"intent_id,omitempty"`
}

// Reservation is the result of Reserve. Fresh reservations must be bound or
// released by the caller; existing ones carry the intent already created for
// the key.
type Reservation struct {
	Fresh    bool
	IntentID string
}

// Fingerprint ties a key to the request that first used it so reuse with a
// different amount or currency is detected.
func Fingerprint(amountMinorUnits int64, currency string) string {
	return fmt.Sprintf("%d:%s", amountMinorUnits, strings.ToLower(strings.TrimSpace(currency)))
}

// Store reserves idempotency keys for payment intent creation with Redis
// SET NX. Pending reservations expire after pendingTTL so a crashed caller
// cannot wedge a key; bound keys live for ttl.
type Store struct {
	store      redis.IdempotencyStore
	ttl        time.Duration
	pendingTTL time.Duration
}

func NewStore(store redis.IdempotencyStore, ttl, pendingTTL time.Duration) (*Store, error) {
	if store == nil {
		return nil, errors.New("idempotency store is required")
	}
	if ttl <= 0 || pendingTTL <= 0 {
		return nil, errors.New("idempotency ttls must be positive")
	}
	return &Store{store: store, ttl: ttl, pendingTTL: pendingTTL}, nil
}

// Reserve atomically claims key for the caller. A second caller sees either
// IDEMPOTENCY_IN_PROGRESS while the first is still talking to the provider or
// the bound intent id afterwards.
func (s *Store) Reserve(ctx context.Context, key, fingerprint string) (Reservation, error) {
	if strings.TrimSpace(key) == "" {
		return Reservation{}, pkgerrors.New(pkgerrors.CodeValidation, "idempotency key is required")
	}
	redisKey := s.store.IdempotencyKey(scope, key)
	pending, err := json.Marshal(record{Status: statusPending, Fingerprint: fingerprint})
	if err != nil {
		return Reservation{}, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "encode reservation")
	}

	// One retry covers a pending reservation expiring between SETNX and GET.
	for attempt := 0; attempt < 2; attempt++ {
		set, err := s.store.SetNX(ctx, redisKey, string(pending), s.pendingTTL)
		if err != nil {
			return Reservation{}, storeUnavailable(err)
		}
		if set {
			return Reservation{Fresh: true}, nil
		}

		raw, err := s.store.Get(ctx, redisKey)
		if errors.Is(err, goredis.Nil) {
			continue
		}
		if err != nil {
			return Reservation{}, storeUnavailable(err)
		}
		var existing record
		if err := json.Unmarshal([]byte(raw), &existing); err != nil {
			return Reservation{}, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "decode reservation")
		}
		if existing.Fingerprint != fingerprint {
			return Reservation{}, pkgerrors.New(pkgerrors.CodeIdempotency, "idempotency key reused with a different amount or currency").
				WithDetails(map[string]any{"idempotency_key": key})
		}
		if existing.Status != statusBound || existing.IntentID == "" {
			return Reservation{}, pkgerrors.New(pkgerrors.CodeInProgress, "payment intent creation already in progress for this key").
				WithDetails(map[string]any{"idempotency_key": key})
		}
		return Reservation{IntentID: existing.IntentID}, nil
	}
	return Reservation{}, pkgerrors.New(pkgerrors.CodeInProgress, "idempotency key is changing hands, retry")
}

// Bind records the provider intent created under key.
func (s *Store) Bind(ctx context.Context, key, fingerprint, intentID string) error {
	bound, err := json.Marshal(record{Status: statusBound, Fingerprint: fingerprint, IntentID: intentID})
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "encode reservation")
	}
	if err := s.store.Set(ctx, s.store.IdempotencyKey(scope, key), string(bound), s.ttl); err != nil {
		return storeUnavailable(err)
	}
	return nil
}

// Release frees a reservation whose provider call failed so the client can
// retry with the same key.
func (s *Store) Release(ctx context.Context, key string) error {
	if err := s.store.Del(ctx, s.store.IdempotencyKey(scope, key)); err != nil {
		return storeUnavailable(err)
	}
	return nil
}

func storeUnavailable(err error) error {
	return pkgerrors.Wrap(pkgerrors.CodeStoreUnavailable, err, "idempotency store unavailable")
}
