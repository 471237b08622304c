package stripewebhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/angelmondragon/bazaar-backend/pkg/redis"
)

const (
	guardScope       = "stripe_event"
	markerProcessing = "processing"
	markerDone       = "done"

	// processingTTL bounds how long a crashed handler can hold an event id.
	processingTTL = 5 * time.Minute
)

// Claim is what the guard knows about an event id before handling it.
type Claim int

const (
	// ClaimFresh means this delivery owns the event and must Complete or Release it.
	ClaimFresh Claim = iota
	// ClaimProcessed means an earlier delivery finished; acknowledge and skip.
	ClaimProcessed
	// ClaimInFlight means another delivery is handling the event right now.
	ClaimInFlight
)

var errEventIDRequired = errors.New("event id is required")

// EventGuard deduplicates provider webhook deliveries by event id.
type EventGuard struct {
	store   redis.IdempotencyStore
	doneTTL time.Duration
}

func NewEventGuard(store redis.IdempotencyStore, doneTTL time.Duration) (*EventGuard, error) {
	if store == nil {
		return nil, errors.New("idempotency store is required")
	}
	if doneTTL <= 0 {
		return nil, errors.New("processed event ttl must be positive")
	}
	return &EventGuard{store: store, doneTTL: doneTTL}, nil
}

func (g *EventGuard) key(eventID string) string {
	return g.store.IdempotencyKey(guardScope, eventID)
}

func (g *EventGuard) Claim(ctx context.Context, eventID string) (Claim, error) {
	if eventID == "" {
		return ClaimFresh, errEventIDRequired
	}
	key := g.key(eventID)
	won, err := g.store.SetNX(ctx, key, markerProcessing, processingTTL)
	if err != nil {
		return ClaimFresh, fmt.Errorf("claim webhook event: %w", err)
	}
	if won {
		return ClaimFresh, nil
	}
	marker, err := g.store.Get(ctx, key)
	switch {
	case errors.Is(err, goredis.Nil):
		// Released between the two calls; the provider will retry.
		return ClaimInFlight, nil
	case err != nil:
		return ClaimFresh, fmt.Errorf("read webhook event marker: %w", err)
	case marker == markerDone:
		return ClaimProcessed, nil
	default:
		return ClaimInFlight, nil
	}
}

// Complete records the event as handled for the configured retention.
func (g *EventGuard) Complete(ctx context.Context, eventID string) error {
	if eventID == "" {
		return errEventIDRequired
	}
	return g.store.Set(ctx, g.key(eventID), markerDone, g.doneTTL)
}

// Release forgets the claim so a redelivery is handled from scratch.
func (g *EventGuard) Release(ctx context.Context, eventID string) error {
	if eventID == "" {
		return errEventIDRequired
	}
	return g.store.Del(ctx, g.key(eventID))
}
