// Package outbox records domain events in the same transaction as the state
// change they describe. cmd/outbox-publisher ships them to Pub/Sub later.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/bazaar-backend/pkg/db/models"
	"github.com/angelmondragon/bazaar-backend/pkg/enums"
	"github.com/angelmondragon/bazaar-backend/pkg/logger"
)

const defaultEnvelopeVersion = 1

var errTxRequired = errors.New("transaction required")

type DomainEvent struct {
	EventType     enums.OutboxEventType
	AggregateType enums.OutboxAggregateType
	AggregateID   string
	Actor         *ActorRef
	Data          any
	Version       int
	OccurredAt    time.Time
}

// ActorRef identifies who produced the event. System sources such as the
// provider webhook or the reconciliation sweep leave UserID nil and set Source.
type ActorRef struct {
	UserID *uuid.UUID `json:"userId,omitempty"`
	Role   string     `json:"role,omitempty"`
	Source string     `json:"source,omitempty"`
}

// PayloadEnvelope is what consumers receive. EventID equals the outbox row
// id, so a consumer can deduplicate redeliveries on it.
type PayloadEnvelope struct {
	Version     int                   `json:"version"`
	EventID     string                `json:"eventId"`
	EventType   enums.OutboxEventType `json:"eventType"`
	AggregateID string                `json:"aggregateId"`
	OccurredAt  time.Time             `json:"occurredAt"`
	Actor       *ActorRef             `json:"actor,omitempty"`
	Data        json.RawMessage       `json:"data"`
}

// Emitter is implemented by Service; domain packages depend on it so tests
// can capture events without a database.
type Emitter interface {
	Emit(ctx context.Context, tx *gorm.DB, events ...DomainEvent) error
}

type Service struct {
	repo *Repository
	logg *logger.Logger
}

func NewService(repo *Repository, logg *logger.Logger) *Service {
	return &Service{repo: repo, logg: logg}
}

// Emit appends events to outbox_events through tx, so they commit or roll
// back with the caller's state change. Row ids are UUIDv7: ordering by id
// replays events of one aggregate in the order they were emitted.
func (s *Service) Emit(ctx context.Context, tx *gorm.DB, events ...DomainEvent) error {
	if tx == nil {
		return errTxRequired
	}
	if len(events) == 0 {
		return nil
	}
	rows := make([]models.OutboxEvent, 0, len(events))
	for _, event := range events {
		row, err := s.encode(event)
		if err != nil {
			return err
		}
		rows = append(rows, row)
	}
	if err := s.repo.Insert(tx, rows...); err != nil {
		return err
	}

	if s.logg != nil {
		for _, row := range rows {
			s.logg.Debug(s.logg.WithFields(ctx, map[string]any{
				"event_id":       row.ID.String(),
				"event_type":     row.EventType,
				"aggregate_type": row.AggregateType,
				"aggregate_id":   row.AggregateID,
			}), "outbox event queued")
		}
	}
	return nil
}

func (s *Service) encode(event DomainEvent) (models.OutboxEvent, error) {
	switch {
	case !event.EventType.IsValid():
		return models.OutboxEvent{}, fmt.Errorf("unknown event type %q", event.EventType)
	case !event.AggregateType.IsValid():
		return models.OutboxEvent{}, fmt.Errorf("unknown aggregate type %q", event.AggregateType)
	case event.AggregateID == "":
		return models.OutboxEvent{}, errors.New("aggregate id required")
	}
	data, err := json.Marshal(event.Data)
	if err != nil {
		return models.OutboxEvent{}, fmt.Errorf("encode %s data: %w", event.EventType, err)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return models.OutboxEvent{}, err
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	if event.Version <= 0 {
		event.Version = defaultEnvelopeVersion
	}
	payload, err := json.Marshal(PayloadEnvelope{
		Version:     event.Version,
		EventID:     id.String(),
		EventType:   event.EventType,
		AggregateID: event.AggregateID,
		OccurredAt:  event.OccurredAt,
		Actor:       event.Actor,
		Data:        data,
	})
	if err != nil {
		return models.OutboxEvent{}, err
	}
	return models.OutboxEvent{
		ID:            id,
		EventType:     event.EventType,
		AggregateType: event.AggregateType,
		AggregateID:   event.AggregateID,
		Payload:       payload,
	}, nil
}
