package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/bazaar-backend/pkg/db/dbtest"
	"github.com/angelmondragon/bazaar-backend/pkg/db/models"
	"github.com/angelmondragon/bazaar-backend/pkg/enums"
	"github.com/angelmondragon/bazaar-backend/pkg/logger"
)

func TestEmitWritesEnvelopeInsideTransaction(t *testing.T) {
	conn := dbtest.Open(t)
	repo := NewRepository(conn)
	svc := NewService(repo, logger.Nop())

	err := conn.Transaction(func(tx *gorm.DB) error {
		return svc.Emit(context.Background(), tx, DomainEvent{
			EventType:     enums.EventPaymentStateChanged,
			AggregateType: enums.AggregatePaymentIntent,
			AggregateID:   "pi_emit",
			Actor:         &ActorRef{Source: string(enums.SourceWebhook)},
			Data:          map[string]string{"to_state": "succeeded"},
		})
	})
	require.NoError(t, err)

	rows, err := repo.ListByAggregate(context.Background(), "pi_emit")
	require.NoError(t, err)
	require.Len(t, rows, 1)

	var envelope PayloadEnvelope
	require.NoError(t, json.Unmarshal(rows[0].Payload, &envelope))
	assert.Equal(t, defaultEnvelopeVersion, envelope.Version)
	assert.Equal(t, rows[0].ID.String(), envelope.EventID)
	assert.Equal(t, enums.EventPaymentStateChanged, envelope.EventType)
	assert.Equal(t, "pi_emit", envelope.AggregateID)
	assert.EqualValues(t, 7, rows[0].ID.Version(), "row ids are time ordered")
	assert.Equal(t, "webhook", envelope.Actor.Source)
	assert.JSONEq(t, `{"to_state":"succeeded"}`, string(envelope.Data))
}

func TestEmitRollsBackWithCaller(t *testing.T) {
	conn := dbtest.Open(t)
	repo := NewRepository(conn)
	svc := NewService(repo, nil)

	boom := errors.New("boom")
	err := conn.Transaction(func(tx *gorm.DB) error {
		if err := svc.Emit(context.Background(), tx, DomainEvent{
			EventType:     enums.EventOrdersMaterialized,
			AggregateType: enums.AggregatePaymentIntent,
			AggregateID:   "pi_rollback",
			Data:          map[string]int{"n": 1},
		}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	rows, err := repo.ListByAggregate(context.Background(), "pi_rollback")
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestEmitRequiresTransactionAndAggregate(t *testing.T) {
	svc := NewService(NewRepository(nil), nil)
	require.ErrorIs(t, svc.Emit(context.Background(), nil, DomainEvent{AggregateID: "x"}), errTxRequired)

	conn := dbtest.Open(t)
	require.Error(t, svc.Emit(context.Background(), conn, DomainEvent{}))
	require.Error(t, svc.Emit(context.Background(), conn, DomainEvent{
		EventType:     "payment_teleported",
		AggregateType: enums.AggregatePaymentIntent,
		AggregateID:   "pi_unknown",
	}))
	require.NoError(t, svc.Emit(context.Background(), conn), "no events is a no-op")
}

func TestEmitBatchKeepsEmissionOrder(t *testing.T) {
	conn := dbtest.Open(t)
	repo := NewRepository(conn)
	svc := NewService(repo, logger.Nop())

	types := []enums.OutboxEventType{
		enums.EventPaymentStateChanged,
		enums.EventOrdersMaterialized,
		enums.EventOrderStatusChanged,
	}
	events := make([]DomainEvent, 0, len(types))
	for _, eventType := range types {
		events = append(events, DomainEvent{
			EventType:     eventType,
			AggregateType: enums.AggregatePaymentIntent,
			AggregateID:   "pi_batch",
			Data:          map[string]string{"type": string(eventType)},
		})
	}
	require.NoError(t, conn.Transaction(func(tx *gorm.DB) error {
		return svc.Emit(context.Background(), tx, events...)
	}))

	rows, err := repo.ListByAggregate(context.Background(), "pi_batch")
	require.NoError(t, err)
	require.Len(t, rows, len(types))
	for i, row := range rows {
		assert.Equal(t, types[i], row.EventType)
	}
}

func TestRepositoryPublishLifecycle(t *testing.T) {
	conn := dbtest.Open(t)
	repo := NewRepository(conn)
	svc := NewService(repo, nil)
	ctx := context.Background()

	for _, id := range []string{"pi_a", "pi_b"} {
		require.NoError(t, conn.Transaction(func(tx *gorm.DB) error {
			return svc.Emit(ctx, tx, DomainEvent{
				EventType:     enums.EventPaymentStateChanged,
				AggregateType: enums.AggregatePaymentIntent,
				AggregateID:   id,
				Data:          map[string]string{"id": id},
			})
		}))
	}

	var claimed []models.OutboxEvent
	require.NoError(t, conn.Transaction(func(tx *gorm.DB) error {
		var err error
		claimed, err = repo.FetchUnpublishedForPublish(tx, 10, 3)
		if err != nil {
			return err
		}
		if err := repo.MarkPublishedTx(tx, claimed[0].ID); err != nil {
			return err
		}
		return repo.MarkFailedTx(tx, claimed[1].ID, errors.New("publish timeout"))
	}))
	require.Len(t, claimed, 2)

	var pending []models.OutboxEvent
	require.NoError(t, conn.Transaction(func(tx *gorm.DB) error {
		var err error
		pending, err = repo.FetchUnpublishedForPublish(tx, 10, 3)
		return err
	}))
	require.Len(t, pending, 1)
	assert.Equal(t, claimed[1].ID, pending[0].ID)
	assert.Equal(t, 1, pending[0].AttemptCount)
	require.NotNil(t, pending[0].LastError)
	assert.Equal(t, "publish timeout", *pending[0].LastError)

	require.NoError(t, conn.Transaction(func(tx *gorm.DB) error {
		return repo.MarkTerminalTx(tx, pending[0].ID, errors.New("gave up"), 3)
	}))
	require.NoError(t, conn.Transaction(func(tx *gorm.DB) error {
		var err error
		pending, err = repo.FetchUnpublishedForPublish(tx, 10, 3)
		return err
	}))
	assert.Empty(t, pending)
}

func TestRepositoryDeletePublishedBefore(t *testing.T) {
	conn := dbtest.Open(t)
	repo := NewRepository(conn)
	ctx := context.Background()

	old := time.Now().UTC().Add(-48 * time.Hour)
	recent := time.Now().UTC()
	require.NoError(t, repo.Insert(conn, models.OutboxEvent{
		ID: uuid.New(), EventType: enums.EventPaymentStateChanged, AggregateType: enums.AggregatePaymentIntent,
		AggregateID: "pi_old", Payload: json.RawMessage(`{}`), PublishedAt: &old,
	}))
	require.NoError(t, repo.Insert(conn, models.OutboxEvent{
		ID: uuid.New(), EventType: enums.EventPaymentStateChanged, AggregateType: enums.AggregatePaymentIntent,
		AggregateID: "pi_recent", Payload: json.RawMessage(`{}`), PublishedAt: &recent,
	}))
	require.NoError(t, repo.Insert(conn, models.OutboxEvent{
		ID: uuid.New(), EventType: enums.EventPaymentStateChanged, AggregateType: enums.AggregatePaymentIntent,
		AggregateID: "pi_pending", Payload: json.RawMessage(`{}`),
	}))

	deleted, err := repo.DeletePublishedBefore(ctx, time.Now().UTC().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
}

func TestDLQRepositoryTruncatesMessages(t *testing.T) {
	conn := dbtest.Open(t)
	dlq := NewDLQRepository(conn)
	ctx := context.Background()

	long := make([]byte, maxLastErrorLen+100)
	for i := range long {
		long[i] = 'x'
	}
	msg := string(long)
	eventID := uuid.New()
	require.NoError(t, dlq.InsertTx(conn, models.OutboxDLQ{
		EventID:       eventID,
		EventType:     enums.EventPaymentConflicted,
		AggregateType: enums.AggregatePaymentIntent,
		AggregateID:   "pi_dlq",
		Payload:       json.RawMessage(`{}`),
		ErrorReason:   enums.OutboxDLQReasonNonRetryable,
		ErrorMessage:  &msg,
	}))

	found, err := dlq.FindByEventID(ctx, eventID)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Len(t, *found.ErrorMessage, maxLastErrorLen)

	rows, err := dlq.List(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, rows, 1)

	missing, err := dlq.FindByEventID(ctx, uuid.New())
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestDLQRequeueResetsAttempts(t *testing.T) {
	conn := dbtest.Open(t)
	repo := NewRepository(conn)
	dlq := NewDLQRepository(conn)
	svc := NewService(repo, nil)
	ctx := context.Background()

	require.NoError(t, conn.Transaction(func(tx *gorm.DB) error {
		return svc.Emit(ctx, tx, DomainEvent{
			EventType:     enums.EventRefundResolved,
			AggregateType: enums.AggregatePaymentIntent,
			AggregateID:   "pi_requeue",
			Data:          map[string]string{"resolution": "approved"},
		})
	}))
	rows, err := repo.ListByAggregate(ctx, "pi_requeue")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	event := rows[0]

	require.NoError(t, conn.Transaction(func(tx *gorm.DB) error {
		if err := repo.MarkTerminalTx(tx, event.ID, errors.New("topic missing"), 5); err != nil {
			return err
		}
		msg := "topic missing"
		return dlq.InsertTx(tx, models.OutboxDLQ{
			EventID:       event.ID,
			EventType:     event.EventType,
			AggregateType: event.AggregateType,
			AggregateID:   event.AggregateID,
			Payload:       event.Payload,
			ErrorReason:   enums.OutboxDLQReasonNonRetryable,
			ErrorMessage:  &msg,
			AttemptCount:  5,
		})
	}))

	require.NoError(t, dlq.Requeue(ctx, event.ID))
	assert.ErrorIs(t, dlq.Requeue(ctx, event.ID), ErrNotDeadLettered, "second requeue finds nothing")

	found, err := dlq.FindByEventID(ctx, event.ID)
	require.NoError(t, err)
	assert.Nil(t, found)

	var pending []models.OutboxEvent
	require.NoError(t, conn.Transaction(func(tx *gorm.DB) error {
		var err error
		pending, err = repo.FetchUnpublishedForPublish(tx, 10, 5)
		return err
	}))
	require.Len(t, pending, 1)
	assert.Equal(t, event.ID, pending[0].ID)
	assert.Zero(t, pending[0].AttemptCount)
	assert.Nil(t, pending[0].LastError)
}
