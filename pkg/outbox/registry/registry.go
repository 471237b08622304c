// Package registry maps outbox event types to their Pub/Sub topic and typed
// payload, and rejects rows that can never be published.
package registry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/angelmondragon/bazaar-backend/pkg/config"
	"github.com/angelmondragon/bazaar-backend/pkg/db/models"
	"github.com/angelmondragon/bazaar-backend/pkg/enums"
	"github.com/angelmondragon/bazaar-backend/pkg/outbox"
	"github.com/angelmondragon/bazaar-backend/pkg/outbox/payloads"
)

type EventDescriptor struct {
	EventType     enums.OutboxEventType
	AggregateType enums.OutboxAggregateType
	Topic         string
	decode        func(json.RawMessage) (any, error)
}

// ResolvedEvent is a validated outbox row with its payload decoded.
type ResolvedEvent struct {
	Descriptor EventDescriptor
	Envelope   outbox.PayloadEnvelope
	Payload    any
}

type EventRegistry struct {
	entries map[enums.OutboxEventType]EventDescriptor
}

// NonRetryableError marks a row that will fail the same way on every
// attempt; the publisher dead-letters it immediately.
type NonRetryableError struct {
	Err error
}

func (e NonRetryableError) Error() string {
	if e.Err == nil {
		return "non-retryable error"
	}
	return e.Err.Error()
}

func (e NonRetryableError) Unwrap() error { return e.Err }

func NewNonRetryableError(err error) NonRetryableError {
	return NonRetryableError{Err: err}
}

func nonRetryable(format string, args ...any) error {
	return NonRetryableError{Err: fmt.Errorf(format, args...)}
}

// describe binds an event type to the payload struct consumers decode.
func describe[T any](eventType enums.OutboxEventType, aggregate enums.OutboxAggregateType, topic string) EventDescriptor {
	return EventDescriptor{
		EventType:     eventType,
		AggregateType: aggregate,
		Topic:         topic,
		decode: func(data json.RawMessage) (any, error) {
			payload := new(T)
			if err := json.Unmarshal(data, payload); err != nil {
				return nil, err
			}
			return payload, nil
		},
	}
}

// NewEventRegistry routes order traffic to the orders topic and consistency
// alerts to the alerts topic, so on-call tooling can subscribe to alerts alone.
func NewEventRegistry(cfg config.PubSubConfig) (*EventRegistry, error) {
	orders := strings.TrimSpace(cfg.OrdersTopic)
	alerts := strings.TrimSpace(cfg.AlertsTopic)
	if orders == "" {
		return nil, errors.New("orders topic is required")
	}
	if alerts == "" {
		return nil, errors.New("alerts topic is required")
	}

	descriptors := []EventDescriptor{
		describe[payloads.PaymentStateChangedEvent](enums.EventPaymentStateChanged, enums.AggregatePaymentIntent, orders),
		describe[payloads.OrdersMaterializedEvent](enums.EventOrdersMaterialized, enums.AggregatePaymentIntent, orders),
		describe[payloads.RefundRequestedEvent](enums.EventRefundRequested, enums.AggregatePaymentIntent, orders),
		describe[payloads.RefundResolvedEvent](enums.EventRefundResolved, enums.AggregatePaymentIntent, orders),
		describe[payloads.OrderStatusChangedEvent](enums.EventOrderStatusChanged, enums.AggregateOrder, orders),
		describe[payloads.PaymentConflictedEvent](enums.EventPaymentConflicted, enums.AggregatePaymentIntent, alerts),
	}
	reg := &EventRegistry{entries: make(map[enums.OutboxEventType]EventDescriptor, len(descriptors))}
	for _, desc := range descriptors {
		if _, dup := reg.entries[desc.EventType]; dup {
			return nil, fmt.Errorf("event type %s registered twice", desc.EventType)
		}
		reg.entries[desc.EventType] = desc
	}
	return reg, nil
}

// Topics lists every distinct topic the registry routes to, sorted.
func (r *EventRegistry) Topics() []string {
	seen := make(map[string]struct{})
	var topics []string
	for _, desc := range r.entries {
		if _, ok := seen[desc.Topic]; ok {
			continue
		}
		seen[desc.Topic] = struct{}{}
		topics = append(topics, desc.Topic)
	}
	sort.Strings(topics)
	return topics
}

// Resolve checks the row against its descriptor and the envelope it carries.
// Every failure is non-retryable: the row bytes will not change.
func (r *EventRegistry) Resolve(event models.OutboxEvent) (*ResolvedEvent, error) {
	desc, ok := r.entries[event.EventType]
	switch {
	case !ok:
		return nil, nonRetryable("unsupported event type %s", event.EventType)
	case desc.AggregateType != event.AggregateType:
		return nil, nonRetryable("aggregate mismatch: expected %s got %s", desc.AggregateType, event.AggregateType)
	case strings.TrimSpace(event.AggregateID) == "":
		return nil, nonRetryable("missing aggregate_id")
	}

	var envelope outbox.PayloadEnvelope
	if err := json.Unmarshal(event.Payload, &envelope); err != nil {
		return nil, nonRetryable("decode envelope: %w", err)
	}
	if envelope.EventType != "" && envelope.EventType != event.EventType {
		return nil, nonRetryable("envelope type %s does not match row type %s", envelope.EventType, event.EventType)
	}
	if envelope.AggregateID != "" && envelope.AggregateID != event.AggregateID {
		return nil, nonRetryable("envelope aggregate %s does not match row aggregate %s", envelope.AggregateID, event.AggregateID)
	}

	data := bytes.TrimSpace(envelope.Data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, nonRetryable("payload missing for %s", event.EventType)
	}
	payload, err := desc.decode(data)
	if err != nil {
		return nil, nonRetryable("decode %s payload: %w", event.EventType, err)
	}

	return &ResolvedEvent{
		Descriptor: desc,
		Envelope:   envelope,
		Payload:    payload,
	}, nil
}
