package enums

import "fmt"

// OutboxAggregateType maps to the aggregate_type column in outbox_events.
type OutboxAggregateType string

const (
	AggregatePaymentIntent OutboxAggregateType = "payment_intent"
	AggregateOrder         OutboxAggregateType = "order"
)

var validAggregateTypes = []OutboxAggregateType{
	AggregatePaymentIntent,
	AggregateOrder,
}

// IsValid reports whether the value matches a known aggregate type.
func (a OutboxAggregateType) IsValid() bool {
	for _, candidate := range validAggregateTypes {
		if candidate == a {
			return true
		}
	}
	return false
}

// ParseOutboxAggregateType converts raw input into OutboxAggregateType.
func ParseOutboxAggregateType(value string) (OutboxAggregateType, error) {
	for _, candidate := range validAggregateTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid aggregate type %q", value)
}

// OutboxEventType maps to the event_type column in outbox_events.
type OutboxEventType string

const (
	EventPaymentStateChanged OutboxEventType = "payment_state_changed"
	EventPaymentConflicted   OutboxEventType = "payment_conflicted"
	EventOrdersMaterialized  OutboxEventType = "orders_materialized"
	EventOrderStatusChanged  OutboxEventType = "order_status_changed"
	EventRefundRequested     OutboxEventType = "refund_requested"
	EventRefundResolved      OutboxEventType = "refund_resolved"
)

var validOutboxEventTypes = []OutboxEventType{
	EventPaymentStateChanged,
	EventPaymentConflicted,
	EventOrdersMaterialized,
	EventOrderStatusChanged,
	EventRefundRequested,
	EventRefundResolved,
}

// IsValid reports whether the value matches a known event type.
func (e OutboxEventType) IsValid() bool {
	for _, candidate := range validOutboxEventTypes {
		if candidate == e {
			return true
		}
	}
	return false
}

// ParseOutboxEventType converts raw input into OutboxEventType.
func ParseOutboxEventType(value string) (OutboxEventType, error) {
	for _, candidate := range validOutboxEventTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid event type %q", value)
}

type OutboxDLQErrorReason string

const (
	OutboxDLQReasonMaxAttempts  OutboxDLQErrorReason = "max_attempts"
	OutboxDLQReasonNonRetryable OutboxDLQErrorReason = "non_retryable"
)
