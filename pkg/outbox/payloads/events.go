package payloads

import (
	"time"

	"github.com/angelmondragon/bazaar-backend/pkg/enums"
	"github.com/google/uuid"
)

// PaymentStateChangedEvent is emitted for every applied intent transition.
type PaymentStateChangedEvent struct {
	IntentID  string             `json:"intent_id"`
	FromState enums.PaymentState `json:"from_state"`
	ToState   enums.PaymentState `json:"to_state"`
	Actor     string             `json:"actor"`
	Reason    string             `json:"reason,omitempty"`
	ChangedAt time.Time          `json:"changed_at"`
}

// PaymentConflictedEvent is the consistency alert raised when the provider
// contradicts an already-recorded outcome, or when a provider side effect
// could not be recorded locally. The latter carries no observed state or
// source. It routes to the alerts topic.
type PaymentConflictedEvent struct {
	IntentID       string                   `json:"intent_id"`
	RecordedState  enums.PaymentState       `json:"recorded_state"`
	ObservedState  enums.ObservedState      `json:"observed_state,omitempty"`
	Source         enums.NotificationSource `json:"source,omitempty"`
	ProviderStatus string                   `json:"provider_status,omitempty"`
	Reason         string                   `json:"reason"`
	DetectedAt     time.Time                `json:"detected_at"`
}

// OrdersMaterializedEvent lists the orders created for a succeeded payment.
type OrdersMaterializedEvent struct {
	IntentID         string      `json:"intent_id"`
	BuyerID          uuid.UUID   `json:"buyer_id"`
	OrderIDs         []uuid.UUID `json:"order_ids"`
	AmountMinorUnits int64       `json:"amount_minor_units"`
	Currency         string      `json:"currency"`
}

// OrderStatusChangedEvent tracks seller or admin fulfillment updates.
type OrderStatusChangedEvent struct {
	OrderID         uuid.UUID         `json:"order_id"`
	PaymentIntentID string            `json:"payment_intent_id"`
	SellerID        uuid.UUID         `json:"seller_id"`
	FromStatus      enums.OrderStatus `json:"from_status"`
	ToStatus        enums.OrderStatus `json:"to_status"`
	ChangedAt       time.Time         `json:"changed_at"`
}

// RefundRequestedEvent is emitted when a buyer opens a refund.
type RefundRequestedEvent struct {
	RefundRequestID uuid.UUID `json:"refund_request_id"`
	OrderID         uuid.UUID `json:"order_id"`
	PaymentIntentID string    `json:"payment_intent_id"`
	BuyerID         uuid.UUID `json:"buyer_id"`
	Reason          string    `json:"reason,omitempty"`
}

// RefundResolvedEvent is emitted when an admin approves or denies a refund.
type RefundResolvedEvent struct {
	RefundRequestID  uuid.UUID                 `json:"refund_request_id"`
	PaymentIntentID  string                    `json:"payment_intent_id"`
	Status           enums.RefundRequestStatus `json:"status"`
	ProviderRefundID string                    `json:"provider_refund_id,omitempty"`
	CanceledOrderIDs []uuid.UUID               `json:"canceled_order_ids,omitempty"`
	ResolvedBy       uuid.UUID                 `json:"resolved_by"`
}
