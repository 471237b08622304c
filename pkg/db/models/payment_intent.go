package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/bazaar-backend/pkg/enums"
	"github.com/angelmondragon/bazaar-backend/pkg/types"
)

// PaymentIntent is the authoritative local record of a provider payment intent.
type PaymentIntent struct {
	IntentID         string              `gorm:"column:intent_id;primaryKey" json:"intent_id"`
	IdempotencyKey   string              `gorm:"column:idempotency_key;not null;uniqueIndex:ux_payment_intents_idempotency_key" json:"idempotency_key"`
	AmountMinorUnits int64               `gorm:"column:amount_minor_units;not null" json:"amount_minor_units"`
	Currency         string              `gorm:"column:currency;not null" json:"currency"`
	State            enums.PaymentState  `gorm:"column:state;type:payment_state;not null" json:"state"`
	BuyerID          uuid.UUID           `gorm:"column:buyer_id;type:uuid;not null" json:"buyer_id"`
	CartSnapshot     *types.CartSnapshot `gorm:"column:cart_snapshot;type:jsonb;serializer:json" json:"cart_snapshot"`
	ReviewRequired   bool                `gorm:"column:review_required;not null;default:false" json:"review_required"`
	ReviewReason     *string             `gorm:"column:review_reason" json:"review_reason"`
	CreatedAt        time.Time           `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	StateChangedAt   time.Time           `gorm:"column:state_changed_at;not null" json:"state_changed_at"`
	LastPolledAt     *time.Time          `gorm:"column:last_polled_at" json:"last_polled_at,omitempty"`
	UpdatedAt        time.Time           `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

func (PaymentIntent) TableName() string { return "payment_intents" }

// PaymentStateChange is one row of the append-only state history of an intent.
type PaymentStateChange struct {
	ID        uuid.UUID          `gorm:"column:id;type:uuid;primaryKey" json:"id"`
	IntentID  string             `gorm:"column:intent_id;not null;index" json:"intent_id"`
	FromState enums.PaymentState `gorm:"column:from_state;type:payment_state" json:"from_state"`
	ToState   enums.PaymentState `gorm:"column:to_state;type:payment_state;not null" json:"to_state"`
	Actor     string             `gorm:"column:actor;not null" json:"actor"`
	Reason    *string            `gorm:"column:reason" json:"reason"`
	CreatedAt time.Time          `gorm:"column:created_at;autoCreateTime" json:"created_at"`
}

func (PaymentStateChange) TableName() string { return "payment_state_changes" }
