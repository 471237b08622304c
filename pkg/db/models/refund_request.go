package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/bazaar-backend/pkg/enums"
)

// RefundRequest captures a buyer or operator refund request and its resolution.
type RefundRequest struct {
	ID               uuid.UUID                 `gorm:"column:id;type:uuid;primaryKey" json:"id"`
	OrderID          uuid.UUID                 `gorm:"column:order_id;type:uuid;not null" json:"order_id"`
	PaymentIntentID  string                    `gorm:"column:payment_intent_id;not null;index" json:"payment_intent_id"`
	Reason           string                    `gorm:"column:reason;not null" json:"reason"`
	Status           enums.RefundRequestStatus `gorm:"column:status;type:refund_request_status;not null" json:"status"`
	RequestedBy      uuid.UUID                 `gorm:"column:requested_by;type:uuid;not null" json:"requested_by"`
	ResolvedBy       *uuid.UUID                `gorm:"column:resolved_by;type:uuid" json:"resolved_by"`
	ProviderRefundID *string                   `gorm:"column:provider_refund_id" json:"provider_refund_id"`
	ClaimToken       *uuid.UUID                `gorm:"column:claim_token;type:uuid" json:"-"`
	ClaimedAt        *time.Time                `gorm:"column:claimed_at" json:"claimed_at,omitempty"`
	CreatedAt        time.Time                 `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	ResolvedAt       *time.Time                `gorm:"column:resolved_at" json:"resolved_at"`
}

func (RefundRequest) TableName() string { return "refund_requests" }
