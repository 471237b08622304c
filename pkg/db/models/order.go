package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/bazaar-backend/pkg/enums"
)

// Order is one materialized cart line. Price, address and phone are copies
// taken at checkout time.
type Order struct {
	ID                  uuid.UUID         `gorm:"column:id;type:uuid;primaryKey" json:"id"`
	PaymentIntentID     string            `gorm:"column:payment_intent_id;not null;uniqueIndex:ux_orders_intent_product,priority:1" json:"payment_intent_id"`
	BuyerID             uuid.UUID         `gorm:"column:buyer_id;type:uuid;not null" json:"buyer_id"`
	SellerID            uuid.UUID         `gorm:"column:seller_id;type:uuid;not null" json:"seller_id"`
	ProductID           uuid.UUID         `gorm:"column:product_id;type:uuid;not null;uniqueIndex:ux_orders_intent_product,priority:2" json:"product_id"`
	Quantity            int               `gorm:"column:quantity;not null" json:"quantity"`
	UnitPriceMinorUnits int64             `gorm:"column:unit_price_minor_units;not null" json:"unit_price_minor_units"`
	Currency            string            `gorm:"column:currency;not null" json:"currency"`
	Status              enums.OrderStatus `gorm:"column:status;type:order_status;not null" json:"status"`
	ShippingAddress     string            `gorm:"column:shipping_address;not null" json:"shipping_address"`
	Phone               string            `gorm:"column:phone;not null" json:"phone"`
	CreatedAt           time.Time         `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt           time.Time         `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
	StatusChangedAt     time.Time         `gorm:"column:status_changed_at;not null" json:"status_changed_at"`
}

func (Order) TableName() string { return "orders" }

// LineTotalMinorUnits returns quantity times the snapshotted unit price.
func (o Order) LineTotalMinorUnits() int64 {
	return int64(o.Quantity) * o.UnitPriceMinorUnits
}
