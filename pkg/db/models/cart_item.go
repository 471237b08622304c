package models

import (
	"time"

	"github.com/google/uuid"
)

// CartItem is owned by the cart service; this module only reads it. The unit
// price was copied from the catalog when the item was added.
type CartItem struct {
	ID                  uuid.UUID `gorm:"column:id;type:uuid;primaryKey"`
	BuyerID             uuid.UUID `gorm:"column:buyer_id;type:uuid;not null"`
	ProductID           uuid.UUID `gorm:"column:product_id;type:uuid;not null"`
	SellerID            uuid.UUID `gorm:"column:seller_id;type:uuid;not null"`
	Quantity            int       `gorm:"column:quantity;not null"`
	UnitPriceMinorUnits int64     `gorm:"column:unit_price_minor_units;not null"`
	CreatedAt           time.Time `gorm:"column:created_at"`
}

func (CartItem) TableName() string { return "cart_items" }
