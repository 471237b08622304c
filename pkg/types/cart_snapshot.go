package types

import (
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"
)

// CartSnapshot is the immutable copy of a buyer's cart taken at checkout.
type CartSnapshot struct {
	Lines           []CartLine `json:"lines" validate:"required,min=1,dive"`
	ShippingAddress string     `json:"shipping_address" validate:"required,max=512"`
	Phone           string     `json:"phone" validate:"required,max=32"`
}

// CartLine is one product in the snapshot with its checkout-time price.
type CartLine struct {
	ProductID           uuid.UUID `json:"product_id" validate:"required"`
	SellerID            uuid.UUID `json:"seller_id" validate:"required"`
	Quantity            int       `json:"quantity" validate:"required,gt=0"`
	UnitPriceMinorUnits int64     `json:"unit_price_minor_units" validate:"gte=0"`
}

var errTotalOverflow = errors.New("cart total overflows")

// LineTotal returns quantity times unit price.
func (l CartLine) LineTotal() (int64, error) {
	if l.Quantity <= 0 {
		return 0, fmt.Errorf("line %s: quantity must be positive", l.ProductID)
	}
	if l.UnitPriceMinorUnits < 0 {
		return 0, fmt.Errorf("line %s: unit price must not be negative", l.ProductID)
	}
	if l.UnitPriceMinorUnits > 0 && int64(l.Quantity) > math.MaxInt64/l.UnitPriceMinorUnits {
		return 0, errTotalOverflow
	}
	return int64(l.Quantity) * l.UnitPriceMinorUnits, nil
}

// Total sums every line total.
func (s CartSnapshot) Total() (int64, error) {
	var total int64
	for _, line := range s.Lines {
		lineTotal, err := line.LineTotal()
		if err != nil {
			return 0, err
		}
		if total > math.MaxInt64-lineTotal {
			return 0, errTotalOverflow
		}
		total += lineTotal
	}
	return total, nil
}

// Validate checks the structural rules a snapshot must satisfy before it can
// be materialized.
func (s CartSnapshot) Validate() error {
	if len(s.Lines) == 0 {
		return errors.New("cart snapshot has no lines")
	}
	if s.ShippingAddress == "" {
		return errors.New("shipping address is required")
	}
	if s.Phone == "" {
		return errors.New("phone is required")
	}
	seen := make(map[uuid.UUID]struct{}, len(s.Lines))
	for _, line := range s.Lines {
		if line.ProductID == uuid.Nil || line.SellerID == uuid.Nil {
			return errors.New("cart line requires product_id and seller_id")
		}
		if _, dup := seen[line.ProductID]; dup {
			return fmt.Errorf("product %s appears more than once", line.ProductID)
		}
		seen[line.ProductID] = struct{}{}
		if _, err := line.LineTotal(); err != nil {
			return err
		}
	}
	_, err := s.Total()
	return err
}
