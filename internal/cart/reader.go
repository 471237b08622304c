// Package cart reads the buyer's current cart lines. The cart itself is
// owned elsewhere; checkout only copies what it finds here into a snapshot.
package cart

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/bazaar-backend/internal/repo"
	"github.com/angelmondragon/bazaar-backend/pkg/db/models"
	"github.com/angelmondragon/bazaar-backend/pkg/types"
)

// Reader loads cart_items rows for a buyer.
type Reader struct {
	repo.Base
}

func NewReader(db *gorm.DB) *Reader {
	return &Reader{Base: repo.NewBase(db)}
}

// Items returns the buyer's raw rows ordered by insertion time.
func (r *Reader) Items(ctx context.Context, buyerID uuid.UUID) ([]models.CartItem, error) {
	var items []models.CartItem
	err := r.DB(ctx).
		Where("buyer_id = ?", buyerID).
		Order("created_at ASC").
		Order("product_id ASC").
		Find(&items).Error
	return items, err
}

// Lines returns the buyer's cart as snapshot lines. Rows for the same
// product are merged; the first row's price wins.
func (r *Reader) Lines(ctx context.Context, buyerID uuid.UUID) ([]types.CartLine, error) {
	items, err := r.Items(ctx, buyerID)
	if err != nil {
		return nil, err
	}
	lines := make([]types.CartLine, 0, len(items))
	index := make(map[uuid.UUID]int, len(items))
	for _, item := range items {
		if i, ok := index[item.ProductID]; ok {
			lines[i].Quantity += item.Quantity
			continue
		}
		index[item.ProductID] = len(lines)
		lines = append(lines, types.CartLine{
			ProductID:           item.ProductID,
			SellerID:            item.SellerID,
			Quantity:            item.Quantity,
			UnitPriceMinorUnits: item.UnitPriceMinorUnits,
		})
	}
	return lines, nil
}
