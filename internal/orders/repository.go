package orders

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/bazaar-backend/internal/repo"
	"github.com/angelmondragon/bazaar-backend/pkg/db/models"
	"github.com/angelmondragon/bazaar-backend/pkg/enums"
	"github.com/angelmondragon/bazaar-backend/pkg/pagination"
)

// Repository persists materialized orders.
type Repository struct {
	repo.Base
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{Base: repo.NewBase(db)}
}

func (r *Repository) WithTx(tx *gorm.DB) *Repository {
	if tx == nil {
		return r
	}
	return &Repository{Base: repo.NewBase(tx)}
}

// CreateOrders inserts every line in one statement.
func (r *Repository) CreateOrders(ctx context.Context, orders []models.Order) error {
	if len(orders) == 0 {
		return nil
	}
	return r.DB(ctx).Create(&orders).Error
}

func (r *Repository) FindByID(ctx context.Context, orderID uuid.UUID) (*models.Order, error) {
	var order models.Order
	if err := r.DB(ctx).Where("id = ?", orderID).First(&order).Error; err != nil {
		return nil, err
	}
	return &order, nil
}

func (r *Repository) ListByIntent(ctx context.Context, intentID string) ([]models.Order, error) {
	var orders []models.Order
	err := r.DB(ctx).
		Where("payment_intent_id = ?", intentID).
		Order("created_at ASC, product_id ASC").
		Find(&orders).Error
	return orders, err
}

// ListByBuyer returns one keyset page of the buyer's orders, newest first.
func (r *Repository) ListByBuyer(ctx context.Context, buyerID uuid.UUID, cursor *pagination.Cursor, limit int) (pagination.Page[models.Order], error) {
	var rows []models.Order
	err := r.DB(ctx).
		Where("buyer_id = ?", buyerID).
		Scopes(pagination.Keyset(cursor, limit)).
		Find(&rows).Error
	if err != nil {
		return pagination.Page[models.Order]{}, err
	}
	return pagination.BuildPage(rows, limit, func(o models.Order) pagination.Cursor {
		return pagination.Cursor{CreatedAt: o.CreatedAt, ID: o.ID}
	}), nil
}

// UpdateStatus changes one order's status if it still holds from.
func (r *Repository) UpdateStatus(ctx context.Context, orderID uuid.UUID, from, to enums.OrderStatus, at time.Time) (bool, error) {
	res := r.DB(ctx).Model(&models.Order{}).
		Where("id = ? AND status = ?", orderID, from).
		Updates(map[string]any{
			"status":            to,
			"status_changed_at": at,
			"updated_at":        at,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// CancelOpenByIntent cancels every non-terminal order of the intent and
// returns the ids it touched.
func (r *Repository) CancelOpenByIntent(ctx context.Context, intentID string, at time.Time) ([]uuid.UUID, error) {
	open := []enums.OrderStatus{enums.OrderStatusPending, enums.OrderStatusProcessing, enums.OrderStatusShipped}
	var ids []uuid.UUID
	err := r.DB(ctx).Model(&models.Order{}).
		Where("payment_intent_id = ? AND status IN ?", intentID, open).
		Order("product_id ASC").
		Pluck("id", &ids).Error
	if err != nil || len(ids) == 0 {
		return nil, err
	}
	err = r.DB(ctx).Model(&models.Order{}).
		Where("id IN ?", ids).
		Updates(map[string]any{
			"status":            enums.OrderStatusCancelled,
			"status_changed_at": at,
			"updated_at":        at,
		}).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// RevenueRow is the per-currency sum of a seller's collectable order lines.
type RevenueRow struct {
	Currency   string
	Total      int64
	OrderCount int64
}

// SellerRevenue sums non-cancelled lines whose payment is in orders_created.
func (r *Repository) SellerRevenue(ctx context.Context, sellerID uuid.UUID) ([]RevenueRow, error) {
	var rows []RevenueRow
	err := r.DB(ctx).
		Table("orders AS o").
		Select("o.currency AS currency, COALESCE(SUM(o.quantity * o.unit_price_minor_units), 0) AS total, COUNT(*) AS order_count").
		Joins("JOIN payment_intents AS p ON p.intent_id = o.payment_intent_id").
		Where("o.seller_id = ? AND o.status <> ? AND p.state = ?", sellerID, enums.OrderStatusCancelled, enums.PaymentStateOrdersCreated).
		Group("o.currency").
		Order("o.currency ASC").
		Scan(&rows).Error
	return rows, err
}
