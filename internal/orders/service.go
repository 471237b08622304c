package orders

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/bazaar-backend/pkg/db/models"
	"github.com/angelmondragon/bazaar-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/bazaar-backend/pkg/errors"
	"github.com/angelmondragon/bazaar-backend/pkg/pagination"
)

// zeroDecimalCurrencies have no minor unit.
var zeroDecimalCurrencies = map[string]bool{
	"bif": true, "clp": true, "djf": true, "gnf": true, "jpy": true,
	"kmf": true, "krw": true, "mga": true, "pyg": true, "rwf": true,
	"ugx": true, "vnd": true, "vuv": true, "xaf": true, "xof": true, "xpf": true,
}

// RevenueLine is a seller's collectable revenue in one currency.
type RevenueLine struct {
	Currency         string `json:"currency"`
	AmountMinorUnits int64  `json:"amount_minor_units"`
	Amount           string `json:"amount"`
	OrderCount       int64  `json:"order_count"`
}

type SellerRevenue struct {
	SellerID uuid.UUID     `json:"seller_id"`
	Totals   []RevenueLine `json:"totals"`
}

// Service serves order reads and aggregates.
type Service struct {
	repo *Repository
}

func NewService(db *gorm.DB) (*Service, error) {
	if db == nil {
		return nil, fmt.Errorf("database required")
	}
	return &Service{repo: NewRepository(db)}, nil
}

func (s *Service) ListBuyerOrders(ctx context.Context, buyerID uuid.UUID, params pagination.Params) (pagination.Page[models.Order], error) {
	cursor, err := pagination.ParseCursor(params.Cursor)
	if err != nil {
		return pagination.Page[models.Order]{}, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid cursor")
	}
	page, err := s.repo.ListByBuyer(ctx, buyerID, cursor, params.Limit)
	if err != nil {
		return page, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list orders")
	}
	return page, nil
}

// Get returns an order visible to the actor: its buyer, its seller or an
// admin.
func (s *Service) Get(ctx context.Context, orderID, actorID uuid.UUID, role enums.Role) (*models.Order, error) {
	order, err := s.repo.FindByID(ctx, orderID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load order")
	}
	switch {
	case role == enums.RoleAdmin:
	case role == enums.RoleBuyer && order.BuyerID == actorID:
	case role == enums.RoleSeller && order.SellerID == actorID:
	default:
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
	}
	return order, nil
}

// SellerRevenue totals the seller's non-cancelled lines on payments that are
// fully settled into orders. Amounts are also rendered in major units.
func (s *Service) SellerRevenue(ctx context.Context, sellerID uuid.UUID) (*SellerRevenue, error) {
	if sellerID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "seller id required")
	}
	rows, err := s.repo.SellerRevenue(ctx, sellerID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "aggregate seller revenue")
	}
	out := &SellerRevenue{SellerID: sellerID, Totals: make([]RevenueLine, 0, len(rows))}
	for _, row := range rows {
		out.Totals = append(out.Totals, RevenueLine{
			Currency:         row.Currency,
			AmountMinorUnits: row.Total,
			Amount:           MajorUnits(row.Total, row.Currency),
			OrderCount:       row.OrderCount,
		})
	}
	return out, nil
}

// MajorUnits renders a minor-unit amount as a fixed-point major-unit string,
// e.g. 5000 lkr -> "50.00".
func MajorUnits(minor int64, currency string) string {
	exp := int32(2)
	if zeroDecimalCurrencies[currency] {
		exp = 0
	}
	return decimal.New(minor, -exp).StringFixed(exp)
}
