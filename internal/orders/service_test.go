package orders

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/bazaar-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/bazaar-backend/pkg/errors"
	"github.com/angelmondragon/bazaar-backend/pkg/pagination"
	"github.com/angelmondragon/bazaar-backend/pkg/types"
)

func TestMajorUnits(t *testing.T) {
	assert.Equal(t, "50.00", MajorUnits(5000, "lkr"))
	assert.Equal(t, "0.05", MajorUnits(5, "usd"))
	assert.Equal(t, "5000", MajorUnits(5000, "jpy"))
	assert.Equal(t, "0.00", MajorUnits(0, "eur"))
}

func TestSellerRevenueCountsSettledLinesOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seller := uuid.New()

	// Settled: 2 x 1500 and 1 x 2000 for the same seller.
	f.seedIntent(t, "pi_rev1", enums.PaymentStateSucceeded, 5000, nil)
	first, err := f.materializer.Materialize(ctx, MaterializeInput{IntentID: "pi_rev1", Snapshot: lkrCart(seller, seller)})
	require.NoError(t, err)

	// Second payment with one line cancelled by the seller.
	f.seedIntent(t, "pi_rev2", enums.PaymentStateSucceeded, 5000, nil)
	second, err := f.materializer.Materialize(ctx, MaterializeInput{IntentID: "pi_rev2", Snapshot: lkrCart(seller, seller)})
	require.NoError(t, err)
	var cancelID uuid.UUID
	for _, order := range second.Orders {
		if order.UnitPriceMinorUnits == 2000 {
			cancelID = order.ID
		}
	}
	_, err = f.status.UpdateOrderStatus(ctx, UpdateStatusInput{OrderID: cancelID, Status: enums.OrderStatusCancelled, ActorID: seller, Role: enums.RoleSeller})
	require.NoError(t, err)

	// Paid but never materialized: excluded.
	f.seedIntent(t, "pi_rev3", enums.PaymentStateSucceeded, 5000, nil)

	revenue, err := f.service.SellerRevenue(ctx, seller)
	require.NoError(t, err)
	require.Len(t, revenue.Totals, 1)
	assert.Equal(t, "lkr", revenue.Totals[0].Currency)
	assert.Equal(t, int64(8000), revenue.Totals[0].AmountMinorUnits)
	assert.Equal(t, "80.00", revenue.Totals[0].Amount)
	assert.Equal(t, int64(3), revenue.Totals[0].OrderCount)
	assert.Len(t, first.Orders, 2)

	empty, err := f.service.SellerRevenue(ctx, uuid.New())
	require.NoError(t, err)
	assert.Empty(t, empty.Totals)
}

func TestListBuyerOrdersPaginates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	intent := f.seedIntent(t, "pi_list", enums.PaymentStateSucceeded, 5000, nil)
	cart := &types.CartSnapshot{ShippingAddress: "addr", Phone: "555"}
	for i := 0; i < 5; i++ {
		cart.Lines = append(cart.Lines, types.CartLine{ProductID: uuid.New(), SellerID: uuid.New(), Quantity: 1, UnitPriceMinorUnits: 1000})
	}
	_, err := f.materializer.Materialize(ctx, MaterializeInput{IntentID: "pi_list", Snapshot: cart})
	require.NoError(t, err)

	page, err := f.service.ListBuyerOrders(ctx, intent.BuyerID, pagination.Params{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	require.NotEmpty(t, page.NextCursor)

	seen := map[uuid.UUID]bool{}
	for _, order := range page.Items {
		seen[order.ID] = true
	}
	for page.NextCursor != "" {
		page, err = f.service.ListBuyerOrders(ctx, intent.BuyerID, pagination.Params{Limit: 2, Cursor: page.NextCursor})
		require.NoError(t, err)
		for _, order := range page.Items {
			assert.False(t, seen[order.ID], "order repeated across pages")
			seen[order.ID] = true
		}
	}
	assert.Len(t, seen, 5)

	_, err = f.service.ListBuyerOrders(ctx, intent.BuyerID, pagination.Params{Cursor: "%%%"})
	assert.Equal(t, pkgerrors.CodeValidation, pkgerrors.CodeOf(err))
}

func TestGetOrderVisibility(t *testing.T) {
	f := newFixture(t)
	seller, orders := materialized(t, f, "pi_get")
	order := orders[0]
	ctx := context.Background()

	_, err := f.service.Get(ctx, order.ID, order.BuyerID, enums.RoleBuyer)
	assert.NoError(t, err)
	_, err = f.service.Get(ctx, order.ID, seller, enums.RoleSeller)
	assert.NoError(t, err)
	_, err = f.service.Get(ctx, order.ID, uuid.New(), enums.RoleAdmin)
	assert.NoError(t, err)
	_, err = f.service.Get(ctx, order.ID, uuid.New(), enums.RoleBuyer)
	assert.Equal(t, pkgerrors.CodeNotFound, pkgerrors.CodeOf(err))
}
