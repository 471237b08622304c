package types

import (
	"math"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCartSnapshotTotal(t *testing.T) {
	snapshot := CartSnapshot{
		Lines: []CartLine{
			{ProductID: uuid.New(), SellerID: uuid.New(), Quantity: 2, UnitPriceMinorUnits: 1500},
			{ProductID: uuid.New(), SellerID: uuid.New(), Quantity: 1, UnitPriceMinorUnits: 2000},
		},
		ShippingAddress: "12 Galle Road, Colombo",
		Phone:           "+94771234567",
	}

	total, err := snapshot.Total()
	require.NoError(t, err)
	assert.Equal(t, int64(5000), total)
	require.NoError(t, snapshot.Validate())
}

func TestCartSnapshotValidateRejectsBadLines(t *testing.T) {
	product := uuid.New()
	seller := uuid.New()

	cases := map[string]CartSnapshot{
		"empty": {ShippingAddress: "a", Phone: "p"},
		"zero quantity": {
			Lines:           []CartLine{{ProductID: product, SellerID: seller, Quantity: 0, UnitPriceMinorUnits: 10}},
			ShippingAddress: "a", Phone: "p",
		},
		"duplicate product": {
			Lines: []CartLine{
				{ProductID: product, SellerID: seller, Quantity: 1, UnitPriceMinorUnits: 10},
				{ProductID: product, SellerID: seller, Quantity: 1, UnitPriceMinorUnits: 10},
			},
			ShippingAddress: "a", Phone: "p",
		},
		"missing phone": {
			Lines:           []CartLine{{ProductID: product, SellerID: seller, Quantity: 1, UnitPriceMinorUnits: 10}},
			ShippingAddress: "a",
		},
		"overflow": {
			Lines:           []CartLine{{ProductID: product, SellerID: seller, Quantity: 2, UnitPriceMinorUnits: math.MaxInt64}},
			ShippingAddress: "a", Phone: "p",
		},
	}

	for name, snapshot := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Error(t, snapshot.Validate())
		})
	}
}
