package domain_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/invoicesaga/internal/domain"
)

func TestValidateItems(t *testing.T) {
	cases := []struct {
		name  string
		items []domain.LineItem
		want  error
	}{
		{name: "ok", items: []domain.LineItem{{ProductID: 1, Quantity: 2, UnitPriceMinor: 100}}},
		{name: "zero quantity", items: []domain.LineItem{{ProductID: 1, Quantity: 0}}, want: domain.ErrQuantityInvalid},
		{name: "negative price", items: []domain.LineItem{{ProductID: 1, Quantity: 1, UnitPriceMinor: -1}}, want: domain.ErrPriceInvalid},
		{name: "no product", items: []domain.LineItem{{Quantity: 1}}, want: domain.ErrProductIDInvalid},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := domain.ValidateItems(tc.items)
			if tc.want == nil {
				require.NoError(t, err)
				return
			}
			require.True(t, errors.Is(err, tc.want), "got %v", err)
			require.Equal(t, domain.OutcomeValidation, domain.Classify(err))
		})
	}
}

func TestAggregateQuantitiesKeepsFirstSeenOrder(t *testing.T) {
	lines := domain.AggregateQuantities([]domain.LineItem{
		{ProductID: 3, Quantity: 1},
		{ProductID: 1, Quantity: 2},
		{ProductID: 3, Quantity: 4},
	})

	require.Equal(t, []domain.StockLine{
		{ProductID: 3, Quantity: 5},
		{ProductID: 1, Quantity: 2},
	}, lines)
}

func TestInvoiceStockLinesPreserveItemOrder(t *testing.T) {
	inv := domain.Invoice{Items: []domain.LineItem{
		{ProductID: 2, Quantity: 1},
		{ProductID: 2, Quantity: 3},
	}}

	require.Equal(t, []domain.StockLine{{ProductID: 2, Quantity: 1}, {ProductID: 2, Quantity: 3}}, inv.StockLines())
}

func TestValidateStockLines(t *testing.T) {
	require.ErrorIs(t, domain.ValidateStockLines(nil), domain.ErrBatchEmpty)
	require.ErrorIs(t, domain.ValidateStockLines([]domain.StockLine{{ProductID: 1, Quantity: -1}}), domain.ErrQuantityInvalid)
	require.NoError(t, domain.ValidateStockLines([]domain.StockLine{{ProductID: 1, Quantity: 1}}))
}
