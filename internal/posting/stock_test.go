package posting

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func batchesOf(remaining ...string) []StockBatch {
	out := make([]StockBatch, len(remaining))
	for i, r := range remaining {
		out[i] = StockBatch{ID: int64(i + 1), QuantityRemaining: dec(r)}
	}
	return out
}

func TestPlanFIFO(t *testing.T) {
	cases := []struct {
		name     string
		batches  []StockBatch
		quantity string
		draws    []BatchDraw
		short    string
	}{
		{
			name:     "single batch covers",
			batches:  batchesOf("100", "40"),
			quantity: "90",
			draws:    []BatchDraw{{BatchIndex: 0, Quantity: dec("90")}},
			short:    "0",
		},
		{
			name:     "spans batches in order",
			batches:  batchesOf("100", "40"),
			quantity: "120",
			draws:    []BatchDraw{{BatchIndex: 0, Quantity: dec("100")}, {BatchIndex: 1, Quantity: dec("20")}},
			short:    "0",
		},
		{
			name:     "skips empty batches",
			batches:  batchesOf("0", "5", "10"),
			quantity: "7.5",
			draws:    []BatchDraw{{BatchIndex: 1, Quantity: dec("5")}, {BatchIndex: 2, Quantity: dec("2.5")}},
			short:    "0",
		},
		{
			name:     "reports shortfall",
			batches:  batchesOf("100", "40"),
			quantity: "150",
			draws:    []BatchDraw{{BatchIndex: 0, Quantity: dec("100")}, {BatchIndex: 1, Quantity: dec("40")}},
			short:    "10",
		},
		{
			name:     "no batches",
			quantity: "1",
			short:    "1",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			draws, short := PlanFIFO(tc.batches, dec(tc.quantity))
			require.Len(t, draws, len(tc.draws))
			for i := range draws {
				require.Equal(t, tc.draws[i].BatchIndex, draws[i].BatchIndex)
				require.True(t, tc.draws[i].Quantity.Equal(draws[i].Quantity), "draw %d: %s", i, draws[i].Quantity)
			}
			require.True(t, dec(tc.short).Equal(short), "short %s", short)
		})
	}
}

func TestPlanFIFODoesNotMutateBatches(t *testing.T) {
	batches := batchesOf("10", "10")
	PlanFIFO(batches, dec("15"))
	require.True(t, batches[0].QuantityRemaining.Equal(dec("10")))
	require.True(t, batches[1].QuantityRemaining.Equal(dec("10")))
}

func TestCheckStockLines(t *testing.T) {
	require.NoError(t, checkStockLines([]StockLine{{Quantity: dec("1"), UnitCost: decimal.Zero}}))
	require.ErrorIs(t, checkStockLines([]StockLine{{Quantity: decimal.Zero}}), ErrUnbalancedVoucher)
	require.ErrorIs(t, checkStockLines([]StockLine{{Quantity: dec("1"), UnitCost: dec("-1")}}), ErrUnbalancedVoucher)
}

func TestLedgerDeltas(t *testing.T) {
	deltas := LedgerDeltas([]VoucherLine{
		dr(cashLedger, "100"),
		cr(salesLedger, "60"),
		cr(cashLedger, "40"),
	})
	require.True(t, deltas[cashLedger].Equal(dec("60")))
	require.True(t, deltas[salesLedger].Equal(dec("-60")))
}
