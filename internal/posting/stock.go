package posting

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

type stockKey struct {
	ItemID   int64
	GodownID int64
}

func sortedKeys(m map[stockKey]decimal.Decimal) []stockKey {
	keys := make([]stockKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].ItemID != keys[j].ItemID {
			return keys[i].ItemID < keys[j].ItemID
		}
		return keys[i].GodownID < keys[j].GodownID
	})
	return keys
}

// BatchDraw is one step of a FIFO plan.
type BatchDraw struct {
	BatchIndex int
	Quantity   decimal.Decimal
}

// PlanFIFO draws quantity from batches in the given order, oldest first. It
// returns the draws and the quantity that could not be covered.
func PlanFIFO(batches []StockBatch, quantity decimal.Decimal) ([]BatchDraw, decimal.Decimal) {
	remaining := quantity
	var draws []BatchDraw
	for i := range batches {
		if !remaining.IsPositive() {
			break
		}
		available := batches[i].QuantityRemaining
		if !available.IsPositive() {
			continue
		}
		take := decimal.Min(remaining, available)
		draws = append(draws, BatchDraw{BatchIndex: i, Quantity: take})
		remaining = remaining.Sub(take)
	}
	return draws, remaining
}

func totalRemaining(batches []StockBatch) decimal.Decimal {
	total := decimal.Zero
	for _, b := range batches {
		total = total.Add(b.QuantityRemaining)
	}
	return total
}

func checkStockLines(lines []StockLine) error {
	for i, line := range lines {
		if !line.Quantity.IsPositive() {
			return unbalanced("stock line %d has non-positive quantity", i+1)
		}
		if line.UnitCost.IsNegative() {
			return unbalanced("stock line %d has negative unit cost", i+1)
		}
	}
	return nil
}

// allocateOutgoing consumes FIFO batches for every stock line of an outgoing
// voucher. Feasibility of all lines is established before any batch changes.
func allocateOutgoing(ctx context.Context, tx TxRepository, v Voucher) ([]StockAllocation, error) {
	if err := checkStockLines(v.StockLines); err != nil {
		return nil, err
	}
	demand := make(map[stockKey]decimal.Decimal)
	for _, line := range v.StockLines {
		key := stockKey{ItemID: line.ItemID, GodownID: line.GodownID}
		demand[key] = demand[key].Add(line.Quantity)
	}

	locked := make(map[stockKey][]StockBatch, len(demand))
	for _, key := range sortedKeys(demand) {
		batches, err := tx.LockBatches(ctx, v.CompanyID, key.ItemID, key.GodownID)
		if err != nil {
			return nil, err
		}
		if available := totalRemaining(batches); available.LessThan(demand[key]) {
			return nil, &InsufficientStockError{
				ItemID:    key.ItemID,
				GodownID:  key.GodownID,
				Requested: demand[key],
				Available: available,
			}
		}
		locked[key] = batches
	}

	var allocations []StockAllocation
	touched := make(map[int64]decimal.Decimal)
	for _, line := range v.StockLines {
		key := stockKey{ItemID: line.ItemID, GodownID: line.GodownID}
		batches := locked[key]
		draws, short := PlanFIFO(batches, line.Quantity)
		if short.IsPositive() {
			return nil, &InsufficientStockError{ItemID: key.ItemID, GodownID: key.GodownID, Requested: line.Quantity, Available: line.Quantity.Sub(short)}
		}
		for _, d := range draws {
			b := &batches[d.BatchIndex]
			b.QuantityRemaining = b.QuantityRemaining.Sub(d.Quantity)
			touched[b.ID] = b.QuantityRemaining
			allocations = append(allocations, StockAllocation{
				StockLineID:      line.ID,
				BatchID:          b.ID,
				QuantityConsumed: d.Quantity,
				UnitCost:         b.UnitCost,
			})
		}
	}

	if err := writeBatchRemaining(ctx, tx, touched); err != nil {
		return nil, err
	}
	if err := tx.InsertAllocations(ctx, allocations); err != nil {
		return nil, err
	}
	return allocations, nil
}

// receiveIncoming creates one batch per stock line of an incoming voucher.
func receiveIncoming(ctx context.Context, tx TxRepository, v Voucher) ([]StockBatch, error) {
	if err := checkStockLines(v.StockLines); err != nil {
		return nil, err
	}
	batches := make([]StockBatch, 0, len(v.StockLines))
	source := v.ID
	for _, line := range v.StockLines {
		batch, err := tx.InsertBatch(ctx, StockBatch{
			Scoped:            Scoped{CompanyID: v.CompanyID},
			ItemID:            line.ItemID,
			GodownID:          line.GodownID,
			QuantityReceived:  line.Quantity,
			QuantityRemaining: line.Quantity,
			UnitCost:          line.UnitCost,
			ReceivedAt:        v.Date,
			SourceVoucherID:   &source,
		})
		if err != nil {
			return nil, err
		}
		batches = append(batches, batch)
	}
	return batches, nil
}

// restoreOutgoing returns the quantities an outgoing voucher consumed to their
// batches and records negative allocations against the reversal's stock lines.
func restoreOutgoing(ctx context.Context, tx TxRepository, original, reversal Voucher) error {
	allocations, err := tx.ListAllocations(ctx, original.ID)
	if err != nil {
		return err
	}
	if len(allocations) == 0 {
		return nil
	}
	lineMap := mirrorStockLines(original, reversal)
	ids := make([]int64, 0, len(allocations))
	seen := make(map[int64]bool)
	for _, a := range allocations {
		if !seen[a.BatchID] {
			seen[a.BatchID] = true
			ids = append(ids, a.BatchID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	batches, err := tx.LockBatchesByID(ctx, ids)
	if err != nil {
		return err
	}
	remaining := make(map[int64]decimal.Decimal, len(batches))
	for _, b := range batches {
		remaining[b.ID] = b.QuantityRemaining
	}

	restored := make([]StockAllocation, 0, len(allocations))
	for _, a := range allocations {
		current, ok := remaining[a.BatchID]
		if !ok {
			return fmt.Errorf("%w: batch %d missing", ErrNotFound, a.BatchID)
		}
		remaining[a.BatchID] = current.Add(a.QuantityConsumed)
		restored = append(restored, StockAllocation{
			StockLineID:      lineMap[a.StockLineID],
			BatchID:          a.BatchID,
			QuantityConsumed: a.QuantityConsumed.Neg(),
			UnitCost:         a.UnitCost,
		})
	}
	if err := writeBatchRemaining(ctx, tx, remaining); err != nil {
		return err
	}
	return tx.InsertAllocations(ctx, restored)
}

// consumeIncoming takes back the batches an incoming voucher created. Batches
// already drawn by later postings cannot be taken back.
func consumeIncoming(ctx context.Context, tx TxRepository, original, reversal Voucher) error {
	batches, err := tx.LockBatchesBySource(ctx, original.ID)
	if err != nil {
		return err
	}
	for _, b := range batches {
		if b.QuantityRemaining.LessThan(b.QuantityReceived) {
			return &InsufficientStockError{ItemID: b.ItemID, GodownID: b.GodownID, Requested: b.QuantityReceived, Available: b.QuantityRemaining}
		}
	}
	// Batches were created in stock line order, so the nth batch matches the nth reversal line.
	allocations := make([]StockAllocation, 0, len(batches))
	touched := make(map[int64]decimal.Decimal, len(batches))
	for i, b := range batches {
		var lineID int64
		if i < len(reversal.StockLines) {
			lineID = reversal.StockLines[i].ID
		}
		touched[b.ID] = decimal.Zero
		allocations = append(allocations, StockAllocation{
			StockLineID:      lineID,
			BatchID:          b.ID,
			QuantityConsumed: b.QuantityReceived,
			UnitCost:         b.UnitCost,
		})
	}
	if err := writeBatchRemaining(ctx, tx, touched); err != nil {
		return err
	}
	return tx.InsertAllocations(ctx, allocations)
}

func mirrorStockLines(original, reversal Voucher) map[int64]int64 {
	out := make(map[int64]int64, len(original.StockLines))
	for i, line := range original.StockLines {
		if i < len(reversal.StockLines) {
			out[line.ID] = reversal.StockLines[i].ID
		}
	}
	return out
}

func writeBatchRemaining(ctx context.Context, tx TxRepository, remaining map[int64]decimal.Decimal) error {
	ids := make([]int64, 0, len(remaining))
	for id := range remaining {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if remaining[id].IsNegative() {
			return fmt.Errorf("%w: batch %d would go negative", ErrInsufficientStock, id)
		}
		if err := tx.UpdateBatchRemaining(ctx, id, remaining[id]); err != nil {
			return err
		}
	}
	return nil
}
