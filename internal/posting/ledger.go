package posting

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"
)

// LedgerDeltas nets debit minus credit per ledger.
func LedgerDeltas(lines []VoucherLine) map[int64]decimal.Decimal {
	deltas := make(map[int64]decimal.Decimal)
	for _, l := range lines {
		deltas[l.LedgerID] = deltas[l.LedgerID].Add(l.Debit).Sub(l.Credit)
	}
	return deltas
}

// applyBalances updates cached ledger balances in ascending ledger id order.
func applyBalances(ctx context.Context, tx TxRepository, lines []VoucherLine) error {
	deltas := LedgerDeltas(lines)
	ids := make([]int64, 0, len(deltas))
	for id, delta := range deltas {
		if delta.IsZero() {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if err := tx.ApplyLedgerDelta(ctx, id, deltas[id]); err != nil {
			return err
		}
	}
	return nil
}

// reverseLines swaps debit and credit on every line.
func reverseLines(lines []VoucherLine, narration string) []VoucherLine {
	out := make([]VoucherLine, len(lines))
	for i, l := range lines {
		out[i] = VoucherLine{
			LedgerID:  l.LedgerID,
			Debit:     l.Credit,
			Credit:    l.Debit,
			Narration: narration,
		}
	}
	return out
}

func ledgerIDs(lines []VoucherLine) []int64 {
	seen := make(map[int64]bool, len(lines))
	ids := make([]int64, 0, len(lines))
	for _, l := range lines {
		if seen[l.LedgerID] {
			continue
		}
		seen[l.LedgerID] = true
		ids = append(ids, l.LedgerID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
