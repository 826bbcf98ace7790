package jobs

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-posting/internal/platform/db"
)

// IntegrityRepository reads integrity findings from PostgreSQL.
type IntegrityRepository struct {
	pool *pgxpool.Pool
}

// NewIntegrityRepository constructs the repository.
func NewIntegrityRepository(pool *pgxpool.Pool) *IntegrityRepository {
	return &IntegrityRepository{pool: pool}
}

const unbalancedVouchersSQL = `SELECT v.id, v.company_id, COALESCE(v.display_number, ''), SUM(l.debit), SUM(l.credit)
FROM vouchers v
JOIN voucher_lines l ON l.voucher_id = v.id
WHERE v.status <> 'DRAFT' AND ($1::bigint = 0 OR v.company_id = $1)
GROUP BY v.id
HAVING SUM(l.debit) <> SUM(l.credit)
ORDER BY v.id`

const ledgerDriftSQL = `SELECT id, company_id, balance, expected FROM (
    SELECT g.id, g.company_id, g.balance,
        COALESCE(SUM(l.debit - l.credit) FILTER (WHERE v.status <> 'DRAFT'), 0) AS expected
    FROM ledgers g
    LEFT JOIN voucher_lines l ON l.ledger_id = g.id
    LEFT JOIN vouchers v ON v.id = l.voucher_id
    WHERE $1::bigint = 0 OR g.company_id = $1
    GROUP BY g.id
) t
WHERE balance <> expected
ORDER BY id`

const batchDriftSQL = `SELECT b.id, b.company_id, b.item_id, b.godown_id, b.quantity_received,
    COALESCE(SUM(a.quantity_consumed), 0), b.quantity_remaining
FROM stock_batches b
LEFT JOIN stock_allocations a ON a.batch_id = b.id
WHERE $1::bigint = 0 OR b.company_id = $1
GROUP BY b.id
HAVING b.quantity_received - COALESCE(SUM(a.quantity_consumed), 0) <> b.quantity_remaining
ORDER BY b.id`

// ScanLedgers runs both ledger checks against one repeatable-read snapshot.
func (r *IntegrityRepository) ScanLedgers(ctx context.Context, companyID int64) (LedgerIntegrityReport, error) {
	var report LedgerIntegrityReport
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, unbalancedVouchersSQL, companyID)
		if err != nil {
			return err
		}
		report.Unbalanced, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (VoucherImbalance, error) {
			var v VoucherImbalance
			err := row.Scan(&v.VoucherID, &v.CompanyID, &v.DisplayNumber, &v.Debit, &v.Credit)
			return v, err
		})
		if err != nil {
			return err
		}
		rows, err = tx.Query(ctx, ledgerDriftSQL, companyID)
		if err != nil {
			return err
		}
		report.Drift, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (LedgerDrift, error) {
			var d LedgerDrift
			err := row.Scan(&d.LedgerID, &d.CompanyID, &d.Cached, &d.Expected)
			return d, err
		})
		return err
	})
	return report, err
}

// ScanBatches returns batches whose remaining quantity disagrees with the
// allocation trail.
func (r *IntegrityRepository) ScanBatches(ctx context.Context, companyID int64) ([]BatchDrift, error) {
	rows, err := r.pool.Query(ctx, batchDriftSQL, companyID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (BatchDrift, error) {
		var d BatchDrift
		err := row.Scan(&d.BatchID, &d.CompanyID, &d.ItemID, &d.GodownID, &d.Received, &d.Consumed, &d.Remaining)
		return d, err
	})
}
