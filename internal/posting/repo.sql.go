package posting

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-posting/internal/outbox"
	"github.com/odyssey-erp/odyssey-posting/internal/platform/db"
	"github.com/odyssey-erp/odyssey-posting/internal/shared"
)

// Repository persists posting entities in PostgreSQL.
type Repository struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

// NewRepository constructs Repository. lockTimeout bounds every row lock wait
// inside a posting transaction.
func NewRepository(pool *pgxpool.Pool, lockTimeout time.Duration) *Repository {
	return &Repository{pool: pool, lockTimeout: lockTimeout}
}

// WithTx runs fn in a READ COMMITTED transaction. Row locks, not snapshot
// isolation, serialize competing postings, so a waiter reads the winner's
// committed rows once the lock is released.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTxOptions(ctx, r.pool, db.TxOptions{IsoLevel: pgx.ReadCommitted, LockTimeout: r.lockTimeout}, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

type txRepository struct {
	tx pgx.Tx
}

func notFound(err error, format string, args ...any) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: "+format, append([]any{ErrNotFound}, args...)...)
	}
	return err
}

func (r *txRepository) ReserveIdempotencyKey(ctx context.Context, scope, key string) (int64, bool, error) {
	return shared.NewIdempotencyStore(r.tx).Reserve(ctx, scope, key)
}

func (r *txRepository) CompleteIdempotencyKey(ctx context.Context, scope, key string, voucherID int64) error {
	return shared.NewIdempotencyStore(r.tx).Complete(ctx, scope, key, voucherID)
}

const voucherColumns = `id, company_id, voucher_type_id, financial_year_id, voucher_date, voucher_number, COALESCE(display_number, ''), status, narration, created_by, posted_by, posted_at, idempotency_key, reversal_of, reversed_by, created_at, updated_at`

func scanVoucher(row pgx.Row) (Voucher, error) {
	var v Voucher
	err := row.Scan(&v.ID, &v.CompanyID, &v.VoucherTypeID, &v.FinancialYearID, &v.Date, &v.Number, &v.DisplayNumber, &v.Status, &v.Narration, &v.CreatedBy, &v.PostedBy, &v.PostedAt, &v.IdempotencyKey, &v.ReversalOf, &v.ReversedBy, &v.CreatedAt, &v.UpdatedAt)
	return v, err
}

func (r *txRepository) GetVoucher(ctx context.Context, id int64) (Voucher, error) {
	return r.getVoucher(ctx, id, "")
}

func (r *txRepository) GetVoucherForUpdate(ctx context.Context, id int64) (Voucher, error) {
	return r.getVoucher(ctx, id, " FOR UPDATE")
}

func (r *txRepository) getVoucher(ctx context.Context, id int64, lock string) (Voucher, error) {
	v, err := scanVoucher(r.tx.QueryRow(ctx, `SELECT `+voucherColumns+` FROM vouchers WHERE id = $1`+lock, id))
	if err != nil {
		return Voucher{}, notFound(err, "voucher %d", id)
	}
	if v.Lines, err = r.voucherLines(ctx, id); err != nil {
		return Voucher{}, err
	}
	if v.StockLines, err = r.stockLines(ctx, id); err != nil {
		return Voucher{}, err
	}
	return v, nil
}

func (r *txRepository) voucherLines(ctx context.Context, voucherID int64) ([]VoucherLine, error) {
	rows, err := r.tx.Query(ctx, `SELECT id, voucher_id, ledger_id, debit, credit, narration FROM voucher_lines WHERE voucher_id = $1 ORDER BY line_no, id`, voucherID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var lines []VoucherLine
	for rows.Next() {
		var l VoucherLine
		if err := rows.Scan(&l.ID, &l.VoucherID, &l.LedgerID, &l.Debit, &l.Credit, &l.Narration); err != nil {
			return nil, err
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

func (r *txRepository) stockLines(ctx context.Context, voucherID int64) ([]StockLine, error) {
	rows, err := r.tx.Query(ctx, `SELECT id, voucher_id, item_id, godown_id, quantity, unit_cost FROM voucher_stock_lines WHERE voucher_id = $1 ORDER BY line_no, id`, voucherID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var lines []StockLine
	for rows.Next() {
		var l StockLine
		if err := rows.Scan(&l.ID, &l.VoucherID, &l.ItemID, &l.GodownID, &l.Quantity, &l.UnitCost); err != nil {
			return nil, err
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

func (r *txRepository) InsertVoucher(ctx context.Context, v Voucher) (Voucher, error) {
	err := r.tx.QueryRow(ctx, `INSERT INTO vouchers (company_id, voucher_type_id, financial_year_id, voucher_date, status, narration, created_by, reversal_of)
VALUES ($1, $2, $3, $4, 'DRAFT', $5, $6, $7)
RETURNING id, created_at, updated_at`, v.CompanyID, v.VoucherTypeID, v.FinancialYearID, v.Date, v.Narration, v.CreatedBy, v.ReversalOf).
		Scan(&v.ID, &v.CreatedAt, &v.UpdatedAt)
	if err != nil {
		return Voucher{}, err
	}
	v.Status = VoucherStatusDraft
	for i := range v.Lines {
		l := &v.Lines[i]
		l.VoucherID = v.ID
		if err := r.tx.QueryRow(ctx, `INSERT INTO voucher_lines (voucher_id, line_no, ledger_id, debit, credit, narration) VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
			v.ID, i+1, l.LedgerID, l.Debit, l.Credit, l.Narration).Scan(&l.ID); err != nil {
			return Voucher{}, err
		}
	}
	for i := range v.StockLines {
		l := &v.StockLines[i]
		l.VoucherID = v.ID
		if err := r.tx.QueryRow(ctx, `INSERT INTO voucher_stock_lines (voucher_id, line_no, item_id, godown_id, quantity, unit_cost) VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
			v.ID, i+1, l.ItemID, l.GodownID, l.Quantity, l.UnitCost).Scan(&l.ID); err != nil {
			return Voucher{}, err
		}
	}
	return v, nil
}

func (r *txRepository) UpdateVoucherLines(ctx context.Context, voucherID int64, lines []VoucherLine) error {
	for _, l := range lines {
		tag, err := r.tx.Exec(ctx, `UPDATE voucher_lines SET debit = $3, credit = $4 WHERE id = $1 AND voucher_id = $2`, l.ID, voucherID, l.Debit, l.Credit)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: line %d of voucher %d", ErrNotFound, l.ID, voucherID)
		}
	}
	return nil
}

func (r *txRepository) MarkVoucherPosted(ctx context.Context, voucherID int64, h PostedHeader) error {
	tag, err := r.tx.Exec(ctx, `UPDATE vouchers
SET status = 'POSTED', voucher_number = $2, display_number = $3, posted_by = $4, posted_at = $5, idempotency_key = $6, updated_at = NOW()
WHERE id = $1 AND status = 'DRAFT'`, voucherID, h.Number, h.DisplayNumber, h.PostedBy, h.PostedAt, h.IdempotencyKey)
	if err != nil {
		if shared.IsUniqueViolation(err) {
			return fmt.Errorf("%w: voucher number %d already issued: %w", ErrPostingFailed, h.Number, err)
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: voucher %d", ErrAlreadyPosted, voucherID)
	}
	return nil
}

func (r *txRepository) MarkVoucherReversed(ctx context.Context, voucherID, reversedBy int64) error {
	tag, err := r.tx.Exec(ctx, `UPDATE vouchers SET status = 'REVERSED', reversed_by = $2, updated_at = NOW() WHERE id = $1 AND status = 'POSTED'`, voucherID, reversedBy)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: voucher %d already reversed", ErrAlreadyPosted, voucherID)
	}
	return nil
}

func (r *txRepository) GetCompany(ctx context.Context, id int64) (Company, error) {
	var c Company
	err := r.tx.QueryRow(ctx, `SELECT id, name, is_locked FROM companies WHERE id = $1 FOR SHARE`, id).Scan(&c.ID, &c.Name, &c.IsLocked)
	if err != nil {
		return Company{}, notFound(err, "company %d", id)
	}
	return c, nil
}

const financialYearColumns = `id, company_id, code, start_date, end_date, is_closed, created_at, updated_at`

func scanFinancialYear(row pgx.Row) (FinancialYear, error) {
	var fy FinancialYear
	err := row.Scan(&fy.ID, &fy.CompanyID, &fy.Code, &fy.StartDate, &fy.EndDate, &fy.IsClosed, &fy.CreatedAt, &fy.UpdatedAt)
	return fy, err
}

func (r *txRepository) GetFinancialYear(ctx context.Context, id int64) (FinancialYear, error) {
	fy, err := scanFinancialYear(r.tx.QueryRow(ctx, `SELECT `+financialYearColumns+` FROM financial_years WHERE id = $1 FOR SHARE`, id))
	if err != nil {
		return FinancialYear{}, notFound(err, "financial year %d", id)
	}
	return fy, nil
}

func (r *txRepository) FindFinancialYear(ctx context.Context, companyID int64, date time.Time) (FinancialYear, error) {
	fy, err := scanFinancialYear(r.tx.QueryRow(ctx, `SELECT `+financialYearColumns+` FROM financial_years
WHERE company_id = $1 AND $2::date BETWEEN start_date AND end_date
ORDER BY start_date DESC LIMIT 1 FOR SHARE`, companyID, date))
	if err != nil {
		return FinancialYear{}, notFound(err, "financial year for %s", date.Format("2006-01-02"))
	}
	return fy, nil
}

func (r *txRepository) GetVoucherType(ctx context.Context, id int64) (VoucherType, error) {
	var vt VoucherType
	err := r.tx.QueryRow(ctx, `SELECT id, company_id, code, name, prefix, stock_direction, is_active, created_at, updated_at FROM voucher_types WHERE id = $1`, id).
		Scan(&vt.ID, &vt.CompanyID, &vt.Code, &vt.Name, &vt.Prefix, &vt.StockDirection, &vt.IsActive, &vt.CreatedAt, &vt.UpdatedAt)
	if err != nil {
		return VoucherType{}, notFound(err, "voucher type %d", id)
	}
	vt.Code = NormalizeTypeCode(vt.Code)
	return vt, nil
}

func (r *txRepository) GetLedgers(ctx context.Context, ids []int64) (map[int64]Ledger, error) {
	rows, err := r.tx.Query(ctx, `SELECT id, company_id, name, ledger_group, balance, precision, created_at, updated_at FROM ledgers WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[int64]Ledger, len(ids))
	for rows.Next() {
		var l Ledger
		if err := rows.Scan(&l.ID, &l.CompanyID, &l.Name, &l.Group, &l.Balance, &l.Precision, &l.CreatedAt, &l.UpdatedAt); err != nil {
			return nil, err
		}
		out[l.ID] = l
	}
	return out, rows.Err()
}

func (r *txRepository) ApplyLedgerDelta(ctx context.Context, ledgerID int64, delta decimal.Decimal) error {
	tag, err := r.tx.Exec(ctx, `UPDATE ledgers SET balance = balance + $2, updated_at = NOW() WHERE id = $1`, ledgerID, delta)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: ledger %d", ErrNotFound, ledgerID)
	}
	return nil
}

const batchColumns = `id, company_id, item_id, godown_id, quantity_received, quantity_remaining, unit_cost, received_at, source_voucher_id, created_at, updated_at`

func (r *txRepository) queryBatches(ctx context.Context, sql string, args ...any) ([]StockBatch, error) {
	rows, err := r.tx.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var batches []StockBatch
	for rows.Next() {
		var b StockBatch
		if err := rows.Scan(&b.ID, &b.CompanyID, &b.ItemID, &b.GodownID, &b.QuantityReceived, &b.QuantityRemaining, &b.UnitCost, &b.ReceivedAt, &b.SourceVoucherID, &b.CreatedAt, &b.UpdatedAt); err != nil {
			return nil, err
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

func (r *txRepository) LockBatches(ctx context.Context, companyID, itemID, godownID int64) ([]StockBatch, error) {
	return r.queryBatches(ctx, `SELECT `+batchColumns+` FROM stock_batches
WHERE company_id = $1 AND item_id = $2 AND godown_id = $3 AND quantity_remaining > 0
ORDER BY received_at, id
FOR UPDATE`, companyID, itemID, godownID)
}

func (r *txRepository) LockBatchesByID(ctx context.Context, ids []int64) ([]StockBatch, error) {
	return r.queryBatches(ctx, `SELECT `+batchColumns+` FROM stock_batches WHERE id = ANY($1) ORDER BY id FOR UPDATE`, ids)
}

func (r *txRepository) LockBatchesBySource(ctx context.Context, voucherID int64) ([]StockBatch, error) {
	return r.queryBatches(ctx, `SELECT `+batchColumns+` FROM stock_batches WHERE source_voucher_id = $1 ORDER BY id FOR UPDATE`, voucherID)
}

func (r *txRepository) UpdateBatchRemaining(ctx context.Context, batchID int64, remaining decimal.Decimal) error {
	_, err := r.tx.Exec(ctx, `UPDATE stock_batches SET quantity_remaining = $2, updated_at = NOW() WHERE id = $1`, batchID, remaining)
	return err
}

func (r *txRepository) InsertBatch(ctx context.Context, b StockBatch) (StockBatch, error) {
	err := r.tx.QueryRow(ctx, `INSERT INTO stock_batches (company_id, item_id, godown_id, quantity_received, quantity_remaining, unit_cost, received_at, source_voucher_id)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
RETURNING id, created_at, updated_at`, b.CompanyID, b.ItemID, b.GodownID, b.QuantityReceived, b.QuantityRemaining, b.UnitCost, b.ReceivedAt, b.SourceVoucherID).
		Scan(&b.ID, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return StockBatch{}, err
	}
	return b, nil
}

func (r *txRepository) InsertAllocations(ctx context.Context, allocations []StockAllocation) error {
	if len(allocations) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, a := range allocations {
		batch.Queue(`INSERT INTO stock_allocations (stock_line_id, batch_id, quantity_consumed, unit_cost) VALUES ($1, $2, $3, $4)`, a.StockLineID, a.BatchID, a.QuantityConsumed, a.UnitCost)
	}
	return r.tx.SendBatch(ctx, batch).Close()
}

func (r *txRepository) ListAllocations(ctx context.Context, voucherID int64) ([]StockAllocation, error) {
	rows, err := r.tx.Query(ctx, `SELECT a.id, a.stock_line_id, a.batch_id, a.quantity_consumed, a.unit_cost
FROM stock_allocations a
JOIN voucher_stock_lines l ON l.id = a.stock_line_id
WHERE l.voucher_id = $1
ORDER BY a.id`, voucherID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []StockAllocation
	for rows.Next() {
		var a StockAllocation
		if err := rows.Scan(&a.ID, &a.StockLineID, &a.BatchID, &a.QuantityConsumed, &a.UnitCost); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *txRepository) NextVoucherNumber(ctx context.Context, scope SequenceScope) (int64, error) {
	var number int64
	err := r.tx.QueryRow(ctx, `INSERT INTO sequence_counters (company_id, voucher_type_id, financial_year_id, last_number)
VALUES ($1, $2, $3, 1)
ON CONFLICT (company_id, voucher_type_id, financial_year_id)
DO UPDATE SET last_number = sequence_counters.last_number + 1, updated_at = NOW()
RETURNING last_number`, scope.CompanyID, scope.VoucherTypeID, scope.FinancialYearID).Scan(&number)
	return number, err
}

func (r *txRepository) GetInvoiceForUpdate(ctx context.Context, id int64) (Invoice, error) {
	var inv Invoice
	err := r.tx.QueryRow(ctx, `SELECT id, company_id, voucher_type_id, financial_year_id, kind, status, number, invoice_date, party_ledger_id, revenue_ledger_id, voucher_id, created_by, created_at, updated_at
FROM invoices WHERE id = $1 FOR UPDATE`, id).
		Scan(&inv.ID, &inv.CompanyID, &inv.VoucherTypeID, &inv.FinancialYearID, &inv.Kind, &inv.Status, &inv.Number, &inv.Date, &inv.PartyLedgerID, &inv.RevenueLedgerID, &inv.VoucherID, &inv.CreatedBy, &inv.CreatedAt, &inv.UpdatedAt)
	if err != nil {
		return Invoice{}, notFound(err, "invoice %d", id)
	}
	rows, err := r.tx.Query(ctx, `SELECT item_id, godown_id, quantity, rate, tax_rate, tax_ledger_id, narration FROM invoice_lines WHERE invoice_id = $1 ORDER BY line_no, id`, id)
	if err != nil {
		return Invoice{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var l InvoiceLine
		if err := rows.Scan(&l.ItemID, &l.GodownID, &l.Quantity, &l.Rate, &l.TaxRate, &l.TaxLedgerID, &l.Narration); err != nil {
			return Invoice{}, err
		}
		inv.Lines = append(inv.Lines, l)
	}
	return inv, rows.Err()
}

func (r *txRepository) LinkInvoiceVoucher(ctx context.Context, invoiceID, voucherID int64) error {
	tag, err := r.tx.Exec(ctx, `UPDATE invoices SET voucher_id = $2, updated_at = NOW() WHERE id = $1 AND voucher_id IS NULL`, invoiceID, voucherID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: invoice %d", ErrAlreadyPosted, invoiceID)
	}
	return nil
}

func (r *txRepository) MarkInvoicePosted(ctx context.Context, invoiceID int64) error {
	tag, err := r.tx.Exec(ctx, `UPDATE invoices SET status = 'POSTED', updated_at = NOW() WHERE id = $1 AND status = 'DRAFT'`, invoiceID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: invoice %d", ErrAlreadyPosted, invoiceID)
	}
	return nil
}

func (r *txRepository) RecordAudit(ctx context.Context, log shared.AuditLog) error {
	return shared.NewAuditLogger(r.tx).Record(ctx, log)
}

func (r *txRepository) EnqueueEvent(ctx context.Context, event outbox.Event) error {
	return outbox.Insert(ctx, r.tx, event)
}
