package posting

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-posting/internal/outbox"
	"github.com/odyssey-erp/odyssey-posting/internal/shared"
)

// RepositoryPort abstracts transactional repository behaviour.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// PostedHeader is written to a voucher when it transitions to POSTED.
type PostedHeader struct {
	Number         int64
	DisplayNumber  string
	PostedBy       int64
	PostedAt       time.Time
	IdempotencyKey *string
}

// TxRepository exposes the reads and writes the pipeline performs inside one transaction.
type TxRepository interface {
	ReserveIdempotencyKey(ctx context.Context, scope, key string) (voucherID int64, found bool, err error)
	CompleteIdempotencyKey(ctx context.Context, scope, key string, voucherID int64) error

	GetVoucher(ctx context.Context, id int64) (Voucher, error)
	GetVoucherForUpdate(ctx context.Context, id int64) (Voucher, error)
	InsertVoucher(ctx context.Context, v Voucher) (Voucher, error)
	UpdateVoucherLines(ctx context.Context, voucherID int64, lines []VoucherLine) error
	MarkVoucherPosted(ctx context.Context, voucherID int64, header PostedHeader) error
	MarkVoucherReversed(ctx context.Context, voucherID, reversedBy int64) error

	GetCompany(ctx context.Context, id int64) (Company, error)
	GetFinancialYear(ctx context.Context, id int64) (FinancialYear, error)
	FindFinancialYear(ctx context.Context, companyID int64, date time.Time) (FinancialYear, error)
	GetVoucherType(ctx context.Context, id int64) (VoucherType, error)
	GetLedgers(ctx context.Context, ids []int64) (map[int64]Ledger, error)
	ApplyLedgerDelta(ctx context.Context, ledgerID int64, delta decimal.Decimal) error

	LockBatches(ctx context.Context, companyID, itemID, godownID int64) ([]StockBatch, error)
	LockBatchesByID(ctx context.Context, ids []int64) ([]StockBatch, error)
	LockBatchesBySource(ctx context.Context, voucherID int64) ([]StockBatch, error)
	UpdateBatchRemaining(ctx context.Context, batchID int64, remaining decimal.Decimal) error
	InsertBatch(ctx context.Context, batch StockBatch) (StockBatch, error)
	InsertAllocations(ctx context.Context, allocations []StockAllocation) error
	ListAllocations(ctx context.Context, voucherID int64) ([]StockAllocation, error)

	NextVoucherNumber(ctx context.Context, scope SequenceScope) (int64, error)

	GetInvoiceForUpdate(ctx context.Context, id int64) (Invoice, error)
	LinkInvoiceVoucher(ctx context.Context, invoiceID, voucherID int64) error
	MarkInvoicePosted(ctx context.Context, invoiceID int64) error

	RecordAudit(ctx context.Context, log shared.AuditLog) error
	EnqueueEvent(ctx context.Context, event outbox.Event) error
}
