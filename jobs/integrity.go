package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"

	jobmetrics "github.com/odyssey-erp/odyssey-posting/internal/jobs"
	"github.com/odyssey-erp/odyssey-posting/internal/shared"
)

// VoucherImbalance is a posted voucher whose lines do not net to zero.
type VoucherImbalance struct {
	VoucherID     int64
	CompanyID     int64
	DisplayNumber string
	Debit         decimal.Decimal
	Credit        decimal.Decimal
}

// LedgerDrift is a ledger whose cached balance differs from its posted lines.
type LedgerDrift struct {
	LedgerID  int64
	CompanyID int64
	Cached    decimal.Decimal
	Expected  decimal.Decimal
}

// LedgerIntegrityReport collects ledger findings read from one snapshot.
type LedgerIntegrityReport struct {
	Unbalanced []VoucherImbalance
	Drift      []LedgerDrift
}

// Clean reports whether the scan found nothing.
func (r LedgerIntegrityReport) Clean() bool {
	return len(r.Unbalanced) == 0 && len(r.Drift) == 0
}

// BatchDrift is a stock batch whose remaining quantity disagrees with its
// allocations.
type BatchDrift struct {
	BatchID   int64
	CompanyID int64
	ItemID    int64
	GodownID  int64
	Received  decimal.Decimal
	Consumed  decimal.Decimal
	Remaining decimal.Decimal
}

// LedgerIntegritySource reads ledger findings. Company zero scans all companies.
type LedgerIntegritySource interface {
	ScanLedgers(ctx context.Context, companyID int64) (LedgerIntegrityReport, error)
}

// StockIntegritySource reads stock findings.
type StockIntegritySource interface {
	ScanBatches(ctx context.Context, companyID int64) ([]BatchDrift, error)
}

// Anomaly check labels.
const (
	CheckUnbalancedVoucher = "unbalanced_voucher"
	CheckLedgerDrift       = "ledger_balance_drift"
	CheckBatchDrift        = "stock_batch_drift"
)

// LedgerIntegrityJob verifies double entry and cached balances.
type LedgerIntegrityJob struct {
	Source  LedgerIntegritySource
	Locker  shared.Locker
	LockTTL time.Duration
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// Handle executes the ledger integrity scan.
func (j *LedgerIntegrityJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Source == nil {
		return errors.New("ledger integrity: handler not configured")
	}
	payload, err := decodeScan(t)
	if err != nil {
		return err
	}
	tracker := j.Metrics.Track(TaskLedgerIntegrity)
	err = shared.RunExclusive(ctx, j.Locker, shared.JobLockKey(TaskLedgerIntegrity), lockTTL(j.LockTTL), func(ctx context.Context) error {
		_, err := j.Run(ctx, payload.CompanyID)
		return err
	})
	if errors.Is(err, shared.ErrLockHeld) {
		logger(j.Logger).Info("ledger integrity already running elsewhere")
		tracker.Skip()
		return nil
	}
	return tracker.End(err)
}

// Run scans and reports findings. Findings are logged and counted; they are
// not job failures.
func (j *LedgerIntegrityJob) Run(ctx context.Context, companyID int64) (LedgerIntegrityReport, error) {
	log := logger(j.Logger).With(slog.String("job", TaskLedgerIntegrity), slog.Int64("company_id", companyID))
	start := time.Now()
	report, err := j.Source.ScanLedgers(ctx, companyID)
	if err != nil {
		log.Error("ledger integrity scan failed", slog.Any("error", err))
		return LedgerIntegrityReport{}, err
	}
	for _, v := range report.Unbalanced {
		log.Error("posted voucher is unbalanced",
			slog.Int64("voucher_id", v.VoucherID),
			slog.String("number", v.DisplayNumber),
			slog.String("debit", v.Debit.String()),
			slog.String("credit", v.Credit.String()))
		j.Metrics.AddAnomalies(CheckUnbalancedVoucher, v.CompanyID, 1)
	}
	for _, d := range report.Drift {
		log.Error("ledger balance drift",
			slog.Int64("ledger_id", d.LedgerID),
			slog.String("cached", d.Cached.String()),
			slog.String("expected", d.Expected.String()))
		j.Metrics.AddAnomalies(CheckLedgerDrift, d.CompanyID, 1)
	}
	log.Info("ledger integrity scan completed",
		slog.Int("unbalanced", len(report.Unbalanced)),
		slog.Int("drift", len(report.Drift)),
		slog.Duration("duration", time.Since(start)))
	return report, nil
}

// StockReconcileJob verifies batch quantities against the allocation trail.
type StockReconcileJob struct {
	Source  StockIntegritySource
	Locker  shared.Locker
	LockTTL time.Duration
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// Handle executes the stock reconciliation.
func (j *StockReconcileJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Source == nil {
		return errors.New("stock reconcile: handler not configured")
	}
	payload, err := decodeScan(t)
	if err != nil {
		return err
	}
	tracker := j.Metrics.Track(TaskStockReconcile)
	err = shared.RunExclusive(ctx, j.Locker, shared.JobLockKey(TaskStockReconcile), lockTTL(j.LockTTL), func(ctx context.Context) error {
		_, err := j.Run(ctx, payload.CompanyID)
		return err
	})
	if errors.Is(err, shared.ErrLockHeld) {
		logger(j.Logger).Info("stock reconcile already running elsewhere")
		tracker.Skip()
		return nil
	}
	return tracker.End(err)
}

// Run scans batches and reports drift.
func (j *StockReconcileJob) Run(ctx context.Context, companyID int64) ([]BatchDrift, error) {
	log := logger(j.Logger).With(slog.String("job", TaskStockReconcile), slog.Int64("company_id", companyID))
	drift, err := j.Source.ScanBatches(ctx, companyID)
	if err != nil {
		log.Error("stock reconcile failed", slog.Any("error", err))
		return nil, err
	}
	for _, d := range drift {
		log.Error("stock batch drift",
			slog.Int64("batch_id", d.BatchID),
			slog.Int64("item_id", d.ItemID),
			slog.Int64("godown_id", d.GodownID),
			slog.String("received", d.Received.String()),
			slog.String("consumed", d.Consumed.String()),
			slog.String("remaining", d.Remaining.String()))
		j.Metrics.AddAnomalies(CheckBatchDrift, d.CompanyID, 1)
	}
	log.Info("stock reconcile completed", slog.Int("drift", len(drift)))
	return drift, nil
}

func lockTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return 10 * time.Minute
	}
	return ttl
}

func logger(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}
