package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// QueueEvents carries integration events published from the outbox.
	QueueEvents = "events"

	// TaskIntegrationEvent delivers one outbox event to consumers.
	TaskIntegrationEvent = "posting:event"
	// TaskLedgerIntegrity verifies posted vouchers and cached balances.
	TaskLedgerIntegrity = "ledger:integrity"
	// TaskStockReconcile verifies batch quantities against allocations.
	TaskStockReconcile = "stock:reconcile"
	// TaskIdempotencyCleanup purges expired idempotency keys.
	TaskIdempotencyCleanup = "idempotency:cleanup"
)

// ScanPayload scopes integrity style jobs.
type ScanPayload struct {
	CompanyID    int64     `json:"company_id,omitempty"`
	ScheduledFor time.Time `json:"scheduled_for"`
}

func newScanTask(taskType string, companyID int64, at time.Time) (*asynq.Task, error) {
	body, err := json.Marshal(ScanPayload{CompanyID: companyID, ScheduledFor: at})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(taskType, body, asynq.Queue(QueueDefault)), nil
}

// NewLedgerIntegrityTask constructs a ledger integrity task. A zero company
// scans every company.
func NewLedgerIntegrityTask(companyID int64, at time.Time) (*asynq.Task, error) {
	return newScanTask(TaskLedgerIntegrity, companyID, at)
}

// NewStockReconcileTask constructs a stock reconciliation task.
func NewStockReconcileTask(companyID int64, at time.Time) (*asynq.Task, error) {
	return newScanTask(TaskStockReconcile, companyID, at)
}

// CleanupPayload carries the retention window for idempotency keys.
type CleanupPayload struct {
	Retention time.Duration `json:"retention"`
}

// NewIdempotencyCleanupTask constructs an idempotency cleanup task.
func NewIdempotencyCleanupTask(retention time.Duration) (*asynq.Task, error) {
	body, err := json.Marshal(CleanupPayload{Retention: retention})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, body, asynq.Queue(QueueDefault)), nil
}

func decodeScan(t *asynq.Task) (ScanPayload, error) {
	var payload ScanPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return ScanPayload{}, asynq.SkipRetry
	}
	return payload, nil
}
