package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/odyssey-posting/internal/jobs"
	"github.com/odyssey-erp/odyssey-posting/internal/shared"
)

// KeyCleaner deletes idempotency keys older than a retention window.
type KeyCleaner interface {
	Cleanup(ctx context.Context, olderThan time.Duration) (int64, error)
}

// IdempotencyCleanupJob purges completed idempotency keys.
type IdempotencyCleanupJob struct {
	Store     KeyCleaner
	Retention time.Duration
	Locker    shared.Locker
	LockTTL   time.Duration
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics
}

// Handle executes the cleanup.
func (j *IdempotencyCleanupJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Store == nil {
		return errors.New("idempotency cleanup: handler not configured")
	}
	var payload CleanupPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}
	retention := payload.Retention
	if retention <= 0 {
		retention = j.Retention
	}
	if retention <= 0 {
		return errors.New("idempotency cleanup: retention not configured")
	}
	tracker := j.Metrics.Track(TaskIdempotencyCleanup)
	err := shared.RunExclusive(ctx, j.Locker, shared.JobLockKey(TaskIdempotencyCleanup), lockTTL(j.LockTTL), func(ctx context.Context) error {
		removed, err := j.Store.Cleanup(ctx, retention)
		if err != nil {
			return err
		}
		logger(j.Logger).Info("idempotency keys purged",
			slog.Int64("removed", removed),
			slog.Duration("retention", retention))
		return nil
	})
	if errors.Is(err, shared.ErrLockHeld) {
		tracker.Skip()
		return nil
	}
	return tracker.End(err)
}
