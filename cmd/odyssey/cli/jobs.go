package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-posting/internal/outbox"
	"github.com/odyssey-erp/odyssey-posting/jobs"
)

// OutboxCounter reports integration events by status.
type OutboxCounter interface {
	CountByStatus(ctx context.Context) (map[outbox.Status]int64, error)
}

// JobsCLI wraps manual management helpers for Asynq jobs.
type JobsCLI struct {
	client    *asynq.Client
	inspector *asynq.Inspector
	outbox    OutboxCounter
	retention time.Duration
}

// NewJobsCLI initialises the CLI helpers. counter may be nil.
func NewJobsCLI(redisOpts asynq.RedisClientOpt, counter OutboxCounter, retention time.Duration) *JobsCLI {
	return &JobsCLI{
		client:    asynq.NewClient(redisOpts),
		inspector: asynq.NewInspector(redisOpts),
		outbox:    counter,
		retention: retention,
	}
}

// Close releases underlying resources.
func (c *JobsCLI) Close() error {
	var err error
	if c.inspector != nil {
		if closeErr := c.inspector.Close(); closeErr != nil {
			err = closeErr
		}
	}
	if c.client != nil {
		if closeErr := c.client.Close(); closeErr != nil {
			err = closeErr
		}
	}
	return err
}

// Trigger enqueues a supported job by name. companyID zero targets every company.
func (c *JobsCLI) Trigger(ctx context.Context, name string, companyID int64) (*asynq.TaskInfo, error) {
	if c == nil || c.client == nil {
		return nil, errors.New("jobs cli: client not configured")
	}
	task, err := BuildTask(name, companyID, c.retention, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(ctx, task, asynq.MaxRetry(3))
}

// BuildTask maps a job name to its task.
func BuildTask(name string, companyID int64, retention time.Duration, at time.Time) (*asynq.Task, error) {
	switch name {
	case jobs.TaskLedgerIntegrity:
		return jobs.NewLedgerIntegrityTask(companyID, at)
	case jobs.TaskStockReconcile:
		return jobs.NewStockReconcileTask(companyID, at)
	case jobs.TaskIdempotencyCleanup:
		return jobs.NewIdempotencyCleanupTask(retention)
	default:
		return nil, fmt.Errorf("jobs cli: unsupported job %s", name)
	}
}

// QueueStats summarises the current queue state.
type QueueStats struct {
	Queue     string
	Pending   int
	Active    int
	Scheduled int
	Retry     int
	Archived  int
}

// InspectQueues reports the metrics of every posting queue.
func (c *JobsCLI) InspectQueues(ctx context.Context) ([]QueueStats, error) {
	if c == nil || c.inspector == nil {
		return nil, errors.New("jobs cli: inspector not configured")
	}
	stats := make([]QueueStats, 0, 2)
	for _, queue := range []string{jobs.QueueDefault, jobs.QueueEvents} {
		entry := QueueStats{Queue: queue}
		info, err := c.inspector.GetQueueInfo(queue)
		if err != nil && !errors.Is(err, asynq.ErrQueueNotFound) {
			return nil, err
		}
		if info != nil {
			entry.Pending = info.Pending
			entry.Active = info.Active
			entry.Scheduled = info.Scheduled
			entry.Retry = info.Retry
			entry.Archived = info.Archived
		}
		stats = append(stats, entry)
	}
	return stats, nil
}

// OutboxStats returns integration events grouped by status.
func (c *JobsCLI) OutboxStats(ctx context.Context) (map[outbox.Status]int64, error) {
	if c == nil || c.outbox == nil {
		return nil, errors.New("jobs cli: outbox not configured")
	}
	return c.outbox.CountByStatus(ctx)
}
