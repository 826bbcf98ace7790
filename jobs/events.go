package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/odyssey-posting/internal/outbox"
	"github.com/odyssey-erp/odyssey-posting/internal/posting"
)

// Enqueuer is the subset of *asynq.Client used to publish events.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// EventPublisher delivers outbox events as asynq tasks keyed by event id.
type EventPublisher struct {
	client    Enqueuer
	retention time.Duration
}

// NewEventPublisher wires the publisher to an asynq client.
func NewEventPublisher(client Enqueuer) *EventPublisher {
	return &EventPublisher{client: client, retention: 24 * time.Hour}
}

// Publish enqueues the event. An event already sitting in the queue counts as
// delivered.
func (p *EventPublisher) Publish(ctx context.Context, evt outbox.Event) error {
	if p == nil || p.client == nil {
		return errors.New("jobs: event publisher not configured")
	}
	body, err := json.Marshal(evt.Envelope())
	if err != nil {
		return err
	}
	task := asynq.NewTask(TaskIntegrationEvent, body,
		asynq.Queue(QueueEvents),
		asynq.TaskID(evt.EventID.String()),
		asynq.MaxRetry(10),
		asynq.Retention(p.retention),
	)
	_, err = p.client.EnqueueContext(ctx, task)
	if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
		return nil
	}
	return err
}

// EventHandler reacts to one delivered event. Handlers must tolerate
// redelivery of events that failed midway.
type EventHandler func(ctx context.Context, env outbox.Envelope) error

const (
	markerProcessing = "processing"
	markerDone       = "done"
)

// ErrEventInFlight is returned while another worker processes the same event.
var ErrEventInFlight = errors.New("jobs: event is being processed elsewhere")

// EventConsumer dispatches integration events to subscribers exactly once
// per dedupe window.
type EventConsumer struct {
	redis    redis.Cmdable
	ttl      time.Duration
	claimTTL time.Duration
	logger   *slog.Logger

	mu       sync.RWMutex
	handlers map[string][]EventHandler
}

// NewEventConsumer constructs a consumer deduplicating through Redis.
func NewEventConsumer(client redis.Cmdable, ttl time.Duration, logger *slog.Logger) *EventConsumer {
	if ttl <= 0 {
		ttl = 72 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &EventConsumer{
		redis:    client,
		ttl:      ttl,
		claimTTL: time.Minute,
		logger:   logger,
		handlers: make(map[string][]EventHandler),
	}
}

// Subscribe registers a handler for an event type.
func (c *EventConsumer) Subscribe(eventType string, h EventHandler) {
	if h == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[eventType] = append(c.handlers[eventType], h)
}

// DedupeKey is the Redis key marking an event as seen.
func DedupeKey(eventID string) string {
	return fmt.Sprintf("posting:events:%s:seen", eventID)
}

// Handle is the asynq handler for TaskIntegrationEvent.
func (c *EventConsumer) Handle(ctx context.Context, t *asynq.Task) error {
	var env outbox.Envelope
	if err := json.Unmarshal(t.Payload(), &env); err != nil || env.EventID == "" {
		c.logger.Warn("discarding malformed event", slog.String("task", t.Type()))
		return asynq.SkipRetry
	}
	key := DedupeKey(env.EventID)
	claimed, err := c.redis.SetNX(ctx, key, markerProcessing, c.claimTTL).Result()
	if err != nil {
		return fmt.Errorf("claim event %s: %w", env.EventID, err)
	}
	if !claimed {
		state, err := c.redis.Get(ctx, key).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("read event marker %s: %w", env.EventID, err)
		}
		if state == markerDone {
			c.logger.Debug("duplicate event skipped", slog.String("event_id", env.EventID))
			return nil
		}
		return ErrEventInFlight
	}

	c.mu.RLock()
	handlers := append([]EventHandler(nil), c.handlers[env.Type]...)
	c.mu.RUnlock()

	for _, h := range handlers {
		if err := h(ctx, env); err != nil {
			// Release the claim so the retry can run the handlers again.
			_ = c.redis.Del(context.WithoutCancel(ctx), key).Err()
			return err
		}
	}
	if err := c.redis.Set(ctx, key, markerDone, c.ttl).Err(); err != nil {
		return fmt.Errorf("mark event %s: %w", env.EventID, err)
	}
	return nil
}

// LogVoucherEvent is the default subscriber recording delivered posting events.
func LogVoucherEvent(l *slog.Logger) EventHandler {
	log := logger(l)
	return func(ctx context.Context, env outbox.Envelope) error {
		var payload posting.VoucherEvent
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return fmt.Errorf("decode %s payload: %w", env.Type, asynq.SkipRetry)
		}
		log.Info("integration event delivered",
			slog.String("event_id", env.EventID),
			slog.String("type", env.Type),
			slog.Int64("company_id", payload.CompanyID),
			slog.Int64("voucher_id", payload.VoucherID),
			slog.String("number", payload.DisplayNumber),
		)
		return nil
	}
}
