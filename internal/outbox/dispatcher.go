package outbox

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

// Store is the persistence the dispatcher needs.
type Store interface {
	Claim(ctx context.Context, workerID string, limit int, staleAfter time.Duration, now time.Time) ([]Event, error)
	MarkPublished(ctx context.Context, id int64, at time.Time) error
	MarkFailed(ctx context.Context, id int64, cause string, nextAttempt time.Time, dead bool) error
}

// Publisher hands an event to the transport. Returning nil means the
// transport accepted the event.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// DispatcherConfig tunes polling and retry behaviour.
type DispatcherConfig struct {
	BatchSize      int
	PollInterval   time.Duration
	LockTimeout    time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 20
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 5 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Minute
	}
	return c
}

// Dispatcher moves PENDING events to the publisher.
type Dispatcher struct {
	store     Store
	publisher Publisher
	cfg       DispatcherConfig
	logger    *slog.Logger
	workerID  string
	wake      chan struct{}
	now       func() time.Time
	metrics   *dispatcherMetrics
}

// NewDispatcher constructs a Dispatcher. registerer may be nil.
func NewDispatcher(store Store, publisher Publisher, cfg DispatcherConfig, logger *slog.Logger, registerer prometheus.Registerer) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:     store,
		publisher: publisher,
		cfg:       cfg.withDefaults(),
		logger:    logger,
		workerID:  "dispatcher-" + uuid.NewString(),
		wake:      make(chan struct{}, 1),
		now:       time.Now,
		metrics:   newDispatcherMetrics(registerer),
	}
}

// WithNow overrides the clock for testing.
func (d *Dispatcher) WithNow(now func() time.Time) {
	if now != nil {
		d.now = now
	}
}

// Notify asks the dispatcher to poll without waiting for the next tick.
func (d *Dispatcher) Notify() {
	if d == nil {
		return
	}
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Run polls until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	if d == nil || d.store == nil || d.publisher == nil {
		return errors.New("outbox: dispatcher not configured")
	}
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()
	d.logger.Info("outbox dispatcher started", slog.String("worker", d.workerID))
	for {
		for {
			n, err := d.DispatchOnce(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				d.logger.Error("outbox dispatch", slog.Any("error", err))
				break
			}
			if n < d.cfg.BatchSize {
				break
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-d.wake:
		}
	}
}

// DispatchOnce claims one batch and publishes it. It returns the number of
// events claimed.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	events, err := d.store.Claim(ctx, d.workerID, d.cfg.BatchSize, d.cfg.LockTimeout, d.now())
	if err != nil {
		return 0, err
	}
	for _, evt := range events {
		d.dispatch(ctx, evt)
	}
	return len(events), nil
}

func (d *Dispatcher) dispatch(ctx context.Context, evt Event) {
	if err := d.publisher.Publish(ctx, evt); err != nil {
		dead := evt.Attempts >= d.cfg.MaxAttempts
		next := d.now().Add(d.Backoff(evt.Attempts))
		if markErr := d.store.MarkFailed(ctx, evt.ID, err.Error(), next, dead); markErr != nil {
			d.logger.Error("outbox mark failed", slog.Int64("event", evt.ID), slog.Any("error", markErr))
		}
		status := StatusFailed
		if dead {
			status = StatusDead
		}
		d.metrics.observe(evt.Type, status)
		d.logger.Warn("outbox publish failed",
			slog.Int64("event", evt.ID),
			slog.String("type", evt.Type),
			slog.Int("attempts", evt.Attempts),
			slog.Bool("dead", dead),
			slog.Any("error", err))
		return
	}
	if err := d.store.MarkPublished(ctx, evt.ID, d.now()); err != nil {
		// The claim expires and the event is sent again; consumers dedupe on event id.
		d.logger.Error("outbox mark published", slog.Int64("event", evt.ID), slog.Any("error", err))
		return
	}
	d.metrics.observe(evt.Type, StatusPublished)
}

// Backoff returns the delay before the next attempt after the given number of
// attempts.
func (d *Dispatcher) Backoff(attempts int) time.Duration {
	delay := d.cfg.InitialBackoff
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= d.cfg.MaxBackoff {
			return d.cfg.MaxBackoff
		}
	}
	return delay
}

type dispatcherMetrics struct {
	events *prometheus.CounterVec
}

func newDispatcherMetrics(registerer prometheus.Registerer) *dispatcherMetrics {
	if registerer == nil {
		return nil
	}
	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_outbox_events_total",
		Help: "Outbox events settled by the dispatcher, by type and result status.",
	}, []string{"type", "status"})
	if err := registerer.Register(events); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			events = already.ExistingCollector.(*prometheus.CounterVec)
		} else {
			return nil
		}
	}
	return &dispatcherMetrics{events: events}
}

func (m *dispatcherMetrics) observe(eventType string, status Status) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(eventType, string(status)).Inc()
}
