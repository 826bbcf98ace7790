package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-posting/internal/outbox"
	"github.com/odyssey-erp/odyssey-posting/internal/posting"
)

type stubEnqueuer struct {
	tasks []*asynq.Task
	opts  [][]asynq.Option
	err   error
}

func (s *stubEnqueuer) EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	s.tasks = append(s.tasks, task)
	s.opts = append(s.opts, opts)
	if s.err != nil {
		return nil, s.err
	}
	return &asynq.TaskInfo{ID: "t-1", Type: task.Type(), Queue: QueueEvents}, nil
}

func (s *stubEnqueuer) Close() error { return nil }

func voucherEvent(t *testing.T) outbox.Event {
	t.Helper()
	evt, err := outbox.NewEvent(outbox.EventVoucherPosted, 11, posting.VoucherEvent{
		VoucherID:     11,
		CompanyID:     1,
		DisplayNumber: "JV/25-26/00001",
	}, time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	return evt
}

func TestEventPublisherEnqueuesEnvelope(t *testing.T) {
	enq := &stubEnqueuer{}
	evt := voucherEvent(t)

	require.NoError(t, NewEventPublisher(enq).Publish(context.Background(), evt))
	require.Len(t, enq.tasks, 1)
	require.Equal(t, TaskIntegrationEvent, enq.tasks[0].Type())

	var env outbox.Envelope
	require.NoError(t, json.Unmarshal(enq.tasks[0].Payload(), &env))
	require.Equal(t, evt.EventID.String(), env.EventID)
	require.Equal(t, outbox.EventVoucherPosted, env.Type)
}

func TestEventPublisherTreatsDuplicatesAsDelivered(t *testing.T) {
	for _, dup := range []error{asynq.ErrTaskIDConflict, asynq.ErrDuplicateTask} {
		enq := &stubEnqueuer{err: dup}
		require.NoError(t, NewEventPublisher(enq).Publish(context.Background(), voucherEvent(t)))
	}

	enq := &stubEnqueuer{err: errors.New("redis down")}
	require.Error(t, NewEventPublisher(enq).Publish(context.Background(), voucherEvent(t)))

	var nilPublisher *EventPublisher
	require.Error(t, nilPublisher.Publish(context.Background(), voucherEvent(t)))
}

func newConsumer(t *testing.T) (*EventConsumer, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewEventConsumer(client, time.Hour, nil), mr
}

func eventTask(t *testing.T, evt outbox.Event) *asynq.Task {
	t.Helper()
	body, err := json.Marshal(evt.Envelope())
	require.NoError(t, err)
	return asynq.NewTask(TaskIntegrationEvent, body)
}

func TestEventConsumerDeliversOnce(t *testing.T) {
	consumer, mr := newConsumer(t)
	calls := 0
	consumer.Subscribe(outbox.EventVoucherPosted, func(ctx context.Context, env outbox.Envelope) error {
		calls++
		return nil
	})
	evt := voucherEvent(t)
	task := eventTask(t, evt)

	require.NoError(t, consumer.Handle(context.Background(), task))
	require.NoError(t, consumer.Handle(context.Background(), task))
	require.Equal(t, 1, calls)

	marker, err := mr.Get(DedupeKey(evt.EventID.String()))
	require.NoError(t, err)
	require.Equal(t, markerDone, marker)
	require.InDelta(t, time.Hour.Seconds(), mr.TTL(DedupeKey(evt.EventID.String())).Seconds(), 1)
}

func TestEventConsumerReleasesClaimOnFailure(t *testing.T) {
	consumer, mr := newConsumer(t)
	fail := true
	calls := 0
	consumer.Subscribe(outbox.EventVoucherPosted, func(ctx context.Context, env outbox.Envelope) error {
		calls++
		if fail {
			return errors.New("downstream unavailable")
		}
		return nil
	})
	evt := voucherEvent(t)
	task := eventTask(t, evt)

	require.Error(t, consumer.Handle(context.Background(), task))
	require.False(t, mr.Exists(DedupeKey(evt.EventID.String())))

	fail = false
	require.NoError(t, consumer.Handle(context.Background(), task))
	require.Equal(t, 2, calls)
}

func TestEventConsumerInFlight(t *testing.T) {
	consumer, mr := newConsumer(t)
	evt := voucherEvent(t)
	require.NoError(t, mr.Set(DedupeKey(evt.EventID.String()), markerProcessing))

	err := consumer.Handle(context.Background(), eventTask(t, evt))
	require.ErrorIs(t, err, ErrEventInFlight)
}

func TestEventConsumerSkipsMalformedPayload(t *testing.T) {
	consumer, _ := newConsumer(t)
	err := consumer.Handle(context.Background(), asynq.NewTask(TaskIntegrationEvent, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)

	err = consumer.Handle(context.Background(), asynq.NewTask(TaskIntegrationEvent, []byte(`{"type":"voucher.posted"}`)))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

func TestLogVoucherEvent(t *testing.T) {
	h := LogVoucherEvent(nil)
	evt := voucherEvent(t)
	require.NoError(t, h(context.Background(), evt.Envelope()))

	err := h(context.Background(), outbox.Envelope{Type: outbox.EventVoucherPosted, Payload: json.RawMessage(`"nope"`)})
	require.ErrorIs(t, err, asynq.SkipRetry)
}
