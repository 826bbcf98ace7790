// Package outbox stores integration events in the posting transaction and
// publishes them afterwards with at-least-once delivery.
package outbox

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Status tracks an event through dispatch.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusPublished  Status = "PUBLISHED"
	StatusFailed     Status = "FAILED"
	StatusDead       Status = "DEAD"
)

// Event types emitted by the posting service.
const (
	EventVoucherPosted   = "voucher.posted"
	EventVoucherReversed = "voucher.reversed"
)

// Event is a row of integration_events.
type Event struct {
	ID            int64
	EventID       uuid.UUID
	Type          string
	AggregateID   int64
	Payload       json.RawMessage
	EmittedAt     time.Time
	Status        Status
	Attempts      int
	NextAttemptAt time.Time
	LastError     string
}

// Envelope is the message handed to the transport.
type Envelope struct {
	EventID     string          `json:"event_id"`
	Type        string          `json:"type"`
	AggregateID int64           `json:"aggregate_id"`
	EmittedAt   time.Time       `json:"emitted_at"`
	Payload     json.RawMessage `json:"payload"`
}

// NewEvent marshals payload into a fresh PENDING event.
func NewEvent(eventType string, aggregateID int64, payload any, at time.Time) (Event, error) {
	if eventType == "" {
		return Event{}, errors.New("outbox: event type required")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{
		EventID:       uuid.New(),
		Type:          eventType,
		AggregateID:   aggregateID,
		Payload:       body,
		EmittedAt:     at,
		Status:        StatusPending,
		NextAttemptAt: at,
	}, nil
}

// Envelope converts the event to its transport representation.
func (e Event) Envelope() Envelope {
	return Envelope{
		EventID:     e.EventID.String(),
		Type:        e.Type,
		AggregateID: e.AggregateID,
		EmittedAt:   e.EmittedAt,
		Payload:     e.Payload,
	}
}
