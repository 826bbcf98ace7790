package outbox

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Execer is satisfied by pgx.Tx and *pgxpool.Pool.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Insert writes a PENDING event using the caller's transaction.
func Insert(ctx context.Context, db Execer, e Event) error {
	if db == nil {
		return errors.New("outbox: no executor")
	}
	_, err := db.Exec(ctx, `INSERT INTO integration_events (event_id, event_type, aggregate_id, payload, emitted_at, status, attempts, next_attempt_at)
VALUES ($1, $2, $3, $4, $5, 'PENDING', 0, $5)`, e.EventID, e.Type, e.AggregateID, []byte(e.Payload), e.EmittedAt)
	return err
}

// Repository claims and settles events for the dispatcher.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const claimSQL = `WITH picked AS (
	SELECT id FROM integration_events
	WHERE (status IN ('PENDING', 'FAILED') AND next_attempt_at <= $1)
	   OR (status = 'PROCESSING' AND locked_at < $2)
	ORDER BY id
	LIMIT $3
	FOR UPDATE SKIP LOCKED
)
UPDATE integration_events e
SET status = 'PROCESSING', locked_at = $1, locked_by = $4, attempts = e.attempts + 1
FROM picked
WHERE e.id = picked.id
RETURNING e.id, e.event_id, e.event_type, e.aggregate_id, e.payload, e.emitted_at, e.attempts`

// Claim marks up to limit due events PROCESSING for workerID. Events whose
// claim is older than staleAfter are taken over.
func (r *Repository) Claim(ctx context.Context, workerID string, limit int, staleAfter time.Duration, now time.Time) ([]Event, error) {
	rows, err := r.pool.Query(ctx, claimSQL, now, now.Add(-staleAfter), limit, workerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var events []Event
	for rows.Next() {
		var e Event
		var payload []byte
		if err := rows.Scan(&e.ID, &e.EventID, &e.Type, &e.AggregateID, &payload, &e.EmittedAt, &e.Attempts); err != nil {
			return nil, err
		}
		e.Payload = payload
		e.Status = StatusProcessing
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(events, func(i, j int) bool { return events[i].ID < events[j].ID })
	return events, nil
}

// MarkPublished settles a delivered event.
func (r *Repository) MarkPublished(ctx context.Context, id int64, at time.Time) error {
	_, err := r.pool.Exec(ctx, `UPDATE integration_events SET status = 'PUBLISHED', published_at = $2, locked_at = NULL, locked_by = NULL, last_error = NULL WHERE id = $1`, id, at)
	return err
}

// MarkFailed schedules a retry, or parks the event as DEAD.
func (r *Repository) MarkFailed(ctx context.Context, id int64, cause string, nextAttempt time.Time, dead bool) error {
	status := StatusFailed
	if dead {
		status = StatusDead
	}
	_, err := r.pool.Exec(ctx, `UPDATE integration_events SET status = $2, last_error = $3, next_attempt_at = $4, locked_at = NULL, locked_by = NULL WHERE id = $1`, id, status, cause, nextAttempt)
	return err
}

// Get loads a single event, used by tooling and tests.
func (r *Repository) Get(ctx context.Context, id int64) (Event, error) {
	var e Event
	var payload []byte
	var lastErr *string
	err := r.pool.QueryRow(ctx, `SELECT id, event_id, event_type, aggregate_id, payload, emitted_at, status, attempts, next_attempt_at, last_error FROM integration_events WHERE id = $1`, id).
		Scan(&e.ID, &e.EventID, &e.Type, &e.AggregateID, &payload, &e.EmittedAt, &e.Status, &e.Attempts, &e.NextAttemptAt, &lastErr)
	if errors.Is(err, pgx.ErrNoRows) {
		return Event{}, ErrEventNotFound
	}
	if err != nil {
		return Event{}, err
	}
	e.Payload = payload
	if lastErr != nil {
		e.LastError = *lastErr
	}
	return e, nil
}

// CountByStatus summarises the outbox for health reporting.
func (r *Repository) CountByStatus(ctx context.Context) (map[Status]int64, error) {
	rows, err := r.pool.Query(ctx, `SELECT status, COUNT(*) FROM integration_events GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[Status]int64)
	for rows.Next() {
		var s Status
		var n int64
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		out[s] = n
	}
	return out, rows.Err()
}

// ErrEventNotFound indicates the event row does not exist.
var ErrEventNotFound = errors.New("outbox: event not found")
