package shared

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Querier is satisfied by pgx.Tx and *pgxpool.Pool.
type Querier interface {
	Execer
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// IdempotencyStore persists (scope, key) reservations and the voucher they resolved to.
type IdempotencyStore struct {
	db Querier
}

// NewIdempotencyStore constructs the store. Reservations made through a
// transaction become visible to other callers only when it commits.
func NewIdempotencyStore(db Querier) *IdempotencyStore {
	return &IdempotencyStore{db: db}
}

var (
	// ErrIdempotencyKeyRequired indicates an empty scope or key.
	ErrIdempotencyKeyRequired = errors.New("idempotency scope and key required")
	// ErrIdempotencyPending indicates the key is reserved but holds no result.
	ErrIdempotencyPending = errors.New("idempotent request still in progress")
)

// IdempotencyScope builds the scope under which keys of one operation are unique.
func IdempotencyScope(companyID int64, operation string) string {
	return fmt.Sprintf("company:%d:%s", companyID, operation)
}

// Reserve claims (scope, key). If another transaction holds an uncommitted
// reservation, the insert waits for it. When the key already resolved to a
// voucher, that voucher id is returned with found set.
func (s *IdempotencyStore) Reserve(ctx context.Context, scope, key string) (int64, bool, error) {
	if s == nil || s.db == nil {
		return 0, false, errors.New("idempotency store not initialised")
	}
	if scope == "" || key == "" {
		return 0, false, ErrIdempotencyKeyRequired
	}
	tag, err := s.db.Exec(ctx, `INSERT INTO idempotency_keys (scope, key, created_at) VALUES ($1, $2, NOW()) ON CONFLICT (scope, key) DO NOTHING`, scope, key)
	if err != nil {
		return 0, false, err
	}
	if tag.RowsAffected() == 1 {
		return 0, false, nil
	}
	var voucherID *int64
	err = s.db.QueryRow(ctx, `SELECT voucher_id FROM idempotency_keys WHERE scope = $1 AND key = $2`, scope, key).Scan(&voucherID)
	if err != nil {
		return 0, false, err
	}
	if voucherID == nil {
		return 0, false, ErrIdempotencyPending
	}
	return *voucherID, true, nil
}

// Complete stores the voucher a reservation resolved to.
func (s *IdempotencyStore) Complete(ctx context.Context, scope, key string, voucherID int64) error {
	if s == nil || s.db == nil {
		return errors.New("idempotency store not initialised")
	}
	tag, err := s.db.Exec(ctx, `UPDATE idempotency_keys SET voucher_id = $3, completed_at = NOW() WHERE scope = $1 AND key = $2`, scope, key, voucherID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("idempotency key %s/%s not reserved", scope, key)
	}
	return nil
}

// Cleanup removes entries older than retention and returns how many were deleted.
func (s *IdempotencyStore) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	cutoff := time.Now().Add(-olderThan)
	tag, err := s.db.Exec(ctx, `DELETE FROM idempotency_keys WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// IsUniqueViolation reports whether err is a PostgreSQL unique constraint violation.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
