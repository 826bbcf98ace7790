package shared

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

type recordingExecer struct {
	sql  string
	args []any
}

func (r *recordingExecer) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	r.sql = sql
	r.args = args
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func TestAuditLoggerRecord(t *testing.T) {
	db := &recordingExecer{}
	err := NewAuditLogger(db).Record(context.Background(), AuditLog{
		ActorID:  7,
		Action:   "POST_VOUCHER",
		Entity:   "voucher",
		EntityID: "42",
		Meta:     map[string]any{"voucher_number": "JV/25-26/00001"},
	})
	require.NoError(t, err)
	require.Contains(t, db.sql, "INSERT INTO audit_logs")
	require.Len(t, db.args, 6)
	require.JSONEq(t, `{"voucher_number":"JV/25-26/00001"}`, string(db.args[4].([]byte)))
}

func TestAuditLoggerRejectsIncompleteEntries(t *testing.T) {
	db := &recordingExecer{}
	require.Error(t, NewAuditLogger(db).Record(context.Background(), AuditLog{Action: "POST_VOUCHER"}))
	require.Empty(t, db.sql)

	var nilLogger *AuditLogger
	require.Error(t, nilLogger.Record(context.Background(), AuditLog{Action: "a", Entity: "b", EntityID: "c"}))
}

func TestIdempotencyScope(t *testing.T) {
	require.Equal(t, "company:3:post_voucher", IdempotencyScope(3, "post_voucher"))
}

func TestIsUniqueViolation(t *testing.T) {
	require.True(t, IsUniqueViolation(&pgconn.PgError{Code: "23505"}))
	require.False(t, IsUniqueViolation(&pgconn.PgError{Code: "40001"}))
}
