package store

import (
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresMapErrorUniqueViolation(t *testing.T) {
	dialect := &PostgresDialect{}
	pgErr := &pgconn.PgError{
		Code:           "23505",
		Message:        `duplicate key value violates unique constraint "idx_users_email"`,
		ConstraintName: "idx_users_email",
		Detail:         "Key (email)=(dup@test.com) already exists.",
	}
	mapped := MapError(dialect, fmt.Errorf("exec: %w", pgErr))

	require.ErrorIs(t, mapped, ErrUniqueViolation)

	// The driver error must remain extractable for detail reporting.
	var extracted *pgconn.PgError
	require.ErrorAs(t, mapped, &extracted)
	assert.Equal(t, "idx_users_email", extracted.ConstraintName)
}

func TestPostgresMapErrorPassthrough(t *testing.T) {
	dialect := &PostgresDialect{}
	err := fmt.Errorf("connection refused")
	assert.Equal(t, err, MapError(dialect, err))
	assert.NoError(t, MapError(dialect, nil))
}

func TestSQLiteMapErrorUniqueViolation(t *testing.T) {
	dialect := &SQLiteDialect{}
	err := fmt.Errorf("constraint failed: UNIQUE constraint failed: invoices.number (2067)")
	require.ErrorIs(t, MapError(dialect, err), ErrUniqueViolation)
	assert.NoError(t, MapError(dialect, nil))
}

func TestParamBuilders(t *testing.T) {
	pg := (&PostgresDialect{}).NewParamBuilder()
	assert.Equal(t, "$1", pg.Add("a"))
	assert.Equal(t, "$2", pg.Add(2))
	assert.Equal(t, []any{"a", 2}, pg.Params())
	assert.Equal(t, 2, pg.Count())

	sq := (&SQLiteDialect{}).NewParamBuilder()
	assert.Equal(t, "?1", sq.Add("a"))
	assert.Equal(t, "?2", sq.Add(2))
	assert.Equal(t, 2, sq.Count())
}

func TestInExpr(t *testing.T) {
	pgd := &PostgresDialect{}
	pb := pgd.NewParamBuilder()
	expr := pgd.InExpr("status", pb, []any{"a", "b"})
	assert.Equal(t, "status = ANY($1)", expr)
	assert.Equal(t, 1, pb.Count(), "postgres binds the whole list as one array")

	sqd := &SQLiteDialect{}
	pb = sqd.NewParamBuilder()
	expr = sqd.InExpr("status", pb, []any{"a", "b"})
	assert.Equal(t, "status IN (?1, ?2)", expr)

	// Empty lists must never render invalid SQL.
	pb = sqd.NewParamBuilder()
	assert.Equal(t, "1=0", sqd.InExpr("status", pb, nil))
	assert.Equal(t, "1=1", sqd.NotInExpr("status", pb, nil))
}

func TestScanArray(t *testing.T) {
	pgd := &PostgresDialect{}
	got, err := pgd.ScanArray("{admin,editor}")
	require.NoError(t, err)
	assert.Equal(t, []string{"admin", "editor"}, got)

	got, err = pgd.ScanArray(nil)
	require.NoError(t, err)
	assert.Empty(t, got)

	sqd := &SQLiteDialect{}
	got, err = sqd.ScanArray(`["admin","editor"]`)
	require.NoError(t, err)
	assert.Equal(t, []string{"admin", "editor"}, got)

	assert.Equal(t, `["admin"]`, sqd.ArrayParam([]string{"admin"}))
	assert.Equal(t, "[]", sqd.ArrayParam(nil))
}

func TestColumnTypes(t *testing.T) {
	pgd := &PostgresDialect{}
	assert.Equal(t, "NUMERIC(18,2)", pgd.ColumnType("decimal", 2))
	assert.Equal(t, "TIMESTAMPTZ", pgd.ColumnType("timestamp", 0))
	assert.Equal(t, "UUID", pgd.ColumnType("file", 0))

	sqd := &SQLiteDialect{}
	assert.Equal(t, "REAL", sqd.ColumnType("decimal", 2))
	assert.Equal(t, "TEXT", sqd.ColumnType("timestamp", 0))
	assert.Equal(t, "INTEGER", sqd.ColumnType("boolean", 0))
}
