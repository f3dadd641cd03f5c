package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Dialect isolates everything that differs between PostgreSQL and SQLite:
// placeholder syntax, DDL types, array encoding, IN-list expansion, error
// mapping and database provisioning.
type Dialect interface {
	// Name returns "postgres" or "sqlite".
	Name() string

	// DriverName returns the database/sql driver name ("pgx" or "sqlite").
	DriverName() string

	// Placeholder returns the parameter placeholder for a 1-based index.
	Placeholder(index int) string

	// NewParamBuilder creates a dialect-aware parameter accumulator.
	NewParamBuilder() ParamBuilder

	// NowExpr is the SQL expression for the current timestamp.
	NowExpr() string

	// UUIDDefault is the DDL DEFAULT clause for generated UUID keys, or
	// empty when UUIDs must come from the application.
	UUIDDefault() string

	// ColumnType maps a field type to the DDL column type.
	ColumnType(fieldType string, precision int) string

	// SystemTablesSQL is the DDL script for all per-app management tables.
	SystemTablesSQL() string

	// PlatformTablesSQL is the DDL script for the management database.
	PlatformTablesSQL() string

	TableExists(ctx context.Context, db *sql.DB, tableName string) (bool, error)

	// GetColumns returns existing column names and types for a table.
	GetColumns(ctx context.Context, db *sql.DB, tableName string) (map[string]string, error)

	// SoftDeleteIndexSQL is the partial-index statement backing soft-delete
	// filtered reads.
	SoftDeleteIndexSQL(table string) string

	// InExpr renders an IN filter. PostgreSQL binds one array parameter
	// ("field = ANY($n)"); SQLite expands the slice into placeholders.
	// An empty list renders a clause matching no rows.
	InExpr(field string, pb ParamBuilder, values []any) string

	// NotInExpr is the negation of InExpr; an empty list matches all rows.
	NotInExpr(field string, pb ParamBuilder, values []any) string

	// IntervalDeleteExpr renders "older than N days" for retention deletes.
	IntervalDeleteExpr(createdAtCol string, pb ParamBuilder, days string) string

	// ArrayParam encodes a string slice for a bind parameter: native TEXT[]
	// on PostgreSQL, JSON text on SQLite.
	ArrayParam(values []string) any

	// ScanArray decodes a stored array column back into []string.
	ScanArray(src any) ([]string, error)

	// FilterCountExpr renders a conditional count aggregate.
	FilterCountExpr(condition string) string

	// SyncCommitOff returns the statement relaxing commit durability inside
	// a transaction, or empty when the dialect has none.
	SyncCommitOff() string

	SupportsPercentile() bool

	// PercentileExpr renders percentile_cont, or empty when unsupported.
	PercentileExpr(pct float64, orderCol string) string

	// CreateDatabase provisions a database (PostgreSQL) or file (SQLite).
	CreateDatabase(ctx context.Context, db *sql.DB, name string, dataDir string) error

	DropDatabase(ctx context.Context, db *sql.DB, name string, dataDir string) error

	// MapError converts driver errors to sentinels like ErrUniqueViolation.
	MapError(err error) error

	// NeedsBoolFix reports whether boolean columns come back as integers.
	NeedsBoolFix() bool
}

// ParamBuilder accumulates bind parameters while SQL text is assembled.
type ParamBuilder interface {
	// Add appends a value and returns its placeholder.
	Add(v any) string

	// Params returns the accumulated values in placeholder order.
	Params() []any

	// Count returns how many parameters have been added.
	Count() int
}

// NewDialect returns the Dialect for a driver name.
func NewDialect(driver string) Dialect {
	switch driver {
	case "sqlite":
		return &SQLiteDialect{}
	default:
		return &PostgresDialect{}
	}
}

type pgParamBuilder struct {
	params []any
	n      int
}

func (p *pgParamBuilder) Add(v any) string {
	p.n++
	p.params = append(p.params, v)
	return fmt.Sprintf("$%d", p.n)
}

func (p *pgParamBuilder) Params() []any { return p.params }
func (p *pgParamBuilder) Count() int    { return p.n }

type sqliteParamBuilder struct {
	params []any
	n      int
}

func (p *sqliteParamBuilder) Add(v any) string {
	p.n++
	p.params = append(p.params, v)
	return fmt.Sprintf("?%d", p.n)
}

func (p *sqliteParamBuilder) Params() []any { return p.params }
func (p *sqliteParamBuilder) Count() int    { return p.n }
