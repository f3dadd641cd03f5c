// Package store owns database access: connection setup per dialect, row
// mapping helpers, the schema migrator and management-table bootstrap.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver "pgx"
	_ "modernc.org/sqlite"             // database/sql driver "sqlite"

	"fabrica/internal/config"
)

var ErrNotFound = errors.New("not found")
var ErrUniqueViolation = errors.New("unique constraint violation")

// Querier is satisfied by both *sql.DB and *sql.Tx, so query helpers work
// inside and outside transactions.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Store pairs a database handle with its dialect.
type Store struct {
	DB      *sql.DB
	Dialect Dialect
	driver  string
	dataDir string // sqlite only: directory holding .db files
}

// New opens a connection for the configured driver. SQLite runs with WAL,
// foreign keys on and a single writer connection.
func New(ctx context.Context, cfg config.DatabaseConfig) (*Store, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = "postgres"
	}

	dialect := NewDialect(driver)
	db, err := sql.Open(dialect.DriverName(), cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	switch driver {
	case "postgres":
		if cfg.PoolSize > 0 {
			db.SetMaxOpenConns(cfg.PoolSize)
		}
	case "sqlite":
		db.SetMaxOpenConns(1)
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable WAL: %w", err)
		}
		if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable foreign keys: %w", err)
		}
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return &Store{DB: db, Dialect: dialect, driver: driver, dataDir: cfg.Path}, nil
}

// NewWithPoolSize opens a connection with an explicit pool size, used for
// per-app pools which are smaller than the management pool.
func NewWithPoolSize(ctx context.Context, cfg config.DatabaseConfig, poolSize int) (*Store, error) {
	override := cfg
	override.PoolSize = poolSize
	return New(ctx, override)
}

// ConfigForDB returns a copy of cfg pointing at a different database name.
func ConfigForDB(cfg config.DatabaseConfig, dbName string) config.DatabaseConfig {
	c := cfg
	c.Name = dbName
	return c
}

// DataDir returns the sqlite data directory.
func (s *Store) DataDir() string {
	return s.dataDir
}

func (s *Store) Close() {
	s.DB.Close()
}

func (s *Store) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.DB.BeginTx(ctx, nil)
}

// QueryRows runs a query and returns the rows as []map[string]any with
// driver-specific values normalized for JSON serialization.
func QueryRows(ctx context.Context, q Querier, sqlStr string, args ...any) ([]map[string]any, error) {
	rows, err := q.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("get columns: %w", err)
	}

	var results []map[string]any
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		row := make(map[string]any, len(columns))
		for i, col := range columns {
			row[col] = normalizeValue(values[i])
		}
		results = append(results, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return results, nil
}

// QueryRow runs a query expecting one row; ErrNotFound when there is none.
func QueryRow(ctx context.Context, q Querier, sqlStr string, args ...any) (map[string]any, error) {
	rows, err := QueryRows(ctx, q, sqlStr, args...)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return rows[0], nil
}

// Exec runs a statement and returns the number of rows affected.
func Exec(ctx context.Context, q Querier, sqlStr string, args ...any) (int64, error) {
	result, err := q.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return 0, fmt.Errorf("exec: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

// MapError translates a driver error into a sentinel via the dialect.
func MapError(dialect Dialect, err error) error {
	if err == nil {
		return nil
	}
	return dialect.MapError(err)
}

// normalizeValue converts driver types into JSON-friendly Go values. TEXT
// timestamps from sqlite are promoted to time.Time so both dialects present
// the same shapes to callers.
func normalizeValue(v any) any {
	switch val := v.(type) {
	case []byte:
		s := string(val)
		if t, err := time.Parse("2006-01-02 15:04:05", s); err == nil {
			return t
		}
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t
		}
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t
		}
		return s
	default:
		return v
	}
}

// NormalizeBooleans rewrites integer 0/1 values to bool for the named
// fields. SQLite stores BOOLEAN columns as INTEGER.
func NormalizeBooleans(rows []map[string]any, boolFields []string) {
	if len(boolFields) == 0 || len(rows) == 0 {
		return
	}
	boolSet := make(map[string]bool, len(boolFields))
	for _, f := range boolFields {
		boolSet[f] = true
	}
	for _, row := range rows {
		for k, v := range row {
			if !boolSet[k] {
				continue
			}
			switch val := v.(type) {
			case int64:
				row[k] = val != 0
			case int:
				row[k] = val != 0
			case float64:
				row[k] = val != 0
			}
		}
	}
}

// CreateDatabase provisions a new database (or sqlite file) for an app.
func CreateDatabase(ctx context.Context, s *Store, dbName string) error {
	return s.Dialect.CreateDatabase(ctx, s.DB, dbName, s.dataDir)
}

// DropDatabase removes an app database.
func DropDatabase(ctx context.Context, s *Store, dbName string) error {
	return s.Dialect.DropDatabase(ctx, s.DB, dbName, s.dataDir)
}
