package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"fabrica/internal/metadata"
)

// Migrator keeps entity tables in sync with their definitions. It only ever
// adds: new tables, new columns, new indexes. Nothing is dropped or
// retyped, so a bad definition cannot destroy data.
type Migrator struct {
	store *Store
}

func NewMigrator(store *Store) *Migrator {
	return &Migrator{store: store}
}

// Migrate creates the entity's table if missing, otherwise adds any columns
// and indexes the definition has gained.
func (m *Migrator) Migrate(ctx context.Context, entity *metadata.Entity) error {
	exists, err := m.store.Dialect.TableExists(ctx, m.store.DB, entity.Table)
	if err != nil {
		return fmt.Errorf("check table exists: %w", err)
	}
	if !exists {
		return m.createTable(ctx, entity)
	}
	return m.alterTable(ctx, entity)
}

// MigrateJoinTable creates the join table for a many-to-many relation.
func (m *Migrator) MigrateJoinTable(ctx context.Context, rel *metadata.Relation, sourceEntity, targetEntity *metadata.Entity) error {
	exists, err := m.store.Dialect.TableExists(ctx, m.store.DB, rel.JoinTable)
	if err != nil {
		return fmt.Errorf("check join table exists: %w", err)
	}
	if exists {
		return nil
	}

	sourceField := sourceEntity.GetField(rel.SourceKey)
	targetField := targetEntity.GetField(targetEntity.PrimaryKey.Field)
	if sourceField == nil || targetField == nil {
		return fmt.Errorf("cannot resolve key types for join table %s", rel.JoinTable)
	}

	sqlStr := fmt.Sprintf(
		`CREATE TABLE %s (
			%s %s NOT NULL,
			%s %s NOT NULL,
			PRIMARY KEY (%s, %s)
		)`,
		rel.JoinTable,
		rel.SourceJoinKey, m.store.Dialect.ColumnType(sourceField.Type, sourceField.Precision),
		rel.TargetJoinKey, m.store.Dialect.ColumnType(targetField.Type, targetField.Precision),
		rel.SourceJoinKey, rel.TargetJoinKey,
	)
	if _, err := m.store.DB.ExecContext(ctx, sqlStr); err != nil {
		return fmt.Errorf("create join table %s: %w", rel.JoinTable, err)
	}
	return nil
}

func (m *Migrator) createTable(ctx context.Context, entity *metadata.Entity) error {
	var cols []string
	for i := range entity.Fields {
		cols = append(cols, m.buildColumnDef(entity, &entity.Fields[i]))
	}

	if entity.SoftDelete && entity.GetField("deleted_at") == nil {
		cols = append(cols, "deleted_at "+m.store.Dialect.ColumnType("timestamp", 0))
	}

	sqlStr := fmt.Sprintf("CREATE TABLE %s (\n  %s\n)", entity.Table, strings.Join(cols, ",\n  "))
	if _, err := m.store.DB.ExecContext(ctx, sqlStr); err != nil {
		return fmt.Errorf("create table %s: %w", entity.Table, err)
	}

	if err := m.createIndexes(ctx, entity); err != nil {
		return fmt.Errorf("create indexes for %s: %w", entity.Table, err)
	}
	return nil
}

func (m *Migrator) alterTable(ctx context.Context, entity *metadata.Entity) error {
	existing, err := m.store.Dialect.GetColumns(ctx, m.store.DB, entity.Table)
	if err != nil {
		return fmt.Errorf("get columns for %s: %w", entity.Table, err)
	}

	for _, f := range entity.Fields {
		if _, ok := existing[f.Name]; ok {
			continue
		}
		colType := m.store.Dialect.ColumnType(f.Type, f.Precision)
		notNull := ""
		if f.Required && !f.Nullable {
			// Existing rows need a value for the new NOT NULL column.
			notNull = " NOT NULL DEFAULT ''"
		}
		sqlStr := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s%s", entity.Table, f.Name, colType, notNull)
		if _, err := m.store.DB.ExecContext(ctx, sqlStr); err != nil {
			return fmt.Errorf("add column %s.%s: %w", entity.Table, f.Name, err)
		}
	}

	if entity.SoftDelete {
		if _, ok := existing["deleted_at"]; !ok {
			sqlStr := fmt.Sprintf("ALTER TABLE %s ADD COLUMN deleted_at %s",
				entity.Table, m.store.Dialect.ColumnType("timestamp", 0))
			if _, err := m.store.DB.ExecContext(ctx, sqlStr); err != nil {
				return fmt.Errorf("add deleted_at column to %s: %w", entity.Table, err)
			}
		}
	}

	if err := m.createIndexes(ctx, entity); err != nil {
		return fmt.Errorf("create indexes for %s: %w", entity.Table, err)
	}
	return nil
}

func (m *Migrator) buildColumnDef(entity *metadata.Entity, f *metadata.Field) string {
	col := f.Name + " " + m.store.Dialect.ColumnType(f.Type, f.Precision)

	if f.Name == entity.PrimaryKey.Field {
		col += " PRIMARY KEY"
		if entity.PrimaryKey.Generated && entity.PrimaryKey.Type == "uuid" {
			if def := m.store.Dialect.UUIDDefault(); def != "" {
				col += " " + def
			}
		}
		return col
	}

	if f.Required && !f.Nullable {
		col += " NOT NULL"
	}

	if f.Default != nil {
		switch v := f.Default.(type) {
		case string:
			col += fmt.Sprintf(" DEFAULT '%s'", strings.ReplaceAll(v, "'", "''"))
		case float64:
			col += fmt.Sprintf(" DEFAULT %v", v)
		case bool:
			if m.store.Dialect.NeedsBoolFix() {
				if v {
					col += " DEFAULT 1"
				} else {
					col += " DEFAULT 0"
				}
			} else {
				col += fmt.Sprintf(" DEFAULT %t", v)
			}
		default:
			col += fmt.Sprintf(" DEFAULT '%v'", v)
		}
	}

	return col
}

func (m *Migrator) createIndexes(ctx context.Context, entity *metadata.Entity) error {
	for _, f := range entity.Fields {
		if !f.Unique {
			continue
		}
		sqlStr := fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS idx_%s_%s ON %s (%s)",
			entity.Table, f.Name, entity.Table, f.Name)
		if _, err := m.store.DB.ExecContext(ctx, sqlStr); err != nil {
			return fmt.Errorf("create unique index on %s.%s: %w", entity.Table, f.Name, err)
		}
	}

	if entity.SoftDelete {
		if _, err := m.store.DB.ExecContext(ctx, m.store.Dialect.SoftDeleteIndexSQL(entity.Table)); err != nil {
			return fmt.Errorf("create soft delete index on %s: %w", entity.Table, err)
		}
	}
	return nil
}

// GenerateUUID returns a fresh UUID string for dialects without a
// server-side generator.
func GenerateUUID() string {
	return uuid.New().String()
}
