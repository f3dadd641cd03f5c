package engine

import (
	"context"
	"fmt"

	"fabrica/internal/metadata"
	"fabrica/internal/store"
)

// HandleCascadeDelete applies on_delete policies for every relation where
// the deleted entity is the source. Runs inside the delete transaction.
func HandleCascadeDelete(ctx context.Context, q store.Querier, dialect store.Dialect, reg *metadata.Registry, entity *metadata.Entity, recordID any) error {
	relations := reg.GetRelationsForSource(entity.Name)
	for _, rel := range relations {
		if err := executeCascade(ctx, q, dialect, reg, rel, recordID); err != nil {
			if appErr, ok := err.(*AppError); ok {
				return appErr
			}
			return fmt.Errorf("cascade delete for relation %s: %w", rel.Name, err)
		}
	}
	return nil
}

func executeCascade(ctx context.Context, q store.Querier, dialect store.Dialect, reg *metadata.Registry, rel *metadata.Relation, parentID any) error {
	switch rel.OnDelete {
	case "cascade":
		if rel.IsManyToMany() {
			sql := fmt.Sprintf("DELETE FROM %s WHERE %s = %s", rel.JoinTable, rel.SourceJoinKey, dialect.Placeholder(1))
			if _, err := store.Exec(ctx, q, sql, parentID); err != nil {
				return err
			}
			return nil
		}
		targetEntity := reg.GetEntity(rel.Target)
		if targetEntity == nil {
			return nil
		}
		if targetEntity.SoftDelete {
			sql := fmt.Sprintf("UPDATE %s SET deleted_at = %s WHERE %s = %s AND deleted_at IS NULL",
				targetEntity.Table, dialect.NowExpr(), rel.TargetKey, dialect.Placeholder(1))
			if _, err := store.Exec(ctx, q, sql, parentID); err != nil {
				return err
			}
		} else {
			sql := fmt.Sprintf("DELETE FROM %s WHERE %s = %s", targetEntity.Table, rel.TargetKey, dialect.Placeholder(1))
			if _, err := store.Exec(ctx, q, sql, parentID); err != nil {
				return err
			}
		}

	case "set_null":
		targetEntity := reg.GetEntity(rel.Target)
		if targetEntity == nil {
			return nil
		}
		// A required FK cannot be nulled out; treat it like restrict so the
		// caller gets a clean conflict instead of a database error.
		if fkField := targetEntity.GetField(rel.TargetKey); fkField != nil && fkField.Required {
			count, err := countRelated(ctx, q, dialect, targetEntity, rel.TargetKey, parentID)
			if err != nil {
				return err
			}
			if count > 0 {
				return ConflictError(fmt.Sprintf("Cannot delete: %d related %s records require this record", count, rel.Target))
			}
			return nil
		}
		sql := fmt.Sprintf("UPDATE %s SET %s = NULL WHERE %s = %s",
			targetEntity.Table, rel.TargetKey, rel.TargetKey, dialect.Placeholder(1))
		if _, err := store.Exec(ctx, q, sql, parentID); err != nil {
			return err
		}

	case "restrict":
		targetEntity := reg.GetEntity(rel.Target)
		if targetEntity == nil {
			return nil
		}
		count, err := countRelated(ctx, q, dialect, targetEntity, rel.TargetKey, parentID)
		if err != nil {
			return err
		}
		if count > 0 {
			return ConflictError(fmt.Sprintf("Cannot delete: %d related %s records exist", count, rel.Target))
		}

	case "detach":
		if rel.IsManyToMany() {
			sql := fmt.Sprintf("DELETE FROM %s WHERE %s = %s", rel.JoinTable, rel.SourceJoinKey, dialect.Placeholder(1))
			if _, err := store.Exec(ctx, q, sql, parentID); err != nil {
				return err
			}
		}
	}

	return nil
}

func countRelated(ctx context.Context, q store.Querier, dialect store.Dialect, targetEntity *metadata.Entity, fkField string, parentID any) (int, error) {
	countSQL := fmt.Sprintf("SELECT COUNT(*) AS cnt FROM %s WHERE %s = %s", targetEntity.Table, fkField, dialect.Placeholder(1))
	if targetEntity.SoftDelete {
		countSQL += " AND deleted_at IS NULL"
	}
	row, err := store.QueryRow(ctx, q, countSQL, parentID)
	if err != nil {
		if err == store.ErrNotFound {
			return 0, nil
		}
		return 0, err
	}
	return toInt(row["cnt"]), nil
}
