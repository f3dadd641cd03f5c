package engine

import (
	"context"
	"fmt"
	"strings"

	"fabrica/internal/metadata"
	"fabrica/internal/store"
)

// ExecuteChildWrite applies one nested relation write inside the parent's
// transaction. One-to-many relations write child rows; many-to-many relations
// write join rows only.
func ExecuteChildWrite(ctx context.Context, q store.Querier, dialect store.Dialect, reg *metadata.Registry, parentID any, rw *RelationWrite) error {
	if rw.Relation.IsManyToMany() {
		return executeManyToManyWrite(ctx, q, dialect, reg, parentID, rw)
	}
	return executeOneToManyWrite(ctx, q, dialect, reg, parentID, rw)
}

func executeOneToManyWrite(ctx context.Context, q store.Querier, dialect store.Dialect, reg *metadata.Registry, parentID any, rw *RelationWrite) error {
	rel := rw.Relation
	targetEntity := reg.GetEntity(rel.Target)
	if targetEntity == nil {
		return fmt.Errorf("unknown target entity: %s", rel.Target)
	}

	switch rw.WriteMode {
	case "replace":
		return executeReplaceWrite(ctx, q, dialect, reg, targetEntity, rel, parentID, rw.Data)
	case "append":
		return executeAppendWrite(ctx, q, dialect, reg, targetEntity, rel, parentID, rw.Data)
	default:
		return executeDiffWrite(ctx, q, dialect, reg, targetEntity, rel, parentID, rw.Data)
	}
}

// executeDiffWrite upserts by primary key: rows with a known PK are updated,
// rows without a PK are inserted, rows flagged _delete are removed. Rows with
// an unknown PK are ignored rather than adopted.
func executeDiffWrite(ctx context.Context, q store.Querier, dialect store.Dialect, reg *metadata.Registry, targetEntity *metadata.Entity, rel *metadata.Relation, parentID any, data []map[string]any) error {
	pkField := targetEntity.PrimaryKey.Field

	existing, err := fetchCurrentChildren(ctx, q, dialect, targetEntity, rel, parentID)
	if err != nil {
		return err
	}
	existingByPK := indexByPK(existing, pkField)

	for _, row := range data {
		if del, ok := row["_delete"]; ok && del == true {
			if pk := row[pkField]; pk != nil {
				if err := softDeleteChild(ctx, q, dialect, targetEntity, pk); err != nil {
					return err
				}
			}
			continue
		}

		pk := row[pkField]
		if pk != nil {
			if existingRow, exists := existingByPK[fmt.Sprintf("%v", pk)]; exists {
				if err := updateChild(ctx, q, dialect, reg, targetEntity, pk, row, existingRow); err != nil {
					return err
				}
			}
			continue
		}

		row[rel.TargetKey] = parentID
		if err := insertChild(ctx, q, dialect, reg, targetEntity, row); err != nil {
			return err
		}
	}

	return nil
}

// executeReplaceWrite makes the child set equal the payload: incoming rows
// with a known PK are updated, new rows inserted, and any existing child
// missing from the payload is deleted.
func executeReplaceWrite(ctx context.Context, q store.Querier, dialect store.Dialect, reg *metadata.Registry, targetEntity *metadata.Entity, rel *metadata.Relation, parentID any, data []map[string]any) error {
	pkField := targetEntity.PrimaryKey.Field

	existing, err := fetchCurrentChildren(ctx, q, dialect, targetEntity, rel, parentID)
	if err != nil {
		return err
	}
	existingByPK := indexByPK(existing, pkField)
	seen := make(map[string]bool)

	for _, row := range data {
		pk := row[pkField]
		if pk != nil {
			pkStr := fmt.Sprintf("%v", pk)
			if existingRow, exists := existingByPK[pkStr]; exists {
				seen[pkStr] = true
				if err := updateChild(ctx, q, dialect, reg, targetEntity, pk, row, existingRow); err != nil {
					return err
				}
			}
			continue
		}
		row[rel.TargetKey] = parentID
		if err := insertChild(ctx, q, dialect, reg, targetEntity, row); err != nil {
			return err
		}
	}

	for pkStr, row := range existingByPK {
		if !seen[pkStr] {
			if err := softDeleteChild(ctx, q, dialect, targetEntity, row[pkField]); err != nil {
				return err
			}
		}
	}

	return nil
}

// executeAppendWrite only inserts. A payload row carrying a primary key is
// rejected, not silently skipped, so callers can't smuggle updates through
// an append relation.
func executeAppendWrite(ctx context.Context, q store.Querier, dialect store.Dialect, reg *metadata.Registry, targetEntity *metadata.Entity, rel *metadata.Relation, parentID any, data []map[string]any) error {
	pkField := targetEntity.PrimaryKey.Field

	for _, row := range data {
		if row[pkField] != nil {
			return ValidationError([]ErrorDetail{{
				Field:   pkField,
				Rule:    "append_write",
				Message: fmt.Sprintf("append relation '%s' does not accept primary keys in the payload", rel.Name),
			}})
		}
		row[rel.TargetKey] = parentID
		if err := insertChild(ctx, q, dialect, reg, targetEntity, row); err != nil {
			return err
		}
	}
	return nil
}

// executeManyToManyWrite reconciles join rows. Payload rows only carry the
// target entity's primary key; child field data is never written here.
func executeManyToManyWrite(ctx context.Context, q store.Querier, dialect store.Dialect, reg *metadata.Registry, parentID any, rw *RelationWrite) error {
	rel := rw.Relation
	targetEntity := reg.GetEntity(rel.Target)
	if targetEntity == nil {
		return fmt.Errorf("unknown target entity: %s", rel.Target)
	}
	targetPKField := targetEntity.PrimaryKey.Field

	switch rw.WriteMode {
	case "replace":
		pb := dialect.NewParamBuilder()
		delSQL := fmt.Sprintf("DELETE FROM %s WHERE %s = %s", rel.JoinTable, rel.SourceJoinKey, pb.Add(parentID))
		if _, err := store.Exec(ctx, q, delSQL, pb.Params()...); err != nil {
			return fmt.Errorf("delete join rows: %w", err)
		}
		for _, row := range rw.Data {
			targetID := joinTargetID(row, targetPKField)
			if targetID == nil {
				continue
			}
			if err := insertJoinRow(ctx, q, dialect, rel, parentID, targetID); err != nil {
				return err
			}
		}

	case "append":
		for _, row := range rw.Data {
			targetID := joinTargetID(row, targetPKField)
			if targetID == nil {
				continue
			}
			pb := dialect.NewParamBuilder()
			sql := fmt.Sprintf(
				"INSERT INTO %s (%s, %s) VALUES (%s, %s) ON CONFLICT DO NOTHING",
				rel.JoinTable, rel.SourceJoinKey, rel.TargetJoinKey, pb.Add(parentID), pb.Add(targetID))
			if _, err := store.Exec(ctx, q, sql, pb.Params()...); err != nil {
				return fmt.Errorf("insert join row: %w", err)
			}
		}

	default: // diff
		pb := dialect.NewParamBuilder()
		currentSQL := fmt.Sprintf("SELECT %s FROM %s WHERE %s = %s",
			rel.TargetJoinKey, rel.JoinTable, rel.SourceJoinKey, pb.Add(parentID))
		currentRows, err := store.QueryRows(ctx, q, currentSQL, pb.Params()...)
		if err != nil {
			return fmt.Errorf("fetch current join rows: %w", err)
		}
		currentTargets := make(map[string]bool)
		for _, r := range currentRows {
			if v := r[rel.TargetJoinKey]; v != nil {
				currentTargets[fmt.Sprintf("%v", v)] = true
			}
		}

		for _, row := range rw.Data {
			targetID := joinTargetID(row, targetPKField)
			if targetID == nil {
				continue
			}

			if del, ok := row["_delete"]; ok && del == true {
				pb := dialect.NewParamBuilder()
				delSQL := fmt.Sprintf("DELETE FROM %s WHERE %s = %s AND %s = %s",
					rel.JoinTable, rel.SourceJoinKey, pb.Add(parentID), rel.TargetJoinKey, pb.Add(targetID))
				if _, err := store.Exec(ctx, q, delSQL, pb.Params()...); err != nil {
					return fmt.Errorf("delete join row: %w", err)
				}
				continue
			}

			if !currentTargets[fmt.Sprintf("%v", targetID)] {
				if err := insertJoinRow(ctx, q, dialect, rel, parentID, targetID); err != nil {
					return err
				}
			}
		}
	}

	return nil
}

func joinTargetID(row map[string]any, targetPKField string) any {
	if id := row[targetPKField]; id != nil {
		return id
	}
	return row["id"]
}

func fetchCurrentChildren(ctx context.Context, q store.Querier, dialect store.Dialect, entity *metadata.Entity, rel *metadata.Relation, parentID any) ([]map[string]any, error) {
	columns := strings.Join(entity.FieldNames(), ", ")
	pb := dialect.NewParamBuilder()
	sql := fmt.Sprintf("SELECT %s FROM %s WHERE %s = %s", columns, entity.Table, rel.TargetKey, pb.Add(parentID))
	if entity.SoftDelete {
		sql += " AND deleted_at IS NULL"
	}
	return store.QueryRows(ctx, q, sql, pb.Params()...)
}

func indexByPK(rows []map[string]any, pkField string) map[string]map[string]any {
	m := make(map[string]map[string]any, len(rows))
	for _, row := range rows {
		if pk := row[pkField]; pk != nil {
			m[fmt.Sprintf("%v", pk)] = row
		}
	}
	return m
}

func insertChild(ctx context.Context, q store.Querier, dialect store.Dialect, reg *metadata.Registry, entity *metadata.Entity, fields map[string]any) error {
	if details := ValidateFields(entity, fields, true); len(details) > 0 {
		return ValidationError(details)
	}
	// Child rows go through the same rule hook as a direct write.
	if details := EvaluateRules(ctx, q, dialect, reg, entity.Name, "before_write", fields, map[string]any{}, true); len(details) > 0 {
		return ValidationError(details)
	}
	ApplyAutoFields(entity, fields, true)
	if entity.PrimaryKey.Generated && entity.PrimaryKey.Type == "uuid" && dialect.UUIDDefault() == "" {
		if fields[entity.PrimaryKey.Field] == nil {
			fields[entity.PrimaryKey.Field] = store.GenerateUUID()
		}
	}

	sql, params := BuildInsertSQL(entity, fields, dialect)
	if _, err := store.QueryRow(ctx, q, sql, params...); err != nil {
		return fmt.Errorf("insert %s: %w", entity.Table, err)
	}
	return nil
}

func updateChild(ctx context.Context, q store.Querier, dialect store.Dialect, reg *metadata.Registry, entity *metadata.Entity, id any, fields map[string]any, old map[string]any) error {
	if details := ValidateFields(entity, fields, false); len(details) > 0 {
		return ValidationError(details)
	}
	if old == nil {
		old = map[string]any{}
	}
	if details := EvaluateRules(ctx, q, dialect, reg, entity.Name, "before_write", fields, old, false); len(details) > 0 {
		return ValidationError(details)
	}
	ApplyAutoFields(entity, fields, false)

	sql, params := BuildUpdateSQL(entity, id, fields, dialect)
	if sql == "" {
		return nil
	}
	if _, err := store.Exec(ctx, q, sql, params...); err != nil {
		return fmt.Errorf("update %s: %w", entity.Table, err)
	}
	return nil
}

func softDeleteChild(ctx context.Context, q store.Querier, dialect store.Dialect, entity *metadata.Entity, id any) error {
	var sql string
	var params []any
	if entity.SoftDelete {
		sql, params = BuildSoftDeleteSQL(entity, id, dialect)
	} else {
		sql, params = BuildHardDeleteSQL(entity, id, dialect)
	}
	if _, err := store.Exec(ctx, q, sql, params...); err != nil {
		return fmt.Errorf("delete %s: %w", entity.Table, err)
	}
	return nil
}

func insertJoinRow(ctx context.Context, q store.Querier, dialect store.Dialect, rel *metadata.Relation, sourceID, targetID any) error {
	pb := dialect.NewParamBuilder()
	sql := fmt.Sprintf("INSERT INTO %s (%s, %s) VALUES (%s, %s)",
		rel.JoinTable, rel.SourceJoinKey, rel.TargetJoinKey, pb.Add(sourceID), pb.Add(targetID))
	if _, err := store.Exec(ctx, q, sql, pb.Params()...); err != nil {
		return fmt.Errorf("insert join row in %s: %w", rel.JoinTable, err)
	}
	return nil
}
