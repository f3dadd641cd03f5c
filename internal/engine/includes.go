package engine

import (
	"context"
	"fmt"
	"strings"

	"fabrica/internal/metadata"
	"fabrica/internal/store"
)

// LoadIncludes fetches related data for the requested relation names and
// attaches it under each relation name on the parent rows. Each include is
// resolved with batched lookups, never one query per parent.
func LoadIncludes(ctx context.Context, q store.Querier, dialect store.Dialect, reg *metadata.Registry,
	entity *metadata.Entity, rows []map[string]any, includes []string) error {

	if len(rows) == 0 || len(includes) == 0 {
		return nil
	}

	for _, incName := range includes {
		rel := reg.FindRelationForEntity(incName, entity.Name)
		if rel == nil {
			continue
		}

		var err error
		if rel.Source == entity.Name {
			err = loadForwardRelation(ctx, q, dialect, reg, entity, rel, rows, incName)
		} else if rel.Target == entity.Name {
			err = loadReverseRelation(ctx, q, dialect, reg, rel, rows, incName)
		}
		if err != nil {
			return err
		}
	}

	return nil
}

// loadForwardRelation loads children for one_to_many, one_to_one, or
// many_to_many relations where the current entity is the source.
func loadForwardRelation(ctx context.Context, q store.Querier, dialect store.Dialect, reg *metadata.Registry,
	parentEntity *metadata.Entity, rel *metadata.Relation, rows []map[string]any, incName string) error {

	parentPKField := parentEntity.PrimaryKey.Field
	parentIDs := collectValues(rows, parentPKField)
	if len(parentIDs) == 0 {
		return nil
	}

	if rel.IsManyToMany() {
		return loadManyToMany(ctx, q, dialect, reg, rel, rows, parentPKField, parentIDs, incName)
	}

	targetEntity := reg.GetEntity(rel.Target)
	if targetEntity == nil {
		return fmt.Errorf("unknown target entity: %s", rel.Target)
	}

	columns := strings.Join(targetEntity.FieldNames(), ", ")
	pb := dialect.NewParamBuilder()
	sql := fmt.Sprintf("SELECT %s FROM %s WHERE %s",
		columns, targetEntity.Table, dialect.InExpr(rel.TargetKey, pb, parentIDs))
	if targetEntity.SoftDelete {
		sql += " AND deleted_at IS NULL"
	}

	childRows, err := store.QueryRows(ctx, q, sql, pb.Params()...)
	if err != nil {
		return fmt.Errorf("load include %s: %w", incName, err)
	}

	grouped := make(map[string][]map[string]any)
	for _, child := range childRows {
		fk := fmt.Sprintf("%v", child[rel.TargetKey])
		grouped[fk] = append(grouped[fk], child)
	}

	for _, row := range rows {
		pk := fmt.Sprintf("%v", row[parentPKField])
		if rel.IsOneToOne() {
			if children := grouped[pk]; len(children) > 0 {
				row[incName] = children[0]
			} else {
				row[incName] = nil
			}
		} else {
			children := grouped[pk]
			if children == nil {
				children = []map[string]any{}
			}
			row[incName] = children
		}
	}

	return nil
}

// loadManyToMany resolves the join table first, then fetches the distinct
// target rows in one batch.
func loadManyToMany(ctx context.Context, q store.Querier, dialect store.Dialect, reg *metadata.Registry,
	rel *metadata.Relation, rows []map[string]any, parentPKField string, parentIDs []any, incName string) error {

	targetEntity := reg.GetEntity(rel.Target)
	if targetEntity == nil {
		return fmt.Errorf("unknown target entity: %s", rel.Target)
	}

	pb := dialect.NewParamBuilder()
	joinSQL := fmt.Sprintf("SELECT %s, %s FROM %s WHERE %s",
		rel.SourceJoinKey, rel.TargetJoinKey, rel.JoinTable,
		dialect.InExpr(rel.SourceJoinKey, pb, parentIDs))
	joinRows, err := store.QueryRows(ctx, q, joinSQL, pb.Params()...)
	if err != nil {
		return fmt.Errorf("load join table %s: %w", rel.JoinTable, err)
	}

	if len(joinRows) == 0 {
		for _, row := range rows {
			row[incName] = []map[string]any{}
		}
		return nil
	}

	targetIDs := make([]any, 0, len(joinRows))
	seen := make(map[string]bool)
	for _, jr := range joinRows {
		tid := fmt.Sprintf("%v", jr[rel.TargetJoinKey])
		if !seen[tid] {
			seen[tid] = true
			targetIDs = append(targetIDs, jr[rel.TargetJoinKey])
		}
	}

	columns := strings.Join(targetEntity.FieldNames(), ", ")
	pb = dialect.NewParamBuilder()
	targetSQL := fmt.Sprintf("SELECT %s FROM %s WHERE %s",
		columns, targetEntity.Table,
		dialect.InExpr(targetEntity.PrimaryKey.Field, pb, targetIDs))
	if targetEntity.SoftDelete {
		targetSQL += " AND deleted_at IS NULL"
	}
	targetRows, err := store.QueryRows(ctx, q, targetSQL, pb.Params()...)
	if err != nil {
		return fmt.Errorf("load targets for %s: %w", incName, err)
	}

	targetByPK := make(map[string]map[string]any, len(targetRows))
	for _, tr := range targetRows {
		pk := fmt.Sprintf("%v", tr[targetEntity.PrimaryKey.Field])
		targetByPK[pk] = tr
	}

	sourceToTargets := make(map[string][]map[string]any)
	for _, jr := range joinRows {
		sid := fmt.Sprintf("%v", jr[rel.SourceJoinKey])
		tid := fmt.Sprintf("%v", jr[rel.TargetJoinKey])
		if target, ok := targetByPK[tid]; ok {
			sourceToTargets[sid] = append(sourceToTargets[sid], target)
		}
	}

	for _, row := range rows {
		pk := fmt.Sprintf("%v", row[parentPKField])
		if targets, ok := sourceToTargets[pk]; ok {
			row[incName] = targets
		} else {
			row[incName] = []map[string]any{}
		}
	}

	return nil
}

// loadReverseRelation loads the parent record referenced by an FK on the
// current entity. Attached as a single object, nil when the FK is null.
func loadReverseRelation(ctx context.Context, q store.Querier, dialect store.Dialect, reg *metadata.Registry,
	rel *metadata.Relation, rows []map[string]any, incName string) error {

	sourceEntity := reg.GetEntity(rel.Source)
	if sourceEntity == nil {
		return fmt.Errorf("unknown source entity: %s", rel.Source)
	}

	fkValues := collectValues(rows, rel.TargetKey)
	if len(fkValues) == 0 {
		for _, row := range rows {
			row[incName] = nil
		}
		return nil
	}

	columns := strings.Join(sourceEntity.FieldNames(), ", ")
	pb := dialect.NewParamBuilder()
	sql := fmt.Sprintf("SELECT %s FROM %s WHERE %s",
		columns, sourceEntity.Table, dialect.InExpr(rel.SourceKey, pb, fkValues))
	if sourceEntity.SoftDelete {
		sql += " AND deleted_at IS NULL"
	}

	parentRows, err := store.QueryRows(ctx, q, sql, pb.Params()...)
	if err != nil {
		return fmt.Errorf("load reverse include %s: %w", incName, err)
	}

	parentByPK := make(map[string]map[string]any, len(parentRows))
	for _, pr := range parentRows {
		pk := fmt.Sprintf("%v", pr[rel.SourceKey])
		parentByPK[pk] = pr
	}

	for _, row := range rows {
		if row[rel.TargetKey] == nil {
			row[incName] = nil
			continue
		}
		fk := fmt.Sprintf("%v", row[rel.TargetKey])
		row[incName] = parentByPK[fk]
	}

	return nil
}

// collectValues gathers the distinct non-nil values of a field across rows.
func collectValues(rows []map[string]any, field string) []any {
	seen := make(map[string]bool)
	var values []any
	for _, row := range rows {
		v := row[field]
		if v == nil {
			continue
		}
		s := fmt.Sprintf("%v", v)
		if !seen[s] {
			seen[s] = true
			values = append(values, v)
		}
	}
	return values
}
