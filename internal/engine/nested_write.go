package engine

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"fabrica/internal/instrument"
	"fabrica/internal/metadata"
	"fabrica/internal/store"
)

var uuidRE = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)

// WritePlan describes the full set of operations for a write request.
type WritePlan struct {
	IsCreate bool
	Entity   *metadata.Entity
	Fields   map[string]any
	ID       any // nil for create, set for update
	ChildOps []*RelationWrite
	User     *metadata.UserContext
}

// PlanWrite builds a WritePlan from the request body without executing any
// SQL. Unknown keys and field-level violations are rejected up front.
func PlanWrite(entity *metadata.Entity, reg *metadata.Registry, body map[string]any, existingID any) (*WritePlan, []ErrorDetail) {
	fields, relWrites, unknownKeys := SeparateFieldsAndRelations(entity, reg, body)

	if len(unknownKeys) > 0 {
		var errs []ErrorDetail
		for _, key := range unknownKeys {
			errs = append(errs, ErrorDetail{
				Field:   key,
				Rule:    "unknown",
				Message: fmt.Sprintf("Unknown field or relation: %s", key),
			})
		}
		return nil, errs
	}

	isCreate := existingID == nil

	validationErrs := ValidateFields(entity, fields, isCreate)
	if len(validationErrs) > 0 {
		return nil, validationErrs
	}

	return &WritePlan{
		IsCreate: isCreate,
		Entity:   entity,
		Fields:   fields,
		ID:       existingID,
		ChildOps: relWrites,
	}, nil
}

// ExecuteWritePlan runs the planned operations inside a single transaction:
// rules, state machines, slug generation, the parent write, child writes,
// blocking webhooks, then async webhook enqueue. Everything before the
// commit rolls back together. Workflow triggers run after commit against
// the stored record.
func ExecuteWritePlan(ctx context.Context, s *store.Store, reg *metadata.Registry, plan *WritePlan) (map[string]any, error) {
	ctx, span := instrument.GetInstrumenter(ctx).StartSpan(ctx, "engine", "writer", "nested_write.execute")
	defer span.End()
	span.SetEntity(plan.Entity.Name, fmt.Sprintf("%v", plan.ID))

	tx, err := s.BeginTx(ctx)
	if err != nil {
		span.SetStatus("error")
		span.SetMetadata("error", err.Error())
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var old map[string]any
	if !plan.IsCreate {
		old, err = fetchRecord(ctx, tx, plan.Entity, plan.ID, s.Dialect)
		if err != nil {
			span.SetStatus("error")
			return nil, NotFoundError(fmt.Sprintf("%s not found", plan.Entity.Name))
		}
		// Resolve slugs to the real PK so the UPDATE targets the right row.
		plan.ID = old[plan.Entity.PrimaryKey.Field]
	}
	if old == nil {
		old = map[string]any{}
	}

	ruleErrs := EvaluateRules(ctx, tx, s.Dialect, reg, plan.Entity.Name, "before_write", plan.Fields, old, plan.IsCreate)
	if len(ruleErrs) > 0 {
		span.SetStatus("error")
		return nil, ValidationError(ruleErrs)
	}

	smErrs, err := ApplyStateMachines(ctx, tx, s.Dialect, reg, plan.Entity, plan.Fields, old, plan.IsCreate, plan.User)
	if err != nil {
		span.SetStatus("error")
		return nil, err
	}
	if len(smErrs) > 0 {
		span.SetStatus("error")
		return nil, ValidationError(smErrs)
	}

	if err := autoGenerateSlug(ctx, tx, plan.Entity, s.Dialect, plan.Fields, plan.IsCreate, old, plan.ID); err != nil {
		span.SetStatus("error")
		span.SetMetadata("error", err.Error())
		return nil, err
	}

	if err := resolveFileFields(ctx, tx, plan.Entity, plan.Fields, s.Dialect); err != nil {
		span.SetStatus("error")
		span.SetMetadata("error", err.Error())
		return nil, err
	}

	ApplyAutoFields(plan.Entity, plan.Fields, plan.IsCreate)

	action := "update"
	if plan.IsCreate {
		action = "create"
		pk := plan.Entity.PrimaryKey
		if pk.Generated && pk.Type == "uuid" && s.Dialect.UUIDDefault() == "" {
			if plan.Fields[pk.Field] == nil {
				plan.Fields[pk.Field] = store.GenerateUUID()
			}
		}
	}

	// Pre-write webhooks see the record as it is about to be stored. A
	// blocking failure vetoes the write before any statement runs.
	if err := FireSyncWebhooks(ctx, tx, s.Dialect, reg, "before_write", plan.Entity.Name, action, mergedRecord(old, plan.Fields), old, plan.User); err != nil {
		span.SetStatus("error")
		span.SetMetadata("error", err.Error())
		return nil, fmt.Errorf("sync webhook: %w", err)
	}
	if err := EnqueueAsyncWebhooks(ctx, tx, s.Dialect, reg, "before_write", plan.Entity.Name, action, mergedRecord(old, plan.Fields), old, plan.User); err != nil {
		span.SetStatus("error")
		span.SetMetadata("error", err.Error())
		return nil, fmt.Errorf("enqueue webhooks: %w", err)
	}

	var parentID any
	if plan.IsCreate {
		pk := plan.Entity.PrimaryKey
		sql, params := BuildInsertSQL(plan.Entity, plan.Fields, s.Dialect)
		row, err := store.QueryRow(ctx, tx, sql, params...)
		if err != nil {
			span.SetStatus("error")
			span.SetMetadata("error", err.Error())
			return nil, fmt.Errorf("insert %s: %w", plan.Entity.Table, err)
		}
		parentID = row[pk.Field]
	} else {
		parentID = plan.ID
		sql, params := BuildUpdateSQL(plan.Entity, plan.ID, plan.Fields, s.Dialect)
		if sql != "" {
			affected, err := store.Exec(ctx, tx, sql, params...)
			if err != nil {
				span.SetStatus("error")
				span.SetMetadata("error", err.Error())
				return nil, fmt.Errorf("update %s: %w", plan.Entity.Table, err)
			}
			if affected == 0 {
				span.SetStatus("error")
				return nil, NotFoundError(fmt.Sprintf("%s not found", plan.Entity.Name))
			}
		}
	}

	for _, childOp := range plan.ChildOps {
		if err := ExecuteChildWrite(ctx, tx, s.Dialect, reg, parentID, childOp); err != nil {
			span.SetStatus("error")
			span.SetMetadata("error", err.Error())
			if appErr, ok := err.(*AppError); ok {
				return nil, appErr
			}
			return nil, fmt.Errorf("child write for %s: %w", childOp.Relation.Name, err)
		}
	}

	written := mergedRecord(old, plan.Fields)
	if parentID != nil {
		written[plan.Entity.PrimaryKey.Field] = parentID
	}

	// Blocking webhooks veto the write; a non-2xx rolls everything back.
	if err := FireSyncWebhooks(ctx, tx, s.Dialect, reg, "after_write", plan.Entity.Name, action, written, old, plan.User); err != nil {
		span.SetStatus("error")
		span.SetMetadata("error", err.Error())
		return nil, fmt.Errorf("sync webhook: %w", err)
	}

	// Async deliveries become durable rows in the same transaction, so a
	// rollback discards them and a commit guarantees dispatch.
	if err := EnqueueAsyncWebhooks(ctx, tx, s.Dialect, reg, "after_write", plan.Entity.Name, action, written, old, plan.User); err != nil {
		span.SetStatus("error")
		span.SetMetadata("error", err.Error())
		return nil, fmt.Errorf("enqueue webhooks: %w", err)
	}

	if err := tx.Commit(); err != nil {
		span.SetStatus("error")
		span.SetMetadata("error", err.Error())
		return nil, fmt.Errorf("commit: %w", err)
	}

	record, err := fetchRecord(ctx, s.DB, plan.Entity, parentID, s.Dialect)
	if err != nil {
		span.SetStatus("error")
		span.SetMetadata("error", err.Error())
		return nil, err
	}

	// State transitions that committed may start workflows.
	for _, sm := range reg.GetStateMachinesForEntity(plan.Entity.Name) {
		oldState := ""
		if v, ok := old[sm.Field]; ok && v != nil {
			oldState = fmt.Sprintf("%v", v)
		}
		newState := ""
		if v, ok := plan.Fields[sm.Field]; ok && v != nil {
			newState = fmt.Sprintf("%v", v)
		}
		if newState != "" && oldState != newState {
			TriggerWorkflows(ctx, s, reg, plan.Entity.Name, sm.Field, newState, record, parentID)
		}
	}

	span.SetStatus("ok")
	return record, nil
}

// fetchRecord loads one row by primary key or slug. A lookup value that
// doesn't match the PK's shape is tried against the slug field first.
func fetchRecord(ctx context.Context, q store.Querier, entity *metadata.Entity, id any, dialect store.Dialect) (map[string]any, error) {
	columns := entity.FieldNames()
	if entity.SoftDelete && entity.GetField("deleted_at") == nil {
		columns = append(columns, "deleted_at")
	}

	softDeleteClause := ""
	if entity.SoftDelete {
		softDeleteClause = " AND deleted_at IS NULL"
	}

	idStr := fmt.Sprintf("%v", id)
	if entity.Slug != nil && !looksLikePK(entity, idStr) {
		slugSQL := fmt.Sprintf("SELECT %s FROM %s WHERE %s = %s%s",
			strings.Join(columns, ", "), entity.Table, entity.Slug.Field, dialect.Placeholder(1), softDeleteClause)
		row, err := store.QueryRow(ctx, q, slugSQL, idStr)
		if err == nil {
			return row, nil
		}
	}

	sql := fmt.Sprintf("SELECT %s FROM %s WHERE %s = %s%s",
		strings.Join(columns, ", "), entity.Table, entity.PrimaryKey.Field, dialect.Placeholder(1), softDeleteClause)

	return store.QueryRow(ctx, q, sql, id)
}

var intRE = regexp.MustCompile(`^\d+$`)

func looksLikePK(entity *metadata.Entity, value string) bool {
	switch entity.PrimaryKey.Type {
	case "uuid":
		return uuidRE.MatchString(value)
	case "int", "integer", "bigint":
		return intRE.MatchString(value)
	default:
		return false // string PKs are ambiguous, try slug first
	}
}

// Slugify converts a string into a URL-friendly slug: accents stripped,
// lowercased, non-alphanumerics collapsed to single hyphens.
func Slugify(text string) string {
	result := norm.NFD.String(text)
	var b strings.Builder
	for _, r := range result {
		if unicode.Is(unicode.Mn, r) {
			continue
		}
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else if r >= 'A' && r <= 'Z' {
			b.WriteRune(r + 32)
		} else {
			b.WriteByte('-')
		}
	}
	s := b.String()
	for strings.Contains(s, "--") {
		s = strings.ReplaceAll(s, "--", "-")
	}
	return strings.Trim(s, "-")
}

// generateUniqueSlug tries base, base-2 .. base-100 against live rows.
func generateUniqueSlug(ctx context.Context, q store.Querier, entity *metadata.Entity, dialect store.Dialect, baseSlug string, excludeID any) (string, error) {
	slugField := entity.Slug.Field
	softDeleteClause := ""
	if entity.SoftDelete {
		softDeleteClause = " AND deleted_at IS NULL"
	}

	checkSQL := fmt.Sprintf("SELECT 1 FROM %s WHERE %s = %s%s", entity.Table, slugField, dialect.Placeholder(1), softDeleteClause)
	var params []any
	if excludeID != nil {
		checkSQL += fmt.Sprintf(" AND %s != %s", entity.PrimaryKey.Field, dialect.Placeholder(2))
		params = []any{baseSlug, excludeID}
	} else {
		params = []any{baseSlug}
	}

	rows, err := store.QueryRows(ctx, q, checkSQL+" LIMIT 1", params...)
	if err != nil {
		return "", err
	}
	if len(rows) == 0 {
		return baseSlug, nil
	}

	for i := 2; i <= 100; i++ {
		candidate := fmt.Sprintf("%s-%d", baseSlug, i)
		params[0] = candidate
		rows, err = store.QueryRows(ctx, q, checkSQL+" LIMIT 1", params...)
		if err != nil {
			return "", err
		}
		if len(rows) == 0 {
			return candidate, nil
		}
	}

	return fmt.Sprintf("%s-%d", baseSlug, 101), nil
}

func autoGenerateSlug(ctx context.Context, q store.Querier, entity *metadata.Entity, dialect store.Dialect, fields map[string]any, isCreate bool, old map[string]any, existingID any) error {
	slugCfg := entity.Slug
	if slugCfg == nil || slugCfg.Source == "" {
		return nil
	}

	// An explicitly provided slug wins.
	if val, ok := fields[slugCfg.Field]; ok && val != nil && fmt.Sprintf("%v", val) != "" {
		return nil
	}

	sourceVal, hasSource := fields[slugCfg.Source]
	if !hasSource || sourceVal == nil || fmt.Sprintf("%v", sourceVal) == "" {
		return nil
	}

	if isCreate {
		slug, err := generateUniqueSlug(ctx, q, entity, dialect, Slugify(fmt.Sprintf("%v", sourceVal)), nil)
		if err != nil {
			return fmt.Errorf("generate slug: %w", err)
		}
		fields[slugCfg.Field] = slug
	} else if slugCfg.RegenerateOnUpdate {
		oldSourceVal := fmt.Sprintf("%v", old[slugCfg.Source])
		newSourceVal := fmt.Sprintf("%v", sourceVal)
		if oldSourceVal == newSourceVal {
			return nil
		}
		slug, err := generateUniqueSlug(ctx, q, entity, dialect, Slugify(newSourceVal), existingID)
		if err != nil {
			return fmt.Errorf("generate slug: %w", err)
		}
		fields[slugCfg.Field] = slug
	}

	return nil
}

// resolveFileFields expands a bare file ID in a file-type field into the
// stored metadata object. A full metadata map passes through untouched.
func resolveFileFields(ctx context.Context, q store.Querier, entity *metadata.Entity, fields map[string]any, dialect store.Dialect) error {
	for _, f := range entity.Fields {
		if f.Type != "file" {
			continue
		}
		val, ok := fields[f.Name]
		if !ok || val == nil {
			continue
		}
		if _, isMap := val.(map[string]any); isMap {
			continue
		}
		strVal := fmt.Sprintf("%v", val)
		if !uuidRE.MatchString(strVal) {
			continue
		}

		row, err := store.QueryRow(ctx, q,
			fmt.Sprintf("SELECT id, filename, size, mime_type FROM _files WHERE id = %s", dialect.Placeholder(1)), strVal)
		if err != nil {
			return NotFoundError(fmt.Sprintf("File %s not found", strVal))
		}

		fields[f.Name] = map[string]any{
			"id":        row["id"],
			"filename":  row["filename"],
			"size":      row["size"],
			"mime_type": row["mime_type"],
		}
	}
	return nil
}
