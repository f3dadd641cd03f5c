package engine

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"fabrica/internal/metadata"
	"fabrica/internal/store"
)

// RelationWrite is one nested child collection extracted from a write body.
type RelationWrite struct {
	Relation  *metadata.Relation
	WriteMode string
	Data      []map[string]any
}

// SeparateFieldsAndRelations splits a request body into scalar fields,
// nested relation payloads, and keys that match neither.
func SeparateFieldsAndRelations(entity *metadata.Entity, reg *metadata.Registry, body map[string]any) (map[string]any, []*RelationWrite, []string) {
	fields := make(map[string]any)
	var relWrites []*RelationWrite
	var unknown []string

	for key, val := range body {
		if key == "_delete" {
			continue
		}
		if entity.HasField(key) {
			fields[key] = val
			continue
		}
		rel := reg.FindRelationForEntity(key, entity.Name)
		if rel == nil {
			unknown = append(unknown, key)
			continue
		}
		relWrites = append(relWrites, &RelationWrite{
			Relation:  rel,
			WriteMode: rel.DefaultWriteMode(),
			Data:      normalizeRelationData(val),
		})
	}

	return fields, relWrites, unknown
}

// normalizeRelationData accepts both a single object and an array of objects.
func normalizeRelationData(val any) []map[string]any {
	switch v := val.(type) {
	case []any:
		out := make([]map[string]any, 0, len(v))
		for _, item := range v {
			if m, ok := item.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	case map[string]any:
		return []map[string]any{v}
	default:
		return nil
	}
}

// ValidateFields checks required presence, enum membership and nullability.
// DB-level defaults cover absent fields with a default value.
func ValidateFields(entity *metadata.Entity, fields map[string]any, isCreate bool) []ErrorDetail {
	var errs []ErrorDetail

	for _, f := range entity.Fields {
		val, present := fields[f.Name]

		if isCreate && f.Required && !f.IsAuto() && f.Default == nil {
			if f.Name == entity.PrimaryKey.Field && entity.PrimaryKey.Generated {
				continue
			}
			if !present || val == nil || fmt.Sprintf("%v", val) == "" {
				errs = append(errs, ErrorDetail{
					Field:   f.Name,
					Rule:    "required",
					Message: fmt.Sprintf("%s is required", f.Name),
				})
				continue
			}
		}

		if !present || val == nil {
			continue
		}

		if len(f.Enum) > 0 {
			if !f.InEnum(fmt.Sprintf("%v", val)) {
				errs = append(errs, ErrorDetail{
					Field:   f.Name,
					Rule:    "one_of",
					Message: fmt.Sprintf("%s must be one of: %s", f.Name, strings.Join(f.Enum, ", ")),
				})
			}
		}
	}

	return errs
}

// ApplyAutoFields stamps engine-managed values. Fields with auto=now are set
// on every write; auto=uuid fields are filled on create when the client left
// them empty.
func ApplyAutoFields(entity *metadata.Entity, fields map[string]any, isCreate bool) {
	now := time.Now().UTC().Format(time.RFC3339)
	for _, f := range entity.Fields {
		switch f.Auto {
		case "now":
			fields[f.Name] = now
		case "uuid":
			if !isCreate {
				continue
			}
			if v, ok := fields[f.Name]; !ok || v == nil || fmt.Sprintf("%v", v) == "" {
				fields[f.Name] = store.GenerateUUID()
			}
		}
	}
}

// BuildInsertSQL renders the INSERT for the supplied fields, returning the
// generated primary key. Fields not present in the entity are skipped.
func BuildInsertSQL(entity *metadata.Entity, fields map[string]any, dialect store.Dialect) (string, []any) {
	pb := dialect.NewParamBuilder()
	var cols, placeholders []string

	for _, f := range entity.Fields {
		val, ok := fields[f.Name]
		if !ok {
			continue
		}
		cols = append(cols, f.Name)
		placeholders = append(placeholders, pb.Add(encodeFieldValue(val)))
	}

	sqlStr := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING %s",
		entity.Table,
		strings.Join(cols, ", "),
		strings.Join(placeholders, ", "),
		entity.PrimaryKey.Field)

	return sqlStr, pb.Params()
}

// BuildUpdateSQL renders the UPDATE for the supplied fields. Returns an empty
// statement when there is nothing to set. Soft-deleted rows are never updated.
func BuildUpdateSQL(entity *metadata.Entity, id any, fields map[string]any, dialect store.Dialect) (string, []any) {
	pb := dialect.NewParamBuilder()
	var sets []string

	for _, f := range entity.Fields {
		if f.Name == entity.PrimaryKey.Field {
			continue
		}
		val, ok := fields[f.Name]
		if !ok {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = %s", f.Name, pb.Add(encodeFieldValue(val))))
	}

	if len(sets) == 0 {
		return "", nil
	}

	sqlStr := fmt.Sprintf("UPDATE %s SET %s WHERE %s = %s",
		entity.Table, strings.Join(sets, ", "), entity.PrimaryKey.Field, pb.Add(id))
	if entity.SoftDelete {
		sqlStr += " AND deleted_at IS NULL"
	}

	return sqlStr, pb.Params()
}

// BuildSoftDeleteSQL stamps deleted_at instead of removing the row.
func BuildSoftDeleteSQL(entity *metadata.Entity, id any, dialect store.Dialect) (string, []any) {
	pb := dialect.NewParamBuilder()
	sqlStr := fmt.Sprintf("UPDATE %s SET deleted_at = %s WHERE %s = %s AND deleted_at IS NULL",
		entity.Table, dialect.NowExpr(), entity.PrimaryKey.Field, pb.Add(id))
	return sqlStr, pb.Params()
}

func BuildHardDeleteSQL(entity *metadata.Entity, id any, dialect store.Dialect) (string, []any) {
	pb := dialect.NewParamBuilder()
	sqlStr := fmt.Sprintf("DELETE FROM %s WHERE %s = %s",
		entity.Table, entity.PrimaryKey.Field, pb.Add(id))
	return sqlStr, pb.Params()
}

// encodeFieldValue converts composite values to JSON text so both drivers
// accept them as a single bind parameter.
func encodeFieldValue(v any) any {
	switch v.(type) {
	case map[string]any, []any, []string, []map[string]any:
		b, err := json.Marshal(v)
		if err != nil {
			return v
		}
		return string(b)
	default:
		return v
	}
}
