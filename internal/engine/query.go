package engine

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"

	"fabrica/internal/metadata"
	"fabrica/internal/store"
)

// QueryPlan is the validated form of a list request: filters, sorts,
// pagination and requested includes, all checked against the entity.
type QueryPlan struct {
	Entity   *metadata.Entity
	Filters  []WhereClause
	Sorts    []OrderClause
	Page     int
	PerPage  int
	Includes []string

	// PermissionGroups holds row-level security filters injected after
	// parsing. Clauses inside a group are ANDed; groups are ORed with each
	// other, one group per matching permission.
	PermissionGroups [][]WhereClause
}

type WhereClause struct {
	Field    string
	Operator string
	Value    any
}

type OrderClause struct {
	Field string
	Dir   string // ASC or DESC
}

type QueryResult struct {
	SQL    string
	Params []any
}

const (
	defaultPerPage = 25
	maxPerPage     = 100
)

// ParseQueryParams validates query parameters into a QueryPlan. Unknown
// fields, malformed values and per_page < 1 are client errors; per_page
// above the cap is clamped.
func ParseQueryParams(c *fiber.Ctx, entity *metadata.Entity, reg *metadata.Registry) (*QueryPlan, error) {
	plan := &QueryPlan{
		Entity:  entity,
		Page:    1,
		PerPage: defaultPerPage,
	}

	for key, val := range c.Queries() {
		if !strings.HasPrefix(key, "filter[") || !strings.HasSuffix(key, "]") {
			continue
		}
		field, op := parseFilterKey(key[7 : len(key)-1])

		if !entity.HasField(field) {
			return nil, InvalidPayloadError(fmt.Sprintf("Unknown filter field: %s", field))
		}
		coerced, err := coerceValue(entity.GetField(field), val, op)
		if err != nil {
			return nil, InvalidPayloadError(fmt.Sprintf("Invalid filter value for %s: %v", field, err))
		}
		plan.Filters = append(plan.Filters, WhereClause{Field: field, Operator: op, Value: coerced})
	}

	if sortParam := c.Query("sort"); sortParam != "" {
		for _, part := range strings.Split(sortParam, ",") {
			part = strings.TrimSpace(part)
			dir, field := "ASC", part
			if strings.HasPrefix(part, "-") {
				dir, field = "DESC", part[1:]
			}
			if !entity.HasField(field) {
				return nil, InvalidPayloadError(fmt.Sprintf("Unknown sort field: %s", field))
			}
			plan.Sorts = append(plan.Sorts, OrderClause{Field: field, Dir: dir})
		}
	}

	if p := c.Query("page"); p != "" {
		v, err := strconv.Atoi(p)
		if err != nil || v < 1 {
			return nil, InvalidPayloadError(fmt.Sprintf("Invalid page: %s", p))
		}
		plan.Page = v
	}
	if pp := c.Query("per_page"); pp != "" {
		v, err := strconv.Atoi(pp)
		if err != nil || v < 1 {
			return nil, InvalidPayloadError(fmt.Sprintf("Invalid per_page: %s", pp))
		}
		if v > maxPerPage {
			v = maxPerPage
		}
		plan.PerPage = v
	}

	if inc := c.Query("include"); inc != "" {
		for _, name := range strings.Split(inc, ",") {
			name = strings.TrimSpace(name)
			if reg.FindRelationForEntity(name, entity.Name) == nil {
				return nil, InvalidPayloadError(fmt.Sprintf("Unknown include: %s", name))
			}
			plan.Includes = append(plan.Includes, name)
		}
	}

	return plan, nil
}

// BuildSelectSQL renders the plan as a parameterized SELECT. Soft-deleted
// rows are always excluded.
func BuildSelectSQL(plan *QueryPlan, dialect store.Dialect) QueryResult {
	pb := dialect.NewParamBuilder()
	entity := plan.Entity

	columns := strings.Join(entity.FieldNames(), ", ")
	if entity.SoftDelete && entity.GetField("deleted_at") == nil {
		columns += ", deleted_at"
	}

	where := buildWhereList(plan, dialect, pb)

	sqlStr := fmt.Sprintf("SELECT %s FROM %s", columns, entity.Table)
	if len(where) > 0 {
		sqlStr += " WHERE " + strings.Join(where, " AND ")
	}

	if len(plan.Sorts) > 0 {
		var orderParts []string
		for _, s := range plan.Sorts {
			orderParts = append(orderParts, fmt.Sprintf("%s %s", s.Field, s.Dir))
		}
		sqlStr += " ORDER BY " + strings.Join(orderParts, ", ")
	}

	sqlStr += fmt.Sprintf(" LIMIT %s OFFSET %s",
		pb.Add(plan.PerPage), pb.Add((plan.Page-1)*plan.PerPage))

	return QueryResult{SQL: sqlStr, Params: pb.Params()}
}

// BuildCountSQL renders the COUNT query sharing the plan's filters.
func BuildCountSQL(plan *QueryPlan, dialect store.Dialect) QueryResult {
	pb := dialect.NewParamBuilder()
	where := buildWhereList(plan, dialect, pb)

	sqlStr := fmt.Sprintf("SELECT COUNT(*) AS count FROM %s", plan.Entity.Table)
	if len(where) > 0 {
		sqlStr += " WHERE " + strings.Join(where, " AND ")
	}
	return QueryResult{SQL: sqlStr, Params: pb.Params()}
}

func buildWhereList(plan *QueryPlan, dialect store.Dialect, pb store.ParamBuilder) []string {
	var where []string
	if plan.Entity.SoftDelete {
		where = append(where, "deleted_at IS NULL")
	}
	for _, f := range plan.Filters {
		where = append(where, buildWhereClause(f, dialect, pb))
	}
	if len(plan.PermissionGroups) > 0 {
		var groups []string
		for _, group := range plan.PermissionGroups {
			var parts []string
			for _, f := range group {
				parts = append(parts, buildWhereClause(f, dialect, pb))
			}
			groups = append(groups, "("+strings.Join(parts, " AND ")+")")
		}
		where = append(where, "("+strings.Join(groups, " OR ")+")")
	}
	return where
}

func buildWhereClause(f WhereClause, dialect store.Dialect, pb store.ParamBuilder) string {
	switch f.Operator {
	case "eq", "":
		return fmt.Sprintf("%s = %s", f.Field, pb.Add(f.Value))
	case "neq":
		return fmt.Sprintf("%s != %s", f.Field, pb.Add(f.Value))
	case "gt":
		return fmt.Sprintf("%s > %s", f.Field, pb.Add(f.Value))
	case "gte":
		return fmt.Sprintf("%s >= %s", f.Field, pb.Add(f.Value))
	case "lt":
		return fmt.Sprintf("%s < %s", f.Field, pb.Add(f.Value))
	case "lte":
		return fmt.Sprintf("%s <= %s", f.Field, pb.Add(f.Value))
	case "in":
		return dialect.InExpr(f.Field, pb, toSlice(f.Value))
	case "not_in":
		return dialect.NotInExpr(f.Field, pb, toSlice(f.Value))
	case "like":
		return fmt.Sprintf("%s LIKE %s", f.Field, pb.Add(f.Value))
	case "is_null":
		return fmt.Sprintf("%s IS NULL", f.Field)
	case "is_not_null":
		return fmt.Sprintf("%s IS NOT NULL", f.Field)
	default:
		return fmt.Sprintf("%s = %s", f.Field, pb.Add(f.Value))
	}
}

func toSlice(v any) []any {
	if s, ok := v.([]any); ok {
		return s
	}
	return []any{v}
}

// parseFilterKey splits "total.gte" into ("total", "gte"); a bare field
// name means equality.
func parseFilterKey(key string) (string, string) {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return key, "eq"
}

// coerceValue converts query-string values to the field's Go type. The in
// and not_in operators take comma-separated lists; an empty list is legal
// and matches nothing.
func coerceValue(field *metadata.Field, val string, op string) (any, error) {
	if op == "is_null" || op == "is_not_null" {
		return nil, nil
	}
	if op == "in" || op == "not_in" {
		if strings.TrimSpace(val) == "" {
			return []any{}, nil
		}
		parts := strings.Split(val, ",")
		coerced := make([]any, len(parts))
		for i, p := range parts {
			v, err := coerceSingleValue(field, strings.TrimSpace(p))
			if err != nil {
				return nil, err
			}
			coerced[i] = v
		}
		return coerced, nil
	}
	return coerceSingleValue(field, val)
}

func coerceSingleValue(field *metadata.Field, val string) (any, error) {
	switch field.Type {
	case "int":
		return strconv.Atoi(val)
	case "bigint":
		return strconv.ParseInt(val, 10, 64)
	case "float", "decimal":
		return strconv.ParseFloat(val, 64)
	case "boolean":
		return strconv.ParseBool(val)
	default:
		return val, nil
	}
}
