package engine

import (
	"fmt"
	"strings"

	"fabrica/internal/metadata"
)

// CheckPermission verifies that the user may perform action on entity. For
// update and delete, currentRecord is the existing row the conditions are
// checked against; for create they are checked against the incoming fields.
// Admins bypass condition evaluation entirely.
func CheckPermission(user *metadata.UserContext, entity, action string, reg *metadata.Registry, record map[string]any) error {
	if user == nil {
		return UnauthorizedError("")
	}
	if user.IsAdmin() {
		return nil
	}

	policies := reg.GetPermissions(entity, action)
	if len(policies) == 0 {
		return ForbiddenError(fmt.Sprintf("No permission for %s on %s", action, entity))
	}

	// Any matching policy grants the action.
	for _, p := range policies {
		if !hasRoleIntersection(user.Roles, p.Roles) {
			continue
		}
		if len(p.Conditions) == 0 {
			return nil
		}
		// Read conditions become row filters instead; a role match is enough
		// to enter the query path.
		if action == "read" {
			return nil
		}
		if record != nil && evaluateConditions(p.Conditions, record, user) {
			return nil
		}
	}

	return ForbiddenError(fmt.Sprintf("Permission denied for %s on %s", action, entity))
}

// GetReadFilters returns the row-level security filters for list and get
// queries. Each matching permission contributes one group of ANDed clauses;
// the groups are ORed together by the query builder. A matching permission
// without conditions grants unrestricted read, so no filters apply.
func GetReadFilters(user *metadata.UserContext, entity string, reg *metadata.Registry) [][]WhereClause {
	if user == nil || user.IsAdmin() {
		return nil
	}

	policies := reg.GetPermissions(entity, "read")
	if len(policies) == 0 {
		return nil
	}

	var groups [][]WhereClause
	for _, p := range policies {
		if !hasRoleIntersection(user.Roles, p.Roles) {
			continue
		}
		if len(p.Conditions) == 0 {
			return nil
		}
		var group []WhereClause
		for _, cond := range p.Conditions {
			group = append(group, WhereClause{
				Field:    cond.Field,
				Operator: cond.Operator,
				Value:    resolveConditionValue(cond.Value, user),
			})
		}
		groups = append(groups, group)
	}
	return groups
}

// RowMatchesReadFilters checks a single fetched row against the row-level
// read filters, mirroring what BuildSelectSQL applies to list queries:
// clauses within a group are ANDed, groups are ORed. No groups means
// unrestricted read.
func RowMatchesReadFilters(groups [][]WhereClause, row map[string]any) bool {
	if len(groups) == 0 {
		return true
	}
	for _, group := range groups {
		matched := true
		for _, cl := range group {
			val, ok := row[cl.Field]
			if !ok || !evaluateCondition(cl.Operator, val, cl.Value) {
				matched = false
				break
			}
		}
		if matched {
			return true
		}
	}
	return false
}

// resolveConditionValue substitutes user-context references. "$user.id"
// binds the condition to the requesting user.
func resolveConditionValue(v any, user *metadata.UserContext) any {
	if s, ok := v.(string); ok && s == "$user.id" && user != nil {
		return user.ID
	}
	return v
}

func hasRoleIntersection(userRoles, policyRoles []string) bool {
	for _, ur := range userRoles {
		for _, pr := range policyRoles {
			if strings.EqualFold(ur, pr) {
				return true
			}
		}
	}
	return false
}

func evaluateConditions(conditions []metadata.PermissionCondition, record map[string]any, user *metadata.UserContext) bool {
	for _, cond := range conditions {
		val, ok := record[cond.Field]
		if !ok {
			return false
		}
		if !evaluateCondition(cond.Operator, val, resolveConditionValue(cond.Value, user)) {
			return false
		}
	}
	return true
}

func evaluateCondition(operator string, recordVal, condVal any) bool {
	switch operator {
	case "eq", "":
		return fmt.Sprintf("%v", recordVal) == fmt.Sprintf("%v", condVal)
	case "neq":
		return fmt.Sprintf("%v", recordVal) != fmt.Sprintf("%v", condVal)
	case "in":
		return valueInList(recordVal, condVal)
	case "not_in":
		return !valueInList(recordVal, condVal)
	case "gt":
		return compareNumeric(recordVal, condVal) > 0
	case "gte":
		return compareNumeric(recordVal, condVal) >= 0
	case "lt":
		return compareNumeric(recordVal, condVal) < 0
	case "lte":
		return compareNumeric(recordVal, condVal) <= 0
	default:
		return false
	}
}

func valueInList(val, list any) bool {
	valStr := fmt.Sprintf("%v", val)
	switch l := list.(type) {
	case []any:
		for _, item := range l {
			if fmt.Sprintf("%v", item) == valStr {
				return true
			}
		}
	case []string:
		for _, item := range l {
			if item == valStr {
				return true
			}
		}
	}
	return false
}

func compareNumeric(a, b any) int {
	fa, _ := toFloat64(a)
	fb, _ := toFloat64(b)
	if fa < fb {
		return -1
	}
	if fa > fb {
		return 1
	}
	return 0
}
