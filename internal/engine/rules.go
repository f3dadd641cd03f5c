package engine

import (
	"context"
	"fmt"
	"regexp"
	"strconv"

	"github.com/expr-lang/expr/vm"

	"fabrica/internal/expression"
	"fabrica/internal/instrument"
	"fabrica/internal/metadata"
	"fabrica/internal/store"
)

// EvaluateRules runs the active rules for (entity, hook) against the record
// in priority order: field rules, then expression rules, then computed rules.
// Field and expression violations accumulate; computed rules mutate fields
// and only run when validation passed.
func EvaluateRules(ctx context.Context, q store.Querier, dialect store.Dialect, reg *metadata.Registry, entityName string, hook string, fields map[string]any, old map[string]any, isCreate bool) []ErrorDetail {
	_, span := instrument.GetInstrumenter(ctx).StartSpan(ctx, "engine", "rules", "rules.evaluate")
	defer span.End()
	span.SetEntity(entityName, "")

	rules := reg.GetRulesForEntity(entityName, hook)
	if len(rules) == 0 {
		span.SetStatus("ok")
		return nil
	}

	action := "update"
	if isCreate {
		action = "create"
	}

	env := map[string]any{
		"record": mergedRecord(old, fields),
		"old":    old,
		"action": action,
	}

	var errs []ErrorDetail

	for _, r := range rules {
		if r.Type != "field" {
			continue
		}
		if detail := EvaluateFieldRule(r, fields); detail != nil {
			errs = append(errs, *detail)
			if r.Definition.StopOnFail {
				span.SetStatus("error")
				return errs
			}
		}
	}

	for _, r := range rules {
		if r.Type != "expression" {
			continue
		}
		loadRelatedData(ctx, q, dialect, reg, r, env)
		if detail := EvaluateExpressionRule(r, env); detail != nil {
			errs = append(errs, *detail)
			if r.Definition.StopOnFail {
				span.SetStatus("error")
				return errs
			}
		}
	}

	if len(errs) > 0 {
		span.SetStatus("error")
		return errs
	}

	for _, r := range rules {
		if r.Type != "computed" {
			continue
		}
		val, err := EvaluateComputedField(r, env)
		if err != nil {
			errs = append(errs, ErrorDetail{
				Field:   r.Definition.Field,
				Rule:    "computed",
				Message: err.Error(),
			})
			continue
		}
		fields[r.Definition.Field] = val
	}

	if len(errs) > 0 {
		span.SetStatus("error")
	} else {
		span.SetStatus("ok")
	}
	return errs
}

// mergedRecord overlays the incoming fields on the stored record so partial
// updates see the full row in expressions.
func mergedRecord(old, fields map[string]any) map[string]any {
	merged := make(map[string]any, len(old)+len(fields))
	for k, v := range old {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return merged
}

// loadRelatedData pre-fetches relations named in the rule's related_load into
// the expression environment under the relation name.
func loadRelatedData(ctx context.Context, q store.Querier, dialect store.Dialect, reg *metadata.Registry, rule *metadata.Rule, env map[string]any) {
	if q == nil || len(rule.Definition.RelatedLoad) == 0 {
		return
	}
	record, _ := env["record"].(map[string]any)
	if record == nil {
		return
	}

	for _, spec := range rule.Definition.RelatedLoad {
		rel := reg.FindRelationForEntity(spec.Relation, rule.Entity)
		if rel == nil {
			continue
		}
		target := reg.GetEntity(rel.Target)
		if target == nil {
			continue
		}
		parentEntity := reg.GetEntity(rule.Entity)
		if parentEntity == nil {
			continue
		}
		parentID := record[parentEntity.PrimaryKey.Field]
		if parentID == nil {
			env[spec.Relation] = []map[string]any{}
			continue
		}

		pb := dialect.NewParamBuilder()
		sqlStr := fmt.Sprintf("SELECT * FROM %s WHERE %s = %s", target.Table, rel.TargetKey, pb.Add(parentID))
		if target.SoftDelete {
			sqlStr += " AND deleted_at IS NULL"
		}
		for field, val := range spec.Filter {
			sqlStr += fmt.Sprintf(" AND %s = %s", field, pb.Add(val))
		}
		rows, err := store.QueryRows(ctx, q, sqlStr, pb.Params()...)
		if err != nil {
			ruleLog.Warn().Err(err).Str("rule", rule.ID).Str("relation", spec.Relation).Msg("related load failed")
			continue
		}
		if rows == nil {
			rows = []map[string]any{}
		}
		env[spec.Relation] = rows
	}
}

// EvaluateFieldRule checks one field rule against the incoming fields.
// Absent fields pass; presence is the required validator's concern.
func EvaluateFieldRule(rule *metadata.Rule, record map[string]any) *ErrorDetail {
	fieldName := rule.Definition.Field
	val, exists := record[fieldName]
	if !exists || val == nil {
		return nil
	}

	op := rule.Definition.Operator
	msg := rule.Definition.Message
	if msg == "" {
		msg = fmt.Sprintf("field %s failed %s validation", fieldName, op)
	}

	switch op {
	case "min":
		num, ok := toFloat64(val)
		threshold, ok2 := toFloat64(rule.Definition.Value)
		if ok && ok2 && num < threshold {
			return &ErrorDetail{Field: fieldName, Rule: "min", Message: msg}
		}

	case "max":
		num, ok := toFloat64(val)
		threshold, ok2 := toFloat64(rule.Definition.Value)
		if ok && ok2 && num > threshold {
			return &ErrorDetail{Field: fieldName, Rule: "max", Message: msg}
		}

	case "min_length":
		s, ok := val.(string)
		threshold, ok2 := toFloat64(rule.Definition.Value)
		if ok && ok2 && len(s) < int(threshold) {
			return &ErrorDetail{Field: fieldName, Rule: "min_length", Message: msg}
		}

	case "max_length":
		s, ok := val.(string)
		threshold, ok2 := toFloat64(rule.Definition.Value)
		if ok && ok2 && len(s) > int(threshold) {
			return &ErrorDetail{Field: fieldName, Rule: "max_length", Message: msg}
		}

	case "pattern", "matches":
		s, ok := val.(string)
		pattern, ok2 := rule.Definition.Value.(string)
		if !ok || !ok2 {
			return nil
		}
		matched, err := regexp.MatchString(pattern, s)
		if err != nil || !matched {
			return &ErrorDetail{Field: fieldName, Rule: "pattern", Message: msg}
		}

	case "one_of":
		list, ok := rule.Definition.Value.([]any)
		if !ok {
			return nil
		}
		if !valueInList(val, list) {
			return &ErrorDetail{Field: fieldName, Rule: "one_of", Message: msg}
		}
	}

	return nil
}

// EvaluateExpressionRule runs an expression rule; a truthy result means the
// rule is violated.
func EvaluateExpressionRule(rule *metadata.Rule, env map[string]any) *ErrorDetail {
	prog, detail := ruleProgram(rule)
	if detail != nil {
		return detail
	}

	result, err := expression.Run(prog, env)
	if err != nil {
		return &ErrorDetail{Rule: "expression", Message: fmt.Sprintf("rule evaluation error: %v", err)}
	}

	if expression.Truthy(result) {
		msg := rule.Definition.Message
		if msg == "" {
			msg = "Expression rule violated"
		}
		return &ErrorDetail{Rule: "expression", Message: msg}
	}
	return nil
}

// EvaluateComputedField evaluates a computed rule and returns the value to
// assign to the target field.
func EvaluateComputedField(rule *metadata.Rule, env map[string]any) (any, error) {
	prog, detail := ruleProgram(rule)
	if detail != nil {
		return nil, fmt.Errorf("%s", detail.Message)
	}

	result, err := expression.Run(prog, env)
	if err != nil {
		return nil, fmt.Errorf("evaluate computed field %s: %w", rule.Definition.Field, err)
	}
	return result, nil
}

// ruleProgram returns the compiled program, compiling lazily for rules that
// bypassed the loader (tests, in-memory registries).
func ruleProgram(rule *metadata.Rule) (*vm.Program, *ErrorDetail) {
	if prog, ok := rule.Compiled.(*vm.Program); ok && prog != nil {
		return prog, nil
	}
	prog, err := expression.Compile(rule.Definition.Expression)
	if err != nil {
		return nil, &ErrorDetail{Rule: rule.Type, Message: fmt.Sprintf("compile error: %v", err)}
	}
	rule.Compiled = prog
	return prog, nil
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}
