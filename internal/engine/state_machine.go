package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/expr-lang/expr/vm"

	"fabrica/internal/expression"
	"fabrica/internal/instrument"
	"fabrica/internal/metadata"
	"fabrica/internal/store"
)

// ApplyStateMachines validates state transitions for the write and executes
// transition actions inside the write transaction, so a failing action rolls
// the transition back. Returns validation details for invalid transitions and
// guard failures; a role failure surfaces as FORBIDDEN.
func ApplyStateMachines(ctx context.Context, q store.Querier, dialect store.Dialect, reg *metadata.Registry,
	entity *metadata.Entity, fields map[string]any, old map[string]any, isCreate bool, user *metadata.UserContext) ([]ErrorDetail, error) {

	_, span := instrument.GetInstrumenter(ctx).StartSpan(ctx, "engine", "state_machine", "state.transition")
	defer span.End()
	span.SetEntity(entity.Name, "")

	machines := reg.GetStateMachinesForEntity(entity.Name)
	if len(machines) == 0 {
		span.SetStatus("ok")
		return nil, nil
	}

	var errs []ErrorDetail
	for _, sm := range machines {
		smErrs, err := applyStateMachine(ctx, q, dialect, reg, sm, entity, fields, old, isCreate, user)
		if err != nil {
			span.SetStatus("error")
			return nil, err
		}
		errs = append(errs, smErrs...)
	}

	if len(errs) > 0 {
		span.SetStatus("error")
	} else {
		span.SetStatus("ok")
	}
	return errs, nil
}

func applyStateMachine(ctx context.Context, q store.Querier, dialect store.Dialect, reg *metadata.Registry,
	sm *metadata.StateMachine, entity *metadata.Entity, fields map[string]any, old map[string]any, isCreate bool, user *metadata.UserContext) ([]ErrorDetail, error) {

	newState, hasNewState := fields[sm.Field]
	if !hasNewState {
		return nil, nil
	}
	newStateStr := fmt.Sprintf("%v", newState)

	if isCreate {
		if sm.Definition.Initial != "" && newStateStr != sm.Definition.Initial {
			return []ErrorDetail{{
				Field:   sm.Field,
				Rule:    "state_machine",
				Message: fmt.Sprintf("Initial state must be '%s', got '%s'", sm.Definition.Initial, newStateStr),
			}}, nil
		}
		return nil, nil
	}

	oldState := ""
	if v, ok := old[sm.Field]; ok && v != nil {
		oldState = fmt.Sprintf("%v", v)
	}
	if oldState == newStateStr {
		return nil, nil
	}

	transition := sm.FindTransition(oldState, newStateStr)
	if transition == nil {
		return []ErrorDetail{{
			Field:   sm.Field,
			Rule:    "state_machine",
			Message: fmt.Sprintf("Invalid transition from '%s' to '%s'", oldState, newStateStr),
		}}, nil
	}

	if len(transition.Roles) > 0 {
		if user == nil || (!user.IsAdmin() && !user.HasAnyRole(transition.Roles)) {
			return nil, ForbiddenError(fmt.Sprintf(
				"Transition from '%s' to '%s' requires one of roles: %v", oldState, newStateStr, transition.Roles))
		}
	}

	if transition.Guard != "" {
		env := map[string]any{
			"record": mergedRecord(old, fields),
			"old":    old,
			"action": "update",
		}
		allowed, err := EvaluateGuard(transition, env)
		if err != nil {
			return []ErrorDetail{{
				Field:   sm.Field,
				Rule:    "state_machine",
				Message: fmt.Sprintf("Guard evaluation error: %v", err),
			}}, nil
		}
		if !allowed {
			return []ErrorDetail{{
				Field:   sm.Field,
				Rule:    "state_machine",
				Message: fmt.Sprintf("Transition from '%s' to '%s' blocked by guard", oldState, newStateStr),
			}}, nil
		}
	}

	if err := executeTransitionActions(ctx, q, dialect, reg, transition, entity, fields, user); err != nil {
		return nil, err
	}
	return nil, nil
}

// EvaluateGuard runs a transition guard. A truthy result allows the
// transition.
func EvaluateGuard(transition *metadata.Transition, env map[string]any) (bool, error) {
	prog, ok := transition.CompiledGuard.(*vm.Program)
	if !ok || prog == nil {
		compiled, err := expression.Compile(transition.Guard)
		if err != nil {
			return false, fmt.Errorf("compile guard: %w", err)
		}
		transition.CompiledGuard = compiled
		prog = compiled
	}

	result, err := expression.Run(prog, env)
	if err != nil {
		return false, fmt.Errorf("evaluate guard: %w", err)
	}
	return expression.Truthy(result), nil
}

// executeTransitionActions runs actions within the write transaction.
// set_field mutates the pending write; create_record inserts into another
// entity; send_event emits a business event; webhook is enqueued for the
// dispatcher so the HTTP call happens after commit.
func executeTransitionActions(ctx context.Context, q store.Querier, dialect store.Dialect, reg *metadata.Registry,
	transition *metadata.Transition, entity *metadata.Entity, fields map[string]any, user *metadata.UserContext) error {

	for _, action := range transition.Actions {
		switch action.Type {
		case "set_field":
			fields[action.Field] = resolveActionValue(action.Value)

		case "create_record":
			if err := createActionRecord(ctx, q, dialect, reg, action.Entity, action.Values, fields); err != nil {
				return fmt.Errorf("create_record action: %w", err)
			}

		case "send_event":
			instrument.GetInstrumenter(ctx).EmitBusinessEvent(ctx, action.Event, entity.Name, "", map[string]any{
				"transition_to": transition.To,
			})

		case "webhook":
			if err := EnqueueDirectWebhook(ctx, q, dialect, entity.Name, action.URL, action.Method, fields); err != nil {
				return fmt.Errorf("webhook action: %w", err)
			}

		default:
			engineLog.Warn().Str("type", action.Type).Msg("unknown transition action type")
		}
	}
	return nil
}

// createActionRecord inserts a row into another entity. Template values of
// the form "$record.field" are resolved from the triggering record.
func createActionRecord(ctx context.Context, q store.Querier, dialect store.Dialect, reg *metadata.Registry,
	entityName string, values map[string]any, record map[string]any) error {

	target := reg.GetEntity(entityName)
	if target == nil {
		return fmt.Errorf("unknown entity: %s", entityName)
	}

	row := make(map[string]any, len(values))
	for k, v := range values {
		row[k] = resolveValueTemplate(v, record)
	}
	ApplyAutoFields(target, row, true)
	if target.PrimaryKey.Generated && target.PrimaryKey.Type == "uuid" && dialect.UUIDDefault() == "" {
		if row[target.PrimaryKey.Field] == nil {
			row[target.PrimaryKey.Field] = store.GenerateUUID()
		}
	}

	sqlStr, params := BuildInsertSQL(target, row, dialect)
	if _, err := store.QueryRow(ctx, q, sqlStr, params...); err != nil {
		return fmt.Errorf("insert %s: %w", target.Table, err)
	}
	return nil
}

// resolveActionValue expands the "now" shorthand for set_field actions.
func resolveActionValue(v any) any {
	if s, ok := v.(string); ok && s == "now" {
		return time.Now().UTC().Format(time.RFC3339)
	}
	return v
}

// resolveValueTemplate expands "$record.field" references against the
// triggering record; everything else passes through, including "now".
func resolveValueTemplate(v any, record map[string]any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	if s == "now" {
		return time.Now().UTC().Format(time.RFC3339)
	}
	const prefix = "$record."
	if len(s) > len(prefix) && s[:len(prefix)] == prefix {
		return record[s[len(prefix):]]
	}
	return s
}
