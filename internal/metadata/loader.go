package metadata

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"fabrica/internal/expression"
	"fabrica/internal/logging"
)

// Querier is the read surface the loader needs; *sql.DB and *sql.Tx both
// satisfy it.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

var loaderLog = logging.For("metadata")

// LoadAll reads every catalog table, validates referential consistency,
// compiles expressions, and installs the result as one atomic snapshot.
// Rows with malformed definitions or dangling references are skipped with a
// warning rather than failing the whole reload.
func LoadAll(ctx context.Context, db Querier, reg *Registry) error {
	entities, err := loadEntities(ctx, db)
	if err != nil {
		return fmt.Errorf("load entities: %w", err)
	}
	byName := make(map[string]bool, len(entities))
	for _, e := range entities {
		byName[e.Name] = true
	}

	relations, err := loadRelations(ctx, db, byName)
	if err != nil {
		return fmt.Errorf("load relations: %w", err)
	}
	rules, err := loadRules(ctx, db, byName)
	if err != nil {
		return fmt.Errorf("load rules: %w", err)
	}
	machines, err := loadStateMachines(ctx, db, byName)
	if err != nil {
		return fmt.Errorf("load state machines: %w", err)
	}
	workflows, err := loadWorkflows(ctx, db)
	if err != nil {
		return fmt.Errorf("load workflows: %w", err)
	}
	permissions, err := loadPermissions(ctx, db, byName)
	if err != nil {
		return fmt.Errorf("load permissions: %w", err)
	}
	webhooks, err := loadWebhooks(ctx, db, byName)
	if err != nil {
		return fmt.Errorf("load webhooks: %w", err)
	}

	reg.Replace(entities, relations, rules, machines, workflows, permissions, webhooks)

	loaderLog.Info().
		Int("entities", len(entities)).
		Int("relations", len(relations)).
		Int("rules", len(rules)).
		Int("state_machines", len(machines)).
		Int("workflows", len(workflows)).
		Int("permissions", len(permissions)).
		Int("webhooks", len(webhooks)).
		Msg("registry loaded")
	return nil
}

// Reload rebuilds the registry; admin handlers call it after every catalog
// mutation.
func Reload(ctx context.Context, db Querier, reg *Registry) error {
	return LoadAll(ctx, db, reg)
}

func loadEntities(ctx context.Context, db Querier) ([]*Entity, error) {
	rows, err := db.QueryContext(ctx, "SELECT name, definition FROM _entities ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entities []*Entity
	for rows.Next() {
		var name string
		var defJSON []byte
		if err := rows.Scan(&name, &defJSON); err != nil {
			return nil, fmt.Errorf("scan entity row: %w", err)
		}
		var e Entity
		if err := json.Unmarshal(defJSON, &e); err != nil {
			loaderLog.Warn().Str("entity", name).Err(err).Msg("skipping entity with invalid definition")
			continue
		}
		entities = append(entities, &e)
	}
	return entities, rows.Err()
}

func loadRelations(ctx context.Context, db Querier, entities map[string]bool) ([]*Relation, error) {
	rows, err := db.QueryContext(ctx, "SELECT name, definition FROM _relations ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var relations []*Relation
	for rows.Next() {
		var name string
		var defJSON []byte
		if err := rows.Scan(&name, &defJSON); err != nil {
			return nil, fmt.Errorf("scan relation row: %w", err)
		}
		var rel Relation
		if err := json.Unmarshal(defJSON, &rel); err != nil {
			loaderLog.Warn().Str("relation", name).Err(err).Msg("skipping relation with invalid definition")
			continue
		}
		if !entities[rel.Source] || !entities[rel.Target] {
			loaderLog.Warn().Str("relation", rel.Name).
				Str("source", rel.Source).Str("target", rel.Target).
				Msg("skipping relation with unknown endpoint")
			continue
		}
		relations = append(relations, &rel)
	}
	return relations, rows.Err()
}

func loadRules(ctx context.Context, db Querier, entities map[string]bool) ([]*Rule, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT id, entity, hook, type, definition, priority, active FROM _rules ORDER BY entity, priority")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*Rule
	for rows.Next() {
		var r Rule
		var defJSON []byte
		if err := rows.Scan(&r.ID, &r.Entity, &r.Hook, &r.Type, &defJSON, &r.Priority, &r.Active); err != nil {
			return nil, fmt.Errorf("scan rule row: %w", err)
		}
		if err := json.Unmarshal(defJSON, &r.Definition); err != nil {
			loaderLog.Warn().Str("rule", r.ID).Err(err).Msg("skipping rule with invalid definition")
			continue
		}
		if !entities[r.Entity] {
			loaderLog.Warn().Str("rule", r.ID).Str("entity", r.Entity).Msg("skipping rule for unknown entity")
			continue
		}
		if r.Definition.Expression != "" {
			p, err := expression.Compile(r.Definition.Expression)
			if err != nil {
				loaderLog.Warn().Str("rule", r.ID).Err(err).Msg("skipping rule with invalid expression")
				continue
			}
			r.Compiled = p
		}
		rules = append(rules, &r)
	}
	return rules, rows.Err()
}

func loadStateMachines(ctx context.Context, db Querier, entities map[string]bool) ([]*StateMachine, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT id, entity, field, definition, active FROM _state_machines ORDER BY entity")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var machines []*StateMachine
	for rows.Next() {
		var sm StateMachine
		var defJSON []byte
		if err := rows.Scan(&sm.ID, &sm.Entity, &sm.Field, &defJSON, &sm.Active); err != nil {
			return nil, fmt.Errorf("scan state machine row: %w", err)
		}
		if err := json.Unmarshal(defJSON, &sm.Definition); err != nil {
			loaderLog.Warn().Str("state_machine", sm.ID).Err(err).Msg("skipping state machine with invalid definition")
			continue
		}
		if !entities[sm.Entity] {
			loaderLog.Warn().Str("state_machine", sm.ID).Str("entity", sm.Entity).
				Msg("skipping state machine for unknown entity")
			continue
		}
		for i := range sm.Definition.Transitions {
			t := &sm.Definition.Transitions[i]
			if t.Guard == "" {
				continue
			}
			p, err := expression.Compile(t.Guard)
			if err != nil {
				loaderLog.Warn().Str("state_machine", sm.ID).Str("to", t.To).Err(err).
					Msg("guard failed to compile; transition will be refused")
				continue
			}
			t.CompiledGuard = p
		}
		machines = append(machines, &sm)
	}
	return machines, rows.Err()
}

func loadWorkflows(ctx context.Context, db Querier) ([]*Workflow, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT id, name, trigger, context, steps, active FROM _workflows ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workflows []*Workflow
	for rows.Next() {
		var wf Workflow
		var triggerJSON, contextJSON, stepsJSON []byte
		if err := rows.Scan(&wf.ID, &wf.Name, &triggerJSON, &contextJSON, &stepsJSON, &wf.Active); err != nil {
			return nil, fmt.Errorf("scan workflow row: %w", err)
		}
		if err := json.Unmarshal(triggerJSON, &wf.Trigger); err != nil {
			loaderLog.Warn().Str("workflow", wf.Name).Err(err).Msg("skipping workflow with invalid trigger")
			continue
		}
		if len(contextJSON) > 0 {
			if err := json.Unmarshal(contextJSON, &wf.Context); err != nil {
				loaderLog.Warn().Str("workflow", wf.Name).Err(err).Msg("skipping workflow with invalid context")
				continue
			}
		}
		if err := json.Unmarshal(stepsJSON, &wf.Steps); err != nil {
			loaderLog.Warn().Str("workflow", wf.Name).Err(err).Msg("skipping workflow with invalid steps")
			continue
		}
		for i := range wf.Steps {
			step := &wf.Steps[i]
			if step.Type != "condition" || step.Expression == "" {
				continue
			}
			p, err := expression.Compile(step.Expression)
			if err != nil {
				loaderLog.Warn().Str("workflow", wf.Name).Str("step", step.ID).Err(err).
					Msg("condition failed to compile; step will evaluate false")
				continue
			}
			step.CompiledExpression = p
		}
		workflows = append(workflows, &wf)
	}
	return workflows, rows.Err()
}

func loadPermissions(ctx context.Context, db Querier, entities map[string]bool) ([]*Permission, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT id, entity, action, roles, conditions FROM _permissions ORDER BY entity, action")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var permissions []*Permission
	for rows.Next() {
		var p Permission
		var rolesRaw, condJSON []byte
		if err := rows.Scan(&p.ID, &p.Entity, &p.Action, &rolesRaw, &condJSON); err != nil {
			return nil, fmt.Errorf("scan permission row: %w", err)
		}
		p.Roles = ParseStringArray(string(rolesRaw))
		if len(condJSON) > 0 {
			if err := json.Unmarshal(condJSON, &p.Conditions); err != nil {
				loaderLog.Warn().Str("permission", p.ID).Err(err).Msg("skipping permission with invalid conditions")
				continue
			}
		}
		if !entities[p.Entity] {
			loaderLog.Warn().Str("permission", p.ID).Str("entity", p.Entity).
				Msg("skipping permission for unknown entity")
			continue
		}
		permissions = append(permissions, &p)
	}
	return permissions, rows.Err()
}

func loadWebhooks(ctx context.Context, db Querier, entities map[string]bool) ([]*Webhook, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT id, entity, hook, url, method, headers, condition, async, retry, active FROM _webhooks ORDER BY entity, hook")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var webhooks []*Webhook
	for rows.Next() {
		var wh Webhook
		var headersJSON, retryJSON []byte
		var condition sql.NullString
		if err := rows.Scan(&wh.ID, &wh.Entity, &wh.Hook, &wh.URL, &wh.Method,
			&headersJSON, &condition, &wh.Async, &retryJSON, &wh.Active); err != nil {
			return nil, fmt.Errorf("scan webhook row: %w", err)
		}
		if len(headersJSON) > 0 {
			if err := json.Unmarshal(headersJSON, &wh.Headers); err != nil {
				loaderLog.Warn().Str("webhook", wh.ID).Err(err).Msg("skipping webhook with invalid headers")
				continue
			}
		}
		if len(retryJSON) > 0 {
			if err := json.Unmarshal(retryJSON, &wh.Retry); err != nil {
				loaderLog.Warn().Str("webhook", wh.ID).Err(err).Msg("skipping webhook with invalid retry config")
				continue
			}
		}
		wh.Condition = condition.String
		if !entities[wh.Entity] {
			loaderLog.Warn().Str("webhook", wh.ID).Str("entity", wh.Entity).
				Msg("skipping webhook for unknown entity")
			continue
		}
		if wh.Condition != "" {
			p, err := expression.Compile(wh.Condition)
			if err != nil {
				loaderLog.Warn().Str("webhook", wh.ID).Err(err).
					Msg("condition failed to compile; webhook will not fire")
				continue
			}
			wh.CompiledCondition = p
		}
		webhooks = append(webhooks, &wh)
	}
	return webhooks, rows.Err()
}
