package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"fabrica/internal/instrument"
	"fabrica/internal/metadata"
	"fabrica/internal/store"
)

// ActionExecutor handles execution of a single workflow action type.
type ActionExecutor interface {
	Execute(ctx context.Context, q store.Querier, dialect store.Dialect, reg *metadata.Registry, instance *metadata.WorkflowInstance, action *metadata.WorkflowAction) error
}

// SetFieldActionExecutor performs a field update on a target entity record.
// The record is located through a context path like "context.record_id".
type SetFieldActionExecutor struct{}

func (e *SetFieldActionExecutor) Execute(ctx context.Context, q store.Querier, dialect store.Dialect, reg *metadata.Registry,
	instance *metadata.WorkflowInstance, action *metadata.WorkflowAction) error {

	if action.Entity == "" {
		return fmt.Errorf("set_field action missing entity")
	}

	entity := reg.GetEntity(action.Entity)
	if entity == nil {
		return fmt.Errorf("entity not found: %s", action.Entity)
	}

	env := map[string]any{"context": instance.Context}
	recordID := resolveContextPath(env, action.RecordID)
	if recordID == nil {
		return fmt.Errorf("could not resolve record_id: %s", action.RecordID)
	}

	val := resolveWorkflowValue(action.Value, instance)

	pb := dialect.NewParamBuilder()
	sql := fmt.Sprintf("UPDATE %s SET %s = %s WHERE %s = %s",
		entity.Table, action.Field, pb.Add(val), entity.PrimaryKey.Field, pb.Add(recordID))
	if _, err := store.Exec(ctx, q, sql, pb.Params()...); err != nil {
		return fmt.Errorf("set_field UPDATE: %w", err)
	}

	return nil
}

// WebhookActionExecutor queues an HTTP delivery through the durable webhook
// path, so workflow-triggered calls get the same retry handling as catalog
// webhooks.
type WebhookActionExecutor struct{}

func (e *WebhookActionExecutor) Execute(ctx context.Context, q store.Querier, dialect store.Dialect, _ *metadata.Registry,
	instance *metadata.WorkflowInstance, action *metadata.WorkflowAction) error {

	body := map[string]any{
		"workflow":    instance.WorkflowName,
		"instance_id": instance.ID,
		"context":     instance.Context,
	}
	if err := EnqueueDirectWebhook(ctx, q, dialect, instance.WorkflowName, action.URL, action.Method, body); err != nil {
		return fmt.Errorf("workflow webhook: %w", err)
	}
	return nil
}

// CreateRecordActionExecutor inserts a record into a target entity. Values
// may reference workflow context with "$context.path" templates.
type CreateRecordActionExecutor struct{}

func (e *CreateRecordActionExecutor) Execute(ctx context.Context, q store.Querier, dialect store.Dialect, reg *metadata.Registry,
	instance *metadata.WorkflowInstance, action *metadata.WorkflowAction) error {

	if action.Entity == "" {
		return fmt.Errorf("create_record action missing entity")
	}
	target := reg.GetEntity(action.Entity)
	if target == nil {
		return fmt.Errorf("entity not found: %s", action.Entity)
	}

	row := make(map[string]any, len(action.Values))
	for k, v := range action.Values {
		row[k] = resolveWorkflowValue(v, instance)
	}
	ApplyAutoFields(target, row, true)
	if target.PrimaryKey.Generated && target.PrimaryKey.Type == "uuid" && dialect.UUIDDefault() == "" {
		if row[target.PrimaryKey.Field] == nil {
			row[target.PrimaryKey.Field] = store.GenerateUUID()
		}
	}

	sqlStr, params := BuildInsertSQL(target, row, dialect)
	if _, err := store.QueryRow(ctx, q, sqlStr, params...); err != nil {
		return fmt.Errorf("create_record insert %s: %w", target.Table, err)
	}
	return nil
}

// SendEventActionExecutor emits a named business event into the
// instrumentation stream.
type SendEventActionExecutor struct{}

func (e *SendEventActionExecutor) Execute(ctx context.Context, _ store.Querier, _ store.Dialect, _ *metadata.Registry,
	instance *metadata.WorkflowInstance, action *metadata.WorkflowAction) error {

	instrument.GetInstrumenter(ctx).EmitBusinessEvent(ctx, action.Event, instance.WorkflowName, instance.ID, map[string]any{
		"workflow": instance.WorkflowName,
		"step":     instance.CurrentStep,
	})
	return nil
}

// DefaultActionExecutors returns the built-in set of action executors.
func DefaultActionExecutors() map[string]ActionExecutor {
	return map[string]ActionExecutor{
		"set_field":     &SetFieldActionExecutor{},
		"webhook":       &WebhookActionExecutor{},
		"create_record": &CreateRecordActionExecutor{},
		"send_event":    &SendEventActionExecutor{},
	}
}

// resolveWorkflowValue expands "now" and "$context.path" templates.
func resolveWorkflowValue(v any, instance *metadata.WorkflowInstance) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	if s == "now" {
		return time.Now().UTC().Format(time.RFC3339)
	}
	const prefix = "$context."
	if strings.HasPrefix(s, prefix) {
		return resolveContextPath(map[string]any{"context": instance.Context}, "context."+s[len(prefix):])
	}
	return s
}
