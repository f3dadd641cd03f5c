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

// WFEngine orchestrates workflow lifecycle: triggering, step advancement,
// approval resolution, and timeout handling. All dependencies are injected.
type WFEngine struct {
	st              *store.Store
	registry        *metadata.Registry
	wfStore         WorkflowStore
	stepExecutors   map[string]StepExecutor
	actionExecutors map[string]ActionExecutor
	evaluator       ExpressionEvaluator
}

func NewWFEngine(
	st *store.Store,
	registry *metadata.Registry,
	wfStore WorkflowStore,
	stepExecutors map[string]StepExecutor,
	actionExecutors map[string]ActionExecutor,
	evaluator ExpressionEvaluator,
) *WFEngine {
	return &WFEngine{
		st:              st,
		registry:        registry,
		wfStore:         wfStore,
		stepExecutors:   stepExecutors,
		actionExecutors: actionExecutors,
		evaluator:       evaluator,
	}
}

// NewDefaultWFEngine creates a WFEngine with the built-in executors and the
// SQL-backed instance store.
func NewDefaultWFEngine(s *store.Store, reg *metadata.Registry) *WFEngine {
	return NewWFEngine(
		s,
		reg,
		&SQLWorkflowStore{},
		DefaultStepExecutors(),
		DefaultActionExecutors(),
		NewExprEvaluator(),
	)
}

// TriggerWorkflowsViaEngine starts an instance for every active workflow
// matching the state transition. Runs after the write committed, so a
// trigger failure is logged, never propagated to the caller.
func (e *WFEngine) TriggerWorkflowsViaEngine(ctx context.Context,
	entity, field, toState string, record map[string]any, recordID any) {

	ctx, span := instrument.GetInstrumenter(ctx).StartSpan(ctx, "workflow", "engine", "workflow.trigger")
	defer span.End()
	span.SetEntity(entity, fmt.Sprintf("%v", recordID))
	span.SetMetadata("field", field)
	span.SetMetadata("to_state", toState)

	workflows := e.registry.GetWorkflowsForTrigger(entity, field, toState)
	if len(workflows) == 0 {
		span.SetStatus("ok")
		return
	}

	hasError := false
	for _, wf := range workflows {
		if err := e.createInstance(ctx, wf, record, recordID); err != nil {
			workflowLog.Error().Err(err).Str("workflow", wf.Name).Msg("create workflow instance")
			hasError = true
		}
	}

	if hasError {
		span.SetStatus("error")
	} else {
		span.SetStatus("ok")
	}
}

// ResolveAction handles approve/reject on a paused workflow instance. The
// instance is claimed with a compare-and-swap before advancement; a
// concurrent resolution or timeout sweep loses cleanly with a conflict.
func (e *WFEngine) ResolveAction(ctx context.Context,
	instanceID string, action string, userID string) (*metadata.WorkflowInstance, error) {

	instance, err := e.wfStore.LoadInstance(ctx, e.st.DB, e.st.Dialect, instanceID)
	if err != nil {
		return nil, NotFoundError(fmt.Sprintf("workflow instance not found: %s", instanceID))
	}

	if instance.Status != "running" {
		return nil, ConflictError(fmt.Sprintf("workflow instance is not running (status: %s)", instance.Status))
	}

	wf := e.registry.GetWorkflow(instance.WorkflowName)
	if wf == nil {
		return nil, fmt.Errorf("workflow definition not found: %s", instance.WorkflowName)
	}

	step := wf.FindStep(instance.CurrentStep)
	if step == nil {
		return nil, fmt.Errorf("current step not found: %s", instance.CurrentStep)
	}
	if step.Type != "approval" {
		return nil, ConflictError("current step is not an approval step")
	}

	acquired, err := e.wfStore.Acquire(ctx, e.st.DB, e.st.Dialect, instance.ID, instance.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if !acquired {
		return nil, ConflictError("workflow instance was modified concurrently")
	}

	instance.History = append(instance.History, metadata.WorkflowHistoryEntry{
		Step:   step.ID,
		Status: action,
		By:     userID,
		At:     time.Now().UTC().Format(time.RFC3339),
	})
	instance.CurrentStepDeadline = nil

	var nextGoto string
	var endStatus string
	switch action {
	case "approved":
		endStatus = "completed"
		if step.OnApprove != nil {
			nextGoto = step.OnApprove.Goto
		}
	case "rejected":
		endStatus = "rejected"
		if step.OnReject != nil {
			nextGoto = step.OnReject.Goto
		}
	default:
		return nil, InvalidPayloadError(fmt.Sprintf("invalid action: %s", action))
	}

	if nextGoto == "" || nextGoto == "end" {
		instance.Status = endStatus
		instance.CurrentStep = ""
		if err := e.wfStore.PersistInstance(ctx, e.st.DB, e.st.Dialect, instance); err != nil {
			return nil, err
		}
		return instance, nil
	}

	instance.CurrentStep = nextGoto
	if err := e.advanceWorkflow(ctx, instance, wf); err != nil {
		return nil, err
	}

	return e.wfStore.LoadInstance(ctx, e.st.DB, e.st.Dialect, instance.ID)
}

// ProcessTimeouts sweeps instances whose approval deadline has passed.
func (e *WFEngine) ProcessTimeouts(ctx context.Context) {
	instances, err := e.wfStore.FindTimedOut(ctx, e.st.DB, e.st.Dialect)
	if err != nil {
		workflowLog.Error().Err(err).Msg("workflow timeout query")
		return
	}

	for _, instance := range instances {
		if err := e.handleTimeout(ctx, instance); err != nil {
			workflowLog.Error().Err(err).Str("instance", instance.ID).Msg("process timeout")
		}
	}
}

func (e *WFEngine) createInstance(ctx context.Context,
	wf *metadata.Workflow, record map[string]any, recordID any) error {

	if len(wf.Steps) == 0 {
		return fmt.Errorf("workflow %s has no steps", wf.Name)
	}

	wfCtx := buildWorkflowContext(wf.Context, record, recordID)
	firstStepID := wf.Steps[0].ID

	instanceID, err := e.wfStore.CreateInstance(ctx, e.st.DB, e.st.Dialect, WorkflowInstanceData{
		WorkflowName: wf.Name,
		CurrentStep:  firstStepID,
		Context:      wfCtx,
	})
	if err != nil {
		return err
	}

	instance := &metadata.WorkflowInstance{
		ID:           instanceID,
		WorkflowName: wf.Name,
		Status:       "running",
		CurrentStep:  firstStepID,
		Context:      wfCtx,
		History:      []metadata.WorkflowHistoryEntry{},
	}

	workflowLog.Info().Str("instance", instance.ID).Str("workflow", wf.Name).Msg("workflow instance created")

	return e.advanceWorkflow(ctx, instance, wf)
}

// advanceWorkflow executes steps until the workflow pauses, completes, or
// fails. A step execution error marks the instance failed rather than
// leaving it stuck running.
func (e *WFEngine) advanceWorkflow(ctx context.Context,
	instance *metadata.WorkflowInstance, wf *metadata.Workflow) error {

	ctx, span := instrument.GetInstrumenter(ctx).StartSpan(ctx, "workflow", "engine", "workflow.advance")
	defer span.End()
	span.SetMetadata("workflow", wf.Name)
	span.SetMetadata("instance_id", instance.ID)

	stepCtx := &StepExecutorContext{
		ActionExecutors: e.actionExecutors,
		Evaluator:       e.evaluator,
		Registry:        e.registry,
	}

	for {
		if instance.Status != "running" {
			span.SetStatus("ok")
			return nil
		}

		step := wf.FindStep(instance.CurrentStep)
		if step == nil {
			instance.Status = "failed"
			span.SetStatus("error")
			span.SetMetadata("error", "step not found")
			return e.wfStore.PersistInstance(ctx, e.st.DB, e.st.Dialect, instance)
		}

		executor, ok := e.stepExecutors[step.Type]
		if !ok {
			span.SetStatus("error")
			span.SetMetadata("error", fmt.Sprintf("unknown step type: %s", step.Type))
			return fmt.Errorf("unknown step type: %s", step.Type)
		}

		result, err := executor.Execute(ctx, e.st.DB, e.st.Dialect, stepCtx, instance, step)
		if err != nil {
			workflowLog.Error().Err(err).Str("workflow", wf.Name).Str("step", step.ID).Msg("workflow step failed")
			instance.Status = "failed"
			span.SetStatus("error")
			span.SetMetadata("error", err.Error())
			return e.wfStore.PersistInstance(ctx, e.st.DB, e.st.Dialect, instance)
		}

		if result.Paused {
			span.SetStatus("ok")
			span.SetMetadata("paused_at", instance.CurrentStep)
			return e.wfStore.PersistInstance(ctx, e.st.DB, e.st.Dialect, instance)
		}

		if result.NextGoto == "" || result.NextGoto == "end" {
			instance.Status = "completed"
			instance.CurrentStep = ""
			span.SetStatus("ok")
			return e.wfStore.PersistInstance(ctx, e.st.DB, e.st.Dialect, instance)
		}

		instance.CurrentStep = result.NextGoto
	}
}

// handleTimeout advances or terminates one expired instance. The CAS claim
// keeps the sweep from racing an in-flight approval.
func (e *WFEngine) handleTimeout(ctx context.Context, instance *metadata.WorkflowInstance) error {
	wf := e.registry.GetWorkflow(instance.WorkflowName)
	if wf == nil {
		workflowLog.Warn().Str("instance", instance.ID).Str("workflow", instance.WorkflowName).Msg("workflow definition missing for timed-out instance")
		return nil
	}

	step := wf.FindStep(instance.CurrentStep)
	if step == nil || step.Type != "approval" {
		return nil
	}

	acquired, err := e.wfStore.Acquire(ctx, e.st.DB, e.st.Dialect, instance.ID, instance.UpdatedAt)
	if err != nil {
		return err
	}
	if !acquired {
		return nil
	}

	workflowLog.Info().Str("instance", instance.ID).Str("step", step.ID).Msg("workflow step timed out")

	instance.History = append(instance.History, metadata.WorkflowHistoryEntry{
		Step:   instance.CurrentStep,
		Status: "timed_out",
		At:     time.Now().UTC().Format(time.RFC3339),
	})
	instance.CurrentStepDeadline = nil

	nextGoto := ""
	if step.OnTimeout != nil {
		nextGoto = step.OnTimeout.Goto
	}

	if nextGoto == "" || nextGoto == "end" {
		instance.Status = "timed_out"
		instance.CurrentStep = ""
		return e.wfStore.PersistInstance(ctx, e.st.DB, e.st.Dialect, instance)
	}

	instance.CurrentStep = nextGoto
	return e.advanceWorkflow(ctx, instance, wf)
}

// TriggerWorkflows starts any workflows matching a committed state
// transition.
func TriggerWorkflows(ctx context.Context, s *store.Store, reg *metadata.Registry,
	entity, field, toState string, record map[string]any, recordID any) {
	NewDefaultWFEngine(s, reg).TriggerWorkflowsViaEngine(ctx, entity, field, toState, record, recordID)
}

// ResolveWorkflowAction handles approve/reject on a paused workflow instance.
func ResolveWorkflowAction(ctx context.Context, s *store.Store, reg *metadata.Registry,
	instanceID string, action string, userID string) (*metadata.WorkflowInstance, error) {
	return NewDefaultWFEngine(s, reg).ResolveAction(ctx, instanceID, action, userID)
}

// ListPendingInstances returns running instances awaiting a step.
func ListPendingInstances(ctx context.Context, s *store.Store) ([]*metadata.WorkflowInstance, error) {
	wfStore := &SQLWorkflowStore{}
	return wfStore.ListPending(ctx, s.DB, s.Dialect)
}

// buildWorkflowContext maps declared context keys onto trigger data, e.g.
// {"record_id": "trigger.record_id", "amount": "trigger.record.amount"}.
func buildWorkflowContext(mappings map[string]string, record map[string]any, recordID any) map[string]any {
	ctx := make(map[string]any, len(mappings))
	for key, path := range mappings {
		ctx[key] = resolveContextPath(map[string]any{
			"trigger": map[string]any{
				"record_id": recordID,
				"record":    record,
			},
		}, path)
	}
	return ctx
}

func resolveContextPath(data map[string]any, path string) any {
	if path == "" {
		return nil
	}

	parts := strings.Split(path, ".")
	var current any = data

	for _, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current = m[part]
	}

	return current
}
