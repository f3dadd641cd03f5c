package metadata

import (
	"encoding/json"

	"github.com/expr-lang/expr/vm"
)

// StepGoto accepts both {"goto":"step_id"} and the literal string "end".
type StepGoto struct {
	Goto string
}

func (s *StepGoto) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		s.Goto = str
		return nil
	}
	var obj struct {
		Goto string `json:"goto"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	s.Goto = obj.Goto
	return nil
}

func (s StepGoto) MarshalJSON() ([]byte, error) {
	if s.Goto == "end" {
		return json.Marshal("end")
	}
	return json.Marshal(struct {
		Goto string `json:"goto"`
	}{Goto: s.Goto})
}

// IsEnd reports whether the target terminates the workflow.
func (s *StepGoto) IsEnd() bool {
	return s == nil || s.Goto == "" || s.Goto == "end"
}

// WorkflowTrigger starts a workflow when an entity field changes to a value.
type WorkflowTrigger struct {
	Type   string `json:"type"` // state_change
	Entity string `json:"entity"`
	Field  string `json:"field,omitempty"`
	To     string `json:"to,omitempty"`
}

// WorkflowAssignee names who owns an approval step.
type WorkflowAssignee struct {
	Type string `json:"type"`           // relation, role, fixed
	Path string `json:"path,omitempty"` // for type=relation
	Role string `json:"role,omitempty"` // for type=role
	User string `json:"user,omitempty"` // for type=fixed
}

// WorkflowAction is one action inside an action step. RecordID is a context
// path such as "context.record_id", resolved against the instance context.
type WorkflowAction struct {
	Type     string         `json:"type"` // set_field, webhook, send_event, create_record
	Entity   string         `json:"entity,omitempty"`
	RecordID string         `json:"record_id,omitempty"`
	Field    string         `json:"field,omitempty"`
	Value    any            `json:"value,omitempty"`
	URL      string         `json:"url,omitempty"`
	Method   string         `json:"method,omitempty"`
	Event    string         `json:"event,omitempty"`
	Values   map[string]any `json:"values,omitempty"` // for create_record
}

// WorkflowStep is one node of a workflow. Type selects which field group
// applies: action (Actions/Then), condition (Expression/OnTrue/OnFalse) or
// approval (Assignee/Timeout/OnApprove/OnReject/OnTimeout).
type WorkflowStep struct {
	ID   string `json:"id"`
	Type string `json:"type"`

	Actions []WorkflowAction `json:"actions,omitempty"`
	Then    *StepGoto        `json:"then,omitempty"`

	Expression         string      `json:"expression,omitempty"`
	CompiledExpression *vm.Program `json:"-"`
	OnTrue             *StepGoto   `json:"on_true,omitempty"`
	OnFalse            *StepGoto   `json:"on_false,omitempty"`

	Assignee  *WorkflowAssignee `json:"assignee,omitempty"`
	Timeout   string            `json:"timeout,omitempty"` // Go duration, e.g. "72h"
	OnApprove *StepGoto         `json:"on_approve,omitempty"`
	OnReject  *StepGoto         `json:"on_reject,omitempty"`
	OnTimeout *StepGoto         `json:"on_timeout,omitempty"`
}

// Workflow is a long-running process definition. Context maps instance
// context keys to expressions over the triggering record.
type Workflow struct {
	ID      string            `json:"id"`
	Name    string            `json:"name"`
	Trigger WorkflowTrigger   `json:"trigger"`
	Context map[string]string `json:"context"`
	Steps   []WorkflowStep    `json:"steps"`
	Active  bool              `json:"active"`
}

// FindStep returns the step with the given ID, or nil.
func (w *Workflow) FindStep(id string) *WorkflowStep {
	for i := range w.Steps {
		if w.Steps[i].ID == id {
			return &w.Steps[i]
		}
	}
	return nil
}

// WorkflowHistoryEntry records the outcome of one step.
type WorkflowHistoryEntry struct {
	Step   string `json:"step"`
	Status string `json:"status"` // completed, on_true, on_false, approved, rejected, timed_out
	By     string `json:"by,omitempty"`
	At     string `json:"at"`
}

// WorkflowInstance is one execution of a workflow, referenced by the
// workflow's unique name. Status moves through running, paused (waiting on
// approval), completed, failed or cancelled.
type WorkflowInstance struct {
	ID                  string                 `json:"id"`
	WorkflowName        string                 `json:"workflow_name"`
	Status              string                 `json:"status"`
	CurrentStep         string                 `json:"current_step"`
	CurrentStepDeadline *string                `json:"current_step_deadline,omitempty"`
	Context             map[string]any         `json:"context"`
	History             []WorkflowHistoryEntry `json:"history"`
	CreatedAt           string                 `json:"created_at,omitempty"`
	UpdatedAt           string                 `json:"updated_at,omitempty"`
}
