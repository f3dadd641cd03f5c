package metadata

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStepGotoJSON(t *testing.T) {
	var sg StepGoto
	require.NoError(t, json.Unmarshal([]byte(`{"goto": "check_amount"}`), &sg))
	assert.Equal(t, "check_amount", sg.Goto)

	require.NoError(t, json.Unmarshal([]byte(`"end"`), &sg))
	assert.Equal(t, "end", sg.Goto)
	assert.True(t, sg.IsEnd())

	obj, err := json.Marshal(StepGoto{Goto: "check_amount"})
	require.NoError(t, err)
	assert.Equal(t, `{"goto":"check_amount"}`, string(obj))

	end, err := json.Marshal(StepGoto{Goto: "end"})
	require.NoError(t, err)
	assert.Equal(t, `"end"`, string(end))
}

func TestWorkflowParseFullJSON(t *testing.T) {
	raw := `{
		"id": "wf-001",
		"name": "purchase_order_approval",
		"trigger": {
			"type": "state_change",
			"entity": "purchase_order",
			"field": "status",
			"to": "pending_approval"
		},
		"context": {
			"record_id": "trigger.record_id",
			"amount": "trigger.record.amount"
		},
		"steps": [
			{
				"id": "manager_approval",
				"type": "approval",
				"assignee": { "type": "role", "role": "manager" },
				"timeout": "72h",
				"on_approve": { "goto": "check_amount" },
				"on_reject": { "goto": "rejected" },
				"on_timeout": { "goto": "escalate" }
			},
			{
				"id": "check_amount",
				"type": "condition",
				"expression": "context.amount > 10000",
				"on_true": { "goto": "finance_approval" },
				"on_false": { "goto": "approved" }
			},
			{
				"id": "approved",
				"type": "action",
				"actions": [
					{ "type": "set_field", "entity": "purchase_order", "record_id": "context.record_id", "field": "status", "value": "approved" }
				],
				"then": "end"
			}
		],
		"active": true
	}`

	var wf Workflow
	require.NoError(t, json.Unmarshal([]byte(raw), &wf))

	assert.Equal(t, "purchase_order_approval", wf.Name)
	assert.Equal(t, "state_change", wf.Trigger.Type)
	assert.Equal(t, "pending_approval", wf.Trigger.To)
	assert.Equal(t, "trigger.record_id", wf.Context["record_id"])
	require.Len(t, wf.Steps, 3)

	approval := wf.Steps[0]
	require.NotNil(t, approval.Assignee)
	assert.Equal(t, "manager", approval.Assignee.Role)
	assert.Equal(t, "72h", approval.Timeout)
	assert.Equal(t, "check_amount", approval.OnApprove.Goto)

	cond := wf.Steps[1]
	assert.Equal(t, "context.amount > 10000", cond.Expression)
	assert.Equal(t, "finance_approval", cond.OnTrue.Goto)
	assert.Equal(t, "approved", cond.OnFalse.Goto)

	action := wf.Steps[2]
	require.Len(t, action.Actions, 1)
	assert.Equal(t, "set_field", action.Actions[0].Type)
	assert.True(t, action.Then.IsEnd())
}

func TestWorkflowFindStep(t *testing.T) {
	wf := Workflow{
		Steps: []WorkflowStep{
			{ID: "step1", Type: "action"},
			{ID: "step2", Type: "condition"},
		},
	}

	s := wf.FindStep("step2")
	require.NotNil(t, s)
	assert.Equal(t, "condition", s.Type)
	assert.Nil(t, wf.FindStep("nonexistent"))
}

func TestWorkflowMarshalRoundTrip(t *testing.T) {
	wf := Workflow{
		Name: "auto_approve",
		Trigger: WorkflowTrigger{
			Type: "state_change", Entity: "order", Field: "status", To: "approved",
		},
		Context: map[string]string{"id": "trigger.record_id"},
		Steps: []WorkflowStep{
			{
				ID:   "apply",
				Type: "action",
				Actions: []WorkflowAction{
					{Type: "set_field", Entity: "order", Field: "approved", Value: true},
				},
				Then: &StepGoto{Goto: "end"},
			},
		},
		Active: true,
	}

	data, err := json.Marshal(wf)
	require.NoError(t, err)

	var wf2 Workflow
	require.NoError(t, json.Unmarshal(data, &wf2))
	assert.Equal(t, "auto_approve", wf2.Name)
	require.Len(t, wf2.Steps, 1)
	assert.True(t, wf2.Steps[0].Then.IsEnd())
}

func TestRegistryWorkflowTriggers(t *testing.T) {
	reg := NewRegistry()
	reg.LoadWorkflows([]*Workflow{
		{
			ID: "1", Name: "po_approval", Active: true,
			Trigger: WorkflowTrigger{Type: "state_change", Entity: "purchase_order", Field: "status", To: "pending"},
		},
		{
			ID: "2", Name: "inactive_wf", Active: false,
			Trigger: WorkflowTrigger{Type: "state_change", Entity: "purchase_order", Field: "status", To: "pending"},
		},
		{
			ID: "3", Name: "order_wf", Active: true,
			Trigger: WorkflowTrigger{Type: "state_change", Entity: "order", Field: "status", To: "shipped"},
		},
	})

	poWFs := reg.GetWorkflowsForTrigger("purchase_order", "status", "pending")
	require.Len(t, poWFs, 1, "inactive workflows must be filtered")
	assert.Equal(t, "po_approval", poWFs[0].Name)

	assert.Len(t, reg.GetWorkflowsForTrigger("order", "status", "shipped"), 1)
	assert.Empty(t, reg.GetWorkflowsForTrigger("nonexistent", "status", "active"))

	wf := reg.GetWorkflow("po_approval")
	require.NotNil(t, wf)
	assert.Equal(t, "1", wf.ID)
	assert.Nil(t, reg.GetWorkflow("nonexistent"))
}
