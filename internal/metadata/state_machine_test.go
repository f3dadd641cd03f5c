package metadata

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateMachineDefinitionJSON(t *testing.T) {
	raw := `{
		"initial": "draft",
		"transitions": [
			{
				"from": "draft",
				"to": "sent",
				"roles": ["admin", "accountant"],
				"guard": "record.total > 0",
				"actions": [
					{ "type": "set_field", "field": "sent_at", "value": "now" }
				]
			},
			{
				"from": ["draft", "sent"],
				"to": "void",
				"roles": ["admin"]
			}
		]
	}`

	var def StateMachineDefinition
	require.NoError(t, json.Unmarshal([]byte(raw), &def))
	assert.Equal(t, "draft", def.Initial)
	require.Len(t, def.Transitions, 2)

	// "from" as a single string
	tr0 := def.Transitions[0]
	assert.Equal(t, TransitionFrom{"draft"}, tr0.From)
	assert.Equal(t, "sent", tr0.To)
	assert.Equal(t, "record.total > 0", tr0.Guard)
	require.Len(t, tr0.Actions, 1)
	assert.Equal(t, "set_field", tr0.Actions[0].Type)
	assert.Equal(t, "now", tr0.Actions[0].Value)

	// "from" as an array
	tr1 := def.Transitions[1]
	assert.Equal(t, TransitionFrom{"draft", "sent"}, tr1.From)
}

func TestTransitionFromMarshal(t *testing.T) {
	single, err := json.Marshal(TransitionFrom{"draft"})
	require.NoError(t, err)
	assert.Equal(t, `"draft"`, string(single))

	multi, err := json.Marshal(TransitionFrom{"draft", "sent"})
	require.NoError(t, err)
	assert.Equal(t, `["draft","sent"]`, string(multi))
}

func TestFindTransition(t *testing.T) {
	sm := &StateMachine{
		Entity: "invoice",
		Field:  "status",
		Definition: StateMachineDefinition{
			Initial: "draft",
			Transitions: []Transition{
				{From: TransitionFrom{"draft"}, To: "sent"},
				{From: TransitionFrom{"draft", "sent"}, To: "void"},
			},
		},
	}

	require.NotNil(t, sm.FindTransition("draft", "sent"))
	require.NotNil(t, sm.FindTransition("sent", "void"))
	assert.Nil(t, sm.FindTransition("sent", "draft"), "reverse edge is not declared")
	assert.Nil(t, sm.FindTransition("void", "sent"))
}

func TestRegistryStateMachinesFilterActive(t *testing.T) {
	reg := NewRegistry()
	reg.LoadStateMachines([]*StateMachine{
		{ID: "1", Entity: "invoice", Field: "status", Active: true},
		{ID: "2", Entity: "invoice", Field: "stage", Active: false},
		{ID: "3", Entity: "order", Field: "status", Active: true},
	})

	invoiceSMs := reg.GetStateMachinesForEntity("invoice")
	require.Len(t, invoiceSMs, 1)
	assert.Equal(t, "status", invoiceSMs[0].Field)
	assert.Len(t, reg.GetStateMachinesForEntity("order"), 1)
	assert.Empty(t, reg.GetStateMachinesForEntity("nonexistent"))
}
