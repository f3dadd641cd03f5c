package metadata

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRuleDefinitionFieldRule(t *testing.T) {
	raw := `{
		"field": "total",
		"operator": "min",
		"value": 0,
		"message": "Total must be non-negative"
	}`
	var def RuleDefinition
	require.NoError(t, json.Unmarshal([]byte(raw), &def))
	assert.Equal(t, "total", def.Field)
	assert.Equal(t, "min", def.Operator)
	assert.Equal(t, float64(0), def.Value)
	assert.Equal(t, "Total must be non-negative", def.Message)
}

func TestRuleDefinitionExpressionRule(t *testing.T) {
	raw := `{
		"expression": "record.status == 'paid' && record.payment_date == nil",
		"message": "Payment date is required when status is paid",
		"stop_on_fail": true,
		"related_load": [{"relation": "items"}]
	}`
	var def RuleDefinition
	require.NoError(t, json.Unmarshal([]byte(raw), &def))
	assert.True(t, def.StopOnFail)
	require.Len(t, def.RelatedLoad, 1)
	assert.Equal(t, "items", def.RelatedLoad[0].Relation)
}

func TestRuleDefinitionComputedField(t *testing.T) {
	raw := `{
		"field": "total",
		"expression": "record.subtotal * (1 + record.tax_rate)"
	}`
	var def RuleDefinition
	require.NoError(t, json.Unmarshal([]byte(raw), &def))
	assert.Equal(t, "total", def.Field)
	assert.Equal(t, "record.subtotal * (1 + record.tax_rate)", def.Expression)
}

func TestRegistryRulesByEntityHook(t *testing.T) {
	reg := NewRegistry()
	reg.LoadRules([]*Rule{
		{ID: "1", Entity: "invoice", Hook: "before_write", Type: "field", Priority: 20, Active: true},
		{ID: "2", Entity: "invoice", Hook: "before_write", Type: "expression", Priority: 10, Active: true},
		{ID: "3", Entity: "invoice", Hook: "before_delete", Type: "expression", Active: true},
		{ID: "4", Entity: "customer", Hook: "before_write", Type: "field", Active: true},
		{ID: "5", Entity: "invoice", Hook: "before_write", Type: "field", Active: false},
	})

	beforeWrite := reg.GetRulesForEntity("invoice", "before_write")
	require.Len(t, beforeWrite, 2, "inactive rules must be filtered")
	assert.Equal(t, "2", beforeWrite[0].ID, "rules come back in priority order")
	assert.Equal(t, "1", beforeWrite[1].ID)

	assert.Len(t, reg.GetRulesForEntity("invoice", "before_delete"), 1)
	assert.Len(t, reg.GetRulesForEntity("customer", "before_write"), 1)
	assert.Empty(t, reg.GetRulesForEntity("nonexistent", "before_write"))
}

func TestRegistryReplaceIsAtomic(t *testing.T) {
	reg := NewRegistry()
	reg.Replace(
		[]*Entity{{Name: "invoice", Table: "invoices"}},
		[]*Relation{{Name: "items", Type: "one_to_many", Source: "invoice", Target: "line_item"}},
		[]*Rule{{ID: "r1", Entity: "invoice", Hook: "before_write", Active: true}},
		nil, nil,
		[]*Permission{{ID: "p1", Entity: "invoice", Action: "read", Roles: []string{"admin"}}},
		[]*Webhook{{ID: "w1", Entity: "invoice", Hook: "after_write", Active: true}},
	)

	require.NotNil(t, reg.GetEntity("invoice"))
	require.NotNil(t, reg.GetRelation("items"))
	assert.Len(t, reg.GetRulesForEntity("invoice", "before_write"), 1)
	assert.Len(t, reg.GetPermissions("invoice", "read"), 1)
	assert.Len(t, reg.GetWebhooksForEntityHook("invoice", "after_write"), 1)

	// A second Replace removes everything the first one held.
	reg.Replace([]*Entity{{Name: "order", Table: "orders"}}, nil, nil, nil, nil, nil, nil)
	assert.Nil(t, reg.GetEntity("invoice"))
	assert.Nil(t, reg.GetRelation("items"))
	assert.Empty(t, reg.GetRulesForEntity("invoice", "before_write"))
	require.NotNil(t, reg.GetEntity("order"))
}

func TestFindRelationForEntity(t *testing.T) {
	reg := NewRegistry()
	reg.Load(
		[]*Entity{{Name: "post"}, {Name: "tag"}, {Name: "comment"}},
		[]*Relation{
			{Name: "comments", Type: "one_to_many", Source: "post", Target: "comment"},
			{Name: "post_tags", Type: "many_to_many", Source: "post", Target: "tag"},
		},
	)

	assert.NotNil(t, reg.FindRelationForEntity("comments", "post"), "exact name")
	assert.NotNil(t, reg.FindRelationForEntity("comment", "post"), "target entity alias")
	assert.NotNil(t, reg.FindRelationForEntity("tags", "post"), "entity_include fallback")
	assert.Nil(t, reg.FindRelationForEntity("comments", "tag"), "relation must involve the entity")
}
