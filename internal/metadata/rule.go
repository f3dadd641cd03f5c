package metadata

// RelatedLoadSpec names a relation the engine pre-fetches into the expression
// environment before evaluating a rule.
type RelatedLoadSpec struct {
	Relation string         `json:"relation"`
	Filter   map[string]any `json:"filter,omitempty"`
}

// RuleDefinition is the JSON body of a rule row. Field rules use Field,
// Operator and Value; expression and computed rules use Expression. Computed
// rules write their result back into Definition.Field.
type RuleDefinition struct {
	Field    string `json:"field,omitempty"`
	Operator string `json:"operator,omitempty"`
	Value    any    `json:"value,omitempty"`

	Expression string `json:"expression,omitempty"`

	Message    string `json:"message,omitempty"`
	StopOnFail bool   `json:"stop_on_fail,omitempty"`

	RelatedLoad []RelatedLoadSpec `json:"related_load,omitempty"`
}

// Rule is a validation or computed rule bound to an entity hook.
type Rule struct {
	ID         string         `json:"id"`
	Entity     string         `json:"entity"`
	Hook       string         `json:"hook"` // before_write, before_delete
	Type       string         `json:"type"` // field, expression, computed
	Definition RuleDefinition `json:"definition"`
	Priority   int            `json:"priority"`
	Active     bool           `json:"active"`

	// Compiled caches the expression program; set at load time.
	Compiled any `json:"-"`
}

var ValidRuleHooks = map[string]bool{"before_write": true, "before_delete": true}
var ValidRuleTypes = map[string]bool{"field": true, "expression": true, "computed": true}
