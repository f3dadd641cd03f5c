package metadata

import "encoding/json"

// TransitionAction runs inside the transition's transaction. "now" as the
// set_field value means the current timestamp.
type TransitionAction struct {
	Type   string `json:"type"` // set_field, webhook, create_record, send_event
	Field  string `json:"field,omitempty"`
	Value  any    `json:"value,omitempty"`
	URL    string `json:"url,omitempty"`
	Method string `json:"method,omitempty"`
	Event  string `json:"event,omitempty"`
	Entity string `json:"entity,omitempty"`
	Values map[string]any `json:"values,omitempty"` // for create_record
}

// TransitionFrom accepts either a single state string or an array of states.
type TransitionFrom []string

func (t *TransitionFrom) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*t = []string{single}
		return nil
	}
	var arr []string
	if err := json.Unmarshal(data, &arr); err != nil {
		return err
	}
	*t = arr
	return nil
}

func (t TransitionFrom) MarshalJSON() ([]byte, error) {
	if len(t) == 1 {
		return json.Marshal(t[0])
	}
	return json.Marshal([]string(t))
}

// Contains reports whether state is an allowed origin for the transition.
func (t TransitionFrom) Contains(state string) bool {
	for _, s := range t {
		if s == state {
			return true
		}
	}
	return false
}

// Transition is one allowed state change. Roles restricts who may perform
// it; Guard is an expression that must evaluate truthy against the record.
type Transition struct {
	From    TransitionFrom     `json:"from"`
	To      string             `json:"to"`
	Roles   []string           `json:"roles,omitempty"`
	Guard   string             `json:"guard,omitempty"`
	Actions []TransitionAction `json:"actions,omitempty"`

	// CompiledGuard caches the guard program; set at load time.
	CompiledGuard any `json:"-"`
}

// StateMachineDefinition is the JSON body of a state machine row.
type StateMachineDefinition struct {
	Initial     string       `json:"initial"`
	Transitions []Transition `json:"transitions"`
}

// StateMachine constrains writes to one field of an entity to the declared
// transition graph.
type StateMachine struct {
	ID         string                 `json:"id"`
	Entity     string                 `json:"entity"`
	Field      string                 `json:"field"`
	Definition StateMachineDefinition `json:"definition"`
	Active     bool                   `json:"active"`
}

// FindTransition returns the transition matching from -> to, or nil.
func (sm *StateMachine) FindTransition(from, to string) *Transition {
	for i := range sm.Definition.Transitions {
		t := &sm.Definition.Transitions[i]
		if t.To == to && t.From.Contains(from) {
			return t
		}
	}
	return nil
}
