package metadata

// Permission grants an action on an entity to a set of roles, optionally
// narrowed by record-level conditions. Conditions on read actions become
// WHERE filters; on writes they are checked against the record.
type Permission struct {
	ID         string                `json:"id,omitempty"`
	Entity     string                `json:"entity"`
	Action     string                `json:"action"` // read, create, update, delete
	Roles      []string              `json:"roles"`
	Conditions []PermissionCondition `json:"conditions,omitempty"`
}

// PermissionCondition compares a record field against a literal value, or
// against the current user when Value is "$user.id".
type PermissionCondition struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    any    `json:"value"`
}
