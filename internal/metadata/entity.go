package metadata

import "regexp"

// identPattern constrains entity, table, field and relation names.
var identPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// ValidIdent reports whether a name is usable as a SQL identifier.
func ValidIdent(name string) bool {
	return identPattern.MatchString(name)
}

// SlugConfig derives a URL-safe unique string from another field at write time.
type SlugConfig struct {
	Field              string `json:"field"`
	Source             string `json:"source,omitempty"`
	RegenerateOnUpdate bool   `json:"regenerate_on_update,omitempty"`
}

type PrimaryKey struct {
	Field     string `json:"field"`
	Type      string `json:"type"` // uuid, int, bigint, string
	Generated bool   `json:"generated"`
}

// Entity describes a user-defined record type and its backing table.
type Entity struct {
	Name       string      `json:"name"`
	Table      string      `json:"table"`
	PrimaryKey PrimaryKey  `json:"primary_key"`
	SoftDelete bool        `json:"soft_delete"`
	Slug       *SlugConfig `json:"slug,omitempty"`
	Fields     []Field     `json:"fields"`
}

// GetField returns a pointer to the field with the given name, or nil.
func (e *Entity) GetField(name string) *Field {
	for i := range e.Fields {
		if e.Fields[i].Name == name {
			return &e.Fields[i]
		}
	}
	return nil
}

func (e *Entity) HasField(name string) bool {
	return e.GetField(name) != nil
}

// FieldNames returns the declared column names in definition order.
func (e *Entity) FieldNames() []string {
	names := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		names[i] = f.Name
	}
	return names
}

// WritableFields returns the fields a client may supply on a write.
// The generated primary key and engine-managed auto fields are excluded.
func (e *Entity) WritableFields() []Field {
	var out []Field
	for _, f := range e.Fields {
		if f.Name == e.PrimaryKey.Field && e.PrimaryKey.Generated {
			continue
		}
		if f.IsAuto() {
			continue
		}
		out = append(out, f)
	}
	return out
}

// FileFields returns fields of type "file", which store file ids and are
// hydrated with upload metadata by the engine.
func (e *Entity) FileFields() []Field {
	var out []Field
	for _, f := range e.Fields {
		if f.Type == "file" {
			out = append(out, f)
		}
	}
	return out
}
