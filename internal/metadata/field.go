package metadata

// Field describes one column of an entity.
//
// Type is one of: string, text, int, bigint, float, decimal, boolean, date,
// timestamp, uuid, json, file, enum. Auto marks engine-managed values:
// "now" stamps the current time on every write, "uuid" fills a fresh UUID
// when the client leaves the field empty on insert.
type Field struct {
	Name      string   `json:"name"`
	Type      string   `json:"type"`
	Required  bool     `json:"required,omitempty"`
	Unique    bool     `json:"unique,omitempty"`
	Default   any      `json:"default,omitempty"`
	Nullable  bool     `json:"nullable,omitempty"`
	Enum      []string `json:"enum,omitempty"`
	Precision int      `json:"precision,omitempty"`
	Auto      string   `json:"auto,omitempty"` // "now" or "uuid"
}

// IsAuto reports whether the engine manages this field's value.
func (f Field) IsAuto() bool {
	return f.Auto == "now" || f.Auto == "uuid"
}

// InEnum reports whether v is an allowed value. Fields without an enum list
// accept anything.
func (f Field) InEnum(v string) bool {
	if len(f.Enum) == 0 {
		return true
	}
	for _, e := range f.Enum {
		if e == v {
			return true
		}
	}
	return false
}

// IsNumeric reports whether the field holds a numeric SQL type.
func (f Field) IsNumeric() bool {
	switch f.Type {
	case "int", "bigint", "float", "decimal":
		return true
	}
	return false
}

// ValidFieldTypes lists every accepted field type; admin validation rejects
// definitions outside this set before they reach the migrator.
var ValidFieldTypes = map[string]bool{
	"string": true, "text": true, "int": true, "bigint": true,
	"float": true, "decimal": true, "boolean": true, "date": true,
	"timestamp": true, "uuid": true, "json": true, "file": true,
	"enum": true,
}
