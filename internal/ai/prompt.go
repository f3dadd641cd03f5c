package ai

import (
	"fmt"
	"strings"
)

// BuildSystemPrompt renders the instructions for schema generation. The
// response format matches the export/import schema document, so a generated
// schema can be fed straight into the import endpoint.
func BuildSystemPrompt(existingEntities []string) string {
	var b strings.Builder

	b.WriteString(`You are a backend schema designer. Given a description of an application,
respond with a single JSON object describing its data model. Respond with JSON only, no prose.

The object has this shape:
{
  "version": 1,
  "entities": [
    {
      "name": "snake_case singular name",
      "table": "same as name",
      "primary_key": {"field": "id", "type": "uuid", "generated": true},
      "soft_delete": true,
      "fields": [
        {"name": "...", "type": "...", "required": true|false, "unique": true|false,
         "nullable": true|false, "enum": ["..."], "default": ..., "auto": "now"|"uuid"}
      ]
    }
  ],
  "relations": [
    {"name": "source_target", "type": "one_to_many"|"many_to_one"|"many_to_many",
     "source": "entity", "target": "entity", "fk_field": "...", "join_table": "..."}
  ],
  "rules": [],
  "state_machines": [],
  "workflows": [],
  "permissions": [],
  "webhooks": []
}

Constraints:
- Field types: string, text, int, bigint, float, decimal, boolean, date, timestamp, uuid, json, file, enum.
- Every entity gets created_at and updated_at timestamp fields with "auto": "now".
- Names are lowercase snake_case and valid SQL identifiers.
- many_to_many relations name a join_table; the other types name an fk_field on the many side.
- Only include rules, state machines, workflows, permissions or webhooks when the description asks for that behavior.`)

	if len(existingEntities) > 0 {
		fmt.Fprintf(&b, "\n\nThese entities already exist; reference them in relations but do not redefine them: %s.",
			strings.Join(existingEntities, ", "))
	}

	return b.String()
}
