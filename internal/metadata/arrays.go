package metadata

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ParseStringArray decodes a roles/tags column into a string slice. The
// value arrives in different shapes depending on the source: Postgres
// returns TEXT[] literals like {admin,editor}, SQLite stores a JSON array
// as TEXT, the driver may hand back []byte, and values decoded from a
// request body arrive as []any or []string.
func ParseStringArray(raw any) []string {
	switch v := raw.(type) {
	case nil:
		return nil
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s := fmt.Sprintf("%v", item); s != "" {
				out = append(out, s)
			}
		}
		return out
	case []byte:
		return parseStringArrayText(string(v))
	case string:
		return parseStringArrayText(v)
	default:
		return parseStringArrayText(fmt.Sprintf("%v", raw))
	}
}

func parseStringArrayText(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "{}" || raw == "[]" || raw == "null" {
		return nil
	}

	if strings.HasPrefix(raw, "[") {
		var out []string
		if err := json.Unmarshal([]byte(raw), &out); err == nil {
			return out
		}
		return nil
	}

	if strings.HasPrefix(raw, "{") && strings.HasSuffix(raw, "}") {
		inner := raw[1 : len(raw)-1]
		if inner == "" {
			return nil
		}
		parts := strings.Split(inner, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			p = strings.Trim(p, `"`)
			if p != "" {
				out = append(out, p)
			}
		}
		return out
	}

	return []string{raw}
}
