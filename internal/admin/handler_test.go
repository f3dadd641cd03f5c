package admin_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"

	"fabrica/internal/admin"
	"fabrica/internal/config"
	"fabrica/internal/engine"
	"fabrica/internal/metadata"
	"fabrica/internal/store"
)

func adminTestApp(t *testing.T) (*fiber.App, *store.Store, *metadata.Registry) {
	t.Helper()
	ctx := context.Background()
	s, err := store.New(ctx, config.DatabaseConfig{
		Driver: "sqlite",
		Path:   t.TempDir(),
		Name:   "admin_test",
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Bootstrap(ctx))

	reg := metadata.NewRegistry()
	require.NoError(t, metadata.LoadAll(ctx, s.DB, reg))

	h := admin.NewHandler(s, reg, store.NewMigrator(s))
	app := fiber.New(fiber.Config{ErrorHandler: engine.FiberErrorHandler})
	admin.RegisterAdminRoutes(app, h, func(c *fiber.Ctx) error {
		c.Locals("user", &metadata.UserContext{ID: "test-admin", Roles: []string{"admin"}})
		return c.Next()
	})
	return app, s, reg
}

func postJSON(t *testing.T, app *fiber.App, path string, payload any) (int, map[string]any) {
	t.Helper()
	b, err := json.Marshal(payload)
	require.NoError(t, err)
	req, err := http.NewRequest("POST", path, bytes.NewReader(b))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	var body map[string]any
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &body), "response: %s", raw)
	}
	return resp.StatusCode, body
}

func bookExport() map[string]any {
	return map[string]any{
		"version": 1,
		"entities": []map[string]any{{
			"name":        "book",
			"table":       "book",
			"primary_key": map[string]any{"field": "id", "type": "uuid", "generated": true},
			"soft_delete": false,
			"fields": []map[string]any{
				{"name": "id", "type": "uuid"},
				{"name": "title", "type": "string", "required": true},
			},
		}},
		"rules": []map[string]any{{
			"entity": "book", "hook": "before_write", "type": "field",
			"definition": map[string]any{"field": "title", "operator": "required", "message": "title required"},
			"priority":   0, "active": true,
		}},
		"permissions": []map[string]any{{
			"entity": "book", "action": "read", "roles": []string{"reader"},
		}},
		"webhooks": []map[string]any{{
			"entity": "book", "hook": "after_write", "url": "https://example.com/hook",
			"method": "POST", "async": true, "active": true,
		}},
	}
}

func importSummary(t *testing.T, body map[string]any) map[string]any {
	t.Helper()
	data, ok := body["data"].(map[string]any)
	require.True(t, ok, "expected data envelope: %v", body)
	summary, ok := data["summary"].(map[string]any)
	require.True(t, ok, "expected summary: %v", data)
	return summary
}

func countRows(t *testing.T, s *store.Store, table string) int {
	t.Helper()
	row, err := store.QueryRow(context.Background(), s.DB, "SELECT COUNT(*) AS cnt FROM "+table)
	require.NoError(t, err)
	var n int
	switch v := row["cnt"].(type) {
	case int64:
		n = int(v)
	case float64:
		n = int(v)
	}
	return n
}

func TestSchemaImportIsIdempotent(t *testing.T) {
	app, s, reg := adminTestApp(t)

	status, body := postJSON(t, app, "/api/_admin/schema/import", bookExport())
	require.Equal(t, 200, status, "first import: %v", body)

	summary := importSummary(t, body)
	require.EqualValues(t, 1, summary["entities"])
	require.EqualValues(t, 1, summary["rules"])
	require.EqualValues(t, 1, summary["permissions"])
	require.EqualValues(t, 1, summary["webhooks"])
	require.Nil(t, body["data"].(map[string]any)["errors"])

	// The registry picked up the entity and the migrator created its table.
	require.NotNil(t, reg.GetEntity("book"))
	_, err := store.Exec(context.Background(), s.DB,
		"INSERT INTO book (id, title) VALUES ('b1', 'Dune')")
	require.NoError(t, err, "business table must exist after import")

	// Re-running the same export changes nothing.
	status, body = postJSON(t, app, "/api/_admin/schema/import", bookExport())
	require.Equal(t, 200, status, "second import: %v", body)

	summary = importSummary(t, body)
	require.EqualValues(t, 0, summary["entities"])
	require.EqualValues(t, 0, summary["rules"])
	require.EqualValues(t, 0, summary["permissions"])
	require.EqualValues(t, 0, summary["webhooks"])
	require.Nil(t, body["data"].(map[string]any)["errors"])

	require.Equal(t, 1, countRows(t, s, "_rules"))
	require.Equal(t, 1, countRows(t, s, "_permissions"))
	require.Equal(t, 1, countRows(t, s, "_webhooks"))
}

func TestSchemaImportRejectsUnknownVersion(t *testing.T) {
	app, _, _ := adminTestApp(t)

	payload := bookExport()
	payload["version"] = 99
	status, body := postJSON(t, app, "/api/_admin/schema/import", payload)
	require.Equal(t, 422, status, "body: %v", body)
}
