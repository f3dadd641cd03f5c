package engine_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"testing"

	"github.com/gofiber/fiber/v2"

	"fabrica/internal/config"
	"fabrica/internal/engine"
	"fabrica/internal/metadata"
	"fabrica/internal/store"
)

// The tests in this file run the full request path (fiber -> handler ->
// write pipeline -> SQL) against a throwaway SQLite database.

func testStore(t *testing.T) *store.Store {
	t.Helper()
	ctx := context.Background()
	s, err := store.New(ctx, config.DatabaseConfig{
		Driver: "sqlite",
		Path:   t.TempDir(),
		Name:   "engine_test",
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.Bootstrap(ctx); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	return s
}

func invoiceEntity() *metadata.Entity {
	return &metadata.Entity{
		Name:       "invoice",
		Table:      "invoice",
		PrimaryKey: metadata.PrimaryKey{Field: "id", Type: "uuid", Generated: true},
		SoftDelete: true,
		Fields: []metadata.Field{
			{Name: "id", Type: "uuid"},
			{Name: "number", Type: "string", Required: true},
			{Name: "status", Type: "enum", Enum: []string{"draft", "sent", "paid", "void"}, Default: "draft"},
			{Name: "total", Type: "float"},
			{Name: "sent_at", Type: "timestamp", Nullable: true},
			{Name: "created_at", Type: "timestamp", Auto: "now"},
			{Name: "updated_at", Type: "timestamp", Auto: "now"},
		},
	}
}

func setupInvoices(t *testing.T, s *store.Store) *metadata.Registry {
	t.Helper()
	ctx := context.Background()

	_, err := store.Exec(ctx, s.DB, `CREATE TABLE invoice (
		id TEXT PRIMARY KEY,
		number TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'draft',
		total REAL,
		sent_at TEXT,
		created_at TEXT,
		updated_at TEXT,
		deleted_at TEXT
	)`)
	if err != nil {
		t.Fatalf("create invoice table: %v", err)
	}

	reg := metadata.NewRegistry()
	reg.Load([]*metadata.Entity{invoiceEntity()}, nil)
	reg.LoadRules([]*metadata.Rule{
		{
			ID:     "rule-total-min",
			Entity: "invoice",
			Hook:   "before_write",
			Type:   "field",
			Active: true,
			Definition: metadata.RuleDefinition{
				Field:    "total",
				Operator: "min",
				Value:    0,
				Message:  "total must not be negative",
			},
		},
	})
	reg.LoadStateMachines([]*metadata.StateMachine{
		{
			ID:     "sm-invoice-status",
			Entity: "invoice",
			Field:  "status",
			Active: true,
			Definition: metadata.StateMachineDefinition{
				Initial: "draft",
				Transitions: []metadata.Transition{
					{
						From:  metadata.TransitionFrom{"draft"},
						To:    "sent",
						Guard: "record.total > 0",
						Actions: []metadata.TransitionAction{
							{Type: "set_field", Field: "sent_at", Value: "now"},
						},
					},
					{From: metadata.TransitionFrom{"sent"}, To: "paid"},
				},
			},
		},
	})
	return reg
}

// testApp mounts the dynamic routes with an admin user injected, the way the
// auth middleware does after verifying a token. Permission behavior has its
// own test; everything else runs with the bypass role.
func testApp(t *testing.T, s *store.Store, reg *metadata.Registry) *fiber.App {
	t.Helper()
	app := fiber.New(fiber.Config{ErrorHandler: engine.FiberErrorHandler})
	engine.RegisterDynamicRoutes(app, engine.NewHandler(s, reg), func(c *fiber.Ctx) error {
		c.Locals("user", &metadata.UserContext{ID: "test-admin", Roles: []string{"admin"}})
		return c.Next()
	})
	return app
}

// doJSON performs one request and decodes the JSON response body.
func doJSON(t *testing.T, app *fiber.App, method, path string, payload any) (int, map[string]any) {
	t.Helper()
	var reqBody io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		reqBody = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, path, reqBody)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	var body map[string]any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &body); err != nil {
			t.Fatalf("%s %s: parse response %q: %v", method, path, raw, err)
		}
	}
	return resp.StatusCode, body
}

func createInvoice(t *testing.T, app *fiber.App, number string, total float64) map[string]any {
	t.Helper()
	status, body := doJSON(t, app, "POST", "/api/invoice", map[string]any{
		"number": number,
		"status": "draft",
		"total":  total,
	})
	if status != 201 {
		t.Fatalf("create invoice %s: expected 201, got %d (%v)", number, status, body)
	}
	return body["data"].(map[string]any)
}

func errorCode(body map[string]any) string {
	errObj, _ := body["error"].(map[string]any)
	code, _ := errObj["code"].(string)
	return code
}

func TestCRUDLifecycle(t *testing.T) {
	s := testStore(t)
	reg := setupInvoices(t, s)
	app := testApp(t, s, reg)

	created := createInvoice(t, app, "INV-001", 150)
	id, _ := created["id"].(string)
	if id == "" {
		t.Fatalf("expected generated id, got %v", created)
	}
	if created["status"] != "draft" {
		t.Errorf("expected status draft, got %v", created["status"])
	}
	if created["created_at"] == nil {
		t.Error("expected created_at to be stamped")
	}

	// Read it back.
	status, body := doJSON(t, app, "GET", "/api/invoice/"+id, nil)
	if status != 200 {
		t.Fatalf("get: expected 200, got %d (%v)", status, body)
	}
	record := body["data"].(map[string]any)
	if record["number"] != "INV-001" {
		t.Errorf("expected number INV-001, got %v", record["number"])
	}

	// Update a scalar field.
	status, body = doJSON(t, app, "PUT", "/api/invoice/"+id, map[string]any{"total": 175})
	if status != 200 {
		t.Fatalf("update: expected 200, got %d (%v)", status, body)
	}
	record = body["data"].(map[string]any)
	if total, _ := record["total"].(float64); total != 175 {
		t.Errorf("expected total 175, got %v", record["total"])
	}

	// Soft delete.
	status, body = doJSON(t, app, "DELETE", "/api/invoice/"+id, nil)
	if status != 200 {
		t.Fatalf("delete: expected 200, got %d (%v)", status, body)
	}
	if deleted := body["data"].(map[string]any); deleted["id"] != id {
		t.Errorf("expected deleted id %s, got %v", id, deleted["id"])
	}

	// Soft-deleted rows vanish from reads.
	status, _ = doJSON(t, app, "GET", "/api/invoice/"+id, nil)
	if status != 404 {
		t.Errorf("get after delete: expected 404, got %d", status)
	}
	status, body = doJSON(t, app, "GET", "/api/invoice", nil)
	if status != 200 {
		t.Fatalf("list after delete: expected 200, got %d", status)
	}
	if rows := body["data"].([]any); len(rows) != 0 {
		t.Errorf("expected empty list after delete, got %d rows", len(rows))
	}
}

func TestCreateValidation(t *testing.T) {
	s := testStore(t)
	reg := setupInvoices(t, s)
	app := testApp(t, s, reg)

	// Missing required field.
	status, body := doJSON(t, app, "POST", "/api/invoice", map[string]any{"total": 10})
	if status != 422 {
		t.Fatalf("expected 422, got %d (%v)", status, body)
	}
	if errorCode(body) != "VALIDATION_FAILED" {
		t.Errorf("expected VALIDATION_FAILED, got %s", errorCode(body))
	}

	// Enum violation.
	status, body = doJSON(t, app, "POST", "/api/invoice", map[string]any{
		"number": "INV-002",
		"status": "bogus",
	})
	if status != 422 {
		t.Fatalf("expected 422 for enum violation, got %d (%v)", status, body)
	}

	// Unknown key.
	status, body = doJSON(t, app, "POST", "/api/invoice", map[string]any{
		"number":  "INV-003",
		"mystery": 1,
	})
	if status != 422 {
		t.Fatalf("expected 422 for unknown key, got %d (%v)", status, body)
	}

	// Malformed JSON body.
	req, _ := http.NewRequest("POST", "/api/invoice", bytes.NewReader([]byte("{not json")))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != 400 {
		t.Errorf("expected 400 for malformed body, got %d", resp.StatusCode)
	}
}

func TestRuleBlocksWrite(t *testing.T) {
	s := testStore(t)
	reg := setupInvoices(t, s)
	app := testApp(t, s, reg)

	status, body := doJSON(t, app, "POST", "/api/invoice", map[string]any{
		"number": "INV-NEG",
		"total":  -5,
	})
	if status != 422 {
		t.Fatalf("expected 422, got %d (%v)", status, body)
	}
	if errorCode(body) != "VALIDATION_FAILED" {
		t.Errorf("expected VALIDATION_FAILED, got %s", errorCode(body))
	}

	created := createInvoice(t, app, "INV-OK", 20)
	id := created["id"].(string)

	status, body = doJSON(t, app, "PUT", "/api/invoice/"+id, map[string]any{"total": -1})
	if status != 422 {
		t.Fatalf("expected 422 on update, got %d (%v)", status, body)
	}
}

func TestStateMachineTransitions(t *testing.T) {
	s := testStore(t)
	reg := setupInvoices(t, s)
	app := testApp(t, s, reg)

	created := createInvoice(t, app, "INV-SM", 100)
	id := created["id"].(string)

	// draft -> paid is not a declared transition.
	status, body := doJSON(t, app, "PUT", "/api/invoice/"+id, map[string]any{"status": "paid"})
	if status != 422 {
		t.Fatalf("expected 422 for invalid transition, got %d (%v)", status, body)
	}

	// draft -> sent passes the guard and stamps sent_at.
	status, body = doJSON(t, app, "PUT", "/api/invoice/"+id, map[string]any{"status": "sent"})
	if status != 200 {
		t.Fatalf("expected 200 for valid transition, got %d (%v)", status, body)
	}
	record := body["data"].(map[string]any)
	if record["status"] != "sent" {
		t.Errorf("expected status sent, got %v", record["status"])
	}
	if record["sent_at"] == nil {
		t.Error("expected sent_at stamped by transition action")
	}

	// Guard blocks the transition when total is zero.
	zero := createInvoice(t, app, "INV-ZERO", 0)
	status, body = doJSON(t, app, "PUT", "/api/invoice/"+zero["id"].(string), map[string]any{"status": "sent"})
	if status != 422 {
		t.Fatalf("expected 422 for guard failure, got %d (%v)", status, body)
	}

	// Creating straight into a non-initial state is rejected.
	status, body = doJSON(t, app, "POST", "/api/invoice", map[string]any{
		"number": "INV-BAD-INIT",
		"status": "sent",
		"total":  10,
	})
	if status != 422 {
		t.Fatalf("expected 422 for non-initial create, got %d (%v)", status, body)
	}
}

func TestListFilterSortPaginate(t *testing.T) {
	s := testStore(t)
	reg := setupInvoices(t, s)
	app := testApp(t, s, reg)

	for i, total := range []float64{30, 10, 20} {
		createInvoice(t, app, fmt.Sprintf("INV-%03d", i+1), total)
	}

	status, body := doJSON(t, app, "GET", "/api/invoice?sort=-total", nil)
	if status != 200 {
		t.Fatalf("list: expected 200, got %d (%v)", status, body)
	}
	rows := body["data"].([]any)
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(rows))
	}
	first := rows[0].(map[string]any)
	if total, _ := first["total"].(float64); total != 30 {
		t.Errorf("expected descending sort, first total %v", first["total"])
	}
	meta := body["meta"].(map[string]any)
	if total, _ := meta["total"].(float64); total != 3 {
		t.Errorf("expected meta.total 3, got %v", meta["total"])
	}

	// Comparison filter.
	status, body = doJSON(t, app, "GET", "/api/invoice?filter[total.gte]=20", nil)
	if status != 200 {
		t.Fatalf("filtered list: expected 200, got %d (%v)", status, body)
	}
	if rows := body["data"].([]any); len(rows) != 2 {
		t.Errorf("expected 2 rows with total >= 20, got %d", len(rows))
	}

	// Pagination window.
	status, body = doJSON(t, app, "GET", "/api/invoice?sort=total&page=2&per_page=1", nil)
	if status != 200 {
		t.Fatalf("paged list: expected 200, got %d (%v)", status, body)
	}
	rows = body["data"].([]any)
	if len(rows) != 1 {
		t.Fatalf("expected 1 row per page, got %d", len(rows))
	}
	page := rows[0].(map[string]any)
	if total, _ := page["total"].(float64); total != 20 {
		t.Errorf("expected second page to hold total=20, got %v", page["total"])
	}
	meta = body["meta"].(map[string]any)
	if p, _ := meta["page"].(float64); p != 2 {
		t.Errorf("expected meta.page 2, got %v", meta["page"])
	}

	// Unknown filter field is rejected, not ignored.
	status, body = doJSON(t, app, "GET", "/api/invoice?filter[bogus]=1", nil)
	if status != 400 {
		t.Errorf("expected 400 for unknown filter field, got %d (%v)", status, body)
	}
}

func TestUnknownEntityEnvelope(t *testing.T) {
	s := testStore(t)
	reg := setupInvoices(t, s)
	app := testApp(t, s, reg)

	status, body := doJSON(t, app, "GET", "/api/nonexistent", nil)
	if status != 404 {
		t.Fatalf("expected 404, got %d (%v)", status, body)
	}
	if errorCode(body) != "NOT_FOUND" {
		t.Errorf("expected NOT_FOUND, got %s", errorCode(body))
	}

	status, body = doJSON(t, app, "GET", "/api/invoice/does-not-exist", nil)
	if status != 404 {
		t.Fatalf("expected 404 for missing record, got %d (%v)", status, body)
	}
}

func TestPermissionsEnforced(t *testing.T) {
	s := testStore(t)
	reg := setupInvoices(t, s)
	reg.LoadPermissions([]*metadata.Permission{
		{ID: "perm-1", Entity: "invoice", Action: "create", Roles: []string{"billing"}},
	})

	app := fiber.New(fiber.Config{ErrorHandler: engine.FiberErrorHandler})
	// Inject the authenticated user the way the auth middleware does.
	var user *metadata.UserContext
	engine.RegisterDynamicRoutes(app, engine.NewHandler(s, reg), func(c *fiber.Ctx) error {
		if user != nil {
			c.Locals("user", user)
		}
		return c.Next()
	})

	payload := map[string]any{"number": "INV-P1", "total": 5}

	// Anonymous callers are rejected outright.
	status, body := doJSON(t, app, "POST", "/api/invoice", payload)
	if status != 401 {
		t.Fatalf("expected 401 for anonymous create, got %d (%v)", status, body)
	}

	// Wrong role.
	user = &metadata.UserContext{ID: "u1", Roles: []string{"viewer"}}
	status, body = doJSON(t, app, "POST", "/api/invoice", payload)
	if status != 403 {
		t.Fatalf("expected 403 for viewer, got %d (%v)", status, body)
	}
	if errorCode(body) != "FORBIDDEN" {
		t.Errorf("expected FORBIDDEN, got %s", errorCode(body))
	}

	// Matching role.
	user = &metadata.UserContext{ID: "u2", Roles: []string{"billing"}}
	status, _ = doJSON(t, app, "POST", "/api/invoice", payload)
	if status != 201 {
		t.Fatalf("expected 201 for billing role, got %d", status)
	}

	// No read policy exists, so non-admin reads are denied.
	status, body = doJSON(t, app, "GET", "/api/invoice", nil)
	if status != 403 {
		t.Fatalf("expected 403 for read without policy, got %d (%v)", status, body)
	}

	// Admins bypass policy lookup entirely.
	user = &metadata.UserContext{ID: "u3", Roles: []string{"admin"}}
	status, _ = doJSON(t, app, "GET", "/api/invoice", nil)
	if status != 200 {
		t.Fatalf("expected 200 for admin read, got %d", status)
	}
}
