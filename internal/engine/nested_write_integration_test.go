package engine_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/gofiber/fiber/v2"

	"fabrica/internal/engine"
	"fabrica/internal/metadata"
	"fabrica/internal/store"
)

func invoiceItemEntity() *metadata.Entity {
	return &metadata.Entity{
		Name:       "invoice_item",
		Table:      "invoice_item",
		PrimaryKey: metadata.PrimaryKey{Field: "id", Type: "uuid", Generated: true},
		SoftDelete: true,
		Fields: []metadata.Field{
			{Name: "id", Type: "uuid"},
			{Name: "invoice_id", Type: "uuid"},
			{Name: "description", Type: "string", Required: true},
			{Name: "qty", Type: "integer"},
		},
	}
}

// setupInvoiceItems extends the invoice fixture with a one-to-many items
// relation using the default diff write mode.
func setupInvoiceItems(t *testing.T, s *store.Store, reg *metadata.Registry) {
	t.Helper()
	_, err := store.Exec(context.Background(), s.DB, `CREATE TABLE invoice_item (
		id TEXT PRIMARY KEY,
		invoice_id TEXT,
		description TEXT NOT NULL,
		qty INTEGER,
		deleted_at TEXT
	)`)
	if err != nil {
		t.Fatalf("create invoice_item table: %v", err)
	}

	reg.Load(
		[]*metadata.Entity{invoiceEntity(), invoiceItemEntity()},
		[]*metadata.Relation{{
			Name:      "items",
			Type:      "one_to_many",
			Source:    "invoice",
			Target:    "invoice_item",
			SourceKey: "id",
			TargetKey: "invoice_id",
			OnDelete:  "cascade",
		}},
	)
}

func itemRows(t *testing.T, s *store.Store, invoiceID string) []map[string]any {
	t.Helper()
	rows, err := store.QueryRows(context.Background(), s.DB,
		fmt.Sprintf("SELECT id, description, qty, deleted_at FROM invoice_item WHERE invoice_id = '%s' ORDER BY description", invoiceID))
	if err != nil {
		t.Fatalf("query items: %v", err)
	}
	return rows
}

func liveItems(rows []map[string]any) []map[string]any {
	var out []map[string]any
	for _, r := range rows {
		if r["deleted_at"] == nil {
			out = append(out, r)
		}
	}
	return out
}

func TestNestedDiffWrite(t *testing.T) {
	s := testStore(t)
	reg := setupInvoices(t, s)
	setupInvoiceItems(t, s, reg)
	app := testApp(t, s, reg)

	// Create the parent with two children in one request.
	status, body := doJSON(t, app, "POST", "/api/invoice", map[string]any{
		"number": "INV-NEST",
		"status": "draft",
		"total":  100,
		"items": []map[string]any{
			{"description": "alpha", "qty": 1},
			{"description": "beta", "qty": 2},
		},
	})
	if status != 201 {
		t.Fatalf("create: expected 201, got %d (%v)", status, body)
	}
	invoiceID := body["data"].(map[string]any)["id"].(string)

	items := liveItems(itemRows(t, s, invoiceID))
	if len(items) != 2 {
		t.Fatalf("expected 2 children, got %d", len(items))
	}
	alphaID := items[0]["id"].(string)

	// Diff semantics in one update: update alpha by PK, insert gamma,
	// delete beta, and reference an unknown PK that must be ignored.
	betaID := items[1]["id"].(string)
	status, body = doJSON(t, app, "PUT", "/api/invoice/"+invoiceID, map[string]any{
		"items": []map[string]any{
			{"id": alphaID, "description": "alpha", "qty": 10},
			{"description": "gamma", "qty": 3},
			{"id": betaID, "_delete": true},
			{"id": "00000000-0000-0000-0000-000000000000", "description": "ghost"},
		},
	})
	if status != 200 {
		t.Fatalf("diff update: expected 200, got %d (%v)", status, body)
	}

	rows := itemRows(t, s, invoiceID)
	live := liveItems(rows)
	if len(live) != 2 {
		t.Fatalf("expected 2 live children after diff, got %d (%v)", len(live), live)
	}
	byDesc := map[string]map[string]any{}
	for _, r := range live {
		byDesc[r["description"].(string)] = r
	}
	if byDesc["alpha"] == nil || toInt64(byDesc["alpha"]["qty"]) != 10 {
		t.Errorf("expected alpha updated to qty 10, got %v", byDesc["alpha"])
	}
	if byDesc["gamma"] == nil {
		t.Error("expected gamma inserted")
	}
	if byDesc["ghost"] != nil {
		t.Error("unknown PK must be ignored, not adopted")
	}

	// Beta is soft deleted, not gone.
	deletedBeta := false
	for _, r := range rows {
		if r["id"] == betaID && r["deleted_at"] != nil {
			deletedBeta = true
		}
	}
	if !deletedBeta {
		t.Error("expected beta soft deleted")
	}
}

func TestNestedWriteRunsChildRules(t *testing.T) {
	s := testStore(t)
	reg := setupInvoices(t, s)
	setupInvoiceItems(t, s, reg)
	reg.LoadRules([]*metadata.Rule{{
		ID:     "rule-item-qty",
		Entity: "invoice_item",
		Hook:   "before_write",
		Type:   "field",
		Active: true,
		Definition: metadata.RuleDefinition{
			Field:    "qty",
			Operator: "min",
			Value:    1,
			Message:  "qty must be at least 1",
		},
	}})
	app := testApp(t, s, reg)

	status, body := doJSON(t, app, "POST", "/api/invoice", map[string]any{
		"number": "INV-CHILD-RULE",
		"status": "draft",
		"total":  10,
		"items":  []map[string]any{{"description": "bad", "qty": 0}},
	})
	if status != 422 {
		t.Fatalf("expected 422 from child rule, got %d (%v)", status, body)
	}
	if errorCode(body) != "VALIDATION_FAILED" {
		t.Errorf("expected VALIDATION_FAILED, got %s", errorCode(body))
	}

	// The whole transaction rolled back, parent included.
	rows, err := store.QueryRows(context.Background(), s.DB,
		"SELECT id FROM invoice WHERE number = 'INV-CHILD-RULE'")
	if err != nil {
		t.Fatalf("query invoices: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected parent rolled back, found %d rows", len(rows))
	}

	// A compliant child passes.
	status, _ = doJSON(t, app, "POST", "/api/invoice", map[string]any{
		"number": "INV-CHILD-OK",
		"status": "draft",
		"total":  10,
		"items":  []map[string]any{{"description": "good", "qty": 2}},
	})
	if status != 201 {
		t.Fatalf("expected 201 for valid child, got %d", status)
	}
}

func TestCascadeDeleteSoftDeletesChildren(t *testing.T) {
	s := testStore(t)
	reg := setupInvoices(t, s)
	setupInvoiceItems(t, s, reg)
	app := testApp(t, s, reg)

	status, body := doJSON(t, app, "POST", "/api/invoice", map[string]any{
		"number": "INV-CASCADE",
		"status": "draft",
		"total":  50,
		"items": []map[string]any{
			{"description": "one", "qty": 1},
			{"description": "two", "qty": 2},
		},
	})
	if status != 201 {
		t.Fatalf("create: expected 201, got %d (%v)", status, body)
	}
	invoiceID := body["data"].(map[string]any)["id"].(string)

	status, _ = doJSON(t, app, "DELETE", "/api/invoice/"+invoiceID, nil)
	if status != 200 {
		t.Fatalf("delete: expected 200, got %d", status)
	}

	rows := itemRows(t, s, invoiceID)
	if len(rows) != 2 {
		t.Fatalf("expected children retained as rows, got %d", len(rows))
	}
	if live := liveItems(rows); len(live) != 0 {
		t.Fatalf("expected all children soft deleted, %d still live", len(live))
	}
}

// Row filters from read permissions apply to single-record fetches the same
// way they scope lists: a row outside the filter looks missing.
func TestReadFiltersScopeGetByID(t *testing.T) {
	s := testStore(t)
	reg := setupInvoices(t, s)
	_, err := store.Exec(context.Background(), s.DB,
		"ALTER TABLE invoice ADD COLUMN owner_id TEXT")
	if err != nil {
		t.Fatalf("add owner column: %v", err)
	}
	ent := invoiceEntity()
	ent.Fields = append(ent.Fields, metadata.Field{Name: "owner_id", Type: "string"})
	reg.Load([]*metadata.Entity{ent}, nil)
	reg.LoadPermissions([]*metadata.Permission{
		{ID: "perm-own", Entity: "invoice", Action: "read", Roles: []string{"customer"},
			Conditions: []metadata.PermissionCondition{{Field: "owner_id", Operator: "eq", Value: "$user.id"}}},
		{ID: "perm-create", Entity: "invoice", Action: "create", Roles: []string{"customer"}},
	})

	app := fiber.New(fiber.Config{ErrorHandler: engine.FiberErrorHandler})
	var user *metadata.UserContext
	engine.RegisterDynamicRoutes(app, engine.NewHandler(s, reg), func(c *fiber.Ctx) error {
		if user != nil {
			c.Locals("user", user)
		}
		return c.Next()
	})

	user = &metadata.UserContext{ID: "alice", Roles: []string{"customer"}}
	status, body := doJSON(t, app, "POST", "/api/invoice", map[string]any{
		"number": "INV-ALICE", "status": "draft", "total": 10, "owner_id": "alice",
	})
	if status != 201 {
		t.Fatalf("create: expected 201, got %d (%v)", status, body)
	}
	aliceID := body["data"].(map[string]any)["id"].(string)

	user = &metadata.UserContext{ID: "bob", Roles: []string{"customer"}}
	status, body = doJSON(t, app, "POST", "/api/invoice", map[string]any{
		"number": "INV-BOB", "status": "draft", "total": 10, "owner_id": "bob",
	})
	if status != 201 {
		t.Fatalf("create: expected 201, got %d (%v)", status, body)
	}
	bobID := body["data"].(map[string]any)["id"].(string)

	// Bob sees his own record but not Alice's.
	status, _ = doJSON(t, app, "GET", "/api/invoice/"+bobID, nil)
	if status != 200 {
		t.Fatalf("expected 200 for own record, got %d", status)
	}
	status, body = doJSON(t, app, "GET", "/api/invoice/"+aliceID, nil)
	if status != 404 {
		t.Fatalf("expected 404 for filtered record, got %d (%v)", status, body)
	}
	if errorCode(body) != "NOT_FOUND" {
		t.Errorf("expected NOT_FOUND, got %s", errorCode(body))
	}

	// Admins are never filtered.
	user = &metadata.UserContext{ID: "root", Roles: []string{"admin"}}
	if status, _ = doJSON(t, app, "GET", "/api/invoice/"+aliceID, nil); status != 200 {
		t.Fatalf("expected 200 for admin, got %d", status)
	}
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}
