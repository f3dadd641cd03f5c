package engine

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"

	"fabrica/internal/metadata"
)

// resolveEntity must return a non-nil error for unknown entities so callers
// can rely on `if err != nil` before touching the entity pointer.
func TestResolveEntity_UnknownEntityReturnsError(t *testing.T) {
	reg := metadata.NewRegistry()
	reg.Load([]*metadata.Entity{
		{Name: "customer", Table: "customer", PrimaryKey: metadata.PrimaryKey{Field: "id", Generated: true}},
	}, nil)

	h := NewHandler(nil, reg)

	app := fiber.New(fiber.Config{ErrorHandler: FiberErrorHandler})
	app.Get("/api/:entity", func(c *fiber.Ctx) error {
		entity, err := h.resolveEntity(c)
		if err != nil {
			var appErr *AppError
			if !errors.As(err, &appErr) {
				t.Fatalf("expected *AppError, got %T: %v", err, err)
			}
			return err
		}
		if entity == nil {
			t.Fatal("resolveEntity returned nil entity with nil error")
		}
		return c.JSON(fiber.Map{"name": entity.Name})
	})

	req, _ := http.NewRequest("GET", "/api/nonexistent", nil)
	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != 404 {
		t.Fatalf("expected 404 for unknown entity, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	var errResp ErrorResponse
	if err := json.Unmarshal(body, &errResp); err != nil {
		t.Fatalf("failed to parse error response: %v", err)
	}
	if errResp.Error.Code != "NOT_FOUND" {
		t.Fatalf("expected NOT_FOUND code, got %s", errResp.Error.Code)
	}
	if !strings.Contains(errResp.Error.Message, "nonexistent") {
		t.Fatalf("expected message to contain entity name, got: %s", errResp.Error.Message)
	}

	req2, _ := http.NewRequest("GET", "/api/customer", nil)
	resp2, err := app.Test(req2, -1)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp2.StatusCode != 200 {
		t.Fatalf("expected 200 for known entity, got %d", resp2.StatusCode)
	}
}

// Permission failures surfaced as errors must carry the envelope through the
// shared error handler.
func TestFiberErrorHandler_AppError(t *testing.T) {
	app := fiber.New(fiber.Config{ErrorHandler: FiberErrorHandler})
	app.Get("/forbidden", func(c *fiber.Ctx) error {
		return ForbiddenError("")
	})
	app.Get("/boom", func(c *fiber.Ctx) error {
		return errors.New("database exploded")
	})

	req, _ := http.NewRequest("GET", "/forbidden", nil)
	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != 403 {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	var errResp ErrorResponse
	if err := json.Unmarshal(body, &errResp); err != nil {
		t.Fatalf("parse error response: %v", err)
	}
	if errResp.Error.Code != "FORBIDDEN" {
		t.Fatalf("expected FORBIDDEN, got %s", errResp.Error.Code)
	}

	// Internal errors must not leak their message.
	req2, _ := http.NewRequest("GET", "/boom", nil)
	resp2, err := app.Test(req2, -1)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp2.StatusCode != 500 {
		t.Fatalf("expected 500, got %d", resp2.StatusCode)
	}
	body2, _ := io.ReadAll(resp2.Body)
	var errResp2 ErrorResponse
	if err := json.Unmarshal(body2, &errResp2); err != nil {
		t.Fatalf("parse error response: %v", err)
	}
	if strings.Contains(errResp2.Error.Message, "exploded") {
		t.Fatalf("internal error message leaked: %s", errResp2.Error.Message)
	}
}

func TestParseIncludes(t *testing.T) {
	app := fiber.New()
	app.Get("/x", func(c *fiber.Ctx) error {
		includes := parseIncludes(c)
		return c.JSON(includes)
	})

	req, _ := http.NewRequest("GET", "/x?include=items,%20customer,", nil)
	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	var got []string
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if len(got) != 2 || got[0] != "items" || got[1] != "customer" {
		t.Fatalf("unexpected includes: %v", got)
	}
}
