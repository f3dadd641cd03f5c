package ai

import (
	"encoding/json"

	"github.com/gofiber/fiber/v2"

	"fabrica/internal/engine"
	"fabrica/internal/metadata"
)

// Handler serves the schema generation endpoints. The provider may be nil
// when no API key is configured; requests then fail with AI_REQUEST_FAILED
// instead of hiding the routes.
type Handler struct {
	provider *Provider
	registry *metadata.Registry
}

func NewHandler(provider *Provider, registry *metadata.Registry) *Handler {
	return &Handler{provider: provider, registry: registry}
}

// Status reports whether generation is available and which model serves it.
func (h *Handler) Status(c *fiber.Ctx) error {
	if h.provider == nil {
		return c.JSON(fiber.Map{
			"data": fiber.Map{"configured": false},
		})
	}
	return c.JSON(fiber.Map{
		"data": fiber.Map{
			"configured": true,
			"model":      h.provider.Model(),
		},
	})
}

// Generate accepts a natural language prompt and returns a draft schema the
// admin UI can review before importing.
func (h *Handler) Generate(c *fiber.Ctx) error {
	if h.provider == nil {
		return engine.AIRequestFailedError("AI provider is not configured")
	}

	var body struct {
		Prompt string `json:"prompt"`
	}
	if err := c.BodyParser(&body); err != nil {
		return engine.InvalidPayloadError("Invalid request body")
	}

	if body.Prompt == "" {
		return engine.InvalidPayloadError("prompt is required")
	}
	if len(body.Prompt) > 5000 {
		return engine.InvalidPayloadError("prompt must be 5000 characters or fewer")
	}

	// Existing entity names go into the system prompt so the model extends
	// the schema instead of redefining it.
	var existingEntities []string
	for _, e := range h.registry.AllEntities() {
		existingEntities = append(existingEntities, e.Name)
	}

	systemPrompt := BuildSystemPrompt(existingEntities)
	raw, err := h.provider.Generate(c.Context(), systemPrompt, body.Prompt)
	if err != nil {
		return err
	}

	var schema map[string]any
	if err := json.Unmarshal([]byte(raw), &schema); err != nil {
		return engine.AIRequestFailedError("AI returned invalid JSON. Try rephrasing your prompt.")
	}

	if _, ok := schema["version"]; !ok {
		schema["version"] = 1
	}

	return c.JSON(fiber.Map{"data": fiber.Map{"schema": schema}})
}

// RegisterAIRoutes registers the generation endpoints; both require admin.
func RegisterAIRoutes(app *fiber.App, h *Handler, middleware ...fiber.Handler) {
	grp := app.Group("/api/_ai", middleware...)
	grp.Get("/status", h.Status)
	grp.Post("/generate-schema", h.Generate)
}
