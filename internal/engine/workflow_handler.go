package engine

import (
	"github.com/gofiber/fiber/v2"

	"fabrica/internal/instrument"
	"fabrica/internal/metadata"
	"fabrica/internal/store"
)

// WorkflowHandler serves the workflow runtime endpoints.
type WorkflowHandler struct {
	store    *store.Store
	registry *metadata.Registry
}

func NewWorkflowHandler(s *store.Store, reg *metadata.Registry) *WorkflowHandler {
	return &WorkflowHandler{store: s, registry: reg}
}

// RegisterWorkflowRoutes adds workflow runtime routes. Must be registered
// before the dynamic entity routes so /api/_workflows is not captured as an
// entity name.
func RegisterWorkflowRoutes(app *fiber.App, h *WorkflowHandler, middleware ...fiber.Handler) {
	wf := app.Group("/api/_workflows", middleware...)
	wf.Get("/pending", h.ListPending)
	wf.Get("/:id", h.GetInstance)
	wf.Post("/:id/approve", h.Approve)
	wf.Post("/:id/reject", h.Reject)
	wf.Delete("/:id", h.Delete)
}

func (h *WorkflowHandler) GetInstance(c *fiber.Ctx) error {
	id := c.Params("id")
	instance, err := loadWorkflowInstance(c.Context(), h.store, id)
	if err != nil {
		return NotFoundError("Workflow instance not found: " + id)
	}
	return c.JSON(fiber.Map{"data": instance})
}

func (h *WorkflowHandler) ListPending(c *fiber.Ctx) error {
	instances, err := ListPendingInstances(c.Context(), h.store)
	if err != nil {
		return InternalError("Failed to list pending instances")
	}
	if instances == nil {
		instances = []*metadata.WorkflowInstance{}
	}
	return c.JSON(fiber.Map{"data": instances})
}

func (h *WorkflowHandler) Approve(c *fiber.Ctx) error {
	return h.resolve(c, "approved", "workflow.approve")
}

func (h *WorkflowHandler) Reject(c *fiber.Ctx) error {
	return h.resolve(c, "rejected", "workflow.reject")
}

func (h *WorkflowHandler) resolve(c *fiber.Ctx, action, spanAction string) error {
	ctx := c.UserContext()
	ctx, span := instrument.GetInstrumenter(ctx).StartSpan(ctx, "workflow", "handler", spanAction)
	defer span.End()
	c.SetUserContext(ctx)

	id := c.Params("id")
	span.SetMetadata("instance_id", id)

	userID := "anonymous"
	if user := getUser(c); user != nil {
		userID = user.ID
	}

	instance, err := ResolveWorkflowAction(c.Context(), h.store, h.registry, id, action, userID)
	if err != nil {
		span.SetStatus("error")
		span.SetMetadata("error", err.Error())
		if appErr, ok := err.(*AppError); ok {
			return appErr
		}
		return ValidationError([]ErrorDetail{{Rule: "workflow", Message: err.Error()}})
	}

	span.SetStatus("ok")
	return c.JSON(fiber.Map{"data": instance})
}

func (h *WorkflowHandler) Delete(c *fiber.Ctx) error {
	id := c.Params("id")
	if err := DeleteWorkflowInstance(c.Context(), h.store, id); err != nil {
		return NotFoundError("Workflow instance not found: " + id)
	}
	return c.JSON(fiber.Map{"data": fiber.Map{"deleted": true}})
}
