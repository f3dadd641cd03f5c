package engine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v5/pgconn"

	"fabrica/internal/metadata"
	"fabrica/internal/store"
)

// Handler serves the dynamic per-entity CRUD endpoints.
type Handler struct {
	store    *store.Store
	registry *metadata.Registry
}

func NewHandler(s *store.Store, reg *metadata.Registry) *Handler {
	return &Handler{store: s, registry: reg}
}

// List handles GET /api/:entity
func (h *Handler) List(c *fiber.Ctx) error {
	entity, err := h.resolveEntity(c)
	if err != nil {
		return err
	}

	user := getUser(c)
	if err := CheckPermission(user, entity.Name, "read", h.registry, nil); err != nil {
		return err
	}

	plan, err := ParseQueryParams(c, entity, h.registry)
	if err != nil {
		return err
	}

	// Row-level security: matching permission conditions are OR-combined.
	plan.PermissionGroups = GetReadFilters(user, entity.Name, h.registry)

	qr := BuildSelectSQL(plan, h.store.Dialect)
	rows, err := store.QueryRows(c.Context(), h.store.DB, qr.SQL, qr.Params...)
	if err != nil {
		return fmt.Errorf("list %s: %w", entity.Name, err)
	}

	cr := BuildCountSQL(plan, h.store.Dialect)
	countRow, err := store.QueryRow(c.Context(), h.store.DB, cr.SQL, cr.Params...)
	if err != nil {
		return fmt.Errorf("count %s: %w", entity.Name, err)
	}
	total := countRow["count"]

	if len(plan.Includes) > 0 {
		if err := LoadIncludes(c.Context(), h.store.DB, h.store.Dialect, h.registry, entity, rows, plan.Includes); err != nil {
			return fmt.Errorf("load includes: %w", err)
		}
	}

	if rows == nil {
		rows = []map[string]any{}
	}

	return c.JSON(fiber.Map{
		"data": rows,
		"meta": fiber.Map{
			"page":     plan.Page,
			"per_page": plan.PerPage,
			"total":    total,
		},
	})
}

// GetByID handles GET /api/:entity/:id
func (h *Handler) GetByID(c *fiber.Ctx) error {
	entity, err := h.resolveEntity(c)
	if err != nil {
		return err
	}

	user := getUser(c)
	if err := CheckPermission(user, entity.Name, "read", h.registry, nil); err != nil {
		return err
	}

	id := c.Params("id")
	row, err := fetchRecord(c.Context(), h.store.DB, entity, id, h.store.Dialect)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return respondError(c, recordNotFound(entity.Name, id))
		}
		return fmt.Errorf("get %s/%s: %w", entity.Name, id, err)
	}

	// Row-level security: a row outside the caller's read filters is
	// indistinguishable from a missing one.
	if !RowMatchesReadFilters(GetReadFilters(user, entity.Name, h.registry), row) {
		return respondError(c, recordNotFound(entity.Name, id))
	}

	includes := parseIncludes(c)
	if len(includes) > 0 {
		rows := []map[string]any{row}
		if err := LoadIncludes(c.Context(), h.store.DB, h.store.Dialect, h.registry, entity, rows, includes); err != nil {
			return fmt.Errorf("load includes: %w", err)
		}
		row = rows[0]
	}

	return c.JSON(fiber.Map{"data": row})
}

// Create handles POST /api/:entity
func (h *Handler) Create(c *fiber.Ctx) error {
	entity, err := h.resolveEntity(c)
	if err != nil {
		return err
	}

	user := getUser(c)
	if err := CheckPermission(user, entity.Name, "create", h.registry, nil); err != nil {
		return err
	}

	var body map[string]any
	if err := c.BodyParser(&body); err != nil {
		return respondError(c, InvalidPayloadError("Invalid JSON body"))
	}

	plan, validationErrs := PlanWrite(entity, h.registry, body, nil)
	if len(validationErrs) > 0 {
		return respondError(c, ValidationError(validationErrs))
	}
	plan.User = user

	record, err := ExecuteWritePlan(c.Context(), h.store, h.registry, plan)
	if err != nil {
		return handleWriteError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"data": record})
}

// Update handles PUT /api/:entity/:id
func (h *Handler) Update(c *fiber.Ctx) error {
	entity, err := h.resolveEntity(c)
	if err != nil {
		return err
	}

	id := c.Params("id")

	currentRecord, err := fetchRecord(c.Context(), h.store.DB, entity, id, h.store.Dialect)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return respondError(c, recordNotFound(entity.Name, id))
		}
		return fmt.Errorf("fetch %s/%s: %w", entity.Name, id, err)
	}

	user := getUser(c)
	if err := CheckPermission(user, entity.Name, "update", h.registry, currentRecord); err != nil {
		return err
	}

	var body map[string]any
	if err := c.BodyParser(&body); err != nil {
		return respondError(c, InvalidPayloadError("Invalid JSON body"))
	}

	plan, validationErrs := PlanWrite(entity, h.registry, body, id)
	if len(validationErrs) > 0 {
		return respondError(c, ValidationError(validationErrs))
	}
	plan.User = user

	record, err := ExecuteWritePlan(c.Context(), h.store, h.registry, plan)
	if err != nil {
		return handleWriteError(c, err)
	}

	return c.JSON(fiber.Map{"data": record})
}

// Delete handles DELETE /api/:entity/:id
func (h *Handler) Delete(c *fiber.Ctx) error {
	entity, err := h.resolveEntity(c)
	if err != nil {
		return err
	}

	id := c.Params("id")

	currentRecord, err := fetchRecord(c.Context(), h.store.DB, entity, id, h.store.Dialect)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return respondError(c, recordNotFound(entity.Name, id))
		}
		return fmt.Errorf("fetch %s/%s: %w", entity.Name, id, err)
	}
	pkValue := currentRecord[entity.PrimaryKey.Field]

	user := getUser(c)
	if err := CheckPermission(user, entity.Name, "delete", h.registry, currentRecord); err != nil {
		return err
	}

	tx, err := h.store.BeginTx(c.Context())
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	ruleErrs := EvaluateRules(c.Context(), tx, h.store.Dialect, h.registry, entity.Name, "before_delete", currentRecord, currentRecord, false)
	if len(ruleErrs) > 0 {
		return respondError(c, ValidationError(ruleErrs))
	}

	// Pre-delete webhooks run while the record still exists; a blocking
	// failure vetoes the delete.
	if err := FireSyncWebhooks(c.Context(), tx, h.store.Dialect, h.registry, "before_delete", entity.Name, "delete", currentRecord, currentRecord, user); err != nil {
		return handleWriteError(c, err)
	}
	if err := EnqueueAsyncWebhooks(c.Context(), tx, h.store.Dialect, h.registry, "before_delete", entity.Name, "delete", currentRecord, currentRecord, user); err != nil {
		return fmt.Errorf("enqueue webhooks: %w", err)
	}

	if err := HandleCascadeDelete(c.Context(), tx, h.store.Dialect, h.registry, entity, pkValue); err != nil {
		var appErr *AppError
		if errors.As(err, &appErr) {
			return respondError(c, appErr)
		}
		return fmt.Errorf("cascade delete: %w", err)
	}

	var sql string
	var params []any
	if entity.SoftDelete {
		sql, params = BuildSoftDeleteSQL(entity, pkValue, h.store.Dialect)
	} else {
		sql, params = BuildHardDeleteSQL(entity, pkValue, h.store.Dialect)
	}

	affected, err := store.Exec(c.Context(), tx, sql, params...)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", entity.Name, id, err)
	}
	if affected == 0 {
		return respondError(c, recordNotFound(entity.Name, id))
	}

	if err := FireSyncWebhooks(c.Context(), tx, h.store.Dialect, h.registry, "after_delete", entity.Name, "delete", currentRecord, currentRecord, user); err != nil {
		return handleWriteError(c, err)
	}
	if err := EnqueueAsyncWebhooks(c.Context(), tx, h.store.Dialect, h.registry, "after_delete", entity.Name, "delete", currentRecord, currentRecord, user); err != nil {
		return fmt.Errorf("enqueue webhooks: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	return c.JSON(fiber.Map{"data": fiber.Map{"id": pkValue}})
}

// resolveEntity returns the error rather than writing the response, so
// callers can rely on err != nil implying entity == nil.
func (h *Handler) resolveEntity(c *fiber.Ctx) (*metadata.Entity, error) {
	name := c.Params("entity")
	entity := h.registry.GetEntity(name)
	if entity == nil {
		return nil, UnknownEntityError(name)
	}
	return entity, nil
}

func getUser(c *fiber.Ctx) *metadata.UserContext {
	user, _ := c.Locals("user").(*metadata.UserContext)
	return user
}

func recordNotFound(entity, id string) *AppError {
	return NotFoundError(fmt.Sprintf("%s with id %s not found", entity, id))
}

func respondError(c *fiber.Ctx, appErr *AppError) error {
	return c.Status(appErr.Status).JSON(ErrorResponse{Error: appErr})
}

func handleWriteError(c *fiber.Ctx, err error) error {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return respondError(c, appErr)
	}

	if errors.Is(err, store.ErrUniqueViolation) {
		msg := "A record with this value already exists"
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Detail != "" {
			msg = pgErr.Detail
		}
		return respondError(c, ConflictError(msg))
	}

	return err
}

func parseIncludes(c *fiber.Ctx) []string {
	inc := c.Query("include")
	if inc == "" {
		return nil
	}
	var includes []string
	for _, name := range strings.Split(inc, ",") {
		if trimmed := strings.TrimSpace(name); trimmed != "" {
			includes = append(includes, trimmed)
		}
	}
	return includes
}
