package multiapp

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/gofiber/fiber/v2"

	"fabrica/internal/auth"
	"fabrica/internal/engine"
	"fabrica/internal/store"
)

var validAppNameRe = regexp.MustCompile(`^[a-z][a-z0-9_-]{0,62}$`)

// PlatformHandler serves the management endpoints: platform user auth and
// app provisioning.
type PlatformHandler struct {
	store     *store.Store
	jwtSecret string
	manager   *AppManager
}

func NewPlatformHandler(s *store.Store, jwtSecret string, mgr *AppManager) *PlatformHandler {
	return &PlatformHandler{store: s, jwtSecret: jwtSecret, manager: mgr}
}

// RegisterPlatformRoutes registers all platform routes.
func RegisterPlatformRoutes(app *fiber.App, h *PlatformHandler, platformAuthMW fiber.Handler) {
	pAuth := app.Group("/api/_platform/auth")
	pAuth.Post("/login", h.Login)
	pAuth.Post("/refresh", h.Refresh)
	pAuth.Post("/logout", h.Logout)

	pAdmin := app.Group("/api/_platform", platformAuthMW)
	pAdmin.Get("/apps", h.ListApps)
	pAdmin.Post("/apps", h.CreateApp)
	pAdmin.Get("/apps/:name", h.GetApp)
	pAdmin.Delete("/apps/:name", h.DeleteApp)
}

// --- Auth endpoints (platform users) ---

func (h *PlatformHandler) Login(c *fiber.Ctx) error {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := c.BodyParser(&body); err != nil {
		return engine.InvalidPayloadError("Invalid request body")
	}
	if body.Email == "" || body.Password == "" {
		return engine.UnauthorizedError("Email and password are required")
	}

	ctx := c.Context()

	pb := h.store.Dialect.NewParamBuilder()
	user, err := store.QueryRow(ctx, h.store.DB, fmt.Sprintf(
		"SELECT id, email, password_hash, roles, active FROM _platform_users WHERE email = %s",
		pb.Add(body.Email)), pb.Params()...)
	if err != nil {
		// Same response as a bad password; no account enumeration.
		return engine.UnauthorizedError("Invalid email or password")
	}

	if !truthyColumn(user["active"]) {
		return engine.UnauthorizedError("Account is disabled")
	}

	passwordHash, _ := user["password_hash"].(string)
	if !auth.CheckPassword(body.Password, passwordHash) {
		return engine.UnauthorizedError("Invalid email or password")
	}

	userID := fmt.Sprintf("%v", user["id"])
	roles := extractRoles(h.store.Dialect, user["roles"])

	pair, err := h.generateTokenPair(ctx, userID, roles)
	if err != nil {
		return err
	}

	return c.JSON(fiber.Map{"data": pair})
}

// Refresh rotates the presented platform refresh token.
func (h *PlatformHandler) Refresh(c *fiber.Ctx) error {
	var body struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := c.BodyParser(&body); err != nil {
		return engine.InvalidPayloadError("Invalid request body")
	}
	if body.RefreshToken == "" {
		return engine.UnauthorizedError("Refresh token is required")
	}

	ctx := c.Context()

	pb := h.store.Dialect.NewParamBuilder()
	row, err := store.QueryRow(ctx, h.store.DB, fmt.Sprintf(
		`SELECT rt.id, rt.user_id, rt.expires_at, u.roles, u.active
		 FROM _platform_refresh_tokens rt
		 JOIN _platform_users u ON u.id = rt.user_id
		 WHERE rt.token = %s`, pb.Add(body.RefreshToken)), pb.Params()...)
	if err != nil {
		return engine.UnauthorizedError("Invalid refresh token")
	}

	if expiresAt, ok := parseTimeColumn(row["expires_at"]); ok && time.Now().After(expiresAt) {
		h.deleteRefreshToken(ctx, "token", body.RefreshToken)
		return engine.UnauthorizedError("Refresh token expired")
	}

	if !truthyColumn(row["active"]) {
		return engine.UnauthorizedError("Account is disabled")
	}

	h.deleteRefreshToken(ctx, "id", fmt.Sprintf("%v", row["id"]))

	userID := fmt.Sprintf("%v", row["user_id"])
	roles := extractRoles(h.store.Dialect, row["roles"])

	pair, err := h.generateTokenPair(ctx, userID, roles)
	if err != nil {
		return err
	}

	return c.JSON(fiber.Map{"data": pair})
}

func (h *PlatformHandler) Logout(c *fiber.Ctx) error {
	var body struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := c.BodyParser(&body); err != nil {
		return engine.InvalidPayloadError("Invalid request body")
	}
	if body.RefreshToken == "" {
		return engine.UnauthorizedError("Refresh token is required")
	}

	h.deleteRefreshToken(c.Context(), "token", body.RefreshToken)

	return c.JSON(fiber.Map{"message": "Logged out"})
}

// --- App CRUD ---

func (h *PlatformHandler) ListApps(c *fiber.Ctx) error {
	apps, err := h.manager.List(c.Context())
	if err != nil {
		return fmt.Errorf("list apps: %w", err)
	}
	return c.JSON(fiber.Map{"data": apps})
}

func (h *PlatformHandler) GetApp(c *fiber.Ctx) error {
	name := c.Params("name")
	info, err := h.manager.GetApp(c.Context(), name)
	if err != nil {
		return engine.NotFoundError("App not found: " + name)
	}
	return c.JSON(fiber.Map{"data": info})
}

func (h *PlatformHandler) CreateApp(c *fiber.Ctx) error {
	var body struct {
		Name        string `json:"name"`
		DisplayName string `json:"display_name"`
	}
	if err := c.BodyParser(&body); err != nil {
		return engine.InvalidPayloadError("Invalid request body")
	}

	if body.Name == "" {
		return engine.ValidationError([]engine.ErrorDetail{{Field: "name", Rule: "required", Message: "App name is required"}})
	}
	if !validAppNameRe.MatchString(body.Name) {
		return engine.ValidationError([]engine.ErrorDetail{{Field: "name", Rule: "format", Message: "App name must be lowercase letters, numbers, hyphens, underscores (start with letter)"}})
	}
	if existing, err := h.manager.GetApp(c.Context(), body.Name); err == nil && existing != nil {
		return engine.ConflictError("App already exists: " + body.Name)
	}
	if body.DisplayName == "" {
		body.DisplayName = body.Name
	}

	ac, err := h.manager.Create(c.Context(), body.Name, body.DisplayName)
	if err != nil {
		return fmt.Errorf("create app %s: %w", body.Name, err)
	}

	return c.Status(201).JSON(fiber.Map{"data": fiber.Map{
		"name":         ac.Name,
		"display_name": body.DisplayName,
		"db_name":      ac.DBName,
		"status":       "active",
	}})
}

func (h *PlatformHandler) DeleteApp(c *fiber.Ctx) error {
	name := c.Params("name")
	if err := h.manager.Delete(c.Context(), name); err != nil {
		return engine.NotFoundError("App not found or failed to delete: " + err.Error())
	}
	return c.JSON(fiber.Map{"message": "App deleted"})
}

// --- helpers ---

func (h *PlatformHandler) deleteRefreshToken(ctx context.Context, column, value string) {
	pb := h.store.Dialect.NewParamBuilder()
	_, _ = store.Exec(ctx, h.store.DB, fmt.Sprintf(
		"DELETE FROM _platform_refresh_tokens WHERE %s = %s", column, pb.Add(value)), pb.Params()...)
}

func (h *PlatformHandler) generateTokenPair(ctx context.Context, userID string, roles []string) (*auth.TokenPair, error) {
	accessToken, err := auth.GenerateAccessToken(userID, roles, h.jwtSecret)
	if err != nil {
		return nil, fmt.Errorf("generate access token: %w", err)
	}

	refreshToken := auth.GenerateRefreshToken()
	expiresAt := time.Now().UTC().Add(auth.RefreshTokenTTL).Format(time.RFC3339)

	pb := h.store.Dialect.NewParamBuilder()
	var idCol, idVal string
	if h.store.Dialect.UUIDDefault() == "" {
		idCol = "id, "
		idVal = pb.Add(store.GenerateUUID()) + ", "
	}
	_, err = store.Exec(ctx, h.store.DB, fmt.Sprintf(
		"INSERT INTO _platform_refresh_tokens (%suser_id, token, expires_at) VALUES (%s%s, %s, %s)",
		idCol, idVal, pb.Add(userID), pb.Add(refreshToken), pb.Add(expiresAt)), pb.Params()...)
	if err != nil {
		return nil, fmt.Errorf("store refresh token: %w", err)
	}

	return &auth.TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
	}, nil
}

// extractRoles decodes the roles column, which is a native array on postgres
// and JSON text on sqlite.
func extractRoles(dialect store.Dialect, v any) []string {
	roles, err := dialect.ScanArray(v)
	if err != nil || roles == nil {
		return []string{}
	}
	return roles
}

// truthyColumn reads a boolean column across drivers; sqlite returns ints.
func truthyColumn(v any) bool {
	switch val := v.(type) {
	case bool:
		return val
	case int64:
		return val != 0
	case int:
		return val != 0
	case float64:
		return val != 0
	default:
		return false
	}
}

// parseTimeColumn reads a timestamp column that may already be a time.Time
// or an RFC3339 string.
func parseTimeColumn(v any) (time.Time, bool) {
	switch val := v.(type) {
	case time.Time:
		return val, true
	case string:
		for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05"} {
			if t, err := time.Parse(layout, val); err == nil {
				return t, true
			}
		}
	}
	return time.Time{}, false
}
