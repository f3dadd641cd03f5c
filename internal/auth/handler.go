package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"

	"fabrica/internal/engine"
	"fabrica/internal/store"
)

// AuthHandler serves the token endpoints for one application database.
type AuthHandler struct {
	store     *store.Store
	jwtSecret string
}

func NewAuthHandler(s *store.Store, jwtSecret string) *AuthHandler {
	return &AuthHandler{store: s, jwtSecret: jwtSecret}
}

// Login handles POST /api/auth/login.
func (h *AuthHandler) Login(c *fiber.Ctx) error {
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

	user, err := h.findUserByEmail(ctx, body.Email)
	if err != nil {
		// Same response as a bad password; no account enumeration.
		return engine.UnauthorizedError("Invalid email or password")
	}

	if !truthyColumn(user["active"]) {
		return engine.UnauthorizedError("Account is disabled")
	}

	passwordHash, _ := user["password_hash"].(string)
	if !CheckPassword(body.Password, passwordHash) {
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

// Refresh handles POST /api/auth/refresh. The presented token is consumed
// and a fresh pair is issued (rotation); a replayed token fails the lookup.
func (h *AuthHandler) Refresh(c *fiber.Ctx) error {
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
		 FROM _refresh_tokens rt
		 JOIN _users u ON u.id = rt.user_id
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

// Logout handles POST /api/auth/logout.
func (h *AuthHandler) Logout(c *fiber.Ctx) error {
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

// AcceptInvite handles POST /api/auth/accept-invite. A valid unexpired invite
// token creates the user with the invite's roles and logs them in.
func (h *AuthHandler) AcceptInvite(c *fiber.Ctx) error {
	var body struct {
		Token    string `json:"token"`
		Password string `json:"password"`
	}
	if err := c.BodyParser(&body); err != nil {
		return engine.InvalidPayloadError("Invalid request body")
	}
	if body.Token == "" {
		return engine.ValidationError([]engine.ErrorDetail{{Field: "token", Rule: "required", Message: "Invite token is required"}})
	}
	if len(body.Password) < 8 {
		return engine.ValidationError([]engine.ErrorDetail{{Field: "password", Rule: "min_length", Message: "Password must be at least 8 characters"}})
	}

	ctx := c.Context()

	pb := h.store.Dialect.NewParamBuilder()
	invite, err := store.QueryRow(ctx, h.store.DB, fmt.Sprintf(
		"SELECT id, email, roles, expires_at FROM _invites WHERE token = %s AND accepted_at IS NULL",
		pb.Add(body.Token)), pb.Params()...)
	if err != nil {
		return engine.NotFoundError("Invite not found or already used")
	}

	if expiresAt, ok := parseTimeColumn(invite["expires_at"]); ok && time.Now().After(expiresAt) {
		return engine.NotFoundError("Invite has expired")
	}

	email := fmt.Sprintf("%v", invite["email"])
	roles := extractRoles(h.store.Dialect, invite["roles"])

	pb = h.store.Dialect.NewParamBuilder()
	if _, err := store.QueryRow(ctx, h.store.DB, fmt.Sprintf(
		"SELECT id FROM _users WHERE email = %s", pb.Add(email)), pb.Params()...); err == nil {
		return engine.ConflictError("A user with this email already exists")
	}

	hash, err := HashPassword(body.Password)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	userID := store.GenerateUUID()
	pb = h.store.Dialect.NewParamBuilder()
	_, err = store.Exec(ctx, h.store.DB, fmt.Sprintf(
		"INSERT INTO _users (id, email, password_hash, roles) VALUES (%s, %s, %s, %s)",
		pb.Add(userID), pb.Add(email), pb.Add(hash), pb.Add(h.store.Dialect.ArrayParam(roles))),
		pb.Params()...)
	if err != nil {
		return fmt.Errorf("create user from invite: %w", err)
	}

	pb = h.store.Dialect.NewParamBuilder()
	_, _ = store.Exec(ctx, h.store.DB, fmt.Sprintf(
		"UPDATE _invites SET accepted_at = %s WHERE id = %s",
		h.store.Dialect.NowExpr(), pb.Add(fmt.Sprintf("%v", invite["id"]))), pb.Params()...)

	pair, err := h.generateTokenPair(ctx, userID, roles)
	if err != nil {
		return err
	}

	return c.Status(201).JSON(fiber.Map{"data": fiber.Map{
		"user":          fiber.Map{"id": userID, "email": email, "roles": roles},
		"access_token":  pair.AccessToken,
		"refresh_token": pair.RefreshToken,
	}})
}

// RegisterAuthRoutes registers the token endpoints.
func RegisterAuthRoutes(app *fiber.App, h *AuthHandler) {
	grp := app.Group("/api/auth")
	grp.Post("/login", h.Login)
	grp.Post("/refresh", h.Refresh)
	grp.Post("/logout", h.Logout)
	grp.Post("/accept-invite", h.AcceptInvite)
}

func (h *AuthHandler) findUserByEmail(ctx context.Context, email string) (map[string]any, error) {
	pb := h.store.Dialect.NewParamBuilder()
	return store.QueryRow(ctx, h.store.DB, fmt.Sprintf(
		"SELECT id, email, password_hash, roles, active FROM _users WHERE email = %s", pb.Add(email)),
		pb.Params()...)
}

func (h *AuthHandler) deleteRefreshToken(ctx context.Context, column, value string) {
	pb := h.store.Dialect.NewParamBuilder()
	_, _ = store.Exec(ctx, h.store.DB, fmt.Sprintf(
		"DELETE FROM _refresh_tokens WHERE %s = %s", column, pb.Add(value)), pb.Params()...)
}

func (h *AuthHandler) generateTokenPair(ctx context.Context, userID string, roles []string) (*TokenPair, error) {
	accessToken, err := GenerateAccessToken(userID, roles, h.jwtSecret)
	if err != nil {
		return nil, fmt.Errorf("generate access token: %w", err)
	}

	refreshToken := GenerateRefreshToken()
	expiresAt := time.Now().UTC().Add(RefreshTokenTTL).Format(time.RFC3339)

	pb := h.store.Dialect.NewParamBuilder()
	var idCol, idVal string
	if h.store.Dialect.UUIDDefault() == "" {
		idCol = "id, "
		idVal = pb.Add(store.GenerateUUID()) + ", "
	}
	_, err = store.Exec(ctx, h.store.DB, fmt.Sprintf(
		"INSERT INTO _refresh_tokens (%suser_id, token, expires_at) VALUES (%s%s, %s, %s)",
		idCol, idVal, pb.Add(userID), pb.Add(refreshToken), pb.Add(expiresAt)), pb.Params()...)
	if err != nil {
		return nil, fmt.Errorf("store refresh token: %w", err)
	}

	return &TokenPair{
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
