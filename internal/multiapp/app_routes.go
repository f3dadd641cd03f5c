package multiapp

import (
	"github.com/gofiber/fiber/v2"

	"fabrica/internal/auth"
	"fabrica/internal/engine"
)

// dispatch resolves the AppContext from the request and delegates to the
// handler returned by fn for that app.
func dispatch(fn func(*AppContext) fiber.Handler) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ac := GetAppCtx(c)
		if ac == nil {
			return fiber.NewError(500, "App context not found")
		}
		return fn(ac)(c)
	}
}

// fileDispatch guards the file routes; FileHandler is nil when no storage
// backend is configured.
func fileDispatch(fn func(*engine.FileHandler) fiber.Handler) fiber.Handler {
	return dispatch(func(ac *AppContext) fiber.Handler {
		if ac.FileHandler == nil {
			return func(c *fiber.Ctx) error {
				return engine.NotFoundError("File storage is not configured")
			}
		}
		return fn(ac.FileHandler)
	})
}

// RegisterAppRoutes registers all app-scoped routes under /api/:app.
// instrMW runs after the app resolver so the trace buffer can be taken from
// the AppContext; pass nil to disable tracing.
func RegisterAppRoutes(app *fiber.App, manager *AppManager, platformJWTSecret string, instrMW fiber.Handler) {
	resolverMW := AppResolverMiddleware(manager)
	appAuthMW := AppAuthMiddleware(platformJWTSecret)
	adminMW := auth.RequireAdmin()

	passthrough := func(c *fiber.Ctx) error { return c.Next() }
	if instrMW == nil {
		instrMW = passthrough
	}

	// Auth routes need only the app resolver.
	appAuth := app.Group("/api/:app/auth", resolverMW, instrMW)
	appAuth.Post("/login", dispatch(func(ac *AppContext) fiber.Handler { return ac.AuthHandler.Login }))
	appAuth.Post("/refresh", dispatch(func(ac *AppContext) fiber.Handler { return ac.AuthHandler.Refresh }))
	appAuth.Post("/logout", dispatch(func(ac *AppContext) fiber.Handler { return ac.AuthHandler.Logout }))
	appAuth.Post("/accept-invite", dispatch(func(ac *AppContext) fiber.Handler { return ac.AuthHandler.AcceptInvite }))

	// Everything else requires a token.
	protected := app.Group("/api/:app", resolverMW, instrMW, appAuthMW)

	adm := protected.Group("/_admin", adminMW)

	adm.Get("/entities", dispatch(func(ac *AppContext) fiber.Handler { return ac.AdminHandler.ListEntities }))
	adm.Get("/entities/:name", dispatch(func(ac *AppContext) fiber.Handler { return ac.AdminHandler.GetEntity }))
	adm.Post("/entities", dispatch(func(ac *AppContext) fiber.Handler { return ac.AdminHandler.CreateEntity }))
	adm.Put("/entities/:name", dispatch(func(ac *AppContext) fiber.Handler { return ac.AdminHandler.UpdateEntity }))
	adm.Delete("/entities/:name", dispatch(func(ac *AppContext) fiber.Handler { return ac.AdminHandler.DeleteEntity }))

	adm.Get("/relations", dispatch(func(ac *AppContext) fiber.Handler { return ac.AdminHandler.ListRelations }))
	adm.Get("/relations/:name", dispatch(func(ac *AppContext) fiber.Handler { return ac.AdminHandler.GetRelation }))
	adm.Post("/relations", dispatch(func(ac *AppContext) fiber.Handler { return ac.AdminHandler.CreateRelation }))
	adm.Put("/relations/:name", dispatch(func(ac *AppContext) fiber.Handler { return ac.AdminHandler.UpdateRelation }))
	adm.Delete("/relations/:name", dispatch(func(ac *AppContext) fiber.Handler { return ac.AdminHandler.DeleteRelation }))

	adm.Get("/rules", dispatch(func(ac *AppContext) fiber.Handler { return ac.AdminHandler.ListRules }))
	adm.Get("/rules/:id", dispatch(func(ac *AppContext) fiber.Handler { return ac.AdminHandler.GetRule }))
	adm.Post("/rules", dispatch(func(ac *AppContext) fiber.Handler { return ac.AdminHandler.CreateRule }))
	adm.Put("/rules/:id", dispatch(func(ac *AppContext) fiber.Handler { return ac.AdminHandler.UpdateRule }))
	adm.Delete("/rules/:id", dispatch(func(ac *AppContext) fiber.Handler { return ac.AdminHandler.DeleteRule }))

	adm.Get("/state-machines", dispatch(func(ac *AppContext) fiber.Handler { return ac.AdminHandler.ListStateMachines }))
	adm.Get("/state-machines/:id", dispatch(func(ac *AppContext) fiber.Handler { return ac.AdminHandler.GetStateMachine }))
	adm.Post("/state-machines", dispatch(func(ac *AppContext) fiber.Handler { return ac.AdminHandler.CreateStateMachine }))
	adm.Put("/state-machines/:id", dispatch(func(ac *AppContext) fiber.Handler { return ac.AdminHandler.UpdateStateMachine }))
	adm.Delete("/state-machines/:id", dispatch(func(ac *AppContext) fiber.Handler { return ac.AdminHandler.DeleteStateMachine }))

	adm.Get("/workflows", dispatch(func(ac *AppContext) fiber.Handler { return ac.AdminHandler.ListWorkflows }))
	adm.Get("/workflows/:id", dispatch(func(ac *AppContext) fiber.Handler { return ac.AdminHandler.GetWorkflow }))
	adm.Post("/workflows", dispatch(func(ac *AppContext) fiber.Handler { return ac.AdminHandler.CreateWorkflow }))
	adm.Put("/workflows/:id", dispatch(func(ac *AppContext) fiber.Handler { return ac.AdminHandler.UpdateWorkflow }))
	adm.Delete("/workflows/:id", dispatch(func(ac *AppContext) fiber.Handler { return ac.AdminHandler.DeleteWorkflow }))

	adm.Get("/users", dispatch(func(ac *AppContext) fiber.Handler { return ac.AdminHandler.ListUsers }))
	adm.Get("/users/:id", dispatch(func(ac *AppContext) fiber.Handler { return ac.AdminHandler.GetUser }))
	adm.Post("/users", dispatch(func(ac *AppContext) fiber.Handler { return ac.AdminHandler.CreateUser }))
	adm.Put("/users/:id", dispatch(func(ac *AppContext) fiber.Handler { return ac.AdminHandler.UpdateUser }))
	adm.Delete("/users/:id", dispatch(func(ac *AppContext) fiber.Handler { return ac.AdminHandler.DeleteUser }))

	adm.Get("/permissions", dispatch(func(ac *AppContext) fiber.Handler { return ac.AdminHandler.ListPermissions }))
	adm.Get("/permissions/:id", dispatch(func(ac *AppContext) fiber.Handler { return ac.AdminHandler.GetPermission }))
	adm.Post("/permissions", dispatch(func(ac *AppContext) fiber.Handler { return ac.AdminHandler.CreatePermission }))
	adm.Put("/permissions/:id", dispatch(func(ac *AppContext) fiber.Handler { return ac.AdminHandler.UpdatePermission }))
	adm.Delete("/permissions/:id", dispatch(func(ac *AppContext) fiber.Handler { return ac.AdminHandler.DeletePermission }))

	adm.Get("/webhooks", dispatch(func(ac *AppContext) fiber.Handler { return ac.AdminHandler.ListWebhooks }))
	adm.Get("/webhooks/:id", dispatch(func(ac *AppContext) fiber.Handler { return ac.AdminHandler.GetWebhook }))
	adm.Post("/webhooks", dispatch(func(ac *AppContext) fiber.Handler { return ac.AdminHandler.CreateWebhook }))
	adm.Put("/webhooks/:id", dispatch(func(ac *AppContext) fiber.Handler { return ac.AdminHandler.UpdateWebhook }))
	adm.Delete("/webhooks/:id", dispatch(func(ac *AppContext) fiber.Handler { return ac.AdminHandler.DeleteWebhook }))

	adm.Get("/webhook-logs", dispatch(func(ac *AppContext) fiber.Handler { return ac.AdminHandler.ListWebhookLogs }))
	adm.Get("/webhook-logs/:id", dispatch(func(ac *AppContext) fiber.Handler { return ac.AdminHandler.GetWebhookLog }))
	adm.Post("/webhook-logs/:id/retry", dispatch(func(ac *AppContext) fiber.Handler { return ac.AdminHandler.RetryWebhookLog }))

	adm.Get("/ui-configs", dispatch(func(ac *AppContext) fiber.Handler { return ac.AdminHandler.ListUIConfigs }))
	adm.Get("/ui-configs/:id", dispatch(func(ac *AppContext) fiber.Handler { return ac.AdminHandler.GetUIConfig }))
	adm.Post("/ui-configs", dispatch(func(ac *AppContext) fiber.Handler { return ac.AdminHandler.CreateUIConfig }))
	adm.Put("/ui-configs/:id", dispatch(func(ac *AppContext) fiber.Handler { return ac.AdminHandler.UpdateUIConfig }))
	adm.Delete("/ui-configs/:id", dispatch(func(ac *AppContext) fiber.Handler { return ac.AdminHandler.DeleteUIConfig }))

	adm.Post("/invites/bulk", dispatch(func(ac *AppContext) fiber.Handler { return ac.AdminHandler.BulkCreateInvites }))
	adm.Get("/invites", dispatch(func(ac *AppContext) fiber.Handler { return ac.AdminHandler.ListInvites }))
	adm.Post("/invites", dispatch(func(ac *AppContext) fiber.Handler { return ac.AdminHandler.CreateInvite }))
	adm.Delete("/invites/:id", dispatch(func(ac *AppContext) fiber.Handler { return ac.AdminHandler.DeleteInvite }))

	adm.Get("/schema/export", dispatch(func(ac *AppContext) fiber.Handler { return ac.AdminHandler.Export }))
	adm.Post("/schema/import", dispatch(func(ac *AppContext) fiber.Handler { return ac.AdminHandler.Import }))

	// AI schema generation (admin only).
	aiGrp := protected.Group("/_ai", adminMW)
	aiGrp.Get("/status", dispatch(func(ac *AppContext) fiber.Handler { return ac.AIHandler.Status }))
	aiGrp.Post("/generate-schema", dispatch(func(ac *AppContext) fiber.Handler { return ac.AIHandler.Generate }))

	// Span queries; emit is open to any authenticated user.
	events := protected.Group("/_events")
	events.Post("/", dispatch(func(ac *AppContext) fiber.Handler { return ac.EventHandler.Emit }))
	events.Get("/", adminMW, dispatch(func(ac *AppContext) fiber.Handler { return ac.EventHandler.List }))
	events.Get("/stats", adminMW, dispatch(func(ac *AppContext) fiber.Handler { return ac.EventHandler.GetStats }))
	events.Get("/trace/:traceId", adminMW, dispatch(func(ac *AppContext) fiber.Handler { return ac.EventHandler.GetTrace }))

	// File upload and retrieval.
	files := protected.Group("/_files")
	files.Post("/", fileDispatch(func(h *engine.FileHandler) fiber.Handler { return h.Upload }))
	files.Get("/", adminMW, fileDispatch(func(h *engine.FileHandler) fiber.Handler { return h.List }))
	files.Get("/:id", fileDispatch(func(h *engine.FileHandler) fiber.Handler { return h.Serve }))
	files.Delete("/:id", fileDispatch(func(h *engine.FileHandler) fiber.Handler { return h.Delete }))

	// Workflow runtime routes.
	wf := protected.Group("/_workflows")
	wf.Get("/pending", dispatch(func(ac *AppContext) fiber.Handler { return ac.WorkflowHandler.ListPending }))
	wf.Get("/:id", dispatch(func(ac *AppContext) fiber.Handler { return ac.WorkflowHandler.GetInstance }))
	wf.Post("/:id/approve", dispatch(func(ac *AppContext) fiber.Handler { return ac.WorkflowHandler.Approve }))
	wf.Post("/:id/reject", dispatch(func(ac *AppContext) fiber.Handler { return ac.WorkflowHandler.Reject }))
	wf.Delete("/:id", dispatch(func(ac *AppContext) fiber.Handler { return ac.WorkflowHandler.Delete }))

	// Read-only UI config lookups for any authenticated user.
	protected.Get("/_ui-configs", dispatch(func(ac *AppContext) fiber.Handler { return ac.AdminHandler.ListAllUIConfigs }))
	protected.Get("/_ui-configs/:entity", dispatch(func(ac *AppContext) fiber.Handler { return ac.AdminHandler.GetUIConfigByEntity }))

	// Dynamic entity routes come last; the patterns catch everything else.
	protected.Get("/:entity", dispatch(func(ac *AppContext) fiber.Handler { return ac.EngineHandler.List }))
	protected.Get("/:entity/:id", dispatch(func(ac *AppContext) fiber.Handler { return ac.EngineHandler.GetByID }))
	protected.Post("/:entity", dispatch(func(ac *AppContext) fiber.Handler { return ac.EngineHandler.Create }))
	protected.Put("/:entity/:id", dispatch(func(ac *AppContext) fiber.Handler { return ac.EngineHandler.Update }))
	protected.Delete("/:entity/:id", dispatch(func(ac *AppContext) fiber.Handler { return ac.EngineHandler.Delete }))
}
