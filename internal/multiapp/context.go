package multiapp

import (
	"time"

	"fabrica/internal/admin"
	"fabrica/internal/ai"
	"fabrica/internal/auth"
	"fabrica/internal/engine"
	"fabrica/internal/instrument"
	"fabrica/internal/metadata"
	"fabrica/internal/storage"
	"fabrica/internal/store"
)

// AppContext holds all per-app resources: database handle, metadata registry,
// pre-built handlers and the app's webhook dispatcher.
type AppContext struct {
	Name      string
	DBName    string
	JWTSecret string

	Store    *store.Store
	Registry *metadata.Registry
	Migrator *store.Migrator

	EngineHandler   *engine.Handler
	AdminHandler    *admin.Handler
	AuthHandler     *auth.AuthHandler
	WorkflowHandler *engine.WorkflowHandler
	FileHandler     *engine.FileHandler
	EventHandler    *instrument.EventHandler
	AIHandler       *ai.Handler
	EventBuffer     *instrument.EventBuffer

	// Dispatcher draining this app's _webhook_logs queue; started by
	// BuildHandlers, stopped on teardown.
	WebhookDispatcher *engine.WebhookDispatcher

	// Injected by the manager before BuildHandlers.
	fileStorage    storage.FileStorage
	maxFileSize    int64
	aiProvider     *ai.Provider
	webhookWorkers int
	webhookTimeout time.Duration
}

// BuildHandlers creates the handler instances and starts the webhook
// dispatcher for this app.
func (ac *AppContext) BuildHandlers() {
	ac.Migrator = store.NewMigrator(ac.Store)
	ac.EngineHandler = engine.NewHandler(ac.Store, ac.Registry)
	ac.AdminHandler = admin.NewHandler(ac.Store, ac.Registry, ac.Migrator)
	ac.AuthHandler = auth.NewAuthHandler(ac.Store, ac.JWTSecret)
	ac.WorkflowHandler = engine.NewWorkflowHandler(ac.Store, ac.Registry)
	if ac.fileStorage != nil {
		ac.FileHandler = engine.NewFileHandler(ac.Store, ac.fileStorage, ac.maxFileSize, ac.Name)
	}
	ac.EventHandler = instrument.NewEventHandler(ac.Store.DB, ac.Store.Dialect)
	ac.AIHandler = ai.NewHandler(ac.aiProvider, ac.Registry)

	ac.WebhookDispatcher = engine.NewWebhookDispatcher(ac.Store, ac.webhookWorkers, ac.webhookTimeout)
	ac.WebhookDispatcher.Start()
}

// Teardown stops background work and closes the database handle.
func (ac *AppContext) Teardown() {
	if ac.WebhookDispatcher != nil {
		ac.WebhookDispatcher.Stop()
	}
	if ac.EventBuffer != nil {
		ac.EventBuffer.Stop()
	}
	ac.Store.Close()
}

// AppInfo is the app summary returned by the platform endpoints.
type AppInfo struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	DBName      string `json:"db_name"`
	Status      string `json:"status"`
	CreatedAt   any    `json:"created_at"`
	UpdatedAt   any    `json:"updated_at"`
}
