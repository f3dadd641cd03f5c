package multiapp

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"fabrica/internal/ai"
	"fabrica/internal/config"
	"fabrica/internal/instrument"
	"fabrica/internal/logging"
	"fabrica/internal/metadata"
	"fabrica/internal/storage"
	"fabrica/internal/store"
)

var managerLog = logging.For("multiapp")

// AppManager owns the lifecycle of per-app resources. Each application gets
// its own database, registry, handler set and webhook dispatcher; contexts
// are initialized lazily on first request and cached.
type AppManager struct {
	mu          sync.RWMutex
	apps        map[string]*AppContext
	mgmtStore   *store.Store
	dbConfig    config.DatabaseConfig
	poolSize    int
	fileStorage storage.FileStorage
	maxFileSize int64
	instrConfig config.InstrumentationConfig
	aiProvider  *ai.Provider

	webhookWorkers int
	webhookTimeout time.Duration
}

func NewAppManager(mgmtStore *store.Store, cfg *config.Config, fs storage.FileStorage, provider *ai.Provider) *AppManager {
	workers := cfg.Webhooks.WorkerCount
	if workers <= 0 {
		workers = 4
	}
	timeout := time.Duration(cfg.Webhooks.AttemptTimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &AppManager{
		apps:           make(map[string]*AppContext),
		mgmtStore:      mgmtStore,
		dbConfig:       cfg.Database,
		poolSize:       cfg.AppPoolSize,
		fileStorage:    fs,
		maxFileSize:    cfg.Storage.MaxFileSize,
		instrConfig:    cfg.Instrumentation,
		aiProvider:     provider,
		webhookWorkers: workers,
		webhookTimeout: timeout,
	}
}

// Get returns the AppContext for the given app, initializing on cache miss.
func (m *AppManager) Get(ctx context.Context, appName string) (*AppContext, error) {
	m.mu.RLock()
	ac, ok := m.apps[appName]
	m.mu.RUnlock()
	if ok {
		return ac, nil
	}
	return m.initApp(ctx, appName)
}

// Create provisions a new app: database, registration row, bootstrap, cache.
func (m *AppManager) Create(ctx context.Context, name, displayName string) (*AppContext, error) {
	dbName := "fabrica_" + name
	jwtSecret := generateJWTSecret()

	if err := store.CreateDatabase(ctx, m.mgmtStore, dbName); err != nil {
		return nil, fmt.Errorf("create database %s: %w", dbName, err)
	}

	pb := m.mgmtStore.Dialect.NewParamBuilder()
	_, err := store.Exec(ctx, m.mgmtStore.DB, fmt.Sprintf(
		"INSERT INTO _apps (name, display_name, db_name, db_driver, jwt_secret) VALUES (%s, %s, %s, %s, %s)",
		pb.Add(name), pb.Add(displayName), pb.Add(dbName), pb.Add(m.mgmtStore.Dialect.Name()), pb.Add(jwtSecret)),
		pb.Params()...)
	if err != nil {
		_ = store.DropDatabase(ctx, m.mgmtStore, dbName)
		return nil, fmt.Errorf("register app: %w", err)
	}

	ac, err := m.buildContext(ctx, name, dbName, jwtSecret, true)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.apps[name] = ac
	m.mu.Unlock()

	return ac, nil
}

// Delete tears down an app: stops background work, drops the database,
// removes the registration row.
func (m *AppManager) Delete(ctx context.Context, name string) error {
	m.mu.Lock()
	if ac, ok := m.apps[name]; ok {
		ac.Teardown()
		delete(m.apps, name)
	}
	m.mu.Unlock()

	pb := m.mgmtStore.Dialect.NewParamBuilder()
	row, err := store.QueryRow(ctx, m.mgmtStore.DB,
		fmt.Sprintf("SELECT db_name FROM _apps WHERE name = %s", pb.Add(name)), pb.Params()...)
	if err != nil {
		return fmt.Errorf("app not found: %s", name)
	}
	dbName, _ := row["db_name"].(string)

	pb2 := m.mgmtStore.Dialect.NewParamBuilder()
	if _, err := store.Exec(ctx, m.mgmtStore.DB,
		fmt.Sprintf("DELETE FROM _apps WHERE name = %s", pb2.Add(name)), pb2.Params()...); err != nil {
		return fmt.Errorf("delete app record: %w", err)
	}

	if err := store.DropDatabase(ctx, m.mgmtStore, dbName); err != nil {
		return fmt.Errorf("drop database %s: %w", dbName, err)
	}

	return nil
}

// List returns all registered apps.
func (m *AppManager) List(ctx context.Context) ([]AppInfo, error) {
	rows, err := store.QueryRows(ctx, m.mgmtStore.DB,
		"SELECT name, display_name, db_name, status, created_at, updated_at FROM _apps ORDER BY name")
	if err != nil {
		return nil, err
	}

	apps := make([]AppInfo, 0, len(rows))
	for _, row := range rows {
		apps = append(apps, appInfoFromRow(row))
	}
	return apps, nil
}

// GetApp returns a single app's registration row.
func (m *AppManager) GetApp(ctx context.Context, name string) (*AppInfo, error) {
	pb := m.mgmtStore.Dialect.NewParamBuilder()
	row, err := store.QueryRow(ctx, m.mgmtStore.DB, fmt.Sprintf(
		"SELECT name, display_name, db_name, status, created_at, updated_at FROM _apps WHERE name = %s",
		pb.Add(name)), pb.Params()...)
	if err != nil {
		return nil, err
	}
	info := appInfoFromRow(row)
	return &info, nil
}

// LoadAll eagerly initializes every active app at startup. Individual app
// failures are logged and skipped so one broken app does not block boot.
func (m *AppManager) LoadAll(ctx context.Context) error {
	rows, err := store.QueryRows(ctx, m.mgmtStore.DB,
		"SELECT name, db_name, jwt_secret FROM _apps WHERE status = 'active'")
	if err != nil {
		return nil
	}

	for _, row := range rows {
		name, _ := row["name"].(string)
		dbName, _ := row["db_name"].(string)
		jwtSecret, _ := row["jwt_secret"].(string)

		ac, err := m.buildContext(ctx, name, dbName, jwtSecret, true)
		if err != nil {
			managerLog.Warn().Err(err).Str("app", name).Msg("skipping app at startup")
			continue
		}

		m.mu.Lock()
		m.apps[name] = ac
		m.mu.Unlock()

		managerLog.Info().Str("app", name).Str("db", dbName).Msg("app loaded")
	}

	return nil
}

// AllContexts returns a snapshot of the active app contexts.
func (m *AppManager) AllContexts() []*AppContext {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]*AppContext, 0, len(m.apps))
	for _, ac := range m.apps {
		result = append(result, ac)
	}
	return result
}

// Close tears down every cached app context.
func (m *AppManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ac := range m.apps {
		ac.Teardown()
	}
	m.apps = make(map[string]*AppContext)
}

// initApp loads one app from _apps under the write lock.
func (m *AppManager) initApp(ctx context.Context, appName string) (*AppContext, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check after acquiring the write lock.
	if ac, ok := m.apps[appName]; ok {
		return ac, nil
	}

	pb := m.mgmtStore.Dialect.NewParamBuilder()
	row, err := store.QueryRow(ctx, m.mgmtStore.DB, fmt.Sprintf(
		"SELECT db_name, jwt_secret, status FROM _apps WHERE name = %s", pb.Add(appName)), pb.Params()...)
	if err != nil {
		return nil, fmt.Errorf("app not found: %s", appName)
	}
	status, _ := row["status"].(string)
	if status != "active" {
		return nil, fmt.Errorf("app %s is %s", appName, status)
	}
	dbName, _ := row["db_name"].(string)
	jwtSecret, _ := row["jwt_secret"].(string)

	ac, err := m.buildContext(ctx, appName, dbName, jwtSecret, false)
	if err != nil {
		return nil, err
	}
	m.apps[appName] = ac

	return ac, nil
}

// buildContext opens the app database and assembles the context. bootstrap
// runs the idempotent table creation; skipped on lazy cache fills where the
// database is known to exist.
func (m *AppManager) buildContext(ctx context.Context, name, dbName, jwtSecret string, bootstrap bool) (*AppContext, error) {
	appCfg := store.ConfigForDB(m.dbConfig, dbName)
	appStore, err := store.NewWithPoolSize(ctx, appCfg, m.poolSize)
	if err != nil {
		return nil, fmt.Errorf("connect to app database %s: %w", dbName, err)
	}

	if bootstrap {
		if err := appStore.Bootstrap(ctx); err != nil {
			appStore.Close()
			return nil, fmt.Errorf("bootstrap app %s: %w", name, err)
		}
	}

	reg := metadata.NewRegistry()
	if err := metadata.LoadAll(ctx, appStore.DB, reg); err != nil {
		managerLog.Warn().Err(err).Str("app", name).Msg("load metadata")
	}

	ac := &AppContext{
		Name:           name,
		DBName:         dbName,
		JWTSecret:      jwtSecret,
		Store:          appStore,
		Registry:       reg,
		fileStorage:    m.fileStorage,
		maxFileSize:    m.maxFileSize,
		aiProvider:     m.aiProvider,
		webhookWorkers: m.webhookWorkers,
		webhookTimeout: m.webhookTimeout,
	}
	if m.instrConfig.Enabled {
		ac.EventBuffer = instrument.NewEventBuffer(appStore.DB, appStore.Dialect, m.instrConfig.BufferSize, m.instrConfig.FlushIntervalMs)
	}
	ac.BuildHandlers()

	return ac, nil
}

func appInfoFromRow(row map[string]any) AppInfo {
	name, _ := row["name"].(string)
	displayName, _ := row["display_name"].(string)
	dbName, _ := row["db_name"].(string)
	status, _ := row["status"].(string)
	return AppInfo{
		Name:        name,
		DisplayName: displayName,
		DBName:      dbName,
		Status:      status,
		CreatedAt:   row["created_at"],
		UpdatedAt:   row["updated_at"],
	}
}

func generateJWTSecret() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
