package config

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// Config is the full process configuration, loaded from config.yaml (optional)
// with environment variables taking precedence.
type Config struct {
	Server            ServerConfig          `mapstructure:"server"`
	Database          DatabaseConfig        `mapstructure:"database"`
	Storage           StorageConfig         `mapstructure:"storage"`
	Webhooks          WebhookConfig         `mapstructure:"webhooks"`
	Workflows         WorkflowConfig        `mapstructure:"workflows"`
	Instrumentation   InstrumentationConfig `mapstructure:"instrumentation"`
	AI                AIConfig              `mapstructure:"ai"`
	JWTSecret         string                `mapstructure:"jwt_secret"`
	PlatformJWTSecret string                `mapstructure:"platform_jwt_secret"`
	AppPoolSize       int                   `mapstructure:"app_pool_size"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	PoolSize int    `mapstructure:"pool_size"`
	Path     string `mapstructure:"path"` // directory holding SQLite database files
}

type StorageConfig struct {
	Driver      string `mapstructure:"driver"`
	LocalPath   string `mapstructure:"local_path"`
	MaxFileSize int64  `mapstructure:"max_file_size"`
}

type WebhookConfig struct {
	WorkerCount      int `mapstructure:"worker_count"`
	AttemptTimeoutMs int `mapstructure:"attempt_timeout_ms"`
}

type WorkflowConfig struct {
	SweepIntervalMs int `mapstructure:"sweep_interval_ms"`
}

type InstrumentationConfig struct {
	Enabled         bool    `mapstructure:"enabled"`
	RetentionDays   int     `mapstructure:"retention_days"`
	SamplingRate    float64 `mapstructure:"sampling_rate"`
	BufferSize      int     `mapstructure:"buffer_size"`
	FlushIntervalMs int     `mapstructure:"flush_interval_ms"`
}

type AIConfig struct {
	APIKey string `mapstructure:"api_key"`
	Model  string `mapstructure:"model"`
	URL    string `mapstructure:"url"`
}

// DSN returns the driver-specific data source name for the management database.
func (d DatabaseConfig) DSN() string {
	if d.IsSQLite() {
		return d.Path + "/" + d.Name + ".db"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		d.User, url.QueryEscape(d.Password), d.Host, d.Port, d.Name)
}

// DSNForDB returns the DSN pointing at a different database on the same server.
func (d DatabaseConfig) DSNForDB(dbName string) string {
	if d.IsSQLite() {
		return d.Path + "/" + dbName + ".db"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		d.User, url.QueryEscape(d.Password), d.Host, d.Port, dbName)
}

func (d DatabaseConfig) IsSQLite() bool {
	return d.Driver == "sqlite"
}

// Load reads config.yaml if present and applies environment overrides.
// A missing config file is not an error; env-only deployments are supported.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("../..")

	v.SetDefault("server.port", 8080)
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.name", "fabrica")
	v.SetDefault("database.pool_size", 10)
	v.SetDefault("database.path", "./data")
	v.SetDefault("jwt_secret", "")
	v.SetDefault("platform_jwt_secret", "")
	v.SetDefault("app_pool_size", 5)
	v.SetDefault("storage.driver", "local")
	v.SetDefault("storage.local_path", "./uploads")
	v.SetDefault("storage.max_file_size", 10485760)
	v.SetDefault("webhooks.worker_count", 4)
	v.SetDefault("webhooks.attempt_timeout_ms", 10000)
	v.SetDefault("workflows.sweep_interval_ms", 60000)
	v.SetDefault("instrumentation.enabled", true)
	v.SetDefault("instrumentation.retention_days", 7)
	v.SetDefault("instrumentation.sampling_rate", 1.0)
	v.SetDefault("instrumentation.buffer_size", 500)
	v.SetDefault("instrumentation.flush_interval_ms", 100)
	v.SetDefault("ai.model", "gpt-4o-mini")
	v.SetDefault("ai.url", "https://api.openai.com/v1")

	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyEnvOverrides(&cfg, v)
	return &cfg, nil
}

// applyEnvOverrides maps the documented flat environment variables onto the
// nested config structure. These always win over file values.
func applyEnvOverrides(cfg *Config, v *viper.Viper) {
	if raw := v.GetString("DATABASE_URL"); raw != "" {
		parseDatabaseURL(raw, &cfg.Database)
	}
	if s := v.GetString("PORT"); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			cfg.Server.Port = n
		}
	}
	if s := v.GetString("JWT_SECRET"); s != "" {
		cfg.JWTSecret = s
	}
	if s := v.GetString("PLATFORM_JWT_SECRET"); s != "" {
		cfg.PlatformJWTSecret = s
	}
	if s := v.GetString("MAX_FILE_SIZE"); s != "" {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			cfg.Storage.MaxFileSize = n
		}
	}
	if s := v.GetString("STORAGE_PATH"); s != "" {
		cfg.Storage.LocalPath = s
	}
	if s := v.GetString("WEBHOOK_WORKER_COUNT"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			cfg.Webhooks.WorkerCount = n
		}
	}
	if s := v.GetString("WEBHOOK_ATTEMPT_TIMEOUT_MS"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			cfg.Webhooks.AttemptTimeoutMs = n
		}
	}
	if s := v.GetString("WORKFLOW_SWEEP_INTERVAL_MS"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			cfg.Workflows.SweepIntervalMs = n
		}
	}
	if s := v.GetString("AI_API_KEY"); s != "" {
		cfg.AI.APIKey = s
	}
}

// parseDatabaseURL fills the database block from a single URL. Postgres URLs
// use the standard scheme; "sqlite:<dir>/<name>.db" selects the sqlite driver.
func parseDatabaseURL(raw string, db *DatabaseConfig) {
	if strings.HasPrefix(raw, "sqlite:") {
		path := strings.TrimPrefix(raw, "sqlite:")
		db.Driver = "sqlite"
		dir, name := splitSQLitePath(path)
		db.Path = dir
		db.Name = name
		return
	}

	u, err := url.Parse(raw)
	if err != nil {
		return
	}
	db.Driver = "postgres"
	db.Host = u.Hostname()
	if p := u.Port(); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			db.Port = n
		}
	}
	if u.User != nil {
		db.User = u.User.Username()
		if pw, ok := u.User.Password(); ok {
			db.Password = pw
		}
	}
	if name := strings.TrimPrefix(u.Path, "/"); name != "" {
		db.Name = name
	}
}

func splitSQLitePath(path string) (dir, name string) {
	dir, name = "./data", path
	if i := strings.LastIndex(path, "/"); i >= 0 {
		dir, name = path[:i], path[i+1:]
	}
	name = strings.TrimSuffix(name, ".db")
	if dir == "" {
		dir = "."
	}
	return dir, name
}
