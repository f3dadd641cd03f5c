package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"fabrica/internal/ai"
	"fabrica/internal/config"
	"fabrica/internal/engine"
	"fabrica/internal/instrument"
	"fabrica/internal/logging"
	"fabrica/internal/multiapp"
	"fabrica/internal/storage"
	"fabrica/internal/store"
)

var log = logging.For("server")

func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	log.Info().Int("port", cfg.Server.Port).Str("driver", cfg.Database.Driver).Str("db", cfg.Database.Name).Msg("config loaded")

	if cfg.PlatformJWTSecret == "" {
		log.Fatal().Msg("PLATFORM_JWT_SECRET is required")
	}

	if cfg.Database.IsSQLite() {
		if err := os.MkdirAll(cfg.Database.Path, 0o755); err != nil {
			log.Fatal().Err(err).Msg("create data directory")
		}
	}

	mgmtStore, err := store.New(ctx, cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("connect to management database")
	}
	defer mgmtStore.Close()

	if err := multiapp.PlatformBootstrap(ctx, mgmtStore); err != nil {
		log.Fatal().Err(err).Msg("bootstrap platform tables")
	}
	log.Info().Msg("platform tables ready")

	var fs storage.FileStorage
	if cfg.Storage.Driver == "local" {
		fs = storage.NewLocalStorage(cfg.Storage.LocalPath)
	}

	provider := ai.NewProvider(cfg.AI.URL, cfg.AI.APIKey, cfg.AI.Model)
	if provider == nil {
		log.Info().Msg("AI provider not configured; schema generation disabled")
	}

	manager := multiapp.NewAppManager(mgmtStore, cfg, fs, provider)
	defer manager.Close()
	if err := manager.LoadAll(ctx); err != nil {
		log.Warn().Err(err).Msg("load apps at startup")
	}

	app := fiber.New(fiber.Config{
		ErrorHandler:          engine.FiberErrorHandler,
		BodyLimit:             int(cfg.Storage.MaxFileSize) + 1024*1024,
		DisableStartupMessage: true,
	})
	app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))
	app.Use(requestLogger())

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	platformHandler := multiapp.NewPlatformHandler(mgmtStore, cfg.PlatformJWTSecret, manager)
	platformAuthMW := multiapp.PlatformAuthMiddleware(cfg.PlatformJWTSecret)
	multiapp.RegisterPlatformRoutes(app, platformHandler, platformAuthMW)

	var instrMW fiber.Handler
	if cfg.Instrumentation.Enabled {
		instrMW = instrument.Middleware(cfg.Instrumentation, func(c *fiber.Ctx) *instrument.EventBuffer {
			if ac := multiapp.GetAppCtx(c); ac != nil {
				return ac.EventBuffer
			}
			return nil
		})
	}
	multiapp.RegisterAppRoutes(app, manager, cfg.PlatformJWTSecret, instrMW)

	scheduler := multiapp.NewMultiAppScheduler(manager, cfg)
	scheduler.Start()
	defer scheduler.Stop()

	errCh := make(chan error, 1)
	go func() {
		addr := fmt.Sprintf(":%d", cfg.Server.Port)
		log.Info().Str("addr", addr).Msg("server listening")
		errCh <- app.Listen(addr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		log.Fatal().Err(err).Msg("server stopped")
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.Error().Err(err).Msg("shutdown")
		}
	}
}

// requestLogger emits one structured line per request.
func requestLogger() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		log.Info().
			Int("status", c.Response().StatusCode()).
			Str("method", c.Method()).
			Str("path", c.Path()).
			Dur("latency", time.Since(start)).
			Msg("request")
		return err
	}
}
