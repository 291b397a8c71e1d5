package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/oarkflow/ip"
	"github.com/oarkflow/log"

	"github.com/oarkflow/webguard"
)

func main() {
	ip.Init()

	logger := log.DefaultLogger

	cfg := webguard.DefaultConfig()
	configPath := os.Getenv("CONFIG")
	if configPath != "" {
		loaded, err := webguard.LoadConfig(configPath)
		if err != nil {
			logger.Fatal().Err(err).Str("path", configPath).Msg("cannot load config")
		}
		cfg = loaded
	}

	store, closeStore, err := buildStore(&logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("cannot connect state store")
	}
	defer closeStore()

	audit, err := buildAuditSink(&logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("cannot open audit sink")
	}

	alerts := webguard.NewAlertDispatcher(&logger)
	alerts.Register(&webguard.LogAlertSender{Logger: &logger})
	if url := os.Getenv("WEBHOOK_URL"); url != "" {
		alerts.Register(webguard.NewWebhookAlertSender(url))
	}

	inspector, err := webguard.New(cfg, webguard.InspectorOptions{
		Store:  store,
		Audit:  audit,
		Alerts: alerts,
		Logger: &logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("cannot start inspector")
	}

	if configPath != "" {
		if err := inspector.WatchConfigFile(configPath); err != nil {
			logger.Warn().Err(err).Msg("config hot reload disabled")
		}
	}

	app := fiber.New(fiber.Config{
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{"error": err.Error()})
		},
	})

	app.Use(cors.New())
	app.Use(webguard.Middleware(inspector))

	registerDemoRoutes(app, inspector)

	admin := webguard.AdminConfig{
		Username:     envOr("ADMIN_USER", "admin"),
		PasswordHash: os.Getenv("ADMIN_PASSWORD_HASH"),
	}
	if admin.PasswordHash == "" {
		logger.Warn().Msg("ADMIN_PASSWORD_HASH not set, admin surface disabled")
	} else {
		webguard.RegisterAdminRoutes(app.Group("/admin"), inspector, admin)
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-shutdown
		logger.Info().Msg("shutting down")
		if err := app.Shutdown(); err != nil {
			logger.Error().Err(err).Msg("server shutdown")
		}
		if err := inspector.Close(); err != nil {
			logger.Error().Err(err).Msg("inspector shutdown")
		}
	}()

	port := envOr("PORT", "3000")
	logger.Info().Str("port", port).Msg("webguard listening")
	if err := app.Listen(":" + port); err != nil {
		logger.Fatal().Err(err).Msg("server stopped")
	}
}

// buildStore picks Redis when REDIS_URL is set, the in-memory store
// otherwise.
func buildStore(logger *log.Logger) (webguard.StateStore, func(), error) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		store := webguard.NewInMemoryStateStore()
		stop := store.StartCleanup(time.Minute)
		logger.Info().Msg("using in-memory state store")
		return store, stop, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	store, err := webguard.NewRedisStateStore(ctx, url)
	if err != nil {
		return nil, nil, err
	}
	logger.Info().Msg("using redis state store")
	return store, func() { _ = store.Close() }, nil
}

func buildAuditSink(logger *log.Logger) (webguard.AuditSink, error) {
	path := os.Getenv("AUDIT_DB")
	if path == "" {
		return webguard.NewLogAuditSink(logger), nil
	}
	sqlite, err := webguard.NewSQLiteAuditSink(path, logger)
	if err != nil {
		return nil, err
	}
	return webguard.MultiAuditSink(webguard.NewLogAuditSink(logger), sqlite), nil
}

// registerDemoRoutes mounts a small protected application so the engine can
// be exercised end to end.
func registerDemoRoutes(app *fiber.App, inspector *webguard.Inspector) {
	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	app.Get("/api/search", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"query": c.Query("q"), "results": []string{}})
	})

	app.Post("/api/login", func(c *fiber.Ctx) error {
		var creds struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		if err := c.BodyParser(&creds); err != nil {
			return fiber.ErrBadRequest
		}
		// Demo app: every login fails, feeding the brute force detector.
		req := webguard.RequestFromFiber(c)
		_ = inspector.ReportAuthFailure(c.UserContext(), req.Source, time.Now())
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid credentials"})
	})
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
