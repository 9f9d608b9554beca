// Package http is the fiber-based API surface of the control plane. Handlers
// stay thin: validation and shaping here, semantics in the domain packages.
package http

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"harvester/internal/config"
	"harvester/internal/events"
	"harvester/internal/ledger"
	"harvester/internal/metrics"
	"harvester/internal/queue"
	"harvester/internal/session"
	"harvester/internal/store"
)

// Deps bundles everything the handlers reach for.
type Deps struct {
	Config     *config.Config
	Store      *store.Store
	Queue      *queue.Queue
	Sessions   *session.Manager
	Ledger     *ledger.Ledger
	Emitter    *events.Emitter
	Subscriber *events.Subscriber
	Redis      *redis.Client
	Logger     *slog.Logger
}

type Server struct {
	app  *fiber.App
	deps Deps
}

func NewServer(deps Deps) *Server {
	app := fiber.New()

	// Inject dependencies into context for handlers
	app.Use(func(c *fiber.Ctx) error {
		c.Locals("deps", &deps)
		return c.Next()
	})

	// Request logging + metrics middleware
	app.Use(func(c *fiber.Ctx) error {
		start := time.Now()

		// Ensure a request ID exists
		reqID := c.Get("X-Request-Id")
		if reqID == "" {
			reqID = uuid.New().String()
		}
		c.Locals("request_id", reqID)

		err := c.Next()

		latency := time.Since(start)
		status := c.Response().StatusCode()
		method := c.Method()
		path := c.Path()

		metrics.RecordRequest(method, path, status, latency.Milliseconds())

		if deps.Logger != nil {
			deps.Logger.Info("request",
				"request_id", reqID,
				"method", method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
		return err
	})

	// Health endpoints
	app.Get("/healthz", func(c *fiber.Ctx) error {
		// Shallow health: process is up
		if c.Query("deep") != "true" {
			return c.JSON(fiber.Map{"status": "ok"})
		}

		// Deep health: check DB and Redis connectivity plus browser config.
		ctx, cancel := context.WithTimeout(c.Context(), 2*time.Second)
		defer cancel()

		dbStatus := "ok"
		if deps.Store == nil || deps.Store.DB == nil {
			dbStatus = "disabled"
		} else if err := deps.Store.DB.PingContext(ctx); err != nil {
			dbStatus = "error"
		}

		redisStatus := "disabled"
		if deps.Redis != nil {
			if err := deps.Redis.Ping(ctx).Err(); err != nil {
				redisStatus = "error"
			} else {
				redisStatus = "ok"
			}
		}

		browserStatus := "disabled"
		if deps.Config != nil && deps.Config.Browser.Enabled {
			browserStatus = "enabled"
		}

		status := "ok"
		if dbStatus == "error" || redisStatus == "error" {
			status = "error"
		}

		return c.JSON(fiber.Map{
			"status":  status,
			"db":      dbStatus,
			"redis":   redisStatus,
			"browser": browserStatus,
		})
	})

	// Prometheus-style metrics endpoint
	app.Get("/metrics", func(c *fiber.Ctx) error {
		c.Type("text/plain")
		return c.SendString(metrics.Export())
	})

	v1 := app.Group("/v1")
	registerV1Routes(v1)

	return &Server{app: app, deps: deps}
}

// App exposes the fiber app for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

func (s *Server) Listen() error {
	addr := fmt.Sprintf("%s:%d", s.deps.Config.Server.Host, s.deps.Config.Server.Port)
	return s.app.Listen(addr)
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

func registerV1Routes(group fiber.Router) {
	group.Post("/jobs", jobCreateHandler)
	group.Get("/jobs", jobListHandler)
	group.Get("/jobs/:id", jobDetailHandler)
	group.Get("/jobs/:id/fields", fieldMapListHandler)
	group.Put("/jobs/:id/fields/:name", fieldMapUpsertHandler)
	group.Post("/jobs/:id/runs", runStartHandler)
	group.Get("/jobs/:id/runs", runListHandler)

	group.Get("/runs/:id", runDetailHandler)
	group.Post("/runs/:id/cancel", runCancelHandler)
	group.Get("/runs/:id/records", recordListHandler)
	group.Get("/runs/:id/events", eventListHandler)

	group.Get("/events/stream", eventStreamHandler)

	group.Get("/sessions/stats", sessionStatsHandler)
	group.Post("/sessions/cleanup", sessionCleanupHandler)

	group.Get("/keys/stats", keyStatsHandler)

	group.Get("/interventions", interventionListHandler)
	group.Post("/interventions/:id/resolve", interventionResolveHandler)
	group.Post("/interventions/:id/cancel", interventionCancelHandler)
}

func depsOf(c *fiber.Ctx) *Deps {
	return c.Locals("deps").(*Deps)
}
