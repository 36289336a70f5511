package web

import (
	"net/http"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"
)

type appConfig struct {
	metrics    http.Handler
	requestLog bool
}

type AppOption func(*appConfig)

// WithMetricsHandler serves handler on GET /metrics.
func WithMetricsHandler(handler http.Handler) AppOption {
	return func(c *appConfig) {
		c.metrics = handler
	}
}

// WithRequestLog enables the fiber access log.
func WithRequestLog() AppOption {
	return func(c *appConfig) {
		c.requestLog = true
	}
}

func newApp(opts []AppOption) *fiber.App {
	cfg := &appConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	app := fiber.New()

	if cfg.requestLog {
		app.Use(logger.New(logger.Config{
			DisableColors: true,
		}))
	}

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	if cfg.metrics != nil {
		app.Get("/metrics", adaptor.HTTPHandler(cfg.metrics))
	}

	return app
}

// NewAPIApp returns the management API.
func NewAPIApp(handlers *APIHandlers, opts ...AppOption) *fiber.App {
	app := newApp(opts)
	app.Use(cors.New())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("Courier API")
	})

	w := app.Group("/workflows")
	w.Get("/", handlers.GetWorkflows)
	w.Post("/", handlers.CreateWorkflow)
	w.Get("/:id", handlers.GetWorkflow)
	w.Patch("/:id", handlers.UpdateWorkflow)
	w.Delete("/:id", handlers.DeleteWorkflow)
	w.Post("/:id/activate", handlers.ActivateWorkflow)
	w.Post("/:id/archive", handlers.ArchiveWorkflow)
	w.Get("/:id/versions/:version", handlers.GetWorkflowVersion)

	r := app.Group("/runs")
	r.Get("/", handlers.GetRuns)
	r.Get("/:id", handlers.GetRun)
	r.Get("/:id/events", handlers.GetRunEvents)
	r.Post("/:id/cancel", handlers.CancelRun)

	app.Get("/health", handlers.HealthCheck)

	return app
}

// NewReceiverApp returns the provider webhook endpoint.
func NewReceiverApp(receiver *Receiver, opts ...AppOption) *fiber.App {
	app := newApp(opts)

	hooks := app.Group("/webhooks")
	hooks.Get("/:provider", receiver.Challenge)
	hooks.Post("/:provider", receiver.Receive)

	return app
}

// NewStatusApp returns an app with only liveness, readiness and the options'
// routes, for processes without a public API.
func NewStatusApp(opts ...AppOption) *fiber.App {
	return newApp(opts)
}
