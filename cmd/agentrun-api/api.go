// Package main provides the agentrun API server.
package main

import (
	"log/slog"
	"strconv"

	"github.com/dukex/agentrun/pkg/services"
	"github.com/dukex/agentrun/pkg/stream"
	"github.com/dukex/agentrun/pkg/web"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type API struct {
	logger       *slog.Logger
	orchestrator *services.Orchestrator
	hub          *stream.Hub
	gatherer     prometheus.Gatherer
	validate     *validator.Validate
}

func NewAPI(
	logger *slog.Logger,
	orchestrator *services.Orchestrator,
	hub *stream.Hub,
	gatherer prometheus.Gatherer,
) *API {
	return &API{
		logger:       logger,
		orchestrator: orchestrator,
		hub:          hub,
		gatherer:     gatherer,
		validate:     validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (a *API) App() *fiber.App {
	handlers := web.NewAPIHandlers(a.orchestrator, a.validate, a.hub)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("agentrun API")
	})

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{})))

	handlers.Register(app)

	return app
}

func (a *API) Start(port int) error {
	app := a.App()

	a.logger.Info("Starting agentrun API", "port", port)

	err := app.Listen(":" + strconv.Itoa(port))

	return err
}
