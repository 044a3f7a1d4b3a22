// Package main provides the micro-apps API server.
package main

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/dukex/microapps/pkg/eventbus"
	"github.com/dukex/microapps/pkg/persistence"
	"github.com/dukex/microapps/pkg/registry"
	"github.com/dukex/microapps/pkg/services"
	"github.com/dukex/microapps/pkg/web"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"
)

type API struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	registry    *registry.Registry
	eventBus    eventbus.EventBus
	developers  web.DeveloperAuthenticator
	serviceKey  string
	validate    *validator.Validate
}

func NewAPI(
	logger *slog.Logger,
	persistence persistence.Persistence,
	registry *registry.Registry,
	eventBus eventbus.EventBus,
	developers web.DeveloperAuthenticator,
	serviceKey string,
) *API {
	return &API{
		logger:      logger,
		persistence: persistence,
		registry:    registry,
		eventBus:    eventBus,
		developers:  developers,
		serviceKey:  serviceKey,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (a *API) App() *fiber.App {
	submissions := services.NewSubmission(a.persistence, a.eventBus, a.logger.With("service", "submission"))
	handlers := web.NewAPIHandlers(submissions, a.registry, a.validate)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.LivenessEndpoint, healthcheck.New())
	app.Get(healthcheck.ReadinessEndpoint, healthcheck.New())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("Micro-apps API")
	})

	handlers.Mount(app, a.developers, a.serviceKey)

	return app
}

// Start serves until ctx is done, then shuts the server down.
func (a *API) Start(ctx context.Context, port int) error {
	app := a.App()

	go func() {
		<-ctx.Done()

		if err := app.ShutdownWithContext(context.WithoutCancel(ctx)); err != nil {
			a.logger.Error("Failed to shut down API server", "error", err)
		}
	}()

	return app.Listen(":"+strconv.Itoa(port), fiber.ListenConfig{DisableStartupMessage: true})
}
