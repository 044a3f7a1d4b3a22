package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dukex/microapps/pkg/cmd"
	"github.com/dukex/microapps/pkg/eventbus"
	"github.com/dukex/microapps/pkg/log"
	"github.com/dukex/microapps/pkg/web"
	cli "github.com/urfave/cli/v3"
)

const defaultPort = 9091

func main() {
	logger := log.WithModule("microapps-api")

	cmd := &cli.Command{
		Name:                  "microapps-api",
		Usage:                 "Accept submissions and serve the micro-app registry",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to run the API server on",
				Value:   defaultPort,
				Sources: cli.EnvVars("PORT"),
			},
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Database connection URL for persistence (postgres:// or a directory)",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus type (kafka, gochannel)",
				Value:   "gochannel",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringFlag{
				Name:    "kafka-brokers",
				Usage:   "Comma separated Kafka brokers",
				Value:   "localhost:9092",
				Sources: cli.EnvVars("KAFKA_BROKERS"),
			},
			&cli.StringFlag{
				Name:    "redis-url",
				Usage:   "Redis URL for the package cache (in-memory when empty)",
				Sources: cli.EnvVars("REDIS_URL"),
			},
			&cli.StringFlag{
				Name:    "developer-tokens",
				Usage:   "Comma separated developer:token pairs allowed to publish",
				Sources: cli.EnvVars("DEVELOPER_TOKENS"),
			},
			&cli.StringFlag{
				Name:    "service-api-key",
				Usage:   "Key required by the install metrics endpoint",
				Sources: cli.EnvVars("SERVICE_API_KEY"),
			},
			&cli.BoolFlag{
				Name:    "with-worker",
				Usage:   "Run a pipeline worker in this process (needed with the gochannel bus)",
				Sources: cli.EnvVars("WITH_WORKER"),
			},
			&cli.StringFlag{
				Name:    "workspace-root",
				Usage:   "Directory for pipeline workspaces of the embedded worker",
				Sources: cli.EnvVars("WORKSPACE_ROOT"),
			},
			&cli.StringFlag{
				Name:    "dist-base-url",
				Usage:   "Base URL packages are served from",
				Value:   "http://localhost:9091/dist",
				Sources: cli.EnvVars("DIST_BASE_URL"),
			},
			&cli.BoolFlag{
				Name:    "otel-enabled",
				Usage:   "Export traces over OTLP/HTTP",
				Sources: cli.EnvVars("OTEL_ENABLED"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
			&cli.StringFlag{
				Name:    "log-format",
				Usage:   "Log format (text, json)",
				Value:   "text",
				Sources: cli.EnvVars("LOG_FORMAT"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"), command.String("log-format"))

			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			logger.InfoContext(ctx, "Initializing micro-apps API")

			tracer, shutdownTracer, err := cmd.NewTracer(ctx, command.Bool("otel-enabled"), "microapps-api")
			if err != nil {
				return err
			}
			defer func() {
				if err := shutdownTracer(context.WithoutCancel(ctx)); err != nil {
					logger.ErrorContext(ctx, "Failed to shutdown tracer provider", "error", err)
				}
			}()

			developers, err := web.ParseDeveloperTokens(command.String("developer-tokens"))
			if err != nil {
				return err
			}

			persistence, err := cmd.NewPersistence(ctx, logger, command.String("database-url"))
			if err != nil {
				return err
			}
			defer func() {
				err := persistence.Close(context.WithoutCancel(ctx))
				if err != nil {
					logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
				}
			}()

			eventBus, err := cmd.NewEventBus(command.String("event-bus"), command.String("kafka-brokers"), "microapps-api", logger)
			if err != nil {
				return err
			}
			defer func() {
				if err := eventBus.Close(); err != nil {
					logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
				}
			}()

			registry, closeCache, err := cmd.NewRegistry(ctx, persistence, cmd.RegistryConfig{
				RedisURL: command.String("redis-url"),
				Listener: eventbus.NewPublishListener(eventBus, logger),
				Logger:   log.WithModule("registry"),
			})
			if err != nil {
				return err
			}
			defer func() { _ = closeCache() }()

			if command.Bool("with-worker") {
				manager := cmd.NewWorker(persistence, eventBus, registry, cmd.WorkerConfig{
					ID:            "api-embedded",
					WorkspaceRoot: command.String("workspace-root"),
					DistBaseURL:   command.String("dist-base-url"),
					Tracer:        tracer,
					Logger:        log.WithModule("microapps-worker"),
				})

				if err := manager.Start(ctx); err != nil {
					return fmt.Errorf("failed to start embedded worker: %w", err)
				}
				defer func() {
					if err := manager.Shutdown(context.WithoutCancel(ctx)); err != nil {
						logger.ErrorContext(ctx, "Failed to stop embedded worker", "error", err)
					}
				}()
			}

			api := NewAPI(logger, persistence, registry, eventBus, developers, command.String("service-api-key"))

			logger.InfoContext(ctx, "Listening", "port", command.Int("port"))

			return api.Start(ctx, command.Int("port"))
		},
	}

	err := cmd.Run(context.Background(), os.Args)
	if err != nil {
		logger.Error("micro-apps API failed", "error", err)
		os.Exit(1)
	}
}
