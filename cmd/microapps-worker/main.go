// Package main provides the micro-apps pipeline worker.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dukex/microapps/pkg/cmd"
	"github.com/dukex/microapps/pkg/eventbus"
	"github.com/dukex/microapps/pkg/log"
	"github.com/dukex/microapps/pkg/registry"
	"github.com/google/uuid"
	cli "github.com/urfave/cli/v3"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cmd := &cli.Command{
		Name:                  "microapps-worker",
		EnableShellCompletion: true,
		Usage:                 "Run submission pipelines and publish their packages",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "worker-id",
				Aliases: []string{"id"},
				Usage:   "Custom worker ID (auto-generated if not provided)",
				Value:   "",
				Sources: cli.EnvVars("WORKER_ID"),
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
				Value:   "kafka",
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
				Name:    "workspace-root",
				Usage:   "Directory for pipeline workspaces",
				Sources: cli.EnvVars("WORKSPACE_ROOT"),
			},
			&cli.BoolFlag{
				Name:    "keep-workspace",
				Usage:   "Keep pipeline workspaces after the run",
				Sources: cli.EnvVars("KEEP_WORKSPACE"),
			},
			&cli.StringFlag{
				Name:    "dist-base-url",
				Usage:   "Base URL packages are served from",
				Value:   "http://localhost:9091/dist",
				Sources: cli.EnvVars("DIST_BASE_URL"),
			},
			&cli.StringFlag{
				Name:    "weekly-reset-schedule",
				Usage:   "Cron schedule of the weekly download counter reset",
				Value:   registry.DefaultWeeklyResetSchedule,
				Sources: cli.EnvVars("WEEKLY_RESET_SCHEDULE"),
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

			workerID := command.String("worker-id")
			if workerID == "" {
				workerID = "worker-" + uuid.New().String()[:8]
			}

			moduleLogger := log.WithModule("microapps-worker")
			logger := moduleLogger.With("workerId", workerID)

			logger.InfoContext(ctx, "Initializing micro-apps worker")

			tracer, shutdownTracer, err := cmd.NewTracer(ctx, command.Bool("otel-enabled"), "microapps-worker")
			if err != nil {
				return err
			}
			defer func() {
				if err := shutdownTracer(context.WithoutCancel(ctx)); err != nil {
					logger.ErrorContext(ctx, "Failed to shutdown tracer provider", "error", err)
				}
			}()

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

			eventBus, err := cmd.NewEventBus(command.String("event-bus"), command.String("kafka-brokers"), "microapps-worker", logger)
			if err != nil {
				return err
			}
			defer func() {
				err := eventBus.Close()
				if err != nil {
					logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
				}
			}()

			packages, closeCache, err := cmd.NewRegistry(ctx, persistence, cmd.RegistryConfig{
				RedisURL: command.String("redis-url"),
				Listener: eventbus.NewPublishListener(eventBus, logger),
				Logger:   log.WithModule("registry"),
			})
			if err != nil {
				return err
			}
			defer func() { _ = closeCache() }()

			scheduler, err := registry.NewWeeklyResetScheduler(packages, command.String("weekly-reset-schedule"), logger)
			if err != nil {
				return err
			}

			manager := cmd.NewWorker(persistence, eventBus, packages, cmd.WorkerConfig{
				ID:            workerID,
				WorkspaceRoot: command.String("workspace-root"),
				KeepWorkspace: command.Bool("keep-workspace"),
				DistBaseURL:   command.String("dist-base-url"),
				Tracer:        tracer,
				Logger:        moduleLogger,
			})

			if err := scheduler.Start(ctx); err != nil {
				return err
			}

			if err := manager.Start(ctx); err != nil {
				logger.ErrorContext(ctx, "Failed to start worker", "error", err)

				return err
			}

			<-ctx.Done()
			logger.Info("Shutting down gracefully...")

			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()

			if err := scheduler.Stop(shutdownCtx); err != nil {
				logger.Error("Failed to stop weekly reset scheduler", "error", err)
			}

			return manager.Shutdown(shutdownCtx)
		},
	}

	err := cmd.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}
