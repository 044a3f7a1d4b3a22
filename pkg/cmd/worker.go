package cmd

import (
	"log/slog"

	"github.com/dukex/microapps/pkg/builder"
	"github.com/dukex/microapps/pkg/eventbus"
	"github.com/dukex/microapps/pkg/persistence"
	"github.com/dukex/microapps/pkg/protocol"
	"github.com/dukex/microapps/pkg/steps"
	"github.com/dukex/microapps/pkg/worker"
	"go.opentelemetry.io/otel/trace"
)

type WorkerConfig struct {
	ID            string
	WorkspaceRoot string
	KeepWorkspace bool
	DistBaseURL   string
	Env           map[string]string
	Tracer        trace.Tracer
	Logger        *slog.Logger
}

// NewWorker assembles the built-in steps and the pipeline manager. Deploy
// steps publish through publisher.
func NewWorker(
	store persistence.Persistence,
	bus eventbus.EventBus,
	publisher protocol.PackagePublisher,
	cfg WorkerConfig,
) *worker.Manager {
	factory := steps.NewFactory(steps.Dependencies{
		Runner:      builder.NewRunner(cfg.Env, cfg.Logger),
		Cloner:      steps.NewGitCloner(),
		Publisher:   publisher,
		DistBaseURL: cfg.DistBaseURL,
		Logger:      cfg.Logger,
	})

	return worker.NewManager(cfg.ID, store, bus, factory, worker.Options{
		WorkspaceRoot: cfg.WorkspaceRoot,
		KeepWorkspace: cfg.KeepWorkspace,
		Env:           cfg.Env,
		Tracer:        cfg.Tracer,
		Logger:        cfg.Logger,
	})
}
