// Package worker consumes submission events and runs their pipelines.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/dukex/microapps/pkg/eventbus"
	"github.com/dukex/microapps/pkg/events"
	"github.com/dukex/microapps/pkg/log"
	"github.com/dukex/microapps/pkg/models"
	"github.com/dukex/microapps/pkg/persistence"
	"github.com/dukex/microapps/pkg/pipeline"
	"github.com/dukex/microapps/pkg/services"
	"go.opentelemetry.io/otel/trace"
)

type Options struct {
	WorkspaceRoot string
	// KeepWorkspace leaves the workspace directory behind after a run.
	KeepWorkspace bool
	Env           map[string]string
	Tracer        trace.Tracer
	Logger        *slog.Logger
}

// Manager runs one pipeline per submission, each in its own goroutine, and
// tracks the active runs so they can be cancelled.
type Manager struct {
	id          string
	persistence persistence.Persistence
	eventBus    eventbus.EventBus
	factory     pipeline.StepFactory
	notifier    pipeline.Notifier
	opts        Options
	logger      *slog.Logger

	mu     sync.Mutex
	active map[string]*pipeline.Executor
	wg     sync.WaitGroup
	runCtx context.Context
}

func NewManager(
	id string,
	persistence persistence.Persistence,
	eventBus eventbus.EventBus,
	factory pipeline.StepFactory,
	opts Options,
) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = log.WithModule("microapps-worker")
	}

	logger = logger.With("worker_id", id)

	if opts.WorkspaceRoot == "" {
		opts.WorkspaceRoot = filepath.Join(os.TempDir(), "microapps")
	}

	return &Manager{
		id:          id,
		persistence: persistence,
		eventBus:    eventBus,
		factory:     factory,
		notifier:    eventbus.NewPipelineNotifier(eventBus, id, logger),
		opts:        opts,
		logger:      logger,
		active:      make(map[string]*pipeline.Executor),
		runCtx:      context.Background(),
	}
}

// Start registers the handlers and subscribes. Runs started afterwards live
// on ctx, not on the context of the message that triggered them.
func (m *Manager) Start(ctx context.Context) error {
	m.logger.InfoContext(ctx, "Starting worker manager")

	m.runCtx = context.WithoutCancel(ctx)

	err := m.eventBus.Handle(events.SubmissionReceivedEvent, m.handleSubmissionReceived)
	if err != nil {
		return err
	}

	err = m.eventBus.Handle(events.PipelineCancelRequestedEvent, m.handleCancelRequested)
	if err != nil {
		return err
	}

	err = m.eventBus.Subscribe(ctx)
	if err != nil {
		m.logger.ErrorContext(ctx, "Failed to subscribe to event bus", "error", err)

		return err
	}

	m.logger.InfoContext(ctx, "Worker started successfully")

	return nil
}

// Shutdown cancels every active run and waits for them to finish or for ctx.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	running := make([]*pipeline.Executor, 0, len(m.active))

	for _, exec := range m.active {
		running = append(running, exec)
	}
	m.mu.Unlock()

	for _, exec := range running {
		exec.Cancel(ctx)
	}

	done := make(chan struct{})

	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Active returns the ids of the pipelines this worker is running.
func (m *Manager) Active() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}

	return ids
}

func (m *Manager) handleSubmissionReceived(ctx context.Context, event any) error {
	received, ok := event.(*events.SubmissionReceived)
	if !ok {
		m.logger.ErrorContext(ctx, "Invalid event type for SubmissionReceived")

		return nil
	}

	logger := m.logger.With("repository_id", received.RepositoryID, "pipeline_id", received.PipelineID)

	repository, err := m.persistence.RepositoryRepository().GetByID(ctx, received.RepositoryID)
	if persistence.IsNotFound(err) {
		logger.WarnContext(ctx, "Dropping submission for unknown repository")

		return nil
	}

	if err != nil {
		return fmt.Errorf("failed to load repository: %w", err)
	}

	tmpl, err := services.LoadTemplate(repository.Template)
	if err != nil {
		logger.ErrorContext(ctx, "Cannot load pipeline template", "template", repository.Template, "error", err)
		m.reject(ctx, repository, received.PipelineID, logger)

		return nil
	}

	exec, started := m.register(received.PipelineID, tmpl, logger)
	if !started {
		logger.InfoContext(ctx, "Pipeline already running, ignoring duplicate delivery")

		return nil
	}

	m.wg.Add(1)

	go func() {
		defer m.wg.Done()
		defer m.unregister(received.PipelineID)

		if _, err := m.run(m.runCtx, exec, tmpl, repository, logger); err != nil {
			logger.ErrorContext(m.runCtx, "Pipeline run ended with error", "error", err)
		}
	}()

	return nil
}

func (m *Manager) handleCancelRequested(ctx context.Context, event any) error {
	requested, ok := event.(*events.PipelineCancelRequested)
	if !ok {
		m.logger.ErrorContext(ctx, "Invalid event type for PipelineCancelRequested")

		return nil
	}

	m.mu.Lock()
	exec, running := m.active[requested.PipelineID]
	m.mu.Unlock()

	if !running {
		m.logger.DebugContext(ctx, "Pipeline not running on this worker", "pipeline_id", requested.PipelineID)

		return nil
	}

	exec.Cancel(ctx)

	return nil
}

func (m *Manager) register(pipelineID string, tmpl *services.PipelineTemplate, logger *slog.Logger) (*pipeline.Executor, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.active[pipelineID]; exists {
		return nil, false
	}

	exec := m.newExecutor(pipelineID, tmpl, logger)
	m.active[pipelineID] = exec

	return exec, true
}

func (m *Manager) unregister(pipelineID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.active, pipelineID)
}

func (m *Manager) newExecutor(pipelineID string, tmpl *services.PipelineTemplate, logger *slog.Logger) *pipeline.Executor {
	return pipeline.NewExecutor(m.factory, pipeline.Options{
		ID:          pipelineID,
		RetryPolicy: tmpl.RetryPolicy,
		Timeout:     tmpl.Timeout,
		Notifier:    m.notifier,
		Recorder:    recorder{pipelines: m.persistence.PipelineRepository()},
		Tracer:      m.opts.Tracer,
		Logger:      logger,
	})
}

// Run executes the pipeline of a repository synchronously under pipelineID.
func (m *Manager) Run(ctx context.Context, repository *models.Repository, pipelineID string) (*models.DeploymentPipeline, error) {
	logger := m.logger.With("repository_id", repository.ID, "pipeline_id", pipelineID)

	tmpl, err := services.LoadTemplate(repository.Template)
	if err != nil {
		m.reject(ctx, repository, pipelineID, logger)

		return nil, err
	}

	exec, started := m.register(pipelineID, tmpl, logger)
	if !started {
		return nil, fmt.Errorf("pipeline %s is already running", pipelineID)
	}
	defer m.unregister(pipelineID)

	return m.run(ctx, exec, tmpl, repository, logger)
}

func (m *Manager) run(
	ctx context.Context,
	exec *pipeline.Executor,
	tmpl *services.PipelineTemplate,
	repository *models.Repository,
	logger *slog.Logger,
) (*models.DeploymentPipeline, error) {
	workspace := filepath.Join(m.opts.WorkspaceRoot, exec.ID())
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		m.reject(ctx, repository, exec.ID(), logger)

		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}

	if !m.opts.KeepWorkspace {
		defer func() {
			if err := os.RemoveAll(workspace); err != nil {
				logger.WarnContext(ctx, "Failed to remove workspace", "error", err)
			}
		}()
	}

	if err := m.persistence.RepositoryRepository().UpdateStatus(ctx, repository.ID, models.RepositoryStatusBuilding, exec.ID()); err != nil {
		return nil, fmt.Errorf("failed to mark repository building: %w", err)
	}

	pctx := models.NewPipelineContext(repository.ID, exec.ID(), workspace, repository.Form, logger)
	pctx.OwnerID = repository.OwnerID

	for k, v := range m.opts.Env {
		pctx.Env[k] = v
	}

	logger.InfoContext(ctx, "Running pipeline", "template", tmpl.Name, "steps", len(tmpl.Steps))

	result, runErr := exec.Execute(ctx, tmpl.Steps, pctx)

	status := models.RepositoryStatusRejected
	if runErr == nil && result != nil && result.Status == models.PipelineStatusSuccess {
		status = models.RepositoryStatusApproved
	}

	if err := m.persistence.RepositoryRepository().UpdateStatus(ctx, repository.ID, status, exec.ID()); err != nil {
		return result, errors.Join(runErr, fmt.Errorf("failed to update repository status: %w", err))
	}

	logger.InfoContext(ctx, "Submission reviewed", "status", status, "reason", rejectionReason(runErr))

	return result, runErr
}

func (m *Manager) reject(ctx context.Context, repository *models.Repository, pipelineID string, logger *slog.Logger) {
	err := m.persistence.RepositoryRepository().UpdateStatus(ctx, repository.ID, models.RepositoryStatusRejected, pipelineID)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to reject repository", "error", err)
	}
}

func rejectionReason(err error) string {
	switch {
	case err == nil:
		return ""
	case pipeline.IsQualityGateError(err):
		return "quality_gate"
	case pipeline.IsCancellationError(err):
		return "cancelled"
	case pipeline.IsTimeoutError(err):
		return "timeout"
	case pipeline.IsConfigurationError(err):
		return "configuration"
	default:
		return "step_failed"
	}
}

// recorder adapts the pipeline repository to the executor's Recorder.
type recorder struct {
	pipelines persistence.PipelineRepository
}

func (r recorder) SavePipeline(ctx context.Context, pipeline *models.DeploymentPipeline) error {
	return r.pipelines.Save(ctx, pipeline)
}
