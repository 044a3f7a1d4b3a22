package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dukex/microapps/pkg/models"
	"github.com/dukex/microapps/pkg/otelhelper"
	"github.com/dukex/microapps/pkg/protocol"
)

const logTailLines = 20

// Notifier receives pipeline lifecycle notifications. Implementations must not block.
type Notifier interface {
	PipelineStarted(ctx context.Context, pipeline *models.DeploymentPipeline)
	PipelineSucceeded(ctx context.Context, pipeline *models.DeploymentPipeline)
	PipelineFailed(ctx context.Context, pipeline *models.DeploymentPipeline, err error)
	PipelineCancelled(ctx context.Context, pipeline *models.DeploymentPipeline)
}

// Recorder persists the audit record after every transition.
type Recorder interface {
	SavePipeline(ctx context.Context, pipeline *models.DeploymentPipeline) error
}

// StepFactory creates the executor for a configured step.
type StepFactory interface {
	Create(cfg models.StepConfig) (protocol.StepExecutor, error)
}

type Options struct {
	// ID of the pipeline record. A random UUID is used when empty.
	ID          string
	RetryPolicy models.RetryPolicy
	// Timeout bounds the whole run. Zero means no limit.
	Timeout  time.Duration
	Notifier Notifier
	Recorder Recorder
	Tracer   trace.Tracer
	Logger   *slog.Logger
}

// Executor runs a single pipeline. It is not reusable across runs.
type Executor struct {
	id       string
	factory  StepFactory
	policy   models.RetryPolicy
	timeout  time.Duration
	notifier Notifier
	recorder Recorder
	tracer   trace.Tracer
	logger   *slog.Logger
	sleep    sleepFunc
	now      func() time.Time

	// saveMu orders snapshot and write so records reach the store in transition order.
	saveMu sync.Mutex

	mu        sync.Mutex
	pipeline  *models.DeploymentPipeline
	pctx      *models.PipelineContext
	cancelled bool
}

func NewExecutor(factory StepFactory, opts Options) *Executor {
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	tracer := opts.Tracer
	if tracer == nil {
		tracer = otelhelper.NoopTracer()
	}

	return &Executor{
		id:       id,
		factory:  factory,
		policy:   normalizePolicy(opts.RetryPolicy),
		timeout:  opts.Timeout,
		notifier: opts.Notifier,
		recorder: opts.Recorder,
		tracer:   tracer,
		logger:   logger.With("pipeline_id", id),
		sleep:    defaultSleep,
		now:      time.Now,
	}
}

func (e *Executor) ID() string {
	return e.id
}

// Snapshot returns a copy of the current pipeline record, or nil before Execute.
func (e *Executor) Snapshot() *models.DeploymentPipeline {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.snapshotLocked()
}

type plannedStep struct {
	cfg    models.StepConfig
	exec   protocol.StepExecutor
	record *models.PipelineStep
}

// Execute resolves the step order and runs every step sequentially.
func (e *Executor) Execute(ctx context.Context, configs []models.StepConfig, pctx *models.PipelineContext) (*models.DeploymentPipeline, error) {
	now := e.now()

	e.mu.Lock()
	e.pctx = pctx
	e.pipeline = &models.DeploymentPipeline{
		ID:           e.id,
		RepositoryID: pctx.RepositoryID,
		Status:       models.PipelineStatusPending,
		Steps:        []*models.PipelineStep{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	alreadyCancelled := e.cancelled
	e.mu.Unlock()

	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "pipeline.execute",
		attribute.String(otelhelper.PipelineIDKey, e.id),
		attribute.String(otelhelper.RepositoryIDKey, pctx.RepositoryID),
	)
	defer span.End()

	plan, err := e.plan(configs)
	if err != nil {
		e.logger.ErrorContext(ctx, "Invalid pipeline configuration", "error", err)
		otelhelper.SetError(span, err, string(KindOf(err)))

		return e.finishFailed(ctx, nil, err)
	}

	if alreadyCancelled {
		pctx.Cancel()

		return e.finishCancelled(ctx, plan)
	}

	runCtx := ctx

	if e.timeout > 0 {
		var cancel context.CancelFunc

		runCtx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	if !e.markPipelineRunning() {
		return e.finishCancelled(ctx, plan)
	}

	e.save(ctx)
	e.logger.InfoContext(ctx, "Pipeline started", "steps", len(plan))

	if e.notifier != nil {
		e.notifier.PipelineStarted(ctx, e.Snapshot())
	}

	for i, step := range plan {
		if err := e.runStep(runCtx, ctx, step, pctx); err != nil {
			if IsCancellationError(err) || e.isCancelled() {
				return e.finishCancelled(ctx, plan[i:])
			}

			otelhelper.SetError(span, err, string(KindOf(err)))

			return e.finishFailed(ctx, plan[i:], err)
		}
	}

	return e.finishSucceeded(ctx)
}

// Cancel requests cooperative cancellation. It returns false if the run has
// already reached a terminal state.
func (e *Executor) Cancel(ctx context.Context) bool {
	e.mu.Lock()

	if e.pipeline != nil && e.pipeline.Status.IsTerminal() {
		e.mu.Unlock()

		return false
	}

	e.cancelled = true
	pctx := e.pctx

	if e.pipeline != nil {
		e.pipeline.Status = models.PipelineStatusCancelled
		e.pipeline.UpdatedAt = e.now()
	}
	e.mu.Unlock()

	if pctx != nil {
		pctx.Cancel()
	}

	e.logger.InfoContext(ctx, "Pipeline cancellation requested")
	e.save(ctx)

	return true
}

func (e *Executor) plan(configs []models.StepConfig) ([]*plannedStep, error) {
	ordered, err := ResolveOrder(configs)
	if err != nil {
		return nil, err
	}

	plan := make([]*plannedStep, 0, len(ordered))
	records := make([]*models.PipelineStep, 0, len(ordered))

	for _, cfg := range ordered {
		exec, err := e.factory.Create(cfg)
		if err != nil {
			var configErr *ConfigurationError
			if errors.As(err, &configErr) {
				return nil, err
			}

			return nil, &ConfigurationError{Reason: err.Error(), Steps: []string{cfg.Name}}
		}

		record := &models.PipelineStep{
			Name:   cfg.Name,
			Type:   cfg.Type,
			Status: models.StepStatusPending,
		}

		plan = append(plan, &plannedStep{cfg: cfg, exec: exec, record: record})
		records = append(records, record)
	}

	e.mu.Lock()
	e.pipeline.Steps = records
	e.mu.Unlock()

	return plan, nil
}

// runStep evaluates the condition, then runs the step with retries. runCtx
// carries the pipeline deadline; ctx is the caller's context.
func (e *Executor) runStep(runCtx, ctx context.Context, step *plannedStep, pctx *models.PipelineContext) error {
	if err := runCtx.Err(); err != nil {
		return e.contextError(runCtx, ctx, step.cfg, err)
	}

	run, err := step.cfg.Condition.Evaluate(pctx)
	if err != nil {
		return &ConfigurationError{Reason: fmt.Sprintf("condition: %v", err), Steps: []string{step.cfg.Name}}
	}

	if !run {
		e.markStep(step.record, models.StepStatusSkipped, nil, nil)
		e.save(ctx)
		e.logger.InfoContext(ctx, "Step skipped by condition", "step", step.cfg.Name)

		return nil
	}

	if pctx.IsCancelled() {
		return &CancellationError{Step: step.cfg.Name}
	}

	if !e.markStepRunning(step.record) {
		return &CancellationError{Step: step.cfg.Name}
	}

	e.save(ctx)

	stepCtx, span := otelhelper.StartSpan(runCtx, e.tracer, "pipeline.step",
		attribute.String(otelhelper.PipelineIDKey, e.id),
		attribute.String(otelhelper.StepNameKey, step.cfg.Name),
		attribute.String(otelhelper.StepTypeKey, string(step.cfg.Type)),
	)
	defer span.End()

	result, err := e.executeWithRetries(stepCtx, ctx, step, pctx)
	if err != nil {
		otelhelper.SetError(span, err, string(KindOf(err)))
		e.markStep(step.record, models.StepStatusFailed, result, err)

		return err
	}

	if len(result.Artifacts) > 0 {
		pctx.Artifacts.Merge(result.Artifacts)
	}

	span.SetStatus(codes.Ok, "")
	e.markStep(step.record, models.StepStatusSuccess, result, nil)
	e.save(ctx)
	e.logger.InfoContext(ctx, "Step succeeded", "step", step.cfg.Name, "attempts", step.record.Attempts)

	return nil
}

func (e *Executor) executeWithRetries(runCtx, ctx context.Context, step *plannedStep, pctx *models.PipelineContext) (*protocol.StepResult, error) {
	maxRetries := e.policy.MaxRetries
	if step.cfg.Retries != nil {
		maxRetries = max(*step.cfg.Retries, 0)
	}

	schedule := newBackOff(e.policy)

	var (
		result  *protocol.StepResult
		lastErr error
		logs    []string
	)

	for attempt := 0; ; attempt++ {
		e.setAttempts(step.record, attempt+1)

		result, lastErr = e.runAttempt(runCtx, ctx, step, pctx)
		if lastErr == nil {
			return result, nil
		}

		if result != nil {
			logs = result.Logs
		}

		e.logger.WarnContext(ctx, "Step attempt failed",
			"step", step.cfg.Name, "attempt", attempt+1, "error", lastErr)

		if attempt >= maxRetries || !retryable(lastErr, e.policy) || runCtx.Err() != nil {
			break
		}

		delay := schedule.NextBackOff()

		if err := e.sleep(runCtx, pctx, delay); err != nil {
			if errors.Is(err, models.ErrPipelineCancelled) || pctx.IsCancelled() {
				lastErr = &CancellationError{Step: step.cfg.Name}
			} else {
				lastErr = e.contextError(runCtx, ctx, step.cfg, err)
			}

			break
		}

		if pctx.IsCancelled() {
			lastErr = &CancellationError{Step: step.cfg.Name}

			break
		}
	}

	if KindOf(lastErr) == KindStepExecution {
		var stepErr *StepExecutionError
		if !errors.As(lastErr, &stepErr) {
			lastErr = &StepExecutionError{
				Step:     step.cfg.Name,
				Attempts: step.record.Attempts,
				Logs:     logs,
				Err:      lastErr,
			}
		}
	}

	return result, lastErr
}

// runAttempt invokes the step once and waits for it to return. Cancellation
// is cooperative: the step polls the flag, its context is never cancelled by
// it. A step timeout only expires the step context.
func (e *Executor) runAttempt(runCtx, ctx context.Context, step *plannedStep, pctx *models.PipelineContext) (*protocol.StepResult, error) {
	attemptCtx := runCtx

	if step.cfg.Timeout > 0 {
		var cancel context.CancelFunc

		attemptCtx, cancel = context.WithTimeout(runCtx, step.cfg.Timeout)
		defer cancel()
	}

	result, err := step.exec.Execute(attemptCtx, pctx)
	if err == nil {
		if result == nil {
			result = &protocol.StepResult{}
		}

		return result, nil
	}

	switch {
	case pctx.IsCancelled(), errors.Is(err, models.ErrPipelineCancelled):
		return result, &CancellationError{Step: step.cfg.Name}
	case attemptCtx.Err() != nil && runCtx.Err() == nil && step.cfg.Timeout > 0 &&
		errors.Is(attemptCtx.Err(), context.DeadlineExceeded):
		return result, &TimeoutError{Scope: "step", Name: step.cfg.Name, Timeout: step.cfg.Timeout}
	case runCtx.Err() != nil:
		return result, e.contextError(runCtx, ctx, step.cfg, runCtx.Err())
	}

	return result, err
}

// contextError maps a done context onto the pipeline timeout when the run
// deadline, not the caller, ended it.
func (e *Executor) contextError(runCtx, ctx context.Context, cfg models.StepConfig, err error) error {
	if e.timeout > 0 && errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return &TimeoutError{Scope: "pipeline", Name: e.id, Timeout: e.timeout}
	}

	return &StepExecutionError{Step: cfg.Name, Attempts: 1, Err: err}
}

func (e *Executor) isCancelled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.cancelled
}

func (e *Executor) markPipelineRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cancelled {
		return false
	}

	now := e.now()
	e.pipeline.Status = models.PipelineStatusRunning
	e.pipeline.StartedAt = &now
	e.pipeline.UpdatedAt = now

	return true
}

// markStepRunning refuses the transition once the run is cancelled, so no
// step becomes running after Cancel returns.
func (e *Executor) markStepRunning(record *models.PipelineStep) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cancelled {
		return false
	}

	now := e.now()
	record.Status = models.StepStatusRunning
	record.StartedAt = &now
	e.pipeline.UpdatedAt = now

	return true
}

func (e *Executor) setAttempts(record *models.PipelineStep, attempts int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	record.Attempts = attempts
}

func (e *Executor) markStep(record *models.PipelineStep, status models.StepStatus, result *protocol.StepResult, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	record.Status = status
	record.CompletedAt = &now

	if record.StartedAt != nil {
		record.Duration = now.Sub(*record.StartedAt)
	}

	if result != nil {
		record.Logs = slices.Clone(result.Logs)
		record.Output = maps.Clone(result.Output)
	}

	if err != nil {
		record.Error = err.Error()
	}

	e.pipeline.UpdatedAt = now
}

// skipRemainingLocked marks every still-pending step as skipped.
func (e *Executor) skipRemainingLocked(remaining []*plannedStep) {
	for _, step := range remaining {
		if step.record.Status == models.StepStatusPending {
			step.record.Status = models.StepStatusSkipped
		}
	}
}

func (e *Executor) complete(status models.PipelineStatus) {
	now := e.now()
	e.pipeline.Status = status
	e.pipeline.CompletedAt = &now
	e.pipeline.UpdatedAt = now

	if e.pipeline.StartedAt != nil {
		e.pipeline.Duration = now.Sub(*e.pipeline.StartedAt)
	}
}

func (e *Executor) finishSucceeded(ctx context.Context) (*models.DeploymentPipeline, error) {
	e.mu.Lock()

	if e.cancelled {
		e.mu.Unlock()

		return e.finishCancelled(ctx, nil)
	}

	e.complete(models.PipelineStatusSuccess)
	snapshot := e.snapshotLocked()
	e.mu.Unlock()

	e.save(ctx)
	e.logger.InfoContext(ctx, "Pipeline succeeded", "duration", snapshot.Duration)

	if e.notifier != nil {
		e.notifier.PipelineSucceeded(ctx, snapshot)
	}

	return snapshot, nil
}

func (e *Executor) finishFailed(ctx context.Context, remaining []*plannedStep, err error) (*models.DeploymentPipeline, error) {
	e.mu.Lock()
	e.skipRemainingLocked(remaining)
	e.complete(models.PipelineStatusFailed)
	e.pipeline.ErrorMessage = err.Error()
	e.pipeline.ErrorDetails = e.errorDetails(err)
	snapshot := e.snapshotLocked()
	e.mu.Unlock()

	e.save(ctx)
	e.logger.ErrorContext(ctx, "Pipeline failed", "error", err)

	if e.notifier != nil {
		e.notifier.PipelineFailed(ctx, snapshot, err)
	}

	return snapshot, err
}

func (e *Executor) finishCancelled(ctx context.Context, remaining []*plannedStep) (*models.DeploymentPipeline, error) {
	var current string

	e.mu.Lock()

	for _, step := range remaining {
		if step.record.Status == models.StepStatusRunning {
			now := e.now()
			step.record.Status = models.StepStatusFailed
			step.record.Error = "cancelled"
			step.record.CompletedAt = &now
			current = step.record.Name
		} else if step.record.Status == models.StepStatusFailed && current == "" {
			step.record.Error = "cancelled"
			current = step.record.Name
		}
	}

	e.skipRemainingLocked(remaining)
	e.complete(models.PipelineStatusCancelled)
	e.pipeline.ErrorMessage = "pipeline cancelled"
	e.pipeline.ErrorDetails = map[string]any{"kind": string(KindCancellation), "step": current}
	snapshot := e.snapshotLocked()
	e.mu.Unlock()

	e.save(ctx)
	e.logger.InfoContext(ctx, "Pipeline cancelled", "step", current)

	if e.notifier != nil {
		e.notifier.PipelineCancelled(ctx, snapshot)
	}

	return snapshot, &CancellationError{Step: current}
}

func (e *Executor) errorDetails(err error) map[string]any {
	details := map[string]any{"kind": string(KindOf(err))}

	var (
		configErr  *ConfigurationError
		stepErr    *StepExecutionError
		gateErr    *QualityGateError
		timeoutErr *TimeoutError
	)

	if errors.As(err, &configErr) && len(configErr.Steps) > 0 {
		details["steps"] = slices.Clone(configErr.Steps)
	}

	if errors.As(err, &stepErr) {
		details["step"] = stepErr.Step
		details["attempts"] = stepErr.Attempts

		if tail := tailLines(stepErr.Logs, logTailLines); len(tail) > 0 {
			details["logs"] = tail
		}
	}

	if errors.As(err, &gateErr) {
		details["score"] = gateErr.Score
		details["threshold"] = gateErr.Threshold
		details["breakdown"] = maps.Clone(gateErr.Breakdown)
	}

	if errors.As(err, &timeoutErr) {
		details["scope"] = timeoutErr.Scope
		details["timeout"] = timeoutErr.Timeout.String()
	}

	if _, ok := details["step"]; !ok {
		for _, step := range e.pipeline.Steps {
			if step.Status == models.StepStatusFailed {
				details["step"] = step.Name
				details["attempts"] = step.Attempts
			}
		}
	}

	return details
}

func tailLines(lines []string, n int) []string {
	if len(lines) <= n {
		return slices.Clone(lines)
	}

	return slices.Clone(lines[len(lines)-n:])
}

func (e *Executor) save(ctx context.Context) {
	if e.recorder == nil {
		return
	}

	e.saveMu.Lock()
	defer e.saveMu.Unlock()

	snapshot := e.Snapshot()
	if snapshot == nil {
		return
	}

	if err := e.recorder.SavePipeline(ctx, snapshot); err != nil {
		e.logger.ErrorContext(ctx, "Failed to persist pipeline record", "error", err)
	}
}

func (e *Executor) snapshotLocked() *models.DeploymentPipeline {
	if e.pipeline == nil {
		return nil
	}

	snapshot := *e.pipeline
	snapshot.ErrorDetails = maps.Clone(e.pipeline.ErrorDetails)
	snapshot.Steps = make([]*models.PipelineStep, len(e.pipeline.Steps))

	for i, step := range e.pipeline.Steps {
		copied := *step
		copied.Logs = slices.Clone(step.Logs)
		copied.Output = maps.Clone(step.Output)
		snapshot.Steps[i] = &copied
	}

	return &snapshot
}
