package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukex/microapps/pkg/models"
	"github.com/dukex/microapps/pkg/protocol"
)

type fakeStep struct {
	stepType models.StepType
	calls    atomic.Int32
	run      func(ctx context.Context, pctx *models.PipelineContext, call int) (*protocol.StepResult, error)
}

func (s *fakeStep) Type() models.StepType {
	return s.stepType
}

func (s *fakeStep) Execute(ctx context.Context, pctx *models.PipelineContext) (*protocol.StepResult, error) {
	call := int(s.calls.Add(1))
	if s.run == nil {
		return &protocol.StepResult{}, nil
	}

	return s.run(ctx, pctx, call)
}

type fakeFactory map[string]*fakeStep

func (f fakeFactory) Create(cfg models.StepConfig) (protocol.StepExecutor, error) {
	step, ok := f[cfg.Name]
	if !ok {
		return nil, errors.New("no executor for " + cfg.Name)
	}

	return step, nil
}

type recordingStore struct {
	mu    sync.Mutex
	saved []*models.DeploymentPipeline
}

func (r *recordingStore) SavePipeline(_ context.Context, p *models.DeploymentPipeline) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.saved = append(r.saved, p)

	return nil
}

func (r *recordingStore) statuses() []models.PipelineStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]models.PipelineStatus, 0, len(r.saved))
	for _, p := range r.saved {
		out = append(out, p.Status)
	}

	return out
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *recordingNotifier) add(event string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.events = append(n.events, event)
}

func (n *recordingNotifier) PipelineStarted(context.Context, *models.DeploymentPipeline) {
	n.add("started")
}

func (n *recordingNotifier) PipelineSucceeded(context.Context, *models.DeploymentPipeline) {
	n.add("succeeded")
}

func (n *recordingNotifier) PipelineFailed(context.Context, *models.DeploymentPipeline, error) {
	n.add("failed")
}

func (n *recordingNotifier) PipelineCancelled(context.Context, *models.DeploymentPipeline) {
	n.add("cancelled")
}

func newTestContext() *models.PipelineContext {
	return models.NewPipelineContext("repo-1", "ws-1", "/tmp/ws-1", models.DeveloperSubmissionForm{}, nil)
}

func newTestExecutor(factory StepFactory, policy models.RetryPolicy) (*Executor, *recordingStore, *recordingNotifier, *[]time.Duration) {
	store := &recordingStore{}
	notifier := &recordingNotifier{}
	executor := NewExecutor(factory, Options{
		ID:          "pipeline-1",
		RetryPolicy: policy,
		Recorder:    store,
		Notifier:    notifier,
	})

	var mu sync.Mutex

	delays := []time.Duration{}
	executor.sleep = func(_ context.Context, pctx *models.PipelineContext, d time.Duration) error {
		mu.Lock()
		delays = append(delays, d)
		mu.Unlock()

		return pctx.CheckCancelled()
	}

	return executor, store, notifier, &delays
}

func intPtr(v int) *int {
	return &v
}

func TestExecutor_Success(t *testing.T) {
	factory := fakeFactory{
		"clone": {stepType: models.StepTypeClone, run: func(context.Context, *models.PipelineContext, int) (*protocol.StepResult, error) {
			return &protocol.StepResult{
				Logs:      []string{"cloned"},
				Artifacts: map[string]any{models.ArtifactSourceDir: "/tmp/ws-1/source"},
			}, nil
		}},
		"build": {stepType: models.StepTypeBuild, run: func(_ context.Context, pctx *models.PipelineContext, _ int) (*protocol.StepResult, error) {
			dir, ok := models.GetArtifact[string](pctx.Artifacts, models.ArtifactSourceDir)
			if !ok {
				return nil, errors.New("missing source")
			}

			return &protocol.StepResult{Output: map[string]any{"dir": dir}}, nil
		}},
	}

	executor, store, notifier, _ := newTestExecutor(factory, models.DefaultRetryPolicy())

	p, err := executor.Execute(context.Background(), []models.StepConfig{
		{Name: "build", Type: models.StepTypeBuild, DependsOn: []string{"clone"}},
		{Name: "clone", Type: models.StepTypeClone},
	}, newTestContext())
	require.NoError(t, err)

	assert.Equal(t, models.PipelineStatusSuccess, p.Status)
	assert.Equal(t, "pipeline-1", p.ID)
	assert.Equal(t, "repo-1", p.RepositoryID)
	require.Len(t, p.Steps, 2)
	assert.Equal(t, "clone", p.Steps[0].Name)
	assert.Equal(t, "build", p.Steps[1].Name)

	for _, step := range p.Steps {
		assert.Equal(t, models.StepStatusSuccess, step.Status)
		assert.Equal(t, 1, step.Attempts)
	}

	assert.Equal(t, []string{"cloned"}, p.Steps[0].Logs)
	assert.Equal(t, "/tmp/ws-1/source", p.Steps[1].Output["dir"])
	assert.NotNil(t, p.CompletedAt)
	assert.Equal(t, []string{"started", "succeeded"}, notifier.events)

	statuses := store.statuses()
	require.NotEmpty(t, statuses)
	assert.Equal(t, models.PipelineStatusSuccess, statuses[len(statuses)-1])
}

func TestExecutor_CycleRejectedBeforeAnyStep(t *testing.T) {
	a := &fakeStep{stepType: models.StepTypeBuild}
	b := &fakeStep{stepType: models.StepTypeTest}
	executor, store, notifier, _ := newTestExecutor(fakeFactory{"a": a, "b": b}, models.DefaultRetryPolicy())

	p, err := executor.Execute(context.Background(), []models.StepConfig{
		{Name: "a", Type: models.StepTypeBuild, DependsOn: []string{"b"}},
		{Name: "b", Type: models.StepTypeTest, DependsOn: []string{"a"}},
	}, newTestContext())

	require.Error(t, err)
	assert.True(t, IsConfigurationError(err))
	assert.Contains(t, err.Error(), "circular dependency")
	assert.Equal(t, models.PipelineStatusFailed, p.Status)
	assert.Nil(t, p.StartedAt)
	assert.Equal(t, int32(0), a.calls.Load())
	assert.Equal(t, int32(0), b.calls.Load())
	assert.NotContains(t, store.statuses(), models.PipelineStatusRunning)
	assert.Equal(t, []string{"failed"}, notifier.events)
	assert.Equal(t, string(KindConfiguration), p.ErrorDetails["kind"])
}

func TestExecutor_RetriesWithExponentialBackoff(t *testing.T) {
	failing := &fakeStep{stepType: models.StepTypeInstall, run: func(context.Context, *models.PipelineContext, int) (*protocol.StepResult, error) {
		return &protocol.StepResult{Logs: []string{"npm ERR! network"}}, errors.New("network unreachable")
	}}

	policy := models.RetryPolicy{Backoff: 100 * time.Millisecond, BackoffMultiplier: 3}
	executor, _, notifier, delays := newTestExecutor(fakeFactory{"install": failing}, policy)

	p, err := executor.Execute(context.Background(), []models.StepConfig{
		{Name: "install", Type: models.StepTypeInstall, Retries: intPtr(2)},
	}, newTestContext())

	require.Error(t, err)

	var stepErr *StepExecutionError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, "install", stepErr.Step)
	assert.Equal(t, 3, stepErr.Attempts)
	assert.Equal(t, int32(3), failing.calls.Load())
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 300 * time.Millisecond}, *delays)

	assert.Equal(t, models.PipelineStatusFailed, p.Status)
	assert.Equal(t, 3, p.Steps[0].Attempts)
	assert.Equal(t, models.StepStatusFailed, p.Steps[0].Status)
	assert.Equal(t, "install", p.ErrorDetails["step"])
	assert.Equal(t, 3, p.ErrorDetails["attempts"])
	assert.Equal(t, []string{"npm ERR! network"}, p.ErrorDetails["logs"])
	assert.Equal(t, []string{"started", "failed"}, notifier.events)
}

func TestExecutor_RecoversOnRetry(t *testing.T) {
	flaky := &fakeStep{stepType: models.StepTypeInstall, run: func(_ context.Context, _ *models.PipelineContext, call int) (*protocol.StepResult, error) {
		if call == 1 {
			return nil, errors.New("registry timeout")
		}

		return &protocol.StepResult{Artifacts: map[string]any{models.ArtifactPackageManager: "npm"}}, nil
	}}

	policy := models.RetryPolicy{MaxRetries: 1, Backoff: time.Second, BackoffMultiplier: 2}
	executor, _, _, delays := newTestExecutor(fakeFactory{"install": flaky}, policy)

	pctx := newTestContext()
	p, err := executor.Execute(context.Background(), []models.StepConfig{
		{Name: "install", Type: models.StepTypeInstall},
	}, pctx)

	require.NoError(t, err)
	assert.Equal(t, models.PipelineStatusSuccess, p.Status)
	assert.Equal(t, 2, p.Steps[0].Attempts)
	assert.Equal(t, []time.Duration{time.Second}, *delays)

	pm, ok := models.GetArtifact[string](pctx.Artifacts, models.ArtifactPackageManager)
	require.True(t, ok)
	assert.Equal(t, "npm", pm)
}

func TestExecutor_FailFastSkipsRemaining(t *testing.T) {
	last := &fakeStep{stepType: models.StepTypeBuild}
	factory := fakeFactory{
		"clone": {stepType: models.StepTypeClone},
		"test": {stepType: models.StepTypeTest, run: func(context.Context, *models.PipelineContext, int) (*protocol.StepResult, error) {
			return nil, errors.New("exit status 1")
		}},
		"build": last,
	}

	executor, _, _, _ := newTestExecutor(factory, models.DefaultRetryPolicy())

	p, err := executor.Execute(context.Background(), []models.StepConfig{
		{Name: "clone", Type: models.StepTypeClone},
		{Name: "test", Type: models.StepTypeTest},
		{Name: "build", Type: models.StepTypeBuild},
	}, newTestContext())

	require.Error(t, err)
	assert.Equal(t, KindStepExecution, KindOf(err))
	assert.Equal(t, models.PipelineStatusFailed, p.Status)
	assert.Equal(t, models.StepStatusSuccess, p.Step("clone").Status)
	assert.Equal(t, models.StepStatusFailed, p.Step("test").Status)
	assert.Equal(t, models.StepStatusSkipped, p.Step("build").Status)
	assert.Equal(t, int32(0), last.calls.Load())
	assert.Contains(t, p.ErrorMessage, "exit status 1")
}

func TestExecutor_QualityGateNotRetried(t *testing.T) {
	gate := &fakeStep{stepType: models.StepTypeQualityCheck, run: func(context.Context, *models.PipelineContext, int) (*protocol.StepResult, error) {
		return nil, &QualityGateError{Score: 50, Threshold: 70}
	}}

	executor, _, _, delays := newTestExecutor(fakeFactory{"gate": gate}, models.RetryPolicy{MaxRetries: 3})

	p, err := executor.Execute(context.Background(), []models.StepConfig{
		{Name: "gate", Type: models.StepTypeQualityCheck},
	}, newTestContext())

	require.Error(t, err)
	assert.True(t, IsQualityGateError(err))
	assert.Equal(t, int32(1), gate.calls.Load())
	assert.Empty(t, *delays)
	assert.InDelta(t, 50.0, p.ErrorDetails["score"], 0.001)
	assert.Equal(t, string(KindQualityGate), p.ErrorDetails["kind"])
}

func TestExecutor_ConditionSkipsStep(t *testing.T) {
	scan := &fakeStep{stepType: models.StepTypeSecurityScan}
	executor, _, _, _ := newTestExecutor(fakeFactory{
		"clone": {stepType: models.StepTypeClone},
		"scan":  scan,
	}, models.DefaultRetryPolicy())

	pctx := newTestContext()
	pctx.Env["SECURITY_SCAN"] = "off"

	p, err := executor.Execute(context.Background(), []models.StepConfig{
		{Name: "clone", Type: models.StepTypeClone},
		{Name: "scan", Type: models.StepTypeSecurityScan, Condition: &models.Condition{Expression: "env.SECURITY_SCAN == on"}},
	}, pctx)

	require.NoError(t, err)
	assert.Equal(t, models.PipelineStatusSuccess, p.Status)
	assert.Equal(t, models.StepStatusSkipped, p.Step("scan").Status)
	assert.Equal(t, int32(0), scan.calls.Load())
}

func TestExecutor_Cancel(t *testing.T) {
	started := make(chan struct{})
	after := &fakeStep{stepType: models.StepTypeBuild}
	factory := fakeFactory{
		"clone": {stepType: models.StepTypeClone},
		"install": {stepType: models.StepTypeInstall, run: func(ctx context.Context, pctx *models.PipelineContext, _ int) (*protocol.StepResult, error) {
			close(started)
			<-pctx.Done()

			return nil, pctx.CheckCancelled()
		}},
		"build": after,
	}

	executor, store, notifier, _ := newTestExecutor(factory, models.RetryPolicy{MaxRetries: 5})

	go func() {
		<-started
		assert.True(t, executor.Cancel(context.Background()))
	}()

	p, err := executor.Execute(context.Background(), []models.StepConfig{
		{Name: "clone", Type: models.StepTypeClone},
		{Name: "install", Type: models.StepTypeInstall},
		{Name: "build", Type: models.StepTypeBuild},
	}, newTestContext())

	require.Error(t, err)
	assert.True(t, IsCancellationError(err))
	assert.ErrorIs(t, err, models.ErrPipelineCancelled)
	assert.Equal(t, models.PipelineStatusCancelled, p.Status)
	assert.Equal(t, models.StepStatusSuccess, p.Step("clone").Status)
	assert.Equal(t, models.StepStatusFailed, p.Step("install").Status)
	assert.Equal(t, "cancelled", p.Step("install").Error)
	assert.Equal(t, models.StepStatusSkipped, p.Step("build").Status)
	assert.Equal(t, int32(0), after.calls.Load())
	assert.Equal(t, []string{"started", "cancelled"}, notifier.events)

	statuses := store.statuses()
	assert.Equal(t, models.PipelineStatusCancelled, statuses[len(statuses)-1])

	assert.False(t, executor.Cancel(context.Background()))
}

func TestExecutor_CancelBeforeExecute(t *testing.T) {
	step := &fakeStep{stepType: models.StepTypeClone}
	executor, _, _, _ := newTestExecutor(fakeFactory{"clone": step}, models.DefaultRetryPolicy())

	assert.True(t, executor.Cancel(context.Background()))

	pctx := newTestContext()
	p, err := executor.Execute(context.Background(), []models.StepConfig{
		{Name: "clone", Type: models.StepTypeClone},
	}, pctx)

	require.Error(t, err)
	assert.True(t, IsCancellationError(err))
	assert.True(t, pctx.IsCancelled())
	assert.Equal(t, models.PipelineStatusCancelled, p.Status)
	assert.Equal(t, models.StepStatusSkipped, p.Steps[0].Status)
	assert.Equal(t, int32(0), step.calls.Load())
}

func TestExecutor_StepTimeout(t *testing.T) {
	slow := &fakeStep{stepType: models.StepTypeTest, run: func(ctx context.Context, _ *models.PipelineContext, _ int) (*protocol.StepResult, error) {
		<-ctx.Done()

		return nil, ctx.Err()
	}}

	executor, _, _, delays := newTestExecutor(fakeFactory{"test": slow}, models.RetryPolicy{MaxRetries: 2})

	p, err := executor.Execute(context.Background(), []models.StepConfig{
		{Name: "test", Type: models.StepTypeTest, Timeout: 20 * time.Millisecond},
	}, newTestContext())

	require.Error(t, err)

	var timeoutErr *TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, "step", timeoutErr.Scope)
	assert.Equal(t, "test", timeoutErr.Name)
	assert.Equal(t, int32(1), slow.calls.Load())
	assert.Empty(t, *delays)
	assert.Equal(t, models.PipelineStatusFailed, p.Status)
}

func TestExecutor_StepTimeoutRetriedWhenEnabled(t *testing.T) {
	slow := &fakeStep{stepType: models.StepTypeTest, run: func(ctx context.Context, _ *models.PipelineContext, call int) (*protocol.StepResult, error) {
		if call == 1 {
			<-ctx.Done()

			return nil, ctx.Err()
		}

		return &protocol.StepResult{}, nil
	}}

	policy := models.RetryPolicy{MaxRetries: 1, RetryOnTimeout: true}
	executor, _, _, _ := newTestExecutor(fakeFactory{"test": slow}, policy)

	p, err := executor.Execute(context.Background(), []models.StepConfig{
		{Name: "test", Type: models.StepTypeTest, Timeout: 20 * time.Millisecond},
	}, newTestContext())

	require.NoError(t, err)
	assert.Equal(t, 2, p.Steps[0].Attempts)
}

func TestExecutor_PipelineTimeout(t *testing.T) {
	slow := &fakeStep{stepType: models.StepTypeBuild, run: func(ctx context.Context, _ *models.PipelineContext, _ int) (*protocol.StepResult, error) {
		<-ctx.Done()

		return nil, ctx.Err()
	}}

	executor := NewExecutor(fakeFactory{"build": slow}, Options{Timeout: 20 * time.Millisecond})

	p, err := executor.Execute(context.Background(), []models.StepConfig{
		{Name: "build", Type: models.StepTypeBuild},
	}, newTestContext())

	require.Error(t, err)

	var timeoutErr *TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, "pipeline", timeoutErr.Scope)
	assert.Equal(t, models.PipelineStatusFailed, p.Status)
}

func TestExecutor_UnknownExecutorIsConfigurationError(t *testing.T) {
	executor, _, _, _ := newTestExecutor(fakeFactory{}, models.DefaultRetryPolicy())

	_, err := executor.Execute(context.Background(), []models.StepConfig{
		{Name: "clone", Type: models.StepTypeClone},
	}, newTestContext())

	require.Error(t, err)
	assert.True(t, IsConfigurationError(err))
}

func TestExecutor_CancelWaitsForRunningStep(t *testing.T) {
	started := make(chan struct{})

	var (
		finished   atomic.Bool
		ctxErrSeen atomic.Value
	)

	install := &fakeStep{stepType: models.StepTypeInstall, run: func(ctx context.Context, pctx *models.PipelineContext, _ int) (*protocol.StepResult, error) {
		close(started)
		<-pctx.Done()
		// Wind down after seeing the flag, the way a step finishes its current command.
		time.Sleep(50 * time.Millisecond)
		ctxErrSeen.Store(fmt.Sprint(ctx.Err()))
		finished.Store(true)

		return nil, pctx.CheckCancelled()
	}}

	executor, _, _, _ := newTestExecutor(fakeFactory{"install": install}, models.DefaultRetryPolicy())

	go func() {
		<-started
		executor.Cancel(context.Background())
	}()

	p, err := executor.Execute(context.Background(), []models.StepConfig{
		{Name: "install", Type: models.StepTypeInstall},
	}, newTestContext())

	require.Error(t, err)
	assert.True(t, IsCancellationError(err))
	assert.True(t, finished.Load(), "step must have returned before Execute")
	assert.Equal(t, "<nil>", ctxErrSeen.Load(), "cancellation must not cancel the step context")
	assert.Equal(t, models.PipelineStatusCancelled, p.Status)
}

func TestExecutor_StepTimeoutWaitsForStep(t *testing.T) {
	var (
		running  atomic.Int32
		overlaps atomic.Int32
	)

	slow := &fakeStep{stepType: models.StepTypeTest, run: func(ctx context.Context, _ *models.PipelineContext, _ int) (*protocol.StepResult, error) {
		if running.Add(1) > 1 {
			overlaps.Add(1)
		}
		defer running.Add(-1)

		<-ctx.Done()
		time.Sleep(30 * time.Millisecond)

		return nil, ctx.Err()
	}}

	policy := models.RetryPolicy{MaxRetries: 1, RetryOnTimeout: true}
	executor, _, _, _ := newTestExecutor(fakeFactory{"test": slow}, policy)

	_, err := executor.Execute(context.Background(), []models.StepConfig{
		{Name: "test", Type: models.StepTypeTest, Timeout: 10 * time.Millisecond},
	}, newTestContext())

	var timeoutErr *TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, int32(2), slow.calls.Load())
	assert.Equal(t, int32(0), overlaps.Load())
	assert.Equal(t, int32(0), running.Load())
}

type permanentError struct{}

func (permanentError) Error() string   { return "version already exists" }
func (permanentError) Retryable() bool { return false }

func TestExecutor_NonRetryableErrorNotRetried(t *testing.T) {
	deploy := &fakeStep{stepType: models.StepTypeDeploy, run: func(context.Context, *models.PipelineContext, int) (*protocol.StepResult, error) {
		return nil, fmt.Errorf("failed to publish widget@1.0.0: %w", permanentError{})
	}}

	executor, _, _, delays := newTestExecutor(fakeFactory{"deploy": deploy}, models.RetryPolicy{MaxRetries: 2})

	p, err := executor.Execute(context.Background(), []models.StepConfig{
		{Name: "deploy", Type: models.StepTypeDeploy},
	}, newTestContext())

	require.Error(t, err)
	assert.ErrorAs(t, err, &permanentError{})
	assert.Equal(t, int32(1), deploy.calls.Load())
	assert.Empty(t, *delays)
	assert.Equal(t, models.PipelineStatusFailed, p.Status)
}

type slowRecorder struct {
	recordingStore
}

func (r *slowRecorder) SavePipeline(ctx context.Context, p *models.DeploymentPipeline) error {
	// Hold running saves long enough for a concurrent cancel to overtake them.
	if p.Status == models.PipelineStatusRunning {
		time.Sleep(20 * time.Millisecond)
	}

	return r.recordingStore.SavePipeline(ctx, p)
}

func TestExecutor_SavesStayOrderedUnderCancel(t *testing.T) {
	finishing := make(chan struct{})
	store := &slowRecorder{}

	clone := &fakeStep{stepType: models.StepTypeClone, run: func(context.Context, *models.PipelineContext, int) (*protocol.StepResult, error) {
		close(finishing)

		return &protocol.StepResult{}, nil
	}}
	install := &fakeStep{stepType: models.StepTypeInstall}

	executor := NewExecutor(fakeFactory{"clone": clone, "install": install}, Options{ID: "pipeline-1", Recorder: store})

	// Cancel lands while the post-step save of clone is still writing.
	go func() {
		<-finishing
		time.Sleep(5 * time.Millisecond)
		executor.Cancel(context.Background())
	}()

	_, err := executor.Execute(context.Background(), []models.StepConfig{
		{Name: "clone", Type: models.StepTypeClone},
		{Name: "install", Type: models.StepTypeInstall},
	}, newTestContext())
	require.Error(t, err)

	statuses := store.statuses()
	cancelledAt := slices.Index(statuses, models.PipelineStatusCancelled)
	require.GreaterOrEqual(t, cancelledAt, 0)

	for _, status := range statuses[cancelledAt:] {
		assert.Equal(t, models.PipelineStatusCancelled, status)
	}

	assert.Equal(t, int32(0), install.calls.Load())
}
