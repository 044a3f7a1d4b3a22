package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/dukex/microapps/pkg/events"
	"github.com/dukex/microapps/pkg/mocks"
	"github.com/dukex/microapps/pkg/models"
	"github.com/dukex/microapps/pkg/persistence"
	"github.com/dukex/microapps/pkg/persistence/file"
	"github.com/dukex/microapps/pkg/pipeline"
	"github.com/dukex/microapps/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type stepFunc func(ctx context.Context, pctx *models.PipelineContext) (*protocol.StepResult, error)

type fakeStep struct {
	stepType models.StepType
	run      stepFunc
}

func (s *fakeStep) Type() models.StepType { return s.stepType }

func (s *fakeStep) Execute(ctx context.Context, pctx *models.PipelineContext) (*protocol.StepResult, error) {
	return s.run(ctx, pctx)
}

type fakeFactory struct {
	mu        sync.Mutex
	overrides map[models.StepType]stepFunc
	executed  []models.StepType
}

func (f *fakeFactory) Create(cfg models.StepConfig) (protocol.StepExecutor, error) {
	run := f.overrides[cfg.Type]
	if run == nil {
		run = func(context.Context, *models.PipelineContext) (*protocol.StepResult, error) {
			return &protocol.StepResult{}, nil
		}
	}

	return &fakeStep{stepType: cfg.Type, run: func(ctx context.Context, pctx *models.PipelineContext) (*protocol.StepResult, error) {
		f.mu.Lock()
		f.executed = append(f.executed, cfg.Type)
		f.mu.Unlock()

		return run(ctx, pctx)
	}}, nil
}

type fixture struct {
	manager *Manager
	bus     *mocks.MockEventBus
	store   persistence.Persistence
	factory *fakeFactory
}

func newFixture(t *testing.T, overrides map[models.StepType]stepFunc) *fixture {
	t.Helper()

	store := file.NewPersistence(t.TempDir())
	bus := &mocks.MockEventBus{}
	bus.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()

	factory := &fakeFactory{overrides: overrides}
	manager := NewManager("worker-1", store, bus, factory, Options{
		WorkspaceRoot: t.TempDir(),
		Env:           map[string]string{"CI": "true"},
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	return &fixture{manager: manager, bus: bus, store: store, factory: factory}
}

func (f *fixture) saveRepository(t *testing.T, template models.PipelineTemplate) *models.Repository {
	t.Helper()

	repository := &models.Repository{
		ID:       "repo-1",
		OwnerID:  "dev-1",
		Template: template,
		Status:   models.RepositoryStatusPending,
		Form: models.DeveloperSubmissionForm{
			Technical: models.SubmissionTechnical{PackageName: "widget", Version: "1.0.0"},
		},
	}
	require.NoError(t, f.store.RepositoryRepository().Save(t.Context(), repository))

	return repository
}

func (f *fixture) repositoryStatus(t *testing.T) models.RepositoryStatus {
	t.Helper()

	repository, err := f.store.RepositoryRepository().GetByID(t.Context(), "repo-1")
	require.NoError(t, err)

	return repository.Status
}

func TestRun_ApprovesOnSuccess(t *testing.T) {
	var seen *models.PipelineContext

	f := newFixture(t, map[models.StepType]stepFunc{
		models.StepTypeClone: func(_ context.Context, pctx *models.PipelineContext) (*protocol.StepResult, error) {
			seen = pctx

			return &protocol.StepResult{}, nil
		},
	})
	repository := f.saveRepository(t, models.PipelineTemplateBasic)

	result, err := f.manager.Run(t.Context(), repository, "pipe-1")
	require.NoError(t, err)
	assert.Equal(t, models.PipelineStatusSuccess, result.Status)
	assert.Equal(t, models.RepositoryStatusApproved, f.repositoryStatus(t))
	assert.Len(t, f.factory.executed, 6)

	require.NotNil(t, seen)
	assert.Equal(t, "dev-1", seen.OwnerID)
	assert.Equal(t, "true", seen.Env["CI"])
	assert.NoDirExists(t, seen.WorkspaceDir)

	stored, err := f.store.PipelineRepository().GetByID(t.Context(), "pipe-1")
	require.NoError(t, err)
	assert.Equal(t, models.PipelineStatusSuccess, stored.Status)

	repo, err := f.store.RepositoryRepository().GetByID(t.Context(), "repo-1")
	require.NoError(t, err)
	assert.Equal(t, "pipe-1", repo.LatestPipelineID)

	f.bus.AssertCalled(t, "Publish", mock.Anything, "pipe-1", mock.AnythingOfType("events.PipelineSucceeded"))
	assert.Empty(t, f.manager.Active())
}

func TestRun_RejectsOnFailure(t *testing.T) {
	f := newFixture(t, map[models.StepType]stepFunc{
		models.StepTypeTest: func(context.Context, *models.PipelineContext) (*protocol.StepResult, error) {
			return nil, errors.New("3 tests failed")
		},
	})
	repository := f.saveRepository(t, models.PipelineTemplateBasic)

	result, err := f.manager.Run(t.Context(), repository, "pipe-1")
	require.Error(t, err)
	assert.Equal(t, models.PipelineStatusFailed, result.Status)
	assert.Equal(t, models.RepositoryStatusRejected, f.repositoryStatus(t))
	assert.NotContains(t, f.factory.executed, models.StepTypeDeploy)
}

func TestRun_UnknownTemplate(t *testing.T) {
	f := newFixture(t, nil)
	repository := f.saveRepository(t, "turbo")

	_, err := f.manager.Run(t.Context(), repository, "pipe-1")
	require.Error(t, err)
	assert.Equal(t, models.RepositoryStatusRejected, f.repositoryStatus(t))
}

func TestHandlers_RunAndCancel(t *testing.T) {
	started := make(chan struct{})

	f := newFixture(t, map[models.StepType]stepFunc{
		models.StepTypeInstall: func(_ context.Context, pctx *models.PipelineContext) (*protocol.StepResult, error) {
			close(started)
			<-pctx.Done()

			return nil, pctx.CheckCancelled()
		},
	})
	f.saveRepository(t, models.PipelineTemplateBasic)

	ctx := t.Context()
	f.manager.runCtx = ctx

	received := &events.SubmissionReceived{
		BaseEvent:  events.NewBaseEvent(events.SubmissionReceivedEvent, "repo-1"),
		PipelineID: "pipe-1",
		OwnerID:    "dev-1",
		Template:   "basic",
	}
	require.NoError(t, f.manager.handleSubmissionReceived(ctx, received))

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not start")
	}

	require.NoError(t, f.manager.handleSubmissionReceived(ctx, received), "duplicate deliveries are ignored")
	assert.Equal(t, []string{"pipe-1"}, f.manager.Active())

	require.NoError(t, f.manager.handleCancelRequested(ctx, &events.PipelineCancelRequested{PipelineID: "unknown"}))
	require.NoError(t, f.manager.handleCancelRequested(ctx, &events.PipelineCancelRequested{PipelineID: "pipe-1"}))

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	require.NoError(t, f.manager.Shutdown(shutdownCtx))

	stored, err := f.store.PipelineRepository().GetByID(ctx, "pipe-1")
	require.NoError(t, err)
	assert.Equal(t, models.PipelineStatusCancelled, stored.Status)
	assert.Equal(t, models.RepositoryStatusRejected, f.repositoryStatus(t))
	assert.Empty(t, f.manager.Active())
	assert.Equal(t, []models.StepType{models.StepTypeClone, models.StepTypeInstall}, f.factory.executed)
}

func TestHandlers_IgnoreUnexpectedInput(t *testing.T) {
	f := newFixture(t, nil)
	ctx := t.Context()

	assert.NoError(t, f.manager.handleSubmissionReceived(ctx, "not an event"))
	assert.NoError(t, f.manager.handleCancelRequested(ctx, 42))

	missing := &events.SubmissionReceived{PipelineID: "pipe-9", BaseEvent: events.BaseEvent{RepositoryID: "nope"}}
	assert.NoError(t, f.manager.handleSubmissionReceived(ctx, missing))
	assert.Empty(t, f.manager.Active())
}

func TestStart_RegistersHandlers(t *testing.T) {
	f := newFixture(t, nil)

	f.bus.On("Handle", events.SubmissionReceivedEvent, mock.Anything).Return(nil).Once()
	f.bus.On("Handle", events.PipelineCancelRequestedEvent, mock.Anything).Return(nil).Once()
	f.bus.On("Subscribe", mock.Anything).Return(nil).Once()

	require.NoError(t, f.manager.Start(t.Context()))
	f.bus.AssertExpectations(t)
}

func TestRejectionReason(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{&pipeline.QualityGateError{Score: 40, Threshold: 70}, "quality_gate"},
		{&pipeline.CancellationError{Step: "install"}, "cancelled"},
		{&pipeline.TimeoutError{Scope: "step", Name: "build", Timeout: time.Second}, "timeout"},
		{&pipeline.ConfigurationError{Reason: "circular dependency"}, "configuration"},
		{&pipeline.StepExecutionError{Step: "test", Attempts: 1, Err: errors.New("boom")}, "step_failed"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, rejectionReason(tt.err))
	}
}

func newMockedManager(t *testing.T) (*Manager, *mocks.MockPersistence, *fakeFactory) {
	t.Helper()

	store := mocks.NewMockPersistence()
	store.Pipelines.On("Save", mock.Anything, mock.Anything).Return(nil).Maybe()

	bus := &mocks.MockEventBus{}
	bus.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()

	factory := &fakeFactory{}
	manager := NewManager("worker-1", store, bus, factory, Options{
		WorkspaceRoot: t.TempDir(),
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	return manager, store, factory
}

func TestRun_FinalStatusUpdateFails(t *testing.T) {
	manager, store, factory := newMockedManager(t)
	repository := &models.Repository{ID: "repo-1", OwnerID: "dev-1", Template: models.PipelineTemplateBasic}

	store.Repositories.On("UpdateStatus", mock.Anything, "repo-1", models.RepositoryStatusBuilding, "pipe-1").Return(nil).Once()
	store.Repositories.On("UpdateStatus", mock.Anything, "repo-1", models.RepositoryStatusApproved, "pipe-1").
		Return(errors.New("connection refused")).Once()

	result, err := manager.Run(t.Context(), repository, "pipe-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to update repository status: connection refused")
	require.NotNil(t, result)
	assert.Equal(t, models.PipelineStatusSuccess, result.Status)
	assert.Len(t, factory.executed, 6)
	store.Repositories.AssertExpectations(t)
}

func TestRun_BuildingStatusUpdateFails(t *testing.T) {
	manager, store, factory := newMockedManager(t)
	repository := &models.Repository{ID: "repo-1", Template: models.PipelineTemplateBasic}

	store.Repositories.On("UpdateStatus", mock.Anything, "repo-1", models.RepositoryStatusBuilding, "pipe-1").
		Return(persistence.ErrRepositoryNotFound).Once()

	result, err := manager.Run(t.Context(), repository, "pipe-1")
	require.ErrorIs(t, err, persistence.ErrRepositoryNotFound)
	assert.Nil(t, result)
	assert.Empty(t, factory.executed)
	assert.Empty(t, manager.Active())
	store.Pipelines.AssertNotCalled(t, "Save", mock.Anything, mock.Anything)
}
