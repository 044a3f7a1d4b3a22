package services

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/dukex/microapps/pkg/events"
	"github.com/dukex/microapps/pkg/mocks"
	"github.com/dukex/microapps/pkg/models"
	"github.com/dukex/microapps/pkg/persistence"
	"github.com/dukex/microapps/pkg/persistence/file"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func validForm() models.DeveloperSubmissionForm {
	return models.DeveloperSubmissionForm{
		Repository: models.SubmissionRepository{URL: "https://github.com/acme/widget", Type: "github"},
		AppInfo: models.SubmissionAppInfo{
			Name:         "Widget",
			Description:  "A widget",
			Category:     "tools",
			TargetBrands: []string{"acme"},
		},
		Technical: models.SubmissionTechnical{
			PackageName: "@acme/widget",
			Version:     "1.0.0",
			EntryPoint:  "dist/index.js",
		},
		Legal: models.SubmissionLegal{License: "MIT", TermsAccepted: true},
	}
}

func newTestSubmission(t *testing.T) (*Submission, *mocks.MockEventBus, persistence.Persistence) {
	t.Helper()

	store := file.NewPersistence(t.TempDir())
	bus := &mocks.MockEventBus{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	return NewSubmission(store, bus, logger), bus, store
}

func TestSubmit(t *testing.T) {
	ctx := t.Context()
	service, bus, store := newTestSubmission(t)

	bus.On("Publish", mock.Anything, mock.AnythingOfType("string"), mock.AnythingOfType("events.SubmissionReceived")).Return(nil).Once()

	result, err := service.Submit(ctx, SubmitRequest{OwnerID: "dev-1", Form: validForm(), Template: models.PipelineTemplateBasic})
	require.NoError(t, err)
	bus.AssertExpectations(t)

	assert.Equal(t, models.PipelineTemplateBasic, result.Template)
	assert.Equal(t, models.RepositoryStatusPending, result.Repository.Status)
	assert.Equal(t, "@acme/widget", result.Repository.PackageName)
	assert.Equal(t, result.PipelineID, result.Repository.LatestPipelineID)

	event := bus.Calls[0].Arguments.Get(2).(events.SubmissionReceived)
	assert.Equal(t, result.Repository.ID, event.RepositoryID)
	assert.Equal(t, result.PipelineID, event.PipelineID)
	assert.Equal(t, "dev-1", event.OwnerID)
	assert.Equal(t, "basic", event.Template)

	status, err := service.GetSubmission(ctx, result.Repository.ID)
	require.NoError(t, err)
	require.NotNil(t, status.Pipeline)
	assert.Equal(t, models.PipelineStatusPending, status.Pipeline.Status)

	stored, err := store.PipelineRepository().GetByID(ctx, result.PipelineID)
	require.NoError(t, err)
	assert.Equal(t, result.Repository.ID, stored.RepositoryID)
}

func TestSubmit_DefaultTemplate(t *testing.T) {
	service, bus, _ := newTestSubmission(t)
	bus.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	result, err := service.Submit(t.Context(), SubmitRequest{OwnerID: "dev-1", Form: validForm()})
	require.NoError(t, err)
	assert.Equal(t, models.PipelineTemplateComprehensive, result.Template)
}

func TestSubmit_Rejections(t *testing.T) {
	noTerms := validForm()
	noTerms.Legal.TermsAccepted = false

	badURL := validForm()
	badURL.Repository.URL = "not a url"

	noName := validForm()
	noName.Technical.PackageName = ""

	tests := []struct {
		name string
		req  SubmitRequest
		want error
	}{
		{"missing owner", SubmitRequest{Form: validForm()}, ErrEmptyOwnerID},
		{"terms not accepted", SubmitRequest{OwnerID: "dev-1", Form: noTerms}, ErrTermsNotAccepted},
		{"invalid url", SubmitRequest{OwnerID: "dev-1", Form: badURL}, ErrInvalidRequest},
		{"missing package name", SubmitRequest{OwnerID: "dev-1", Form: noName}, ErrInvalidRequest},
		{"unknown template", SubmitRequest{OwnerID: "dev-1", Form: validForm(), Template: "turbo"}, ErrUnknownTemplate},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			service, bus, _ := newTestSubmission(t)

			_, err := service.Submit(t.Context(), tt.req)
			require.ErrorIs(t, err, tt.want)
			assert.True(t, IsValidationError(err))
			bus.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestSubmit_PublishFailure(t *testing.T) {
	service, bus, _ := newTestSubmission(t)
	bus.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("broker down"))

	_, err := service.Submit(t.Context(), SubmitRequest{OwnerID: "dev-1", Form: validForm()})
	require.Error(t, err)
	assert.False(t, IsValidationError(err))
}

func TestCancelPipeline(t *testing.T) {
	ctx := t.Context()
	service, bus, store := newTestSubmission(t)

	bus.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	result, err := service.Submit(ctx, SubmitRequest{OwnerID: "dev-1", Form: validForm()})
	require.NoError(t, err)

	require.NoError(t, service.CancelPipeline(ctx, result.PipelineID, "dev-1"))

	cancel := bus.Calls[1].Arguments.Get(2).(events.PipelineCancelRequested)
	assert.Equal(t, result.PipelineID, cancel.PipelineID)
	assert.Equal(t, "dev-1", cancel.RequestedBy)

	run, err := store.PipelineRepository().GetByID(ctx, result.PipelineID)
	require.NoError(t, err)

	run.Status = models.PipelineStatusSuccess
	require.NoError(t, store.PipelineRepository().Save(ctx, run))

	err = service.CancelPipeline(ctx, result.PipelineID, "dev-1")
	require.ErrorIs(t, err, ErrPipelineFinished)
	assert.True(t, IsConflictError(err))

	err = service.CancelPipeline(ctx, "missing", "dev-1")
	assert.True(t, persistence.IsNotFound(err))
}

func TestHealthCheck(t *testing.T) {
	service, _, _ := newTestSubmission(t)

	message, ok := service.HealthCheck(t.Context())
	assert.True(t, ok)
	assert.Equal(t, "Persistence layer is healthy", message)

	message, ok = (&Submission{}).HealthCheck(t.Context())
	assert.False(t, ok)
	assert.Equal(t, "Persistence layer not initialized", message)
}

func newMockedSubmission() (*Submission, *mocks.MockPersistence, *mocks.MockEventBus) {
	store := mocks.NewMockPersistence()
	bus := &mocks.MockEventBus{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	return NewSubmission(store, bus, logger), store, bus
}

func TestSubmit_RepositorySaveFails(t *testing.T) {
	service, store, bus := newMockedSubmission()
	store.Repositories.On("Save", mock.Anything, mock.AnythingOfType("*models.Repository")).Return(errors.New("disk full")).Once()

	_, err := service.Submit(t.Context(), SubmitRequest{OwnerID: "dev-1", Form: validForm()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to save repository: disk full")

	store.Repositories.AssertExpectations(t)
	store.Pipelines.AssertNotCalled(t, "Save", mock.Anything, mock.Anything)
	bus.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
}

func TestSubmit_PipelineSaveFails(t *testing.T) {
	service, store, bus := newMockedSubmission()
	store.Repositories.On("Save", mock.Anything, mock.Anything).Return(nil).Once()
	store.Pipelines.On("Save", mock.Anything, mock.MatchedBy(func(p *models.DeploymentPipeline) bool {
		return p.Status == models.PipelineStatusPending
	})).Return(errors.New("connection reset")).Once()

	_, err := service.Submit(t.Context(), SubmitRequest{OwnerID: "dev-1", Form: validForm()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to save pipeline")

	store.Pipelines.AssertExpectations(t)
	bus.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
}

func TestGetSubmission_PipelineLookup(t *testing.T) {
	repository := &models.Repository{ID: "repo-1", LatestPipelineID: "pipe-1"}

	t.Run("missing pipeline is not an error", func(t *testing.T) {
		service, store, _ := newMockedSubmission()
		store.Repositories.On("GetByID", mock.Anything, "repo-1").Return(repository, nil)
		store.Pipelines.On("GetByID", mock.Anything, "pipe-1").Return(nil, persistence.ErrPipelineNotFound)

		status, err := service.GetSubmission(t.Context(), "repo-1")
		require.NoError(t, err)
		assert.Equal(t, repository, status.Repository)
		assert.Nil(t, status.Pipeline)
	})

	t.Run("store failure is returned", func(t *testing.T) {
		service, store, _ := newMockedSubmission()
		store.Repositories.On("GetByID", mock.Anything, "repo-1").Return(repository, nil)
		store.Pipelines.On("GetByID", mock.Anything, "pipe-1").Return(nil, errors.New("timeout"))

		_, err := service.GetSubmission(t.Context(), "repo-1")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to get pipeline")
	})
}

func TestHealthCheck_Unhealthy(t *testing.T) {
	service, store, _ := newMockedSubmission()
	store.On("HealthCheck", mock.Anything).Return(errors.New("no connection")).Once()

	message, ok := service.HealthCheck(t.Context())
	assert.False(t, ok)
	assert.Contains(t, message, "no connection")
	store.AssertExpectations(t)
}
