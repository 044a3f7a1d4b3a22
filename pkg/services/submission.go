package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dukex/microapps/pkg/eventbus"
	"github.com/dukex/microapps/pkg/events"
	"github.com/dukex/microapps/pkg/models"
	"github.com/dukex/microapps/pkg/persistence"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

type SubmitRequest struct {
	OwnerID  string
	Form     models.DeveloperSubmissionForm
	Template models.PipelineTemplate
}

type SubmitResult struct {
	Repository *models.Repository
	PipelineID string
	Template   models.PipelineTemplate
}

// SubmissionStatus is a repository record with its latest pipeline run, if any.
type SubmissionStatus struct {
	Repository *models.Repository         `json:"repository"`
	Pipeline   *models.DeploymentPipeline `json:"pipeline,omitempty"`
}

// Submission accepts developer submissions and hands them to the workers.
type Submission struct {
	persistence persistence.Persistence
	publisher   eventbus.EventPublisher
	logger      *slog.Logger
	now         func() time.Time
}

func NewSubmission(persistence persistence.Persistence, publisher eventbus.EventPublisher, logger *slog.Logger) *Submission {
	return &Submission{
		persistence: persistence,
		publisher:   publisher,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// HealthCheck checks the health of the persistence layer.
func (s *Submission) HealthCheck(ctx context.Context) (string, bool) {
	if s.persistence == nil {
		return "Persistence layer not initialized", false
	}

	err := s.persistence.HealthCheck(ctx)
	if err != nil {
		return "Persistence layer is unhealthy: " + err.Error(), false
	}

	return "Persistence layer is healthy", true
}

// Submit validates the form, stores a pending repository record and a pending
// pipeline, and emits submission.received for a worker to pick up.
func (s *Submission) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	if strings.TrimSpace(req.OwnerID) == "" {
		return nil, ErrEmptyOwnerID
	}

	if err := validateForm(req.Form); err != nil {
		return nil, err
	}

	templateName := req.Template
	if templateName == "" {
		templateName = DefaultTemplate
	}

	if _, err := LoadTemplate(templateName); err != nil {
		return nil, err
	}

	now := s.now()

	repository := &models.Repository{
		ID:               uuid.New().String(),
		OwnerID:          req.OwnerID,
		Form:             req.Form,
		Template:         templateName,
		Status:           models.RepositoryStatusPending,
		LatestPipelineID: uuid.New().String(),
		PackageName:      req.Form.Technical.PackageName,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if err := s.persistence.RepositoryRepository().Save(ctx, repository); err != nil {
		return nil, fmt.Errorf("failed to save repository: %w", err)
	}

	run := &models.DeploymentPipeline{
		ID:           repository.LatestPipelineID,
		RepositoryID: repository.ID,
		Status:       models.PipelineStatusPending,
		Steps:        []*models.PipelineStep{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.persistence.PipelineRepository().Save(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to save pipeline: %w", err)
	}

	event := events.SubmissionReceived{
		BaseEvent:  events.NewBaseEvent(events.SubmissionReceivedEvent, repository.ID),
		PipelineID: run.ID,
		OwnerID:    req.OwnerID,
		Template:   string(templateName),
	}

	if err := s.publisher.Publish(ctx, repository.ID, event); err != nil {
		return nil, fmt.Errorf("failed to dispatch submission: %w", err)
	}

	s.logger.InfoContext(ctx, "Submission accepted",
		"repository_id", repository.ID, "pipeline_id", run.ID, "template", templateName)

	return &SubmitResult{Repository: repository, PipelineID: run.ID, Template: templateName}, nil
}

func validateForm(form models.DeveloperSubmissionForm) error {
	err := validate.Struct(form)

	var invalid validator.ValidationErrors
	if errors.As(err, &invalid) {
		fields := make([]string, 0, len(invalid))
		for _, fe := range invalid {
			fields = append(fields, fe.Namespace()+" ("+fe.Tag()+")")
		}

		return NewValidationError("submit", "invalid_form", "invalid fields: "+strings.Join(fields, ", "), ErrInvalidRequest)
	}

	if err != nil {
		return NewValidationError("submit", "invalid_form", err.Error(), ErrInvalidRequest)
	}

	if !form.Legal.TermsAccepted {
		return ErrTermsNotAccepted
	}

	return nil
}

// GetSubmission returns the repository record with its latest pipeline.
func (s *Submission) GetSubmission(ctx context.Context, id string) (*SubmissionStatus, error) {
	repository, err := s.persistence.RepositoryRepository().GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	status := &SubmissionStatus{Repository: repository}

	if repository.LatestPipelineID == "" {
		return status, nil
	}

	run, err := s.persistence.PipelineRepository().GetByID(ctx, repository.LatestPipelineID)
	if err != nil && !persistence.IsNotFound(err) {
		return nil, fmt.Errorf("failed to get pipeline: %w", err)
	}

	status.Pipeline = run

	return status, nil
}

func (s *Submission) GetPipeline(ctx context.Context, id string) (*models.DeploymentPipeline, error) {
	return s.persistence.PipelineRepository().GetByID(ctx, id)
}

// CancelPipeline asks the worker running the pipeline to stop it.
func (s *Submission) CancelPipeline(ctx context.Context, id, requestedBy string) error {
	run, err := s.persistence.PipelineRepository().GetByID(ctx, id)
	if err != nil {
		return err
	}

	if run.Status.IsTerminal() {
		return &ServiceError{
			Op:      "cancel",
			Code:    "pipeline_finished",
			Message: fmt.Sprintf("pipeline %s is %s", id, run.Status),
			Err:     ErrPipelineFinished,
		}
	}

	event := events.PipelineCancelRequested{
		BaseEvent:   events.NewBaseEvent(events.PipelineCancelRequestedEvent, run.RepositoryID),
		PipelineID:  id,
		RequestedBy: requestedBy,
	}

	if err := s.publisher.Publish(ctx, id, event); err != nil {
		return fmt.Errorf("failed to request cancellation: %w", err)
	}

	s.logger.InfoContext(ctx, "Pipeline cancellation requested", "pipeline_id", id, "requested_by", requestedBy)

	return nil
}
