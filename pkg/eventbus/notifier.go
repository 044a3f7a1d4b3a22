package eventbus

import (
	"context"
	"log/slog"

	"github.com/dukex/microapps/pkg/events"
	"github.com/dukex/microapps/pkg/models"
)

// PipelineNotifier turns executor notifications into pipeline events.
// Publish failures are logged, never returned to the executor.
type PipelineNotifier struct {
	publisher EventPublisher
	workerID  string
	logger    *slog.Logger
}

func NewPipelineNotifier(publisher EventPublisher, workerID string, logger *slog.Logger) *PipelineNotifier {
	return &PipelineNotifier{publisher: publisher, workerID: workerID, logger: logger}
}

func (n *PipelineNotifier) base(eventType events.EventType, pipeline *models.DeploymentPipeline) events.BaseEvent {
	base := events.NewBaseEvent(eventType, pipeline.RepositoryID)
	base.WorkerID = n.workerID

	return base
}

func (n *PipelineNotifier) publish(ctx context.Context, pipeline *models.DeploymentPipeline, event Event) {
	if err := n.publisher.Publish(ctx, pipeline.ID, event); err != nil {
		n.logger.ErrorContext(ctx, "Failed to publish pipeline event",
			"pipeline_id", pipeline.ID, "event_type", event.GetType(), "error", err)
	}
}

func (n *PipelineNotifier) PipelineStarted(ctx context.Context, pipeline *models.DeploymentPipeline) {
	steps := make([]string, 0, len(pipeline.Steps))
	for _, step := range pipeline.Steps {
		steps = append(steps, step.Name)
	}

	n.publish(ctx, pipeline, events.PipelineStarted{
		BaseEvent:  n.base(events.PipelineStartedEvent, pipeline),
		PipelineID: pipeline.ID,
		Steps:      steps,
	})
}

func (n *PipelineNotifier) PipelineSucceeded(ctx context.Context, pipeline *models.DeploymentPipeline) {
	n.publish(ctx, pipeline, events.PipelineSucceeded{
		BaseEvent:  n.base(events.PipelineSucceededEvent, pipeline),
		PipelineID: pipeline.ID,
		DurationMs: pipeline.Duration.Milliseconds(),
	})
}

func (n *PipelineNotifier) PipelineFailed(ctx context.Context, pipeline *models.DeploymentPipeline, err error) {
	message := pipeline.ErrorMessage
	if message == "" && err != nil {
		message = err.Error()
	}

	n.publish(ctx, pipeline, events.PipelineFailed{
		BaseEvent:  n.base(events.PipelineFailedEvent, pipeline),
		PipelineID: pipeline.ID,
		DurationMs: pipeline.Duration.Milliseconds(),
		Error:      message,
		Details:    pipeline.ErrorDetails,
	})
}

func (n *PipelineNotifier) PipelineCancelled(ctx context.Context, pipeline *models.DeploymentPipeline) {
	n.publish(ctx, pipeline, events.PipelineCancelled{
		BaseEvent:  n.base(events.PipelineCancelledEvent, pipeline),
		PipelineID: pipeline.ID,
		DurationMs: pipeline.Duration.Milliseconds(),
	})
}

// PublishListener announces registry publishes as package.published events.
type PublishListener struct {
	publisher EventPublisher
	logger    *slog.Logger
}

func NewPublishListener(publisher EventPublisher, logger *slog.Logger) *PublishListener {
	return &PublishListener{publisher: publisher, logger: logger}
}

func (l *PublishListener) PackagePublished(ctx context.Context, pkg *models.MicroAppPackage, version *models.PackageVersion) {
	event := events.PackagePublished{
		BaseEvent:   events.NewBaseEvent(events.PackagePublishedEvent, pkg.RepositoryID),
		PackageID:   pkg.ID,
		PackageName: pkg.PackageName,
		Version:     version.Version,
		VersionID:   version.ID,
		IsLatest:    version.IsLatest,
		TarballURL:  version.TarballURL,
	}

	if err := l.publisher.Publish(ctx, pkg.PackageName, event); err != nil {
		l.logger.ErrorContext(ctx, "Failed to publish package event",
			"package", pkg.PackageName, "version", version.Version, "error", err)
	}
}
