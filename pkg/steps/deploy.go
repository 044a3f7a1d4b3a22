package steps

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dukex/microapps/pkg/models"
	"github.com/dukex/microapps/pkg/protocol"
)

// DeployStep publishes the packed artifact to the registry.
type DeployStep struct {
	publisher protocol.PackagePublisher
	logger    *slog.Logger
}

func NewDeployStep(publisher protocol.PackagePublisher, logger *slog.Logger) *DeployStep {
	return &DeployStep{publisher: publisher, logger: logger}
}

func (s *DeployStep) Type() models.StepType {
	return models.StepTypeDeploy
}

func (s *DeployStep) Execute(ctx context.Context, pctx *models.PipelineContext) (*protocol.StepResult, error) {
	if err := pctx.CheckCancelled(); err != nil {
		return nil, err
	}

	info, err := requireArtifact[*models.PackageInfo](pctx, models.ArtifactPackageInfo)
	if err != nil {
		return nil, err
	}

	// The basic template has no quality gate; those packages publish with a zero score.
	score, _ := models.GetArtifact[float64](pctx.Artifacts, models.ArtifactQualityScore)

	pkg, version, err := s.publisher.Publish(ctx, protocol.PublishRequest{
		Submission:   pctx.Submission,
		PackageInfo:  *info,
		QualityScore: score,
		OwnerID:      pctx.OwnerID,
		RepositoryID: pctx.RepositoryID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to publish %s@%s: %w", info.Name, info.Version, err)
	}

	s.logger.InfoContext(ctx, "Package published", "package", pkg.PackageName, "version", version.Version)

	deploymentURL := version.DistURL
	if deploymentURL == "" {
		deploymentURL = info.DistURL
	}

	return &protocol.StepResult{
		Logs: []string{fmt.Sprintf("published %s@%s", pkg.PackageName, version.Version)},
		Output: map[string]any{
			"packageId": pkg.ID,
			"versionId": version.ID,
			"version":   version.Version,
			"isLatest":  version.IsLatest,
		},
		Artifacts: map[string]any{
			models.ArtifactDeploymentURL: deploymentURL,
		},
	}, nil
}
