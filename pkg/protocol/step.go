// Package protocol defines the contracts between the pipeline executor and the steps it runs.
package protocol

import (
	"context"

	"github.com/dukex/microapps/pkg/models"
)

// StepResult is what a step hands back to the executor.
type StepResult struct {
	Output    map[string]any
	Logs      []string
	Artifacts map[string]any
}

// StepExecutor runs one atomic unit of pipeline work.
//
// Execute must be safe to re-invoke on retry: artifacts are overwritten, never
// appended, and partially produced workspace state must not be visible to later
// steps.
type StepExecutor interface {
	Type() models.StepType
	Execute(ctx context.Context, pctx *models.PipelineContext) (*StepResult, error)
}

// RetryableError lets a step error opt out of the executor's retries.
// Errors that do not implement it are retried under the step's policy.
type RetryableError interface {
	error
	Retryable() bool
}

// PublishRequest carries everything the registry needs to publish a package built by a pipeline.
type PublishRequest struct {
	Submission   models.DeveloperSubmissionForm `json:"submission"   validate:"required"`
	PackageInfo  models.PackageInfo             `json:"packageInfo"  validate:"required"`
	QualityScore float64                        `json:"qualityScore"`
	OwnerID      string                         `json:"ownerId"`
	RepositoryID string                         `json:"repositoryId"`

	// Modules and Customization seed the manifest defaults consumers start from.
	Modules       map[string]bool `json:"modules,omitempty"`
	Customization map[string]any  `json:"customization,omitempty"`
	IsTemplate    bool            `json:"isTemplate,omitempty"`
}

// PackagePublisher is the registry side of the deploy step.
type PackagePublisher interface {
	Publish(ctx context.Context, req PublishRequest) (*models.MicroAppPackage, *models.PackageVersion, error)
}
