// Package models defines the core domain models for submission pipelines and the package registry.
package models

import "time"

// PipelineStatus represents the lifecycle state of a deployment pipeline.
type PipelineStatus string

const (
	PipelineStatusPending   PipelineStatus = "pending"
	PipelineStatusRunning   PipelineStatus = "running"
	PipelineStatusSuccess   PipelineStatus = "success"
	PipelineStatusFailed    PipelineStatus = "failed"
	PipelineStatusCancelled PipelineStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are expected.
func (s PipelineStatus) IsTerminal() bool {
	return s == PipelineStatusSuccess || s == PipelineStatusFailed || s == PipelineStatusCancelled
}

// StepStatus represents the lifecycle state of a single pipeline step.
type StepStatus string

const (
	StepStatusPending StepStatus = "pending"
	StepStatusRunning StepStatus = "running"
	StepStatusSuccess StepStatus = "success"
	StepStatusFailed  StepStatus = "failed"
	StepStatusSkipped StepStatus = "skipped"
)

// DeploymentPipeline is the audit record of one pipeline run.
type DeploymentPipeline struct {
	ID           string          `json:"id"`
	RepositoryID string          `json:"repository_id"`
	Status       PipelineStatus  `json:"status"`
	Steps        []*PipelineStep `json:"steps"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	Duration     time.Duration   `json:"duration"`
	ErrorMessage string          `json:"error_message,omitempty"`
	ErrorDetails map[string]any  `json:"error_details,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Step returns the step with the given name, or nil.
func (p *DeploymentPipeline) Step(name string) *PipelineStep {
	for _, step := range p.Steps {
		if step.Name == name {
			return step
		}
	}

	return nil
}

// PipelineStep tracks the execution of one configured step.
type PipelineStep struct {
	Name        string         `json:"name"`
	Type        StepType       `json:"type"`
	Status      StepStatus     `json:"status"`
	Attempts    int            `json:"attempts"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Duration    time.Duration  `json:"duration"`
	Logs        []string       `json:"logs,omitempty"`
	Output      map[string]any `json:"output,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// StepConfig declares one step of a pipeline and its dependencies.
type StepConfig struct {
	Name      string         `json:"name"                 yaml:"name"                 validate:"required"`
	Type      StepType       `json:"type"                 yaml:"type"                 validate:"required"`
	DependsOn []string       `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Retries   *int           `json:"retries,omitempty"    yaml:"retries,omitempty"    validate:"omitempty,min=0"`
	Timeout   time.Duration  `json:"timeout,omitempty"    yaml:"timeout,omitempty"`
	Condition *Condition     `json:"condition,omitempty"  yaml:"condition,omitempty"`
	Config    map[string]any `json:"config,omitempty"     yaml:"config,omitempty"`
}

// RetryPolicy is the pipeline-wide retry configuration; step-level Retries override MaxRetries.
type RetryPolicy struct {
	MaxRetries        int           `json:"max_retries"        yaml:"max_retries"`
	Backoff           time.Duration `json:"backoff"            yaml:"backoff"`
	BackoffMultiplier float64       `json:"backoff_multiplier" yaml:"backoff_multiplier"`
	RetryOnTimeout    bool          `json:"retry_on_timeout"   yaml:"retry_on_timeout"`
}

// DefaultRetryPolicy performs no retries.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:        0,
		Backoff:           time.Second,
		BackoffMultiplier: 2,
	}
}
