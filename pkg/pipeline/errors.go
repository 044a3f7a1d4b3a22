// Package pipeline executes dependency-ordered build steps for a submission.
package pipeline

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dukex/microapps/pkg/models"
)

// ErrorKind classifies pipeline failures for the audit record.
type ErrorKind string

const (
	KindConfiguration ErrorKind = "configuration"
	KindStepExecution ErrorKind = "step_execution"
	KindQualityGate   ErrorKind = "quality_gate"
	KindCancellation  ErrorKind = "cancellation"
	KindTimeout       ErrorKind = "timeout"
)

// ConfigurationError reports an invalid step configuration. It is detected
// before any step runs and is never retried.
type ConfigurationError struct {
	Reason string
	Steps  []string
}

func (e *ConfigurationError) Error() string {
	if len(e.Steps) > 0 {
		return fmt.Sprintf("configuration error: %s: %s", e.Reason, strings.Join(e.Steps, " -> "))
	}

	return "configuration error: " + e.Reason
}

// StepExecutionError wraps a failure raised inside a step.
type StepExecutionError struct {
	Step     string
	Attempts int
	Logs     []string
	Err      error
}

func (e *StepExecutionError) Error() string {
	return fmt.Sprintf("step %s failed after %d attempt(s): %v", e.Step, e.Attempts, e.Err)
}

func (e *StepExecutionError) Unwrap() error {
	return e.Err
}

// QualityGateError means the submission built but its quality score is below the bar.
type QualityGateError struct {
	Score     float64
	Threshold float64
	Breakdown map[string]float64
}

func (e *QualityGateError) Error() string {
	return fmt.Sprintf("quality gate failed: score %.1f is below threshold %.1f", e.Score, e.Threshold)
}

// CancellationError is raised when a step observes the cancellation flag.
type CancellationError struct {
	Step string
}

func (e *CancellationError) Error() string {
	if e.Step == "" {
		return "pipeline cancelled"
	}

	return fmt.Sprintf("pipeline cancelled during step %s", e.Step)
}

func (e *CancellationError) Unwrap() error {
	return models.ErrPipelineCancelled
}

// TimeoutError is raised when a step or the whole pipeline exceeds its timeout.
type TimeoutError struct {
	Scope   string // "step" or "pipeline"
	Name    string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s %s exceeded timeout of %s", e.Scope, e.Name, e.Timeout)
}

// KindOf returns the classification of err.
func KindOf(err error) ErrorKind {
	var (
		configErr  *ConfigurationError
		gateErr    *QualityGateError
		cancelErr  *CancellationError
		timeoutErr *TimeoutError
	)

	switch {
	case errors.As(err, &configErr):
		return KindConfiguration
	case errors.As(err, &gateErr):
		return KindQualityGate
	case errors.As(err, &cancelErr), errors.Is(err, models.ErrPipelineCancelled):
		return KindCancellation
	case errors.As(err, &timeoutErr):
		return KindTimeout
	default:
		return KindStepExecution
	}
}

func IsConfigurationError(err error) bool {
	return KindOf(err) == KindConfiguration
}

func IsQualityGateError(err error) bool {
	return KindOf(err) == KindQualityGate
}

func IsCancellationError(err error) bool {
	return KindOf(err) == KindCancellation
}

func IsTimeoutError(err error) bool {
	return KindOf(err) == KindTimeout
}
