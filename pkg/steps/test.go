package steps

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/dukex/microapps/pkg/builder"
	"github.com/dukex/microapps/pkg/models"
	"github.com/dukex/microapps/pkg/protocol"
)

const reportsDirName = "reports"

type TestConfig struct {
	Command           string `json:"command,omitempty"`
	FailOnTestFailure bool   `json:"failOnTestFailure,omitempty"`
}

// TestStep runs the project's test suite and collects Jest and coverage reports.
type TestStep struct {
	runner builder.CommandRunner
	config TestConfig
	logger *slog.Logger
}

func NewTestStep(runner builder.CommandRunner, config TestConfig, logger *slog.Logger) *TestStep {
	return &TestStep{runner: runner, config: config, logger: logger}
}

func (s *TestStep) Type() models.StepType {
	return models.StepTypeTest
}

func (s *TestStep) Execute(ctx context.Context, pctx *models.PipelineContext) (*protocol.StepResult, error) {
	if err := pctx.CheckCancelled(); err != nil {
		return nil, err
	}

	sourceDir, err := requireArtifact[string](pctx, models.ArtifactSourceDir)
	if err != nil {
		return nil, err
	}

	reportsDir := filepath.Join(pctx.WorkspaceDir, reportsDirName)
	if err := os.RemoveAll(reportsDir); err != nil {
		return nil, fmt.Errorf("failed to reset reports directory: %w", err)
	}

	if err := os.MkdirAll(reportsDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create reports directory: %w", err)
	}

	jestReport := filepath.Join(reportsDir, "jest.json")
	coverageDir := filepath.Join(reportsDir, "coverage")

	name, args := builder.ScriptCommand(packageManager(pctx), "test")
	if s.config.Command != "" {
		name, args, err = splitCommand(s.config.Command)
		if err != nil {
			return nil, err
		}
	}

	args = append(args, "--",
		"--json", "--outputFile="+jestReport,
		"--coverage", "--coverageReporters=json-summary", "--coverageDirectory="+coverageDir,
	)

	result, runErr := s.runner.Run(ctx, sourceDir, name, args...)
	if runErr != nil && builder.ExitCode(runErr) < 0 {
		return &protocol.StepResult{Logs: result.Lines()}, fmt.Errorf("failed to run tests: %w", runErr)
	}

	results := &models.TestResults{}

	if data, err := os.ReadFile(jestReport); err == nil {
		parsed, err := builder.ParseTestReport(data)
		if err != nil {
			return &protocol.StepResult{Logs: result.Lines()}, err
		}

		results = parsed
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read test report: %w", err)
	}

	if data, err := os.ReadFile(filepath.Join(coverageDir, "coverage-summary.json")); err == nil {
		coverage, err := builder.ParseCoverageSummary(data)
		if err != nil {
			s.logger.WarnContext(ctx, "Ignoring unreadable coverage summary", "error", err)
		}

		results.Coverage = coverage
	}

	if runErr != nil && results.Failed == 0 {
		// The runner failed without a report; count the run itself as a failure.
		results.Failed = 1
	}

	if result != nil && results.Duration == 0 {
		results.Duration = result.Duration
	}

	stepResult := &protocol.StepResult{
		Logs: result.Lines(),
		Output: map[string]any{
			"totalTests": results.TotalTests,
			"passed":     results.Passed,
			"failed":     results.Failed,
			"coverage":   results.Coverage,
		},
		Artifacts: map[string]any{
			models.ArtifactTestResults: results,
		},
	}

	if runErr != nil && s.config.FailOnTestFailure {
		return stepResult, fmt.Errorf("%d test(s) failed: %w", results.Failed, runErr)
	}

	return stepResult, nil
}
