package steps

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dukex/microapps/pkg/builder"
	"github.com/dukex/microapps/pkg/models"
	"github.com/dukex/microapps/pkg/protocol"
)

type InstallConfig struct {
	// Command overrides the detected install command.
	Command string `json:"command,omitempty"`
}

// InstallStep installs dependencies with the package manager matching the lockfile.
type InstallStep struct {
	runner builder.CommandRunner
	config InstallConfig
	logger *slog.Logger
}

func NewInstallStep(runner builder.CommandRunner, config InstallConfig, logger *slog.Logger) *InstallStep {
	return &InstallStep{runner: runner, config: config, logger: logger}
}

func (s *InstallStep) Type() models.StepType {
	return models.StepTypeInstall
}

func (s *InstallStep) Execute(ctx context.Context, pctx *models.PipelineContext) (*protocol.StepResult, error) {
	if err := pctx.CheckCancelled(); err != nil {
		return nil, err
	}

	sourceDir, err := requireArtifact[string](pctx, models.ArtifactSourceDir)
	if err != nil {
		return nil, err
	}

	pm := builder.DetectPackageManager(sourceDir)
	name, args := builder.InstallCommand(pm, sourceDir)

	if s.config.Command != "" {
		name, args, err = splitCommand(s.config.Command)
		if err != nil {
			return nil, err
		}
	}

	s.logger.InfoContext(ctx, "Installing dependencies", "package_manager", pm)

	result, err := s.runner.Run(ctx, sourceDir, name, args...)
	if err != nil {
		return &protocol.StepResult{Logs: result.Lines()}, fmt.Errorf("dependency install failed: %w", err)
	}

	return &protocol.StepResult{
		Logs:   result.Lines(),
		Output: map[string]any{"packageManager": string(pm), "command": result.Command},
		Artifacts: map[string]any{
			models.ArtifactPackageManager: string(pm),
		},
	}, nil
}
