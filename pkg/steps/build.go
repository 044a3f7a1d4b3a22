package steps

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/dukex/microapps/pkg/builder"
	"github.com/dukex/microapps/pkg/models"
	"github.com/dukex/microapps/pkg/protocol"
)

const defaultOutputDir = "dist"

type BuildConfig struct {
	Commands  []string `json:"commands,omitempty"`
	OutputDir string   `json:"outputDir,omitempty"`
}

// BuildStep runs the build commands and checks the output directory exists.
type BuildStep struct {
	runner builder.CommandRunner
	config BuildConfig
	logger *slog.Logger
}

func NewBuildStep(runner builder.CommandRunner, config BuildConfig, logger *slog.Logger) *BuildStep {
	if config.OutputDir == "" {
		config.OutputDir = defaultOutputDir
	}

	return &BuildStep{runner: runner, config: config, logger: logger}
}

func (s *BuildStep) Type() models.StepType {
	return models.StepTypeBuild
}

func (s *BuildStep) Execute(ctx context.Context, pctx *models.PipelineContext) (*protocol.StepResult, error) {
	sourceDir, err := requireArtifact[string](pctx, models.ArtifactSourceDir)
	if err != nil {
		return nil, err
	}

	commands := s.config.Commands
	if len(commands) == 0 {
		name, args := builder.ScriptCommand(packageManager(pctx), "build")
		commands = []string{strings.Join(append([]string{name}, args...), " ")}
	}

	var logs []string

	for _, command := range commands {
		if err := pctx.CheckCancelled(); err != nil {
			return &protocol.StepResult{Logs: logs}, err
		}

		name, args, err := splitCommand(command)
		if err != nil {
			return &protocol.StepResult{Logs: logs}, err
		}

		s.logger.InfoContext(ctx, "Running build command", "command", command)

		result, err := s.runner.Run(ctx, sourceDir, name, args...)
		logs = append(logs, "$ "+command)
		logs = append(logs, result.Lines()...)

		if err != nil {
			return &protocol.StepResult{Logs: logs}, fmt.Errorf("build command %q failed: %w", command, err)
		}
	}

	buildDir := filepath.Join(sourceDir, s.config.OutputDir)

	info, err := os.Stat(buildDir)
	if err != nil || !info.IsDir() {
		return &protocol.StepResult{Logs: logs}, fmt.Errorf("build output directory %q not found", s.config.OutputDir)
	}

	return &protocol.StepResult{
		Logs:   logs,
		Output: map[string]any{"outputDir": s.config.OutputDir, "commands": len(commands)},
		Artifacts: map[string]any{
			models.ArtifactBuildDir: buildDir,
		},
	}, nil
}
