// Package steps implements the built-in pipeline steps.
package steps

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dukex/microapps/pkg/builder"
	"github.com/dukex/microapps/pkg/models"
	"github.com/dukex/microapps/pkg/protocol"
)

var (
	ErrMissingArtifact = errors.New("missing artifact")
	ErrNoPublisher     = errors.New("no package publisher configured")
)

// Dependencies are the collaborators shared by every step of a worker.
type Dependencies struct {
	Runner      builder.CommandRunner
	Cloner      Cloner
	Publisher   protocol.PackagePublisher
	DistBaseURL string
	Logger      *slog.Logger
}

// Factory builds step executors from their configuration.
type Factory struct {
	deps Dependencies
}

func NewFactory(deps Dependencies) *Factory {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	if deps.Runner == nil {
		deps.Runner = builder.NewRunner(nil, deps.Logger)
	}

	if deps.Cloner == nil {
		deps.Cloner = NewGitCloner()
	}

	return &Factory{deps: deps}
}

//nolint:ireturn // the executor consumes steps through protocol.StepExecutor
func (f *Factory) Create(cfg models.StepConfig) (protocol.StepExecutor, error) {
	logger := f.deps.Logger.With("step", cfg.Name, "step_type", string(cfg.Type))

	switch cfg.Type {
	case models.StepTypeClone:
		var c CloneConfig
		if err := decodeConfig(cfg.Config, &c); err != nil {
			return nil, err
		}

		return NewCloneStep(f.deps.Cloner, c, logger), nil
	case models.StepTypeInstall:
		var c InstallConfig
		if err := decodeConfig(cfg.Config, &c); err != nil {
			return nil, err
		}

		return NewInstallStep(f.deps.Runner, c, logger), nil
	case models.StepTypeTest:
		var c TestConfig
		if err := decodeConfig(cfg.Config, &c); err != nil {
			return nil, err
		}

		return NewTestStep(f.deps.Runner, c, logger), nil
	case models.StepTypeSecurityScan:
		var c SecurityScanConfig
		if err := decodeConfig(cfg.Config, &c); err != nil {
			return nil, err
		}

		return NewSecurityScanStep(f.deps.Runner, c, logger), nil
	case models.StepTypeQualityCheck:
		var c QualityCheckConfig
		if err := decodeConfig(cfg.Config, &c); err != nil {
			return nil, err
		}

		return NewQualityCheckStep(c, logger), nil
	case models.StepTypeBuild:
		var c BuildConfig
		if err := decodeConfig(cfg.Config, &c); err != nil {
			return nil, err
		}

		return NewBuildStep(f.deps.Runner, c, logger), nil
	case models.StepTypePackage:
		var c PackageConfig
		if err := decodeConfig(cfg.Config, &c); err != nil {
			return nil, err
		}

		if c.DistBaseURL == "" {
			c.DistBaseURL = f.deps.DistBaseURL
		}

		return NewPackageStep(c, logger), nil
	case models.StepTypeDeploy:
		if f.deps.Publisher == nil {
			return nil, ErrNoPublisher
		}

		return NewDeployStep(f.deps.Publisher, logger), nil
	default:
		return nil, fmt.Errorf("unknown step type %q", cfg.Type)
	}
}

// decodeConfig maps the free-form step config onto a typed struct, rejecting unknown keys.
func decodeConfig(raw map[string]any, target any) error {
	if len(raw) == 0 {
		return nil
	}

	data, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("invalid step config: %w", err)
	}

	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(target); err != nil {
		return fmt.Errorf("invalid step config: %w", err)
	}

	return nil
}

func requireArtifact[T any](pctx *models.PipelineContext, name string) (T, error) {
	value, ok := models.GetArtifact[T](pctx.Artifacts, name)
	if !ok {
		var zero T

		return zero, fmt.Errorf("%w: %s", ErrMissingArtifact, name)
	}

	return value, nil
}

func packageManager(pctx *models.PipelineContext) builder.PackageManager {
	if pm, ok := models.GetArtifact[string](pctx.Artifacts, models.ArtifactPackageManager); ok && pm != "" {
		return builder.PackageManager(pm)
	}

	if dir, ok := models.GetArtifact[string](pctx.Artifacts, models.ArtifactSourceDir); ok {
		return builder.DetectPackageManager(dir)
	}

	return builder.NPM
}

// splitCommand turns "npm run build" into its program and arguments.
func splitCommand(command string) (string, []string, error) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return "", nil, errors.New("empty command")
	}

	return fields[0], fields[1:], nil
}
