package steps

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/dukex/microapps/pkg/builder"
	"github.com/dukex/microapps/pkg/models"
	"github.com/dukex/microapps/pkg/protocol"
)

const artifactsDirName = "artifacts"

// extraFiles are shipped with the build output when present.
var extraFiles = []string{"README.md", "LICENSE", "CHANGELOG.md"}

type PackageConfig struct {
	DistBaseURL string `json:"distBaseUrl,omitempty"`
}

// PackageStep validates the manifest and packs the build output into a tarball.
type PackageStep struct {
	config PackageConfig
	logger *slog.Logger
}

func NewPackageStep(config PackageConfig, logger *slog.Logger) *PackageStep {
	return &PackageStep{config: config, logger: logger}
}

func (s *PackageStep) Type() models.StepType {
	return models.StepTypePackage
}

func (s *PackageStep) Execute(ctx context.Context, pctx *models.PipelineContext) (*protocol.StepResult, error) {
	if err := pctx.CheckCancelled(); err != nil {
		return nil, err
	}

	sourceDir, err := requireArtifact[string](pctx, models.ArtifactSourceDir)
	if err != nil {
		return nil, err
	}

	buildDir, err := requireArtifact[string](pctx, models.ArtifactBuildDir)
	if err != nil {
		return nil, err
	}

	pkg, raw, err := builder.ReadPackageJSON(sourceDir)
	if err != nil {
		return nil, err
	}

	if err := builder.ValidateManifest(raw); err != nil {
		return nil, err
	}

	technical := pctx.Submission.Technical
	if pkg.Name != technical.PackageName || pkg.Version != technical.Version {
		return nil, fmt.Errorf("package.json declares %s@%s but %s@%s was submitted",
			pkg.Name, pkg.Version, technical.PackageName, technical.Version)
	}

	relBuild, err := filepath.Rel(sourceDir, buildDir)
	if err != nil || strings.HasPrefix(relBuild, "..") {
		return nil, fmt.Errorf("build directory %q is outside the source tree", buildDir)
	}

	include := []string{relBuild, "package.json"}

	for _, f := range extraFiles {
		if _, err := os.Stat(filepath.Join(sourceDir, f)); err == nil {
			include = append(include, f)
		}
	}

	fileName := tarballName(pkg.Name, pkg.Version)
	dest := filepath.Join(pctx.WorkspaceDir, artifactsDirName, fileName)

	tarball, err := builder.Pack(sourceDir, include, dest)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s: %w", pkg.Name, err)
	}

	entryPoint := technical.EntryPoint
	if entryPoint == "" {
		entryPoint = pkg.Main
	}

	info := &models.PackageInfo{
		Name:        pkg.Name,
		Version:     pkg.Version,
		EntryPoint:  entryPoint,
		Size:        tarball.Size,
		DistURL:     distURL(s.config.DistBaseURL, pkg.Name, pkg.Version),
		TarballURL:  tarballURL(s.config.DistBaseURL, pkg.Name, fileName),
		Integrity:   tarball.Integrity(),
		TarballPath: tarball.Path,
	}

	s.logger.InfoContext(ctx, "Package built", "name", info.Name, "version", info.Version, "size", info.Size)

	return &protocol.StepResult{
		Logs: []string{fmt.Sprintf("packed %s (%d bytes, %s)", fileName, info.Size, info.Integrity)},
		Output: map[string]any{
			"name":      info.Name,
			"version":   info.Version,
			"size":      info.Size,
			"integrity": info.Integrity,
		},
		Artifacts: map[string]any{
			models.ArtifactPackageInfo: info,
		},
	}, nil
}

// tarballName follows the npm convention: @scope/name -> scope-name-<version>.tgz.
func tarballName(name, version string) string {
	flat := strings.ReplaceAll(strings.TrimPrefix(name, "@"), "/", "-")

	return fmt.Sprintf("%s-%s.tgz", flat, version)
}

func distURL(base, name, version string) string {
	return strings.TrimRight(base, "/") + "/" + url.PathEscape(name) + "/" + url.PathEscape(version) + "/"
}

func tarballURL(base, name, file string) string {
	return strings.TrimRight(base, "/") + "/" + url.PathEscape(name) + "/-/" + file
}
