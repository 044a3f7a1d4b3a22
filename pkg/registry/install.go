package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/http"
	"slices"

	"github.com/dukex/microapps/pkg/builder"
	"github.com/dukex/microapps/pkg/models"
)

// Downloader fetches package tarballs.
type Downloader interface {
	Download(ctx context.Context, url string) (io.ReadCloser, error)
}

// HTTPDownloader downloads tarballs over HTTP(S).
type HTTPDownloader struct {
	Client *http.Client
}

func (d *HTTPDownloader) Download(ctx context.Context, url string) (io.ReadCloser, error) {
	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request for %s: %w", url, err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download %s: %w", url, err)
	}

	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()

		return nil, fmt.Errorf("failed to download %s: unexpected status %d", url, resp.StatusCode)
	}

	return resp.Body, nil
}

type InstallOptions struct {
	// Version is an exact version or "latest", "*" or "".
	Version        string          `json:"version,omitempty"`
	Customizations map[string]any  `json:"customizations,omitempty"`
	Modules        map[string]bool `json:"modules,omitempty"`
	SkipPeer       bool            `json:"skipPeer,omitempty"`

	// Download fetches every resolved tarball and checks its integrity.
	Download bool `json:"download,omitempty"`
}

type DependencyKind string

const (
	DependencyRoot    DependencyKind = "root"
	DependencyRuntime DependencyKind = "runtime"
	DependencyPeer    DependencyKind = "peer"
)

type ResolvedPackage struct {
	PackageID  string         `json:"packageId"`
	Name       string         `json:"name"`
	Version    string         `json:"version"`
	Kind       DependencyKind `json:"kind"`
	RequiredBy string         `json:"requiredBy,omitempty"`
	DistURL    string         `json:"distUrl"`
	TarballURL string         `json:"tarballUrl"`
	Integrity  string         `json:"integrity"`
	Size       int64          `json:"size"`
	Verified   bool           `json:"verified"`
}

type InstallResult struct {
	Package       *ResolvedPackage   `json:"package"`
	Dependencies  []*ResolvedPackage `json:"dependencies"`
	EntryPoint    string             `json:"entryPoint"`
	Permissions   []string           `json:"permissions,omitempty"`
	Configuration map[string]any     `json:"configuration"`
	Modules       map[string]bool    `json:"modules"`
}

// InstallPackage resolves name and its runtime and peer dependencies with the
// exact-or-latest rule, applies customizations, and records install metrics.
func (r *Registry) InstallPackage(ctx context.Context, name string, opts InstallOptions) (*InstallResult, error) {
	pkg, err := r.GetPackage(ctx, name)
	if err != nil {
		return nil, err
	}

	if pkg.Status == models.PackageStatusArchived || pkg.Status == models.PackageStatusDraft {
		return nil, invalidRequest(name, fmt.Sprintf("package is %s", pkg.Status))
	}

	version, err := r.resolveVersion(ctx, pkg, opts.Version)
	if err != nil {
		return nil, err
	}

	modules, err := applyModules(pkg, opts.Modules)
	if err != nil {
		return nil, err
	}

	resolver := &resolver{
		registry: r,
		skipPeer: opts.SkipPeer,
		resolved: map[string]*ResolvedPackage{},
	}

	root := resolver.add(pkg, version, DependencyRoot, "")

	if err := resolver.walk(ctx, pkg.PackageName, version); err != nil {
		return nil, err
	}

	result := &InstallResult{
		Package:       root,
		Dependencies:  resolver.order[1:],
		EntryPoint:    pkg.Manifest.EntryPoint,
		Permissions:   pkg.Manifest.Permissions,
		Configuration: mergeConfig(pkg.Manifest.Customization, opts.Customizations),
		Modules:       modules,
	}

	if opts.Download {
		if err := r.download(ctx, resolver.order); err != nil {
			return nil, err
		}
	}

	for _, resolved := range resolver.order {
		if err := r.store.IncrementInstalls(ctx, resolved.PackageID); err != nil {
			r.logger.WarnContext(ctx, "Failed to record install", "package", resolved.Name, "error", err)
		}
	}

	r.logger.InfoContext(ctx, "Package installed",
		"package", name, "version", version.Version, "dependencies", len(result.Dependencies))

	return result, nil
}

type resolver struct {
	registry *Registry
	skipPeer bool
	resolved map[string]*ResolvedPackage
	order    []*ResolvedPackage
}

func (rv *resolver) add(pkg *models.MicroAppPackage, version *models.PackageVersion, kind DependencyKind, requiredBy string) *ResolvedPackage {
	resolved := &ResolvedPackage{
		PackageID:  pkg.ID,
		Name:       pkg.PackageName,
		Version:    version.Version,
		Kind:       kind,
		RequiredBy: requiredBy,
		DistURL:    version.DistURL,
		TarballURL: version.TarballURL,
		Integrity:  version.Integrity,
		Size:       version.Size,
	}

	rv.resolved[pkg.PackageName] = resolved
	rv.order = append(rv.order, resolved)

	return resolved
}

// walk resolves the dependencies of parent depth first. A name is resolved
// once, which also ends cycles.
func (rv *resolver) walk(ctx context.Context, parent string, version *models.PackageVersion) error {
	type edge struct {
		name, selector string
		kind           DependencyKind
	}

	var edges []edge

	for _, name := range slices.Sorted(maps.Keys(version.Dependencies)) {
		edges = append(edges, edge{name, version.Dependencies[name], DependencyRuntime})
	}

	if !rv.skipPeer {
		for _, name := range slices.Sorted(maps.Keys(version.PeerDependencies)) {
			edges = append(edges, edge{name, version.PeerDependencies[name], DependencyPeer})
		}
	}

	for _, e := range edges {
		if err := ctx.Err(); err != nil {
			return err
		}

		if existing, ok := rv.resolved[e.name]; ok {
			if !isLatestSelector(e.selector) && e.selector != existing.Version {
				return conflict(e.name, e.selector,
					fmt.Sprintf("%s requires %s but %s is already resolved", parent, e.selector, existing.Version), nil)
			}

			continue
		}

		pkg, err := rv.registry.GetPackage(ctx, e.name)
		if IsPackageNotFound(err) {
			return &RegistryError{
				Code:    CodePackageNotFound,
				Package: e.name,
				Message: fmt.Sprintf("dependency of %s not found", parent),
				Err:     err,
			}
		}

		if err != nil {
			return err
		}

		depVersion, err := rv.registry.resolveVersion(ctx, pkg, e.selector)
		if err != nil {
			return err
		}

		rv.add(pkg, depVersion, e.kind, parent)

		if err := rv.walk(ctx, pkg.PackageName, depVersion); err != nil {
			return err
		}
	}

	return nil
}

func (r *Registry) download(ctx context.Context, packages []*ResolvedPackage) error {
	if r.downloader == nil {
		return errors.New("no downloader configured")
	}

	for _, pkg := range packages {
		if err := r.downloadOne(ctx, pkg); err != nil {
			return err
		}
	}

	return nil
}

func (r *Registry) downloadOne(ctx context.Context, pkg *ResolvedPackage) error {
	body, err := r.downloader.Download(ctx, pkg.TarballURL)
	if err != nil {
		return fmt.Errorf("failed to download %s@%s: %w", pkg.Name, pkg.Version, err)
	}

	defer func() {
		_ = body.Close()
	}()

	err = builder.VerifyIntegrity(body, pkg.Integrity)
	if errors.Is(err, builder.ErrIntegrityMismatch) {
		return &RegistryError{Code: CodeIntegrity, Package: pkg.Name, Version: pkg.Version, Message: "tarball integrity mismatch", Err: err}
	}

	if err != nil {
		return fmt.Errorf("failed to verify %s@%s: %w", pkg.Name, pkg.Version, err)
	}

	pkg.Verified = true

	return nil
}

// applyModules starts from the declared defaults and applies toggles. Toggling
// an undeclared module is rejected.
func applyModules(pkg *models.MicroAppPackage, toggles map[string]bool) (map[string]bool, error) {
	modules := maps.Clone(pkg.Manifest.Modules)
	if modules == nil {
		modules = map[string]bool{}
	}

	for _, name := range slices.Sorted(maps.Keys(toggles)) {
		if _, ok := modules[name]; !ok {
			return nil, invalidRequest(pkg.PackageName, fmt.Sprintf("unknown module %q", name))
		}

		modules[name] = toggles[name]
	}

	return modules, nil
}

// mergeConfig overlays overrides on defaults. Nested objects merge key by key;
// any other value replaces the default.
func mergeConfig(defaults, overrides map[string]any) map[string]any {
	merged := make(map[string]any, len(defaults)+len(overrides))

	for k, v := range defaults {
		merged[k] = v
	}

	for k, v := range overrides {
		base, baseIsMap := merged[k].(map[string]any)
		over, overIsMap := v.(map[string]any)

		if baseIsMap && overIsMap {
			merged[k] = mergeConfig(base, over)

			continue
		}

		merged[k] = v
	}

	return merged
}
