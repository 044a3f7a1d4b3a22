// Package registry stores published micro-app packages and resolves installs.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/microapps/pkg/log"
	"github.com/dukex/microapps/pkg/models"
	"github.com/dukex/microapps/pkg/persistence"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// PublishListener is told about every version the registry publishes.
type PublishListener interface {
	PackagePublished(ctx context.Context, pkg *models.MicroAppPackage, version *models.PackageVersion)
}

type Options struct {
	// Cache defaults to a MemoryCache.
	Cache      Cache
	Downloader Downloader
	Listener   PublishListener
	Logger     *slog.Logger
}

// Registry serves search, lookup, install resolution and publishing on top of
// a persistence.PackageRepository.
type Registry struct {
	store      persistence.PackageRepository
	cache      Cache
	downloader Downloader
	listener   PublishListener
	logger     *slog.Logger
	locks      *keyedMutex
	lookups    singleflight.Group
	now        func() time.Time
	newID      func() string
}

func New(store persistence.PackageRepository, opts Options) *Registry {
	cache := opts.Cache
	if cache == nil {
		cache = NewMemoryCache()
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithModule("registry")
	}

	return &Registry{
		store:      store,
		cache:      cache,
		downloader: opts.Downloader,
		listener:   opts.Listener,
		logger:     logger,
		locks:      newKeyedMutex(),
		now:        func() time.Time { return time.Now().UTC() },
		newID:      newID,
	}
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}

	return id.String()
}

// GetPackage returns the package from the cache, falling back to the store
// and filling the cache on a miss.
func (r *Registry) GetPackage(ctx context.Context, name string) (*models.MicroAppPackage, error) {
	cached, ok, err := r.cache.Get(ctx, name)
	if err != nil {
		r.logger.WarnContext(ctx, "Package cache read failed", "package", name, "error", err)
	}

	if ok {
		return cached, nil
	}

	value, err, _ := r.lookups.Do(name, func() (any, error) {
		pkg, err := r.store.GetByName(ctx, name)
		if err != nil {
			return nil, err
		}

		if err := r.cache.Set(ctx, pkg); err != nil {
			r.logger.WarnContext(ctx, "Package cache write failed", "package", name, "error", err)
		}

		return pkg, nil
	})
	if persistence.IsPackageNotFound(err) {
		return nil, packageNotFound(name, err)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get package %s: %w", name, err)
	}

	// Callers sharing one lookup must not share the struct.
	pkg := *value.(*models.MicroAppPackage)

	return &pkg, nil
}

// GetPackageVersions lists every version of the package, newest first.
func (r *Registry) GetPackageVersions(ctx context.Context, name string) ([]*models.PackageVersion, error) {
	pkg, err := r.GetPackage(ctx, name)
	if err != nil {
		return nil, err
	}

	versions, err := r.store.Versions(ctx, pkg.ID)
	if persistence.IsPackageNotFound(err) {
		return nil, packageNotFound(name, err)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to list versions of %s: %w", name, err)
	}

	return versions, nil
}

// GetPackageVersion resolves version with the install rule: "latest", "*" and
// "" mean the version flagged latest, anything else must match exactly.
func (r *Registry) GetPackageVersion(ctx context.Context, name, version string) (*models.PackageVersion, error) {
	pkg, err := r.GetPackage(ctx, name)
	if err != nil {
		return nil, err
	}

	return r.resolveVersion(ctx, pkg, version)
}

func (r *Registry) resolveVersion(ctx context.Context, pkg *models.MicroAppPackage, version string) (*models.PackageVersion, error) {
	var (
		found *models.PackageVersion
		err   error
	)

	if isLatestSelector(version) {
		found, err = r.store.LatestVersion(ctx, pkg.ID)
	} else {
		found, err = r.store.Version(ctx, pkg.ID, version)
	}

	if persistence.IsVersionNotFound(err) {
		return nil, versionNotFound(pkg.PackageName, version, err)
	}

	if persistence.IsPackageNotFound(err) {
		return nil, packageNotFound(pkg.PackageName, err)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s@%s: %w", pkg.PackageName, version, err)
	}

	return found, nil
}

func isLatestSelector(version string) bool {
	return version == "" || version == "latest" || version == "*"
}

// RecordInstall bumps the install counters of a package by id.
func (r *Registry) RecordInstall(ctx context.Context, packageID string) error {
	err := r.store.IncrementInstalls(ctx, packageID)
	if persistence.IsPackageNotFound(err) {
		return packageNotFound(packageID, err)
	}

	if err != nil {
		return fmt.Errorf("failed to record install of %s: %w", packageID, err)
	}

	return nil
}

// ResetWeeklyDownloads zeroes the weekly counter of every package.
func (r *Registry) ResetWeeklyDownloads(ctx context.Context) (int64, error) {
	touched, err := r.store.ResetWeeklyDownloads(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to reset weekly downloads: %w", err)
	}

	r.logger.InfoContext(ctx, "Weekly downloads reset", "packages", touched)

	return touched, nil
}

var statusTransitions = map[models.PackageStatus][]models.PackageStatus{
	models.PackageStatusDraft:      {models.PackageStatusPublished, models.PackageStatusArchived},
	models.PackageStatusPublished:  {models.PackageStatusDeprecated, models.PackageStatusArchived},
	models.PackageStatusDeprecated: {models.PackageStatusPublished, models.PackageStatusArchived},
}

// UpdateStatus moves a package through its lifecycle. Archived is final.
func (r *Registry) UpdateStatus(ctx context.Context, name string, status models.PackageStatus) (*models.MicroAppPackage, error) {
	unlock := r.locks.Lock(name)
	defer unlock()

	pkg, err := r.store.GetByName(ctx, name)
	if persistence.IsPackageNotFound(err) {
		return nil, packageNotFound(name, err)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get package %s: %w", name, err)
	}

	if pkg.Status == status {
		return pkg, nil
	}

	allowed := false

	for _, next := range statusTransitions[pkg.Status] {
		if next == status {
			allowed = true

			break
		}
	}

	if !allowed {
		return nil, invalidRequest(name, fmt.Sprintf("cannot move package from %s to %s", pkg.Status, status))
	}

	pkg.Status = status
	pkg.UpdatedAt = r.now()

	if err := r.store.UpdateStatus(ctx, pkg.ID, status, pkg.UpdatedAt); err != nil {
		return nil, fmt.Errorf("failed to update status of %s: %w", name, err)
	}

	// A status change must not be hidden behind a stale cache entry.
	if err := r.cache.Set(ctx, pkg); err != nil {
		r.logger.WarnContext(ctx, "Package cache write failed", "package", name, "error", err)
	}

	r.logger.InfoContext(ctx, "Package status updated", "package", name, "status", status)

	return pkg, nil
}
