package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dukex/microapps/pkg/models"
	"github.com/dukex/microapps/pkg/persistence"
	"github.com/dukex/microapps/pkg/protocol"
	"github.com/go-playground/validator/v10"
)

type PublishRequest = protocol.PublishRequest

var _ protocol.PackagePublisher = (*Registry)(nil)

var validate = validator.New()

type publishMode int

const (
	publishAuto publishMode = iota
	publishFirst
	publishNext
)

// PublishPackage registers a new package name with its first version.
// An existing name is a Conflict.
func (r *Registry) PublishPackage(ctx context.Context, req PublishRequest) (*models.MicroAppPackage, *models.PackageVersion, error) {
	return r.publish(ctx, req, publishFirst)
}

// PublishVersion adds a version to an existing package and makes it the only
// latest one.
func (r *Registry) PublishVersion(ctx context.Context, req PublishRequest) (*models.MicroAppPackage, *models.PackageVersion, error) {
	return r.publish(ctx, req, publishNext)
}

// Publish picks PublishPackage or PublishVersion depending on whether the name exists.
func (r *Registry) Publish(ctx context.Context, req PublishRequest) (*models.MicroAppPackage, *models.PackageVersion, error) {
	return r.publish(ctx, req, publishAuto)
}

func (r *Registry) publish(ctx context.Context, req PublishRequest, mode publishMode) (*models.MicroAppPackage, *models.PackageVersion, error) {
	if err := validatePublish(req); err != nil {
		return nil, nil, err
	}

	name := req.PackageInfo.Name

	unlock := r.locks.Lock(name)
	defer unlock()

	existing, err := r.store.GetByName(ctx, name)
	if err != nil && !persistence.IsPackageNotFound(err) {
		return nil, nil, fmt.Errorf("failed to get package %s: %w", name, err)
	}

	var (
		pkg     *models.MicroAppPackage
		version *models.PackageVersion
	)

	switch {
	case existing == nil && mode == publishNext:
		return nil, nil, packageNotFound(name, err)
	case existing == nil:
		pkg, version, err = r.createLocked(ctx, req)
	case mode == publishFirst:
		return nil, nil, conflict(name, "", "package already exists", persistence.ErrPackageAlreadyExists)
	default:
		pkg, version, err = r.addVersionLocked(ctx, existing, req)
	}

	if err != nil {
		return nil, nil, err
	}

	if err := r.cache.Set(ctx, pkg); err != nil {
		r.logger.WarnContext(ctx, "Package cache write failed", "package", name, "error", err)
	}

	r.logger.InfoContext(ctx, "Package version published", "package", name, "version", version.Version)

	if r.listener != nil {
		r.listener.PackagePublished(ctx, pkg, version)
	}

	return pkg, version, nil
}

func validatePublish(req PublishRequest) error {
	info := req.PackageInfo

	if err := validate.Var(info.Name, "required,min=2,max=214"); err != nil {
		return invalidRequest(info.Name, "invalid package name")
	}

	if err := validate.Var(info.Version, "required,semver"); err != nil {
		return invalidRequest(info.Name, fmt.Sprintf("invalid version %q", info.Version))
	}

	if req.Submission.Technical.PackageName != "" && req.Submission.Technical.PackageName != info.Name {
		return invalidRequest(info.Name, "package name does not match the submission")
	}

	if err := validate.Var(req.QualityScore, "gte=0,lte=100"); err != nil {
		return invalidRequest(info.Name, "quality score must be between 0 and 100")
	}

	return nil
}

func (r *Registry) createLocked(ctx context.Context, req PublishRequest) (*models.MicroAppPackage, *models.PackageVersion, error) {
	now := r.now()

	pkg := &models.MicroAppPackage{
		ID:        r.newID(),
		Status:    models.PackageStatusPublished,
		OwnerID:   req.OwnerID,
		CreatedAt: now,
	}
	applyRequest(pkg, req, now)

	version := newVersion(r.newID(), req, now)

	err := r.store.CreatePackage(ctx, pkg, version)
	if errors.Is(err, persistence.ErrPackageAlreadyExists) {
		return nil, nil, conflict(pkg.PackageName, "", "package already exists", err)
	}

	if err != nil {
		return nil, nil, fmt.Errorf("failed to create package %s: %w", pkg.PackageName, err)
	}

	return pkg, version, nil
}

func (r *Registry) addVersionLocked(ctx context.Context, existing *models.MicroAppPackage, req PublishRequest) (*models.MicroAppPackage, *models.PackageVersion, error) {
	name := existing.PackageName
	info := req.PackageInfo

	if existing.OwnerID != "" && req.OwnerID != "" && existing.OwnerID != req.OwnerID {
		return nil, nil, conflict(name, info.Version, "package is owned by another developer", nil)
	}

	if existing.Status == models.PackageStatusArchived {
		return nil, nil, conflict(name, info.Version, "package is archived", nil)
	}

	now := r.now()
	pkg := *existing
	applyRequest(&pkg, req, now)

	if pkg.Status == models.PackageStatusDraft {
		pkg.Status = models.PackageStatusPublished
	}

	version := newVersion(r.newID(), req, now)

	err := r.store.PublishVersion(ctx, &pkg, version)
	if errors.Is(err, persistence.ErrVersionAlreadyExists) {
		return nil, nil, conflict(name, info.Version, "version already exists", err)
	}

	if persistence.IsPackageNotFound(err) {
		return nil, nil, packageNotFound(name, err)
	}

	if err != nil {
		return nil, nil, fmt.Errorf("failed to publish %s@%s: %w", name, info.Version, err)
	}

	return &pkg, version, nil
}

// applyRequest copies the publishable metadata of req onto pkg.
func applyRequest(pkg *models.MicroAppPackage, req PublishRequest, now time.Time) {
	form := req.Submission
	info := req.PackageInfo

	pkg.PackageName = info.Name
	pkg.Version = info.Version
	pkg.DisplayName = form.AppInfo.Name

	if pkg.DisplayName == "" {
		pkg.DisplayName = info.Name
	}

	pkg.Description = form.AppInfo.Description
	pkg.Category = form.AppInfo.Category
	pkg.Tags = form.AppInfo.Tags
	pkg.CompatibleBrands = form.AppInfo.TargetBrands
	pkg.QualityScore = req.QualityScore
	pkg.IsTemplate = req.IsTemplate
	pkg.UpdatedAt = now

	if req.RepositoryID != "" {
		pkg.RepositoryID = req.RepositoryID
	}

	entryPoint := info.EntryPoint
	if entryPoint == "" {
		entryPoint = form.Technical.EntryPoint
	}

	pkg.Manifest = models.Manifest{
		License:          form.Legal.License,
		Author:           pkg.OwnerID,
		EntryPoint:       entryPoint,
		Dependencies:     form.Technical.Dependencies,
		PeerDependencies: form.Technical.PeerDependencies,
		Permissions:      form.Technical.Permissions,
		Modules:          req.Modules,
		Customization:    req.Customization,
	}
}

func newVersion(id string, req PublishRequest, now time.Time) *models.PackageVersion {
	info := req.PackageInfo

	return &models.PackageVersion{
		ID:               id,
		Version:          info.Version,
		DistURL:          info.DistURL,
		TarballURL:       info.TarballURL,
		Integrity:        info.Integrity,
		Size:             info.Size,
		Dependencies:     req.Submission.Technical.Dependencies,
		PeerDependencies: req.Submission.Technical.PeerDependencies,
		PublishedAt:      now,
	}
}
