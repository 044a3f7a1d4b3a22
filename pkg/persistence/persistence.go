// Package persistence provides the storage abstraction for submissions, pipelines and the package registry.
package persistence

import (
	"context"
	"time"

	"github.com/dukex/microapps/pkg/models"
)

type Persistence interface {
	RepositoryRepository() RepositoryRepository
	PipelineRepository() PipelineRepository
	PackageRepository() PackageRepository

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// RepositoryRepository stores submission records.
type RepositoryRepository interface {
	Save(ctx context.Context, repository *models.Repository) error
	// GetByID returns ErrRepositoryNotFound when no record exists.
	GetByID(ctx context.Context, id string) (*models.Repository, error)
	// UpdateStatus sets the status and, when pipelineID is not empty, the latest pipeline.
	UpdateStatus(ctx context.Context, id string, status models.RepositoryStatus, pipelineID string) error
}

// PipelineRepository stores the audit records of pipeline runs.
type PipelineRepository interface {
	// Save inserts or replaces the pipeline record.
	Save(ctx context.Context, pipeline *models.DeploymentPipeline) error
	// GetByID returns ErrPipelineNotFound when no record exists.
	GetByID(ctx context.Context, id string) (*models.DeploymentPipeline, error)
	// ListByRepository returns the runs of a repository, newest first.
	ListByRepository(ctx context.Context, repositoryID string) ([]*models.DeploymentPipeline, error)
}

// PackageQuery filters packages at the store level. Zero values match everything.
type PackageQuery struct {
	Query           string
	Status          models.PackageStatus
	Category        string
	Brand           string
	Author          string
	IsTemplate      *bool
	IsFeatured      *bool
	MinQualityScore float64
	// Licenses matches any of the listed licenses.
	Licenses []string
	// Tags matches packages carrying all of the listed tags.
	Tags []string
}

// PackageRepository stores packages and their versions.
//
// CreatePackage and PublishVersion are atomic: after either returns, exactly
// one version of the package has IsLatest set.
type PackageRepository interface {
	// GetByName returns ErrPackageNotFound when no package has that name.
	GetByName(ctx context.Context, name string) (*models.MicroAppPackage, error)
	// GetByID returns ErrPackageNotFound when no package has that id.
	GetByID(ctx context.Context, id string) (*models.MicroAppPackage, error)
	Find(ctx context.Context, query PackageQuery) ([]*models.MicroAppPackage, error)

	// CreatePackage stores a new package with its first version marked latest.
	// Returns ErrPackageAlreadyExists when the name is taken.
	CreatePackage(ctx context.Context, pkg *models.MicroAppPackage, version *models.PackageVersion) error
	// PublishVersion adds a version, makes it the only latest one and stores
	// the updated package row. Returns ErrPackageNotFound or ErrVersionAlreadyExists.
	PublishVersion(ctx context.Context, pkg *models.MicroAppPackage, version *models.PackageVersion) error

	// Versions returns every version of a package, newest first.
	Versions(ctx context.Context, packageID string) ([]*models.PackageVersion, error)
	// Version returns ErrVersionNotFound when the package has no such version.
	Version(ctx context.Context, packageID, version string) (*models.PackageVersion, error)
	// LatestVersion returns ErrVersionNotFound when the package has no latest version.
	LatestVersion(ctx context.Context, packageID string) (*models.PackageVersion, error)

	// IncrementInstalls bumps install, total and weekly counters by one.
	IncrementInstalls(ctx context.Context, packageID string) error
	// ResetWeeklyDownloads zeroes every weekly counter and returns the number of packages touched.
	ResetWeeklyDownloads(ctx context.Context) (int64, error)
	UpdateStatus(ctx context.Context, packageID string, status models.PackageStatus, updatedAt time.Time) error
}
