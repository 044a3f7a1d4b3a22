package mocks

import (
	"context"
	"time"

	"github.com/dukex/microapps/pkg/models"
	"github.com/dukex/microapps/pkg/persistence"
	"github.com/stretchr/testify/mock"
)

var (
	_ persistence.Persistence          = (*MockPersistence)(nil)
	_ persistence.RepositoryRepository = (*MockRepositoryRepository)(nil)
	_ persistence.PipelineRepository   = (*MockPipelineRepository)(nil)
	_ persistence.PackageRepository    = (*MockPackageRepository)(nil)
)

// MockPersistence is a mock implementation of persistence.Persistence interface.
type MockPersistence struct {
	mock.Mock

	Repositories *MockRepositoryRepository
	Pipelines    *MockPipelineRepository
	Packages     *MockPackageRepository
}

func NewMockPersistence() *MockPersistence {
	return &MockPersistence{
		Repositories: &MockRepositoryRepository{},
		Pipelines:    &MockPipelineRepository{},
		Packages:     &MockPackageRepository{},
	}
}

//nolint:ireturn
func (m *MockPersistence) RepositoryRepository() persistence.RepositoryRepository {
	return m.Repositories
}

//nolint:ireturn
func (m *MockPersistence) PipelineRepository() persistence.PipelineRepository {
	return m.Pipelines
}

//nolint:ireturn
func (m *MockPersistence) PackageRepository() persistence.PackageRepository {
	return m.Packages
}

func (m *MockPersistence) HealthCheck(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}

func (m *MockPersistence) Close(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}

// MockRepositoryRepository is a mock implementation of persistence.RepositoryRepository interface.
type MockRepositoryRepository struct {
	mock.Mock
}

func (m *MockRepositoryRepository) Save(ctx context.Context, repository *models.Repository) error {
	args := m.Called(ctx, repository)

	return args.Error(0)
}

func (m *MockRepositoryRepository) GetByID(ctx context.Context, id string) (*models.Repository, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.Repository), args.Error(1)
}

func (m *MockRepositoryRepository) UpdateStatus(ctx context.Context, id string, status models.RepositoryStatus, pipelineID string) error {
	args := m.Called(ctx, id, status, pipelineID)

	return args.Error(0)
}

// MockPipelineRepository is a mock implementation of persistence.PipelineRepository interface.
type MockPipelineRepository struct {
	mock.Mock
}

func (m *MockPipelineRepository) Save(ctx context.Context, pipeline *models.DeploymentPipeline) error {
	args := m.Called(ctx, pipeline)

	return args.Error(0)
}

func (m *MockPipelineRepository) GetByID(ctx context.Context, id string) (*models.DeploymentPipeline, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.DeploymentPipeline), args.Error(1)
}

func (m *MockPipelineRepository) ListByRepository(ctx context.Context, repositoryID string) ([]*models.DeploymentPipeline, error) {
	args := m.Called(ctx, repositoryID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.DeploymentPipeline), args.Error(1)
}

// MockPackageRepository is a mock implementation of persistence.PackageRepository interface.
type MockPackageRepository struct {
	mock.Mock
}

func (m *MockPackageRepository) GetByName(ctx context.Context, name string) (*models.MicroAppPackage, error) {
	args := m.Called(ctx, name)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.MicroAppPackage), args.Error(1)
}

func (m *MockPackageRepository) GetByID(ctx context.Context, id string) (*models.MicroAppPackage, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.MicroAppPackage), args.Error(1)
}

func (m *MockPackageRepository) Find(ctx context.Context, query persistence.PackageQuery) ([]*models.MicroAppPackage, error) {
	args := m.Called(ctx, query)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.MicroAppPackage), args.Error(1)
}

func (m *MockPackageRepository) CreatePackage(ctx context.Context, pkg *models.MicroAppPackage, version *models.PackageVersion) error {
	args := m.Called(ctx, pkg, version)

	return args.Error(0)
}

func (m *MockPackageRepository) PublishVersion(ctx context.Context, pkg *models.MicroAppPackage, version *models.PackageVersion) error {
	args := m.Called(ctx, pkg, version)

	return args.Error(0)
}

func (m *MockPackageRepository) Versions(ctx context.Context, packageID string) ([]*models.PackageVersion, error) {
	args := m.Called(ctx, packageID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.PackageVersion), args.Error(1)
}

func (m *MockPackageRepository) Version(ctx context.Context, packageID, version string) (*models.PackageVersion, error) {
	args := m.Called(ctx, packageID, version)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.PackageVersion), args.Error(1)
}

func (m *MockPackageRepository) LatestVersion(ctx context.Context, packageID string) (*models.PackageVersion, error) {
	args := m.Called(ctx, packageID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.PackageVersion), args.Error(1)
}

func (m *MockPackageRepository) IncrementInstalls(ctx context.Context, packageID string) error {
	args := m.Called(ctx, packageID)

	return args.Error(0)
}

func (m *MockPackageRepository) ResetWeeklyDownloads(ctx context.Context) (int64, error) {
	args := m.Called(ctx)

	return args.Get(0).(int64), args.Error(1)
}

func (m *MockPackageRepository) UpdateStatus(ctx context.Context, packageID string, status models.PackageStatus, updatedAt time.Time) error {
	args := m.Called(ctx, packageID, status, updatedAt)

	return args.Error(0)
}
