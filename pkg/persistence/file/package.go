package file

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"slices"
	"sync"
	"time"

	"github.com/dukex/microapps/pkg/models"
	"github.com/dukex/microapps/pkg/persistence"
)

const packagesDir = "packages"

// packageDocument keeps a package and all of its versions in one file, so a
// publish is a single atomic rename.
type packageDocument struct {
	Package  *models.MicroAppPackage  `json:"package"`
	Versions []*models.PackageVersion `json:"versions"`
}

// PackageRepository stores packages as JSON documents under root/packages.
// Writes are serialized by a process-wide lock.
type PackageRepository struct {
	root string
	mu   sync.RWMutex
}

func NewPackageRepository(root string) *PackageRepository {
	return &PackageRepository{root: root}
}

func (pr *PackageRepository) load(id string) (*packageDocument, error) {
	filePath, err := documentPath(pr.root, packagesDir, id)
	if err != nil {
		return nil, err
	}

	var doc packageDocument

	err = readDocument(filePath, &doc)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, persistence.NewPackageError("load", id, persistence.ErrPackageNotFound)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to fetch package %s: %w", id, err)
	}

	return &doc, nil
}

func (pr *PackageRepository) store(doc *packageDocument) error {
	filePath, err := documentPath(pr.root, packagesDir, doc.Package.ID)
	if err != nil {
		return err
	}

	if err := writeDocument(filePath, doc); err != nil {
		return fmt.Errorf("failed to save package %s: %w", doc.Package.PackageName, err)
	}

	return nil
}

func (pr *PackageRepository) all() ([]*packageDocument, error) {
	ids, err := listDocuments(pr.root, packagesDir)
	if err != nil {
		return nil, err
	}

	docs := make([]*packageDocument, 0, len(ids))

	for _, id := range ids {
		doc, err := pr.load(id)
		if err != nil {
			return nil, err
		}

		docs = append(docs, doc)
	}

	return docs, nil
}

func (pr *PackageRepository) findByName(name string) (*packageDocument, error) {
	docs, err := pr.all()
	if err != nil {
		return nil, err
	}

	for _, doc := range docs {
		if doc.Package.PackageName == name {
			return doc, nil
		}
	}

	return nil, persistence.NewPackageError("GetByName", name, persistence.ErrPackageNotFound)
}

func (pr *PackageRepository) GetByName(_ context.Context, name string) (*models.MicroAppPackage, error) {
	pr.mu.RLock()
	defer pr.mu.RUnlock()

	doc, err := pr.findByName(name)
	if err != nil {
		return nil, err
	}

	return doc.Package, nil
}

func (pr *PackageRepository) GetByID(_ context.Context, id string) (*models.MicroAppPackage, error) {
	pr.mu.RLock()
	defer pr.mu.RUnlock()

	doc, err := pr.load(id)
	if err != nil {
		return nil, err
	}

	return doc.Package, nil
}

func (pr *PackageRepository) Find(_ context.Context, query persistence.PackageQuery) ([]*models.MicroAppPackage, error) {
	pr.mu.RLock()
	defer pr.mu.RUnlock()

	docs, err := pr.all()
	if err != nil {
		return nil, err
	}

	packages := make([]*models.MicroAppPackage, 0)

	for _, doc := range docs {
		if query.Matches(doc.Package) {
			packages = append(packages, doc.Package)
		}
	}

	return packages, nil
}

func (pr *PackageRepository) CreatePackage(_ context.Context, pkg *models.MicroAppPackage, version *models.PackageVersion) error {
	pr.mu.Lock()
	defer pr.mu.Unlock()

	_, err := pr.findByName(pkg.PackageName)
	if err == nil {
		return persistence.NewPackageError("CreatePackage", pkg.PackageName, persistence.ErrPackageAlreadyExists)
	}

	if !persistence.IsPackageNotFound(err) {
		return err
	}

	version.PackageID = pkg.ID
	version.IsLatest = true

	return pr.store(&packageDocument{Package: pkg, Versions: []*models.PackageVersion{version}})
}

func (pr *PackageRepository) PublishVersion(_ context.Context, pkg *models.MicroAppPackage, version *models.PackageVersion) error {
	pr.mu.Lock()
	defer pr.mu.Unlock()

	doc, err := pr.load(pkg.ID)
	if err != nil {
		return persistence.NewVersionError("PublishVersion", pkg.PackageName, version.Version, err)
	}

	for _, existing := range doc.Versions {
		if existing.Version == version.Version {
			return persistence.NewVersionError("PublishVersion", pkg.PackageName, version.Version, persistence.ErrVersionAlreadyExists)
		}
	}

	for _, existing := range doc.Versions {
		existing.IsLatest = false
	}

	version.PackageID = pkg.ID
	version.IsLatest = true
	doc.Versions = append(doc.Versions, version)
	doc.Package = pkg

	return pr.store(doc)
}

func (pr *PackageRepository) Versions(_ context.Context, packageID string) ([]*models.PackageVersion, error) {
	pr.mu.RLock()
	defer pr.mu.RUnlock()

	doc, err := pr.load(packageID)
	if err != nil {
		return nil, err
	}

	versions := slices.Clone(doc.Versions)
	slices.Reverse(versions)
	slices.SortStableFunc(versions, func(a, b *models.PackageVersion) int {
		return b.PublishedAt.Compare(a.PublishedAt)
	})

	return versions, nil
}

func (pr *PackageRepository) Version(_ context.Context, packageID, version string) (*models.PackageVersion, error) {
	pr.mu.RLock()
	defer pr.mu.RUnlock()

	doc, err := pr.load(packageID)
	if err != nil {
		return nil, err
	}

	for _, v := range doc.Versions {
		if v.Version == version {
			return v, nil
		}
	}

	return nil, persistence.NewVersionError("Version", doc.Package.PackageName, version, persistence.ErrVersionNotFound)
}

func (pr *PackageRepository) LatestVersion(_ context.Context, packageID string) (*models.PackageVersion, error) {
	pr.mu.RLock()
	defer pr.mu.RUnlock()

	doc, err := pr.load(packageID)
	if err != nil {
		return nil, err
	}

	for _, v := range doc.Versions {
		if v.IsLatest {
			return v, nil
		}
	}

	return nil, persistence.NewVersionError("LatestVersion", doc.Package.PackageName, "latest", persistence.ErrVersionNotFound)
}

func (pr *PackageRepository) IncrementInstalls(_ context.Context, packageID string) error {
	pr.mu.Lock()
	defer pr.mu.Unlock()

	doc, err := pr.load(packageID)
	if err != nil {
		return err
	}

	doc.Package.InstallCount++
	doc.Package.TotalDownloads++
	doc.Package.WeeklyDownloads++

	return pr.store(doc)
}

func (pr *PackageRepository) ResetWeeklyDownloads(_ context.Context) (int64, error) {
	pr.mu.Lock()
	defer pr.mu.Unlock()

	docs, err := pr.all()
	if err != nil {
		return 0, err
	}

	var touched int64

	for _, doc := range docs {
		if doc.Package.WeeklyDownloads == 0 {
			continue
		}

		doc.Package.WeeklyDownloads = 0

		if err := pr.store(doc); err != nil {
			return touched, err
		}

		touched++
	}

	return touched, nil
}

func (pr *PackageRepository) UpdateStatus(_ context.Context, packageID string, status models.PackageStatus, updatedAt time.Time) error {
	pr.mu.Lock()
	defer pr.mu.Unlock()

	doc, err := pr.load(packageID)
	if err != nil {
		return err
	}

	doc.Package.Status = status
	doc.Package.UpdatedAt = updatedAt

	return pr.store(doc)
}
