package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/dukex/microapps/pkg/models"
	"github.com/dukex/microapps/pkg/persistence"
	"github.com/lib/pq"
)

const packageColumns = `
			id
		  , package_name
		  , display_name
		  , description
		  , category
		  , tags
		  , version
		  , manifest
		  , compatible_brands
		  , status
		  , is_template
		  , is_featured
		  , quality_score
		  , rating
		  , total_downloads
		  , weekly_downloads
		  , install_count
		  , owner_id
		  , repository_id
		  , created_at
		  , updated_at`

const versionColumns = `
			id
		  , package_id
		  , version
		  , is_latest
		  , dist_url
		  , tarball_url
		  , integrity
		  , size
		  , dependencies
		  , peer_dependencies
		  , published_at`

// PackageRepository handles packages and their versions.
type PackageRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewPackageRepository(db *sql.DB, logger *slog.Logger) *PackageRepository {
	return &PackageRepository{db: db, logger: logger}
}

func (r *PackageRepository) GetByName(ctx context.Context, name string) (*models.MicroAppPackage, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+packageColumns+` FROM packages WHERE package_name = $1`, name)

	pkg, err := scanPackage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NewPackageError("GetByName", name, persistence.ErrPackageNotFound)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to scan package: %w", err)
	}

	return pkg, nil
}

func (r *PackageRepository) GetByID(ctx context.Context, id string) (*models.MicroAppPackage, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+packageColumns+` FROM packages WHERE id = $1`, id)

	pkg, err := scanPackage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NewPackageError("GetByID", id, persistence.ErrPackageNotFound)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to scan package: %w", err)
	}

	return pkg, nil
}

// Find translates the query into SQL with the same semantics as PackageQuery.Matches.
func (r *PackageRepository) Find(ctx context.Context, query persistence.PackageQuery) ([]*models.MicroAppPackage, error) {
	where, args, err := buildPackageFilter(query)
	if err != nil {
		return nil, err
	}

	statement := `SELECT ` + packageColumns + ` FROM packages`
	if where != "" {
		statement += " WHERE " + where
	}

	statement += " ORDER BY created_at DESC"

	rows, err := r.db.QueryContext(ctx, statement, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query packages: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	packages := make([]*models.MicroAppPackage, 0)

	for rows.Next() {
		pkg, err := scanPackage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan package: %w", err)
		}

		packages = append(packages, pkg)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating packages: %w", err)
	}

	return packages, nil
}

func buildPackageFilter(query persistence.PackageQuery) (string, []any, error) {
	var (
		conditions []string
		args       []any
	)

	arg := func(v any) string {
		args = append(args, v)

		return "$" + strconv.Itoa(len(args))
	}

	if query.Status != "" {
		conditions = append(conditions, "status = "+arg(query.Status))
	}

	if query.Category != "" {
		conditions = append(conditions, "LOWER(category) = LOWER("+arg(query.Category)+")")
	}

	if query.Brand != "" {
		conditions = append(conditions, "compatible_brands @> jsonb_build_array("+arg(query.Brand)+"::text)")
	}

	if query.Author != "" {
		conditions = append(conditions, "manifest->>'author' = "+arg(query.Author))
	}

	if query.IsTemplate != nil {
		conditions = append(conditions, "is_template = "+arg(*query.IsTemplate))
	}

	if query.IsFeatured != nil {
		conditions = append(conditions, "is_featured = "+arg(*query.IsFeatured))
	}

	if query.MinQualityScore > 0 {
		conditions = append(conditions, "quality_score >= "+arg(query.MinQualityScore))
	}

	if len(query.Licenses) > 0 {
		conditions = append(conditions, "manifest->>'license' = ANY("+arg(pq.Array(query.Licenses))+")")
	}

	if len(query.Tags) > 0 {
		tagsJSON, err := json.Marshal(query.Tags)
		if err != nil {
			return "", nil, fmt.Errorf("failed to marshal tags: %w", err)
		}

		conditions = append(conditions, "tags @> "+arg(tagsJSON)+"::jsonb")
	}

	if query.Query != "" {
		p := arg("%" + escapeLike(query.Query) + "%")
		conditions = append(conditions, "(package_name ILIKE "+p+
			" OR display_name ILIKE "+p+
			" OR description ILIKE "+p+
			" OR EXISTS (SELECT 1 FROM jsonb_array_elements_text(tags) AS tag WHERE tag ILIKE "+p+"))")
	}

	return strings.Join(conditions, " AND "), args, nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func (r *PackageRepository) CreatePackage(ctx context.Context, pkg *models.MicroAppPackage, version *models.PackageVersion) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	err = insertPackage(ctx, tx, pkg)
	if isUniqueViolation(err) {
		return persistence.NewPackageError("CreatePackage", pkg.PackageName, persistence.ErrPackageAlreadyExists)
	}

	if err != nil {
		return fmt.Errorf("failed to insert package %s: %w", pkg.PackageName, err)
	}

	version.PackageID = pkg.ID
	version.IsLatest = true

	err = insertVersion(ctx, tx, version)
	if err != nil {
		return fmt.Errorf("failed to insert version %s: %w", version.Version, err)
	}

	err = tx.Commit()
	if err != nil {
		return fmt.Errorf("failed to commit package %s: %w", pkg.PackageName, err)
	}

	return nil
}

// PublishVersion locks the package row so concurrent publishes of the same
// package run one after the other.
func (r *PackageRepository) PublishVersion(ctx context.Context, pkg *models.MicroAppPackage, version *models.PackageVersion) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var lockedID string

	err = tx.QueryRowContext(ctx, "SELECT id FROM packages WHERE id = $1 FOR UPDATE", pkg.ID).Scan(&lockedID)
	if errors.Is(err, sql.ErrNoRows) {
		return persistence.NewVersionError("PublishVersion", pkg.PackageName, version.Version, persistence.ErrPackageNotFound)
	}

	if err != nil {
		return fmt.Errorf("failed to lock package %s: %w", pkg.PackageName, err)
	}

	var exists bool

	err = tx.QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM package_versions WHERE package_id = $1 AND version = $2)",
		pkg.ID, version.Version,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check version %s: %w", version.Version, err)
	}

	if exists {
		err = persistence.ErrVersionAlreadyExists

		return persistence.NewVersionError("PublishVersion", pkg.PackageName, version.Version, err)
	}

	_, err = tx.ExecContext(ctx, "UPDATE package_versions SET is_latest = false WHERE package_id = $1 AND is_latest", pkg.ID)
	if err != nil {
		return fmt.Errorf("failed to clear latest version: %w", err)
	}

	version.PackageID = pkg.ID
	version.IsLatest = true

	err = insertVersion(ctx, tx, version)
	if isUniqueViolation(err) {
		return persistence.NewVersionError("PublishVersion", pkg.PackageName, version.Version, persistence.ErrVersionAlreadyExists)
	}

	if err != nil {
		return fmt.Errorf("failed to insert version %s: %w", version.Version, err)
	}

	err = updatePackage(ctx, tx, pkg)
	if err != nil {
		return fmt.Errorf("failed to update package %s: %w", pkg.PackageName, err)
	}

	err = tx.Commit()
	if err != nil {
		return fmt.Errorf("failed to commit version %s: %w", version.Version, err)
	}

	return nil
}

func (r *PackageRepository) Versions(ctx context.Context, packageID string) ([]*models.PackageVersion, error) {
	if _, err := r.GetByID(ctx, packageID); err != nil {
		return nil, err
	}

	query := `SELECT ` + versionColumns + `
		FROM package_versions
		WHERE package_id = $1
		ORDER BY published_at DESC, version DESC
	`

	rows, err := r.db.QueryContext(ctx, query, packageID)
	if err != nil {
		return nil, fmt.Errorf("failed to query versions: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	versions := make([]*models.PackageVersion, 0)

	for rows.Next() {
		version, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan version: %w", err)
		}

		versions = append(versions, version)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating versions: %w", err)
	}

	return versions, nil
}

func (r *PackageRepository) Version(ctx context.Context, packageID, version string) (*models.PackageVersion, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+versionColumns+` FROM package_versions WHERE package_id = $1 AND version = $2`,
		packageID, version,
	)

	found, err := scanVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NewVersionError("Version", packageID, version, persistence.ErrVersionNotFound)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to scan version: %w", err)
	}

	return found, nil
}

func (r *PackageRepository) LatestVersion(ctx context.Context, packageID string) (*models.PackageVersion, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+versionColumns+` FROM package_versions WHERE package_id = $1 AND is_latest`,
		packageID,
	)

	found, err := scanVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NewVersionError("LatestVersion", packageID, "latest", persistence.ErrVersionNotFound)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to scan version: %w", err)
	}

	return found, nil
}

func (r *PackageRepository) IncrementInstalls(ctx context.Context, packageID string) error {
	query := `
		UPDATE packages
		SET install_count = install_count + 1,
			total_downloads = total_downloads + 1,
			weekly_downloads = weekly_downloads + 1
		WHERE id = $1
	`

	return r.execOne(ctx, "IncrementInstalls", packageID, query, packageID)
}

func (r *PackageRepository) ResetWeeklyDownloads(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx, "UPDATE packages SET weekly_downloads = 0 WHERE weekly_downloads <> 0")
	if err != nil {
		return 0, fmt.Errorf("failed to reset weekly downloads: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}

	return affected, nil
}

func (r *PackageRepository) UpdateStatus(ctx context.Context, packageID string, status models.PackageStatus, updatedAt time.Time) error {
	return r.execOne(ctx, "UpdateStatus", packageID,
		"UPDATE packages SET status = $2, updated_at = $3 WHERE id = $1",
		packageID, status, updatedAt,
	)
}

// execOne runs an update that must touch exactly the package packageID.
func (r *PackageRepository) execOne(ctx context.Context, op, packageID, query string, args ...any) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}

	if affected == 0 {
		return persistence.NewPackageError(op, packageID, persistence.ErrPackageNotFound)
	}

	return nil
}

type packageJSON struct {
	tags, manifest, brands []byte
}

func marshalPackage(pkg *models.MicroAppPackage) (*packageJSON, error) {
	var (
		out packageJSON
		err error
	)

	if out.tags, err = json.Marshal(nonNil(pkg.Tags)); err != nil {
		return nil, fmt.Errorf("failed to marshal tags: %w", err)
	}

	if out.manifest, err = json.Marshal(pkg.Manifest); err != nil {
		return nil, fmt.Errorf("failed to marshal manifest: %w", err)
	}

	if out.brands, err = json.Marshal(nonNil(pkg.CompatibleBrands)); err != nil {
		return nil, fmt.Errorf("failed to marshal compatible brands: %w", err)
	}

	return &out, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}

	return s
}

func insertPackage(ctx context.Context, tx *sql.Tx, pkg *models.MicroAppPackage) error {
	encoded, err := marshalPackage(pkg)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO packages (id, package_name, display_name, description, category, tags,
version, manifest, compatible_brands, status, is_template, is_featured, quality_score, rating,
total_downloads, weekly_downloads, install_count, owner_id, repository_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
	`

	_, err = tx.ExecContext(ctx, query,
		pkg.ID, pkg.PackageName, pkg.DisplayName, pkg.Description, pkg.Category, encoded.tags,
		pkg.Version, encoded.manifest, encoded.brands, pkg.Status, pkg.IsTemplate, pkg.IsFeatured,
		pkg.QualityScore, pkg.Rating, pkg.TotalDownloads, pkg.WeeklyDownloads, pkg.InstallCount,
		pkg.OwnerID, pkg.RepositoryID, pkg.CreatedAt, pkg.UpdatedAt,
	)

	return err
}

// updatePackage rewrites the mutable columns. Counters are left alone so
// concurrent installs are not lost.
func updatePackage(ctx context.Context, tx *sql.Tx, pkg *models.MicroAppPackage) error {
	encoded, err := marshalPackage(pkg)
	if err != nil {
		return err
	}

	query := `
		UPDATE packages SET
			display_name = $2,
			description = $3,
			category = $4,
			tags = $5,
			version = $6,
			manifest = $7,
			compatible_brands = $8,
			status = $9,
			quality_score = $10,
			repository_id = $11,
			updated_at = $12
		WHERE id = $1
	`

	_, err = tx.ExecContext(ctx, query,
		pkg.ID, pkg.DisplayName, pkg.Description, pkg.Category, encoded.tags, pkg.Version,
		encoded.manifest, encoded.brands, pkg.Status, pkg.QualityScore, pkg.RepositoryID, pkg.UpdatedAt,
	)

	return err
}

func insertVersion(ctx context.Context, tx *sql.Tx, version *models.PackageVersion) error {
	depsJSON, err := json.Marshal(version.Dependencies)
	if err != nil {
		return fmt.Errorf("failed to marshal dependencies: %w", err)
	}

	peerJSON, err := json.Marshal(version.PeerDependencies)
	if err != nil {
		return fmt.Errorf("failed to marshal peer dependencies: %w", err)
	}

	query := `
		INSERT INTO package_versions (id, package_id, version, is_latest, dist_url, tarball_url,
integrity, size, dependencies, peer_dependencies, published_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err = tx.ExecContext(ctx, query,
		version.ID, version.PackageID, version.Version, version.IsLatest, version.DistURL,
		version.TarballURL, version.Integrity, version.Size, depsJSON, peerJSON, version.PublishedAt,
	)

	return err
}

func scanPackage(row scanner) (*models.MicroAppPackage, error) {
	var (
		pkg                    models.MicroAppPackage
		tags, manifest, brands []byte
	)

	err := row.Scan(
		&pkg.ID,
		&pkg.PackageName,
		&pkg.DisplayName,
		&pkg.Description,
		&pkg.Category,
		&tags,
		&pkg.Version,
		&manifest,
		&brands,
		&pkg.Status,
		&pkg.IsTemplate,
		&pkg.IsFeatured,
		&pkg.QualityScore,
		&pkg.Rating,
		&pkg.TotalDownloads,
		&pkg.WeeklyDownloads,
		&pkg.InstallCount,
		&pkg.OwnerID,
		&pkg.RepositoryID,
		&pkg.CreatedAt,
		&pkg.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(tags, &pkg.Tags); err != nil {
		return nil, fmt.Errorf("failed to unmarshal tags: %w", err)
	}

	if err := json.Unmarshal(manifest, &pkg.Manifest); err != nil {
		return nil, fmt.Errorf("failed to unmarshal manifest: %w", err)
	}

	if err := json.Unmarshal(brands, &pkg.CompatibleBrands); err != nil {
		return nil, fmt.Errorf("failed to unmarshal compatible brands: %w", err)
	}

	return &pkg, nil
}

func scanVersion(row scanner) (*models.PackageVersion, error) {
	var (
		version    models.PackageVersion
		deps, peer []byte
	)

	err := row.Scan(
		&version.ID,
		&version.PackageID,
		&version.Version,
		&version.IsLatest,
		&version.DistURL,
		&version.TarballURL,
		&version.Integrity,
		&version.Size,
		&deps,
		&peer,
		&version.PublishedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(deps) > 0 {
		if err := json.Unmarshal(deps, &version.Dependencies); err != nil {
			return nil, fmt.Errorf("failed to unmarshal dependencies: %w", err)
		}
	}

	if len(peer) > 0 {
		if err := json.Unmarshal(peer, &version.PeerDependencies); err != nil {
			return nil, fmt.Errorf("failed to unmarshal peer dependencies: %w", err)
		}
	}

	return &version, nil
}
