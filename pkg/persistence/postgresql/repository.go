package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/microapps/pkg/models"
	"github.com/dukex/microapps/pkg/persistence"
)

// RepositoryRepository handles submission records.
type RepositoryRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewRepositoryRepository(db *sql.DB, logger *slog.Logger) *RepositoryRepository {
	return &RepositoryRepository{db: db, logger: logger}
}

func (r *RepositoryRepository) Save(ctx context.Context, repository *models.Repository) error {
	now := time.Now().UTC()
	if repository.CreatedAt.IsZero() {
		repository.CreatedAt = now
	}

	repository.UpdatedAt = now

	formJSON, err := json.Marshal(repository.Form)
	if err != nil {
		return fmt.Errorf("failed to marshal submission form: %w", err)
	}

	query := `
		INSERT INTO repositories (id, owner_id, form, template, status,
latest_pipeline_id, package_name, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			owner_id = EXCLUDED.owner_id,
			form = EXCLUDED.form,
			template = EXCLUDED.template,
			status = EXCLUDED.status,
			latest_pipeline_id = EXCLUDED.latest_pipeline_id,
			package_name = EXCLUDED.package_name,
			updated_at = EXCLUDED.updated_at
	`

	_, err = r.db.ExecContext(ctx, query,
		repository.ID,
		repository.OwnerID,
		formJSON,
		repository.Template,
		repository.Status,
		repository.LatestPipelineID,
		repository.PackageName,
		repository.CreatedAt,
		repository.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save repository %s: %w", repository.ID, err)
	}

	return nil
}

func (r *RepositoryRepository) GetByID(ctx context.Context, id string) (*models.Repository, error) {
	query := `
		SELECT
			id
		  , owner_id
		  , form
		  , template
		  , status
		  , latest_pipeline_id
		  , package_name
		  , created_at
		  , updated_at
		FROM repositories
		WHERE id = $1
	`

	var (
		repository models.Repository
		formJSON   []byte
	)

	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&repository.ID,
		&repository.OwnerID,
		&formJSON,
		&repository.Template,
		&repository.Status,
		&repository.LatestPipelineID,
		&repository.PackageName,
		&repository.CreatedAt,
		&repository.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &persistence.RecordError{Op: "GetByID", Kind: "repository", ID: id, Err: persistence.ErrRepositoryNotFound}
	}

	if err != nil {
		return nil, fmt.Errorf("failed to scan repository: %w", err)
	}

	if err := json.Unmarshal(formJSON, &repository.Form); err != nil {
		return nil, fmt.Errorf("failed to unmarshal submission form: %w", err)
	}

	return &repository, nil
}

func (r *RepositoryRepository) UpdateStatus(ctx context.Context, id string, status models.RepositoryStatus, pipelineID string) error {
	query := `
		UPDATE repositories
		SET status = $2,
			latest_pipeline_id = CASE WHEN $3 = '' THEN latest_pipeline_id ELSE $3 END,
			updated_at = $4
		WHERE id = $1
	`

	result, err := r.db.ExecContext(ctx, query, id, status, pipelineID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to update repository status: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}

	if affected == 0 {
		return &persistence.RecordError{Op: "UpdateStatus", Kind: "repository", ID: id, Err: persistence.ErrRepositoryNotFound}
	}

	return nil
}
