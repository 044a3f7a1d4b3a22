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

const pipelineColumns = `
			id
		  , repository_id
		  , status
		  , steps
		  , started_at
		  , completed_at
		  , duration_ns
		  , error_message
		  , error_details
		  , created_at
		  , updated_at`

// PipelineRepository handles pipeline audit records.
type PipelineRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewPipelineRepository(db *sql.DB, logger *slog.Logger) *PipelineRepository {
	return &PipelineRepository{db: db, logger: logger}
}

func (r *PipelineRepository) Save(ctx context.Context, pipeline *models.DeploymentPipeline) error {
	if pipeline.CreatedAt.IsZero() {
		pipeline.CreatedAt = time.Now().UTC()
	}

	if pipeline.UpdatedAt.IsZero() {
		pipeline.UpdatedAt = pipeline.CreatedAt
	}

	stepsJSON, err := json.Marshal(pipeline.Steps)
	if err != nil {
		return fmt.Errorf("failed to marshal steps: %w", err)
	}

	// NULL, not an empty document, when there are no details.
	var details any
	if pipeline.ErrorDetails != nil {
		detailsJSON, err := json.Marshal(pipeline.ErrorDetails)
		if err != nil {
			return fmt.Errorf("failed to marshal error details: %w", err)
		}

		details = detailsJSON
	}

	query := `
		INSERT INTO deployment_pipelines (id, repository_id, status, steps, started_at,
completed_at, duration_ns, error_message, error_details, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			steps = EXCLUDED.steps,
			started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at,
			duration_ns = EXCLUDED.duration_ns,
			error_message = EXCLUDED.error_message,
			error_details = EXCLUDED.error_details,
			updated_at = EXCLUDED.updated_at
	`

	_, err = r.db.ExecContext(ctx, query,
		pipeline.ID,
		pipeline.RepositoryID,
		pipeline.Status,
		stepsJSON,
		pipeline.StartedAt,
		pipeline.CompletedAt,
		int64(pipeline.Duration),
		pipeline.ErrorMessage,
		details,
		pipeline.CreatedAt,
		pipeline.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save pipeline %s: %w", pipeline.ID, err)
	}

	return nil
}

func (r *PipelineRepository) GetByID(ctx context.Context, id string) (*models.DeploymentPipeline, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+pipelineColumns+` FROM deployment_pipelines WHERE id = $1`, id)

	pipeline, err := r.scanPipeline(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &persistence.RecordError{Op: "GetByID", Kind: "pipeline", ID: id, Err: persistence.ErrPipelineNotFound}
	}

	if err != nil {
		return nil, fmt.Errorf("failed to scan pipeline: %w", err)
	}

	return pipeline, nil
}

func (r *PipelineRepository) ListByRepository(ctx context.Context, repositoryID string) ([]*models.DeploymentPipeline, error) {
	query := `SELECT ` + pipelineColumns + `
		FROM deployment_pipelines
		WHERE repository_id = $1
		ORDER BY created_at DESC
	`

	rows, err := r.db.QueryContext(ctx, query, repositoryID)
	if err != nil {
		return nil, fmt.Errorf("failed to query pipelines: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	pipelines := make([]*models.DeploymentPipeline, 0)

	for rows.Next() {
		pipeline, err := r.scanPipeline(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pipeline: %w", err)
		}

		pipelines = append(pipelines, pipeline)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating pipelines: %w", err)
	}

	return pipelines, nil
}

func (r *PipelineRepository) scanPipeline(row scanner) (*models.DeploymentPipeline, error) {
	var (
		pipeline    models.DeploymentPipeline
		stepsJSON   []byte
		detailsJSON []byte
		startedAt   sql.NullTime
		completedAt sql.NullTime
		durationNs  int64
	)

	err := row.Scan(
		&pipeline.ID,
		&pipeline.RepositoryID,
		&pipeline.Status,
		&stepsJSON,
		&startedAt,
		&completedAt,
		&durationNs,
		&pipeline.ErrorMessage,
		&detailsJSON,
		&pipeline.CreatedAt,
		&pipeline.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(stepsJSON, &pipeline.Steps); err != nil {
		return nil, fmt.Errorf("failed to unmarshal steps: %w", err)
	}

	if len(detailsJSON) > 0 {
		if err := json.Unmarshal(detailsJSON, &pipeline.ErrorDetails); err != nil {
			return nil, fmt.Errorf("failed to unmarshal error details: %w", err)
		}
	}

	if startedAt.Valid {
		pipeline.StartedAt = &startedAt.Time
	}

	if completedAt.Valid {
		pipeline.CompletedAt = &completedAt.Time
	}

	pipeline.Duration = time.Duration(durationNs)

	return &pipeline, nil
}
