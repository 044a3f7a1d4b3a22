package file

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"sync"
	"time"

	"github.com/dukex/microapps/pkg/models"
	"github.com/dukex/microapps/pkg/persistence"
)

const pipelinesDir = "pipelines"

// PipelineRepository stores pipeline audit records as JSON files.
type PipelineRepository struct {
	root string
	mu   sync.RWMutex
}

func NewPipelineRepository(root string) *PipelineRepository {
	return &PipelineRepository{root: root}
}

func (pr *PipelineRepository) Save(_ context.Context, pipeline *models.DeploymentPipeline) error {
	filePath, err := documentPath(pr.root, pipelinesDir, pipeline.ID)
	if err != nil {
		return err
	}

	pr.mu.Lock()
	defer pr.mu.Unlock()

	// The executor owns the timestamps; only fill them for records built elsewhere.
	if pipeline.CreatedAt.IsZero() {
		pipeline.CreatedAt = time.Now().UTC()
	}

	if pipeline.UpdatedAt.IsZero() {
		pipeline.UpdatedAt = pipeline.CreatedAt
	}

	if err := writeDocument(filePath, pipeline); err != nil {
		return fmt.Errorf("failed to save pipeline %s: %w", pipeline.ID, err)
	}

	return nil
}

func (pr *PipelineRepository) GetByID(_ context.Context, id string) (*models.DeploymentPipeline, error) {
	pr.mu.RLock()
	defer pr.mu.RUnlock()

	return pr.get(id)
}

func (pr *PipelineRepository) get(id string) (*models.DeploymentPipeline, error) {
	filePath, err := documentPath(pr.root, pipelinesDir, id)
	if err != nil {
		return nil, err
	}

	var pipeline models.DeploymentPipeline

	err = readDocument(filePath, &pipeline)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, &persistence.RecordError{Op: "GetByID", Kind: "pipeline", ID: id, Err: persistence.ErrPipelineNotFound}
	}

	if err != nil {
		return nil, fmt.Errorf("failed to fetch pipeline %s: %w", id, err)
	}

	return &pipeline, nil
}

func (pr *PipelineRepository) ListByRepository(_ context.Context, repositoryID string) ([]*models.DeploymentPipeline, error) {
	pr.mu.RLock()
	defer pr.mu.RUnlock()

	ids, err := listDocuments(pr.root, pipelinesDir)
	if err != nil {
		return nil, err
	}

	pipelines := make([]*models.DeploymentPipeline, 0)

	for _, id := range ids {
		pipeline, err := pr.get(id)
		if err != nil {
			return nil, err
		}

		if pipeline.RepositoryID == repositoryID {
			pipelines = append(pipelines, pipeline)
		}
	}

	sort.Slice(pipelines, func(i, j int) bool {
		return pipelines[i].CreatedAt.After(pipelines[j].CreatedAt)
	})

	return pipelines, nil
}
