package file

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sync"
	"time"

	"github.com/dukex/microapps/pkg/models"
	"github.com/dukex/microapps/pkg/persistence"
)

const repositoriesDir = "repositories"

// RepositoryRepository stores submission records as JSON files.
type RepositoryRepository struct {
	root string
	mu   sync.Mutex
}

func NewRepositoryRepository(root string) *RepositoryRepository {
	return &RepositoryRepository{root: root}
}

func (rr *RepositoryRepository) Save(_ context.Context, repository *models.Repository) error {
	rr.mu.Lock()
	defer rr.mu.Unlock()

	return rr.save(repository)
}

func (rr *RepositoryRepository) save(repository *models.Repository) error {
	filePath, err := documentPath(rr.root, repositoriesDir, repository.ID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if repository.CreatedAt.IsZero() {
		repository.CreatedAt = now
	}

	repository.UpdatedAt = now

	if err := writeDocument(filePath, repository); err != nil {
		return fmt.Errorf("failed to save repository %s: %w", repository.ID, err)
	}

	return nil
}

func (rr *RepositoryRepository) GetByID(_ context.Context, id string) (*models.Repository, error) {
	rr.mu.Lock()
	defer rr.mu.Unlock()

	return rr.get(id)
}

func (rr *RepositoryRepository) get(id string) (*models.Repository, error) {
	filePath, err := documentPath(rr.root, repositoriesDir, id)
	if err != nil {
		return nil, err
	}

	var repository models.Repository

	err = readDocument(filePath, &repository)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, &persistence.RecordError{Op: "GetByID", Kind: "repository", ID: id, Err: persistence.ErrRepositoryNotFound}
	}

	if err != nil {
		return nil, fmt.Errorf("failed to fetch repository %s: %w", id, err)
	}

	return &repository, nil
}

func (rr *RepositoryRepository) UpdateStatus(_ context.Context, id string, status models.RepositoryStatus, pipelineID string) error {
	rr.mu.Lock()
	defer rr.mu.Unlock()

	repository, err := rr.get(id)
	if err != nil {
		return err
	}

	repository.Status = status
	if pipelineID != "" {
		repository.LatestPipelineID = pipelineID
	}

	return rr.save(repository)
}
