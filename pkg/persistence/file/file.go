// Package file provides file-based persistence for submissions, pipelines and packages.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/dukex/microapps/pkg/persistence"
)

var errInvalidID = errors.New("invalid identifier")

// Persistence implements the persistence.Persistence interface using the file system.
type Persistence struct {
	root         string
	repositories *RepositoryRepository
	pipelines    *PipelineRepository
	packages     *PackageRepository
}

// NewPersistence creates a new instance of Persistence with the specified root directory.
func NewPersistence(root string) *Persistence {
	cleanRoot := strings.Replace(root, "file://", "", 1)

	return &Persistence{
		root:         cleanRoot,
		repositories: NewRepositoryRepository(cleanRoot),
		pipelines:    NewPipelineRepository(cleanRoot),
		packages:     NewPackageRepository(cleanRoot),
	}
}

var _ persistence.Persistence = (*Persistence)(nil)

// Close performs any necessary cleanup. For file-based persistence, there is nothing to clean up.
func (fp *Persistence) Close(_ context.Context) error {
	return nil
}

// HealthCheck checks if the file persistence layer is healthy by verifying the root directory exists.
func (fp *Persistence) HealthCheck(_ context.Context) error {
	if _, err := os.Stat(fp.root); os.IsNotExist(err) {
		return os.ErrNotExist
	}

	return nil
}

func (fp *Persistence) RepositoryRepository() persistence.RepositoryRepository {
	return fp.repositories
}

func (fp *Persistence) PipelineRepository() persistence.PipelineRepository {
	return fp.pipelines
}

func (fp *Persistence) PackageRepository() persistence.PackageRepository {
	return fp.packages
}

// documentPath joins root/dir/id.json, refusing ids that would escape dir.
func documentPath(root, dir, id string) (string, error) {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return "", fmt.Errorf("%w: %q", errInvalidID, id)
	}

	return filepath.Join(root, dir, id+".json"), nil
}

// readDocument decodes the JSON document at path. A missing file yields fs.ErrNotExist.
func readDocument(path string, v any) error {
	body, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return err
	}

	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", filepath.Base(path), err)
	}

	return nil
}

// writeDocument replaces the document at path through a temp file and rename.
func writeDocument(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())

		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}

	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())

		return fmt.Errorf("failed to close %s: %w", filepath.Base(path), err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())

		return fmt.Errorf("failed to replace %s: %w", filepath.Base(path), err)
	}

	return nil
}

// listDocuments returns the ids of every document in root/dir.
func listDocuments(root, dir string) ([]string, error) {
	jsonFiles, err := fs.Glob(os.DirFS(filepath.Join(root, dir)), "*.json")
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}

	ids := make([]string, 0, len(jsonFiles))
	for _, file := range jsonFiles {
		ids = append(ids, strings.TrimSuffix(file, ".json"))
	}

	return ids, nil
}
