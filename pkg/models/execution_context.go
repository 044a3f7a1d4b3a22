package models

import (
	"errors"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"
)

// Well-known artifact names written by the built-in steps.
const (
	ArtifactSourceDir           = "sourceDir"
	ArtifactPackageManager      = "packageManager"
	ArtifactTestResults         = "testResults"
	ArtifactSecurityScanResults = "securityScanResults"
	ArtifactQualityScore        = "qualityScore"
	ArtifactBuildDir            = "buildDir"
	ArtifactPackageInfo         = "packageInfo"
	ArtifactDeploymentURL       = "deploymentUrl"
)

// ErrPipelineCancelled is reported by CheckCancelled once the run has been cancelled.
var ErrPipelineCancelled = errors.New("pipeline cancelled")

// ArtifactStore holds named values produced by steps of a single pipeline run.
type ArtifactStore struct {
	mu    sync.RWMutex
	items map[string]any
}

func NewArtifactStore() *ArtifactStore {
	return &ArtifactStore{items: make(map[string]any)}
}

func (s *ArtifactStore) Get(name string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.items[name]

	return value, ok
}

// Set stores value under name, overwriting any previous value.
func (s *ArtifactStore) Set(name string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items[name] = value
}

// Merge overwrites the store with every entry of artifacts.
func (s *ArtifactStore) Merge(artifacts map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	maps.Copy(s.items, artifacts)
}

// Snapshot returns a copy of the stored artifacts.
func (s *ArtifactStore) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return maps.Clone(s.items)
}

// GetArtifact returns the artifact converted to T.
func GetArtifact[T any](s *ArtifactStore, name string) (T, bool) {
	var zero T

	value, ok := s.Get(name)
	if !ok {
		return zero, false
	}

	typed, ok := value.(T)
	if !ok {
		return zero, false
	}

	return typed, true
}

// PipelineContext is owned by exactly one pipeline run.
type PipelineContext struct {
	RepositoryID string
	OwnerID      string
	WorkspaceID  string
	WorkspaceDir string
	Submission   DeveloperSubmissionForm
	Artifacts    *ArtifactStore
	Env          map[string]string
	Logger       *slog.Logger

	cancelled atomic.Bool
	cancelMu  sync.Mutex
	cancelCh  chan struct{}
}

func NewPipelineContext(repositoryID, workspaceID, workspaceDir string, submission DeveloperSubmissionForm, logger *slog.Logger) *PipelineContext {
	if logger == nil {
		logger = slog.Default()
	}

	return &PipelineContext{
		RepositoryID: repositoryID,
		WorkspaceID:  workspaceID,
		WorkspaceDir: workspaceDir,
		Submission:   submission,
		Artifacts:    NewArtifactStore(),
		Env:          make(map[string]string),
		Logger:       logger,
	}
}

// Cancel raises the cooperative cancellation flag. It is safe to call more than once.
func (c *PipelineContext) Cancel() {
	if c.cancelled.CompareAndSwap(false, true) {
		close(c.cancelChan())
	}
}

// Done is closed once Cancel has been called.
func (c *PipelineContext) Done() <-chan struct{} {
	return c.cancelChan()
}

func (c *PipelineContext) cancelChan() chan struct{} {
	c.cancelMu.Lock()
	defer c.cancelMu.Unlock()

	if c.cancelCh == nil {
		c.cancelCh = make(chan struct{})
	}

	return c.cancelCh
}

func (c *PipelineContext) IsCancelled() bool {
	return c.cancelled.Load()
}

// CheckCancelled is the checkpoint steps call around blocking work.
func (c *PipelineContext) CheckCancelled() error {
	if c.IsCancelled() {
		return ErrPipelineCancelled
	}

	return nil
}
