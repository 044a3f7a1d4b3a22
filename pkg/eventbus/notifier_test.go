package eventbus

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/dukex/microapps/pkg/events"
	"github.com/dukex/microapps/pkg/models"
	"github.com/dukex/microapps/pkg/pipeline"
	"github.com/dukex/microapps/pkg/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	_ pipeline.Notifier        = (*PipelineNotifier)(nil)
	_ registry.PublishListener = (*PublishListener)(nil)
)

type recordingPublisher struct {
	mu     sync.Mutex
	keys   []string
	events []Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, key string, event Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.keys = append(p.keys, key)
	p.events = append(p.events, event)

	return p.err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPipelineNotifier(t *testing.T) {
	ctx := t.Context()
	publisher := &recordingPublisher{}
	notifier := NewPipelineNotifier(publisher, "worker-1", discardLogger())

	run := &models.DeploymentPipeline{
		ID:           "pipe-1",
		RepositoryID: "repo-1",
		Steps:        []*models.PipelineStep{{Name: "clone"}, {Name: "build"}},
		Duration:     1500 * time.Millisecond,
		ErrorDetails: map[string]any{"step": "build"},
	}

	notifier.PipelineStarted(ctx, run)
	notifier.PipelineSucceeded(ctx, run)
	notifier.PipelineFailed(ctx, run, errors.New("build command failed"))
	notifier.PipelineCancelled(ctx, run)

	require.Len(t, publisher.events, 4)
	assert.Equal(t, []string{"pipe-1", "pipe-1", "pipe-1", "pipe-1"}, publisher.keys)

	started := publisher.events[0].(events.PipelineStarted)
	assert.Equal(t, []string{"clone", "build"}, started.Steps)
	assert.Equal(t, "worker-1", started.WorkerID)
	assert.Equal(t, "repo-1", started.RepositoryID)

	assert.Equal(t, int64(1500), publisher.events[1].(events.PipelineSucceeded).DurationMs)

	failed := publisher.events[2].(events.PipelineFailed)
	assert.Equal(t, "build command failed", failed.Error)
	assert.Equal(t, "build", failed.Details["step"])

	assert.Equal(t, events.PipelineCancelledEvent, publisher.events[3].GetType())
}

func TestPipelineNotifier_PublishErrorIsSwallowed(t *testing.T) {
	publisher := &recordingPublisher{err: errors.New("broker down")}
	notifier := NewPipelineNotifier(publisher, "worker-1", discardLogger())

	assert.NotPanics(t, func() {
		notifier.PipelineStarted(t.Context(), &models.DeploymentPipeline{ID: "pipe-1"})
	})
	assert.Len(t, publisher.events, 1)
}

func TestPublishListener(t *testing.T) {
	publisher := &recordingPublisher{}
	listener := NewPublishListener(publisher, discardLogger())

	listener.PackagePublished(t.Context(),
		&models.MicroAppPackage{ID: "pkg-1", PackageName: "widget", RepositoryID: "repo-1"},
		&models.PackageVersion{ID: "v-1", Version: "1.2.0", IsLatest: true})

	require.Len(t, publisher.events, 1)
	assert.Equal(t, "widget", publisher.keys[0])

	event := publisher.events[0].(events.PackagePublished)
	assert.Equal(t, "1.2.0", event.Version)
	assert.True(t, event.IsLatest)
	assert.Equal(t, "repo-1", event.RepositoryID)
}
