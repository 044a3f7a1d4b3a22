// Package events defines the submission, pipeline and package lifecycle events.
package events

import (
	"time"

	"github.com/google/uuid"
)

type EventType string

// Topic carries every lifecycle event.
const Topic = "microapps.events"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	// Submission intake.
	SubmissionReceivedEvent EventType = "submission.received"

	// Pipeline lifecycle.
	PipelineCancelRequestedEvent EventType = "pipeline.cancel.requested"
	PipelineStartedEvent         EventType = "pipeline.started"
	PipelineSucceededEvent       EventType = "pipeline.succeeded"
	PipelineFailedEvent          EventType = "pipeline.failed"
	PipelineCancelledEvent       EventType = "pipeline.cancelled"

	// Registry.
	PackagePublishedEvent EventType = "package.published"
)

type BaseEvent struct {
	ID           string         `json:"id"`
	Type         EventType      `json:"type"`
	Timestamp    time.Time      `json:"timestamp"`
	RepositoryID string         `json:"repository_id,omitempty"`
	WorkerID     string         `json:"worker_id,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// SubmissionReceived asks a worker to run the pipeline of a stored repository record.
type SubmissionReceived struct {
	BaseEvent

	PipelineID string `json:"pipeline_id"`
	OwnerID    string `json:"owner_id"`
	Template   string `json:"template"`
}

func (e SubmissionReceived) GetType() EventType {
	return SubmissionReceivedEvent
}

type PipelineCancelRequested struct {
	BaseEvent

	PipelineID  string `json:"pipeline_id"`
	RequestedBy string `json:"requested_by,omitempty"`
}

func (e PipelineCancelRequested) GetType() EventType {
	return PipelineCancelRequestedEvent
}

type PipelineStarted struct {
	BaseEvent

	PipelineID string   `json:"pipeline_id"`
	Steps      []string `json:"steps"`
}

func (e PipelineStarted) GetType() EventType {
	return PipelineStartedEvent
}

type PipelineSucceeded struct {
	BaseEvent

	PipelineID string `json:"pipeline_id"`
	DurationMs int64  `json:"duration_ms"`
}

func (e PipelineSucceeded) GetType() EventType {
	return PipelineSucceededEvent
}

type PipelineFailed struct {
	BaseEvent

	PipelineID string         `json:"pipeline_id"`
	DurationMs int64          `json:"duration_ms"`
	Error      string         `json:"error"`
	Details    map[string]any `json:"details,omitempty"`
}

func (e PipelineFailed) GetType() EventType {
	return PipelineFailedEvent
}

type PipelineCancelled struct {
	BaseEvent

	PipelineID string `json:"pipeline_id"`
	DurationMs int64  `json:"duration_ms"`
}

func (e PipelineCancelled) GetType() EventType {
	return PipelineCancelledEvent
}

type PackagePublished struct {
	BaseEvent

	PackageID   string `json:"package_id"`
	PackageName string `json:"package_name"`
	Version     string `json:"version"`
	VersionID   string `json:"version_id"`
	IsLatest    bool   `json:"is_latest"`
	TarballURL  string `json:"tarball_url"`
}

func (e PackagePublished) GetType() EventType {
	return PackagePublishedEvent
}

func NewBaseEvent(eventType EventType, repositoryID string) BaseEvent {
	return BaseEvent{
		ID:           uuid.New().String(),
		Type:         eventType,
		Timestamp:    time.Now().UTC(),
		RepositoryID: repositoryID,
		Metadata:     make(map[string]any),
	}
}
