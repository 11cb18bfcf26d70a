package models

import (
	"errors"
	"fmt"
	"time"
)

// EventKind is the closed set of job lifecycle transitions.
type EventKind string

const (
	KindQueued    EventKind = "queued"
	KindProgress  EventKind = "progress"
	KindCompleted EventKind = "completed"
	KindFailed    EventKind = "failed"
)

// JobEvent is the normalized, transport-agnostic message derived from one
// job transition. The wire shape is identical whether the event was pushed
// by the emitter or synthesized by the polling fallback.
type JobEvent struct {
	JobID     string    `json:"jobId"`
	OwnerID   string    `json:"ownerId"`
	Status    JobStatus `json:"status"`
	Stage     string    `json:"stage"`
	Progress  int       `json:"progress"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Result    JobResult `json:"result,omitempty"`
	Error     *JobError `json:"error,omitempty"`
}

// Kind derives the event variant from the status field.
func (e JobEvent) Kind() EventKind {
	switch e.Status {
	case StatusQueued:
		return KindQueued
	case StatusCompleted:
		return KindCompleted
	case StatusFailed:
		return KindFailed
	default:
		return KindProgress
	}
}

// Terminal reports whether this is the last event for the job.
func (e JobEvent) Terminal() bool {
	return e.Status.Terminal()
}

// Validate checks the invariants every event must satisfy before any side
// effect happens. Malformed events are rejected at the emit boundary.
func (e JobEvent) Validate() error {
	if e.JobID == "" {
		return errors.New("jobId is required")
	}
	if e.OwnerID == "" {
		return errors.New("ownerId is required")
	}
	if e.Stage == "" {
		return errors.New("stage is required")
	}
	if e.Progress < 0 || e.Progress > 100 {
		return fmt.Errorf("progress %d out of range [0,100]", e.Progress)
	}
	switch e.Status {
	case StatusQueued, StatusActive, StatusCompleted, StatusFailed:
	default:
		return fmt.Errorf("status %q is not client-facing", e.Status)
	}
	if e.Status == StatusCompleted && e.Progress != 100 {
		return fmt.Errorf("completed event must carry progress 100, got %d", e.Progress)
	}
	if e.Status == StatusFailed && e.Error == nil {
		return errors.New("failed event must carry an error payload")
	}
	return nil
}

// NewQueuedEvent builds the enqueue-time event.
func NewQueuedEvent(jobID, ownerID string) JobEvent {
	return JobEvent{
		JobID:     jobID,
		OwnerID:   ownerID,
		Status:    StatusQueued,
		Stage:     "queued",
		Progress:  0,
		Timestamp: time.Now().UTC(),
	}
}

// NewProgressEvent builds an in-flight progress event.
func NewProgressEvent(jobID, ownerID, stage string, progress int, message string) JobEvent {
	return JobEvent{
		JobID:     jobID,
		OwnerID:   ownerID,
		Status:    StatusActive,
		Stage:     stage,
		Progress:  progress,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
}

// NewCompletedEvent builds the successful terminal event. Progress is pinned
// to 100 regardless of what the pipeline last reported.
func NewCompletedEvent(jobID, ownerID, stage string, result JobResult) JobEvent {
	return JobEvent{
		JobID:     jobID,
		OwnerID:   ownerID,
		Status:    StatusCompleted,
		Stage:     stage,
		Progress:  100,
		Timestamp: time.Now().UTC(),
		Result:    result,
	}
}

// NewFailedEvent builds the failure terminal event.
func NewFailedEvent(jobID, ownerID, stage string, progress int, jobErr JobError) JobEvent {
	return JobEvent{
		JobID:     jobID,
		OwnerID:   ownerID,
		Status:    StatusFailed,
		Stage:     stage,
		Progress:  progress,
		Message:   jobErr.Message,
		Timestamp: time.Now().UTC(),
		Error:     &jobErr,
	}
}
