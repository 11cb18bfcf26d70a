package models

import (
	"time"
)

// JobStatus enumerates lifecycle states persisted in Postgres.
type JobStatus string

const (
	StatusQueued    JobStatus = "queued"
	StatusActive    JobStatus = "active"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
	// StatusStalled is a queue-internal diagnostic signal consumed by the
	// health monitor. It is never persisted and never shown to clients.
	StatusStalled JobStatus = "stalled"
)

// Terminal reports whether no further transitions are possible.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ClientFacing maps internal statuses onto the set clients are allowed to
// see. Stalled folds into failed; everything else passes through.
func (s JobStatus) ClientFacing() JobStatus {
	if s == StatusStalled {
		return StatusFailed
	}
	return s
}

// JobError carries the failure details surfaced to clients.
type JobError struct {
	Message     string `json:"message"`
	Code        string `json:"code"`
	Recoverable bool   `json:"recoverable"`
}

// JobResult is the opaque payload produced by a completed job body.
type JobResult map[string]any

// Job represents one unit of asynchronous work persisted in Postgres.
type Job struct {
	ID          string         `json:"id"`
	OwnerID     string         `json:"owner_id"`
	Status      JobStatus      `json:"status"`
	Stage       string         `json:"stage"`
	Progress    int            `json:"progress"`
	Payload     map[string]any `json:"payload"`
	Result      JobResult      `json:"result,omitempty"`
	Error       *JobError      `json:"error,omitempty"`
	Attempts    int            `json:"attempts"`
	MaxAttempts int            `json:"max_attempts"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}
