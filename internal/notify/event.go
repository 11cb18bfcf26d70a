package notify

import (
	"study-notify/internal/models"
)

// JobRoom is the room key for a single job's events.
func JobRoom(jobID string) string {
	return "job:" + jobID
}

// OwnerRoom is the room key for all of an owner's jobs.
func OwnerRoom(ownerID string) string {
	return "owner:" + ownerID
}

// SynthesizeFromJob maps a job store row into the JobEvent the push path
// would have produced for the same state. Consumers cannot tell which path
// delivered an event, so this must round-trip to the identical wire shape.
func SynthesizeFromJob(job models.Job) models.JobEvent {
	switch job.Status.ClientFacing() {
	case models.StatusQueued:
		return models.NewQueuedEvent(job.ID, job.OwnerID)
	case models.StatusCompleted:
		return models.NewCompletedEvent(job.ID, job.OwnerID, stageOr(job.Stage, "done"), job.Result)
	case models.StatusFailed:
		jobErr := models.JobError{Message: "job failed", Code: "unknown", Recoverable: false}
		if job.Error != nil {
			jobErr = *job.Error
		} else if job.Status == models.StatusStalled {
			jobErr = models.JobError{Message: "job stalled", Code: "stalled", Recoverable: true}
		}
		return models.NewFailedEvent(job.ID, job.OwnerID, stageOr(job.Stage, "failed"), job.Progress, jobErr)
	default:
		return models.NewProgressEvent(job.ID, job.OwnerID, stageOr(job.Stage, "processing"), job.Progress, "")
	}
}

func stageOr(stage, fallback string) string {
	if stage != "" {
		return stage
	}
	return fallback
}
