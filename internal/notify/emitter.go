package notify

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"study-notify/internal/models"
	"study-notify/internal/telemetry"
)

// Publisher is the transient side of the fan-out: the push channel.
type Publisher interface {
	Publish(room string, event models.JobEvent)
}

// JobStore is the durable side of the fan-out.
type JobStore interface {
	UpsertJobStatus(ctx context.Context, id, ownerID string, status models.JobStatus, stage string, progress int) error
	MarkCompleted(ctx context.Context, id string, result models.JobResult) error
	MarkFailed(ctx context.Context, id string, jobErr models.JobError) error
}

const persistTimeout = 10 * time.Second

// Emitter turns job lifecycle transitions into normalized JobEvents and
// fans them out: synchronously to the push channel, fire-and-forget to the
// job store. A fault anywhere in here must never reach the job pipeline.
// The worst case is a user who stops seeing progress, never a job that
// fails because notifications failed.
type Emitter struct {
	hub   Publisher
	store JobStore
	log   zerolog.Logger

	mu       sync.Mutex
	terminal map[string]struct{}
}

// NewEmitter wires the emitter to its two sinks.
func NewEmitter(hub Publisher, store JobStore, log zerolog.Logger) *Emitter {
	return &Emitter{
		hub:      hub,
		store:    store,
		log:      log.With().Str("component", "emitter").Logger(),
		terminal: make(map[string]struct{}),
	}
}

// EmitQueued announces a freshly enqueued job.
func (e *Emitter) EmitQueued(ctx context.Context, jobID, ownerID string) {
	e.emit(ctx, models.NewQueuedEvent(jobID, ownerID))
}

// EmitProgress announces an in-flight stage/progress transition.
func (e *Emitter) EmitProgress(ctx context.Context, jobID, ownerID, stage string, progress int, message string) {
	e.emit(ctx, models.NewProgressEvent(jobID, ownerID, stage, progress, message))
}

// EmitCompleted announces the successful terminal transition.
func (e *Emitter) EmitCompleted(ctx context.Context, jobID, ownerID, stage string, result models.JobResult) {
	e.emit(ctx, models.NewCompletedEvent(jobID, ownerID, stage, result))
}

// EmitFailed announces the failure terminal transition.
func (e *Emitter) EmitFailed(ctx context.Context, jobID, ownerID, stage string, progress int, jobErr models.JobError) {
	e.emit(ctx, models.NewFailedEvent(jobID, ownerID, stage, progress, jobErr))
}

func (e *Emitter) emit(ctx context.Context, ev models.JobEvent) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error().Interface("panic", r).Str("job_id", ev.JobID).Msg("panic during emit")
		}
	}()

	if err := ev.Validate(); err != nil {
		telemetry.EventsInvalid.Inc()
		e.log.Warn().Err(err).Str("job_id", ev.JobID).Str("status", string(ev.Status)).Msg("rejecting malformed event")
		return
	}

	// Exactly one terminal event per job. A second emit for an already
	// terminal job is a bug upstream, not something to paper over.
	e.mu.Lock()
	_, done := e.terminal[ev.JobID]
	if done {
		e.mu.Unlock()
		telemetry.TerminalConflicts.Inc()
		e.log.Error().Str("job_id", ev.JobID).Str("status", string(ev.Status)).
			Msg("emit after terminal event, refusing")
		return
	}
	if ev.Terminal() {
		e.terminal[ev.JobID] = struct{}{}
	}
	e.mu.Unlock()

	// Publish synchronously: downstream consumers expect low latency, and
	// the transport preserves per-connection order only if we publish in
	// emission order.
	e.hub.Publish(JobRoom(ev.JobID), ev)
	e.hub.Publish(OwnerRoom(ev.OwnerID), ev)
	telemetry.EventsPublished.Inc()

	// Persist fire-and-forget: job throughput is never gated on storage
	// latency, and a storage fault is logged, not raised.
	go e.persist(ev)
}

func (e *Emitter) persist(ev models.JobEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	var err error
	switch ev.Kind() {
	case models.KindCompleted:
		err = e.store.MarkCompleted(ctx, ev.JobID, ev.Result)
	case models.KindFailed:
		jobErr := models.JobError{Message: "job failed", Code: "unknown"}
		if ev.Error != nil {
			jobErr = *ev.Error
		}
		err = e.store.MarkFailed(ctx, ev.JobID, jobErr)
	default:
		err = e.store.UpsertJobStatus(ctx, ev.JobID, ev.OwnerID, ev.Status, ev.Stage, ev.Progress)
	}
	if err != nil {
		telemetry.PersistFailures.Inc()
		e.log.Error().Err(err).Str("job_id", ev.JobID).Str("status", string(ev.Status)).
			Msg("job store write failed")
	}
}

// Forget releases the terminal guard once no further emits can occur for
// the job, keeping the guard map bounded in long-lived processes.
func (e *Emitter) Forget(jobID string) {
	e.mu.Lock()
	delete(e.terminal, jobID)
	e.mu.Unlock()
}
