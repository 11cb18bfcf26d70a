package worker

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"study-notify/internal/config"
	"study-notify/internal/models"
	"study-notify/internal/notify"
	"study-notify/internal/queue"
	"study-notify/internal/store"
)

// ProgressFunc reports an in-flight stage transition for the running job.
type ProgressFunc func(stage string, progress int, message string)

// Handler executes one job body, reporting stages as it goes. The returned
// result lands on the completed event.
type Handler func(ctx context.Context, job models.Job, report ProgressFunc) (models.JobResult, error)

// PermanentError marks a failure that must not be retried, with a machine
// readable code for the client.
type PermanentError struct {
	Code string
	Err  error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err as non-retriable.
func Permanent(code string, err error) error {
	return &PermanentError{Code: code, Err: err}
}

// jobStore is the store surface the processor needs.
type jobStore interface {
	GetJob(ctx context.Context, id string) (models.Job, error)
	UpdateAttempts(ctx context.Context, id string, attempts int) error
}

// Processor runs the dequeue/execute/ack loop. All progress visible to
// clients flows through the emitter; queue lifecycle signals flow to the
// queue's listeners.
type Processor struct {
	cfg      config.Config
	queue    *queue.RedisQueue
	store    jobStore
	emitter  *notify.Emitter
	handler  Handler
	log      zerolog.Logger
	workerID string
}

// NewProcessor builds a processor with the given job handler.
func NewProcessor(cfg config.Config, q *queue.RedisQueue, st jobStore, em *notify.Emitter, handler Handler, workerID string, log zerolog.Logger) *Processor {
	return &Processor{
		cfg:      cfg,
		queue:    q,
		store:    st,
		emitter:  em,
		handler:  handler,
		log:      log.With().Str("component", "worker").Str("worker_id", workerID).Logger(),
		workerID: workerID,
	}
}

// Run starts the worker loops and the queue maintenance loop, blocking until
// the context is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	count := p.cfg.WorkerCount
	if count <= 0 {
		count = 1
	}
	for i := 0; i < count; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			p.workLoop(ctx, n)
		}(i)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.maintenanceLoop(ctx)
	}()

	wg.Wait()
	return ctx.Err()
}

func (p *Processor) workLoop(ctx context.Context, n int) {
	log := p.log.With().Int("loop", n).Logger()
	for {
		if ctx.Err() != nil {
			return
		}
		jobID, err := p.queue.DequeueWithLease(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).Msg("dequeue failed")
			sleepCtx(ctx, p.cfg.WorkerPollInterval)
			continue
		}
		if jobID == "" {
			sleepCtx(ctx, p.cfg.WorkerPollInterval)
			continue
		}
		p.process(ctx, jobID)
	}
}

// maintenanceLoop promotes due scheduled jobs and reclaims expired leases.
func (p *Processor) maintenanceLoop(ctx context.Context) {
	interval := p.cfg.WorkerPollInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			if _, err := p.queue.PromoteScheduled(ctx, now, int64(p.cfg.ScheduledBatchSize)); err != nil && ctx.Err() == nil {
				p.log.Warn().Err(err).Msg("promote scheduled failed")
			}
			stalled, err := p.queue.RequeueExpired(ctx, now, int64(p.cfg.ScheduledBatchSize))
			if err != nil && ctx.Err() == nil {
				p.log.Warn().Err(err).Msg("requeue expired failed")
			}
			for _, id := range stalled {
				p.log.Warn().Str("job_id", id).Msg("reclaimed expired lease")
			}
		}
	}
}

func (p *Processor) process(ctx context.Context, jobID string) {
	start := time.Now()
	log := p.log.With().Str("job_id", jobID).Logger()

	job, err := p.store.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// A queue entry without a row is unrecoverable; drop it.
			log.Error().Msg("job row missing, dropping queue entry")
			_ = p.queue.Ack(ctx, jobID)
			return
		}
		log.Warn().Err(err).Msg("load job failed, lease will expire and requeue")
		return
	}
	if job.Status.Terminal() {
		log.Debug().Str("status", string(job.Status)).Msg("job already terminal, acking stale entry")
		_ = p.queue.Ack(ctx, jobID)
		return
	}

	// Keep the lease alive while the handler runs.
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	go p.heartbeat(hbCtx, jobID)
	defer stopHeartbeat()

	// Track where the pipeline got to so a failure is reported against the
	// stage that actually broke, not the row loaded before the handler ran.
	lastStage := job.Stage
	lastProgress := job.Progress
	report := func(stage string, progress int, message string) {
		lastStage, lastProgress = stage, progress
		p.emitter.EmitProgress(ctx, job.ID, job.OwnerID, stage, progress, message)
	}

	result, err := p.handler(ctx, job, report)
	if err != nil {
		p.handleFailure(ctx, job, lastStage, lastProgress, err, log)
		return
	}

	p.emitter.EmitCompleted(ctx, job.ID, job.OwnerID, "done", result)
	_ = p.queue.Ack(ctx, jobID)
	p.queue.SignalCompleted(jobID, time.Since(start))
	p.releaseGuardLater(job.ID)
	log.Info().Dur("took", time.Since(start)).Msg("job completed")
}

func (p *Processor) handleFailure(ctx context.Context, job models.Job, lastStage string, lastProgress int, err error, log zerolog.Logger) {
	if ctx.Err() != nil {
		// Shutdown mid-job: leave the lease to expire so another worker
		// picks it up.
		return
	}

	var perm *PermanentError
	permanent := errors.As(err, &perm)
	attempt := job.Attempts + 1
	maxAttempts := job.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = p.cfg.MaxAttempts
	}

	if !permanent && attempt < maxAttempts {
		delay := backoffWithJitter(p.cfg.BackoffInitial, p.cfg.BackoffMax, attempt)
		log.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", delay).Msg("job failed, retrying")
		if uerr := p.store.UpdateAttempts(ctx, job.ID, attempt); uerr != nil {
			log.Error().Err(uerr).Msg("record retry failed")
		}
		if serr := p.queue.Schedule(ctx, job.ID, time.Now().Add(delay)); serr != nil {
			log.Error().Err(serr).Msg("schedule retry failed, lease will expire and requeue")
			return
		}
		_ = p.queue.Ack(ctx, job.ID)
		return
	}

	jobErr := models.JobError{Message: err.Error(), Code: "processing_failed", Recoverable: false}
	if permanent {
		jobErr.Code = perm.Code
	}
	p.emitter.EmitFailed(ctx, job.ID, job.OwnerID, failStage(lastStage), lastProgress, jobErr)
	_ = p.queue.Ack(ctx, job.ID)
	p.queue.SignalFailed(job.ID, jobErr.Code)
	p.releaseGuardLater(job.ID)
	log.Error().Err(err).Int("attempt", attempt).Str("code", jobErr.Code).Msg("job failed terminally")
}

// heartbeat extends the lease at half the visibility timeout.
func (p *Processor) heartbeat(ctx context.Context, jobID string) {
	interval := p.cfg.VisibilityTimeout / 2
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.queue.ExtendLease(ctx, jobID, p.cfg.VisibilityTimeout); err != nil && ctx.Err() == nil {
				p.log.Warn().Err(err).Str("job_id", jobID).Msg("extend lease failed")
			}
		}
	}
}

// releaseGuardLater frees the emitter's terminal guard once in-flight
// duplicates have had ample time to arrive and be refused.
func (p *Processor) releaseGuardLater(jobID string) {
	time.AfterFunc(time.Minute, func() {
		p.emitter.Forget(jobID)
	})
}

func failStage(stage string) string {
	if stage == "" || stage == "queued" {
		return "processing"
	}
	return stage
}

// backoffWithJitter doubles the delay per attempt, capped at max, with a
// +/-50% jitter so retry storms spread out.
func backoffWithJitter(initial, max time.Duration, attempt int) time.Duration {
	if initial <= 0 {
		initial = 2 * time.Second
	}
	if max <= 0 {
		max = 2 * time.Minute
	}
	delay := initial
	for i := 1; i < attempt && delay < max; i++ {
		delay *= 2
	}
	if delay > max {
		delay = max
	}
	half := delay / 2
	if half <= 0 {
		return delay
	}
	return half + time.Duration(rand.Int63n(int64(delay)))
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		d = time.Second
	}
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
