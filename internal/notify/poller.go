package notify

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"study-notify/internal/models"
	"study-notify/internal/telemetry"
)

// JobReader is the narrow job store surface the polling fallback needs.
type JobReader interface {
	GetJob(ctx context.Context, jobID string) (models.Job, error)
}

// sustainedFailureThreshold is the number of consecutive failed ticks after
// which the poller escalates its log level. It never stops itself on store
// errors; the next tick always retries.
const sustainedFailureThreshold = 10

// Poller is the polling fallback controller. While the push transport is
// down it reads the job store on a fixed interval and synthesizes the same
// JobEvents the push path would have delivered, stopping itself once it
// observes a terminal state.
type Poller struct {
	store    JobReader
	interval time.Duration
	onEvent  func(models.JobEvent)
	log      zerolog.Logger

	mu         sync.Mutex
	running    bool
	jobID      string
	session    uint64
	cancel     context.CancelFunc
	reported   bool
	failStreak int
	lastStatus models.JobStatus
	lastStage  string
	lastProg   int
	seen       bool
}

// NewPoller builds a poller; onEvent receives every synthesized event.
func NewPoller(store JobReader, interval time.Duration, onEvent func(models.JobEvent), log zerolog.Logger) *Poller {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	return &Poller{
		store:    store,
		interval: interval,
		onEvent:  onEvent,
		log:      log.With().Str("component", "poller").Logger(),
	}
}

// Start begins polling for the job. Starting while already running for the
// same job is a no-op; a different job restarts the loop.
func (p *Poller) Start(jobID string) {
	p.mu.Lock()
	if p.running && p.jobID == jobID {
		p.mu.Unlock()
		return
	}
	if p.running && p.cancel != nil {
		p.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.running = true
	p.jobID = jobID
	p.session++
	sess := p.session
	p.cancel = cancel
	p.reported = false
	p.failStreak = 0
	p.seen = false
	p.mu.Unlock()

	go p.loop(ctx, jobID, sess)
}

// Stop halts polling. Stopping while not running is a no-op, and it is safe
// to call concurrently with an in-flight tick.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.session++
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// Running reports whether a polling loop is active.
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// JobID returns the job currently being polled, if any.
func (p *Poller) JobID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return ""
	}
	return p.jobID
}

func (p *Poller) loop(ctx context.Context, jobID string, sess uint64) {
	// First read happens immediately: the user must keep seeing progress
	// from the moment the transport is known to be down.
	p.tick(ctx, jobID, sess)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx, jobID, sess)
		}
	}
}

// tick belongs to one poll session. A store read that was in flight across a
// Start or Stop must not touch the new session's state or report anything,
// so every mutation re-checks the session under the lock.
func (p *Poller) tick(ctx context.Context, jobID string, sess uint64) {
	telemetry.PollTicks.Inc()

	rctx, cancel := context.WithTimeout(ctx, p.interval)
	job, err := p.store.GetJob(rctx, jobID)
	cancel()

	if err != nil {
		if ctx.Err() != nil {
			return
		}
		p.mu.Lock()
		if sess != p.session {
			p.mu.Unlock()
			return
		}
		p.failStreak++
		streak := p.failStreak
		p.mu.Unlock()

		// Transient read failures are ignored for this tick; only a
		// sustained streak is worth shouting about.
		if streak == sustainedFailureThreshold {
			p.log.Error().Err(err).Str("job_id", jobID).Int("consecutive_failures", streak).
				Msg("job store unreachable for sustained period")
		} else {
			p.log.Warn().Err(err).Str("job_id", jobID).Msg("poll tick failed, will retry")
		}
		return
	}

	p.mu.Lock()
	if sess != p.session {
		p.mu.Unlock()
		return
	}
	p.failStreak = 0
	if job.Status == models.StatusStalled {
		// Stalled is queue-internal and transient; wait for recovery.
		p.mu.Unlock()
		return
	}
	unchanged := p.seen && job.Status == p.lastStatus && job.Stage == p.lastStage && job.Progress == p.lastProg
	p.seen = true
	p.lastStatus = job.Status
	p.lastStage = job.Stage
	p.lastProg = job.Progress
	p.mu.Unlock()

	if unchanged {
		return
	}

	ev := SynthesizeFromJob(job)
	if !ev.Terminal() {
		p.onEvent(ev)
		return
	}

	// Terminal detection must be exactly-once even if another tick is
	// already in flight when we stop.
	p.mu.Lock()
	if sess != p.session || p.reported {
		p.mu.Unlock()
		return
	}
	p.reported = true
	p.running = false
	p.session++
	cancel2 := p.cancel
	p.cancel = nil
	p.mu.Unlock()

	if cancel2 != nil {
		cancel2()
	}
	p.onEvent(ev)
}
