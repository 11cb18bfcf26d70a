package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"study-notify/internal/queue"
	"study-notify/internal/telemetry"
)

// Status classifies a queue's condition.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Metrics is one queue's health snapshot.
type Metrics struct {
	Queue            string    `json:"queue"`
	Processed        int64     `json:"processed"`
	Failed           int64     `json:"failed"`
	Stalled          int64     `json:"stalled"`
	FailureRatio     float64   `json:"failureRatio"`
	AvgProcessingMs  float64   `json:"avgProcessingMs"`
	MinProcessingMs  float64   `json:"minProcessingMs"`
	MaxProcessingMs  float64   `json:"maxProcessingMs"`
	ThroughputPerMin float64   `json:"throughputPerMinute"`
	LastUpdated      time.Time `json:"lastUpdated"`
	Status           Status    `json:"status"`
}

// DetailedStats is a snapshot enriched with live queue counts and operator
// recommendations.
type DetailedStats struct {
	Metrics
	Waiting         int64    `json:"waiting"`
	Active          int64    `json:"active"`
	Delayed         int64    `json:"delayed"`
	Recommendations []string `json:"recommendations,omitempty"`
}

// LiveCounter is the queue surface the monitor polls for depth gauges and
// detailed stats.
type LiveCounter interface {
	CountsSnapshot(ctx context.Context) (queue.Counts, error)
}

type queueState struct {
	processed     int64
	failed        int64
	stalled       int64
	totalDuration time.Duration
	minDuration   time.Duration
	maxDuration   time.Duration
	lastUpdated   time.Time
	since         time.Time
	stalledFlag   bool
}

// Monitor aggregates per-queue lifecycle signals into health classifications.
// It implements queue.LifecycleListener, so subscribing it to a queue is the
// only wiring it needs.
type Monitor struct {
	staleThreshold time.Duration
	failureRatio   float64
	log            zerolog.Logger
	now            func() time.Time

	mu     sync.Mutex
	queues map[string]*queueState
}

// NewMonitor builds a monitor. staleThreshold is how long a queue may go
// without any signal before it is unhealthy; failureRatio is the exclusive
// bound above which it is degraded.
func NewMonitor(staleThreshold time.Duration, failureRatio float64, log zerolog.Logger) *Monitor {
	if staleThreshold <= 0 {
		staleThreshold = 5 * time.Minute
	}
	if failureRatio <= 0 {
		failureRatio = 0.2
	}
	return &Monitor{
		staleThreshold: staleThreshold,
		failureRatio:   failureRatio,
		log:            log.With().Str("component", "health").Logger(),
		now:            time.Now,
		queues:         make(map[string]*queueState),
	}
}

// Register makes the queue known before any signal arrives. Registration
// counts as an update, so a freshly registered idle queue is healthy until
// the stale threshold passes.
func (m *Monitor) Register(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.queues[name]; ok {
		return
	}
	now := m.now()
	m.queues[name] = &queueState{lastUpdated: now, since: now}
}

func (m *Monitor) state(name string) *queueState {
	st, ok := m.queues[name]
	if !ok {
		now := m.now()
		st = &queueState{lastUpdated: now, since: now}
		m.queues[name] = st
	}
	return st
}

// OnCompleted records a successful job. Sustained successes also clear a
// prior stalled flag since the workers are demonstrably alive again.
func (m *Monitor) OnCompleted(queueName, jobID string, duration time.Duration) {
	m.mu.Lock()
	st := m.state(queueName)
	st.processed++
	st.totalDuration += duration
	if st.processed == 1 || duration < st.minDuration {
		st.minDuration = duration
	}
	if duration > st.maxDuration {
		st.maxDuration = duration
	}
	st.lastUpdated = m.now()
	st.stalledFlag = false
	m.mu.Unlock()
	telemetry.JobsCompleted.Inc()
}

// OnFailed records a terminally failed job.
func (m *Monitor) OnFailed(queueName, jobID, reason string) {
	m.mu.Lock()
	st := m.state(queueName)
	st.failed++
	st.lastUpdated = m.now()
	m.mu.Unlock()
	telemetry.JobsFailed.Inc()
	m.log.Warn().Str("queue", queueName).Str("job_id", jobID).Str("reason", reason).Msg("job failed")
}

// OnStalled records a reclaimed lease. A stalled job degrades the queue
// immediately rather than waiting for the failure ratio to move.
func (m *Monitor) OnStalled(queueName, jobID string) {
	m.mu.Lock()
	st := m.state(queueName)
	st.stalled++
	st.lastUpdated = m.now()
	st.stalledFlag = true
	m.mu.Unlock()
	telemetry.JobsStalled.Inc()
	m.log.Warn().Str("queue", queueName).Str("job_id", jobID).Msg("job lease expired, requeued")
}

func (m *Monitor) classify(st *queueState) Status {
	if m.now().Sub(st.lastUpdated) > m.staleThreshold {
		return StatusUnhealthy
	}
	if st.stalledFlag {
		return StatusDegraded
	}
	total := st.processed + st.failed
	if total > 0 && float64(st.failed)/float64(total) > m.failureRatio {
		return StatusDegraded
	}
	return StatusHealthy
}

func (m *Monitor) snapshotLocked(name string, st *queueState) Metrics {
	met := Metrics{
		Queue:       name,
		Processed:   st.processed,
		Failed:      st.failed,
		Stalled:     st.stalled,
		LastUpdated: st.lastUpdated,
		Status:      m.classify(st),
	}
	if total := st.processed + st.failed; total > 0 {
		met.FailureRatio = float64(st.failed) / float64(total)
	}
	if st.processed > 0 {
		met.AvgProcessingMs = float64(st.totalDuration.Milliseconds()) / float64(st.processed)
		met.MinProcessingMs = float64(st.minDuration.Milliseconds())
		met.MaxProcessingMs = float64(st.maxDuration.Milliseconds())
	}
	minutes := m.now().Sub(st.since).Minutes()
	if minutes < 1 {
		minutes = 1
	}
	met.ThroughputPerMin = float64(st.processed) / minutes
	return met
}

// Snapshot returns the current metrics for one queue.
func (m *Monitor) Snapshot(name string) (Metrics, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.queues[name]
	if !ok {
		return Metrics{}, false
	}
	return m.snapshotLocked(name, st), true
}

// Snapshots returns metrics for every known queue.
func (m *Monitor) Snapshots() []Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Metrics, 0, len(m.queues))
	for name, st := range m.queues {
		out = append(out, m.snapshotLocked(name, st))
	}
	return out
}

// Reset discards accumulated counters for the queue, keeping it registered.
// Only an explicit operator call gets here; nothing resets automatically.
// Returns false when the queue is unknown.
func (m *Monitor) Reset(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.queues[name]; !ok {
		return false
	}
	now := m.now()
	m.queues[name] = &queueState{lastUpdated: now, since: now}
	m.log.Info().Str("queue", name).Msg("metrics reset by operator")
	return true
}

// DetailedStats combines the health snapshot with live queue counts and
// derives operator recommendations.
func (m *Monitor) DetailedStats(ctx context.Context, name string, counter LiveCounter) (DetailedStats, error) {
	met, ok := m.Snapshot(name)
	if !ok {
		return DetailedStats{}, fmt.Errorf("queue %q is not registered", name)
	}
	stats := DetailedStats{Metrics: met}

	if counter != nil {
		counts, err := counter.CountsSnapshot(ctx)
		if err != nil {
			return DetailedStats{}, fmt.Errorf("live counts: %w", err)
		}
		stats.Waiting = counts.Waiting
		stats.Active = counts.Active
		stats.Delayed = counts.Delayed
	}

	if met.Status == StatusUnhealthy {
		stats.Recommendations = append(stats.Recommendations,
			"no worker activity within the stale threshold, check worker processes and queue connectivity")
	}
	if met.FailureRatio > m.failureRatio {
		stats.Recommendations = append(stats.Recommendations,
			fmt.Sprintf("failure ratio %.2f exceeds %.2f, inspect recent job errors", met.FailureRatio, m.failureRatio))
	}
	if met.Stalled > 0 {
		stats.Recommendations = append(stats.Recommendations,
			"stalled jobs detected, verify worker liveness and visibility timeout sizing")
	}
	if stats.Waiting > 100 && met.ThroughputPerMin < float64(stats.Waiting)/10 {
		stats.Recommendations = append(stats.Recommendations,
			"backlog growing faster than throughput, consider adding workers")
	}
	return stats, nil
}

// Run periodically logs health and refreshes queue depth gauges until the
// context is cancelled.
func (m *Monitor) Run(ctx context.Context, interval time.Duration, counter LiveCounter) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.runHealthCheck(ctx, counter)
		}
	}
}

func (m *Monitor) runHealthCheck(ctx context.Context, counter LiveCounter) {
	if counter != nil {
		counts, err := counter.CountsSnapshot(ctx)
		if err != nil {
			m.log.Warn().Err(err).Msg("queue counts unavailable")
		} else {
			telemetry.QueueDepthGauge.Set(float64(counts.Waiting))
			telemetry.InFlightGauge.Set(float64(counts.Active))
		}
	}

	for _, met := range m.Snapshots() {
		ev := m.log.Info()
		if met.Status != StatusHealthy {
			ev = m.log.Warn()
		}
		ev.Str("queue", met.Queue).
			Str("status", string(met.Status)).
			Int64("processed", met.Processed).
			Int64("failed", met.Failed).
			Int64("stalled", met.Stalled).
			Float64("failure_ratio", met.FailureRatio).
			Float64("throughput_per_min", met.ThroughputPerMin).
			Msg("queue health")
	}
}
