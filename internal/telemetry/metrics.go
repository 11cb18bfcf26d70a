package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EnqueueCounter      = prometheus.NewCounter(prometheus.CounterOpts{Name: "notes_jobs_enqueued_total", Help: "Total enqueued jobs"})
	RateLimitRejects    = prometheus.NewCounter(prometheus.CounterOpts{Name: "notes_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
	JobsCompleted       = prometheus.NewCounter(prometheus.CounterOpts{Name: "notes_jobs_completed_total", Help: "Jobs completed successfully"})
	JobsFailed          = prometheus.NewCounter(prometheus.CounterOpts{Name: "notes_jobs_failed_total", Help: "Jobs that failed terminally"})
	JobsStalled         = prometheus.NewCounter(prometheus.CounterOpts{Name: "notes_jobs_stalled_total", Help: "Jobs reclaimed after a lease expired"})
	EventsPublished     = prometheus.NewCounter(prometheus.CounterOpts{Name: "notify_events_published_total", Help: "Job events published to the push channel"})
	EventsInvalid       = prometheus.NewCounter(prometheus.CounterOpts{Name: "notify_events_invalid_total", Help: "Events rejected by emit-time validation"})
	TerminalConflicts   = prometheus.NewCounter(prometheus.CounterOpts{Name: "notify_terminal_conflicts_total", Help: "Emits refused because the job was already terminal"})
	PersistFailures     = prometheus.NewCounter(prometheus.CounterOpts{Name: "notify_persist_failures_total", Help: "Fire-and-forget job store writes that failed"})
	PollTicks           = prometheus.NewCounter(prometheus.CounterOpts{Name: "notify_poll_ticks_total", Help: "Polling fallback store reads"})
	WebsocketSessions   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "notify_websocket_sessions", Help: "Connected websocket sessions"})
	QueueDepthGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "notes_queue_depth", Help: "Ready queue depth"})
	InFlightGauge       = prometheus.NewGauge(prometheus.GaugeOpts{Name: "notes_inflight", Help: "Jobs currently leased"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueueCounter,
			RateLimitRejects,
			JobsCompleted,
			JobsFailed,
			JobsStalled,
			EventsPublished,
			EventsInvalid,
			TerminalConflicts,
			PersistFailures,
			PollTicks,
			WebsocketSessions,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
