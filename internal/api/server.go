package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"study-notify/internal/config"
	"study-notify/internal/health"
	"study-notify/internal/models"
	"study-notify/internal/notify"
	"study-notify/internal/queue"
	"study-notify/internal/ratelimit"
	"study-notify/internal/store"
	"study-notify/internal/telemetry"
)

// Server wires the HTTP surface: job submission, job reads, the websocket
// push endpoint, and queue health.
type Server struct {
	cfg     config.Config
	store   *store.Store
	queue   *queue.RedisQueue
	limiter *ratelimit.TokenBucket
	hub     *notify.Hub
	emitter *notify.Emitter
	monitor *health.Monitor
	log     zerolog.Logger
}

// New constructs the API server.
func New(cfg config.Config, st *store.Store, q *queue.RedisQueue, limiter *ratelimit.TokenBucket,
	hub *notify.Hub, em *notify.Emitter, mon *health.Monitor, log zerolog.Logger) *Server {
	return &Server{
		cfg:     cfg,
		store:   st,
		queue:   q,
		limiter: limiter,
		hub:     hub,
		emitter: em,
		monitor: mon,
		log:     log.With().Str("component", "api").Logger(),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/jobs", s.handleEnqueue)
	r.Get("/jobs", s.handleListJobs)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Get("/ws", s.hub.ServeHTTP)
	r.Get("/health/queues", s.handleQueuesHealth)
	r.Get("/health/queues/{name}", s.handleQueueHealth)
	r.Post("/health/queues/{name}/reset", s.handleQueueReset)
	return r
}

type enqueueRequest struct {
	Payload map[string]any `json:"payload"`
	Delay   int            `json:"delay_seconds"`
}

type enqueueResponse struct {
	Job models.Job `json:"job"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	ownerID := ownerFromRequest(r)
	if ownerID == "" {
		http.Error(w, "X-Owner-ID header is required", http.StatusBadRequest)
		return
	}

	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Payload == nil {
		req.Payload = map[string]any{}
	}

	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), ownerID)
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	job := models.Job{
		ID:          uuid.NewString(),
		OwnerID:     ownerID,
		Payload:     req.Payload,
		MaxAttempts: s.cfg.MaxAttempts,
	}
	if err := s.store.CreateJob(r.Context(), job); err != nil {
		http.Error(w, "create job failed", http.StatusInternalServerError)
		return
	}

	runAt := time.Now()
	if req.Delay > 0 {
		runAt = runAt.Add(time.Duration(req.Delay) * time.Second)
	}
	if err := s.queue.Enqueue(r.Context(), job.ID, runAt); err != nil {
		msg := models.JobError{Message: "enqueue failed", Code: "enqueue_failed"}
		_ = s.store.MarkFailed(r.Context(), job.ID, msg)
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
		return
	}
	telemetry.EnqueueCounter.Inc()

	s.emitter.EmitQueued(r.Context(), job.ID, job.OwnerID)

	job.Status = models.StatusQueued
	job.Stage = "queued"
	writeJSON(w, http.StatusAccepted, enqueueResponse{Job: job})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		http.Error(w, "load job failed", http.StatusInternalServerError)
		return
	}
	if owner := ownerFromRequest(r); owner != "" && owner != job.OwnerID {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	// Internal statuses never cross this boundary.
	job.Status = job.Status.ClientFacing()
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	ownerID := ownerFromRequest(r)
	if ownerID == "" {
		http.Error(w, "X-Owner-ID header is required", http.StatusBadRequest)
		return
	}
	jobs, err := s.store.ListJobs(r.Context(), ownerID, 20)
	if err != nil {
		http.Error(w, "list jobs failed", http.StatusInternalServerError)
		return
	}
	for i := range jobs {
		jobs[i].Status = jobs[i].Status.ClientFacing()
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleQueuesHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"queues": s.monitor.Snapshots()})
}

func (s *Server) handleQueueHealth(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var counter health.LiveCounter
	if name == s.queue.Name() {
		counter = s.queue
	}
	stats, err := s.monitor.DetailedStats(r.Context(), name, counter)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleQueueReset(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if !s.monitor.Reset(name) {
		http.Error(w, "queue not registered", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func ownerFromRequest(r *http.Request) string {
	return r.Header.Get("X-Owner-ID")
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
