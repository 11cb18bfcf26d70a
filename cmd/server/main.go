package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"study-notify/internal/api"
	"study-notify/internal/config"
	"study-notify/internal/health"
	"study-notify/internal/logger"
	"study-notify/internal/notify"
	"study-notify/internal/queue"
	"study-notify/internal/ratelimit"
	"study-notify/internal/store"
	"study-notify/internal/worker"
)

// The emitter and the websocket hub must share a process: events published
// by workers reach connected sessions in memory, so the server runs the
// HTTP surface and the worker pool together.
func main() {
	cfg := config.Load()
	log := logger.Setup(cfg.Env == "dev")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		log.Info().Msg("shutdown signal received")
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("connect postgres")
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatal().Err(err).Msg("run migrations")
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	q := queue.NewRedisQueueWithClient(redisClient, cfg.QueueName, cfg.VisibilityTimeout)

	monitor := health.NewMonitor(cfg.StaleThreshold, cfg.FailureRatio, log)
	monitor.Register(q.Name())
	q.SubscribeLifecycle(monitor)

	hub := notify.NewHub(log)
	emitter := notify.NewEmitter(hub, st, log)

	limiter := ratelimit.NewTokenBucket(redisClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	notesHandler, err := worker.NewNotesHandler(ctx, cfg, nil)
	if err != nil {
		log.Fatal().Err(err).Msg("init notes handler")
	}

	workerID, _ := os.Hostname()
	if workerID == "" {
		workerID = fmt.Sprintf("worker-%d", os.Getpid())
	}
	processor := worker.NewProcessor(cfg, q, st, emitter, notesHandler.Handle, workerID, log)
	go func() {
		if err := processor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("worker pool stopped")
		}
	}()

	go monitor.Run(ctx, cfg.HealthCheckInterval, q)

	srv := api.New(cfg, st, q, limiter, hub, emitter, monitor, log)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: srv.Router(),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	log.Info().
		Str("port", cfg.HTTPPort).
		Str("queue", cfg.QueueName).
		Dur("visibility", cfg.VisibilityTimeout).
		Int("workers", cfg.WorkerCount).
		Msg("server started")

	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("http server")
	}
	log.Info().Msg("server stopped")
}
