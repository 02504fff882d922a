package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/iconidentify/genqueue/internal/api"
	"github.com/iconidentify/genqueue/internal/api/handler"
	"github.com/iconidentify/genqueue/internal/config"
	"github.com/iconidentify/genqueue/internal/dispatch"
	"github.com/iconidentify/genqueue/internal/domain"
	"github.com/iconidentify/genqueue/internal/progress"
	"github.com/iconidentify/genqueue/internal/provider"
	"github.com/iconidentify/genqueue/internal/queue"
	"github.com/iconidentify/genqueue/internal/ratelimit"
	"github.com/iconidentify/genqueue/internal/scheduler"
	"github.com/iconidentify/genqueue/internal/store"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	// Parse flags
	configPath := flag.String("config", "", "Path to config file")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("genqueue %s (built %s)\n", Version, BuildTime)
		os.Exit(0)
	}

	// Setup logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	logger.Info("starting genqueue",
		"version", Version,
		"build_time", BuildTime,
	)

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Initialize the job store
	var jobStore store.JobStore
	switch cfg.Storage.Driver {
	case "memory":
		jobStore = store.NewMemoryStore(cfg.Storage.IdempotencyTTL)
	default:
		if err := os.MkdirAll(filepath.Dir(cfg.Storage.SQLitePath), 0o755); err != nil {
			logger.Error("failed to create data directory", "error", err)
			os.Exit(1)
		}
		s, err := store.NewSQLiteStore(cfg.Storage.SQLitePath, cfg.Storage.IdempotencyTTL)
		if err != nil {
			logger.Error("failed to open sqlite store", "error", err)
			os.Exit(1)
		}
		jobStore = s
	}
	defer jobStore.Close()

	// Initialize core components
	q := queue.NewManager(cfg.Queue)
	limiter := ratelimit.New(cfg.RateLimit)

	registry := provider.NewRegistry()
	registry.Register(provider.NewStub("veo", 2*time.Second))
	registry.Register(provider.NewStub("runway", 3*time.Second))

	bus := progress.NewBus(cfg.Events, jobStore, logger)
	sched := scheduler.New(jobStore, limiter.ProjectTokens, registry.SortedNames(), logger)

	// Recover queue state from the store after a restart
	if err := recoverQueue(context.Background(), jobStore, q, logger); err != nil {
		logger.Error("queue recovery failed", "error", err)
		os.Exit(1)
	}

	// Initialize handlers
	bulkJobHandler := handler.NewBulkJobHandler(jobStore, q, bus, sched, cfg.Server.MaxProcessingDeadline, logger)
	streamHandler := handler.NewStreamHandler(bus, logger)
	healthHandler := handler.NewHealthHandler(jobStore, q, limiter, sched)

	// Setup router
	router := api.NewRouter(bulkJobHandler, streamHandler, healthHandler, limiter, cfg.Server.APIKey)

	// Initialize and start the dispatch pool
	pool := dispatch.NewPool(cfg.Dispatch, q, limiter, jobStore, registry, bus, sched, logger)
	pool.Start()

	// Setup HTTP server
	srv := &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start server in goroutine
	go func() {
		logger.Info("starting HTTP server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Stop accepting new requests
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	// Stop workers (allow in-flight dispatches to complete)
	if err := pool.Stop(25 * time.Second); err != nil {
		logger.Error("dispatch pool shutdown error", "error", err)
	}

	logger.Info("shutdown complete")
}

// recoverQueue rebuilds the in-memory queue from the store after a
// restart. Jobs left in dispatched by a dead process go back to queued
// with a retry counted.
func recoverQueue(ctx context.Context, st store.JobStore, q *queue.Manager, logger *slog.Logger) error {
	bulks, err := st.ListBulkJobs(ctx, nil, 0, 0)
	if err != nil {
		return fmt.Errorf("list bulk jobs: %w", err)
	}

	recovered := 0
	for _, bulk := range bulks {
		if bulk.State.Terminal() {
			continue
		}
		if bulk.State == domain.BulkJobPaused || bulk.State == domain.BulkJobPausing {
			q.Pause(bulk.ID)
		}

		videos, err := st.ListVideoJobs(ctx, bulk.ID)
		if err != nil {
			return fmt.Errorf("list video jobs for %s: %w", bulk.ID, err)
		}
		for _, v := range videos {
			switch v.State {
			case domain.VideoJobQueued, domain.VideoJobRateLimited:
				q.Add(v)
				recovered++
			case domain.VideoJobDispatched, domain.VideoJobInProgress:
				// The claim died with the previous process.
				if _, err := st.TransitionVideoJob(ctx, v.ID, domain.VideoJobRetried, "orphaned claim requeued"); err != nil {
					logger.Error("orphan requeue failed", "video_job_id", v.ID, "error", err)
					continue
				}
				requeued, err := st.TransitionVideoJob(ctx, v.ID, domain.VideoJobQueued, "")
				if err != nil {
					logger.Error("orphan requeue failed", "video_job_id", v.ID, "error", err)
					continue
				}
				q.Add(requeued)
				recovered++
			}
		}
	}

	if recovered > 0 {
		logger.Info("recovered queue from store", "jobs", recovered)
	}
	return nil
}
