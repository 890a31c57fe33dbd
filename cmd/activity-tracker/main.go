package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq"

	"activity-tracker/internal/app"
	"activity-tracker/internal/bitbucket"
	"activity-tracker/internal/cache"
	"activity-tracker/internal/config"
	"activity-tracker/internal/database"
	"activity-tracker/internal/jobs"
	"activity-tracker/internal/queue"
	"activity-tracker/internal/service"
	"activity-tracker/internal/worker"

	"github.com/rs/zerolog"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to config file")
	flag.Parse()

	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Error loading config: %v", err)
	}

	store, err := database.New(cfg.GetDSN())
	if err != nil {
		log.Fatalf("Error connecting to database: %v", err)
	}
	defer store.Close()

	client, err := bitbucket.NewClient(cfg.Bitbucket.BaseURL, cfg.Bitbucket.Username, cfg.Bitbucket.AppPassword)
	if err != nil {
		log.Fatalf("Error creating remote client: %v", err)
	}

	jobQueue, err := queue.NewPostgresQueue(store.DB())
	if err != nil {
		log.Fatalf("Error creating job queue: %v", err)
	}

	tracker := jobs.NewTracker(cfg.Cache.JobTTL)
	responseCache := cache.NewResponseCache(cfg.Cache.ActivityTTL)

	svcLogger := logger.With().Str("component", "service").Logger()
	svc := service.New(client, store, tracker, jobQueue, responseCache, cfg, svcLogger)

	application, err := app.New(cfg, logger, svc)
	if err != nil {
		log.Fatalf("Error creating application: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	workerLogger := logger.With().Str("component", "worker").Logger()
	for i := 0; i < cfg.Refresh.Workers; i++ {
		jobWorker := worker.NewJobWorker(jobQueue, svc, tracker, workerLogger)
		go func() {
			if err := jobWorker.Start(ctx); err != nil {
				logger.Error().Err(err).Msg("Job worker error")
			}
		}()
	}

	if err := application.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("Application error")
		os.Exit(1)
	}
}
