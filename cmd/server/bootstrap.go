package main

import (
	"github.com/huangang/mrsentry/internal/config"
	"github.com/huangang/mrsentry/internal/handlers"
	"github.com/huangang/mrsentry/internal/models"
	"github.com/huangang/mrsentry/internal/services"
	"github.com/huangang/mrsentry/pkg/logger"
)

// appServices holds all initialized services and handlers needed by the application.
type appServices struct {
	taskQueue      services.TaskQueue
	worker         *services.Worker
	sweeper        *services.Sweeper
	webhookHandler *handlers.WebhookHandler
	healthHandler  *handlers.HealthHandler
}

// bootstrap initializes all application dependencies: database, queue,
// worker, schedulers.
func bootstrap(cfg *config.Config) *appServices {
	if err := models.InitDB(&cfg.Database); err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	if err := models.AutoMigrate(); err != nil {
		logger.Fatalf("Failed to migrate database: %v", err)
	}
	db := models.GetDB()

	forge := services.NewForgeService(&cfg.Forge)
	llm := services.NewLLMService(&cfg.LLM)
	processor := services.NewReviewProcessor(db, forge, llm)

	// Redis-backed when reachable, in-process otherwise.
	taskQueue := services.InitTaskQueue(&cfg.Queue)
	if syncQueue, ok := taskQueue.(*services.SyncQueue); ok {
		syncQueue.SetProcessor(processor.ProcessReviewTask)
	}

	worker := services.InitWorker(&cfg.Queue, taskQueue)
	if worker != nil {
		worker.SetProcessor(processor.ProcessReviewTask)
		worker.Start()
	}

	sweeper := services.NewSweeper(db, taskQueue)
	if err := sweeper.Start(); err != nil {
		logger.Warn().Err(err).Msg("Failed to start sweeper")
	}

	return &appServices{
		taskQueue:      taskQueue,
		worker:         worker,
		sweeper:        sweeper,
		webhookHandler: handlers.NewWebhookHandler(db, &cfg.Forge, taskQueue),
		healthHandler:  handlers.NewHealthHandler(db),
	}
}

// shutdown gracefully stops all services.
func (s *appServices) shutdown() {
	if s.sweeper != nil {
		s.sweeper.Stop()
	}
	if s.worker != nil {
		s.worker.Stop()
	}
	if s.taskQueue != nil {
		s.taskQueue.Close()
	}
	logger.Info().Msg("All services stopped")
}
