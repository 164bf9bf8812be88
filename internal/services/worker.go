package services

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"github.com/huangang/mrsentry/internal/config"
	"github.com/huangang/mrsentry/internal/models"
	"github.com/huangang/mrsentry/pkg/logger"
)

const (
	// jobLockTimeout bounds a single processing attempt; a worker that
	// stalls longer releases the job back to the queue.
	jobLockTimeout = 30 * time.Second

	retryBackoffStep = 50 * time.Millisecond
	retryBackoffCap  = 2 * time.Second
)

// Worker consumes review tasks from the queue.
type Worker struct {
	server    *asynq.Server
	mux       *asynq.ServeMux
	processor func(context.Context, *ReviewTask) error
	wg        sync.WaitGroup
	running   bool
	mu        sync.Mutex
}

// NewWorker creates a worker bound to the review queue. Returns nil when the
// queue runs in sync mode.
func NewWorker(cfg *config.QueueConfig, queue TaskQueue) *Worker {
	if queue == nil || !queue.IsAsync() {
		return nil
	}

	server := asynq.NewServer(
		redisOpt(cfg),
		asynq.Config{
			Concurrency: 10,
			Queues: map[string]int{
				QueueName: 1,
			},
			RetryDelayFunc: func(n int, err error, task *asynq.Task) time.Duration {
				// Linear backoff: attempt number times the step, capped.
				d := time.Duration(n+1) * retryBackoffStep
				if d > retryBackoffCap {
					d = retryBackoffCap
				}
				return d
			},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				logger.Errorf("[Worker] Error processing task %s: %v", task.Type(), err)
			}),
		},
	)

	return &Worker{
		server: server,
		mux:    asynq.NewServeMux(),
	}
}

// SetProcessor sets the function to process review tasks.
func (w *Worker) SetProcessor(processor func(context.Context, *ReviewTask) error) {
	w.processor = processor
}

// Start begins processing tasks.
func (w *Worker) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return nil
	}

	w.mux.HandleFunc(TaskTypeReview, w.handleReviewTask)

	w.running = true
	w.wg.Add(1)

	go func() {
		defer w.wg.Done()
		logger.Infof("[Worker] Starting async worker...")
		if err := w.server.Run(w.mux); err != nil {
			logger.Errorf("[Worker] Server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the worker.
func (w *Worker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return
	}

	logger.Infof("[Worker] Shutting down...")
	w.server.Shutdown()
	w.running = false
	w.wg.Wait()
	logger.Infof("[Worker] Shutdown complete")
}

// handleReviewTask processes one delivery of a review task. Returning an
// error re-queues the task until the retry budget runs out; the final
// failure is recorded on the review row.
func (w *Worker) handleReviewTask(ctx context.Context, t *asynq.Task) error {
	var task ReviewTask
	if err := json.Unmarshal(t.Payload(), &task); err != nil {
		logger.Errorf("[Worker] Failed to unmarshal task: %v", err)
		return err
	}

	logger.Infof("[Worker] Processing review %s (project=%d, mr=%d)",
		task.ReviewID, task.ForgeProjectID, task.MergeRequestIID)

	if w.processor == nil {
		logger.Warnf("[Worker] No processor set")
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, jobLockTimeout)
	defer cancel()

	err := w.processor(ctx, &task)
	if err != nil && isFinalAttempt(ctx) {
		markReviewFailed(task.ReviewID, err)
	}
	return err
}

// isFinalAttempt reports whether this delivery has exhausted the retry
// budget.
func isFinalAttempt(ctx context.Context) bool {
	retried, ok := asynq.GetRetryCount(ctx)
	if !ok {
		return false
	}
	maxRetry, ok := asynq.GetMaxRetry(ctx)
	if !ok {
		return false
	}
	return retried >= maxRetry
}

func markReviewFailed(reviewID string, cause error) {
	db := models.GetDB()
	if db == nil {
		return
	}
	result := db.Model(&models.Review{}).
		Where("id = ?", reviewID).
		Updates(map[string]interface{}{
			"status":        models.ReviewStatusFailed,
			"error_message": cause.Error(),
		})
	if result.Error != nil {
		logger.Errorf("[Worker] Could not mark review %s failed: %v", reviewID, result.Error)
	}
}

var (
	globalWorker *Worker
	workerOnce   sync.Once
)

// InitWorker initializes the global worker.
func InitWorker(cfg *config.QueueConfig, queue TaskQueue) *Worker {
	workerOnce.Do(func() {
		globalWorker = NewWorker(cfg, queue)
	})
	return globalWorker
}

// GetWorker returns the global worker instance.
func GetWorker() *Worker {
	return globalWorker
}
