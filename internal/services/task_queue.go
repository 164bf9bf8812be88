package services

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"sync"

	"github.com/hibiken/asynq"
	"github.com/huangang/mrsentry/internal/config"
	"github.com/huangang/mrsentry/pkg/logger"
)

const (
	// QueueName is the single asynq queue all review jobs flow through.
	QueueName = "review-queue"

	// TaskTypeReview identifies review-processing tasks on that queue.
	TaskTypeReview = "process-review"

	// taskMaxRetry is the per-task retry budget after the first attempt.
	taskMaxRetry = 3
)

// ReviewTask is the durable job payload. It carries identifiers only; the
// processor re-reads everything else from the database and the forge so a
// redelivered job always sees fresh state.
type ReviewTask struct {
	ReviewID        string `json:"reviewId"`
	ForgeProjectID  int    `json:"projectId"`
	MergeRequestIID int    `json:"mergeRequestIid"`
}

// TaskQueue abstracts how review jobs reach the processor.
type TaskQueue interface {
	// Enqueue adds a task to the queue
	Enqueue(task *ReviewTask) error
	// IsAsync returns true if queue processes tasks asynchronously
	IsAsync() bool
	// Close gracefully shuts down the queue
	Close() error
}

var (
	globalTaskQueue TaskQueue
	taskQueueOnce   sync.Once
)

// InitTaskQueue initializes the global task queue. When Redis is unreachable
// the service degrades to in-process handling rather than refusing webhooks.
func InitTaskQueue(cfg *config.QueueConfig) TaskQueue {
	taskQueueOnce.Do(func() {
		queue, err := NewAsyncQueue(cfg)
		if err != nil {
			logger.Warnf("[TaskQueue] Redis unavailable, falling back to sync mode: %v", err)
			globalTaskQueue = NewSyncQueue()
		} else {
			logger.Infof("[TaskQueue] Async queue initialized with Redis at %s", cfg.Addr())
			globalTaskQueue = queue
		}
	})
	return globalTaskQueue
}

// GetTaskQueue returns the global task queue instance.
func GetTaskQueue() TaskQueue {
	return globalTaskQueue
}

func redisOpt(cfg *config.QueueConfig) asynq.RedisClientOpt {
	opt := asynq.RedisClientOpt{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	if cfg.TLS {
		opt.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return opt
}

// AsyncQueue implements TaskQueue on asynq (Redis-backed, at-least-once).
type AsyncQueue struct {
	client *asynq.Client
}

// NewAsyncQueue creates a Redis-backed queue, verifying the connection first.
func NewAsyncQueue(cfg *config.QueueConfig) (*AsyncQueue, error) {
	opt := redisOpt(cfg)
	client := asynq.NewClient(opt)

	inspector := asynq.NewInspector(opt)
	defer inspector.Close()
	if _, err := inspector.Queues(); err != nil {
		client.Close()
		return nil, err
	}

	return &AsyncQueue{client: client}, nil
}

// Enqueue adds a review task to the queue.
func (q *AsyncQueue) Enqueue(task *ReviewTask) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return err
	}

	t := asynq.NewTask(TaskTypeReview, payload)
	info, err := q.client.Enqueue(t,
		asynq.Queue(QueueName),
		asynq.MaxRetry(taskMaxRetry),
	)
	if err != nil {
		return err
	}

	logger.Infof("[AsyncQueue] Task enqueued: id=%s, review=%s", info.ID, task.ReviewID)
	return nil
}

// IsAsync returns true for async queue.
func (q *AsyncQueue) IsAsync() bool {
	return true
}

// Close closes the async queue client.
func (q *AsyncQueue) Close() error {
	return q.client.Close()
}

// SyncQueue implements TaskQueue without Redis: tasks run in-process.
type SyncQueue struct {
	processor func(context.Context, *ReviewTask) error
}

// NewSyncQueue creates a new synchronous queue.
func NewSyncQueue() *SyncQueue {
	return &SyncQueue{}
}

// SetProcessor sets the function that handles tasks.
func (q *SyncQueue) SetProcessor(processor func(context.Context, *ReviewTask) error) {
	q.processor = processor
}

// Enqueue runs the task in a goroutine so the webhook response is not
// blocked. No retry in this mode; a crash loses the task.
func (q *SyncQueue) Enqueue(task *ReviewTask) error {
	if q.processor == nil {
		logger.Warnf("[SyncQueue] No processor set, task for review %s dropped", task.ReviewID)
		return nil
	}

	go func() {
		if err := q.processor(context.Background(), task); err != nil {
			logger.Errorf("[SyncQueue] Task processing failed for review %s: %v", task.ReviewID, err)
		}
	}()

	return nil
}

// IsAsync returns false for sync queue.
func (q *SyncQueue) IsAsync() bool {
	return false
}

// Close is a no-op for sync queue.
func (q *SyncQueue) Close() error {
	return nil
}
