package services

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestTaskTypeReview_Constant(t *testing.T) {
	if TaskTypeReview != "process-review" {
		t.Errorf("TaskTypeReview = %q, expected %q", TaskTypeReview, "process-review")
	}
	if QueueName != "review-queue" {
		t.Errorf("QueueName = %q, expected %q", QueueName, "review-queue")
	}
}

func TestSyncQueue_IsAsync(t *testing.T) {
	queue := NewSyncQueue()
	if queue.IsAsync() {
		t.Error("SyncQueue.IsAsync() should return false")
	}
}

func TestSyncQueue_Close(t *testing.T) {
	queue := NewSyncQueue()
	if err := queue.Close(); err != nil {
		t.Errorf("SyncQueue.Close() should return nil, got %v", err)
	}
}

func TestSyncQueue_EnqueueWithoutProcessor(t *testing.T) {
	queue := NewSyncQueue()
	task := &ReviewTask{ReviewID: "r1", ForgeProjectID: 1, MergeRequestIID: 2}

	if err := queue.Enqueue(task); err != nil {
		t.Errorf("Enqueue without processor should not error, got %v", err)
	}
}

func TestSyncQueue_EnqueueRunsProcessor(t *testing.T) {
	queue := NewSyncQueue()

	var mu sync.Mutex
	var got *ReviewTask
	done := make(chan struct{})

	queue.SetProcessor(func(ctx context.Context, task *ReviewTask) error {
		mu.Lock()
		got = task
		mu.Unlock()
		close(done)
		return nil
	})

	task := &ReviewTask{ReviewID: "r2", ForgeProjectID: 7, MergeRequestIID: 3}
	if err := queue.Enqueue(task); err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("processor was not invoked")
	}

	mu.Lock()
	defer mu.Unlock()
	if got.ReviewID != "r2" || got.ForgeProjectID != 7 {
		t.Errorf("processor received %+v", got)
	}
}

func TestAsyncQueue_IsAsync(t *testing.T) {
	queue := &AsyncQueue{}
	if !queue.IsAsync() {
		t.Error("AsyncQueue.IsAsync() should return true")
	}
}
