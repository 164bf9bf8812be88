package services

import (
	"context"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/huangang/mrsentry/internal/models"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&models.Project{}, &models.Developer{}, &models.Review{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

// recordingQueue captures enqueued tasks without Redis.
type recordingQueue struct {
	tasks []*ReviewTask
}

func (q *recordingQueue) Enqueue(task *ReviewTask) error {
	q.tasks = append(q.tasks, task)
	return nil
}
func (q *recordingQueue) IsAsync() bool { return false }
func (q *recordingQueue) Close() error  { return nil }

func sampleEvent() *MergeRequestEvent {
	return &MergeRequestEvent{
		ForgeProjectID:   101,
		ProjectName:      "payments",
		ProjectNamespace: "team/payments",
		AuthorForgeID:    7,
		AuthorUsername:   "mwong",
		AuthorName:       "M. Wong",
		AuthorEmail:      "mwong@example.com",
		MergeRequestID:   5001,
		MergeRequestIID:  42,
		Title:            "Add retry to payout worker",
		SourceBranch:     "feat/retry",
		TargetBranch:     "main",
	}
}

func TestHandleMergeRequest(t *testing.T) {
	t.Run("creates project, developer, review and enqueues", func(t *testing.T) {
		db := testDB(t)
		queue := &recordingQueue{}
		svc := NewWebhookService(db, queue, "hook-secret")

		result, err := svc.HandleMergeRequest(sampleEvent())
		if err != nil {
			t.Fatalf("HandleMergeRequest() error: %v", err)
		}
		if !result.Created {
			t.Error("expected Created = true on first delivery")
		}
		if result.Review.Status != models.ReviewStatusPending {
			t.Errorf("status = %q, want PENDING", result.Review.Status)
		}
		if result.Review.ID == "" {
			t.Error("review id should be assigned")
		}
		if result.Review.ReviewContent != "{}" {
			t.Errorf("review content = %q, want empty document seed", result.Review.ReviewContent)
		}

		var project models.Project
		if err := db.First(&project, "forge_project_id = ?", 101).Error; err != nil {
			t.Fatalf("project not persisted: %v", err)
		}
		if project.WebhookSecret != "hook-secret" {
			t.Errorf("project secret = %q, want the configured one", project.WebhookSecret)
		}
		var developer models.Developer
		if err := db.First(&developer, "username = ?", "mwong").Error; err != nil {
			t.Fatalf("developer not persisted: %v", err)
		}

		if len(queue.tasks) != 1 {
			t.Fatalf("enqueued %d tasks, want 1", len(queue.tasks))
		}
		task := queue.tasks[0]
		if task.ReviewID != result.Review.ID || task.ForgeProjectID != 101 || task.MergeRequestIID != 42 {
			t.Errorf("task = %+v", task)
		}
	})

	t.Run("redelivery short-circuits without a second enqueue", func(t *testing.T) {
		db := testDB(t)
		queue := &recordingQueue{}
		svc := NewWebhookService(db, queue, "hook-secret")

		first, err := svc.HandleMergeRequest(sampleEvent())
		if err != nil {
			t.Fatalf("first delivery: %v", err)
		}
		second, err := svc.HandleMergeRequest(sampleEvent())
		if err != nil {
			t.Fatalf("second delivery: %v", err)
		}

		if second.Created {
			t.Error("redelivery should not create a new review")
		}
		if second.Review.ID != first.Review.ID {
			t.Errorf("redelivery returned review %s, want %s", second.Review.ID, first.Review.ID)
		}
		if len(queue.tasks) != 1 {
			t.Errorf("enqueued %d tasks, want 1", len(queue.tasks))
		}

		var count int64
		db.Model(&models.Review{}).Count(&count)
		if count != 1 {
			t.Errorf("review rows = %d, want 1", count)
		}
	})

	t.Run("same project different merge request gets its own review", func(t *testing.T) {
		db := testDB(t)
		queue := &recordingQueue{}
		svc := NewWebhookService(db, queue, "hook-secret")

		if _, err := svc.HandleMergeRequest(sampleEvent()); err != nil {
			t.Fatal(err)
		}
		other := sampleEvent()
		other.MergeRequestID = 5002
		other.MergeRequestIID = 43
		if _, err := svc.HandleMergeRequest(other); err != nil {
			t.Fatal(err)
		}

		var reviews, projects int64
		db.Model(&models.Review{}).Count(&reviews)
		db.Model(&models.Project{}).Count(&projects)
		if reviews != 2 {
			t.Errorf("review rows = %d, want 2", reviews)
		}
		if projects != 1 {
			t.Errorf("project rows = %d, want 1", projects)
		}
	})

	t.Run("developer profile refreshes on later events", func(t *testing.T) {
		db := testDB(t)
		svc := NewWebhookService(db, &recordingQueue{}, "hook-secret")

		if _, err := svc.HandleMergeRequest(sampleEvent()); err != nil {
			t.Fatal(err)
		}
		updated := sampleEvent()
		updated.MergeRequestID = 5002
		updated.AuthorName = "Mai Wong"
		updated.AuthorEmail = "mai@example.com"
		if _, err := svc.HandleMergeRequest(updated); err != nil {
			t.Fatal(err)
		}

		var developer models.Developer
		if err := db.First(&developer, "username = ?", "mwong").Error; err != nil {
			t.Fatal(err)
		}
		if developer.Name != "Mai Wong" || developer.Email != "mai@example.com" {
			t.Errorf("developer not refreshed: %+v", developer)
		}

		var count int64
		db.Model(&models.Developer{}).Count(&count)
		if count != 1 {
			t.Errorf("developer rows = %d, want 1", count)
		}
	})
}

// failingQueue simulates a Redis outage at enqueue time.
type failingQueue struct{}

func (failingQueue) Enqueue(*ReviewTask) error { return context.DeadlineExceeded }
func (failingQueue) IsAsync() bool             { return true }
func (failingQueue) Close() error              { return nil }

func TestHandleMergeRequestEnqueueFailure(t *testing.T) {
	db := testDB(t)
	svc := NewWebhookService(db, failingQueue{}, "hook-secret")

	result, err := svc.HandleMergeRequest(sampleEvent())
	if err != nil {
		t.Fatalf("enqueue failure must not fail intake: %v", err)
	}
	if result.Review.Status != models.ReviewStatusPending {
		t.Errorf("status = %q, want PENDING for the sweeper to find", result.Review.Status)
	}
}
