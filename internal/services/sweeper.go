package services

import (
	"time"

	"github.com/robfig/cron/v3"

	"github.com/huangang/mrsentry/internal/models"
	"github.com/huangang/mrsentry/pkg/logger"
	"gorm.io/gorm"
)

const (
	// pendingStaleAfter: a PENDING review older than this lost its enqueue
	// (Redis outage, crash between commit and enqueue) and is re-queued.
	pendingStaleAfter = 10 * time.Minute

	// processingStaleAfter: a PROCESSING review older than this belongs to
	// a worker that died mid-job and is marked failed.
	processingStaleAfter = 30 * time.Minute
)

// Sweeper periodically repairs reviews stranded by crashes or queue outages.
type Sweeper struct {
	db    *gorm.DB
	queue TaskQueue
	cron  *cron.Cron
}

func NewSweeper(db *gorm.DB, queue TaskQueue) *Sweeper {
	return &Sweeper{
		db:    db,
		queue: queue,
		cron:  cron.New(),
	}
}

// Start schedules the sweep every five minutes.
func (s *Sweeper) Start() error {
	if _, err := s.cron.AddFunc("*/5 * * * *", s.sweep); err != nil {
		return err
	}
	s.cron.Start()
	logger.Infof("[Sweeper] Scheduled every 5 minutes")
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

func (s *Sweeper) sweep() {
	s.requeueStalePending()
	s.failStaleProcessing()
}

func (s *Sweeper) requeueStalePending() {
	cutoff := time.Now().Add(-pendingStaleAfter)

	var reviews []models.Review
	err := s.db.Preload("Project").
		Where("status = ? AND updated_at < ?", models.ReviewStatusPending, cutoff).
		Limit(100).
		Find(&reviews).Error
	if err != nil {
		logger.Errorf("[Sweeper] Query for stale pending reviews failed: %v", err)
		return
	}

	for i := range reviews {
		r := &reviews[i]
		if r.Project == nil {
			continue
		}
		task := &ReviewTask{
			ReviewID:        r.ID,
			ForgeProjectID:  r.Project.ForgeProjectID,
			MergeRequestIID: r.MergeRequestIID,
		}
		if err := s.queue.Enqueue(task); err != nil {
			logger.Errorf("[Sweeper] Re-enqueue failed for review %s: %v", r.ID, err)
			continue
		}
		// Touch the row so the next sweep does not enqueue it again
		// while the job waits in the queue.
		s.db.Model(r).Update("updated_at", time.Now())
		logger.Infof("[Sweeper] Re-enqueued stale pending review %s", r.ID)
	}
}

func (s *Sweeper) failStaleProcessing() {
	cutoff := time.Now().Add(-processingStaleAfter)

	result := s.db.Model(&models.Review{}).
		Where("status = ? AND updated_at < ?", models.ReviewStatusProcessing, cutoff).
		Updates(map[string]interface{}{
			"status":        models.ReviewStatusFailed,
			"error_message": "review abandoned mid-processing",
		})
	if result.Error != nil {
		logger.Errorf("[Sweeper] Failing stale processing reviews failed: %v", result.Error)
		return
	}
	if result.RowsAffected > 0 {
		logger.Warnf("[Sweeper] Marked %d abandoned reviews failed", result.RowsAffected)
	}
}
