package services

import (
	"errors"

	"github.com/huangang/mrsentry/internal/models"
	"github.com/huangang/mrsentry/pkg/logger"
	"gorm.io/gorm"
)

// MergeRequestEvent is the validated, size-capped payload the handler passes
// down after parsing a forge webhook.
type MergeRequestEvent struct {
	ForgeProjectID   int
	ProjectName      string
	ProjectNamespace string

	AuthorForgeID   int
	AuthorUsername  string
	AuthorName      string
	AuthorEmail     string
	AuthorAvatarURL string

	MergeRequestID  int
	MergeRequestIID int
	Title           string
	Description     string
	SourceURL       string
	SourceBranch    string
	TargetBranch    string
}

// IntakeResult reports what intake did with an event.
type IntakeResult struct {
	Review  *models.Review
	Created bool // false when the review already existed
}

// WebhookService turns merge-request events into persisted reviews and queue
// jobs.
type WebhookService struct {
	db     *gorm.DB
	queue  TaskQueue
	secret string
}

func NewWebhookService(db *gorm.DB, queue TaskQueue, webhookSecret string) *WebhookService {
	return &WebhookService{db: db, queue: queue, secret: webhookSecret}
}

// HandleMergeRequest upserts the project and developer and creates the
// review inside one transaction, then enqueues the job. Redelivered events
// short-circuit on the existing review without enqueueing again. An enqueue
// failure is logged, not surfaced: the review row stays PENDING and the
// sweeper picks it up.
func (s *WebhookService) HandleMergeRequest(event *MergeRequestEvent) (*IntakeResult, error) {
	var review *models.Review
	created := false

	err := s.db.Transaction(func(tx *gorm.DB) error {
		project, err := upsertProject(tx, event, s.secret)
		if err != nil {
			return err
		}
		developer, err := upsertDeveloper(tx, event)
		if err != nil {
			return err
		}

		var existing models.Review
		err = tx.Where("merge_request_id = ? AND project_id = ?", event.MergeRequestID, project.ID).
			First(&existing).Error
		if err == nil {
			review = &existing
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		review = &models.Review{
			MergeRequestID:  event.MergeRequestID,
			MergeRequestIID: event.MergeRequestIID,
			ProjectID:       project.ID,
			DeveloperID:     developer.ID,
			Title:           event.Title,
			Description:     event.Description,
			SourceURL:       event.SourceURL,
			SourceBranch:    event.SourceBranch,
			TargetBranch:    event.TargetBranch,
			Status:          models.ReviewStatusPending,
			ReviewContent:   "{}",
		}
		if err := tx.Create(review).Error; err != nil {
			return err
		}
		created = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if created {
		task := &ReviewTask{
			ReviewID:        review.ID,
			ForgeProjectID:  event.ForgeProjectID,
			MergeRequestIID: event.MergeRequestIID,
		}
		if err := s.queue.Enqueue(task); err != nil {
			logger.Errorf("[Webhook] Enqueue failed for review %s, leaving PENDING for the sweeper: %v", review.ID, err)
		}
	} else {
		logger.Infof("[Webhook] Review %s already exists for mr=%d project=%d, skipping enqueue",
			review.ID, event.MergeRequestID, event.ForgeProjectID)
	}

	return &IntakeResult{Review: review, Created: created}, nil
}

// upsertProject finds the project by its forge id, refreshing mutable fields,
// or creates it. New projects inherit the configured webhook secret.
func upsertProject(tx *gorm.DB, event *MergeRequestEvent, webhookSecret string) (*models.Project, error) {
	var project models.Project
	err := tx.Where("forge_project_id = ?", event.ForgeProjectID).First(&project).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		project = models.Project{
			ForgeProjectID: event.ForgeProjectID,
			Name:           event.ProjectName,
			Namespace:      event.ProjectNamespace,
			WebhookSecret:  webhookSecret,
			IsActive:       true,
		}
		if err := tx.Create(&project).Error; err != nil {
			return nil, err
		}
		return &project, nil
	}
	if err != nil {
		return nil, err
	}

	if project.Name != event.ProjectName || project.Namespace != event.ProjectNamespace {
		project.Name = event.ProjectName
		project.Namespace = event.ProjectNamespace
		if err := tx.Save(&project).Error; err != nil {
			return nil, err
		}
	}
	return &project, nil
}

// upsertDeveloper keys on username; the forge user id and profile fields are
// refreshed in place.
func upsertDeveloper(tx *gorm.DB, event *MergeRequestEvent) (*models.Developer, error) {
	var developer models.Developer
	err := tx.Where("username = ?", event.AuthorUsername).First(&developer).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		developer = models.Developer{
			ForgeUserID: event.AuthorForgeID,
			Username:    event.AuthorUsername,
			Name:        event.AuthorName,
			Email:       event.AuthorEmail,
			AvatarURL:   event.AuthorAvatarURL,
		}
		if err := tx.Create(&developer).Error; err != nil {
			return nil, err
		}
		return &developer, nil
	}
	if err != nil {
		return nil, err
	}

	developer.ForgeUserID = event.AuthorForgeID
	developer.Name = event.AuthorName
	developer.Email = event.AuthorEmail
	developer.AvatarURL = event.AuthorAvatarURL
	if err := tx.Save(&developer).Error; err != nil {
		return nil, err
	}
	return &developer, nil
}
