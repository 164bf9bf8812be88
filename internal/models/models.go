package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ReviewStatus values for Review.Status. Transitions are
// PENDING -> PROCESSING -> {COMPLETED, FAILED, SKIPPED}.
const (
	ReviewStatusPending    = "PENDING"
	ReviewStatusProcessing = "PROCESSING"
	ReviewStatusCompleted  = "COMPLETED"
	ReviewStatusFailed     = "FAILED"
	ReviewStatusSkipped    = "SKIPPED"
)

// Project represents a forge project registered by webhook traffic
type Project struct {
	ID             uint           `gorm:"primaryKey" json:"id"`
	ForgeProjectID int            `gorm:"uniqueIndex;not null" json:"forge_project_id"`
	Name           string         `gorm:"size:255;not null" json:"name"`
	Namespace      string         `gorm:"size:255" json:"namespace"`
	WebhookSecret  string         `gorm:"size:255;not null" json:"-"`
	IsActive       bool           `gorm:"default:true" json:"is_active"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	DeletedAt      gorm.DeletedAt `gorm:"index" json:"-"`
}

// Developer represents the merge-request author. Identity for upserts is the
// username; the forge user id may change (e.g. instance migrations) and is
// updated in place.
type Developer struct {
	ID          uint           `gorm:"primaryKey" json:"id"`
	ForgeUserID int            `gorm:"index" json:"forge_user_id"`
	Username    string         `gorm:"uniqueIndex;size:255;not null" json:"username"`
	Name        string         `gorm:"size:255" json:"name"`
	Email       string         `gorm:"size:255" json:"email"`
	AvatarURL   string         `gorm:"size:500" json:"avatar_url"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	DeletedAt   gorm.DeletedAt `gorm:"index" json:"-"`
}

// Review is one pipeline execution record for a merge request. Exactly one
// row exists per (merge_request_id, project_id) regardless of webhook
// redelivery.
type Review struct {
	ID               string         `gorm:"primaryKey;size:36" json:"id"`
	MergeRequestID   int            `gorm:"uniqueIndex:idx_review_mr_project;not null" json:"merge_request_id"`
	MergeRequestIID  int            `gorm:"not null" json:"merge_request_iid"`
	ProjectID        uint           `gorm:"uniqueIndex:idx_review_mr_project;not null" json:"project_id"`
	Project          *Project       `gorm:"foreignKey:ProjectID;constraint:OnDelete:CASCADE" json:"project,omitempty"`
	DeveloperID      uint           `gorm:"index" json:"developer_id"`
	Developer        *Developer     `gorm:"foreignKey:DeveloperID" json:"developer,omitempty"`
	Title            string         `gorm:"size:500" json:"title"`
	Description      string         `gorm:"type:text" json:"description"`
	SourceURL        string         `gorm:"size:1000" json:"source_url"`
	SourceBranch     string         `gorm:"size:255" json:"source_branch"`
	TargetBranch     string         `gorm:"size:255" json:"target_branch"`
	Status           string         `gorm:"size:20;default:PENDING;index" json:"status"`
	ReviewContent    string         `gorm:"type:text" json:"review_content"` // opaque JSON document
	QualityScore     int            `gorm:"default:0" json:"quality_score"`
	IssuesFound      int            `gorm:"default:0" json:"issues_found"`
	SuggestionsCount int            `gorm:"default:0" json:"suggestions_count"`
	PromptTokens     int            `gorm:"default:0" json:"prompt_tokens"`
	CompletionTokens int            `gorm:"default:0" json:"completion_tokens"`
	ErrorMessage     string         `gorm:"type:text" json:"error_message"`
	CreatedAt        time.Time      `gorm:"index" json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
	DeletedAt        gorm.DeletedAt `gorm:"index" json:"-"`
}

// BeforeCreate assigns an opaque id so the queue payload never exposes the
// database sequence.
func (r *Review) BeforeCreate(_ *gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	return nil
}

// TableName overrides
func (Project) TableName() string   { return "projects" }
func (Developer) TableName() string { return "developers" }
func (Review) TableName() string    { return "reviews" }
