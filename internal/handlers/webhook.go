package handlers

import (
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/huangang/mrsentry/internal/config"
	"github.com/huangang/mrsentry/internal/services"
	"github.com/huangang/mrsentry/pkg/logger"
	"github.com/huangang/mrsentry/pkg/response"
)

const (
	maxWebhookBodyBytes = 10 << 20

	headerForgeToken = "X-Forge-Token"
	headerForgeEvent = "X-Forge-Event"

	mergeRequestEventName = "Merge Request Hook"
)

// actions that start or refresh a review; everything else (close, merge,
// approve) is acknowledged and ignored.
var reviewableActions = map[string]bool{
	"opened": true,
	"open":   true,
	"update": true,
	"reopen": true,
}

// Field caps applied before anything touches the database.
const (
	maxShortField       = 255
	maxTitleField       = 500
	maxURLField         = 1000
	maxDescriptionField = 10000
)

type WebhookHandler struct {
	webhookService *services.WebhookService
	secret         string
}

func NewWebhookHandler(db *gorm.DB, cfg *config.ForgeConfig, queue services.TaskQueue) *WebhookHandler {
	return &WebhookHandler{
		webhookService: services.NewWebhookService(db, queue, cfg.WebhookSecret),
		secret:         cfg.WebhookSecret,
	}
}

// mergeRequestPayload mirrors the forge's merge-request event shape.
type mergeRequestPayload struct {
	ObjectKind       string `json:"object_kind"`
	ObjectAttributes *struct {
		ID           int    `json:"id"`
		IID          int    `json:"iid"`
		Title        string `json:"title"`
		Description  string `json:"description"`
		URL          string `json:"url"`
		SourceBranch string `json:"source_branch"`
		TargetBranch string `json:"target_branch"`
		State        string `json:"state"`
		Action       string `json:"action"`
		WorkInProg   bool   `json:"work_in_progress"`
	} `json:"object_attributes"`
	Project *struct {
		ID                int    `json:"id"`
		Name              string `json:"name"`
		PathWithNamespace string `json:"path_with_namespace"`
		Namespace         string `json:"namespace"`
	} `json:"project"`
	User *struct {
		ID        int    `json:"id"`
		Username  string `json:"username"`
		Name      string `json:"name"`
		Email     string `json:"email"`
		AvatarURL string `json:"avatar_url"`
	} `json:"user"`
}

// HandleForgeWebhook is the intake endpoint. Authentication failures are the
// only 401s; malformed payloads are 400s; events we choose not to review are
// acknowledged with 200 so the forge does not redeliver them.
func (h *WebhookHandler) HandleForgeWebhook(c *gin.Context) {
	if !h.authenticate(c) {
		return
	}

	if event := c.GetHeader(headerForgeEvent); event != mergeRequestEventName {
		logger.Debug().Str("event", event).Msg("ignoring non merge-request event")
		c.JSON(http.StatusOK, gin.H{"success": true, "processed": false, "reason": "unsupported event type"})
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBodyBytes)
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		response.BadRequest(c, "request body too large or unreadable")
		return
	}

	var payload mergeRequestPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		response.BadRequest(c, "malformed JSON payload")
		return
	}
	if payload.ObjectAttributes == nil || payload.Project == nil || payload.User == nil {
		response.BadRequest(c, "payload missing object_attributes, project or user")
		return
	}

	attrs := payload.ObjectAttributes
	if attrs.WorkInProg {
		c.JSON(http.StatusOK, gin.H{"success": true, "processed": false, "reason": "work in progress"})
		return
	}
	if !reviewableActions[attrs.Action] {
		c.JSON(http.StatusOK, gin.H{"success": true, "processed": false, "reason": "action not reviewable"})
		return
	}

	event := &services.MergeRequestEvent{
		ForgeProjectID:   payload.Project.ID,
		ProjectName:      truncate(payload.Project.Name, maxShortField),
		ProjectNamespace: truncate(projectNamespace(payload.Project.Namespace, payload.Project.PathWithNamespace), maxShortField),
		AuthorForgeID:    payload.User.ID,
		AuthorUsername:   truncate(payload.User.Username, maxShortField),
		AuthorName:       truncate(payload.User.Name, maxShortField),
		AuthorEmail:      truncate(payload.User.Email, maxShortField),
		AuthorAvatarURL:  truncate(payload.User.AvatarURL, maxTitleField),
		MergeRequestID:   attrs.ID,
		MergeRequestIID:  attrs.IID,
		Title:            truncate(attrs.Title, maxTitleField),
		Description:      truncate(attrs.Description, maxDescriptionField),
		SourceURL:        truncate(attrs.URL, maxURLField),
		SourceBranch:     truncate(attrs.SourceBranch, maxShortField),
		TargetBranch:     truncate(attrs.TargetBranch, maxShortField),
	}
	if event.ForgeProjectID == 0 || event.MergeRequestID == 0 || event.AuthorUsername == "" {
		response.BadRequest(c, "payload missing required identifiers")
		return
	}

	result, err := h.webhookService.HandleMergeRequest(event)
	if err != nil {
		logger.Errorf("[Webhook] Intake failed for mr=%d project=%d: %v",
			event.MergeRequestID, event.ForgeProjectID, err)
		response.ServerError(c, "failed to record review")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":         true,
		"processed":       result.Created,
		"reviewId":        result.Review.ID,
		"mergeRequestIid": result.Review.MergeRequestIID,
		"status":          result.Review.Status,
	})
}

// authenticate compares the webhook token in constant time. A missing
// configured secret rejects everything; running open is never the default.
func (h *WebhookHandler) authenticate(c *gin.Context) bool {
	if h.secret == "" {
		logger.Errorf("[Webhook] FORGE_WEBHOOK_SECRET is not configured, rejecting request")
		response.Unauthorized(c, "webhook authentication unavailable")
		return false
	}

	token := c.GetHeader(headerForgeToken)
	if !secureCompare(token, h.secret) {
		response.Unauthorized(c, "invalid webhook token")
		return false
	}
	return true
}

// secureCompare pads both values to equal length so the comparison time does
// not leak the secret's length prefix match.
func secureCompare(got, want string) bool {
	max := len(got)
	if len(want) > max {
		max = len(want)
	}
	gotPadded := make([]byte, max)
	wantPadded := make([]byte, max)
	copy(gotPadded, got)
	copy(wantPadded, want)
	return subtle.ConstantTimeCompare(gotPadded, wantPadded) == 1 && len(got) == len(want)
}

func projectNamespace(namespace, pathWithNamespace string) string {
	if namespace != "" {
		return namespace
	}
	return pathWithNamespace
}

func truncate(s string, max int) string {
	if len(s) > max {
		return s[:max]
	}
	return s
}

// Health is a liveness probe for the webhook path.
func (h *WebhookHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
