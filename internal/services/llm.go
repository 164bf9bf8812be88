package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/huangang/mrsentry/internal/config"
	"github.com/huangang/mrsentry/pkg/logger"
	openai "github.com/sashabaranov/go-openai"
)

// Issue is one finding the reviewer model produced for a chunk.
type Issue struct {
	File       string `json:"file,omitempty"`
	Line       int    `json:"line"`
	Severity   string `json:"severity"` // critical, high, medium, low
	Type       string `json:"type"`     // security, logic, performance, style
	Message    string `json:"message"`
	Suggestion string `json:"suggestion"`
}

// ReviewOutcome is the parsed result of one model call, single or batched.
type ReviewOutcome struct {
	Summary          string  `json:"summary"`
	Issues           []Issue `json:"issues"`
	PromptTokens     int     `json:"-"`
	CompletionTokens int     `json:"-"`
}

// LLMService calls the reviewer model. A nil client means reviewing is
// disabled and every job lands as SKIPPED.
type LLMService struct {
	client    *openai.Client
	model     string
	maxTokens int
}

func NewLLMService(cfg *config.LLMConfig) *LLMService {
	svc := &LLMService{
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
	}
	if svc.maxTokens <= 0 {
		svc.maxTokens = 40000
	}
	if !cfg.Enabled() {
		logger.Warnf("[LLM] Endpoint or key missing, reviews will be skipped")
		return svc
	}

	var clientCfg openai.ClientConfig
	if cfg.Deployment != "" {
		clientCfg = openai.DefaultAzureConfig(cfg.APIKey, cfg.Endpoint)
		if cfg.APIVersion != "" {
			clientCfg.APIVersion = cfg.APIVersion
		}
		clientCfg.AzureModelMapperFunc = func(model string) string {
			return cfg.Deployment
		}
	} else {
		clientCfg = openai.DefaultConfig(cfg.APIKey)
		clientCfg.BaseURL = strings.TrimSuffix(cfg.Endpoint, "/")
	}
	svc.client = openai.NewClientWithConfig(clientCfg)
	return svc
}

// IsEnabled reports whether the service holds a usable client.
func (s *LLMService) IsEnabled() bool {
	return s.client != nil
}

// ReviewChunk reviews one file chunk and returns the parsed outcome. The
// call-and-parse pair is retried as a unit; after retries are exhausted the
// chunk degrades to an empty review rather than failing the job.
func (s *LLMService) ReviewChunk(ctx context.Context, chunk *DiffChunk) (*ReviewOutcome, error) {
	prompt := buildChunkPrompt(chunk)
	return s.review(ctx, "ReviewChunk", prompt, chunk.Filename)
}

// ReviewBatch reviews several chunks in one model call. Issues carry the file
// they belong to.
func (s *LLMService) ReviewBatch(ctx context.Context, chunks []*DiffChunk) (*ReviewOutcome, error) {
	prompt := buildBatchPrompt(chunks)
	label := fmt.Sprintf("%d files", len(chunks))
	return s.review(ctx, "ReviewBatch", prompt, label)
}

func (s *LLMService) review(ctx context.Context, operation, prompt, label string) (*ReviewOutcome, error) {
	if s.client == nil {
		return nil, fmt.Errorf("llm service is disabled")
	}

	var outcome *ReviewOutcome
	err := retryWithBackoff(ctx, operation, func() error {
		resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model: s.model,
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleSystem, Content: reviewSystemPrompt},
				{Role: openai.ChatMessageRoleUser, Content: prompt},
			},
			MaxCompletionTokens: s.maxTokens,
		})
		if err != nil {
			return err
		}
		if len(resp.Choices) == 0 {
			return fmt.Errorf("empty completion response")
		}

		parsed, err := parseReviewOutcome(resp.Choices[0].Message.Content)
		if err != nil {
			return err
		}
		parsed.PromptTokens = resp.Usage.PromptTokens
		parsed.CompletionTokens = resp.Usage.CompletionTokens
		outcome = parsed
		return nil
	})
	if err != nil {
		// A chunk the model cannot review cleanly is not worth failing the
		// whole merge request over.
		logger.Errorf("[LLM] %s failed for %s after retries: %v", operation, label, err)
		return &ReviewOutcome{
			Summary: fmt.Sprintf("Review could not be completed for %s.", label),
		}, nil
	}
	return outcome, nil
}

// parseReviewOutcome extracts the JSON object from a model reply, tolerating
// markdown fences and prose around the object. Missing issue fields get
// defaults rather than dropping the issue.
func parseReviewOutcome(content string) (*ReviewOutcome, error) {
	jsonText := extractJSONObject(content)
	if jsonText == "" {
		return nil, fmt.Errorf("no JSON object in model reply")
	}

	var raw struct {
		Summary string `json:"summary"`
		Issues  []struct {
			File       string      `json:"file"`
			Line       json.Number `json:"line"`
			Severity   string      `json:"severity"`
			Type       string      `json:"type"`
			Message    string      `json:"message"`
			Suggestion string      `json:"suggestion"`
		} `json:"issues"`
	}
	if err := json.Unmarshal([]byte(jsonText), &raw); err != nil {
		return nil, fmt.Errorf("parse model reply: %w", err)
	}

	outcome := &ReviewOutcome{Summary: raw.Summary}
	for _, ri := range raw.Issues {
		line, _ := ri.Line.Int64()
		issue := Issue{
			File:       ri.File,
			Line:       int(line),
			Severity:   normalizeSeverity(ri.Severity),
			Type:       normalizeIssueType(ri.Type),
			Message:    ri.Message,
			Suggestion: ri.Suggestion,
		}
		if issue.Message == "" {
			issue.Message = "No description"
		}
		if issue.Suggestion == "" {
			issue.Suggestion = "No suggestion"
		}
		outcome.Issues = append(outcome.Issues, issue)
	}
	return outcome, nil
}

// extractJSONObject strips markdown fences and returns the outermost {...}
// span of the text.
func extractJSONObject(content string) string {
	content = strings.TrimSpace(content)
	if strings.HasPrefix(content, "```") {
		if idx := strings.Index(content, "\n"); idx >= 0 {
			content = content[idx+1:]
		}
		if idx := strings.LastIndex(content, "```"); idx >= 0 {
			content = content[:idx]
		}
	}

	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return ""
	}
	return content[start : end+1]
}

var validSeverities = map[string]bool{
	"critical": true,
	"high":     true,
	"medium":   true,
	"low":      true,
}

var validIssueTypes = map[string]bool{
	"security":    true,
	"logic":       true,
	"performance": true,
	"style":       true,
}

func normalizeSeverity(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if validSeverities[s] {
		return s
	}
	return "low"
}

func normalizeIssueType(t string) string {
	t = strings.ToLower(strings.TrimSpace(t))
	if validIssueTypes[t] {
		return t
	}
	return "style"
}
