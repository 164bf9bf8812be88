package services

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/huangang/mrsentry/internal/config"
	"github.com/huangang/mrsentry/pkg/logger"
	"golang.org/x/time/rate"
)

// ForgeService is a thin adapter over the source forge's REST surface. It is
// safe for concurrent use; all outbound calls share one rate budget.
type ForgeService struct {
	baseURL    string
	token      string
	httpClient *http.Client
	limiter    *rate.Limiter
}

func NewForgeService(cfg *config.ForgeConfig) *ForgeService {
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 10
	}
	return &ForgeService{
		baseURL:    strings.TrimSuffix(cfg.Host, "/"),
		token:      cfg.AccessToken,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(rps), int(rps)),
	}
}

// ForgeDiff is one file entry of a compare-commits response.
type ForgeDiff struct {
	OldPath     string `json:"old_path"`
	NewPath     string `json:"new_path"`
	Diff        string `json:"diff"`
	NewFile     bool   `json:"new_file"`
	RenamedFile bool   `json:"renamed_file"`
	DeletedFile bool   `json:"deleted_file"`
}

// DiffRefs are the commit ids anchoring a merge request's diff.
type DiffRefs struct {
	BaseSHA  string `json:"base_sha"`
	HeadSHA  string `json:"head_sha"`
	StartSHA string `json:"start_sha"`
}

// MergeRequestDetails is the subset of show-merge-request the pipeline needs.
type MergeRequestDetails struct {
	ID           int       `json:"id"`
	IID          int       `json:"iid"`
	Title        string    `json:"title"`
	SourceBranch string    `json:"source_branch"`
	TargetBranch string    `json:"target_branch"`
	DiffRefs     *DiffRefs `json:"diff_refs"`
}

// InlinePosition positions an inline discussion on a new-file line.
type InlinePosition struct {
	OldPath  string
	NewPath  string
	NewLine  int
	BaseSHA  string
	HeadSHA  string
	StartSHA string
}

// CompareCommits returns per-file diffs of the cumulative change between two
// commits.
func (s *ForgeService) CompareCommits(ctx context.Context, forgeProjectID int, fromSHA, toSHA string) ([]ForgeDiff, error) {
	endpoint := fmt.Sprintf("%s/api/v4/projects/%d/repository/compare?from=%s&to=%s",
		s.baseURL, forgeProjectID, url.QueryEscape(fromSHA), url.QueryEscape(toSHA))

	var result struct {
		Diffs []ForgeDiff `json:"diffs"`
	}
	if err := s.getJSON(ctx, "CompareCommits", endpoint, &result); err != nil {
		return nil, err
	}
	return result.Diffs, nil
}

// GetMergeRequestDetails fetches branches and diff refs for a merge request.
func (s *ForgeService) GetMergeRequestDetails(ctx context.Context, forgeProjectID, mrIID int) (*MergeRequestDetails, error) {
	endpoint := fmt.Sprintf("%s/api/v4/projects/%d/merge_requests/%d", s.baseURL, forgeProjectID, mrIID)

	var details MergeRequestDetails
	if err := s.getJSON(ctx, "GetMergeRequestDetails", endpoint, &details); err != nil {
		return nil, err
	}
	return &details, nil
}

// GetFileContent returns the raw file text at a commit.
func (s *ForgeService) GetFileContent(ctx context.Context, forgeProjectID int, filePath, ref string) (string, error) {
	endpoint := fmt.Sprintf("%s/api/v4/projects/%d/repository/files/%s?ref=%s",
		s.baseURL, forgeProjectID, url.PathEscape(filePath), url.QueryEscape(ref))

	var result struct {
		Content  string `json:"content"`
		Encoding string `json:"encoding"`
	}
	if err := s.getJSON(ctx, "GetFileContent", endpoint, &result); err != nil {
		return "", err
	}

	if result.Encoding == "base64" {
		decoded, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(result.Content, "\n", ""))
		if err != nil {
			return "", fmt.Errorf("decode file content: %w", err)
		}
		return string(decoded), nil
	}
	return result.Content, nil
}

// GetFileContentWithContext fetches a file at a commit and slices a window
// of contextLines around targetLine, scanning the file prefix for imports.
func (s *ForgeService) GetFileContentWithContext(ctx context.Context, forgeProjectID int, filePath, ref string, targetLine, contextLines int) (*FileContext, error) {
	content, err := s.GetFileContent(ctx, forgeProjectID, filePath, ref)
	if err != nil {
		return nil, err
	}
	return BuildFileContext(content, filePath, targetLine, contextLines), nil
}

// BuildFileContext slices ±contextLines around targetLine (1-based) of the
// given file content.
func BuildFileContext(content, filePath string, targetLine, contextLines int) *FileContext {
	lines := strings.Split(content, "\n")
	total := len(lines)

	if targetLine < 1 {
		targetLine = 1
	}
	if targetLine > total {
		targetLine = total
	}

	start := targetLine - contextLines
	if start < 1 {
		start = 1
	}
	end := targetLine + contextLines
	if end > total {
		end = total
	}

	return &FileContext{
		Lines:            lines[start-1 : end],
		StartLineNumber:  start,
		TargetLineNumber: targetLine,
		EndLineNumber:    end,
		TotalLines:       total,
		Imports:          ExtractImports(content, DetectLanguage(filePath)),
	}
}

// PostMergeRequestNote posts the summary comment on a merge request.
func (s *ForgeService) PostMergeRequestNote(ctx context.Context, forgeProjectID, mrIID int, body string) error {
	endpoint := fmt.Sprintf("%s/api/v4/projects/%d/merge_requests/%d/notes", s.baseURL, forgeProjectID, mrIID)
	payload := map[string]string{"body": body}
	return s.postJSON(ctx, endpoint, payload)
}

// PostInlineDiscussion posts a positioned discussion on a merge request.
// The forge rejects positions whose start_sha is missing; callers are
// expected to swallow that.
func (s *ForgeService) PostInlineDiscussion(ctx context.Context, forgeProjectID, mrIID int, body string, pos *InlinePosition) error {
	endpoint := fmt.Sprintf("%s/api/v4/projects/%d/merge_requests/%d/discussions", s.baseURL, forgeProjectID, mrIID)
	payload := map[string]interface{}{
		"body": body,
		"position": map[string]string{
			"position_type": "text",
			"old_path":      pos.OldPath,
			"new_path":      pos.NewPath,
			"new_line":      strconv.Itoa(pos.NewLine),
			"base_sha":      pos.BaseSHA,
			"head_sha":      pos.HeadSHA,
			"start_sha":     pos.StartSHA,
		},
	}
	return s.postJSON(ctx, endpoint, payload)
}

// BuildUnifiedDiff reconstructs unified-diff text from forge diff entries so
// the diff processor can stay a pure function over diff text.
func BuildUnifiedDiff(diffs []ForgeDiff) string {
	var b strings.Builder
	for _, d := range diffs {
		b.WriteString(fmt.Sprintf("diff --git a/%s b/%s\n", d.OldPath, d.NewPath))
		if d.DeletedFile {
			b.WriteString(fmt.Sprintf("--- a/%s\n+++ /dev/null\n", d.OldPath))
		} else if d.NewFile {
			b.WriteString(fmt.Sprintf("--- /dev/null\n+++ b/%s\n", d.NewPath))
		} else {
			b.WriteString(fmt.Sprintf("--- a/%s\n+++ b/%s\n", d.OldPath, d.NewPath))
		}
		b.WriteString(d.Diff)
		if !strings.HasSuffix(d.Diff, "\n") {
			b.WriteString("\n")
		}
	}
	return b.String()
}

// getJSON performs an authenticated GET with the shared rate budget and
// bounded retries on transient failures.
func (s *ForgeService) getJSON(ctx context.Context, operation, endpoint string, out interface{}) error {
	return retryWithBackoff(ctx, operation, func() error {
		if err := s.limiter.Wait(ctx); err != nil {
			return retry.Unrecoverable(err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return retry.Unrecoverable(err)
		}
		s.authorize(req)

		resp, err := s.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}

		if resp.StatusCode >= 500 {
			return fmt.Errorf("forge returned %d: %s", resp.StatusCode, truncateBody(body))
		}
		if resp.StatusCode != http.StatusOK {
			return retry.Unrecoverable(fmt.Errorf("forge returned %d: %s", resp.StatusCode, truncateBody(body)))
		}

		return json.Unmarshal(body, out)
	})
}

func (s *ForgeService) postJSON(ctx context.Context, endpoint string, payload interface{}) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	s.authorize(req)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("forge returned %d: %s", resp.StatusCode, truncateBody(body))
	}

	logger.Debug().Str("endpoint", endpoint).Int("status", resp.StatusCode).Msg("forge post")
	return nil
}

func (s *ForgeService) authorize(req *http.Request) {
	if s.token != "" {
		req.Header.Set("PRIVATE-TOKEN", s.token)
	}
}

func truncateBody(body []byte) string {
	const max = 512
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}
