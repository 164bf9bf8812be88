package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/huangang/mrsentry/internal/models"
	"github.com/huangang/mrsentry/pkg/logger"
)

const (
	// maxReviewFiles caps how many files of one merge request get reviewed;
	// the rest are counted and called out in the summary.
	maxReviewFiles = 50

	// reviewContextLines is the context width for diff chunks and file
	// context windows.
	reviewContextLines = 10

	// batchChangedLineLimit: merge requests whose total changed lines fit
	// under this go to the model as one batched call.
	batchChangedLineLimit = 500

	// chunkReviewConcurrency bounds parallel model calls in per-chunk mode.
	chunkReviewConcurrency = 3

	// contextFetchConcurrency bounds parallel file-context fetches.
	contextFetchConcurrency = 4

	// inlinePostConcurrency bounds parallel discussion posts.
	inlinePostConcurrency = 4
)

// severityImpact drives the quality score: 100 minus the summed impact of
// every retained issue, floored at zero.
var severityImpact = map[string]int{
	"critical": 15,
	"high":     10,
	"medium":   5,
	"low":      2,
}

// severityRank orders severities for summary grouping, most severe first.
var severityRank = map[string]int{
	"critical": 0,
	"high":     1,
	"medium":   2,
	"low":      3,
}

// reviewDocument is the JSON persisted in Review.ReviewContent.
type reviewDocument struct {
	Summary      string  `json:"summary"`
	Issues       []Issue `json:"issues"`
	FilesTotal   int     `json:"filesTotal"`
	FilesSkipped int     `json:"filesSkipped"`
	Batched      bool    `json:"batched"`
}

// ReviewProcessor runs the full pipeline for one queued review task.
type ReviewProcessor struct {
	db       *gorm.DB
	forge    *ForgeService
	llm      *LLMService
	verifier *IssueVerifier
}

func NewReviewProcessor(db *gorm.DB, forge *ForgeService, llm *LLMService) *ReviewProcessor {
	return &ReviewProcessor{
		db:       db,
		forge:    forge,
		llm:      llm,
		verifier: NewIssueVerifier(forge),
	}
}

// ProcessReviewTask handles one queue delivery end to end. Returning an
// error re-queues the task; terminal outcomes (completed, skipped, nothing
// to do) return nil.
func (p *ReviewProcessor) ProcessReviewTask(ctx context.Context, task *ReviewTask) error {
	var review models.Review
	err := p.db.Preload("Project").First(&review, "id = ?", task.ReviewID).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			logger.Warnf("[Review] Task references unknown review %s, dropping", task.ReviewID)
			return nil
		}
		return err
	}

	switch review.Status {
	case models.ReviewStatusCompleted, models.ReviewStatusSkipped:
		// Redelivered after success, nothing to do.
		return nil
	}

	if err := p.db.Model(&review).
		Updates(map[string]interface{}{
			"status":        models.ReviewStatusProcessing,
			"error_message": "",
		}).Error; err != nil {
		return err
	}

	// SKIPPED is a terminal state of a claimed review, so the disabled
	// check runs after the PROCESSING transition.
	if !p.llm.IsEnabled() {
		return p.finishWithStatus(&review, models.ReviewStatusSkipped, "LLM reviewing is disabled")
	}

	outcome, err := p.runReview(ctx, &review, task)
	if err != nil {
		return err
	}
	return p.persistOutcome(&review, outcome)
}

// reviewResult aggregates everything the pipeline produced for a merge
// request.
type reviewResult struct {
	doc              reviewDocument
	score            int
	suggestions      int
	promptTokens     int
	completionTokens int
	noChanges        bool
}

func (p *ReviewProcessor) runReview(ctx context.Context, review *models.Review, task *ReviewTask) (*reviewResult, error) {
	forgeProjectID := task.ForgeProjectID
	if review.Project != nil {
		forgeProjectID = review.Project.ForgeProjectID
	}

	details, err := p.forge.GetMergeRequestDetails(ctx, forgeProjectID, task.MergeRequestIID)
	if err != nil {
		return nil, fmt.Errorf("merge request details: %w", err)
	}

	if details.DiffRefs == nil || details.DiffRefs.HeadSHA == "" {
		return &reviewResult{noChanges: true}, nil
	}

	fromSHA := details.DiffRefs.BaseSHA
	if fromSHA == "" {
		fromSHA = details.DiffRefs.StartSHA
	}
	diffs, err := p.forge.CompareCommits(ctx, forgeProjectID, fromSHA, details.DiffRefs.HeadSHA)
	if err != nil {
		return nil, fmt.Errorf("compare commits: %w", err)
	}
	if len(diffs) == 0 {
		return &reviewResult{noChanges: true}, nil
	}

	filesTotal := len(diffs)
	filesSkipped := 0
	if len(diffs) > maxReviewFiles {
		filesSkipped = len(diffs) - maxReviewFiles
		diffs = diffs[:maxReviewFiles]
		logger.Warnf("[Review] %s: %d files, reviewing first %d", review.ID, filesTotal, maxReviewFiles)
	}

	chunks := ExtractChunks(BuildUnifiedDiff(diffs), reviewContextLines)
	if len(chunks) == 0 {
		return &reviewResult{noChanges: true}, nil
	}

	p.attachFileContexts(ctx, chunks, forgeProjectID, details.DiffRefs.HeadSHA)

	outcome := p.runModel(ctx, chunks)

	issues := p.verifyIssues(ctx, outcome.Issues, chunks, forgeProjectID, details.DiffRefs.HeadSHA)

	p.postInlineDiscussions(ctx, issues, chunks, forgeProjectID, task.MergeRequestIID, details.DiffRefs)

	result := &reviewResult{
		doc: reviewDocument{
			Summary:      outcome.Summary,
			Issues:       issues,
			FilesTotal:   filesTotal,
			FilesSkipped: filesSkipped,
			Batched:      outcome.batched,
		},
		score:            scoreIssues(issues),
		suggestions:      len(issues),
		promptTokens:     outcome.PromptTokens,
		completionTokens: outcome.CompletionTokens,
	}

	summary := renderSummaryNote(result)
	if err := p.forge.PostMergeRequestNote(ctx, forgeProjectID, task.MergeRequestIID, summary); err != nil {
		// The review itself succeeded; a lost summary note is not a retry
		// reason because the inline comments are already posted.
		logger.Errorf("[Review] %s: summary note failed: %v", review.ID, err)
	}

	return result, nil
}

// attachFileContexts fetches a context window at the head commit for each
// chunk's first changed line. A fetch failure leaves the chunk without
// context; the prompt degrades, the review continues.
func (p *ReviewProcessor) attachFileContexts(ctx context.Context, chunks []*DiffChunk, forgeProjectID int, headSHA string) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(contextFetchConcurrency)

	for _, chunk := range chunks {
		if len(chunk.ChangedLines) == 0 {
			continue
		}
		chunk := chunk
		g.Go(func() error {
			fc, err := p.forge.GetFileContentWithContext(gctx, forgeProjectID, chunk.Filename, headSHA,
				chunk.ChangedLines[0], reviewContextLines)
			if err != nil {
				logger.Warnf("[Review] No file context for %s: %v", chunk.Filename, err)
				return nil
			}
			chunk.FileContext = fc
			return nil
		})
	}
	g.Wait()
}

// batchedOutcome wraps ReviewOutcome with how it was produced.
type batchedOutcome struct {
	ReviewOutcome
	batched bool
}

// runModel decides between one batched call and per-chunk calls. Small merge
// requests with several files batch into a single prompt; everything else
// reviews file by file with bounded parallelism.
func (p *ReviewProcessor) runModel(ctx context.Context, chunks []*DiffChunk) *batchedOutcome {
	totalChanged := 0
	for _, c := range chunks {
		totalChanged += c.Additions + c.Deletions
	}

	if totalChanged <= batchChangedLineLimit && len(chunks) > 1 {
		out, _ := p.llm.ReviewBatch(ctx, chunks)
		// Batched issues must name their file; those that do not are
		// unusable for positioning and get the first chunk's file.
		for i := range out.Issues {
			if out.Issues[i].File == "" {
				out.Issues[i].File = chunks[0].Filename
			}
		}
		return &batchedOutcome{ReviewOutcome: *out, batched: true}
	}

	results := make([]*ReviewOutcome, len(chunks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(chunkReviewConcurrency)
	for i, chunk := range chunks {
		i, chunk := i, chunk
		g.Go(func() error {
			out, _ := p.llm.ReviewChunk(gctx, chunk)
			for j := range out.Issues {
				if out.Issues[j].File == "" {
					out.Issues[j].File = chunk.Filename
				}
			}
			results[i] = out
			return nil
		})
	}
	g.Wait()

	merged := &batchedOutcome{}
	var summaries []string
	for _, out := range results {
		if out == nil {
			continue
		}
		if out.Summary != "" {
			summaries = append(summaries, out.Summary)
		}
		merged.Issues = append(merged.Issues, out.Issues...)
		merged.PromptTokens += out.PromptTokens
		merged.CompletionTokens += out.CompletionTokens
	}
	merged.Summary = strings.Join(summaries, " ")
	return merged
}

// verifyIssues drops findings the verifier rejects.
func (p *ReviewProcessor) verifyIssues(ctx context.Context, issues []Issue, chunks []*DiffChunk, forgeProjectID int, headSHA string) []Issue {
	byFile := make(map[string]*DiffChunk, len(chunks))
	for _, c := range chunks {
		byFile[c.Filename] = c
	}

	kept := make([]Issue, 0, len(issues))
	for _, issue := range issues {
		chunk := byFile[issue.File]
		if chunk == nil {
			// The model invented a file; nothing to anchor the issue to.
			logger.Warnf("[Review] Dropping issue for unknown file %q", issue.File)
			continue
		}
		verdict := p.verifier.Verify(ctx, &issue, chunk, forgeProjectID, headSHA)
		if !verdict.IsValid {
			logger.Infof("[Review] Dropped issue at %s:%d (%s): %s",
				issue.File, issue.Line, verdict.Confidence, verdict.Reason)
			continue
		}
		kept = append(kept, issue)
	}
	return kept
}

// postInlineDiscussions posts critical, high and medium issues as positioned
// discussions. Failures are swallowed; an unplaceable comment still appears
// in the summary note.
func (p *ReviewProcessor) postInlineDiscussions(ctx context.Context, issues []Issue, chunks []*DiffChunk, forgeProjectID, mrIID int, refs *DiffRefs) {
	byFile := make(map[string]*DiffChunk, len(chunks))
	for _, c := range chunks {
		byFile[c.Filename] = c
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(inlinePostConcurrency)

	for _, issue := range issues {
		if issue.Severity == "low" {
			continue
		}
		chunk := byFile[issue.File]
		if chunk == nil || issue.Line <= 0 {
			continue
		}
		issue := issue
		g.Go(func() error {
			pos := &InlinePosition{
				OldPath:  chunk.OldPath,
				NewPath:  chunk.Filename,
				NewLine:  issue.Line,
				BaseSHA:  refs.BaseSHA,
				HeadSHA:  refs.HeadSHA,
				StartSHA: refs.StartSHA,
			}
			body := renderInlineComment(&issue)
			if err := p.forge.PostInlineDiscussion(gctx, forgeProjectID, mrIID, body, pos); err != nil {
				logger.Warnf("[Review] Inline discussion failed at %s:%d: %v", issue.File, issue.Line, err)
			}
			return nil
		})
	}
	g.Wait()
}

func renderInlineComment(issue *Issue) string {
	var b strings.Builder
	fmt.Fprintf(&b, "**%s** (%s)\n\n%s\n", strings.ToUpper(issue.Severity), issue.Type, issue.Message)
	if issue.Suggestion != "" && issue.Suggestion != "No suggestion" {
		fmt.Fprintf(&b, "\n**Suggestion:** %s\n", issue.Suggestion)
	}
	return b.String()
}

// scoreIssues computes the quality score over every retained issue,
// including low-severity ones that never get an inline comment.
func scoreIssues(issues []Issue) int {
	score := 100
	for _, issue := range issues {
		score -= severityImpact[issue.Severity]
	}
	if score < 0 {
		score = 0
	}
	return score
}

// renderSummaryNote builds the markdown summary posted on the merge request.
func renderSummaryNote(result *reviewResult) string {
	var b strings.Builder
	b.WriteString("## Code Review Summary\n\n")
	fmt.Fprintf(&b, "**Quality score: %d/100**\n\n", result.score)

	if result.doc.Summary != "" {
		b.WriteString(result.doc.Summary)
		b.WriteString("\n\n")
	}

	issues := result.doc.Issues
	if len(issues) == 0 {
		b.WriteString("No issues found.\n")
	} else {
		bySeverity := map[string]int{}
		byType := map[string]int{}
		for _, issue := range issues {
			bySeverity[issue.Severity]++
			byType[issue.Type]++
		}

		fmt.Fprintf(&b, "**%d issue(s) found** — ", len(issues))
		var parts []string
		for _, sev := range []string{"critical", "high", "medium", "low"} {
			if n := bySeverity[sev]; n > 0 {
				parts = append(parts, fmt.Sprintf("%d %s", n, sev))
			}
		}
		b.WriteString(strings.Join(parts, ", "))
		b.WriteString("\n\n")

		var typeParts []string
		for _, t := range []string{"security", "logic", "performance", "style"} {
			if n := byType[t]; n > 0 {
				typeParts = append(typeParts, fmt.Sprintf("%s: %d", t, n))
			}
		}
		if len(typeParts) > 0 {
			fmt.Fprintf(&b, "By type: %s\n\n", strings.Join(typeParts, ", "))
		}

		b.WriteString(renderIssuesByFile(issues))
	}

	if result.doc.FilesSkipped > 0 {
		fmt.Fprintf(&b, "\n> Large merge request: only the first %d of %d files were reviewed (%d skipped).\n",
			maxReviewFiles, result.doc.FilesTotal, result.doc.FilesSkipped)
	}
	return b.String()
}

// renderIssuesByFile groups issues per file, most severe first within each
// file, files ordered by their most severe issue.
func renderIssuesByFile(issues []Issue) string {
	byFile := map[string][]Issue{}
	for _, issue := range issues {
		byFile[issue.File] = append(byFile[issue.File], issue)
	}

	files := make([]string, 0, len(byFile))
	for f := range byFile {
		sort.SliceStable(byFile[f], func(i, j int) bool {
			return severityRank[byFile[f][i].Severity] < severityRank[byFile[f][j].Severity]
		})
		files = append(files, f)
	}
	sort.SliceStable(files, func(i, j int) bool {
		ri := severityRank[byFile[files[i]][0].Severity]
		rj := severityRank[byFile[files[j]][0].Severity]
		if ri != rj {
			return ri < rj
		}
		return files[i] < files[j]
	})

	var b strings.Builder
	for _, f := range files {
		fmt.Fprintf(&b, "### %s\n", f)
		for _, issue := range byFile[f] {
			if issue.Line > 0 {
				fmt.Fprintf(&b, "- **%s** (%s, line %d): %s\n", issue.Severity, issue.Type, issue.Line, issue.Message)
			} else {
				fmt.Fprintf(&b, "- **%s** (%s): %s\n", issue.Severity, issue.Type, issue.Message)
			}
		}
		b.WriteString("\n")
	}
	return b.String()
}

// finishWithStatus records a terminal status outside the normal completion
// path.
func (p *ReviewProcessor) finishWithStatus(review *models.Review, status, message string) error {
	return p.db.Model(review).
		Updates(map[string]interface{}{
			"status":        status,
			"error_message": message,
		}).Error
}

// persistOutcome writes the completed review row.
func (p *ReviewProcessor) persistOutcome(review *models.Review, result *reviewResult) error {
	if result.noChanges {
		return p.db.Model(review).
			Updates(map[string]interface{}{
				"status":         models.ReviewStatusCompleted,
				"review_content": `{"message":"No changes to review"}`,
				"quality_score":  100,
			}).Error
	}

	content, err := json.Marshal(result.doc)
	if err != nil {
		return err
	}

	return p.db.Model(review).
		Updates(map[string]interface{}{
			"status":            models.ReviewStatusCompleted,
			"review_content":    string(content),
			"quality_score":     result.score,
			"issues_found":      len(result.doc.Issues),
			"suggestions_count": result.suggestions,
			"prompt_tokens":     result.promptTokens,
			"completion_tokens": result.completionTokens,
			"error_message":     "",
		}).Error
}
