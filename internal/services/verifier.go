package services

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/huangang/mrsentry/pkg/logger"
)

// Verification is the verdict on one model-reported issue.
type Verification struct {
	IsValid    bool
	Confidence string // high, medium, low
	Reason     string
}

// IssueVerifier cross-checks model findings against real file content to
// filter hallucinated "missing import" and "undefined identifier" claims.
type IssueVerifier struct {
	forge *ForgeService
}

func NewIssueVerifier(forge *ForgeService) *IssueVerifier {
	return &IssueVerifier{forge: forge}
}

var (
	importClaimKeywords = []string{
		"import", "not imported", "missing import", "cannot find",
	}
	definitionClaimKeywords = []string{
		"not defined", "undefined", "not declared", "cannot find name",
	}
)

// Verify routes an issue to the matching heuristic. Issues that make no
// verifiable claim pass through; security and performance findings are
// never second-guessed.
func (v *IssueVerifier) Verify(ctx context.Context, issue *Issue, chunk *DiffChunk, forgeProjectID int, ref string) Verification {
	if issue.Type == "security" || issue.Type == "performance" {
		return Verification{IsValid: true, Confidence: "high", Reason: "severity-sensitive type, kept as-is"}
	}

	message := strings.ToLower(issue.Message)
	switch {
	// "cannot find name" is a definition claim even though it also matches
	// the broader import keyword "cannot find".
	case strings.Contains(message, "cannot find name"):
		return v.verifyDefinitionClaim(ctx, issue, chunk, forgeProjectID, ref)
	case containsAny(message, importClaimKeywords):
		return v.verifyImportClaim(ctx, issue, chunk, forgeProjectID, ref)
	case containsAny(message, definitionClaimKeywords):
		return v.verifyDefinitionClaim(ctx, issue, chunk, forgeProjectID, ref)
	default:
		return Verification{IsValid: true, Confidence: "medium", Reason: "not verified"}
	}
}

// verifyImportClaim checks whether the identifier the model calls missing is
// actually present in the file's import prefix.
func (v *IssueVerifier) verifyImportClaim(ctx context.Context, issue *Issue, chunk *DiffChunk, forgeProjectID int, ref string) Verification {
	ident := extractIdentifier(issue.Message)
	if ident == "" {
		return Verification{IsValid: true, Confidence: "low", Reason: "no identifier to check"}
	}

	if strings.Contains(strings.ToLower(issue.Message), "duplicate") {
		return verifyDuplicateImport(chunk, ident)
	}

	if fc := chunk.FileContext; fc != nil {
		if importsMention(fc.Imports, ident) {
			return Verification{
				IsValid:    false,
				Confidence: "high",
				Reason:     fmt.Sprintf("%q is already imported", ident),
			}
		}
	}

	content, err := v.forge.GetFileContent(ctx, forgeProjectID, chunk.Filename, ref)
	if err != nil {
		logger.Warnf("[Verifier] Could not fetch %s to verify import claim: %v", chunk.Filename, err)
		return Verification{IsValid: true, Confidence: "low", Reason: "file unavailable, kept"}
	}
	if importsMention(ExtractImports(content, chunk.Language), ident) {
		return Verification{
			IsValid:    false,
			Confidence: "high",
			Reason:     fmt.Sprintf("%q is already imported", ident),
		}
	}
	if strings.Contains(content, ident) {
		// Present somewhere in the file even if not in the import prefix;
		// likely a local declaration the model missed.
		return Verification{
			IsValid:    false,
			Confidence: "medium",
			Reason:     fmt.Sprintf("%q appears in the file", ident),
		}
	}
	return Verification{IsValid: true, Confidence: "high", Reason: fmt.Sprintf("%q not found in file", ident)}
}

// verifyDuplicateImport counts how many import lines mention the identifier.
// One or fewer means the "duplicate import" claim is wrong. Only the context
// imports are consulted; without context the claim is kept at low confidence.
func verifyDuplicateImport(chunk *DiffChunk, ident string) Verification {
	if chunk.FileContext == nil {
		return Verification{IsValid: true, Confidence: "low", Reason: "no context to count imports"}
	}
	count := 0
	for _, line := range chunk.FileContext.Imports {
		if strings.Contains(line, ident) {
			count++
		}
	}
	if count <= 1 {
		return Verification{
			IsValid:    false,
			Confidence: "high",
			Reason:     fmt.Sprintf("%q is imported %d time(s), not duplicated", ident, count),
		}
	}
	return Verification{
		IsValid:    true,
		Confidence: "high",
		Reason:     fmt.Sprintf("%q is imported %d times", ident, count),
	}
}

// verifyDefinitionClaim checks whether an allegedly undefined identifier is
// declared in the surrounding context, then in a wider window of the file.
func (v *IssueVerifier) verifyDefinitionClaim(ctx context.Context, issue *Issue, chunk *DiffChunk, forgeProjectID int, ref string) Verification {
	ident := extractIdentifier(issue.Message)
	if ident == "" {
		return Verification{IsValid: true, Confidence: "low", Reason: "no identifier to check"}
	}

	if fc := chunk.FileContext; fc != nil {
		if linesDeclare(fc.Lines, ident) || importsMention(fc.Imports, ident) {
			return Verification{
				IsValid:    false,
				Confidence: "high",
				Reason:     fmt.Sprintf("%q is declared in context", ident),
			}
		}
	}

	// Widen the window around the reported line before giving up.
	line := issue.Line
	if line < 1 && len(chunk.ChangedLines) > 0 {
		line = chunk.ChangedLines[0]
	}
	extended, err := v.forge.GetFileContentWithContext(ctx, forgeProjectID, chunk.Filename, ref, line, 50)
	if err != nil {
		logger.Warnf("[Verifier] Could not fetch %s to verify definition claim: %v", chunk.Filename, err)
		return Verification{IsValid: true, Confidence: "low", Reason: "file unavailable, kept"}
	}
	if linesDeclare(extended.Lines, ident) || importsMention(extended.Imports, ident) {
		return Verification{
			IsValid:    false,
			Confidence: "high",
			Reason:     fmt.Sprintf("%q is declared nearby", ident),
		}
	}
	return Verification{IsValid: true, Confidence: "high", Reason: fmt.Sprintf("no declaration of %q found", ident)}
}

var (
	quotedIdentPattern = regexp.MustCompile("['\"`]([A-Za-z_$][A-Za-z0-9_$.]*)['\"`]")
	bareIdentPattern   = regexp.MustCompile(`\b([A-Z][A-Za-z0-9_$]*|[a-z][a-z0-9]*[A-Z][A-Za-z0-9_$]*)\b`)
)

// extractIdentifier pulls the identifier an issue message is about: a quoted
// name wins, otherwise the first capitalized or lowerCamel token. Prose words
// can slip through the bare-token fallback; the verifier tolerates that by
// erring toward keeping the issue.
func extractIdentifier(message string) string {
	if m := quotedIdentPattern.FindStringSubmatch(message); m != nil {
		return m[1]
	}
	if m := bareIdentPattern.FindStringSubmatch(message); m != nil {
		return m[1]
	}
	return ""
}

// importsMention reports whether any import line references the identifier.
// Substring matching is deliberately lax: it covers destructured forms like
// "{ a, b as c }" and module-path mentions alike, and a false "already
// imported" verdict only suppresses a low-value comment.
func importsMention(imports []string, ident string) bool {
	for _, line := range imports {
		if strings.Contains(line, ident) {
			return true
		}
	}
	return false
}

// linesDeclare reports whether any line declares the identifier as a
// variable, function, class-like type, or arrow function.
func linesDeclare(lines []string, ident string) bool {
	q := regexp.QuoteMeta(ident)
	declPatterns := []*regexp.Regexp{
		regexp.MustCompile(`\b(?:const|let|var)\s+` + q + `\b`),
		regexp.MustCompile(`\bfunction\s+` + q + `\b`),
		regexp.MustCompile(`\b` + q + `\s*=\s*\(`),
		regexp.MustCompile(`\b(?:class|interface|type|enum)\s+` + q + `\b`),
	}
	for _, line := range lines {
		for _, p := range declPatterns {
			if p.MatchString(line) {
				return true
			}
		}
	}
	return false
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}
