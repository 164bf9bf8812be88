package services

import (
	"fmt"
	"strings"
)

const reviewSystemPrompt = `You are a senior code reviewer examining a merge request diff.

Rules:
- Review ONLY the lines prefixed with + or - in the diff. Unchanged context lines are provided for understanding, not for review.
- The "Available Imports" section lists declarations already present in the file. Trust it: do NOT report missing imports for anything listed there.
- When a "Code Context" section is present, read it before claiming an identifier is undefined or a pattern is wrong.
- Severity scale: critical (will break production or leak data), high (likely bug or vulnerability), medium (real problem worth fixing), low (minor or stylistic). When unsure, prefer the lower severity.
- Issue types: security, logic, performance, style. Prefer reporting security issues, then logic, then performance, then style.
- The "line" of each issue must be the new-file line number of a changed line.

Reply with exactly one JSON object and nothing else:
{
  "summary": "one or two sentences on the overall change",
  "issues": [
    {"file": "path", "line": 42, "severity": "high", "type": "logic", "message": "...", "suggestion": "..."}
  ]
}
An empty issues array is a valid and common answer.`

// buildChunkPrompt renders the user prompt for a single file chunk.
func buildChunkPrompt(chunk *DiffChunk) string {
	var b strings.Builder
	writeChunkSection(&b, chunk)

	if hint := LanguageHint(chunk.Language); hint != "" {
		b.WriteString("\n")
		b.WriteString(hint)
		b.WriteString("\n")
	}
	return b.String()
}

// buildBatchPrompt renders one prompt covering several file chunks. Each
// issue must name its file, so every section is numbered and labeled.
func buildBatchPrompt(chunks []*DiffChunk) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("This merge request touches %d files. Review each one; set the \"file\" field on every issue.\n", len(chunks)))

	hinted := make(map[string]bool)
	for i, chunk := range chunks {
		b.WriteString(fmt.Sprintf("\n## File %d/%d\n\n", i+1, len(chunks)))
		writeChunkSection(&b, chunk)
		if hint := LanguageHint(chunk.Language); hint != "" && !hinted[chunk.Language] {
			b.WriteString("\n")
			b.WriteString(hint)
			b.WriteString("\n")
			hinted[chunk.Language] = true
		}
	}
	return b.String()
}

func writeChunkSection(b *strings.Builder, chunk *DiffChunk) {
	fmt.Fprintf(b, "File: %s\n", chunk.Filename)
	fmt.Fprintf(b, "Language: %s\n", chunk.Language)
	fmt.Fprintf(b, "Changes: +%d -%d\n", chunk.Additions, chunk.Deletions)

	if fc := chunk.FileContext; fc != nil {
		if len(fc.Imports) > 0 {
			b.WriteString("\nAvailable Imports (already present in this file, do not flag as missing):\n")
			for _, imp := range fc.Imports {
				b.WriteString(imp)
				b.WriteString("\n")
			}
		} else {
			b.WriteString("\nNo imports were found at the top of this file.\n")
		}
		if len(fc.Lines) > 0 {
			fmt.Fprintf(b, "\nCode Context (lines %d-%d of %d around the first change):\n",
				fc.StartLineNumber, fc.EndLineNumber, fc.TotalLines)
			for i, line := range fc.Lines {
				n := fc.StartLineNumber + i
				marker := "  "
				if n == fc.TargetLineNumber {
					marker = "->"
				}
				fmt.Fprintf(b, "%s %4d | %s\n", marker, n, line)
			}
		}
	}

	b.WriteString("\nDiff:\n```diff\n")
	b.WriteString(chunk.Hunks)
	b.WriteString("\n```\n")
}
