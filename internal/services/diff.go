package services

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/huangang/mrsentry/pkg/logger"
)

const (
	// DefaultContextLines is the processor's own context width; the
	// orchestrator overrides it per job.
	DefaultContextLines = 20

	// maxChunkLines caps the rendered chunk text.
	maxChunkLines = 100
)

// DiffChunk is one file's slice of the merge-request diff: every changed
// line plus up to contextLines unchanged neighbours, capped at
// maxChunkLines.
type DiffChunk struct {
	Filename     string
	OldPath      string
	Language     string
	Hunks        string
	Additions    int
	Deletions    int
	ChangedLines []int // new-file line numbers of additions
	FileContext  *FileContext
}

// FileContext is a window of file content at a commit around a target
// new-file line, plus the imports scanned from the file's prefix.
type FileContext struct {
	Lines            []string
	StartLineNumber  int // 1-based, inclusive
	TargetLineNumber int
	EndLineNumber    int
	TotalLines       int
	Imports          []string
}

var (
	diffGitPattern = regexp.MustCompile(`(?m)^diff --git a/(.+?) b/(.+?)$`)
	hunkPattern    = regexp.MustCompile(`^@@ -(\d+)(?:,(\d+))? \+(\d+)(?:,(\d+))? @@`)
)

// diffLine is one parsed line of a file block, keyed by its position so
// context selection can deduplicate.
type diffLine struct {
	idx     int
	text    string
	kind    byte // '+', '-', ' '
	newLine int  // new-file line number; 0 for deletions
	hunk    int  // hunk ordinal, context never crosses hunks
}

// ExtractChunks parses unified-diff text into per-file chunks. Binary and
// deleted files are skipped; files without changed lines are dropped.
func ExtractChunks(diff string, contextLines int) []*DiffChunk {
	if contextLines <= 0 {
		contextLines = DefaultContextLines
	}

	var chunks []*DiffChunk
	for _, block := range splitFileBlocks(diff) {
		chunk := extractFileChunk(block, contextLines)
		if chunk != nil {
			chunks = append(chunks, chunk)
		}
	}
	return chunks
}

type fileBlock struct {
	oldPath string
	newPath string
	content string
}

// splitFileBlocks splits a unified diff into per-file blocks on the
// "diff --git" markers, falling back to the ---/+++ headers when the text
// carries no git header (forge compare payloads).
func splitFileBlocks(diff string) []fileBlock {
	indices := diffGitPattern.FindAllStringIndex(diff, -1)
	if len(indices) == 0 {
		if strings.TrimSpace(diff) == "" {
			return nil
		}
		old, new_ := pathsFromHeaders(diff)
		return []fileBlock{{oldPath: old, newPath: new_, content: diff}}
	}

	var blocks []fileBlock
	for i, idx := range indices {
		start := idx[0]
		end := len(diff)
		if i+1 < len(indices) {
			end = indices[i+1][0]
		}

		content := diff[start:end]
		matches := diffGitPattern.FindStringSubmatch(content)

		var oldPath, newPath string
		if len(matches) >= 3 {
			oldPath = matches[1]
			newPath = matches[2]
		}
		// The ---/+++ headers win when present: they expose /dev/null
		// for created and deleted files.
		if o, n := pathsFromHeaders(content); o != "" || n != "" {
			if o != "" {
				oldPath = o
			}
			if n != "" {
				newPath = n
			}
		}

		blocks = append(blocks, fileBlock{oldPath: oldPath, newPath: newPath, content: content})
	}
	return blocks
}

func pathsFromHeaders(block string) (oldPath, newPath string) {
	for _, line := range strings.Split(block, "\n") {
		if strings.HasPrefix(line, "--- ") {
			oldPath = strings.TrimPrefix(strings.TrimPrefix(line, "--- "), "a/")
		} else if strings.HasPrefix(line, "+++ ") {
			newPath = strings.TrimPrefix(strings.TrimPrefix(line, "+++ "), "b/")
			return
		}
	}
	return
}

func extractFileChunk(block fileBlock, contextLines int) *DiffChunk {
	if strings.Contains(block.content, "Binary files ") || strings.Contains(block.content, "GIT binary patch") {
		return nil
	}
	if block.newPath == "/dev/null" {
		return nil
	}

	lines, additions, deletions := parseDiffLines(block.content)
	if additions == 0 && deletions == 0 {
		return nil
	}

	selected := make(map[int]bool, len(lines))
	var changedLines []int

	for i, dl := range lines {
		if dl.kind != '+' && dl.kind != '-' {
			continue
		}
		selected[dl.idx] = true
		if dl.kind == '+' {
			changedLines = append(changedLines, dl.newLine)
			// Preceding context, only lines not yet selected, never
			// across a change or hunk boundary.
			picked := 0
			for j := i - 1; j >= 0 && picked < contextLines; j-- {
				if lines[j].hunk != dl.hunk || lines[j].kind != ' ' {
					break
				}
				if !selected[lines[j].idx] {
					selected[lines[j].idx] = true
					picked++
				}
			}
			// Following context, halting early at the next change.
			picked = 0
			for j := i + 1; j < len(lines) && picked < contextLines; j++ {
				if lines[j].hunk != dl.hunk || lines[j].kind != ' ' {
					break
				}
				if !selected[lines[j].idx] {
					selected[lines[j].idx] = true
					picked++
				}
			}
		}
	}

	var rendered []string
	for _, dl := range lines {
		if selected[dl.idx] {
			rendered = append(rendered, dl.text)
		}
	}

	filename := block.newPath
	if filename == "" {
		filename = block.oldPath
	}

	if len(rendered) > maxChunkLines {
		logger.Warnf("[Diff] Chunk for %s exceeds %d lines (%d), truncating tail", filename, maxChunkLines, len(rendered))
		rendered = rendered[:maxChunkLines]
	}

	return &DiffChunk{
		Filename:     filename,
		OldPath:      block.oldPath,
		Language:     DetectLanguage(filename),
		Hunks:        strings.Join(rendered, "\n"),
		Additions:    additions,
		Deletions:    deletions,
		ChangedLines: changedLines,
	}
}

// parseDiffLines walks a file block and annotates every hunk line with its
// new-file line number.
func parseDiffLines(block string) (lines []diffLine, additions, deletions int) {
	raw := strings.Split(block, "\n")
	newLine := 0
	hunk := -1
	idx := 0

	for _, text := range raw {
		if m := hunkPattern.FindStringSubmatch(text); m != nil {
			newLine, _ = strconv.Atoi(m[3])
			hunk++
			continue
		}
		if hunk < 0 {
			continue // file headers before the first hunk
		}
		if strings.HasPrefix(text, `\`) {
			continue // "\ No newline at end of file"
		}

		switch {
		case strings.HasPrefix(text, "+"):
			lines = append(lines, diffLine{idx: idx, text: text, kind: '+', newLine: newLine, hunk: hunk})
			newLine++
			additions++
		case strings.HasPrefix(text, "-"):
			lines = append(lines, diffLine{idx: idx, text: text, kind: '-', hunk: hunk})
			deletions++
		default:
			lines = append(lines, diffLine{idx: idx, text: text, kind: ' ', newLine: newLine, hunk: hunk})
			newLine++
		}
		idx++
	}
	return
}
