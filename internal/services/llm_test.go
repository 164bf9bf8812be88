package services

import (
	"strings"
	"testing"
)

func TestParseReviewOutcome(t *testing.T) {
	t.Run("plain JSON", func(t *testing.T) {
		out, err := parseReviewOutcome(`{"summary":"Looks fine.","issues":[]}`)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if out.Summary != "Looks fine." || len(out.Issues) != 0 {
			t.Errorf("got %+v", out)
		}
	})

	t.Run("fenced JSON with prose", func(t *testing.T) {
		reply := "Here is my review:\n```json\n" +
			`{"summary":"One problem.","issues":[{"file":"a.ts","line":12,"severity":"high","type":"logic","message":"nil deref","suggestion":"guard it"}]}` +
			"\n```\nHope that helps!"
		out, err := parseReviewOutcome(reply)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(out.Issues) != 1 {
			t.Fatalf("issues = %d, want 1", len(out.Issues))
		}
		issue := out.Issues[0]
		if issue.Line != 12 || issue.Severity != "high" || issue.Type != "logic" {
			t.Errorf("issue = %+v", issue)
		}
	})

	t.Run("missing fields get defaults", func(t *testing.T) {
		out, err := parseReviewOutcome(`{"summary":"","issues":[{"file":"a.ts"}]}`)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		issue := out.Issues[0]
		if issue.Line != 0 {
			t.Errorf("line = %d, want 0", issue.Line)
		}
		if issue.Severity != "low" {
			t.Errorf("severity = %q, want low", issue.Severity)
		}
		if issue.Type != "style" {
			t.Errorf("type = %q, want style", issue.Type)
		}
		if issue.Message != "No description" || issue.Suggestion != "No suggestion" {
			t.Errorf("defaults not applied: %+v", issue)
		}
	})

	t.Run("unknown severity and type normalize", func(t *testing.T) {
		out, err := parseReviewOutcome(`{"summary":"s","issues":[{"severity":"BLOCKER","type":"smell","message":"m","suggestion":"s"}]}`)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if out.Issues[0].Severity != "low" || out.Issues[0].Type != "style" {
			t.Errorf("normalized to %q/%q", out.Issues[0].Severity, out.Issues[0].Type)
		}
	})

	t.Run("canonical types survive untouched", func(t *testing.T) {
		for _, typ := range []string{"security", "logic", "performance", "style"} {
			reply := `{"summary":"s","issues":[{"severity":"high","type":"` + typ + `","message":"m"}]}`
			out, err := parseReviewOutcome(reply)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if out.Issues[0].Type != typ {
				t.Errorf("type %q came back as %q", typ, out.Issues[0].Type)
			}
		}
	})

	t.Run("case-insensitive severity", func(t *testing.T) {
		out, err := parseReviewOutcome(`{"summary":"s","issues":[{"severity":"Critical","type":"Security","message":"m"}]}`)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if out.Issues[0].Severity != "critical" || out.Issues[0].Type != "security" {
			t.Errorf("got %q/%q", out.Issues[0].Severity, out.Issues[0].Type)
		}
	})

	t.Run("no JSON object is an error", func(t *testing.T) {
		if _, err := parseReviewOutcome("I could not review this."); err == nil {
			t.Error("expected error for reply without JSON")
		}
	})

	t.Run("truncated JSON is an error", func(t *testing.T) {
		if _, err := parseReviewOutcome(`{"summary":"cut off","issues":[{"file":}`); err == nil {
			t.Error("expected error for malformed JSON")
		}
	})
}

func TestExtractJSONObject(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"bare object", `{"a":1}`, `{"a":1}`},
		{"fenced", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"fence without language", "```\n{\"a\":1}\n```", `{"a":1}`},
		{"prose around", `The result: {"a":1} as requested.`, `{"a":1}`},
		{"nothing", "no object here", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractJSONObject(tt.content); got != tt.want {
				t.Errorf("extractJSONObject() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBuildChunkPrompt(t *testing.T) {
	chunk := &DiffChunk{
		Filename:  "src/auth.ts",
		Language:  "typescript",
		Hunks:     "+const token = issue(user);",
		Additions: 1,
		FileContext: &FileContext{
			Lines:            []string{"function issue(u) {", "  return sign(u);", "}"},
			StartLineNumber:  11,
			TargetLineNumber: 12,
			EndLineNumber:    13,
			TotalLines:       40,
			Imports:          []string{"import { sign } from 'jsonwebtoken';"},
		},
	}

	prompt := buildChunkPrompt(chunk)

	for _, want := range []string{
		"File: src/auth.ts",
		"Language: typescript",
		"Available Imports",
		"import { sign } from 'jsonwebtoken';",
		"Code Context (lines 11-13 of 40",
		"->   12 |", // arrow on the target line
		"```diff",
		"+const token = issue(user);",
		"TypeScript-specific checks", // language hint appended
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, prompt)
		}
	}
}

func TestBuildBatchPrompt(t *testing.T) {
	chunks := []*DiffChunk{
		{Filename: "a.go", Language: "go", Hunks: "+x := 1", Additions: 1},
		{Filename: "b.go", Language: "go", Hunks: "+y := 2", Additions: 1},
	}

	prompt := buildBatchPrompt(chunks)

	if !strings.Contains(prompt, "## File 1/2") || !strings.Contains(prompt, "## File 2/2") {
		t.Errorf("prompt missing file headers:\n%s", prompt)
	}
	if !strings.Contains(prompt, "File: a.go") || !strings.Contains(prompt, "File: b.go") {
		t.Errorf("prompt missing file names:\n%s", prompt)
	}
	// The same language hint appears once, not per file.
	if n := strings.Count(prompt, "Go-specific checks"); n != 1 {
		t.Errorf("language hint appears %d times, want 1", n)
	}
}
