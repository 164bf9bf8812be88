package services

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/huangang/mrsentry/internal/config"
)

// fakeForge serves the repository-files endpoint with canned content.
func fakeForge(t *testing.T, files map[string]string) *ForgeService {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for path, content := range files {
			if strings.Contains(r.URL.Path, "/repository/files/") && strings.Contains(r.URL.Path, path) {
				json.NewEncoder(w).Encode(map[string]string{
					"content":  base64.StdEncoding.EncodeToString([]byte(content)),
					"encoding": "base64",
				})
				return
			}
		}
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"message":"404 File Not Found"}`))
	}))
	t.Cleanup(srv.Close)
	return NewForgeService(&config.ForgeConfig{Host: srv.URL, AccessToken: "t", RequestsPerSecond: 100})
}

func TestVerifierRouting(t *testing.T) {
	v := NewIssueVerifier(nil)
	chunk := &DiffChunk{Filename: "a.ts", Language: "typescript"}

	t.Run("security issues pass through", func(t *testing.T) {
		issue := &Issue{Type: "security", Message: "this import is not imported safely"}
		verdict := v.Verify(context.Background(), issue, chunk, 1, "head")
		if !verdict.IsValid || verdict.Confidence != "high" {
			t.Errorf("verdict = %+v, want valid/high", verdict)
		}
	})

	t.Run("performance issues pass through", func(t *testing.T) {
		issue := &Issue{Type: "performance", Message: "undefined behavior under load"}
		verdict := v.Verify(context.Background(), issue, chunk, 1, "head")
		if !verdict.IsValid {
			t.Errorf("verdict = %+v, want valid", verdict)
		}
	})

	t.Run("ordinary issues are not verified", func(t *testing.T) {
		issue := &Issue{Type: "style", Message: "prefer const over let"}
		verdict := v.Verify(context.Background(), issue, chunk, 1, "head")
		if !verdict.IsValid || verdict.Confidence != "medium" {
			t.Errorf("verdict = %+v, want valid/medium", verdict)
		}
	})
}

func TestVerifyImportClaim(t *testing.T) {
	t.Run("identifier present in context imports", func(t *testing.T) {
		v := NewIssueVerifier(nil)
		chunk := &DiffChunk{
			Filename: "a.ts",
			Language: "typescript",
			FileContext: &FileContext{
				Imports: []string{"import { useState } from 'react';"},
			},
		}
		issue := &Issue{Type: "logic", Message: "missing import for 'useState'"}
		verdict := v.Verify(context.Background(), issue, chunk, 1, "head")
		if verdict.IsValid {
			t.Errorf("verdict = %+v, want invalid (already imported)", verdict)
		}
	})

	t.Run("identifier found by fetching the file", func(t *testing.T) {
		v := NewIssueVerifier(fakeForge(t, map[string]string{
			"a.ts": "import { helper } from './helper';\n\nexport const x = helper();\n",
		}))
		chunk := &DiffChunk{Filename: "a.ts", Language: "typescript"}
		issue := &Issue{Type: "logic", Message: "'helper' is not imported"}
		verdict := v.Verify(context.Background(), issue, chunk, 1, "head")
		if verdict.IsValid {
			t.Errorf("verdict = %+v, want invalid", verdict)
		}
	})

	t.Run("identifier truly absent keeps the issue", func(t *testing.T) {
		v := NewIssueVerifier(fakeForge(t, map[string]string{
			"a.ts": "export const x = 1;\n",
		}))
		chunk := &DiffChunk{Filename: "a.ts", Language: "typescript"}
		issue := &Issue{Type: "logic", Message: "'MissingThing' is not imported"}
		verdict := v.Verify(context.Background(), issue, chunk, 1, "head")
		if !verdict.IsValid || verdict.Confidence != "high" {
			t.Errorf("verdict = %+v, want valid/high", verdict)
		}
	})

	t.Run("fetch failure keeps the issue with low confidence", func(t *testing.T) {
		v := NewIssueVerifier(fakeForge(t, nil))
		chunk := &DiffChunk{Filename: "gone.ts", Language: "typescript"}
		issue := &Issue{Type: "logic", Message: "'Whatever' is not imported"}
		verdict := v.Verify(context.Background(), issue, chunk, 1, "head")
		if !verdict.IsValid || verdict.Confidence != "low" {
			t.Errorf("verdict = %+v, want valid/low", verdict)
		}
	})
}

func TestVerifyDuplicateImportClaim(t *testing.T) {
	v := NewIssueVerifier(nil)

	t.Run("imported once is not a duplicate", func(t *testing.T) {
		chunk := &DiffChunk{
			Filename: "a.ts",
			Language: "typescript",
			FileContext: &FileContext{
				Imports: []string{"import { useState } from 'react';"},
			},
		}
		issue := &Issue{Type: "logic", Message: "duplicate import of 'useState'"}
		verdict := v.Verify(context.Background(), issue, chunk, 1, "head")
		if verdict.IsValid {
			t.Errorf("verdict = %+v, want invalid (single import)", verdict)
		}
	})

	t.Run("imported twice is a real duplicate", func(t *testing.T) {
		chunk := &DiffChunk{
			Filename: "a.ts",
			Language: "typescript",
			FileContext: &FileContext{
				Imports: []string{
					"import { useState } from 'react';",
					"import { useState } from 'preact/hooks';",
				},
			},
		}
		issue := &Issue{Type: "logic", Message: "duplicate import of 'useState'"}
		verdict := v.Verify(context.Background(), issue, chunk, 1, "head")
		if !verdict.IsValid || verdict.Confidence != "high" {
			t.Errorf("verdict = %+v, want valid/high", verdict)
		}
	})

	t.Run("no context keeps the claim at low confidence", func(t *testing.T) {
		chunk := &DiffChunk{Filename: "a.ts", Language: "typescript"}
		issue := &Issue{Type: "logic", Message: "duplicate import of 'useState'"}
		verdict := v.Verify(context.Background(), issue, chunk, 1, "head")
		if !verdict.IsValid || verdict.Confidence != "low" {
			t.Errorf("verdict = %+v, want valid/low", verdict)
		}
	})
}

func TestVerifyDefinitionClaim(t *testing.T) {
	t.Run("declared in context lines", func(t *testing.T) {
		v := NewIssueVerifier(nil)
		chunk := &DiffChunk{
			Filename: "a.ts",
			Language: "typescript",
			FileContext: &FileContext{
				Lines: []string{"const parseToken = (raw) => {", "  return raw.split('.');", "};"},
			},
		}
		issue := &Issue{Type: "logic", Message: "'parseToken' is not defined"}
		verdict := v.Verify(context.Background(), issue, chunk, 1, "head")
		if verdict.IsValid {
			t.Errorf("verdict = %+v, want invalid (declared in context)", verdict)
		}
	})

	t.Run("declared further out in the file", func(t *testing.T) {
		v := NewIssueVerifier(fakeForge(t, map[string]string{
			"a.ts": "function deepHelper() {\n  return 1;\n}\n\nexport const x = deepHelper();\n",
		}))
		chunk := &DiffChunk{Filename: "a.ts", Language: "typescript", ChangedLines: []int{5}}
		issue := &Issue{Type: "logic", Line: 5, Message: "'deepHelper' is not defined"}
		verdict := v.Verify(context.Background(), issue, chunk, 1, "head")
		if verdict.IsValid {
			t.Errorf("verdict = %+v, want invalid (declared nearby)", verdict)
		}
	})

	t.Run("cannot find name routes to the definition check", func(t *testing.T) {
		v := NewIssueVerifier(nil)
		chunk := &DiffChunk{
			Filename: "a.ts",
			Language: "typescript",
			FileContext: &FileContext{
				Lines: []string{"const parseToken = (raw) => raw;"},
			},
		}
		issue := &Issue{Type: "logic", Message: "cannot find name 'parseToken'"}
		verdict := v.Verify(context.Background(), issue, chunk, 1, "head")
		if verdict.IsValid {
			t.Errorf("verdict = %+v, want invalid (declared in context)", verdict)
		}
	})

	t.Run("never declared keeps the issue", func(t *testing.T) {
		v := NewIssueVerifier(fakeForge(t, map[string]string{
			"a.ts": "export const x = 1;\n",
		}))
		chunk := &DiffChunk{Filename: "a.ts", Language: "typescript", ChangedLines: []int{1}}
		issue := &Issue{Type: "logic", Line: 1, Message: "'phantomFn' is not defined"}
		verdict := v.Verify(context.Background(), issue, chunk, 1, "head")
		if !verdict.IsValid {
			t.Errorf("verdict = %+v, want valid", verdict)
		}
	})
}

func TestExtractIdentifier(t *testing.T) {
	tests := []struct {
		message string
		want    string
	}{
		{"'useState' is not imported", "useState"},
		{`"Helper" is not defined`, "Helper"},
		{"`fetchData` cannot find name", "fetchData"},
		{"MyClass is not defined here", "MyClass"},
		{"variable parseToken is undefined", "parseToken"},
		{"something went wrong", ""},
	}
	for _, tt := range tests {
		if got := extractIdentifier(tt.message); got != tt.want {
			t.Errorf("extractIdentifier(%q) = %q, want %q", tt.message, got, tt.want)
		}
	}
}

func TestLinesDeclare(t *testing.T) {
	tests := []struct {
		name  string
		lines []string
		ident string
		want  bool
	}{
		{"const", []string{"const foo = 1;"}, "foo", true},
		{"let", []string{"let bar = 2;"}, "bar", true},
		{"function", []string{"function doWork() {}"}, "doWork", true},
		{"arrow", []string{"handle = (e) => {"}, "handle", true},
		{"class", []string{"class Widget extends Base {"}, "Widget", true},
		{"interface", []string{"interface Shape {"}, "Shape", true},
		{"usage is not declaration", []string{"return foo(1);"}, "foo", false},
		{"regex metacharacters are quoted", []string{"const a = 1;"}, "a.b", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := linesDeclare(tt.lines, tt.ident); got != tt.want {
				t.Errorf("linesDeclare(%v, %q) = %v, want %v", tt.lines, tt.ident, got, tt.want)
			}
		})
	}
}

func TestImportsMention(t *testing.T) {
	imports := []string{
		"import { readFile as read } from 'fs';",
		"import axios from 'axios';",
	}
	for _, tt := range []struct {
		ident string
		want  bool
	}{
		{"readFile", true},
		{"read", true},
		{"axios", true},
		{"lodash", false},
	} {
		if got := importsMention(imports, tt.ident); got != tt.want {
			t.Errorf("importsMention(%q) = %v, want %v", tt.ident, got, tt.want)
		}
	}
}
