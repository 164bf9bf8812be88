package services

import (
	"reflect"
	"strings"
	"testing"
)

func TestExtractImports(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		language string
		want     []string
	}{
		{
			name: "typescript imports and require",
			content: strings.Join([]string{
				"import { useState } from 'react';",
				"import axios from 'axios';",
				"const fs = require('fs');",
				"",
				"export function App() {}",
			}, "\n"),
			language: "typescript",
			want: []string{
				"import { useState } from 'react';",
				"import axios from 'axios';",
				"const fs = require('fs');",
			},
		},
		{
			name: "python from-import",
			content: strings.Join([]string{
				"import os",
				"from typing import List",
				"",
				"def main():",
				"    pass",
			}, "\n"),
			language: "python",
			want:     []string{"import os", "from typing import List"},
		},
		{
			name: "comments and blanks do not consume patience",
			content: strings.Join([]string{
				"// app entry",
				"",
				"/* header */",
				"# shebang-ish",
				"import a from 'a';",
				"import b from 'b';",
			}, "\n"),
			language: "javascript",
			want:     []string{"import a from 'a';", "import b from 'b';"},
		},
		{
			name: "scan stops after three code lines without a match",
			content: strings.Join([]string{
				"import early from 'early';",
				"const x = 1;",
				"const y = 2;",
				"const z = 3;",
				"import late from 'late';",
			}, "\n"),
			language: "javascript",
			want:     []string{"import early from 'early';"},
		},
		{
			name:     "unknown language falls back to typescript family",
			content:  "import something from 'somewhere';\n",
			language: "cobol",
			want:     []string{"import something from 'somewhere';"},
		},
		{
			name:     "go import block opener",
			content:  "package main\n\nimport (\n",
			language: "go",
			want:     []string{"import ("},
		},
		{
			name:     "rust use",
			content:  "use std::io;\nuse serde::Deserialize;\n",
			language: "rust",
			want:     []string{"use std::io;", "use serde::Deserialize;"},
		},
		{
			name:     "no imports",
			content:  "const a = 1;\nconst b = 2;\nconst c = 3;\nconst d = 4;\n",
			language: "javascript",
			want:     nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExtractImports(tt.content, tt.language)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ExtractImports() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestExtractImportsScanWindow(t *testing.T) {
	// An import on line 51 is past the scan window even when everything
	// before it is comments.
	var b strings.Builder
	for i := 0; i < 50; i++ {
		b.WriteString("// filler\n")
	}
	b.WriteString("import late from 'late';\n")

	if got := ExtractImports(b.String(), "javascript"); got != nil {
		t.Errorf("expected nothing past line %d, got %v", importScanLines, got)
	}
}

func TestExtractImportsPatienceResets(t *testing.T) {
	content := strings.Join([]string{
		"import a from 'a';",
		"const x = 1;",
		"const y = 2;",
		"import b from 'b';", // resets the counter before it hits three
		"const z = 3;",
		"const w = 4;",
		"const v = 5;",
		"import c from 'c';", // past patience, never reached
	}, "\n")

	got := ExtractImports(content, "javascript")
	want := []string{"import a from 'a';", "import b from 'b';"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ExtractImports() = %v, want %v", got, want)
	}
}
