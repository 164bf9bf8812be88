package services

import (
	"regexp"
	"strings"
)

const (
	// importScanLines bounds the prefix scan; imports past line 50 are not
	// worth chasing.
	importScanLines = 50

	// importScanPatience: stop after this many consecutive non-blank,
	// non-comment, non-matching lines.
	importScanPatience = 3
)

// importPatterns maps language keys to the regex family recognising
// import-like declarations. Unknown languages fall back to the
// TypeScript-style family.
var importPatterns = map[string][]*regexp.Regexp{
	"typescript": {
		regexp.MustCompile(`^\s*import\b`),
		regexp.MustCompile(`^\s*export\s*\{`),
		regexp.MustCompile(`\bfrom\s+['"]`),
		regexp.MustCompile(`^\s*(?:const|let|var)\s+.*=\s*require\s*\(`),
		regexp.MustCompile(`^\s*type\s*\{`),
	},
	"javascript": {
		regexp.MustCompile(`^\s*import\b`),
		regexp.MustCompile(`^\s*export\s*\{`),
		regexp.MustCompile(`\bfrom\s+['"]`),
		regexp.MustCompile(`^\s*(?:const|let|var)\s+.*=\s*require\s*\(`),
	},
	"python": {
		regexp.MustCompile(`^\s*import\b`),
		regexp.MustCompile(`^\s*from\s+\S+\s+import\b`),
	},
	"java": {
		regexp.MustCompile(`^\s*import\b`),
		regexp.MustCompile(`^\s*package\b`),
	},
	"go": {
		regexp.MustCompile(`^\s*import\s+"`),
		regexp.MustCompile(`^\s*import\s+\(`),
	},
	"rust": {
		regexp.MustCompile(`^\s*use\b`),
	},
	"php": {
		regexp.MustCompile(`^\s*use\b`),
		regexp.MustCompile(`\brequire(_once)?\b`),
		regexp.MustCompile(`\binclude(_once)?\b`),
	},
}

// ExtractImports scans the prefix of a file for import-like declarations and
// returns the matching lines with their indentation preserved. Scanning
// halts after importScanPatience consecutive lines of real code that match
// nothing, or at line importScanLines.
func ExtractImports(content, language string) []string {
	patterns, ok := importPatterns[language]
	if !ok {
		patterns = importPatterns["typescript"]
	}

	lines := strings.Split(content, "\n")
	if len(lines) > importScanLines {
		lines = lines[:importScanLines]
	}

	var imports []string
	nonMatching := 0

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if isCommentLine(trimmed) {
			continue
		}

		matched := false
		for _, p := range patterns {
			if p.MatchString(line) {
				matched = true
				break
			}
		}

		if matched {
			imports = append(imports, line)
			nonMatching = 0
			continue
		}

		nonMatching++
		if nonMatching >= importScanPatience {
			break
		}
	}

	return imports
}

func isCommentLine(trimmed string) bool {
	return strings.HasPrefix(trimmed, "//") ||
		strings.HasPrefix(trimmed, "/*") ||
		strings.HasPrefix(trimmed, "*") ||
		strings.HasPrefix(trimmed, "#")
}
