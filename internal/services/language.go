package services

import (
	"path/filepath"
	"strings"
)

// extensionToLanguage maps file extensions to the language keys used by the
// diff processor, the import extractor and the prompt builder.
var extensionToLanguage = map[string]string{
	".ts":    "typescript",
	".tsx":   "typescript",
	".js":    "javascript",
	".jsx":   "javascript",
	".py":    "python",
	".java":  "java",
	".go":    "go",
	".rs":    "rust",
	".cpp":   "cpp",
	".cc":    "cpp",
	".c":     "c",
	".h":     "c",
	".cs":    "csharp",
	".rb":    "ruby",
	".php":   "php",
	".swift": "swift",
	".kt":    "kotlin",
	".sql":   "sql",
	".sh":    "shell",
	".yaml":  "yaml",
	".yml":   "yaml",
	".json":  "json",
	".md":    "markdown",
}

// DetectLanguage returns the language key for a file path, or "unknown".
func DetectLanguage(filePath string) string {
	ext := strings.ToLower(filepath.Ext(filePath))
	if lang, ok := extensionToLanguage[ext]; ok {
		return lang
	}
	return "unknown"
}

// languageHints maps language keys to review focus points appended to the
// user prompt for chunks of that language.
var languageHints = map[string]string{
	"go": `Go-specific checks:
- Check for unhandled errors (err != nil patterns)
- Verify proper defer/close usage for resources
- Check goroutine leaks and race conditions
- Ensure proper context.Context propagation`,

	"python": `Python-specific checks:
- Check for proper exception handling (avoid bare except)
- Check for mutable default arguments
- Validate proper resource cleanup (with statements)
- Check for injection vulnerabilities in string formatting`,

	"javascript": `JavaScript-specific checks:
- Check for potential XSS vulnerabilities
- Verify proper async/await and Promise error handling
- Check for memory leaks (event listeners, intervals)
- Validate proper null/undefined checks`,

	"typescript": `TypeScript-specific checks:
- Check for proper type safety (avoid 'any')
- Verify proper async/await and Promise error handling
- Check for memory leaks (event listeners, intervals)
- Validate proper null/undefined checks`,

	"java": `Java-specific checks:
- Check exception handling and resource management (try-with-resources)
- Verify null safety (Optional usage, @Nullable annotations)
- Check for thread safety issues
- Check for SQL injection in query construction`,

	"rust": `Rust-specific checks:
- Check for proper error handling (Result/Option usage)
- Check for unsafe blocks necessity
- Check for potential panics (unwrap usage)`,

	"ruby": `Ruby-specific checks:
- Check for proper exception handling
- Verify security of eval/send usage
- Check for N+1 queries in ActiveRecord`,

	"php": `PHP-specific checks:
- Check for SQL injection vulnerabilities
- Verify proper input validation and sanitization
- Check for XSS vulnerabilities`,

	"sql": `SQL-specific checks:
- Check for missing indexes on filtered columns
- Verify transactional boundaries for multi-statement changes
- Check for unbounded result sets`,
}

// LanguageHint returns review guidance for a language, empty when none exists.
func LanguageHint(language string) string {
	return languageHints[language]
}
