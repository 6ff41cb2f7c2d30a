package synthesis

import (
	"regexp"
	"strings"
)

// Regex definitions use \x60 for backticks because Go raw strings cannot contain them.
var codeBlockRegex = regexp.MustCompile("(?s)\x60\x60\x60[a-zA-Z0-9_+-]*[ \\t]*\\n?(.*?)\\s*\x60\x60\x60")

var slugRegex = regexp.MustCompile(`[^a-z0-9]+`)

// CleanSource strips a surrounding markdown fence from generated code.
// Text without a fence is returned trimmed.
func CleanSource(content string) string {
	content = strings.TrimSpace(content)
	if m := codeBlockRegex.FindStringSubmatch(content); len(m) > 1 {
		return strings.TrimSpace(m[1]) + "\n"
	}
	if content == "" {
		return ""
	}
	return content + "\n"
}

// fileExtension maps a test framework to the extension of its source files.
func fileExtension(framework string) string {
	switch strings.ToLower(framework) {
	case "", "playwright":
		return ".spec.ts"
	case "cypress":
		return ".cy.js"
	case "selenium", "pytest":
		return "_test.py"
	case "go", "chromedp":
		return "_test.go"
	default:
		return ".txt"
	}
}

func slug(s string) string {
	s = strings.Trim(slugRegex.ReplaceAllString(strings.ToLower(s), "-"), "-")
	if len(s) > 60 {
		s = strings.TrimRight(s[:60], "-")
	}
	return s
}
