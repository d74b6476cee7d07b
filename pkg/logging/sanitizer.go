package logging

import (
	"regexp"
	"strings"
)

const (
	// MaxStatementLogLength caps how much of a generated statement is logged.
	MaxStatementLogLength = 200
	// RedactedText is the replacement text for sensitive data
	RedactedText = "[REDACTED]"
)

var (
	// Matches: password=xxx, pwd=xxx, pass=xxx (until next delimiter)
	passwordPattern = regexp.MustCompile(`(?i)(password|pwd|pass)=[^;&\s]+`)

	// user:pass@host in postgres:// and redis:// URLs
	connStringPattern = regexp.MustCompile(`://[^:/\s]+:[^@\s]+@[^/\s]+`)

	// Single-quoted literals in user-supplied default and check expressions
	literalPattern = regexp.MustCompile(`'(?:[^']|'')*'`)

	whitespacePattern = regexp.MustCompile(`\s+`)
)

// SanitizeConnectionString removes credentials from a connection string.
// Use this before logging any connection string.
func SanitizeConnectionString(connStr string) string {
	if connStr == "" {
		return ""
	}

	sanitized := passwordPattern.ReplaceAllString(connStr, "${1}="+RedactedText)
	sanitized = connStringPattern.ReplaceAllString(sanitized, "://"+RedactedText+"@"+RedactedText)

	return sanitized
}

// SanitizeError removes credentials from an error message. Driver errors
// raised while connecting can echo the DSN.
func SanitizeError(err error) string {
	if err == nil {
		return ""
	}
	return SanitizeConnectionString(err.Error())
}

// SanitizeStatement prepares generated SQL for a log line: literals are
// redacted, whitespace is collapsed and the result is truncated.
func SanitizeStatement(stmt string) string {
	if stmt == "" {
		return ""
	}

	sanitized := literalPattern.ReplaceAllString(stmt, "'"+RedactedText+"'")
	sanitized = strings.TrimSpace(whitespacePattern.ReplaceAllString(sanitized, " "))

	return TruncateString(sanitized, MaxStatementLogLength)
}

// TruncateString truncates a string to maxLen and adds ellipsis if needed
func TruncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
