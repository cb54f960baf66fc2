package errdefs

import "regexp"

// Patterns for secret material that must never appear in published error
// messages: vendor API keys, bearer/authorization headers, key=value
// credentials, and email addresses.
var redactPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\bsk-[A-Za-z0-9_-]{8,}\b`),
	regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/=-]{8,}`),
	regexp.MustCompile(`(?i)\b(api[_-]?key|token|secret|password|authorization)\s*[=:]\s*\S+`),
	regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`),
}

const redactedMarker = "[redacted]"

// Redact strips secret-looking substrings from a message before it is
// published or logged.
func Redact(message string) string {
	for _, pat := range redactPatterns {
		message = pat.ReplaceAllString(message, redactedMarker)
	}
	return message
}
