package utils

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// Sanitizer strips markup from server-provided text before it reaches the terminal
type Sanitizer struct {
	policy *bluemonday.Policy
}

// NewSanitizer creates a sanitizer that removes every HTML element
func NewSanitizer() *Sanitizer {
	return &Sanitizer{
		policy: bluemonday.StrictPolicy(),
	}
}

// Sanitize removes markup and surrounding whitespace. Entities are decoded
// again since the output is plain text, not HTML.
func (s *Sanitizer) Sanitize(content string) string {
	if content == "" {
		return ""
	}
	return strings.TrimSpace(html.UnescapeString(s.policy.Sanitize(content)))
}

// TokenPrefix returns at most the first 8 characters of a token, safe for logs
func TokenPrefix(token string) string {
	if token == "" {
		return ""
	}
	return token[:min(8, len(token))] + "..."
}
