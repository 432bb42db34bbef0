package secrets

import (
	"regexp"

	"github.com/memmcp/engram/pkg/metrics"
	"github.com/memmcp/engram/pkg/types"
)

// Policy decides what happens when content matches a secret pattern.
type Policy string

const (
	PolicyAllow  Policy = "allow"
	PolicyRedact Policy = "redact"
	PolicyBlock  Policy = "block"
)

// Placeholder replaces redacted spans.
const Placeholder = "[REDACTED]"

// BlockedReason is the rejection message a block policy attaches. Handlers
// key off it to distinguish policy blocks from plain validation failures.
const BlockedReason = "potential secret detected"

// Default pattern set: provider key prefixes, bearer headers, JWT shapes,
// assignment-shaped credentials and PEM private key blocks. Patterns err on
// the side of matching; the allow policy exists for projects that cannot
// tolerate false positives.
var defaultPatterns = []string{
	`\bsk-[A-Za-z0-9_-]{16,}\b`,
	`\bAKIA[0-9A-Z]{16}\b`,
	`\bghp_[A-Za-z0-9]{36}\b`,
	`\bgithub_pat_[A-Za-z0-9_]{22,}\b`,
	`\bxox[baprs]-[A-Za-z0-9-]{10,}\b`,
	`(?i)\bbearer\s+[A-Za-z0-9._~+/=-]{20,}`,
	`\beyJ[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]{8,}\b`,
	`(?i)\b(?:api[_-]?key|secret|token|password|passwd)\b\s*[=:]\s*['"]?[^\s'"]{8,}`,
	`-----BEGIN [A-Z ]*PRIVATE KEY-----`,
}

// Scanner matches text against the secret pattern set.
type Scanner struct {
	patterns []*regexp.Regexp
}

// NewScanner compiles the default patterns plus any extras. Extras that do
// not compile are ignored rather than taking the process down.
func NewScanner(extra ...string) *Scanner {
	s := &Scanner{}
	for _, p := range defaultPatterns {
		s.patterns = append(s.patterns, regexp.MustCompile(p))
	}
	for _, p := range extra {
		re, err := regexp.Compile(p)
		if err != nil {
			continue
		}
		s.patterns = append(s.patterns, re)
	}
	return s
}

// HasSecret reports whether text contains at least one secret-shaped span.
func (s *Scanner) HasSecret(text string) bool {
	for _, re := range s.patterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// Redact replaces every secret-shaped span with the placeholder and
// returns the cleaned text plus the replacement count.
func (s *Scanner) Redact(text string) (string, int) {
	count := 0
	for _, re := range s.patterns {
		text = re.ReplaceAllStringFunc(text, func(string) string {
			count++
			return Placeholder
		})
	}
	return text, count
}

// RedactAny walks nested JSON-shaped values (maps, slices, strings) and
// redacts every string leaf. Non-string leaves pass through untouched.
func (s *Scanner) RedactAny(v any) any {
	switch val := v.(type) {
	case string:
		clean, _ := s.Redact(val)
		return clean
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = s.RedactAny(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = s.RedactAny(item)
		}
		return out
	default:
		return v
	}
}

// Apply enforces a policy over content. Under block it returns a
// ValidationError when a secret is present; under redact it returns the
// cleaned content and the redaction count; under allow it passes through.
func (s *Scanner) Apply(policy Policy, content string) (string, int, error) {
	switch policy {
	case PolicyAllow:
		return content, 0, nil
	case PolicyBlock:
		if s.HasSecret(content) {
			metrics.SecretsBlockedTotal.Inc()
			return "", 0, types.Validationf("content", "%s", BlockedReason)
		}
		return content, 0, nil
	default:
		clean, n := s.Redact(content)
		if n > 0 {
			metrics.SecretsRedactedTotal.Add(float64(n))
		}
		return clean, n, nil
	}
}
