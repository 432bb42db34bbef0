package ingest

import "strings"

const summaryJoiner = " … "

// Summarize bounds content to maxRunes, keeping the head and tail of
// long content around a joiner so both the opening context and the
// latest state survive truncation.
func Summarize(content string, maxRunes int) string {
	if maxRunes <= 0 {
		maxRunes = 500
	}
	text := strings.TrimSpace(content)
	runes := []rune(text)
	if len(runes) <= maxRunes {
		return text
	}

	joiner := []rune(summaryJoiner)
	keep := maxRunes - len(joiner)
	if keep < 2 {
		return string(runes[:maxRunes])
	}
	head := (keep * 2) / 3
	tail := keep - head
	return strings.TrimSpace(string(runes[:head])) + summaryJoiner +
		strings.TrimSpace(string(runes[len(runes)-tail:]))
}
