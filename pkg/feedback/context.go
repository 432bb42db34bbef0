package feedback

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/memmcp/engram/pkg/types"
)

// Per-bucket caps keep the rendered context and the term sets bounded no
// matter how much feedback a project accumulates.
const (
	maxBucketEntries = 20
	maxRenderEntries = 5
	maxRenderChars   = 90
	maxTerms         = 64
)

// PreferenceContext is the distilled learning signal for one user/project
// scope. Positive and Negative hold recent raw statements; the term sets
// behind Hits drive retrieval's rerank.
type PreferenceContext struct {
	Enabled   bool      `json:"enabled"`
	Total     int       `json:"total"`
	Positive  []string  `json:"positive,omitempty"`
	Negative  []string  `json:"negative,omitempty"`
	Notes     []string  `json:"notes,omitempty"`
	Rendered  string    `json:"rendered,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`

	posTerms map[string]struct{}
	negTerms map[string]struct{}
}

// Hits counts the distinct positive and negative preference terms that
// appear in text. Distinct terms, not occurrences, so repetition in a
// summary cannot dominate the rerank.
func (p *PreferenceContext) Hits(text string) (pos, neg int) {
	if p == nil || (len(p.posTerms) == 0 && len(p.negTerms) == 0) {
		return 0, 0
	}
	seen := make(map[string]struct{}, 16)
	for _, tok := range tokenize(text) {
		if _, dup := seen[tok]; dup {
			continue
		}
		seen[tok] = struct{}{}
		if _, ok := p.posTerms[tok]; ok {
			pos++
		}
		if _, ok := p.negTerms[tok]; ok {
			neg++
		}
	}
	return pos, neg
}

// BuildPreferenceContext loads recent feedback for the scope and folds it
// into buckets. An empty scope yields a disabled context, not an error.
func (s *Store) BuildPreferenceContext(ctx context.Context, project, userID string, limit int) (*PreferenceContext, error) {
	if limit <= 0 {
		limit = 50
	}
	entries, err := s.List(ctx, ListFilter{Project: project, UserID: userID, Limit: limit})
	if err != nil {
		return nil, err
	}

	pc := &PreferenceContext{
		Total:    len(entries),
		posTerms: make(map[string]struct{}),
		negTerms: make(map[string]struct{}),
	}
	for _, entry := range entries {
		line := collapse(entry.Content)
		switch {
		case entry.Positive():
			if line != "" && len(pc.Positive) < maxBucketEntries {
				pc.Positive = append(pc.Positive, line)
			}
			addTerms(pc.posTerms, entry)
		case entry.Negative():
			if line != "" && len(pc.Negative) < maxBucketEntries {
				pc.Negative = append(pc.Negative, line)
			}
			addTerms(pc.negTerms, entry)
		default:
			if line != "" && len(pc.Notes) < maxBucketEntries {
				pc.Notes = append(pc.Notes, line)
			}
		}
		if entry.CreatedAt.After(pc.UpdatedAt) {
			pc.UpdatedAt = entry.CreatedAt
		}
	}
	pc.Enabled = pc.Total > 0
	pc.Rendered = render(pc)
	return pc, nil
}

func addTerms(set map[string]struct{}, entry types.Feedback) {
	if len(set) >= maxTerms {
		return
	}
	for _, tok := range tokenize(entry.Content) {
		if len(set) >= maxTerms {
			return
		}
		set[tok] = struct{}{}
	}
	for _, tag := range entry.Tags {
		for _, tok := range tokenize(tag) {
			if len(set) >= maxTerms {
				return
			}
			set[tok] = struct{}{}
		}
	}
}

func render(pc *PreferenceContext) string {
	if pc.Total == 0 {
		return ""
	}
	var b strings.Builder
	if line := renderBucket("Prefers", pc.Positive); line != "" {
		b.WriteString(line)
	}
	if line := renderBucket("Avoid", pc.Negative); line != "" {
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(line)
	}
	if line := renderBucket("Notes", pc.Notes); line != "" {
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(line)
	}
	if b.Len() > 0 {
		b.WriteByte('\n')
	}
	fmt.Fprintf(&b, "(%d signals, updated %s)", pc.Total, pc.UpdatedAt.UTC().Format(time.RFC3339))
	return b.String()
}

func renderBucket(label string, items []string) string {
	if len(items) == 0 {
		return ""
	}
	if len(items) > maxRenderEntries {
		items = items[:maxRenderEntries]
	}
	clipped := make([]string, 0, len(items))
	for _, item := range items {
		if len(item) > maxRenderChars {
			item = item[:maxRenderChars] + "…"
		}
		clipped = append(clipped, item)
	}
	return label + ": " + strings.Join(clipped, "; ")
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Common words excluded from term sets so rerank hits stay meaningful.
var stopwords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "with": {}, "that": {}, "this": {},
	"from": {}, "are": {}, "was": {}, "were": {}, "have": {}, "has": {},
	"not": {}, "you": {}, "your": {}, "but": {}, "all": {}, "can": {},
	"use": {}, "using": {}, "when": {}, "what": {}, "which": {}, "how": {},
	"where": {}, "into": {}, "over": {}, "more": {}, "also": {}, "just": {},
	"like": {}, "some": {}, "any": {}, "each": {}, "other": {}, "same": {},
	"only": {}, "will": {}, "would": {}, "should": {}, "could": {},
	"there": {}, "here": {}, "about": {}, "always": {}, "never": {},
	"please": {}, "want": {}, "need": {}, "prefer": {}, "avoid": {},
	"dont": {}, "don't": {}, "it's": {}, "its": {},
}

func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\'' && r != '_' && r != '-'
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, "'-_")
		if len(f) < 3 {
			continue
		}
		if _, stop := stopwords[f]; stop {
			continue
		}
		out = append(out, f)
	}
	return out
}
