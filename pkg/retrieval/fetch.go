package retrieval

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/memmcp/engram/pkg/sinks"
	"github.com/memmcp/engram/pkg/types"
)

// query is one search scoped to a project/topic, already validated.
type query struct {
	text      string
	project   string
	topicPath string
	limit     int
}

func (e *Engine) fetchSource(ctx context.Context, src types.Source, q query) ([]types.SearchResult, error) {
	switch src {
	case types.SourceVector:
		return e.fetchVector(ctx, q)
	case types.SourceRaw:
		return e.fetchRaw(ctx, q)
	case types.SourceAnalytic:
		return e.fetchAnalytic(ctx, q)
	case types.SourceArchival:
		return e.fetchArchival(ctx, q)
	case types.SourceCanonicalLexical:
		return e.fetchCanonical(ctx, q)
	}
	return nil, fmt.Errorf("unknown source %q", src)
}

func (e *Engine) fetchVector(ctx context.Context, q query) ([]types.SearchResult, error) {
	if e.registry.Vector == nil {
		return nil, errors.New("vector store not configured")
	}
	var vec []float32
	if e.registry.Embeddings != nil {
		var err error
		vec, err = e.registry.Embeddings.Embed(ctx, q.text)
		if err != nil {
			return nil, fmt.Errorf("embed query: %w", err)
		}
	} else {
		vec = sinks.FallbackEmbedding(q.text, 0)
	}

	hits, err := e.registry.Vector.Query(ctx, vec, q.project, q.topicPath, q.limit)
	if err != nil {
		return nil, err
	}
	out := make([]types.SearchResult, 0, len(hits))
	for _, hit := range hits {
		out = append(out, types.SearchResult{
			Project:   hit.Project,
			File:      hit.File,
			Summary:   hit.Summary,
			Score:     hit.Score,
			BaseScore: hit.Score,
			Source:    types.SourceVector,
		})
	}
	return out, nil
}

func (e *Engine) fetchRaw(ctx context.Context, q query) ([]types.SearchResult, error) {
	if e.registry.Raw == nil {
		return nil, errors.New("raw store not configured")
	}
	// The raw store filters by coordinates only, so overfetch and let
	// text scoring pick the survivors.
	fetchLimit := q.limit * 3
	if fetchLimit > 100 {
		fetchLimit = 100
	}
	docs, err := e.registry.Raw.Search(ctx, q.project, q.topicPath, fetchLimit)
	if err != nil {
		return nil, err
	}

	out := make([]types.SearchResult, 0, len(docs))
	for _, doc := range docs {
		sample := doc.Summary + " " + doc.File
		if doc.Content != "" {
			sample += " " + clip(doc.Content, 800)
		}
		base := scoreText(q.text, sample)
		if base == 0 {
			continue
		}
		out = append(out, types.SearchResult{
			Project:   doc.Project,
			File:      doc.File,
			Summary:   doc.Summary,
			Score:     base,
			BaseScore: base,
			Source:    types.SourceRaw,
			TopicPath: doc.TopicPath,
		})
	}
	sortByBase(out)
	return truncate(out, q.limit), nil
}

func (e *Engine) fetchAnalytic(ctx context.Context, q query) ([]types.SearchResult, error) {
	if e.registry.Analytic == nil {
		return nil, errors.New("analytic store not configured")
	}
	rows, err := e.registry.Analytic.Search(ctx, q.text, q.project, q.topicPath, q.limit*2)
	if err != nil {
		return nil, err
	}

	out := make([]types.SearchResult, 0, len(rows))
	for _, row := range rows {
		base := scoreText(q.text, row.Summary+" "+row.File)
		if base == 0 {
			// The LIKE scan matched even though token scoring found
			// nothing, typically a substring inside a longer word.
			base = 0.25
		}
		out = append(out, types.SearchResult{
			Project:   row.Project,
			File:      row.File,
			Summary:   row.Summary,
			Score:     base,
			BaseScore: base,
			Source:    types.SourceAnalytic,
			TopicPath: row.TopicPath,
		})
	}
	sortByBase(out)
	return truncate(out, q.limit), nil
}

func (e *Engine) fetchArchival(ctx context.Context, q query) ([]types.SearchResult, error) {
	if e.registry.Archival == nil {
		return nil, errors.New("archival store not configured")
	}
	passages, err := e.registry.Archival.Search(ctx, q.text, q.project, q.limit)
	if err != nil {
		return nil, err
	}

	out := make([]types.SearchResult, 0, len(passages))
	for _, passage := range passages {
		project, file, topic, rest := sinks.ParseHeader(passage.Text)
		if project == "" {
			project = q.project
		}
		base := passage.Score
		if base <= 0 {
			base = scoreText(q.text, file+" "+rest)
		}
		if base <= 0 {
			continue
		}
		out = append(out, types.SearchResult{
			Project:   project,
			File:      file,
			Summary:   clip(rest, 300),
			Score:     base,
			BaseScore: base,
			Source:    types.SourceArchival,
			TopicPath: topic,
		})
	}
	sortByBase(out)
	return truncate(out, q.limit), nil
}

// fetchCanonical walks the canonical store's project listings, scores
// file names, then reads only the best candidates for summary text. The
// walk is bounded per project and in total.
func (e *Engine) fetchCanonical(ctx context.Context, q query) ([]types.SearchResult, error) {
	if e.registry.Canonical == nil {
		return nil, errors.New("canonical store not configured")
	}
	projects := []string{q.project}
	if q.project == "" {
		var err error
		projects, err = e.registry.Canonical.ListProjects(ctx)
		if err != nil {
			return nil, err
		}
	}

	scanCap := e.cfg.CanonicalScanCap
	if scanCap <= 0 {
		scanCap = 500
	}
	projectCap := e.cfg.CanonicalProjectCap
	if projectCap <= 0 {
		projectCap = 100
	}

	var candidates []types.SearchResult
	scanned := 0
	for _, project := range projects {
		if scanned >= scanCap {
			break
		}
		files, err := e.registry.Canonical.ListProjectFiles(ctx, project)
		if err != nil {
			if len(projects) == 1 {
				return nil, err
			}
			continue
		}
		walked := 0
		for _, file := range files {
			if walked >= projectCap || scanned >= scanCap {
				break
			}
			walked++
			scanned++
			base := scoreText(q.text, project+" "+file)
			if base == 0 {
				continue
			}
			candidates = append(candidates, types.SearchResult{
				Project:   project,
				File:      file,
				Score:     base,
				BaseScore: base,
				Source:    types.SourceCanonicalLexical,
			})
		}
	}

	sortByBase(candidates)
	candidates = truncate(candidates, q.limit)

	// Bounded reads: fill in summaries only for the survivors, and let a
	// summary match raise a weak name score.
	for i := range candidates {
		content, err := e.registry.Canonical.ReadProjectFile(ctx, candidates[i].Project, candidates[i].File)
		if err != nil {
			continue
		}
		summary := clip(strings.Join(strings.Fields(content), " "), 240)
		candidates[i].Summary = summary
		if s := 0.9 * scoreText(q.text, summary); s > candidates[i].BaseScore {
			candidates[i].BaseScore = s
			candidates[i].Score = s
		}
	}
	sortByBase(candidates)
	return candidates, nil
}

// scoreText rates text against the query by distinct token overlap, with
// a bonus when the whole phrase appears. Scores stay in [0, 1].
func scoreText(queryText, text string) float64 {
	tokens := queryTokens(queryText)
	if len(tokens) == 0 || text == "" {
		return 0
	}
	lower := strings.ToLower(text)
	matched := 0
	for _, tok := range tokens {
		if strings.Contains(lower, tok) {
			matched++
		}
	}
	if matched == 0 {
		return 0
	}
	score := float64(matched) / float64(len(tokens))
	phrase := strings.ToLower(strings.TrimSpace(queryText))
	if len(phrase) >= 4 && strings.Contains(lower, phrase) {
		score += 0.2
	}
	if score > 1 {
		score = 1
	}
	return score
}

func queryTokens(queryText string) []string {
	fields := strings.Fields(strings.ToLower(queryText))
	seen := make(map[string]bool, len(fields))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, `"'.,:;!?()[]{}`)
		if len(f) < 2 || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
		if len(out) == 16 {
			break
		}
	}
	return out
}

func sortByBase(rows []types.SearchResult) {
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].BaseScore != rows[j].BaseScore {
			return rows[i].BaseScore > rows[j].BaseScore
		}
		return rows[i].File < rows[j].File
	})
}

func truncate(rows []types.SearchResult, limit int) []types.SearchResult {
	if limit > 0 && len(rows) > limit {
		return rows[:limit]
	}
	return rows
}

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
