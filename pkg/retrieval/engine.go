package retrieval

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/memmcp/engram/pkg/config"
	"github.com/memmcp/engram/pkg/feedback"
	"github.com/memmcp/engram/pkg/metrics"
	"github.com/memmcp/engram/pkg/sinks"
	"github.com/memmcp/engram/pkg/types"
)

// PreferenceSource supplies the learning context for reranking. The
// feedback store implements it; tests substitute fakes.
type PreferenceSource interface {
	BuildPreferenceContext(ctx context.Context, project, userID string, limit int) (*feedback.PreferenceContext, error)
}

// Engine answers federated searches across the configured backends.
// Sources are consulted in a staged fast/slow plan, merged by identity
// and reranked with preference signals. Source failures degrade the
// response with warnings instead of failing it.
type Engine struct {
	cfg      config.RetrievalConfig
	registry *sinks.Registry
	prefs    PreferenceSource
	logger   zerolog.Logger
}

// NewEngine wires the engine to its backends. prefs may be nil, which
// disables learning rerank and preference rendering.
func NewEngine(cfg config.RetrievalConfig, registry *sinks.Registry, prefs PreferenceSource, logger zerolog.Logger) *Engine {
	if registry == nil {
		registry = &sinks.Registry{}
	}
	return &Engine{cfg: cfg, registry: registry, prefs: prefs, logger: logger}
}

// SearchRequest is the read-path wire contract.
type SearchRequest struct {
	Query              string             `json:"query"`
	Project            string             `json:"projectName,omitempty"`
	TopicPath          string             `json:"topicPath,omitempty"`
	Limit              int                `json:"limit,omitempty"`
	Sources            []string           `json:"sources,omitempty"`
	SourceWeights      map[string]float64 `json:"sourceWeights,omitempty"`
	RerankWithLearning *bool              `json:"rerankWithLearning,omitempty"`
	IncludePreferences bool               `json:"includePreferences,omitempty"`
	IncludeContent     bool               `json:"includeContent,omitempty"`
	IncludeDebug       bool               `json:"includeRetrievalDebug,omitempty"`
	UserID             string             `json:"userId,omitempty"`
}

func (r *SearchRequest) learningRequested() bool {
	return r.RerankWithLearning == nil || *r.RerankWithLearning
}

// SearchResponse is the read-path result envelope.
type SearchResponse struct {
	OK              bool                 `json:"ok"`
	Results         []types.SearchResult `json:"results"`
	Preferences     string               `json:"preferences,omitempty"`
	LearningEnabled bool                 `json:"learning_enabled"`
	Warnings        []string             `json:"warnings"`
	Retrieval       *Debug               `json:"retrieval,omitempty"`
}

// Debug explains how a search was planned and scored.
type Debug struct {
	types.SearchDebug
	Weights map[string]float64 `json:"weights"`
	Rerank  *RerankStats       `json:"rerank,omitempty"`
}

// RerankStats summarizes the learning pass over the final result set.
type RerankStats struct {
	Applied   bool `json:"applied"`
	Boosted   int  `json:"boosted"`
	Penalized int  `json:"penalized"`
}

// plan is the resolved source schedule for one search.
type plan struct {
	fast   []types.Source
	slow   []types.Source
	staged bool
	reason string
}

func (p plan) all() []types.Source {
	out := make([]types.Source, 0, len(p.fast)+len(p.slow))
	out = append(out, p.fast...)
	return append(out, p.slow...)
}

// Search runs the full federated read path.
func (e *Engine) Search(ctx context.Context, req *SearchRequest) (*SearchResponse, error) {
	if req == nil || strings.TrimSpace(req.Query) == "" {
		return nil, types.Validationf("query", "query is required")
	}
	limit := req.Limit
	switch {
	case limit < 0:
		return nil, types.Validationf("limit", "must be positive")
	case limit == 0:
		limit = e.cfg.DefaultLimit
	case limit > e.cfg.MaxLimit:
		limit = e.cfg.MaxLimit
	}

	weights, err := e.resolveWeights(req.SourceWeights)
	if err != nil {
		return nil, err
	}
	pl, err := e.resolvePlan(req.Sources)
	if err != nil {
		return nil, err
	}

	resp := &SearchResponse{OK: true, Results: []types.SearchResult{}, Warnings: []string{}}

	// Preference context is best-effort: a dead feedback store downgrades
	// to non-reranked retrieval.
	var pc *feedback.PreferenceContext
	if e.prefs != nil && (req.learningRequested() || req.IncludePreferences) {
		pc, err = e.prefs.BuildPreferenceContext(ctx, strings.TrimSpace(req.Project), strings.TrimSpace(req.UserID), 0)
		if err != nil {
			resp.Warnings = append(resp.Warnings, "Preference context unavailable: "+shortErr(err))
			pc = nil
		}
	}
	learning := req.learningRequested() && pc != nil && pc.Enabled
	resp.LearningEnabled = learning
	if req.IncludePreferences && pc != nil {
		resp.Preferences = pc.Rendered
	}

	q := query{
		text:      strings.TrimSpace(req.Query),
		project:   strings.TrimSpace(req.Project),
		topicPath: strings.TrimSpace(req.TopicPath),
		limit:     limit,
	}

	rows := make(map[types.Source][]types.SearchResult, 5)
	errs := make(map[types.Source]error, 5)
	e.fetchStage(ctx, pl.fast, q, rows, errs)

	staged := &types.StagedFetchDebug{Enabled: pl.staged, Reason: pl.reason}
	for _, src := range pl.fast {
		staged.FastSources = append(staged.FastSources, string(src))
	}
	if pl.staged {
		if e.skipSlow(pl.fast, rows, limit) {
			staged.Reason = "fast stage sufficient"
			for _, src := range pl.slow {
				staged.SlowSourcesSkipped = append(staged.SlowSourcesSkipped, string(src))
			}
			metrics.SlowSourcesSkippedTotal.Inc()
		} else {
			staged.Reason = "fast stage weak"
			e.fetchStage(ctx, pl.slow, q, rows, errs)
		}
	} else if len(pl.slow) > 0 {
		e.fetchStage(ctx, pl.slow, q, rows, errs)
	}

	consulted := pl.fast
	if len(staged.SlowSourcesSkipped) == 0 {
		consulted = pl.all()
	}
	for _, src := range consulted {
		if srcErr := errs[src]; srcErr != nil {
			resp.Warnings = append(resp.Warnings, string(src)+" retrieval failed: "+shortErr(srcErr))
		}
	}

	results, stats := e.mergeRerank(consulted, rows, weights, pc, learning)
	if len(results) > limit {
		results = results[:limit]
	}
	resp.Results = results

	if req.IncludeContent {
		e.attachContent(ctx, resp)
	}

	outcome := "ok"
	switch {
	case len(resp.Results) == 0:
		outcome = "empty"
	case len(errs) > 0:
		outcome = "degraded"
	}
	metrics.SearchesTotal.WithLabelValues(outcome).Inc()

	if req.IncludeDebug {
		debug := &Debug{Weights: weights}
		debug.SourceErrors = map[string]string{}
		debug.SourceCounts = map[string]int{}
		for _, src := range pl.all() {
			debug.ResolvedSources = append(debug.ResolvedSources, string(src))
		}
		for _, src := range consulted {
			debug.SourceCounts[string(src)] = len(rows[src])
			if srcErr := errs[src]; srcErr != nil {
				debug.SourceErrors[string(src)] = shortErr(srcErr)
			}
		}
		debug.StagedFetch = staged
		if learning {
			debug.Rerank = &stats
		}
		resp.Retrieval = debug
	}

	e.logger.Debug().
		Str("project", q.project).
		Int("results", len(resp.Results)).
		Int("source_errors", len(errs)).
		Str("outcome", outcome).
		Bool("learning", learning).
		Msg("Search completed")
	return resp, nil
}

// resolvePlan turns the caller's source list (or the configured staging
// split) into a schedule. With no explicit sources the plan keeps only
// backends that are actually configured, falling back to the vector
// source when nothing is.
func (e *Engine) resolvePlan(requested []string) (plan, error) {
	if len(requested) > 0 {
		seen := make(map[types.Source]bool, len(requested))
		var fast []types.Source
		for _, raw := range requested {
			src, err := types.ParseSource(raw)
			if err != nil {
				return plan{}, types.Validationf("sources", "%s", err.Error())
			}
			if !seen[src] {
				seen[src] = true
				fast = append(fast, src)
			}
		}
		return plan{fast: fast, reason: "explicit sources"}, nil
	}

	fast := e.availableSources(e.cfg.FastSources)
	slow := e.availableSources(e.cfg.SlowSources)
	if len(fast) == 0 && len(slow) == 0 {
		return plan{fast: []types.Source{types.SourceVector}, reason: "no sources configured"}, nil
	}
	if !e.cfg.StagedEnabled || len(fast) == 0 || len(slow) == 0 {
		return plan{fast: append(fast, slow...), reason: "staged fetch disabled"}, nil
	}
	return plan{fast: fast, slow: slow, staged: true}, nil
}

func (e *Engine) availableSources(names []string) []types.Source {
	var out []types.Source
	for _, raw := range names {
		src, err := types.ParseSource(raw)
		if err != nil {
			continue
		}
		if e.sourceConfigured(src) {
			out = append(out, src)
		}
	}
	return out
}

func (e *Engine) sourceConfigured(src types.Source) bool {
	switch src {
	case types.SourceVector:
		return e.registry.Vector != nil
	case types.SourceRaw:
		return e.registry.Raw != nil
	case types.SourceAnalytic:
		return e.registry.Analytic != nil
	case types.SourceArchival:
		return e.registry.Archival != nil
	case types.SourceCanonicalLexical:
		return e.registry.Canonical != nil
	}
	return false
}

func (e *Engine) resolveWeights(overrides map[string]float64) (map[string]float64, error) {
	weights := make(map[string]float64, len(e.cfg.Weights)+len(overrides))
	for src, w := range e.cfg.Weights {
		weights[src] = w
	}
	for raw, w := range overrides {
		src, err := types.ParseSource(raw)
		if err != nil {
			return nil, types.Validationf("sourceWeights", "%s", err.Error())
		}
		if w < 0 {
			return nil, types.Validationf("sourceWeights", "weight for %s must not be negative", src)
		}
		weights[string(src)] = w
	}
	return weights, nil
}

// fetchStage queries one stage's sources in parallel, each under its own
// timeout. Failures land in errs; they never abort the stage.
func (e *Engine) fetchStage(ctx context.Context, sources []types.Source, q query, rows map[types.Source][]types.SearchResult, errs map[types.Source]error) {
	if len(sources) == 0 {
		return
	}
	timeout := config.Seconds(e.cfg.SourceTimeoutSecs)
	if timeout <= 0 {
		timeout = 3 * time.Second
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, src := range sources {
		src := src
		g.Go(func() error {
			fetchCtx, cancel := context.WithTimeout(gctx, timeout)
			defer cancel()

			timer := metrics.NewTimer()
			found, err := e.fetchSource(fetchCtx, src, q)
			timer.ObserveDurationVec(metrics.SourceFetchDuration, string(src))

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				metrics.SourceErrorsTotal.WithLabelValues(string(src)).Inc()
				errs[src] = err
				return nil
			}
			rows[src] = found
			return nil
		})
	}
	_ = g.Wait()
}

// skipSlow decides whether the fast stage already carries the answer.
func (e *Engine) skipSlow(fast []types.Source, rows map[types.Source][]types.SearchResult, limit int) bool {
	count := 0
	top := 0.0
	seen := make(map[string]bool)
	for _, src := range fast {
		for _, row := range rows[src] {
			if key := row.MergeKey(); !seen[key] {
				seen[key] = true
				count++
			}
			if row.BaseScore > top {
				top = row.BaseScore
			}
		}
	}
	if count < e.cfg.MinResultsForSkip {
		return false
	}
	return top >= e.cfg.MinTopScore || count >= limit*2
}

type mergedRow struct {
	row       types.SearchResult
	composite float64
	pos, neg  int
	sources   []string
}

// mergeRerank folds per-source rows into one ranked list. Identity is
// project:file (or a summary digest); the best composite wins and the
// result remembers every source that produced it.
func (e *Engine) mergeRerank(order []types.Source, rows map[types.Source][]types.SearchResult, weights map[string]float64, pc *feedback.PreferenceContext, learning bool) ([]types.SearchResult, RerankStats) {
	merged := make(map[string]*mergedRow)
	var keys []string

	for _, src := range order {
		weight, ok := weights[string(src)]
		if !ok {
			weight = 1.0
		}
		for _, row := range rows[src] {
			pos, neg := 0, 0
			if learning {
				pos, neg = pc.Hits(row.Summary + " " + row.File)
			}
			composite := row.BaseScore*weight + float64(pos)*e.cfg.FeedbackBoost - float64(neg)*e.cfg.FeedbackPenalty

			key := row.MergeKey()
			existing, ok := merged[key]
			if !ok {
				merged[key] = &mergedRow{row: row, composite: composite, pos: pos, neg: neg, sources: []string{string(src)}}
				keys = append(keys, key)
				continue
			}
			if !containsString(existing.sources, string(src)) {
				existing.sources = append(existing.sources, string(src))
			}
			if composite > existing.composite {
				sources := existing.sources
				existing.row = row
				existing.composite = composite
				existing.pos = pos
				existing.neg = neg
				existing.sources = sources
			}
		}
	}

	stats := RerankStats{Applied: learning}
	out := make([]types.SearchResult, 0, len(keys))
	for _, key := range keys {
		m := merged[key]
		m.row.Score = m.composite
		if m.row.Metadata == nil {
			m.row.Metadata = map[string]any{}
		}
		m.row.Metadata["sources"] = m.sources
		if m.pos > 0 {
			stats.Boosted++
		}
		if m.neg > 0 {
			stats.Penalized++
		}
		out = append(out, m.row)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if out[i].BaseScore != out[j].BaseScore {
			return out[i].BaseScore > out[j].BaseScore
		}
		return out[i].MergeKey() < out[j].MergeKey()
	})
	return out, stats
}

// attachContent backfills full file bodies from the canonical store.
// The first read failure stops the pass so a dead store is hit once.
func (e *Engine) attachContent(ctx context.Context, resp *SearchResponse) {
	if e.registry.Canonical == nil {
		return
	}
	for i := range resp.Results {
		r := &resp.Results[i]
		if r.Project == "" || r.File == "" || r.Content != "" {
			continue
		}
		content, err := e.registry.Canonical.ReadProjectFile(ctx, r.Project, r.File)
		if err != nil {
			if errors.Is(err, types.ErrNotFound) {
				continue
			}
			resp.Warnings = append(resp.Warnings, "content fetch failed: "+shortErr(err))
			return
		}
		r.Content = content
	}
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func shortErr(err error) string {
	msg := err.Error()
	if len(msg) > 160 {
		msg = msg[:160]
	}
	return msg
}
