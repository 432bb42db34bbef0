package ingest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/memmcp/engram/pkg/dedup"
	"github.com/memmcp/engram/pkg/fanout"
	"github.com/memmcp/engram/pkg/history"
	"github.com/memmcp/engram/pkg/metrics"
	"github.com/memmcp/engram/pkg/outbox"
	"github.com/memmcp/engram/pkg/rollup"
	"github.com/memmcp/engram/pkg/secrets"
	"github.com/memmcp/engram/pkg/sinks"
	"github.com/memmcp/engram/pkg/topics"
	"github.com/memmcp/engram/pkg/types"
)

const rawWriteTimeout = 5 * time.Second

// WriteRequest is the memory/write body. Field names follow the wire
// contract agents already speak.
type WriteRequest struct {
	Project   string `json:"projectName"`
	File      string `json:"fileName"`
	Content   string `json:"content"`
	TopicPath string `json:"topicPath,omitempty"`
	RequestID string `json:"-"`
}

// WriteResponse reports what happened to one write: which fanout
// targets were queued (and how), whether dedup or rollup short-circuited
// the pipeline, and any degradations as warnings.
type WriteResponse struct {
	OK                  bool              `json:"ok"`
	EventID             string            `json:"event_id,omitempty"`
	Project             string            `json:"project,omitempty"`
	File                string            `json:"file,omitempty"`
	TopicPath           string            `json:"topic_path,omitempty"`
	Deduped             bool              `json:"deduped,omitempty"`
	LatestHashUnchanged bool              `json:"latest_hash_unchanged,omitempty"`
	RollupBuffered      bool              `json:"rollup_buffered,omitempty"`
	Fanout              map[string]string `json:"fanout,omitempty"`
	Canonical           string            `json:"canonical,omitempty"`
	Warnings            []string          `json:"warnings"`
}

// Per-target fanout outcomes reported in WriteResponse.Fanout.
const (
	FanoutQueued      = "queued"
	FanoutCoalesced   = "coalesced"
	FanoutExisting    = "existing"
	FanoutWrittenSync = "written_sync"
	FanoutSkipped     = "skipped"
)

// Options wires the pipeline's collaborators.
type Options struct {
	SummaryMaxChars int
	Async           bool

	Scanner   *secrets.Scanner
	Policy    secrets.Policy
	Window    *dedup.Window
	Latest    *dedup.LatestHashes
	Rollup    *rollup.Buffer
	Registry  *sinks.Registry
	Backend   outbox.Backend
	Admission *fanout.Admission
	Targets   []types.Target
	Notify    func() bool
	Tree      *topics.Tree
	Recent    *history.Recent
	History   *history.Store
	Writer    *CanonicalWriter
	Logger    zerolog.Logger
}

// Pipeline is the ingest path: one Write call runs secret policy,
// dedup, raw persistence, rollup buffering, the canonical write, and
// fanout enqueueing in a fixed order.
type Pipeline struct {
	opts Options
}

// NewPipeline builds the ingest pipeline.
func NewPipeline(opts Options) *Pipeline {
	if opts.SummaryMaxChars <= 0 {
		opts.SummaryMaxChars = 500
	}
	return &Pipeline{opts: opts}
}

// Write runs one memory write through the pipeline.
func (p *Pipeline) Write(ctx context.Context, req *WriteRequest) (*WriteResponse, error) {
	if req.Project == "" {
		return nil, types.Validationf("projectName", "required")
	}
	file, err := topics.CleanPath(req.File)
	if err != nil {
		return nil, err
	}

	content, redacted, err := p.opts.Scanner.Apply(p.opts.Policy, req.Content)
	if err != nil {
		metrics.WritesTotal.WithLabelValues("blocked").Inc()
		return nil, err
	}

	resp := &WriteResponse{
		OK:       true,
		Project:  req.Project,
		File:     file,
		Fanout:   map[string]string{},
		Warnings: []string{},
	}
	if redacted > 0 {
		resp.Warnings = append(resp.Warnings, fmt.Sprintf("%d potential secret(s) redacted", redacted))
	}

	topicPath, topicTags := topics.Derive(file, req.TopicPath)
	hash := types.ContentHash(content)
	now := time.Now().UTC()
	event := &types.MemoryEvent{
		EventID:     types.EventID(req.Project, file, hash),
		Project:     req.Project,
		File:        file,
		Content:     content,
		Summary:     Summarize(content, p.opts.SummaryMaxChars),
		ContentHash: hash,
		TopicPath:   topicPath,
		TopicTags:   topicTags,
		RequestID:   req.RequestID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	resp.EventID = event.EventID
	resp.TopicPath = topicPath

	hot := p.opts.Rollup != nil && p.opts.Rollup.Matches(file)

	// Hot files whose content hash is already the stored latest skip
	// everything except a best-effort raw refresh.
	if hot && p.opts.Latest != nil && p.opts.Latest.Unchanged(req.Project, file, hash) {
		p.rawBestEffort(ctx, event)
		metrics.WritesTotal.WithLabelValues("deduped").Inc()
		resp.Deduped = true
		resp.LatestHashUnchanged = true
		return resp, nil
	}

	if p.opts.Window != nil && p.opts.Window.Duplicate(req.Project, file, hash) {
		metrics.WritesTotal.WithLabelValues("deduped").Inc()
		resp.Deduped = true
		return resp, nil
	}

	rawSynced := p.rawSync(ctx, event, resp)

	if hot {
		if p.opts.Latest != nil {
			p.opts.Latest.Update(req.Project, file, hash)
		}
		p.opts.Rollup.Add(event)
		metrics.WritesTotal.WithLabelValues("rollup_buffered").Inc()
		resp.RollupBuffered = true
		if rawSynced {
			resp.Fanout[string(types.TargetRaw)] = FanoutWrittenSync
		}
		p.record(event, resp)
		return resp, nil
	}

	if err := p.canonical(ctx, event, resp); err != nil {
		return nil, err
	}

	targets := p.eventTargets(rawSynced)
	if p.opts.Admission != nil {
		var warnings []string
		targets, warnings = p.opts.Admission.Filter(ctx, event, targets)
		if len(warnings) > 0 {
			resp.Warnings = append(resp.Warnings, warnings...)
			resp.Fanout[string(types.TargetArchival)] = FanoutSkipped
		}
	}

	if len(targets) > 0 {
		result, err := p.opts.Backend.Enqueue(ctx, event, targets, false)
		if err != nil {
			return nil, fmt.Errorf("enqueue fanout: %w", err)
		}
		for _, target := range targets {
			switch {
			case result.CoalescedByTarget[target] > 0:
				resp.Fanout[string(target)] = FanoutCoalesced
			case result.Queued[target]:
				resp.Fanout[string(target)] = FanoutQueued
			default:
				resp.Fanout[string(target)] = FanoutExisting
			}
		}
		if result.Coalesced > 0 {
			metrics.EnqueueCoalescedTotal.Add(float64(result.Coalesced))
		}
		if p.opts.Notify != nil {
			p.opts.Notify()
		}
	}
	if rawSynced {
		resp.Fanout[string(types.TargetRaw)] = FanoutWrittenSync
	}

	metrics.WritesTotal.WithLabelValues("accepted").Inc()
	metrics.WriteBytesTotal.Add(float64(len(content)))
	p.record(event, resp)
	return resp, nil
}

// rawSync persists the event to the raw store on the request path.
// Failure is not fatal: the raw target stays in the fanout set and the
// outbox retries it.
func (p *Pipeline) rawSync(ctx context.Context, event *types.MemoryEvent, resp *WriteResponse) bool {
	if p.opts.Registry == nil || p.opts.Registry.Raw == nil {
		return false
	}
	writeCtx, cancel := context.WithTimeout(ctx, rawWriteTimeout)
	defer cancel()
	if err := p.opts.Registry.Raw.Upsert(writeCtx, event); err != nil {
		p.opts.Logger.Warn().Err(err).
			Str("project", event.Project).
			Str("file", event.File).
			Msg("Raw store write failed, deferring to fanout")
		resp.Warnings = append(resp.Warnings, "raw store write deferred to fanout")
		return false
	}
	return true
}

// rawBestEffort refreshes the raw document without surfacing errors.
func (p *Pipeline) rawBestEffort(ctx context.Context, event *types.MemoryEvent) {
	if p.opts.Registry == nil || p.opts.Registry.Raw == nil {
		return
	}
	writeCtx, cancel := context.WithTimeout(ctx, rawWriteTimeout)
	defer cancel()
	if err := p.opts.Registry.Raw.Upsert(writeCtx, event); err != nil {
		p.opts.Logger.Debug().Err(err).Str("file", event.File).Msg("Raw refresh for unchanged hot file failed")
	}
}

// canonical dispatches the memory-bank write. Async mode answers queue
// saturation with an error so the HTTP layer can return 503; sync mode
// degrades to a warning because the raw store already holds the event.
func (p *Pipeline) canonical(ctx context.Context, event *types.MemoryEvent, resp *WriteResponse) error {
	if p.opts.Writer == nil {
		resp.Canonical = FanoutSkipped
		return nil
	}
	if p.opts.Async {
		if err := p.opts.Writer.Enqueue(event.Project, event.File, event.Content); err != nil {
			return err
		}
		resp.Canonical = "queued"
		return nil
	}
	if err := p.opts.Writer.WriteSync(ctx, event.Project, event.File, event.Content); err != nil {
		p.opts.Logger.Error().Err(err).Str("file", event.File).Msg("Canonical write failed")
		resp.Warnings = append(resp.Warnings, "canonical store write failed: "+outbox.TruncateError(err.Error()))
		resp.Canonical = "failed"
		return nil
	}
	resp.Canonical = "written"
	return nil
}

// eventTargets returns the fanout set for one event: the enabled
// targets, minus raw when the synchronous write already landed.
func (p *Pipeline) eventTargets(rawSynced bool) []types.Target {
	out := make([]types.Target, 0, len(p.opts.Targets))
	for _, target := range p.opts.Targets {
		if rawSynced && target == types.TargetRaw {
			continue
		}
		out = append(out, target)
	}
	return out
}

// record updates the process-local views of the write: topic counts,
// the recent deque, and the writes history stream.
func (p *Pipeline) record(event *types.MemoryEvent, resp *WriteResponse) {
	if p.opts.Tree != nil {
		p.opts.Tree.Record(event.Project, event.TopicPath)
	}

	item := history.WriteItem{
		EventID:        event.EventID,
		Project:        event.Project,
		File:           event.File,
		Summary:        event.Summary,
		TopicPath:      event.TopicPath,
		Deduped:        resp.Deduped,
		RollupBuffered: resp.RollupBuffered,
		CreatedAt:      event.CreatedAt,
	}
	if p.opts.Recent != nil {
		p.opts.Recent.Add(item)
	}
	if p.opts.History != nil {
		rec := history.Record{
			"event_id":   item.EventID,
			"project":    item.Project,
			"file":       item.File,
			"summary":    item.Summary,
			"topic_path": item.TopicPath,
			"created_at": item.CreatedAt.Format(time.RFC3339Nano),
		}
		if item.RollupBuffered {
			rec["rollup_buffered"] = true
		}
		if err := p.opts.History.Append(WritesStream, rec); err != nil {
			p.opts.Logger.Warn().Err(err).Msg("Writes history append failed")
		}
		// Snapshot kinds keep their own stream: a topic head naming a
		// configured stream mirrors the record there.
		if head, _, _ := strings.Cut(event.TopicPath, "/"); p.opts.History.Configured(head) {
			if err := p.opts.History.Append(head, rec); err != nil {
				p.opts.Logger.Warn().Err(err).Str("stream", head).Msg("Stream history append failed")
			}
		}
	}
}

// WritesStream is the NDJSON stream backing /memory/recent restarts.
const WritesStream = "writes"

// EmitRollup adapts the pipeline for rollup flushes: synthesized
// rollup documents re-enter Write under the rollup's derived path,
// which never matches the hot-file suffixes again.
func (p *Pipeline) EmitRollup(ctx context.Context, project, file, content, topicPath string) error {
	_, err := p.Write(ctx, &WriteRequest{
		Project:   project,
		File:      file,
		Content:   content,
		TopicPath: topicPath,
	})
	return err
}
