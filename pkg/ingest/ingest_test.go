package ingest

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memmcp/engram/pkg/dedup"
	"github.com/memmcp/engram/pkg/fanout"
	"github.com/memmcp/engram/pkg/history"
	"github.com/memmcp/engram/pkg/outbox"
	"github.com/memmcp/engram/pkg/rollup"
	"github.com/memmcp/engram/pkg/secrets"
	"github.com/memmcp/engram/pkg/topics"
	"github.com/memmcp/engram/pkg/types"
)

// enqueueRecorder is an outbox.Backend that records Enqueue calls and
// stubs everything else.
type enqueueRecorder struct {
	mu          sync.Mutex
	calls       [][]types.Target
	outstanding int
}

func (b *enqueueRecorder) Name() string { return "recorder" }

func (b *enqueueRecorder) Enqueue(_ context.Context, _ *types.MemoryEvent, targets []types.Target, _ bool) (*outbox.EnqueueResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, append([]types.Target(nil), targets...))
	res := &outbox.EnqueueResult{
		Inserted:          len(targets),
		CoalescedByTarget: map[types.Target]int{},
		Queued:            map[types.Target]bool{},
	}
	for _, t := range targets {
		res.Queued[t] = true
	}
	return res, nil
}

func (b *enqueueRecorder) enqueues() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.calls)
}

func (b *enqueueRecorder) ClaimBatch(context.Context, int, outbox.ClaimFilter) ([]*types.OutboxJob, error) {
	return nil, nil
}
func (b *enqueueRecorder) MarkSuccess(context.Context, int64) error          { return nil }
func (b *enqueueRecorder) MarkFailed(context.Context, int64, string) error   { return nil }
func (b *enqueueRecorder) MarkRetry(context.Context, *types.OutboxJob, string) error {
	return nil
}
func (b *enqueueRecorder) RecoverStaleRunning(context.Context, time.Duration) (int, error) {
	return 0, nil
}
func (b *enqueueRecorder) FailTarget(context.Context, types.Target, string) (int, error) {
	return 0, nil
}
func (b *enqueueRecorder) Deadletters(context.Context, types.Target, int) ([]*types.OutboxJob, error) {
	return nil, nil
}
func (b *enqueueRecorder) CountByStatus(context.Context) (map[types.OutboxStatus]int, error) {
	return map[types.OutboxStatus]int{}, nil
}
func (b *enqueueRecorder) OutstandingForTarget(context.Context, types.Target) (int, error) {
	return b.outstanding, nil
}
func (b *enqueueRecorder) Summary(context.Context) (*outbox.Summary, error) {
	return &outbox.Summary{Backend: "recorder"}, nil
}
func (b *enqueueRecorder) GC(context.Context, outbox.GCOptions) (*outbox.GCResult, error) {
	return &outbox.GCResult{}, nil
}
func (b *enqueueRecorder) Close() error { return nil }

// recordingStore is a canonical store that remembers what it wrote.
type recordingStore struct {
	mu       sync.Mutex
	keys     []string
	contents map[string]string
	err      error
}

func (s *recordingStore) WriteProjectFile(_ context.Context, project, file, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if s.contents == nil {
		s.contents = map[string]string{}
	}
	key := project + "/" + file
	s.keys = append(s.keys, key)
	s.contents[key] = content
	return nil
}

func (s *recordingStore) written() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.keys...)
}

func newTestPipeline(t *testing.T, backend outbox.Backend, mutate func(*Options)) (*Pipeline, *recordingStore, *CanonicalWriter) {
	t.Helper()
	store := &recordingStore{}
	writer := NewCanonicalWriter(store, 8, 1, time.Second, zerolog.Nop())
	writer.Start()
	t.Cleanup(writer.Stop)

	opts := Options{
		SummaryMaxChars: 200,
		Async:           true,
		Scanner:         secrets.NewScanner(),
		Policy:          secrets.PolicyRedact,
		Window:          dedup.NewWindow(time.Minute, 128),
		Latest:          dedup.NewLatestHashes(128),
		Rollup:          rollup.NewBuffer([]string{"__latest.json"}, time.Minute),
		Backend:         backend,
		Targets:         []types.Target{types.TargetVector, types.TargetSQL},
		Tree:            topics.NewTree("", zerolog.Nop()),
		Recent:          history.NewRecent(16),
		Writer:          writer,
		Logger:          zerolog.Nop(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	return NewPipeline(opts), store, writer
}

func TestSummarize(t *testing.T) {
	short := "a small note"
	assert.Equal(t, short, Summarize(short, 100))
	assert.Equal(t, "trimmed", Summarize("  trimmed \n", 100))

	long := strings.Repeat("abcdefghij", 30)
	got := Summarize(long, 50)
	assert.LessOrEqual(t, len([]rune(got)), 50)
	assert.Contains(t, got, " … ")
	assert.True(t, strings.HasPrefix(long, strings.Split(got, " … ")[0]))
	assert.True(t, strings.HasSuffix(long, strings.Split(got, " … ")[1]))

	// Multibyte content must be cut on rune boundaries.
	wide := strings.Repeat("語", 100)
	got = Summarize(wide, 20)
	assert.LessOrEqual(t, len([]rune(got)), 20)
	assert.NotContains(t, got, "�")

	// A zero limit falls back to the default rather than emptying out.
	assert.Equal(t, short, Summarize(short, 0))
}

func TestCanonicalWriterSaturation(t *testing.T) {
	store := &recordingStore{}
	writer := NewCanonicalWriter(store, 1, 1, time.Second, zerolog.Nop())
	// Never started: the queue cannot drain, so the second enqueue
	// must hit the bound.
	require.NoError(t, writer.Enqueue("p", "a.md", "one"))
	err := writer.Enqueue("p", "b.md", "two")
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrQueueSaturated)
}

func TestCanonicalWriterDrainsOnStop(t *testing.T) {
	store := &recordingStore{}
	writer := NewCanonicalWriter(store, 8, 1, time.Second, zerolog.Nop())
	writer.Start()
	for i := 0; i < 5; i++ {
		require.NoError(t, writer.Enqueue("p", "f.md", "content"))
	}
	writer.Stop()
	assert.Len(t, store.written(), 5)

	// Enqueue after Stop reports saturation instead of panicking.
	assert.ErrorIs(t, writer.Enqueue("p", "late.md", "x"), types.ErrQueueSaturated)
}

func TestPipelineWriteHappyPath(t *testing.T) {
	backend := &enqueueRecorder{}
	p, store, writer := newTestPipeline(t, backend, nil)

	resp, err := p.Write(context.Background(), &WriteRequest{
		Project: "atlas",
		File:    "decisions/outbox.md",
		Content: "Chose a durable outbox over fire-and-forget fanout.",
	})
	require.NoError(t, err)
	assert.True(t, resp.OK)
	assert.Len(t, resp.EventID, 32)
	assert.Equal(t, "decisions", resp.TopicPath)
	assert.False(t, resp.Deduped)
	assert.Equal(t, FanoutQueued, resp.Fanout["vector"])
	assert.Equal(t, FanoutQueued, resp.Fanout["sql"])
	assert.Equal(t, "queued", resp.Canonical)
	assert.Empty(t, resp.Warnings)
	assert.Equal(t, 1, backend.enqueues())

	writer.Stop()
	require.Len(t, store.written(), 1)
	assert.Equal(t, "atlas/decisions/outbox.md", store.written()[0])

	items := p.opts.Recent.Items("", 10)
	require.Len(t, items, 1)
	assert.Equal(t, resp.EventID, items[0].EventID)
}

func TestPipelineMirrorsConfiguredStreams(t *testing.T) {
	backend := &enqueueRecorder{}
	hist := history.NewStore(t.TempDir(), map[string]string{"signals": "signals_history.ndjson"}, "recordedAt", zerolog.Nop())
	p, _, _ := newTestPipeline(t, backend, func(o *Options) {
		o.History = hist
	})

	_, err := p.Write(context.Background(), &WriteRequest{
		Project: "atlas",
		File:    "signals/sol_snapshot.json",
		Content: `{"signal":"buy"}`,
	})
	require.NoError(t, err)
	_, err = p.Write(context.Background(), &WriteRequest{
		Project: "atlas",
		File:    "notes/idea.md",
		Content: "no stream for this topic",
	})
	require.NoError(t, err)

	writes, err := hist.Tail(WritesStream, 10)
	require.NoError(t, err)
	assert.Len(t, writes, 2)

	signals, err := hist.Tail("signals", 10)
	require.NoError(t, err)
	require.Len(t, signals, 1)
	assert.Equal(t, "signals/sol_snapshot.json", signals[0]["file"])
	assert.Contains(t, signals[0], "recordedAt")
}

func TestPipelineDedupWindow(t *testing.T) {
	backend := &enqueueRecorder{}
	p, _, _ := newTestPipeline(t, backend, nil)

	req := &WriteRequest{Project: "atlas", File: "notes/a.md", Content: "same content"}
	first, err := p.Write(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, first.Deduped)

	second, err := p.Write(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, second.Deduped)
	assert.False(t, second.LatestHashUnchanged)
	assert.Equal(t, 1, backend.enqueues())

	// Changed content is a fresh event.
	third, err := p.Write(context.Background(), &WriteRequest{
		Project: "atlas", File: "notes/a.md", Content: "updated content",
	})
	require.NoError(t, err)
	assert.False(t, third.Deduped)
	assert.Equal(t, 2, backend.enqueues())
}

func TestPipelineHotFileRollup(t *testing.T) {
	backend := &enqueueRecorder{}
	p, store, writer := newTestPipeline(t, backend, nil)

	first, err := p.Write(context.Background(), &WriteRequest{
		Project: "atlas",
		File:    "telemetry/queue__latest.json",
		Content: `{"depth": 4}`,
	})
	require.NoError(t, err)
	assert.True(t, first.RollupBuffered)
	assert.False(t, first.Deduped)
	assert.Empty(t, first.Fanout)
	assert.Equal(t, 0, backend.enqueues(), "hot files must not reach the outbox")

	// Same content again: the stored latest hash short-circuits before
	// the rollup buffer grows.
	second, err := p.Write(context.Background(), &WriteRequest{
		Project: "atlas",
		File:    "telemetry/queue__latest.json",
		Content: `{"depth": 4}`,
	})
	require.NoError(t, err)
	assert.True(t, second.Deduped)
	assert.True(t, second.LatestHashUnchanged)

	// New content buffers again instead of deduping.
	third, err := p.Write(context.Background(), &WriteRequest{
		Project: "atlas",
		File:    "telemetry/queue__latest.json",
		Content: `{"depth": 9}`,
	})
	require.NoError(t, err)
	assert.True(t, third.RollupBuffered)

	assert.Equal(t, 1, p.opts.Rollup.Pending())
	writer.Stop()
	assert.Empty(t, store.written(), "hot files skip the canonical store until flush")
}

func TestRollupFlushReentersPipeline(t *testing.T) {
	backend := &enqueueRecorder{}
	p, store, writer := newTestPipeline(t, backend, nil)

	for _, content := range []string{`{"n":1}`, `{"n":2}`} {
		_, err := p.Write(context.Background(), &WriteRequest{
			Project: "atlas",
			File:    "telemetry/queue__latest.json",
			Content: content,
		})
		require.NoError(t, err)
	}

	flusher := rollup.NewFlusher(p.opts.Rollup, p.EmitRollup, time.Minute, zerolog.Nop())
	result := flusher.Flush(context.Background(), true)
	require.Equal(t, 1, result.Flushed)
	require.Equal(t, 0, result.Errors)
	assert.Equal(t, "telemetry/_rollups/queue__latest__rollup.json", result.Entries[0].Path)

	// The synthesized document went through the cold path: canonical
	// write plus fanout, and it must not re-enter the buffer.
	assert.Equal(t, 1, backend.enqueues())
	assert.Equal(t, 0, p.opts.Rollup.Pending())

	writer.Stop()
	written := store.written()
	require.Len(t, written, 1)
	assert.Equal(t, "atlas/telemetry/_rollups/queue__latest__rollup.json", written[0])
	assert.Contains(t, store.contents[written[0]], rollup.Kind)
}

func TestPipelineSecretBlock(t *testing.T) {
	backend := &enqueueRecorder{}
	p, _, _ := newTestPipeline(t, backend, func(o *Options) {
		o.Policy = secrets.PolicyBlock
	})

	_, err := p.Write(context.Background(), &WriteRequest{
		Project: "atlas",
		File:    "notes/creds.md",
		Content: "api_key = sk-abcdefghijklmnop1234",
	})
	require.Error(t, err)
	var verr *types.ValidationError
	assert.ErrorAs(t, err, &verr)
	assert.Equal(t, 0, backend.enqueues())
}

func TestPipelineSecretRedaction(t *testing.T) {
	backend := &enqueueRecorder{}
	p, store, writer := newTestPipeline(t, backend, nil)

	resp, err := p.Write(context.Background(), &WriteRequest{
		Project: "atlas",
		File:    "notes/creds.md",
		Content: "deploy key is sk-abcdefghijklmnop1234 for staging",
	})
	require.NoError(t, err)
	require.Len(t, resp.Warnings, 1)
	assert.Contains(t, resp.Warnings[0], "redacted")

	writer.Stop()
	written := store.written()
	require.Len(t, written, 1)
	content := store.contents[written[0]]
	assert.Contains(t, content, secrets.Placeholder)
	assert.NotContains(t, content, "sk-abcdefghijklmnop1234")
}

func TestPipelineCanonicalSaturationAborts(t *testing.T) {
	backend := &enqueueRecorder{}
	store := &recordingStore{}
	// One slot and no workers: the second distinct write must find the
	// queue full.
	writer := NewCanonicalWriter(store, 1, 1, time.Second, zerolog.Nop())
	p, _, _ := newTestPipeline(t, backend, func(o *Options) {
		o.Writer = writer
	})

	_, err := p.Write(context.Background(), &WriteRequest{
		Project: "atlas", File: "a.md", Content: "first",
	})
	require.NoError(t, err)

	_, err = p.Write(context.Background(), &WriteRequest{
		Project: "atlas", File: "b.md", Content: "second",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrQueueSaturated)
	assert.Equal(t, 1, backend.enqueues(), "saturated canonical queue must abort before fanout")
}

func TestPipelineSyncCanonicalFailureWarns(t *testing.T) {
	backend := &enqueueRecorder{}
	failing := &recordingStore{err: errors.New("mcp session refused")}
	writer := NewCanonicalWriter(failing, 8, 1, time.Second, zerolog.Nop())
	p, _, _ := newTestPipeline(t, backend, func(o *Options) {
		o.Async = false
		o.Writer = writer
	})

	resp, err := p.Write(context.Background(), &WriteRequest{
		Project: "atlas", File: "a.md", Content: "content",
	})
	require.NoError(t, err)
	assert.Equal(t, "failed", resp.Canonical)
	require.NotEmpty(t, resp.Warnings)
	assert.Contains(t, resp.Warnings[0], "canonical store write failed")
	assert.Equal(t, 1, backend.enqueues(), "fanout still runs when the sync canonical write fails")
}

func TestPipelineAdmissionSkipsArchival(t *testing.T) {
	backend := &enqueueRecorder{outstanding: 50}
	state := &fanout.ArchivalState{}
	adm := fanout.NewAdmission(backend, state, nil, 10, 25, zerolog.Nop())
	p, _, _ := newTestPipeline(t, backend, func(o *Options) {
		o.Admission = adm
		o.Targets = []types.Target{types.TargetVector, types.TargetArchival}
	})

	resp, err := p.Write(context.Background(), &WriteRequest{
		Project: "atlas", File: "notes/b.md", Content: "over the hard backlog",
	})
	require.NoError(t, err)
	assert.Equal(t, FanoutQueued, resp.Fanout["vector"])
	assert.Equal(t, FanoutSkipped, resp.Fanout["archival"])
	require.NotEmpty(t, resp.Warnings)
	assert.Contains(t, resp.Warnings[0], "archival target skipped")

	require.Equal(t, 1, backend.enqueues())
	assert.Equal(t, []types.Target{types.TargetVector}, backend.calls[0])
}

func TestPipelineValidation(t *testing.T) {
	p, _, _ := newTestPipeline(t, &enqueueRecorder{}, nil)

	_, err := p.Write(context.Background(), &WriteRequest{File: "a.md", Content: "x"})
	var verr *types.ValidationError
	require.ErrorAs(t, err, &verr)

	_, err = p.Write(context.Background(), &WriteRequest{
		Project: "atlas", File: "../escape.md", Content: "x",
	})
	require.ErrorAs(t, err, &verr)
}
