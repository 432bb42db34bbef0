package rollup

import (
	"context"
	"encoding/json"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/memmcp/engram/pkg/metrics"
	"github.com/memmcp/engram/pkg/types"
)

// Kind marks synthesized rollup writes so the retention classifier can
// treat them as low-value.
const Kind = "high_frequency_rollup"

// rollupDir is the directory segment synthesized writes land under.
const rollupDir = "_rollups"

// Entry accumulates high-frequency writes for one (project, file) key
// between flushes.
type Entry struct {
	Project     string
	File        string
	TopicPath   string
	Events      int
	Bytes       int64
	LastHash    string
	LastSummary string
	FirstSeen   time.Time
	LastSeen    time.Time
	lastFlush   time.Time
}

// Buffer holds rollup entries for files matching the hot suffixes.
type Buffer struct {
	mu       sync.Mutex
	entries  map[string]*Entry
	suffixes []string
	interval time.Duration
	now      func() time.Time
}

// NewBuffer builds a Buffer. Rollup mode is active only when interval
// is positive and at least one hot suffix is configured.
func NewBuffer(suffixes []string, interval time.Duration) *Buffer {
	return &Buffer{
		entries:  map[string]*Entry{},
		suffixes: suffixes,
		interval: interval,
		now:      time.Now,
	}
}

// Matches reports whether a file participates in rollup buffering.
// Synthesized rollup outputs never re-enter the buffer.
func (b *Buffer) Matches(file string) bool {
	if b.interval <= 0 || len(b.suffixes) == 0 {
		return false
	}
	if strings.Contains(file, rollupDir+"/") {
		return false
	}
	for _, suffix := range b.suffixes {
		if strings.HasSuffix(file, suffix) {
			return true
		}
	}
	return false
}

// Add folds an event into its entry, creating the entry on first sight.
func (b *Buffer) Add(event *types.MemoryEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := event.Project + ":" + event.File
	now := b.now()
	entry := b.entries[key]
	if entry == nil {
		entry = &Entry{
			Project:   event.Project,
			File:      event.File,
			FirstSeen: now,
			lastFlush: now,
		}
		b.entries[key] = entry
	}
	if entry.Events == 0 {
		entry.FirstSeen = now
	}
	entry.Events++
	entry.Bytes += int64(len(event.Content))
	entry.LastHash = event.ContentHash
	entry.LastSummary = event.Summary
	entry.TopicPath = event.TopicPath
	entry.LastSeen = now
}

// Pending reports how many entries currently hold unflushed events.
func (b *Buffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, e := range b.entries {
		if e.Events > 0 {
			n++
		}
	}
	return n
}

// drain snapshots and resets every entry that is due (or all with
// pending events, when forced).
func (b *Buffer) drain(force bool) []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	var due []Entry
	for _, entry := range b.entries {
		if entry.Events == 0 {
			continue
		}
		if !force && now.Sub(entry.lastFlush) < b.interval {
			continue
		}
		due = append(due, *entry)
		entry.Events = 0
		entry.Bytes = 0
		entry.lastFlush = now
	}
	return due
}

// Path derives where a rollup for file is written:
// "signals/latest.json" becomes "signals/_rollups/latest__rollup.json".
func Path(file string) string {
	dir := path.Dir(file)
	base := path.Base(file)
	if ext := path.Ext(base); ext != "" {
		base = strings.TrimSuffix(base, ext)
	}
	name := base + "__rollup.json"
	if dir == "." || dir == "/" || dir == "" {
		return path.Join(rollupDir, name)
	}
	return path.Join(dir, rollupDir, name)
}

// Document is the synthesized rollup content.
type Document struct {
	Kind        string    `json:"kind"`
	Project     string    `json:"project"`
	SourceFile  string    `json:"source_file"`
	Events      int       `json:"events"`
	Bytes       int64     `json:"bytes"`
	LastHash    string    `json:"last_hash"`
	LastSummary string    `json:"last_summary"`
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
	FlushedAt   time.Time `json:"flushed_at"`
}

// FlushedEntry reports one emitted rollup in a flush result.
type FlushedEntry struct {
	Project string `json:"project"`
	File    string `json:"file"`
	Path    string `json:"path"`
	Events  int    `json:"events"`
	Bytes   int64  `json:"bytes"`
	Error   string `json:"error,omitempty"`
}

// Result summarizes one flush cycle.
type Result struct {
	Flushed int            `json:"flushed"`
	Errors  int            `json:"errors"`
	Entries []FlushedEntry `json:"entries"`
}

// EmitFunc writes a synthesized rollup back through the ingest path.
type EmitFunc func(ctx context.Context, project, file, content, topicPath string) error

// Flusher periodically drains the buffer and emits one synthesized
// write per due entry.
type Flusher struct {
	buffer   *Buffer
	emit     EmitFunc
	interval time.Duration
	logger   zerolog.Logger
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewFlusher builds a Flusher driving the buffer through emit.
func NewFlusher(buffer *Buffer, emit EmitFunc, interval time.Duration, logger zerolog.Logger) *Flusher {
	return &Flusher{
		buffer:   buffer,
		emit:     emit,
		interval: interval,
		logger:   logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the periodic flush loop.
func (f *Flusher) Start() {
	if f.interval <= 0 {
		close(f.doneCh)
		return
	}
	go f.run()
}

func (f *Flusher) run() {
	defer close(f.doneCh)
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			result := f.Flush(ctx, false)
			cancel()
			if result.Errors > 0 {
				f.logger.Warn().Int("errors", result.Errors).Int("flushed", result.Flushed).Msg("Rollup flush completed with errors")
			}
		case <-f.stopCh:
			return
		}
	}
}

// Stop halts the loop and force-flushes whatever is still buffered.
func (f *Flusher) Stop() {
	select {
	case <-f.stopCh:
	default:
		close(f.stopCh)
	}
	<-f.doneCh

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	result := f.Flush(ctx, true)
	if result.Flushed > 0 {
		f.logger.Info().Int("flushed", result.Flushed).Msg("Final rollup flush on shutdown")
	}
}

// Flush drains due entries and emits one rollup write per entry.
// Distinct keys flush independently: one failing emit does not block
// the rest, and the failed entry's counts are restored for retry.
func (f *Flusher) Flush(ctx context.Context, force bool) Result {
	result := Result{Entries: []FlushedEntry{}}
	for _, entry := range f.buffer.drain(force) {
		doc := Document{
			Kind:        Kind,
			Project:     entry.Project,
			SourceFile:  entry.File,
			Events:      entry.Events,
			Bytes:       entry.Bytes,
			LastHash:    entry.LastHash,
			LastSummary: entry.LastSummary,
			FirstSeen:   entry.FirstSeen,
			LastSeen:    entry.LastSeen,
			FlushedAt:   time.Now().UTC(),
		}
		content, err := json.Marshal(doc)
		flushed := FlushedEntry{
			Project: entry.Project,
			File:    entry.File,
			Path:    Path(entry.File),
			Events:  entry.Events,
			Bytes:   entry.Bytes,
		}
		if err == nil {
			err = f.emit(ctx, entry.Project, flushed.Path, string(content), entry.TopicPath)
		}
		if err != nil {
			flushed.Error = err.Error()
			result.Errors++
			f.restore(entry)
			f.logger.Warn().Err(err).Str("project", entry.Project).Str("file", entry.File).Msg("Rollup emit failed, entry restored")
		} else {
			result.Flushed++
			metrics.RollupFlushesTotal.Inc()
		}
		result.Entries = append(result.Entries, flushed)
	}
	return result
}

// restore folds a drained entry's counts back in after a failed emit.
func (f *Flusher) restore(entry Entry) {
	f.buffer.mu.Lock()
	defer f.buffer.mu.Unlock()

	key := entry.Project + ":" + entry.File
	current := f.buffer.entries[key]
	if current == nil {
		restored := entry
		f.buffer.entries[key] = &restored
		return
	}
	current.Events += entry.Events
	current.Bytes += entry.Bytes
	if current.FirstSeen.IsZero() || entry.FirstSeen.Before(current.FirstSeen) {
		current.FirstSeen = entry.FirstSeen
	}
	if current.LastHash == "" {
		current.LastHash = entry.LastHash
		current.LastSummary = entry.LastSummary
	}
}
