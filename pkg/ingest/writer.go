package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/memmcp/engram/pkg/metrics"
	"github.com/memmcp/engram/pkg/types"
)

// canonicalStore is the slice of the canonical client the writer needs.
type canonicalStore interface {
	WriteProjectFile(ctx context.Context, project, file, content string) error
}

type canonicalWrite struct {
	project string
	file    string
	content string
}

// CanonicalWriter moves memory-bank writes off the request path. The
// queue is bounded: a full queue surfaces as saturation so callers can
// answer 503 instead of buffering without limit.
type CanonicalWriter struct {
	store   canonicalStore
	queue   chan canonicalWrite
	timeout time.Duration
	workers int
	logger  zerolog.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewCanonicalWriter builds a writer with queueMax capacity and the
// given worker count.
func NewCanonicalWriter(store canonicalStore, queueMax, workers int, timeout time.Duration, logger zerolog.Logger) *CanonicalWriter {
	if queueMax <= 0 {
		queueMax = 256
	}
	if workers <= 0 {
		workers = 1
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &CanonicalWriter{
		store:   store,
		queue:   make(chan canonicalWrite, queueMax),
		timeout: timeout,
		workers: workers,
		logger:  logger,
	}
}

// Start launches the write workers.
func (w *CanonicalWriter) Start() {
	for i := 0; i < w.workers; i++ {
		w.wg.Add(1)
		go w.run()
	}
}

// Stop closes the queue and waits for the workers to drain it.
func (w *CanonicalWriter) Stop() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	close(w.queue)
	w.mu.Unlock()
	w.wg.Wait()
}

func (w *CanonicalWriter) run() {
	defer w.wg.Done()
	for item := range w.queue {
		metrics.CanonicalQueueDepth.Set(float64(len(w.queue)))
		ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
		err := w.store.WriteProjectFile(ctx, item.project, item.file, item.content)
		cancel()
		if err != nil {
			metrics.CanonicalWritesTotal.WithLabelValues("failed").Inc()
			w.logger.Error().Err(err).
				Str("project", item.project).
				Str("file", item.file).
				Msg("Canonical write failed")
			continue
		}
		metrics.CanonicalWritesTotal.WithLabelValues("written").Inc()
	}
}

// Enqueue hands a write to the worker pool. A full queue returns
// queue saturation; writes are never silently dropped.
func (w *CanonicalWriter) Enqueue(project, file, content string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return fmt.Errorf("canonical writer stopped: %w", types.ErrQueueSaturated)
	}
	select {
	case w.queue <- canonicalWrite{project: project, file: file, content: content}:
		metrics.CanonicalQueueDepth.Set(float64(len(w.queue)))
		return nil
	default:
		metrics.CanonicalWritesTotal.WithLabelValues("saturated").Inc()
		return fmt.Errorf("canonical write queue full (%d): %w", cap(w.queue), types.ErrQueueSaturated)
	}
}

// WriteSync performs the write on the caller's goroutine, for sync mode
// and for rollup flushes that must observe the write outcome.
func (w *CanonicalWriter) WriteSync(ctx context.Context, project, file, content string) error {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	err := w.store.WriteProjectFile(ctx, project, file, content)
	if err != nil {
		metrics.CanonicalWritesTotal.WithLabelValues("failed").Inc()
		return err
	}
	metrics.CanonicalWritesTotal.WithLabelValues("written").Inc()
	return nil
}

// Depth reports queued writes for telemetry.
func (w *CanonicalWriter) Depth() int { return len(w.queue) }
