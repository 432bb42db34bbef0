package fanout

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/memmcp/engram/pkg/metrics"
)

// Signaler is the bounded wake channel between ingest and the worker
// pools. A full channel drops the signal rather than blocking the
// writer; dropped signals are counted but never lose work, because
// workers also poll on an interval.
type Signaler struct {
	ch      chan struct{}
	dropped atomic.Int64
}

// NewSignaler builds a wake channel with the given buffer depth.
func NewSignaler(buffer int) *Signaler {
	if buffer <= 0 {
		buffer = 64
	}
	return &Signaler{ch: make(chan struct{}, buffer)}
}

// Notify wakes one worker. Returns false when the channel was full and
// the signal was dropped.
func (s *Signaler) Notify() bool {
	select {
	case s.ch <- struct{}{}:
		return true
	default:
		s.dropped.Add(1)
		metrics.SignalsDroppedTotal.Inc()
		return false
	}
}

// Wait blocks until a signal arrives, the poll interval elapses, or ctx
// is cancelled. Returns true only for a real signal.
func (s *Signaler) Wait(ctx context.Context, poll time.Duration) bool {
	timer := time.NewTimer(poll)
	defer timer.Stop()
	select {
	case <-s.ch:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// Depth is the number of buffered signals.
func (s *Signaler) Depth() int { return len(s.ch) }

// Capacity is the channel buffer size.
func (s *Signaler) Capacity() int { return cap(s.ch) }

// FillRatio is Depth/Capacity, the backpressure input.
func (s *Signaler) FillRatio() float64 {
	return float64(len(s.ch)) / float64(cap(s.ch))
}

// Dropped is the count of signals discarded on a full channel.
func (s *Signaler) Dropped() int64 { return s.dropped.Load() }
