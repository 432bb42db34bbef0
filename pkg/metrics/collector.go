package metrics

import (
	"context"
	"time"

	"github.com/memmcp/engram/pkg/types"
)

// DepthSources supplies queue depth snapshots without coupling this package
// to the stores that own them.
type DepthSources struct {
	OutboxCounts func(ctx context.Context) (map[types.OutboxStatus]int, error)
	TaskCounts   func(ctx context.Context) (map[types.TaskStatus]int, error)
}

// Collector periodically refreshes depth gauges from the durable stores
type Collector struct {
	sources  DepthSources
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a new depth collector
func NewCollector(sources DepthSources, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		sources:  sources,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c.collectOutboxDepth(ctx)
	c.collectTaskDepth(ctx)
}

func (c *Collector) collectOutboxDepth(ctx context.Context) {
	if c.sources.OutboxCounts == nil {
		return
	}
	counts, err := c.sources.OutboxCounts(ctx)
	if err != nil {
		return
	}

	outstanding := 0
	for _, status := range []types.OutboxStatus{
		types.OutboxPending, types.OutboxRunning, types.OutboxRetrying,
		types.OutboxSucceeded, types.OutboxFailed,
	} {
		n := counts[status]
		OutboxDepth.WithLabelValues(string(status)).Set(float64(n))
		switch status {
		case types.OutboxPending, types.OutboxRunning, types.OutboxRetrying:
			outstanding += n
		}
	}
	OutboxOutstanding.Set(float64(outstanding))
}

func (c *Collector) collectTaskDepth(ctx context.Context) {
	if c.sources.TaskCounts == nil {
		return
	}
	counts, err := c.sources.TaskCounts(ctx)
	if err != nil {
		return
	}

	for status, n := range counts {
		AgentTasksTotal.WithLabelValues(string(status)).Set(float64(n))
	}
}
