package fanout

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/memmcp/engram/pkg/outbox"
	"github.com/memmcp/engram/pkg/sinks"
	"github.com/memmcp/engram/pkg/types"
)

// errSinkDisabled marks rows claimed for a target that has no
// configured client. They fail terminally instead of cycling.
var errSinkDisabled = errors.New("sink not configured")

func isSinkDisabled(err error) bool {
	return errors.Is(err, errSinkDisabled)
}

// Deliverer executes target-specific writes for claimed outbox rows.
// Vector, SQL and observability writes are bulk per chunk; archival
// fans out per row under bounded concurrency.
type Deliverer struct {
	registry         *sinks.Registry
	archivalParallel int
}

// NewDeliverer wires the sink registry. archivalParallel bounds the
// in-batch archival concurrency; values below 1 mean serial.
func NewDeliverer(registry *sinks.Registry, archivalParallel int) *Deliverer {
	if archivalParallel < 1 {
		archivalParallel = 1
	}
	return &Deliverer{registry: registry, archivalParallel: archivalParallel}
}

// Deliver writes one chunk of same-target jobs and returns one error
// slot per job (nil = delivered). Bulk targets share a single outcome;
// archival outcomes are per row.
func (d *Deliverer) Deliver(ctx context.Context, target types.Target, jobs []*types.OutboxJob) []error {
	results := make([]error, len(jobs))

	// Decode payloads first; rows that no longer parse are poison and
	// never reach the sink.
	events := make([]*types.MemoryEvent, 0, len(jobs))
	indices := make([]int, 0, len(jobs))
	for i, job := range jobs {
		event, err := outbox.DecodePayload(job)
		if err != nil {
			results[i] = poisonErr(err)
			continue
		}
		events = append(events, event)
		indices = append(indices, i)
	}
	if len(events) == 0 {
		return results
	}

	if !d.registry.Enabled(target) {
		for _, i := range indices {
			results[i] = fmt.Errorf("%w: %s", errSinkDisabled, target)
		}
		return results
	}

	if target == types.TargetArchival {
		d.deliverArchival(ctx, events, indices, results)
		return results
	}

	var err error
	switch target {
	case types.TargetRaw:
		err = d.registry.Raw.UpsertMany(ctx, events)
	case types.TargetVector:
		err = d.registry.Vector.Upsert(ctx, events)
	case types.TargetSQL:
		err = d.registry.Analytic.InsertEvents(ctx, events)
	case types.TargetObservability:
		err = d.registry.Observability.SendBatch(ctx, events)
	default:
		err = fmt.Errorf("%w: unknown target %s", errSinkDisabled, target)
	}
	if err != nil {
		for _, i := range indices {
			results[i] = err
		}
	}
	return results
}

// deliverArchival inserts each event as its own passage. Bounded
// concurrency keeps a slow archival service from starving the batch,
// and every row keeps its own outcome.
func (d *Deliverer) deliverArchival(ctx context.Context, events []*types.MemoryEvent, indices []int, results []error) {
	g := new(errgroup.Group)
	g.SetLimit(d.archivalParallel)
	for n, event := range events {
		slot := indices[n]
		event := event
		g.Go(func() error {
			results[slot] = d.registry.Archival.Insert(ctx, event)
			return nil
		})
	}
	_ = g.Wait()
}
