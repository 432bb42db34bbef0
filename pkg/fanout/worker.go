package fanout

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/memmcp/engram/pkg/log"
	"github.com/memmcp/engram/pkg/metrics"
	"github.com/memmcp/engram/pkg/outbox"
	"github.com/memmcp/engram/pkg/types"
)

const defaultBulkSize = 8

// settleTimeout bounds each row-status write after a delivery attempt.
const settleTimeout = 10 * time.Second

// PoolOptions tunes one worker pool.
type PoolOptions struct {
	Name       string
	Workers    int
	Filter     outbox.ClaimFilter
	ClaimBatch int
	// PollInterval is the idle wake cadence when no signal arrives.
	PollInterval time.Duration
	// BulkSizes chunk claimed rows per target; missing targets use 8.
	BulkSizes map[types.Target]int
	// Backpressure pauses dispatch for listed targets while the signal
	// channel runs hot.
	BackpressureTargets   map[types.Target]bool
	BackpressureWatermark float64
	BackpressureMaxSleep  time.Duration
	// ArchivalDisableStreak is the consecutive transient failures that
	// permanently disable the archival target.
	ArchivalDisableStreak int
	// SQLFailOpen converts analytic corruption failures into degraded
	// successes instead of retry loops.
	SQLFailOpen bool
}

// Pool runs a set of identical claim-and-deliver workers over one
// claim filter. The archival target gets its own small pool so its
// latency profile cannot stall the bulk targets.
type Pool struct {
	opts      PoolOptions
	backend   outbox.Backend
	deliverer *Deliverer
	signal    *Signaler
	limits    *RateLimits
	archival  *ArchivalState
	logger    zerolog.Logger
	limiter   *log.Limiter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool wires a worker pool. Start launches the workers.
func NewPool(opts PoolOptions, backend outbox.Backend, deliverer *Deliverer, signal *Signaler, limits *RateLimits, archival *ArchivalState, logger zerolog.Logger) *Pool {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.ClaimBatch < 1 {
		opts.ClaimBatch = 16
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		opts:      opts,
		backend:   backend,
		deliverer: deliverer,
		signal:    signal,
		limits:    limits,
		archival:  archival,
		logger:    logger.With().Str("pool", opts.Name).Logger(),
		limiter:   log.NewLimiter(30 * time.Second),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start launches the workers.
func (p *Pool) Start() {
	for i := 0; i < p.opts.Workers; i++ {
		p.wg.Add(1)
		go p.run(i)
	}
	p.logger.Info().Int("workers", p.opts.Workers).Msg("Fanout pool started")
}

// Stop cancels the worker loops and waits for in-flight batches to
// settle. Claimed rows are drained best-effort before return.
func (p *Pool) Stop() {
	p.cancel()
	p.wg.Wait()
	p.logger.Info().Msg("Fanout pool stopped")
}

func (p *Pool) run(id int) {
	defer p.wg.Done()
	logger := p.logger.With().Int("worker", id).Logger()

	for {
		p.signal.Wait(p.ctx, p.opts.PollInterval)
		if p.ctx.Err() != nil {
			return
		}

		// Archival-only pools idle once the target is disabled; the
		// backlog was already failed by the disable path.
		if p.opts.Filter.Target == types.TargetArchival && !p.archival.Enabled() {
			continue
		}

		jobs, err := p.backend.ClaimBatch(p.ctx, p.opts.ClaimBatch, p.opts.Filter)
		if err != nil {
			if p.ctx.Err() == nil && p.limiter.Allow("claim") {
				logger.Error().Err(err).Msg("Outbox claim failed")
			}
			continue
		}
		if len(jobs) == 0 {
			continue
		}

		// Claimed rows are settled even when Stop has fired, so shutdown
		// does not strand them in running until stale recovery.
		p.process(logger, jobs)
	}
}

func (p *Pool) process(logger zerolog.Logger, jobs []*types.OutboxJob) {
	for target, group := range groupByTarget(jobs) {
		if target == types.TargetArchival && !p.archival.Enabled() {
			p.failGroup(group, "archival disabled: "+p.archival.Reason())
			continue
		}
		for _, chunk := range chunkJobs(group, p.bulkSize(target)) {
			p.pause(logger, target)
			if err := p.limits.Wait(p.ctx, target); err != nil && p.ctx.Err() != nil {
				// Shutdown during a rate wait: deliver anyway so the
				// claimed chunk settles.
				logger.Debug().Str("target", string(target)).Msg("Rate wait interrupted by shutdown")
			}

			start := time.Now()
			ctx, cancel := context.WithTimeout(context.Background(), settleTimeout*2)
			errs := p.deliverer.Deliver(ctx, target, chunk)
			cancel()
			metrics.DeliveryDuration.WithLabelValues(string(target)).Observe(time.Since(start).Seconds())

			p.settle(logger, target, chunk, errs)

			if target == types.TargetArchival && !p.archival.Enabled() {
				break
			}
		}
	}
}

// pause injects the backpressure sleep for hot signal channels:
// pressure scales linearly from the watermark to a full channel.
func (p *Pool) pause(logger zerolog.Logger, target types.Target) {
	if !p.opts.BackpressureTargets[target] {
		return
	}
	ratio := p.signal.FillRatio()
	wm := p.opts.BackpressureWatermark
	if wm <= 0 || wm >= 1 || ratio <= wm {
		return
	}
	pressure := math.Min(1, (ratio-wm)/(1-wm))
	sleep := time.Duration(pressure * float64(p.opts.BackpressureMaxSleep))
	if sleep <= 0 {
		return
	}

	metrics.BackpressureSleepsTotal.Inc()
	if p.limiter.Allow("backpressure:" + string(target)) {
		logger.Warn().
			Str("target", string(target)).
			Float64("fill_ratio", ratio).
			Dur("sleep", sleep).
			Msg("Backpressure pause before dispatch")
	}

	timer := time.NewTimer(sleep)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-p.ctx.Done():
	}
}

// settle maps each delivery outcome onto a row transition.
func (p *Pool) settle(logger zerolog.Logger, target types.Target, jobs []*types.OutboxJob, errs []error) {
	for i, job := range jobs {
		err := errs[i]
		ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)

		switch {
		case err == nil:
			if target == types.TargetArchival {
				p.archival.ResetStreak()
			}
			if merr := p.backend.MarkSuccess(ctx, job.ID); merr != nil {
				logger.Error().Err(merr).Int64("job", job.ID).Msg("Mark success failed")
			}
			metrics.DeliveriesTotal.WithLabelValues(string(target), "success").Inc()

		case isPoison(err):
			p.markFailed(logger, ctx, job, err.Error())

		case isSinkDisabled(err):
			p.markFailed(logger, ctx, job, err.Error())

		case target == types.TargetSQL && p.opts.SQLFailOpen && sqlCorruption(err):
			// The analytic store lost its backing file; the write can
			// be reconstructed from the raw store, so fail open.
			logger.Warn().Err(err).Int64("job", job.ID).Msg("Analytic store corrupt, recording degraded success")
			if merr := p.backend.MarkSuccess(ctx, job.ID); merr != nil {
				logger.Error().Err(merr).Int64("job", job.ID).Msg("Mark degraded success failed")
			}
			metrics.DeliveriesTotal.WithLabelValues(string(target), "degraded").Inc()

		case target == types.TargetArchival && archivalPermanentShape(err):
			cancel()
			p.disableArchival(logger, "permanent archival error: "+outbox.TruncateError(err.Error()))
			continue

		case target == types.TargetArchival:
			// Only 5xx shapes count toward the disable streak; other
			// transient failures just retry and clear it.
			if types.UpstreamStatus(err) >= 500 {
				if p.archival.NoteTransientFailure(p.opts.ArchivalDisableStreak, "archival failure streak: "+outbox.TruncateError(err.Error())) {
					cancel()
					p.disableArchival(logger, p.archival.Reason())
					continue
				}
			} else {
				p.archival.ResetStreak()
			}
			p.markRetry(logger, ctx, job, err)

		default:
			p.markRetry(logger, ctx, job, err)
		}
		cancel()
	}
}

func (p *Pool) markRetry(logger zerolog.Logger, ctx context.Context, job *types.OutboxJob, err error) {
	if merr := p.backend.MarkRetry(ctx, job, err.Error()); merr != nil {
		logger.Error().Err(merr).Int64("job", job.ID).Msg("Mark retry failed")
		return
	}
	metrics.DeliveriesTotal.WithLabelValues(string(job.Target), "retry").Inc()
	if p.limiter.Allow("retry:" + string(job.Target)) {
		logger.Warn().Err(err).
			Str("target", string(job.Target)).
			Int("attempts", job.Attempts).
			Int64("job", job.ID).
			Msg("Delivery failed, scheduled retry")
	}
}

func (p *Pool) markFailed(logger zerolog.Logger, ctx context.Context, job *types.OutboxJob, reason string) {
	if merr := p.backend.MarkFailed(ctx, job.ID, reason); merr != nil {
		logger.Error().Err(merr).Int64("job", job.ID).Msg("Mark failed failed")
		return
	}
	metrics.DeliveriesTotal.WithLabelValues(string(job.Target), "failure").Inc()
	logger.Error().Str("reason", reason).Int64("job", job.ID).Msg("Delivery failed terminally")
}

// disableArchival turns the target off for the process and flushes its
// backlog to failed, current chunk included (those rows are running).
func (p *Pool) disableArchival(logger zerolog.Logger, reason string) {
	if !p.archival.Disable(reason) {
		return
	}
	logger.Error().Str("reason", reason).Msg("Archival target disabled for this process")

	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()
	n, err := p.backend.FailTarget(ctx, types.TargetArchival, reason)
	if err != nil {
		logger.Error().Err(err).Msg("Archival backlog flush failed")
		return
	}
	metrics.DeliveriesTotal.WithLabelValues(string(types.TargetArchival), "failure").Add(float64(n))
	logger.Warn().Int("rows", n).Msg("Archival backlog failed terminally")
}

func (p *Pool) failGroup(jobs []*types.OutboxJob, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()
	for _, job := range jobs {
		if err := p.backend.MarkFailed(ctx, job.ID, reason); err != nil {
			p.logger.Error().Err(err).Int64("job", job.ID).Msg("Mark failed failed")
		}
	}
}

func (p *Pool) bulkSize(target types.Target) int {
	if n, ok := p.opts.BulkSizes[target]; ok && n > 0 {
		return n
	}
	return defaultBulkSize
}

func groupByTarget(jobs []*types.OutboxJob) map[types.Target][]*types.OutboxJob {
	out := make(map[types.Target][]*types.OutboxJob)
	for _, job := range jobs {
		out[job.Target] = append(out[job.Target], job)
	}
	return out
}

func chunkJobs(jobs []*types.OutboxJob, size int) [][]*types.OutboxJob {
	if size < 1 {
		size = 1
	}
	var chunks [][]*types.OutboxJob
	for start := 0; start < len(jobs); start += size {
		end := start + size
		if end > len(jobs) {
			end = len(jobs)
		}
		chunks = append(chunks, jobs[start:end])
	}
	return chunks
}
