package retention

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"golang.org/x/sync/errgroup"

	"github.com/memmcp/engram/pkg/config"
	"github.com/memmcp/engram/pkg/metrics"
	"github.com/memmcp/engram/pkg/outbox"
	"github.com/memmcp/engram/pkg/sinks"
	"github.com/memmcp/engram/pkg/types"
)

// Per-run bounds so one sweep cannot monopolize a sink.
const (
	sweepScanCap     = 500
	sweepDeleteBatch = 100
)

// Manager runs the two maintenance loops: outbox GC on a seconds
// interval and sink retention sweeps on an hours interval. Both are
// also callable on demand from the telemetry surface.
type Manager struct {
	cfg        *config.Config
	supervisor *outbox.Supervisor
	registry   *sinks.Registry
	classifier *Classifier
	logger     zerolog.Logger
	now        func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	lastGC      *outbox.GCResult
	lastGCAt    time.Time
	lastGCError string
	lastSweep   *SweepResult
	lastSweepAt time.Time
}

// NewManager wires the loops. Start launches them.
func NewManager(cfg *config.Config, supervisor *outbox.Supervisor, registry *sinks.Registry, classifier *Classifier, logger zerolog.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	if registry == nil {
		registry = &sinks.Registry{}
	}
	return &Manager{
		cfg:        cfg,
		supervisor: supervisor,
		registry:   registry,
		classifier: classifier,
		logger:     logger,
		now:        time.Now,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start launches the GC and sweep loops. A zero interval disables the
// corresponding loop.
func (m *Manager) Start() {
	if m.cfg.GC.IntervalSecs > 0 {
		m.wg.Add(1)
		go m.gcLoop()
	}
	if m.cfg.Retention.SweepIntervalHours > 0 {
		m.wg.Add(1)
		go m.sweepLoop()
	}
	m.logger.Info().
		Float64("gc_interval_secs", m.cfg.GC.IntervalSecs).
		Float64("sweep_interval_hours", m.cfg.Retention.SweepIntervalHours).
		Msg("Retention manager started")
}

// Stop cancels the loops and waits for in-flight runs.
func (m *Manager) Stop() {
	m.cancel()
	m.wg.Wait()
	m.logger.Info().Msg("Retention manager stopped")
}

func (m *Manager) gcLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(config.Seconds(m.cfg.GC.IntervalSecs))
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.RunGC(m.ctx); err != nil && m.ctx.Err() == nil {
				m.logger.Warn().Err(err).Msg("Outbox GC failed")
			}
		}
	}
}

func (m *Manager) sweepLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(config.Hours(m.cfg.Retention.SweepIntervalHours))
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.RunSweep(m.ctx)
		}
	}
}

// RunGC executes one outbox GC cycle and records the result.
func (m *Manager) RunGC(ctx context.Context) (*outbox.GCResult, error) {
	gc := m.cfg.GC
	opts := outbox.GCOptions{
		SucceededRetention: config.Hours(gc.SucceededRetentionHours),
		FailedRetention:    config.Hours(gc.FailedRetentionHours),
		StalePendingAge:    config.Hours(gc.StalePendingHours),
		StaleTargets:       parseTargets(gc.StaleTargets),
		VacuumMinDeleted:   gc.VacuumMinDeleted,
		VacuumMinInterval:  config.Hours(gc.VacuumMinIntervalHours),
	}

	runCtx := ctx
	if timeout := config.Seconds(gc.TimeoutSecs); timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	timer := metrics.NewTimer()
	res, err := m.supervisor.GC(runCtx, opts)
	timer.ObserveDuration(metrics.GCDuration)

	m.mu.Lock()
	m.lastGCAt = m.now().UTC()
	if err != nil {
		m.lastGCError = err.Error()
	} else {
		m.lastGCError = ""
		m.lastGC = res
	}
	m.mu.Unlock()

	if err != nil {
		return nil, err
	}
	metrics.GCRunsTotal.Inc()
	for category, n := range res.Deleted {
		metrics.GCDeletedTotal.WithLabelValues(category).Add(float64(n))
	}
	m.logger.Info().
		Str("backend", res.Backend).
		Int("deleted", res.DeletedTotal).
		Int("remaining", res.AfterTotal).
		Bool("vacuumed", res.Vacuumed).
		Msg("Outbox GC completed")
	return res, nil
}

// SinkSweep reports one pruner's pass over a sink.
type SinkSweep struct {
	Enabled bool   `json:"enabled"`
	Scanned int    `json:"scanned"`
	Deleted int    `json:"deleted"`
	Error   string `json:"error,omitempty"`
}

// SweepResult is one sink retention run across all pruners.
type SweepResult struct {
	Raw        SinkSweep `json:"raw"`
	Vector     SinkSweep `json:"vector"`
	Analytic   SinkSweep `json:"analytic"`
	StartedAt  time.Time `json:"started_at"`
	DurationMs int64     `json:"duration_ms"`
}

// Deleted sums deletions across sinks.
func (r *SweepResult) Deleted() int {
	return r.Raw.Deleted + r.Vector.Deleted + r.Analytic.Deleted
}

// RunSweep prunes aged low-value records from every configured sink.
// Pruners run in parallel under individual timeouts; one sink failing
// leaves the others' results intact.
func (m *Manager) RunSweep(ctx context.Context) *SweepResult {
	started := m.now().UTC()
	res := &SweepResult{StartedAt: started}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { res.Raw = m.sweepRaw(gctx); return nil })
	g.Go(func() error { res.Vector = m.sweepVector(gctx); return nil })
	g.Go(func() error { res.Analytic = m.sweepAnalytic(gctx); return nil })
	_ = g.Wait()

	res.DurationMs = time.Since(started).Milliseconds()
	metrics.RetentionSweepsTotal.Inc()

	m.mu.Lock()
	m.lastSweep = res
	m.lastSweepAt = started
	m.mu.Unlock()

	m.logger.Info().
		Int("deleted", res.Deleted()).
		Int64("duration_ms", res.DurationMs).
		Str("raw_error", res.Raw.Error).
		Str("vector_error", res.Vector.Error).
		Str("analytic_error", res.Analytic.Error).
		Msg("Retention sweep completed")
	return res
}

func (m *Manager) sweepRaw(ctx context.Context) SinkSweep {
	days := m.cfg.Retention.RawRetentionDays
	if m.registry.Raw == nil || days <= 0 {
		return SinkSweep{}
	}
	sweep := SinkSweep{Enabled: true}
	ctx, cancel := context.WithTimeout(ctx, m.sweepTimeout())
	defer cancel()

	cutoff := m.now().UTC().Add(-config.Hours(days * 24))
	docs, err := m.registry.Raw.ScanOldest(ctx, sweepScanCap)
	if err != nil {
		return m.sweepFailed(sweep, "raw", err)
	}
	sweep.Scanned = len(docs)

	var batch []primitive.ObjectID
	flush := func() bool {
		if len(batch) == 0 {
			return true
		}
		n, err := m.registry.Raw.Delete(ctx, batch)
		sweep.Deleted += n
		batch = batch[:0]
		if err != nil {
			sweep = m.sweepFailed(sweep, "raw", err)
			return false
		}
		return true
	}
	for _, doc := range docs {
		if !doc.UpdatedAt.Before(cutoff) {
			break // ascending scan; everything after is fresher
		}
		if !m.classifier.LowValue(doc.File, doc.TopicPath, doc.Summary) {
			continue
		}
		batch = append(batch, doc.ID)
		if len(batch) >= sweepDeleteBatch && !flush() {
			return sweep
		}
	}
	flush()
	metrics.RetentionDeletedTotal.WithLabelValues("raw").Add(float64(sweep.Deleted))
	return sweep
}

func (m *Manager) sweepVector(ctx context.Context) SinkSweep {
	days := m.cfg.Retention.VectorRetentionDays
	if m.registry.Vector == nil || days <= 0 {
		return SinkSweep{}
	}
	sweep := SinkSweep{Enabled: true}
	ctx, cancel := context.WithTimeout(ctx, m.sweepTimeout())
	defer cancel()

	cutoff := m.now().UTC().Add(-config.Hours(days * 24))
	var batch []string
	flush := func() bool {
		if len(batch) == 0 {
			return true
		}
		err := m.registry.Vector.Delete(ctx, batch)
		if err != nil {
			sweep = m.sweepFailed(sweep, "vector", err)
			return false
		}
		sweep.Deleted += len(batch)
		batch = batch[:0]
		return true
	}

	var offset any
	for sweep.Scanned < sweepScanCap {
		points, next, err := m.registry.Vector.Scroll(ctx, offset, sweepDeleteBatch)
		if err != nil {
			return m.sweepFailed(sweep, "vector", err)
		}
		if len(points) == 0 {
			break
		}
		sweep.Scanned += len(points)

		fresh := false
		for _, pt := range points {
			if pt.UpdatedAt.IsZero() {
				continue // undated points are never pruned
			}
			if !pt.UpdatedAt.Before(cutoff) {
				fresh = true
				break
			}
			if m.classifier.LowValue(pt.File, pt.TopicPath, pt.Summary) {
				batch = append(batch, pt.ID)
			}
		}
		if len(batch) >= sweepDeleteBatch && !flush() {
			return sweep
		}
		if fresh || next == nil {
			break
		}
		offset = next
	}
	flush()
	metrics.RetentionDeletedTotal.WithLabelValues("vector").Add(float64(sweep.Deleted))
	return sweep
}

func (m *Manager) sweepAnalytic(ctx context.Context) SinkSweep {
	days := m.cfg.Retention.RawRetentionDays
	if m.registry.Analytic == nil || days <= 0 {
		return SinkSweep{}
	}
	sweep := SinkSweep{Enabled: true}
	ctx, cancel := context.WithTimeout(ctx, m.sweepTimeout())
	defer cancel()

	cutoff := m.now().UTC().Add(-config.Hours(days * 24))
	rows, err := m.registry.Analytic.ScanOldest(ctx, sweepScanCap)
	if err != nil {
		return m.sweepFailed(sweep, "analytic", err)
	}
	sweep.Scanned = len(rows)

	var batch []string
	flush := func() bool {
		if len(batch) == 0 {
			return true
		}
		n, err := m.registry.Analytic.Delete(ctx, batch)
		sweep.Deleted += n
		batch = batch[:0]
		if err != nil {
			sweep = m.sweepFailed(sweep, "analytic", err)
			return false
		}
		return true
	}
	for _, row := range rows {
		ts, err := time.Parse(time.RFC3339Nano, row.UpdatedAt)
		if err != nil {
			continue // undated rows are never pruned
		}
		if !ts.Before(cutoff) {
			break
		}
		if !m.classifier.LowValue(row.File, row.TopicPath, row.Summary) {
			continue
		}
		batch = append(batch, row.EventID)
		if len(batch) >= sweepDeleteBatch && !flush() {
			return sweep
		}
	}
	flush()
	metrics.RetentionDeletedTotal.WithLabelValues("analytic").Add(float64(sweep.Deleted))
	return sweep
}

func (m *Manager) sweepFailed(sweep SinkSweep, sink string, err error) SinkSweep {
	sweep.Error = err.Error()
	metrics.RetentionErrorsTotal.WithLabelValues(sink).Inc()
	m.logger.Warn().Err(err).Str("sink", sink).Msg("Retention pruner failed")
	return sweep
}

func (m *Manager) sweepTimeout() time.Duration {
	if timeout := config.Seconds(m.cfg.Retention.SweepTimeoutSecs); timeout > 0 {
		return timeout
	}
	return time.Minute
}

// Thresholds echoes the active retention knobs for telemetry.
type Thresholds struct {
	SucceededRetentionHours float64  `json:"succeeded_retention_hours"`
	FailedRetentionHours    float64  `json:"failed_retention_hours"`
	StalePendingHours       float64  `json:"stale_pending_hours"`
	StaleTargets            []string `json:"stale_targets"`
	RawRetentionDays        float64  `json:"raw_retention_days"`
	VectorRetentionDays     float64  `json:"vector_retention_days"`
	LowValueSuffixes        []string `json:"low_value_suffixes"`
	LowValueTopicPrefixes   []string `json:"low_value_topic_prefixes"`
	LowValueMinSummaryChars int      `json:"low_value_min_summary_chars"`
}

// State is the retention telemetry document.
type State struct {
	GCEnabled          bool             `json:"gc_enabled"`
	GCIntervalSecs     float64          `json:"gc_interval_secs"`
	LastGCAt           *time.Time       `json:"last_gc_at,omitempty"`
	LastGC             *outbox.GCResult `json:"last_gc,omitempty"`
	LastGCError        string           `json:"last_gc_error,omitempty"`
	SweepEnabled       bool             `json:"sweep_enabled"`
	SweepIntervalHours float64          `json:"sweep_interval_hours"`
	LastSweepAt        *time.Time       `json:"last_sweep_at,omitempty"`
	LastSweep          *SweepResult     `json:"last_sweep,omitempty"`
	Thresholds         Thresholds       `json:"thresholds"`
}

// State snapshots loop status, last results and the active thresholds.
func (m *Manager) State() *State {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := &State{
		GCEnabled:          m.cfg.GC.IntervalSecs > 0,
		GCIntervalSecs:     m.cfg.GC.IntervalSecs,
		LastGC:             m.lastGC,
		LastGCError:        m.lastGCError,
		SweepEnabled:       m.cfg.Retention.SweepIntervalHours > 0,
		SweepIntervalHours: m.cfg.Retention.SweepIntervalHours,
		LastSweep:          m.lastSweep,
		Thresholds: Thresholds{
			SucceededRetentionHours: m.cfg.GC.SucceededRetentionHours,
			FailedRetentionHours:    m.cfg.GC.FailedRetentionHours,
			StalePendingHours:       m.cfg.GC.StalePendingHours,
			StaleTargets:            m.cfg.GC.StaleTargets,
			RawRetentionDays:        m.cfg.Retention.RawRetentionDays,
			VectorRetentionDays:     m.cfg.Retention.VectorRetentionDays,
			LowValueSuffixes:        m.cfg.Retention.LowValueSuffixes,
			LowValueTopicPrefixes:   m.cfg.Retention.LowValueTopicPrefixes,
			LowValueMinSummaryChars: m.cfg.Retention.LowValueMinSummaryChars,
		},
	}
	if !m.lastGCAt.IsZero() {
		at := m.lastGCAt
		st.LastGCAt = &at
	}
	if !m.lastSweepAt.IsZero() {
		at := m.lastSweepAt
		st.LastSweepAt = &at
	}
	return st
}

func parseTargets(raw []string) []types.Target {
	targets := make([]types.Target, 0, len(raw))
	for _, r := range raw {
		if t, err := types.ParseTarget(r); err == nil {
			targets = append(targets, t)
		}
	}
	return targets
}
