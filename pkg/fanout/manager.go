package fanout

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/memmcp/engram/pkg/config"
	"github.com/memmcp/engram/pkg/outbox"
	"github.com/memmcp/engram/pkg/sinks"
	"github.com/memmcp/engram/pkg/types"
)

// Manager owns the fanout machinery: the wake signal, the general and
// archival worker pools, the admission gate, and the stale-running
// recovery loop.
type Manager struct {
	backend  outbox.Backend
	signal   *Signaler
	state    *ArchivalState
	adm      *Admission
	limits   *RateLimits
	pools    []*Pool
	enabled  []types.Target
	staleAge time.Duration
	logger   zerolog.Logger

	coalesceWindow   time.Duration
	coalesceTargets  []string
	backpressureCfg  backpressureStats
	admissionSoft    int
	admissionHard    int
	generalWorkers   int
	archivalWorkers  int
	stopCh           chan struct{}
	doneCh           chan struct{}
}

// NewManager wires pools and flow control from configuration. lowValue
// is the retention classifier used by archival admission.
func NewManager(cfg *config.Config, backend outbox.Backend, registry *sinks.Registry, lowValue LowValueFunc, logger zerolog.Logger) *Manager {
	fo := cfg.Fanout
	signal := NewSignaler(fo.SignalBuffer)
	state := &ArchivalState{}
	limits := NewRateLimits(fo.RateLimits)
	adm := NewAdmission(backend, state, lowValue, fo.ArchivalSoftBacklog, fo.ArchivalHardBacklog, logger)
	deliverer := NewDeliverer(registry, 4)

	enabled := EnabledTargets(fo.Targets, registry)

	bulk := make(map[types.Target]int, len(fo.BulkSizes))
	for name, n := range fo.BulkSizes {
		if target, err := types.ParseTarget(name); err == nil {
			bulk[target] = n
		}
	}
	backpressure := make(map[types.Target]bool, len(fo.BackpressureTargets))
	for _, name := range fo.BackpressureTargets {
		if target, err := types.ParseTarget(name); err == nil {
			backpressure[target] = true
		}
	}

	m := &Manager{
		backend:  backend,
		signal:   signal,
		state:    state,
		adm:      adm,
		limits:   limits,
		enabled:  enabled,
		staleAge: config.Seconds(cfg.Outbox.StaleRunningSecs),
		logger:   logger,

		coalesceWindow:  config.Seconds(cfg.Outbox.CoalesceWindowSecs),
		coalesceTargets: fo.CoalesceTargets,
		backpressureCfg: backpressureStats{
			Targets:      fo.BackpressureTargets,
			Watermark:    fo.BackpressureWatermark,
			MaxSleepSecs: fo.BackpressureMaxSleepSecs,
		},
		admissionSoft:   fo.ArchivalSoftBacklog,
		admissionHard:   fo.ArchivalHardBacklog,
		generalWorkers:  fo.Workers,
		archivalWorkers: fo.ArchivalWorkers,
		stopCh:          make(chan struct{}),
		doneCh:          make(chan struct{}),
	}

	archivalOn := false
	for _, t := range enabled {
		if t == types.TargetArchival {
			archivalOn = true
		}
	}

	general := PoolOptions{
		Name:                  "general",
		Workers:               fo.Workers,
		ClaimBatch:            cfg.Outbox.ClaimBatch,
		PollInterval:          config.Seconds(fo.PollIntervalSecs),
		BulkSizes:             bulk,
		BackpressureTargets:   backpressure,
		BackpressureWatermark: fo.BackpressureWatermark,
		BackpressureMaxSleep:  config.Seconds(fo.BackpressureMaxSleepSecs),
		ArchivalDisableStreak: fo.ArchivalDisableStreak,
		SQLFailOpen:           fo.SQLFailOpen,
	}
	if archivalOn {
		general.Filter = outbox.ClaimFilter{ExcludeTargets: []types.Target{types.TargetArchival}}
	}
	m.pools = append(m.pools, NewPool(general, backend, deliverer, signal, limits, state, logger))

	if archivalOn {
		archival := general
		archival.Name = "archival"
		archival.Workers = fo.ArchivalWorkers
		archival.Filter = outbox.ClaimFilter{Target: types.TargetArchival}
		m.pools = append(m.pools, NewPool(archival, backend, deliverer, signal, limits, state, logger))
	}

	return m
}

// EnabledTargets intersects the configured target list (empty = all)
// with the sinks that actually have a client.
func EnabledTargets(configured []string, registry *sinks.Registry) []types.Target {
	want := make(map[types.Target]bool)
	if len(configured) == 0 {
		for _, t := range types.AllTargets() {
			want[t] = true
		}
	} else {
		for _, name := range configured {
			if target, err := types.ParseTarget(name); err == nil {
				want[target] = true
			}
		}
	}

	var out []types.Target
	for _, t := range types.AllTargets() {
		if want[t] && registry.Enabled(t) {
			out = append(out, t)
		}
	}
	return out
}

// Start launches the worker pools and the stale-running recovery loop.
func (m *Manager) Start() {
	for _, pool := range m.pools {
		pool.Start()
	}
	go m.recoveryLoop()
	m.logger.Info().
		Int("targets", len(m.enabled)).
		Dur("stale_age", m.staleAge).
		Msg("Fanout manager started")
}

// Stop halts recovery first, then the pools, draining claimed batches.
func (m *Manager) Stop() {
	close(m.stopCh)
	<-m.doneCh
	for _, pool := range m.pools {
		pool.Stop()
	}
}

// recoveryLoop periodically returns abandoned running rows to retrying.
func (m *Manager) recoveryLoop() {
	defer close(m.doneCh)

	interval := m.staleAge / 2
	if interval < 5*time.Second {
		interval = 5 * time.Second
	}
	if interval > time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
			recovered, err := m.backend.RecoverStaleRunning(ctx, m.staleAge)
			cancel()
			if err != nil {
				m.logger.Error().Err(err).Msg("Stale running recovery failed")
				continue
			}
			if recovered > 0 {
				m.logger.Warn().Int("rows", recovered).Msg("Recovered stale running jobs")
				m.signal.Notify()
			}
		case <-m.stopCh:
			return
		}
	}
}

// Notify wakes a worker after an enqueue.
func (m *Manager) Notify() bool { return m.signal.Notify() }

// Signal exposes the wake channel for telemetry and ingest wiring.
func (m *Manager) Signal() *Signaler { return m.signal }

// Admission exposes the archival admission gate.
func (m *Manager) Admission() *Admission { return m.adm }

// Archival exposes the archival runtime state.
func (m *Manager) Archival() *ArchivalState { return m.state }

// Targets lists the enabled fanout targets in canonical order.
func (m *Manager) Targets() []types.Target { return m.enabled }

type backpressureStats struct {
	Targets        []string `json:"targets"`
	Watermark      float64  `json:"watermark"`
	MaxSleepSecs   float64  `json:"max_sleep_secs"`
	SignalDepth    int      `json:"signal_depth"`
	SignalCapacity int      `json:"signal_capacity"`
	FillRatio      float64  `json:"fill_ratio"`
	DroppedSignals int64    `json:"dropped_signals"`
}

type coalesceStats struct {
	WindowSecs float64  `json:"window_secs"`
	Targets    []string `json:"targets"`
}

type admissionStats struct {
	SoftBacklog int              `json:"soft_backlog"`
	HardBacklog int              `json:"hard_backlog"`
	Archival    ArchivalSnapshot `json:"archival"`
}

type workerStats struct {
	General  int `json:"general"`
	Archival int `json:"archival"`
}

// Stats is the /telemetry/fanout document.
type Stats struct {
	Summary      *outbox.Summary    `json:"summary"`
	Targets      []types.Target     `json:"targets"`
	Workers      workerStats        `json:"workers"`
	RateLimits   map[string]float64 `json:"rate_limits"`
	Coalesce     coalesceStats      `json:"coalesce"`
	Backpressure backpressureStats  `json:"backpressure"`
	Admission    admissionStats     `json:"admission"`
	StaleSecs    float64            `json:"stale_running_secs"`
}

// Stats assembles the fanout telemetry snapshot. The outbox summary
// comes from the supervisor's TTL cache, so this is cheap to poll.
func (m *Manager) Stats(ctx context.Context) (*Stats, error) {
	summary, err := m.backend.Summary(ctx)
	if err != nil {
		return nil, err
	}

	bp := m.backpressureCfg
	bp.SignalDepth = m.signal.Depth()
	bp.SignalCapacity = m.signal.Capacity()
	bp.FillRatio = m.signal.FillRatio()
	bp.DroppedSignals = m.signal.Dropped()

	return &Stats{
		Summary:    summary,
		Targets:    m.enabled,
		Workers:    workerStats{General: m.generalWorkers, Archival: m.archivalWorkers},
		RateLimits: m.limits.Configured(),
		Coalesce: coalesceStats{
			WindowSecs: m.coalesceWindow.Seconds(),
			Targets:    m.coalesceTargets,
		},
		Backpressure: bp,
		Admission: admissionStats{
			SoftBacklog: m.admissionSoft,
			HardBacklog: m.admissionHard,
			Archival:    m.state.Snapshot(),
		},
		StaleSecs: m.staleAge.Seconds(),
	}, nil
}
