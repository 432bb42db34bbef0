package outbox

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/memmcp/engram/pkg/log"
	"github.com/memmcp/engram/pkg/metrics"
	"github.com/memmcp/engram/pkg/types"
)

// SupervisorConfig wires the supervisor to both candidate backends.
type SupervisorConfig struct {
	Preferred     string // "sqlite" or "mongo"
	SQLitePath    string
	MongoURI      string
	MongoDatabase string
	Backend       Options
	SummaryTTL    time.Duration
}

// Supervisor owns the active backend and promotes from SQLite to Mongo
// when the local disk starts returning I/O or corruption errors.
// Promotion is one-way for the process lifetime; rows already in the
// SQLite file stay there, only new work lands in Mongo. It also caches
// Summary with a stale-read TTL so telemetry polling stays cheap.
type Supervisor struct {
	mu       sync.RWMutex
	active   Backend
	promoted bool

	cfg     SupervisorConfig
	logger  zerolog.Logger
	limiter *log.Limiter

	sumMu      sync.Mutex
	summary    *Summary
	summaryAt  time.Time
	refreshing bool
}

// NewSupervisor opens the preferred backend. A Mongo preference that
// fails to connect demotes to SQLite with a warning instead of refusing
// to start; SQLite failures are fatal because nothing else is durable.
func NewSupervisor(ctx context.Context, cfg SupervisorConfig, logger zerolog.Logger) (*Supervisor, error) {
	if cfg.SummaryTTL <= 0 {
		cfg.SummaryTTL = 5 * time.Second
	}
	s := &Supervisor{
		cfg:     cfg,
		logger:  logger,
		limiter: log.NewLimiter(30 * time.Second),
	}

	if cfg.Preferred == "mongo" && cfg.MongoURI != "" {
		backend, err := NewMongo(ctx, cfg.MongoURI, cfg.MongoDatabase, cfg.Backend, logger)
		if err == nil {
			s.active = backend
			s.promoted = true
			logger.Info().Str("backend", "mongo").Msg("Outbox backend ready")
			return s, nil
		}
		logger.Warn().Err(err).Msg("Mongo outbox unavailable, demoting to sqlite")
	}

	backend, err := NewSQLite(cfg.SQLitePath, cfg.Backend, logger)
	if err != nil {
		return nil, err
	}
	s.active = backend
	logger.Info().Str("backend", "sqlite").Str("path", cfg.SQLitePath).Msg("Outbox backend ready")
	return s, nil
}

// Name reports the active backend.
func (s *Supervisor) Name() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active.Name()
}

// Promoted reports whether the process has switched to Mongo.
func (s *Supervisor) Promoted() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.promoted
}

func (s *Supervisor) backend() Backend {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// isDiskError matches the SQLite failure modes that mean the file itself
// is no longer trustworthy. Lock contention ("database is locked") is
// transient and must not trigger promotion.
func isDiskError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"disk i/o error",
		"database disk image is malformed",
		"file is not a database",
		"unable to open database file",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// observe inspects an operation error and promotes when the SQLite file
// is failing and Mongo is configured.
func (s *Supervisor) observe(err error) {
	if err == nil || !isDiskError(err) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.promoted || s.cfg.MongoURI == "" {
		if s.limiter.Allow("disk-error") {
			s.logger.Error().Err(err).Msg("Outbox disk error with no promotion path")
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	replacement, merr := NewMongo(ctx, s.cfg.MongoURI, s.cfg.MongoDatabase, s.cfg.Backend, s.logger)
	if merr != nil {
		if s.limiter.Allow("promotion-failed") {
			s.logger.Error().Err(merr).Msg("Outbox promotion to mongo failed, staying on sqlite")
		}
		return
	}

	old := s.active
	s.active = replacement
	s.promoted = true
	metrics.BackendPromotionsTotal.Inc()
	s.logger.Error().Err(err).Msg("Outbox promoted from sqlite to mongo after disk error")
	if old != nil {
		old.Close()
	}
}

func (s *Supervisor) Enqueue(ctx context.Context, event *types.MemoryEvent, targets []types.Target, forceRequeue bool) (*EnqueueResult, error) {
	res, err := s.backend().Enqueue(ctx, event, targets, forceRequeue)
	s.observe(err)
	return res, err
}

func (s *Supervisor) ClaimBatch(ctx context.Context, limit int, filter ClaimFilter) ([]*types.OutboxJob, error) {
	jobs, err := s.backend().ClaimBatch(ctx, limit, filter)
	s.observe(err)
	return jobs, err
}

func (s *Supervisor) MarkSuccess(ctx context.Context, id int64) error {
	err := s.backend().MarkSuccess(ctx, id)
	s.observe(err)
	return err
}

func (s *Supervisor) MarkFailed(ctx context.Context, id int64, errMsg string) error {
	err := s.backend().MarkFailed(ctx, id, errMsg)
	s.observe(err)
	return err
}

func (s *Supervisor) MarkRetry(ctx context.Context, job *types.OutboxJob, errMsg string) error {
	err := s.backend().MarkRetry(ctx, job, errMsg)
	s.observe(err)
	return err
}

func (s *Supervisor) RecoverStaleRunning(ctx context.Context, maxAge time.Duration) (int, error) {
	n, err := s.backend().RecoverStaleRunning(ctx, maxAge)
	s.observe(err)
	return n, err
}

func (s *Supervisor) FailTarget(ctx context.Context, target types.Target, reason string) (int, error) {
	n, err := s.backend().FailTarget(ctx, target, reason)
	s.observe(err)
	return n, err
}

func (s *Supervisor) Deadletters(ctx context.Context, target types.Target, limit int) ([]*types.OutboxJob, error) {
	jobs, err := s.backend().Deadletters(ctx, target, limit)
	s.observe(err)
	return jobs, err
}

func (s *Supervisor) CountByStatus(ctx context.Context) (map[types.OutboxStatus]int, error) {
	counts, err := s.backend().CountByStatus(ctx)
	s.observe(err)
	return counts, err
}

func (s *Supervisor) OutstandingForTarget(ctx context.Context, target types.Target) (int, error) {
	n, err := s.backend().OutstandingForTarget(ctx, target)
	s.observe(err)
	return n, err
}

// Summary serves the cached snapshot while fresh. Once stale it still
// returns the old copy immediately and refreshes in the background, so
// a slow backend never stalls the telemetry endpoints.
func (s *Supervisor) Summary(ctx context.Context) (*Summary, error) {
	s.sumMu.Lock()
	cached := s.summary
	fresh := cached != nil && time.Since(s.summaryAt) < s.cfg.SummaryTTL
	if fresh {
		s.sumMu.Unlock()
		return cached, nil
	}
	if cached != nil {
		if !s.refreshing {
			s.refreshing = true
			go s.refreshSummary()
		}
		s.sumMu.Unlock()
		return cached, nil
	}
	s.sumMu.Unlock()

	sum, err := s.backend().Summary(ctx)
	s.observe(err)
	if err != nil {
		return nil, err
	}
	s.storeSummary(sum)
	return sum, nil
}

func (s *Supervisor) refreshSummary() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sum, err := s.backend().Summary(ctx)
	s.observe(err)

	s.sumMu.Lock()
	s.refreshing = false
	s.sumMu.Unlock()

	if err != nil {
		if s.limiter.Allow("summary-refresh") {
			s.logger.Warn().Err(err).Msg("Outbox summary refresh failed, serving stale snapshot")
		}
		return
	}
	s.storeSummary(sum)
}

func (s *Supervisor) storeSummary(sum *Summary) {
	s.sumMu.Lock()
	s.summary = sum
	s.summaryAt = time.Now()
	s.sumMu.Unlock()
}

// InvalidateSummary drops the cached snapshot; used after GC so the next
// telemetry read reflects the deletions.
func (s *Supervisor) InvalidateSummary() {
	s.sumMu.Lock()
	s.summary = nil
	s.sumMu.Unlock()
}

func (s *Supervisor) GC(ctx context.Context, opts GCOptions) (*GCResult, error) {
	res, err := s.backend().GC(ctx, opts)
	s.observe(err)
	if err == nil {
		s.InvalidateSummary()
	}
	return res, err
}

func (s *Supervisor) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active.Close()
}
