package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

var (
	// Ingest metrics
	WritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engram_writes_total",
			Help: "Total memory writes by outcome (accepted, deduped, rollup_buffered, denied, blocked)",
		},
		[]string{"outcome"},
	)

	WriteBytesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "engram_write_bytes_total",
			Help: "Total bytes of accepted memory content",
		},
	)

	RollupFlushesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "engram_rollup_flushes_total",
			Help: "Total hot-file rollup documents flushed",
		},
	)

	AdmissionDeniedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engram_admission_denied_total",
			Help: "Archival admissions denied by reason",
		},
		[]string{"reason"},
	)

	CanonicalQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "engram_canonical_queue_depth",
			Help: "Canonical store writes waiting for an async worker",
		},
	)

	CanonicalWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engram_canonical_writes_total",
			Help: "Canonical store writes by outcome (written, failed, saturated)",
		},
		[]string{"outcome"},
	)

	// Outbox metrics
	OutboxDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "engram_outbox_depth",
			Help: "Outbox rows by status",
		},
		[]string{"status"},
	)

	OutboxOutstanding = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "engram_outbox_outstanding",
			Help: "Outbox rows still owed delivery (pending + retrying + running)",
		},
	)

	EnqueueCoalescedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "engram_enqueue_coalesced_total",
			Help: "Pending outbox rows refreshed in place instead of inserted",
		},
	)

	BackendPromotionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "engram_outbox_backend_promotions_total",
			Help: "Outbox backend promotions from embedded to external",
		},
	)

	GCRunsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "engram_outbox_gc_runs_total",
			Help: "Outbox GC cycles completed",
		},
	)

	GCDeletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engram_outbox_gc_deleted_total",
			Help: "Outbox rows deleted by GC per category",
		},
		[]string{"category"},
	)

	GCDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "engram_outbox_gc_duration_seconds",
			Help:    "Outbox GC cycle duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Retention metrics
	RetentionSweepsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "engram_retention_sweeps_total",
			Help: "Sink retention sweeps completed",
		},
	)

	RetentionDeletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engram_retention_deleted_total",
			Help: "Records deleted by retention sweeps per sink",
		},
		[]string{"sink"},
	)

	RetentionErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engram_retention_errors_total",
			Help: "Sink pruner failures during retention sweeps",
		},
		[]string{"sink"},
	)

	// Fanout metrics
	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engram_fanout_deliveries_total",
			Help: "Fanout delivery attempts by target and outcome (success, retry, failure)",
		},
		[]string{"target", "outcome"},
	)

	DeliveryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "engram_fanout_delivery_duration_seconds",
			Help:    "Fanout delivery attempt duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"target"},
	)

	SignalsDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "engram_fanout_signals_dropped_total",
			Help: "Fanout wake signals dropped because the channel was full",
		},
	)

	BackpressureSleepsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "engram_fanout_backpressure_sleeps_total",
			Help: "Ingest pauses injected by fanout backlog backpressure",
		},
	)

	RateLimitWaitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engram_fanout_rate_limit_waits_total",
			Help: "Deliveries that waited on a per-target rate limiter",
		},
		[]string{"target"},
	)

	ArchivalDisabled = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "engram_archival_disabled",
			Help: "Whether the archival sink is disabled for this process (1 = disabled)",
		},
	)

	// Retrieval metrics
	SearchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engram_searches_total",
			Help: "Federated searches by outcome (ok, degraded, empty)",
		},
		[]string{"outcome"},
	)

	SourceFetchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "engram_retrieval_source_duration_seconds",
			Help:    "Per-source retrieval fetch duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"source"},
	)

	SourceErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engram_retrieval_source_errors_total",
			Help: "Per-source retrieval failures",
		},
		[]string{"source"},
	)

	SlowSourcesSkippedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "engram_retrieval_slow_sources_skipped_total",
			Help: "Searches that skipped slow sources because fast results sufficed",
		},
	)

	EmbeddingFallbacksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "engram_embedding_fallbacks_total",
			Help: "Embeddings served by the deterministic fallback",
		},
	)

	EmbeddingCacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "engram_embedding_cache_hits_total",
			Help: "Embedding requests served from the LRU cache",
		},
	)

	// Task queue metrics
	AgentTasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "engram_agent_tasks_total",
			Help: "Agent tasks by status",
		},
		[]string{"status"},
	)

	TaskClaimsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "engram_task_claims_total",
			Help: "Task claims granted",
		},
	)

	TaskRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "engram_task_retries_total",
			Help: "Task executions returned to pending for retry",
		},
	)

	TaskDeadlettersTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "engram_task_deadletters_total",
			Help: "Tasks moved to the deadletter state",
		},
	)

	LeasesRecoveredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "engram_task_leases_recovered_total",
			Help: "Expired task leases returned to pending",
		},
	)

	// Secret policy metrics
	SecretsRedactedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "engram_secrets_redacted_total",
			Help: "Secret matches redacted from content or messaging output",
		},
	)

	SecretsBlockedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "engram_secrets_blocked_total",
			Help: "Writes or commands refused due to secret content",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engram_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "engram_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	prometheus.MustRegister(WritesTotal)
	prometheus.MustRegister(WriteBytesTotal)
	prometheus.MustRegister(RollupFlushesTotal)
	prometheus.MustRegister(AdmissionDeniedTotal)
	prometheus.MustRegister(CanonicalQueueDepth)
	prometheus.MustRegister(CanonicalWritesTotal)
	prometheus.MustRegister(OutboxDepth)
	prometheus.MustRegister(OutboxOutstanding)
	prometheus.MustRegister(EnqueueCoalescedTotal)
	prometheus.MustRegister(BackendPromotionsTotal)
	prometheus.MustRegister(GCRunsTotal)
	prometheus.MustRegister(GCDeletedTotal)
	prometheus.MustRegister(GCDuration)
	prometheus.MustRegister(RetentionSweepsTotal)
	prometheus.MustRegister(RetentionDeletedTotal)
	prometheus.MustRegister(RetentionErrorsTotal)
	prometheus.MustRegister(DeliveriesTotal)
	prometheus.MustRegister(DeliveryDuration)
	prometheus.MustRegister(SignalsDroppedTotal)
	prometheus.MustRegister(BackpressureSleepsTotal)
	prometheus.MustRegister(RateLimitWaitsTotal)
	prometheus.MustRegister(ArchivalDisabled)
	prometheus.MustRegister(SearchesTotal)
	prometheus.MustRegister(SourceFetchDuration)
	prometheus.MustRegister(SourceErrorsTotal)
	prometheus.MustRegister(SlowSourcesSkippedTotal)
	prometheus.MustRegister(EmbeddingFallbacksTotal)
	prometheus.MustRegister(EmbeddingCacheHitsTotal)
	prometheus.MustRegister(AgentTasksTotal)
	prometheus.MustRegister(TaskClaimsTotal)
	prometheus.MustRegister(TaskRetriesTotal)
	prometheus.MustRegister(TaskDeadlettersTotal)
	prometheus.MustRegister(LeasesRecoveredTotal)
	prometheus.MustRegister(SecretsRedactedTotal)
	prometheus.MustRegister(SecretsBlockedTotal)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// CounterValue reads the current value of a counter. Used by the compact
// JSON telemetry endpoint, which reports a handful of counters without
// forcing clients to parse the Prometheus exposition format.
func CounterValue(c prometheus.Counter) float64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil || m.Counter == nil {
		return 0
	}
	return m.Counter.GetValue()
}
