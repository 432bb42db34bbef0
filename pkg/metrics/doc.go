/*
Package metrics provides Prometheus metrics collection and exposition for Engram.

The metrics package defines and registers all Engram metrics using the
Prometheus client library, providing observability into the write pipeline,
outbox depth, fanout delivery, federated retrieval, and the agent task queue.
Metrics are exposed via HTTP endpoint for scraping by Prometheus servers.

# Architecture

	┌──────────────────── METRICS SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │          Prometheus Registry                │          │
	│  │  - Global DefaultRegistry                   │          │
	│  │  - MustRegister at package init             │          │
	│  │  - Automatic Go runtime metrics             │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Metric Categories                 │          │
	│  │                                              │          │
	│  │  Ingest: writes by outcome, bytes, rollups  │          │
	│  │  Outbox: depth by status, GC, promotions    │          │
	│  │  Fanout: deliveries, rate limits, signals   │          │
	│  │  Retrieval: per-source latency and errors   │          │
	│  │  Tasks: depth by status, claims, retries    │          │
	│  │  API: request count and duration            │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │         Depth Collector                     │          │
	│  │  - Polls outbox and task stores             │          │
	│  │  - Refreshes gauges every 15s               │          │
	│  │  - Injected via DepthSources funcs          │          │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Usage

Counters and histograms are incremented at the call site:

	metrics.WritesTotal.WithLabelValues("accepted").Inc()
	metrics.DeliveriesTotal.WithLabelValues("vector", "success").Inc()

	timer := metrics.NewTimer()
	// ... deliver ...
	timer.ObserveDurationVec(metrics.DeliveryDuration, "vector")

Depth gauges come from the collector:

	collector := metrics.NewCollector(metrics.DepthSources{
		OutboxCounts: store.CountByStatus,
		TaskCounts:   queue.CountByStatus,
	}, 15*time.Second)
	collector.Start()
	defer collector.Stop()

Component health feeds /health and /ready:

	metrics.RegisterComponent("outbox", true, "")
	metrics.UpdateComponent("canonical", false, "dial failed")

# Key Metrics for Alerting

  - engram_outbox_outstanding: sustained growth means sinks cannot keep up
  - engram_fanout_deliveries_total{outcome="failure"}: terminal losses
  - engram_archival_disabled: archival sink was shut off for this process
  - engram_retrieval_source_errors_total: degraded search results
  - engram_task_deadletters_total: agent work needing operator replay

# Integration Points

  - pkg/ingest, pkg/fanout, pkg/outbox, pkg/retrieval, pkg/tasks: increment
  - pkg/server: serves Handler() under /metrics and the health handlers
  - cmd/engram: starts and stops the Collector
*/
package metrics
