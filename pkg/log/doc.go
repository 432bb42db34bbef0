/*
Package log provides structured logging for Engram using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper functions
for common logging patterns. All logs include timestamps and support filtering
by severity level for production debugging.

# Architecture

Engram's logging system provides structured JSON logging with minimal overhead:

	┌──────────────────── LOGGING SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │            Global Logger                    │          │
	│  │  - Zerolog instance                         │          │
	│  │  - Initialized via log.Init()               │          │
	│  │  - Thread-safe for concurrent use           │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Configuration                     │          │
	│  │  - Level: debug/info/warn/error             │          │
	│  │  - Format: JSON or console (human)          │          │
	│  │  - Output: stdout, file, or custom writer   │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │         Component Loggers                   │          │
	│  │  - WithComponent("fanout")                  │          │
	│  │  - WithProject("trading-bot")               │          │
	│  │  - WithTarget("vector")                     │          │
	│  │  - WithTaskID("a1b2c3d4e5f60718")           │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │            Log Output                       │          │
	│  │                                              │          │
	│  │  JSON Format:                               │          │
	│  │  {                                           │          │
	│  │    "level": "info",                         │          │
	│  │    "component": "fanout",                   │          │
	│  │    "time": "2026-02-10T10:30:00Z",         │          │
	│  │    "message": "job delivered"               │          │
	│  │  }                                           │          │
	│  │                                              │          │
	│  │  Console Format:                            │          │
	│  │  10:30AM INF job delivered component=fanout │          │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Core Components

Global Logger:
  - Package-level zerolog.Logger instance
  - Initialized once via log.Init()
  - Accessible from all Engram packages
  - Thread-safe concurrent writes

Log Levels:
  - Debug: Detailed debugging information
  - Info: General informational messages
  - Warn: Warning messages (potential issues)
  - Error: Error messages (operation failed)
  - Fatal: Critical errors (process exits)

Context Loggers:
  - WithComponent: Add component name to all logs
  - WithProject: Add memory project context
  - WithTarget: Add fanout target context
  - WithTaskID: Add agent task ID context

Rate-Limited Warnings:
  - Limiter allows one log per key per interval
  - Used by hot loops: backpressure waits, queue saturation,
    repeated sink failures
  - Keeps a stalled backend from flooding the log stream

# Usage

Initializing the Logger:

	import "github.com/memmcp/engram/pkg/log"

	// JSON output (production)
	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

	// Console output (development)
	log.Init(log.Config{
		Level:      log.DebugLevel,
		JSONOutput: false,
		Output:     os.Stdout,
	})

Simple Logging:

	log.Info("Orchestrator initialized")
	log.Warn("Vector sink responding slowly")
	log.Error("Failed to reach canonical store")

Structured Logging:

	log.Logger.Info().
		Str("project", "trading-bot").
		Str("file", "telemetry/queue__latest.json").
		Msg("memory write accepted")

	log.Logger.Error().
		Err(err).
		Str("target", "archival").
		Msg("delivery failed")

Component Loggers:

	fanoutLog := log.WithComponent("fanout")
	fanoutLog.Info().Int("workers", 4).Msg("starting workers")

Rate-Limited Warnings:

	limiter := log.NewLimiter(30 * time.Second)

	if limiter.Allow("backpressure:" + target) {
		log.Logger.Warn().
			Str("target", target).
			Float64("ratio", ratio).
			Msg("backpressure engaged")
	}

# Integration Points

This package integrates with:

  - pkg/ingest: Logs write admission and dedup decisions
  - pkg/fanout: Logs delivery attempts, retries, backpressure
  - pkg/outbox: Logs backend promotion and GC cycles
  - pkg/retrieval: Logs per-source failures and degradation
  - pkg/tasks: Logs claim/lease/retry transitions
  - pkg/server: Logs API requests and errors

# Security

Log Content:
  - Never log raw memory content; log project/file coordinates and sizes
  - Secret-bearing text is redacted by pkg/secrets before it reaches a sink,
    but log call sites still must not echo request bodies
  - Use typed fields (.Str, .Int) for caller-supplied data

# See Also

  - Zerolog documentation: https://github.com/rs/zerolog
  - 12-Factor App Logs: https://12factor.net/logs
*/
package log
