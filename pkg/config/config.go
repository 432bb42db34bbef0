package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration. Every field is backed by a
// documented environment variable; an optional YAML file overlays the
// environment before validation.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Outbox    OutboxConfig    `yaml:"outbox"`
	GC        GCConfig        `yaml:"gc"`
	Fanout    FanoutConfig    `yaml:"fanout"`
	Sinks     SinksConfig     `yaml:"sinks"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Tasks     TasksConfig     `yaml:"tasks"`
	Retention RetentionConfig `yaml:"retention"`
	Messaging MessagingConfig `yaml:"messaging"`
	History   HistoryConfig   `yaml:"history"`
}

// ServerConfig controls the HTTP listener and its security posture.
type ServerConfig struct {
	// ListenAddr is the bind address (ORCH_LISTEN_ADDR, default ":8075").
	ListenAddr string `yaml:"listen_addr"`
	// APIKey guards every non-public route via x-api-key (ORCH_API_KEY).
	APIKey string `yaml:"api_key"`
	// Env is "development" or "production" (ORCH_ENV).
	Env string `yaml:"env"`
	// StrictSecurity refuses to start without an API key in production
	// (ORCH_STRICT_SECURITY, default true).
	StrictSecurity bool `yaml:"strict_security"`
	// PublicStatus exposes /status and /metrics without a key
	// (ORCH_PUBLIC_STATUS, default false).
	PublicStatus bool `yaml:"public_status"`
	// PublicPaths lists extra path prefixes served without a key, for
	// example an inbound messaging webhook (ORCH_PUBLIC_PATHS,
	// comma-separated).
	PublicPaths []string `yaml:"public_paths"`
	// DataDir holds the embedded databases (ORCH_DATA_DIR, default "./data").
	DataDir string `yaml:"data_dir"`
	// RequestTimeoutSecs bounds handler execution (ORCH_REQUEST_TIMEOUT_SECS).
	RequestTimeoutSecs float64 `yaml:"request_timeout_secs"`
}

// LogConfig mirrors pkg/log.Config.
type LogConfig struct {
	// Level is debug|info|warn|error (ORCH_LOG_LEVEL, default "info").
	Level string `yaml:"level"`
	// JSON switches to JSON output (ORCH_LOG_JSON, default true).
	JSON bool `yaml:"json"`
}

// IngestConfig tunes the write pipeline ahead of the outbox.
type IngestConfig struct {
	// DedupWindowSecs is the sliding suppression window for identical
	// writes (MEMORY_WRITE_DEDUP_WINDOW_SECS, default 120).
	DedupWindowSecs float64 `yaml:"dedup_window_secs"`
	// DedupCacheSize bounds the dedup and latest-hash maps
	// (MEMORY_WRITE_DEDUP_CACHE_SIZE, default 4096).
	DedupCacheSize int `yaml:"dedup_cache_size"`
	// SummaryMaxChars caps derived summaries (MEMORY_WRITE_SUMMARY_MAX_CHARS,
	// default 500).
	SummaryMaxChars int `yaml:"summary_max_chars"`
	// MaxContentBytes bounds the write request body; the summary is
	// truncated separately (MEMORY_WRITE_MAX_BYTES, default 1 MiB).
	MaxContentBytes int `yaml:"max_content_bytes"`
	// Async enqueues canonical writes instead of awaiting them
	// (MEMORY_WRITE_ASYNC, default true).
	Async bool `yaml:"async"`
	// QueueMax bounds the async canonical write queue
	// (MEMORY_WRITE_QUEUE_MAX, default 256).
	QueueMax int `yaml:"queue_max"`
	// WriteWorkers drains the async queue (MEMORY_WRITE_WORKERS, default 2).
	WriteWorkers int `yaml:"write_workers"`
	// HotFiles lists file-name suffixes that buffer into rollups instead
	// of writing through (MEMORY_WRITE_HOT_FILES, comma-separated,
	// default "__latest.json").
	HotFiles []string `yaml:"hot_files"`
	// SecretPolicy is allow|redact|block (MEMORY_WRITE_SECRET_POLICY,
	// default "redact").
	SecretPolicy string `yaml:"secret_policy"`
	// RollupFlushSecs is the rollup flush cadence
	// (MEMORY_WRITE_ROLLUP_FLUSH_SECS, default 30).
	RollupFlushSecs float64 `yaml:"rollup_flush_secs"`
}

// OutboxConfig selects and tunes the durable outbox backend.
type OutboxConfig struct {
	// Backend is "sqlite" or "mongo" (FANOUT_OUTBOX_BACKEND, default "sqlite").
	Backend string `yaml:"backend"`
	// SQLitePath is the embedded database file (FANOUT_OUTBOX_SQLITE_PATH,
	// default "<data_dir>/outbox.db").
	SQLitePath string `yaml:"sqlite_path"`
	// MongoURI enables the external backend and promotion on embedded
	// corruption (FANOUT_OUTBOX_MONGO_URI).
	MongoURI string `yaml:"mongo_uri"`
	// MongoDatabase names the backing database (FANOUT_OUTBOX_MONGO_DB,
	// default "engram").
	MongoDatabase string `yaml:"mongo_database"`
	// MaxAttempts before a job fails terminally (FANOUT_MAX_ATTEMPTS,
	// default 8).
	MaxAttempts int `yaml:"max_attempts"`
	// BackoffBaseSecs seeds exponential retry backoff
	// (FANOUT_BACKOFF_BASE_SECS, default 2).
	BackoffBaseSecs float64 `yaml:"backoff_base_secs"`
	// BackoffCapSecs bounds retry backoff (FANOUT_BACKOFF_CAP_SECS,
	// default 300).
	BackoffCapSecs float64 `yaml:"backoff_cap_secs"`
	// CoalesceWindowSecs folds same-coordinate pending jobs
	// (FANOUT_COALESCE_WINDOW_SECS, default 45).
	CoalesceWindowSecs float64 `yaml:"coalesce_window_secs"`
	// ClaimBatch is the per-poll claim size (FANOUT_CLAIM_BATCH, default 16).
	ClaimBatch int `yaml:"claim_batch"`
	// StaleRunningSecs requeues abandoned running rows
	// (FANOUT_STALE_RUNNING_SECS, default 300).
	StaleRunningSecs float64 `yaml:"stale_running_secs"`
}

// GCConfig tunes outbox garbage collection.
type GCConfig struct {
	// IntervalSecs between GC cycles (FANOUT_OUTBOX_GC_INTERVAL_SECS,
	// default 3600; 0 disables the loop).
	IntervalSecs float64 `yaml:"interval_secs"`
	// SucceededRetentionHours keeps delivered rows for audit
	// (FANOUT_OUTBOX_SUCCEEDED_RETENTION_HOURS, default 24).
	SucceededRetentionHours float64 `yaml:"succeeded_retention_hours"`
	// FailedRetentionHours keeps terminal failures longer
	// (FANOUT_OUTBOX_FAILED_RETENTION_HOURS, default 168).
	FailedRetentionHours float64 `yaml:"failed_retention_hours"`
	// StalePendingHours ages out undeliverable rows for StaleTargets
	// (FANOUT_OUTBOX_STALE_PENDING_HOURS, default 72; 0 disables).
	StalePendingHours float64 `yaml:"stale_pending_hours"`
	// StaleTargets are targets whose aged pending rows may be dropped
	// (FANOUT_OUTBOX_STALE_TARGETS, comma-separated, default "archival").
	StaleTargets []string `yaml:"stale_targets"`
	// VacuumMinDeleted triggers VACUUM after large cleanups
	// (FANOUT_OUTBOX_GC_VACUUM_MIN_DELETED, default 500).
	VacuumMinDeleted int `yaml:"vacuum_min_deleted"`
	// VacuumMinIntervalHours spaces VACUUM runs
	// (FANOUT_OUTBOX_GC_VACUUM_MIN_INTERVAL_HOURS, default 24).
	VacuumMinIntervalHours float64 `yaml:"vacuum_min_interval_hours"`
	// TimeoutSecs bounds one GC cycle (FANOUT_OUTBOX_GC_TIMEOUT_SECS,
	// default 30).
	TimeoutSecs float64 `yaml:"timeout_secs"`
}

// FanoutConfig tunes delivery workers and flow control.
type FanoutConfig struct {
	// Workers in the general pool (FANOUT_WORKERS, default 2).
	Workers int `yaml:"workers"`
	// ArchivalWorkers in the archival-only pool (FANOUT_ARCHIVAL_WORKERS,
	// default 1).
	ArchivalWorkers int `yaml:"archival_workers"`
	// PollIntervalSecs is the idle wake cadence (FANOUT_POLL_INTERVAL_SECS,
	// default 5).
	PollIntervalSecs float64 `yaml:"poll_interval_secs"`
	// SignalBuffer sizes the wake channel (FANOUT_SIGNAL_BUFFER, default 64).
	SignalBuffer int `yaml:"signal_buffer"`
	// Targets enables a subset of fanout targets (FANOUT_TARGETS,
	// comma-separated, default all).
	Targets []string `yaml:"targets"`
	// RateLimits maps target to max deliveries per second
	// (FANOUT_RATE_LIMITS, "target=rps" pairs, e.g. "archival=0.5,sql=4").
	RateLimits map[string]float64 `yaml:"rate_limits"`
	// BulkSizes maps target to per-chunk bulk write size
	// (FANOUT_BULK_SIZES, "target=n" pairs; defaults vector=16, sql=32,
	// others 8).
	BulkSizes map[string]int `yaml:"bulk_sizes"`
	// CoalesceTargets enables enqueue coalescing per target
	// (FANOUT_COALESCE_TARGETS, comma-separated, default all).
	CoalesceTargets []string `yaml:"coalesce_targets"`
	// BackpressureTargets are targets whose workers pause under signal
	// pressure (FANOUT_BACKPRESSURE_TARGETS, default "archival").
	BackpressureTargets []string `yaml:"backpressure_targets"`
	// BackpressureWatermark is the signal-channel fill ratio where worker
	// pauses begin (FANOUT_BACKPRESSURE_WATERMARK, default 0.65).
	BackpressureWatermark float64 `yaml:"backpressure_watermark"`
	// BackpressureMaxSleepSecs caps the injected pause
	// (FANOUT_BACKPRESSURE_MAX_SLEEP_SECS, default 2).
	BackpressureMaxSleepSecs float64 `yaml:"backpressure_max_sleep_secs"`
	// ArchivalSoftBacklog denies low-value archival admissions
	// (ARCHIVAL_SOFT_BACKLOG, default 25).
	ArchivalSoftBacklog int `yaml:"archival_soft_backlog"`
	// ArchivalHardBacklog denies all archival admissions
	// (ARCHIVAL_HARD_BACKLOG, default 100).
	ArchivalHardBacklog int `yaml:"archival_hard_backlog"`
	// ArchivalDisableStreak disables archival after this many consecutive
	// 5xx failures (ARCHIVAL_DISABLE_STREAK, default 3).
	ArchivalDisableStreak int `yaml:"archival_disable_streak"`
	// SQLFailOpen marks analytic deliveries succeeded when the backing file
	// is corrupt instead of retrying forever (FANOUT_SQL_FAIL_OPEN,
	// default true).
	SQLFailOpen bool `yaml:"sql_fail_open"`
}

// SinksConfig holds connection settings for external stores.
type SinksConfig struct {
	// Vector store (Qdrant-compatible REST).
	VectorURL        string `yaml:"vector_url"`        // VECTOR_URL
	VectorAPIKey     string `yaml:"vector_api_key"`    // VECTOR_API_KEY
	VectorCollection string `yaml:"vector_collection"` // VECTOR_COLLECTION, default "memory_events"

	// Raw event store (MongoDB).
	RawMongoURI   string `yaml:"raw_mongo_uri"`  // RAW_MONGO_URI
	RawDatabase   string `yaml:"raw_database"`   // RAW_MONGO_DB, default "engram"
	RawCollection string `yaml:"raw_collection"` // RAW_MONGO_COLLECTION, default "memory_events"

	// Analytic store (SQL-over-HTTP).
	AnalyticURL      string `yaml:"analytic_url"`      // ANALYTIC_URL
	AnalyticDatabase string `yaml:"analytic_database"` // ANALYTIC_DB, default "memory"
	AnalyticTable    string `yaml:"analytic_table"`    // ANALYTIC_TABLE, default "memory_events"

	// Archival store (agent memory API).
	ArchivalURL    string `yaml:"archival_url"`     // ARCHIVAL_URL
	ArchivalAPIKey string `yaml:"archival_api_key"` // ARCHIVAL_API_KEY
	ArchivalAgent  string `yaml:"archival_agent"`   // ARCHIVAL_AGENT, default "memory-orchestrator"

	// Observability store (batch trace ingestion).
	ObservabilityURL       string `yaml:"observability_url"`        // OBSERVABILITY_URL
	ObservabilityPublicKey string `yaml:"observability_public_key"` // OBSERVABILITY_PUBLIC_KEY
	ObservabilitySecretKey string `yaml:"observability_secret_key"` // OBSERVABILITY_SECRET_KEY

	// Canonical store (memory-bank MCP gateway).
	CanonicalURL         string  `yaml:"canonical_url"`          // CANONICAL_URL, default "http://127.0.0.1:7077/mcp"
	CanonicalTimeoutSecs float64 `yaml:"canonical_timeout_secs"` // CANONICAL_TIMEOUT_SECS, default 10

	// Embedding provider (OpenAI-compatible).
	EmbeddingURL         string  `yaml:"embedding_url"`          // EMBEDDING_URL
	EmbeddingAPIKey      string  `yaml:"embedding_api_key"`      // EMBEDDING_API_KEY
	EmbeddingModel       string  `yaml:"embedding_model"`        // EMBEDDING_MODEL, default "text-embedding-3-small"
	EmbeddingDims        int     `yaml:"embedding_dims"`         // EMBEDDING_DIMS, default 1536
	EmbeddingTimeoutSecs float64 `yaml:"embedding_timeout_secs"` // EMBEDDING_TIMEOUT_SECS, default 2.5
	EmbeddingCacheSize   int     `yaml:"embedding_cache_size"`   // EMBEDDING_CACHE_SIZE, default 512

	// TimeoutSecs is the default per-request sink timeout (SINK_TIMEOUT_SECS,
	// default 5).
	TimeoutSecs float64 `yaml:"timeout_secs"`
}

// RetrievalConfig tunes the federated search engine.
type RetrievalConfig struct {
	// DefaultLimit when the caller sends none (RETRIEVAL_DEFAULT_LIMIT,
	// default 8).
	DefaultLimit int `yaml:"default_limit"`
	// MaxLimit clamps caller limits (RETRIEVAL_MAX_LIMIT, default 50).
	MaxLimit int `yaml:"max_limit"`
	// SourceTimeoutSecs bounds each source fetch (RETRIEVAL_SOURCE_TIMEOUT_SECS,
	// default 3).
	SourceTimeoutSecs float64 `yaml:"source_timeout_secs"`
	// StagedEnabled turns on fast/slow staging (RETRIEVAL_STAGED, default true).
	StagedEnabled bool `yaml:"staged_enabled"`
	// FastSources consulted first (RETRIEVAL_FAST_SOURCES, default
	// "vector,raw,analytic").
	FastSources []string `yaml:"fast_sources"`
	// SlowSources consulted only when fast results are weak
	// (RETRIEVAL_SLOW_SOURCES, default "archival,canonical-lexical").
	SlowSources []string `yaml:"slow_sources"`
	// MinResultsForSkip: fast hits needed before slow sources may be skipped
	// (RETRIEVAL_MIN_RESULTS_FOR_SKIP, default 3).
	MinResultsForSkip int `yaml:"min_results_for_skip"`
	// MinTopScore: best fast score needed to skip slow sources
	// (RETRIEVAL_MIN_TOP_SCORE, default 0.35).
	MinTopScore float64 `yaml:"min_top_score"`
	// CanonicalScanCap bounds the canonical-lexical directory walk
	// (RETRIEVAL_CANONICAL_SCAN_CAP, default 500 files total).
	CanonicalScanCap int `yaml:"canonical_scan_cap"`
	// CanonicalProjectCap bounds files walked per project
	// (RETRIEVAL_CANONICAL_PROJECT_CAP, default 100).
	CanonicalProjectCap int `yaml:"canonical_project_cap"`
	// Weights maps source to base weight (RETRIEVAL_WEIGHTS, "source=w"
	// pairs; defaults vector=1.0 raw=0.8 analytic=0.75 archival=0.7
	// canonical-lexical=0.6).
	Weights map[string]float64 `yaml:"weights"`
	// FeedbackBoost per positive preference hit (RETRIEVAL_FEEDBACK_BOOST,
	// default 0.08).
	FeedbackBoost float64 `yaml:"feedback_boost"`
	// FeedbackPenalty per negative preference hit (RETRIEVAL_FEEDBACK_PENALTY,
	// default 0.12).
	FeedbackPenalty float64 `yaml:"feedback_penalty"`
}

// TasksConfig tunes the durable agent task queue.
type TasksConfig struct {
	// LeaseSecs is the claim lease length (TASKS_LEASE_SECS, default 600).
	LeaseSecs float64 `yaml:"lease_secs"`
	// MaxAttempts before deadletter (TASKS_MAX_ATTEMPTS, default 3).
	MaxAttempts int `yaml:"max_attempts"`
	// InternalWorkers runs the in-process executor pool (TASKS_INTERNAL_WORKERS,
	// default 1; 0 disables).
	InternalWorkers int `yaml:"internal_workers"`
	// PollIntervalSecs is the internal worker poll cadence
	// (TASKS_POLL_INTERVAL_SECS, default 5).
	PollIntervalSecs float64 `yaml:"poll_interval_secs"`
	// AllowedActions restricts executable verbs (TASKS_ALLOWED_ACTIONS,
	// comma-separated, default all known actions).
	AllowedActions []string `yaml:"allowed_actions"`
	// CallbackHosts allowlists http_callback destinations
	// (TASKS_CALLBACK_HOSTS, comma-separated host[:port]).
	CallbackHosts []string `yaml:"callback_hosts"`
	// ApprovalForHighRisk gates high-risk actions behind operator approval
	// (TASKS_APPROVAL_FOR_HIGH_RISK, default true).
	ApprovalForHighRisk bool `yaml:"approval_for_high_risk"`
	// Provider settings for provider_chat (OpenAI-compatible).
	ProviderBaseURL string `yaml:"provider_base_url"` // TASKS_PROVIDER_BASE_URL
	ProviderAPIKey  string `yaml:"provider_api_key"`  // TASKS_PROVIDER_API_KEY
	ProviderModel   string `yaml:"provider_model"`    // TASKS_PROVIDER_MODEL
	// RuntimeName identifies this process in runtime snapshots
	// (TASKS_RUNTIME_NAME, default "engram").
	RuntimeName string `yaml:"runtime_name"`
}

// RetentionConfig tunes sink retention sweeps and the low-value classifier.
type RetentionConfig struct {
	// SweepIntervalHours between sink retention passes
	// (RETENTION_SWEEP_INTERVAL_HOURS, default 24; 0 disables).
	SweepIntervalHours float64 `yaml:"sweep_interval_hours"`
	// SweepTimeoutSecs bounds each sink's pruner individually
	// (RETENTION_SWEEP_TIMEOUT_SECS, default 60).
	SweepTimeoutSecs float64 `yaml:"sweep_timeout_secs"`
	// RawRetentionDays prunes the raw store (RETENTION_RAW_DAYS, default 30).
	RawRetentionDays float64 `yaml:"raw_retention_days"`
	// VectorRetentionDays prunes the vector store (RETENTION_VECTOR_DAYS,
	// default 45).
	VectorRetentionDays float64 `yaml:"vector_retention_days"`
	// LowValueSuffixes mark telemetry-shaped files (RETENTION_LOW_VALUE_SUFFIXES,
	// default "__latest.json").
	LowValueSuffixes []string `yaml:"low_value_suffixes"`
	// LowValueTopicPrefixes mark ephemeral topics
	// (RETENTION_LOW_VALUE_TOPIC_PREFIXES, default "signals/,live/").
	LowValueTopicPrefixes []string `yaml:"low_value_topic_prefixes"`
	// LowValueMinSummaryChars: shorter summaries classify as low value
	// (RETENTION_LOW_VALUE_MIN_SUMMARY_CHARS, default 48).
	LowValueMinSummaryChars int `yaml:"low_value_min_summary_chars"`
}

// MessagingConfig tunes the chat command interpreter.
type MessagingConfig struct {
	// BotName strips mention prefixes like "@name" and "@name_bot"
	// (MESSAGING_BOT_NAME, default "engram").
	BotName string `yaml:"bot_name"`
	// StrictChannels get secret blocking and redaction
	// (MESSAGING_STRICT_CHANNELS, comma-separated, default "openclaw").
	StrictChannels []string `yaml:"strict_channels"`
	// DefaultProject receives "remember" writes (MESSAGING_DEFAULT_PROJECT,
	// default "chat-memory").
	DefaultProject string `yaml:"default_project"`
}

// HistoryConfig tunes in-memory recency tracking and NDJSON streams.
type HistoryConfig struct {
	// RecentLimit bounds the recent-writes deque (HISTORY_RECENT_LIMIT,
	// default 100).
	RecentLimit int `yaml:"recent_limit"`
	// Streams maps stream name to NDJSON file path, e.g.
	// "signals=trading/signals_history.ndjson". Writes whose top topic
	// segment names a configured stream are mirrored into it
	// (HISTORY_STREAMS, comma-separated pairs).
	Streams map[string]string `yaml:"streams"`
	// TimestampField injected into appended records (HISTORY_TIMESTAMP_FIELD,
	// default "recordedAt").
	TimestampField string `yaml:"timestamp_field"`
}

// Load builds a Config from the environment, then overlays the YAML file at
// path when it is non-empty.
func Load(path string) (*Config, error) {
	cfg := fromEnv()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func fromEnv() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:         envStr("ORCH_LISTEN_ADDR", ""),
			APIKey:             envStr("ORCH_API_KEY", ""),
			Env:                envStr("ORCH_ENV", ""),
			StrictSecurity:     envBool("ORCH_STRICT_SECURITY", true),
			PublicStatus:       envBool("ORCH_PUBLIC_STATUS", false),
			PublicPaths:        envList("ORCH_PUBLIC_PATHS"),
			DataDir:            envStr("ORCH_DATA_DIR", ""),
			RequestTimeoutSecs: envFloat("ORCH_REQUEST_TIMEOUT_SECS", 0),
		},
		Log: LogConfig{
			Level: envStr("ORCH_LOG_LEVEL", ""),
			JSON:  envBool("ORCH_LOG_JSON", true),
		},
		Ingest: IngestConfig{
			DedupWindowSecs: envFloat("MEMORY_WRITE_DEDUP_WINDOW_SECS", 0),
			DedupCacheSize:  envInt("MEMORY_WRITE_DEDUP_CACHE_SIZE", 0),
			SummaryMaxChars: envInt("MEMORY_WRITE_SUMMARY_MAX_CHARS", 0),
			MaxContentBytes: envInt("MEMORY_WRITE_MAX_BYTES", 0),
			Async:           envBool("MEMORY_WRITE_ASYNC", true),
			QueueMax:        envInt("MEMORY_WRITE_QUEUE_MAX", 0),
			WriteWorkers:    envInt("MEMORY_WRITE_WORKERS", 0),
			HotFiles:        envList("MEMORY_WRITE_HOT_FILES"),
			SecretPolicy:    envStr("MEMORY_WRITE_SECRET_POLICY", ""),
			RollupFlushSecs: envFloat("MEMORY_WRITE_ROLLUP_FLUSH_SECS", 0),
		},
		Outbox: OutboxConfig{
			Backend:            envStr("FANOUT_OUTBOX_BACKEND", ""),
			SQLitePath:         envStr("FANOUT_OUTBOX_SQLITE_PATH", ""),
			MongoURI:           envStr("FANOUT_OUTBOX_MONGO_URI", ""),
			MongoDatabase:      envStr("FANOUT_OUTBOX_MONGO_DB", ""),
			MaxAttempts:        envInt("FANOUT_MAX_ATTEMPTS", 0),
			BackoffBaseSecs:    envFloat("FANOUT_BACKOFF_BASE_SECS", 0),
			BackoffCapSecs:     envFloat("FANOUT_BACKOFF_CAP_SECS", 0),
			CoalesceWindowSecs: envFloat("FANOUT_COALESCE_WINDOW_SECS", 0),
			ClaimBatch:         envInt("FANOUT_CLAIM_BATCH", 0),
			StaleRunningSecs:   envFloat("FANOUT_STALE_RUNNING_SECS", 0),
		},
		GC: GCConfig{
			IntervalSecs:            envFloat("FANOUT_OUTBOX_GC_INTERVAL_SECS", -1),
			SucceededRetentionHours: envFloat("FANOUT_OUTBOX_SUCCEEDED_RETENTION_HOURS", 0),
			FailedRetentionHours:    envFloat("FANOUT_OUTBOX_FAILED_RETENTION_HOURS", 0),
			StalePendingHours:       envFloat("FANOUT_OUTBOX_STALE_PENDING_HOURS", -1),
			StaleTargets:            envList("FANOUT_OUTBOX_STALE_TARGETS"),
			VacuumMinDeleted:        envInt("FANOUT_OUTBOX_GC_VACUUM_MIN_DELETED", 0),
			VacuumMinIntervalHours:  envFloat("FANOUT_OUTBOX_GC_VACUUM_MIN_INTERVAL_HOURS", 0),
			TimeoutSecs:             envFloat("FANOUT_OUTBOX_GC_TIMEOUT_SECS", 0),
		},
		Fanout: FanoutConfig{
			Workers:                  envInt("FANOUT_WORKERS", 0),
			ArchivalWorkers:          envInt("FANOUT_ARCHIVAL_WORKERS", 0),
			PollIntervalSecs:         envFloat("FANOUT_POLL_INTERVAL_SECS", 0),
			SignalBuffer:             envInt("FANOUT_SIGNAL_BUFFER", 0),
			Targets:                  envList("FANOUT_TARGETS"),
			RateLimits:               envFloatMap("FANOUT_RATE_LIMITS"),
			BulkSizes:                envIntMap("FANOUT_BULK_SIZES"),
			CoalesceTargets:          envList("FANOUT_COALESCE_TARGETS"),
			BackpressureTargets:      envList("FANOUT_BACKPRESSURE_TARGETS"),
			BackpressureWatermark:    envFloat("FANOUT_BACKPRESSURE_WATERMARK", 0),
			BackpressureMaxSleepSecs: envFloat("FANOUT_BACKPRESSURE_MAX_SLEEP_SECS", 0),
			ArchivalSoftBacklog:      envInt("ARCHIVAL_SOFT_BACKLOG", 0),
			ArchivalHardBacklog:      envInt("ARCHIVAL_HARD_BACKLOG", 0),
			ArchivalDisableStreak:    envInt("ARCHIVAL_DISABLE_STREAK", 0),
			SQLFailOpen:              envBool("FANOUT_SQL_FAIL_OPEN", true),
		},
		Sinks: SinksConfig{
			VectorURL:              envStr("VECTOR_URL", ""),
			VectorAPIKey:           envStr("VECTOR_API_KEY", ""),
			VectorCollection:       envStr("VECTOR_COLLECTION", ""),
			RawMongoURI:            envStr("RAW_MONGO_URI", ""),
			RawDatabase:            envStr("RAW_MONGO_DB", ""),
			RawCollection:          envStr("RAW_MONGO_COLLECTION", ""),
			AnalyticURL:            envStr("ANALYTIC_URL", ""),
			AnalyticDatabase:       envStr("ANALYTIC_DB", ""),
			AnalyticTable:          envStr("ANALYTIC_TABLE", ""),
			ArchivalURL:            envStr("ARCHIVAL_URL", ""),
			ArchivalAPIKey:         envStr("ARCHIVAL_API_KEY", ""),
			ArchivalAgent:          envStr("ARCHIVAL_AGENT", ""),
			ObservabilityURL:       envStr("OBSERVABILITY_URL", ""),
			ObservabilityPublicKey: envStr("OBSERVABILITY_PUBLIC_KEY", ""),
			ObservabilitySecretKey: envStr("OBSERVABILITY_SECRET_KEY", ""),
			CanonicalURL:           envStr("CANONICAL_URL", ""),
			CanonicalTimeoutSecs:   envFloat("CANONICAL_TIMEOUT_SECS", 0),
			EmbeddingURL:           envStr("EMBEDDING_URL", ""),
			EmbeddingAPIKey:        envStr("EMBEDDING_API_KEY", ""),
			EmbeddingModel:         envStr("EMBEDDING_MODEL", ""),
			EmbeddingDims:          envInt("EMBEDDING_DIMS", 0),
			EmbeddingTimeoutSecs:   envFloat("EMBEDDING_TIMEOUT_SECS", 0),
			EmbeddingCacheSize:     envInt("EMBEDDING_CACHE_SIZE", 0),
			TimeoutSecs:            envFloat("SINK_TIMEOUT_SECS", 0),
		},
		Retrieval: RetrievalConfig{
			DefaultLimit:      envInt("RETRIEVAL_DEFAULT_LIMIT", 0),
			MaxLimit:          envInt("RETRIEVAL_MAX_LIMIT", 0),
			SourceTimeoutSecs: envFloat("RETRIEVAL_SOURCE_TIMEOUT_SECS", 0),
			StagedEnabled:     envBool("RETRIEVAL_STAGED", true),
			FastSources:       envList("RETRIEVAL_FAST_SOURCES"),
			SlowSources:       envList("RETRIEVAL_SLOW_SOURCES"),
			MinResultsForSkip:   envInt("RETRIEVAL_MIN_RESULTS_FOR_SKIP", 0),
			MinTopScore:         envFloat("RETRIEVAL_MIN_TOP_SCORE", 0),
			CanonicalScanCap:    envInt("RETRIEVAL_CANONICAL_SCAN_CAP", 0),
			CanonicalProjectCap: envInt("RETRIEVAL_CANONICAL_PROJECT_CAP", 0),
			Weights:           envFloatMap("RETRIEVAL_WEIGHTS"),
			FeedbackBoost:     envFloat("RETRIEVAL_FEEDBACK_BOOST", 0),
			FeedbackPenalty:   envFloat("RETRIEVAL_FEEDBACK_PENALTY", 0),
		},
		Tasks: TasksConfig{
			LeaseSecs:           envFloat("TASKS_LEASE_SECS", 0),
			MaxAttempts:         envInt("TASKS_MAX_ATTEMPTS", 0),
			InternalWorkers:     envInt("TASKS_INTERNAL_WORKERS", -1),
			PollIntervalSecs:    envFloat("TASKS_POLL_INTERVAL_SECS", 0),
			AllowedActions:      envList("TASKS_ALLOWED_ACTIONS"),
			CallbackHosts:       envList("TASKS_CALLBACK_HOSTS"),
			ApprovalForHighRisk: envBool("TASKS_APPROVAL_FOR_HIGH_RISK", true),
			ProviderBaseURL:     envStr("TASKS_PROVIDER_BASE_URL", ""),
			ProviderAPIKey:      envStr("TASKS_PROVIDER_API_KEY", ""),
			ProviderModel:       envStr("TASKS_PROVIDER_MODEL", ""),
			RuntimeName:         envStr("TASKS_RUNTIME_NAME", ""),
		},
		Retention: RetentionConfig{
			SweepIntervalHours:      envFloat("RETENTION_SWEEP_INTERVAL_HOURS", -1),
			SweepTimeoutSecs:        envFloat("RETENTION_SWEEP_TIMEOUT_SECS", 0),
			RawRetentionDays:        envFloat("RETENTION_RAW_DAYS", 0),
			VectorRetentionDays:     envFloat("RETENTION_VECTOR_DAYS", 0),
			LowValueSuffixes:        envList("RETENTION_LOW_VALUE_SUFFIXES"),
			LowValueTopicPrefixes:   envList("RETENTION_LOW_VALUE_TOPIC_PREFIXES"),
			LowValueMinSummaryChars: envInt("RETENTION_LOW_VALUE_MIN_SUMMARY_CHARS", 0),
		},
		Messaging: MessagingConfig{
			BotName:        envStr("MESSAGING_BOT_NAME", ""),
			StrictChannels: envList("MESSAGING_STRICT_CHANNELS"),
			DefaultProject: envStr("MESSAGING_DEFAULT_PROJECT", ""),
		},
		History: HistoryConfig{
			RecentLimit:    envInt("HISTORY_RECENT_LIMIT", 0),
			Streams:        envStrMap("HISTORY_STREAMS"),
			TimestampField: envStr("HISTORY_TIMESTAMP_FIELD", ""),
		},
	}
}

func (c *Config) applyDefaults() {
	s := &c.Server
	defStr(&s.ListenAddr, ":8075")
	defStr(&s.Env, "development")
	defStr(&s.DataDir, "./data")
	defFloat(&s.RequestTimeoutSecs, 30)

	defStr(&c.Log.Level, "info")

	in := &c.Ingest
	defFloat(&in.DedupWindowSecs, 120)
	defInt(&in.DedupCacheSize, 4096)
	defInt(&in.SummaryMaxChars, 500)
	defInt(&in.MaxContentBytes, 1<<20)
	defInt(&in.QueueMax, 256)
	defInt(&in.WriteWorkers, 2)
	defStr(&in.SecretPolicy, "redact")
	defFloat(&in.RollupFlushSecs, 30)

	ob := &c.Outbox
	defStr(&ob.Backend, "sqlite")
	defStr(&ob.SQLitePath, c.Server.DataDir+"/outbox.db")
	defStr(&ob.MongoDatabase, "engram")
	defInt(&ob.MaxAttempts, 8)
	defFloat(&ob.BackoffBaseSecs, 2)
	defFloat(&ob.BackoffCapSecs, 300)
	defFloat(&ob.CoalesceWindowSecs, 45)
	defInt(&ob.ClaimBatch, 16)
	defFloat(&ob.StaleRunningSecs, 300)

	gc := &c.GC
	if gc.IntervalSecs < 0 {
		gc.IntervalSecs = 3600
	}
	defFloat(&gc.SucceededRetentionHours, 24)
	defFloat(&gc.FailedRetentionHours, 168)
	if gc.StalePendingHours < 0 {
		gc.StalePendingHours = 72
	}
	if len(gc.StaleTargets) == 0 {
		gc.StaleTargets = []string{"archival"}
	}
	defInt(&gc.VacuumMinDeleted, 500)
	defFloat(&gc.VacuumMinIntervalHours, 24)
	defFloat(&gc.TimeoutSecs, 30)

	fo := &c.Fanout
	defInt(&fo.Workers, 2)
	defInt(&fo.ArchivalWorkers, 1)
	defFloat(&fo.PollIntervalSecs, 5)
	defInt(&fo.SignalBuffer, 64)
	if fo.BulkSizes == nil {
		fo.BulkSizes = map[string]int{}
	}
	for target, n := range map[string]int{"vector": 16, "sql": 32} {
		if _, ok := fo.BulkSizes[target]; !ok {
			fo.BulkSizes[target] = n
		}
	}
	if len(fo.CoalesceTargets) == 0 {
		fo.CoalesceTargets = []string{"raw", "vector", "sql", "archival", "observability"}
	}
	if len(fo.BackpressureTargets) == 0 {
		fo.BackpressureTargets = []string{"archival"}
	}
	defFloat(&fo.BackpressureWatermark, 0.65)
	defFloat(&fo.BackpressureMaxSleepSecs, 2)
	defInt(&fo.ArchivalSoftBacklog, 25)
	defInt(&fo.ArchivalHardBacklog, 100)
	defInt(&fo.ArchivalDisableStreak, 3)

	sk := &c.Sinks
	defStr(&sk.VectorCollection, "memory_events")
	defStr(&sk.RawDatabase, "engram")
	defStr(&sk.RawCollection, "memory_events")
	defStr(&sk.AnalyticDatabase, "memory")
	defStr(&sk.AnalyticTable, "memory_events")
	defStr(&sk.ArchivalAgent, "memory-orchestrator")
	defStr(&sk.CanonicalURL, "http://127.0.0.1:7077/mcp")
	defFloat(&sk.CanonicalTimeoutSecs, 10)
	defStr(&sk.EmbeddingModel, "text-embedding-3-small")
	defInt(&sk.EmbeddingDims, 1536)
	defFloat(&sk.EmbeddingTimeoutSecs, 2.5)
	defInt(&sk.EmbeddingCacheSize, 512)
	defFloat(&sk.TimeoutSecs, 5)

	rt := &c.Retrieval
	defInt(&rt.DefaultLimit, 8)
	defInt(&rt.MaxLimit, 50)
	defFloat(&rt.SourceTimeoutSecs, 3)
	if len(rt.FastSources) == 0 {
		rt.FastSources = []string{"vector", "raw", "analytic"}
	}
	if len(rt.SlowSources) == 0 {
		rt.SlowSources = []string{"archival", "canonical-lexical"}
	}
	defInt(&rt.MinResultsForSkip, 3)
	defFloat(&rt.MinTopScore, 0.35)
	defInt(&rt.CanonicalScanCap, 500)
	defInt(&rt.CanonicalProjectCap, 100)
	if rt.Weights == nil {
		rt.Weights = map[string]float64{}
	}
	for source, w := range map[string]float64{
		"vector": 1.0, "raw": 0.8, "analytic": 0.75,
		"archival": 0.7, "canonical-lexical": 0.6,
	} {
		if _, ok := rt.Weights[source]; !ok {
			rt.Weights[source] = w
		}
	}
	defFloat(&rt.FeedbackBoost, 0.08)
	defFloat(&rt.FeedbackPenalty, 0.12)

	ts := &c.Tasks
	defFloat(&ts.LeaseSecs, 600)
	defInt(&ts.MaxAttempts, 3)
	if ts.InternalWorkers < 0 {
		ts.InternalWorkers = 1
	}
	defFloat(&ts.PollIntervalSecs, 5)
	if len(ts.AllowedActions) == 0 {
		ts.AllowedActions = []string{
			"memory_write", "memory_search", "messaging_command",
			"http_callback", "provider_chat",
		}
	}
	defStr(&ts.RuntimeName, "engram")

	re := &c.Retention
	if re.SweepIntervalHours < 0 {
		re.SweepIntervalHours = 24
	}
	defFloat(&re.SweepTimeoutSecs, 60)
	defFloat(&re.RawRetentionDays, 30)
	defFloat(&re.VectorRetentionDays, 45)
	if len(re.LowValueSuffixes) == 0 {
		re.LowValueSuffixes = []string{"__latest.json"}
	}
	if len(re.LowValueTopicPrefixes) == 0 {
		re.LowValueTopicPrefixes = []string{"signals/", "live/"}
	}
	defInt(&re.LowValueMinSummaryChars, 48)

	ms := &c.Messaging
	defStr(&ms.BotName, "engram")
	if len(ms.StrictChannels) == 0 {
		ms.StrictChannels = []string{"openclaw"}
	}
	defStr(&ms.DefaultProject, "chat-memory")

	hi := &c.History
	defInt(&hi.RecentLimit, 100)
	defStr(&hi.TimestampField, "recordedAt")
}

// Validate enforces internal consistency and the production security
// posture: a production deployment with strict security on must carry an
// API key, and public status exposure is refused there.
func (c *Config) Validate() error {
	switch c.Outbox.Backend {
	case "sqlite", "mongo":
	default:
		return fmt.Errorf("outbox backend must be sqlite or mongo, got %q", c.Outbox.Backend)
	}
	if c.Outbox.Backend == "mongo" && c.Outbox.MongoURI == "" {
		return fmt.Errorf("outbox backend mongo requires FANOUT_OUTBOX_MONGO_URI")
	}
	switch c.Ingest.SecretPolicy {
	case "allow", "redact", "block":
	default:
		return fmt.Errorf("secret policy must be allow, redact or block, got %q", c.Ingest.SecretPolicy)
	}
	if c.Fanout.BackpressureWatermark <= 0 || c.Fanout.BackpressureWatermark >= 1 {
		return fmt.Errorf("backpressure watermark must be in (0,1), got %v", c.Fanout.BackpressureWatermark)
	}
	for _, group := range [][]string{c.Fanout.Targets, c.Fanout.CoalesceTargets, c.Fanout.BackpressureTargets, c.GC.StaleTargets} {
		for _, t := range group {
			if !knownTarget(t) {
				return fmt.Errorf("unknown fanout target %q", t)
			}
		}
	}
	for _, s := range append(append([]string{}, c.Retrieval.FastSources...), c.Retrieval.SlowSources...) {
		if !knownSource(s) {
			return fmt.Errorf("unknown retrieval source %q", s)
		}
	}
	if c.Production() && c.Server.StrictSecurity {
		if c.Server.APIKey == "" {
			return fmt.Errorf("production with strict security requires ORCH_API_KEY")
		}
		if c.Server.PublicStatus {
			return fmt.Errorf("production with strict security forbids ORCH_PUBLIC_STATUS")
		}
	}
	return nil
}

// Production reports whether the service runs in production mode.
func (c *Config) Production() bool {
	return strings.EqualFold(c.Server.Env, "production")
}

// RequestTimeout returns the handler deadline as a Duration.
func (c *Config) RequestTimeout() time.Duration {
	return secsToDuration(c.Server.RequestTimeoutSecs)
}

func secsToDuration(secs float64) time.Duration {
	return time.Duration(secs * float64(time.Second))
}

// Seconds converts a float seconds knob into a Duration. Zero stays zero.
func Seconds(secs float64) time.Duration { return secsToDuration(secs) }

// Hours converts a float hours knob into a Duration.
func Hours(h float64) time.Duration {
	return time.Duration(h * float64(time.Hour))
}

func knownTarget(t string) bool {
	switch t {
	case "raw", "vector", "sql", "archival", "observability":
		return true
	}
	return false
}

func knownSource(s string) bool {
	switch s {
	case "vector", "raw", "analytic", "archival", "canonical-lexical":
		return true
	}
	return false
}

func defStr(p *string, v string) {
	if *p == "" {
		*p = v
	}
}

func defInt(p *int, v int) {
	if *p == 0 {
		*p = v
	}
}

func defFloat(p *float64, v float64) {
	if *p == 0 {
		*p = v
	}
}

func envStr(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return strings.TrimSpace(v)
	}
	return def
}

func envInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return f
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off":
			return false
		}
	}
	return def
}

func envList(key string) []string {
	v := envStr(key, "")
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// envFloatMap parses "key=1.5,other=2" pairs.
func envFloatMap(key string) map[string]float64 {
	items := envList(key)
	if len(items) == 0 {
		return nil
	}
	out := make(map[string]float64, len(items))
	for _, item := range items {
		k, v, ok := strings.Cut(item, "=")
		if !ok {
			continue
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			continue
		}
		out[strings.TrimSpace(k)] = f
	}
	return out
}

// envIntMap parses "key=3,other=8" pairs.
func envIntMap(key string) map[string]int {
	items := envList(key)
	if len(items) == 0 {
		return nil
	}
	out := make(map[string]int, len(items))
	for _, item := range items {
		k, v, ok := strings.Cut(item, "=")
		if !ok {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			continue
		}
		out[strings.TrimSpace(k)] = n
	}
	return out
}

// envStrMap parses "key=value,other=value" pairs.
func envStrMap(key string) map[string]string {
	items := envList(key)
	if len(items) == 0 {
		return nil
	}
	out := make(map[string]string, len(items))
	for _, item := range items {
		k, v, ok := strings.Cut(item, "=")
		if !ok {
			continue
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out
}
