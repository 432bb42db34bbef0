package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/memmcp/engram/pkg/config"
	"github.com/memmcp/engram/pkg/dedup"
	"github.com/memmcp/engram/pkg/fanout"
	"github.com/memmcp/engram/pkg/feedback"
	"github.com/memmcp/engram/pkg/history"
	"github.com/memmcp/engram/pkg/ingest"
	"github.com/memmcp/engram/pkg/log"
	"github.com/memmcp/engram/pkg/messaging"
	"github.com/memmcp/engram/pkg/metrics"
	"github.com/memmcp/engram/pkg/outbox"
	"github.com/memmcp/engram/pkg/retention"
	"github.com/memmcp/engram/pkg/retrieval"
	"github.com/memmcp/engram/pkg/rollup"
	"github.com/memmcp/engram/pkg/secrets"
	"github.com/memmcp/engram/pkg/server"
	"github.com/memmcp/engram/pkg/sinks"
	"github.com/memmcp/engram/pkg/tasks"
	"github.com/memmcp/engram/pkg/topics"
	"github.com/memmcp/engram/pkg/types"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "engram",
	Short: "Engram - memory orchestration for coding agents",
	Long: `Engram is a memory orchestration service. It accepts memory writes,
persists them through a durable outbox, fans them out to raw, vector,
analytic, archival and observability stores, answers federated search
across those stores, and runs a durable task queue for agent work.

One binary, one embedded database directory, one HTTP surface.`,
	Version: Version,
}

func init() {
	// Set version template
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Engram version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	// Add subcommands
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Engram version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator",
	Long: `Run the memory orchestrator: the HTTP API, the fanout workers, the
task runner and the retention loops, all in this process.

Configuration comes from the environment, optionally overlaid by a YAML
file (--config). The flags below override both.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		listen, _ := cmd.Flags().GetString("listen")
		dataDir, _ := cmd.Flags().GetString("data-dir")
		logLevel, _ := cmd.Flags().GetString("log-level")

		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if listen != "" {
			cfg.Server.ListenAddr = listen
		}
		if logLevel != "" {
			cfg.Log.Level = logLevel
		}
		if dataDir != "" {
			// The sqlite path defaults into the data dir; a defaulted path
			// must follow the override, an explicit one must not.
			if cfg.Outbox.SQLitePath == cfg.Server.DataDir+"/outbox.db" {
				cfg.Outbox.SQLitePath = dataDir + "/outbox.db"
			}
			cfg.Server.DataDir = dataDir
		}

		return runServe(cfg)
	},
}

func init() {
	serveCmd.Flags().String("config", "", "YAML config file overlaying the environment")
	serveCmd.Flags().String("listen", "", "HTTP listen address (overrides ORCH_LISTEN_ADDR)")
	serveCmd.Flags().String("data-dir", "", "Directory for embedded databases (overrides ORCH_DATA_DIR)")
	serveCmd.Flags().String("log-level", "", "Log level: debug, info, warn or error")
}

// runtimeHandle defers task-runner resolution. The chat interpreter wants
// runtime info, the runner's executor wants the interpreter as its
// command dispatcher; the handle breaks the construction cycle.
type runtimeHandle struct {
	runner *tasks.Runner
}

func (h *runtimeHandle) Runtime(ctx context.Context) (*tasks.RuntimeInfo, error) {
	if h.runner == nil {
		return nil, fmt.Errorf("task runner not started")
	}
	return h.runner.Runtime(ctx)
}

func runServe(cfg *config.Config) error {
	log.Init(log.Config{
		Level:      log.Level(cfg.Log.Level),
		JSONOutput: cfg.Log.JSON,
	})
	logger := log.WithComponent("main")

	if cfg.Server.PublicStatus {
		logger.Warn().Msg("Status and metrics endpoints are public")
	}
	if len(cfg.Server.PublicPaths) > 0 {
		logger.Warn().Strs("paths", cfg.Server.PublicPaths).Msg("Unauthenticated path prefixes configured")
	}

	if err := os.MkdirAll(cfg.Server.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	ctx := context.Background()

	registry, err := buildRegistry(ctx, cfg)
	if err != nil {
		return err
	}

	// Durable outbox.
	coalesce := make(map[types.Target]bool, len(cfg.Fanout.CoalesceTargets))
	for _, raw := range cfg.Fanout.CoalesceTargets {
		target, err := types.ParseTarget(raw)
		if err != nil {
			return err
		}
		coalesce[target] = true
	}
	sup, err := outbox.NewSupervisor(ctx, outbox.SupervisorConfig{
		Preferred:     cfg.Outbox.Backend,
		SQLitePath:    cfg.Outbox.SQLitePath,
		MongoURI:      cfg.Outbox.MongoURI,
		MongoDatabase: cfg.Outbox.MongoDatabase,
		Backend: outbox.Options{
			MaxAttempts:     cfg.Outbox.MaxAttempts,
			BackoffBase:     config.Seconds(cfg.Outbox.BackoffBaseSecs),
			BackoffCap:      config.Seconds(cfg.Outbox.BackoffCapSecs),
			CoalesceWindow:  config.Seconds(cfg.Outbox.CoalesceWindowSecs),
			CoalesceTargets: coalesce,
		},
	}, log.WithComponent("outbox"))
	if err != nil {
		return fmt.Errorf("open outbox: %w", err)
	}

	classifier := retention.NewClassifier(cfg.Retention)
	fan := fanout.NewManager(cfg, sup, registry, classifier.LowValue, log.WithComponent("fanout"))

	tree := topics.NewTree(filepath.Join(cfg.Server.DataDir, "topics.json"), log.WithComponent("topics"))
	hist := history.NewStore(filepath.Join(cfg.Server.DataDir, "history"), cfg.History.Streams, cfg.History.TimestampField, log.WithComponent("history"))
	recent := history.NewRecent(cfg.History.RecentLimit)
	recent.RebuildFromStore(hist, ingest.WritesStream)

	buffer := rollup.NewBuffer(cfg.Ingest.HotFiles, config.Seconds(cfg.Ingest.RollupFlushSecs))

	var writer *ingest.CanonicalWriter
	if registry.Canonical != nil {
		writer = ingest.NewCanonicalWriter(
			registry.Canonical,
			cfg.Ingest.QueueMax,
			cfg.Ingest.WriteWorkers,
			config.Seconds(cfg.Sinks.CanonicalTimeoutSecs),
			log.WithComponent("canonical-writer"),
		)
	}

	// Tasks and feedback share one embedded database next to the outbox.
	serviceDB := filepath.Join(cfg.Server.DataDir, "engram.db")
	feedbackStore, err := feedback.NewStore(serviceDB, log.WithComponent("feedback"))
	if err != nil {
		return fmt.Errorf("open feedback store: %w", err)
	}
	taskStore, err := tasks.NewStore(serviceDB, cfg.Tasks, log.WithComponent("tasks"))
	if err != nil {
		return fmt.Errorf("open task store: %w", err)
	}
	if registry.Canonical != nil {
		taskStore.SetOutcomeWriter(registry.Canonical)
	}

	engine := retrieval.NewEngine(cfg.Retrieval, registry, feedbackStore, log.WithComponent("retrieval"))

	scanner := secrets.NewScanner()
	pipeline := ingest.NewPipeline(ingest.Options{
		SummaryMaxChars: cfg.Ingest.SummaryMaxChars,
		Async:           cfg.Ingest.Async,
		Scanner:         scanner,
		Policy:          secrets.Policy(cfg.Ingest.SecretPolicy),
		Window:          dedup.NewWindow(config.Seconds(cfg.Ingest.DedupWindowSecs), cfg.Ingest.DedupCacheSize),
		Latest:          dedup.NewLatestHashes(cfg.Ingest.DedupCacheSize),
		Rollup:          buffer,
		Registry:        registry,
		Backend:         sup,
		Admission:       fan.Admission(),
		Targets:         fan.Targets(),
		Notify:          fan.Signal().Notify,
		Tree:            tree,
		Recent:          recent,
		History:         hist,
		Writer:          writer,
		Logger:          log.WithComponent("ingest"),
	})

	flusher := rollup.NewFlusher(buffer, pipeline.EmitRollup, config.Seconds(cfg.Ingest.RollupFlushSecs), log.WithComponent("rollup"))

	// The status command renders the server's snapshot; the server is
	// built last, so the closure resolves it at call time.
	var srv *server.Server
	handle := &runtimeHandle{}
	interp := messaging.NewInterpreter(cfg.Messaging, messaging.Deps{
		Scanner: scanner,
		Memory:  pipeline,
		Search:  engine,
		Tasks:   taskStore,
		Runtime: handle,
		Status: func(ctx context.Context) any {
			if srv == nil {
				return nil
			}
			return srv.StatusSnapshot(ctx)
		},
	}, log.WithComponent("messaging"))

	executor := tasks.NewExecutor(cfg.Tasks, pipeline, engine, interp, log.WithComponent("executor"))
	runner := tasks.NewRunner(taskStore, executor, cfg.Tasks, log.WithComponent("tasks"))
	handle.runner = runner

	keeper := retention.NewManager(cfg, sup, registry, classifier, log.WithComponent("retention"))

	collector := metrics.NewCollector(metrics.DepthSources{
		OutboxCounts: sup.CountByStatus,
		TaskCounts:   taskStore.CountByStatus,
	}, 15*time.Second)

	metrics.SetVersion(Version)
	metrics.RegisterComponent("outbox", true, sup.Name()+" backend")
	if registry.Canonical != nil {
		metrics.RegisterComponent("canonical", true, cfg.Sinks.CanonicalURL)
	} else {
		metrics.RegisterComponent("canonical", true, "not configured")
	}
	metrics.RegisterComponent("api", true, "listening on "+cfg.Server.ListenAddr)

	probes := map[string]server.HealthProbe{}
	if registry.Raw != nil {
		probes["raw"] = registry.Raw
	}
	if registry.Vector != nil {
		probes["vector"] = registry.Vector
	}
	if registry.Analytic != nil {
		probes["analytic"] = registry.Analytic
	}
	if registry.Archival != nil {
		probes["archival"] = registry.Archival
	}
	if registry.Observability != nil {
		probes["observability"] = registry.Observability
	}
	if registry.Canonical != nil {
		probes["canonical"] = registry.Canonical
	}

	srv = server.New(cfg, server.Deps{
		Memory:    pipeline,
		Search:    engine,
		Files:     registry.Canonical,
		Recent:    recent,
		Topics:    tree,
		Fanout:    fan,
		Outbox:    sup,
		Retention: keeper,
		Rollups:   flusher,
		Tasks:     taskStore,
		Runtime:   runner,
		Feedback:  feedbackStore,
		Messaging: interp,
		Probes:    probes,
		Version:   Version,
	})

	if writer != nil {
		writer.Start()
	}
	flusher.Start()
	fan.Start()
	keeper.Start()
	runner.Start()
	collector.Start()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	logger.Info().
		Str("version", Version).
		Str("addr", cfg.Server.ListenAddr).
		Str("data_dir", cfg.Server.DataDir).
		Str("outbox", sup.Name()).
		Msg("Engram started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("Shutting down")
	case err := <-errCh:
		logger.Error().Err(err).Msg("HTTP server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("HTTP shutdown incomplete")
	}

	// Producers stop before the queues that drain them: the runner may
	// re-enter the pipeline, the flusher re-enters it on its final flush,
	// and the canonical writer drains what both submitted.
	runner.Stop()
	flusher.Stop()
	if writer != nil {
		writer.Stop()
	}
	fan.Stop()
	keeper.Stop()
	collector.Stop()

	if err := taskStore.Close(); err != nil {
		logger.Warn().Err(err).Msg("Task store close failed")
	}
	if err := feedbackStore.Close(); err != nil {
		logger.Warn().Err(err).Msg("Feedback store close failed")
	}
	if err := sup.Close(); err != nil {
		logger.Warn().Err(err).Msg("Outbox close failed")
	}
	if registry.Raw != nil {
		if err := registry.Raw.Close(); err != nil {
			logger.Warn().Err(err).Msg("Raw store close failed")
		}
	}

	logger.Info().Msg("Shutdown complete")
	return nil
}

// buildRegistry constructs a client per configured sink. Unset sinks stay
// nil; enablement checks downstream skip them.
func buildRegistry(ctx context.Context, cfg *config.Config) (*sinks.Registry, error) {
	sk := cfg.Sinks
	timeout := config.Seconds(sk.TimeoutSecs)
	reg := &sinks.Registry{}

	if sk.RawMongoURI != "" {
		raw, err := sinks.NewRawStore(ctx, sk.RawMongoURI, sk.RawDatabase, sk.RawCollection, log.WithComponent("raw"))
		if err != nil {
			return nil, fmt.Errorf("connect raw store: %w", err)
		}
		reg.Raw = raw
	}
	if sk.VectorURL != "" {
		reg.Embeddings = sinks.NewEmbeddingClient(sk.EmbeddingURL, sk.EmbeddingAPIKey, sk.EmbeddingModel,
			sk.EmbeddingDims, config.Seconds(sk.EmbeddingTimeoutSecs), sk.EmbeddingCacheSize, log.WithComponent("embeddings"))
		reg.Vector = sinks.NewVectorStore(sk.VectorURL, sk.VectorAPIKey, sk.VectorCollection,
			timeout, reg.Embeddings, log.WithComponent("vector"))
	}
	if sk.AnalyticURL != "" {
		reg.Analytic = sinks.NewAnalyticStore(sk.AnalyticURL, sk.AnalyticDatabase, sk.AnalyticTable,
			timeout, log.WithComponent("analytic"))
	}
	if sk.ArchivalURL != "" {
		reg.Archival = sinks.NewArchivalStore(sk.ArchivalURL, sk.ArchivalAPIKey, sk.ArchivalAgent,
			timeout, log.WithComponent("archival"))
	}
	if sk.ObservabilityURL != "" {
		reg.Observability = sinks.NewObservabilityClient(sk.ObservabilityURL, sk.ObservabilityPublicKey,
			sk.ObservabilitySecretKey, timeout, log.WithComponent("observability"))
	}
	if sk.CanonicalURL != "" {
		reg.Canonical = sinks.NewCanonicalClient(sk.CanonicalURL, config.Seconds(sk.CanonicalTimeoutSecs), log.WithComponent("canonical"))
	}
	return reg, nil
}
