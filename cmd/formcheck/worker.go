package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/bdougie/formcheck/internal/analyzer"
	"github.com/bdougie/formcheck/internal/cache"
	"github.com/bdougie/formcheck/internal/decision"
	"github.com/bdougie/formcheck/internal/embeddings"
	"github.com/bdougie/formcheck/internal/extractor"
	"github.com/bdougie/formcheck/internal/metrics"
	"github.com/bdougie/formcheck/internal/notify"
	"github.com/bdougie/formcheck/internal/pipeline"
	"github.com/bdougie/formcheck/internal/pose"
	"github.com/bdougie/formcheck/internal/protocols"
	"github.com/bdougie/formcheck/internal/queue"
	"github.com/bdougie/formcheck/internal/scoring"
)

var shutdownGrace time.Duration

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Process analysis jobs from the Redis stream",
	Example: `  # Run a worker with the default config
  formcheck worker

  # Allow running jobs five minutes to finish on shutdown
  formcheck worker --grace 5m`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runWorker(ctx)
	},
}

func init() {
	workerCmd.Flags().DurationVar(&shutdownGrace, "grace", 30*time.Second, "time running jobs get to finish on shutdown")
	rootCmd.AddCommand(workerCmd)
}

func runWorker(ctx context.Context) error {
	rc, err := connectRedis(ctx)
	if err != nil {
		return err
	}
	defer rc.Close()

	st, err := openStores(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	catalog, err := scoring.LoadCatalog(cfg.Catalogs.References)
	if err != nil {
		return err
	}
	references := cache.NewReferenceSource(rc, catalog, logger)
	gen, err := protocols.LoadFile(cfg.Catalogs.Protocols, logger)
	if err != nil {
		return err
	}
	strategy, err := pipeline.NewStrategy(nil, logger)
	if err != nil {
		return err
	}
	engine := decision.NewEngine(cfg.Decision, logger)
	altNotifier, closeAlt := newAltNotifier()
	defer closeAlt()
	collector := metrics.NewCollector(st.results, cfg.Metrics.BufferSize, logger)

	deps := pipeline.Deps{
		Cache:       rc,
		Extractor:   extractor.New(cfg.Extractor.FFmpeg, cfg.Extractor.WorkDir, logger),
		Pose:        pose.NewClient(pose.Config{BaseURL: cfg.Pose.URL, Timeout: cfg.Pose.Timeout}, logger),
		Quick:       scoring.NewAnalyzer(references, logger),
		Decider:     engine,
		Protocols:   gen,
		Store:       st.results,
		Notifier:    notify.NewRedisNotifier(rc.Client(), logger),
		AltNotifier: altNotifier,
		Metrics:     collector,
		Strategy:    strategy,
		Logger:      logger,
	}
	if st.postgres != nil {
		deps.Users = st.postgres
	}

	deep, closeDeep, err := newDeepAnalyzer(ctx, rc, st)
	if err != nil {
		logger.Warn("deep analysis disabled", "error", err)
	} else {
		defer closeDeep()
		deps.Deep = deep
	}

	orch, err := pipeline.New(deps, pipeline.Options{Extract: cfg.Extractor.Options})
	if err != nil {
		return err
	}

	pool := queue.NewPool(orch, cfg.Queue, logger,
		queue.WithStatusStore(queue.NewRedisStatusStore(rc.Client(), cfg.Redis.StatusTTL)),
		queue.WithPremium(engine.IsPremium),
	)
	source := queue.NewStreamSource(rc.Client(), pool, cfg.Stream, logger)

	sched := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))
	if _, err := sched.AddFunc(every(cfg.Metrics.FlushInterval), func() {
		if err := collector.Flush(ctx); err != nil {
			logger.Error("scheduled metrics flush failed", "error", err, "buffered", collector.Pending())
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule metrics flush: %w", err)
	}
	if _, err := sched.AddFunc(every(cfg.Metrics.StallCheck), func() {
		if n := pool.CheckStalled(); n > 0 {
			logger.Warn("stalled jobs detected", "count", n)
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule stall check: %w", err)
	}

	if cfg.Catalogs.Watch {
		go func() {
			err := scoring.WatchCatalog(ctx, cfg.Catalogs.References, catalog, func(ctx context.Context) {
				n, err := references.InvalidateReferences(ctx)
				if err != nil {
					logger.Warn("reference cache invalidation failed", "error", err)
					return
				}
				logger.Info("reference cache invalidated", "keys", n)
			}, logger)
			if err != nil {
				logger.Error("catalog watch stopped", "error", err)
			}
		}()
	}

	// jobs outlive ctx so shutdown can drain them
	pool.Start(context.WithoutCancel(ctx))
	sched.Start()
	logger.Info("worker started",
		"stream", cfg.Stream.Stream,
		"concurrency", cfg.Queue.Concurrency,
		"deep_analysis", deps.Deep != nil,
		"database", st.postgres != nil,
	)

	runErr := source.Run(ctx)

	logger.Info("shutting down", "running", pool.Running(), "pending", pool.Pending())
	<-sched.Stop().Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := pool.Shutdown(shutdownCtx); err != nil {
		logger.Warn("jobs cancelled at shutdown", "error", err)
	}

	flushCtx, cancelFlush := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelFlush()
	if err := collector.Flush(flushCtx); err != nil {
		logger.Error("final metrics flush failed", "error", err, "lost", collector.Pending())
	}
	logger.Info("worker stopped")
	return runErr
}

// newDeepAnalyzer builds the deep analysis stage. Retrieval needs the
// knowledge store, so without a database narratives are written without
// reference context.
func newDeepAnalyzer(ctx context.Context, rc *cache.Redis, st *stores) (*analyzer.Deep, func(), error) {
	narrator, err := analyzer.NewAgentNarrator(ctx, analyzer.AgentConfig{
		BaseURL: cfg.Ollama.BaseURL,
		Port:    cfg.Ollama.Port,
		Model:   cfg.Ollama.Model,
	}, logger)
	if err != nil {
		return nil, nil, err
	}

	opts := []analyzer.Option{analyzer.WithCache(rc), analyzer.WithModel(narrator.Model())}
	if st.postgres == nil {
		return analyzer.New(nil, nil, narrator, logger, opts...), func() {}, nil
	}

	emb := embeddings.NewService(embeddings.Config{
		BaseURL: cfg.Ollama.URL(),
		Model:   cfg.Ollama.EmbeddingModel,
		Workers: cfg.Ollama.EmbeddingWorkers,
		Timeout: cfg.Ollama.Timeout,
	}, logger)
	return analyzer.New(emb, st.postgres, narrator, logger, opts...), emb.Close, nil
}

// newAltNotifier returns the MQTT notifier when a broker is configured and
// reachable, and the log notifier otherwise.
func newAltNotifier() (pipeline.Notifier, func()) {
	mc := cfg.Notify.MQTT
	if mc.Broker == "" {
		return notify.NewLogNotifier(logger), func() {}
	}
	client, err := notify.ConnectMQTT(mc, logger)
	if err != nil {
		logger.Warn("mqtt notifications disabled", "error", err)
		return notify.NewLogNotifier(logger), func() {}
	}
	return notify.NewMQTTNotifier(client, mc, logger), func() { client.Disconnect(250) }
}

func every(d time.Duration) string {
	return "@every " + d.String()
}
