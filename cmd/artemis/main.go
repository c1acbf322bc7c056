// Command artemis drives one kanban card through the autonomous
// delivery pipeline.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"artemis/internal/config"
	"artemis/internal/cost"
	"artemis/internal/embedding"
	"artemis/internal/kanban"
	"artemis/internal/knowledge"
	"artemis/internal/learning"
	"artemis/internal/llm"
	"artemis/internal/messenger"
	"artemis/internal/observer"
	"artemis/internal/persist"
	"artemis/internal/pipeline"
	"artemis/internal/planner"
	"artemis/internal/router"
	"artemis/internal/sandbox"
	"artemis/internal/stage"
	"artemis/internal/state"
	"artemis/internal/supervisor"
)

var (
	cardID      string
	runFull     bool
	runContinue bool
	runStage    string
	configPath  string
	verbose     bool
	metricsAddr string

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "artemis",
	Short: "Artemis - autonomous software delivery pipeline",
	Long: `Artemis drives a kanban card through analysis, architecture,
parallel development, code review, validation, integration, and
testing, with supervised retries, budget enforcement, and learned
recovery.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose || os.Getenv("ARTEMIS_VERBOSE") == "true" {
			zcfg = zap.NewDevelopmentConfig()
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: runPipeline,
}

func init() {
	rootCmd.Flags().StringVar(&cardID, "card-id", "", "card to run (required)")
	rootCmd.Flags().BoolVar(&runFull, "full", false, "run the full pipeline from the top")
	rootCmd.Flags().BoolVar(&runContinue, "continue", false, "resume from the last persisted snapshot")
	rootCmd.Flags().StringVar(&runStage, "stage", "", "run a single named stage")
	rootCmd.Flags().StringVar(&configPath, "config", "", "path to the YAML configuration file")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")
	_ = rootCmd.MarkFlagRequired("card-id")
	rootCmd.MarkFlagsMutuallyExclusive("full", "continue", "stage")
}

func runPipeline(cmd *cobra.Command, args []string) error {
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	cfg.ApplyEnv()
	if verbose {
		cfg.Logging.Verbose = true
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	mode := pipeline.ModeFull
	switch {
	case runContinue:
		mode = pipeline.ModeContinue
	case runStage != "":
		mode = pipeline.ModeSingle
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, err := execute(ctx, cfg, mode)
	if err != nil {
		return err
	}

	fmt.Printf("pipeline %s: %s\n", report.CardID, report.Status)
	if !report.Success() {
		if result := report.ExecutionResult; result != nil && result.Error != "" {
			fmt.Printf("failed stage: %s\nlast error: %s\n", result.FailedStage, result.Error)
		}
		os.Exit(1)
	}
	return nil
}

// execute wires every collaborator and runs the card. Construction
// order follows the dependency graph, leaves first.
func execute(ctx context.Context, cfg *config.Config, mode pipeline.Mode) (*pipeline.Report, error) {
	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		return nil, fmt.Errorf("state dir: %w", err)
	}

	board, err := kanban.LoadBoard(cfg.BoardPath)
	if err != nil {
		return nil, fmt.Errorf("kanban board: %w", err)
	}

	bus, err := messenger.New(ctx, messenger.Config{
		Type:       cfg.Messenger.Type,
		Agent:      "artemis-orchestrator",
		MessageDir: cfg.Messenger.MessageDir,
		BrokerURL:  cfg.Messenger.BrokerURL,
	}, messenger.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("messenger: %w", err)
	}
	defer bus.Close()
	if err := bus.RegisterAgent(ctx, []string{"orchestration", "supervision"}, "active"); err != nil {
		logger.Warn("agent registration failed", zap.Error(err))
	}

	tracker, err := cost.NewTracker(cost.Budgets{
		Daily:          cfg.Budget.Daily,
		Monthly:        cfg.Budget.Monthly,
		AlertThreshold: cfg.Budget.AlertThreshold,
	}, cost.WithLedgerPath(filepath.Join(cfg.StateDir, "usage.json")), cost.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("cost tracker: %w", err)
	}
	defer tracker.Close()

	client, err := llm.NewClient(cfg.LLM, logger)
	if err != nil {
		return nil, err
	}
	client = llm.WithCostTracking(client, tracker)

	var embedder embedding.Engine
	if engine, err := embedding.NewEngine(embedding.Config{
		Provider: os.Getenv("ARTEMIS_EMBEDDING_PROVIDER"),
		Endpoint: os.Getenv("ARTEMIS_EMBEDDING_ENDPOINT"),
		APIKey:   os.Getenv("GEMINI_API_KEY"),
	}); err == nil {
		embedder = engine
	} else {
		logger.Warn("embedding engine unavailable, keyword recall only", zap.Error(err))
	}
	kb, err := knowledge.NewStore(filepath.Join(cfg.StateDir, "knowledge.db"),
		knowledge.WithEmbedder(embedder), knowledge.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("knowledge store: %w", err)
	}
	defer kb.Close()

	box := sandbox.New(sandbox.Limits{
		MaxCPUSeconds:  cfg.Sandbox.MaxCPUSeconds,
		MaxMemoryMB:    cfg.Sandbox.MaxMemoryMB,
		MaxFileSizeMB:  cfg.Sandbox.MaxFileSizeMB,
		AllowNetwork:   cfg.Sandbox.AllowNetwork,
		TimeoutSeconds: cfg.Sandbox.TimeoutSeconds,
		AllowedPaths:   cfg.Sandbox.AllowedPaths,
	}, sandbox.WithLogger(logger))

	store, err := persist.New(persist.Config{
		Type: cfg.Persistence.Type,
		Path: persistPath(cfg),
	}, persist.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("persistence: %w", err)
	}
	defer store.Close()

	learner := learning.New(kb, client,
		learning.WithLogger(logger),
		learning.WithMessenger(bus),
		learning.WithWorkDir(cfg.StateDir))
	machine := state.NewMachine(state.WithLogger(logger), state.WithResolver(learner))
	learner.BindMachine(machine)

	hub := observer.NewHub()
	hub.Attach(observer.NewLoggingObserver(logger))
	metrics := observer.NewMetricsObserver()
	hub.Attach(metrics)
	hub.Attach(observer.NewStateObserver())
	if metricsAddr != "" {
		go serveMetrics(metricsAddr, metrics)
	}

	sup := supervisor.New(
		supervisor.WithLogger(logger),
		supervisor.WithMessenger(bus),
		supervisor.WithStateMachine(machine))
	sup.StartHangDetection(ctx, 0)

	registry := stage.BuildDefault(stage.Collaborators{
		LLM:       client,
		Artifacts: kb,
		Sandbox:   box,
		Board:     board,
		Logger:    logger,
	})

	strategy := pipeline.NewStrategy(sup,
		pipeline.WithHub(hub),
		pipeline.WithMaxParallelDevelopers(cfg.Pipeline.MaxParallelDevelopers),
		pipeline.WithMaxReviewRetries(cfg.Pipeline.MaxCodeReviewRetries),
		pipeline.WithStrategyLogger(logger))

	deps := pipeline.Deps{
		Board:      board,
		Planner:    planner.New(planner.WithLogger(logger)),
		Registry:   registry,
		Supervisor: sup,
		Strategy:   strategy,
		Hub:        hub,
		Machine:    machine,
		Learner:    learner,
		Knowledge:  kb,
		Bus:        bus,
		Store:      store,
		Logger:            logger,
		ReportDir:         filepath.Join(cfg.StateDir, "reports"),
		DisableCodeReview: !cfg.Pipeline.EnableCodeReview,
	}
	if cfg.Pipeline.EnableRouter {
		deps.Router = router.New(router.WithLLM(client), router.WithLogger(logger))
	}

	orch, err := pipeline.New(deps)
	if err != nil {
		return nil, err
	}
	return orch.Run(ctx, cardID, mode, strings.TrimSpace(runStage))
}

func persistPath(cfg *config.Config) string {
	if cfg.Persistence.Type == "json" {
		return cfg.Persistence.Dir
	}
	return cfg.Persistence.DBPath
}

func serveMetrics(addr string, metrics *observer.MetricsObserver) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Warn("metrics listener stopped", zap.Error(err))
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
