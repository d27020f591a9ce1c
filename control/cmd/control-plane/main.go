// Command control-plane runs the relaymesh control plane: the HTTP API for
// clients, the worker protocol endpoint for nodes, the job dispatcher and
// queue, the balance ledger, and the settlement distributor.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-co-op/gocron/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/relaymesh/relaymesh/control/internal/api"
	"github.com/relaymesh/relaymesh/control/internal/catalogue"
	"github.com/relaymesh/relaymesh/control/internal/config"
	"github.com/relaymesh/relaymesh/control/internal/dispatch"
	"github.com/relaymesh/relaymesh/control/internal/ledger"
	"github.com/relaymesh/relaymesh/control/internal/monitor"
	"github.com/relaymesh/relaymesh/control/internal/orchestrator"
	"github.com/relaymesh/relaymesh/control/internal/planner"
	"github.com/relaymesh/relaymesh/control/internal/queue"
	"github.com/relaymesh/relaymesh/control/internal/registry"
	"github.com/relaymesh/relaymesh/control/internal/settlement"
	"github.com/relaymesh/relaymesh/control/internal/supervisor"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "control-plane",
		Short: "relaymesh control plane — agent dispatch, payments, and worker supervision",
		Long: `The control plane accepts client queries, selects and dispatches to
agents, routes jobs over the worker protocol to connected worker nodes,
and settles payment for successful queries.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), config.FromEnv())
		},
	}

	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("control-plane %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg config.Config) error {
	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting control plane",
		zap.String("version", version),
		zap.String("http_port", cfg.HTTPPort),
		zap.Bool("x402_enabled", cfg.X402Enabled),
		zap.Bool("onchain_distribution", cfg.OnchainDistribution),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if cfg.NodeSecret == "" {
		logger.Warn("NODE_SECRET is empty — worker authentication is disabled, this is unsafe outside development")
	}

	// --- 1. Registry, monitor, queue ---
	reg := registry.New(logger)
	mon := monitor.New()
	q := queue.New(logger)

	// --- 2. Catalogue (also serves as the dispatcher's script/context source) ---
	cat := catalogue.New()

	// --- 3. Dispatcher ---
	dispatcher := dispatch.New(reg, cat, mon, logger)

	// --- 4. Ledger ---
	var backend ledger.SettlementBackend
	if cfg.SettlementRPCURL != "" {
		backend = ledger.NewRPCVerifier(cfg.SettlementRPCURL)
	}
	led, err := ledger.New(cfg.DataDir, backend, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize ledger: %w", err)
	}

	// --- 5. Settlement distributor ---
	var settleBackend settlement.Backend
	if cfg.OnchainDistribution && cfg.SettlementBackendURL != "" {
		settleBackend = settlement.NewHTTPBackend(cfg.SettlementBackendURL)
	} else {
		settleBackend = &settlement.InternalBackend{Ledger: led}
	}
	distributor := settlement.New(settleBackend, cfg.OnchainDistribution, logger)

	// --- 6. Planners and orchestrator ---
	httpPlanner := planner.NewHTTPPlanner(cfg.IntentPlannerURL, cfg.ToolPlannerURL)
	orch := orchestrator.New(cat, httpPlanner, httpPlanner, reg, dispatcher, logger)

	// --- 7. Worker protocol supervisor ---
	super := supervisor.New(reg, dispatcher, mon, cfg.NodeSecret, logger)

	// --- 7b. Periodic sweeps, all on one shared gocron scheduler rather
	// than a hand-rolled ticker per concern: stale-node eviction and the
	// job-timeout scan both have a real 5s cadence (§5), the status log
	// is informational only. ---
	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}
	if _, err := sched.NewJob(
		gocron.DurationJob(5*time.Second),
		gocron.NewTask(func() { reg.SweepStale() }),
		gocron.WithTags("stale-node-sweep"),
	); err != nil {
		return fmt.Errorf("failed to schedule stale-node sweep: %w", err)
	}
	if _, err := sched.NewJob(
		gocron.DurationJob(5*time.Second),
		gocron.NewTask(func() { q.ScanTimeouts() }),
		gocron.WithTags("job-timeout-sweep"),
	); err != nil {
		return fmt.Errorf("failed to schedule job-timeout sweep: %w", err)
	}
	if _, err := sched.NewJob(
		gocron.DurationJob(30*time.Second),
		gocron.NewTask(func() {
			mon.SetDeadLetterCount(len(q.DeadLetterSnapshot()))
			logStatus(logger, reg, q)
		}),
		gocron.WithTags("status-log"),
	); err != nil {
		return fmt.Errorf("failed to schedule status log job: %w", err)
	}
	sched.Start()
	defer func() {
		if err := sched.Shutdown(); err != nil {
			logger.Warn("scheduler shutdown error", zap.Error(err))
		}
	}()

	// --- 8. HTTP server ---
	router := api.NewRouter(api.RouterConfig{
		Orchestrator:   orch,
		Dispatcher:     dispatcher,
		Queue:          q,
		Registry:       reg,
		Ledger:         led,
		Distributor:    distributor,
		Catalogue:      cat,
		Monitor:        mon,
		Logger:         logger,
		X402Enabled:    cfg.X402Enabled,
		QueryPriceUSDC: cfg.QueryPriceUSDC,
	})

	mux := http.NewServeMux()
	mux.Handle("/", router)
	mux.Handle("/agent/connect", super)
	mux.Handle("/metrics", promhttp.Handler())

	addr := cfg.Host + ":" + cfg.HTTPPort
	httpSrv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("http server listening", zap.String("addr", addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down control plane")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server graceful shutdown error", zap.Error(err))
	}

	logger.Info("control plane stopped")
	return nil
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

// logStatus emits a human-readable connection/queue summary, grounded on the
// same periodic status line a running control plane's operators tail.
func logStatus(logger *zap.Logger, reg *registry.Registry, q *queue.Queue) {
	logger.Info("status",
		zap.String("connected_nodes", humanize.Comma(int64(reg.ConnectedCount()))),
		zap.String("pending_jobs", humanize.Comma(int64(q.PendingLen()))),
		zap.String("running_jobs", humanize.Comma(int64(q.RunningLen()))),
	)
}
