// Command worker-node runs a relaymesh worker: it connects outbound to a
// control plane over a duplex WebSocket channel, authenticates, advertises
// its capabilities, and executes assigned jobs in a local sandbox.
//
// Startup sequence:
//  1. Parse CLI flags / environment variables
//  2. Build logger
//  3. Probe the local Docker daemon (non-fatal if unavailable)
//  4. Build executor (sandbox runner + job queue)
//  5. Build connection manager (WebSocket client)
//  6. Start executor worker and connection loop
//  7. Block until SIGINT/SIGTERM, then graceful shutdown
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/relaymesh/relaymesh/worker/internal/connection"
	"github.com/relaymesh/relaymesh/worker/internal/docker"
	"github.com/relaymesh/relaymesh/worker/internal/executor"
	"github.com/relaymesh/relaymesh/worker/internal/sandbox"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	controlURL   string
	nodeSecret   string
	stateDir     string
	scriptDir    string
	capabilities string
	agentTypes   string
	wallet       string
	logLevel     string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "worker-node",
		Short: "relaymesh worker node — executes dispatched jobs in a local sandbox",
		Long: `worker-node connects outbound to a relaymesh control plane over a
persistent duplex channel, authenticates with a shared node secret, and
executes jobs the control plane dispatches to it in a local sandbox.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.controlURL, "control-url", envOrDefault("CONTROL_PLANE_URL", "ws://localhost:8080/agent/connect"), "Control plane worker WebSocket URL")
	root.PersistentFlags().StringVar(&cfg.nodeSecret, "node-secret", envOrDefault("NODE_SECRET", ""), "Shared secret for worker authentication (must match the control plane's NODE_SECRET)")
	root.PersistentFlags().StringVar(&cfg.stateDir, "state-dir", envOrDefault("WORKER_STATE_DIR", defaultStateDir()), "Directory for worker state (worker-state.json)")
	root.PersistentFlags().StringVar(&cfg.scriptDir, "script-dir", envOrDefault("WORKER_SCRIPT_DIR", ""), "Directory of local per-agentType scripts for AGENT_JOB assignments (empty = none)")
	root.PersistentFlags().StringVar(&cfg.capabilities, "capabilities", envOrDefault("WORKER_CAPABILITIES", ""), "Comma-separated capabilities to advertise (e.g. python-3.11,tool:webSearch)")
	root.PersistentFlags().StringVar(&cfg.agentTypes, "agent-types", envOrDefault("WORKER_AGENT_TYPES", ""), "Comma-separated agent ids this worker can execute locally")
	root.PersistentFlags().StringVar(&cfg.wallet, "wallet", envOrDefault("WORKER_WALLET", ""), "Wallet address advertised to the control plane in the AUTH frame")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("WORKER_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("worker-node %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.nodeSecret == "" {
		logger.Warn("node-secret not configured — worker authentication is unsigned (set NODE_SECRET in production)")
	}

	logger.Info("starting worker node",
		zap.String("version", version),
		zap.String("control_url", cfg.controlURL),
		zap.String("state_dir", cfg.stateDir),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- Docker capability probe (optional) ---
	capabilities := splitCSV(cfg.capabilities)
	if docker.Available(ctx) {
		capabilities = append(capabilities, "docker")
		logger.Info("Docker daemon reachable, advertising docker capability")
	} else {
		logger.Info("Docker daemon unreachable, not advertising docker capability")
	}

	// --- Executor ---
	runner := sandbox.NewRunner(0)
	exec := executor.New(runner, cfg.scriptDir, logger)

	// --- Connection manager ---
	connCfg := connection.Config{
		ControlURL:   cfg.controlURL,
		Secret:       cfg.nodeSecret,
		StateDir:     cfg.stateDir,
		Version:      version,
		Capabilities: capabilities,
		AgentTypes:   splitCSV(cfg.agentTypes),
		Wallet:       cfg.wallet,
	}
	mgr := connection.New(connCfg, exec, logger)

	// --- Start ---
	go exec.Run(ctx, mgr)
	mgr.Run(ctx)

	logger.Info("worker node stopped")
	return nil
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// defaultStateDir returns the platform-appropriate default state directory.
func defaultStateDir() string {
	if dir, err := os.UserHomeDir(); err == nil {
		return dir + "/.relaymesh-worker"
	}
	return ".relaymesh-worker"
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

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
