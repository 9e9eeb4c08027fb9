package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"autognosis/internal/config"
	"autognosis/internal/logging"
	"autognosis/internal/node"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Set by the build.
var version = "dev"

var (
	// Global flags
	verbose    bool
	workspace  string
	configPath string
	nodeID     uint32

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "autognosis",
	Short: "autognosis - self-monitoring, self-healing peer node",
	Long: `autognosis runs one node of a self-healing peer network.

Each node keeps a model of itself and its peers, diagnoses and repairs
problems, regulates its own resources, forecasts degradation and shares
what it learns with the rest of the network.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zc := zap.NewProductionConfig()
		if verbose {
			zc.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zc.Build()
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
}

// runCmd starts a node
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a node until interrupted",
	Long: `Starts the node scheduler, the peer transport, the config watcher and,
when enabled, the metrics server. Knowledge and healing statistics are
persisted on shutdown.`,
	Args: cobra.NoArgs,
	RunE: runNode,
}

// versionCmd prints the build version
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "autognosis %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Workspace directory (default: current)")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: <workspace>/autognosis.yaml)")
	rootCmd.PersistentFlags().Uint32Var(&nodeID, "node-id", 0, "Override the configured node id")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(healCmd)
	rootCmd.AddCommand(peersCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// resolveWorkspace returns the workspace flag or the current directory.
func resolveWorkspace() string {
	if workspace != "" {
		return workspace
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return cwd
}

func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return filepath.Join(resolveWorkspace(), "autognosis.yaml")
}

// loadConfig reads the config file and applies command-line overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, err
	}
	cfg.Node.Workspace = resolveWorkspace()
	if nodeID != 0 {
		cfg.Node.ID = nodeID
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runNode(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := logging.Initialize(cfg.Node.Workspace, cfg.Logging.Options()); err != nil {
		return err
	}
	defer logging.CloseAll()

	deps := node.Deps{}
	if _, err := os.Stat(resolveConfigPath()); err == nil {
		deps.ConfigPath = resolveConfigPath()
	}
	n, err := node.New(cfg, deps)
	if err != nil {
		return err
	}
	logger.Info("Node started",
		zap.Uint32("id", n.ID()),
		zap.String("run", n.RunID()),
		zap.String("transport", cfg.Node.Transport),
		zap.Duration("tick", cfg.GetTickInterval()))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runErr := n.Run(ctx)
	if err := n.Stop(); err != nil {
		logger.Warn("Shutdown incomplete", zap.Error(err))
	}
	logger.Info("Node stopped", zap.Uint64("cycles", n.Cycles()))
	return runErr
}
