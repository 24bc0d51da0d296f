package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/schaermu/deploysync/internal/config"
	"github.com/schaermu/deploysync/internal/sync"
	"github.com/schaermu/deploysync/internal/webhook"
	"github.com/spf13/cobra"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string

	// Deploy flags
	dryRun   bool
	full     bool
	ref      string
	excludes []string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitCode(err))
	}
}

var rootCmd = &cobra.Command{
	Use:   "deploysync",
	Short: "Deploy a Git working tree to a remote directory over SSH",
	Long: `deploysync pushes the files of a Git working tree to a directory on a remote
host. The last deployed revision is recorded on the target, so later runs only
transfer the files that changed since then and delete the ones that were
removed.

It can run once per invocation (from CI or a timer) or as a long-running
webhook daemon that deploys on GitHub push events.`,
	SilenceUsage: true,
}

var deployCmd = &cobra.Command{
	Use:   "deploy",
	Short: "Deploy the configured revision to the target",
	Long: `Deploy resolves the configured ref, compares it with the revision recorded
on the target and transfers the difference as a single compressed archive.

Exit codes: 0 success, 2 failed before the target was modified, 3 failed
while transferring files, 4 failed while deleting files or recording the
revision, 1 for any other error.`,
	RunE: runDeploy,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the webhook server",
	Long: `Serve deploys once and then listens for GitHub webhook events, deploying
whenever an allowed ref is pushed. The listener is taken from systemd socket
activation when available.`,
	RunE: runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		_, _ = fmt.Fprintf(out, "deploysync %s\n", version)
		_, _ = fmt.Fprintf(out, "  commit: %s\n", commit)
		_, _ = fmt.Fprintf(out, "  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/deploysync/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	// Deploy command flags
	deployCmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be done without making changes")
	deployCmd.Flags().BoolVar(&full, "full", false, "ignore the recorded revision and deploy every file")
	deployCmd.Flags().StringVar(&ref, "ref", "", "revision to deploy (overrides source.ref)")
	deployCmd.Flags().StringSliceVar(&excludes, "exclude", nil, "additional exclude patterns (repeatable, comma-separated)")

	rootCmd.AddCommand(deployCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func runDeploy(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	opts := sync.Options{
		DryRun:   dryRun,
		Full:     full,
		Ref:      ref,
		Excludes: excludes,
	}

	res, err := deployOnce(ctx, cfg, logger, opts)
	if err != nil {
		return err
	}
	if res.PostDeployErr != nil {
		logger.Warn("deployment succeeded but post-deploy hook failed", "error", res.PostDeployErr)
	}
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if !cfg.Serve.Enabled {
		return fmt.Errorf("serve.enabled must be true to run the webhook server")
	}

	server, err := webhook.NewServer(cfg, func(ctx context.Context) (sync.Result, error) {
		return deployOnce(ctx, cfg, logger, sync.Options{})
	}, logger)
	if err != nil {
		return err
	}
	return server.Start(ctx)
}

// deployOnce connects to the target and runs a single deployment with a
// fresh engine.
func deployOnce(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts sync.Options) (sync.Result, error) {
	ch, err := sync.Connect(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to connect to target", "target", cfg.Target(), "error", err)
		return sync.Result{Status: sync.StatusOf(err), DryRun: opts.DryRun}, err
	}
	defer func() {
		if err := ch.Close(); err != nil {
			logger.Debug("failed to close channel", "error", err)
		}
	}()

	engine := sync.NewEngine(cfg, sync.DefaultDeps(cfg, ch, logger), logger, opts)
	return engine.Run(ctx)
}

// exitCode maps a command error to the process exit code. Deployment
// failures carry their status; everything else exits with 1.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	return sync.StatusOf(err).ExitCode()
}

func setupLogger() *slog.Logger {
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

func loadConfig(logger *slog.Logger) (*config.Config, error) {
	configPath := cfgFile
	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		configPath = filepath.Join(home, ".config", "deploysync", "config.yaml")
	}

	logger.Info("loading configuration", "path", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"source", cfg.ScopeDir(),
		"url", cfg.Source.URL,
		"ref", cfg.Source.Ref,
		"target", cfg.Target(),
		"auth", cfg.AuthMethod())

	return cfg, nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
