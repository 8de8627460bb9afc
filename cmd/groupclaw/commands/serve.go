package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jholhewres/groupclaw/pkg/groupclaw/channels"
	"github.com/jholhewres/groupclaw/pkg/groupclaw/config"
	"github.com/jholhewres/groupclaw/pkg/groupclaw/container"
	"github.com/jholhewres/groupclaw/pkg/groupclaw/mounts"
	"github.com/jholhewres/groupclaw/pkg/groupclaw/orchestrator"
	"github.com/jholhewres/groupclaw/pkg/groupclaw/scheduler"
	"github.com/jholhewres/groupclaw/pkg/groupclaw/store"
	"github.com/jholhewres/groupclaw/pkg/groupclaw/watcher"
)

// defaultConfigFile is tried when --config is not given.
const defaultConfigFile = "groupclaw.yaml"

// newServeCmd creates the `groupclaw serve` command that starts the daemon.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the daemon",
		Long: `Start the groupclaw daemon: the group queue, the control
watcher, and the scheduled task poller.

Examples:
  groupclaw serve
  groupclaw serve --config ./groupclaw.yaml`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}

	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	logger := buildLogger(cfg.Logging, verbose)

	if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o755); err != nil {
		return fmt.Errorf("preparing data dir: %w", err)
	}
	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	loader := mounts.NewLoader(cfg.Mounts.AllowlistPath, logger)
	backend, err := container.NewBackend(cfg.Agent, cfg.Container, loader, logger)
	if err != nil {
		return err
	}

	// Connectors register themselves here; the core runs fine with none
	// and outbound messages simply wait in the control directories.
	mgr := channels.NewManager(logger)

	orch := orchestrator.New(cfg, st, mgr, backend, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	orch.Start(ctx)

	w := watcher.New(st, mgr, cfg.GroupsDir(), cfg.Control.PollInterval, logger)
	w.Start(ctx)

	poller := scheduler.NewPoller(st, orch.Queue().EnqueueTaskCheck, cfg.Scheduler.PollInterval, logger)
	poller.Start()

	logger.Info("groupclaw running, press Ctrl+C to stop",
		"backend", cfg.Agent.Backend,
		"image", cfg.Agent.Image,
		"max_concurrent", cfg.Queue.MaxConcurrent,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received, stopping")

	poller.Stop()
	w.Stop()
	orch.Queue().Shutdown(cfg.Queue.ShutdownTimeout)

	logger.Info("stopped")
	return nil
}

// resolveConfig loads the file named by --config, falls back to
// ./groupclaw.yaml, and runs on pure defaults when neither exists.
func resolveConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	if path != "" {
		return config.Load(path)
	}
	if _, err := os.Stat(defaultConfigFile); err == nil {
		return config.Load(defaultConfigFile)
	}
	cfg := config.DefaultConfig(".")
	return &cfg, nil
}

func buildLogger(cfg config.LoggingConfig, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler)
}
