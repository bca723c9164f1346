package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/folder-mcp/folder-mcp/internal/daemon"
	"github.com/folder-mcp/folder-mcp/internal/logging"
	"github.com/folder-mcp/folder-mcp/internal/mcp"
	"github.com/folder-mcp/folder-mcp/pkg/version"
)

// shutdownTimeout bounds graceful shutdown before the process exits anyway.
const shutdownTimeout = 30 * time.Second

// newDaemonCmd creates the daemon command.
func newDaemonCmd() *cobra.Command {
	var port int
	var foreground bool

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the folder indexing daemon",
		Long: `Start the daemon: index every configured folder, watch for file
changes, and serve the REST API the MCP bridge talks to.

Only one daemon runs per machine; a second invocation exits with an
error while the first holds the PID file.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !foreground {
				return detachDaemon(cmd, port)
			}
			return runDaemon(cmd, port)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "Override the configured REST port")
	cmd.Flags().BoolVar(&foreground, "foreground", true, "Run attached to the terminal; false re-launches detached")

	return cmd
}

// detachDaemon re-executes this binary in its own session and returns
// once the child is running.
func detachDaemon(cmd *cobra.Command, port int) error {
	args := []string{}
	if configPath, _ := cmd.Flags().GetString("config"); configPath != "" {
		args = append(args, "--config", configPath)
	}
	if port > 0 {
		args = append(args, "--port", fmt.Sprint(port))
	}

	pid, err := mcp.StartDetached(args...)
	if err != nil {
		return fmt.Errorf("start detached daemon: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Daemon started (pid %d).\n", pid)
	return nil
}

func runDaemon(cmd *cobra.Command, port int) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if port > 0 {
		cfg.Daemon.Port = port
	}

	logger, cleanup, err := logging.Setup(logging.Config{
		Level:         cfg.Daemon.LogLevel,
		FilePath:      logging.DefaultLogPath(),
		WriteToStderr: true,
	})
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	defer cleanup()
	slog.SetDefault(logger)

	pidFile := daemon.NewPIDFile()
	if err := pidFile.Acquire(); err != nil {
		return fmt.Errorf("acquire pid file: %w", err)
	}
	defer func() { _ = pidFile.Release() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	manager := daemon.NewManager(cfg, logger)
	if err := manager.Start(ctx); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}

	server := daemon.NewServer(manager, cfg.Daemon.Port, logger)
	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Start() }()

	logger.Info("daemon_ready",
		slog.Int("port", cfg.Daemon.Port),
		slog.String("version", version.Short()),
		slog.Int("folders", len(cfg.Folders)))

	select {
	case <-ctx.Done():
		logger.Info("daemon_shutdown_requested")
	case err := <-serverErr:
		if err != nil {
			logger.Error("server_failed", slog.String("error", err.Error()))
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server_shutdown_failed", slog.String("error", err.Error()))
	}
	return manager.Shutdown(shutdownCtx)
}
