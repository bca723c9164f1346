package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/folder-mcp/folder-mcp/internal/logging"
	"github.com/folder-mcp/folder-mcp/internal/mcp"
)

// newMCPCmd creates the mcp command.
func newMCPCmd() *cobra.Command {
	var requestTimeout time.Duration

	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Run the stdio MCP bridge",
		Long: `Serve the MCP tool catalog over stdio. This is the command MCP
clients such as Claude Desktop configure as their server entry.

The bridge forwards every tool call to the daemon's REST API and
starts the daemon automatically when it is not running. Stdout carries
only JSON-RPC; logs go to stderr and the bridge log file.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			cleanup, err := logging.SetupBridgeMode(cfg.Daemon.LogLevel)
			if err != nil {
				return fmt.Errorf("setup logging: %w", err)
			}
			defer cleanup()

			bridge := mcp.NewBridge(mcp.BridgeConfig{
				DaemonPort:     cfg.Daemon.Port,
				RequestTimeout: requestTimeout,
			}, nil)
			return bridge.Run(cmd.Context())
		},
	}

	cmd.Flags().DurationVar(&requestTimeout, "request-timeout", 30*time.Second,
		"Timeout for each request to the daemon")

	return cmd
}
