// Package cmd provides the CLI commands for folder-mcp.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/folder-mcp/folder-mcp/internal/config"
	"github.com/folder-mcp/folder-mcp/pkg/version"
)

// NewRootCmd creates the root command for the folder-mcp CLI.
func NewRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "folder-mcp",
		Short: "Local folder indexing daemon for MCP clients",
		Long: `folder-mcp watches configured folders, indexes their documents into
per-folder vector stores, and exposes them to MCP clients such as
Claude Desktop through a stdio bridge.

Run 'folder-mcp daemon' to start the indexing daemon, or configure
'folder-mcp mcp' as an MCP server in your client.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	cmd.SetVersionTemplate("folder-mcp version {{.Version}}\n")

	cmd.PersistentFlags().StringVar(&configPath, "config", "",
		"Path to config file (default ~/.folder-mcp/config.yaml)")

	cmd.AddCommand(newDaemonCmd())
	cmd.AddCommand(newMCPCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// Execute runs the root command.
func Execute() error {
	cmd := NewRootCmd()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return err
	}
	return nil
}

// loadConfig resolves the --config flag and loads the configuration.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	if path == "" {
		path = config.DefaultPath()
	}
	return config.Load(path)
}
