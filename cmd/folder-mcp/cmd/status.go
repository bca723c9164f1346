package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/folder-mcp/folder-mcp/internal/daemon"
	"github.com/folder-mcp/folder-mcp/internal/mcp"
)

func newStatusCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon health and folder indexing status",
		Long: `Query the running daemon for its health, version and the indexing
state of every configured folder.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStatus(cmd.Context(), cmd, jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func runStatus(ctx context.Context, cmd *cobra.Command, jsonOutput bool) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	client := mcp.NewClient(cfg.Daemon.Port, 5*time.Second)
	out := cmd.OutOrStdout()

	health, err := client.Health(ctx)
	if err != nil {
		if mcp.IsDaemonDown(err) {
			return daemonDownStatus(out, jsonOutput)
		}
		return fmt.Errorf("query daemon: %w", err)
	}

	folders, err := client.ListFolders(ctx)
	if err != nil {
		return fmt.Errorf("list folders: %w", err)
	}

	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"running": true,
			"health":  health,
			"folders": folders["folders"],
		})
	}

	fmt.Fprintf(out, "Daemon:  %v (version %v, port %d)\n",
		health["status"], health["version"], cfg.Daemon.Port)
	if uptime, ok := health["uptime_seconds"].(float64); ok {
		fmt.Fprintf(out, "Uptime:  %s\n", (time.Duration(uptime) * time.Second).String())
	}
	fmt.Fprintln(out)

	list, _ := folders["folders"].([]any)
	if len(list) == 0 {
		fmt.Fprintln(out, "No folders configured.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tPROGRESS\tDOCS\tPATH")
	for _, entry := range list {
		f, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		progress := "-"
		if p, ok := f["progress"].(float64); ok {
			progress = fmt.Sprintf("%.0f%%", p)
		}
		docs := "-"
		if d, ok := f["documentCount"].(float64); ok {
			docs = fmt.Sprintf("%.0f", d)
		}
		fmt.Fprintf(w, "%v\t%v\t%s\t%s\t%v\n",
			f["folderId"], f["status"], progress, docs, f["path"])
	}
	return w.Flush()
}

// daemonDownStatus reports a daemon that is not reachable, distinguishing
// a stale PID file from a clean stop.
func daemonDownStatus(out io.Writer, jsonOutput bool) error {
	pid, pidErr := daemon.NewPIDFile().Read()

	if jsonOutput {
		result := map[string]any{"running": false}
		if pidErr == nil {
			result["stale_pid"] = pid
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}

	fmt.Fprintln(out, "Daemon is not running.")
	if pidErr == nil {
		fmt.Fprintf(out, "Stale PID file found (pid %d); it will be replaced on the next start.\n", pid)
	}
	fmt.Fprintln(out, "Start it with 'folder-mcp daemon'.")
	return nil
}
