package logging

import (
	"os"
	"path/filepath"
)

// GlobalDir returns the global folder-mcp directory (~/.folder-mcp).
// Falls back to the temp directory if the home directory is unavailable.
func GlobalDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".folder-mcp")
	}
	return filepath.Join(home, ".folder-mcp")
}

// DefaultLogDir returns the default log directory (~/.folder-mcp/logs).
func DefaultLogDir() string {
	return filepath.Join(GlobalDir(), "logs")
}

// DefaultLogPath returns the daemon log path.
func DefaultLogPath() string {
	return filepath.Join(DefaultLogDir(), "daemon.log")
}

// BridgeLogPath returns the MCP bridge log path.
func BridgeLogPath() string {
	return filepath.Join(DefaultLogDir(), "bridge.log")
}

// ModelHostLogPath returns the embedding model subprocess log path.
// The subprocess's stderr is captured here.
func ModelHostLogPath() string {
	return filepath.Join(DefaultLogDir(), "model-host.log")
}
