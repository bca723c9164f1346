// folder-mcp indexes local folders into per-folder vector stores and
// serves them to MCP clients.
package main

import (
	"os"

	"github.com/folder-mcp/folder-mcp/cmd/folder-mcp/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
