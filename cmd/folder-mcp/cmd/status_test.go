package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeTestConfig writes a config file pointing the CLI at the given port
// and returns its path.
func writeTestConfig(t *testing.T, port int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := fmt.Sprintf("daemon:\n  port: %d\n", port)
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
	return path
}

// portOf extracts the listening port of an httptest server.
func portOf(t *testing.T, srv *httptest.Server) int {
	t.Helper()
	parsed, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port := 0
	_, err = fmt.Sscanf(parsed.Port(), "%d", &port)
	require.NoError(t, err)
	return port
}

// freePort returns a port nothing is listening on.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func fakeDaemon(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/health", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": "healthy", "version": "1.2.3", "uptime_seconds": 90.0,
		})
	})
	mux.HandleFunc("/api/v1/folders", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"folders": []map[string]any{{
				"folderId":      "abc123def456",
				"path":          "/home/user/docs",
				"status":        "active",
				"progress":      100,
				"documentCount": 42,
			}},
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestStatusCmd_RunningDaemon(t *testing.T) {
	// Given: a reachable daemon with one active folder
	srv := fakeDaemon(t)
	cfgPath := writeTestConfig(t, portOf(t, srv))

	cmd := NewRootCmd()
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"status", "--config", cfgPath})

	// When: running status
	err := cmd.Execute()

	// Then: it renders health and the folder table
	require.NoError(t, err)
	output := buf.String()
	assert.Contains(t, output, "healthy")
	assert.Contains(t, output, "1.2.3")
	assert.Contains(t, output, "abc123def456")
	assert.Contains(t, output, "active")
	assert.Contains(t, output, "100%")
	assert.Contains(t, output, "/home/user/docs")
}

func TestStatusCmd_JSONOutput(t *testing.T) {
	// Given: a reachable daemon
	srv := fakeDaemon(t)
	cfgPath := writeTestConfig(t, portOf(t, srv))

	cmd := NewRootCmd()
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"status", "--config", cfgPath, "--json"})

	// When: running status --json
	err := cmd.Execute()

	// Then: the output is machine-readable
	require.NoError(t, err)
	var result map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &result))
	assert.Equal(t, true, result["running"])
	health := result["health"].(map[string]any)
	assert.Equal(t, "healthy", health["status"])
	folders := result["folders"].([]any)
	require.Len(t, folders, 1)
}

func TestStatusCmd_DaemonNotRunning(t *testing.T) {
	// Given: nothing listening on the configured port and a clean home
	t.Setenv("HOME", t.TempDir())
	cfgPath := writeTestConfig(t, freePort(t))

	cmd := NewRootCmd()
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"status", "--config", cfgPath})

	// When: running status
	err := cmd.Execute()

	// Then: it reports the daemon as stopped, not an error
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "not running")
}

func TestStatusCmd_DaemonNotRunningJSON(t *testing.T) {
	// Given: nothing listening on the configured port
	t.Setenv("HOME", t.TempDir())
	cfgPath := writeTestConfig(t, freePort(t))

	cmd := NewRootCmd()
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"status", "--config", cfgPath, "--json"})

	// When: running status --json
	err := cmd.Execute()

	// Then: running is false
	require.NoError(t, err)
	var result map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &result))
	assert.Equal(t, false, result["running"])
}
