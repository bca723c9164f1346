package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, DefaultDaemonPort, cfg.Daemon.Port)
	assert.Equal(t, 2, cfg.Resources.MaxConcurrentOperations)
	assert.Equal(t, 100, cfg.Resources.MaxQueueSize)
	assert.Equal(t, 3, cfg.Queue.MaxRetries)
	assert.Equal(t, 1000, cfg.Queue.RetryDelayMs)
	assert.Equal(t, 2, cfg.Queue.MaxConcurrentTasks)
	assert.Equal(t, 60000, cfg.Sync.IntervalMs)
	assert.True(t, *cfg.Sync.VecCleanupEnabled)
	assert.Equal(t, 30000, cfg.Model.TimeoutMs)
	assert.True(t, *cfg.Model.AutoRestart)
	assert.Equal(t, 5, cfg.Model.MaxRestartAttempts)
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Empty(t, cfg.Folders)
	assert.Equal(t, DefaultDaemonPort, cfg.Daemon.Port)
}

func TestParseFoldersCanonicalized(t *testing.T) {
	dir := t.TempDir()
	raw := []byte("folders:\n  - path: " + dir + "/sub/..\n    excludes: [\"*.tmp\"]\n")

	cfg, err := Parse(raw)
	require.NoError(t, err)
	require.Len(t, cfg.Folders, 1)
	assert.Equal(t, filepath.Clean(dir), cfg.Folders[0].Path)
	assert.Equal(t, cfg.Model.Name, cfg.Folders[0].Model, "folder inherits global model")
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	_, err := Parse([]byte("daemon:\n  port: 3002\n  bogus: true\n"))
	assert.Error(t, err)
}

func TestParseRejectsDuplicateFolders(t *testing.T) {
	dir := t.TempDir()
	raw := []byte("folders:\n  - path: " + dir + "\n  - path: " + dir + "\n")
	_, err := Parse(raw)
	assert.ErrorContains(t, err, "duplicate folder path")
}

func TestValidateRanges(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"bad port", "daemon:\n  port: 70000\n"},
		{"zero retry delay", "queue:\n  retryDelayMs: -5\n"},
		{"zero sync interval", "sync:\n  intervalMs: -1\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.in))
			assert.Error(t, err)
		})
	}
}

func TestLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := "folders:\n  - path: " + dir + "\n    model: nomic-embed-text\nqueue:\n  maxRetries: 7\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Queue.MaxRetries)
	require.Len(t, cfg.Folders, 1)
	assert.Equal(t, "nomic-embed-text", cfg.Folders[0].Model)

	got, ok := cfg.FolderByPath(filepath.Clean(dir))
	require.True(t, ok)
	assert.Equal(t, "nomic-embed-text", got.Model)
}
