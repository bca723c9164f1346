package daemon

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/folder-mcp/folder-mcp/internal/config"
	"github.com/folder-mcp/folder-mcp/internal/lifecycle"
	"github.com/folder-mcp/folder-mcp/internal/model"
	"github.com/folder-mcp/folder-mcp/internal/store"
)

func TestFolderIDStableAndDistinct(t *testing.T) {
	a := FolderID("/home/user/docs")
	assert.Equal(t, a, FolderID("/home/user/docs"))
	assert.NotEqual(t, a, FolderID("/home/user/other"))
	assert.Len(t, a, 12)
}

func TestOpenFolderRebuildsOnModelChange(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("text"), 0o644))

	// Seed a store built with a different model.
	old, err := store.Open(root, store.Options{ModelName: "old-model", Dimension: 4}, slog.Default())
	require.NoError(t, err)
	_, err = old.UpsertDocument(context.Background(), &store.Document{
		FilePath: "a.txt", Fingerprint: "fp", MimeType: "text/plain", LastModified: time.Now(),
	})
	require.NoError(t, err)
	require.NoError(t, old.Close())

	cfg := config.Default()
	embedder := model.NewStaticEmbedder(8)
	folder, err := openFolder(config.FolderConfig{Path: root, Model: "new-model"},
		cfg, embedder, lifecycle.NewBus(slog.Default()), slog.Default())
	require.NoError(t, err, "mismatched store must be destroyed and recreated")
	defer folder.Close()

	stats, err := folder.Store().GetStats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Documents, "rebuilt store starts empty")
}

func TestManagerSkipsUnopenableFolder(t *testing.T) {
	good := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(good, "doc.txt"), []byte("content"), 0o644))

	// A file where a folder should be: store.Open cannot create the
	// store directory inside it.
	badParent := t.TempDir()
	bad := filepath.Join(badParent, "not-a-dir")
	require.NoError(t, os.WriteFile(bad, []byte("file"), 0o644))

	cfg := config.Default()
	cfg.Folders = []config.FolderConfig{
		{Path: bad, Model: cfg.Model.Name},
		{Path: good, Model: cfg.Model.Name},
	}
	cfg.Sync.IntervalMs = 3600000

	m := NewManager(cfg, slog.Default())
	require.NoError(t, m.Start(context.Background()))
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	}()

	folders := m.Folders()
	require.Len(t, folders, 1, "broken folder skipped, daemon still up")
	assert.Equal(t, good, folders[0].Path())
}

func TestManagerHealthTransitions(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("some indexable text"), 0o644))

	cfg := config.Default()
	cfg.Folders = []config.FolderConfig{{Path: root, Model: cfg.Model.Name}}
	cfg.Sync.IntervalMs = 3600000

	m := NewManager(cfg, slog.Default())
	require.NoError(t, m.Start(context.Background()))
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	}()

	require.Eventually(t, func() bool {
		return m.Folders()[0].State() == lifecycle.StateActive
	}, 30*time.Second, 50*time.Millisecond)
	assert.Equal(t, HealthHealthy, m.Health())

	_, err := m.FolderByID("missing")
	assert.Error(t, err)
}

func TestWatcherTriggersReindex(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("first file"), 0o644))

	cfg := config.Default()
	cfg.Folders = []config.FolderConfig{{Path: root, Model: cfg.Model.Name}}
	cfg.Sync.IntervalMs = 3600000

	m := NewManager(cfg, slog.Default())
	require.NoError(t, m.Start(context.Background()))
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	}()

	folder := m.Folders()[0]
	require.Eventually(t, func() bool {
		return folder.State() == lifecycle.StateActive
	}, 30*time.Second, 50*time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(root, "b.txt"), []byte("second file arrives later"), 0o644))

	require.Eventually(t, func() bool {
		return folder.DocumentCount(context.Background()) == 2 &&
			folder.State() == lifecycle.StateActive
	}, 30*time.Second, 100*time.Millisecond, "watcher-detected file never got indexed")
}
