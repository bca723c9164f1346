package scanner

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/folder-mcp/folder-mcp/internal/extract"
	"github.com/folder-mcp/folder-mcp/internal/store"
)

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func relPaths(files []FileInfo) []string {
	paths := make([]string, len(files))
	for i, f := range files {
		paths[i] = f.RelPath
	}
	return paths
}

func TestScanFindsSupportedFilesSorted(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "b.txt", "b")
	writeFile(t, root, "a.md", "a")
	writeFile(t, root, "sub/c.txt", "c")
	writeFile(t, root, "image.png", "binary")

	s, err := New(extract.NewRegistry(), nil, slog.Default())
	require.NoError(t, err)

	files, err := s.Scan(context.Background(), root)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.md", "b.txt", "sub/c.txt"}, relPaths(files))
	assert.Positive(t, files[0].Size)
}

func TestScanSkipsStoreAndHidden(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "keep.txt", "x")
	writeFile(t, root, store.StoreDirName+"/embeddings.txt", "internal")
	writeFile(t, root, ".hidden/secret.txt", "x")
	writeFile(t, root, ".dotfile.txt", "x")

	s, err := New(extract.NewRegistry(), nil, slog.Default())
	require.NoError(t, err)

	files, err := s.Scan(context.Background(), root)
	require.NoError(t, err)
	assert.Equal(t, []string{"keep.txt"}, relPaths(files))
}

func TestScanHonorsExcludePatterns(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "keep.txt", "x")
	writeFile(t, root, "drafts/skip.txt", "x")
	writeFile(t, root, "notes/skip.md", "x")

	s, err := New(extract.NewRegistry(), []string{"drafts/**", "**/*.md"}, slog.Default())
	require.NoError(t, err)

	files, err := s.Scan(context.Background(), root)
	require.NoError(t, err)
	assert.Equal(t, []string{"keep.txt"}, relPaths(files))
}

func TestScanRejectsBadPattern(t *testing.T) {
	_, err := New(extract.NewRegistry(), []string{"[unclosed"}, slog.Default())
	assert.Error(t, err)
}

func TestScanRejectsFileRoot(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.txt", "x")

	s, err := New(extract.NewRegistry(), nil, slog.Default())
	require.NoError(t, err)

	_, err = s.Scan(context.Background(), filepath.Join(root, "a.txt"))
	assert.Error(t, err)
}

func TestScanCancelled(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.txt", "x")

	s, err := New(extract.NewRegistry(), nil, slog.Default())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Scan(ctx, root)
	assert.ErrorIs(t, err, context.Canceled)
}
