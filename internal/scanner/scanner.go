// Package scanner discovers indexable files under a folder root. It walks
// the tree, skips the per-folder store directory and user-excluded
// patterns, and keeps only files with a registered extraction format.
package scanner

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gobwas/glob"

	"github.com/folder-mcp/folder-mcp/internal/extract"
	"github.com/folder-mcp/folder-mcp/internal/store"
)

// DefaultMaxFileSize caps files considered for indexing (10 MB). Larger
// files are skipped with a debug log, not failed.
const DefaultMaxFileSize = 10 * 1024 * 1024

// FileInfo describes one candidate file.
type FileInfo struct {
	// RelPath is slash-separated and relative to the folder root.
	RelPath string
	Size    int64
	ModTime int64 // unix nanoseconds
}

// Scanner walks folder trees for indexable files.
type Scanner struct {
	registry    *extract.Registry
	excludes    []glob.Glob
	maxFileSize int64
	logger      *slog.Logger
}

// New compiles the exclude patterns and returns a scanner. Patterns match
// against the slash-separated relative path, e.g. "**/*.log" or "build/**".
func New(registry *extract.Registry, excludePatterns []string, logger *slog.Logger) (*Scanner, error) {
	if logger == nil {
		logger = slog.Default()
	}
	excludes := make([]glob.Glob, 0, len(excludePatterns))
	for _, pattern := range excludePatterns {
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			return nil, fmt.Errorf("compile exclude pattern %q: %w", pattern, err)
		}
		excludes = append(excludes, g)
	}
	return &Scanner{
		registry:    registry,
		excludes:    excludes,
		maxFileSize: DefaultMaxFileSize,
		logger:      logger,
	}, nil
}

// Scan walks root and returns candidate files sorted by relative path.
// Unreadable subtrees are skipped and logged rather than failing the scan.
func (s *Scanner) Scan(ctx context.Context, root string) ([]FileInfo, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}
	info, err := os.Stat(absRoot)
	if err != nil {
		return nil, fmt.Errorf("stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root is not a directory: %s", absRoot)
	}

	var files []FileInfo
	err = filepath.WalkDir(absRoot, func(path string, d fs.DirEntry, walkErr error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if walkErr != nil {
			s.logger.Debug("scan_skip_unreadable", slog.String("path", path), slog.String("error", walkErr.Error()))
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if path == absRoot {
			return nil
		}

		rel, relErr := filepath.Rel(absRoot, path)
		if relErr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if d.Name() == store.StoreDirName || strings.HasPrefix(d.Name(), ".") {
				return fs.SkipDir
			}
			if s.excluded(rel) || s.excluded(rel+"/") {
				return fs.SkipDir
			}
			return nil
		}

		if strings.HasPrefix(d.Name(), ".") || s.excluded(rel) {
			return nil
		}
		if !s.registry.Supports(rel) {
			return nil
		}

		fi, statErr := d.Info()
		if statErr != nil {
			s.logger.Debug("scan_skip_stat_failed", slog.String("path", rel), slog.String("error", statErr.Error()))
			return nil
		}
		if fi.Size() > s.maxFileSize {
			s.logger.Debug("scan_skip_too_large", slog.String("path", rel), slog.Int64("size", fi.Size()))
			return nil
		}

		files = append(files, FileInfo{RelPath: rel, Size: fi.Size(), ModTime: fi.ModTime().UnixNano()})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(files, func(i, j int) bool { return files[i].RelPath < files[j].RelPath })
	return files, nil
}

func (s *Scanner) excluded(rel string) bool {
	for _, g := range s.excludes {
		if g.Match(rel) {
			return true
		}
	}
	return false
}
