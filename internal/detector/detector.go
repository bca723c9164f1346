// Package detector diffs the current filesystem state of a folder against
// the fingerprints recorded in its store. Fingerprints are md5 over file
// content, so touching a file without changing it produces no work.
package detector

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/folder-mcp/folder-mcp/internal/scanner"
)

// ChangeType classifies a detected file change.
type ChangeType string

const (
	ChangeAdded    ChangeType = "added"
	ChangeModified ChangeType = "modified"
	ChangeRemoved  ChangeType = "removed"
)

// FileChange is one unit of indexing work.
type FileChange struct {
	// Path is relative to the folder root, slash-separated.
	Path         string
	Type         ChangeType
	LastModified time.Time
	Size         int64
	// Hash is the content fingerprint. Empty for removals.
	Hash string
}

// Detector computes change sets for a folder.
type Detector struct {
	logger *slog.Logger
}

// New returns a detector.
func New(logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{logger: logger}
}

// Fingerprint hashes a file's content.
func Fingerprint(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Detect compares current files against stored fingerprints and returns
// the changes ordered by path. A file that cannot be read is logged and
// left out; the next sync pass will pick it up.
func (d *Detector) Detect(ctx context.Context, root string, current []scanner.FileInfo, stored map[string]string) ([]FileChange, error) {
	seen := make(map[string]struct{}, len(current))
	var changes []FileChange

	for _, file := range current {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		seen[file.RelPath] = struct{}{}

		hash, err := Fingerprint(filepath.Join(root, filepath.FromSlash(file.RelPath)))
		if err != nil {
			d.logger.Warn("detect_hash_failed",
				slog.String("path", file.RelPath),
				slog.String("error", err.Error()))
			continue
		}

		storedHash, indexed := stored[file.RelPath]
		switch {
		case !indexed:
			changes = append(changes, FileChange{
				Path:         file.RelPath,
				Type:         ChangeAdded,
				LastModified: time.Unix(0, file.ModTime),
				Size:         file.Size,
				Hash:         hash,
			})
		case storedHash != hash:
			changes = append(changes, FileChange{
				Path:         file.RelPath,
				Type:         ChangeModified,
				LastModified: time.Unix(0, file.ModTime),
				Size:         file.Size,
				Hash:         hash,
			})
		}
	}

	for path := range stored {
		if _, ok := seen[path]; !ok {
			changes = append(changes, FileChange{Path: path, Type: ChangeRemoved})
		}
	}

	sort.Slice(changes, func(i, j int) bool { return changes[i].Path < changes[j].Path })
	return changes, nil
}
