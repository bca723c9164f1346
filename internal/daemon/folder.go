package daemon

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/folder-mcp/folder-mcp/internal/config"
	"github.com/folder-mcp/folder-mcp/internal/detector"
	"github.com/folder-mcp/folder-mcp/internal/errors"
	"github.com/folder-mcp/folder-mcp/internal/extract"
	"github.com/folder-mcp/folder-mcp/internal/lifecycle"
	"github.com/folder-mcp/folder-mcp/internal/model"
	"github.com/folder-mcp/folder-mcp/internal/queue"
	"github.com/folder-mcp/folder-mcp/internal/scanner"
	"github.com/folder-mcp/folder-mcp/internal/semantic"
	"github.com/folder-mcp/folder-mcp/internal/store"
	"github.com/folder-mcp/folder-mcp/internal/watcher"
)

// Folder bundles everything the daemon runs for one configured root: its
// store, orchestrator and filesystem watcher.
type Folder struct {
	id      string
	cfg     config.FolderConfig
	store   *store.Store
	orch    *lifecycle.Orchestrator
	scanner *scanner.Scanner
	watcher *watcher.Watcher
	logger  *slog.Logger
}

// FolderID derives the stable URL-safe identifier for a canonical path.
func FolderID(path string) string {
	sum := md5.Sum([]byte(path))
	return hex.EncodeToString(sum[:])[:12]
}

// openFolder builds a folder's pipeline. A schema or model mismatch in an
// existing store destroys and recreates it; the subsequent scan reindexes
// everything.
func openFolder(cfg config.FolderConfig, global *config.Config, embedder model.Embedder, bus *lifecycle.Bus, logger *slog.Logger) (*Folder, error) {
	flog := logger.With(slog.String("folder", cfg.Path))

	registry := extract.NewRegistry()
	scan, err := scanner.New(registry, cfg.Excludes, flog)
	if err != nil {
		return nil, err
	}

	opts := store.Options{ModelName: cfg.Model, Dimension: embedder.Dimension()}
	st, err := store.Open(cfg.Path, opts, flog)
	if errors.IsKind(err, errors.KindSchemaMismatch) {
		flog.Warn("store_rebuild", slog.String("reason", err.Error()))
		if err := store.Destroy(cfg.Path); err != nil {
			return nil, err
		}
		st, err = store.Open(cfg.Path, opts, flog)
	}
	if err != nil {
		return nil, err
	}

	maxTasks := global.Queue.MaxConcurrentTasks
	if cfg.Performance.MaxConcurrentTasks > 0 {
		maxTasks = cfg.Performance.MaxConcurrentTasks
	}

	orch := lifecycle.NewOrchestrator(lifecycle.Config{
		FolderPath:         cfg.Path,
		MaxConcurrentTasks: maxTasks,
		BatchSize:          cfg.Performance.BatchSize,
	}, lifecycle.Deps{
		Store:    st,
		Scanner:  scan,
		Detector: detector.New(flog),
		Queue: queue.New(maxTasks, global.Queue.MaxRetries,
			time.Duration(global.Queue.RetryDelayMs)*time.Millisecond, flog),
		Registry: registry,
		Enricher: semantic.NewLocalEnricher(),
		Embedder: embedder,
		Bus:      bus,
		Logger:   flog,
	})

	return &Folder{
		id:      FolderID(cfg.Path),
		cfg:     cfg,
		store:   st,
		orch:    orch,
		scanner: scan,
		logger:  flog,
	}, nil
}

// ID returns the folder's URL identifier.
func (f *Folder) ID() string { return f.id }

// Path returns the canonical folder root.
func (f *Folder) Path() string { return f.cfg.Path }

// Model returns the folder's embedding model name.
func (f *Folder) Model() string { return f.cfg.Model }

// State returns the current lifecycle state.
func (f *Folder) State() lifecycle.State { return f.orch.State() }

// Progress returns the current indexing progress. An active folder with
// nothing to do reads as fully indexed.
func (f *Folder) Progress() lifecycle.Progress {
	p := f.orch.GetProgress()
	if p.TotalTasks == 0 && f.orch.State() == lifecycle.StateActive {
		p.Percentage = 100
	}
	return p
}

// LastError returns the most recent folder-level error message.
func (f *Folder) LastError() string { return f.orch.LastError() }

// StartScanning kicks off a scan pass. A folder stuck in error is reset
// first so the scan transition is legal.
func (f *Folder) StartScanning(ctx context.Context) error {
	if f.orch.State() == lifecycle.StateError {
		f.orch.Reset()
	}
	return f.orch.StartScanning(ctx)
}

// Store exposes the folder's embedding store for search and REST reads.
func (f *Folder) Store() *store.Store { return f.store }

// ListFiles walks the folder and returns the indexable files.
func (f *Folder) ListFiles(ctx context.Context) ([]scanner.FileInfo, error) {
	return f.scanner.Scan(ctx, f.cfg.Path)
}

// DocumentCount reads the number of indexed documents.
func (f *Folder) DocumentCount(ctx context.Context) int {
	stats, err := f.store.GetStats(ctx)
	if err != nil {
		return 0
	}
	return stats.Documents
}

// Close stops the watcher and releases the store.
func (f *Folder) Close() error {
	if f.watcher != nil {
		f.watcher.Stop()
	}
	return f.store.Close()
}
