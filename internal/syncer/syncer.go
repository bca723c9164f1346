// Package syncer is the timer-driven safety net behind the filesystem
// watcher: it retries errored folders, picks up files the watcher missed
// and repairs embedding tables that drifted out of step with their
// documents.
package syncer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/folder-mcp/folder-mcp/internal/lifecycle"
	"github.com/folder-mcp/folder-mcp/internal/scanner"
	"github.com/folder-mcp/folder-mcp/internal/store"
)

// DefaultInterval is the gap between sync passes.
const DefaultInterval = 60 * time.Second

// Target is one managed folder as the syncer sees it.
type Target interface {
	Path() string
	State() lifecycle.State
	StartScanning(ctx context.Context) error
	Store() *store.Store
	ListFiles(ctx context.Context) ([]scanner.FileInfo, error)
}

// Config tunes a syncer.
type Config struct {
	// Interval is the gap between passes; non-positive uses DefaultInterval.
	Interval time.Duration
	// DisableVecCleanup turns off the orphan-embedding repair step.
	DisableVecCleanup bool
}

// Syncer periodically reconciles every managed folder.
type Syncer struct {
	interval   time.Duration
	vecCleanup bool
	targets    func() []Target
	logger     *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New returns a syncer polling targets() each pass. The function is
// called fresh every pass so folders can come and go.
func New(cfg Config, targets func() []Target, logger *slog.Logger) *Syncer {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{
		interval:   cfg.Interval,
		vecCleanup: !cfg.DisableVecCleanup,
		targets:    targets,
		logger:     logger,
	}
}

// Start launches the periodic loop. Calling it again while running is a
// no-op.
func (s *Syncer) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				s.SyncNow(loopCtx)
			}
		}
	}()
	s.logger.Info("syncer_started", slog.Duration("interval", s.interval))
}

// Stop halts the loop and waits for an in-flight pass to finish.
func (s *Syncer) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done
}

// SyncNow runs a single reconciliation pass over every target. A failure
// on one folder never stops the others.
func (s *Syncer) SyncNow(ctx context.Context) {
	for _, target := range s.targets() {
		if ctx.Err() != nil {
			return
		}
		if err := s.syncFolder(ctx, target); err != nil {
			s.logger.Warn("sync_folder_failed",
				slog.String("folder", target.Path()),
				slog.String("error", err.Error()))
		}
	}
}

func (s *Syncer) syncFolder(ctx context.Context, target Target) error {
	switch target.State() {
	case lifecycle.StateError:
		s.logger.Info("sync_retry_errored_folder", slog.String("folder", target.Path()))
		return target.StartScanning(ctx)
	case lifecycle.StateActive:
		return s.reconcile(ctx, target)
	default:
		// Scanning or indexing owns the store right now.
		return nil
	}
}

// reconcile looks for files the watcher missed and documents whose
// indexing was interrupted, then repairs orphaned embeddings.
func (s *Syncer) reconcile(ctx context.Context, target Target) error {
	files, err := target.ListFiles(ctx)
	if err != nil {
		return err
	}
	indexed, err := target.Store().GetAllDocumentPaths(ctx)
	if err != nil {
		return err
	}

	missed := 0
	for _, file := range files {
		if _, ok := indexed[file.RelPath]; !ok {
			missed++
		}
	}
	if missed > 0 {
		s.logger.Info("sync_found_unindexed_files",
			slog.String("folder", target.Path()),
			slog.Int("count", missed))
		return target.StartScanning(ctx)
	}

	interrupted, err := target.Store().CountDocumentsNeedingReindex(ctx)
	if err != nil {
		return err
	}
	if interrupted > 0 {
		s.logger.Info("sync_found_interrupted_documents",
			slog.String("folder", target.Path()),
			slog.Int("count", interrupted))
		return target.StartScanning(ctx)
	}

	if !s.vecCleanup {
		return nil
	}
	return s.repairEmbeddings(ctx, target)
}

func (s *Syncer) repairEmbeddings(ctx context.Context, target Target) error {
	st := target.Store()
	stats, err := st.GetStats(ctx)
	if err != nil {
		return err
	}

	if stats.ChunkEmbeddings > stats.Chunks {
		purged, err := st.PurgeOrphanChunkEmbeddings(ctx)
		if err != nil {
			return err
		}
		s.logger.Info("sync_purged_orphan_chunk_embeddings",
			slog.String("folder", target.Path()),
			slog.Int("purged", purged))
	}
	if stats.DocumentEmbeddings > stats.Documents {
		purged, err := st.PurgeOrphanDocumentEmbeddings(ctx)
		if err != nil {
			return err
		}
		s.logger.Info("sync_purged_orphan_document_embeddings",
			slog.String("folder", target.Path()),
			slog.Int("purged", purged))
	}
	return nil
}
